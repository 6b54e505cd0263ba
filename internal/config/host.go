package config

import (
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// DetectHost fills in zero host ceilings from the actual machine. Detection
// failures leave the ceilings at zero, which disables clamping for that axis.
func (c *Config) DetectHost() {
	if !c.Host.ClampToHost {
		return
	}
	if c.Host.MaxCores == 0 {
		if n, err := cpu.Counts(true); err == nil {
			c.Host.MaxCores = n
		}
	}
	if c.Host.MaxMemoryGB == 0 {
		if vm, err := mem.VirtualMemory(); err == nil {
			c.Host.MaxMemoryGB = int(vm.Total >> 30)
		}
	}
}

// ClampCores caps a requested core count at the host ceiling.
func (c *Config) ClampCores(requested int) int {
	if !c.Host.ClampToHost || c.Host.MaxCores <= 0 {
		return requested
	}
	if requested > c.Host.MaxCores {
		return c.Host.MaxCores
	}
	return requested
}

// ClampMemoryGB caps a requested memory size at the host ceiling.
func (c *Config) ClampMemoryGB(requested int) int {
	if !c.Host.ClampToHost || c.Host.MaxMemoryGB <= 0 {
		return requested
	}
	if requested > c.Host.MaxMemoryGB {
		return c.Host.MaxMemoryGB
	}
	return requested
}
