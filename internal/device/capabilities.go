package device

// Type tags the kind of simulated device.
type Type string

const (
	TypeBareMetal         Type = "bare_metal"
	TypeAccelerator       Type = "accelerator"
	TypeCognitiveKernel   Type = "cognitive_kernel"
	TypeRedTeamProbe      Type = "red_team_probe"
	TypeNetworkInterface  Type = "network_interface"
	TypeStorageController Type = "storage_controller"
)

// Capabilities is the static resource/feature profile assigned to a device
// at spawn time. It is fixed for the device's lifetime.
type Capabilities struct {
	CPUCores                  int
	MemoryMB                  int
	StorageGB                 int
	ComputeEnabled            bool
	AVX512Support             bool
	TensorCores               int
	MaxContextLength          int
	SupportsParallelInference bool
	SupportsRedTeaming        bool
	Custom                    map[string]interface{}
}

// DefaultCapabilities returns the baseline profile used when a spawn request
// carries no overrides.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		CPUCores:         1,
		MemoryMB:         1024,
		StorageGB:        10,
		MaxContextLength: 4096,
	}
}

// Merge returns a copy of c with any non-zero fields of o applied on top.
// Boolean feature flags are ORed; Custom entries are overlaid key by key.
func (c Capabilities) Merge(o Capabilities) Capabilities {
	out := c
	if o.CPUCores > 0 {
		out.CPUCores = o.CPUCores
	}
	if o.MemoryMB > 0 {
		out.MemoryMB = o.MemoryMB
	}
	if o.StorageGB > 0 {
		out.StorageGB = o.StorageGB
	}
	if o.TensorCores > 0 {
		out.TensorCores = o.TensorCores
	}
	if o.MaxContextLength > 0 {
		out.MaxContextLength = o.MaxContextLength
	}
	out.ComputeEnabled = out.ComputeEnabled || o.ComputeEnabled
	out.AVX512Support = out.AVX512Support || o.AVX512Support
	out.SupportsParallelInference = out.SupportsParallelInference || o.SupportsParallelInference
	out.SupportsRedTeaming = out.SupportsRedTeaming || o.SupportsRedTeaming
	if len(o.Custom) > 0 {
		merged := make(map[string]interface{}, len(c.Custom)+len(o.Custom))
		for k, v := range c.Custom {
			merged[k] = v
		}
		for k, v := range o.Custom {
			merged[k] = v
		}
		out.Custom = merged
	}
	return out
}
