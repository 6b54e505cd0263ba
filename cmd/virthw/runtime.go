// Package main implements the virthw CLI.
// This file is the composition root: it wires config, logging, the device
// orchestrator, the agent spawner, and the red team subsystem.
package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"virthw/internal/config"
	"virthw/internal/device"
	"virthw/internal/logging"
	"virthw/internal/orchestrator"
	"virthw/internal/redteam"
	"virthw/internal/spawner"
)

// runtime bundles the wired subsystems for one CLI invocation.
type runtime struct {
	cfg     *config.Config
	orch    *orchestrator.Orchestrator
	spawner *spawner.Spawner
	history *redteam.History
}

// bootRuntime loads config and brings up the full stack.
func bootRuntime(ctx context.Context) (*runtime, error) {
	if workspace == "" {
		workspace = ".virthw"
	}
	path := configPath
	if path == "" {
		path = filepath.Join(workspace, "config.yaml")
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.Workspace = workspace
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.DetectHost()

	if err := logging.Initialize(cfg.Workspace, logging.Options{
		DebugMode:  cfg.Logging.DebugMode || verbose,
		Level:      cfg.Logging.Level,
		Categories: cfg.Logging.Categories,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}

	orch := orchestrator.New(orchestrator.Hooks{
		OnDeviceCreated: func(d device.Instance) {
			logger.Debug("device created",
				zap.String("id", d.ID()),
				zap.String("type", string(d.Kind())))
		},
		OnDeviceTerminated: func(d device.Instance) {
			logger.Debug("device terminated", zap.String("id", d.ID()))
		},
	})

	// Bare-metal devices built through the CLI honor the config defaults
	// and the host capability ceilings.
	orch.RegisterType(device.TypeBareMetal, func(opts orchestrator.SpawnOptions) device.Instance {
		cores := opts.CPUCores
		if cores <= 0 {
			cores = cfg.Device.DefaultCores
		}
		memGB := opts.MemoryGB
		if memGB <= 0 {
			memGB = cfg.Device.DefaultMemoryGB
		}
		modelPath := opts.ModelPath
		if modelPath == "" {
			modelPath = cfg.Device.ModelPath
		}
		return device.NewBareMetal(device.BareMetalConfig{
			ID:              opts.ID,
			CPUCores:        cfg.ClampCores(cores),
			MemoryGB:        cfg.ClampMemoryGB(memGB),
			ModelPath:       modelPath,
			Metadata:        opts.Metadata,
			Capabilities:    opts.Capabilities,
			QueueSize:       cfg.Device.QueueSize,
			IdleTick:        cfg.IdleTick(),
			ResponseTimeout: cfg.ResponseTimeout(),
		})
	})

	sp := spawner.New(orch, spawner.WithPollInterval(cfg.PollInterval()))
	if err := sp.LoadTemplatesDir(cfg.TemplateDir()); err != nil {
		logger.Warn("template directory not loaded", zap.Error(err))
	}

	history, err := redteam.OpenHistory(cfg.HistoryPath())
	if err != nil {
		logger.Warn("attack history unavailable", zap.Error(err))
		history = nil
	}

	return &runtime{cfg: cfg, orch: orch, spawner: sp, history: history}, nil
}

// shutdown tears the stack down in reverse order.
func (rt *runtime) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rt.spawner.Close(ctx)
	rt.orch.ShutdownAll(ctx)
	if rt.history != nil {
		_ = rt.history.Close()
	}
	logging.Close()
}
