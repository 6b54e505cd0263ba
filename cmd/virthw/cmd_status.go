// Package main implements the virthw CLI commands.
// This file contains status, template, and config inspection commands.
package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"virthw/internal/config"
)

// statusCmd shows the runtime configuration and host ceilings
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show effective configuration and host capability ceilings",
	RunE:  runStatus,
}

// templatesCmd lists the registered agent templates
var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "List available agent templates",
	RunE:  runTemplates,
}

// initConfigCmd writes a default config file
var initConfigCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file into the workspace",
	RunE:  runInitConfig,
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	rt, err := bootRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.shutdown()

	cfg := rt.cfg
	fmt.Printf("workspace:        %s\n", cfg.Workspace)
	fmt.Printf("device defaults:  %d cores, %dGB, queue %d\n",
		cfg.Device.DefaultCores, cfg.Device.DefaultMemoryGB, cfg.Device.QueueSize)
	fmt.Printf("idle tick:        %s\n", cfg.IdleTick())
	fmt.Printf("response timeout: %s\n", cfg.ResponseTimeout())
	fmt.Printf("pool interval:    %s\n", cfg.PollInterval())
	fmt.Printf("history:          %s\n", cfg.HistoryPath())

	if cfg.Host.ClampToHost {
		fmt.Printf("host ceilings:    %d cores, %dGB (clamping on)\n",
			cfg.Host.MaxCores, cfg.Host.MaxMemoryGB)
		fmt.Printf("effective spawn:  %d cores, %dGB\n",
			cfg.ClampCores(cfg.Device.DefaultCores),
			cfg.ClampMemoryGB(cfg.Device.DefaultMemoryGB))
	} else {
		fmt.Println("host ceilings:    clamping off")
	}

	orch := rt.orch.Status()
	fmt.Printf("device types:     %v\n", orch.RegisteredTypes)
	return nil
}

func runTemplates(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	rt, err := bootRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.shutdown()

	status := rt.spawner.Status()
	names := append([]string(nil), status.Templates...)
	sort.Strings(names)

	for _, name := range names {
		t, ok := rt.spawner.Template(name)
		if !ok {
			continue
		}
		fmt.Printf("%-22s role=%-20s %d cores, %dGB, ctx %d\n",
			t.Name, t.Role, t.CPUCores, t.MemoryGB, t.ContextSize)
	}
	return nil
}

func runInitConfig(cmd *cobra.Command, args []string) error {
	if workspace == "" {
		workspace = ".virthw"
	}
	path := configPath
	if path == "" {
		path = filepath.Join(workspace, "config.yaml")
	}

	cfg := config.DefaultConfig()
	cfg.Workspace = workspace
	if err := cfg.Save(path); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	fmt.Printf("wrote %s\n", path)
	return nil
}
