// Package main implements the virthw CLI commands.
// This file contains agent spawning and elastic pool commands.
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"virthw/internal/spawner"
)

var (
	spawnCount    int
	poolMin       int
	poolMax       int
	poolThreshold float64
	poolRunFor    time.Duration
)

// spawnCmd spawns agents from a template
var spawnCmd = &cobra.Command{
	Use:   "spawn [template]",
	Short: "Spawn agents from a device template",
	Long: `Spawns one or more agents from a named template. Each agent is backed
by a freshly booted device registered with the orchestrator.

Built-in templates:
  - inference_worker: 32 cores, 64GB, large context
  - cognitive_kernel: 16 cores, 32GB
  - red_team_adversary: 8 cores, 16GB
  - attention_allocator: 4 cores, 8GB

Example:
  virthw spawn inference_worker --count 3 --prompt "Summarize the boot log"`,
	Args: cobra.ExactArgs(1),
	RunE: runSpawn,
}

// poolCmd spawns an elastic pool and drives it for a while
var poolCmd = &cobra.Command{
	Use:   "pool [template]",
	Short: "Run an autoscaling agent pool",
	Long: `Spawns an elastic pool from a template and keeps it alive for the
given duration. The pool scales up when average device utilization crosses
the load threshold and scales back down when load drops.

Example:
  virthw pool inference_worker --min 2 --max 8 --run-for 1m`,
	Args: cobra.ExactArgs(1),
	RunE: runPool,
}

func runSpawn(cmd *cobra.Command, args []string) error {
	templateName := args[0]
	prompt, _ := cmd.Flags().GetString("prompt")

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	rt, err := bootRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.shutdown()

	logger.Info("Spawning agents",
		zap.String("template", templateName),
		zap.Int("count", spawnCount))

	agents := rt.spawner.SpawnAgentPool(ctx, templateName, spawnCount, "")
	if len(agents) == 0 {
		return fmt.Errorf("no agents could be spawned from template %q", templateName)
	}

	for _, a := range agents {
		fmt.Printf("agent %s  role=%s  device=%s\n", a.ID, a.Role, a.DeviceID())
	}
	if len(agents) < spawnCount {
		fmt.Printf("warning: %d of %d agents failed to spawn\n", spawnCount-len(agents), spawnCount)
	}

	if prompt == "" {
		return nil
	}

	// Drive one task through each agent so the fleet does real work.
	for _, a := range agents {
		resp, err := rt.spawner.AssignTask(ctx, a.ID, "cli task", spawner.Task{
			Description: "cli task",
			Prompt:      prompt,
			MaxTokens:   256,
		})
		if err != nil {
			fmt.Printf("agent %s: task failed: %v\n", a.ID, err)
			continue
		}
		if resp.Inference != nil {
			fmt.Printf("agent %s: %.1fms  %.0f tok/s  attention=%.1f\n",
				a.ID, resp.Inference.ElapsedMs, resp.Inference.TokensPerSecond,
				resp.Inference.AttentionValue)
		} else if resp.Command != nil {
			fmt.Printf("agent %s: %s\n", a.ID, resp.Command.Detail)
		}
	}
	return nil
}

func runPool(cmd *cobra.Command, args []string) error {
	templateName := args[0]

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	rt, err := bootRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.shutdown()

	pool, err := rt.spawner.SpawnElasticPool(ctx, templateName, poolMin, poolMax, poolThreshold)
	if err != nil {
		return fmt.Errorf("failed to start pool: %w", err)
	}

	logger.Info("Elastic pool running",
		zap.String("template", templateName),
		zap.Int("size", pool.Size()),
		zap.Int("max", poolMax))

	deadline := time.After(poolRunFor)
	ticker := time.NewTicker(rt.cfg.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			fmt.Printf("pool finished at size %d\n", pool.Size())
			return nil
		case <-ticker.C:
			fmt.Printf("pool size=%d\n", pool.Size())
		}
	}
}
