// Package main implements the virthw CLI commands.
// This file contains the parallel inference command.
package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"virthw/internal/device"
	"virthw/internal/orchestrator"
)

var (
	inferDevices   int
	inferMaxTokens int
)

// inferCmd runs one prompt across a fleet of devices
var inferCmd = &cobra.Command{
	Use:   "infer [prompt]",
	Short: "Run a prompt in parallel across a device fleet",
	Long: `Boots a set of bare-metal devices, runs the same prompt on all of
them concurrently, and reports per-device latency and throughput. One
device failing never aborts the others.

Example:
  virthw infer "Explain the memory map" --devices 4 --max-tokens 1024`,
	Args: cobra.ExactArgs(1),
	RunE: runInfer,
}

func runInfer(cmd *cobra.Command, args []string) error {
	prompt := args[0]

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	rt, err := bootRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.shutdown()

	logger.Info("Booting inference fleet", zap.Int("devices", inferDevices))

	for i := 0; i < inferDevices; i++ {
		id := "infer-" + uuid.NewString()[:8]
		if _, err := rt.orch.Spawn(ctx, device.TypeBareMetal, orchestrator.SpawnOptions{
			ID:        id,
			ModelPath: "models/sim-70b.gguf",
		}); err != nil {
			return fmt.Errorf("failed to spawn device %s: %w", id, err)
		}
	}

	report, err := rt.orch.ParallelInference(ctx, prompt, nil, orchestrator.InferenceParams{
		MaxTokens: inferMaxTokens,
	})
	if err != nil {
		return fmt.Errorf("inference failed: %w", err)
	}

	ids := make([]string, 0, len(report.Responses))
	for id := range report.Responses {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		resp := report.Responses[id]
		if resp.Inference == nil {
			continue
		}
		fmt.Printf("%s  %.1fms  %.0f tok/s  attention=%.1f\n",
			id, resp.Inference.ElapsedMs, resp.Inference.TokensPerSecond,
			resp.Inference.AttentionValue)
	}
	for id, ferr := range report.Failures {
		fmt.Printf("%s  FAILED: %v\n", id, ferr)
	}
	fmt.Printf("\n%d devices, wall clock %.1fms\n", report.DeviceCount, report.ElapsedMs)
	return nil
}
