// Package main implements the virthw CLI commands.
// This file contains the red team campaign command.
package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"virthw/internal/device"
	"virthw/internal/orchestrator"
	"virthw/internal/redteam"
)

var (
	campaignTargets int
	campaignAgents  int
)

// redteamCmd runs an adversarial campaign against a fresh fleet
var redteamCmd = &cobra.Command{
	Use:   "redteam",
	Short: "Run an adversarial campaign against a device fleet",
	Long: `Boots target devices and attacks them with the full scenario catalog:
attention depletion, memory exhaustion, prompt injection, timing
side-channel analysis, and denial of service.

Results are persisted to the attack history database; scenarios that
succeeded in earlier campaigns are re-run first as regression checks.

Example:
  virthw redteam --targets 3 --agents 2`,
	RunE: runRedTeam,
}

func runRedTeam(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	rt, err := bootRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.shutdown()

	agents := campaignAgents
	if agents <= 0 {
		agents = rt.cfg.RedTeam.AgentCount
	}

	logger.Info("Booting campaign targets",
		zap.Int("targets", campaignTargets),
		zap.Int("agents", agents))

	targets := make([]device.Instance, 0, campaignTargets)
	for i := 0; i < campaignTargets; i++ {
		d, err := rt.orch.Spawn(ctx, device.TypeBareMetal, orchestrator.SpawnOptions{
			ID:        "target-" + uuid.NewString()[:8],
			ModelPath: "models/sim-70b.gguf",
		})
		if err != nil {
			return fmt.Errorf("failed to spawn target: %w", err)
		}
		targets = append(targets, d)
	}

	campaigns := redteam.NewOrchestrator(rt.history)
	report, err := campaigns.RunCampaign(ctx, targets, agents)
	if err != nil {
		return fmt.Errorf("campaign failed: %w", err)
	}

	fmt.Printf("campaign %s: %d/%d attacks succeeded across %d devices (%.1fs)\n",
		report.CampaignID, report.SuccessfulAttacks, report.TotalAttacks,
		report.DevicesTested, report.DurationSeconds)

	for _, ar := range report.AgentReports {
		fmt.Printf("\nagent %s: %d/%d succeeded, avg impact %.2f\n",
			ar.AgentID, ar.SuccessfulAttacks, ar.TotalAttacks, ar.AverageImpactScore)
		for sev, vulns := range ar.VulnsBySeverity {
			for _, v := range vulns {
				fmt.Printf("  [%s] %s\n", sev, v)
			}
		}
		for _, rec := range ar.Recommendations {
			fmt.Printf("  -> %s\n", rec)
		}
	}

	if rt.history != nil {
		if regressions, err := rt.history.RegressionScenarios(); err == nil && len(regressions) > 0 {
			fmt.Printf("\nregression watchlist: %v\n", regressions)
		}
	}
	return nil
}
