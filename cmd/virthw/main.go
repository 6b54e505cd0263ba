package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose    bool
	workspace  string
	configPath string
	timeout    time.Duration

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "virthw",
	Short: "virthw - Virtual Hardware Orchestration",
	Long: `virthw simulates a fleet of virtual hardware devices for agent workloads.

Devices are message-driven state machines booted through a bare-metal style
stage sequence. The orchestrator manages the fleet, the spawner turns
templates into role-bound agents with elastic pools, and the red team
subsystem runs adversarial campaigns against live devices.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Initialize logger
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: .virthw)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path (default: <workspace>/config.yaml)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "Operation timeout")

	// Command flags
	spawnCmd.Flags().IntVar(&spawnCount, "count", 1, "Number of agents to spawn")
	spawnCmd.Flags().String("prompt", "", "Task to run on each agent after spawning")

	poolCmd.Flags().IntVar(&poolMin, "min", 1, "Minimum pool size")
	poolCmd.Flags().IntVar(&poolMax, "max", 4, "Maximum pool size")
	poolCmd.Flags().Float64Var(&poolThreshold, "load-threshold", 0.8, "Utilization threshold that triggers scale-up")
	poolCmd.Flags().DurationVar(&poolRunFor, "run-for", 30*time.Second, "How long to drive the pool before shutdown")

	inferCmd.Flags().IntVar(&inferDevices, "devices", 2, "Number of devices to run the prompt on")
	inferCmd.Flags().IntVar(&inferMaxTokens, "max-tokens", 512, "Max tokens per inference")

	redteamCmd.Flags().IntVar(&campaignTargets, "targets", 2, "Number of target devices to spawn")
	redteamCmd.Flags().IntVar(&campaignAgents, "agents", 0, "Number of attack agents (default: config agent_count)")

	// Register commands
	rootCmd.AddCommand(spawnCmd)
	rootCmd.AddCommand(poolCmd)
	rootCmd.AddCommand(inferCmd)
	rootCmd.AddCommand(redteamCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(templatesCmd)
	rootCmd.AddCommand(initConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
