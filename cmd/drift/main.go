package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"pixeldrift/internal/config"
	"pixeldrift/internal/logging"
)

const version = "0.3.0"

var (
	// Global flags
	verbose    bool
	workspace  string
	configPath string

	// Resolved per invocation
	cfg    *config.Config
	wsRoot string
	zapLog *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "drift",
	Short: "pixeldrift - pixel convergence driver for web UIs",
	Long: `pixeldrift drives a rendered web page toward a reference design image.

Each iteration captures the live page, scores it against the reference,
picks the highest-priority discrepancy category (layout before styling
before typography before components), applies exactly one correction, and
re-measures. The loop stops when similarity reaches the threshold or the
iteration budget runs out.

Configuration lives in drift.yaml; runtime state (session database, logs,
snapshots) lives under .drift/.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// init creates the config; version has no use for it
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		var err error
		wsRoot = workspace
		if wsRoot == "" {
			if wsRoot, err = config.FindWorkspaceRoot(); err != nil {
				return fmt.Errorf("failed to resolve workspace: %w", err)
			}
		}

		path := configPath
		if path == "" {
			path = filepath.Join(wsRoot, "drift.yaml")
		}
		if cfg, err = config.Load(path); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		debug := verbose || cfg.DebugLogging()
		zcfg := zap.NewProductionConfig()
		if debug {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		if zapLog, err = zcfg.Build(); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if err := logging.Initialize(wsRoot, debug); err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
		if zapLog != nil {
			_ = zapLog.Sync()
		}
	},
}

// versionCmd prints the build version
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the pixeldrift version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("pixeldrift %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace root (default: auto-detected)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: <workspace>/drift.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(batchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
