package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"pixeldrift/internal/config"
)

const starterChecks = `version: 1
checks:
  - name: similarity holds
    type: score
    min_score: 0.99
  # - name: unit tests
  #   type: shell
  #   command: npm test
  #   timeout_sec: 300
`

// initCmd scaffolds a drift workspace
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a drift workspace in the current directory",
	Long: `Creates the workspace layout for convergence runs:

  drift.yaml             configuration (reference, target, tunables)
  .drift/patches/        prepared CSS corrections, served in order
  .drift/checks.yaml     post-convergence check battery
  .drift/logs/           per-subsystem logs
  .drift/artifacts/      iteration snapshots

Existing files are left untouched.`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	root := workspace
	if root == "" {
		var err error
		if root, err = os.Getwd(); err != nil {
			return err
		}
	}

	dataDir := config.WorkspaceDir(root)
	for _, dir := range []string{
		dataDir,
		filepath.Join(dataDir, "logs"),
		filepath.Join(dataDir, "artifacts"),
		filepath.Join(dataDir, "patches"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	configFile := filepath.Join(root, "drift.yaml")
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		if err := config.DefaultConfig().Save(configFile); err != nil {
			return err
		}
		fmt.Printf("Created %s\n", configFile)
	} else {
		fmt.Printf("Keeping existing %s\n", configFile)
	}

	checksFile := filepath.Join(dataDir, "checks.yaml")
	if _, err := os.Stat(checksFile); os.IsNotExist(err) {
		if err := os.WriteFile(checksFile, []byte(starterChecks), 0o644); err != nil {
			return err
		}
		fmt.Printf("Created %s\n", checksFile)
	}

	fmt.Println("\nWorkspace ready. Set reference and target in drift.yaml, then run `drift run`.")
	return nil
}
