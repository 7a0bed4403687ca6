package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"autodev/internal/coordinator"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Request a graceful stop of a running pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		marker := filepath.Join(cfg.Workspace, coordinator.StopFile)
		if err := os.MkdirAll(filepath.Dir(marker), 0755); err != nil {
			return fmt.Errorf("create .pipeline: %w", err)
		}
		if err := os.WriteFile(marker, []byte("stop requested\n"), 0644); err != nil {
			return fmt.Errorf("write stop marker: %w", err)
		}
		fmt.Println("stop requested; the running pipeline will halt after its current iteration")
		return nil
	},
}
