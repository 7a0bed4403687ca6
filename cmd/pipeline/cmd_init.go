package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"autodev/internal/docbus"
	"autodev/internal/pipelineconfig"
)

var forceInit bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap the .pipeline directory and strategic documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		ws := cfg.Workspace

		pipelineDir := filepath.Join(ws, ".pipeline")
		if _, err := os.Stat(pipelineDir); err == nil && !forceInit {
			return fmt.Errorf("%s already exists (use --force to reinitialize)", pipelineDir)
		}

		for _, dir := range []string{
			pipelineDir,
			filepath.Join(pipelineDir, "prompts"),
			filepath.Join(pipelineDir, "tools"),
			filepath.Join(pipelineDir, "roles"),
			filepath.Join(pipelineDir, "backups"),
			filepath.Join(ws, cfg.ToolExec.ToolsDir),
		} {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("create %s: %w", dir, err)
			}
		}

		// Touching every strategic document materializes it from its
		// template so a human can fill the plan in before the first run.
		docs, err := docbus.New(ws)
		if err != nil {
			return err
		}
		defer docs.Close()
		for _, name := range []string{
			docbus.DocPlan, docbus.DocArchitecture, docbus.DocPrimaryObjectives,
			docbus.DocSecondaryObjectives, docbus.DocTertiaryObjectives,
			docbus.DocArchitectureStatus, docbus.DocChangeLog, docbus.DocAlerts,
		} {
			if _, err := docs.Read(name); err != nil {
				return err
			}
		}

		configFile := filepath.Join(ws, configPath)
		if _, err := os.Stat(configFile); os.IsNotExist(err) {
			data, merr := yaml.Marshal(pipelineconfig.DefaultConfig())
			if merr != nil {
				return fmt.Errorf("marshal default config: %w", merr)
			}
			if err := os.WriteFile(configFile, data, 0644); err != nil {
				return fmt.Errorf("write default config: %w", err)
			}
		}

		fmt.Printf("initialized pipeline workspace at %s\n", ws)
		fmt.Println("edit MASTER_PLAN.md to describe the objective, then run `pipeline run`")
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVarP(&forceInit, "force", "f", false, "Reinitialize even if .pipeline exists")
}
