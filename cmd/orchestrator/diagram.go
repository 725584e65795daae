package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lanryweezy/bank-ai-orchestrator-sub002/internal/diagram"
	"github.com/lanryweezy/bank-ai-orchestrator-sub002/internal/store"
	"github.com/lanryweezy/bank-ai-orchestrator-sub002/pkg/schema"
)

var (
	diagramOut   string
	diagramRunID string
)

var diagramCmd = &cobra.Command{
	Use:   "diagram <definition-file>",
	Short: "Render a workflow definition as a diagram",
	Long: `Renders a definition file as a Mermaid flowchart (default, stdout or .mmd)
or a PNG image (when the output file ends in .png). With --run, the diagram is
colored with that run's step statuses from the event log.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		def, err := schema.ParseDefinition(data)
		if err != nil {
			return err
		}

		var traces map[string]*store.StepTrace
		if diagramRunID != "" {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return err
			}
			s, err := store.NewLibSQLStore(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer s.Close()
			traces, err = store.NewEventLog(s).Replay(cmd.Context(), diagramRunID)
			if err != nil {
				return fmt.Errorf("replay run %s: %w", diagramRunID, err)
			}
		}

		model, err := diagram.Build(def, traces)
		if err != nil {
			return err
		}

		if filepath.Ext(diagramOut) == ".png" {
			png, err := diagram.RenderImage(cmd.Context(), model)
			if err != nil {
				return err
			}
			return os.WriteFile(diagramOut, png, 0o644)
		}

		out := diagram.RenderMermaid(model)
		if diagramOut == "" {
			fmt.Print(out)
			return nil
		}
		return os.WriteFile(diagramOut, []byte(out), 0o644)
	},
}

func init() {
	diagramCmd.Flags().StringVarP(&diagramOut, "output", "o", "", "output file (.mmd or .png; default stdout)")
	diagramCmd.Flags().StringVar(&diagramRunID, "run", "", "overlay step statuses from this run")
	rootCmd.AddCommand(diagramCmd)
}
