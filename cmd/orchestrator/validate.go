package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lanryweezy/bank-ai-orchestrator-sub002/internal/validation"
	"github.com/lanryweezy/bank-ai-orchestrator-sub002/pkg/schema"
)

var validateCmd = &cobra.Command{
	Use:   "validate <definitions-dir>",
	Short: "Validate workflow definition files without starting the engine",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		defs, err := schema.LoadDefinitionDir(args[0])
		if err != nil {
			return err
		}
		if len(defs) == 0 {
			return fmt.Errorf("no definition files found in %s", args[0])
		}

		// Agent and sub-workflow references resolve at registration time;
		// offline validation checks everything else.
		validator, err := validation.NewWorkflowValidator(nil, nil)
		if err != nil {
			return err
		}

		failed := 0
		for _, def := range defs {
			result := validator.Validate(def)
			for _, issue := range result.Warnings {
				fmt.Printf("WARN  %s %s: %s\n", def.Name, issue.Path, issue.Message)
			}
			for _, issue := range result.Errors {
				fmt.Printf("ERROR %s %s: %s\n", def.Name, issue.Path, issue.Message)
			}
			if result.Valid() {
				fmt.Printf("OK    %s@%s (%d steps)\n", def.Name, def.Version, len(def.Steps))
			} else {
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d definitions failed validation", failed, len(defs))
		}
		return nil
	},
}
