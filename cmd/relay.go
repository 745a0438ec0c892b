package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tanq16/ferry/internal/output"
	"github.com/tanq16/ferry/internal/scheduler"
	"github.com/tanq16/ferry/internal/utils"
)

func newRelayCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "relay [LOCATOR...] [--name NAME]",
		Short: "Fetch each locator and upload it to GoFile",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if name != "" && len(args) > 1 {
				return fmt.Errorf("--name applies to a single locator")
			}
			sources := make([]utils.Source, 0, len(args))
			for _, arg := range args {
				src := utils.NewSource(arg)
				src.SuggestedName = name
				sources = append(sources, src)
			}
			return runUnits(cmd, sources)
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "File name for the uploaded file")
	return cmd
}

// runUnits sends sources through the orchestrator and renders their status.
func runUnits(cmd *cobra.Command, sources []utils.Source) error {
	orch, err := newOrchestrator()
	if err != nil {
		return err
	}
	mgr := output.NewManager()
	mgr.StartDisplay()
	units := scheduler.Run(cmd.Context(), orch, mgr, sources, cfg.MaxConcurrent, cfg.ProgressInterval)
	mgr.StopDisplay()
	if failed := scheduler.Failed(units); failed > 0 {
		return fmt.Errorf("%d of %d transfers failed", failed, len(units))
	}
	return nil
}
