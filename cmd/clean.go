package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tanq16/ferry/internal/output"
	"github.com/tanq16/ferry/internal/utils"
)

func newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove leftover files from the destination directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := utils.CleanDir(cfg.DestDir)
			if err != nil {
				return err
			}
			output.PrintSuccess(fmt.Sprintf("Removed %d file(s) from %s", n, cfg.DestDir))
			return nil
		},
	}
}
