package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/tanq16/ferry/internal/output"
	"github.com/tanq16/ferry/internal/relay"
	"github.com/tanq16/ferry/internal/utils"
)

func newUploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload [FILE...]",
		Short: "Upload local files to GoFile, rotating accounts on rejection",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, err := newOrchestrator()
			if err != nil {
				return err
			}
			mgr := output.NewManager()
			mgr.StartDisplay()
			failed := 0
			for _, path := range args {
				id := mgr.Register(filepath.Base(path))
				sink := output.NewThrottled(mgr.Sink(id), cfg.ProgressInterval)
				stat, err := os.Stat(path)
				if err != nil || stat.IsDir() {
					if err == nil {
						err = fmt.Errorf("%s is a directory", path)
					}
					sink.Finish(output.Failure(utils.StageUpload, err.Error()), err)
					failed++
					continue
				}
				artifact := &utils.Artifact{Path: path, Size: stat.Size(), Complete: true}
				if unit := orch.Push(cmd.Context(), artifact, sink); unit.CurrentState() != relay.StateDone {
					failed++
				}
			}
			mgr.StopDisplay()
			if failed > 0 {
				return fmt.Errorf("%d of %d uploads failed", failed, len(args))
			}
			return nil
		},
	}
}
