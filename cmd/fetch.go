package cmd

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tanq16/ferry/internal/output"
	"github.com/tanq16/ferry/internal/utils"
	"golang.org/x/sync/errgroup"
)

func newFetchCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "fetch [LOCATOR...] [--name NAME]",
		Short: "Download locators into the destination directory without uploading",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if name != "" && len(args) > 1 {
				return fmt.Errorf("--name applies to a single locator")
			}
			fetchers := newFetchers(newHTTPClient())
			mgr := output.NewManager()
			mgr.StartDisplay()

			var eg errgroup.Group
			eg.SetLimit(cfg.MaxConcurrent)
			for _, arg := range args {
				src := utils.NewSource(arg)
				src.SuggestedName = name
				id := mgr.Register(src.Locator)
				sink := output.NewThrottled(mgr.Sink(id), cfg.ProgressInterval)
				eg.Go(func() error {
					fetcher, ok := fetchers[src.Kind]
					if !ok {
						err := utils.NewTransferError(utils.StageDownload, utils.KindProtocol, utils.ErrUnsupportedSource)
						sink.Finish(output.Failure(utils.StageDownload, err.Detail), err)
						return nil
					}
					sink.Edit(output.Downloading(src.Kind))
					artifact, err := fetcher.Fetch(cmd.Context(), src, cfg.DestDir, func(p utils.Progress) {
						sink.Edit(output.DownloadProgress(src.Kind, p))
					})
					if err != nil {
						sink.Finish(output.Failure(utils.StageDownload, err.Error()), err)
						return nil
					}
					log.Info().Str("op", "cmd/fetch").Str("path", artifact.Path).Int64("size", artifact.Size).Msg("fetched")
					sink.Finish(fmt.Sprintf("Saved %s (%s)", artifact.Path, utils.FormatBytes(uint64(artifact.Size))), nil)
					return nil
				})
			}
			eg.Wait()
			mgr.StopDisplay()
			if failed := mgr.Failures(); failed > 0 {
				return fmt.Errorf("%d of %d fetches failed", failed, len(args))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "Output file name")
	return cmd
}
