package ferryhttp

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/ferry/internal/utils"
)

// fetchSegmented preallocates outputPath and fills it with concurrent range
// requests, one pool worker per segment.
func (d *Downloader) fetchSegmented(ctx context.Context, url, outputPath string, size int64, tracker *utils.ProgressTracker) error {
	chunks := PlanSegments(size, d.opts.SegmentSize, d.opts.MaxParts)
	out, err := os.OpenFile(outputPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return utils.NewTransferError(utils.StageDownload, utils.KindProtocol, fmt.Errorf("error creating output file: %w", err))
	}
	defer out.Close()
	if err := out.Truncate(size); err != nil {
		return utils.NewTransferError(utils.StageDownload, utils.KindProtocol, fmt.Errorf("error preallocating output file: %w", err))
	}

	pool, err := ants.NewPool(len(chunks))
	if err != nil {
		return fmt.Errorf("error creating worker pool: %w", err)
	}
	defer pool.Release()

	var wg sync.WaitGroup
	for i := range chunks {
		chunk := &chunks[i]
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			d.chunkedDownload(ctx, url, out, chunk, tracker)
		})
		if submitErr != nil {
			wg.Done()
			chunk.LastError = submitErr
		}
	}
	wg.Wait()

	var failed []*utils.DownloadChunk
	for i := range chunks {
		if !chunks[i].Completed {
			failed = append(failed, &chunks[i])
		}
	}
	if len(failed) > 0 {
		first := failed[0]
		return fmt.Errorf("%d of %d segments failed, segment %d: %w", len(failed), len(chunks), first.ID, first.LastError)
	}
	if err := out.Sync(); err != nil {
		return err
	}
	stat, err := out.Stat()
	if err != nil {
		return err
	}
	if stat.Size() != size {
		return utils.NewTransferError(utils.StageDownload, utils.KindProtocol, fmt.Errorf("size mismatch: expected %d, got %d", size, stat.Size()))
	}
	log.Info().Str("op", "http/multi-down").Msgf("Segmented download successful for %s (%d segments)", outputPath, len(chunks))
	return nil
}
