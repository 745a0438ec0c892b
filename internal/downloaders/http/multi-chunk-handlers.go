package ferryhttp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/ferry/internal/utils"
)

// chunkedDownload fills one segment of out, retrying from the bytes already
// confirmed for that segment. Failure is recorded on the chunk, never
// propagated to sibling segments.
func (d *Downloader) chunkedDownload(ctx context.Context, url string, out *os.File, chunk *utils.DownloadChunk, tracker *utils.ProgressTracker) {
	policy := d.opts.Retry
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		chunk.Retries = attempt
		log.Warn().Str("op", "http/multi-chunk-handlers").Err(err).Msgf("Retrying segment %d (attempt %d/%d)", chunk.ID, attempt+1, policy.MaxAttempts)
	}
	err := policy.Do(ctx, func(attempt int) error {
		return d.downloadSingleChunk(ctx, url, out, chunk, tracker)
	})
	if err != nil {
		chunk.LastError = err
		log.Error().Str("op", "http/multi-chunk-handlers").Err(err).Msgf("Segment %d failed", chunk.ID)
		return
	}
	chunk.Completed = true
}

func (d *Downloader) downloadSingleChunk(ctx context.Context, url string, out *os.File, chunk *utils.DownloadChunk, tracker *utils.ProgressTracker) error {
	expectedSize := chunk.Length()
	if chunk.Downloaded >= expectedSize {
		return nil
	}
	startByte := chunk.StartByte + chunk.Downloaded

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
	if err != nil {
		return utils.NewTransferError(utils.StageDownload, utils.KindProtocol, err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", startByte, chunk.EndByte))
	req.Header.Set("Connection", "keep-alive")
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var body io.Reader = resp.Body
	if d.opts.IdleTimeout > 0 {
		idle := newIdleReader(resp.Body, d.opts.IdleTimeout, cancel)
		defer idle.Stop()
		body = idle
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		start, _, _, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if !ok {
			return utils.NewTransferError(utils.StageDownload, utils.KindProtocol, fmt.Errorf("segment %d: missing or malformed Content-Range", chunk.ID))
		}
		if start != startByte {
			return utils.NewTransferError(utils.StageDownload, utils.KindProtocol, fmt.Errorf("segment %d: server answered from byte %d, wanted %d", chunk.ID, start, startByte))
		}
	case http.StatusOK:
		// range ignored: start the segment over and skip to its first byte
		log.Debug().Str("op", "http/multi-chunk-handlers").Msgf("Segment %d got a full body, discarding %d bytes", chunk.ID, chunk.StartByte)
		tracker.Add(-chunk.Downloaded)
		chunk.Downloaded = 0
		if _, err := io.CopyN(io.Discard, body, chunk.StartByte); err != nil {
			return fmt.Errorf("segment %d: skipping to start: %w", chunk.ID, err)
		}
	default:
		return statusError(resp)
	}

	remaining := expectedSize - chunk.Downloaded
	buffer := make([]byte, utils.DefaultBufferSize)
	limited := io.LimitReader(body, remaining)
	for {
		bytesRead, readErr := limited.Read(buffer)
		if bytesRead > 0 {
			if _, writeErr := out.WriteAt(buffer[:bytesRead], chunk.StartByte+chunk.Downloaded); writeErr != nil {
				return utils.NewTransferError(utils.StageDownload, utils.KindProtocol, fmt.Errorf("segment %d: write: %w", chunk.ID, writeErr))
			}
			chunk.Downloaded += int64(bytesRead)
			tracker.Add(int64(bytesRead))
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			return fmt.Errorf("segment %d: reading body: %w", chunk.ID, readErr)
		}
	}
	if chunk.Downloaded != expectedSize {
		return utils.NewTransferError(utils.StageDownload, utils.KindTransport, fmt.Errorf("segment %d: size mismatch: expected %d bytes, got %d", chunk.ID, expectedSize, chunk.Downloaded))
	}
	return nil
}
