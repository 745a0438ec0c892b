package ferryhttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/ferry/internal/utils"
)

// fetchSingle streams the body into outputPath, resuming by appending from
// the on-disk length after each failed attempt.
func (d *Downloader) fetchSingle(ctx context.Context, url, outputPath string, size int64, tracker *utils.ProgressTracker) error {
	policy := d.opts.Retry
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		log.Warn().Str("op", "http/simple-downloader").Err(err).Msgf("Retrying download for %s (attempt %d/%d) in %s", outputPath, attempt+1, policy.MaxAttempts, delay.Round(time.Millisecond))
	}
	err := policy.Do(ctx, func(attempt int) error {
		return d.streamAttempt(ctx, url, outputPath, size, tracker)
	})
	if err != nil {
		return err
	}
	log.Info().Str("op", "http/simple-downloader").Msgf("Simple download successful for %s", outputPath)
	return nil
}

func (d *Downloader) streamAttempt(ctx context.Context, url, outputPath string, size int64, tracker *utils.ProgressTracker) error {
	outFile, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return utils.NewTransferError(utils.StageDownload, utils.KindProtocol, fmt.Errorf("error creating output file: %w", err))
	}
	defer outFile.Close()

	stat, err := outFile.Stat()
	if err != nil {
		return err
	}
	offset := stat.Size()
	if size > 0 && offset == size {
		return nil
	}
	if size > 0 && offset > size {
		if err := resetFile(outFile); err != nil {
			return err
		}
		tracker.Add(-offset)
		offset = 0
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
	if err != nil {
		return utils.NewTransferError(utils.StageDownload, utils.KindProtocol, fmt.Errorf("error creating GET request: %w", err))
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		log.Debug().Str("op", "http/simple-downloader").Msgf("Resuming download from offset %d", offset)
	}
	req.Header.Set("Connection", "keep-alive")
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("error executing GET request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case offset > 0 && resp.StatusCode == http.StatusPartialContent:
		if start, _, _, ok := parseContentRange(resp.Header.Get("Content-Range")); ok && start != offset {
			return utils.NewTransferError(utils.StageDownload, utils.KindProtocol, fmt.Errorf("resume answered from byte %d, wanted %d", start, offset))
		}
	case offset > 0 && resp.StatusCode == http.StatusOK:
		log.Warn().Str("op", "http/simple-downloader").Msg("Server ignored resume range, restarting download")
		if err := resetFile(outFile); err != nil {
			return err
		}
		tracker.Add(-offset)
		offset = 0
	case offset > 0 && resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && size <= 0:
		// nothing left past what is on disk
		return nil
	case offset == 0 && (resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent):
	default:
		return statusError(resp)
	}

	if _, err := outFile.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	var body io.Reader = resp.Body
	if d.opts.IdleTimeout > 0 {
		idle := newIdleReader(resp.Body, d.opts.IdleTimeout, cancel)
		defer idle.Stop()
		body = idle
	}
	written, err := d.copyBody(outFile, body, offset, tracker)
	if err != nil {
		return err
	}
	outFile.Sync()
	if size > 0 && offset+written != size {
		return utils.NewTransferError(utils.StageDownload, utils.KindTransport, fmt.Errorf("short read: have %d of %d bytes", offset+written, size))
	}
	return nil
}

// copyBody appends body to w in DefaultBufferSize reads, reporting each
// write and enforcing MaxBytes against offset+written.
func (d *Downloader) copyBody(w io.Writer, body io.Reader, offset int64, tracker *utils.ProgressTracker) (int64, error) {
	buffer := make([]byte, utils.DefaultBufferSize)
	var written int64
	for {
		bytesRead, readErr := body.Read(buffer)
		if bytesRead > 0 {
			if d.opts.MaxBytes > 0 && offset+written+int64(bytesRead) > d.opts.MaxBytes {
				return written, utils.NewTransferError(utils.StageDownload, utils.KindLimit, fmt.Errorf("%w: stream passed %s", utils.ErrTooLarge, utils.FormatBytes(uint64(d.opts.MaxBytes))))
			}
			if _, writeErr := w.Write(buffer[:bytesRead]); writeErr != nil {
				return written, utils.NewTransferError(utils.StageDownload, utils.KindProtocol, fmt.Errorf("error writing to output file: %w", writeErr))
			}
			written += int64(bytesRead)
			tracker.Add(int64(bytesRead))
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return written, nil
			}
			return written, fmt.Errorf("error reading response body: %w", readErr)
		}
	}
}

func resetFile(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("error truncating output file: %w", err)
	}
	_, err := f.Seek(0, io.SeekStart)
	return err
}
