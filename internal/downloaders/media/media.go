// Package media materializes opaque media references. A primary retriever
// handles ordinary items; items it refuses as too large go to a fallback
// bulk retriever.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	ferryhttp "github.com/tanq16/ferry/internal/downloaders/http"
	"github.com/tanq16/ferry/internal/retry"
	"github.com/tanq16/ferry/internal/utils"
)

// Item describes an opened media stream. Size is -1 when unknown.
type Item struct {
	Name string
	Size int64
}

// Retriever opens the byte stream behind ref. A retriever that cannot
// handle an item because of its size returns an error wrapping
// utils.ErrTooLarge so the chain can move on.
type Retriever interface {
	Name() string
	Open(ctx context.Context, ref string) (io.ReadCloser, Item, error)
}

type Options struct {
	Retry            retry.Policy
	ProgressInterval time.Duration
	MaxBytes         int64
}

type Chain struct {
	retrievers []Retriever
	opts       Options
}

func NewChain(opts Options, retrievers ...Retriever) *Chain {
	opts.Retry.Retryable = utils.IsRetryable
	return &Chain{retrievers: retrievers, opts: opts}
}

func (c *Chain) Fetch(ctx context.Context, src utils.Source, destDir string, onProgress utils.ProgressFunc) (*utils.Artifact, error) {
	var lastErr error
	for _, r := range c.retrievers {
		artifact, err := c.fetchWith(ctx, r, src, destDir, onProgress)
		if err == nil {
			return artifact, nil
		}
		lastErr = err
		if !errors.Is(err, utils.ErrTooLarge) {
			break
		}
		log.Info().Str("op", "media/media").Str("retriever", r.Name()).Msg("item too large for retriever, trying next")
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: no media retriever configured", utils.ErrUnsupportedSource)
	}
	var te *utils.TransferError
	if errors.As(lastErr, &te) {
		return nil, te
	}
	return nil, utils.NewTransferError(utils.StageDownload, utils.KindOf(lastErr), lastErr)
}

func (c *Chain) fetchWith(ctx context.Context, r Retriever, src utils.Source, destDir string, onProgress utils.ProgressFunc) (*utils.Artifact, error) {
	var outputPath string
	var size int64 = -1
	var tracker *utils.ProgressTracker
	defer func() {
		if tracker != nil {
			tracker.Stop()
		}
	}()

	policy := c.opts.Retry
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		log.Warn().Str("op", "media/media").Str("retriever", r.Name()).Err(err).Msgf("Retrying media fetch (attempt %d/%d)", attempt+1, policy.MaxAttempts)
	}
	err := policy.Do(ctx, func(attempt int) error {
		body, item, err := r.Open(ctx, src.Locator)
		if err != nil {
			return err
		}
		defer body.Close()
		if c.opts.MaxBytes > 0 && item.Size > c.opts.MaxBytes {
			return utils.NewTransferError(utils.StageDownload, utils.KindLimit, fmt.Errorf("%w: %s", utils.ErrTooLarge, utils.FormatBytes(uint64(item.Size))))
		}
		if outputPath == "" {
			hint := src.SuggestedName
			if hint == "" {
				hint = item.Name
			}
			if err := os.MkdirAll(destDir, 0755); err != nil {
				return utils.NewTransferError(utils.StageDownload, utils.KindProtocol, err)
			}
			reserved, err := utils.UniquePath(filepath.Join(destDir, ferryhttp.ResolveName(hint, "", ferryhttp.DefaultFilename)))
			if err != nil {
				return utils.NewTransferError(utils.StageDownload, utils.KindProtocol, err)
			}
			outputPath = reserved
			size = item.Size
			tracker = utils.NewProgressTracker(size, c.opts.ProgressInterval, onProgress)
			tracker.Start()
		}
		return c.copyItem(body, outputPath, size, tracker)
	})
	if err != nil {
		if outputPath != "" {
			if rmErr := utils.RemoveArtifact(outputPath); rmErr != nil {
				log.Warn().Str("op", "media/media").Err(rmErr).Msg("could not remove partial file")
			}
		}
		return nil, err
	}
	stat, err := os.Stat(outputPath)
	if err != nil {
		return nil, err
	}
	return &utils.Artifact{Path: outputPath, Size: stat.Size(), Complete: true}, nil
}

// copyItem resumes from the bytes already on disk when the stream can seek,
// and starts over otherwise.
func (c *Chain) copyItem(body io.Reader, outputPath string, size int64, tracker *utils.ProgressTracker) error {
	out, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return utils.NewTransferError(utils.StageDownload, utils.KindProtocol, err)
	}
	defer out.Close()
	stat, err := out.Stat()
	if err != nil {
		return err
	}
	offset := stat.Size()
	if seeker, ok := body.(io.Seeker); ok && offset > 0 && (size < 0 || offset <= size) {
		if _, err := seeker.Seek(offset, io.SeekStart); err != nil {
			return err
		}
	} else if offset > 0 {
		if err := out.Truncate(0); err != nil {
			return err
		}
		tracker.Add(-offset)
		offset = 0
	}
	if _, err := out.Seek(offset, io.SeekStart); err != nil {
		return err
	}

	buffer := make([]byte, utils.DefaultBufferSize)
	written := offset
	for {
		n, readErr := body.Read(buffer)
		if n > 0 {
			if c.opts.MaxBytes > 0 && written+int64(n) > c.opts.MaxBytes {
				return utils.NewTransferError(utils.StageDownload, utils.KindLimit, fmt.Errorf("%w: stream passed %s", utils.ErrTooLarge, utils.FormatBytes(uint64(c.opts.MaxBytes))))
			}
			if _, err := out.Write(buffer[:n]); err != nil {
				return utils.NewTransferError(utils.StageDownload, utils.KindProtocol, err)
			}
			written += int64(n)
			tracker.Add(int64(n))
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("error reading media stream: %w", readErr)
		}
	}
	if size >= 0 && written != size {
		return utils.NewTransferError(utils.StageDownload, utils.KindTransport, fmt.Errorf("short read: have %d of %d bytes", written, size))
	}
	return nil
}
