package ferryhttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/ferry/internal/retry"
	"github.com/tanq16/ferry/internal/utils"
)

type Options struct {
	MaxParts         int
	SegmentSize      int64
	Retry            retry.Policy
	ProgressInterval time.Duration
	MaxBytes         int64         // 0 disables the size cap
	MaxDuration      time.Duration // 0 disables the fetch deadline
	IdleTimeout      time.Duration // body reads stalled this long fail the attempt
}

func DefaultOptions() Options {
	return Options{
		MaxParts:         utils.DefaultMaxParts,
		SegmentSize:      utils.DefaultSegmentSize,
		Retry:            retry.Default(),
		ProgressInterval: utils.DefaultProgressInterval,
		IdleTimeout:      2 * time.Minute,
	}
}

// Downloader fetches http(s) sources into a local directory.
type Downloader struct {
	client utils.HTTPDoer
	opts   Options
}

func New(client utils.HTTPDoer, opts Options) *Downloader {
	if opts.MaxParts <= 0 {
		opts.MaxParts = utils.DefaultMaxParts
	}
	if opts.SegmentSize <= 0 {
		opts.SegmentSize = utils.DefaultSegmentSize
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = utils.DefaultProgressInterval
	}
	opts.Retry.Retryable = utils.IsRetryable
	return &Downloader{client: client, opts: opts}
}

// Fetch downloads src into destDir. On failure the partial file is removed
// and a *utils.TransferError is returned.
func (d *Downloader) Fetch(ctx context.Context, src utils.Source, destDir string, onProgress utils.ProgressFunc) (*utils.Artifact, error) {
	if err := validateURL(src.Locator); err != nil {
		return nil, utils.NewTransferError(utils.StageDownload, utils.KindProtocol, err)
	}
	parent := ctx
	if d.opts.MaxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.MaxDuration)
		defer cancel()
	}

	info, err := d.Probe(ctx, src.Locator)
	if err != nil {
		if ctx.Err() != nil {
			return nil, d.contextError(parent, ctx)
		}
		log.Warn().Str("op", "http/downloader").Err(err).Msg("probe failed, falling back to single stream")
		info = FileInfo{Size: -1}
	}
	size := info.Size
	if size < 0 && src.DeclaredSize > 0 {
		size = src.DeclaredSize
	}
	if d.opts.MaxBytes > 0 && size > d.opts.MaxBytes {
		return nil, utils.NewTransferError(utils.StageDownload, utils.KindLimit,
			fmt.Errorf("%w: %s > %s", utils.ErrTooLarge, utils.FormatBytes(uint64(size)), utils.FormatBytes(uint64(d.opts.MaxBytes))))
	}

	hint := info.Filename
	if hint == "" {
		hint = src.SuggestedName
	}
	name := ResolveName(hint, src.Locator, DefaultFilename)
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, utils.NewTransferError(utils.StageDownload, utils.KindProtocol, fmt.Errorf("error creating destination: %w", err))
	}
	outputPath, err := utils.UniquePath(filepath.Join(destDir, name))
	if err != nil {
		return nil, utils.NewTransferError(utils.StageDownload, utils.KindProtocol, err)
	}

	tracker := utils.NewProgressTracker(size, d.opts.ProgressInterval, onProgress)
	tracker.Start()
	if size > 0 && info.Ranged {
		log.Debug().Str("op", "http/downloader").Str("path", outputPath).Int64("size", size).Msg("segmented fetch")
		err = d.fetchSegmented(ctx, src.Locator, outputPath, size, tracker)
	} else {
		log.Debug().Str("op", "http/downloader").Str("path", outputPath).Int64("size", size).Msg("single stream fetch")
		err = d.fetchSingle(ctx, src.Locator, outputPath, size, tracker)
	}
	tracker.Stop()

	if err != nil {
		if rmErr := utils.RemoveArtifact(outputPath); rmErr != nil {
			log.Warn().Str("op", "http/downloader").Err(rmErr).Msg("could not remove partial file")
		}
		if ctx.Err() != nil {
			return nil, d.contextError(parent, ctx)
		}
		return nil, asDownloadError(err)
	}
	stat, err := os.Stat(outputPath)
	if err != nil {
		return nil, asDownloadError(err)
	}
	return &utils.Artifact{Path: outputPath, Size: stat.Size(), Complete: true}, nil
}

// contextError reports a fetch cut short by its context. Running past
// MaxDuration is a local limit; anything else is a transport failure.
func (d *Downloader) contextError(parent, ctx context.Context) error {
	if d.opts.MaxDuration > 0 && parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return utils.NewTransferError(utils.StageDownload, utils.KindLimit, fmt.Errorf("fetch ran past %s: %w", d.opts.MaxDuration, ctx.Err()))
	}
	return utils.NewTransferError(utils.StageDownload, utils.KindTransport, ctx.Err())
}

func asDownloadError(err error) error {
	var te *utils.TransferError
	if errors.As(err, &te) && err == error(te) {
		return te
	}
	kind := utils.KindOf(err)
	if errors.Is(err, context.Canceled) {
		kind = utils.KindTransport
	}
	return utils.NewTransferError(utils.StageDownload, kind, err)
}

// idleReader fails reads that stall longer than timeout by cancelling the
// request context.
type idleReader struct {
	r       io.Reader
	timer   *time.Timer
	timeout time.Duration
	mu      sync.Mutex
	expired bool
}

func newIdleReader(r io.Reader, timeout time.Duration, cancel context.CancelFunc) *idleReader {
	ir := &idleReader{r: r, timeout: timeout}
	ir.timer = time.AfterFunc(timeout, func() {
		ir.mu.Lock()
		ir.expired = true
		ir.mu.Unlock()
		cancel()
	})
	return ir
}

func (ir *idleReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if n > 0 {
		ir.timer.Reset(ir.timeout)
	}
	if err != nil && ir.timedOut() {
		return n, fmt.Errorf("read idle for %s: %w", ir.timeout, errIdleTimeout)
	}
	return n, err
}

func (ir *idleReader) timedOut() bool {
	ir.mu.Lock()
	defer ir.mu.Unlock()
	return ir.expired
}

func (ir *idleReader) Stop() {
	ir.timer.Stop()
}

var errIdleTimeout = errors.New("idle timeout")
