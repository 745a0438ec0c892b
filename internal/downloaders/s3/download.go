package s3

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
	ferryhttp "github.com/tanq16/ferry/internal/downloaders/http"
	"github.com/tanq16/ferry/internal/retry"
	"github.com/tanq16/ferry/internal/utils"
)

type Options struct {
	Profile          string
	PartSize         int64
	Concurrency      int
	MaxBytes         int64
	Retry            retry.Policy
	ProgressInterval time.Duration
}

// Downloader fetches single S3 objects with the SDK transfer manager,
// which splits the object into ranged GETs of PartSize.
type Downloader struct {
	loader clientLoader
	opts   Options
}

func New(opts Options) *Downloader {
	if opts.PartSize <= 0 {
		opts.PartSize = manager.DefaultDownloadPartSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = manager.DefaultDownloadConcurrency
	}
	opts.Retry.Retryable = utils.IsRetryable
	return &Downloader{loader: clientLoader{profile: opts.Profile}, opts: opts}
}

// NewWithClient uses api instead of loading AWS configuration.
func NewWithClient(api ObjectAPI, opts Options) *Downloader {
	d := New(opts)
	d.loader.client = api
	return d
}

func (d *Downloader) Fetch(ctx context.Context, src utils.Source, destDir string, onProgress utils.ProgressFunc) (*utils.Artifact, error) {
	bucket, key, err := ParseLocator(src.Locator)
	if err != nil {
		return nil, utils.NewTransferError(utils.StageDownload, utils.KindProtocol, err)
	}
	api, err := d.loader.get(ctx)
	if err != nil {
		return nil, utils.NewTransferError(utils.StageDownload, utils.KindProtocol, err)
	}
	head, err := api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return nil, utils.NewTransferError(utils.StageDownload, utils.KindProtocol, fmt.Errorf("error reading object info: %w", err))
	}
	size := aws.ToInt64(head.ContentLength)
	if d.opts.MaxBytes > 0 && size > d.opts.MaxBytes {
		return nil, utils.NewTransferError(utils.StageDownload, utils.KindLimit,
			fmt.Errorf("%w: %s > %s", utils.ErrTooLarge, utils.FormatBytes(uint64(size)), utils.FormatBytes(uint64(d.opts.MaxBytes))))
	}

	name := ferryhttp.ResolveName(src.SuggestedName, "s3://"+bucket+"/"+key, ferryhttp.DefaultFilename)
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, utils.NewTransferError(utils.StageDownload, utils.KindProtocol, fmt.Errorf("error creating destination: %w", err))
	}
	outputPath, err := utils.UniquePath(filepath.Join(destDir, name))
	if err != nil {
		return nil, utils.NewTransferError(utils.StageDownload, utils.KindProtocol, err)
	}
	log.Info().Str("op", "s3/download").Msgf("Starting object download for s3://%s/%s", bucket, key)

	tracker := utils.NewProgressTracker(size, d.opts.ProgressInterval, onProgress)
	tracker.Start()
	err = d.download(ctx, api, bucket, key, outputPath, tracker)
	tracker.Stop()
	if err != nil {
		if rmErr := utils.RemoveArtifact(outputPath); rmErr != nil {
			log.Warn().Str("op", "s3/download").Err(rmErr).Msg("could not remove partial file")
		}
		kind := utils.KindOf(err)
		if errors.Is(err, context.Canceled) {
			kind = utils.KindTransport
		}
		return nil, utils.NewTransferError(utils.StageDownload, kind, err)
	}
	stat, err := os.Stat(outputPath)
	if err != nil {
		return nil, utils.NewTransferError(utils.StageDownload, utils.KindProtocol, err)
	}
	if stat.Size() != size {
		utils.RemoveArtifact(outputPath)
		return nil, utils.NewTransferError(utils.StageDownload, utils.KindProtocol, fmt.Errorf("size mismatch: expected %d, got %d", size, stat.Size()))
	}
	return &utils.Artifact{Path: outputPath, Size: size, Complete: true}, nil
}

// download restarts the whole object on each attempt; the manager already
// retries individual parts through the SDK retryer.
func (d *Downloader) download(ctx context.Context, api ObjectAPI, bucket, key, outputPath string, tracker *utils.ProgressTracker) error {
	file, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("error creating output file: %w", err)
	}
	defer file.Close()

	downloader := manager.NewDownloader(api, func(md *manager.Downloader) {
		md.PartSize = d.opts.PartSize
		md.Concurrency = d.opts.Concurrency
	})
	policy := d.opts.Retry
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		log.Warn().Str("op", "s3/download").Err(err).Msgf("Retrying s3://%s/%s (attempt %d/%d)", bucket, key, attempt+1, policy.MaxAttempts)
	}
	return policy.Do(ctx, func(attempt int) error {
		writer := &progressWriterAt{file: file, tracker: tracker}
		if attempt > 0 {
			if err := file.Truncate(0); err != nil {
				return err
			}
		}
		_, err := downloader.Download(ctx, writer, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			tracker.Add(-writer.written.Load())
			return fmt.Errorf("error downloading S3 object: %w", err)
		}
		return nil
	})
}

// progressWriterAt reports every part write to the tracker.
type progressWriterAt struct {
	file    *os.File
	tracker *utils.ProgressTracker
	written atomic.Int64
}

func (w *progressWriterAt) WriteAt(p []byte, off int64) (int, error) {
	n, err := w.file.WriteAt(p, off)
	if n > 0 {
		w.tracker.Add(int64(n))
		w.written.Add(int64(n))
	}
	return n, err
}
