package cmd

import (
	"github.com/tanq16/ferry/internal/accounts"
	ferryhttp "github.com/tanq16/ferry/internal/downloaders/http"
	"github.com/tanq16/ferry/internal/downloaders/media"
	"github.com/tanq16/ferry/internal/downloaders/s3"
	"github.com/tanq16/ferry/internal/gofile"
	"github.com/tanq16/ferry/internal/relay"
	"github.com/tanq16/ferry/internal/utils"
)

// primaryMediaLimit mirrors the size a chat bot API hands out directly;
// larger items go through the bulk retriever.
const primaryMediaLimit = 20 * 1024 * 1024

func newHTTPClient() *utils.FerryHTTPClient {
	hc := cfg.HTTPClientConfig()
	hc.Headers = utils.ParseHeaderArgs(headers)
	return utils.NewFerryHTTPClient(hc)
}

func newFetchers(client *utils.FerryHTTPClient) map[utils.SourceKind]relay.Fetcher {
	retryPolicy := cfg.RetryPolicy()
	return map[utils.SourceKind]relay.Fetcher{
		utils.SourceURL: ferryhttp.New(client, ferryhttp.Options{
			MaxParts:         cfg.MaxParts,
			SegmentSize:      cfg.SegmentSize,
			Retry:            retryPolicy,
			ProgressInterval: cfg.ProgressInterval,
			MaxBytes:         cfg.MaxDownloadBytes(),
			MaxDuration:      cfg.MaxFetchDuration(),
			IdleTimeout:      ferryhttp.DefaultOptions().IdleTimeout,
		}),
		utils.SourceS3: s3.New(s3.Options{
			Profile:          cfg.S3Profile,
			Concurrency:      cfg.MaxParts,
			MaxBytes:         cfg.MaxDownloadBytes(),
			Retry:            retryPolicy,
			ProgressInterval: cfg.ProgressInterval,
		}),
		utils.SourceMedia: media.NewChain(media.Options{
			Retry:            retryPolicy,
			ProgressInterval: cfg.ProgressInterval,
			MaxBytes:         cfg.MaxDownloadBytes(),
		},
			&media.FileRetriever{Label: "direct", MaxSize: primaryMediaLimit},
			&media.FileRetriever{Label: "bulk"},
		),
	}
}

func newGofileClient(client *utils.FerryHTTPClient) *gofile.Client {
	return gofile.New(client.Standard(), gofile.Options{
		APIBase:          cfg.APIBase,
		UploadURL:        cfg.UploadURL,
		FolderID:         cfg.FolderID,
		UserAgent:        cfg.UserAgent,
		Threshold:        cfg.QuotaThreshold,
		ProgressInterval: cfg.ProgressInterval,
		Retry:            cfg.RetryPolicy(),
	})
}

// newOrchestrator wires the pool, uploader and fetchers for commands that
// upload.
func newOrchestrator() (*relay.Orchestrator, error) {
	if err := cfg.ValidateUpload(); err != nil {
		return nil, err
	}
	client := newHTTPClient()
	uploader := newGofileClient(client)
	pool, err := accounts.NewPool(cfg.Tokens, uploader)
	if err != nil {
		return nil, err
	}
	orch := relay.New(relay.Options{
		DestDir:       cfg.DestDir,
		MaxConcurrent: int64(cfg.MaxConcurrent),
	}, pool, uploader, newFetchers(client))
	return orch, nil
}
