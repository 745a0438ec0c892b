package s3

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// ObjectAPI is the part of the S3 client the downloader needs.
type ObjectAPI interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// ParseLocator splits "s3://bucket/key" (or "bucket/key") into its parts.
// Prefixes are not accepted: one unit is one object.
func ParseLocator(locator string) (bucket, key string, err error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(locator), "s3://")
	bucket, key, _ = strings.Cut(trimmed, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("invalid S3 locator %q: missing bucket", locator)
	}
	if key == "" || strings.HasSuffix(key, "/") {
		return "", "", fmt.Errorf("invalid S3 locator %q: expected an object key", locator)
	}
	return bucket, key, nil
}

type clientLoader struct {
	once    sync.Once
	profile string
	client  ObjectAPI
	err     error
}

// get builds the client on first use so commands that never see an s3://
// source do not need AWS configuration.
func (l *clientLoader) get(ctx context.Context) (ObjectAPI, error) {
	l.once.Do(func() {
		if l.client != nil {
			return
		}
		opts := []func(*config.LoadOptions) error{config.WithRetryMode(aws.RetryModeAdaptive)}
		if l.profile != "" {
			opts = append(opts, config.WithSharedConfigProfile(l.profile))
		}
		cfg, err := config.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			l.err = fmt.Errorf("error loading AWS config: %w", err)
			return
		}
		l.client = s3.NewFromConfig(cfg)
		log.Debug().Str("op", "s3/initial").Str("profile", l.profile).Msg("S3 client ready")
	})
	return l.client, l.err
}
