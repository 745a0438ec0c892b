// Package gofile talks to the GoFile API: account lookups for quota probes
// and streaming multipart uploads.
package gofile

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/ferry/internal/accounts"
	"github.com/tanq16/ferry/internal/retry"
	"github.com/tanq16/ferry/internal/utils"
)

const (
	DefaultAPIBase      = "https://api.gofile.io"
	DefaultUploadURL    = "https://upload.gofile.io/uploadfile"
	DefaultLinkTemplate = "https://gofile.io/d/%s"
	DefaultChunkSize    = 1024 * 1024
)

type Options struct {
	APIBase          string
	UploadURL        string
	LinkTemplate     string
	FolderID         string
	UserAgent        string
	Threshold        float64 // usage fraction at which an account counts as exhausted
	ChunkSize        int
	ProgressInterval time.Duration
	Retry            retry.Policy
	APIRetryMax      int
	APITimeout       time.Duration // whole-request bound for account API calls, body included
	IdleTimeout      time.Duration // an upload that neither sends nor hears back this long fails the attempt
}

func DefaultOptions() Options {
	return Options{
		APIBase:          DefaultAPIBase,
		UploadURL:        DefaultUploadURL,
		LinkTemplate:     DefaultLinkTemplate,
		UserAgent:        utils.ToolUserAgent,
		Threshold:        utils.DefaultQuotaThreshold,
		ChunkSize:        DefaultChunkSize,
		ProgressInterval: utils.DefaultProgressInterval,
		Retry:            retry.Default(),
		APIRetryMax:      2,
		APITimeout:       30 * time.Second,
		IdleTimeout:      2 * time.Minute,
	}
}

type Client struct {
	http *http.Client
	api  *retryablehttp.Client
	opts Options
}

// zerologLeveled adapts zerolog to retryablehttp.LeveledLogger. Only
// warnings and errors are worth a line.
type zerologLeveled struct{}

func (zerologLeveled) Error(msg string, keysAndValues ...any) {
	log.Error().Str("op", "gofile/client").Fields(keysAndValues).Msg(msg)
}

func (zerologLeveled) Info(msg string, keysAndValues ...any) {}

func (zerologLeveled) Debug(msg string, keysAndValues ...any) {}

func (zerologLeveled) Warn(msg string, keysAndValues ...any) {
	log.Warn().Str("op", "gofile/client").Fields(keysAndValues).Msg(msg)
}

func New(httpClient *http.Client, opts Options) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	def := DefaultOptions()
	if opts.APIBase == "" {
		opts.APIBase = def.APIBase
	}
	if opts.UploadURL == "" {
		opts.UploadURL = def.UploadURL
	}
	if opts.LinkTemplate == "" {
		opts.LinkTemplate = def.LinkTemplate
	}
	if opts.UserAgent == "" {
		opts.UserAgent = def.UserAgent
	}
	if opts.Threshold <= 0 {
		opts.Threshold = def.Threshold
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = def.ChunkSize
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = def.ProgressInterval
	}
	if opts.APITimeout <= 0 {
		opts.APITimeout = def.APITimeout
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = def.IdleTimeout
	}
	opts.APIBase = strings.TrimRight(opts.APIBase, "/")
	opts.Retry.Retryable = utils.IsRetryable

	api := retryablehttp.NewClient()
	// probes run under the pool lock, so a stalled reply must not hold it
	api.HTTPClient = &http.Client{
		Transport:     httpClient.Transport,
		CheckRedirect: httpClient.CheckRedirect,
		Jar:           httpClient.Jar,
		Timeout:       opts.APITimeout,
	}
	api.RetryMax = max(opts.APIRetryMax, 0)
	api.RetryWaitMin = 500 * time.Millisecond
	api.RetryWaitMax = 5 * time.Second
	api.Logger = zerologLeveled{}
	return &Client{http: httpClient, api: api, opts: opts}
}

func (c *Client) getJSON(ctx context.Context, token, path string) (map[string]any, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.opts.APIBase+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.api.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s returned %d", path, resp.StatusCode)
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return out, nil
}

// AccountID resolves the account behind token.
func (c *Client) AccountID(ctx context.Context, token string) (string, error) {
	body, err := c.getJSON(ctx, token, "/accounts/getid")
	if err != nil {
		return "", err
	}
	if data, ok := body["data"].(map[string]any); ok {
		if id := firstString(data, []string{"id", "accountId"}); id != "" {
			return id, nil
		}
	}
	if id := firstString(body, []string{"data", "accountId", "id"}); id != "" {
		return id, nil
	}
	return "", fmt.Errorf("account id missing from reply")
}

func (c *Client) AccountInfo(ctx context.Context, token, accountID string) (map[string]any, error) {
	if accountID == "" {
		var err error
		if accountID, err = c.AccountID(ctx, token); err != nil {
			return nil, err
		}
	}
	return c.getJSON(ctx, token, "/accounts/"+accountID)
}

type Usage struct {
	AccountID string
	Used      int64
	Limit     int64
	Known     bool
}

func (u Usage) Fraction() float64 {
	if !u.Known || u.Limit <= 0 {
		return 0
	}
	return float64(u.Used) / float64(u.Limit)
}

// Usage looks up monthly traffic for token. A reply without usage figures
// is not an error; Known is false.
func (c *Client) Usage(ctx context.Context, token string) (Usage, error) {
	id, err := c.AccountID(ctx, token)
	if err != nil {
		return Usage{}, err
	}
	info, err := c.AccountInfo(ctx, token, id)
	if err != nil {
		return Usage{AccountID: id}, err
	}
	used, limit, ok := ExtractUsage(info)
	return Usage{AccountID: id, Used: used, Limit: limit, Known: ok && limit > 0}, nil
}

// Probe implements accounts.Prober. Any failure or missing figure is
// reported as unknown so the caller keeps the credential.
func (c *Client) Probe(ctx context.Context, token string) accounts.QuotaStatus {
	usage, err := c.Usage(ctx, token)
	if err != nil {
		log.Debug().Str("op", "gofile/client").Err(err).Msg("quota probe inconclusive")
		return accounts.QuotaUnknown
	}
	if !usage.Known {
		return accounts.QuotaUnknown
	}
	if usage.Fraction() >= c.opts.Threshold {
		log.Info().Str("op", "gofile/client").Str("account", usage.AccountID).Msgf("traffic at %.1f%%", usage.Fraction()*100)
		return accounts.QuotaExhausted
	}
	return accounts.QuotaAvailable
}
