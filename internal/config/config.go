package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tanq16/ferry/internal/retry"
	"github.com/tanq16/ferry/internal/utils"
	"gopkg.in/yaml.v3"
)

const (
	DefaultAPIBase      = "https://api.gofile.io"
	DefaultUploadURL    = "https://upload.gofile.io/uploadfile"
	DefaultLinkTemplate = "https://gofile.io/d/%s"
)

// Config holds every tunable of a ferry run.
type Config struct {
	Tokens             []string
	DestDir            string
	MaxParts           int
	SegmentSize        int64
	MaxConcurrent      int
	MaxRetries         int
	Backoff            time.Duration
	MaxBackoff         time.Duration
	QuotaThreshold     float64
	RequestTimeout     time.Duration
	ProgressInterval   time.Duration
	MaxDownloadMB      int64
	MaxDownloadSeconds int
	UserAgent          string
	Proxy              string
	APIBase            string
	UploadURL          string
	FolderID           string
	S3Profile          string
	LogLevel           string
}

func Default() Config {
	return Config{
		DestDir:          "downloads",
		MaxParts:         utils.DefaultMaxParts,
		SegmentSize:      utils.DefaultSegmentSize,
		MaxConcurrent:    1,
		MaxRetries:       utils.DefaultMaxRetries,
		Backoff:          1500 * time.Millisecond,
		MaxBackoff:       30 * time.Second,
		QuotaThreshold:   utils.DefaultQuotaThreshold,
		RequestTimeout:   15 * time.Minute,
		ProgressInterval: utils.DefaultProgressInterval,
		MaxDownloadMB:    4096,
		UserAgent:        utils.ToolUserAgent,
		APIBase:          DefaultAPIBase,
		UploadURL:        DefaultUploadURL,
		LogLevel:         "info",
	}
}

// yamlConfig mirrors Config with human-friendly strings for sizes and durations.
type yamlConfig struct {
	Tokens             []string `yaml:"tokens"`
	DestDir            string   `yaml:"dest_dir"`
	MaxParts           int      `yaml:"max_parts"`
	SegmentSize        string   `yaml:"segment_size"`
	MaxConcurrent      int      `yaml:"max_concurrent"`
	MaxRetries         int      `yaml:"max_retries"`
	Backoff            string   `yaml:"backoff"`
	MaxBackoff         string   `yaml:"max_backoff"`
	QuotaThreshold     float64  `yaml:"quota_threshold"`
	RequestTimeout     string   `yaml:"request_timeout"`
	ProgressInterval   string   `yaml:"progress_interval"`
	MaxDownloadMB      int64    `yaml:"max_download_mb"`
	MaxDownloadSeconds int      `yaml:"max_download_seconds"`
	UserAgent          string   `yaml:"user_agent"`
	Proxy              string   `yaml:"proxy"`
	APIBase            string   `yaml:"api_base"`
	UploadURL          string   `yaml:"upload_url"`
	FolderID           string   `yaml:"folder_id"`
	S3Profile          string   `yaml:"s3_profile"`
	LogLevel           string   `yaml:"log_level"`
}

// Load starts from Default, overlays the YAML file at path (when non-empty)
// and then the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file on top of Default.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()
	if len(yc.Tokens) > 0 {
		cfg.Tokens = cleanTokens(yc.Tokens)
	}
	setString(&cfg.DestDir, yc.DestDir)
	setInt(&cfg.MaxParts, yc.MaxParts)
	setInt(&cfg.MaxConcurrent, yc.MaxConcurrent)
	setInt(&cfg.MaxRetries, yc.MaxRetries)
	setInt(&cfg.MaxDownloadSeconds, yc.MaxDownloadSeconds)
	if yc.MaxDownloadMB != 0 {
		cfg.MaxDownloadMB = yc.MaxDownloadMB
	}
	if yc.QuotaThreshold != 0 {
		cfg.QuotaThreshold = yc.QuotaThreshold
	}
	if yc.SegmentSize != "" {
		size, err := ParseBytes(yc.SegmentSize)
		if err != nil {
			return Config{}, fmt.Errorf("parse segment_size: %w", err)
		}
		cfg.SegmentSize = size
	}
	for _, d := range []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"backoff", yc.Backoff, &cfg.Backoff},
		{"max_backoff", yc.MaxBackoff, &cfg.MaxBackoff},
		{"request_timeout", yc.RequestTimeout, &cfg.RequestTimeout},
		{"progress_interval", yc.ProgressInterval, &cfg.ProgressInterval},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = parsed
	}
	setString(&cfg.UserAgent, yc.UserAgent)
	setString(&cfg.Proxy, yc.Proxy)
	setString(&cfg.APIBase, yc.APIBase)
	setString(&cfg.UploadURL, yc.UploadURL)
	setString(&cfg.FolderID, yc.FolderID)
	setString(&cfg.S3Profile, yc.S3Profile)
	setString(&cfg.LogLevel, yc.LogLevel)
	return cfg, nil
}

// LoadFromEnv overlays GOFILE_TOKENS and the deployment variables.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("GOFILE_TOKENS"); v != "" {
		c.Tokens = cleanTokens(strings.Split(v, ","))
	}
	if v := os.Getenv("DOWNLOAD_DIR"); v != "" {
		c.DestDir = v
	}
	if v := os.Getenv("MAX_CONCURRENT_TRANSFERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse MAX_CONCURRENT_TRANSFERS: %w", err)
		}
		c.MaxConcurrent = n
	}
	if v := os.Getenv("MAX_HTTP_DOWNLOAD_MB"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("parse MAX_HTTP_DOWNLOAD_MB: %w", err)
		}
		c.MaxDownloadMB = n
	}
	if v := os.Getenv("MAX_HTTP_DOWNLOAD_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse MAX_HTTP_DOWNLOAD_SECONDS: %w", err)
		}
		c.MaxDownloadSeconds = n
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	return nil
}

func (c *Config) Validate() error {
	if c.DestDir == "" {
		return errors.New("config: dest_dir is required")
	}
	if c.MaxParts <= 0 {
		return errors.New("config: max_parts must be positive")
	}
	if c.SegmentSize <= 0 {
		return errors.New("config: segment_size must be positive")
	}
	if c.MaxConcurrent <= 0 {
		return errors.New("config: max_concurrent must be positive")
	}
	if c.MaxRetries <= 0 {
		return errors.New("config: max_retries must be positive")
	}
	if c.QuotaThreshold <= 0 || c.QuotaThreshold > 1 {
		return fmt.Errorf("config: quota_threshold %v outside (0, 1]", c.QuotaThreshold)
	}
	if c.MaxDownloadMB < 0 || c.MaxDownloadSeconds < 0 {
		return errors.New("config: download limits cannot be negative")
	}
	return nil
}

// ValidateUpload additionally requires credentials.
func (c *Config) ValidateUpload() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if len(c.Tokens) == 0 {
		return fmt.Errorf("config: %w", utils.ErrNoCredentials)
	}
	return nil
}

func (c *Config) RetryPolicy() retry.Policy {
	p := retry.Default()
	p.MaxAttempts = c.MaxRetries
	p.InitialDelay = c.Backoff
	p.MaxDelay = c.MaxBackoff
	return p
}

func (c *Config) HTTPClientConfig() utils.HTTPClientConfig {
	return utils.HTTPClientConfig{
		Timeout:        c.RequestTimeout,
		ProxyURL:       c.Proxy,
		UserAgent:      c.UserAgent,
		HighThreadMode: c.MaxParts > 5,
	}
}

// MaxDownloadBytes is the fetch size cap; 0 means unlimited.
func (c *Config) MaxDownloadBytes() int64 {
	return c.MaxDownloadMB * 1024 * 1024
}

func (c *Config) MaxFetchDuration() time.Duration {
	return time.Duration(c.MaxDownloadSeconds) * time.Second
}

// ParseBytes reads sizes like "8MiB", "512KB", "1.5 GB" or a bare byte count.
// Decimal and binary suffixes both mean powers of 1024.
func ParseBytes(s string) (int64, error) {
	s = strings.TrimSpace(s)
	upper := strings.ToUpper(s)
	var multiplier int64 = 1
	for _, unit := range []struct {
		suffixes []string
		mult     int64
	}{
		{[]string{"TIB", "TB", "T"}, 1 << 40},
		{[]string{"GIB", "GB", "G"}, 1 << 30},
		{[]string{"MIB", "MB", "M"}, 1 << 20},
		{[]string{"KIB", "KB", "K"}, 1 << 10},
		{[]string{"B"}, 1},
	} {
		matched := false
		for _, suffix := range unit.suffixes {
			if strings.HasSuffix(upper, suffix) {
				multiplier = unit.mult
				s = strings.TrimSpace(s[:len(s)-len(suffix)])
				matched = true
				break
			}
		}
		if matched {
			break
		}
	}
	value, err := strconv.ParseFloat(s, 64)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("invalid byte string: %q", s)
	}
	return int64(value * float64(multiplier)), nil
}

func cleanTokens(raw []string) []string {
	var tokens []string
	for _, t := range raw {
		if t = strings.TrimSpace(t); t != "" {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}
