package utils

import (
	"strings"
	"time"
)

type SourceKind string

const (
	SourceURL   SourceKind = "url"
	SourceS3    SourceKind = "s3"
	SourceMedia SourceKind = "media"
)

// Source is one inbound item to transfer.
type Source struct {
	Locator       string
	Kind          SourceKind
	DeclaredSize  int64 // -1 when unknown
	SuggestedName string
}

// NewSource infers the kind from the locator scheme.
func NewSource(locator string) Source {
	src := Source{Locator: strings.TrimSpace(locator), DeclaredSize: -1}
	lower := strings.ToLower(src.Locator)
	switch {
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		src.Kind = SourceURL
	case strings.HasPrefix(lower, "s3://"):
		src.Kind = SourceS3
	default:
		src.Kind = SourceMedia
	}
	return src
}

// Artifact is a locally materialized source. It is owned by the unit that
// created it until cleanup.
type Artifact struct {
	Path     string
	Size     int64
	Complete bool
}

// Progress is a throttled snapshot of a running transfer. Total is -1 when unknown.
type Progress struct {
	Done  int64
	Total int64
	Rate  float64
}

func (p Progress) Percent() float64 {
	if p.Total <= 0 {
		return 0
	}
	return float64(p.Done) * 100 / float64(p.Total)
}

type ProgressFunc func(Progress)

type HTTPClientConfig struct {
	Timeout        time.Duration
	KATimeout      time.Duration
	ProxyURL       string
	ProxyUsername  string
	ProxyPassword  string
	UserAgent      string
	Headers        map[string]string
	HighThreadMode bool // advanced socket options for high concurrency
}

type DownloadChunk struct {
	ID         int
	StartByte  int64
	EndByte    int64
	Downloaded int64
	Completed  bool
	Retries    int
	LastError  error
}

func (c *DownloadChunk) Length() int64 {
	return c.EndByte - c.StartByte + 1
}
