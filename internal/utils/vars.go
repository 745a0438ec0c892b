package utils

import (
	"errors"
	"time"
)

const DefaultBufferSize = 1024 * 1024 // 1MB read/write buffer
const ToolUserAgent = "ferry/1.0"

const (
	DefaultSegmentSize      = 8 * 1024 * 1024
	DefaultMaxParts         = 8
	DefaultMaxRetries       = 5
	DefaultProgressInterval = time.Second
	DefaultQuotaThreshold   = 0.995
	DetailLimit             = 300
)

var ErrAllExhausted = errors.New("no accounts available")
var ErrTooLarge = errors.New("source exceeds size limit")
var ErrNoCredentials = errors.New("no upload credentials configured")
var ErrUnsupportedSource = errors.New("unsupported source")
