package utils

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"unicode/utf8"
)

type Stage string

const (
	StageDownload Stage = "download"
	StageUpload   Stage = "upload"
)

type ErrorKind int

const (
	KindTransport ErrorKind = iota // connection reset, timeout
	KindProtocol                   // unexpected status, malformed body
	KindAuth                       // credential rejected
	KindQuota                      // account usage at limit
	KindExhausted                  // every credential tried
	KindLimit                      // local size/time cap
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindAuth:
		return "auth"
	case KindQuota:
		return "quota"
	case KindExhausted:
		return "exhausted"
	case KindLimit:
		return "limit"
	default:
		return "unknown"
	}
}

// TransferError is the only error shape surfaced past a fetch or upload.
type TransferError struct {
	Stage  Stage
	Kind   ErrorKind
	Detail string
	Err    error
}

func (e *TransferError) Error() string {
	if e.Detail == "" && e.Err != nil {
		return fmt.Sprintf("%s %s error: %v", e.Stage, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s error: %s", e.Stage, e.Kind, e.Detail)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

func NewTransferError(stage Stage, kind ErrorKind, err error) *TransferError {
	detail := ""
	if err != nil {
		detail = TruncateDetail(err.Error(), DetailLimit)
	}
	return &TransferError{Stage: stage, Kind: kind, Detail: detail, Err: err}
}

// KindOf reports the kind of err. Errors that are not TransferErrors are
// classified as transport when they look like network failures and protocol
// otherwise.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindProtocol
	}
	var te *TransferError
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, ErrTooLarge) {
		return KindLimit
	}
	if errors.Is(err, ErrAllExhausted) {
		return KindExhausted
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransport
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection reset", "connection refused", "broken pipe", "eof", "timeout", "tls handshake"} {
		if strings.Contains(msg, s) {
			return KindTransport
		}
	}
	return KindProtocol
}

func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindTransport, KindProtocol:
		return true
	default:
		return false
	}
}

// TruncateDetail clamps s to limit runes, appending an ellipsis when cut.
func TruncateDetail(s string, limit int) string {
	s = strings.TrimSpace(s)
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit-1]) + "…"
}
