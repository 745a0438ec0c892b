package ferryhttp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/ferry/internal/utils"
)

// FileInfo is what a probe learned about a remote resource. Size is -1 when
// the server did not disclose it.
type FileInfo struct {
	Size     int64
	Ranged   bool
	Filename string
}

func validateURL(link string) error {
	parsedURL, err := url.Parse(link)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %q", parsedURL.Scheme)
	}
	return nil
}

// Probe asks the server for size, range support and a filename hint. A HEAD
// request is tried first; when it is inconclusive a one-byte range GET
// settles it.
func (d *Downloader) Probe(ctx context.Context, link string) (FileInfo, error) {
	info := FileInfo{Size: -1}
	if err := validateURL(link); err != nil {
		return info, err
	}

	headErr := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, link, nil)
		if err != nil {
			return err
		}
		resp, err := d.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		info.Filename = NameFromDisposition(resp.Header.Get("Content-Disposition"))
		if resp.StatusCode >= 400 {
			return fmt.Errorf("HEAD returned %d", resp.StatusCode)
		}
		if size, ok := parseLength(resp.Header.Get("Content-Length")); ok {
			info.Size = size
		}
		info.Ranged = strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes")
		return nil
	}()
	if headErr == nil && info.Size > 0 && info.Ranged {
		return info, nil
	}
	if headErr != nil {
		log.Debug().Str("op", "http/initial").Err(headErr).Msg("HEAD probe inconclusive, trying range probe")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return info, err
	}
	req.Header.Set("Range", "bytes=0-0")
	resp, err := d.client.Do(req)
	if err != nil {
		return info, fmt.Errorf("range probe: %w", err)
	}
	defer resp.Body.Close()
	// only drain a small amount; a server ignoring Range may send everything
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if hint := NameFromDisposition(resp.Header.Get("Content-Disposition")); hint != "" {
		info.Filename = hint
	}
	switch resp.StatusCode {
	case http.StatusPartialContent:
		info.Ranged = true
		if _, _, total, ok := parseContentRange(resp.Header.Get("Content-Range")); ok && total > 0 {
			info.Size = total
		}
	case http.StatusOK:
		info.Ranged = false
		if size, ok := parseLength(resp.Header.Get("Content-Length")); ok {
			info.Size = size
		}
	case http.StatusRequestedRangeNotSatisfiable:
		info.Ranged = true
		if _, _, total, ok := parseContentRange(resp.Header.Get("Content-Range")); ok {
			info.Size = total
		}
	default:
		return info, fmt.Errorf("range probe returned %d", resp.StatusCode)
	}
	log.Debug().Str("op", "http/initial").Int64("size", info.Size).Bool("ranged", info.Ranged).Msg("probe finished")
	return info, nil
}

func parseLength(v string) (int64, bool) {
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// parseContentRange reads "bytes start-end/total" and "bytes */total".
// start and end are -1 for the unsatisfied form; total is -1 when "*".
func parseContentRange(v string) (start, end, total int64, ok bool) {
	v = strings.TrimSpace(v)
	unit, rest, found := strings.Cut(v, " ")
	if !found || !strings.EqualFold(unit, "bytes") {
		return 0, 0, 0, false
	}
	span, size, found := strings.Cut(rest, "/")
	if !found {
		return 0, 0, 0, false
	}
	total = -1
	if size != "*" {
		n, err := strconv.ParseInt(size, 10, 64)
		if err != nil {
			return 0, 0, 0, false
		}
		total = n
	}
	if span == "*" {
		return -1, -1, total, true
	}
	from, to, found := strings.Cut(span, "-")
	if !found {
		return 0, 0, 0, false
	}
	s, err1 := strconv.ParseInt(from, 10, 64)
	e, err2 := strconv.ParseInt(to, 10, 64)
	if err1 != nil || err2 != nil || e < s {
		return 0, 0, 0, false
	}
	return s, e, total, true
}

// statusError maps an unexpected HTTP status onto a transfer error. 408, 429
// and 5xx are transient; other 4xx replies are protocol errors.
func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	err := fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	kind := utils.KindProtocol
	if resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		kind = utils.KindTransport
	}
	return utils.NewTransferError(utils.StageDownload, kind, err)
}

