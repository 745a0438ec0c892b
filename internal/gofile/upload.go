package gofile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/ferry/internal/utils"
)

// progressCap keeps reported progress under 100% until the server has
// accepted the upload.
const progressCap = 0.999

// Upload streams the file at path to the upload endpoint using token.
// A reply means the remote decided: the returned error is nil and the
// Result says ok or error. An error is returned only when no reply could be
// obtained within the retry budget. An authorization rejection is retried
// once without credentials.
func (c *Client) Upload(ctx context.Context, path, token string, onProgress utils.ProgressFunc) (Result, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return Result{Status: StatusError}, utils.NewTransferError(utils.StageUpload, utils.KindProtocol, err)
	}
	size := stat.Size()

	var res Result
	useToken := token
	guestTried := false
	policy := c.opts.Retry
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		log.Warn().Str("op", "gofile/upload").Err(err).Msgf("Retrying upload of %s (attempt %d/%d) in %s", filepath.Base(path), attempt+1, policy.MaxAttempts, delay.Round(time.Millisecond))
	}
	err = policy.Do(ctx, func(attempt int) error {
		r, err := c.uploadOnce(ctx, path, size, useToken, onProgress)
		if err != nil {
			return err
		}
		if isAuthRejection(r.HTTPStatus) && useToken != "" && !guestTried {
			guestTried = true
			useToken = ""
			log.Warn().Str("op", "gofile/upload").Int("status", r.HTTPStatus).Msg("credential rejected, retrying as guest")
			if r, err = c.uploadOnce(ctx, path, size, "", onProgress); err != nil {
				return err
			}
		}
		res = r
		return nil
	})
	if err != nil {
		kind := utils.KindOf(err)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			kind = utils.KindTransport
		}
		return Result{Status: StatusError}, utils.NewTransferError(utils.StageUpload, kind, err)
	}
	if res.OK() && onProgress != nil {
		onProgress(utils.Progress{Done: size, Total: size})
	}
	return res, nil
}

func isAuthRejection(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

var errUploadStalled = errors.New("upload stalled")

// stallTimer cancels an attempt once neither a body chunk went out nor a
// reply came back for timeout.
type stallTimer struct {
	timer   *time.Timer
	timeout time.Duration
	expired atomic.Bool
}

func newStallTimer(timeout time.Duration, cancel context.CancelFunc) *stallTimer {
	st := &stallTimer{timeout: timeout}
	st.timer = time.AfterFunc(timeout, func() {
		st.expired.Store(true)
		cancel()
	})
	return st
}

func (st *stallTimer) touch() {
	st.timer.Reset(st.timeout)
}

func (st *stallTimer) stop() {
	st.timer.Stop()
}

// check replaces err with a retryable stall error when the timer fired.
func (st *stallTimer) check(err error) error {
	if st.expired.Load() {
		return utils.NewTransferError(utils.StageUpload, utils.KindTransport, fmt.Errorf("no progress for %s: %w", st.timeout, errUploadStalled))
	}
	return err
}

// uploadOnce sends one multipart request. Replies the server should get a
// second chance at (408, 429, 5xx) come back as transport errors.
func (c *Client) uploadOnce(ctx context.Context, path string, size int64, token string, onProgress utils.ProgressFunc) (Result, error) {
	file, err := os.Open(path)
	if err != nil {
		return Result{}, utils.NewTransferError(utils.StageUpload, utils.KindProtocol, err)
	}
	defer file.Close()

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stall := newStallTimer(c.opts.IdleTimeout, cancel)
	defer stall.stop()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	writeDone := make(chan error, 1)
	go func() {
		err := c.writeMultipart(mw, file, filepath.Base(path), size, onProgress, stall.touch)
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
		writeDone <- err
	}()

	target := c.opts.UploadURL
	if c.opts.FolderID != "" {
		target += "?" + url.Values{"folderId": {c.opts.FolderID}}.Encode()
	}
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, target, pr)
	if err != nil {
		pr.CloseWithError(err)
		<-writeDone
		return Result{}, utils.NewTransferError(utils.StageUpload, utils.KindProtocol, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("User-Agent", c.opts.UserAgent)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		pr.CloseWithError(err)
		<-writeDone
		return Result{}, stall.check(utils.NewTransferError(utils.StageUpload, utils.KindTransport, fmt.Errorf("error sending upload: %w", err)))
	}
	defer resp.Body.Close()
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	// the server may answer before consuming the whole body
	pr.CloseWithError(io.ErrClosedPipe)
	if werr := <-writeDone; werr != nil && !errors.Is(werr, io.ErrClosedPipe) {
		log.Debug().Str("op", "gofile/upload").Err(werr).Msg("multipart writer stopped early")
	}
	if readErr != nil {
		return Result{}, stall.check(utils.NewTransferError(utils.StageUpload, utils.KindTransport, fmt.Errorf("error reading upload reply: %w", readErr)))
	}
	if resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return Result{}, utils.NewTransferError(utils.StageUpload, utils.KindTransport, fmt.Errorf("upload returned %d: %s", resp.StatusCode, utils.TruncateDetail(string(body), 200)))
	}
	res := NormalizeResult(resp.StatusCode, body, c.opts.LinkTemplate)
	log.Debug().Str("op", "gofile/upload").Int("status", resp.StatusCode).Str("link", res.Link).Msg("upload answered")
	return res, nil
}

// writeMultipart copies the file into the form in ChunkSize reads without
// holding more than one chunk in memory.
func (c *Client) writeMultipart(mw *multipart.Writer, file io.Reader, name string, size int64, onProgress utils.ProgressFunc, touch func()) error {
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return err
	}
	buffer := make([]byte, c.opts.ChunkSize)
	var sent, lastSent int64
	start := time.Now()
	lastUpdate := start
	for {
		n, readErr := file.Read(buffer)
		if n > 0 {
			if _, err := part.Write(buffer[:n]); err != nil {
				return err
			}
			touch()
			sent += int64(n)
			if onProgress != nil && time.Since(lastUpdate) >= c.opts.ProgressInterval {
				elapsed := time.Since(lastUpdate).Seconds()
				onProgress(utils.Progress{
					Done:  cappedProgress(sent, size),
					Total: size,
					Rate:  float64(sent-lastSent) / elapsed,
				})
				lastUpdate = time.Now()
				lastSent = sent
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

func cappedProgress(sent, size int64) int64 {
	if size <= 0 {
		return sent
	}
	return min(sent, int64(float64(size)*progressCap))
}
