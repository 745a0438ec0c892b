package relay

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/ferry/internal/accounts"
	"github.com/tanq16/ferry/internal/gofile"
	"github.com/tanq16/ferry/internal/utils"
)

type fileFetcher struct {
	inFlight atomic.Int32
	peak     atomic.Int32
	hold     time.Duration
	err      error
	calls    atomic.Int32
}

func (f *fileFetcher) Fetch(ctx context.Context, src utils.Source, destDir string, onProgress utils.ProgressFunc) (*utils.Artifact, error) {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.hold > 0 {
		time.Sleep(f.hold)
	}
	if f.err != nil {
		return nil, f.err
	}
	path := filepath.Join(destDir, filepath.Base(src.Locator))
	if err := os.WriteFile(path, []byte("payload"), 0644); err != nil {
		return nil, err
	}
	if onProgress != nil {
		onProgress(utils.Progress{Done: 7, Total: 7})
	}
	return &utils.Artifact{Path: path, Size: 7, Complete: true}, nil
}

type scriptedUploader struct {
	mu      sync.Mutex
	tokens  []string
	replies map[string]func() (gofile.Result, error)
}

func (u *scriptedUploader) Upload(_ context.Context, path, token string, _ utils.ProgressFunc) (gofile.Result, error) {
	u.mu.Lock()
	u.tokens = append(u.tokens, token)
	reply := u.replies[token]
	u.mu.Unlock()
	if _, err := os.Stat(path); err != nil {
		return gofile.Result{}, err
	}
	return reply()
}

func okReply() (gofile.Result, error) {
	return gofile.Result{Status: gofile.StatusOK, Link: "https://gofile.io/d/abc", ContentID: "c1", HTTPStatus: 200}, nil
}

func rejectReply() (gofile.Result, error) {
	return gofile.Result{Status: gofile.StatusError, HTTPStatus: 200, Raw: map[string]any{"status": "error-quota"}}, nil
}

func transportReply() (gofile.Result, error) {
	return gofile.Result{Status: gofile.StatusError}, utils.NewTransferError(utils.StageUpload, utils.KindTransport, errors.New("connection reset by peer"))
}

type finishRecord struct {
	text string
	err  error
}

type recordSink struct {
	mu       sync.Mutex
	edits    int
	finishes []finishRecord
}

func (r *recordSink) Edit(string) {
	r.mu.Lock()
	r.edits++
	r.mu.Unlock()
}

func (r *recordSink) Finish(text string, err error) {
	r.mu.Lock()
	r.finishes = append(r.finishes, finishRecord{text, err})
	r.mu.Unlock()
}

func newTestOrchestrator(t *testing.T, tokens []string, uploader Uploader, fetcher Fetcher, limit int64) (*Orchestrator, *accounts.Pool, string) {
	t.Helper()
	pool, err := accounts.NewPool(tokens, nil)
	require.NoError(t, err)
	dir := t.TempDir()
	o := New(Options{DestDir: dir, MaxConcurrent: limit}, pool, uploader, map[utils.SourceKind]Fetcher{utils.SourceURL: fetcher})
	return o, pool, dir
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "artifact left behind")
}

func TestRunSuccess(t *testing.T) {
	up := &scriptedUploader{replies: map[string]func() (gofile.Result, error){"t0": okReply}}
	o, _, dir := newTestOrchestrator(t, []string{"t0"}, up, &fileFetcher{}, 1)
	sink := &recordSink{}

	unit := o.Run(context.Background(), utils.NewSource("https://example.test/movie.mkv"), sink)
	assert.Equal(t, StateDone, unit.State)
	assert.Equal(t, "done", unit.Reason())
	assert.NoError(t, unit.Err)
	assert.NotEmpty(t, unit.ID)
	assert.Equal(t, "https://gofile.io/d/abc", unit.Result.Link)
	assert.Equal(t, []Attempt{{Index: 0, Outcome: "ok"}}, unit.Attempts)
	require.Len(t, sink.finishes, 1)
	assert.NoError(t, sink.finishes[0].err)
	assert.Contains(t, sink.finishes[0].text, "movie.mkv")
	assert.Contains(t, sink.finishes[0].text, "https://gofile.io/d/abc")
	assert.Positive(t, sink.edits)
	assertEmptyDir(t, dir)
}

func TestRunAllExhausted(t *testing.T) {
	up := &scriptedUploader{replies: map[string]func() (gofile.Result, error){"a": rejectReply, "b": rejectReply, "c": rejectReply}}
	o, pool, dir := newTestOrchestrator(t, []string{"a", "b", "c"}, up, &fileFetcher{}, 1)
	sink := &recordSink{}

	unit := o.Run(context.Background(), utils.NewSource("https://example.test/f.bin"), sink)
	assert.Equal(t, StateFailed, unit.State)
	assert.Equal(t, "all exhausted", unit.Reason())
	assert.ErrorIs(t, unit.Err, utils.ErrAllExhausted)
	assert.Equal(t, []string{"a", "b", "c"}, up.tokens)
	assert.Equal(t, []int{0, 1, 2}, pool.ExhaustedIndices())
	require.Len(t, sink.finishes, 1)
	assert.Contains(t, sink.finishes[0].text, "No available GoFile accounts")
	assertEmptyDir(t, dir)
}

func TestRunRotatesPastTransportFailure(t *testing.T) {
	up := &scriptedUploader{replies: map[string]func() (gofile.Result, error){"a": transportReply, "b": okReply}}
	o, pool, dir := newTestOrchestrator(t, []string{"a", "b"}, up, &fileFetcher{}, 1)

	unit := o.Run(context.Background(), utils.NewSource("https://example.test/f.bin"), &recordSink{})
	assert.Equal(t, StateDone, unit.State)
	require.Len(t, unit.Attempts, 2)
	assert.Equal(t, 0, unit.Attempts[0].Index)
	assert.Contains(t, unit.Attempts[0].Outcome, "transport")
	assert.Empty(t, pool.ExhaustedIndices(), "transport failures must not flag credentials")
	assertEmptyDir(t, dir)
}

func TestRunTransportFailureIsNotExhaustion(t *testing.T) {
	up := &scriptedUploader{replies: map[string]func() (gofile.Result, error){"a": rejectReply, "b": transportReply}}
	o, _, dir := newTestOrchestrator(t, []string{"a", "b"}, up, &fileFetcher{}, 1)
	sink := &recordSink{}

	unit := o.Run(context.Background(), utils.NewSource("https://example.test/f.bin"), sink)
	assert.Equal(t, StateFailed, unit.State)
	assert.NotErrorIs(t, unit.Err, utils.ErrAllExhausted)
	var te *utils.TransferError
	require.ErrorAs(t, unit.Err, &te)
	assert.Equal(t, utils.StageUpload, te.Stage)
	assert.Equal(t, utils.KindTransport, te.Kind)
	require.Len(t, sink.finishes, 1)
	assert.Contains(t, sink.finishes[0].text, "Upload failed")
	assertEmptyDir(t, dir)
}

func TestRunFetchFailure(t *testing.T) {
	up := &scriptedUploader{replies: map[string]func() (gofile.Result, error){"a": okReply}}
	fetchErr := utils.NewTransferError(utils.StageDownload, utils.KindTransport, errors.New("gave up after 5 attempts"))
	o, _, dir := newTestOrchestrator(t, []string{"a"}, up, &fileFetcher{err: fetchErr}, 1)
	sink := &recordSink{}

	unit := o.Run(context.Background(), utils.NewSource("https://example.test/f.bin"), sink)
	assert.Equal(t, StateFailed, unit.State)
	assert.Equal(t, "download transport", unit.Reason())
	assert.Empty(t, up.tokens)
	require.Len(t, sink.finishes, 1)
	assert.Contains(t, sink.finishes[0].text, "Download failed")
	assertEmptyDir(t, dir)
}

func TestRunUnsupportedSource(t *testing.T) {
	up := &scriptedUploader{}
	o, _, _ := newTestOrchestrator(t, []string{"a"}, up, &fileFetcher{}, 1)
	sink := &recordSink{}

	unit := o.Run(context.Background(), utils.NewSource("s3://bucket/key"), sink)
	assert.Equal(t, StateFailed, unit.State)
	assert.ErrorIs(t, unit.Err, utils.ErrUnsupportedSource)
	require.Len(t, sink.finishes, 1)
}

func TestAdmissionGateBoundsConcurrency(t *testing.T) {
	up := &scriptedUploader{replies: map[string]func() (gofile.Result, error){"a": okReply}}
	fetcher := &fileFetcher{hold: 20 * time.Millisecond}
	o, _, dir := newTestOrchestrator(t, []string{"a"}, up, fetcher, 2)

	var wg sync.WaitGroup
	for i := range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			src := utils.NewSource("https://example.test/file-" + string(rune('a'+i)) + ".bin")
			unit := o.Run(context.Background(), src, &recordSink{})
			assert.Equal(t, StateDone, unit.State)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(6), fetcher.calls.Load())
	assert.LessOrEqual(t, fetcher.peak.Load(), int32(2))
	assertEmptyDir(t, dir)
}

func TestRunCancelledWhileQueued(t *testing.T) {
	up := &scriptedUploader{replies: map[string]func() (gofile.Result, error){"a": okReply}}
	fetcher := &fileFetcher{}
	o, _, _ := newTestOrchestrator(t, []string{"a"}, up, fetcher, 1)
	require.NoError(t, o.gate.Acquire(context.Background(), 1))
	defer o.gate.Release(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sink := &recordSink{}
	unit := o.Run(ctx, utils.NewSource("https://example.test/f.bin"), sink)
	assert.Equal(t, StateFailed, unit.State)
	assert.Zero(t, fetcher.calls.Load())
	require.Len(t, sink.finishes, 1)
}

func TestPushKeepsLocalFile(t *testing.T) {
	up := &scriptedUploader{replies: map[string]func() (gofile.Result, error){"a": okReply}}
	o, _, _ := newTestOrchestrator(t, []string{"a"}, up, &fileFetcher{}, 1)
	path := filepath.Join(t.TempDir(), "keep.txt")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0644))

	unit := o.Push(context.Background(), &utils.Artifact{Path: path, Size: 4, Complete: true}, &recordSink{})
	assert.Equal(t, StateDone, unit.State)
	_, err := os.Stat(path)
	assert.NoError(t, err)
}
