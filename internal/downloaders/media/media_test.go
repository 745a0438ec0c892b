package media

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/ferry/internal/retry"
	"github.com/tanq16/ferry/internal/utils"
)

func testOptions() Options {
	return Options{
		Retry:            retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, Factor: 1},
		ProgressInterval: 5 * time.Millisecond,
	}
}

func spool(t *testing.T, name string, size int) (string, []byte) {
	t.Helper()
	data := bytes.Repeat([]byte{0xAB, 0xCD, 0xEF}, size/3+1)[:size]
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0644))
	return dir, data
}

func TestChainFallsBackForLargeItems(t *testing.T) {
	root, data := spool(t, "voice note.ogg", 4096)
	primary := &FileRetriever{Label: "primary", Root: root, MaxSize: 1024}
	bulk := &FileRetriever{Label: "bulk", Root: root}
	dest := t.TempDir()

	artifact, err := NewChain(testOptions(), primary, bulk).Fetch(context.Background(), utils.NewSource("voice note.ogg"), dest, nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dest, "voice note.ogg"), artifact.Path)
	got, err := os.ReadFile(artifact.Path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestChainStopsOnOtherErrors(t *testing.T) {
	primary := &FileRetriever{Root: t.TempDir()}
	_, err := NewChain(testOptions(), primary, primary).Fetch(context.Background(), utils.NewSource("missing.bin"), t.TempDir(), nil)
	require.Error(t, err)
	var te *utils.TransferError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, utils.StageDownload, te.Stage)
}

func TestChainWithoutRetrievers(t *testing.T) {
	_, err := NewChain(testOptions()).Fetch(context.Background(), utils.NewSource("x"), t.TempDir(), nil)
	assert.ErrorIs(t, err, utils.ErrUnsupportedSource)
}

// flakyRetriever breaks the first stream half way through.
type flakyRetriever struct {
	data  []byte
	opens int
}

type brokenReader struct {
	*bytes.Reader
	limit int64
}

func (b *brokenReader) Read(p []byte) (int, error) {
	pos, _ := b.Seek(0, io.SeekCurrent)
	if pos >= b.limit {
		return 0, errors.New("connection reset by peer")
	}
	if int64(len(p)) > b.limit-pos {
		p = p[:b.limit-pos]
	}
	return b.Reader.Read(p)
}

func (f *flakyRetriever) Name() string { return "flaky" }

func (f *flakyRetriever) Open(ctx context.Context, ref string) (io.ReadCloser, Item, error) {
	f.opens++
	item := Item{Name: "clip.mp4", Size: int64(len(f.data))}
	if f.opens == 1 {
		return io.NopCloser(&brokenReader{Reader: bytes.NewReader(f.data), limit: int64(len(f.data) / 2)}), item, nil
	}
	return struct {
		io.ReadSeeker
		io.Closer
	}{bytes.NewReader(f.data), io.NopCloser(nil)}, item, nil
}

func TestChainResumesAfterBrokenStream(t *testing.T) {
	data := bytes.Repeat([]byte("media!"), 1000)
	r := &flakyRetriever{data: data}
	var last utils.Progress
	artifact, err := NewChain(testOptions(), r).Fetch(context.Background(), utils.NewSource("ref-1"), t.TempDir(), func(p utils.Progress) { last = p })
	require.NoError(t, err)
	got, err := os.ReadFile(artifact.Path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, 2, r.opens)
	assert.Equal(t, int64(len(data)), last.Done)
	assert.Equal(t, "clip.mp4", filepath.Base(artifact.Path))
}
