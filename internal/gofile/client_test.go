package gofile

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/ferry/internal/accounts"
	"github.com/tanq16/ferry/internal/retry"
	"github.com/tanq16/ferry/internal/utils"
)

func testClient(srv *httptest.Server) *Client {
	return New(srv.Client(), Options{
		APIBase:          srv.URL,
		UploadURL:        srv.URL + "/uploadfile",
		ChunkSize:        1024,
		ProgressInterval: time.Nanosecond,
		APIRetryMax:      0,
		Retry: retry.Policy{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			MaxDelay:     2 * time.Millisecond,
			Factor:       1,
		},
	})
}

func accountServer(t *testing.T, usage map[string][2]float64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		switch {
		case r.URL.Path == "/accounts/getid":
			if _, ok := usage[token]; !ok {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"status": "ok", "data": map[string]any{"id": "acct-" + token}})
		case strings.HasPrefix(r.URL.Path, "/accounts/acct-"):
			u := usage[strings.TrimPrefix(r.URL.Path, "/accounts/acct-")]
			json.NewEncoder(w).Encode(map[string]any{"status": "ok", "data": map[string]any{
				"traffic": map[string]any{"used": u[0], "limit": u[1]},
			}})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestProbe(t *testing.T) {
	srv := accountServer(t, map[string][2]float64{
		"full":    {996, 1000},
		"healthy": {10, 1000},
		"nolimit": {10, 0},
	})
	c := testClient(srv)
	ctx := context.Background()
	assert.Equal(t, accounts.QuotaExhausted, c.Probe(ctx, "full"))
	assert.Equal(t, accounts.QuotaAvailable, c.Probe(ctx, "healthy"))
	assert.Equal(t, accounts.QuotaUnknown, c.Probe(ctx, "nolimit"))
	assert.Equal(t, accounts.QuotaUnknown, c.Probe(ctx, "unknown-token"))
}

func TestUsage(t *testing.T) {
	srv := accountServer(t, map[string][2]float64{"tok": {250, 1000}})
	usage, err := testClient(srv).Usage(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "acct-tok", usage.AccountID)
	assert.True(t, usage.Known)
	assert.InDelta(t, 0.25, usage.Fraction(), 1e-9)
}

func writeTestFile(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path, data
}

func TestUploadStreamsFile(t *testing.T) {
	path, data := writeTestFile(t, 10*1024+5)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/uploadfile", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "folder-1", r.URL.Query().Get("folderId"))
		file, header, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		defer file.Close()
		got, _ := io.ReadAll(file)
		assert.Equal(t, "payload.bin", header.Filename)
		assert.Equal(t, data, got)
		w.Write([]byte(`{"status":"ok","data":{"downloadPage":"https://gofile.io/d/xyz","id":"cid"}}`))
	}))
	defer srv.Close()
	c := testClient(srv)
	c.opts.FolderID = "folder-1"

	var mu sync.Mutex
	var snaps []utils.Progress
	res, err := c.Upload(context.Background(), path, "tok", func(p utils.Progress) {
		mu.Lock()
		snaps = append(snaps, p)
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, "https://gofile.io/d/xyz", res.Link)
	assert.Equal(t, "cid", res.ContentID)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, snaps)
	final := snaps[len(snaps)-1]
	assert.Equal(t, int64(len(data)), final.Done)
	for _, p := range snaps[:len(snaps)-1] {
		assert.Less(t, p.Done, int64(len(data)), "progress must stay below 100%% before the reply")
	}
}

func TestUploadAuthFallbackHappensOnce(t *testing.T) {
	path, _ := writeTestFile(t, 2048)
	var withAuth, guest atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		if r.Header.Get("Authorization") != "" {
			withAuth.Add(1)
		} else {
			guest.Add(1)
		}
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"status":"error-notAuthorized"}`))
	}))
	defer srv.Close()

	res, err := testClient(srv).Upload(context.Background(), path, "tok", nil)
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.Equal(t, http.StatusUnauthorized, res.HTTPStatus)
	assert.Equal(t, int32(1), withAuth.Load())
	assert.Equal(t, int32(1), guest.Load())
}

func TestUploadGuestFallbackSucceeds(t *testing.T) {
	path, _ := writeTestFile(t, 100)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		if r.Header.Get("Authorization") != "" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Write([]byte(`{"status":"ok","data":{"code":"guest1"}}`))
	}))
	defer srv.Close()

	res, err := testClient(srv).Upload(context.Background(), path, "tok", nil)
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, "https://gofile.io/d/guest1", res.Link)
}

func TestUploadRetriesServerErrors(t *testing.T) {
	path, _ := writeTestFile(t, 100)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"status":"ok","data":{"downloadPage":"https://gofile.io/d/ok"}}`))
	}))
	defer srv.Close()

	res, err := testClient(srv).Upload(context.Background(), path, "tok", nil)
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, int32(3), calls.Load())
}

func TestUploadGivesUpAfterBudget(t *testing.T) {
	path, _ := writeTestFile(t, 100)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	res, err := testClient(srv).Upload(context.Background(), path, "tok", nil)
	require.Error(t, err)
	assert.False(t, res.OK())
	var te *utils.TransferError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, utils.StageUpload, te.Stage)
	assert.Equal(t, utils.KindTransport, te.Kind)
	assert.Equal(t, int32(3), calls.Load())
}

func TestUploadMissingFile(t *testing.T) {
	c := New(nil, DefaultOptions())
	_, err := c.Upload(context.Background(), filepath.Join(t.TempDir(), "nope"), "tok", nil)
	require.Error(t, err)
	assert.Equal(t, utils.KindProtocol, utils.KindOf(err))
}

func TestAccountCallsAreTimeBounded(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok",`))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	opts := DefaultOptions()
	opts.APIBase = srv.URL
	opts.APIRetryMax = 0
	opts.APITimeout = 200 * time.Millisecond
	c := New(utils.NewFerryHTTPClient(utils.HTTPClientConfig{}).Standard(), opts)

	start := time.Now()
	assert.Equal(t, accounts.QuotaUnknown, c.Probe(context.Background(), "tok"))
	assert.Less(t, time.Since(start), 5*time.Second)

	// a stalled reply must not keep the pool locked
	pool, err := accounts.NewPool([]string{"a", "b"}, c)
	require.NoError(t, err)
	picked := make(chan int, 2)
	for range 2 {
		go func() {
			idx, _ := pool.Pick(context.Background())
			picked <- idx
		}()
	}
	for range 2 {
		select {
		case <-picked:
		case <-time.After(5 * time.Second):
			t.Fatal("pick blocked behind a stalled account reply")
		}
	}
}

func TestUploadFailsWhenReplyStalls(t *testing.T) {
	path, _ := writeTestFile(t, 4096)
	release := make(chan struct{})
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		io.Copy(io.Discard, r.Body)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	c := testClient(srv)
	c.opts.IdleTimeout = 200 * time.Millisecond
	c.opts.Retry.MaxAttempts = 2

	start := time.Now()
	res, err := c.Upload(context.Background(), path, "tok", nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, res.OK())
	assert.ErrorIs(t, err, errUploadStalled)
	assert.Equal(t, utils.KindTransport, utils.KindOf(err))
	assert.Equal(t, int32(2), calls.Load())
}
