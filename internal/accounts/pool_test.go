package accounts

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/ferry/internal/utils"
)

type fakeProber struct {
	mu     sync.Mutex
	status map[string]QuotaStatus
	calls  []string
}

func (f *fakeProber) Probe(_ context.Context, token string) QuotaStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, token)
	return f.status[token]
}

func picks(t *testing.T, p *Pool, n int) []int {
	t.Helper()
	var out []int
	for range n {
		idx, cred := p.Pick(context.Background())
		assert.Equal(t, idx, cred.Index)
		out = append(out, idx)
	}
	return out
}

func TestNewPoolEmpty(t *testing.T) {
	_, err := NewPool(nil, nil)
	assert.ErrorIs(t, err, utils.ErrNoCredentials)
}

func TestPickCyclesFairly(t *testing.T) {
	p, err := NewPool([]string{"a", "b", "c"}, &fakeProber{})
	require.NoError(t, err)
	assert.Equal(t, 3, p.Size())
	assert.Equal(t, []int{0, 1, 2, 0, 1, 2}, picks(t, p, 6))
	assert.Empty(t, p.ExhaustedIndices())
}

func TestPickSkipsProbedExhaustion(t *testing.T) {
	prober := &fakeProber{status: map[string]QuotaStatus{"t0": QuotaExhausted, "t1": QuotaAvailable}}
	p, err := NewPool([]string{"t0", "t1"}, prober)
	require.NoError(t, err)

	idx, cred := p.Pick(context.Background())
	assert.Equal(t, 1, idx)
	assert.Equal(t, "t1", cred.Token)
	assert.Equal(t, 0, p.cursor)
	assert.Equal(t, []int{0}, p.ExhaustedIndices())
	assert.Equal(t, []string{"t0", "t1"}, prober.calls)
}

func TestMarkedCredentialRejoinsAfterSittingOut(t *testing.T) {
	prober := &fakeProber{}
	p, err := NewPool([]string{"a", "b", "c"}, prober)
	require.NoError(t, err)

	idx, _ := p.Pick(context.Background())
	require.Equal(t, 0, idx)
	p.MarkExhausted(0)
	assert.Equal(t, []int{0}, p.ExhaustedIndices())

	// 0 sits out its next visit, then is probed and accepted again
	assert.Equal(t, []int{1, 2, 1, 2, 0}, picks(t, p, 5))
	assert.Empty(t, p.ExhaustedIndices())
	assert.Equal(t, []string{"a", "b", "c", "b", "c", "a"}, prober.calls)
}

func TestPickFullRotationReturnsCursor(t *testing.T) {
	prober := &fakeProber{status: map[string]QuotaStatus{"a": QuotaExhausted, "b": QuotaExhausted, "c": QuotaExhausted}}
	p, err := NewPool([]string{"a", "b", "c"}, prober)
	require.NoError(t, err)

	idx, cred := p.Pick(context.Background())
	assert.Equal(t, 0, idx)
	assert.True(t, cred.Exhausted)
	assert.Equal(t, []int{0, 1, 2}, p.ExhaustedIndices())
	assert.Len(t, prober.calls, 3)
}

func TestUnknownStatusIsAccepted(t *testing.T) {
	p, err := NewPool([]string{"only"}, &fakeProber{status: map[string]QuotaStatus{"only": QuotaUnknown}})
	require.NoError(t, err)
	idx, cred := p.Pick(context.Background())
	assert.Equal(t, 0, idx)
	assert.False(t, cred.Exhausted)
}

func TestMarkExhaustedIgnoresBadIndex(t *testing.T) {
	p, err := NewPool([]string{"a"}, nil)
	require.NoError(t, err)
	p.MarkExhausted(5)
	p.MarkExhausted(-1)
	assert.Empty(t, p.ExhaustedIndices())
}

func TestConcurrentPicks(t *testing.T) {
	p, err := NewPool([]string{"a", "b", "c", "d"}, &fakeProber{})
	require.NoError(t, err)
	var wg sync.WaitGroup
	var mu sync.Mutex
	counts := map[int]int{}
	for range 40 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			idx, _ := p.Pick(context.Background())
			mu.Lock()
			counts[idx]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	for i := range 4 {
		assert.Equal(t, 10, counts[i])
	}
}
