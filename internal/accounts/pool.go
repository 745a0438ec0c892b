// Package accounts rotates upload credentials round-robin, skipping ones
// whose quota is spent.
package accounts

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/ferry/internal/utils"
)

type QuotaStatus int

const (
	QuotaUnknown QuotaStatus = iota
	QuotaAvailable
	QuotaExhausted
)

func (s QuotaStatus) String() string {
	switch s {
	case QuotaAvailable:
		return "available"
	case QuotaExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Prober reports the quota state of one credential. Failures are QuotaUnknown.
type Prober interface {
	Probe(ctx context.Context, token string) QuotaStatus
}

type Credential struct {
	Index     int
	Token     string
	Exhausted bool
}

// Pool hands out credentials in a fair rotation. Exhaustion is in-memory and
// transient: a credential marked exhausted sits out its next turn and is
// probed again on the one after.
type Pool struct {
	mu     sync.Mutex
	creds  []Credential
	sitOut []bool
	cursor int
	prober Prober
}

func NewPool(tokens []string, prober Prober) (*Pool, error) {
	if len(tokens) == 0 {
		return nil, utils.ErrNoCredentials
	}
	p := &Pool{
		creds:  make([]Credential, len(tokens)),
		sitOut: make([]bool, len(tokens)),
		prober: prober,
	}
	for i, t := range tokens {
		p.creds[i] = Credential{Index: i, Token: t}
	}
	return p, nil
}

func (p *Pool) Size() int {
	return len(p.creds)
}

// Pick returns the next usable credential starting at the cursor. The lock
// is held while probing, so concurrent callers queue behind one another.
// If a whole rotation finds nothing usable the credential at the cursor is
// returned anyway.
func (p *Pool) Pick(ctx context.Context) (int, Credential) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.creds)
	for range n {
		idx := p.cursor % n
		p.cursor = (idx + 1) % n
		if p.sitOut[idx] {
			p.sitOut[idx] = false
			log.Debug().Str("op", "accounts/pool").Int("index", idx).Msg("credential sitting out after rejection")
			continue
		}
		status := QuotaUnknown
		if p.prober != nil {
			status = p.prober.Probe(ctx, p.creds[idx].Token)
		}
		if status == QuotaExhausted {
			p.creds[idx].Exhausted = true
			log.Debug().Str("op", "accounts/pool").Int("index", idx).Msg("credential quota exhausted")
			continue
		}
		p.creds[idx].Exhausted = false
		return idx, p.creds[idx]
	}
	idx := p.cursor % n
	log.Warn().Str("op", "accounts/pool").Int("index", idx).Msg("every credential looks exhausted, using cursor")
	return idx, p.creds[idx]
}

// MarkExhausted flags idx after the remote rejected it.
func (p *Pool) MarkExhausted(idx int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx < 0 || idx >= len(p.creds) {
		return
	}
	p.creds[idx].Exhausted = true
	p.sitOut[idx] = true
}

func (p *Pool) ExhaustedIndices() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []int
	for _, c := range p.creds {
		if c.Exhausted {
			out = append(out, c.Index)
		}
	}
	sort.Ints(out)
	return out
}
