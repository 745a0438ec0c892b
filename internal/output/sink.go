package output

import (
	"sync"
	"time"
)

// Sink receives status text for one transfer unit. Edit may be dropped;
// Finish carries the terminal status and err is nil on success.
type Sink interface {
	Edit(text string)
	Finish(text string, err error)
}

// Throttled forwards at most one Edit per interval and exactly one Finish.
// Edits racing with or following Finish are dropped.
type Throttled struct {
	sink     Sink
	interval time.Duration
	mu       sync.Mutex
	last     time.Time
	finished bool
}

func NewThrottled(sink Sink, interval time.Duration) *Throttled {
	return &Throttled{sink: sink, interval: interval}
}

func (t *Throttled) Edit(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return
	}
	now := time.Now()
	if !t.last.IsZero() && now.Sub(t.last) < t.interval {
		return
	}
	t.last = now
	t.sink.Edit(text)
}

func (t *Throttled) Finish(text string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return
	}
	t.finished = true
	t.sink.Finish(text, err)
}

// Discard is a Sink that drops everything.
type Discard struct{}

func (Discard) Edit(string)          {}
func (Discard) Finish(string, error) {}
