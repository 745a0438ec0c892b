package utils

import "time"

// ProgressTracker sums byte deltas from any number of writers and reports
// at most once per interval, plus once when stopped. Negative deltas undo
// bytes a stream had to throw away.
type ProgressTracker struct {
	total    int64
	interval time.Duration
	fn       ProgressFunc
	ch       chan int64
	done     chan struct{}
}

func NewProgressTracker(total int64, interval time.Duration, fn ProgressFunc) *ProgressTracker {
	if interval <= 0 {
		interval = DefaultProgressInterval
	}
	return &ProgressTracker{
		total:    total,
		interval: interval,
		fn:       fn,
		ch:       make(chan int64, 100),
		done:     make(chan struct{}),
	}
}

func (t *ProgressTracker) Add(n int64) {
	if n != 0 {
		t.ch <- n
	}
}

func (t *ProgressTracker) Start() {
	go func() {
		defer close(t.done)
		var downloaded, lastBytes int64
		lastUpdate := time.Now()
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		emit := func() {
			elapsed := time.Since(lastUpdate).Seconds()
			rate := 0.0
			if elapsed > 0 {
				rate = float64(downloaded-lastBytes) / elapsed
			}
			if t.fn != nil {
				t.fn(Progress{Done: downloaded, Total: t.total, Rate: max(rate, 0)})
			}
			lastUpdate = time.Now()
			lastBytes = downloaded
		}
		for {
			select {
			case n, ok := <-t.ch:
				if !ok {
					emit()
					return
				}
				downloaded += n
			case <-ticker.C:
				if downloaded != lastBytes {
					emit()
				}
			}
		}
	}()
}

// Stop flushes pending deltas, emits the final snapshot and waits for the
// reporting goroutine. Add must not be called afterwards.
func (t *ProgressTracker) Stop() {
	close(t.ch)
	<-t.done
}
