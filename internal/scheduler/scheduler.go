// Package scheduler fans a batch of sources out to the relay and renders
// their status.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/ferry/internal/output"
	"github.com/tanq16/ferry/internal/relay"
	"github.com/tanq16/ferry/internal/utils"
	"golang.org/x/sync/errgroup"
)

// Runner takes one source to a terminal state.
type Runner interface {
	Run(ctx context.Context, src utils.Source, sink output.Sink) *relay.Unit
}

// Display is where unit status is rendered.
type Display interface {
	Register(label string) int
	Sink(id int) output.Sink
}

// Run starts every source, at most workers at a time, and returns the
// finished units in input order. Admission into fetching is still bounded
// by the relay's own gate.
func Run(ctx context.Context, runner Runner, display Display, sources []utils.Source, workers int, editInterval time.Duration) []*relay.Unit {
	units := make([]*relay.Unit, len(sources))
	var eg errgroup.Group
	eg.SetLimit(max(workers, 1))
	for i, src := range sources {
		id := display.Register(src.Locator)
		sink := output.NewThrottled(display.Sink(id), editInterval)
		sink.Edit(output.SourceReceived(src.Locator))
		eg.Go(func() error {
			units[i] = runner.Run(ctx, src, sink)
			log.Debug().Str("op", "scheduler/scheduler").Str("unit", units[i].ID).Msgf("unit finished: %s", units[i].Reason())
			return nil
		})
	}
	eg.Wait()
	return units
}

// Failed counts units that did not reach DONE.
func Failed(units []*relay.Unit) int {
	n := 0
	for _, u := range units {
		if u == nil || u.CurrentState() != relay.StateDone {
			n++
		}
	}
	return n
}
