// Package relay moves one source at a time from fetch to upload: it admits
// units through a capacity gate, rotates credentials on rejection and
// removes local artifacts on every terminal outcome.
package relay

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/ferry/internal/accounts"
	"github.com/tanq16/ferry/internal/gofile"
	"github.com/tanq16/ferry/internal/output"
	"github.com/tanq16/ferry/internal/utils"
	"golang.org/x/sync/semaphore"
)

type State string

const (
	StateQueued    State = "queued"
	StateFetching  State = "fetching"
	StateFetched   State = "fetched"
	StateUploading State = "uploading"
	StateDone      State = "done"
	StateFailed    State = "failed"
)

// Fetcher materializes a source under destDir.
type Fetcher interface {
	Fetch(ctx context.Context, src utils.Source, destDir string, onProgress utils.ProgressFunc) (*utils.Artifact, error)
}

type Uploader interface {
	Upload(ctx context.Context, path, token string, onProgress utils.ProgressFunc) (gofile.Result, error)
}

type CredentialPool interface {
	Pick(ctx context.Context) (int, accounts.Credential)
	MarkExhausted(idx int)
	Size() int
}

// Attempt records one upload try with one credential.
type Attempt struct {
	Index   int
	Outcome string
}

type Unit struct {
	ID       string
	Source   utils.Source
	State    State
	Artifact *utils.Artifact
	Attempts []Attempt
	Result   gofile.Result
	Err      error

	mu sync.Mutex
}

func (u *Unit) setState(s State) {
	u.mu.Lock()
	defer u.mu.Unlock()
	log.Debug().Str("op", "relay/relay").Str("unit", u.ID).Str("from", string(u.State)).Str("to", string(s)).Msg("state change")
	u.State = s
}

func (u *Unit) CurrentState() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.State
}

type Options struct {
	DestDir       string
	MaxConcurrent int64
}

type Orchestrator struct {
	opts     Options
	pool     CredentialPool
	uploader Uploader
	fetchers map[utils.SourceKind]Fetcher
	gate     *semaphore.Weighted
}

func New(opts Options, pool CredentialPool, uploader Uploader, fetchers map[utils.SourceKind]Fetcher) *Orchestrator {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	return &Orchestrator{
		opts:     opts,
		pool:     pool,
		uploader: uploader,
		fetchers: fetchers,
		gate:     semaphore.NewWeighted(opts.MaxConcurrent),
	}
}

// Run takes src through fetch and upload and reports exactly one final
// status to sink. The fetched artifact is always removed.
func (o *Orchestrator) Run(ctx context.Context, src utils.Source, sink output.Sink) *Unit {
	unit := &Unit{ID: uuid.NewString(), Source: src, State: StateQueued}
	if err := o.gate.Acquire(ctx, 1); err != nil {
		o.fail(unit, utils.NewTransferError(utils.StageDownload, utils.KindTransport, err))
		o.report(unit, sink)
		return unit
	}
	defer o.gate.Release(1)
	defer o.report(unit, sink)
	defer o.cleanup(unit)

	unit.setState(StateFetching)
	artifact, err := o.fetch(ctx, unit, sink)
	if err != nil {
		o.fail(unit, err)
		return unit
	}
	unit.Artifact = artifact
	unit.setState(StateFetched)
	o.upload(ctx, unit, sink)
	return unit
}

// Push uploads an existing local file. The file is not owned by the unit
// and is left in place.
func (o *Orchestrator) Push(ctx context.Context, artifact *utils.Artifact, sink output.Sink) *Unit {
	unit := &Unit{ID: uuid.NewString(), Source: utils.Source{Locator: artifact.Path, DeclaredSize: artifact.Size}, State: StateFetched, Artifact: artifact}
	if err := o.gate.Acquire(ctx, 1); err != nil {
		o.fail(unit, utils.NewTransferError(utils.StageUpload, utils.KindTransport, err))
		o.report(unit, sink)
		return unit
	}
	defer o.gate.Release(1)
	defer o.report(unit, sink)
	o.upload(ctx, unit, sink)
	return unit
}

func (o *Orchestrator) fetch(ctx context.Context, unit *Unit, sink output.Sink) (*utils.Artifact, error) {
	fetcher, ok := o.fetchers[unit.Source.Kind]
	if !ok || fetcher == nil {
		return nil, utils.NewTransferError(utils.StageDownload, utils.KindProtocol, fmt.Errorf("%w: %s", utils.ErrUnsupportedSource, unit.Source.Kind))
	}
	sink.Edit(output.Downloading(unit.Source.Kind))
	log.Info().Str("op", "relay/relay").Str("unit", unit.ID).Msgf("fetching %s", unit.Source.Locator)
	return fetcher.Fetch(ctx, unit.Source, o.opts.DestDir, func(p utils.Progress) {
		sink.Edit(output.DownloadProgress(unit.Source.Kind, p))
	})
}

// upload cycles through the pool at most once per credential. Credentials
// the remote rejected are marked exhausted; transport failures only rotate.
func (o *Orchestrator) upload(ctx context.Context, unit *Unit, sink output.Sink) {
	unit.setState(StateUploading)
	sink.Edit(output.UploadStart())
	path := unit.Artifact.Path
	rejections := 0
	var lastErr error
	for range o.pool.Size() {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		idx, cred := o.pool.Pick(ctx)
		log.Info().Str("op", "relay/relay").Str("unit", unit.ID).Int("index", idx).Msg("uploading with credential")
		res, err := o.uploader.Upload(ctx, path, cred.Token, func(p utils.Progress) {
			sink.Edit(output.UploadProgress(p))
		})
		if err != nil {
			unit.Attempts = append(unit.Attempts, Attempt{Index: idx, Outcome: "transport: " + utils.TruncateDetail(err.Error(), 120)})
			lastErr = err
			log.Warn().Str("op", "relay/relay").Str("unit", unit.ID).Int("index", idx).Err(err).Msg("upload failed, rotating")
			continue
		}
		if res.OK() {
			unit.Attempts = append(unit.Attempts, Attempt{Index: idx, Outcome: "ok"})
			unit.Result = res
			unit.setState(StateDone)
			return
		}
		o.pool.MarkExhausted(idx)
		rejections++
		unit.Attempts = append(unit.Attempts, Attempt{Index: idx, Outcome: "rejected: " + res.Detail()})
		lastErr = fmt.Errorf("rejected: %s", res.Detail())
		log.Warn().Str("op", "relay/relay").Str("unit", unit.ID).Int("index", idx).Msgf("credential rejected: %s", res.Detail())
	}

	switch {
	case rejections > 0 && rejections == len(unit.Attempts):
		o.fail(unit, utils.NewTransferError(utils.StageUpload, utils.KindExhausted, utils.ErrAllExhausted))
	case lastErr == nil:
		o.fail(unit, utils.NewTransferError(utils.StageUpload, utils.KindExhausted, utils.ErrAllExhausted))
	default:
		var te *utils.TransferError
		if errors.As(lastErr, &te) && te.Stage == utils.StageUpload {
			o.fail(unit, te)
			return
		}
		o.fail(unit, utils.NewTransferError(utils.StageUpload, utils.KindOf(lastErr), lastErr))
	}
}

func (o *Orchestrator) fail(unit *Unit, err error) {
	unit.Err = err
	unit.setState(StateFailed)
}

// cleanup is best effort; a file that cannot be removed is only logged.
func (o *Orchestrator) cleanup(unit *Unit) {
	if unit.Artifact == nil {
		return
	}
	if err := utils.RemoveArtifact(unit.Artifact.Path); err != nil {
		log.Warn().Str("op", "relay/relay").Str("unit", unit.ID).Err(err).Msg("could not remove artifact")
		return
	}
	log.Debug().Str("op", "relay/relay").Str("unit", unit.ID).Str("path", unit.Artifact.Path).Msg("artifact removed")
}

func (o *Orchestrator) report(unit *Unit, sink output.Sink) {
	switch {
	case unit.CurrentState() == StateDone:
		name := filepath.Base(unit.Artifact.Path)
		sink.Finish(output.UploadSuccess(name, unit.Artifact.Size, unit.Result.Link, unit.Result.ContentID), nil)
	case errors.Is(unit.Err, utils.ErrAllExhausted):
		sink.Finish(output.AllExhausted(), unit.Err)
	default:
		stage := utils.StageDownload
		detail := "unknown error"
		var te *utils.TransferError
		if errors.As(unit.Err, &te) {
			stage = te.Stage
			detail = te.Detail
		} else if unit.Err != nil {
			detail = unit.Err.Error()
		}
		sink.Finish(output.Failure(stage, detail), unit.Err)
	}
}

// Reason classifies a finished unit for summaries.
func (u *Unit) Reason() string {
	switch {
	case u.CurrentState() == StateDone:
		return "done"
	case errors.Is(u.Err, utils.ErrAllExhausted):
		return "all exhausted"
	default:
		var te *utils.TransferError
		if errors.As(u.Err, &te) {
			return fmt.Sprintf("%s %s", te.Stage, te.Kind)
		}
		return "failed"
	}
}
