// Package workflow sequences processing stages over sample documents.
//
// The engine runs every configured stage in order. A stage failure is
// recorded and the run continues with the pre-stage document state; only
// the run's aggregate success flag reflects whether every stage
// succeeded. The caller always gets a full audit trail.
package workflow

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/metaboflow/metaboflow/internal/model"
	"github.com/metaboflow/metaboflow/pkg/errors"
	"github.com/metaboflow/metaboflow/pkg/stages"
)

// Executor runs one stage out of process. Implementations own their own
// timeouts; the engine treats any error uniformly as "fall back locally".
type Executor interface {
	ExecuteStep(ctx context.Context, step stages.StepType, docs []*model.SampleDocument, params map[string]interface{}) (*stages.Output, error)
}

// Observer receives stage lifecycle notifications (tracing, metrics).
type Observer interface {
	StageStarted(ctx context.Context, step stages.StepConfig)
	StageCompleted(ctx context.Context, result StageResult)
}

// Engine executes workflows. One engine runs at most one workflow at a
// time; starting a second while one is in flight is rejected.
type Engine struct {
	remote        Executor
	progress      ProgressFunc
	observer      Observer
	allowDegraded bool

	running  atomic.Bool
	canceled atomic.Bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithRemoteExecutor sets the optional out-of-process stage executor.
// The engine tries it once per stage and falls back to the local
// implementation on any error.
func WithRemoteExecutor(ex Executor) Option {
	return func(e *Engine) { e.remote = ex }
}

// WithProgress sets the progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(e *Engine) { e.progress = fn }
}

// WithObserver sets the stage lifecycle observer.
func WithObserver(obs Observer) Option {
	return func(e *Engine) { e.observer = obs }
}

// WithAllowDegraded permits running stages over degraded (peak-less)
// documents. Off by default: degraded data is never silently processed.
func WithAllowDegraded(allow bool) Option {
	return func(e *Engine) { e.allowDegraded = allow }
}

// New creates a workflow engine.
func New(opts ...Option) *Engine {
	e := &Engine{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Cancel requests a graceful stop: the current stage finishes, its
// result is recorded, and no further stage starts. No-op when idle.
func (e *Engine) Cancel() {
	if e.running.Load() {
		e.canceled.Store(true)
	}
}

// Running reports whether a run is in flight.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Run executes the configured steps over the input documents.
//
// Run always returns a RunResult, even for rejected runs — there is no
// code path that yields "no result", only a result describing what
// failed and why. The returned error is non-nil only for whole-run
// precondition violations (empty steps, empty input, degraded data,
// run already in flight).
func (e *Engine) Run(ctx context.Context, steps []stages.StepConfig, docs []*model.SampleDocument) (*RunResult, error) {
	res := &RunResult{
		RunID:     uuid.NewString(),
		Results:   []StageResult{},
		StartedAt: time.Now(),
	}

	if !e.running.CompareAndSwap(false, true) {
		res.CompletedAt = time.Now()
		return res, errors.New(errors.CodeRunInFlight, "a workflow run is already in progress")
	}
	defer e.running.Store(false)
	e.canceled.Store(false)

	if err := e.validate(steps, docs); err != nil {
		res.CompletedAt = time.Now()
		return res, err
	}

	emit, drain := e.startProgressDelivery()
	defer drain()

	// Documents are owned-and-replaced between stages; normalize clones
	// so the caller's documents stay untouched.
	current := make([]*model.SampleDocument, len(docs))
	for i, d := range docs {
		current[i] = d.Clone()
		current[i].Normalize()
	}

	start := time.Now()
	allOK := true
	for i, step := range steps {
		if e.canceled.Load() {
			res.Canceled = true
			break
		}

		emit(ProgressEvent{
			Progress:    float64(i+1) / float64(len(steps)) * 100,
			CurrentStep: step.Name,
			StepIndex:   i,
			TotalSteps:  len(steps),
		})

		sr, next := e.executeStep(ctx, step, current)
		res.Results = append(res.Results, sr)
		if sr.Success {
			current = next
		} else {
			// Failed stage output is discarded wholesale; the next
			// stage sees the pre-stage state.
			allOK = false
		}
	}

	for _, d := range current {
		d.Status = model.StatusCompleted
	}

	res.Documents = current
	res.Success = allOK && !res.Canceled
	res.Summary = summarize(res.Results, time.Since(start))
	res.TotalProcessingTimeMs = time.Since(start).Milliseconds()
	res.CompletedAt = time.Now()
	return res, nil
}

func (e *Engine) validate(steps []stages.StepConfig, docs []*model.SampleDocument) error {
	if len(steps) == 0 {
		return errors.WorkflowValidation("workflow has no steps")
	}
	if len(docs) == 0 {
		return errors.WorkflowValidation("workflow has no input documents")
	}
	if !e.allowDegraded {
		for _, d := range docs {
			if d.Degraded {
				return errors.New(errors.CodeDegradedParse, "refusing to process degraded document").
					WithContext("file", d.FileName).
					WithContext("reason", d.DegradedReason)
			}
		}
	}
	return nil
}

// executeStep runs one stage, remote-first when an executor is
// configured, and converts any failure into a StageResult. It returns
// the post-stage documents; on failure they equal the input.
func (e *Engine) executeStep(ctx context.Context, step stages.StepConfig, docs []*model.SampleDocument) (StageResult, []*model.SampleDocument) {
	sr := StageResult{
		StepID:   step.ID,
		StepName: step.Name,
		StepType: step.Type,
	}
	if e.observer != nil {
		e.observer.StageStarted(ctx, step)
	}
	start := time.Now()

	out, remote, err := e.attempt(ctx, step, docs)
	sr.ProcessingTimeMs = time.Since(start).Milliseconds()
	sr.ExecutedRemotely = remote

	if err != nil {
		sr.Success = false
		sr.Error = err.Error()
	} else {
		sr.Success = true
		sr.Message = out.Message
		sr.Counts = out.Counts
	}

	if e.observer != nil {
		e.observer.StageCompleted(ctx, sr)
	}
	if err != nil {
		return sr, docs
	}
	return sr, out.Documents
}

// attempt tries the remote executor once, then the local stage. A
// remote failure is invisible to the caller beyond the remote flag.
func (e *Engine) attempt(ctx context.Context, step stages.StepConfig, docs []*model.SampleDocument) (out *stages.Output, remote bool, err error) {
	if e.remote != nil {
		if out, rerr := e.remote.ExecuteStep(ctx, step.Type, docs, step.Parameters); rerr == nil {
			return out, true, nil
		}
		// Fall through to the local implementation.
	}

	stage, err := stages.ForType(step.Type)
	if err != nil {
		return nil, false, err
	}
	out, err = runGuarded(ctx, stage, docs, step.Parameters)
	return out, false, err
}

// runGuarded converts a stage panic into a stage error so a buggy stage
// cannot take down the run.
func runGuarded(ctx context.Context, stage stages.Stage, docs []*model.SampleDocument, params map[string]interface{}) (out *stages.Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = errors.New(errors.CodeUnknown, fmt.Sprintf("stage panicked: %v", r))
		}
	}()
	return stage.Run(ctx, docs, params)
}

// startProgressDelivery decouples progress emission from the consumer.
// Events queue on a buffered channel drained by one goroutine; when the
// buffer is full events are dropped, never blocking the run. The
// returned drain func flushes remaining events before Run returns.
func (e *Engine) startProgressDelivery() (emit func(ProgressEvent), drain func()) {
	if e.progress == nil {
		return func(ProgressEvent) {}, func() {}
	}

	ch := make(chan ProgressEvent, 64)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range ch {
			e.progress(ev)
		}
	}()

	emit = func(ev ProgressEvent) {
		select {
		case ch <- ev:
		default:
		}
	}
	drain = func() {
		close(ch)
		wg.Wait()
	}
	return emit, drain
}

// summarize aggregates headline counts from successful stages only.
func summarize(results []StageResult, elapsed time.Duration) Summary {
	s := Summary{ProcessingTimeSeconds: elapsed.Seconds()}
	for _, r := range results {
		if !r.Success {
			continue
		}
		switch r.StepType {
		case stages.StepPeakDetection:
			s.PeaksDetected += r.Counts[stages.CountPeaksDetected]
		case stages.StepIdentification:
			s.CompoundsIdentified += r.Counts[stages.CountCompoundsIdentified]
		case stages.StepStatistics:
			s.SignificantFeatures += r.Counts[stages.CountSignificantFeatures]
		}
	}
	return s
}
