package workflow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"imageflow/internal/config"
	"imageflow/internal/models"
	"imageflow/internal/pipeline"
	"imageflow/internal/telemetry"
)

// Stage is one unit of the pipeline, invoked with the evolving run context.
type Stage interface {
	Name() string
	Execute(ctx context.Context, run *models.RunContext) error
}

// ErrDuplicateRun reports a Start call reusing an existing run name. Starting
// a run is not idempotent beyond this name check.
var ErrDuplicateRun = errors.New("run name already exists")

// RunState is the lifecycle of one pipeline run.
type RunState string

const (
	RunStateRunning   RunState = "running"
	RunStateSucceeded RunState = "succeeded"
	RunStateFailed    RunState = "failed"
)

// Run is the engine's view of one execution.
type Run struct {
	Name       string            `json:"name"`
	Handle     string            `json:"handle"`
	State      RunState          `json:"state"`
	Stage      string            `json:"stage,omitempty"`
	Error      string            `json:"error,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	Context    models.RunContext `json:"-"`
}

// Engine sequences stage invocations for each run: validation completes
// before resize is dispatched, resize before watermark. Stage errors are
// retried with exponential backoff unless they are policy rejections, which
// are terminal. Runs for different images execute concurrently with no
// ordering between them.
type Engine struct {
	cfg    config.WorkflowConfig
	stages []Stage
	logger zerolog.Logger

	mu   sync.Mutex
	runs map[string]*Run
	wg   sync.WaitGroup
}

func NewEngine(cfg config.WorkflowConfig, logger zerolog.Logger, stages ...Stage) *Engine {
	if cfg.StageMaxAttempts <= 0 {
		cfg.StageMaxAttempts = 3
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 2 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = time.Minute
	}
	if cfg.RunRetention <= 0 {
		cfg.RunRetention = time.Hour
	}
	return &Engine{
		cfg:    cfg,
		stages: stages,
		logger: logger.With().Str("component", "workflow").Logger(),
		runs:   make(map[string]*Run),
	}
}

// Start registers a uniquely named run and schedules its stages on a new
// goroutine. It returns the run handle, or an error when the name is taken.
func (e *Engine) Start(ctx context.Context, runName string, runCtx models.RunContext) (string, error) {
	if runName == "" {
		return "", errors.New("run name is required")
	}

	run := &Run{
		Name:      runName,
		Handle:    "imageflow:run:" + runName,
		State:     RunStateRunning,
		StartedAt: time.Now().UTC(),
		Context:   runCtx,
	}

	e.mu.Lock()
	e.pruneLocked(time.Now().UTC())
	if _, exists := e.runs[runName]; exists {
		e.mu.Unlock()
		return "", fmt.Errorf("start run %q: %w", runName, ErrDuplicateRun)
	}
	e.runs[runName] = run
	e.mu.Unlock()

	telemetry.RunsStarted.Inc()
	e.wg.Add(1)
	// The run outlives the triggering queue delivery; it is not tied to the
	// caller's context.
	go e.execute(context.WithoutCancel(ctx), run)

	return run.Handle, nil
}

func (e *Engine) execute(ctx context.Context, run *Run) {
	defer e.wg.Done()

	for _, stage := range e.stages {
		e.setStage(run, stage.Name())
		if err := e.runStage(ctx, stage, run); err != nil {
			telemetry.RunsFailed.Inc()
			e.finish(run, RunStateFailed, err)
			e.logger.Error().
				Err(err).
				Str("run", run.Name).
				Str("stage", stage.Name()).
				Str("image_id", run.Context.OriginalKey).
				Msg("run failed")
			return
		}
	}

	telemetry.RunsSucceeded.Inc()
	e.finish(run, RunStateSucceeded, nil)
	e.logger.Info().
		Str("run", run.Name).
		Str("image_id", run.Context.OriginalKey).
		Msg("run completed")
}

// runStage retries transient stage failures up to the configured cap.
// Rejections are never retried.
func (e *Engine) runStage(ctx context.Context, stage Stage, run *Run) error {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.StageMaxAttempts; attempt++ {
		err := stage.Execute(ctx, &run.Context)
		if err == nil {
			telemetry.StageOutcomes.WithLabelValues(stage.Name(), "ok").Inc()
			return nil
		}
		if pipeline.IsRejection(err) {
			telemetry.StageOutcomes.WithLabelValues(stage.Name(), "rejected").Inc()
			return err
		}

		telemetry.StageOutcomes.WithLabelValues(stage.Name(), "error").Inc()
		lastErr = err
		if attempt == e.cfg.StageMaxAttempts {
			break
		}

		wait := backoffWithJitter(e.cfg.BackoffInitial, e.cfg.BackoffMax, attempt)
		e.logger.Warn().
			Err(err).
			Str("run", run.Name).
			Str("stage", stage.Name()).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("stage failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("stage %s exhausted %d attempts: %w", stage.Name(), e.cfg.StageMaxAttempts, lastErr)
}

// pruneLocked evicts finished runs older than the retention window, keeping
// the registry bounded by recent throughput. Recently finished runs stay
// visible to GetRun and keep blocking their name. Callers hold e.mu.
func (e *Engine) pruneLocked(now time.Time) {
	for name, run := range e.runs {
		if run.FinishedAt != nil && now.Sub(*run.FinishedAt) > e.cfg.RunRetention {
			delete(e.runs, name)
		}
	}
}

// GetRun returns a snapshot of a run by name.
func (e *Engine) GetRun(name string) (Run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	run, ok := e.runs[name]
	if !ok {
		return Run{}, false
	}
	return *run, true
}

// Wait blocks until all in-flight runs finish. Used on shutdown.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) setStage(run *Run, stage string) {
	e.mu.Lock()
	run.Stage = stage
	e.mu.Unlock()
}

func (e *Engine) finish(run *Run, state RunState, err error) {
	now := time.Now().UTC()
	e.mu.Lock()
	run.State = state
	run.FinishedAt = &now
	if err != nil {
		run.Error = err.Error()
	}
	e.mu.Unlock()
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
