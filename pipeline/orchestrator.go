// Package pipeline drives each inbound message through decode, staging,
// extraction, artifact wait, conversion and submission, and decides what the
// consumer does with the delivery afterwards.
//
// Every run ends in exactly one of DONE or FAILED. DONE acks; FAILED nacks
// with requeue for transient errors, without requeue for invalid ones, and
// halts consumption for fatal ones. Only the orchestrator makes that call.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/captureflow/analyzer"
	"github.com/c360/captureflow/artifact"
	"github.com/c360/captureflow/codec"
	"github.com/c360/captureflow/convert"
	"github.com/c360/captureflow/errors"
	"github.com/c360/captureflow/extract"
	"github.com/c360/captureflow/ledger"
	"github.com/c360/captureflow/metric"
	"github.com/c360/captureflow/pkg/retry"
	"github.com/c360/captureflow/queue"
	"github.com/c360/captureflow/stage"
	"github.com/c360/captureflow/submit"
)

// cleanupTimeout bounds artifact release and ledger writes after a run
const cleanupTimeout = 30 * time.Second

// Config is orchestrator policy
type Config struct {
	// SubmitRetry bounds in-process submission attempts. Only transient
	// failures are retried.
	SubmitRetry retry.Config
	// MaxDeliveries drops a transient failure instead of requeueing once the
	// delivery count reaches it. Zero means unlimited.
	MaxDeliveries int
	// HaltAfterStagingFailures halts after this many consecutive runs fail
	// to stage.
	HaltAfterStagingFailures int
	// SecondaryJoinTimeout bounds the wait for the secondary analysis.
	SecondaryJoinTimeout time.Duration
}

// DefaultConfig returns three submission attempts and a three-strike
// staging halt
func DefaultConfig() Config {
	return Config{
		SubmitRetry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2,
			AddJitter:    true,
		},
		MaxDeliveries:            5,
		HaltAfterStagingFailures: 3,
		SecondaryJoinTimeout:     10 * time.Second,
	}
}

// Deps are the stage implementations. Analyzer and Ledger are optional.
type Deps struct {
	Stage     *stage.Stage
	Extractor *extract.Invoker
	Waiter    *artifact.Waiter
	Converter *convert.Converter
	Submitter *submit.Submitter
	Analyzer  *analyzer.Analyzer
	Ledger    ledger.Ledger
}

// Orchestrator runs the per-message state machine. It implements queue.Handler.
type Orchestrator struct {
	deps    Deps
	cfg     Config
	logger  *slog.Logger
	metrics *metric.Metrics

	mu              sync.Mutex
	stagingFailures int
}

var _ queue.Handler = (*Orchestrator)(nil)

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithMetrics records run metrics
func WithMetrics(m *metric.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New creates an Orchestrator
func New(deps Deps, cfg Config, opts ...Option) (*Orchestrator, error) {
	if deps.Stage == nil || deps.Extractor == nil || deps.Waiter == nil ||
		deps.Converter == nil || deps.Submitter == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Orchestrator", "New",
			"stage, extractor, waiter, converter and submitter are required")
	}
	if deps.Ledger == nil {
		deps.Ledger = ledger.Nop{}
	}
	if cfg.HaltAfterStagingFailures < 1 {
		cfg.HaltAfterStagingFailures = 1
	}
	if cfg.SubmitRetry.MaxAttempts == 0 {
		cfg.SubmitRetry.MaxAttempts = 1
	}
	if cfg.SecondaryJoinTimeout <= 0 {
		cfg.SecondaryJoinTimeout = DefaultConfig().SecondaryJoinTimeout
	}

	o := &Orchestrator{deps: deps, cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "pipeline")
	return o, nil
}

// Handle implements queue.Handler
func (o *Orchestrator) Handle(ctx context.Context, msg queue.InboundMessage, deliveries int) queue.Disposition {
	return o.Process(ctx, msg, deliveries).Disposition
}

// Reject implements queue.Handler for deliveries that never became a message
func (o *Orchestrator) Reject(ctx context.Context, id string, deliveries int, err error) queue.Disposition {
	run := newRun(uuid.NewString(), queue.InboundMessage{ID: id, ReceivedAt: time.Now().UTC()}, deliveries)
	run.fail(asPipeline(ctx, err, StateReceived))
	o.retire(ctx, run)
	return run.Disposition
}

// Process runs msg to a terminal state and returns the retired run
func (o *Orchestrator) Process(ctx context.Context, msg queue.InboundMessage, deliveries int) (run *Run) {
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}
	run = newRun(uuid.NewString(), msg, deliveries)

	defer func() {
		if p := recover(); p != nil {
			o.logger.Error("Pipeline panic", "msg_id", msg.ID, "state", run.State,
				"panic", p, "stack", string(debug.Stack()))
			run.fail(errors.NewPipelineClass(run.State.kind(), errors.ErrorFatal, "pipeline.Process",
				fmt.Errorf("panic in %s: %v", run.State, p)))
		}
		o.retire(ctx, run)
	}()

	if err := o.execute(ctx, run); err != nil {
		run.fail(asPipeline(ctx, err, run.State))
	}
	return run
}

func (o *Orchestrator) execute(ctx context.Context, run *Run) error {
	msg := run.Message
	owner, ts := msg.ID, msg.ReceivedAt

	// RECEIVED
	start := time.Now()
	raw, err := codec.Decode(msg.Payload, msg.Compression)
	if err != nil {
		return err
	}
	if msg.Compression != codec.Raw {
		h, err := o.deps.Stage.Create(owner, ts, stage.RawCapture, msg.Payload)
		if err != nil {
			return o.stagingFailed(err)
		}
		run.own(h)
	}
	capture, err := o.deps.Stage.Create(owner, ts, stage.DecompressedCapture, raw)
	if err != nil {
		return o.stagingFailed(err)
	}
	run.own(capture)
	o.stagingSucceeded()
	o.metrics.RecordStage("stage", time.Since(start))
	if err := run.advance(StateStaged); err != nil {
		return err
	}

	// STAGED
	run.secondary = o.deps.Analyzer.Start(ctx, capture.Path)
	if err := run.advance(StateExtracting); err != nil {
		return err
	}

	// EXTRACTING
	start = time.Now()
	tablePath := o.deps.Extractor.OutputPath(capture.Path)
	err = o.deps.Extractor.Run(ctx, capture.Path)
	// Partial output is cleaned up with the run either way.
	run.own(o.deps.Stage.Adopt(tablePath, owner, ts, stage.ExtractedTable))
	if err != nil {
		return err
	}
	o.metrics.RecordStage("extract", time.Since(start))
	if err := run.advance(StateAwaitingArtifact); err != nil {
		return err
	}

	// AWAITING_ARTIFACT
	start = time.Now()
	if _, err := o.deps.Waiter.Wait(ctx, tablePath); err != nil {
		return err
	}
	o.metrics.RecordStage("wait", time.Since(start))
	if err := run.advance(StateConverted); err != nil {
		return err
	}

	// CONVERTED
	start = time.Now()
	table, err := o.deps.Converter.ConvertFile(tablePath)
	if err != nil {
		return err
	}
	columnar, err := o.deps.Stage.Create(owner, ts, stage.ColumnarTable, table.Data)
	if err != nil {
		return o.stagingFailed(err)
	}
	run.own(columnar)
	o.metrics.RecordStage("convert", time.Since(start))
	o.logger.Debug("Table converted", "msg_id", owner, "rows", table.Rows, "columns", len(table.Columns))
	if err := run.advance(StateSubmitted); err != nil {
		return err
	}

	// SUBMITTED
	start = time.Now()
	resp, err := o.submit(ctx, run, filepath.Base(columnar.Path), table.Data)
	if err != nil {
		return err
	}
	run.Response = resp
	o.metrics.RecordStage("submit", time.Since(start))
	return run.advance(StateDone)
}

func (o *Orchestrator) submit(ctx context.Context, run *Run, filename string, data []byte) (string, error) {
	cfg := o.cfg.SubmitRetry
	cfg.Retryable = errors.IsTransient
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		o.logger.Warn("Submission failed, retrying",
			"msg_id", run.Message.ID, "attempt", attempt, "retry_in", delay, "error", err)
	}

	return retry.DoWithResult(ctx, cfg, func() (string, error) {
		resp, err := o.deps.Submitter.Submit(ctx, filename, data)
		switch {
		case err == nil:
			o.metrics.RecordSubmitAttempt("success")
		case errors.IsTransient(err):
			o.metrics.RecordSubmitAttempt("retryable")
		default:
			o.metrics.RecordSubmitAttempt("rejected")
		}
		return resp, err
	})
}

func (o *Orchestrator) stagingFailed(err error) error {
	o.mu.Lock()
	o.stagingFailures++
	n := o.stagingFailures
	o.mu.Unlock()

	pe := errors.AsPipeline(err)
	if pe == nil {
		pe = errors.NewPipeline(errors.KindStaging, "pipeline.Stage", err)
	}
	if n >= o.cfg.HaltAfterStagingFailures {
		return errors.NewPipelineClass(pe.Kind, errors.ErrorFatal, pe.Op,
			fmt.Errorf("%d consecutive staging failures: %w", n, pe.Err))
	}
	return pe
}

func (o *Orchestrator) stagingSucceeded() {
	o.mu.Lock()
	o.stagingFailures = 0
	o.mu.Unlock()
}

// retire joins the secondary analysis, releases artifacts, decides the
// disposition and records the run. It runs on every path out of Process.
func (o *Orchestrator) retire(ctx context.Context, run *Run) {
	if !run.State.Terminal() {
		run.fail(errors.NewPipelineClass(run.State.kind(), errors.ErrorFatal, "pipeline.retire",
			fmt.Errorf("run left in %s", run.State)))
	}

	if run.secondary != nil {
		run.Secondary = run.secondary.Join(o.cfg.SecondaryJoinTimeout)
	}

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if err := stage.ReleaseAll(cleanupCtx, run.handles...); err != nil {
		o.logger.Warn("Artifact release failed", "msg_id", run.Message.ID, "error", err)
	}

	run.Disposition = o.decide(run)
	run.FinishedAt = time.Now()

	o.metrics.RecordRun(string(run.State), run.ErrorKind(), run.Duration())
	o.metrics.RecordDisposition(string(run.Disposition))

	if err := o.deps.Ledger.Record(cleanupCtx, o.record(run)); err != nil {
		o.logger.Warn("Run not recorded", "msg_id", run.Message.ID, "run_id", run.ID, "error", err)
	}

	attrs := []any{
		"msg_id", run.Message.ID,
		"run_id", run.ID,
		"state", run.State,
		"error_kind", run.ErrorKind(),
		"disposition", run.Disposition,
		"deliveries", run.Deliveries,
		"duration", run.Duration(),
		"secondary", run.Secondary.Outcome,
	}
	switch {
	case run.State == StateDone:
		o.logger.Info("Run finished", append(attrs, "response", run.Response)...)
	case run.Disposition == queue.Halt:
		o.logger.Error("Run finished", append(attrs, "error", run.Err)...)
	default:
		o.logger.Warn("Run finished", append(attrs, "error", run.Err)...)
	}
}

func (o *Orchestrator) decide(run *Run) queue.Disposition {
	if run.State == StateDone {
		return queue.Ack
	}
	switch run.Err.Class {
	case errors.ErrorFatal:
		return queue.Halt
	case errors.ErrorTransient:
		if o.cfg.MaxDeliveries > 0 && run.Deliveries >= o.cfg.MaxDeliveries {
			o.logger.Warn("Delivery budget exhausted, dropping",
				"msg_id", run.Message.ID, "deliveries", run.Deliveries, "max_deliveries", o.cfg.MaxDeliveries)
			return queue.NackDrop
		}
		return queue.NackRequeue
	default:
		return queue.NackDrop
	}
}

func (o *Orchestrator) record(run *Run) ledger.Record {
	history := make([]string, len(run.History))
	for i, s := range run.History {
		history[i] = string(s)
	}
	r := ledger.Record{
		RunID:       run.ID,
		MessageID:   run.Message.ID,
		State:       string(run.State),
		Kind:        run.ErrorKind(),
		Disposition: string(run.Disposition),
		Deliveries:  run.Deliveries,
		Response:    run.Response,
		Secondary:   string(run.Secondary.Outcome),
		History:     history,
		StartedAt:   run.StartedAt.UTC(),
		FinishedAt:  run.FinishedAt.UTC(),
		Duration:    run.Duration(),
	}
	if run.Err != nil {
		r.Error = run.Err.Error()
	}
	return r
}

// asPipeline returns the PipelineError in err's chain, or wraps err with the
// kind of the state it happened in. Cancellation is transient.
func asPipeline(ctx context.Context, err error, s State) *errors.PipelineError {
	if pe := errors.AsPipeline(err); pe != nil {
		return pe
	}
	class := s.kind().DefaultClass()
	if ctx.Err() != nil {
		class = errors.ErrorTransient
	}
	return errors.NewPipelineClass(s.kind(), class, "pipeline.Process", err)
}
