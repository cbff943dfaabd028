// Package analyzer runs an optional secondary tool against each decompressed
// capture, alongside the main extraction, on a bounded worker pool.
//
// Secondary results never decide a message's fate. Failures are logged and
// counted; a full pool skips the task.
package analyzer

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/c360/captureflow/errors"
	"github.com/c360/captureflow/extract"
	"github.com/c360/captureflow/metric"
	"github.com/c360/captureflow/pkg/worker"
	"github.com/c360/captureflow/submit"
)

// DefaultGrace is how long Join waits for a cancelled task to wind down
const DefaultGrace = 2 * time.Second

// Outcome of a secondary analysis
type Outcome string

// Outcomes reported by Join
const (
	OutcomeDisabled Outcome = "disabled"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeOK       Outcome = "ok"
	OutcomeFailed   Outcome = "failed"
	OutcomeTimeout  Outcome = "timeout"
)

// Config describes the secondary tool and its pool
type Config struct {
	Tool      extract.Config
	Workers   int
	QueueSize int
	Grace     time.Duration
	// KeepOutput leaves the tool's output file in place after the task.
	KeepOutput bool
}

// Result of one secondary analysis
type Result struct {
	Outcome  Outcome
	Output   string
	Response string
	Elapsed  time.Duration
	Err      error
}

type task struct {
	ctx         context.Context
	capturePath string
	output      string
	response    string
}

// Analyzer owns the worker pool. A zero Tool.Binary yields a no-op analyzer.
type Analyzer struct {
	cfg       Config
	invoker   *extract.Invoker
	pool      *worker.Pool[*task]
	submitter *submit.Submitter
	registry  *metric.MetricsRegistry
	metrics   *metric.Metrics
	logger    *slog.Logger
}

// Option configures an Analyzer
type Option func(*Analyzer)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(a *Analyzer) { a.logger = logger }
}

// WithSubmitter uploads each output file after a successful run
func WithSubmitter(s *submit.Submitter) Option {
	return func(a *Analyzer) { a.submitter = s }
}

// WithMetricsRegistry records outcomes and pool metrics
func WithMetricsRegistry(registry *metric.MetricsRegistry) Option {
	return func(a *Analyzer) {
		a.registry = registry
		if registry != nil {
			a.metrics = registry.CoreMetrics()
		}
	}
}

// New creates the analyzer and starts its pool. Tasks are cancelled when ctx ends.
func New(ctx context.Context, cfg Config, opts ...Option) (*Analyzer, error) {
	a := &Analyzer{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "analyzer")

	if !a.Enabled() {
		return a, nil
	}

	if a.cfg.Grace <= 0 {
		a.cfg.Grace = DefaultGrace
	}
	if a.cfg.Tool.OutputDir != "" {
		if err := os.MkdirAll(a.cfg.Tool.OutputDir, 0o755); err != nil {
			return nil, errors.WrapFatal(err, "Analyzer", "New", "create output directory")
		}
	}

	a.invoker = extract.New(cfg.Tool, extract.WithLogger(a.logger), extract.WithOp("analyzer.Run"))

	var poolOpts []worker.Option[*task]
	if a.registry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[*task](a.registry, "captureflow_secondary_pool"))
	}
	a.pool = worker.NewPool(cfg.Workers, cfg.QueueSize, a.process, poolOpts...)
	if err := a.pool.Start(ctx); err != nil {
		return nil, errors.WrapFatal(err, "Analyzer", "New", "start worker pool")
	}
	return a, nil
}

// Enabled reports whether a secondary tool is configured
func (a *Analyzer) Enabled() bool {
	return a != nil && a.cfg.Tool.Binary != ""
}

// Start queues an analysis of capturePath. It never blocks; a full pool
// returns a handle whose Join reports OutcomeSkipped.
func (a *Analyzer) Start(ctx context.Context, capturePath string) *Handle {
	if !a.Enabled() {
		return &Handle{result: &Result{Outcome: OutcomeDisabled}}
	}

	t := &task{ctx: ctx, capturePath: capturePath}
	future, err := a.pool.Submit(t)
	if err != nil {
		a.logger.Warn("Secondary analysis skipped", "capture", capturePath, "error", err)
		return a.finished(&Result{Outcome: OutcomeSkipped, Err: err})
	}
	return &Handle{analyzer: a, task: t, future: future, started: time.Now()}
}

// Close stops the pool, waiting up to timeout for running tasks
func (a *Analyzer) Close(timeout time.Duration) error {
	if !a.Enabled() || a.pool == nil {
		return nil
	}
	return a.pool.Stop(timeout)
}

func (a *Analyzer) finished(r *Result) *Handle {
	a.record(r)
	return &Handle{result: r}
}

func (a *Analyzer) record(r *Result) {
	if r.Outcome == OutcomeDisabled {
		return
	}
	a.metrics.RecordSecondary(string(r.Outcome))
}

func (a *Analyzer) process(ctx context.Context, t *task) error {
	if t.ctx != nil {
		var cancel context.CancelFunc
		ctx, cancel = mergeCancel(ctx, t.ctx)
		defer cancel()
	}

	t.output = a.invoker.OutputPath(t.capturePath)
	if !a.cfg.KeepOutput {
		defer func() {
			if err := os.Remove(t.output); err != nil && !stderrors.Is(err, os.ErrNotExist) {
				a.logger.Debug("Secondary output not removed", "path", t.output, "error", err)
			}
		}()
	}

	if err := a.invoker.Run(ctx, t.capturePath); err != nil {
		return err
	}
	if a.submitter == nil {
		return nil
	}

	data, err := os.ReadFile(t.output)
	if err != nil {
		return errors.NewPipeline(errors.KindArtifactIO, "analyzer.Run", fmt.Errorf("read output: %w", err))
	}
	resp, err := a.submitter.Submit(ctx, filepath.Base(t.output), data)
	if err != nil {
		return err
	}
	t.response = resp
	return nil
}

// mergeCancel returns a context derived from ctx that is also cancelled when other ends
func mergeCancel(ctx, other context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(other, func() { cancel(context.Cause(other)) })
	return merged, func() {
		stop()
		cancel(context.Canceled)
	}
}

// Handle tracks one queued analysis
type Handle struct {
	analyzer *Analyzer
	task     *task
	future   *worker.Future
	started  time.Time
	result   *Result
}

// Join waits up to timeout for the analysis. On timeout the task is
// cancelled and given a short grace period to exit. Join is idempotent.
func (h *Handle) Join(timeout time.Duration) Result {
	if h == nil {
		return Result{Outcome: OutcomeDisabled}
	}
	if h.result != nil {
		return *h.result
	}

	a := h.analyzer
	finished, err := h.future.Wait(timeout)
	r := &Result{}
	if !finished {
		h.future.Cancel()
		_, _ = h.future.Wait(a.cfg.Grace)
		r.Outcome = OutcomeTimeout
		r.Err = errors.WrapTransient(fmt.Errorf("not finished after %s", timeout),
			"Analyzer", "Join", "wait for secondary analysis")
	} else if err != nil {
		r.Outcome = OutcomeFailed
		r.Err = err
	} else {
		r.Outcome = OutcomeOK
		r.Output = h.task.output
		r.Response = h.task.response
	}
	r.Elapsed = time.Since(h.started)

	switch r.Outcome {
	case OutcomeOK:
		a.logger.Debug("Secondary analysis finished",
			"capture", h.task.capturePath, "elapsed", r.Elapsed, "response", r.Response)
	default:
		a.logger.Warn("Secondary analysis failed",
			"capture", h.task.capturePath, "outcome", r.Outcome, "elapsed", r.Elapsed, "error", r.Err)
	}

	a.record(r)
	h.result = r
	return *r
}
