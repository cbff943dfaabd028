// Package worker provides a bounded worker pool whose tasks can be awaited and cancelled
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/captureflow/metric"
)

// Pool runs work items of type T on a fixed set of workers fed by a bounded queue.
type Pool[T any] struct {
	workers   int
	queueSize int
	processor func(context.Context, T) error

	queue   chan *job[T]
	metrics *Metrics
	wg      sync.WaitGroup

	lifecycleMu sync.Mutex
	runCtx      context.Context
	started     bool
	stopped     bool

	busy      int64
	submitted int64
	processed int64
	failed    int64
	dropped   int64
	cancelled int64

	metricsRegistry *metric.MetricsRegistry
	metricsPrefix   string
}

type job[T any] struct {
	ctx    context.Context
	work   T
	future *Future
}

// Metrics holds Prometheus metrics for worker pool monitoring
type Metrics struct {
	queueDepth     prometheus.Gauge
	busyWorkers    prometheus.Gauge
	submitted      prometheus.Counter
	dropped        prometheus.Counter
	cancelled      prometheus.Counter
	processingTime *prometheus.HistogramVec
}

// Option represents a configuration option for the worker pool
type Option[T any] func(*Pool[T])

// WithMetricsRegistry registers pool metrics under prefix with registry
func WithMetricsRegistry[T any](registry *metric.MetricsRegistry, prefix string) Option[T] {
	return func(p *Pool[T]) {
		p.metricsRegistry = registry
		p.metricsPrefix = prefix
	}
}

// NewPool creates a pool with the given worker count and queue capacity
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = workers
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}

	pool := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		queue:     make(chan *job[T], queueSize),
	}

	for _, opt := range opts {
		opt(pool)
	}

	if pool.metricsRegistry != nil && pool.metricsPrefix != "" {
		pool.initializeMetrics()
	}

	return pool
}

func (p *Pool[T]) initializeMetrics() {
	prefix := p.metricsPrefix
	m := &Metrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_queue_depth",
			Help: "Tasks waiting for a worker",
		}),
		busyWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_busy_workers",
			Help: "Workers currently running a task",
		}),
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_submitted_total",
			Help: "Tasks accepted by the pool",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_dropped_total",
			Help: "Tasks rejected because the queue was full",
		}),
		cancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_cancelled_total",
			Help: "Tasks cancelled before a worker picked them up",
		}),
		processingTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prefix + "_duration_seconds",
			Help:    "Time spent running tasks",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"status"}),
	}

	const serviceName = "worker_pool"
	_ = p.metricsRegistry.RegisterGauge(serviceName, prefix+"_queue_depth", m.queueDepth)
	_ = p.metricsRegistry.RegisterGauge(serviceName, prefix+"_busy_workers", m.busyWorkers)
	_ = p.metricsRegistry.RegisterCounter(serviceName, prefix+"_submitted_total", m.submitted)
	_ = p.metricsRegistry.RegisterCounter(serviceName, prefix+"_dropped_total", m.dropped)
	_ = p.metricsRegistry.RegisterCounter(serviceName, prefix+"_cancelled_total", m.cancelled)
	_ = p.metricsRegistry.RegisterHistogramVec(serviceName, prefix+"_duration_seconds", m.processingTime)

	p.metrics = m
}

// Start launches the workers. Tasks inherit ctx; cancelling it aborts all of them.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}

	p.runCtx = ctx
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}

	p.started = true
	return nil
}

// Submit enqueues work without blocking and returns a Future for it.
// A full queue yields ErrQueueFull.
func (p *Pool[T]) Submit(work T) (*Future, error) {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started {
		return nil, ErrPoolNotStarted
	}
	if p.stopped {
		return nil, ErrPoolStopped
	}

	ctx, cancel := context.WithCancel(p.runCtx)
	j := &job[T]{ctx: ctx, work: work, future: newFuture(cancel)}

	select {
	case p.queue <- j:
		atomic.AddInt64(&p.submitted, 1)
		if p.metrics != nil {
			p.metrics.submitted.Inc()
			p.metrics.queueDepth.Set(float64(len(p.queue)))
		}
		return j.future, nil
	default:
		cancel()
		atomic.AddInt64(&p.dropped, 1)
		if p.metrics != nil {
			p.metrics.dropped.Inc()
		}
		return nil, ErrQueueFull
	}
}

// Stop refuses new work, lets queued tasks finish and waits up to timeout for
// the workers to exit. Tasks still queued when the run context ends are
// completed with ErrPoolStopped.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	if !p.started || p.stopped {
		p.lifecycleMu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.queue)
	p.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		for j := range p.queue {
			j.future.complete(ErrPoolStopped)
		}
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.queue),
		Busy:       int(atomic.LoadInt64(&p.busy)),
		Submitted:  atomic.LoadInt64(&p.submitted),
		Processed:  atomic.LoadInt64(&p.processed),
		Failed:     atomic.LoadInt64(&p.failed),
		Dropped:    atomic.LoadInt64(&p.dropped),
		Cancelled:  atomic.LoadInt64(&p.cancelled),
	}
}

// PoolStats represents worker pool statistics
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Busy       int   `json:"busy"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
	Cancelled  int64 `json:"cancelled"`
}

func (p *Pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-p.queue:
			if !ok {
				return
			}
			p.run(j)
		}
	}
}

func (p *Pool[T]) run(j *job[T]) {
	if err := j.ctx.Err(); err != nil {
		atomic.AddInt64(&p.cancelled, 1)
		if p.metrics != nil {
			p.metrics.cancelled.Inc()
		}
		j.future.complete(err)
		return
	}

	atomic.AddInt64(&p.busy, 1)
	if p.metrics != nil {
		p.metrics.busyWorkers.Inc()
		p.metrics.queueDepth.Set(float64(len(p.queue)))
	}

	start := time.Now()
	err := p.call(j)
	duration := time.Since(start)

	atomic.AddInt64(&p.busy, -1)
	atomic.AddInt64(&p.processed, 1)
	if err != nil {
		atomic.AddInt64(&p.failed, 1)
	}
	if p.metrics != nil {
		p.metrics.busyWorkers.Dec()
		status := "success"
		if err != nil {
			status = "error"
		}
		p.metrics.processingTime.WithLabelValues(status).Observe(duration.Seconds())
	}

	j.future.complete(err)
}

// call shields the worker from a panicking processor.
func (p *Pool[T]) call(j *job[T]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return p.processor(j.ctx, j.work)
}
