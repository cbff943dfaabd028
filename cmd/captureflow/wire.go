package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/c360/captureflow/analyzer"
	"github.com/c360/captureflow/artifact"
	"github.com/c360/captureflow/config"
	"github.com/c360/captureflow/convert"
	"github.com/c360/captureflow/extract"
	"github.com/c360/captureflow/health"
	"github.com/c360/captureflow/ledger"
	pebbleledger "github.com/c360/captureflow/ledger/pebble"
	pgledger "github.com/c360/captureflow/ledger/postgres"
	"github.com/c360/captureflow/metric"
	"github.com/c360/captureflow/natsclient"
	"github.com/c360/captureflow/pipeline"
	"github.com/c360/captureflow/pkg/retry"
	"github.com/c360/captureflow/queue"
	amqpbroker "github.com/c360/captureflow/queue/amqp"
	jsbroker "github.com/c360/captureflow/queue/jetstream"
	"github.com/c360/captureflow/stage"
	"github.com/c360/captureflow/storage"
	miniostore "github.com/c360/captureflow/storage/minio"
	"github.com/c360/captureflow/storage/objectstore"
	"github.com/c360/captureflow/submit"
)

// secondaryDir is where the secondary tool writes, under stage.base_dir
const secondaryDir = "secondary"

// app carries the global flags shared by every command
type app struct {
	configPath string
	logLevel   string
	logFormat  string
}

// load builds the configuration from defaults, the config file and the
// environment, then applies flag overrides and installs the logger.
func (a *app) load(logOut io.Writer, validate bool) (*config.Config, *slog.Logger, error) {
	loader := config.NewLoader()
	if a.configPath != "" {
		loader.AddLayer(a.configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Log.Format = a.logFormat
	}

	if validate {
		if err := cfg.Validate(); err != nil {
			return nil, nil, fmt.Errorf("invalid configuration: %w", err)
		}
	}

	logger := setupLogger(logOut, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	for _, w := range cfg.Warnings() {
		logger.Warn("Configuration warning", "detail", w)
	}
	return cfg, logger, nil
}

// services owns everything built from the configuration and closes it in
// reverse order
type services struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	monitor  *health.Monitor

	nats     *natsclient.Client
	stage    *stage.Stage
	ledger   ledger.Ledger
	analyzer *analyzer.Analyzer

	closers []func(context.Context) error
}

func newServices(cfg *config.Config, logger *slog.Logger) *services {
	return &services{
		cfg:      cfg,
		logger:   logger,
		registry: metric.NewMetricsRegistry(),
		monitor:  health.NewMonitor(),
		ledger:   ledger.Nop{},
	}
}

func (s *services) onClose(fn func(context.Context) error) {
	s.closers = append(s.closers, fn)
}

// Close releases everything in reverse construction order
func (s *services) Close(ctx context.Context) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			s.logger.Warn("Shutdown step failed", "error", err)
		}
	}
	s.closers = nil
}

// natsClient returns the shared NATS client, connecting it on first use
func (s *services) natsClient(ctx context.Context, url string) (*natsclient.Client, error) {
	if s.nats != nil {
		return s.nats, nil
	}

	client, err := natsclient.NewClient(url,
		natsclient.WithName(appName),
		natsclient.WithLogger(s.logger),
		natsclient.WithMetrics(s.registry),
		natsclient.WithHealthChangeCallback(func(healthy bool) {
			if healthy {
				s.monitor.UpdateHealthy("nats", "connected")
			} else {
				s.monitor.UpdateDegraded("nats", "disconnected")
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	s.logger.Info("Connecting to NATS")
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	s.onClose(client.Close)
	s.nats = client
	return client, nil
}

func (s *services) openArchive(ctx context.Context) (storage.Store, error) {
	a := s.cfg.Stage.Archive
	switch a.Driver {
	case config.ArchiveMinio:
		store, err := miniostore.NewStore(ctx, miniostore.Config{
			Endpoint:  a.Endpoint,
			Bucket:    a.Bucket,
			AccessKey: a.AccessKey,
			SecretKey: a.SecretKey,
			UseSSL:    a.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("open minio archive: %w", err)
		}
		return store, nil

	case config.ArchiveObjectStore:
		url := a.Endpoint
		if url == "" && s.cfg.Queue.Driver == config.DriverJetStream {
			url = s.cfg.Queue.URL
		}
		client, err := s.natsClient(ctx, url)
		if err != nil {
			return nil, err
		}
		oc := objectstore.DefaultConfig()
		oc.BucketName = a.Bucket
		store, err := objectstore.NewStoreWithMetrics(ctx, client, oc, s.registry)
		if err != nil {
			return nil, fmt.Errorf("open object store archive: %w", err)
		}
		s.onClose(func(context.Context) error { return store.Close() })
		return store, nil

	default:
		return nil, fmt.Errorf("unknown archive driver %q", a.Driver)
	}
}

func (s *services) openStage(ctx context.Context) (*stage.Stage, error) {
	opts := []stage.Option{
		stage.WithRetention(s.cfg.Stage.Retention),
		stage.WithKeepRaw(s.cfg.Stage.KeepRaw),
		stage.WithLogger(s.logger),
		stage.WithMetrics(s.registry.CoreMetrics()),
	}
	if s.cfg.Stage.Retention == config.RetentionArchive {
		store, err := s.openArchive(ctx)
		if err != nil {
			return nil, err
		}
		opts = append(opts, stage.WithArchive(store, s.cfg.Stage.Archive.Prefix))
	}

	st, err := stage.New(s.cfg.Stage.BaseDir, opts...)
	if err != nil {
		return nil, fmt.Errorf("open stage: %w", err)
	}
	s.stage = st
	return st, nil
}

func (s *services) openLedger(ctx context.Context) (ledger.Ledger, error) {
	var (
		l   ledger.Ledger
		err error
	)
	switch s.cfg.Ledger.Driver {
	case config.LedgerPostgres:
		l, err = pgledger.Open(ctx, pgledger.DefaultConfig(s.cfg.Ledger.URL))
	case config.LedgerPebble:
		l, err = pebbleledger.Open(pebbleledger.Options{Dir: s.cfg.Ledger.Path})
	default:
		l = ledger.Nop{}
	}
	if err != nil {
		return nil, fmt.Errorf("open %s ledger: %w", s.cfg.Ledger.Driver, err)
	}
	s.onClose(func(context.Context) error { return l.Close() })
	s.ledger = l
	return l, nil
}

func (s *services) openAnalyzer(ctx context.Context) (*analyzer.Analyzer, error) {
	sc := s.cfg.Secondary
	opts := []analyzer.Option{
		analyzer.WithLogger(s.logger),
		analyzer.WithMetricsRegistry(s.registry),
	}
	if sc.Binary != "" && sc.EndpointURL != "" {
		sub, err := submit.New(submit.Config{
			EndpointURL: sc.EndpointURL,
			FieldName:   s.cfg.Submit.FieldName,
			Timeout:     s.cfg.Submit.Timeout.D(),
		}, submit.WithLogger(s.logger))
		if err != nil {
			return nil, fmt.Errorf("create secondary submitter: %w", err)
		}
		opts = append(opts, analyzer.WithSubmitter(sub))
	}

	a, err := analyzer.New(ctx, analyzer.Config{
		Tool: extract.Config{
			Binary:       sc.Binary,
			Args:         sc.Args,
			OutputDir:    filepath.Join(s.cfg.Stage.BaseDir, secondaryDir),
			OutputSuffix: sc.OutputSuffix,
			Timeout:      sc.Timeout.D(),
		},
		Workers:   sc.Workers,
		QueueSize: sc.QueueSize,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("start secondary analyzer: %w", err)
	}
	s.onClose(func(ctx context.Context) error { return a.Close(remaining(ctx, 30*time.Second)) })
	s.analyzer = a
	return a, nil
}

// pipeline builds the orchestrator and everything it depends on
func (s *services) pipeline(ctx context.Context) (*pipeline.Orchestrator, error) {
	cfg := s.cfg

	st, err := s.openStage(ctx)
	if err != nil {
		return nil, err
	}
	led, err := s.openLedger(ctx)
	if err != nil {
		return nil, err
	}
	an, err := s.openAnalyzer(ctx)
	if err != nil {
		return nil, err
	}

	waiter, err := artifact.NewWaiter(artifact.Config{
		InitialDelay: cfg.Waiter.InitialDelay.D(),
		MaxDelay:     cfg.Waiter.MaxDelay.D(),
		Multiplier:   cfg.Waiter.Multiplier,
		Deadline:     cfg.Waiter.Deadline.D(),
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("create artifact waiter: %w", err)
	}

	sub, err := submit.New(submit.Config{
		EndpointURL: cfg.Submit.EndpointURL,
		FieldName:   cfg.Submit.FieldName,
		Timeout:     cfg.Submit.Timeout.D(),
	}, submit.WithLogger(s.logger))
	if err != nil {
		return nil, fmt.Errorf("create submitter: %w", err)
	}

	deps := pipeline.Deps{
		Stage: st,
		Extractor: extract.New(extract.Config{
			Binary:       cfg.Extraction.Binary,
			Args:         cfg.Extraction.Args,
			OutputDir:    st.Dir(stage.ExtractedTable),
			OutputSuffix: cfg.Extraction.OutputSuffix,
			Timeout:      cfg.Extraction.Timeout.D(),
		}, extract.WithLogger(s.logger)),
		Waiter:    waiter,
		Converter: convert.New(cfg.Converter.RequiredColumns...),
		Submitter: sub,
		Analyzer:  an,
		Ledger:    led,
	}

	orch, err := pipeline.New(deps, pipelineConfig(cfg),
		pipeline.WithLogger(s.logger),
		pipeline.WithMetrics(s.registry.CoreMetrics()))
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}
	return orch, nil
}

func pipelineConfig(cfg *config.Config) pipeline.Config {
	initial := cfg.Submit.RetryInitialDelay.D()
	return pipeline.Config{
		SubmitRetry: retry.Config{
			MaxAttempts:  cfg.Submit.Attempts,
			InitialDelay: initial,
			MaxDelay:     10 * initial,
			Multiplier:   2,
			AddJitter:    true,
		},
		MaxDeliveries:            cfg.Queue.MaxDeliveries,
		HaltAfterStagingFailures: cfg.Pipeline.HaltAfterStagingFailures,
		SecondaryJoinTimeout:     cfg.Secondary.JoinTimeout.D(),
	}
}

// broker builds the configured queue driver, unconnected
func (s *services) broker(ctx context.Context) (queue.Broker, error) {
	q := s.cfg.Queue
	switch q.Driver {
	case config.DriverAMQP:
		b, err := amqpbroker.New(amqpbroker.Config{
			URL:         q.URL,
			Queue:       q.Name,
			ConsumerTag: appName,
			QueueType:   q.QueueType,
		}, s.logger)
		if err != nil {
			return nil, err
		}
		s.onClose(func(context.Context) error { return b.Close() })
		return b, nil

	case config.DriverJetStream:
		client, err := s.natsClient(ctx, q.URL)
		if err != nil {
			return nil, err
		}
		b, err := jsbroker.New(client, jsbroker.Config{
			Stream:  q.Stream,
			Subject: q.Subject,
			Durable: q.Durable,
		}, s.logger)
		if err != nil {
			return nil, err
		}
		s.onClose(func(context.Context) error { return b.Close() })
		return b, nil

	default:
		return nil, fmt.Errorf("unknown queue driver %q", q.Driver)
	}
}

func consumerConfig(cfg *config.Config) queue.ConsumerConfig {
	cc := queue.DefaultConsumerConfig()
	cc.HeartbeatInterval = cfg.Queue.HeartbeatInterval.D()
	cc.Reconnect.MaxAttempts = cfg.Queue.ReconnectAttempts
	if cc.Reconnect.MaxAttempts <= 0 {
		cc.Reconnect.MaxAttempts = retry.Unlimited
	}
	return cc
}

// remaining returns the time left on ctx, or fallback without a deadline
func remaining(ctx context.Context, fallback time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 {
			return d
		}
		return 0
	}
	return fallback
}
