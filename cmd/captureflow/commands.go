package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/c360/captureflow/codec"
	"github.com/c360/captureflow/config"
	"github.com/c360/captureflow/metric"
	"github.com/c360/captureflow/pipeline"
	"github.com/c360/captureflow/queue"
)

// shutdownTimeout bounds the drain after a signal
const shutdownTimeout = 30 * time.Second

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           appName,
		Short:         "Capture extraction and inference pipeline",
		Long:          "captureflow consumes network captures from a queue, extracts a feature table with an external tool and submits it for inference.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", os.Getenv("CAPTUREFLOW_CONFIG"),
		"configuration file (JSON or YAML)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&a.logFormat, "log-format", "", "log format (json, text)")

	root.AddCommand(
		newRunCmd(a),
		newProcessCmd(a),
		newPublishCmd(a),
		newRunsCmd(a),
		newConfigCmd(a),
		newVersionCmd(),
	)
	return root
}

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Consume the queue until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := a.load(cmd.OutOrStdout(), true)
			if err != nil {
				return err
			}
			logger.Info("Starting captureflow",
				"version", Version,
				"build_time", BuildTime,
				"config_path", a.configPath,
				"queue_driver", cfg.Queue.Driver)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc := newServices(cfg, logger)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				svc.Close(shutdownCtx)
			}()

			if cfg.Metrics.Port > 0 {
				server := metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, svc.registry, svc.monitor)
				go func() {
					if err := server.Start(); err != nil {
						logger.Error("Metrics server failed", "error", err)
					}
				}()
				svc.onClose(server.Stop)
				logger.Info("Metrics server started", "address", server.Address())
			}

			orch, err := svc.pipeline(ctx)
			if err != nil {
				return err
			}
			broker, err := svc.broker(ctx)
			if err != nil {
				return err
			}
			source, err := queue.NewPayloadSource(cfg.Queue.PayloadSource, cfg.Queue.Compression)
			if err != nil {
				return err
			}

			consumer := queue.NewConsumer(broker, source, orch, consumerConfig(cfg),
				queue.WithLogger(logger),
				queue.WithMetrics(svc.registry.CoreMetrics()),
				queue.WithHealthMonitor(svc.monitor))

			err = consumer.Run(ctx)
			if err != nil {
				return fmt.Errorf("consumer stopped: %w", err)
			}
			logger.Info("captureflow shutdown complete")
			return nil
		},
	}
}

func newProcessCmd(a *app) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "process <capture-file>",
		Short: "Run the pipeline once on a local capture, without a broker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := a.load(cmd.ErrOrStderr(), true)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read capture: %w", err)
			}
			if id == "" {
				id = uuid.NewString()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc := newServices(cfg, logger)
			defer svc.Close(context.WithoutCancel(ctx))

			orch, err := svc.pipeline(ctx)
			if err != nil {
				return err
			}

			run := orch.Process(ctx, queue.InboundMessage{
				ID:          id,
				Payload:     data,
				Compression: codec.Raw,
				ReceivedAt:  time.Now().UTC(),
			}, 1)

			printRun(cmd, run)
			if run.State != pipeline.StateDone {
				return run.Err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "message id (default: random UUID)")
	return cmd
}

func printRun(cmd *cobra.Command, run *pipeline.Run) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run:         %s\n", run.ID)
	fmt.Fprintf(out, "message:     %s\n", run.Message.ID)
	fmt.Fprintf(out, "state:       %s\n", run.State)
	fmt.Fprintf(out, "disposition: %s\n", run.Disposition)
	fmt.Fprintf(out, "duration:    %s\n", run.Duration().Round(time.Millisecond))
	fmt.Fprintf(out, "secondary:   %s\n", run.Secondary.Outcome)
	if run.Err != nil {
		fmt.Fprintf(out, "error:       %v\n", run.Err)
	}
	if run.Response != "" {
		fmt.Fprintf(out, "response:    %s\n", run.Response)
	}
}

func newPublishCmd(a *app) *cobra.Command {
	var (
		id          string
		compression string
	)
	cmd := &cobra.Command{
		Use:   "publish <capture-file>",
		Short: "Publish a capture file to the inbound queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := a.load(cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read capture: %w", err)
			}
			if id == "" {
				id = uuid.NewString()
			}
			if compression == "" {
				compression = cfg.Queue.Compression
			}

			body := data
			if cfg.Queue.PayloadSource == config.PayloadEnvelope {
				body, err = queue.EncodeEnvelope(id, data, compression)
				if err != nil {
					return err
				}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			svc := newServices(cfg, logger)
			defer svc.Close(context.WithoutCancel(ctx))

			broker, err := svc.broker(ctx)
			if err != nil {
				return err
			}
			if err := broker.Connect(ctx); err != nil {
				return fmt.Errorf("connect %s: %w", broker.Name(), err)
			}
			if err := broker.Publish(ctx, id, body); err != nil {
				return fmt.Errorf("publish: %w", err)
			}

			logger.Info("Capture published",
				"msg_id", id, "file", filepath.Base(args[0]), "bytes", len(data), "driver", broker.Name())
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "message id (default: random UUID)")
	cmd.Flags().StringVar(&compression, "compression", "", "envelope compression, gzip or none (default: queue.compression)")
	return cmd
}

func newRunsCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List the most recent runs from the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := a.load(cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			if cfg.Ledger.Driver == "" || cfg.Ledger.Driver == config.LedgerNone {
				return fmt.Errorf("no ledger configured (ledger.driver is %q)", cfg.Ledger.Driver)
			}

			ctx := cmd.Context()
			svc := newServices(cfg, logger)
			defer svc.Close(context.WithoutCancel(ctx))

			led, err := svc.openLedger(ctx)
			if err != nil {
				return err
			}
			records, err := led.Recent(ctx, limit)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "FINISHED\tMESSAGE\tSTATE\tKIND\tDISPOSITION\tDELIVERIES\tDURATION")
			for _, r := range records {
				kind := r.Kind
				if kind == "" {
					kind = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
					r.FinishedAt.Format(time.RFC3339), r.MessageID, r.State, kind, r.Disposition,
					r.Deliveries, r.Duration.Round(time.Millisecond))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	return cmd
}

func newConfigCmd(a *app) *cobra.Command {
	var validate bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with credentials masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := a.load(cmd.ErrOrStderr(), validate)
			if err != nil {
				return err
			}
			out, err := cfg.Redacted().YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().BoolVar(&validate, "validate", false, "fail if the configuration is invalid")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (%s)\n", appName, Version, BuildTime)
		},
	}
}

func exitCode(err error) int {
	if stderrors.Is(err, queue.ErrHalted) {
		return exitHalted
	}
	return exitError
}
