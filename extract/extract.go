// Package extract runs the external feature extraction tool against a
// staged capture file.
//
// The tool is opaque. Its contract is:
//
//	binary [args...] <input>
//
// exits 0 on success and writes {output_dir}/{stem(input)}{output_suffix},
// where stem is the input file name without its extension. Args may use the
// {input} and {output_dir} placeholders; when {input} is absent the input
// path is appended as the last argument.
package extract

import (
	"context"
	stderrors "errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/c360/captureflow/errors"
)

// Placeholders recognised in Config.Args
const (
	InputPlaceholder     = "{input}"
	OutputDirPlaceholder = "{output_dir}"
)

// DefaultStderrLimit is how much trailing stderr is kept for diagnostics
const DefaultStderrLimit = 8 << 10

// Config describes one external tool
type Config struct {
	Binary       string
	Args         []string
	OutputDir    string
	OutputSuffix string
	Timeout      time.Duration
	StderrLimit  int
}

// Invoker runs the tool as a child process
type Invoker struct {
	cfg    Config
	logger *slog.Logger
	op     string
}

// Option configures an Invoker
type Option func(*Invoker)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(i *Invoker) { i.logger = logger }
}

// WithOp sets the operation name recorded in returned errors
func WithOp(op string) Option {
	return func(i *Invoker) { i.op = op }
}

// New creates an Invoker
func New(cfg Config, opts ...Option) *Invoker {
	if cfg.StderrLimit <= 0 {
		cfg.StderrLimit = DefaultStderrLimit
	}
	i := &Invoker{
		cfg:    cfg,
		logger: slog.Default(),
		op:     "extract.Run",
	}
	for _, opt := range opts {
		opt(i)
	}
	i.logger = i.logger.With("component", "extract", "binary", cfg.Binary)
	return i
}

// OutputPath returns where the tool writes its result for inputPath
func (i *Invoker) OutputPath(inputPath string) string {
	return OutputPath(i.cfg.OutputDir, inputPath, i.cfg.OutputSuffix)
}

// OutputPath returns {outputDir}/{stem(inputPath)}{suffix}
func OutputPath(outputDir, inputPath, suffix string) string {
	base := filepath.Base(inputPath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(outputDir, stem+suffix)
}

// Command returns the argv the tool is started with
func (i *Invoker) Command(inputPath string) []string {
	argv := make([]string, 0, len(i.cfg.Args)+2)
	argv = append(argv, i.cfg.Binary)

	sawInput := false
	for _, a := range i.cfg.Args {
		if strings.Contains(a, InputPlaceholder) {
			sawInput = true
		}
		a = strings.ReplaceAll(a, InputPlaceholder, inputPath)
		a = strings.ReplaceAll(a, OutputDirPlaceholder, i.cfg.OutputDir)
		argv = append(argv, a)
	}
	if !sawInput {
		argv = append(argv, inputPath)
	}
	return argv
}

// Run starts the tool and blocks until it exits. Failures are
// ExtractionFailed: a non-zero exit is invalid, a missing binary is fatal
// and a deadline is transient.
func (i *Invoker) Run(ctx context.Context, inputPath string) error {
	if i.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.cfg.Timeout)
		defer cancel()
	}

	argv := i.Command(inputPath)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	setProcessGroup(cmd)

	stderr := newTailBuffer(i.cfg.StderrLimit)
	cmd.Stdout = stderr
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		// Missing or non-executable binary will not fix itself on redelivery.
		class := errors.ErrorInvalid
		if stderrors.Is(err, exec.ErrNotFound) || stderrors.Is(err, fs.ErrNotExist) ||
			stderrors.Is(err, fs.ErrPermission) {
			class = errors.ErrorFatal
		}
		return errors.NewPipelineClass(errors.KindExtraction, class, i.op,
			fmt.Errorf("start %s: %w", i.cfg.Binary, err))
	}

	err := cmd.Wait()
	elapsed := time.Since(start)

	if ctxErr := ctx.Err(); ctxErr != nil {
		i.logger.Warn("Tool interrupted", "input", inputPath, "elapsed", elapsed, "error", ctxErr)
		return errors.NewPipelineClass(errors.KindExtraction, errors.ErrorTransient, i.op,
			fmt.Errorf("%s interrupted after %s: %w", i.cfg.Binary, elapsed.Round(time.Millisecond), ctxErr))
	}

	if err != nil {
		var exitErr *exec.ExitError
		if stderrors.As(err, &exitErr) {
			i.logger.Warn("Tool failed",
				"input", inputPath, "exit_code", exitErr.ExitCode(), "stderr", stderr.String())
			return errors.NewPipeline(errors.KindExtraction, i.op, &ExitError{
				Code:   exitErr.ExitCode(),
				Stderr: stderr.String(),
			})
		}
		return errors.NewPipeline(errors.KindExtraction, i.op, fmt.Errorf("wait %s: %w", i.cfg.Binary, err))
	}

	i.logger.Debug("Tool finished", "input", inputPath, "elapsed", elapsed)
	return nil
}

// ExitError reports a non-zero tool exit
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return fmt.Sprintf("exit status %d: %s", e.Code, strings.TrimSpace(e.Stderr))
}
