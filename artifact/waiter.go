// Package artifact waits for files that external tools produce without a
// completion signal.
package artifact

import (
	"context"
	stderrors "errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/c360/captureflow/errors"
	"github.com/c360/captureflow/pkg/retry"
)

// Config is the polling schedule
type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Deadline     time.Duration
}

// DefaultConfig polls from 200ms up to 5s for at most a minute
func DefaultConfig() Config {
	return Config{
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Deadline:     60 * time.Second,
	}
}

var (
	errMissing = stderrors.New("artifact not present")
	errEmpty   = stderrors.New("artifact empty")
	errGrowing = stderrors.New("artifact still growing")
)

// Waiter polls a path until a complete file is there
type Waiter struct {
	cfg    Config
	logger *slog.Logger
}

// NewWaiter validates cfg and returns a Waiter
func NewWaiter(cfg Config, logger *slog.Logger) (*Waiter, error) {
	if cfg.Deadline <= 0 {
		return nil, errors.WrapInvalid(fmt.Errorf("deadline must be positive"), "Waiter", "New", "validate config")
	}
	if _, err := retry.NewBackoff(cfg.retryConfig()); err != nil {
		return nil, errors.WrapInvalid(err, "Waiter", "New", "validate config")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Waiter{cfg: cfg, logger: logger.With("component", "artifact")}, nil
}

func (c Config) retryConfig() retry.Config {
	return retry.Config{
		MaxAttempts:  retry.Unlimited,
		InitialDelay: c.InitialDelay,
		MaxDelay:     c.MaxDelay,
		Multiplier:   c.Multiplier,
	}
}

// Wait blocks until path exists, is a regular non-empty file, and its size
// was the same on two consecutive polls. It gives up with ArtifactTimeout
// when the deadline passes and with ArtifactIoError on any other stat
// failure or when path is a directory.
func (w *Waiter) Wait(ctx context.Context, path string) (os.FileInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Deadline)
	defer cancel()

	start := time.Now()
	polls := 0
	lastSize := int64(-1)
	var found os.FileInfo

	err := retry.Do(ctx, w.cfg.retryConfig(), func() error {
		polls++
		info, err := os.Stat(path)
		switch {
		case stderrors.Is(err, fs.ErrNotExist):
			lastSize = -1
			return errMissing
		case err != nil:
			return retry.NonRetryable(errors.NewPipeline(errors.KindArtifactIO, "artifact.Wait", err))
		case info.IsDir():
			return retry.NonRetryable(errors.NewPipeline(errors.KindArtifactIO, "artifact.Wait",
				fmt.Errorf("%s is a directory", path)))
		case info.Size() == 0:
			lastSize = 0
			return errEmpty
		case info.Size() != lastSize:
			lastSize = info.Size()
			return errGrowing
		}
		found = info
		return nil
	})

	elapsed := time.Since(start)
	if err == nil {
		w.logger.Debug("Artifact ready", "path", path, "size", found.Size(), "polls", polls, "elapsed", elapsed)
		return found, nil
	}

	if pe := errors.AsPipeline(err); pe != nil {
		return nil, pe
	}

	last := "never appeared"
	if lastSize == 0 {
		last = "stayed empty"
	} else if lastSize > 0 {
		last = fmt.Sprintf("still changing at %d bytes", lastSize)
	}
	w.logger.Warn("Artifact wait timed out", "path", path, "polls", polls, "elapsed", elapsed, "state", last)
	return nil, errors.NewPipeline(errors.KindArtifactTimeout, "artifact.Wait",
		fmt.Errorf("%s %s after %s: %w", path, last, elapsed.Round(time.Millisecond), ctx.Err()))
}
