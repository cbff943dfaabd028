// Package submit uploads artifacts to the inference endpoint.
package submit

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path/filepath"
	"strings"
	"time"

	"github.com/c360/captureflow/errors"
)

// DefaultFieldName is the multipart field carrying the file
const DefaultFieldName = "file"

// maxResponseBytes caps how much of a response body is read
const maxResponseBytes = 1 << 20

// Config describes the endpoint
type Config struct {
	EndpointURL string
	FieldName   string
	Timeout     time.Duration
}

// Submitter posts one file per request as multipart/form-data.
// It never retries; the caller decides.
type Submitter struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// Option configures a Submitter
type Option func(*Submitter)

// WithHTTPClient replaces the default client
func WithHTTPClient(c *http.Client) Option {
	return func(s *Submitter) { s.client = c }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Submitter) { s.logger = logger }
}

// New creates a Submitter
func New(cfg Config, opts ...Option) (*Submitter, error) {
	if strings.TrimSpace(cfg.EndpointURL) == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Submitter", "New", "endpoint url is required")
	}
	if cfg.FieldName == "" {
		cfg.FieldName = DefaultFieldName
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	s := &Submitter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "submit")
	return s, nil
}

// Endpoint returns the configured URL
func (s *Submitter) Endpoint() string {
	return s.cfg.EndpointURL
}

// StatusError is a non-2xx response
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("endpoint returned %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("endpoint returned %d %s: %s", e.Code, http.StatusText(e.Code), e.Body)
}

// Submit uploads data as filename and returns the response body text.
// Connection failures and every non-2xx response are transient
// SubmissionErrors, so the capture is retried until the delivery limit.
// Only a request that cannot be built is invalid.
func (s *Submitter) Submit(ctx context.Context, filename string, data []byte) (string, error) {
	body, contentType, err := s.encode(filename, data)
	if err != nil {
		return "", errors.NewPipelineClass(errors.KindSubmission, errors.ErrorInvalid, "submit.Submit", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.EndpointURL, body)
	if err != nil {
		return "", errors.NewPipelineClass(errors.KindSubmission, errors.ErrorInvalid, "submit.Submit", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "text/plain, */*")

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return "", errors.NewPipeline(errors.KindSubmission, "submit.Submit", fmt.Errorf("post %s: %w", filename, err))
	}
	defer resp.Body.Close()

	text, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", errors.NewPipeline(errors.KindSubmission, "submit.Submit", fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(text))}
		return "", errors.NewPipelineClass(errors.KindSubmission, errors.ErrorTransient, "submit.Submit", se)
	}

	s.logger.Debug("Artifact submitted",
		"file", filename, "bytes", len(data), "status", resp.StatusCode, "elapsed", time.Since(start))
	return string(text), nil
}

func (s *Submitter) encode(filename string, data []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name=%q; filename=%q`, s.cfg.FieldName, filepath.Base(filename)))
	header.Set("Content-Type", "application/octet-stream")

	part, err := w.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
