package errors

import (
	"errors"
	"fmt"
)

// Kind names the pipeline stage failure reported to operators.
type Kind string

// Pipeline error kinds. The string values appear verbatim in logs and metrics.
const (
	KindDecode          Kind = "DecodeError"
	KindStaging         Kind = "StagingError"
	KindExtraction      Kind = "ExtractionFailed"
	KindArtifactTimeout Kind = "ArtifactTimeout"
	KindArtifactIO      Kind = "ArtifactIoError"
	KindConversion      Kind = "ConversionError"
	KindSubmission      Kind = "SubmissionError"
)

// Kinds lists every pipeline error kind in stage order.
var Kinds = []Kind{
	KindDecode,
	KindStaging,
	KindExtraction,
	KindArtifactTimeout,
	KindArtifactIO,
	KindConversion,
	KindSubmission,
}

// DefaultClass returns the class a kind carries unless a stage says otherwise.
func (k Kind) DefaultClass() ErrorClass {
	switch k {
	case KindStaging, KindArtifactTimeout, KindSubmission:
		return ErrorTransient
	case KindDecode, KindExtraction, KindArtifactIO, KindConversion:
		return ErrorInvalid
	default:
		return ErrorTransient
	}
}

// PipelineError is the typed result every pipeline stage returns on failure.
type PipelineError struct {
	Kind  Kind
	Class ErrorClass
	Op    string
	Err   error
}

// Error implements the error interface
func (e *PipelineError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// NewPipeline creates a pipeline error with the kind's default class.
func NewPipeline(kind Kind, op string, err error) *PipelineError {
	return &PipelineError{Kind: kind, Class: kind.DefaultClass(), Op: op, Err: err}
}

// NewPipelineClass creates a pipeline error with an explicit class.
func NewPipelineClass(kind Kind, class ErrorClass, op string, err error) *PipelineError {
	return &PipelineError{Kind: kind, Class: class, Op: op, Err: err}
}

// KindOf extracts the pipeline error kind from an error chain.
func KindOf(err error) (Kind, bool) {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return "", false
}

// AsPipeline returns the first PipelineError in the chain, or nil.
func AsPipeline(err error) *PipelineError {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe
	}
	return nil
}
