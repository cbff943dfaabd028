// Package errors provides standardized error handling for captureflow.
//
// # Error Classification
//
// Every error is placed in one of three classes that drive the message
// disposition decided by the pipeline:
//
//   - Transient: temporary conditions, the message is requeued
//   - Invalid: bad input, the message is dropped
//   - Fatal: unrecoverable, the consumer halts
//
// Classification follows the chain with errors.As, so wrapping with
// fmt.Errorf("...: %w", err) preserves it.
//
// # Pipeline Errors
//
// Pipeline stages return *PipelineError values carrying a Kind
// (DecodeError, StagingError, ExtractionFailed, ArtifactTimeout,
// ArtifactIoError, ConversionError, SubmissionError) and a class:
//
//	if err := os.WriteFile(path, data, 0o600); err != nil {
//	    return errors.NewPipeline(errors.KindStaging, "stage.Create", err)
//	}
//
// A stage may override the default class for its kind when it knows more:
//
//	return errors.NewPipelineClass(errors.KindExtraction, errors.ErrorFatal, "extract.Run", err)
//
// KindOf recovers the kind from anywhere in the chain:
//
//	if kind, ok := errors.KindOf(err); ok {
//	    logger.Error("run failed", "error_kind", kind)
//	}
//
// # Wrapping
//
// Wrap, WrapTransient, WrapInvalid and WrapFatal produce messages in the
// "component.method: action failed: cause" form used across the codebase.
package errors
