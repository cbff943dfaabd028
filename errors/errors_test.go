package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			assert.Equal(t, test.expected, test.class.String())
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection timeout", ErrConnectionTimeout, true},
		{"connection lost", ErrConnectionLost, true},
		{"storage unavailable", ErrStorageUnavailable, true},
		{"context deadline exceeded", context.DeadlineExceeded, true},
		{"context canceled", context.Canceled, true},
		{"invalid data", ErrInvalidData, false},
		{"timeout in message", fmt.Errorf("operation timeout occurred"), true},
		{"network error", fmt.Errorf("network connection failed"), true},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("test")}, true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}, false},
		{"submission error", NewPipeline(KindSubmission, "submit", fmt.Errorf("503")), true},
		{"conversion error", NewPipeline(KindConversion, "convert", fmt.Errorf("timeout parsing")), false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, IsTransient(test.err), "error: %v", test.err)
		})
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"invalid config", ErrInvalidConfig, true},
		{"missing config", ErrMissingConfig, true},
		{"storage full", ErrStorageFull, true},
		{"connection timeout", ErrConnectionTimeout, false},
		{"invalid data", ErrInvalidData, false},
		{"fatal in message", fmt.Errorf("fatal system error occurred"), true},
		{"disk full in message", fmt.Errorf("write: no space left on device"), true},
		{"extraction tool missing", NewPipelineClass(KindExtraction, ErrorFatal, "extract", fmt.Errorf("not found")), true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, IsFatal(test.err), "error: %v", test.err)
		})
	}
}

func TestIsInvalid(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"invalid data", ErrInvalidData, true},
		{"parsing failed", ErrParsingFailed, true},
		{"data corrupted", ErrDataCorrupted, true},
		{"connection timeout", ErrConnectionTimeout, false},
		{"decode error", NewPipeline(KindDecode, "codec.Decode", fmt.Errorf("bad base64")), true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, IsInvalid(test.err), "error: %v", test.err)
		})
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorTransient, Classify(nil))
	assert.Equal(t, ErrorFatal, Classify(ErrInvalidConfig))
	assert.Equal(t, ErrorInvalid, Classify(ErrParsingFailed))
	assert.Equal(t, ErrorTransient, Classify(fmt.Errorf("something odd")))
	assert.Equal(t, ErrorInvalid, Classify(fmt.Errorf("outer: %w", NewPipeline(KindArtifactIO, "wait", fmt.Errorf("is a directory")))))
}

func TestWrap(t *testing.T) {
	base := errors.New("refused")

	assert.Nil(t, Wrap(nil, "Consumer", "Run", "dial"))

	err := Wrap(base, "Consumer", "Run", "dial")
	assert.Equal(t, "Consumer.Run: dial failed: refused", err.Error())
	assert.ErrorIs(t, err, base)

	transient := WrapTransient(base, "Consumer", "Run", "dial")
	assert.True(t, IsTransient(transient))
	assert.ErrorIs(t, transient, base)

	fatal := WrapFatal(base, "Consumer", "Run", "dial")
	assert.True(t, IsFatal(fatal))

	invalid := WrapInvalid(base, "Consumer", "Run", "dial")
	assert.True(t, IsInvalid(invalid))
	assert.Nil(t, WrapInvalid(nil, "a", "b", "c"))
}

func TestKind_DefaultClass(t *testing.T) {
	expected := map[Kind]ErrorClass{
		KindDecode:          ErrorInvalid,
		KindStaging:         ErrorTransient,
		KindExtraction:      ErrorInvalid,
		KindArtifactTimeout: ErrorTransient,
		KindArtifactIO:      ErrorInvalid,
		KindConversion:      ErrorInvalid,
		KindSubmission:      ErrorTransient,
	}
	require.Len(t, Kinds, len(expected))
	for _, k := range Kinds {
		assert.Equal(t, expected[k], k.DefaultClass(), string(k))
	}
}

func TestPipelineError(t *testing.T) {
	cause := errors.New("exit status 1")
	err := fmt.Errorf("run abc: %w", NewPipeline(KindExtraction, "extract.Run", cause))

	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindExtraction, kind)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "ExtractionFailed: extract.Run: exit status 1")

	pe := AsPipeline(err)
	require.NotNil(t, pe)
	assert.Equal(t, ErrorInvalid, pe.Class)

	_, ok = KindOf(cause)
	assert.False(t, ok)
	assert.Nil(t, AsPipeline(cause))

	noOp := &PipelineError{Kind: KindDecode, Err: cause}
	assert.Equal(t, "DecodeError: exit status 1", noOp.Error())
}

func TestPipelineErrorOverridesClassifiedCause(t *testing.T) {
	inner := WrapTransient(errors.New("boom"), "x", "y", "z")
	err := NewPipelineClass(KindConversion, ErrorInvalid, "convert", inner)
	assert.Equal(t, ErrorInvalid, Classify(err))
}
