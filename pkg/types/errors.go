package types

import (
	"errors"
	"fmt"
)

// ErrMissingCredential is wrapped by ConfigurationError when no API token is available
var ErrMissingCredential = errors.New("missing detection service credential")

// ConfigurationError reports a missing or invalid setting. It is never retried.
type ConfigurationError struct {
	Setting string
	Err     error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error (%s): %v", e.Setting, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// DetectionError reports a failed call to a plate detection backend.
// Status and Body are set when the backend answered with a non-2xx status.
type DetectionError struct {
	Backend string
	Status  int
	Body    string
	Err     error
}

func (e *DetectionError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s detection failed: status %d: %s", e.Backend, e.Status, e.Body)
	}
	return fmt.Sprintf("%s detection failed: %v", e.Backend, e.Err)
}

func (e *DetectionError) Unwrap() error { return e.Err }

// DecodeError reports an input image that could not be parsed
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode image: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// EncodeError reports a failure to produce the output image
type EncodeError struct {
	Format Format
	Err    error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("failed to encode %s image: %v", e.Format, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// PipelineError is the only error a pipeline invocation returns. It wraps a
// DecodeError or EncodeError.
type PipelineError struct {
	Stage string
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline %s stage failed: %v", e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// BatchItemError attaches a batch index to a failed item
type BatchItemError struct {
	Index int
	Err   error
}

func (e *BatchItemError) Error() string {
	return fmt.Sprintf("batch item %d: %v", e.Index, e.Err)
}

func (e *BatchItemError) Unwrap() error { return e.Err }
