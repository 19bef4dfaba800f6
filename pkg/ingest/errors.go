package ingest

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the pipeline. Concrete errors match them via errors.Is.
var (
	// ErrTransientUpstream marks upstream failures worth retrying (throttling, 5xx, network).
	ErrTransientUpstream = errors.New("transient upstream error")

	// ErrPermanentUpstream marks upstream failures that will not succeed on retry.
	ErrPermanentUpstream = errors.New("permanent upstream error")

	// ErrStagingWrite is returned when a batch could not be written to staging.
	ErrStagingWrite = errors.New("staging write failed")

	// ErrCheckpointConflict is returned when another run holds the DataType.
	ErrCheckpointConflict = errors.New("checkpoint conflict")
)

// ErrorClass represents a classification of upstream failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors other than throttling.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 throttling responses.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassDecode represents payloads that could not be parsed.
	ErrorClassDecode ErrorClass = "decode"
)

// Transient reports whether errors of this class should be retried.
func (c ErrorClass) Transient() bool {
	switch c {
	case ErrorClassServer, ErrorClassRateLimit, ErrorClassNetwork:
		return true
	default:
		return false
	}
}

// UpstreamError is a classified failure from the upstream API.
type UpstreamError struct {
	StatusCode int
	Class      ErrorClass
	Endpoint   string
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	msg := fmt.Sprintf("upstream %s error (status %d) on %s: %s", e.Class, e.StatusCode, e.Endpoint, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Is matches ErrTransientUpstream or ErrPermanentUpstream according to the class.
func (e *UpstreamError) Is(target error) bool {
	switch target {
	case ErrTransientUpstream:
		return e.Class.Transient()
	case ErrPermanentUpstream:
		return !e.Class.Transient()
	}
	return false
}

// StagingWriteError describes a failed batch write. The batch left no trace in
// staging; only an ERROR control entry was recorded.
type StagingWriteError struct {
	Table   string
	Mode    Mode
	BatchID string
	Err     error
}

// Error implements the error interface.
func (e *StagingWriteError) Error() string {
	return fmt.Sprintf("%s: %s batch %s into %s: %v", ErrStagingWrite, e.Mode, e.BatchID, e.Table, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *StagingWriteError) Unwrap() error {
	return e.Err
}

// Is matches ErrStagingWrite.
func (e *StagingWriteError) Is(target error) bool {
	return target == ErrStagingWrite
}

// ConflictError reports which holder blocked a run or batch for a DataType.
type ConflictError struct {
	DataType DataType
	Holder   string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	if e.Holder == "" {
		return fmt.Sprintf("%s: %s is being processed by another run", ErrCheckpointConflict, e.DataType)
	}
	return fmt.Sprintf("%s: %s is being processed by %s", ErrCheckpointConflict, e.DataType, e.Holder)
}

// Is matches ErrCheckpointConflict.
func (e *ConflictError) Is(target error) bool {
	return target == ErrCheckpointConflict
}

// IsTransient reports whether err is classified as a transient upstream failure.
// Unclassified errors are not transient.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientUpstream)
}
