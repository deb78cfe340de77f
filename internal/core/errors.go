package core

import (
	"context"
	"errors"
	"fmt"
)

// UnsupportedFormatError means the input could not be classified or decoded.
// It is returned before any record is read.
type UnsupportedFormatError struct {
	MediaType string
	Reason    string
}

func (e *UnsupportedFormatError) Error() string {
	if e.MediaType == "" {
		return "unsupported format: " + e.Reason
	}
	return fmt.Sprintf("unsupported format (%s): %s", e.MediaType, e.Reason)
}

// MalformedRecordError reports a single record that could not be parsed.
// The sequence continues after it.
type MalformedRecordError struct {
	Line int
	Err  error
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed record at line %d: %v", e.Line, e.Err)
}

func (e *MalformedRecordError) Unwrap() error {
	return e.Err
}

// WriteError reports a record rejected by the record writer.
type WriteError struct {
	Line     int
	RecordID Code
	Err      error
}

func (e *WriteError) Error() string {
	if e.RecordID.Valid {
		return fmt.Sprintf("write record %s (line %d): %v", e.RecordID.Value, e.Line, e.Err)
	}
	return fmt.Sprintf("write record at line %d: %v", e.Line, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// EngineUnavailableError means the record writer cannot accept any more
// records. It ends the whole invocation.
type EngineUnavailableError struct {
	Err error
}

func (e *EngineUnavailableError) Error() string {
	return fmt.Sprintf("engine unavailable: %v", e.Err)
}

func (e *EngineUnavailableError) Unwrap() error {
	return e.Err
}

// ErrLoadNotFound is returned when a load ID is not tracked.
var ErrLoadNotFound = errors.New("load not found")

// IsFatal reports whether err ends an invocation instead of a single record.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var unavailable *EngineUnavailableError
	if errors.As(err, &unavailable) {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
