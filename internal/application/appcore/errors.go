package appcore

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/lllypuk/evstore/internal/domain/errs"
	"github.com/lllypuk/evstore/internal/domain/event"
)

// Resource names carried by NotFoundError.
const (
	ResourceStream   = "stream"
	ResourceEvent    = "event"
	ResourceSnapshot = "snapshot"
)

// The error types below implement httpserver.HTTPError, so handlers can pass
// them through unchanged and callers get structured details instead of text.

// VersionConflictError reports an expected-version mismatch on append.
// Callers may retry after re-reading the stream and rebuilding the batch.
type VersionConflictError struct {
	StreamID string
	Expected int64
	Actual   int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on stream %s: expected %d, actual %d", e.StreamID, e.Expected, e.Actual)
}

// Is matches errs.ErrConcurrentModification.
func (e *VersionConflictError) Is(target error) bool { return target == errs.ErrConcurrentModification }

func (e *VersionConflictError) HTTPStatus() int     { return http.StatusConflict }
func (e *VersionConflictError) HTTPCode() string    { return "VERSION_CONFLICT" }
func (e *VersionConflictError) HTTPMessage() string { return "Stream version does not match expected version" }

// HTTPDetails exposes both versions.
func (e *VersionConflictError) HTTPDetails() map[string]any {
	return map[string]any{"stream_id": e.StreamID, "expected": e.Expected, "actual": e.Actual}
}

// NewVersionConflictError creates a VersionConflictError
func NewVersionConflictError(streamID string, expected, actual int64) error {
	return &VersionConflictError{StreamID: streamID, Expected: expected, Actual: actual}
}

// StreamExistsError is returned when expected_version is NoStream but the stream exists.
type StreamExistsError struct {
	StreamID       string
	CurrentVersion int64
}

func (e *StreamExistsError) Error() string {
	return fmt.Sprintf("stream %s already exists at version %d", e.StreamID, e.CurrentVersion)
}

// Is matches errs.ErrAlreadyExists.
func (e *StreamExistsError) Is(target error) bool { return target == errs.ErrAlreadyExists }

func (e *StreamExistsError) HTTPStatus() int     { return http.StatusConflict }
func (e *StreamExistsError) HTTPCode() string    { return "STREAM_ALREADY_EXISTS" }
func (e *StreamExistsError) HTTPMessage() string { return "Stream already exists" }

// HTTPDetails exposes the stream id and its version.
func (e *StreamExistsError) HTTPDetails() map[string]any {
	return map[string]any{"stream_id": e.StreamID, "actual": e.CurrentVersion}
}

// NewStreamExistsError creates a StreamExistsError
func NewStreamExistsError(streamID string, currentVersion int64) error {
	return &StreamExistsError{StreamID: streamID, CurrentVersion: currentVersion}
}

// NotFoundError represents a lookup miss for a stream, event or snapshot.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// Is matches errs.ErrNotFound.
func (e *NotFoundError) Is(target error) bool { return target == errs.ErrNotFound }

func (e *NotFoundError) HTTPStatus() int  { return http.StatusNotFound }
func (e *NotFoundError) HTTPCode() string { return strings.ToUpper(e.Resource) + "_NOT_FOUND" }

func (e *NotFoundError) HTTPMessage() string {
	return strings.ToUpper(e.Resource[:1]) + e.Resource[1:] + " not found"
}

// HTTPDetails exposes the missing identifier.
func (e *NotFoundError) HTTPDetails() map[string]any {
	return map[string]any{"resource": e.Resource, "id": e.ID}
}

// NewNotFoundError creates a NotFoundError
func NewNotFoundError(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// ValidationError lists every invalid field of a rejected request.
type ValidationError struct {
	Fields []event.FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.String()
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Is matches errs.ErrInvalidInput.
func (e *ValidationError) Is(target error) bool { return target == errs.ErrInvalidInput }

func (e *ValidationError) HTTPStatus() int     { return http.StatusBadRequest }
func (e *ValidationError) HTTPCode() string    { return "VALIDATION_ERROR" }
func (e *ValidationError) HTTPMessage() string { return "Request validation failed" }

// HTTPDetails exposes the invalid fields.
func (e *ValidationError) HTTPDetails() map[string]any {
	return map[string]any{"fields": e.Fields}
}

// NewValidationError creates a ValidationError for a single field
func NewValidationError(field, reason string) error {
	return &ValidationError{Fields: []event.FieldError{{Field: field, Reason: reason}}}
}

// ValidationErrors returns nil when fields is empty.
func ValidationErrors(fields []event.FieldError) error {
	if len(fields) == 0 {
		return nil
	}
	return &ValidationError{Fields: fields}
}

// Internal wraps a persistence or transport failure. The operation left no
// partial state behind and is safe to retry unchanged.
func Internal(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, errs.ErrInternal, err)
}

// IsRetryable reports whether the caller may retry the exact same request.
func IsRetryable(err error) bool {
	return errors.Is(err, errs.ErrInternal)
}
