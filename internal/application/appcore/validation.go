package appcore

import (
	"fmt"

	"github.com/lllypuk/evstore/internal/domain/event"
)

// MaxStreamIDLength bounds stream identifiers.
const MaxStreamIDLength = 256

// Validator collects field errors so a request reports every problem at once.
type Validator struct {
	fields []event.FieldError
}

// Add records a field error.
func (v *Validator) Add(field, reason string) {
	v.fields = append(v.fields, event.FieldError{Field: field, Reason: reason})
}

// Merge appends already-built field errors.
func (v *Validator) Merge(fields []event.FieldError) {
	v.fields = append(v.fields, fields...)
}

// Required checks that value is not empty.
func (v *Validator) Required(field, value string) bool {
	if value == "" {
		v.Add(field, "is required")
		return false
	}
	return true
}

// MaxLength checks the length of value in bytes.
func (v *Validator) MaxLength(field, value string, maxLength int) bool {
	if len(value) > maxLength {
		v.Add(field, fmt.Sprintf("must be at most %d characters", maxLength))
		return false
	}
	return true
}

// Min checks value >= minimum.
func (v *Validator) Min(field string, value, minimum int64) bool {
	if value < minimum {
		v.Add(field, fmt.Sprintf("must be at least %d", minimum))
		return false
	}
	return true
}

// StreamID checks a stream identifier.
func (v *Validator) StreamID(id string) bool {
	return v.Required("stream_id", id) && v.MaxLength("stream_id", id, MaxStreamIDLength)
}

// Err returns a *ValidationError or nil.
func (v *Validator) Err() error {
	return ValidationErrors(v.fields)
}
