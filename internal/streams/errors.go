package streams

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownStream indicates that no schema is registered for the stream name.
	ErrUnknownStream = errors.New("streams: unknown stream")
	// ErrSchemaViolation indicates that an event payload does not conform to its schema.
	ErrSchemaViolation = errors.New("streams: schema violation")
	// ErrMalformedTarget indicates that an item lacks the fields needed to resolve recipients.
	ErrMalformedTarget = errors.New("streams: malformed target")
	// ErrInvalidKey indicates that a stream, group or item key is empty or too long.
	ErrInvalidKey = errors.New("streams: invalid key")
)

// FieldError describes one rejected payload field.
type FieldError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// SchemaViolationError carries the field-level detail of a rejected payload.
type SchemaViolationError struct {
	Stream Name
	Fields []FieldError
}

func (e *SchemaViolationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, field := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", field.Field, field.Message))
	}
	return fmt.Sprintf("%s: %s: %s", ErrSchemaViolation.Error(), e.Stream, strings.Join(parts, "; "))
}

// Is lets errors.Is match ErrSchemaViolation.
func (e *SchemaViolationError) Is(target error) bool {
	return target == ErrSchemaViolation
}

func newSchemaViolation(stream Name, fields ...FieldError) *SchemaViolationError {
	return &SchemaViolationError{Stream: stream, Fields: fields}
}
