// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrUnknownAttribute       = errors.New("unknown attribute")
	ErrStoreUnavailable       = errors.New("cache store unavailable")
	ErrDuplicateHistoricalRow = errors.New("historical row already stored")
	ErrFetchFailed            = errors.New("fetch failed")
	ErrWriteBackFailed        = errors.New("cache write-back failed")
	ErrInvalidRange           = errors.New("invalid date range")
	ErrInvalidRequest         = errors.New("invalid request")
	ErrUnsupportedSource      = errors.New("no data source for identifier")
	ErrConfigInvalid          = errors.New("invalid configuration")
	ErrDataNotFound           = errors.New("data not found")
)

// ValidationError represents a request validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

// Unwrap exposes ErrInvalidRequest and, when set, the specific cause.
func (e *ValidationError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrInvalidRequest, e.Err}
	}
	return []error{ErrInvalidRequest}
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string, err error) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
		Err:     err,
	}
}

// DataError represents a storage-related error for one identifier.
type DataError struct {
	DataType   string
	Identifier string
	Message    string
	Err        error
}

func (e *DataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("data error [%s] %s: %s: %v", e.DataType, e.Identifier, e.Message, e.Err)
	}
	return fmt.Sprintf("data error [%s] %s: %s", e.DataType, e.Identifier, e.Message)
}

func (e *DataError) Unwrap() error {
	return e.Err
}

// NewDataError creates a new DataError.
func NewDataError(dataType, identifier, message string, err error) *DataError {
	return &DataError{
		DataType:   dataType,
		Identifier: identifier,
		Message:    message,
		Err:        err,
	}
}

// FetchError represents a failure of an external data source.
type FetchError struct {
	Source     string
	Identifier string
	Err        error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch error [%s] %s: %v", e.Source, e.Identifier, e.Err)
}

// Unwrap exposes both ErrFetchFailed and the underlying cause.
func (e *FetchError) Unwrap() []error {
	return []error{ErrFetchFailed, e.Err}
}

// NewFetchError creates a new FetchError.
func NewFetchError(source, identifier string, err error) *FetchError {
	return &FetchError{
		Source:     source,
		Identifier: identifier,
		Err:        err,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Join returns an error that wraps the given errors.
func Join(errs ...error) error {
	return errors.Join(errs...)
}
