package model

import (
	"context"
	"errors"
	"fmt"
)

// ResultCode classifies a failure.
type ResultCode int

const (
	ResultOK ResultCode = iota
	ResultInternalError
	ResultInvalidArgument
	ResultIOError
	ResultOutOfSpace
	ResultNotFound
	ResultInvalidSchema
	ResultSessionClosed
	ResultSchemaIncompatible
	ResultCanceled
)

func (c ResultCode) String() string {
	switch c {
	case ResultOK:
		return "OK"
	case ResultInternalError:
		return "INTERNAL_ERROR"
	case ResultInvalidArgument:
		return "INVALID_ARGUMENT"
	case ResultIOError:
		return "IO_ERROR"
	case ResultOutOfSpace:
		return "OUT_OF_SPACE"
	case ResultNotFound:
		return "NOT_FOUND"
	case ResultInvalidSchema:
		return "INVALID_SCHEMA"
	case ResultSessionClosed:
		return "SESSION_CLOSED"
	case ResultSchemaIncompatible:
		return "SCHEMA_INCOMPATIBLE"
	case ResultCanceled:
		return "CANCELED"
	default:
		return fmt.Sprintf("RESULT_%d", int(c))
	}
}

var (
	// ErrNotFound is returned when a document or schema type does not exist
	ErrNotFound = errors.New("not found")
	// ErrInvalidArgument is returned for malformed requests
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrInvalidSchema is returned when a document violates its schema or a schema is malformed
	ErrInvalidSchema = errors.New("invalid schema")
	// ErrSessionClosed is returned by any session operation after Close
	ErrSessionClosed = errors.New("session has already been closed")
	// ErrSchemaIncompatible is returned when setSchema would delete or break types
	// and neither force override nor a migrator covers them
	ErrSchemaIncompatible = errors.New("schema is incompatible")
	// ErrCorrupted is returned when a stored record fails its integrity check
	ErrCorrupted = errors.New("stored data is corrupted")
	// ErrIO is returned for underlying storage I/O failures
	ErrIO = errors.New("storage I/O failure")
	// ErrCanceled is returned when the operation is canceled by the caller
	ErrCanceled = errors.New("operation canceled")
)

var codeSentinels = map[ResultCode]error{
	ResultNotFound:           ErrNotFound,
	ResultInvalidArgument:    ErrInvalidArgument,
	ResultInvalidSchema:      ErrInvalidSchema,
	ResultSessionClosed:      ErrSessionClosed,
	ResultSchemaIncompatible: ErrSchemaIncompatible,
	ResultIOError:            ErrIO,
	ResultCanceled:           ErrCanceled,
}

// Error is a failure with a result code.
type Error struct {
	Code    ResultCode
	Message string
	Err     error
}

// NewError creates an error with the given code.
func NewError(code ResultCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Message == "" {
			return fmt.Sprintf("%s: %v", e.Code, e.Err)
		}
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel that corresponds to the error's code.
func (e *Error) Is(target error) bool {
	if sentinel, ok := codeSentinels[e.Code]; ok && sentinel == target {
		return true
	}
	if t, ok := target.(*Error); ok {
		return t.Code == e.Code && t.Message == "" && t.Err == nil
	}
	return false
}

// CodeOf extracts the result code of err.
func CodeOf(err error) ResultCode {
	if err == nil {
		return ResultOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	switch {
	case IsCanceled(err):
		return ResultCanceled
	case errors.Is(err, ErrNotFound):
		return ResultNotFound
	case errors.Is(err, ErrInvalidArgument):
		return ResultInvalidArgument
	case errors.Is(err, ErrInvalidSchema):
		return ResultInvalidSchema
	case errors.Is(err, ErrSessionClosed):
		return ResultSessionClosed
	case errors.Is(err, ErrSchemaIncompatible):
		return ResultSchemaIncompatible
	case errors.Is(err, ErrIO), errors.Is(err, ErrCorrupted):
		return ResultIOError
	}
	return ResultInternalError
}

// WrapError converts an arbitrary failure into a coded *Error, keeping the cause.
func WrapError(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Code: CodeOf(err), Err: err}
}

// IsCanceled returns true if the error is due to context cancellation or deadline exceeded.
func IsCanceled(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrCanceled)
}
