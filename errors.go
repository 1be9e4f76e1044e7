package dbqueue

import (
	"errors"
	"fmt"
)

// Wrapper codes are produced by this package rather than the native engine.
// They are negative so they never collide with engine result codes.
const (
	CodeWeird               = -99
	CodeConfinementViolated = -98
	CodeNotOpened           = -97
	CodeStatementDisposed   = -96
	CodeNoRow               = -95
	CodeColumnOutOfRange    = -94
	CodeBlobDisposed        = -93
	CodeMisuse              = -92
	CodeArrayDisposed       = -91
	CodeBackupDisposed      = -113
	CodeInvalidArgument     = -11
)

// ErrorKind classifies an Error.
type ErrorKind int

const (
	// KindContract is a misuse detected before any native call.
	KindContract ErrorKind = iota
	// KindBusy means the database is locked; the caller may retry.
	KindBusy
	// KindInterrupted means the operation was cancelled through Interrupt.
	KindInterrupted
	// KindFailure is any other engine error.
	KindFailure
)

func (k ErrorKind) String() string {
	switch k {
	case KindContract:
		return "contract"
	case KindBusy:
		return "busy"
	case KindInterrupted:
		return "interrupted"
	default:
		return "failure"
	}
}

// Error is returned by Connection and its resources.
type Error struct {
	Code    int
	Op      string
	Message string
}

// Error returns the error message.
func (e *Error) Error() string {
	msg := fmt.Sprintf("dbqueue: [%d]", e.Code)
	if e.Op != "" {
		msg += " " + e.Op
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// Kind reports the error class.
func (e *Error) Kind() ErrorKind {
	return kindOf(e.Code)
}

// Is matches sentinels by code, and kind sentinels such as ErrBusy by kind.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case *Error:
		return t.Code == e.Code
	case kindError:
		return ErrorKind(t) == e.Kind()
	}
	return false
}

type kindError ErrorKind

func (k kindError) Error() string {
	return "dbqueue: " + ErrorKind(k).String() + " error"
}

func kindOf(code int) ErrorKind {
	switch {
	case code < 0:
		return KindContract
	case code == ResultBusy || code == ResultLocked || code == ResultIOErrBlocked:
		return KindBusy
	case code == ResultInterrupt:
		return KindInterrupted
	default:
		return KindFailure
	}
}

// Sentinels for errors.Is.
var (
	ErrConfinementViolated = &Error{Code: CodeConfinementViolated}
	ErrNotOpened           = &Error{Code: CodeNotOpened}
	ErrMisuse              = &Error{Code: CodeMisuse}
	ErrInvalidArgument     = &Error{Code: CodeInvalidArgument}
	ErrStatementDisposed   = &Error{Code: CodeStatementDisposed}
	ErrBlobDisposed        = &Error{Code: CodeBlobDisposed}
	ErrArrayDisposed       = &Error{Code: CodeArrayDisposed}
	ErrBackupDisposed      = &Error{Code: CodeBackupDisposed}

	// ErrContract matches every contract violation.
	ErrContract error = kindError(KindContract)
	// ErrBusy matches busy and locked results.
	ErrBusy error = kindError(KindBusy)
	// ErrInterrupted matches operations aborted by Interrupt.
	ErrInterrupted error = kindError(KindInterrupted)
)

// Job and queue errors.
var (
	ErrCancelled     = errors.New("dbqueue: job cancelled")
	ErrTimeout       = errors.New("dbqueue: timed out waiting for job")
	ErrWouldDeadlock = errors.New("dbqueue: Get called from the database goroutine")
	ErrQueueStopped  = errors.New("dbqueue: queue stopped")
)

// ExecutionError wraps the error a job body failed with.
type ExecutionError struct {
	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("job failed: %v", e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// UnrecoverableError marks a failure that must bring the worker goroutine
// down. Raise it with panic(Unrecoverable(err)) from a job body or hook.
type UnrecoverableError struct {
	Err error
}

func (e *UnrecoverableError) Error() string {
	return fmt.Sprintf("unrecoverable: %v", e.Err)
}

func (e *UnrecoverableError) Unwrap() error {
	return e.Err
}

// Unrecoverable wraps err so that it propagates past job and hook recovery.
func Unrecoverable(err error) error {
	return &UnrecoverableError{Err: err}
}

// IsUnrecoverable reports whether v (an error or a recovered panic value)
// carries an UnrecoverableError.
func IsUnrecoverable(v any) bool {
	err, ok := v.(error)
	if !ok {
		return false
	}
	var ue *UnrecoverableError
	return errors.As(err, &ue)
}

// PanicError is a recovered panic converted to an error.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

func contractError(code int, op, message string) *Error {
	return &Error{Code: code, Op: op, Message: message}
}
