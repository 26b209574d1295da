// Package errs defines the error taxonomy shared by the inventory packages.
// Every error carries a string code for classification plus the operation and
// path that were being attempted, so the CLI can report exactly what failed.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code classifies an error condition.
type Code string

const (
	// CodeIO indicates a file or directory could not be read or written.
	CodeIO Code = "IO_ERROR"

	// CodeFormat indicates a sidecar manifest is malformed or has an unsupported version.
	CodeFormat Code = "FORMAT_ERROR"

	// CodeNotFound indicates an expected sidecar or path does not exist.
	CodeNotFound Code = "NOT_FOUND"

	// CodeInconsistentDiff indicates planning was requested for a diff with no differences.
	CodeInconsistentDiff Code = "INCONSISTENT_DIFF"

	// CodeInvalidInput indicates a caller supplied an invalid argument or option.
	CodeInvalidInput Code = "INVALID_INPUT"

	// CodeUnknown is reported for errors that did not originate in this package.
	CodeUnknown Code = "UNKNOWN"
)

// Error is a classified error tied to an operation and a path.
type Error struct {
	Code Code
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Path != "" {
		msg = fmt.Sprintf("%s %q", e.Op, e.Path)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", msg, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code Code, op, path string, err error) error {
	return &Error{Code: code, Op: op, Path: path, Err: err}
}

// IO wraps a read or write failure.
func IO(op, path string, err error) error {
	return newError(CodeIO, op, path, err)
}

// Format reports a malformed or version-incompatible document.
func Format(op, path string, err error) error {
	return newError(CodeFormat, op, path, err)
}

// NotFound reports a missing sidecar or path.
func NotFound(op, path string, err error) error {
	return newError(CodeNotFound, op, path, err)
}

// InconsistentDiff reports a planning request for a diff without differences.
func InconsistentDiff(op, path string) error {
	return newError(CodeInconsistentDiff, op, path, errors.New("diff contains no differences"))
}

// Invalid reports a bad argument.
func Invalid(op, path string, err error) error {
	return newError(CodeInvalidInput, op, path, err)
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
