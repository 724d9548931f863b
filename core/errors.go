package core

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/enfyra/server-sub006/core/internal/dialect"
	"github.com/enfyra/server-sub006/core/internal/meta"
	"github.com/enfyra/server-sub006/core/internal/qcode"
)

// ErrorKind classifies engine failures into the stable set callers
// switch on. The string value doubles as the wire code.
type ErrorKind string

const (
	ErrValidation ErrorKind = "ValidationError"
	ErrNotFound   ErrorKind = "ResourceNotFound"
	ErrDialect    ErrorKind = "DialectUnsupported"
	ErrQuery      ErrorKind = "QueryError"
	ErrTransport  ErrorKind = "TransportError"
	ErrInternal   ErrorKind = "InternalError"
)

// Error is the one error type the public API returns. Kind is always
// set; Table and Field narrow the failure down when known. Details may
// carry extra structured context but never bound values. The wrapped
// cause stays reachable through errors.Is and errors.As.
type Error struct {
	Kind    ErrorKind      `json:"kind"`
	Table   string         `json:"table,omitempty"`
	Field   string         `json:"field,omitempty"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("%s: table %s: %s", e.Kind, e.Table, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches any *Error of the same kind, so sentinels like
// &Error{Kind: ErrValidation} work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf extracts the kind from an engine error. Errors from outside
// the engine report ErrInternal; nil reports the empty kind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrInternal
}

func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// sentinelKind maps the sentinels the inner layers tag their errors
// with onto the public taxonomy. Zero when untagged.
func sentinelKind(err error) ErrorKind {
	switch {
	case errors.Is(err, qcode.ErrValidation):
		return ErrValidation
	case errors.Is(err, qcode.ErrNotFound),
		errors.Is(err, meta.ErrTableNotFound),
		errors.Is(err, meta.ErrNoInverse),
		errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case errors.Is(err, dialect.ErrUnsupported):
		return ErrDialect
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, driver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone):
		return ErrTransport
	}
	return ""
}

// compileErr classifies a planning failure. Untagged errors at this
// stage are plan bugs, not caller mistakes.
func compileErr(err error, table string) error {
	return wrapErr(err, table, ErrInternal)
}

// execErr classifies a backend failure.
func execErr(err error, table string) error {
	return wrapErr(err, table, ErrQuery)
}

func wrapErr(err error, table string, fallback ErrorKind) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	kind := sentinelKind(err)
	if kind == "" {
		kind = fallback
	}
	return &Error{Kind: kind, Table: table, Message: err.Error(), cause: err}
}
