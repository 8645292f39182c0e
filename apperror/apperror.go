// Package apperror implements the error taxonomy of spec §7 as typed
// Go errors, generalizing server/errors.go's ErrorToOpOutcome and
// server/data_access.go's sentinel errors into one place every
// component in this module returns through.
package apperror

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// Kind is one of the abstract error kinds of spec §7.
type Kind int

const (
	Validation Kind = iota
	NotFound
	Gone
	PreconditionFailed
	ConflictTransient
	UnavailableDownstream
	Internal
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case NotFound:
		return "not-found"
	case Gone:
		return "gone"
	case PreconditionFailed:
		return "precondition-failed"
	case ConflictTransient:
		return "conflict"
	case UnavailableDownstream:
		return "unavailable"
	default:
		return "internal"
	}
}

// HTTPStatus maps a Kind onto the status code spec §7 names for it.
func (k Kind) HTTPStatus() int {
	switch k {
	case Validation:
		return http.StatusUnprocessableEntity
	case NotFound:
		return http.StatusNotFound
	case Gone:
		return http.StatusGone
	case PreconditionFailed:
		return http.StatusPreconditionFailed
	case ConflictTransient:
		return http.StatusConflict
	case UnavailableDownstream:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is the typed error every core component returns for a spec §7
// condition. It wraps an optional cause so glog/pkg-errors stack context
// survives translation into an OperationOutcome at the REST boundary.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func NotFoundf(format string, args ...interface{}) *Error {
	return New(NotFound, fmt.Sprintf(format, args...))
}

func Gonef(format string, args ...interface{}) *Error {
	return New(Gone, fmt.Sprintf(format, args...))
}

func Validationf(format string, args ...interface{}) *Error {
	return New(Validation, fmt.Sprintf(format, args...))
}

func PreconditionFailedf(format string, args ...interface{}) *Error {
	return New(PreconditionFailed, fmt.Sprintf(format, args...))
}

// Classify generalizes server/errors.go's ErrorToOpOutcome: any error not
// already an *apperror.Error is treated as Internal, with its cause chain
// unwrapped via pkg/errors.Cause the same way the teacher does before
// logging it.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return &Error{Kind: Internal, Message: errors.Cause(err).Error(), Cause: err}
}
