package errorutil

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5"
)

// Error codes shared by the engine and the HTTP layer.
const (
	CodeValidation            = "VALIDATION_FAILED"
	CodeNotFound              = "NOT_FOUND"
	CodeUnauthorized          = "UNAUTHORIZED"
	CodeForbidden             = "FORBIDDEN"
	CodeInvalidTransition     = "INVALID_TRANSITION"
	CodeNoTechnicianAvailable = "NO_TECHNICIAN_AVAILABLE"
	CodeConcurrencyConflict   = "CONCURRENCY_CONFLICT"
	CodeInfrastructure        = "INFRASTRUCTURE_ERROR"
	CodeInternal              = "INTERNAL_ERROR"
	CodeDependencyUnavailable = "DEPENDENCY_UNAVAILABLE"
)

// DomainError standardizes application errors.
type DomainError struct {
	Code       string
	Message    string
	HTTPStatus int
	Details    map[string]any
	Err        error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError constructs a DomainError.
func NewDomainError(code, message string, status int, details map[string]any) *DomainError {
	return &DomainError{Code: code, Message: message, HTTPStatus: status, Details: details}
}

func NewValidationError(message string, details map[string]any) error {
	return NewDomainError(CodeValidation, message, http.StatusBadRequest, details)
}

func NewNotFound(resource string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	return &DomainError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		HTTPStatus: http.StatusNotFound,
		Details:    details,
	}
}

func NewUnauthorized(message string) error {
	return NewDomainError(CodeUnauthorized, message, http.StatusUnauthorized, nil)
}

func NewForbidden(message string) error {
	return NewDomainError(CodeForbidden, message, http.StatusForbidden, nil)
}

// NewInvalidTransition reports a lifecycle change that the current status does not allow.
func NewInvalidTransition(from, to string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	details["from"] = from
	details["to"] = to
	return &DomainError{
		Code:       CodeInvalidTransition,
		Message:    fmt.Sprintf("cannot transition from %s to %s", from, to),
		HTTPStatus: http.StatusConflict,
		Details:    details,
	}
}

// NewNoTechnicianAvailable is the non-fatal outcome of a match attempt that found nobody.
func NewNoTechnicianAvailable(tag string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	details["capability"] = tag
	return &DomainError{
		Code:       CodeNoTechnicianAvailable,
		Message:    "no technician available",
		HTTPStatus: http.StatusAccepted,
		Details:    details,
	}
}

func NewConcurrencyConflict(message string, details map[string]any) error {
	return NewDomainError(CodeConcurrencyConflict, message, http.StatusConflict, details)
}

// NewInfrastructureError wraps a persistence or notification failure. The in-memory
// state it refers to has already been committed.
func NewInfrastructureError(operation string, err error) error {
	return &DomainError{
		Code:       CodeInfrastructure,
		Message:    fmt.Sprintf("%s delayed", operation),
		HTTPStatus: http.StatusAccepted,
		Details:    map[string]any{"operation": operation},
		Err:        err,
	}
}

func NewInternalError(err error) error {
	return &DomainError{
		Code:       CodeInternal,
		Message:    "internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// ToDomainError converts generic errors to DomainError.
func ToDomainError(err error) *DomainError {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return NewNotFound("resource", nil).(*DomainError)
	}
	return NewInternalError(err).(*DomainError)
}

func MapError(err error) error {
	return ToDomainError(err)
}

// HasCode reports whether err, or any error joined or wrapped into it, is a
// DomainError with the given code.
func HasCode(err error, code string) bool {
	found := false
	walk(err, func(de *DomainError) bool {
		if de.Code == code {
			found = true
			return false
		}
		return true
	})
	return found
}

// Codes lists the DomainError codes contained in err in traversal order.
func Codes(err error) []string {
	var codes []string
	walk(err, func(de *DomainError) bool {
		codes = append(codes, de.Code)
		return true
	})
	return codes
}

// IsNonFatal reports whether every DomainError in err describes an outcome
// where the requested state change was committed or deliberately deferred.
func IsNonFatal(err error) bool {
	if err == nil {
		return true
	}
	return nonFatal(err)
}

func nonFatal(err error) bool {
	if de, ok := err.(*DomainError); ok {
		return de.Code == CodeNoTechnicianAvailable || de.Code == CodeInfrastructure
	}
	switch x := err.(type) {
	case interface{ Unwrap() []error }:
		inner := x.Unwrap()
		if len(inner) == 0 {
			return false
		}
		for _, e := range inner {
			if !nonFatal(e) {
				return false
			}
		}
		return true
	case interface{ Unwrap() error }:
		if inner := x.Unwrap(); inner != nil {
			return nonFatal(inner)
		}
	}
	return false
}

func walk(err error, visit func(*DomainError) bool) bool {
	if err == nil {
		return true
	}
	if de, ok := err.(*DomainError); ok {
		return visit(de)
	}
	switch x := err.(type) {
	case interface{ Unwrap() []error }:
		for _, inner := range x.Unwrap() {
			if !walk(inner, visit) {
				return false
			}
		}
		return true
	case interface{ Unwrap() error }:
		return walk(x.Unwrap(), visit)
	}
	return true
}

// Each calls fn for every DomainError joined or wrapped into err.
func Each(err error, fn func(*DomainError)) {
	walk(err, func(de *DomainError) bool {
		fn(de)
		return true
	})
}
