// Package apperrors implements the error taxonomy every component in this
// module returns through: a single concrete type classified by Kind rather
// than a hierarchy of error types.
package apperrors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error for retry and breaker decisions. Only Transient and
// UpstreamUnavailable count toward circuit breaker failure thresholds.
type Kind string

const (
	KindClientError        Kind = "CLIENT_ERROR"
	KindTransient          Kind = "TRANSIENT"
	KindUpstreamUnavailable Kind = "UPSTREAM_UNAVAILABLE"
	KindCircuitOpen        Kind = "CIRCUIT_OPEN"
	KindRateLimited        Kind = "RATE_LIMITED"
	KindDeadlineExceeded   Kind = "DEADLINE_EXCEEDED"
	KindExtractionFailed   Kind = "EXTRACTION_FAILED"
	KindServiceDegraded    Kind = "SERVICE_DEGRADED"
	KindCapacityExceeded   Kind = "CAPACITY_EXCEEDED"
)

// CountsTowardBreaker reports whether failures of this kind should be
// counted by a circuit breaker.
func (k Kind) CountsTowardBreaker() bool {
	return k == KindTransient || k == KindUpstreamUnavailable
}

// AppError is the single error type used across the module.
type AppError struct {
	Kind    Kind
	Message string
	Details string
	Cause   error
}

func New(kind Kind, message string) *AppError {
	return &AppError{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...any) *AppError {
	return New(kind, fmt.Sprintf(format, args...))
}

func Wrap(cause error, kind Kind, message string) *AppError {
	return &AppError{Kind: kind, Message: message, Cause: cause}
}

func Wrapf(cause error, kind Kind, format string, args ...any) *AppError {
	return Wrap(cause, kind, fmt.Sprintf(format, args...))
}

func (e *AppError) Error() string {
	var b strings.Builder
	b.WriteString(strings.ToLower(string(e.Kind)))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Details != "" {
		b.WriteString(" (")
		b.WriteString(e.Details)
		b.WriteString(")")
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *AppError) Unwrap() error { return e.Cause }

// WithDetails mutates e in place and returns it for chaining.
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithDetailsf(format string, args ...any) *AppError {
	return e.WithDetails(fmt.Sprintf(format, args...))
}

// IsKind reports whether err is an *AppError of the given kind.
func IsKind(err error, kind Kind) bool {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Kind == kind
	}
	return false
}

// GetKind returns the kind of err, or KindClientError's sibling "unknown"
// fallback (internal, not classified) for non-AppError values.
func GetKind(err error) Kind {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return "UNKNOWN"
}

// LogFields produces structured logging fields for err.
func LogFields(err error) map[string]any {
	fields := map[string]any{"error": err.Error()}
	var ae *AppError
	if errors.As(err, &ae) {
		fields["error_kind"] = string(ae.Kind)
		if ae.Details != "" {
			fields["error_details"] = ae.Details
		}
		if ae.Cause != nil {
			fields["underlying_error"] = ae.Cause.Error()
		}
	}
	return fields
}

// Chain joins non-nil errors with " -> ". Returns nil if every argument is
// nil, and the error itself (not a wrapper) if exactly one is non-nil.
func Chain(errs ...error) error {
	var msgs []string
	var nonNil []error
	for _, e := range errs {
		if e == nil {
			continue
		}
		nonNil = append(nonNil, e)
		msgs = append(msgs, e.Error())
	}
	switch len(nonNil) {
	case 0:
		return nil
	case 1:
		return nonNil[0]
	default:
		return errors.New(strings.Join(msgs, " -> "))
	}
}
