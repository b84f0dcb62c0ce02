// Package engineerr defines the error taxonomy surfaced by the engine. Each
// kind maps to one of the propagation rules in the error handling design:
// what a layer can retry, what it must log and move past, and what is
// allowed to abort a pipeline step versus the whole process.
package engineerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for routing and logging purposes.
type Kind string

const (
	// KindConfig: misconfigured channel or environment, fatal at deploy.
	KindConfig Kind = "configuration"
	// KindTransient: database connectivity, peer 5xx, network blip.
	KindTransient Kind = "transient_infrastructure"
	// KindScript: preprocessor/transformer/postprocessor failure.
	KindScript Kind = "script"
	// KindSend: connector send timeout, refusal, protocol failure.
	KindSend Kind = "connector_send"
	// KindValidation: response validator demoted the message to ERROR.
	KindValidation Kind = "validation"
	// KindAuth: dispatch authentication failure (403).
	KindAuth Kind = "protocol_auth"
	// KindContention: lease lost, quorum lost.
	KindContention Kind = "resource_contention"
	// KindShutdown: suspension-point abandonment during graceful shutdown.
	KindShutdown Kind = "shutdown"
)

// Error wraps an underlying cause with a Kind so callers can branch with
// errors.As without string-matching messages.
type Error struct {
	Kind    Kind
	Op      string
	Err     error
	Detail  string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s): %v", e.Op, e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error for the given kind and operation.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Withf attaches a formatted detail string, useful for carrying the
// script source line, connector name, or validation reason.
func (e *Error) Withf(format string, args ...any) *Error {
	e.Detail = fmt.Sprintf(format, args...)
	return e
}

// Is reports whether err (or any error it wraps) has the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Retryable reports whether the error's kind is one the destination queue
// retry policy should act on rather than a terminal failure.
func Retryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindTransient, KindSend, KindValidation:
		return true
	default:
		return false
	}
}
