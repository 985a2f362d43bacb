// Copyright (c) 2025 Querygate
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package errors defines typed errors with categories for reporting job failures.
// Every failure that reaches a caller carries a machine-readable Kind so the
// HTTP and gRPC front ends can pick a status code without string matching,
// plus a human-friendly message for logs and terminal output.
//
// The package supports wrapping underlying errors while maintaining the kind,
// and unwraps through the standard errors.Is/As machinery.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind is a machine-readable error category.
type Kind string

const (
	// KindPoolExhausted indicates a bounded wait for a connection timed out.
	KindPoolExhausted Kind = "pool_exhausted"
	// KindBackendUnavailable indicates a new connection could not be opened.
	KindBackendUnavailable Kind = "backend_unavailable"
	// KindExecutionFailed indicates the query engine returned an error or panicked.
	KindExecutionFailed Kind = "execution_failed"
	// KindShuttingDown indicates the worker pool or connection pool stopped accepting work.
	KindShuttingDown Kind = "pool_shutting_down"
	// KindSerializationFailed indicates the engine result could not be encoded.
	KindSerializationFailed Kind = "serialization_failed"
	// KindQueueFull indicates the job queue is at capacity.
	KindQueueFull Kind = "queue_full"
	// KindExpired indicates the request deadline passed before execution started.
	KindExpired Kind = "deadline_expired"
	// KindCanceled indicates the caller gave up waiting.
	KindCanceled Kind = "canceled"
	// KindInvalidRequest indicates a malformed query document or request parameter.
	KindInvalidRequest Kind = "invalid_request"
	// KindRateLimited indicates the client exceeded its request rate.
	KindRateLimited Kind = "rate_limited"
)

// E wraps an error with kind and human-friendly message.
type E struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *E) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *E) Unwrap() error { return e.Err }

func Wrap(kind Kind, msg string, err error) *E { return &E{Kind: kind, Message: msg, Err: err} }
func New(kind Kind, msg string) *E             { return &E{Kind: kind, Message: msg} }

// KindOf returns the kind of the outermost *E in err's chain, or "" when err
// carries none.
func KindOf(err error) Kind {
	var e *E
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// MessageOf returns the human-friendly message of err without the kind prefix.
func MessageOf(err error) string {
	var e *E
	if stderrors.As(err, &e) {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Message, e.Err)
		}
		return e.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
