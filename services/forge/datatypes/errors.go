// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"errors"
	"fmt"
	"net/http"
)

// =============================================================================
// Error Kinds
// =============================================================================

// ErrorKind classifies failures across the forge service.
//
// Kinds determine propagation: client errors (InvalidRequest,
// AccessDenied, NotFound) surface immediately as a terminal error
// event; UpstreamUnavailable is retried with backoff before becoming
// terminal; ValidatorFailure drives the debug/fix loop instead of
// failing the workflow; InternalInvariant always terminates and is
// logged at ERROR.
type ErrorKind string

const (
	// KindInvalidRequest marks 400-class failures: bad fields, empty
	// text, forbidden substrings.
	KindInvalidRequest ErrorKind = "InvalidRequest"

	// KindAccessDenied marks 403-class failures: a path escaping the
	// project root.
	KindAccessDenied ErrorKind = "AccessDenied"

	// KindNotFound marks 404-class failures: missing backup,
	// conversation, or model.
	KindNotFound ErrorKind = "NotFound"

	// KindUpstreamUnavailable marks an unreachable or timed-out LLM
	// runtime, vector store, or web search.
	KindUpstreamUnavailable ErrorKind = "UpstreamUnavailable"

	// KindStructuredOutput marks schema validation that failed after
	// all retries.
	KindStructuredOutput ErrorKind = "StructuredOutputError"

	// KindValidatorFailure marks an external validator returning
	// non-success. Not fatal; recovered by the debug/fix branch.
	KindValidatorFailure ErrorKind = "ValidatorFailure"

	// KindInternalInvariant marks unexpected state, e.g. a stage name
	// missing from the transition table.
	KindInternalInvariant ErrorKind = "InternalInvariant"
)

// HTTPStatus maps the kind to an HTTP status code for the API surface.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindAccessDenied:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindUpstreamUnavailable:
		return http.StatusBadGateway
	case KindStructuredOutput, KindValidatorFailure, KindInternalInvariant:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// =============================================================================
// Classified Error
// =============================================================================

// Error is a classified failure carrying a kind, a human message, and
// an optional wrapped cause.
//
// Construct with E or the kind-specific helpers; inspect with KindOf:
//
//	err := datatypes.E(datatypes.KindNotFound, "backup %q not found", name)
//	...
//	if datatypes.KindOf(err) == datatypes.KindNotFound {
//	    c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
//	}
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// E creates a classified error with a formatted message.
//
// If the final argument is an error, it becomes the wrapped cause and
// is excluded from formatting, mirroring the pkg/errors convention:
//
//	datatypes.E(datatypes.KindUpstreamUnavailable, "ollama generate", err)
//	datatypes.E(datatypes.KindInvalidRequest, "temperature %v out of range", temp)
func E(kind ErrorKind, format string, args ...any) *Error {
	var cause error
	if len(args) > 0 {
		if err, ok := args[len(args)-1].(error); ok {
			cause = err
			args = args[:len(args)-1]
		}
	}
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &Error{Kind: kind, Message: msg, Err: cause}
}

// KindOf extracts the ErrorKind from an error chain.
//
// Unclassified errors report KindInternalInvariant: anything that
// escapes without a classification is by definition unexpected state.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternalInvariant
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether the failure may succeed on retry.
//
// Only upstream availability problems are retried; client errors and
// invariant violations never are.
func IsRetryable(err error) bool {
	return IsKind(err, KindUpstreamUnavailable)
}
