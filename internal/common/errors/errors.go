// Package errors provides the orchestrator's error taxonomy.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds. These classify failures by how the orchestrator reacts to
// them, not by their origin.
const (
	KindConfig            = "CONFIG_ERROR"
	KindTracker           = "TRACKER_ERROR"
	KindResource          = "RESOURCE_ERROR"
	KindProbe             = "PROBE_ERROR"
	KindWriteback         = "WRITEBACK_ERROR"
	KindReaction          = "REACTION_FAILURE"
	KindSignature         = "SIGNATURE_ERROR"
	KindDuplicateDelivery = "DUPLICATE_DELIVERY"
	KindDuplicateSession  = "DUPLICATE_SESSION"
)

// OrchError is an error with an orchestrator-specific kind and, where the
// error surfaces over HTTP, the status code to return.
type OrchError struct {
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *OrchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *OrchError) Unwrap() error {
	return e.Err
}

// Config creates an error for missing projects or unresolved plugins.
// Config errors are surfaced to the caller and never suppressed.
func Config(message string) *OrchError {
	return &OrchError{Kind: KindConfig, Message: message, HTTPStatus: http.StatusBadRequest}
}

// Tracker creates an error for issue-tracker failures. A tracker error during
// spawn aborts before any resources are allocated.
func Tracker(message string, err error) *OrchError {
	return &OrchError{Kind: KindTracker, Message: message, HTTPStatus: http.StatusBadGateway, Err: err}
}

// Resource creates an error for id-reservation exhaustion or workspace
// creation failure. Callers roll back prior steps.
func Resource(message string, err error) *OrchError {
	return &OrchError{Kind: KindResource, Message: message, HTTPStatus: http.StatusInternalServerError, Err: err}
}

// Probe creates an error for a transient plugin probe failure during polling.
func Probe(message string, err error) *OrchError {
	return &OrchError{Kind: KindProbe, Message: message, HTTPStatus: http.StatusInternalServerError, Err: err}
}

// Writeback creates an error for a failed tracker comment. Writebacks are
// fire-and-forget; the error is logged and never blocks the state machine.
func Writeback(message string, err error) *OrchError {
	return &OrchError{Kind: KindWriteback, Message: message, HTTPStatus: http.StatusInternalServerError, Err: err}
}

// Reaction creates an error for a failed reaction dispatch. The attempt
// counter has already advanced; the next tick retries.
func Reaction(message string, err error) *OrchError {
	return &OrchError{Kind: KindReaction, Message: message, HTTPStatus: http.StatusInternalServerError, Err: err}
}

// Signature creates an error for a webhook signature failure.
func Signature(message string) *OrchError {
	return &OrchError{Kind: KindSignature, Message: message, HTTPStatus: http.StatusUnauthorized}
}

// DuplicateDelivery marks a webhook delivery already seen within the dedup
// window. Skipped silently with a 200 response.
func DuplicateDelivery(deliveryID string) *OrchError {
	return &OrchError{
		Kind:       KindDuplicateDelivery,
		Message:    fmt.Sprintf("delivery %q already processed", deliveryID),
		HTTPStatus: http.StatusOK,
	}
}

// DuplicateSession marks a spawn rejected because an active session already
// exists for the issue. Skipped silently with a 200 response.
func DuplicateSession(projectID, issueID string) *OrchError {
	return &OrchError{
		Kind:       KindDuplicateSession,
		Message:    fmt.Sprintf("active session exists for %s/%s", projectID, issueID),
		HTTPStatus: http.StatusOK,
	}
}

// KindOf returns the kind of an error, or "" if it is not an OrchError.
func KindOf(err error) string {
	var oe *OrchError
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return ""
}

// IsKind reports whether err is an OrchError of the given kind.
func IsKind(err error, kind string) bool {
	return KindOf(err) == kind
}

// GetHTTPStatus returns the HTTP status for an error, defaulting to 500.
func GetHTTPStatus(err error) int {
	var oe *OrchError
	if errors.As(err, &oe) {
		return oe.HTTPStatus
	}
	return http.StatusInternalServerError
}
