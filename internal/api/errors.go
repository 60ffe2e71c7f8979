// Package api is the authenticated HTTP gateway to the receipts API. It
// attaches credentials, classifies responses, single-flights credential
// renewal across concurrent requests, and replays a request at most once
// after an authorization failure.
package api

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors. Use errors.Is(err, api.ErrNotFound) to check.
var (
	ErrBadRequest         = errors.New("api: bad request")
	ErrInvalidCredentials = errors.New("api: invalid credentials")
	ErrUnauthorized       = errors.New("api: unauthorized")
	ErrForbidden          = errors.New("api: forbidden")
	ErrNotFound           = errors.New("api: not found")
	ErrConflict           = errors.New("api: conflict")
	ErrGone               = errors.New("api: resource gone")
	ErrThrottled          = errors.New("api: throttled")
	ErrClientError        = errors.New("api: client error")
	ErrServerError        = errors.New("api: server error")
	ErrNetwork            = errors.New("api: network error")

	// ErrNotLoggedIn is returned before any network call when a protected
	// endpoint is requested with no stored credentials.
	ErrNotLoggedIn = errors.New("api: not logged in")

	// ErrRenewalFailed ends the session: the credentials have been cleared
	// and a SessionEnded event published.
	ErrRenewalFailed = errors.New("api: credential renewal failed")
)

// maxErrorMessage bounds the response body kept on an APIError.
const maxErrorMessage = 4096

// APIError wraps a sentinel with the HTTP status, server request ID, and the
// response body for debugging.
type APIError struct {
	StatusCode int
	RequestID  string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("api: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, e.Message)
	}

	return fmt.Sprintf("api: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// classifyStatus maps a non-2xx status to a sentinel. A 401 from a public
// endpoint means the submitted credentials were wrong, not that the stored
// access token expired, so it never feeds the renewal path.
func classifyStatus(code int, public bool) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		if public {
			return ErrInvalidCredentials
		}

		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusGone:
		return ErrGone
	case http.StatusTooManyRequests:
		return ErrThrottled
	}

	if code >= http.StatusInternalServerError {
		return ErrServerError
	}

	return ErrClientError
}

// Outcome is the uniform classification of a dispatched call.
type Outcome int

// Outcomes. NotSent covers calls that failed before reaching the network
// (no credentials, caller canceled, renewal failed).
const (
	OutcomeSuccess Outcome = iota
	OutcomeClientError
	OutcomeAuthFailure
	OutcomeServerError
	OutcomeNetworkError
	OutcomeNotSent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeClientError:
		return "client_error"
	case OutcomeAuthFailure:
		return "auth_failure"
	case OutcomeServerError:
		return "server_error"
	case OutcomeNetworkError:
		return "network_error"
	default:
		return "not_sent"
	}
}

// Classify maps an error returned by Client.Do to its Outcome.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}

	switch {
	case errors.Is(err, ErrUnauthorized):
		return OutcomeAuthFailure
	case errors.Is(err, ErrServerError):
		return OutcomeServerError
	case errors.Is(err, ErrNetwork):
		return OutcomeNetworkError
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode >= http.StatusBadRequest && apiErr.StatusCode < http.StatusInternalServerError {
		return OutcomeClientError
	}

	return OutcomeNotSent
}

// Rejected reports whether err is a 4xx answer that asking again will not
// change. Throttling is excluded; it clears on its own.
func Rejected(err error) bool {
	if err == nil || Retryable(err) {
		return false
	}

	for _, sentinel := range []error{
		ErrBadRequest, ErrUnauthorized, ErrForbidden, ErrNotFound,
		ErrConflict, ErrGone, ErrClientError,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}

	return Classify(err) == OutcomeClientError
}

// Retryable reports whether a job-status poll may try again after err.
// Server and network failures are transient; everything else is either the
// caller's problem or ends the session.
func Retryable(err error) bool {
	switch Classify(err) {
	case OutcomeServerError, OutcomeNetworkError:
		return true
	default:
		return errors.Is(err, ErrThrottled)
	}
}
