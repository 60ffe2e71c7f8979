package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// API paths.
const (
	PathLogin                = "/auth/login"
	PathRegister             = "/auth/register"
	PathRefresh              = "/auth/refresh"
	PathLogout               = "/auth/logout"
	PathVerifyEmail          = "/auth/verify-email"
	PathPasswordReset        = "/auth/password-reset"
	PathPasswordResetConfirm = "/auth/password-reset/confirm"
	PathUpload               = "/receipts/upload"
	PathJobs                 = "/jobs/"
)

// publicPaths are part of the authentication bootstrap: they never carry the
// stored credential and never trigger renewal, even on 401.
var publicPaths = map[string]bool{
	PathLogin:                true,
	PathRegister:             true,
	PathRefresh:              true,
	PathVerifyEmail:          true,
	PathPasswordReset:        true,
	PathPasswordResetConfirm: true,
}

// IsPublic reports whether path is on the public allow-list. Query strings
// and a trailing slash are ignored.
func IsPublic(path string) bool {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}

	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}

	return publicPaths[path]
}

// Request describes one outbound call. The body is held in memory so the call
// can be replayed byte-for-byte after a credential renewal.
type Request struct {
	Method      string
	Path        string
	Header      http.Header
	Body        []byte
	ContentType string

	// Timeout overrides the client's default per-call timeout.
	Timeout time.Duration

	// ID is sent as X-Request-ID and kept across the replay, so the server
	// can recognize a replayed job creation. Assigned by Do when empty.
	ID string

	retried bool
}

// NewRequest builds a Request with a raw body.
func NewRequest(method, path string, body []byte) *Request {
	return &Request{Method: method, Path: path, Body: body}
}

// NewJSONRequest builds a Request whose body is v encoded as JSON.
func NewJSONRequest(method, path string, v any) (*Request, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("api: encoding %s %s body: %w", method, path, err)
	}

	return &Request{Method: method, Path: path, Body: body, ContentType: "application/json"}, nil
}

// Retried reports whether the request has already been replayed once.
func (r *Request) Retried() bool {
	return r.retried
}

// Response is a successful (2xx) API response with its body fully read.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("api: decoding response: %w", err)
	}

	return nil
}
