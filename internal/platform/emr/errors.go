package emr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"unicode/utf8"
)

// Kind classifies an integration failure so callers can branch on it without
// inspecting concrete error types.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfigurationMissing
	KindAuthorizationDenied
	KindProviderError
	KindStateExpired
	KindStateInvalid
	KindTokenExchangeFailed
	KindTokenRequestFailed
	KindAuthenticationRequired
	KindUpstreamUnavailable
	KindMalformedResponse
	KindHTTPError
)

var kindNames = map[Kind]string{
	KindUnknown:                "unknown",
	KindConfigurationMissing:   "configuration_missing",
	KindAuthorizationDenied:    "authorization_denied",
	KindProviderError:          "provider_error",
	KindStateExpired:           "state_expired",
	KindStateInvalid:           "state_invalid",
	KindTokenExchangeFailed:    "token_exchange_failed",
	KindTokenRequestFailed:     "token_request_failed",
	KindAuthenticationRequired: "authentication_required",
	KindUpstreamUnavailable:    "upstream_unavailable",
	KindMalformedResponse:      "malformed_response",
	KindHTTPError:              "http_error",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// maxBodyLen bounds how much of an upstream response body is kept on an error.
const maxBodyLen = 512

// Error is the single error type surfaced by the EMR integration layers.
// Status and Body are populated for failures that carry an HTTP response.
type Error struct {
	Kind   Kind
	Op     string
	System string
	Status int
	Body   string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.System != "" {
		msg += " [" + e.System + "]"
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, which lets callers compare against
// the package sentinels with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrConfigurationMissing   = &Error{Kind: KindConfigurationMissing}
	ErrAuthorizationDenied    = &Error{Kind: KindAuthorizationDenied}
	ErrProviderError          = &Error{Kind: KindProviderError}
	ErrStateExpired           = &Error{Kind: KindStateExpired}
	ErrStateInvalid           = &Error{Kind: KindStateInvalid}
	ErrTokenExchangeFailed    = &Error{Kind: KindTokenExchangeFailed}
	ErrTokenRequestFailed     = &Error{Kind: KindTokenRequestFailed}
	ErrAuthenticationRequired = &Error{Kind: KindAuthenticationRequired}
	ErrUpstreamUnavailable    = &Error{Kind: KindUpstreamUnavailable}
	ErrMalformedResponse      = &Error{Kind: KindMalformedResponse}
	ErrHTTPError              = &Error{Kind: KindHTTPError}
)

// KindOf returns the Kind of err, or KindUnknown when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// StatusOf returns the upstream HTTP status recorded on err, if any.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// NewError builds an *Error of the given kind.
func NewError(kind Kind, op, system string, err error) *Error {
	return &Error{Kind: kind, Op: op, System: system, Err: err}
}

// ResponseError builds an *Error carrying an upstream status and a truncated body.
func ResponseError(kind Kind, op, system string, status int, body []byte) *Error {
	return &Error{Kind: kind, Op: op, System: system, Status: status, Body: Truncate(string(body))}
}

// Truncate shortens s to the diagnostic body limit without splitting a
// multi-byte rune.
func Truncate(s string) string {
	if len(s) <= maxBodyLen {
		return s
	}
	cut := maxBodyLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "...(truncated)"
}

// TransportError classifies a failed round trip. Deadlines, cancellations and
// network failures all surface as UpstreamUnavailable.
func TransportError(op, system string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindUpstreamUnavailable, Op: op, System: system, Err: describeTransport(err)}
}

func describeTransport(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("timed out: %w", err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("cancelled: %w", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("timed out: %w", err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%s %s: %w", urlErr.Op, redactURL(urlErr.URL), urlErr.Err)
	}
	return err
}

// redactURL drops the query string, which may carry search criteria (PHI).
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	return u.String()
}
