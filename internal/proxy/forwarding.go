package proxy

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/learntrack/ltsession/internal/backend"
)

// allowedHeaders defines the HTTP headers permitted to pass through to the LearnTrack API.
var allowedHeaders = map[string]bool{
	"Content-Type":      true,
	"Content-Length":    true,
	"Accept":            true,
	"Accept-Encoding":   true,
	"Accept-Language":   true,
	"If-None-Match":     true,
	"If-Modified-Since": true,
	"Authorization":     true, // set by oauth2.Transport before this transport runs

	// W3C Trace Context for distributed tracing correlation.
	"Traceparent": true,
	"Tracestate":  true,

	"X-Request-Id": true, // canonical form of backend.RequestIDHeader
}

// ForwardingTransport is an http.RoundTripper that sanitises proxied API
// requests. Browser cookies and other client headers never reach the API;
// the session agent's own request ID and device fingerprint are attached.
type ForwardingTransport struct {
	Base        http.RoundTripper
	Fingerprint string
}

// Compile-time check that ForwardingTransport implements http.RoundTripper.
var _ http.RoundTripper = (*ForwardingTransport)(nil)

// RoundTrip implements http.RoundTripper interface.
func (t *ForwardingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	newReq := req.Clone(req.Context())

	originalHeaders := newReq.Header
	newReq.Header = make(http.Header)
	for key, values := range originalHeaders {
		if allowedHeaders[key] {
			newReq.Header[key] = values
		}
	}

	if newReq.Header.Get(backend.RequestIDHeader) == "" {
		newReq.Header.Set(backend.RequestIDHeader, uuid.NewString())
	}
	if t.Fingerprint != "" {
		newReq.Header.Set(backend.FingerprintHeader, t.Fingerprint)
	}

	return base.RoundTrip(newReq)
}
