package tokensource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/learntrack/ltsession/internal/backend"
)

// defaultTimeout bounds a refresh when no WithTimeout option is given.
const defaultTimeout = 30 * time.Second

// maxRefreshBody bounds how much of a refresh response is buffered.
const maxRefreshBody = 1 << 20

// TokenSourceOption configures a TokenSource.
type TokenSourceOption func(*options)

type options struct {
	base    http.RoundTripper
	timeout time.Duration
}

// WithTransport sets the transport refresh requests are sent through.
// Defaults to http.DefaultTransport.
func WithTransport(transport http.RoundTripper) TokenSourceOption {
	return func(o *options) {
		if transport != nil {
			o.base = transport
		}
	}
}

// WithTimeout bounds each refresh request.
func WithTimeout(timeout time.Duration) TokenSourceOption {
	return func(o *options) {
		if timeout > 0 {
			o.timeout = timeout
		}
	}
}

// TokenSource mints access tokens from a LearnTrack refresh token.
type TokenSource struct {
	source oauth2.TokenSource
}

// Compile-time check to ensure TokenSource implements oauth2.TokenSource
var _ oauth2.TokenSource = (*TokenSource)(nil)

// NewTokenSource returns a TokenSource seeded with refreshToken. The first
// Token call always refreshes; later calls reuse the token until it expires.
func NewTokenSource(refreshToken string, endpoint oauth2.Endpoint, clientID string, opts ...TokenSourceOption) *TokenSource {
	o := &options{base: http.DefaultTransport, timeout: defaultTimeout}
	for _, opt := range opts {
		opt(o)
	}

	client := &http.Client{
		// oauth2 refreshes with context.Background, so this is the only bound.
		Timeout:   o.timeout,
		Transport: &refreshTransport{base: o.base},
	}
	// Token() takes no context; oauth2 reads its client from this one.
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, client)

	conf := &oauth2.Config{ClientID: clientID, Endpoint: endpoint}
	return &TokenSource{
		source: conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}),
	}
}

// Token returns a valid access token, refreshing when the previous one expired.
func (ts *TokenSource) Token() (*oauth2.Token, error) {
	return ts.source.Token()
}

// refreshTransport adapts oauth2 refresh requests to the LearnTrack API in
// both directions. The form-encoded request is re-sent as JSON, and tokens
// the API returns as cookies are folded into the JSON body oauth2 parses.
// oauth2 only sends token endpoint requests through it.
type refreshTransport struct {
	base http.RoundTripper
}

// Compile-time check that refreshTransport implements http.RoundTripper.
var _ http.RoundTripper = (*refreshTransport)(nil)

func (t *refreshTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	out, err := jsonRequest(req)
	if err != nil {
		return nil, err
	}

	resp, err := t.base.RoundTrip(out)
	if err != nil {
		return nil, err
	}
	return foldCookieTokens(resp)
}

// jsonRequest clones req with its form body re-encoded as a JSON object.
// The original body is consumed and closed.
func jsonRequest(req *http.Request) (*http.Request, error) {
	defer func() { _ = req.Body.Close() }()
	raw, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("reading refresh request: %w", err)
	}

	form, err := url.ParseQuery(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parsing refresh request: %w", err)
	}
	fields := make(map[string]string, len(form))
	for key := range form {
		fields[key] = form.Get(key)
	}

	body, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encoding refresh request: %w", err)
	}

	out := req.Clone(req.Context())
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.ContentLength = int64(len(body))
	out.Header.Set("Content-Type", "application/json")
	out.Header.Set("Accept", "application/json")
	return out, nil
}

// foldCookieTokens rewrites a successful refresh response whose access token
// arrived only as a cookie. Responses already carrying access_token in the
// body, and failed responses, pass through untouched.
func foldCookieTokens(resp *http.Response) (*http.Response, error) {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, nil
	}

	var access, refresh string
	for _, cookie := range resp.Cookies() {
		switch cookie.Name {
		case backend.AccessTokenCookie:
			access = cookie.Value
		case backend.RefreshTokenCookie:
			refresh = cookie.Value
		}
	}
	if access == "" {
		return resp, nil
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxRefreshBody))
	_ = resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("reading refresh response: %w", err)
	}

	payload := make(map[string]any)
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			payload = make(map[string]any)
		}
	}
	if token, _ := payload["access_token"].(string); token != "" {
		resp.Body = io.NopCloser(bytes.NewReader(raw))
		return resp, nil
	}

	payload["access_token"] = access
	if refresh != "" {
		payload["refresh_token"] = refresh
	}
	if _, ok := payload["token_type"]; !ok {
		payload["token_type"] = "bearer"
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding refresh response: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.Header.Del("Content-Length")
	resp.Header.Set("Content-Type", "application/json")
	return resp, nil
}
