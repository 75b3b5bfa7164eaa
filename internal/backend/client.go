// Package backend is the HTTP client for the LearnTrack API endpoints the
// session agent depends on: OAuth code exchange, onboarding status,
// authorization URLs and logout.
//
// The API establishes credentials with cookies rather than response bodies.
// The client keeps them in a cookie jar for follow-up calls and hands them to
// a CredentialSink so the transport layer can reuse them.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oapi-codegen/runtime"

	"github.com/learntrack/ltsession/internal/credentials"
	"github.com/learntrack/ltsession/internal/profile"
)

// Cookie names the API uses for transport credentials.
const (
	AccessTokenCookie  = "access_token"
	RefreshTokenCookie = "refresh_token"
)

// Header names attached to every request.
const (
	RequestIDHeader   = "X-Request-ID"
	FingerprintHeader = "X-Device-Fingerprint"
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

// ExchangeResult is the response of a successful code exchange. Tokens are
// never part of it.
type ExchangeResult struct {
	User      profile.User `json:"user"`
	IsNewUser bool         `json:"is_new_user"`
}

// OnboardingStatus reports whether the current user finished onboarding.
type OnboardingStatus struct {
	OnboardingCompleted bool `json:"onboarding_completed"`
}

// CredentialSink receives credentials issued as cookies.
type CredentialSink interface {
	StoreCredentials(ctx context.Context, creds credentials.Credentials)
}

// Option configures a Client.
type Option func(*Client)

// WithTransport sets the base transport for API requests.
func WithTransport(transport http.RoundTripper) Option {
	return func(c *Client) {
		if transport != nil {
			c.httpClient.Transport = transport
		}
	}
}

// WithTimeout bounds every API request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithCredentialSink registers where cookie-borne credentials are stored.
func WithCredentialSink(sink CredentialSink) Option {
	return func(c *Client) {
		c.sink = sink
	}
}

// WithFingerprint attaches a device fingerprint to every request.
func WithFingerprint(fingerprint string) Option {
	return func(c *Client) {
		c.fingerprint = fingerprint
	}
}

// Client talks to the LearnTrack API.
type Client struct {
	baseURL     *url.URL
	httpClient  *http.Client
	sink        CredentialSink
	fingerprint string
}

// New creates a Client for the API rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid backend URL %q: scheme and host required", baseURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}

	c := &Client{
		baseURL: u,
		httpClient: &http.Client{
			Jar:     jar,
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// ExchangeOAuthCode trades an authorization code for a session. The backend
// sets credential cookies on the response; the returned body carries only
// the identity.
func (c *Client) ExchangeOAuthCode(ctx context.Context, provider, code, state string) (*ExchangeResult, error) {
	body := map[string]string{"code": code, "state": state}
	path, err := providerPath(provider, "callback")
	if err != nil {
		return nil, err
	}

	var result ExchangeResult
	resp, err := c.do(ctx, http.MethodPost, path, nil, body, &result)
	if err != nil {
		return nil, err
	}
	c.captureCredentials(ctx, resp)
	return &result, nil
}

// FetchOnboardingStatus returns the onboarding state of the signed-in user.
func (c *Client) FetchOnboardingStatus(ctx context.Context) (*OnboardingStatus, error) {
	var status OnboardingStatus
	if _, err := c.do(ctx, http.MethodGet, "/onboarding/status", nil, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// AuthorizationURL asks the API where to send the user to sign in with provider.
func (c *Client) AuthorizationURL(ctx context.Context, provider, redirectURI string) (string, error) {
	query := url.Values{}
	if redirectURI != "" {
		query.Set("redirect_uri", redirectURI)
	}

	var out struct {
		AuthorizationURL string `json:"authorization_url"`
	}
	path, err := providerPath(provider, "authorize")
	if err != nil {
		return "", err
	}
	if _, err := c.do(ctx, http.MethodGet, path, query, nil, &out); err != nil {
		return "", err
	}
	if out.AuthorizationURL == "" {
		return "", fmt.Errorf("backend returned no authorization URL for %s", provider)
	}
	return out.AuthorizationURL, nil
}

// Logout ends the server-side session.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/auth/logout", nil, nil, nil)
	return err
}

// providerPath builds /auth/oauth/{provider}/{action} with provider styled
// as a simple path parameter.
func providerPath(provider, action string) (string, error) {
	segment, err := runtime.StyleParamWithLocation("simple", false, "provider", runtime.ParamLocationPath, provider)
	if err != nil {
		return "", fmt.Errorf("invalid provider %q: %w", provider, err)
	}
	return "/auth/oauth/" + segment + "/" + action, nil
}

// do performs a JSON request and decodes a 2xx response into out.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) (*http.Response, error) {
	u := *c.baseURL
	u.Path += path
	u.RawQuery = query.Encode()

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(RequestIDHeader, uuid.NewString())
	if c.fingerprint != "" {
		req.Header.Set(FingerprintHeader, c.fingerprint)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, readError(resp)
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, fmt.Errorf("decoding %s %s response: %w", method, path, err)
		}
	}
	return resp, nil
}

// captureCredentials forwards cookie-borne credentials to the sink.
func (c *Client) captureCredentials(ctx context.Context, resp *http.Response) {
	if c.sink == nil {
		return
	}

	var creds credentials.Credentials
	for _, cookie := range resp.Cookies() {
		switch cookie.Name {
		case AccessTokenCookie:
			creds.AccessToken = cookie.Value
		case RefreshTokenCookie:
			creds.RefreshToken = cookie.Value
		}
	}
	if creds.AccessToken == "" && creds.RefreshToken == "" {
		slog.DebugContext(ctx, "exchange response carried no credential cookies")
		return
	}
	creds.TokenType = "bearer"
	c.sink.StoreCredentials(ctx, creds)
}

// Error is a non-2xx API response.
type Error struct {
	StatusCode int
	// Detail is the human-readable message from the response body, if any.
	Detail string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("backend returned %d", e.StatusCode)
}

// DetailOf returns the API-supplied detail message carried by err, or "".
func DetailOf(err error) string {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Detail
	}
	return ""
}

func readError(resp *http.Response) error {
	apiErr := &Error{StatusCode: resp.StatusCode}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(raw) == 0 {
		return apiErr
	}

	var payload struct {
		Detail  json.RawMessage `json:"detail"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return apiErr
	}

	// detail is a string for handled errors and a list for validation errors
	var detail string
	if err := json.Unmarshal(payload.Detail, &detail); err == nil {
		apiErr.Detail = detail
	} else {
		apiErr.Detail = payload.Message
	}
	return apiErr
}
