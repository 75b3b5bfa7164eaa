package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/learntrack/ltsession/internal/backend"
	"github.com/learntrack/ltsession/internal/callback"
	"github.com/learntrack/ltsession/internal/credentials"
	"github.com/learntrack/ltsession/internal/profile"
)

// apiPrefix is stripped from proxied API paths.
const apiPrefix = "/api"

// Dependencies are the collaborators of a Proxy. All are required.
type Dependencies struct {
	// TokenSource authorizes proxied API requests.
	TokenSource  oauth2.TokenSource
	Backend      *backend.Client
	Credentials  *credentials.Store
	Profiles     *profile.Store
	Destinations *callback.TabDestinations
	// Guard is shared by every landing-page request.
	Guard *callback.Guard
}

// Option configures a Proxy.
type Option func(*config)

type config struct {
	callback    callback.Config
	publicURL   string
	frontendURL string
	fingerprint string
	observer    func(context.Context, *callback.Result)
}

// WithCallbackConfig sets the callback flow policy. Defaults to callback.DefaultConfig.
func WithCallbackConfig(cfg callback.Config) Option {
	return func(c *config) {
		c.callback = cfg
	}
}

// WithPublicURL sets the externally visible base URL of the auth routes,
// used to build provider redirect URIs.
func WithPublicURL(publicURL string) Option {
	return func(c *config) {
		c.publicURL = publicURL
	}
}

// WithFrontendURL sets the web app that callback redirect targets are
// resolved against.
func WithFrontendURL(frontendURL string) Option {
	return func(c *config) {
		c.frontendURL = frontendURL
	}
}

// WithFingerprint sets the device fingerprint sent with proxied API requests.
func WithFingerprint(fingerprint string) Option {
	return func(c *config) {
		c.fingerprint = fingerprint
	}
}

// WithCallbackObserver registers fn to receive every completed callback.
func WithCallbackObserver(fn func(context.Context, *callback.Result)) Option {
	return func(c *config) {
		c.observer = fn
	}
}

// Proxy is the session agent's HTTP surface: the OAuth landing page, the
// login/logout/session routes and the authenticated API proxy.
type Proxy struct {
	mux    *http.ServeMux
	server *http.Server

	deps      Dependencies
	cfg       config
	publicURL string
	frontend  *url.URL
}

// Compile-time check that Proxy implements http.Handler
var _ http.Handler = (*Proxy)(nil)

// New creates a Proxy forwarding API calls to the backend's base URL.
func New(deps Dependencies, opts ...Option) (*Proxy, error) {
	switch {
	case deps.TokenSource == nil:
		return nil, fmt.Errorf("missing token source")
	case deps.Backend == nil:
		return nil, fmt.Errorf("missing backend client")
	case deps.Credentials == nil:
		return nil, fmt.Errorf("missing credential store")
	case deps.Profiles == nil:
		return nil, fmt.Errorf("missing profile store")
	case deps.Destinations == nil:
		return nil, fmt.Errorf("missing destination store")
	case deps.Guard == nil:
		return nil, fmt.Errorf("missing callback guard")
	}

	cfg := config{callback: callback.DefaultConfig()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.callback.Validate(); err != nil {
		return nil, fmt.Errorf("invalid callback config: %w", err)
	}

	upstream, err := url.Parse(deps.Backend.BaseURL())
	if err != nil {
		return nil, fmt.Errorf("invalid backend URL: %w", err)
	}

	var frontend *url.URL
	if cfg.frontendURL != "" {
		frontend, err = url.Parse(cfg.frontendURL)
		if err != nil {
			return nil, fmt.Errorf("invalid frontend URL: %w", err)
		}
	}

	p := &Proxy{
		deps:      deps,
		cfg:       cfg,
		publicURL: strings.TrimRight(cfg.publicURL, "/"),
		frontend:  frontend,
	}

	transport := &oauth2.Transport{
		Source: deps.TokenSource,
		Base:   &ForwardingTransport{Fingerprint: cfg.fingerprint},
	}

	// Build reverse proxy for the LearnTrack API
	reverseProxyHandler := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Path = strings.TrimPrefix(pr.In.URL.Path, apiPrefix)
			pr.Out.URL.RawPath = strings.TrimPrefix(pr.In.URL.RawPath, apiPrefix)
			pr.SetURL(upstream)
		},
		// FlushInterval: -1 flushes only when the backend flushes, so streamed
		// responses reach the client without buffering delays.
		FlushInterval: -1,
		Transport:     transport,
		ErrorHandler:  p.proxyError,
	}

	logger := slog.Default()

	mux := http.NewServeMux()

	// Request logging would record the authorization code carried in the
	// query, so the landing page only gets panic recovery.
	mux.Handle("GET /auth/callback/{provider}", Recovery(http.HandlerFunc(p.handleCallback)))

	mux.Handle("GET /auth/login/{provider}", applyMiddlewares(http.HandlerFunc(p.handleLogin),
		Logging(logger),
		Recovery,
	))
	mux.Handle("POST /auth/logout", applyMiddlewares(http.HandlerFunc(p.handleLogout),
		Logging(logger),
		Recovery,
	))
	mux.Handle("GET /auth/session", applyMiddlewares(http.HandlerFunc(p.handleSession),
		Logging(logger),
		Recovery,
	))

	// Forward proxy to the LearnTrack API
	mux.Handle(apiPrefix+"/", applyMiddlewares(reverseProxyHandler,
		Logging(logger),
		Recovery,
	))

	p.mux = mux
	return p, nil
}

// ServeHTTP implements http.Handler interface
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mux.ServeHTTP(w, r)
}

// LoginURL returns the route that starts a sign-in with provider.
func (p *Proxy) LoginURL(provider string) string {
	return p.publicURL + "/auth/login/" + url.PathEscape(provider)
}

// CallbackURL returns the redirect URI registered for provider.
func (p *Proxy) CallbackURL(provider string) string {
	return p.publicURL + "/auth/callback/" + url.PathEscape(provider)
}

// proxyError maps transport failures to JSON errors. A failure that left no
// session behind (no refresh token, or a rejected one) is reported as 401.
func (p *Proxy) proxyError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	if !p.deps.Credentials.IsAuthenticated(ctx) {
		writeJSONError(ctx, w, "not signed in", http.StatusUnauthorized)
		return
	}
	slog.ErrorContext(ctx, "api request failed", "path", r.URL.Path, "error", err)
	writeJSONError(ctx, w, "upstream request failed", http.StatusBadGateway)
}

// Start starts the HTTP server in the background and returns immediately.
// Returns a channel for runtime errors and a startup error if any.
//
// Startup errors (port in use, permission denied) are returned immediately.
// Runtime errors (network failures during operation) are sent to the error channel.
//
// The caller is responsible for calling Shutdown() to stop the server.
func (p *Proxy) Start(ctx context.Context, address string) (<-chan error, error) {
	// Startup phase: Create listener synchronously to catch port-in-use errors immediately
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	p.server = &http.Server{
		Handler:      p,
		ReadTimeout:  30 * time.Second, // Inbound: Read entire client request (DoS protection against slow clients)
		WriteTimeout: 5 * time.Minute,  // Inbound: Write entire response to client (bounded for proxied downloads)
		IdleTimeout:  90 * time.Second, // Inbound: Keep-alive wait for next request from client
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)

	go func() {
		err := p.server.Serve(listener)
		// Only report error if not from graceful shutdown
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	return errCh, nil
}

// Shutdown performs graceful shutdown of the HTTP server.
// Returns error if shutdown fails or times out.
func (p *Proxy) Shutdown(ctx context.Context) error {
	if p.server == nil {
		return nil
	}

	if err := p.server.Shutdown(ctx); err != nil {
		// Graceful shutdown failed - force close
		_ = p.server.Close()
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	return nil
}
