package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/learntrack/ltsession/internal/backend"
	"github.com/learntrack/ltsession/internal/callback"
	"github.com/learntrack/ltsession/internal/credentials"
	"github.com/learntrack/ltsession/internal/profile"
	"github.com/learntrack/ltsession/internal/proxy"
	"github.com/learntrack/ltsession/internal/tokensource"
	"github.com/learntrack/ltsession/internal/tokenstore"
)

// Version is reported in the device fingerprint. Set at build time.
var Version = "dev"

// errStop ends a serve loop without it being reported as a failure.
var errStop = errors.New("stop requested")

// App orchestrates the lifecycle of the session agent and related services.
type App struct {
	cfg      *Config
	creds    *credentials.Store
	profiles *profile.Store
	proxy    *proxy.Proxy

	results chan *callback.Result
	closers []io.Closer
}

// New creates a new App instance.
func New(cfg *Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &App{
		cfg:     cfg,
		results: make(chan *callback.Result, 1),
	}
	if err := a.wire(); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire() error {
	cfg := a.cfg

	tab, err := a.newTier(cfg.Storage.Tab)
	if err != nil {
		return fmt.Errorf("failed to create tab tier: %w", err)
	}
	durable, err := a.newTier(cfg.Storage.Durable)
	if err != nil {
		return fmt.Errorf("failed to create durable tier: %w", err)
	}
	codec, err := cfg.Storage.NewCodec()
	if err != nil {
		return fmt.Errorf("failed to create codec: %w", err)
	}

	a.creds, err = credentials.New(tab, durable,
		credentials.WithCodec(codec),
		credentials.WithKeyPrefix(cfg.Storage.KeyPrefix),
		credentials.WithAccessTokenLifetime(cfg.Storage.AccessTokenLifetime),
		credentials.WithExpiryBuffer(cfg.Storage.ExpiryBuffer),
	)
	if err != nil {
		return fmt.Errorf("failed to create credential store: %w", err)
	}

	a.profiles, err = profile.NewStore(durable, codec)
	if err != nil {
		return fmt.Errorf("failed to create profile store: %w", err)
	}

	fingerprint := credentials.DeviceFingerprint(credentials.CurrentDeviceSignals(Version))

	client, err := backend.New(cfg.Backend.BaseURL,
		backend.WithTimeout(cfg.Backend.Timeout),
		backend.WithCredentialSink(a.creds),
		backend.WithFingerprint(fingerprint),
	)
	if err != nil {
		return fmt.Errorf("failed to create backend client: %w", err)
	}

	// I/O deferred to first Token() call
	tokenSource, err := NewPersistentTokenSource(a.refreshFactory(), a.creds, a.profiles.Clear)
	if err != nil {
		return fmt.Errorf("failed to create token source: %w", err)
	}

	a.proxy, err = proxy.New(proxy.Dependencies{
		TokenSource:  tokenSource,
		Backend:      client,
		Credentials:  a.creds,
		Profiles:     a.profiles,
		Destinations: callback.NewTabDestinations(tab, codec),
		Guard:        callback.NewGuard(callback.DefaultGuardTTL),
	},
		proxy.WithCallbackConfig(cfg.Callback),
		proxy.WithPublicURL(cfg.Server.PublicURL),
		proxy.WithFrontendURL(cfg.Frontend.BaseURL),
		proxy.WithFingerprint(fingerprint),
		proxy.WithCallbackObserver(a.observe),
	)
	if err != nil {
		return fmt.Errorf("failed to create proxy: %w", err)
	}
	return nil
}

func (a *App) newTier(cfg TierConfig) (tokenstore.Tier, error) {
	tier, err := cfg.NewTier()
	if err != nil {
		return nil, err
	}
	if closer, ok := tier.(io.Closer); ok {
		a.closers = append(a.closers, closer)
	}
	return tier, nil
}

// refreshFactory creates refreshing token sources against the backend.
func (a *App) refreshFactory() TokenSourceFactory {
	endpoint := tokensource.Endpoint(a.cfg.Backend.BaseURL)
	return func(refreshToken string) oauth2.TokenSource {
		return tokensource.NewTokenSource(refreshToken, endpoint, a.cfg.Backend.ClientID,
			tokensource.WithTimeout(a.cfg.Backend.Timeout))
	}
}

// observe hands completed callbacks to a waiting Login. Results nobody waits
// for are dropped.
func (a *App) observe(_ context.Context, res *callback.Result) {
	select {
	case a.results <- res:
	default:
	}
}

// Start starts all services and blocks until shutdown is triggered.
func (a *App) Start(ctx context.Context) error {
	return a.serve(ctx, nil)
}

// Login serves the auth routes until one OAuth callback completes and returns
// its result. ready receives the URL the user must open to sign in.
func (a *App) Login(ctx context.Context, provider string, ready func(loginURL string)) (*callback.Result, error) {
	if !slices.Contains(a.cfg.Callback.Providers, provider) {
		return nil, fmt.Errorf("unsupported provider %q (supported: %v)", provider, a.cfg.Callback.Providers)
	}

	var result *callback.Result
	err := a.serve(ctx, func(gCtx context.Context) error {
		ready(a.proxy.LoginURL(provider))
		select {
		case result = <-a.results:
			return errStop
		case <-gCtx.Done():
			return nil
		}
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, fmt.Errorf("login interrupted: %w", context.Cause(ctx))
	}
	return result, nil
}

// serve runs the HTTP surface until ctx is done, a runtime error occurs or
// task returns. Uses errgroup for runtime error monitoring and shutdown
// function collection for coordinated cleanup.
func (a *App) serve(ctx context.Context, task func(context.Context) error) error {
	g, gCtx := errgroup.WithContext(ctx)

	address := a.cfg.Server.Address()
	var shutdownFuncs []func(context.Context) error

	// Startup phase: Start services
	slog.InfoContext(gCtx, "starting session agent", "address", address)
	proxyErrCh, err := a.proxy.Start(gCtx, address)
	if err != nil {
		return fmt.Errorf("proxy startup failed: %w", err)
	}
	shutdownFuncs = append(shutdownFuncs, a.proxy.Shutdown)

	// Monitor runtime errors - errgroup cancels context on first error
	g.Go(func() error {
		select {
		case err := <-proxyErrCh:
			if err != nil {
				slog.ErrorContext(gCtx, "proxy runtime error", "error", err)
				return fmt.Errorf("proxy: %w", err)
			}
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if task != nil {
		g.Go(func() error {
			return task(gCtx)
		})
	}

	slog.InfoContext(gCtx, "application ready", "address", address, "public_url", a.cfg.Server.PublicURL)

	runtimeErr := g.Wait()
	if errors.Is(runtimeErr, errStop) {
		runtimeErr = nil
	}

	slog.InfoContext(gCtx, "shutting down services")

	// Shutdown phase: Stop all services
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Shutdown.Timeout)
	defer cancel()

	var errs []error
	if runtimeErr != nil {
		errs = append(errs, fmt.Errorf("runtime: %w", runtimeErr))
	}

	for i := len(shutdownFuncs) - 1; i >= 0; i-- {
		if err := shutdownFuncs[i](shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "service shutdown failed", "error", err)
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	slog.Info("application stopped")
	return nil
}

// Logout ends the session on the backend and clears every local tier.
func (a *App) Logout(ctx context.Context) error {
	return a.proxy.SignOut(ctx)
}

// TokenClaims are the unverified registered claims of a JWT access token.
type TokenClaims struct {
	Subject   string     `json:"subject,omitempty"`
	IssuedAt  *time.Time `json:"issued_at,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Status is the cached session plus, for JWT access tokens, their claims.
type Status struct {
	proxy.Session
	Token *TokenClaims `json:"token,omitempty"`
}

// Status reports the cached session without contacting the backend.
func (a *App) Status(ctx context.Context) Status {
	s := Status{Session: a.proxy.Session(ctx)}
	if access, ok := a.creds.AccessToken(ctx); ok {
		s.Token = inspectAccessToken(access)
	}
	return s
}

// inspectAccessToken decodes the claims of a JWT without verifying its
// signature. It returns nil for opaque tokens. Display only.
func inspectAccessToken(token string) *TokenClaims {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil
	}

	tc := &TokenClaims{Subject: claims.Subject}
	if claims.IssuedAt != nil {
		issuedAt := claims.IssuedAt.Time
		tc.IssuedAt = &issuedAt
	}
	if claims.ExpiresAt != nil {
		expiresAt := claims.ExpiresAt.Time
		tc.ExpiresAt = &expiresAt
	}
	return tc
}

// Close releases tiers holding open resources.
func (a *App) Close() error {
	var errs []error
	for _, closer := range a.closers {
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
