package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/learntrack/ltsession/internal/callback"
	"github.com/learntrack/ltsession/internal/profile"
)

// Session describes the cached session, as served by GET /auth/session.
type Session struct {
	Authenticated      bool          `json:"authenticated"`
	AccessTokenExpired bool          `json:"access_token_expired"`
	ExpiresAt          *time.Time    `json:"expires_at,omitempty"`
	User               *profile.User `json:"user,omitempty"`
}

// Session reports the state of the credential cache and the cached identity.
func (p *Proxy) Session(ctx context.Context) Session {
	s := Session{
		Authenticated:      p.deps.Credentials.IsAuthenticated(ctx),
		AccessTokenExpired: p.deps.Credentials.IsAccessTokenExpired(ctx),
	}
	if expiresAt, ok := p.deps.Credentials.ExpiresAt(ctx); ok {
		s.ExpiresAt = &expiresAt
	}
	if user, ok := p.deps.Profiles.User(ctx); ok {
		s.User = &user
	}
	return s
}

// SignOut ends the session on the backend and purges every local tier. Local
// state is cleared even when the backend call fails; that error is returned.
func (p *Proxy) SignOut(ctx context.Context) error {
	err := p.deps.Backend.Logout(ctx)
	if err != nil {
		slog.WarnContext(ctx, "backend logout failed, clearing local session anyway", "error", err)
	}
	p.deps.Credentials.ClearAuthData(ctx)
	p.deps.Profiles.Clear(ctx)
	return err
}

func (p *Proxy) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	page := &landingPage{}

	controller, err := callback.NewController(p.cfg.callback, callback.Dependencies{
		Auth:         p.deps.Backend,
		Onboarding:   p.deps.Backend,
		Profiles:     p.deps.Profiles,
		Destinations: p.deps.Destinations,
		Notifier:     page,
		Navigator:    page,
		Guard:        p.deps.Guard,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to create callback controller", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	res, err := controller.Handle(ctx, callback.RequestFromQuery(r.PathValue("provider"), r.URL.Query()))
	if errors.Is(err, callback.ErrAlreadyHandled) {
		p.renderPage(ctx, w, http.StatusConflict, pageData{
			Title:   "Link already used",
			Kind:    "failure",
			Message: "This sign-in link has already been used. Start a new sign-in if you are not signed in.",
		})
		return
	}
	if err != nil {
		slog.ErrorContext(ctx, "oauth callback failed", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if p.cfg.observer != nil {
		p.cfg.observer(ctx, res)
	}

	p.renderPage(ctx, w, http.StatusOK, page.data(res, p.absolute(page.target)))
}

func (p *Proxy) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	provider := r.PathValue("provider")

	if !slices.Contains(p.cfg.callback.Providers, provider) {
		writeJSONError(ctx, w, "unsupported sign-in provider", http.StatusNotFound)
		return
	}

	if next := r.URL.Query().Get("next"); next != "" {
		if err := p.deps.Destinations.Remember(ctx, next); err != nil {
			writeJSONError(ctx, w, "next must be a path on this site", http.StatusBadRequest)
			return
		}
	}

	authURL, err := p.deps.Backend.AuthorizationURL(ctx, provider, p.CallbackURL(provider))
	if err != nil {
		slog.ErrorContext(ctx, "failed to get authorization URL", "provider", provider, "error", err)
		writeJSONError(ctx, w, "could not start sign-in", http.StatusBadGateway)
		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

func (p *Proxy) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	// Backend failures are logged by SignOut; the local session is gone either way.
	_ = p.SignOut(ctx)
	writeJSON(ctx, w, p.Session(ctx), http.StatusOK)
}

func (p *Proxy) handleSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	writeJSON(ctx, w, p.Session(ctx), http.StatusOK)
}
