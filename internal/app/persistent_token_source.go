package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/oauth2"

	"github.com/learntrack/ltsession/internal/credentials"
)

// ErrNotAuthenticated is returned when no usable session exists: there is no
// refresh token, or the backend rejected it.
var ErrNotAuthenticated = errors.New("not authenticated")

// TokenSourceFactory creates an oauth2.TokenSource from a stored refresh token.
type TokenSourceFactory func(refreshToken string) oauth2.TokenSource

// PersistentTokenSource is an oauth2.TokenSource over the credential Store.
// The cached access token is served until it expires; a refresh writes the
// new access token, and a rotated refresh token, back into the Store.
type PersistentTokenSource struct {
	factory TokenSourceFactory
	store   *credentials.Store

	// onRevoked runs after the backend rejected the refresh token.
	onRevoked func(ctx context.Context)

	refreshMu sync.Mutex
}

// Compile-time check to ensure PersistentTokenSource implements oauth2.TokenSource
var _ oauth2.TokenSource = (*PersistentTokenSource)(nil)

// NewPersistentTokenSource creates a PersistentTokenSource.
// No I/O is performed until the first Token call.
func NewPersistentTokenSource(factory TokenSourceFactory, store *credentials.Store, onRevoked func(ctx context.Context)) (*PersistentTokenSource, error) {
	if factory == nil {
		return nil, fmt.Errorf("missing token source factory")
	}
	if store == nil {
		return nil, fmt.Errorf("missing credential store")
	}
	return &PersistentTokenSource{
		factory:   factory,
		store:     store,
		onRevoked: onRevoked,
	}, nil
}

// Token returns a valid access token, refreshing if the cached one is expired.
func (p *PersistentTokenSource) Token() (*oauth2.Token, error) {
	// oauth2.TokenSource.Token() has no context parameter (legacy interface limitation)
	ctx := context.Background()

	// Hot path: no lock while the cached token is usable
	if tok, ok := p.cached(ctx); ok {
		return tok, nil
	}

	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	// Another caller may have refreshed while we waited
	if tok, ok := p.cached(ctx); ok {
		return tok, nil
	}

	refreshToken, ok := p.store.RefreshToken(ctx)
	if !ok {
		return nil, ErrNotAuthenticated
	}

	fresh, err := p.factory(refreshToken).Token()
	if err != nil {
		if refreshRejected(err) {
			slog.WarnContext(ctx, "refresh token rejected, clearing session", "error", err)
			p.store.ClearAuthData(ctx)
			if p.onRevoked != nil {
				p.onRevoked(ctx)
			}
			return nil, fmt.Errorf("%w: %w", ErrNotAuthenticated, err)
		}
		return nil, fmt.Errorf("refreshing access token: %w", err)
	}

	if fresh.RefreshToken != "" && fresh.RefreshToken != refreshToken {
		p.store.StoreCredentials(ctx, credentials.Credentials{
			AccessToken:  fresh.AccessToken,
			RefreshToken: fresh.RefreshToken,
			TokenType:    fresh.Type(),
		})
	} else {
		p.store.UpdateAccessToken(ctx, fresh.AccessToken)
	}
	slog.DebugContext(ctx, "access token refreshed", "rotated", fresh.RefreshToken != refreshToken)

	return p.token(ctx, fresh.AccessToken), nil
}

func (p *PersistentTokenSource) cached(ctx context.Context) (*oauth2.Token, bool) {
	access, ok := p.store.AccessToken(ctx)
	if !ok || p.store.IsAccessTokenExpired(ctx) {
		return nil, false
	}
	return p.token(ctx, access), true
}

func (p *PersistentTokenSource) token(ctx context.Context, access string) *oauth2.Token {
	tok := &oauth2.Token{AccessToken: access, TokenType: "Bearer"}
	if expiry, ok := p.store.ExpiresAt(ctx); ok {
		tok.Expiry = expiry
	}
	return tok
}

// refreshRejected reports whether err means the refresh token itself is no
// longer accepted, as opposed to a transient failure.
func refreshRejected(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) || retrieveErr.Response == nil {
		return false
	}
	switch retrieveErr.Response.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized:
		return true
	}
	return false
}
