package app

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/learntrack/ltsession/internal/credentials"
	"github.com/learntrack/ltsession/internal/tokenstore"
)

type tokenSourceFunc func() (*oauth2.Token, error)

func (f tokenSourceFunc) Token() (*oauth2.Token, error) { return f() }

type scriptedFactory struct {
	calls atomic.Int32
	seen  []string
	token *oauth2.Token
	err   error
}

func (f *scriptedFactory) factory(refreshToken string) oauth2.TokenSource {
	return tokenSourceFunc(func() (*oauth2.Token, error) {
		f.calls.Add(1)
		f.seen = append(f.seen, refreshToken)
		if f.err != nil {
			return nil, f.err
		}
		return f.token, nil
	})
}

func newCredentialStore(t *testing.T, now *time.Time) (*credentials.Store, *tokenstore.MemoryTier) {
	t.Helper()
	durable := tokenstore.NewMemoryTier()
	store, err := credentials.New(tokenstore.NewMemoryTier(), durable,
		credentials.WithClock(func() time.Time { return *now }))
	require.NoError(t, err)
	return store, durable
}

func TestPersistentTokenSourceServesCachedToken(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store, _ := newCredentialStore(t, &now)
	store.StoreCredentials(ctx, credentials.Credentials{AccessToken: "access-1", RefreshToken: "refresh-1"})

	f := &scriptedFactory{}
	ts, err := NewPersistentTokenSource(f.factory, store, nil)
	require.NoError(t, err)

	tok, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok.AccessToken)
	assert.Equal(t, now.Add(credentials.DefaultAccessTokenLifetime).UnixMilli(), tok.Expiry.UnixMilli())
	assert.Zero(t, f.calls.Load())
}

func TestPersistentTokenSourceRefreshesExpiredToken(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store, _ := newCredentialStore(t, &now)
	store.StoreCredentials(ctx, credentials.Credentials{AccessToken: "access-1", RefreshToken: "refresh-1"})

	now = now.Add(credentials.DefaultAccessTokenLifetime)

	t.Run("same refresh token", func(t *testing.T) {
		f := &scriptedFactory{token: &oauth2.Token{AccessToken: "access-2", RefreshToken: "refresh-1"}}
		ts, err := NewPersistentTokenSource(f.factory, store, nil)
		require.NoError(t, err)

		tok, err := ts.Token()
		require.NoError(t, err)
		assert.Equal(t, "access-2", tok.AccessToken)
		assert.Equal(t, []string{"refresh-1"}, f.seen)

		access, ok := store.AccessToken(ctx)
		require.True(t, ok)
		assert.Equal(t, "access-2", access)
		assert.False(t, store.IsAccessTokenExpired(ctx))

		// served from the store until it expires again
		_, err = ts.Token()
		require.NoError(t, err)
		assert.Equal(t, int32(1), f.calls.Load())
	})

	now = now.Add(credentials.DefaultAccessTokenLifetime)

	t.Run("rotated refresh token", func(t *testing.T) {
		f := &scriptedFactory{token: &oauth2.Token{AccessToken: "access-3", RefreshToken: "refresh-2"}}
		ts, err := NewPersistentTokenSource(f.factory, store, nil)
		require.NoError(t, err)

		tok, err := ts.Token()
		require.NoError(t, err)
		assert.Equal(t, "access-3", tok.AccessToken)

		refresh, ok := store.RefreshToken(ctx)
		require.True(t, ok)
		assert.Equal(t, "refresh-2", refresh)
	})
}

func TestPersistentTokenSourceWithoutRefreshToken(t *testing.T) {
	now := time.Now()
	store, _ := newCredentialStore(t, &now)

	f := &scriptedFactory{}
	ts, err := NewPersistentTokenSource(f.factory, store, nil)
	require.NoError(t, err)

	_, err = ts.Token()
	require.ErrorIs(t, err, ErrNotAuthenticated)
	assert.Zero(t, f.calls.Load())
}

func TestPersistentTokenSourceRejectedRefreshClearsSession(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		cleared bool
	}{
		{
			name:    "unauthorized",
			err:     &oauth2.RetrieveError{Response: &http.Response{StatusCode: http.StatusUnauthorized}},
			cleared: true,
		},
		{
			name:    "bad request",
			err:     &oauth2.RetrieveError{Response: &http.Response{StatusCode: http.StatusBadRequest}},
			cleared: true,
		},
		{
			name:    "server error",
			err:     &oauth2.RetrieveError{Response: &http.Response{StatusCode: http.StatusBadGateway}},
			cleared: false,
		},
		{
			name:    "network error",
			err:     errors.New("connection reset by peer"),
			cleared: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
			store, _ := newCredentialStore(t, &now)
			store.StoreCredentials(ctx, credentials.Credentials{AccessToken: "access-1", RefreshToken: "refresh-1"})
			now = now.Add(time.Hour)

			revoked := false
			f := &scriptedFactory{err: tt.err}
			ts, err := NewPersistentTokenSource(f.factory, store, func(context.Context) { revoked = true })
			require.NoError(t, err)

			_, err = ts.Token()
			require.Error(t, err)
			assert.Equal(t, tt.cleared, errors.Is(err, ErrNotAuthenticated))
			assert.Equal(t, tt.cleared, revoked)
			assert.Equal(t, !tt.cleared, store.IsAuthenticated(ctx))
		})
	}
}

func TestNewPersistentTokenSourceValidates(t *testing.T) {
	now := time.Now()
	store, _ := newCredentialStore(t, &now)

	_, err := NewPersistentTokenSource(nil, store, nil)
	require.Error(t, err)

	_, err = NewPersistentTokenSource((&scriptedFactory{}).factory, nil, nil)
	require.Error(t, err)
}
