package profile

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/learntrack/ltsession/internal/obfuscate"
	"github.com/learntrack/ltsession/internal/tokenstore"
)

func testUser() User {
	return User{
		ID:                  "u-1",
		Email:               "ada@example.com",
		FullName:            "Ada Lovelace",
		Role:                RoleStudent,
		IsVerified:          true,
		OnboardingCompleted: true,
	}
}

func TestStoreSetUserPersistsEncoded(t *testing.T) {
	ctx := context.Background()
	tier := tokenstore.NewMemoryTier()
	store, err := NewStore(tier, nil)
	require.NoError(t, err)

	require.NoError(t, store.SetUser(ctx, testUser()))

	raw, err := tier.Get(ctx, StorageKey)
	require.NoError(t, err)
	assert.True(t, obfuscate.IsEncoded(raw))
	assert.NotContains(t, raw, "ada@example.com")

	got, ok := store.User(ctx)
	require.True(t, ok)
	assert.Equal(t, testUser(), got)
}

func TestStoreLoadsFromTierOnFirstUse(t *testing.T) {
	ctx := context.Background()
	tier := tokenstore.NewMemoryTier()

	first, err := NewStore(tier, nil)
	require.NoError(t, err)
	require.NoError(t, first.SetUser(ctx, testUser()))

	// a restarted process only has the persisted copy
	second, err := NewStore(tier, nil)
	require.NoError(t, err)
	got, ok := second.User(ctx)
	require.True(t, ok)
	assert.Equal(t, "Ada Lovelace", got.FullName)
}

func TestStoreReadsLegacyPlainProfile(t *testing.T) {
	ctx := context.Background()
	tier := tokenstore.NewMemoryTier()
	require.NoError(t, tier.Set(ctx, StorageKey, `{"id":"u-9","email":"old@example.com","full_name":"Old","role":"mentor"}`))

	store, err := NewStore(tier, nil)
	require.NoError(t, err)
	got, ok := store.User(ctx)
	require.True(t, ok)
	assert.Equal(t, RoleMentor, got.Role)
}

func TestStoreClear(t *testing.T) {
	ctx := context.Background()
	tier := tokenstore.NewMemoryTier()
	store, err := NewStore(tier, nil)
	require.NoError(t, err)
	require.NoError(t, store.SetUser(ctx, testUser()))

	store.Clear(ctx)

	_, ok := store.User(ctx)
	assert.False(t, ok)
	_, err = tier.Get(ctx, StorageKey)
	require.ErrorIs(t, err, tokenstore.ErrNotFound)
}

type failingTier struct{ tokenstore.MemoryTier }

func (*failingTier) Set(context.Context, string, string) error { return errors.New("quota exceeded") }

func TestStoreSetUserKeepsMemoryCopyOnPersistFailure(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(&failingTier{}, nil)
	require.NoError(t, err)

	require.Error(t, store.SetUser(ctx, testUser()))

	got, ok := store.User(ctx)
	require.True(t, ok)
	assert.Equal(t, "u-1", got.ID)
}

func TestRolePrivileged(t *testing.T) {
	assert.True(t, RoleAdmin.Privileged())
	assert.True(t, RoleMentor.Privileged())
	assert.False(t, RoleStudent.Privileged())
	assert.False(t, Role("").Privileged())
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "Ada Lovelace", testUser().DisplayName())
	assert.Equal(t, "ada@example.com", User{Email: "ada@example.com"}.DisplayName())
}

func TestStorePersistsUserWithoutEmail(t *testing.T) {
	ctx := context.Background()
	tier := tokenstore.NewMemoryTier()

	first, err := NewStore(tier, nil)
	require.NoError(t, err)
	require.NoError(t, first.SetUser(ctx, User{ID: "u-1", FullName: "Ada", Role: RoleStudent}))

	second, err := NewStore(tier, nil)
	require.NoError(t, err)
	got, ok := second.User(ctx)
	require.True(t, ok)
	assert.Equal(t, "u-1", got.ID)
	assert.Empty(t, got.Email)
	assert.Equal(t, "Ada", got.DisplayName())
}
