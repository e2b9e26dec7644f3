package iam

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/your-org/tokengate/internal/config"
)

func TestMemoryStore_SetAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	token := &Token{
		AccessToken: "tok-1",
		Realm:       "core-apps",
		ExpiresAt:   time.Now().Add(time.Hour),
	}

	require.NoError(t, store.Set(ctx, "core-apps", token))

	got, err := store.Get(ctx, "core-apps")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "tok-1", got.AccessToken)
}

func TestMemoryStore_GetEmpty(t *testing.T) {
	store := NewMemoryStore()

	got, err := store.Get(context.Background(), "core-apps")
	require.NoError(t, err)
	assert.Nil(t, got)
}

// One slot: a token stored for another realm is invisible, and storing a
// new realm's token evicts the old one.
func TestMemoryStore_SingleSlot(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "core-apps", &Token{
		AccessToken: "tok-1",
		Realm:       "core-apps",
		ExpiresAt:   time.Now().Add(time.Hour),
	}))

	got, err := store.Get(ctx, "payments")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, store.Set(ctx, "payments", &Token{
		AccessToken: "tok-2",
		Realm:       "payments",
		ExpiresAt:   time.Now().Add(time.Hour),
	}))

	got, err = store.Get(ctx, "core-apps")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = store.Get(ctx, "payments")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "tok-2", got.AccessToken)
}

func TestMemoryStore_Delete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "core-apps", &Token{
		AccessToken: "tok-1",
		Realm:       "core-apps",
	}))
	require.NoError(t, store.Delete(ctx, "core-apps"))

	got, err := store.Get(ctx, "core-apps")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryStore_Health(t *testing.T) {
	store := NewMemoryStore()
	assert.NoError(t, store.Health(context.Background()))
	assert.NoError(t, store.Close())
}

func TestNewStore(t *testing.T) {
	store, err := NewStore(config.CredentialStoreConfig{Type: "memory"}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)

	store, err = NewStore(config.CredentialStoreConfig{}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)

	_, err = NewStore(config.CredentialStoreConfig{Type: "etcd"}, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported credential store type")
}
