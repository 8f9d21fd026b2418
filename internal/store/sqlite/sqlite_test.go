package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.db")
	store, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpenAppliesMigrations(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Health(context.Background()))
}

func TestKeyCRUD(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertKey(ctx, "key-1", "secret-1", "primary"))
	k, err := store.GetKey(ctx, "key-1")
	require.NoError(t, err)
	require.Equal(t, "secret-1", k.Secret)
	require.Equal(t, KeyStateActive, k.State)

	keys, err := store.ListKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)

	now := time.Now()
	require.NoError(t, store.UpdateKeyState(ctx, "key-1", KeyStateCooling, 2, 1, &now, nil, nil))
	k, err = store.GetKey(ctx, "key-1")
	require.NoError(t, err)
	require.Equal(t, KeyStateCooling, k.State)
	require.Equal(t, 2, k.FailureCount)
	require.Equal(t, 1, k.CooldownEntryCount)

	require.NoError(t, store.ResetKey(ctx, "key-1"))
	k, err = store.GetKey(ctx, "key-1")
	require.NoError(t, err)
	require.Equal(t, KeyStateActive, k.State)
	require.Equal(t, 0, k.FailureCount)
	require.Equal(t, 0, k.CooldownEntryCount)

	require.NoError(t, store.DeleteKey(ctx, "key-1"))
	_, err = store.GetKey(ctx, "key-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPrincipalCRUD(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertPrincipal(ctx, "p-1", "hash-1", "alias"))
	p, err := store.GetPrincipalByKeyHash(ctx, "hash-1")
	require.NoError(t, err)
	require.Equal(t, "p-1", p.ID)
	require.False(t, p.Disabled)

	require.NoError(t, store.SetPrincipalDisabled(ctx, "p-1", true))
	principals, err := store.ListPrincipals(ctx)
	require.NoError(t, err)
	require.Len(t, principals, 1)
	require.True(t, principals[0].Disabled)

	require.NoError(t, store.DeletePrincipal(ctx, "p-1"))
	principals, err = store.ListPrincipals(ctx)
	require.NoError(t, err)
	require.Len(t, principals, 0)
}

func TestRequestLogInsertAndQuery(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertPrincipal(ctx, "p-1", "hash-1", "alias"))
	require.NoError(t, store.InsertKey(ctx, "key-1", "secret-1", "primary"))

	require.NoError(t, store.InsertRequestLog(ctx, RequestLog{
		PrincipalID:  "p-1",
		KeyID:        "key-1",
		Dialect:      "gemini",
		Model:        "gemini-pro",
		StatusCode:   200,
		TotalTokens:  100,
		DurationMS:   50,
	}))
	require.NoError(t, store.InsertRequestLog(ctx, RequestLog{
		PrincipalID: "p-1",
		Dialect:     "openai-chat",
		Model:       "gpt-4",
		StatusCode:  500,
		ErrorKind:   "upstream_5xx",
		DurationMS:  80,
	}))

	page, err := store.QueryRequestLogs(ctx, RequestLogFilter{Since: time.Now().Add(-time.Hour), Limit: 10})
	require.NoError(t, err)
	require.Equal(t, int64(2), page.Total)
	require.Len(t, page.Rows, 2)

	success := true
	page, err = store.QueryRequestLogs(ctx, RequestLogFilter{Since: time.Now().Add(-time.Hour), Success: &success})
	require.NoError(t, err)
	require.Equal(t, int64(1), page.Total)

	usage, err := store.UsageByPrincipal(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, usage, 1)
	require.Equal(t, int64(2), usage[0].TotalRequests)
}
