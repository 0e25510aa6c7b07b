package tokens

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/example/momento/internal/kv"
)

func newSQLiteTokenStore(t *testing.T, cipher *Cipher) (*SQLStore, *sqlx.DB) {
	t.Helper()
	db, err := sqlx.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Exec(SQLiteSchema)
	require.NoError(t, err)
	return NewSQLStore(db, cipher), db
}

func TestTokenStores(t *testing.T) {
	cipher, err := NewCipher("test-secret")
	require.NoError(t, err)
	sqlStore, _ := newSQLiteTokenStore(t, cipher)

	stores := map[string]Store{
		"sql": sqlStore,
		"kv":  NewKVStore(kv.NewMemoryStore(), cipher),
	}
	ctx := context.Background()
	synced := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	expires := synced.Add(time.Hour)

	for name, store := range stores {
		store := store
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(ctx, "u1", Notion)
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, store.Upsert(ctx, &IntegrationToken{
				UserID:            "u1",
				Integration:       Notion,
				Status:            StatusConnected,
				AccessToken:       "secret-access",
				WorkspaceMetadata: map[string]any{"workspace_name": "Acme"},
				LastSyncAt:        synced,
			}))
			require.NoError(t, store.Upsert(ctx, &IntegrationToken{
				UserID:            "u1",
				Integration:       Notion,
				Status:            StatusConnected,
				AccessToken:       "secret-access-2",
				RefreshToken:      "secret-refresh",
				ExpiresAt:         &expires,
				WorkspaceMetadata: map[string]any{"workspace_name": "Acme 2"},
				LastSyncAt:        synced,
			}))

			got, err := store.Get(ctx, "u1", Notion)
			require.NoError(t, err)
			require.Equal(t, "secret-access-2", got.AccessToken)
			require.Equal(t, "secret-refresh", got.RefreshToken)
			require.Equal(t, StatusConnected, got.Status)
			require.Equal(t, "Acme 2", got.WorkspaceMetadata["workspace_name"])
			require.NotNil(t, got.ExpiresAt)
			require.True(t, expires.Equal(*got.ExpiresAt))
			require.True(t, synced.Equal(got.LastSyncAt))

			_, err = store.Get(ctx, "u2", Notion)
			require.ErrorIs(t, err, ErrNotFound)
			_, err = store.Get(ctx, "u1", Figma)
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, store.Delete(ctx, "u1", Notion))
			_, err = store.Get(ctx, "u1", Notion)
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestSQLStoreKeepsOneRowPerUserAndIntegration(t *testing.T) {
	store, db := newSQLiteTokenStore(t, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Upsert(ctx, &IntegrationToken{
			UserID: "u1", Integration: Figma, Status: StatusConnected, AccessToken: "a", LastSyncAt: time.Now(),
		}))
	}
	var count int
	require.NoError(t, db.Get(&count, `SELECT COUNT(*) FROM integration_tokens WHERE user_id = 'u1'`))
	require.Equal(t, 1, count)
}

func TestSQLStoreEncryptsAtRest(t *testing.T) {
	cipher, err := NewCipher("test-secret")
	require.NoError(t, err)
	store, db := newSQLiteTokenStore(t, cipher)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, &IntegrationToken{
		UserID: "u1", Integration: Claude, Status: StatusConnected, AccessToken: "plain-access", LastSyncAt: time.Now(),
	}))
	var raw string
	require.NoError(t, db.Get(&raw, `SELECT access_token FROM integration_tokens WHERE user_id = 'u1'`))
	require.True(t, strings.HasPrefix(raw, sealedPrefix))
	require.NotContains(t, raw, "plain-access")
}

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher("k1")
	require.NoError(t, err)

	sealed, err := c.Seal("token-value")
	require.NoError(t, err)
	opened, err := c.Open(sealed)
	require.NoError(t, err)
	require.Equal(t, "token-value", opened)

	other, err := NewCipher("k2")
	require.NoError(t, err)
	_, err = other.Open(sealed)
	require.Error(t, err)

	plain, err := c.Open("legacy-plaintext")
	require.NoError(t, err)
	require.Equal(t, "legacy-plaintext", plain)

	var nilCipher *Cipher
	passthrough, err := nilCipher.Seal("x")
	require.NoError(t, err)
	require.Equal(t, "x", passthrough)
	_, err = nilCipher.Open(sealed)
	require.Error(t, err)
}

func TestIntegrationTokenJSONHidesSecrets(t *testing.T) {
	data, err := json.Marshal(IntegrationToken{UserID: "u1", Integration: Notion, AccessToken: "a", RefreshToken: "r"})
	require.NoError(t, err)
	require.NotContains(t, string(data), `"a"`)
	require.NotContains(t, string(data), `"r"`)
}

func TestParseIntegration(t *testing.T) {
	got, err := ParseIntegration(" Notion ")
	require.NoError(t, err)
	require.Equal(t, Notion, got)
	_, err = ParseIntegration("slack")
	require.Error(t, err)
}
