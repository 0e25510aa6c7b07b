package kv

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sqlx.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Exec(SQLiteSchema)
	require.NoError(t, err)
	return NewSQLStore(db)
}

func storesUnderTest(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": newSQLiteStore(t),
	}
}

func TestStoreContract(t *testing.T) {
	ctx := context.Background()
	for name, store := range storesUnderTest(t) {
		store := store
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(ctx, "momento:project:missing")
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, store.Set(ctx, "momento:project:p1", []byte(`{"id":"p1"}`), 0))
			require.NoError(t, store.Set(ctx, "momento:block:p1:b1", []byte(`{"id":"b1"}`), 0))
			require.NoError(t, store.Set(ctx, "momento:block:p1:b2", []byte(`{"id":"b2"}`), 0))
			require.NoError(t, store.Set(ctx, "momento:block:p10:b9", []byte(`{"id":"b9"}`), 0))

			v, err := store.Get(ctx, "momento:project:p1")
			require.NoError(t, err)
			require.JSONEq(t, `{"id":"p1"}`, string(v))

			// overwrite keeps a single row
			require.NoError(t, store.Set(ctx, "momento:project:p1", []byte(`{"id":"p1","title":"x"}`), 0))
			v, err = store.Get(ctx, "momento:project:p1")
			require.NoError(t, err)
			require.JSONEq(t, `{"id":"p1","title":"x"}`, string(v))

			entries, err := store.List(ctx, "momento:block:p1:")
			require.NoError(t, err)
			require.Len(t, entries, 2)
			require.Equal(t, "momento:block:p1:b1", entries[0].Key)
			require.Equal(t, "momento:block:p1:b2", entries[1].Key)

			require.NoError(t, store.DeleteMany(ctx, "momento:block:p1:b1", "momento:block:p1:b2"))
			entries, err = store.List(ctx, "momento:block:p1:")
			require.NoError(t, err)
			require.Empty(t, entries)

			require.NoError(t, store.Delete(ctx, "momento:project:p1"))
			require.NoError(t, store.Delete(ctx, "momento:project:p1"))
			_, err = store.Get(ctx, "momento:project:p1")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreTakeIsSingleUse(t *testing.T) {
	ctx := context.Background()
	for name, store := range storesUnderTest(t) {
		store := store
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Set(ctx, "oauth:state:abc", []byte("claim"), time.Minute))

			var (
				wg       sync.WaitGroup
				winners  int32
				notFound int32
			)
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					v, err := store.Take(ctx, "oauth:state:abc")
					switch {
					case err == nil:
						assert.Equal(t, "claim", string(v))
						atomic.AddInt32(&winners, 1)
					case errors.Is(err, ErrNotFound):
						atomic.AddInt32(&notFound, 1)
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}()
			}
			wg.Wait()
			require.EqualValues(t, 1, winners)
			require.EqualValues(t, 15, notFound)
		})
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore().WithClock(func() time.Time { return now })

	require.NoError(t, store.Set(ctx, "oauth:state:s1", []byte("x"), 10*time.Minute))
	now = now.Add(9 * time.Minute)
	_, err := store.Get(ctx, "oauth:state:s1")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = store.Take(ctx, "oauth:state:s1")
	require.ErrorIs(t, err, ErrNotFound)

	entries, err := store.List(ctx, "oauth:state:")
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestSQLStoreExpiry(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	require.NoError(t, store.Set(ctx, "oauth:state:s1", []byte("x"), 10*time.Minute))
	now = now.Add(11 * time.Minute)

	_, err := store.Get(ctx, "oauth:state:s1")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = store.Take(ctx, "oauth:state:s1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListEscapesLikeWildcards(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)
	require.NoError(t, store.Set(ctx, "a_b:1", []byte("1"), 0))
	require.NoError(t, store.Set(ctx, "axb:2", []byte("2"), 0))

	entries, err := store.List(ctx, "a_b:")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "a_b:1", entries[0].Key)
}
