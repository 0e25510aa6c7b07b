package kv

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/stretchr/testify/require"
)

func TestRedisStoreIntegration(t *testing.T) {
	if os.Getenv("SKIP_DOCKER") == "1" {
		t.Skip("SKIP_DOCKER=1 set; skipping integration test")
	}

	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Skipf("docker not available: %v", err)
	}
	if err := pool.Client.Ping(); err != nil {
		t.Skipf("docker not available: %v", err)
	}

	resource, err := pool.RunWithOptions(&dockertest.RunOptions{Repository: "redis", Tag: "7-alpine"}, func(config *docker.HostConfig) {
		config.AutoRemove = true
		config.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Purge(resource) })

	ctx := context.Background()
	var store *RedisStore
	err = pool.Retry(func() error {
		var err error
		store, err = NewRedisStoreFromURL(ctx, fmt.Sprintf("redis://localhost:%s/0", resource.GetPort("6379/tcp")))
		return err
	})
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Set(ctx, "oauth:state:s1", []byte("claim"), time.Minute))
	require.NoError(t, store.Set(ctx, "oauth:state:s2", []byte("other"), time.Minute))

	entries, err := store.List(ctx, "oauth:state:")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "oauth:state:s1", entries[0].Key)

	v, err := store.Take(ctx, "oauth:state:s1")
	require.NoError(t, err)
	require.Equal(t, "claim", string(v))
	_, err = store.Take(ctx, "oauth:state:s1")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.DeleteMany(ctx, "oauth:state:s2"))
	_, err = store.Get(ctx, "oauth:state:s2")
	require.ErrorIs(t, err, ErrNotFound)
}
