// Package kv is the namespaced key-value store used for OAuth state, legacy
// integration tokens and canvas persistence. Keys follow the shape
// <namespace>:<entity>:<ownerOrProjectId>[:<subId>].
package kv

import (
	"context"
	"errors"
	"strings"
	"time"
)

var ErrNotFound = errors.New("kv: key not found")

// Entry is a key with its value, as returned by List.
type Entry struct {
	Key   string
	Value []byte
}

// Store is implemented by MemoryStore, SQLStore and RedisStore.
// Expired entries behave exactly like absent ones.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set writes value under key; ttl <= 0 stores without expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Take atomically reads and deletes key in a single round trip. Two
	// concurrent Takes of the same key never both succeed.
	Take(ctx context.Context, key string) ([]byte, error)
	// List returns all live entries whose key starts with prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]Entry, error)
	DeleteMany(ctx context.Context, keys ...string) error
}

// Key joins parts with ':'.
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

func expiryFor(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
