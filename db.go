package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	cfg "github.com/example/momento/internal/config"
	"github.com/example/momento/internal/kv"
	"github.com/example/momento/internal/tokens"
)

// Storage bundles the backends selected by DB_ADAPTER and STATE_STORE.
type Storage struct {
	// KV holds projects, canvases, members and invitations.
	KV kv.Store
	// States holds OAuth state tokens.
	States kv.Store
	Tokens tokens.Store

	db    *sqlx.DB
	redis *kv.RedisStore
}

func OpenStorage(ctx context.Context, c *cfg.Config, log logrus.FieldLogger) (*Storage, error) {
	var cipher *tokens.Cipher
	if c.TokenEncryptionKey != "" {
		ci, err := tokens.NewCipher(c.TokenEncryptionKey)
		if err != nil {
			return nil, err
		}
		cipher = ci
	} else {
		log.Warn("TOKEN_ENCRYPTION_KEY is not set, integration tokens are stored unencrypted")
	}

	s := &Storage{}
	switch c.DBAdapter {
	case "sqlite":
		db, err := openSQLite(c.SQLiteFile)
		if err != nil {
			return nil, fmt.Errorf("sqlite init: %w", err)
		}
		s.db = db
		log.WithField("file", c.SQLiteFile).Info("using sqlite database")
	case "postgres":
		db, err := openPostgres(ctx, c, log)
		if err != nil {
			return nil, err
		}
		s.db = db
		log.Info("connected to postgres database")
	case "memory":
		log.Warn("using in-memory storage (not recommended for production)")
	default:
		return nil, fmt.Errorf("unsupported DB_ADAPTER: %s", c.DBAdapter)
	}

	if s.db != nil {
		s.KV = kv.NewSQLStore(s.db)
		s.Tokens = tokens.NewSQLStore(s.db, cipher)
	} else {
		s.KV = kv.NewMemoryStore()
		s.Tokens = tokens.NewKVStore(s.KV, cipher)
	}

	switch c.StateStore {
	case "redis":
		rs, err := kv.NewRedisStoreFromURL(ctx, c.RedisURL)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("redis init: %w", err)
		}
		s.redis = rs
		s.States = rs
		log.Info("oauth state stored in redis")
	case "db":
		s.States = s.KV
	default:
		s.States = kv.NewMemoryStore()
		log.Info("oauth state stored in process memory, run a single instance or set STATE_STORE")
	}
	return s, nil
}

func openSQLite(path string) (*sqlx.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// modernc sqlite serialises writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	for _, q := range []string{`PRAGMA journal_mode=WAL;`, kv.SQLiteSchema, tokens.SQLiteSchema} {
		if _, err := db.Exec(q); err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}

func (s *Storage) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var errs []error
	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	if s.redis != nil {
		if err := s.redis.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (s *Storage) close() error {
	var errs []error
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	return errors.Join(errs...)
}
