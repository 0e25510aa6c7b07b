package kv

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

const sqlOperationTimeout = 5 * time.Second

// SQLiteSchema creates the kv_store table. Postgres gets the same table from
// the migrations directory.
const SQLiteSchema = `CREATE TABLE IF NOT EXISTS kv_store (
	item_key TEXT PRIMARY KEY,
	item_value TEXT NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL DEFAULT 0
);`

func init() {
	// modernc.org/sqlite registers as "sqlite", which sqlx does not know.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// SQLStore keeps entries in the kv_store table. It works against Postgres
// (lib/pq) and SQLite (modernc.org/sqlite); queries are written with '?' and
// rebound for the driver. Expiry is stored as unix milliseconds, 0 meaning none.
type SQLStore struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

func (s *SQLStore) nowMillis() int64 { return s.now().UnixMilli() }

func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := s.db.Rebind(`SELECT item_value FROM kv_store WHERE item_key = ? AND (expires_at = 0 OR expires_at > ?)`)
	var value []byte
	err := s.db.QueryRowxContext(ctx, query, key, s.nowMillis()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *SQLStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	now := s.now()
	var expiresAt int64
	if exp := expiryFor(now, ttl); !exp.IsZero() {
		expiresAt = exp.UnixMilli()
	}
	query := s.db.Rebind(`
		INSERT INTO kv_store (item_key, item_value, expires_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (item_key)
		DO UPDATE SET item_value = excluded.item_value, expires_at = excluded.expires_at, updated_at = excluded.updated_at`)
	_, err := s.db.ExecContext(ctx, query, key, string(value), expiresAt, now.UnixMilli())
	return err
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM kv_store WHERE item_key = ?`), key)
	return err
}

// Take relies on DELETE ... RETURNING, so the read and the delete are one
// statement and a row can be returned to at most one caller.
func (s *SQLStore) Take(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := s.db.Rebind(`DELETE FROM kv_store WHERE item_key = ? RETURNING item_value, expires_at`)
	var (
		value     []byte
		expiresAt int64
	)
	err := s.db.QueryRowxContext(ctx, query, key).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if expiresAt != 0 && expiresAt <= s.nowMillis() {
		return nil, ErrNotFound
	}
	return value, nil
}

func (s *SQLStore) List(ctx context.Context, prefix string) ([]Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := s.db.Rebind(`
		SELECT item_key, item_value FROM kv_store
		WHERE item_key LIKE ? ESCAPE '\' AND (expires_at = 0 OR expires_at > ?)
		ORDER BY item_key`)
	rows, err := s.db.QueryxContext(ctx, query, escapeLike(prefix)+"%", s.nowMillis())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, err
		}
		// SQLite's LIKE ignores ASCII case
		if !strings.HasPrefix(e.Key, prefix) {
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteMany(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query, args, err := sqlx.In(`DELETE FROM kv_store WHERE item_key IN (?)`, keys)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	return err
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }
