package tokens

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

const operationTimeout = 5 * time.Second

// SQLiteSchema creates integration_tokens for the SQLite adapter; Postgres
// gets it from migrations. Times are unix milliseconds.
const SQLiteSchema = `CREATE TABLE IF NOT EXISTS integration_tokens (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	integration_type TEXT NOT NULL,
	status TEXT NOT NULL,
	access_token TEXT NOT NULL,
	refresh_token TEXT,
	expires_at INTEGER,
	workspace_metadata TEXT NOT NULL DEFAULT '{}',
	last_sync_at INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE (user_id, integration_type)
);`

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

type tokenRow struct {
	UserID            string         `db:"user_id"`
	Integration       string         `db:"integration_type"`
	Status            string         `db:"status"`
	AccessToken       string         `db:"access_token"`
	RefreshToken      sql.NullString `db:"refresh_token"`
	ExpiresAt         sql.NullInt64  `db:"expires_at"`
	WorkspaceMetadata string         `db:"workspace_metadata"`
	LastSyncAt        int64          `db:"last_sync_at"`
	CreatedAt         int64          `db:"created_at"`
	UpdatedAt         int64          `db:"updated_at"`
}

// SQLStore is the dedicated integration_tokens table, unique on
// (user_id, integration_type).
type SQLStore struct {
	db     *sqlx.DB
	cipher *Cipher
	now    func() time.Time
}

func NewSQLStore(db *sqlx.DB, cipher *Cipher) *SQLStore {
	return &SQLStore{db: db, cipher: cipher, now: time.Now}
}

func (s *SQLStore) Upsert(ctx context.Context, t *IntegrationToken) error {
	row, err := s.toRow(t)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO integration_tokens
			(user_id, integration_type, status, access_token, refresh_token, expires_at,
			 workspace_metadata, last_sync_at, created_at, updated_at)
		VALUES
			(:user_id, :integration_type, :status, :access_token, :refresh_token, :expires_at,
			 :workspace_metadata, :last_sync_at, :created_at, :updated_at)
		ON CONFLICT (user_id, integration_type) DO UPDATE SET
			status = excluded.status,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			workspace_metadata = excluded.workspace_metadata,
			last_sync_at = excluded.last_sync_at,
			updated_at = excluded.updated_at`, row)
	if err != nil {
		return fmt.Errorf("upsert integration token: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, userID string, integration Integration) (*IntegrationToken, error) {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	var row tokenRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT user_id, integration_type, status, access_token, refresh_token, expires_at,
		       workspace_metadata, last_sync_at, created_at, updated_at
		FROM integration_tokens WHERE user_id = ? AND integration_type = ?`), userID, string(integration))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.fromRow(row)
}

func (s *SQLStore) Delete(ctx context.Context, userID string, integration Integration) error {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM integration_tokens WHERE user_id = ? AND integration_type = ?`), userID, string(integration))
	return err
}

func (s *SQLStore) toRow(t *IntegrationToken) (tokenRow, error) {
	access, err := s.cipher.Seal(t.AccessToken)
	if err != nil {
		return tokenRow{}, err
	}
	refresh, err := s.cipher.Seal(t.RefreshToken)
	if err != nil {
		return tokenRow{}, err
	}
	meta := t.WorkspaceMetadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return tokenRow{}, err
	}
	now := s.now().UnixMilli()
	row := tokenRow{
		UserID:            t.UserID,
		Integration:       string(t.Integration),
		Status:            string(t.Status),
		AccessToken:       access,
		RefreshToken:      sql.NullString{String: refresh, Valid: refresh != ""},
		WorkspaceMetadata: string(metaJSON),
		LastSyncAt:        t.LastSyncAt.UnixMilli(),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if t.ExpiresAt != nil {
		row.ExpiresAt = sql.NullInt64{Int64: t.ExpiresAt.UnixMilli(), Valid: true}
	}
	return row, nil
}

func (s *SQLStore) fromRow(row tokenRow) (*IntegrationToken, error) {
	access, err := s.cipher.Open(row.AccessToken)
	if err != nil {
		return nil, err
	}
	refresh, err := s.cipher.Open(row.RefreshToken.String)
	if err != nil {
		return nil, err
	}
	t := &IntegrationToken{
		UserID:       row.UserID,
		Integration:  Integration(row.Integration),
		Status:       Status(row.Status),
		AccessToken:  access,
		RefreshToken: refresh,
		LastSyncAt:   time.UnixMilli(row.LastSyncAt).UTC(),
	}
	if row.ExpiresAt.Valid {
		exp := time.UnixMilli(row.ExpiresAt.Int64).UTC()
		t.ExpiresAt = &exp
	}
	if row.WorkspaceMetadata != "" {
		if err := json.Unmarshal([]byte(row.WorkspaceMetadata), &t.WorkspaceMetadata); err != nil {
			return nil, fmt.Errorf("decode workspace metadata: %w", err)
		}
	}
	return t, nil
}
