package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/example/momento/internal/kv"
)

// KVStore is the legacy token store over the generic key-value store, keyed
// oauth:token:<userId>:<integration>. One key per pair gives the same
// single-row guarantee as the SQL table.
type KVStore struct {
	store  kv.Store
	cipher *Cipher
}

func NewKVStore(store kv.Store, cipher *Cipher) *KVStore {
	return &KVStore{store: store, cipher: cipher}
}

type storedToken struct {
	UserID            string         `json:"userId"`
	Integration       Integration    `json:"integrationType"`
	Status            Status         `json:"status"`
	AccessToken       string         `json:"accessToken"`
	RefreshToken      string         `json:"refreshToken,omitempty"`
	ExpiresAt         *time.Time     `json:"expiresAt,omitempty"`
	WorkspaceMetadata map[string]any `json:"workspaceMetadata,omitempty"`
	LastSyncAt        time.Time      `json:"lastSyncAt"`
}

func tokenKey(userID string, integration Integration) string {
	return kv.Key("oauth", "token", userID, string(integration))
}

func (s *KVStore) Upsert(ctx context.Context, t *IntegrationToken) error {
	access, err := s.cipher.Seal(t.AccessToken)
	if err != nil {
		return err
	}
	refresh, err := s.cipher.Seal(t.RefreshToken)
	if err != nil {
		return err
	}
	data, err := json.Marshal(storedToken{
		UserID:            t.UserID,
		Integration:       t.Integration,
		Status:            t.Status,
		AccessToken:       access,
		RefreshToken:      refresh,
		ExpiresAt:         t.ExpiresAt,
		WorkspaceMetadata: t.WorkspaceMetadata,
		LastSyncAt:        t.LastSyncAt,
	})
	if err != nil {
		return err
	}
	return s.store.Set(ctx, tokenKey(t.UserID, t.Integration), data, 0)
}

func (s *KVStore) Get(ctx context.Context, userID string, integration Integration) (*IntegrationToken, error) {
	data, err := s.store.Get(ctx, tokenKey(userID, integration))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var st storedToken
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	access, err := s.cipher.Open(st.AccessToken)
	if err != nil {
		return nil, err
	}
	refresh, err := s.cipher.Open(st.RefreshToken)
	if err != nil {
		return nil, err
	}
	return &IntegrationToken{
		UserID:            st.UserID,
		Integration:       st.Integration,
		Status:            st.Status,
		AccessToken:       access,
		RefreshToken:      refresh,
		ExpiresAt:         st.ExpiresAt,
		WorkspaceMetadata: st.WorkspaceMetadata,
		LastSyncAt:        st.LastSyncAt,
	}, nil
}

func (s *KVStore) Delete(ctx context.Context, userID string, integration Integration) error {
	return s.store.Delete(ctx, tokenKey(userID, integration))
}
