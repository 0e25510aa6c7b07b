package oauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/example/momento/internal/apperr"
	"github.com/example/momento/internal/kv"
	"github.com/example/momento/internal/tokens"
)

const (
	// StateTTL bounds how long a pending authorization may wait for its callback.
	StateTTL = 10 * time.Minute

	// stateRetention keeps expired states around a little longer so a late
	// callback is logged as an expiry rather than as an unknown state.
	stateRetention = 30 * time.Minute

	stateKeyPrefix = "oauth:state:"
	stateBytes     = 32
)

// StateClaim is what a state token binds: the user and integration that
// started the authorization.
type StateClaim struct {
	UserID      string             `json:"userId"`
	Integration tokens.Integration `json:"integrationType"`
	CreatedAt   time.Time          `json:"createdAt"`
	ExpiresAt   time.Time          `json:"expiresAt"`
}

// StateManager issues single-use, time-bounded OAuth state tokens. The
// backing store decides the deployment shape: a MemoryStore is process local,
// SQL and Redis stores are shared between instances.
type StateManager struct {
	store kv.Store
	log   logrus.FieldLogger
	now   func() time.Time
}

func NewStateManager(store kv.Store, log logrus.FieldLogger) *StateManager {
	return &StateManager{store: store, log: log, now: time.Now}
}

func genToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Issue creates a state for userID and integration. Expired states are swept
// on the way; there is no background cleanup.
func (m *StateManager) Issue(ctx context.Context, userID string, integration tokens.Integration) (string, error) {
	if n, err := m.sweep(ctx); err != nil {
		m.log.WithError(err).Warn("oauth state sweep failed")
	} else if n > 0 {
		m.log.WithField("swept", n).Debug("removed expired oauth states")
	}

	token, err := genToken(stateBytes)
	if err != nil {
		return "", err
	}
	now := m.now()
	data, err := json.Marshal(StateClaim{
		UserID:      userID,
		Integration: integration,
		CreatedAt:   now,
		ExpiresAt:   now.Add(StateTTL),
	})
	if err != nil {
		return "", err
	}
	if err := m.store.Set(ctx, stateKeyPrefix+token, data, StateTTL+stateRetention); err != nil {
		return "", err
	}
	return token, nil
}

// Consume fetches and deletes the state in one store round trip. Unknown,
// replayed and expired states all fail with INVALID_STATE.
func (m *StateManager) Consume(ctx context.Context, token string) (*StateClaim, error) {
	log := m.log.WithField("state", tokenPrefix(token))
	if token == "" {
		return nil, apperr.New(apperr.InvalidState, "missing OAuth state")
	}
	data, err := m.store.Take(ctx, stateKeyPrefix+token)
	if errors.Is(err, kv.ErrNotFound) {
		log.Warn("unknown or already used oauth state, possible CSRF")
		return nil, apperr.New(apperr.InvalidState, "invalid OAuth state, possible CSRF attempt")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "could not read OAuth state", err)
	}

	var claim StateClaim
	if err := json.Unmarshal(data, &claim); err != nil {
		log.WithError(err).Warn("undecodable oauth state")
		return nil, apperr.New(apperr.InvalidState, "invalid OAuth state")
	}
	if !m.now().Before(claim.ExpiresAt) {
		log.WithFields(logrus.Fields{
			"user_id":     claim.UserID,
			"integration": claim.Integration,
		}).Info("oauth state expired")
		return nil, apperr.New(apperr.InvalidState, "OAuth state expired, please retry the connection")
	}
	return &claim, nil
}

func (m *StateManager) sweep(ctx context.Context) (int, error) {
	entries, err := m.store.List(ctx, stateKeyPrefix)
	if err != nil {
		return 0, err
	}
	now := m.now()
	var expired []string
	for _, e := range entries {
		var claim StateClaim
		if err := json.Unmarshal(e.Value, &claim); err != nil || !now.Before(claim.ExpiresAt) {
			expired = append(expired, e.Key)
		}
	}
	if len(expired) == 0 {
		return 0, nil
	}
	return len(expired), m.store.DeleteMany(ctx, expired...)
}

// tokenPrefix is the only part of a secret that may appear in logs.
func tokenPrefix(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
