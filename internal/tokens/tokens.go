// Package tokens persists the per-user, per-integration OAuth tokens.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrNotFound = errors.New("tokens: integration token not found")

type Integration string

const (
	Notion Integration = "notion"
	Figma  Integration = "figma"
	Claude Integration = "claude"
)

var Integrations = []Integration{Notion, Figma, Claude}

// ParseIntegration accepts the lower-case integration names used in routes.
func ParseIntegration(s string) (Integration, error) {
	switch Integration(strings.ToLower(strings.TrimSpace(s))) {
	case Notion:
		return Notion, nil
	case Figma:
		return Figma, nil
	case Claude:
		return Claude, nil
	}
	return "", fmt.Errorf("unknown integration %q", s)
}

type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
	StatusConnecting   Status = "connecting"
)

// IntegrationToken is owned by a single user and is never returned to
// other users. Access and refresh tokens are excluded from JSON.
type IntegrationToken struct {
	UserID            string         `json:"userId"`
	Integration       Integration    `json:"integrationType"`
	Status            Status         `json:"status"`
	AccessToken       string         `json:"-"`
	RefreshToken      string         `json:"-"`
	ExpiresAt         *time.Time     `json:"expiresAt,omitempty"`
	WorkspaceMetadata map[string]any `json:"workspaceMetadata,omitempty"`
	LastSyncAt        time.Time      `json:"lastSyncAt"`
}

// Expired reports whether the access token has a known expiry that has passed.
func (t *IntegrationToken) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !now.Before(*t.ExpiresAt)
}

// Store keeps at most one token per (userID, integration); Upsert replaces.
type Store interface {
	Upsert(ctx context.Context, t *IntegrationToken) error
	Get(ctx context.Context, userID string, integration Integration) (*IntegrationToken, error)
	Delete(ctx context.Context, userID string, integration Integration) error
}
