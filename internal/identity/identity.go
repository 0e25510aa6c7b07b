// Package identity talks to the identity provider (Supabase Auth): it verifies
// bearer access tokens and looks up or invites users by email.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrEmailExists is returned by InviteUserByEmail when the provider
	// already has an account for the address.
	ErrEmailExists  = errors.New("identity: email already registered")
	ErrInvalidToken = errors.New("identity: invalid access token")
)

type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role,omitempty"`
}

// Directory is the subset of the identity provider's admin API the project
// invitation flow needs.
type Directory interface {
	// FindUserByEmail returns nil, nil when no account has the address.
	FindUserByEmail(ctx context.Context, email string) (*User, error)
	// InviteUserByEmail sends an invitation email and pre-creates the account.
	InviteUserByEmail(ctx context.Context, email, redirectTo string) (*User, error)
}

// NormalizeEmail is the comparison form used for every email match.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// userAudience is the aud claim Supabase puts on signed-in user sessions. Anon
// and service role keys share the JWT secret but not this audience.
const userAudience = "authenticated"

// Verifier checks Supabase access tokens locally with the project's JWT secret.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("identity: jwt secret is required")
	}
	return &Verifier{secret: []byte(secret), now: time.Now}, nil
}

func (v *Verifier) Verify(token string) (*User, error) {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now), jwt.WithExpirationRequired(), jwt.WithAudience(userAudience))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	u := &User{
		ID:    stringClaim(claims, "sub"),
		Email: stringClaim(claims, "email"),
		Role:  stringClaim(claims, "role"),
	}
	if u.ID == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return u, nil
}

// IssueToken signs an HS256 access token shaped like Supabase's. Used by
// tests and local development against DB_ADAPTER=memory.
func IssueToken(secret string, u User, ttl time.Duration) (string, error) {
	now := time.Now()
	role := u.Role
	if role == "" {
		role = "authenticated"
	}
	claims := jwt.MapClaims{
		"sub":   u.ID,
		"email": u.Email,
		"role":  role,
		"aud":   userAudience,
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func stringClaim(claims jwt.MapClaims, key string) string {
	if val, ok := claims[key]; ok {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return ""
}
