package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestVerifier(t *testing.T) {
	v, err := NewVerifier("jwt-secret")
	require.NoError(t, err)

	token, err := IssueToken("jwt-secret", User{ID: "u1", Email: "a@example.com"}, time.Hour)
	require.NoError(t, err)
	u, err := v.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "u1", u.ID)
	require.Equal(t, "a@example.com", u.Email)
	require.Equal(t, "authenticated", u.Role)

	forged, err := IssueToken("other-secret", User{ID: "u1"}, time.Hour)
	require.NoError(t, err)
	_, err = v.Verify(forged)
	require.ErrorIs(t, err, ErrInvalidToken)

	expired, err := IssueToken("jwt-secret", User{ID: "u1"}, -time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(expired)
	require.ErrorIs(t, err, ErrInvalidToken)

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("jwt-secret"))
	require.NoError(t, err)
	_, err = v.Verify(noSubject)
	require.ErrorIs(t, err, ErrInvalidToken)

	for name, aud := range map[string]any{"no audience": nil, "service role": "service_role", "anon list": []string{"anon"}} {
		claims := jwt.MapClaims{"sub": "u1", "role": "service_role", "exp": time.Now().Add(time.Hour).Unix()}
		if aud != nil {
			claims["aud"] = aud
		}
		other, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("jwt-secret"))
		require.NoError(t, err)
		_, err = v.Verify(other)
		require.ErrorIs(t, err, ErrInvalidToken, name)
	}

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u1"}).SignedString([]byte("jwt-secret"))
	require.NoError(t, err)
	_, err = v.Verify(noExpiry)
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = NewVerifier("")
	require.Error(t, err)
}

func TestMemoryDirectory(t *testing.T) {
	d := NewMemoryDirectory()
	ctx := context.Background()
	existing := d.AddUser(User{Email: "Alice@Example.com"})

	u, err := d.FindUserByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	require.Equal(t, existing.ID, u.ID)

	u, err = d.FindUserByEmail(ctx, "bob@example.com")
	require.NoError(t, err)
	require.Nil(t, u)

	_, err = d.InviteUserByEmail(ctx, "ALICE@example.com", "")
	require.ErrorIs(t, err, ErrEmailExists)

	invited, err := d.InviteUserByEmail(ctx, "bob@example.com", "")
	require.NoError(t, err)
	require.NotEmpty(t, invited.ID)
	require.Equal(t, []string{"bob@example.com"}, d.Invites())
}

func newSupabaseFake(t *testing.T, users int) (*httptest.Server, *[]string) {
	t.Helper()
	var requests []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests = append(requests, r.Method+" "+r.URL.Path)
		if r.Header.Get("apikey") != "service-key" || r.Header.Get("Authorization") != "Bearer service-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/auth/v1/admin/users":
			page, _ := strconv.Atoi(r.URL.Query().Get("page"))
			perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
			list := []map[string]string{}
			for i := (page - 1) * perPage; i < page*perPage && i < users; i++ {
				list = append(list, map[string]string{"id": fmt.Sprintf("id-%d", i), "email": fmt.Sprintf("user%d@example.com", i)})
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"users": list})
		case r.Method == http.MethodPost && r.URL.Path == "/auth/v1/invite":
			var body struct {
				Email string `json:"email"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body.Email == "taken@example.com" {
				w.WriteHeader(http.StatusUnprocessableEntity)
				_, _ = w.Write([]byte(`{"code":422,"error_code":"email_exists","msg":"A user with this email address has already been registered"}`))
				return
			}
			if body.Email == "broken@example.com" {
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"msg":"boom"}`))
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "new-id", "email": body.Email})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &requests
}

func TestSupabaseDirectoryFindUserByEmailPages(t *testing.T) {
	srv, requests := newSupabaseFake(t, adminPageSize+5)
	d, err := NewSupabaseDirectory(srv.URL+"/", "service-key", srv.Client())
	require.NoError(t, err)
	ctx := context.Background()

	u, err := d.FindUserByEmail(ctx, "USER202@example.com")
	require.NoError(t, err)
	require.NotNil(t, u)
	require.Equal(t, "id-202", u.ID)
	require.Len(t, *requests, 2)

	u, err = d.FindUserByEmail(ctx, "nobody@example.com")
	require.NoError(t, err)
	require.Nil(t, u)
}

func TestSupabaseDirectoryInvite(t *testing.T) {
	srv, _ := newSupabaseFake(t, 0)
	d, err := NewSupabaseDirectory(srv.URL, "service-key", srv.Client())
	require.NoError(t, err)
	ctx := context.Background()

	u, err := d.InviteUserByEmail(ctx, "new@example.com", "https://app.example.com/invite")
	require.NoError(t, err)
	require.Equal(t, "new-id", u.ID)

	_, err = d.InviteUserByEmail(ctx, "taken@example.com", "")
	require.ErrorIs(t, err, ErrEmailExists)

	_, err = d.InviteUserByEmail(ctx, "broken@example.com", "")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrEmailExists)
	require.Contains(t, err.Error(), "boom")
}

func TestNewSupabaseDirectoryValidation(t *testing.T) {
	_, err := NewSupabaseDirectory("", "key", nil)
	require.Error(t, err)
	_, err = NewSupabaseDirectory("https://x.supabase.co", "", nil)
	require.Error(t, err)
}
