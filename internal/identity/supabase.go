package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const adminPageSize = 200

// SupabaseDirectory calls the Supabase Auth admin API with the service key.
type SupabaseDirectory struct {
	baseURL    string
	serviceKey string
	client     *http.Client
}

func NewSupabaseDirectory(projectURL, serviceKey string, client *http.Client) (*SupabaseDirectory, error) {
	if projectURL == "" {
		return nil, fmt.Errorf("supabase url is required")
	}
	if serviceKey == "" {
		return nil, fmt.Errorf("supabase service key is required")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &SupabaseDirectory{
		baseURL:    strings.TrimRight(projectURL, "/") + "/auth/v1",
		serviceKey: serviceKey,
		client:     client,
	}, nil
}

func (d *SupabaseDirectory) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, d.baseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("apikey", d.serviceKey)
	req.Header.Set("Authorization", "Bearer "+d.serviceKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("supabase %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, data, nil
}

// FindUserByEmail pages through the admin user list; the admin API has no
// exact email lookup.
func (d *SupabaseDirectory) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	want := NormalizeEmail(email)
	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("page", strconv.Itoa(page))
		q.Set("per_page", strconv.Itoa(adminPageSize))
		status, data, err := d.do(ctx, http.MethodGet, "/admin/users?"+q.Encode(), nil)
		if err != nil {
			return nil, err
		}
		if status != http.StatusOK {
			return nil, fmt.Errorf("supabase list users: status %d: %s", status, errorMessage(data))
		}
		users := gjson.GetBytes(data, "users").Array()
		for _, u := range users {
			if NormalizeEmail(u.Get("email").String()) == want {
				return &User{ID: u.Get("id").String(), Email: u.Get("email").String(), Role: u.Get("role").String()}, nil
			}
		}
		if len(users) < adminPageSize {
			return nil, nil
		}
	}
}

func (d *SupabaseDirectory) InviteUserByEmail(ctx context.Context, email, redirectTo string) (*User, error) {
	path := "/invite"
	if redirectTo != "" {
		path += "?" + url.Values{"redirect_to": {redirectTo}}.Encode()
	}
	status, data, err := d.do(ctx, http.MethodPost, path, map[string]any{"email": email, "data": map[string]any{}})
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		if isEmailExists(status, data) {
			return nil, ErrEmailExists
		}
		return nil, fmt.Errorf("supabase invite: status %d: %s", status, errorMessage(data))
	}
	parsed := gjson.ParseBytes(data)
	return &User{ID: parsed.Get("id").String(), Email: parsed.Get("email").String(), Role: parsed.Get("role").String()}, nil
}

func isEmailExists(status int, data []byte) bool {
	if gjson.GetBytes(data, "error_code").String() == "email_exists" {
		return true
	}
	msg := strings.ToLower(errorMessage(data))
	return (status == http.StatusUnprocessableEntity || status == http.StatusBadRequest) &&
		strings.Contains(msg, "already been registered")
}

func errorMessage(data []byte) string {
	for _, path := range []string{"msg", "message", "error_description", "error"} {
		if v := gjson.GetBytes(data, path); v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	return strings.TrimSpace(string(data))
}
