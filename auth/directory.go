package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var ErrDirectoryUnavailable = errors.New("user directory is not configured")

// DirectoryUser is one Supabase Auth account as shown to administrators.
type DirectoryUser struct {
	ID           string                 `json:"id"`
	Email        string                 `json:"email"`
	CreatedAt    time.Time              `json:"created_at"`
	LastSignInAt *time.Time             `json:"last_sign_in_at"`
	UserMetadata map[string]interface{} `json:"raw_user_meta_data"`
}

// UserDirectory lists Supabase Auth users through the admin API. It needs
// the service role key and must never be reachable by non-admins.
type UserDirectory struct {
	baseURL        string
	serviceRoleKey string
	client         *http.Client
}

func NewUserDirectory(baseURL, serviceRoleKey string, client *http.Client) *UserDirectory {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &UserDirectory{
		baseURL:        strings.TrimRight(baseURL, "/"),
		serviceRoleKey: serviceRoleKey,
		client:         client,
	}
}

// adminUser matches the GoTrue admin API field names.
type adminUser struct {
	ID           string                 `json:"id"`
	Email        string                 `json:"email"`
	CreatedAt    time.Time              `json:"created_at"`
	LastSignInAt *time.Time             `json:"last_sign_in_at"`
	UserMetadata map[string]interface{} `json:"user_metadata"`
}

// ListUsers returns one page of users. Pages start at 1.
func (d *UserDirectory) ListUsers(ctx context.Context, page, perPage int) ([]DirectoryUser, error) {
	if d.baseURL == "" || d.serviceRoleKey == "" {
		return nil, ErrDirectoryUnavailable
	}

	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("per_page", strconv.Itoa(perPage))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/auth/v1/admin/users?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+d.serviceRoleKey)
	req.Header.Set("apikey", d.serviceRoleKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("supabase admin request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("supabase admin API returned status %d", resp.StatusCode)
	}

	var body struct {
		Users []adminUser `json:"users"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode supabase users: %w", err)
	}

	users := make([]DirectoryUser, 0, len(body.Users))
	for _, u := range body.Users {
		users = append(users, DirectoryUser(u))
	}
	return users, nil
}
