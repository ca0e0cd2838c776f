package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/llnl/hubcast/internal/tokencache"
)

// GitLabAuthenticator mints per-user impersonation tokens on the
// destination instance using an admin token. When TokenType is not
// "impersonation" the admin token itself is handed out, which suits
// single-user deployments.
type GitLabAuthenticator struct {
	InstanceURL string
	TokenType   string

	// Client overrides the default HTTP client, mainly for tests.
	Client *http.Client

	adminToken string
	tokens     *tokencache.Cache

	now func() time.Time
}

// NewGitLabAuthenticator returns an authenticator for the instance.
func NewGitLabAuthenticator(instanceURL, adminToken, tokenType string) *GitLabAuthenticator {
	return &GitLabAuthenticator{
		InstanceURL: instanceURL,
		TokenType:   tokenType,
		adminToken:  adminToken,
		tokens:      tokencache.New(),
		now:         time.Now,
	}
}

// AuthenticateUser returns a token acting as username on the instance.
// Impersonation tokens are cached until their expiry at the next UTC
// midnight boundary.
func (a *GitLabAuthenticator) AuthenticateUser(ctx context.Context, username string) (string, error) {
	if a.TokenType != "impersonation" {
		return a.adminToken, nil
	}

	name := "impersonation:" + username
	return a.tokens.Get(ctx, name, func(ctx context.Context) (time.Time, string, error) {
		return a.mintImpersonationToken(ctx, username)
	}, 0)
}

func (a *GitLabAuthenticator) mintImpersonationToken(ctx context.Context, username string) (time.Time, string, error) {
	userID, err := a.lookupUserID(ctx, username)
	if err != nil {
		return time.Time{}, "", err
	}

	// Tokens expire at the upcoming UTC midnight. A token minted just
	// before midnight is short-lived; the cache re-mints once the
	// remaining validity drops below its time-needed window.
	year, month, day := a.now().UTC().Date()
	expires := time.Date(year, month, day, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)

	payload, err := json.Marshal(struct {
		Name      string   `json:"name"`
		ExpiresAt string   `json:"expires_at"`
		Scopes    []string `json:"scopes"`
	}{
		Name:      "hubcast-impersonation",
		ExpiresAt: expires.Format("2006-01-02"),
		Scopes:    []string{"api", "read_repository", "write_repository"},
	})
	if err != nil {
		return time.Time{}, "", err
	}

	endpoint := fmt.Sprintf("%s/api/v4/users/%d/impersonation_tokens", a.InstanceURL, userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return time.Time{}, "", err
	}
	req.Header.Set("PRIVATE-TOKEN", a.adminToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient().Do(req)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("mint impersonation token for %s: %w", username, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return time.Time{}, "", fmt.Errorf("mint impersonation token for %s: %s: %w", username, resp.Status, ErrUnauthorized)
	}
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return time.Time{}, "", fmt.Errorf("mint impersonation token for %s: %s - %s", username, resp.Status, string(body))
	}

	var result struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return time.Time{}, "", fmt.Errorf("mint impersonation token for %s: decode response: %w", username, err)
	}
	return expires, result.Token, nil
}

func (a *GitLabAuthenticator) lookupUserID(ctx context.Context, username string) (int64, error) {
	endpoint := fmt.Sprintf("%s/api/v4/users?username=%s", a.InstanceURL, url.QueryEscape(username))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("PRIVATE-TOKEN", a.adminToken)

	resp, err := a.httpClient().Do(req)
	if err != nil {
		return 0, fmt.Errorf("look up user %s: %w", username, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return 0, fmt.Errorf("look up user %s: %s: %w", username, resp.Status, ErrUnauthorized)
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("look up user %s: %s - %s", username, resp.Status, string(body))
	}

	var users []struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&users); err != nil {
		return 0, fmt.Errorf("look up user %s: decode response: %w", username, err)
	}
	if len(users) == 0 {
		return 0, fmt.Errorf("no user %s on %s: %w", username, a.InstanceURL, ErrNotFound)
	}
	return users[0].ID, nil
}

func (a *GitLabAuthenticator) httpClient() *http.Client {
	if a.Client != nil {
		return a.Client
	}
	return &http.Client{Timeout: 10 * time.Second}
}
