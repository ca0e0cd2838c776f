package accountmap

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// GitLabOAuthMap resolves destination GitLab users from accounts linked
// through an OAuth provider (for example GitHub configured as an
// omniauth provider). The incoming identity is matched against
// extern_uid for the configured provider.
type GitLabOAuthMap struct {
	// InstanceURL is the destination GitLab instance.
	InstanceURL string

	// AccessToken is an administrator token with read_api scope.
	AccessToken string

	// Provider names the omniauth provider used to link accounts.
	Provider string

	// Client overrides http.DefaultClient, mainly for tests.
	Client *http.Client
}

// Lookup queries the admin users API for an account linked to srcUser.
// Transport failures surface as errors; an empty result is absent.
func (m *GitLabOAuthMap) Lookup(ctx context.Context, srcUser string) (string, bool, error) {
	q := url.Values{}
	q.Set("extern_uid", srcUser)
	q.Set("provider", m.Provider)
	apiURL := fmt.Sprintf("%s/api/v4/users?%s",
		strings.TrimSuffix(m.InstanceURL, "/"), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return "", false, err
	}
	req.Header.Set("PRIVATE-TOKEN", m.AccessToken)

	client := m.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("gitlab user lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return "", false, fmt.Errorf("gitlab user lookup: %s - %s", resp.Status, string(body))
	}

	var users []struct {
		Username string `json:"username"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&users); err != nil {
		return "", false, fmt.Errorf("gitlab user lookup: decode response: %w", err)
	}

	// There should never be more than one match for a provider uid.
	if len(users) == 0 {
		return "", false, nil
	}
	return users[0].Username, true, nil
}
