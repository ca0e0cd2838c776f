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
)

// GitLabDestClientFactory creates user-scoped clients for the
// destination instance. CallbackURL and WebhookSecret configure the
// pipeline webhook the bridge registers on mirrored projects.
type GitLabDestClientFactory struct {
	InstanceURL   string
	Auth          *GitLabAuthenticator
	Requester     string
	CallbackURL   string
	WebhookSecret string

	// Client overrides the default HTTP client, mainly for tests.
	Client *http.Client
}

// CreateClient returns a client acting as the mapped destination user.
func (f *GitLabDestClientFactory) CreateClient(username string) *GitLabDestClient {
	return &GitLabDestClient{
		instanceURL:   f.InstanceURL,
		auth:          f.Auth,
		requester:     f.Requester,
		callbackURL:   f.CallbackURL,
		webhookSecret: f.WebhookSecret,
		client:        f.Client,
		username:      username,
	}
}

// GitLabDestClient performs destination-side API calls as one user.
type GitLabDestClient struct {
	instanceURL   string
	auth          *GitLabAuthenticator
	requester     string
	callbackURL   string
	webhookSecret string
	client        *http.Client
	username      string
}

// Username returns the destination account this client acts as.
func (c *GitLabDestClient) Username() string { return c.username }

// InstanceURL returns the base URL of the destination instance.
func (c *GitLabDestClient) InstanceURL() string { return c.instanceURL }

// Token returns the user's API token, minting one if needed.
func (c *GitLabDestClient) Token(ctx context.Context) (string, error) {
	return c.auth.AuthenticateUser(ctx, c.username)
}

// RemoteURL is the smart-HTTP git URL of the destination project.
func (c *GitLabDestClient) RemoteURL(destFullname string) string {
	return c.instanceURL + "/" + destFullname + ".git"
}

// EnsureWebhook registers the pipeline callback webhook on the project
// if no hook with the callback URL exists yet. params identify the
// source repository back to us and are appended to the callback URL.
func (c *GitLabDestClient) EnsureWebhook(ctx context.Context, destFullname string, params url.Values) error {
	if c.callbackURL == "" {
		return nil
	}
	hookURL := c.callbackURL
	if len(params) > 0 {
		hookURL += "?" + params.Encode()
	}

	project := url.PathEscape(destFullname)
	listPath := fmt.Sprintf("/api/v4/projects/%s/hooks", project)
	req, err := c.newRequest(ctx, http.MethodGet, listPath, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apiError("list webhooks", resp)
	}

	var hooks []struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&hooks); err != nil {
		return fmt.Errorf("list webhooks: decode response: %w", err)
	}
	for _, h := range hooks {
		if h.URL == hookURL {
			return nil
		}
	}

	payload, err := json.Marshal(struct {
		URL            string `json:"url"`
		PipelineEvents bool   `json:"pipeline_events"`
		PushEvents     bool   `json:"push_events"`
		Token          string `json:"token"`
	}{
		URL:            hookURL,
		PipelineEvents: true,
		PushEvents:     false,
		Token:          c.webhookSecret,
	})
	if err != nil {
		return err
	}

	req, err = c.newRequest(ctx, http.MethodPost, listPath, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp2, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp2.Body.Close()

	if resp2.StatusCode >= 400 {
		return apiError("create webhook", resp2)
	}
	return nil
}

// RunPipeline triggers a pipeline on ref and returns its web URL.
func (c *GitLabDestClient) RunPipeline(ctx context.Context, destFullname, ref string) (string, error) {
	payload, err := json.Marshal(struct {
		Ref string `json:"ref"`
	}{Ref: ref})
	if err != nil {
		return "", err
	}

	path := fmt.Sprintf("/api/v4/projects/%s/pipeline", url.PathEscape(destFullname))
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", apiError("run pipeline", resp)
	}

	var result struct {
		WebURL string `json:"web_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("run pipeline: decode response: %w", err)
	}
	return result.WebURL, nil
}

// CreateMergeRequest opens a merge request from sourceBranch into
// targetBranch on the destination project. An already-open MR for the
// same branches is not an error.
func (c *GitLabDestClient) CreateMergeRequest(ctx context.Context, destFullname, sourceBranch, targetBranch, title string) error {
	payload, err := json.Marshal(struct {
		SourceBranch string `json:"source_branch"`
		TargetBranch string `json:"target_branch"`
		Title        string `json:"title"`
	}{
		SourceBranch: sourceBranch,
		TargetBranch: targetBranch,
		Title:        title,
	})
	if err != nil {
		return err
	}

	path := fmt.Sprintf("/api/v4/projects/%s/merge_requests", url.PathEscape(destFullname))
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// 409 means a merge request for the branch pair already exists.
	if resp.StatusCode == http.StatusConflict {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if resp.StatusCode >= 400 {
		return apiError("create merge request", resp)
	}
	return nil
}

func (c *GitLabDestClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	token, err := c.Token(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.instanceURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("PRIVATE-TOKEN", token)
	req.Header.Set("User-Agent", c.requester)
	return req, nil
}

func (c *GitLabDestClient) do(req *http.Request) (*http.Response, error) {
	client := c.client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return client.Do(req)
}
