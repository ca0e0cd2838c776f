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

// GitLabSrcClientFactory creates project-scoped clients for a GitLab
// source instance, authenticated with a single access token.
type GitLabSrcClientFactory struct {
	InstanceURL string
	AccessToken string
	Requester   string

	// Client overrides the default HTTP client, mainly for tests.
	Client *http.Client
}

// CreateClient returns a client scoped to the numeric project id.
func (f *GitLabSrcClientFactory) CreateClient(projectID int64) *GitLabSrcClient {
	return &GitLabSrcClient{
		instanceURL: f.InstanceURL,
		accessToken: f.AccessToken,
		requester:   f.Requester,
		client:      f.Client,
		projectID:   projectID,
	}
}

// GitLabSrcClient talks to a GitLab source instance for one project.
type GitLabSrcClient struct {
	instanceURL string
	accessToken string
	requester   string
	client      *http.Client
	projectID   int64
}

// MergeRequest is the subset of the GitLab merge request object the
// sync handlers act on.
type MergeRequest struct {
	IID          int    `json:"iid"`
	SourceBranch string `json:"source_branch"`
	SHA          string `json:"sha"`
	Draft        bool   `json:"draft"`
}

// GetRepoConfig fetches the raw .gitlab/hubcast.yml from HEAD.
func (c *GitLabSrcClient) GetRepoConfig(ctx context.Context) ([]byte, error) {
	path := fmt.Sprintf("/api/v4/projects/%d/repository/files/%s/raw?ref=HEAD",
		c.projectID, url.PathEscape(".gitlab/hubcast.yml"))
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("project %d has no .gitlab/hubcast.yml: %w", c.projectID, ErrNotFound)
	}
	if resp.StatusCode >= 400 {
		return nil, apiError("get repo config", resp)
	}
	return io.ReadAll(resp.Body)
}

// GetOpenMergeRequests lists open merge requests whose source branch is
// sourceBranch.
func (c *GitLabSrcClient) GetOpenMergeRequests(ctx context.Context, sourceBranch string) ([]MergeRequest, error) {
	path := fmt.Sprintf("/api/v4/projects/%d/merge_requests?state=opened&source_branch=%s",
		c.projectID, url.QueryEscape(sourceBranch))
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, apiError("list merge requests", resp)
	}

	var mrs []MergeRequest
	if err := json.NewDecoder(resp.Body).Decode(&mrs); err != nil {
		return nil, fmt.Errorf("list merge requests: decode response: %w", err)
	}
	return mrs, nil
}

// SetCheckStatus posts a commit status on the source project. GitLab
// speaks the pipeline vocabulary natively so the status passes through
// untranslated.
func (c *GitLabSrcClient) SetCheckStatus(ctx context.Context, sha, checkName, pipelineStatus, detailsURL string) error {
	payload, err := json.Marshal(struct {
		State     string `json:"state"`
		Name      string `json:"name"`
		TargetURL string `json:"target_url,omitempty"`
	}{
		State:     pipelineStatus,
		Name:      checkName,
		TargetURL: detailsURL,
	})
	if err != nil {
		return err
	}

	path := fmt.Sprintf("/api/v4/projects/%d/statuses/%s", c.projectID, sha)
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

	if resp.StatusCode >= 400 {
		return apiError("set commit status", resp)
	}
	return nil
}

func (c *GitLabSrcClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.instanceURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("PRIVATE-TOKEN", c.accessToken)
	req.Header.Set("User-Agent", c.requester)
	return req, nil
}

func (c *GitLabSrcClient) do(req *http.Request) (*http.Response, error) {
	client := c.client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return client.Do(req)
}
