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

// GitHubClientFactory creates repository-scoped clients backed by a
// shared app authenticator.
type GitHubClientFactory struct {
	Auth      *GitHubAuthenticator
	Requester string

	// APIBaseURL defaults to the public GitHub API.
	APIBaseURL string

	// Client overrides the default HTTP client, mainly for tests.
	Client *http.Client
}

// CreateClient returns a client scoped to owner/repo. Creation is
// cheap; authentication happens lazily on the first API call.
func (f *GitHubClientFactory) CreateClient(owner, repo string) *GitHubClient {
	base := f.APIBaseURL
	if base == "" {
		base = "https://api.github.com"
	}
	return &GitHubClient{
		auth:      f.Auth,
		requester: f.Requester,
		baseURL:   base,
		client:    f.Client,
		owner:     owner,
		repo:      repo,
	}
}

// GitHubClient talks to the GitHub REST API for one repository using
// app installation tokens.
type GitHubClient struct {
	auth      *GitHubAuthenticator
	requester string
	baseURL   string
	client    *http.Client
	owner     string
	repo      string
}

// PullRequest is the subset of the GitHub pull request object the sync
// handlers act on.
type PullRequest struct {
	Number int  `json:"number"`
	Draft  bool `json:"draft"`
	Head   struct {
		SHA  string `json:"sha"`
		Ref  string `json:"ref"`
		Repo struct {
			FullName string `json:"full_name"`
			CloneURL string `json:"clone_url"`
			Private  bool   `json:"private"`
		} `json:"repo"`
	} `json:"head"`
	Base struct {
		Ref  string `json:"ref"`
		Repo struct {
			FullName string `json:"full_name"`
		} `json:"repo"`
	} `json:"base"`
}

// FromFork reports whether the head branch lives in a different
// repository than the base.
func (pr *PullRequest) FromFork() bool {
	return pr.Head.Repo.FullName != pr.Base.Repo.FullName
}

// TargetRef is the destination ref the pull request mirrors to. Fork
// branches land under a synthetic pr-N name so contributors cannot
// clobber each other's branches.
func (pr *PullRequest) TargetRef() string {
	if pr.FromFork() {
		return fmt.Sprintf("refs/heads/pr-%d", pr.Number)
	}
	return "refs/heads/" + pr.Head.Ref
}

// GetRepoConfig fetches the raw .github/hubcast.yml from the default
// branch.
func (c *GitHubClient) GetRepoConfig(ctx context.Context) ([]byte, error) {
	path := fmt.Sprintf("/repos/%s/%s/contents/.github/hubcast.yml", c.owner, c.repo)
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github.raw+json")

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s/%s has no .github/hubcast.yml: %w", c.owner, c.repo, ErrNotFound)
	}
	if resp.StatusCode >= 400 {
		return nil, apiError("get repo config", resp)
	}
	return io.ReadAll(resp.Body)
}

// GetPullRequests lists open pull requests whose head is branch in this
// repository.
func (c *GitHubClient) GetPullRequests(ctx context.Context, branch string) ([]PullRequest, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls?state=open&head=%s",
		c.owner, c.repo, url.QueryEscape(c.owner+":"+branch))
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
		return nil, apiError("list pull requests", resp)
	}

	var prs []PullRequest
	if err := json.NewDecoder(resp.Body).Decode(&prs); err != nil {
		return nil, fmt.Errorf("list pull requests: decode response: %w", err)
	}
	return prs, nil
}

// GetPullRequest fetches one pull request by number.
func (c *GitHubClient) GetPullRequest(ctx context.Context, number int) (*PullRequest, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d", c.owner, c.repo, number)
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
		return nil, fmt.Errorf("pull request %d: %w", number, ErrNotFound)
	}
	if resp.StatusCode >= 400 {
		return nil, apiError("get pull request", resp)
	}

	var pr PullRequest
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, fmt.Errorf("get pull request: decode response: %w", err)
	}
	return &pr, nil
}

// translateCheckStatus maps a GitLab pipeline status to the GitHub
// check-run status and conclusion. Unknown statuses are an error so a
// vocabulary drift surfaces instead of silently posting garbage.
func translateCheckStatus(pipelineStatus string) (status, conclusion string, err error) {
	switch pipelineStatus {
	case "pending":
		return "queued", "", nil
	case "running":
		return "in_progress", "", nil
	case "success":
		return "completed", "success", nil
	case "failed":
		return "completed", "failure", nil
	case "canceled":
		return "completed", "cancelled", nil
	}
	return "", "", fmt.Errorf("unknown pipeline status %q", pipelineStatus)
}

// SetCheckStatus creates or updates the named check run on the commit.
// An existing run is patched in place unless it already completed, in
// which case a new run is created so reruns show their own history.
func (c *GitHubClient) SetCheckStatus(ctx context.Context, sha, checkName, pipelineStatus, detailsURL string) error {
	status, conclusion, err := translateCheckStatus(pipelineStatus)
	if err != nil {
		return err
	}

	existingID, existingStatus, err := c.findCheckRun(ctx, sha, checkName)
	if err != nil {
		return err
	}

	payload := struct {
		Name       string `json:"name"`
		HeadSHA    string `json:"head_sha"`
		DetailsURL string `json:"details_url,omitempty"`
		Status     string `json:"status"`
		Conclusion string `json:"conclusion,omitempty"`
	}{
		Name:       checkName,
		HeadSHA:    sha,
		DetailsURL: detailsURL,
		Status:     status,
		Conclusion: conclusion,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	method := http.MethodPost
	path := fmt.Sprintf("/repos/%s/%s/check-runs", c.owner, c.repo)
	if existingID != 0 && existingStatus != "completed" {
		method = http.MethodPatch
		path = fmt.Sprintf("/repos/%s/%s/check-runs/%d", c.owner, c.repo, existingID)
	}

	req, err := c.newRequest(ctx, method, path, bytes.NewReader(body))
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
		return apiError("set check status", resp)
	}
	return nil
}

func (c *GitHubClient) findCheckRun(ctx context.Context, sha, checkName string) (id int64, status string, err error) {
	path := fmt.Sprintf("/repos/%s/%s/commits/%s/check-runs?check_name=%s",
		c.owner, c.repo, sha, url.QueryEscape(checkName))
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return 0, "", err
	}

	resp, err := c.do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return 0, "", apiError("list check runs", resp)
	}

	var result struct {
		CheckRuns []struct {
			ID     int64  `json:"id"`
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"check_runs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, "", fmt.Errorf("list check runs: decode response: %w", err)
	}

	for _, run := range result.CheckRuns {
		if run.Name == checkName {
			return run.ID, run.Status, nil
		}
	}
	return 0, "", nil
}

// CreateComment posts a comment on an issue or pull request.
func (c *GitHubClient) CreateComment(ctx context.Context, issueNumber int, body string) error {
	payload, err := json.Marshal(struct {
		Body string `json:"body"`
	}{Body: body})
	if err != nil {
		return err
	}

	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", c.owner, c.repo, issueNumber)
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
		return apiError("create comment", resp)
	}
	return nil
}

// CreateReaction adds a +1 reaction to a comment, acknowledging a
// command without the noise of a reply.
func (c *GitHubClient) CreateReaction(ctx context.Context, commentID int64) error {
	payload := []byte(`{"content": "+1"}`)

	path := fmt.Sprintf("/repos/%s/%s/issues/comments/%d/reactions", c.owner, c.repo, commentID)
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
		return apiError("create reaction", resp)
	}
	return nil
}

func (c *GitHubClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	token, err := c.auth.AuthenticateInstallation(ctx, c.owner, c.repo)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", c.requester)
	return req, nil
}

func (c *GitHubClient) do(req *http.Request) (*http.Response, error) {
	client := c.client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return client.Do(req)
}

func apiError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%s: %s - %s: %w", op, resp.Status, string(body), ErrUnauthorized)
	}
	return fmt.Errorf("%s: %s - %s", op, resp.Status, string(body))
}
