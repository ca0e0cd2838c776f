package forge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestAuthenticateUserAdminToken(t *testing.T) {
	auth := NewGitLabAuthenticator("https://gl.example.com", "admin-token", "personal")
	token, err := auth.AuthenticateUser(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if token != "admin-token" {
		t.Errorf("token = %q, want admin-token", token)
	}
}

func TestAuthenticateUserImpersonation(t *testing.T) {
	mintCalls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v4/users", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("username"); got != "alice" {
			t.Errorf("username = %q, want alice", got)
		}
		w.Write([]byte(`[{"id": 7}]`))
	})
	mux.HandleFunc("/api/v4/users/7/impersonation_tokens", func(w http.ResponseWriter, r *http.Request) {
		mintCalls++
		var body struct {
			Name      string   `json:"name"`
			ExpiresAt string   `json:"expires_at"`
			Scopes    []string `json:"scopes"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if body.Name != "hubcast-impersonation" {
			t.Errorf("token name = %q", body.Name)
		}
		if len(body.Scopes) != 3 {
			t.Errorf("scopes = %v", body.Scopes)
		}
		if _, err := time.Parse("2006-01-02", body.ExpiresAt); err != nil {
			t.Errorf("expires_at %q is not a date: %v", body.ExpiresAt, err)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"token": "imp-token"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	auth := NewGitLabAuthenticator(srv.URL, "admin-token", "impersonation")
	auth.Client = srv.Client()

	for i := 0; i < 2; i++ {
		token, err := auth.AuthenticateUser(context.Background(), "alice")
		if err != nil {
			t.Fatalf("AuthenticateUser failed: %v", err)
		}
		if token != "imp-token" {
			t.Errorf("token = %q, want imp-token", token)
		}
	}
	if mintCalls != 1 {
		t.Errorf("minted %d tokens, want 1", mintCalls)
	}
}

func TestAuthenticateUserUnknown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	auth := NewGitLabAuthenticator(srv.URL, "admin-token", "impersonation")
	auth.Client = srv.Client()

	if _, err := auth.AuthenticateUser(context.Background(), "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestAuthenticateUserForbidden(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message": "403 Forbidden"}`, http.StatusForbidden)
	}))
	defer srv.Close()

	auth := NewGitLabAuthenticator(srv.URL, "admin-token", "impersonation")
	auth.Client = srv.Client()

	if _, err := auth.AuthenticateUser(context.Background(), "alice"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func newTestDestClient(srv *httptest.Server, callbackURL string) *GitLabDestClient {
	auth := NewGitLabAuthenticator(srv.URL, "admin-token", "personal")
	auth.Client = srv.Client()
	factory := &GitLabDestClientFactory{
		InstanceURL:   srv.URL,
		Auth:          auth,
		Requester:     "hubcast-test",
		CallbackURL:   callbackURL,
		WebhookSecret: "hook-secret",
		Client:        srv.Client(),
	}
	return factory.CreateClient("alice")
}

func TestRemoteURL(t *testing.T) {
	factory := &GitLabDestClientFactory{InstanceURL: "https://gl.example.com"}
	c := factory.CreateClient("alice")
	if got := c.RemoteURL("org/repo"); got != "https://gl.example.com/org/repo.git" {
		t.Errorf("RemoteURL = %q", got)
	}
}

func TestEnsureWebhookSkipsExisting(t *testing.T) {
	created := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.Write([]byte(`[{"url": "https://hubcast.example.com/v1/events/dest/gitlab?src_service=github"}]`))
		case http.MethodPost:
			created = true
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{}`))
		}
	}))
	defer srv.Close()

	c := newTestDestClient(srv, "https://hubcast.example.com/v1/events/dest/gitlab")
	params := url.Values{"src_service": {"github"}}
	if err := c.EnsureWebhook(context.Background(), "org/repo", params); err != nil {
		t.Fatalf("EnsureWebhook failed: %v", err)
	}
	if created {
		t.Error("webhook created even though one already exists")
	}
}

func TestEnsureWebhookCreates(t *testing.T) {
	var created struct {
		URL            string `json:"url"`
		PipelineEvents bool   `json:"pipeline_events"`
		Token          string `json:"token"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/v4/projects/") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		switch r.Method {
		case http.MethodGet:
			w.Write([]byte(`[]`))
		case http.MethodPost:
			json.NewDecoder(r.Body).Decode(&created)
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{}`))
		}
	}))
	defer srv.Close()

	c := newTestDestClient(srv, "https://hubcast.example.com/v1/events/dest/gitlab")
	params := url.Values{"src_service": {"github"}, "src_owner": {"org"}}
	if err := c.EnsureWebhook(context.Background(), "org/repo", params); err != nil {
		t.Fatalf("EnsureWebhook failed: %v", err)
	}
	if !created.PipelineEvents {
		t.Error("webhook missing pipeline_events")
	}
	if created.Token != "hook-secret" {
		t.Errorf("webhook token = %q", created.Token)
	}
	if !strings.Contains(created.URL, "src_service=github") {
		t.Errorf("webhook url = %q, missing source params", created.URL)
	}
}

func TestRunPipeline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Ref string `json:"ref"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if body.Ref != "pr-3" {
			t.Errorf("ref = %q, want pr-3", body.Ref)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id": 11, "web_url": "https://gl/pipe/11"}`))
	}))
	defer srv.Close()

	c := newTestDestClient(srv, "")
	webURL, err := c.RunPipeline(context.Background(), "org/repo", "pr-3")
	if err != nil {
		t.Fatalf("RunPipeline failed: %v", err)
	}
	if webURL != "https://gl/pipe/11" {
		t.Errorf("webURL = %q", webURL)
	}
}

func TestCreateMergeRequestConflictOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message": "merge request already exists"}`, http.StatusConflict)
	}))
	defer srv.Close()

	c := newTestDestClient(srv, "")
	if err := c.CreateMergeRequest(context.Background(), "org/repo", "pr-3", "main", "sync"); err != nil {
		t.Errorf("conflict should not be an error: %v", err)
	}
}

func TestGitLabSrcSetCheckStatus(t *testing.T) {
	var posted struct {
		State     string `json:"state"`
		Name      string `json:"name"`
		TargetURL string `json:"target_url"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v4/projects/55/statuses/abc123" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&posted)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	factory := &GitLabSrcClientFactory{
		InstanceURL: srv.URL,
		AccessToken: "src-token",
		Requester:   "hubcast-test",
		Client:      srv.Client(),
	}
	c := factory.CreateClient(55)
	if err := c.SetCheckStatus(context.Background(), "abc123", "gitlab-ci", "running", "https://gl/pipe/2"); err != nil {
		t.Fatalf("SetCheckStatus failed: %v", err)
	}
	if posted.State != "running" || posted.Name != "gitlab-ci" {
		t.Errorf("posted = %+v", posted)
	}
}

func TestGitLabSrcGetRepoConfig(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.RawPath+r.URL.Path, "hubcast.yml") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("PRIVATE-TOKEN"); got != "src-token" {
			t.Errorf("PRIVATE-TOKEN = %q", got)
		}
		w.Write([]byte("Repo:\n  owner: o\n  name: n"))
	}))
	defer srv.Close()

	factory := &GitLabSrcClientFactory{InstanceURL: srv.URL, AccessToken: "src-token", Client: srv.Client()}
	data, err := factory.CreateClient(55).GetRepoConfig(context.Background())
	if err != nil {
		t.Fatalf("GetRepoConfig failed: %v", err)
	}
	if !strings.Contains(string(data), "owner: o") {
		t.Errorf("config = %q", data)
	}
}
