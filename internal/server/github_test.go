package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/llnl/hubcast/internal/forge"
	"github.com/llnl/hubcast/internal/repocfg"
)

const webhookSecret = "hook-secret"

// testAccounts is a fixed in-memory account map.
type testAccounts map[string]string

func (m testAccounts) Lookup(ctx context.Context, srcUser string) (string, bool, error) {
	dest, ok := m[srcUser]
	return dest, ok, nil
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ghStub mimics the GitHub API surface the handlers touch and records
// writes for assertions.
type ghStub struct {
	mu         sync.Mutex
	repoConfig string
	openPRs    string // JSON array served for the pulls list
	pr7        string // JSON object served for pull 7

	comments  []string
	reactions int
}

func (g *ghStub) server(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		defer g.mu.Unlock()
		path := r.URL.Path
		switch {
		case strings.HasSuffix(path, "/installation"):
			w.Write([]byte(`{"id": 42}`))
		case strings.Contains(path, "/access_tokens"):
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"token": "inst-token", "expires_at": "2100-01-01T00:00:00Z"}`))
		case strings.Contains(path, "/contents/"):
			w.Write([]byte(g.repoConfig))
		case strings.HasSuffix(path, "/pulls/7"):
			w.Write([]byte(g.pr7))
		case strings.HasSuffix(path, "/pulls"):
			if g.openPRs == "" {
				w.Write([]byte(`[]`))
			} else {
				w.Write([]byte(g.openPRs))
			}
		case strings.HasSuffix(path, "/reactions"):
			g.reactions++
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{}`))
		case strings.HasSuffix(path, "/comments"):
			var body struct {
				Body string `json:"body"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			g.comments = append(g.comments, body.Body)
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{}`))
		default:
			t.Errorf("unexpected github call %s %s", r.Method, path)
			http.NotFound(w, r)
		}
	}))
}

// glStub mimics the destination GitLab API.
type glStub struct {
	mu           sync.Mutex
	hooksCreated int
	pipelineRefs []string
	pipelineFail bool
}

func (g *glStub) server(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		defer g.mu.Unlock()
		switch {
		case strings.Contains(r.URL.EscapedPath(), "/hooks"):
			if r.Method == http.MethodGet {
				w.Write([]byte(`[]`))
				return
			}
			g.hooksCreated++
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{}`))
		case strings.HasSuffix(r.URL.EscapedPath(), "/pipeline"):
			if g.pipelineFail {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"message": "missing CI config"}`))
				return
			}
			var body struct {
				Ref string `json:"ref"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			g.pipelineRefs = append(g.pipelineRefs, body.Ref)
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"id": 5, "web_url": "https://gl/pipe/5"}`))
		default:
			t.Errorf("unexpected gitlab call %s %s", r.Method, r.URL.Path)
			http.NotFound(w, r)
		}
	}))
}

type githubHarness struct {
	ingress *GitHubIngress
	wire    *fakeWire
	gh      *ghStub
	gl      *glStub
	glURL   string
}

func newGitHubHarness(t *testing.T) *githubHarness {
	t.Helper()

	gh := &ghStub{repoConfig: "Repo:\n  owner: dorg\n  name: drepo"}
	ghSrv := gh.server(t)
	t.Cleanup(ghSrv.Close)

	gl := &glStub{}
	glSrv := gl.server(t)
	t.Cleanup(glSrv.Close)

	wire := newFakeWire()

	auth, err := forge.NewGitHubAuthenticator("12345", testKeyPEM(t), "hubcast-test")
	if err != nil {
		t.Fatal(err)
	}
	auth.APIBaseURL = ghSrv.URL
	auth.Client = ghSrv.Client()

	ingress := &GitHubIngress{
		Secret:  webhookSecret,
		BotUser: "hubcast-bot",
		Accounts: testAccounts{
			"alice": "alice-gl",
		},
		Clients: &forge.GitHubClientFactory{
			Auth:       auth,
			Requester:  "hubcast-test",
			APIBaseURL: ghSrv.URL,
			Client:     ghSrv.Client(),
		},
		Dest:    newTestDestFactory(glSrv),
		Configs: repocfg.NewCache(),
		Syncer:  &Syncer{Wire: wire},
		Tasks:   NewTasks(nil),
	}
	ingress.Init()

	return &githubHarness{ingress: ingress, wire: wire, gh: gh, gl: gl, glURL: glSrv.URL}
}

func (h *githubHarness) deliver(t *testing.T, kind, payload string) *httptest.ResponseRecorder {
	t.Helper()
	body := []byte(payload)
	req := httptest.NewRequest(http.MethodPost, "/v1/events/src/github", strings.NewReader(payload))
	req.Header.Set("X-GitHub-Event", kind)
	req.Header.Set("X-GitHub-Delivery", "d-1")
	req.Header.Set("X-Hub-Signature-256", sign(body))

	rec := httptest.NewRecorder()
	h.ingress.ServeHTTP(rec, req)
	h.ingress.Tasks.Wait()
	return rec
}

const pushPayload = `{
	"ref": "refs/heads/main",
	"after": "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
	"deleted": false,
	"repository": {
		"owner": {"login": "org"},
		"name": "repo",
		"full_name": "org/repo",
		"clone_url": "https://github.com/org/repo.git"
	},
	"sender": {"login": "alice"}
}`

func TestPushMirrorsBranch(t *testing.T) {
	h := newGitHubHarness(t)

	rec := h.deliver(t, "push", pushPayload)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	destRemote := h.glURL + "/dorg/drepo.git"
	if got := h.wire.ref(destRemote, "refs/heads/main"); got != shaB {
		t.Errorf("dest ref = %q, want %q", got, shaB)
	}
	if len(h.wire.fetches) != 1 || h.wire.fetches[0].remote != "https://github.com/org/repo.git" {
		t.Errorf("fetches = %+v", h.wire.fetches)
	}
	if h.gl.hooksCreated != 1 {
		t.Errorf("hooks created = %d, want 1", h.gl.hooksCreated)
	}
}

func TestPushRejectsBadSignature(t *testing.T) {
	h := newGitHubHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/events/src/github", strings.NewReader(pushPayload))
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")

	rec := httptest.NewRecorder()
	h.ingress.ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if len(h.wire.sends) != 0 {
		t.Error("sync ran despite bad signature")
	}
}

func TestPushUnmappedUserIgnored(t *testing.T) {
	h := newGitHubHarness(t)
	payload := strings.Replace(pushPayload, `"alice"`, `"mallory"`, 1)

	rec := h.deliver(t, "push", payload)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want benign 200", rec.Code)
	}
	if len(h.wire.sends) != 0 {
		t.Error("sync ran for unmapped user")
	}
}

func TestPushIgnoresBotUser(t *testing.T) {
	h := newGitHubHarness(t)
	payload := strings.Replace(pushPayload, `"alice"`, `"hubcast-bot"`, 1)

	rec := h.deliver(t, "push", payload)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if len(h.wire.sends) != 0 {
		t.Error("sync ran for bot user")
	}
}

func TestPushSkipsBranchWithOpenPR(t *testing.T) {
	h := newGitHubHarness(t)
	h.gh.openPRs = `[{"number": 7}]`

	h.deliver(t, "push", pushPayload)
	if len(h.wire.sends) != 0 {
		t.Error("push synced a branch with an open pull request")
	}
}

func TestPushDeleteRemovesRef(t *testing.T) {
	h := newGitHubHarness(t)
	destRemote := h.glURL + "/dorg/drepo.git"
	h.wire.setRef(destRemote, "refs/heads/main", shaA)

	payload := strings.Replace(pushPayload, `"deleted": false`, `"deleted": true`, 1)
	h.deliver(t, "push", payload)

	if got := h.wire.ref(destRemote, "refs/heads/main"); got != "" {
		t.Errorf("ref still present after delete push: %q", got)
	}
}

const forkPRPayload = `{
	"action": "opened",
	"sender": {"login": "alice"},
	"repository": {
		"owner": {"login": "org"},
		"name": "repo",
		"full_name": "org/repo",
		"clone_url": "https://github.com/org/repo.git"
	},
	"pull_request": {
		"number": 7,
		"draft": false,
		"head": {
			"sha": "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
			"ref": "feature",
			"repo": {
				"full_name": "fork/repo",
				"clone_url": "https://github.com/fork/repo.git",
				"private": false
			}
		},
		"base": {"ref": "main", "repo": {"full_name": "org/repo"}}
	}
}`

func TestPullRequestForkSyncsToSyntheticRef(t *testing.T) {
	h := newGitHubHarness(t)

	h.deliver(t, "pull_request", forkPRPayload)

	destRemote := h.glURL + "/dorg/drepo.git"
	if got := h.wire.ref(destRemote, "refs/heads/pr-7"); got != shaB {
		t.Errorf("pr ref = %q, want %q", got, shaB)
	}
	if len(h.wire.fetches) != 1 || h.wire.fetches[0].remote != "https://github.com/fork/repo.git" {
		t.Errorf("fetches = %+v, want fetch from fork", h.wire.fetches)
	}
}

func TestPullRequestPrivateForkRefused(t *testing.T) {
	h := newGitHubHarness(t)
	payload := strings.Replace(forkPRPayload, `"private": false`, `"private": true`, 1)

	h.deliver(t, "pull_request", payload)
	if len(h.wire.sends) != 0 {
		t.Error("private fork was mirrored")
	}
}

func TestPullRequestClosedDeletesForkRef(t *testing.T) {
	h := newGitHubHarness(t)
	destRemote := h.glURL + "/dorg/drepo.git"
	h.wire.setRef(destRemote, "refs/heads/pr-7", shaB)

	payload := strings.Replace(forkPRPayload, `"opened"`, `"closed"`, 1)
	h.deliver(t, "pull_request", payload)

	if got := h.wire.ref(destRemote, "refs/heads/pr-7"); got != "" {
		t.Errorf("fork ref still present after close: %q", got)
	}
}

func TestDraftPullRequestSkippedWithComment(t *testing.T) {
	h := newGitHubHarness(t)
	h.gh.repoConfig = "Repo:\n  owner: dorg\n  name: drepo\n  draft_sync: false"

	payload := strings.Replace(forkPRPayload, `"draft": false`, `"draft": true`, 1)
	h.deliver(t, "pull_request", payload)

	if len(h.wire.sends) != 0 {
		t.Error("draft was mirrored despite draft_sync: false")
	}
	if len(h.gh.comments) != 1 || !strings.Contains(h.gh.comments[0], "draft") {
		t.Errorf("comments = %v, want one draft notice", h.gh.comments)
	}
}

func commentPayload(body string) string {
	return `{
		"action": "created",
		"sender": {"login": "alice"},
		"repository": {
			"owner": {"login": "org"},
			"name": "repo",
			"full_name": "org/repo",
			"clone_url": "https://github.com/org/repo.git"
		},
		"issue": {"number": 7, "pull_request": {}},
		"comment": {"id": 99, "body": "` + body + `"}
	}`
}

func TestHelpComment(t *testing.T) {
	h := newGitHubHarness(t)

	h.deliver(t, "issue_comment", commentPayload("/hubcast help"))
	if len(h.gh.comments) != 1 || !strings.Contains(h.gh.comments[0], "hubcast bot") {
		t.Errorf("comments = %v, want help message", h.gh.comments)
	}
}

func TestNonCommandCommentIgnored(t *testing.T) {
	h := newGitHubHarness(t)

	h.deliver(t, "issue_comment", commentPayload("looks good to me"))
	if len(h.gh.comments) != 0 || h.gh.reactions != 0 {
		t.Error("plain comment triggered bot activity")
	}
}

func TestRunPipelineComment(t *testing.T) {
	h := newGitHubHarness(t)
	h.gh.pr7 = `{
		"number": 7,
		"head": {"sha": "` + shaB + `", "ref": "feature", "repo": {"full_name": "org/repo", "clone_url": "https://github.com/org/repo.git"}},
		"base": {"ref": "main", "repo": {"full_name": "org/repo"}}
	}`

	h.deliver(t, "issue_comment", commentPayload("/hubcast run pipeline"))

	if len(h.gl.pipelineRefs) != 1 || h.gl.pipelineRefs[0] != "feature" {
		t.Errorf("pipelineRefs = %v, want [feature]", h.gl.pipelineRefs)
	}
	if len(h.gh.comments) != 1 || !strings.Contains(h.gh.comments[0], "https://gl/pipe/5") {
		t.Errorf("comments = %v, want one reply with the pipeline link", h.gh.comments)
	}
	if h.gh.reactions != 1 {
		t.Errorf("reactions = %d, want 1", h.gh.reactions)
	}
}

func TestRunPipelineCommentFailureReply(t *testing.T) {
	h := newGitHubHarness(t)
	h.gl.pipelineFail = true
	h.gh.pr7 = `{
		"number": 7,
		"head": {"sha": "` + shaB + `", "ref": "feature", "repo": {"full_name": "org/repo", "clone_url": "https://github.com/org/repo.git"}},
		"base": {"ref": "main", "repo": {"full_name": "org/repo"}}
	}`

	h.deliver(t, "issue_comment", commentPayload("/hubcast run pipeline"))

	if len(h.gh.comments) != 1 || !strings.Contains(h.gh.comments[0], "could not start a pipeline") {
		t.Errorf("comments = %v, want one failure reply", h.gh.comments)
	}
	if h.gh.reactions != 0 {
		t.Errorf("reactions = %d, want none on failure", h.gh.reactions)
	}
}

func TestApproveCommentSyncsFork(t *testing.T) {
	h := newGitHubHarness(t)
	h.gh.pr7 = `{
		"number": 7,
		"head": {"sha": "` + shaB + `", "ref": "feature", "repo": {"full_name": "fork/repo", "clone_url": "https://github.com/fork/repo.git", "private": false}},
		"base": {"ref": "main", "repo": {"full_name": "org/repo"}}
	}`

	h.deliver(t, "issue_comment", commentPayload("/hubcast approve"))

	destRemote := h.glURL + "/dorg/drepo.git"
	if got := h.wire.ref(destRemote, "refs/heads/pr-7"); got != shaB {
		t.Errorf("pr ref = %q, want %q", got, shaB)
	}
	if h.gh.reactions != 1 {
		t.Errorf("reactions = %d, want 1", h.gh.reactions)
	}
}
