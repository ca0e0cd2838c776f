package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/llnl/hubcast/internal/accountmap"
	"github.com/llnl/hubcast/internal/event"
	"github.com/llnl/hubcast/internal/forge"
	"github.com/llnl/hubcast/internal/gitwire"
	"github.com/llnl/hubcast/internal/repocfg"
	"github.com/llnl/hubcast/internal/router"
)

// GitHubIngress receives GitHub webhooks and mirrors repository
// activity to the destination instance.
type GitHubIngress struct {
	Secret  string
	BotUser string

	Accounts accountmap.Map
	Clients  *forge.GitHubClientFactory
	Dest     *forge.GitLabDestClientFactory
	Configs  *repocfg.Cache
	Syncer   *Syncer
	Tasks    *Tasks
	Log      *slog.Logger

	router *router.Router[*githubEnv]
}

// githubEnv carries the per-event collaborators built by ServeHTTP.
type githubEnv struct {
	src   *forge.GitHubClient
	dest  *forge.GitLabDestClient
	owner string
	repo  string
}

func (e *githubEnv) fullname() string { return e.owner + "/" + e.repo }

// Init registers the event routes. Call once before serving.
func (h *GitHubIngress) Init() {
	if h.Log == nil {
		h.Log = slog.Default()
	}
	r := router.New[*githubEnv](h.Log)
	r.Register("push", h.handlePush)
	r.Register("pull_request", h.handlePullRequest)
	r.Register("issue_comment", h.handleIssueComment)
	h.router = r
}

func (h *GitHubIngress) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusInternalServerError)
		return
	}

	ev, err := event.FromGitHub(r.Header, body, h.Secret)
	if err != nil {
		h.Log.Error("rejected github webhook", "error", err)
		http.Error(w, "event verification failed", http.StatusInternalServerError)
		return
	}

	sender := ev.Get("sender.login").String()
	if h.BotUser != "" && sender == h.BotUser {
		// Our own comments and pushes must not loop back into sync.
		w.WriteHeader(http.StatusOK)
		return
	}

	destUser, ok, err := h.Accounts.Lookup(r.Context(), sender)
	if err != nil {
		h.Log.Error("account map lookup failed", "user", sender, "error", err)
		http.Error(w, "account lookup failed", http.StatusInternalServerError)
		return
	}
	if !ok {
		h.Log.Info("ignoring event from unmapped user", "user", sender, "event", ev.Kind)
		w.WriteHeader(http.StatusOK)
		return
	}

	owner := ev.Get("repository.owner.login").String()
	repo := ev.Get("repository.name").String()
	env := &githubEnv{
		src:   h.Clients.CreateClient(owner, repo),
		dest:  h.Dest.CreateClient(destUser),
		owner: owner,
		repo:  repo,
	}

	h.Log.Info("github event accepted",
		"event", ev.Kind,
		"delivery_id", ev.DeliveryID,
		"repo", env.fullname(),
		"user", sender,
	)

	h.Tasks.Spawn("github:"+ev.Kind, func(ctx context.Context) error {
		h.router.Dispatch(ctx, ev, env)
		return nil
	})
	w.WriteHeader(http.StatusOK)
}

func (h *GitHubIngress) destCreds(ctx context.Context, dest *forge.GitLabDestClient) (*gitwire.Credentials, error) {
	token, err := dest.Token(ctx)
	if err != nil {
		return nil, err
	}
	return &gitwire.Credentials{Username: dest.Username(), Password: token}, nil
}

// callbackParams identify the source repository on the destination
// webhook so pipeline statuses find their way back.
func (h *GitHubIngress) callbackParams(env *githubEnv, checkName string) url.Values {
	return url.Values{
		"src_service":    {"github"},
		"src_owner":      {env.owner},
		"src_repo_name":  {env.repo},
		"src_check_name": {checkName},
	}
}

func (h *GitHubIngress) handlePush(ctx context.Context, ev *event.Event, env *githubEnv) error {
	ref := ev.Get("ref").String()
	if !strings.HasPrefix(ref, "refs/heads/") {
		return nil
	}

	// Pushes refresh the cached repo config so policy edits take
	// effect on the very push that lands them.
	cfg, err := h.Configs.Get(ctx, env.src, env.fullname(), true)
	if err != nil {
		return err
	}

	creds, err := h.destCreds(ctx, env.dest)
	if err != nil {
		return err
	}
	destRemote := env.dest.RemoteURL(cfg.DestFullname())

	if ev.Get("deleted").Bool() {
		return h.Syncer.DeleteRef(ctx, destRemote, ref, creds)
	}

	// Branches with an open pull request sync through PR events
	// instead, where draft and fork policy applies.
	branch := strings.TrimPrefix(ref, "refs/heads/")
	prs, err := env.src.GetPullRequests(ctx, branch)
	if err != nil {
		return err
	}
	if len(prs) > 0 {
		h.Log.Debug("push skipped, branch has open pull request", "ref", ref)
		return nil
	}

	if err := env.dest.EnsureWebhook(ctx, cfg.DestFullname(), h.callbackParams(env, cfg.CheckName)); err != nil {
		return err
	}

	srcRemote := ev.Get("repository.clone_url").String()
	return h.Syncer.MirrorRef(ctx, srcRemote, destRemote, ref, ev.Get("after").String(), creds)
}

func (h *GitHubIngress) handlePullRequest(ctx context.Context, ev *event.Event, env *githubEnv) error {
	var pr forge.PullRequest
	if err := json.Unmarshal([]byte(ev.Get("pull_request").Raw), &pr); err != nil {
		return fmt.Errorf("decode pull_request: %w", err)
	}

	switch ev.Get("action").String() {
	case "opened", "reopened", "synchronize":
		return h.syncPullRequest(ctx, ev, env, &pr)
	case "closed":
		return h.closePullRequest(ctx, env, &pr)
	}
	return nil
}

func (h *GitHubIngress) syncPullRequest(ctx context.Context, ev *event.Event, env *githubEnv, pr *forge.PullRequest) error {
	cfg, err := h.Configs.Get(ctx, env.src, env.fullname(), false)
	if err != nil {
		return err
	}

	if pr.Draft && !cfg.SyncDrafts {
		if ev.Get("action").String() == "opened" && cfg.DraftSyncMsg {
			return env.src.CreateComment(ctx, pr.Number, draftMessage)
		}
		return nil
	}

	if pr.FromFork() && pr.Head.Repo.Private {
		return fmt.Errorf("refusing to mirror private fork %s", pr.Head.Repo.FullName)
	}

	if err := env.dest.EnsureWebhook(ctx, cfg.DestFullname(), h.callbackParams(env, cfg.CheckName)); err != nil {
		return err
	}

	creds, err := h.destCreds(ctx, env.dest)
	if err != nil {
		return err
	}
	destRemote := env.dest.RemoteURL(cfg.DestFullname())

	if err := h.Syncer.MirrorRef(ctx, pr.Head.Repo.CloneURL, destRemote, pr.TargetRef(), pr.Head.SHA, creds); err != nil {
		return err
	}

	if cfg.CreateMR {
		branch := strings.TrimPrefix(pr.TargetRef(), "refs/heads/")
		title := fmt.Sprintf("Sync of %s pull request #%d", env.fullname(), pr.Number)
		if err := env.dest.CreateMergeRequest(ctx, cfg.DestFullname(), branch, pr.Base.Ref, title); err != nil {
			return err
		}
	}
	return nil
}

func (h *GitHubIngress) closePullRequest(ctx context.Context, env *githubEnv, pr *forge.PullRequest) error {
	// Branch refs belong to their branch and are cleaned up by branch
	// deletion pushes; only synthetic fork refs are ours to delete.
	if !pr.FromFork() {
		return nil
	}

	cfg, err := h.Configs.Get(ctx, env.src, env.fullname(), false)
	if err != nil {
		return err
	}
	if !cfg.DeleteClosed {
		return nil
	}

	creds, err := h.destCreds(ctx, env.dest)
	if err != nil {
		return err
	}
	return h.Syncer.DeleteRef(ctx, env.dest.RemoteURL(cfg.DestFullname()), pr.TargetRef(), creds)
}

func (h *GitHubIngress) handleIssueComment(ctx context.Context, ev *event.Event, env *githubEnv) error {
	if ev.Get("action").String() != "created" {
		return nil
	}
	if !ev.Get("issue.pull_request").Exists() {
		return nil
	}

	cmd := parseCommand(ev.Get("comment.body").String())
	if cmd == "" {
		return nil
	}

	number := int(ev.Get("issue.number").Int())
	commentID := ev.Get("comment.id").Int()

	switch cmd {
	case "help":
		return env.src.CreateComment(ctx, number, helpMessage)

	case "approve":
		pr, err := env.src.GetPullRequest(ctx, number)
		if err != nil {
			return err
		}
		if err := h.syncPullRequest(ctx, ev, env, pr); err != nil {
			return err
		}
		return env.src.CreateReaction(ctx, commentID)

	case "run pipeline":
		pr, err := env.src.GetPullRequest(ctx, number)
		if err != nil {
			return err
		}
		cfg, err := h.Configs.Get(ctx, env.src, env.fullname(), false)
		if err != nil {
			return err
		}
		branch := strings.TrimPrefix(pr.TargetRef(), "refs/heads/")
		webURL, err := env.dest.RunPipeline(ctx, cfg.DestFullname(), branch)
		if err != nil {
			if cerr := env.src.CreateComment(ctx, number, pipelineFailedMessage); cerr != nil {
				h.Log.Error("failed to post pipeline failure reply", "repo", env.fullname(), "pr", number, "error", cerr)
			}
			return err
		}
		h.Log.Info("pipeline started by comment", "repo", env.fullname(), "pr", number, "pipeline", webURL)
		if err := env.src.CreateComment(ctx, number, fmt.Sprintf("Pipeline started: %s", webURL)); err != nil {
			return err
		}
		return env.src.CreateReaction(ctx, commentID)
	}
	return nil
}
