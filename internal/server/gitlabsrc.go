package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/llnl/hubcast/internal/accountmap"
	"github.com/llnl/hubcast/internal/event"
	"github.com/llnl/hubcast/internal/forge"
	"github.com/llnl/hubcast/internal/gitwire"
	"github.com/llnl/hubcast/internal/repocfg"
	"github.com/llnl/hubcast/internal/router"
)

// visibilityPublic is GitLab's visibility_level for public projects.
const visibilityPublic = 20

// GitLabSrcIngress receives webhooks from a GitLab source instance and
// mirrors activity to the destination instance.
type GitLabSrcIngress struct {
	Secret string

	Accounts accountmap.Map
	Clients  *forge.GitLabSrcClientFactory
	Dest     *forge.GitLabDestClientFactory
	Configs  *repocfg.Cache
	Syncer   *Syncer
	Tasks    *Tasks
	Log      *slog.Logger

	router *router.Router[*gitlabEnv]
}

type gitlabEnv struct {
	src       *forge.GitLabSrcClient
	dest      *forge.GitLabDestClient
	projectID int64
	fullname  string
}

// Init registers the event routes. Call once before serving.
func (h *GitLabSrcIngress) Init() {
	if h.Log == nil {
		h.Log = slog.Default()
	}
	r := router.New[*gitlabEnv](h.Log)
	r.Register("Push Hook", h.handlePush)
	r.RegisterAttr("Merge Request Hook", "action", "open", h.handleMergeRequestSync)
	r.RegisterAttr("Merge Request Hook", "action", "reopen", h.handleMergeRequestSync)
	r.RegisterAttr("Merge Request Hook", "action", "update", h.handleMergeRequestSync)
	r.RegisterAttr("Merge Request Hook", "action", "close", h.handleMergeRequestClose)
	h.router = r
}

func (h *GitLabSrcIngress) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusInternalServerError)
		return
	}

	ev, err := event.FromGitLab(r.Header, body, h.Secret)
	if err != nil {
		h.Log.Error("rejected gitlab webhook", "error", err)
		http.Error(w, "event verification failed", http.StatusInternalServerError)
		return
	}

	sender := ev.Get("user_username").String()
	if sender == "" {
		sender = ev.Get("user.username").String()
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

	projectID := ev.Get("project.id").Int()
	env := &gitlabEnv{
		src:       h.Clients.CreateClient(projectID),
		dest:      h.Dest.CreateClient(destUser),
		projectID: projectID,
		fullname:  ev.Get("project.path_with_namespace").String(),
	}

	h.Log.Info("gitlab event accepted",
		"event", ev.Kind,
		"delivery_id", ev.DeliveryID,
		"project", env.fullname,
		"user", sender,
	)

	h.Tasks.Spawn("gitlab:"+ev.Kind, func(ctx context.Context) error {
		h.router.Dispatch(ctx, ev, env)
		return nil
	})
	w.WriteHeader(http.StatusOK)
}

func (h *GitLabSrcIngress) destCreds(ctx context.Context, dest *forge.GitLabDestClient) (*gitwire.Credentials, error) {
	token, err := dest.Token(ctx)
	if err != nil {
		return nil, err
	}
	return &gitwire.Credentials{Username: dest.Username(), Password: token}, nil
}

func (h *GitLabSrcIngress) callbackParams(env *gitlabEnv, checkName string) url.Values {
	return url.Values{
		"src_service":    {"gitlab"},
		"src_repo_id":    {strconv.FormatInt(env.projectID, 10)},
		"src_check_name": {checkName},
	}
}

func (h *GitLabSrcIngress) handlePush(ctx context.Context, ev *event.Event, env *gitlabEnv) error {
	ref := ev.Get("ref").String()
	if !strings.HasPrefix(ref, "refs/heads/") {
		return nil
	}

	cfg, err := h.Configs.Get(ctx, env.src, env.fullname, true)
	if err != nil {
		return err
	}

	creds, err := h.destCreds(ctx, env.dest)
	if err != nil {
		return err
	}
	destRemote := env.dest.RemoteURL(cfg.DestFullname())

	after := ev.Get("after").String()
	if after == gitwire.NullSHA {
		return h.Syncer.DeleteRef(ctx, destRemote, ref, creds)
	}

	branch := strings.TrimPrefix(ref, "refs/heads/")
	mrs, err := env.src.GetOpenMergeRequests(ctx, branch)
	if err != nil {
		return err
	}
	if len(mrs) > 0 {
		h.Log.Debug("push skipped, branch has open merge request", "ref", ref)
		return nil
	}

	if err := env.dest.EnsureWebhook(ctx, cfg.DestFullname(), h.callbackParams(env, cfg.CheckName)); err != nil {
		return err
	}

	srcRemote := ev.Get("project.git_http_url").String()
	return h.Syncer.MirrorRef(ctx, srcRemote, destRemote, ref, after, creds)
}

// mrTargetRef mirrors forked merge requests under a synthetic mr-N ref
// so contributor branch names cannot collide on the destination.
func mrTargetRef(ev *event.Event) (ref string, fromFork bool) {
	srcProject := ev.Get("object_attributes.source_project_id").Int()
	dstProject := ev.Get("object_attributes.target_project_id").Int()
	if srcProject != dstProject {
		return fmt.Sprintf("refs/heads/mr-%d", ev.Get("object_attributes.iid").Int()), true
	}
	return "refs/heads/" + ev.Get("object_attributes.source_branch").String(), false
}

func (h *GitLabSrcIngress) handleMergeRequestSync(ctx context.Context, ev *event.Event, env *gitlabEnv) error {
	cfg, err := h.Configs.Get(ctx, env.src, env.fullname, false)
	if err != nil {
		return err
	}

	draft := ev.Get("object_attributes.draft").Bool()
	if draft && !cfg.SyncDrafts {
		h.Log.Debug("draft merge request skipped", "project", env.fullname)
		return nil
	}

	ref, fromFork := mrTargetRef(ev)
	if fromFork {
		if ev.Get("object_attributes.source.visibility_level").Int() != visibilityPublic {
			return fmt.Errorf("refusing to mirror non-public fork of %s", env.fullname)
		}
	}

	if err := env.dest.EnsureWebhook(ctx, cfg.DestFullname(), h.callbackParams(env, cfg.CheckName)); err != nil {
		return err
	}

	creds, err := h.destCreds(ctx, env.dest)
	if err != nil {
		return err
	}
	srcRemote := ev.Get("object_attributes.source.git_http_url").String()
	want := ev.Get("object_attributes.last_commit.id").String()
	if err := h.Syncer.MirrorRef(ctx, srcRemote, env.dest.RemoteURL(cfg.DestFullname()), ref, want, creds); err != nil {
		return err
	}

	if cfg.CreateMR {
		branch := strings.TrimPrefix(ref, "refs/heads/")
		target := ev.Get("object_attributes.target_branch").String()
		title := fmt.Sprintf("Sync of %s merge request !%d", env.fullname, ev.Get("object_attributes.iid").Int())
		if err := env.dest.CreateMergeRequest(ctx, cfg.DestFullname(), branch, target, title); err != nil {
			return err
		}
	}
	return nil
}

func (h *GitLabSrcIngress) handleMergeRequestClose(ctx context.Context, ev *event.Event, env *gitlabEnv) error {
	ref, fromFork := mrTargetRef(ev)
	if !fromFork {
		return nil
	}

	cfg, err := h.Configs.Get(ctx, env.src, env.fullname, false)
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
	return h.Syncer.DeleteRef(ctx, env.dest.RemoteURL(cfg.DestFullname()), ref, creds)
}
