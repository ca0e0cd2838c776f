package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/llnl/hubcast/internal/event"
	"github.com/llnl/hubcast/internal/forge"
)

// DestIngress receives pipeline webhooks from the destination instance
// and relays pipeline statuses back to the source forge. The source
// repository is identified by query parameters hubcast put on the
// webhook URL when it registered the hook.
type DestIngress struct {
	Secret string

	// Exactly one of the factories matching the configured source
	// forge is set.
	GitHub    *forge.GitHubClientFactory
	GitLabSrc *forge.GitLabSrcClientFactory

	Tasks *Tasks
	Log   *slog.Logger
}

// relayedStatuses are the pipeline states worth reporting upstream.
var relayedStatuses = map[string]bool{
	"pending":  true,
	"running":  true,
	"success":  true,
	"failed":   true,
	"canceled": true,
}

func (h *DestIngress) ServeHTTP(w http.ResponseWriter, r *http.Request) {
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
		h.Log.Error("rejected destination webhook", "error", err)
		http.Error(w, "event verification failed", http.StatusInternalServerError)
		return
	}

	if ev.Kind != "Pipeline Hook" {
		w.WriteHeader(http.StatusOK)
		return
	}

	src, err := h.sourceClient(r.URL.Query())
	if err != nil {
		h.Log.Error("bad destination webhook parameters", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	checkName := r.URL.Query().Get("src_check_name")
	if checkName == "" {
		checkName = "gitlab-ci"
	}

	sha := ev.Get("object_attributes.sha").String()
	status := ev.Get("object_attributes.status").String()
	if !relayedStatuses[status] {
		// Transient states like "created" or "preparing" have no
		// meaningful commit status on the source forge.
		h.Log.Debug("pipeline status not relayed", "status", status, "sha", sha)
		w.WriteHeader(http.StatusOK)
		return
	}

	detailsURL := ev.Get("object_attributes.url").String()
	if detailsURL == "" {
		detailsURL = fmt.Sprintf("%s/-/pipelines/%d",
			ev.Get("project.web_url").String(),
			ev.Get("object_attributes.id").Int(),
		)
	}

	h.Log.Info("pipeline status received",
		"delivery_id", ev.DeliveryID,
		"sha", sha,
		"status", status,
	)

	h.Tasks.Spawn("dest:pipeline", func(ctx context.Context) error {
		return src.SetCheckStatus(ctx, sha, checkName, status, detailsURL)
	})
	w.WriteHeader(http.StatusOK)
}

// sourceClient builds the source-forge client named by the webhook's
// query parameters.
func (h *DestIngress) sourceClient(q map[string][]string) (forge.SourceClient, error) {
	get := func(key string) string {
		if v := q[key]; len(v) > 0 {
			return v[0]
		}
		return ""
	}

	switch get("src_service") {
	case "github":
		if h.GitHub == nil {
			return nil, fmt.Errorf("github source is not configured")
		}
		owner, repo := get("src_owner"), get("src_repo_name")
		if owner == "" || repo == "" {
			return nil, fmt.Errorf("src_owner and src_repo_name are required")
		}
		return h.GitHub.CreateClient(owner, repo), nil

	case "gitlab":
		if h.GitLabSrc == nil {
			return nil, fmt.Errorf("gitlab source is not configured")
		}
		id := get("src_repo_id")
		if id == "" {
			return nil, fmt.Errorf("src_repo_id is required")
		}
		projectID, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("src_repo_id %q is not numeric", id)
		}
		return h.GitLabSrc.CreateClient(projectID), nil
	}
	return nil, fmt.Errorf("unknown src_service %q", get("src_service"))
}
