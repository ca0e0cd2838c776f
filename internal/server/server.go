// Package server wires webhook ingress, event routing, and the sync
// handlers into the hubcast HTTP surface.
package server

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/llnl/hubcast/internal/accountmap"
	"github.com/llnl/hubcast/internal/config"
	"github.com/llnl/hubcast/internal/forge"
	"github.com/llnl/hubcast/internal/gitwire"
	"github.com/llnl/hubcast/internal/repocfg"
)

// Server is the assembled hubcast service.
type Server struct {
	Handler http.Handler
	Tasks   *Tasks
	Log     *slog.Logger
}

// New builds the full service from configuration.
func New(cfg *config.Config, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}

	accounts, err := BuildAccountMap(cfg, log)
	if err != nil {
		return nil, err
	}

	tasks := NewTasks(log)
	syncer := &Syncer{Wire: &gitwire.Engine{}, Log: log}
	configs := repocfg.NewCache()

	destAuth := forge.NewGitLabAuthenticator(cfg.GitLabDst.URL, cfg.GitLabDst.Token, cfg.GitLabDst.TokenType)
	destFactory := &forge.GitLabDestClientFactory{
		InstanceURL:   cfg.GitLabDst.URL,
		Auth:          destAuth,
		Requester:     cfg.GitLabDst.Requester,
		CallbackURL:   cfg.GitLabDst.CallbackURL,
		WebhookSecret: cfg.GitLabDst.WebhookSecret,
	}

	mux := http.NewServeMux()
	dest := &DestIngress{
		Secret: cfg.GitLabDst.WebhookSecret,
		Tasks:  tasks,
		Log:    log,
	}

	switch cfg.SrcForge {
	case config.ForgeGitHub:
		auth, err := forge.NewGitHubAuthenticator(
			cfg.GitHubSrc.AppIdentifier,
			cfg.GitHubSrc.PrivateKey,
			cfg.GitHubSrc.Requester,
		)
		if err != nil {
			return nil, err
		}
		factory := &forge.GitHubClientFactory{Auth: auth, Requester: cfg.GitHubSrc.Requester}

		gh := &GitHubIngress{
			Secret:   cfg.GitHubSrc.WebhookSecret,
			BotUser:  cfg.GitHubSrc.BotUser,
			Accounts: accounts,
			Clients:  factory,
			Dest:     destFactory,
			Configs:  configs,
			Syncer:   syncer,
			Tasks:    tasks,
			Log:      log,
		}
		gh.Init()
		mux.Handle("/v1/events/src/github", gh)
		dest.GitHub = factory

	case config.ForgeGitLab:
		factory := &forge.GitLabSrcClientFactory{
			InstanceURL: cfg.GitLabSrc.URL,
			AccessToken: cfg.GitLabSrc.AccessToken,
			Requester:   cfg.GitLabSrc.Requester,
		}

		gl := &GitLabSrcIngress{
			Secret:   cfg.GitLabSrc.WebhookSecret,
			Accounts: accounts,
			Clients:  factory,
			Dest:     destFactory,
			Configs:  configs,
			Syncer:   syncer,
			Tasks:    tasks,
			Log:      log,
		}
		gl.Init()
		mux.Handle("/v1/events/src/gitlab", gl)
		dest.GitLabSrc = factory

	default:
		return nil, fmt.Errorf("unsupported source forge %q", cfg.SrcForge)
	}

	mux.Handle("/v1/events/dest/gitlab", dest)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	return &Server{Handler: mux, Tasks: tasks, Log: log}, nil
}

// BuildAccountMap constructs the identity translation backend named by
// the configuration.
func BuildAccountMap(cfg *config.Config, log *slog.Logger) (accountmap.Map, error) {
	switch cfg.AccountMapType {
	case "file":
		return accountmap.NewFileMap(cfg.AccountMapPath)
	case "ldap":
		return &accountmap.LDAPMap{
			URI:          cfg.LDAP.URI,
			SearchBase:   cfg.LDAP.SearchBase,
			InputAttr:    cfg.LDAP.InputAttr,
			OutputAttr:   cfg.LDAP.OutputAttr,
			BindDN:       cfg.LDAP.BindDN,
			BindPassword: cfg.LDAP.BindPassword,
			Log:          log,
		}, nil
	case "gitlab_oauth":
		return &accountmap.GitLabOAuthMap{
			InstanceURL: cfg.GitLabDst.URL,
			AccessToken: cfg.GitLabDst.Token,
			Provider:    cfg.SrcForge,
		}, nil
	}
	return nil, fmt.Errorf("unknown account map type %q", cfg.AccountMapType)
}
