// Package config loads the hubcast process configuration from HC_*
// environment variables. Anything required that is missing fails fast
// at startup rather than at the first event.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
)

// Source forge kinds accepted in HC_SRC_FORGE.
const (
	ForgeGitHub = "github"
	ForgeGitLab = "gitlab"
)

// Config is the fully resolved process configuration.
type Config struct {
	Port int

	// SrcForge selects which source ingress is active.
	SrcForge string

	AccountMapType string
	AccountMapPath string

	// LoggingConfigPath optionally points at a JSON logging config.
	LoggingConfigPath string

	GitHubSrc GitHubSrc
	GitLabSrc GitLabSrc
	GitLabDst GitLabDst
	LDAP      LDAP
}

// LDAP configures the ldap account map type.
type LDAP struct {
	URI          string
	SearchBase   string
	InputAttr    string
	OutputAttr   string
	BindDN       string
	BindPassword string
}

// GitHubSrc configures the GitHub App used on the source side.
type GitHubSrc struct {
	AppIdentifier string
	PrivateKey    string
	Requester     string
	WebhookSecret string
	BotUser       string
}

// GitLabSrc configures a GitLab source instance.
type GitLabSrc struct {
	URL           string
	AccessToken   string
	Requester     string
	WebhookSecret string
}

// GitLabDst configures the destination GitLab instance.
type GitLabDst struct {
	URL           string
	Requester     string
	Token         string
	TokenType     string
	WebhookSecret string
	CallbackURL   string
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Port:              8080,
		SrcForge:          os.Getenv("HC_SRC_FORGE"),
		AccountMapType:    os.Getenv("HC_ACCOUNT_MAP_TYPE"),
		AccountMapPath:    os.Getenv("HC_ACCOUNT_MAP_PATH"),
		LoggingConfigPath: os.Getenv("HC_LOGGING_CONFIG_PATH"),
	}

	if port := os.Getenv("HC_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil || p < 1 || p > 65535 {
			return nil, fmt.Errorf("HC_PORT %q is not a valid port", port)
		}
		cfg.Port = p
	}

	var missing []string
	need := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	switch cfg.SrcForge {
	case ForgeGitHub:
		cfg.GitHubSrc = GitHubSrc{
			AppIdentifier: need("HC_GH_SRC_APP_IDENTIFIER"),
			PrivateKey:    need("HC_GH_SRC_PRIVATE_KEY"),
			Requester:     need("HC_GH_SRC_REQUESTER"),
			WebhookSecret: need("HC_GH_SRC_WEBHOOK_SECRET"),
			BotUser:       os.Getenv("HC_GH_BOT_USER"),
		}
	case ForgeGitLab:
		cfg.GitLabSrc = GitLabSrc{
			URL:           need("HC_GL_SRC_URL"),
			AccessToken:   need("HC_GL_SRC_ACCESS_TOKEN"),
			Requester:     need("HC_GL_SRC_REQUESTER"),
			WebhookSecret: need("HC_GL_SRC_WEBHOOK_SECRET"),
		}
	case "":
		return nil, errors.New("HC_SRC_FORGE is required")
	default:
		return nil, fmt.Errorf("HC_SRC_FORGE %q must be %q or %q", cfg.SrcForge, ForgeGitHub, ForgeGitLab)
	}

	cfg.GitLabDst = GitLabDst{
		URL:           need("HC_GL_DEST_URL"),
		Requester:     need("HC_GL_REQUESTER"),
		Token:         need("HC_GL_DEST_TOKEN"),
		TokenType:     os.Getenv("HC_GL_DEST_TOKEN_TYPE"),
		WebhookSecret: os.Getenv("HC_GL_DEST_SECRET"),
		CallbackURL:   os.Getenv("HC_GL_DEST_CALLBACK_URL"),
	}
	if cfg.GitLabDst.TokenType == "" {
		cfg.GitLabDst.TokenType = "impersonation"
	}

	switch cfg.AccountMapType {
	case "file":
		if cfg.AccountMapPath == "" {
			missing = append(missing, "HC_ACCOUNT_MAP_PATH")
		}
	case "ldap":
		cfg.LDAP = LDAP{
			URI:          need("HC_LDAP_URI"),
			SearchBase:   need("HC_LDAP_SEARCH_BASE"),
			InputAttr:    need("HC_LDAP_INPUT_ATTR"),
			OutputAttr:   need("HC_LDAP_OUTPUT_ATTR"),
			BindDN:       os.Getenv("HC_LDAP_BIND_DN"),
			BindPassword: os.Getenv("HC_LDAP_BIND_PASSWORD"),
		}
	case "gitlab_oauth":
		// Resolved against the destination instance with its token.
	case "":
		missing = append(missing, "HC_ACCOUNT_MAP_TYPE")
	default:
		return nil, fmt.Errorf("HC_ACCOUNT_MAP_TYPE %q must be file, ldap, or gitlab_oauth", cfg.AccountMapType)
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %v", missing)
	}
	return cfg, nil
}
