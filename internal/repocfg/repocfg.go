// Package repocfg resolves per-repository sync policy from a YAML file
// committed to the source repository (.github/hubcast.yml on GitHub,
// .gitlab/hubcast.yml on GitLab).
package repocfg

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when the repo-local YAML cannot be
// parsed or names no destination project.
var ErrInvalidConfig = errors.New("invalid repo config")

// Config is the resolved sync policy for one source repository.
type Config struct {
	Fullname     string
	DestOrg      string
	DestName     string
	CheckName    string
	CheckType    string
	CreateMR     bool
	DeleteClosed bool
	SyncDrafts   bool
	DraftSyncMsg bool
}

// DestFullname returns "org/name" on the destination instance.
func (c *Config) DestFullname() string {
	return c.DestOrg + "/" + c.DestName
}

type repoFile struct {
	Repo struct {
		Owner        string `yaml:"owner"`
		Name         string `yaml:"name"`
		CheckName    string `yaml:"check_name"`
		CheckType    string `yaml:"check_type"`
		CreateMR     *bool  `yaml:"create_mr"`
		DeleteClosed *bool  `yaml:"delete_closed"`
		SyncDrafts   *bool  `yaml:"draft_sync"`
		DraftSyncMsg *bool  `yaml:"draft_sync_msg"`
	} `yaml:"Repo"`
}

// Parse builds a Config from raw YAML bytes, applying defaults.
func Parse(fullname string, data []byte) (*Config, error) {
	var doc repoFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if doc.Repo.Owner == "" || doc.Repo.Name == "" {
		return nil, fmt.Errorf("%w: Repo.owner and Repo.name are required", ErrInvalidConfig)
	}

	cfg := &Config{
		Fullname:     fullname,
		DestOrg:      doc.Repo.Owner,
		DestName:     doc.Repo.Name,
		CheckName:    "gitlab-ci",
		CheckType:    "pipeline",
		CreateMR:     false,
		DeleteClosed: true,
		SyncDrafts:   true,
		DraftSyncMsg: true,
	}
	if doc.Repo.CheckName != "" {
		cfg.CheckName = doc.Repo.CheckName
	}
	if doc.Repo.CheckType != "" {
		cfg.CheckType = doc.Repo.CheckType
	}
	if doc.Repo.CreateMR != nil {
		cfg.CreateMR = *doc.Repo.CreateMR
	}
	if doc.Repo.DeleteClosed != nil {
		cfg.DeleteClosed = *doc.Repo.DeleteClosed
	}
	if doc.Repo.SyncDrafts != nil {
		cfg.SyncDrafts = *doc.Repo.SyncDrafts
	}
	if doc.Repo.DraftSyncMsg != nil {
		cfg.DraftSyncMsg = *doc.Repo.DraftSyncMsg
	}
	return cfg, nil
}

// Fetcher retrieves the raw repo-config file for the repository the
// client is scoped to. Both forge source clients implement this.
type Fetcher interface {
	GetRepoConfig(ctx context.Context) ([]byte, error)
}

// Cache memoizes parsed configs by repository fullname. Entries live
// for the process lifetime and may be force-refreshed (push events do,
// PR events reuse).
type Cache struct {
	mu      sync.Mutex
	configs map[string]*Config
}

// NewCache returns an empty config cache.
func NewCache() *Cache {
	return &Cache{configs: make(map[string]*Config)}
}

// Get returns the cached config for fullname, fetching and parsing it
// through the client on a miss or when refresh is set. A parse failure
// leaves any cached entry in place and aborts the caller's event.
func (c *Cache) Get(ctx context.Context, client Fetcher, fullname string, refresh bool) (*Config, error) {
	c.mu.Lock()
	cached, ok := c.configs[fullname]
	c.mu.Unlock()
	if ok && !refresh {
		return cached, nil
	}

	data, err := client.GetRepoConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch repo config for %s: %w", fullname, err)
	}

	cfg, err := Parse(fullname, data)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.configs[fullname] = cfg
	c.mu.Unlock()

	return cfg, nil
}
