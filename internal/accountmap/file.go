package accountmap

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// FileMap is a static user map read from a file at construction:
//
//	Users:
//	  src_login: dest_username
//
// YAML is the canonical format; .toml and .json files with the same
// shape are also accepted.
type FileMap struct {
	path  string
	users map[string]string
}

type fileMapDoc struct {
	Users map[string]string `yaml:"Users" toml:"Users" json:"Users"`
}

// NewFileMap reads and parses the map file. Any open or parse failure
// is returned to the caller, which treats it as fatal.
func NewFileMap(path string) (*FileMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("account map file: %w", err)
	}

	var doc fileMapDoc
	switch filepath.Ext(path) {
	case ".toml":
		err = toml.Unmarshal(data, &doc)
	case ".json":
		err = json.Unmarshal(data, &doc)
	default:
		err = yaml.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("parse account map %s: %w", path, err)
	}
	if doc.Users == nil {
		return nil, fmt.Errorf("account map %s: missing Users section", path)
	}

	return &FileMap{path: path, users: doc.Users}, nil
}

// Lookup returns the destination username for srcUser, if mapped.
func (m *FileMap) Lookup(ctx context.Context, srcUser string) (string, bool, error) {
	dest, ok := m.users[srcUser]
	return dest, ok, nil
}
