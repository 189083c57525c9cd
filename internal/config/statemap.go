package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/steveyegge/trackbridge/internal/types"
)

// stateMappingFile is the on-disk shape of a default state mapping:
//
//	issue_open:
//	  id: 6f1c...
//	  name: Todo
//	issue_closed:
//	  id: 9a2b...
//	  name: Done
type stateMappingFile struct {
	IssueOpen   *stateRef `yaml:"issue_open" toml:"issue_open"`
	IssueClosed *stateRef `yaml:"issue_closed" toml:"issue_closed"`
}

type stateRef struct {
	ID   string `yaml:"id" toml:"id"`
	Name string `yaml:"name" toml:"name"`
}

func (r *stateRef) toType() *types.StateRef {
	if r == nil || r.ID == "" {
		return nil
	}
	return &types.StateRef{ID: r.ID, Name: r.Name}
}

// LoadStateMapping reads a state mapping from a .yaml, .yml or .toml file.
// Connections without their own mapping fall back to it.
func LoadStateMapping(path string) (types.StateMapping, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path from operator config
	if err != nil {
		return types.StateMapping{}, fmt.Errorf("read state mapping: %w", err)
	}

	var f stateMappingFile
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &f)
	case ".toml":
		err = toml.Unmarshal(data, &f)
	default:
		return types.StateMapping{}, fmt.Errorf("state mapping %s: unsupported format %q (use .yaml or .toml)", path, ext)
	}
	if err != nil {
		return types.StateMapping{}, fmt.Errorf("parse state mapping %s: %w", path, err)
	}

	if f.IssueOpen != nil && f.IssueOpen.ID == "" {
		return types.StateMapping{}, fmt.Errorf("state mapping %s: issue_open needs an id", path)
	}
	if f.IssueClosed != nil && f.IssueClosed.ID == "" {
		return types.StateMapping{}, fmt.Errorf("state mapping %s: issue_closed needs an id", path)
	}
	return types.StateMapping{
		IssueOpen:   f.IssueOpen.toType(),
		IssueClosed: f.IssueClosed.toType(),
	}, nil
}
