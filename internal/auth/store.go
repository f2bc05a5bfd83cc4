package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const credentialsFile = "credentials.json"

// Store holds named credentials for one agent directory, optionally
// layered over a parent store. Lookups fall through to the parent when
// the store has no entry of its own; own entries always win.
type Store struct {
	entries map[string]string
	parent  *Store
}

// Load reads credentials.json from an agent directory. A missing file
// yields an empty store; a malformed one is an error.
func Load(agentDir string) (*Store, error) {
	s := &Store{entries: map[string]string{}}
	if agentDir == "" {
		return s, nil
	}
	data, err := os.ReadFile(filepath.Join(agentDir, credentialsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	if err := json.Unmarshal(data, &s.entries); err != nil {
		return nil, fmt.Errorf("parse credentials in %s: %w", agentDir, err)
	}
	return s, nil
}

// WithFallback returns a view of s that falls through to parent for
// missing entries. Used for subagents: the child agent's credentials win,
// the spawning agent's fill the gaps.
func (s *Store) WithFallback(parent *Store) *Store {
	return &Store{entries: s.entries, parent: parent}
}

// Get resolves one credential.
func (s *Store) Get(name string) (string, bool) {
	if v, ok := s.entries[name]; ok {
		return v, true
	}
	if s.parent != nil {
		return s.parent.Get(name)
	}
	return "", false
}

// Set stores a credential in this layer only.
func (s *Store) Set(name, value string) {
	if s.entries == nil {
		s.entries = map[string]string{}
	}
	s.entries[name] = value
}

// Names lists every resolvable credential name, child entries first.
func (s *Store) Names() []string {
	seen := map[string]struct{}{}
	var names []string
	for layer := s; layer != nil; layer = layer.parent {
		for name := range layer.entries {
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	return names
}
