package subagents

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/KyouP/llm-ron-bot/internal/routing"
)

const registryVersion = 2

type persistedRegistry struct {
	Version int                `json:"version"`
	Runs    map[string]*Record `json:"runs"`
}

// recordV1 is the legacy on-disk shape. The announce* fields were renamed
// and the requester channel/account pair collapsed into requesterOrigin.
type recordV1 struct {
	Record
	AnnounceHandled     bool   `json:"announceHandled,omitempty"`
	AnnounceCompletedAt int64  `json:"announceCompletedAt,omitempty"`
	RequesterChannel    string `json:"requesterChannel,omitempty"`
	RequesterAccountID  string `json:"requesterAccountId,omitempty"`
}

// loadRegistry reads the persisted run map, migrating version 1 files in
// memory. The second return is true when the caller should re-save to
// persist the migration. Unknown versions and unreadable files load as
// empty without touching the file.
func loadRegistry(path string) (map[string]*Record, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*Record{}, false, nil
		}
		return map[string]*Record{}, false, err
	}

	var envelope struct {
		Version int             `json:"version"`
		Runs    json.RawMessage `json:"runs"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return map[string]*Record{}, false, fmt.Errorf("parse registry: %w", err)
	}

	switch envelope.Version {
	case registryVersion:
		var runs map[string]*Record
		if err := json.Unmarshal(envelope.Runs, &runs); err != nil {
			return map[string]*Record{}, false, fmt.Errorf("parse registry runs: %w", err)
		}
		if runs == nil {
			runs = map[string]*Record{}
		}
		return runs, false, nil
	case 1:
		var legacy map[string]*recordV1
		if err := json.Unmarshal(envelope.Runs, &legacy); err != nil {
			return map[string]*Record{}, false, fmt.Errorf("parse v1 registry runs: %w", err)
		}
		runs := make(map[string]*Record, len(legacy))
		for id, v1 := range legacy {
			runs[id] = migrateV1(v1)
		}
		return runs, true, nil
	default:
		return map[string]*Record{}, false, nil
	}
}

func migrateV1(v1 *recordV1) *Record {
	rec := v1.Record
	if rec.CleanupCompletedAt == 0 {
		rec.CleanupCompletedAt = v1.AnnounceCompletedAt
	}
	if !rec.CleanupHandled {
		rec.CleanupHandled = v1.AnnounceHandled || rec.CleanupCompletedAt > 0
	}
	if rec.RequesterOrigin == nil && (v1.RequesterChannel != "" || v1.RequesterAccountID != "") {
		rec.RequesterOrigin = &routing.DeliveryContext{
			Channel:   v1.RequesterChannel,
			AccountID: v1.RequesterAccountID,
		}
	}
	return &rec
}

// saveRegistry writes the run map atomically as version 2.
func saveRegistry(path string, runs map[string]*Record) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(persistedRegistry{Version: registryVersion, Runs: runs}, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "runs-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
