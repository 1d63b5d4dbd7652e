package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/screenway/relay/internal/v1/protocol"
)

// SnapshotStore persists the online roster after each membership change. The
// registry coalesces writes so only the newest snapshot is ever pending;
// implementations do not need to dedupe.
type SnapshotStore interface {
	SaveRoster(ctx context.Context, entries []protocol.RosterEntry) error
}

// FileStore writes the roster as a JSON file, the way the standalone server
// variant caches online users under the OS application-data directory. The
// file is a convenience cache only and carries no authority on restart.
type FileStore struct {
	path string
}

// NewFileStore creates the snapshot directory if needed.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("snapshot path must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &FileStore{path: path}, nil
}

// Path returns the snapshot file location.
func (s *FileStore) Path() string {
	return s.path
}

// SaveRoster replaces the snapshot atomically: write to a temp file in the
// same directory, then rename over the target. A crashed write never leaves a
// truncated snapshot behind.
func (s *FileStore) SaveRoster(_ context.Context, entries []protocol.RosterEntry) error {
	if entries == nil {
		entries = []protocol.RosterEntry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal roster: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".online_users-*.tmp")
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}
