package oauth

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/oauth2"
)

// Snapshot is the persisted state of a flow controller for one server.
// Delegated tokens are deliberately excluded; they are re-exchanged on
// demand after a restart.
type Snapshot struct {
	Step         Step                `json:"step"`
	ServerURL    string              `json:"server_url"`
	Metadata     *Metadata           `json:"metadata,omitempty"`
	Registration *ClientRegistration `json:"registration,omitempty"`
	Token        *oauth2.Token       `json:"token,omitempty"`
	SavedAt      time.Time           `json:"saved_at"`
}

// SnapshotStore persists flow snapshots as one JSON file per server under a
// directory. Files are keyed by a hash of the server URL so arbitrary URLs
// map to safe filenames.
type SnapshotStore struct {
	dir    string
	logger *slog.Logger
}

// NewSnapshotStore creates a store rooted at dir, creating the directory
// with owner-only permissions if needed.
func NewSnapshotStore(dir string) (*SnapshotStore, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".mcp-assistant", "sessions")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory %s: %w", dir, err)
	}
	return &SnapshotStore{
		dir:    dir,
		logger: slog.Default().With("component", "oauth-snapshots"),
	}, nil
}

func (s *SnapshotStore) path(serverURL string) string {
	sum := sha256.Sum256([]byte(serverURL))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:])[:16]+".json")
}

// Save writes the snapshot for its server URL. Tokens end up on disk, so the
// file is owner-readable only. The write goes through a temp file and a
// rename so a crash never leaves a half-written snapshot behind.
func (s *SnapshotStore) Save(snap *Snapshot) error {
	snap.SavedAt = time.Now()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	path := s.path(snap.ServerURL)
	tmp, err := os.CreateTemp(s.dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create snapshot temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to restrict snapshot permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write snapshot file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace snapshot file: %w", err)
	}

	s.logger.Debug("snapshot saved", "server", snap.ServerURL, "step", snap.Step)
	return nil
}

// Load reads the snapshot for serverURL. A missing file returns (nil, nil);
// a corrupt file is removed and reported the same way so startup never fails
// on stale state.
func (s *SnapshotStore) Load(serverURL string) (*Snapshot, error) {
	path := s.path(serverURL)

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read snapshot file: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.logger.Warn("removing corrupt snapshot", "server", serverURL, "error", err)
		_ = os.Remove(path)
		return nil, nil
	}

	s.logger.Debug("snapshot loaded", "server", serverURL, "step", snap.Step)
	return &snap, nil
}

// Delete removes the snapshot for serverURL if present.
func (s *SnapshotStore) Delete(serverURL string) error {
	err := os.Remove(s.path(serverURL))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	if err == nil {
		s.logger.Debug("snapshot deleted", "server", serverURL)
	}
	return nil
}
