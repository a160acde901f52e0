// Package persistence implements §4.3: the snapshot store, the append-only
// event log, and crash recovery by event replay, each file written through
// pkg/fileutils' atomic-write primitive.
package persistence

import (
	"encoding/json"
	"os"
	"path/filepath"

	protoerrors "github.com/stacklok/protoreg/pkg/errors"
	"github.com/stacklok/protoreg/pkg/fileutils"
	"github.com/stacklok/protoreg/pkg/manifest"
)

const (
	stateFileName  = "state.json"
	eventsFileName = "events.log"
	filePerm       = 0o600
)

// SnapshotStore persists the single latest VersionedState per manifest,
// overwritten atomically on each change.
type SnapshotStore struct {
	BaseDir string
}

// NewSnapshotStore builds a SnapshotStore rooted at baseDir.
func NewSnapshotStore(baseDir string) *SnapshotStore {
	return &SnapshotStore{BaseDir: baseDir}
}

func (s *SnapshotStore) manifestDir(manifestID string) string {
	return filepath.Join(s.BaseDir, manifestID)
}

func (s *SnapshotStore) statePath(manifestID string) string {
	return filepath.Join(s.manifestDir(manifestID), stateFileName)
}

// Save writes state as the latest snapshot for manifestID, creating the
// manifest's directory if needed.
func (s *SnapshotStore) Save(manifestID string, state manifest.VersionedState) error {
	dir := s.manifestDir(manifestID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return protoerrors.NewInternalError("failed to create manifest directory", err)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return protoerrors.NewInternalError("failed to serialize snapshot", err)
	}

	if err := fileutils.AtomicWriteFile(s.statePath(manifestID), data, filePerm); err != nil {
		return protoerrors.NewInternalError("failed to write snapshot", err)
	}
	return nil
}

// Load reads the latest snapshot for manifestID. It returns a not_found
// error if no snapshot file exists, distinct from a parse failure (which
// the caller should treat as recoverable via event-log replay, per §4.3).
func (s *SnapshotStore) Load(manifestID string) (manifest.VersionedState, error) {
	data, err := os.ReadFile(s.statePath(manifestID))
	if err != nil {
		if os.IsNotExist(err) {
			return manifest.VersionedState{}, protoerrors.NewNotFoundError("snapshot not found", err)
		}
		return manifest.VersionedState{}, protoerrors.NewInternalError("failed to read snapshot", err)
	}

	var state manifest.VersionedState
	if err := json.Unmarshal(data, &state); err != nil {
		return manifest.VersionedState{}, protoerrors.NewIntegrityError("corrupted snapshot", err)
	}
	return state, nil
}

// Exists reports whether a snapshot file is present for manifestID.
func (s *SnapshotStore) Exists(manifestID string) bool {
	_, err := os.Stat(s.statePath(manifestID))
	return err == nil
}
