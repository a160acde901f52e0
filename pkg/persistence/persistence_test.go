package persistence

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	protoerrors "github.com/stacklok/protoreg/pkg/errors"
	"github.com/stacklok/protoreg/pkg/manifest"
)

func sampleState(manifestID string) manifest.VersionedState {
	now := time.Now().UTC().Truncate(time.Second)
	return manifest.VersionedState{
		Version: 1,
		State: manifest.RegistrationState{
			CurrentState: manifest.StateDraft,
			ManifestID:   manifestID,
			Manifest:     manifest.Manifest{URN: "u:a", Type: manifest.TypeAPI, Namespace: "ns"},
			CreatedAt:    now,
			UpdatedAt:    now,
		},
		UpdatedAt: now,
	}
}

func TestSnapshotStore_SaveAndLoad(t *testing.T) {
	t.Parallel()
	store := NewSnapshotStore(t.TempDir())

	want := sampleState("M1")
	require.NoError(t, store.Save("M1", want))

	got, err := store.Load("M1")
	require.NoError(t, err)
	assert.Equal(t, want.Version, got.Version)
	assert.Equal(t, want.State.CurrentState, got.State.CurrentState)
	assert.Equal(t, want.State.Manifest.URN, got.State.Manifest.URN)
}

func TestSnapshotStore_LoadNotFound(t *testing.T) {
	t.Parallel()
	store := NewSnapshotStore(t.TempDir())

	_, err := store.Load("missing")
	require.Error(t, err)
	assert.True(t, protoerrors.IsNotFound(err))
}

func TestSnapshotStore_LoadCorrupted(t *testing.T) {
	t.Parallel()
	baseDir := t.TempDir()
	store := NewSnapshotStore(baseDir)

	dir := filepath.Join(baseDir, "M1")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, stateFileName), []byte("{not json"), 0o600))

	_, err := store.Load("M1")
	require.Error(t, err)
	assert.True(t, protoerrors.IsIntegrity(err))
}

func TestEventLog_AppendAndReadAll(t *testing.T) {
	t.Parallel()
	log := NewEventLog(t.TempDir())

	e1 := manifest.Envelope{EventID: "e1", EventType: manifest.EventTypeManifestCreated, ManifestID: "M1", Timestamp: time.Now()}
	e2 := manifest.Envelope{EventID: "e2", EventType: manifest.EventTypeStateChanged, ManifestID: "M1", Timestamp: time.Now()}

	require.NoError(t, log.Append("M1", e1))
	require.NoError(t, log.Append("M1", e2))

	events, err := log.ReadAll("M1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "e1", events[0].EventID)
	assert.Equal(t, "e2", events[1].EventID)
}

func TestEventLog_ReadAllMissingFileReturnsEmpty(t *testing.T) {
	t.Parallel()
	log := NewEventLog(t.TempDir())

	events, err := log.ReadAll("missing")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestEventLog_CorruptLineFailsStop(t *testing.T) {
	t.Parallel()
	baseDir := t.TempDir()
	log := NewEventLog(baseDir)

	dir := filepath.Join(baseDir, "M1")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, eventsFileName), []byte("{valid json missing}\nnot json at all\n"), 0o600))

	_, err := log.ReadAll("M1")
	require.Error(t, err)
	assert.True(t, protoerrors.IsIntegrity(err))
	assert.Contains(t, err.Error(), "line 1")
}

func TestEventLog_SkipCorruptLinesMode(t *testing.T) {
	t.Parallel()
	baseDir := t.TempDir()
	log := NewEventLog(baseDir)
	log.SkipCorruptLines = true

	dir := filepath.Join(baseDir, "M1")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	good := `{"eventId":"e1","eventType":"manifest.created","manifestId":"M1","timestamp":"2024-01-01T00:00:00Z"}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, eventsFileName), []byte(good+"\nnot json\n"), 0o600))

	events, err := log.ReadAll("M1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "e1", events[0].EventID)
}

func TestRecovery_SnapshotPrecedence(t *testing.T) {
	t.Parallel()
	baseDir := t.TempDir()
	r := NewRecovery(baseDir)

	want := sampleState("M1")
	require.NoError(t, r.Snapshots.Save("M1", want))

	got, err := r.Load("M1")
	require.NoError(t, err)
	assert.Equal(t, want.State.CurrentState, got.State.CurrentState)
}

func TestRecovery_ReplaysEventLogWhenSnapshotMissing(t *testing.T) {
	t.Parallel()
	baseDir := t.TempDir()
	r := NewRecovery(baseDir)

	created := manifest.Envelope{
		EventID: "e1", EventType: manifest.EventTypeManifestCreated, ManifestID: "M1",
		Timestamp: time.Now().UTC(),
		Payload:   map[string]any{"manifest": manifest.Manifest{URN: "u:a", Type: manifest.TypeAPI}},
	}
	changed := manifest.Envelope{
		EventID: "e2", EventType: manifest.EventTypeStateChanged, ManifestID: "M1",
		Timestamp: time.Now().UTC(),
		Payload:   map[string]any{"currentState": "REGISTERED", "reviewer": "alice"},
	}
	require.NoError(t, r.Events.Append("M1", created))
	require.NoError(t, r.Events.Append("M1", changed))

	got, err := r.Load("M1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
	assert.Equal(t, manifest.StateRegistered, got.State.CurrentState)
	assert.Equal(t, "alice", got.State.Reviewer)
	assert.Equal(t, "u:a", got.State.Manifest.URN)

	// The reconstructed snapshot should now be persisted.
	assert.True(t, r.Snapshots.Exists("M1"))
}

func TestRecovery_CorruptedSnapshotFallsBackToEventLog(t *testing.T) {
	t.Parallel()
	baseDir := t.TempDir()
	r := NewRecovery(baseDir)

	dir := filepath.Join(baseDir, "M1")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, stateFileName), []byte("{not json"), 0o600))

	created := manifest.Envelope{
		EventID: "e1", EventType: manifest.EventTypeManifestCreated, ManifestID: "M1",
		Timestamp: time.Now().UTC(),
		Payload:   map[string]any{"manifest": manifest.Manifest{URN: "u:a"}},
	}
	require.NoError(t, r.Events.Append("M1", created))

	got, err := r.Load("M1")
	require.NoError(t, err)
	assert.Equal(t, manifest.StateDraft, got.State.CurrentState)
}

func TestRecovery_NotFoundWhenNeitherExists(t *testing.T) {
	t.Parallel()
	r := NewRecovery(t.TempDir())

	_, err := r.Load("missing")
	require.Error(t, err)
	assert.True(t, protoerrors.IsNotFound(err))
}

func TestReplay_EmptyEventsReturnsNotFound(t *testing.T) {
	t.Parallel()
	_, err := Replay("M1", nil)
	require.Error(t, err)
	assert.True(t, protoerrors.IsNotFound(err))
}

func TestSnapshotRoundTrip(t *testing.T) {
	t.Parallel()
	store := NewSnapshotStore(t.TempDir())
	want := sampleState("M1")

	require.NoError(t, store.Save("M1", want))
	got, err := store.Load("M1")
	require.NoError(t, err)

	assert.Equal(t, want.State.Manifest, got.State.Manifest)
	assert.Equal(t, want.State.CurrentState, got.State.CurrentState)
}
