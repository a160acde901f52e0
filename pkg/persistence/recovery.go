package persistence

import (
	"encoding/json"
	"time"

	protoerrors "github.com/stacklok/protoreg/pkg/errors"
	"github.com/stacklok/protoreg/pkg/manifest"
)

// Recovery combines a SnapshotStore and EventLog to implement
// loadStateWithRecovery's precedence (§4.3):
//  1. a parseable snapshot wins;
//  2. otherwise, a non-empty event log is replayed from empty state and the
//     reconstructed value is written back as a new snapshot;
//  3. otherwise the manifest is not found.
type Recovery struct {
	Snapshots *SnapshotStore
	Events    *EventLog
}

// NewRecovery builds a Recovery bundling the two stores rooted at baseDir.
func NewRecovery(baseDir string) *Recovery {
	return &Recovery{
		Snapshots: NewSnapshotStore(baseDir),
		Events:    NewEventLog(baseDir),
	}
}

// Load implements loadStateWithRecovery.
func (r *Recovery) Load(manifestID string) (manifest.VersionedState, error) {
	state, err := r.Snapshots.Load(manifestID)
	if err == nil {
		return state, nil
	}
	if !protoerrors.IsIntegrity(err) && !protoerrors.IsNotFound(err) {
		return manifest.VersionedState{}, err
	}

	if !r.Events.Exists(manifestID) {
		if protoerrors.IsIntegrity(err) {
			// A corrupted snapshot with no event log to fall back to is
			// fatal to this manifest, per §4.3's failure semantics.
			return manifest.VersionedState{}, err
		}
		return manifest.VersionedState{}, protoerrors.NewNotFoundError("manifest not found", nil)
	}

	events, err := r.Events.ReadAll(manifestID)
	if err != nil {
		return manifest.VersionedState{}, err
	}

	reconstructed, err := Replay(manifestID, events)
	if err != nil {
		return manifest.VersionedState{}, err
	}

	if err := r.Snapshots.Save(manifestID, reconstructed); err != nil {
		return manifest.VersionedState{}, err
	}
	return reconstructed, nil
}

// Replay deterministically applies events in order, starting from a zero
// RegistrationState, and returns the resulting VersionedState with Version
// reset to 1 (the replay produces a fresh snapshot generation — see §8
// scenario 5).
func Replay(manifestID string, events []manifest.Envelope) (manifest.VersionedState, error) {
	if len(events) == 0 {
		return manifest.VersionedState{}, protoerrors.NewNotFoundError("no events to replay", nil)
	}

	var state manifest.RegistrationState
	var lastUpdated time.Time

	for _, event := range events {
		switch event.EventType {
		case manifest.EventTypeManifestCreated:
			state = manifest.RegistrationState{
				ManifestID:   manifestID,
				CurrentState: manifest.StateDraft,
				CreatedAt:    event.Timestamp,
				UpdatedAt:    event.Timestamp,
			}
			decodeInto(event.Payload["manifest"], &state.Manifest)
		case manifest.EventTypeStateChanged:
			if cs, ok := event.Payload["currentState"].(string); ok {
				state.CurrentState = manifest.State(cs)
			}
			if v, ok := event.Payload["reviewer"].(string); ok {
				state.Reviewer = v
			}
			if v, ok := event.Payload["reviewNotes"].(string); ok {
				state.ReviewNotes = v
			}
			if v, ok := event.Payload["rejectionReason"].(string); ok {
				state.RejectionReason = v
			}
			if t, ok := decodeTransition(event.Payload["lastTransition"]); ok {
				state.LastTransition = &t
			}
		}
		lastUpdated = event.Timestamp
	}

	state.UpdatedAt = lastUpdated

	return manifest.VersionedState{
		Version:   1,
		State:     state,
		UpdatedAt: lastUpdated,
	}, nil
}

// decodeInto bridges the map[string]any shape produced by JSON
// unmarshalling an event's payload back into a typed struct, by
// round-tripping through the same encoding the event was written with. A
// missing or absent field just leaves the zero value, since replay must
// never fail on historical data that predates a field.
func decodeInto(raw any, out *manifest.Manifest) {
	if raw == nil {
		return
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return
	}
	_ = json.Unmarshal(data, out)
}

func decodeTransition(raw any) (manifest.Transition, bool) {
	if raw == nil {
		return manifest.Transition{}, false
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return manifest.Transition{}, false
	}
	var t manifest.Transition
	if err := json.Unmarshal(data, &t); err != nil {
		return manifest.Transition{}, false
	}
	return t, true
}
