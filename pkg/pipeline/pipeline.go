// Package pipeline implements the registration pipeline from §4.4: thin
// entry points over a single transition helper, each driving a CAS
// round (pkg/lock) whose compute step consults the pure state-machine
// kernel (pkg/statemachine), persists through pkg/persistence, and emits
// lifecycle notifications on a shared pkg/notify.Bus.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/protoreg/pkg/config"
	protoerrors "github.com/stacklok/protoreg/pkg/errors"
	"github.com/stacklok/protoreg/pkg/lock"
	"github.com/stacklok/protoreg/pkg/logger"
	"github.com/stacklok/protoreg/pkg/manifest"
	"github.com/stacklok/protoreg/pkg/notify"
	"github.com/stacklok/protoreg/pkg/persistence"
	"github.com/stacklok/protoreg/pkg/statemachine"
)

// Pipeline bundles the persistence stores and notification bus shared by
// every entry point. One Pipeline instance is expected to be shared across
// the lifetime of the server process.
type Pipeline struct {
	Snapshots *persistence.SnapshotStore
	Events    *persistence.EventLog
	Bus       *notify.Bus
	Retry     config.RetryConfig

	// Counters track the observability surface called for by §4.4: retry,
	// exhaustion, and already-applied counts, aggregated across every
	// transition this Pipeline has driven.
	counters *counters
}

// New builds a Pipeline rooted at baseDir on bus, or on a fresh notify.Bus
// when bus is nil.
func New(baseDir string, retry config.RetryConfig, bus *notify.Bus) *Pipeline {
	if bus == nil {
		bus = notify.New()
	}
	p := &Pipeline{
		Snapshots: persistence.NewSnapshotStore(baseDir),
		Events:    persistence.NewEventLog(baseDir),
		Bus:       bus,
		Retry:     retry,
		counters:  &counters{},
	}
	p.subscribeCounters()
	return p
}

type counters struct {
	retries         int64
	exhaustions     int64
	alreadyApplied  int64
}

func (p *Pipeline) subscribeCounters() {
	p.Bus.Subscribe("cas.retry", func(any) { incr(&p.counters.retries) })
	p.Bus.Subscribe("cas.exhausted", func(any) { incr(&p.counters.exhaustions) })
	p.Bus.Subscribe("cas.already_applied", func(any) { incr(&p.counters.alreadyApplied) })
}

func incr(counter *int64) { *counter++ }

// Counters is a point-in-time read of the pipeline's observability
// counters. It is not safe for concurrent use with further transitions
// without external synchronization, matching the teacher's lightweight
// stats snapshots elsewhere in the codebase.
type Counters struct {
	Retries        int64
	Exhaustions    int64
	AlreadyApplied int64
}

// Snapshot returns the current counter values.
func (p *Pipeline) Snapshot() Counters {
	return Counters{
		Retries:        p.counters.retries,
		Exhaustions:    p.counters.exhaustions,
		AlreadyApplied: p.counters.alreadyApplied,
	}
}

// TransitionContext carries the event-specific inputs a transition needs,
// beyond the manifest ID itself — the reviewer/notes for approve, the
// reason for reject, a conflicting URN check for register, and so on.
type TransitionContext struct {
	Reviewer        string
	ReviewNotes     string
	RejectionReason string
	ConflictingURN  string
}

// Initialize creates a new DRAFT record for manifestID, failing if one
// already exists.
func (p *Pipeline) Initialize(ctx context.Context, manifestID string, m manifest.Manifest) (manifest.VersionedState, error) {
	if p.Snapshots.Exists(manifestID) {
		return manifest.VersionedState{}, protoerrors.NewConflictError("manifest already initialized", nil)
	}

	now := time.Now().UTC()
	state := manifest.RegistrationState{
		CurrentState: manifest.StateDraft,
		Manifest:     m,
		ManifestID:   manifestID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	versioned := manifest.VersionedState{Version: 1, State: state, UpdatedAt: now}

	if err := p.Snapshots.Save(manifestID, versioned); err != nil {
		return manifest.VersionedState{}, err
	}

	event := manifest.Envelope{
		EventID:    uuid.NewString(),
		Timestamp:  now,
		EventType:  manifest.EventTypeManifestCreated,
		ManifestID: manifestID,
		Payload:    map[string]any{"manifest": m},
	}
	if err := p.Events.Append(manifestID, event); err != nil {
		return manifest.VersionedState{}, err
	}

	p.Bus.Publish("lifecycle.initialized", versioned)
	logger.Infow("manifest initialized", "manifestId", manifestID, "urn", m.URN)
	return versioned, nil
}

// SubmitForReview moves manifestID from DRAFT to REVIEWED.
func (p *Pipeline) SubmitForReview(ctx context.Context, manifestID string) (manifest.VersionedState, error) {
	return p.transition(ctx, manifestID, manifest.EventSubmitForReview, TransitionContext{})
}

// Approve moves manifestID from REVIEWED to APPROVED, recording reviewer
// and notes.
func (p *Pipeline) Approve(ctx context.Context, manifestID, reviewer, notes string) (manifest.VersionedState, error) {
	return p.transition(ctx, manifestID, manifest.EventApprove, TransitionContext{Reviewer: reviewer, ReviewNotes: notes})
}

// Reject moves manifestID from REVIEWED or APPROVED to REJECTED, recording
// a reason.
func (p *Pipeline) Reject(ctx context.Context, manifestID, reason string) (manifest.VersionedState, error) {
	return p.transition(ctx, manifestID, manifest.EventReject, TransitionContext{RejectionReason: reason})
}

// Register moves manifestID from APPROVED to REGISTERED. conflictingURN,
// when non-empty, causes the guard to fail — the caller resolves this
// against the catalog before invoking Register.
func (p *Pipeline) Register(ctx context.Context, manifestID, conflictingURN string) (manifest.VersionedState, error) {
	return p.transition(ctx, manifestID, manifest.EventRegister, TransitionContext{ConflictingURN: conflictingURN})
}

// RevertToDraft moves manifestID back to DRAFT from REVIEWED, APPROVED, or
// REJECTED.
func (p *Pipeline) RevertToDraft(ctx context.Context, manifestID string) (manifest.VersionedState, error) {
	return p.transition(ctx, manifestID, manifest.EventRevertToDraft, TransitionContext{})
}

// transition is the single CAS-driven worker behind every entry point
// above (§4.4): read the current snapshot, consult the state-machine
// kernel inside compute, persist the new snapshot, append a state.changed
// event, and publish a lifecycle notification.
func (p *Pipeline) transition(ctx context.Context, manifestID string, event manifest.Event, tctx TransitionContext) (manifest.VersionedState, error) {
	read := func() (lock.Versioned[manifest.RegistrationState], error) {
		vs, err := p.Snapshots.Load(manifestID)
		if err != nil {
			return lock.Versioned[manifest.RegistrationState]{}, err
		}
		return lock.Versioned[manifest.RegistrationState]{Version: vs.Version, Value: vs.State}, nil
	}

	write := func(v lock.Versioned[manifest.RegistrationState]) error {
		versioned := manifest.VersionedState{Version: v.Version, State: v.Value, UpdatedAt: v.Value.UpdatedAt}
		return p.Snapshots.Save(manifestID, versioned)
	}

	var appliedTransition *manifest.Transition
	compute := func(current manifest.RegistrationState, attempt int) (manifest.RegistrationState, bool, error) {
		if !statemachine.ValidateState(current.CurrentState) {
			return manifest.RegistrationState{}, false, protoerrors.NewValidationError("unknown current state", nil)
		}

		// Idempotence under retry (§4.2, §4.4): a repeat of the same event
		// that already produced the current state is a no-op, not a guard
		// failure. A losing CAS writer's retry and a client's blind retry
		// both hit this path.
		if current.LastTransition != nil && current.LastTransition.Event == event &&
			current.LastTransition.To == current.CurrentState {
			return current, true, nil
		}

		to, ok := statemachine.CheckTransition(current.CurrentState, event)
		if !ok {
			if statemachine.NoTransitionsFrom(current.CurrentState) {
				return manifest.RegistrationState{}, false, protoerrors.NewGuardFailedError(
					"manifest is in a terminal state", nil)
			}
			return manifest.RegistrationState{}, false, protoerrors.NewGuardFailedError(
				"no such transition from current state", nil)
		}

		guardCtx := statemachine.GuardContext{
			Manifest:        &current.Manifest,
			Reviewer:        tctx.Reviewer,
			ReviewNotes:     tctx.ReviewNotes,
			RejectionReason: tctx.RejectionReason,
			ConflictingURN:  tctx.ConflictingURN,
		}
		if reason, ok := statemachine.EvaluateGuard(event, guardCtx); !ok {
			return manifest.RegistrationState{}, false, protoerrors.NewGuardFailedError(reason, nil)
		}

		now := time.Now().UTC()
		next := current
		next.CurrentState = to
		next.UpdatedAt = now
		switch event {
		case manifest.EventApprove:
			next.Reviewer = tctx.Reviewer
			next.ReviewNotes = tctx.ReviewNotes
		case manifest.EventReject:
			next.RejectionReason = tctx.RejectionReason
		}

		transition := manifest.Transition{
			From:      current.CurrentState,
			To:        to,
			Event:     event,
			Timestamp: now,
			Attempt:   attempt,
		}
		next.LastTransition = &transition
		appliedTransition = &transition

		statemachine.RunEntryAction(manifestID, current.CurrentState, to, event)
		return next, false, nil
	}

	result, err := lock.CompareAndSwap(ctx, read, write, compute, manifestID, p.Retry, p.Bus)
	if err != nil {
		return manifest.VersionedState{}, err
	}

	versioned := manifest.VersionedState{Version: result.Version, State: result.Value, UpdatedAt: result.Value.UpdatedAt}

	if appliedTransition != nil {
		evt := manifest.Envelope{
			EventID:    uuid.NewString(),
			Timestamp:  appliedTransition.Timestamp,
			EventType:  manifest.EventTypeStateChanged,
			ManifestID: manifestID,
			Payload: map[string]any{
				"currentState":    string(result.Value.CurrentState),
				"reviewer":        result.Value.Reviewer,
				"reviewNotes":     result.Value.ReviewNotes,
				"rejectionReason": result.Value.RejectionReason,
				"lastTransition":  appliedTransition,
			},
		}
		if err := p.Events.Append(manifestID, evt); err != nil {
			return manifest.VersionedState{}, err
		}
		p.Bus.Publish("lifecycle.transitioned", versioned)
	}

	return versioned, nil
}
