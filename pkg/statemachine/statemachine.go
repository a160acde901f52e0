// Package statemachine implements the pure, I/O-free transition kernel
// described in §4.1: a transition table, guard predicates, and logging-only
// entry actions. Nothing here touches disk or the network.
package statemachine

import (
	"fmt"

	"github.com/stacklok/protoreg/pkg/logger"
	"github.com/stacklok/protoreg/pkg/manifest"
)

// GuardContext carries the inputs a guard predicate needs to decide whether
// a transition may proceed.
type GuardContext struct {
	Manifest       *manifest.Manifest
	Reviewer       string
	ReviewNotes    string
	RejectionReason string
	ConflictingURN string
}

// table[from][event] = to. A missing entry means the transition is
// forbidden from that state.
var table = map[manifest.State]map[manifest.Event]manifest.State{
	manifest.StateDraft: {
		manifest.EventSubmitForReview: manifest.StateReviewed,
	},
	manifest.StateReviewed: {
		manifest.EventApprove:       manifest.StateApproved,
		manifest.EventReject:        manifest.StateRejected,
		manifest.EventRevertToDraft: manifest.StateDraft,
	},
	manifest.StateApproved: {
		manifest.EventReject:        manifest.StateRejected,
		manifest.EventRegister:      manifest.StateRegistered,
		manifest.EventRevertToDraft: manifest.StateDraft,
	},
	manifest.StateRegistered: {},
	manifest.StateRejected: {
		manifest.EventRevertToDraft: manifest.StateDraft,
	},
}

// ValidateState reports whether s is a recognized lifecycle state.
func ValidateState(s manifest.State) bool {
	_, ok := table[s]
	return ok
}

// ValidateEvent reports whether e is a recognized state-machine event.
func ValidateEvent(e manifest.Event) bool {
	switch e {
	case manifest.EventSubmitForReview, manifest.EventApprove, manifest.EventReject,
		manifest.EventRegister, manifest.EventRevertToDraft:
		return true
	default:
		return false
	}
}

// CheckTransition looks up the target state for (from, event). ok is false
// when the transition is forbidden, including when from is REGISTERED
// (terminal; NoTransitionsFrom reports this case).
func CheckTransition(from manifest.State, event manifest.Event) (to manifest.State, ok bool) {
	events, known := table[from]
	if !known {
		return "", false
	}
	to, ok = events[event]
	return to, ok
}

// NoTransitionsFrom reports whether from is a terminal state with no
// outgoing transitions at all (currently only REGISTERED).
func NoTransitionsFrom(from manifest.State) bool {
	events, known := table[from]
	return known && len(events) == 0
}

// EvaluateGuard runs the guard predicate for event against ctx. It returns
// an empty reason on success, or a human-readable reason the transition is
// blocked.
func EvaluateGuard(event manifest.Event, ctx GuardContext) (reason string, ok bool) {
	switch event {
	case manifest.EventSubmitForReview:
		if ctx.Manifest == nil || ctx.Manifest.URN == "" {
			return "manifest must be present and have a non-empty URN", false
		}
		return "", true
	case manifest.EventApprove:
		if ctx.Reviewer == "" {
			return "reviewer is required", false
		}
		if ctx.ReviewNotes == "" {
			return "review notes are required", false
		}
		return "", true
	case manifest.EventReject:
		if ctx.RejectionReason == "" {
			return "rejection reason is required", false
		}
		return "", true
	case manifest.EventRegister:
		if ctx.Manifest == nil || ctx.Manifest.URN == "" {
			return "manifest must have a URN", false
		}
		if ctx.ConflictingURN != "" {
			return fmt.Sprintf("urn %q already present in catalog", ctx.ConflictingURN), false
		}
		return "", true
	case manifest.EventRevertToDraft:
		return "", true
	default:
		return "unrecognized event", false
	}
}

// RunEntryAction performs the (logging-only) entry action for arriving at
// state to via event, from manifestID. It must never mutate state or
// perform I/O that can fail — violating that would break the "pure kernel"
// contract the pipeline relies on.
func RunEntryAction(manifestID string, from, to manifest.State, event manifest.Event) {
	logger.Infow("state transition",
		"manifestId", manifestID,
		"from", string(from),
		"to", string(to),
		"event", string(event),
	)
}
