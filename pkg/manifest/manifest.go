// Package manifest defines the registry's core data model (§3): the URN
// key, the manifest document itself, versioned lifecycle state, and the
// event envelope that records every transition.
package manifest

import "time"

// Type enumerates the kinds of manifest the registry accepts.
type Type string

// Recognized manifest types.
const (
	TypeAPI      Type = "api"
	TypeData     Type = "data"
	TypeEvent    Type = "event"
	TypeWorkflow Type = "workflow"
	TypeAgent    Type = "agent"
	TypeSemantic Type = "semantic"
)

// State is the lifecycle-state enumeration (§4.1).
type State string

// Recognized lifecycle states.
const (
	StateDraft      State = "DRAFT"
	StateReviewed   State = "REVIEWED"
	StateApproved   State = "APPROVED"
	StateRegistered State = "REGISTERED"
	StateRejected   State = "REJECTED"
)

// Event is the enumeration of state-machine events (§4.1).
type Event string

// Recognized state-machine events.
const (
	EventSubmitForReview Event = "submit_for_review"
	EventApprove         Event = "approve"
	EventReject          Event = "reject"
	EventRegister        Event = "register"
	EventRevertToDraft   Event = "revert_to_draft"
)

// Governance captures ownership and data-handling metadata for a manifest.
type Governance struct {
	Owner          string `json:"owner"`
	Classification string `json:"classification"`
	PII            bool   `json:"pii"`
}

// Metadata carries descriptive tags alongside governance information.
type Metadata struct {
	Tags []string `json:"tags,omitempty"`
}

// ApiEndpoint describes one HTTP operation exposed by an api-typed manifest.
type ApiEndpoint struct {
	Method      string `json:"method"`
	Path        string `json:"path"`
	Description string `json:"description,omitempty"`
}

// AgentCapabilities describes what an agent-typed manifest can reach.
type AgentCapabilities struct {
	Tools     []string `json:"tools,omitempty"`
	Resources []string `json:"resources,omitempty"`
	Workflows []string `json:"workflows,omitempty"`
	APIs      []string `json:"apis,omitempty"`
}

// Manifest is the structured document a caller registers (§3). It is
// treated as immutable once registered: re-registration requires a new URN
// or an unregister-then-register.
type Manifest struct {
	URN          string            `json:"urn"`
	Type         Type              `json:"type"`
	Namespace    string            `json:"namespace"`
	Metadata     Metadata          `json:"metadata"`
	Governance   Governance        `json:"governance"`
	Dependencies []string          `json:"dependencies,omitempty"`
	Endpoints    []ApiEndpoint     `json:"endpoints,omitempty"`
	Capabilities AgentCapabilities `json:"capabilities,omitempty"`
}

// Transition records one state-machine hop, merged into VersionedState.
type Transition struct {
	From      State     `json:"from"`
	To        State      `json:"to"`
	Event     Event      `json:"event"`
	Timestamp time.Time  `json:"timestamp"`
	Attempt   int        `json:"attempt"`
}

// RegistrationState is the lifecycle record tracked per manifest (§3).
type RegistrationState struct {
	CurrentState     State       `json:"currentState"`
	Manifest         Manifest    `json:"manifest"`
	ManifestID       string      `json:"manifestId"`
	CreatedAt        time.Time   `json:"createdAt"`
	UpdatedAt        time.Time   `json:"updatedAt"`
	LastTransition   *Transition `json:"lastTransition,omitempty"`
	Reviewer         string      `json:"reviewer,omitempty"`
	ReviewNotes      string      `json:"reviewNotes,omitempty"`
	RejectionReason  string      `json:"rejectionReason,omitempty"`
	ConflictingURN   string      `json:"conflictingUrn,omitempty"`
}

// VersionedState is the unit persisted to state.json and replayed from the
// event log (§3). Version starts at 1 and strictly increments by 1 on each
// successful write.
type VersionedState struct {
	Version   int               `json:"version"`
	State     RegistrationState `json:"state"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// EventType enumerates the kinds of envelope appended to a manifest's log.
type EventType string

// Recognized event types.
const (
	EventTypeManifestCreated       EventType = "manifest.created"
	EventTypeStateChanged          EventType = "state.changed"
	EventTypeRegistrationCompleted EventType = "registration.completed"
	EventTypeIntegrationCompleted  EventType = "integration.completed"
	EventTypeErrorOccurred         EventType = "error.occurred"
)

// Envelope is a single line of a manifest's append-only event log (§3).
type Envelope struct {
	EventID    string         `json:"eventId"`
	Timestamp  time.Time      `json:"timestamp"`
	EventType  EventType      `json:"eventType"`
	ManifestID string         `json:"manifestId"`
	Payload    map[string]any `json:"payload,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}
