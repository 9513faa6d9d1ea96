// Package eventmodel defines the event envelope and the other wire types
// the append-only log is built from (spec.md §3, "Event envelope").
package eventmodel

import "time"

// ActorType enumerates who performed an action.
type ActorType string

const (
	ActorUser    ActorType = "user"
	ActorService ActorType = "service"
	ActorAgent   ActorType = "agent"
)

// Zone is the blast-radius classification of the event's effect.
type Zone string

const (
	ZoneSandbox     Zone = "sandbox"
	ZoneSupervised  Zone = "supervised"
	ZoneHighStakes  Zone = "high_stakes"
)

// RedactionLevel indicates how much of an event's data has been redacted
// before storage. The core never computes this; callers supply it.
type RedactionLevel string

const (
	RedactionNone    RedactionLevel = "none"
	RedactionPartial RedactionLevel = "partial"
	RedactionFull    RedactionLevel = "full"
)

// StreamType is the kind of logical channel an event belongs to.
type StreamType string

const (
	StreamWorkspace StreamType = "workspace"
	StreamRoom      StreamType = "room"
	StreamThread    StreamType = "thread"
)

// Actor identifies who performed the action an event records.
type Actor struct {
	ActorType ActorType `json:"actor_type"`
	ActorID   string    `json:"actor_id"`
}

// Stream identifies the logical channel and position of an event.
type Stream struct {
	StreamType StreamType `json:"stream_type"`
	StreamID   string     `json:"stream_id"`
	StreamSeq  int64      `json:"stream_seq"`
}

// Envelope is the full event record persisted to evt_events (spec.md §3).
//
// Fields are ordered to mirror the spec's enumeration, not for encoding —
// canonical ordering is computed independently by package hashchain from
// the JSON tags below, never from struct field order.
type Envelope struct {
	EventID      string    `json:"event_id"`
	EventType    string    `json:"event_type"`
	EventVersion int       `json:"event_version"`
	OccurredAt   time.Time `json:"occurred_at"`
	RecordedAt   time.Time `json:"recorded_at"`
	WorkspaceID  string    `json:"workspace_id"`

	MissionID *string `json:"mission_id,omitempty"`
	RoomID    *string `json:"room_id,omitempty"`
	ThreadID  *string `json:"thread_id,omitempty"`
	RunID     *string `json:"run_id,omitempty"`
	StepID    *string `json:"step_id,omitempty"`

	Actor            Actor   `json:"actor"`
	ActorPrincipalID *string `json:"actor_principal_id,omitempty"`

	Zone   Zone   `json:"zone"`
	Stream Stream `json:"stream"`

	CorrelationID string  `json:"correlation_id"`
	CausationID   *string `json:"causation_id,omitempty"`

	RedactionLevel  RedactionLevel `json:"redaction_level"`
	ContainsSecrets bool           `json:"contains_secrets"`

	PolicyContext map[string]any `json:"policy_context,omitempty"`
	ModelContext  map[string]any `json:"model_context,omitempty"`
	Display       map[string]any `json:"display,omitempty"`
	Data          map[string]any `json:"data,omitempty"`

	IdempotencyKey *string `json:"idempotency_key,omitempty"`

	PrevEventHash *string `json:"prev_event_hash"`
	EventHash     string  `json:"event_hash,omitempty"`
}

// HashInput is the subset of Envelope fields canonicalized and hashed —
// "envelope_excluding_hashes" in spec.md §4.1 step 3. prev_event_hash is
// folded in separately by hashchain.Hash, and event_hash obviously cannot
// be part of its own input.
type HashInput struct {
	EventID      string    `json:"event_id"`
	EventType    string    `json:"event_type"`
	EventVersion int       `json:"event_version"`
	OccurredAt   time.Time `json:"occurred_at"`
	RecordedAt   time.Time `json:"recorded_at"`
	WorkspaceID  string    `json:"workspace_id"`

	MissionID *string `json:"mission_id,omitempty"`
	RoomID    *string `json:"room_id,omitempty"`
	ThreadID  *string `json:"thread_id,omitempty"`
	RunID     *string `json:"run_id,omitempty"`
	StepID    *string `json:"step_id,omitempty"`

	Actor            Actor   `json:"actor"`
	ActorPrincipalID *string `json:"actor_principal_id,omitempty"`

	Zone   Zone   `json:"zone"`
	Stream Stream `json:"stream"`

	CorrelationID string  `json:"correlation_id"`
	CausationID   *string `json:"causation_id,omitempty"`

	RedactionLevel  RedactionLevel `json:"redaction_level"`
	ContainsSecrets bool           `json:"contains_secrets"`

	PolicyContext map[string]any `json:"policy_context,omitempty"`
	ModelContext  map[string]any `json:"model_context,omitempty"`
	Display       map[string]any `json:"display,omitempty"`
	Data          map[string]any `json:"data,omitempty"`

	IdempotencyKey *string `json:"idempotency_key,omitempty"`
}

// ForHash projects the envelope to its hash input.
func (e Envelope) ForHash() HashInput {
	return HashInput{
		EventID:          e.EventID,
		EventType:        e.EventType,
		EventVersion:     e.EventVersion,
		OccurredAt:       e.OccurredAt,
		RecordedAt:       e.RecordedAt,
		WorkspaceID:      e.WorkspaceID,
		MissionID:        e.MissionID,
		RoomID:           e.RoomID,
		ThreadID:         e.ThreadID,
		RunID:            e.RunID,
		StepID:           e.StepID,
		Actor:            e.Actor,
		ActorPrincipalID: e.ActorPrincipalID,
		Zone:             e.Zone,
		Stream:           e.Stream,
		CorrelationID:    e.CorrelationID,
		CausationID:      e.CausationID,
		RedactionLevel:   e.RedactionLevel,
		ContainsSecrets:  e.ContainsSecrets,
		PolicyContext:    e.PolicyContext,
		ModelContext:     e.ModelContext,
		Display:          e.Display,
		Data:             e.Data,
		IdempotencyKey:   e.IdempotencyKey,
	}
}
