// Package eventstore implements the append-only event log: per-stream
// monotone sequencing, the tamper-evident hash chain and the idempotency
// uniqueness constraint (spec.md §4.1).
package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentops/controlplane/pkg/eventmodel"
	"github.com/agentops/controlplane/pkg/hashchain"
	"github.com/agentops/controlplane/pkg/ids"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrIdempotencyUniqueViolation is returned when the (workspace_id,
// event_type, idempotency_key) uniqueness constraint rejects the insert
// (spec.md §4.1 step 4). Callers resolve by looking up the existing row.
var ErrIdempotencyUniqueViolation = errors.New("eventstore: idempotency unique violation")

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx, so Append can run
// either standalone or inside a caller-managed transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store appends events to evt_events.
type Store struct {
	clock ids.Clock
}

// New creates a Store backed by the given clock (ids.SystemClock in
// production, ids.FixedClock in tests).
func New(clock ids.Clock) *Store {
	return &Store{clock: clock}
}

// Draft is the caller-supplied portion of an event: everything except the
// fields the store itself computes (event_id, recorded_at, stream_seq,
// prev_event_hash, event_hash).
type Draft struct {
	EventType        string
	EventVersion     int
	OccurredAt       time.Time
	WorkspaceID      string
	MissionID        *string
	RoomID           *string
	ThreadID         *string
	RunID            *string
	StepID           *string
	Actor            eventmodel.Actor
	ActorPrincipalID *string
	Zone             eventmodel.Zone
	Stream           eventmodel.Stream // StreamSeq is ignored — the store assigns it
	CorrelationID    string
	CausationID      *string
	RedactionLevel   eventmodel.RedactionLevel
	ContainsSecrets  bool
	PolicyContext    map[string]any
	ModelContext     map[string]any
	Display          map[string]any
	Data             map[string]any
	IdempotencyKey   *string
}

// Append performs the algorithm in spec.md §4.1: claim the next stream_seq
// under a row lock, fetch the previous hash, compute this event's hash, and
// insert. q is typically a pgx.Tx so the caller can fold lease checks into
// the same transaction (spec.md §4.2 step 7-8); projectors are applied by
// the caller after that transaction commits. q may also be the bare pool
// for standalone appends (e.g. capability grants). occurred_at is stored at
// millisecond resolution so the hash survives the database round trip.
func (s *Store) Append(ctx context.Context, q Querier, d Draft) (eventmodel.Envelope, error) {
	seq, err := claimNextSeq(ctx, q, d.Stream.StreamType, d.Stream.StreamID)
	if err != nil {
		return eventmodel.Envelope{}, fmt.Errorf("claim stream_seq: %w", err)
	}

	prevHash, err := fetchPrevHash(ctx, q, d.Stream.StreamType, d.Stream.StreamID, seq)
	if err != nil {
		return eventmodel.Envelope{}, fmt.Errorf("fetch prev hash: %w", err)
	}

	env := eventmodel.Envelope{
		EventID:          ids.New(ids.PrefixEvent),
		EventType:        d.EventType,
		EventVersion:     d.EventVersion,
		OccurredAt:       d.OccurredAt.UTC().Truncate(time.Millisecond),
		RecordedAt:       s.clock.Now(),
		WorkspaceID:      d.WorkspaceID,
		MissionID:        d.MissionID,
		RoomID:           d.RoomID,
		ThreadID:         d.ThreadID,
		RunID:            d.RunID,
		StepID:           d.StepID,
		Actor:            d.Actor,
		ActorPrincipalID: d.ActorPrincipalID,
		Zone:             d.Zone,
		Stream: eventmodel.Stream{
			StreamType: d.Stream.StreamType,
			StreamID:   d.Stream.StreamID,
			StreamSeq:  seq,
		},
		CorrelationID:   d.CorrelationID,
		CausationID:     d.CausationID,
		RedactionLevel:  d.RedactionLevel,
		ContainsSecrets: d.ContainsSecrets,
		PolicyContext:   d.PolicyContext,
		ModelContext:    d.ModelContext,
		Display:         d.Display,
		Data:            d.Data,
		IdempotencyKey:  d.IdempotencyKey,
	}
	if prevHash != "" {
		env.PrevEventHash = &prevHash
	}

	hash, err := hashchain.Hash(env.ForHash(), prevHash)
	if err != nil {
		return eventmodel.Envelope{}, fmt.Errorf("compute hash: %w", err)
	}
	env.EventHash = hash

	if err := insert(ctx, q, env); err != nil {
		return eventmodel.Envelope{}, err
	}
	return env, nil
}

// claimNextSeq locks the per-stream counter row (creating it on first use)
// and returns the next stream_seq. Locking the counter row — rather than
// MAX(stream_seq) over evt_events — is what makes concurrent appenders to
// the same stream serialize per spec.md §5.
func claimNextSeq(ctx context.Context, q Querier, streamType eventmodel.StreamType, streamID string) (int64, error) {
	_, err := q.Exec(ctx, `
		INSERT INTO evt_stream_counters (stream_type, stream_id, last_seq)
		VALUES ($1, $2, 0)
		ON CONFLICT (stream_type, stream_id) DO NOTHING
	`, streamType, streamID)
	if err != nil {
		return 0, err
	}

	var next int64
	err = q.QueryRow(ctx, `
		UPDATE evt_stream_counters
		SET last_seq = last_seq + 1
		WHERE stream_type = $1 AND stream_id = $2
		RETURNING last_seq
	`, streamType, streamID).Scan(&next)
	if err != nil {
		return 0, err
	}
	return next, nil
}

func fetchPrevHash(ctx context.Context, q Querier, streamType eventmodel.StreamType, streamID string, seq int64) (string, error) {
	if seq <= 1 {
		return "", nil
	}
	var hash string
	err := q.QueryRow(ctx, `
		SELECT event_hash FROM evt_events
		WHERE stream_type = $1 AND stream_id = $2 AND stream_seq = $3
	`, streamType, streamID, seq-1).Scan(&hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("missing predecessor event at stream_seq=%d", seq-1)
		}
		return "", err
	}
	return hash, nil
}

func insert(ctx context.Context, q Querier, env eventmodel.Envelope) error {
	policyContext, err := marshalNullable(env.PolicyContext)
	if err != nil {
		return err
	}
	modelContext, err := marshalNullable(env.ModelContext)
	if err != nil {
		return err
	}
	display, err := marshalNullable(env.Display)
	if err != nil {
		return err
	}
	data, err := marshalNullable(env.Data)
	if err != nil {
		return err
	}

	_, err = q.Exec(ctx, `
		INSERT INTO evt_events (
			event_id, event_type, event_version, occurred_at, recorded_at, workspace_id,
			mission_id, room_id, thread_id, run_id, step_id,
			actor_type, actor_id, actor_principal_id,
			zone, stream_type, stream_id, stream_seq,
			correlation_id, causation_id,
			redaction_level, contains_secrets,
			policy_context, model_context, display, data,
			idempotency_key, prev_event_hash, event_hash
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14,
			$15, $16, $17, $18,
			$19, $20,
			$21, $22,
			$23, $24, $25, $26,
			$27, $28, $29
		)
	`,
		env.EventID, env.EventType, env.EventVersion, env.OccurredAt, env.RecordedAt, env.WorkspaceID,
		env.MissionID, env.RoomID, env.ThreadID, env.RunID, env.StepID,
		env.Actor.ActorType, env.Actor.ActorID, env.ActorPrincipalID,
		env.Zone, env.Stream.StreamType, env.Stream.StreamID, env.Stream.StreamSeq,
		env.CorrelationID, env.CausationID,
		env.RedactionLevel, env.ContainsSecrets,
		policyContext, modelContext, display, data,
		env.IdempotencyKey, env.PrevEventHash, env.EventHash,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "evt_events_idempotency_uq" {
			return ErrIdempotencyUniqueViolation
		}
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func marshalNullable(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}
