// Package audit replays a stream's hash chain and reports the first
// mismatch, without mutating any event (spec.md §4.6).
package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentops/controlplane/pkg/eventmodel"
	"github.com/agentops/controlplane/pkg/hashchain"
)

func unmarshalJSONB(raw []byte, dest *map[string]any) error {
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("audit: unmarshal jsonb column: %w", err)
	}
	return nil
}

// MismatchKind enumerates the three ways a chain link can fail to verify.
type MismatchKind string

const (
	MismatchPrevHash  MismatchKind = "prev_hash_mismatch"
	MismatchHashGap   MismatchKind = "event_hash_missing"
	MismatchHash      MismatchKind = "event_hash_mismatch"
)

// Mismatch describes the first chain break encountered.
type Mismatch struct {
	StreamSeq int64
	Kind      MismatchKind
}

// Result is the outcome of Verify.
type Result struct {
	Checked        int
	Valid          bool
	FirstMismatch  *Mismatch
	LastEventHash  string
}

// Verify implements spec.md §4.6: iterate events in stream_seq ascending
// order, check the prev-hash link and recompute the hash; stop at the
// first mismatch.
func Verify(ctx context.Context, pool *pgxpool.Pool, streamType eventmodel.StreamType, streamID string, limit int) (Result, error) {
	rows, err := pool.Query(ctx, `
		SELECT
			event_id, event_type, event_version, occurred_at, recorded_at, workspace_id,
			mission_id, room_id, thread_id, run_id, step_id,
			actor_type, actor_id, actor_principal_id,
			zone, stream_type, stream_id, stream_seq,
			correlation_id, causation_id,
			redaction_level, contains_secrets,
			policy_context, model_context, display, data,
			idempotency_key, prev_event_hash, event_hash
		FROM evt_events
		WHERE stream_type = $1 AND stream_id = $2
		ORDER BY stream_seq ASC
		LIMIT $3
	`, streamType, streamID, limit)
	if err != nil {
		return Result{}, fmt.Errorf("audit: query events: %w", err)
	}
	defer rows.Close()

	var (
		result   Result
		expected string // expected prev_event_hash for the next row; "" means null
	)

	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return Result{}, err
		}

		gotPrev := ""
		if env.PrevEventHash != nil {
			gotPrev = *env.PrevEventHash
		}
		result.Checked++

		if gotPrev != expected {
			result.FirstMismatch = &Mismatch{StreamSeq: env.Stream.StreamSeq, Kind: MismatchPrevHash}
			return result, nil
		}
		if env.EventHash == "" {
			result.FirstMismatch = &Mismatch{StreamSeq: env.Stream.StreamSeq, Kind: MismatchHashGap}
			return result, nil
		}

		recomputed, err := hashchain.Hash(env.ForHash(), gotPrev)
		if err != nil {
			return Result{}, fmt.Errorf("audit: recompute hash: %w", err)
		}
		if recomputed != env.EventHash {
			result.FirstMismatch = &Mismatch{StreamSeq: env.Stream.StreamSeq, Kind: MismatchHash}
			return result, nil
		}

		expected = env.EventHash
		result.LastEventHash = env.EventHash
	}
	if err := rows.Err(); err != nil {
		return Result{}, fmt.Errorf("audit: iterate events: %w", err)
	}

	result.Valid = result.FirstMismatch == nil
	return result, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEnvelope(row scanner) (eventmodel.Envelope, error) {
	var env eventmodel.Envelope
	var policyContext, modelContext, display, data []byte

	err := row.Scan(
		&env.EventID, &env.EventType, &env.EventVersion, &env.OccurredAt, &env.RecordedAt, &env.WorkspaceID,
		&env.MissionID, &env.RoomID, &env.ThreadID, &env.RunID, &env.StepID,
		&env.Actor.ActorType, &env.Actor.ActorID, &env.ActorPrincipalID,
		&env.Zone, &env.Stream.StreamType, &env.Stream.StreamID, &env.Stream.StreamSeq,
		&env.CorrelationID, &env.CausationID,
		&env.RedactionLevel, &env.ContainsSecrets,
		&policyContext, &modelContext, &display, &data,
		&env.IdempotencyKey, &env.PrevEventHash, &env.EventHash,
	)
	if err != nil {
		return eventmodel.Envelope{}, fmt.Errorf("audit: scan event row: %w", err)
	}

	for _, pair := range []struct {
		raw  []byte
		dest *map[string]any
	}{
		{policyContext, &env.PolicyContext},
		{modelContext, &env.ModelContext},
		{display, &env.Display},
		{data, &env.Data},
	} {
		if len(pair.raw) == 0 {
			continue
		}
		if err := unmarshalJSONB(pair.raw, pair.dest); err != nil {
			return eventmodel.Envelope{}, err
		}
	}
	return env, nil
}
