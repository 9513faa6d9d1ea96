// Package sweep runs periodic background reclamation: expired work-item
// leases and the projector dead-letter queue (spec.md §9 design note:
// "attach a durable needs-reprojection queue keyed by event_id"). It is
// adapted from the teacher's queue.WorkerPool orphan-detection loop — a
// ticker plus a stop channel, all operations idempotent so every replica
// can run it independently.
package sweep

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentops/controlplane/pkg/eventmodel"
	"github.com/agentops/controlplane/pkg/projections"
)

// Config controls sweep cadence.
type Config struct {
	LeaseReapInterval time.Duration
	DLQRetryInterval  time.Duration
	DLQBatchSize      int
}

// DefaultConfig mirrors the teacher's modest polling cadences.
func DefaultConfig() Config {
	return Config{
		LeaseReapInterval: 30 * time.Second,
		DLQRetryInterval:  time.Minute,
		DLQBatchSize:      50,
	}
}

// Sweeper periodically reclaims expired leases and retries failed
// projections.
type Sweeper struct {
	pool   *pgxpool.Pool
	cfg    Config
	stopCh chan struct{}
	stop   sync.Once
	wg     sync.WaitGroup
}

// New constructs a Sweeper.
func New(pool *pgxpool.Pool, cfg Config) *Sweeper {
	return &Sweeper{pool: pool, cfg: cfg, stopCh: make(chan struct{})}
}

// Start launches the lease-reap and DLQ-retry loops. Safe to call once;
// call Stop to shut both down.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(2)
	go s.runLeaseReap(ctx)
	go s.runDLQRetry(ctx)
}

// Stop signals both loops to exit and waits for them.
func (s *Sweeper) Stop() {
	s.stop.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Sweeper) runLeaseReap(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.LeaseReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			n, err := s.ReapExpiredLeases(ctx)
			if err != nil {
				slog.Error("sweep: lease reap failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("sweep: reaped expired leases", "count", n)
			}
		}
	}
}

// ReapExpiredLeases deletes leases past their expires_at and returns the
// count removed. Deletion is idempotent: an expired lease confers no
// rights (spec.md §4.2 step 7), so removing it early changes nothing
// observable except freeing the absent-lease warning path sooner.
// Exported so tests can drive one pass synchronously.
func (s *Sweeper) ReapExpiredLeases(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM work_item_leases WHERE expires_at < now()`)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Sweeper) runDLQRetry(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.DLQRetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			n, err := s.RetryFailedProjections(ctx)
			if err != nil {
				slog.Error("sweep: DLQ retry failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("sweep: reprocessed failed projections", "count", n)
			}
		}
	}
}

// RetryFailedProjections re-applies one batch of pending proj_failures
// entries and returns how many succeeded. Each projector is idempotent
// with respect to event_id (spec.md §4.4), so a retry that fails again
// simply leaves the row pending for the next pass.
func (s *Sweeper) RetryFailedProjections(ctx context.Context) (int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, event_type, event_version, occurred_at, recorded_at, workspace_id,
			mission_id, room_id, thread_id, run_id, step_id,
			actor_type, actor_id, actor_principal_id,
			zone, stream_type, stream_id, stream_seq,
			correlation_id, causation_id,
			redaction_level, contains_secrets,
			policy_context, model_context, display, data,
			idempotency_key, prev_event_hash, event_hash
		FROM evt_events
		WHERE event_id IN (
			SELECT event_id FROM proj_failures WHERE reprocessed_at IS NULL LIMIT $1
		)
		ORDER BY stream_seq ASC
	`, s.cfg.DLQBatchSize)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var envs []eventmodel.Envelope
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return 0, err
		}
		envs = append(envs, env)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	reprocessed := 0
	for _, env := range envs {
		if err := projections.Apply(ctx, s.pool, env); err != nil {
			slog.Warn("sweep: projection retry still failing", "event_id", env.EventID, "error", err)
			continue
		}
		if _, err := s.pool.Exec(ctx, `
			UPDATE proj_failures SET reprocessed_at = now() WHERE event_id = $1
		`, env.EventID); err != nil {
			return reprocessed, err
		}
		reprocessed++
	}
	return reprocessed, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanEnvelope mirrors pkg/audit's row-to-envelope reconstruction; kept as
// a private copy rather than an exported audit helper since the two
// packages scan for different purposes (verification vs. reprocessing).
func scanEnvelope(row rowScanner) (eventmodel.Envelope, error) {
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
		return eventmodel.Envelope{}, fmt.Errorf("sweep: scan event row: %w", err)
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
		if err := json.Unmarshal(pair.raw, pair.dest); err != nil {
			return eventmodel.Envelope{}, fmt.Errorf("sweep: unmarshal jsonb column: %w", err)
		}
	}
	return env, nil
}
