// Package syswarn records non-fatal operational warnings the core surfaces
// to operators. pkg/api records missing-lease writes (spec.md §4.2 step 7c)
// and failed standalone event appends (filed under KindProjectorFailed).
// KindStreakReset is defined but nothing records it, and projector failures
// go to proj_failures rather than here.
// Unlike the teacher's in-memory SystemWarningsService, warnings here are
// persisted to sys_warnings so they survive a restart and can be queried
// per workspace.
package syswarn

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentops/controlplane/pkg/ids"
)

// Kind categorizes a warning the way the teacher's warning Category field
// does.
type Kind string

const (
	KindMissingLease    Kind = "missing_lease"
	KindProjectorFailed Kind = "projector_failed"
	KindStreakReset     Kind = "rate_limit_streak_reset"
)

// Warning is a recorded operational warning.
type Warning struct {
	WarningID   string
	WorkspaceID string
	Kind        Kind
	Details     map[string]any
	CreatedAt   time.Time
}

// Recorder persists warnings to sys_warnings.
type Recorder struct {
	pool  *pgxpool.Pool
	clock ids.Clock
}

// New constructs a Recorder.
func New(pool *pgxpool.Pool, clock ids.Clock) *Recorder {
	return &Recorder{pool: pool, clock: clock}
}

// Record persists a new warning and returns its ID.
func (r *Recorder) Record(ctx context.Context, workspaceID string, kind Kind, details map[string]any) (string, error) {
	var raw []byte
	if details != nil {
		var err error
		raw, err = json.Marshal(details)
		if err != nil {
			return "", fmt.Errorf("syswarn: marshal details: %w", err)
		}
	}

	warningID := ids.New(ids.PrefixWarning)
	_, err := r.pool.Exec(ctx, `
		INSERT INTO sys_warnings (warning_id, workspace_id, kind, details, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, warningID, workspaceID, string(kind), raw, r.clock.Now())
	if err != nil {
		return "", fmt.Errorf("syswarn: record: %w", err)
	}
	return warningID, nil
}

// List returns the most recent warnings for a workspace, newest first.
func (r *Recorder) List(ctx context.Context, workspaceID string, limit int) ([]Warning, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT warning_id, workspace_id, kind, details, created_at
		FROM sys_warnings
		WHERE workspace_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("syswarn: list: %w", err)
	}
	defer rows.Close()

	var out []Warning
	for rows.Next() {
		var w Warning
		var raw []byte
		var kind string
		if err := rows.Scan(&w.WarningID, &w.WorkspaceID, &kind, &raw, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("syswarn: scan: %w", err)
		}
		w.Kind = Kind(kind)
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &w.Details); err != nil {
				return nil, fmt.Errorf("syswarn: unmarshal details: %w", err)
			}
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
