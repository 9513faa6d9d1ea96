// Package lease owns work_item_leases: acquire / verify-and-mutate /
// release under row-level locks that are never waited on (spec.md §5).
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// WorkItemType enumerates the leasable work-item kinds. Run-typed items
// are never leased (spec.md §3).
type WorkItemType string

const (
	WorkItemApproval   WorkItemType = "approval"
	WorkItemExperiment WorkItemType = "experiment"
	WorkItemIncident   WorkItemType = "incident"
)

// ErrLockUnavailable names the FOR UPDATE NOWAIT lock conflict of spec.md
// §4.2 step 7(d). VerifyForWrite does not return it: it reports that case
// as the VerifyLockBusy outcome.
var ErrLockUnavailable = errors.New("lease: row lock unavailable")

// Lease is a live or expired work-item lease row.
type Lease struct {
	WorkspaceID  string
	WorkItemType WorkItemType
	WorkItemID   string
	AgentID      string
	ExpiresAt    time.Time
	Version      int64
}

// IsLive reports whether the lease has not yet expired at the given instant.
func (l Lease) IsLive(now time.Time) bool {
	return l.ExpiresAt.After(now)
}

// VerifyOutcome enumerates the four outcomes of spec.md §4.2 step 7.
type VerifyOutcome string

const (
	VerifyHeldByCaller VerifyOutcome = "held_by_caller"
	VerifyPreempted    VerifyOutcome = "preempted"
	VerifyAbsent       VerifyOutcome = "absent"
	VerifyLockBusy     VerifyOutcome = "lock_busy"
)

// Querier is satisfied by pgx.Tx; lease verification always runs inside the
// caller's write transaction so the row lock is held through the append.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// VerifyForWrite implements spec.md §4.2 step 7: SELECT ... FOR UPDATE
// NOWAIT on the lease row, classified into the four outcomes the intake
// pipeline dispatches on.
func VerifyForWrite(ctx context.Context, tx Querier, workspaceID string, workItemType WorkItemType, workItemID, callerAgentID string, now time.Time) (VerifyOutcome, Lease, error) {
	var l Lease
	err := tx.QueryRow(ctx, `
		SELECT workspace_id, work_item_type, work_item_id, agent_id, expires_at, version
		FROM work_item_leases
		WHERE workspace_id = $1 AND work_item_type = $2 AND work_item_id = $3
		FOR UPDATE NOWAIT
	`, workspaceID, workItemType, workItemID).Scan(
		&l.WorkspaceID, &l.WorkItemType, &l.WorkItemID, &l.AgentID, &l.ExpiresAt, &l.Version,
	)
	switch {
	case err == nil:
		if l.AgentID == callerAgentID && l.IsLive(now) {
			return VerifyHeldByCaller, l, nil
		}
		return VerifyPreempted, l, nil
	case errors.Is(err, pgx.ErrNoRows):
		return VerifyAbsent, Lease{}, nil
	case isLockNotAvailable(err):
		return VerifyLockBusy, Lease{}, nil
	default:
		return "", Lease{}, fmt.Errorf("lease: verify: %w", err)
	}
}

// Acquire creates or refreshes a lease for an agent. pkg/intake does not
// call it; the intake pipeline only verifies and releases leases.
func Acquire(ctx context.Context, tx Querier, workspaceID string, workItemType WorkItemType, workItemID, agentID string, expiresAt time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO work_item_leases (workspace_id, work_item_type, work_item_id, agent_id, expires_at, version)
		VALUES ($1, $2, $3, $4, $5, 1)
		ON CONFLICT (workspace_id, work_item_type, work_item_id)
		DO UPDATE SET agent_id = EXCLUDED.agent_id, expires_at = EXCLUDED.expires_at,
			version = work_item_leases.version + 1
	`, workspaceID, workItemType, workItemID, agentID, expiresAt)
	if err != nil {
		return fmt.Errorf("lease: acquire: %w", err)
	}
	return nil
}

// ReleaseForTerminalIntent deletes the lease row for a work item whose
// owning message carries a resolve/reject intent (spec.md §4.2 step 9).
func ReleaseForTerminalIntent(ctx context.Context, tx Querier, workspaceID string, workItemType WorkItemType, workItemID string) error {
	_, err := tx.Exec(ctx, `
		DELETE FROM work_item_leases
		WHERE workspace_id = $1 AND work_item_type = $2 AND work_item_id = $3
	`, workspaceID, workItemType, workItemID)
	if err != nil {
		return fmt.Errorf("lease: release: %w", err)
	}
	return nil
}

// isLockNotAvailable reports whether err is Postgres error 55P03
// (lock_not_available), the code NOWAIT raises on contention.
func isLockNotAvailable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "55P03"
}
