// Package pipeline implements the six-stage work-pipeline read API:
// classification into buckets, the failed-run triage predicate, and the
// cross-bucket watermark computation (spec.md §4.5).
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Stage names, in the fixed order spec.md §4.5 enumerates them.
const (
	Stage1Inbox             = "1_inbox"
	Stage2PendingApproval   = "2_pending_approval"
	Stage3ExecuteWorkspace  = "3_execute_workspace"
	Stage4ReviewEvidence    = "4_review_evidence"
	Stage5Promoted          = "5_promoted"
	Stage6Demoted           = "6_demoted"
)

// DefaultLimit and MaxLimit bound the per-stage fetch (spec.md §4.5: "1-500, default 200").
const (
	DefaultLimit = 200
	MaxLimit     = 500
)

// Item is one row in a pipeline bucket.
type Item struct {
	EntityID    string
	Status      string
	UpdatedAt   time.Time
	LastEventID string
}

// Bucket holds a stage's items, truncated to the requested limit.
type Bucket struct {
	Stage     string
	Items     []Item
	Truncated bool
}

// Result is the six-bucket read result plus the cross-bucket watermark.
type Result struct {
	Buckets         map[string]Bucket
	WatermarkEventID string
}

// triageErrorCodes are the error codes that force a failed run into review
// regardless of incident linkage (spec.md §4.5).
var triageErrorCodes = []string{
	"policy_denied",
	"approval_required",
	"permission_denied",
	"external_write_kill_switch",
}

var triageCodes = func() map[string]bool {
	m := make(map[string]bool, len(triageErrorCodes))
	for _, c := range triageErrorCodes {
		m[c] = true
	}
	return m
}()

// triageSQL is the SQL-side mirror of Triage, used so the review/demoted
// queries can each select and LIMIT their own bucket independently instead
// of splitting one shared-window scan in Go (spec.md §4.5: "for each
// bucket, fetch limit+1 rows" — a combined scan can starve whichever
// bucket is underrepresented in the fetched window).
const triageSQL = `(
	EXISTS (
		SELECT 1 FROM proj_incidents i
		WHERE i.status = 'open' AND (i.run_id = r.run_id OR i.correlation_id = r.correlation_id)
	)
	OR r.error_code = ANY($2)
	OR r.error_kind = 'policy'
)`

// Fetch implements spec.md §4.5: six fixed buckets, limit+1 fetch with
// truncation, and the cross-stage watermark.
func Fetch(ctx context.Context, pool *pgxpool.Pool, workspaceID string, limit int) (Result, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	buckets := map[string]Bucket{
		Stage1Inbox:    {Stage: Stage1Inbox},
		Stage5Promoted: {Stage: Stage5Promoted},
	}

	approvals, err := fetchApprovals(ctx, pool, workspaceID, limit)
	if err != nil {
		return Result{}, err
	}
	buckets[Stage2PendingApproval] = approvals

	execRuns, err := fetchExecuteWorkspace(ctx, pool, workspaceID, limit)
	if err != nil {
		return Result{}, err
	}
	buckets[Stage3ExecuteWorkspace] = execRuns

	review, err := fetchReviewEvidence(ctx, pool, workspaceID, limit)
	if err != nil {
		return Result{}, err
	}
	buckets[Stage4ReviewEvidence] = review

	demoted, err := fetchDemoted(ctx, pool, workspaceID, limit)
	if err != nil {
		return Result{}, err
	}
	buckets[Stage6Demoted] = demoted

	watermark := computeWatermark(buckets)

	return Result{Buckets: buckets, WatermarkEventID: watermark}, nil
}

func fetchApprovals(ctx context.Context, pool *pgxpool.Pool, workspaceID string, limit int) (Bucket, error) {
	rows, err := pool.Query(ctx, `
		SELECT approval_id, status, updated_at, last_event_id
		FROM proj_approvals
		WHERE workspace_id = $1 AND status IN ('pending', 'held')
		ORDER BY updated_at DESC
		LIMIT $2
	`, workspaceID, limit+1)
	if err != nil {
		return Bucket{}, fmt.Errorf("pipeline: fetch approvals: %w", err)
	}
	defer rows.Close()
	return collectBucket(Stage2PendingApproval, rows, limit)
}

func fetchExecuteWorkspace(ctx context.Context, pool *pgxpool.Pool, workspaceID string, limit int) (Bucket, error) {
	rows, err := pool.Query(ctx, `
		SELECT run_id, status, updated_at, last_event_id
		FROM proj_runs
		WHERE workspace_id = $1 AND status IN ('queued', 'running')
		ORDER BY updated_at DESC
		LIMIT $2
	`, workspaceID, limit+1)
	if err != nil {
		return Bucket{}, fmt.Errorf("pipeline: fetch execute_workspace: %w", err)
	}
	defer rows.Close()
	return collectBucket(Stage3ExecuteWorkspace, rows, limit)
}

// fetchReviewEvidence selects stage 4: succeeded runs, plus failed runs
// matching the triage predicate (spec.md §4.5). It fetches its own
// limit+1 window independently of fetchDemoted's.
func fetchReviewEvidence(ctx context.Context, pool *pgxpool.Pool, workspaceID string, limit int) (Bucket, error) {
	rows, err := pool.Query(ctx, `
		SELECT r.run_id, r.status, r.updated_at, r.last_event_id
		FROM proj_runs r
		WHERE r.workspace_id = $1 AND (
			r.status = 'succeeded'
			OR (r.status = 'failed' AND `+triageSQL+`)
		)
		ORDER BY r.updated_at DESC
		LIMIT $3
	`, workspaceID, triageErrorCodes, limit+1)
	if err != nil {
		return Bucket{}, fmt.Errorf("pipeline: fetch review_evidence: %w", err)
	}
	defer rows.Close()
	return collectBucket(Stage4ReviewEvidence, rows, limit)
}

// fetchDemoted selects stage 6: failed runs NOT matching the triage
// predicate (spec.md §4.5). Its own independent limit+1 window, so a
// triage-dominated result set never starves this bucket's truncation.
func fetchDemoted(ctx context.Context, pool *pgxpool.Pool, workspaceID string, limit int) (Bucket, error) {
	rows, err := pool.Query(ctx, `
		SELECT r.run_id, r.status, r.updated_at, r.last_event_id
		FROM proj_runs r
		WHERE r.workspace_id = $1 AND r.status = 'failed' AND NOT `+triageSQL+`
		ORDER BY r.updated_at DESC
		LIMIT $3
	`, workspaceID, triageErrorCodes, limit+1)
	if err != nil {
		return Bucket{}, fmt.Errorf("pipeline: fetch demoted: %w", err)
	}
	defer rows.Close()
	return collectBucket(Stage6Demoted, rows, limit)
}

// Triage implements spec.md §4.5's failed-run triage predicate: a failed
// run routes to review iff it has an open incident linked by run_id or
// correlation_id, or its error code/kind marks it policy-relevant.
func Triage(hasOpenIncident bool, errorCode, errorKind string) bool {
	return hasOpenIncident || triageCodes[errorCode] || errorKind == "policy"
}

func collectBucket(stage string, rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}, limit int) (Bucket, error) {
	var items []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.EntityID, &it.Status, &it.UpdatedAt, &it.LastEventID); err != nil {
			return Bucket{}, fmt.Errorf("pipeline: scan %s row: %w", stage, err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return Bucket{}, fmt.Errorf("pipeline: iterate %s rows: %w", stage, err)
	}
	return truncateBucket(stage, items, limit), nil
}

func truncateBucket(stage string, items []Item, limit int) Bucket {
	truncated := len(items) > limit
	if truncated {
		items = items[:limit]
	}
	return Bucket{Stage: stage, Items: items, Truncated: truncated}
}

// computeWatermark returns the last_event_id of the most recently updated
// item across stages 2, 3, 4 and 6, ties broken by lexicographically
// smallest entity_id (spec.md §4.5).
func computeWatermark(buckets map[string]Bucket) string {
	var (
		best       Item
		haveBest   bool
		watermarkOf = []string{Stage2PendingApproval, Stage3ExecuteWorkspace, Stage4ReviewEvidence, Stage6Demoted}
	)
	for _, stage := range watermarkOf {
		for _, item := range buckets[stage].Items {
			switch {
			case !haveBest:
				best, haveBest = item, true
			case item.UpdatedAt.After(best.UpdatedAt):
				best = item
			case item.UpdatedAt.Equal(best.UpdatedAt) && item.EntityID < best.EntityID:
				best = item
			}
		}
	}
	if !haveBest {
		return ""
	}
	return best.LastEventID
}
