// Package projections holds the pure, idempotent reducers that maintain
// read-optimized materializations from the event log (spec.md §4.4).
package projections

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentops/controlplane/pkg/eventmodel"
)

// ErrIncidentNotClosable is returned when incident.closed is rejected
// because its RCA/learning preconditions are unmet (spec.md §4.4).
var ErrIncidentNotClosable = errors.New("projections: incident.closed rejected: rca or learning precondition unmet")

// Event types the reducers switch on. Only the subset this kernel
// materializes; callers may append and never project other types.
const (
	EventRunQueued             = "run.queued"
	EventRunStarted            = "run.started"
	EventRunSucceeded          = "run.succeeded"
	EventRunFailed             = "run.failed"
	EventStepStarted           = "step.started"
	EventStepSucceeded         = "step.succeeded"
	EventStepFailed            = "step.failed"
	EventToolCallStarted       = "tool_call.started"
	EventToolCallSucceeded     = "tool_call.succeeded"
	EventToolCallFailed        = "tool_call.failed"
	EventArtifactCreated       = "artifact.created"
	EventScorecardComputed     = "scorecard.computed"
	EventLessonLogged          = "lesson.logged"
	EventIncidentOpened        = "incident.opened"
	EventIncidentLearningLog   = "incident.learning.logged"
	EventIncidentRCAUpdated    = "incident.rca.updated"
	EventIncidentCloseRequested = "incident.closed"
	EventApprovalRequested     = "approval.requested"
	EventApprovalHeld          = "approval.held"
	EventApprovalApproved      = "approval.approved"
	EventApprovalRejected      = "approval.rejected"
	EventEvidenceManifestBuilt = "evidence.manifest.built"
	EventSkillPackageRecorded  = "skill.package.recorded"
)

// Apply dispatches an envelope to the reducer for its event type. Unknown
// event types are a no-op: not every event needs a projection.
func Apply(ctx context.Context, pool *pgxpool.Pool, env eventmodel.Envelope) error {
	switch env.EventType {
	case EventRunQueued:
		return upsertRunStatus(ctx, pool, env, "queued")
	case EventRunStarted:
		return upsertRunStatus(ctx, pool, env, "running")
	case EventRunSucceeded:
		return upsertRunStatus(ctx, pool, env, "succeeded")
	case EventRunFailed:
		return applyRunFailed(ctx, pool, env)
	case EventStepStarted:
		return upsertStepStatus(ctx, pool, env, "running")
	case EventStepSucceeded:
		return upsertStepStatus(ctx, pool, env, "succeeded")
	case EventStepFailed:
		return upsertStepStatus(ctx, pool, env, "failed")
	case EventToolCallStarted:
		return upsertToolCallStatus(ctx, pool, env, "running")
	case EventToolCallSucceeded:
		return upsertToolCallStatus(ctx, pool, env, "succeeded")
	case EventToolCallFailed:
		return upsertToolCallStatus(ctx, pool, env, "failed")
	case EventArtifactCreated:
		return applyArtifactCreated(ctx, pool, env)
	case EventScorecardComputed:
		return applyScorecardComputed(ctx, pool, env)
	case EventLessonLogged:
		return applyLessonLogged(ctx, pool, env)
	case EventIncidentOpened:
		return applyIncidentOpened(ctx, pool, env)
	case EventIncidentLearningLog:
		return applyIncidentLearningLogged(ctx, pool, env)
	case EventIncidentRCAUpdated:
		return applyIncidentRCAUpdated(ctx, pool, env)
	case EventIncidentCloseRequested:
		return applyIncidentClosed(ctx, pool, env)
	case EventApprovalRequested:
		return upsertApprovalStatus(ctx, pool, env, "pending")
	case EventApprovalHeld:
		return upsertApprovalStatus(ctx, pool, env, "held")
	case EventApprovalApproved:
		return upsertApprovalStatus(ctx, pool, env, "approved")
	case EventApprovalRejected:
		return upsertApprovalStatus(ctx, pool, env, "rejected")
	case EventEvidenceManifestBuilt:
		return applyEvidenceManifestBuilt(ctx, pool, env)
	case EventSkillPackageRecorded:
		return applySkillPackageRecorded(ctx, pool, env)
	default:
		return nil
	}
}

// projectorName is the projector label in the proj_failures key; Apply
// dispatches every event type, so all failures share this one name (spec.md §9 design note (a): "a durable
// needs-reprojection queue keyed by event_id").
const projectorName = "projections.Apply"

// ApplyOrEnqueue applies the reducer for env and, on failure, records a
// proj_failures row so pkg/sweep's DLQ retry loop can reprocess it later.
// Projector failures never roll back the event append (spec.md §5:
// "a projector failure is logged but does not roll back the append"); this
// is the seam that turns that logged failure into a durable retry target.
func ApplyOrEnqueue(ctx context.Context, pool *pgxpool.Pool, env eventmodel.Envelope) error {
	applyErr := Apply(ctx, pool, env)
	if applyErr == nil {
		return nil
	}
	_, enqueueErr := pool.Exec(ctx, `
		INSERT INTO proj_failures (event_id, projector_name, stream_type, stream_id, stream_seq, error_message)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id, projector_name) DO NOTHING
	`, env.EventID, projectorName, env.Stream.StreamType, env.Stream.StreamID, env.Stream.StreamSeq, applyErr.Error())
	if enqueueErr != nil {
		return fmt.Errorf("projections: enqueue failure for %s after apply error %q: %w", env.EventID, applyErr.Error(), enqueueErr)
	}
	return applyErr
}

func strField(data map[string]any, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func upsertRunStatus(ctx context.Context, pool *pgxpool.Pool, env eventmodel.Envelope, status string) error {
	if env.RunID == nil {
		return fmt.Errorf("projections: %s missing run_id", env.EventType)
	}
	_, err := pool.Exec(ctx, `
		INSERT INTO proj_runs (run_id, workspace_id, status, correlation_id, last_event_id, last_stream_seq, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (run_id) DO UPDATE SET
			status = EXCLUDED.status,
			last_event_id = EXCLUDED.last_event_id,
			last_stream_seq = EXCLUDED.last_stream_seq,
			updated_at = EXCLUDED.updated_at
		WHERE proj_runs.last_stream_seq < EXCLUDED.last_stream_seq
	`, *env.RunID, env.WorkspaceID, status, env.CorrelationID, env.EventID, env.Stream.StreamSeq, env.RecordedAt)
	if err != nil {
		return fmt.Errorf("projections: upsert run status: %w", err)
	}
	return nil
}

func applyRunFailed(ctx context.Context, pool *pgxpool.Pool, env eventmodel.Envelope) error {
	if env.RunID == nil {
		return fmt.Errorf("projections: run.failed missing run_id")
	}
	errorCode := strField(env.Data, "error_code")
	errorKind := strField(env.Data, "error_kind")
	_, err := pool.Exec(ctx, `
		INSERT INTO proj_runs (run_id, workspace_id, status, error_code, error_kind, correlation_id, last_event_id, last_stream_seq, created_at, updated_at)
		VALUES ($1, $2, 'failed', $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (run_id) DO UPDATE SET
			status = 'failed',
			error_code = EXCLUDED.error_code,
			error_kind = EXCLUDED.error_kind,
			last_event_id = EXCLUDED.last_event_id,
			last_stream_seq = EXCLUDED.last_stream_seq,
			updated_at = EXCLUDED.updated_at
		WHERE proj_runs.last_stream_seq < EXCLUDED.last_stream_seq
	`, *env.RunID, env.WorkspaceID, errorCode, errorKind, env.CorrelationID, env.EventID, env.Stream.StreamSeq, env.RecordedAt)
	if err != nil {
		return fmt.Errorf("projections: apply run.failed: %w", err)
	}
	return nil
}

func upsertStepStatus(ctx context.Context, pool *pgxpool.Pool, env eventmodel.Envelope, status string) error {
	if env.StepID == nil || env.RunID == nil {
		return fmt.Errorf("projections: %s missing step_id/run_id", env.EventType)
	}
	_, err := pool.Exec(ctx, `
		INSERT INTO proj_steps (step_id, run_id, workspace_id, status, correlation_id, last_event_id, last_stream_seq, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (step_id) DO UPDATE SET
			status = EXCLUDED.status,
			last_event_id = EXCLUDED.last_event_id,
			last_stream_seq = EXCLUDED.last_stream_seq,
			updated_at = EXCLUDED.updated_at
		WHERE proj_steps.last_stream_seq < EXCLUDED.last_stream_seq
	`, *env.StepID, *env.RunID, env.WorkspaceID, status, env.CorrelationID, env.EventID, env.Stream.StreamSeq, env.RecordedAt)
	if err != nil {
		return fmt.Errorf("projections: upsert step status: %w", err)
	}
	return nil
}

func upsertToolCallStatus(ctx context.Context, pool *pgxpool.Pool, env eventmodel.Envelope, status string) error {
	toolCallID := strField(env.Data, "tool_call_id")
	if toolCallID == "" {
		return fmt.Errorf("projections: %s missing data.tool_call_id", env.EventType)
	}
	_, err := pool.Exec(ctx, `
		INSERT INTO proj_tool_calls (tool_call_id, workspace_id, run_id, step_id, status, last_event_id, last_stream_seq, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (tool_call_id) DO UPDATE SET
			status = EXCLUDED.status,
			last_event_id = EXCLUDED.last_event_id,
			last_stream_seq = EXCLUDED.last_stream_seq,
			updated_at = EXCLUDED.updated_at
		WHERE proj_tool_calls.last_stream_seq < EXCLUDED.last_stream_seq
	`, toolCallID, env.WorkspaceID, env.RunID, env.StepID, status, env.EventID, env.Stream.StreamSeq, env.RecordedAt)
	if err != nil {
		return fmt.Errorf("projections: upsert tool_call status: %w", err)
	}
	return nil
}

func applyArtifactCreated(ctx context.Context, pool *pgxpool.Pool, env eventmodel.Envelope) error {
	artifactID := strField(env.Data, "artifact_id")
	objectKey := strField(env.Data, "object_key")
	if artifactID == "" {
		return fmt.Errorf("projections: artifact.created missing data.artifact_id")
	}
	_, err := pool.Exec(ctx, `
		INSERT INTO proj_artifacts (artifact_id, workspace_id, object_key, last_event_id, last_stream_seq, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (artifact_id) DO NOTHING
	`, artifactID, env.WorkspaceID, objectKey, env.EventID, env.Stream.StreamSeq, env.RecordedAt)
	if err != nil {
		return fmt.Errorf("projections: apply artifact.created: %w", err)
	}
	return nil
}

// applyEvidenceManifestBuilt materializes proj_evidence_manifests, the
// review-evidence bundle a run's audit/review consumers read from
// (spec.md §3's authoritative projection set).
func applyEvidenceManifestBuilt(ctx context.Context, pool *pgxpool.Pool, env eventmodel.Envelope) error {
	manifestID := strField(env.Data, "manifest_id")
	if manifestID == "" {
		return fmt.Errorf("projections: evidence.manifest.built missing data.manifest_id")
	}
	_, err := pool.Exec(ctx, `
		INSERT INTO proj_evidence_manifests (manifest_id, workspace_id, run_id, last_event_id, last_stream_seq, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (manifest_id) DO NOTHING
	`, manifestID, env.WorkspaceID, env.RunID, env.EventID, env.Stream.StreamSeq, env.RecordedAt)
	if err != nil {
		return fmt.Errorf("projections: apply evidence.manifest.built: %w", err)
	}
	return nil
}

// applySkillPackageRecorded appends one row to proj_skills_ledger, the
// survival-ledger/skills-package materialization spec.md §2 names alongside
// the other named projectors. Unlike the upsert-by-entity reducers above,
// the ledger is append-only: each event is its own entry, keyed by
// (skill_package_id, entry_kind, last_event_id), so a re-applied event is
// naturally idempotent via ON CONFLICT DO NOTHING rather than a stream_seq
// comparison.
func applySkillPackageRecorded(ctx context.Context, pool *pgxpool.Pool, env eventmodel.Envelope) error {
	skillPackageID := strField(env.Data, "skill_package_id")
	entryKind := strField(env.Data, "entry_kind")
	if skillPackageID == "" || entryKind == "" {
		return fmt.Errorf("projections: skill.package.recorded missing data.skill_package_id/entry_kind")
	}
	_, err := pool.Exec(ctx, `
		INSERT INTO proj_skills_ledger (skill_package_id, workspace_id, entry_kind, last_event_id, last_stream_seq, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (skill_package_id, entry_kind, last_event_id) DO NOTHING
	`, skillPackageID, env.WorkspaceID, entryKind, env.EventID, env.Stream.StreamSeq, env.RecordedAt)
	if err != nil {
		return fmt.Errorf("projections: apply skill.package.recorded: %w", err)
	}
	return nil
}

func applyLessonLogged(ctx context.Context, pool *pgxpool.Pool, env eventmodel.Envelope) error {
	lessonID := strField(env.Data, "lesson_id")
	summary := strField(env.Data, "summary")
	if lessonID == "" {
		return fmt.Errorf("projections: lesson.logged missing data.lesson_id")
	}
	var incidentID *string
	if env.MissionID != nil {
		incidentID = env.MissionID
	}
	_, err := pool.Exec(ctx, `
		INSERT INTO proj_lessons (lesson_id, workspace_id, incident_id, summary, last_event_id, last_stream_seq, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (lesson_id) DO NOTHING
	`, lessonID, env.WorkspaceID, incidentID, summary, env.EventID, env.Stream.StreamSeq, env.RecordedAt)
	if err != nil {
		return fmt.Errorf("projections: apply lesson.logged: %w", err)
	}
	return nil
}

func applyIncidentOpened(ctx context.Context, pool *pgxpool.Pool, env eventmodel.Envelope) error {
	incidentID := strField(env.Data, "incident_id")
	if incidentID == "" {
		return fmt.Errorf("projections: incident.opened missing data.incident_id")
	}
	_, err := pool.Exec(ctx, `
		INSERT INTO proj_incidents (incident_id, workspace_id, run_id, correlation_id, status, last_event_id, last_stream_seq, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'open', $5, $6, $7, $7)
		ON CONFLICT (incident_id) DO NOTHING
	`, incidentID, env.WorkspaceID, env.RunID, env.CorrelationID, env.EventID, env.Stream.StreamSeq, env.RecordedAt)
	if err != nil {
		return fmt.Errorf("projections: apply incident.opened: %w", err)
	}
	return nil
}

// applyIncidentLearningLogged updates proj_incidents.learning_count, the
// only writer permitted to touch it (spec.md §4.4).
func applyIncidentLearningLogged(ctx context.Context, pool *pgxpool.Pool, env eventmodel.Envelope) error {
	incidentID := strField(env.Data, "incident_id")
	lessonID := strField(env.Data, "lesson_id")
	if incidentID == "" || lessonID == "" {
		return fmt.Errorf("projections: incident.learning.logged missing incident_id/lesson_id")
	}
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("projections: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO proj_incident_learning (incident_id, lesson_id, logged_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (incident_id, lesson_id) DO NOTHING
	`, incidentID, lessonID, env.RecordedAt)
	if err != nil {
		return fmt.Errorf("projections: insert incident_learning: %w", err)
	}
	if tag.RowsAffected() > 0 {
		_, err = tx.Exec(ctx, `
			UPDATE proj_incidents SET
				learning_count = learning_count + 1,
				last_event_id = $2,
				last_stream_seq = $3,
				updated_at = $4
			WHERE incident_id = $1 AND last_stream_seq < $3
		`, incidentID, env.EventID, env.Stream.StreamSeq, env.RecordedAt)
		if err != nil {
			return fmt.Errorf("projections: increment learning_count: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// applyIncidentRCAUpdated is the only writer of proj_incidents.rca_updated_at
// (spec.md §4.4).
func applyIncidentRCAUpdated(ctx context.Context, pool *pgxpool.Pool, env eventmodel.Envelope) error {
	incidentID := strField(env.Data, "incident_id")
	if incidentID == "" {
		return fmt.Errorf("projections: incident.rca.updated missing data.incident_id")
	}
	_, err := pool.Exec(ctx, `
		UPDATE proj_incidents SET
			rca_updated_at = $2,
			last_event_id = $3,
			last_stream_seq = $4,
			updated_at = $2
		WHERE incident_id = $1 AND last_stream_seq < $4
	`, incidentID, env.RecordedAt, env.EventID, env.Stream.StreamSeq)
	if err != nil {
		return fmt.Errorf("projections: apply incident.rca.updated: %w", err)
	}
	return nil
}

// applyIncidentClosed enforces spec.md §4.4: incident.closed is rejected
// when rca_updated_at is null or learning_count < 1. Rejection here
// surfaces as ErrIncidentNotClosable to the caller of Apply; pkg/api has
// no route that maps it to an HTTP status.
func applyIncidentClosed(ctx context.Context, pool *pgxpool.Pool, env eventmodel.Envelope) error {
	incidentID := strField(env.Data, "incident_id")
	if incidentID == "" {
		return fmt.Errorf("projections: incident.closed missing data.incident_id")
	}
	var rcaUpdated bool
	var learningCount int
	err := pool.QueryRow(ctx, `
		SELECT rca_updated_at IS NOT NULL, learning_count FROM proj_incidents WHERE incident_id = $1
	`, incidentID).Scan(&rcaUpdated, &learningCount)
	if err != nil {
		return fmt.Errorf("projections: load incident for close: %w", err)
	}
	if !rcaUpdated || learningCount < 1 {
		return ErrIncidentNotClosable
	}
	_, err = pool.Exec(ctx, `
		UPDATE proj_incidents SET
			status = 'closed',
			last_event_id = $2,
			last_stream_seq = $3,
			updated_at = $4
		WHERE incident_id = $1 AND last_stream_seq < $3
	`, incidentID, env.EventID, env.Stream.StreamSeq, env.RecordedAt)
	if err != nil {
		return fmt.Errorf("projections: apply incident.closed: %w", err)
	}
	return nil
}

func upsertApprovalStatus(ctx context.Context, pool *pgxpool.Pool, env eventmodel.Envelope, status string) error {
	approvalID := strField(env.Data, "approval_id")
	if approvalID == "" {
		return fmt.Errorf("projections: %s missing data.approval_id", env.EventType)
	}
	_, err := pool.Exec(ctx, `
		INSERT INTO proj_approvals (approval_id, workspace_id, status, last_event_id, last_stream_seq, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (approval_id) DO UPDATE SET
			status = EXCLUDED.status,
			last_event_id = EXCLUDED.last_event_id,
			last_stream_seq = EXCLUDED.last_stream_seq,
			updated_at = EXCLUDED.updated_at
		WHERE proj_approvals.last_stream_seq < EXCLUDED.last_stream_seq
	`, approvalID, env.WorkspaceID, status, env.EventID, env.Stream.StreamSeq, env.RecordedAt)
	if err != nil {
		return fmt.Errorf("projections: upsert approval status: %w", err)
	}
	return nil
}
