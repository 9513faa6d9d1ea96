// Package intake implements the ten-step message-intake protocol of
// spec.md §4.2: POST /v1/messages, the most complicated write the core
// exposes. It wires together eventstore, lease, ratelimit and the
// projection layer behind a single ordered pipeline.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentops/controlplane/pkg/eventmodel"
	"github.com/agentops/controlplane/pkg/eventstore"
	"github.com/agentops/controlplane/pkg/hashchain"
	"github.com/agentops/controlplane/pkg/ids"
	"github.com/agentops/controlplane/pkg/lease"
	"github.com/agentops/controlplane/pkg/projections"
	"github.com/agentops/controlplane/pkg/ratelimit"
)

// Intent is the caller's declared purpose for a message.
type Intent string

const (
	IntentMessage   Intent = "message"
	IntentHeartbeat Intent = "heartbeat"
	IntentResolve   Intent = "resolve"
	IntentReject    Intent = "reject"
)

// MaxPayloadBytes is the inline payload ceiling (spec.md §4.2 inputs:
// "payload ≤8 KiB canonical JSON").
const MaxPayloadBytes = 8 * 1024

// SupportedSchemaVersions is the enumerated set of accepted schema_version
// values.
var SupportedSchemaVersions = map[string]bool{"1": true}

// PayloadRef points at an out-of-band artifact instead of an inline
// payload.
type PayloadRef struct {
	ObjectKey string
}

// WorkLinks names exactly one existing work item a message pertains to.
type WorkLinks struct {
	ApprovalID   *string
	ExperimentID *string
	IncidentID   *string
	RunID        *string
}

// resolve returns the single linked item's lease work-item type and ID, or
// isRun=true if the link targets a run (runs are never leased, spec.md §3).
func (w WorkLinks) resolve() (workItemType lease.WorkItemType, workItemID string, isRun bool) {
	switch {
	case w.ApprovalID != nil:
		return lease.WorkItemApproval, *w.ApprovalID, false
	case w.ExperimentID != nil:
		return lease.WorkItemExperiment, *w.ExperimentID, false
	case w.IncidentID != nil:
		return lease.WorkItemIncident, *w.IncidentID, false
	case w.RunID != nil:
		return "", *w.RunID, true
	default:
		return "", "", false
	}
}

func (w WorkLinks) empty() bool {
	return w.ApprovalID == nil && w.ExperimentID == nil && w.IncidentID == nil && w.RunID == nil
}

// Request is the body of POST /v1/messages (spec.md §4.2 inputs).
type Request struct {
	SchemaVersion  string
	FromAgentID    string
	RoomID         *string
	ThreadID       *string
	CorrelationID  *string
	Intent         Intent
	IdempotencyKey string
	Payload        map[string]any
	PayloadRef     *PayloadRef
	WorkLinks      *WorkLinks
}

// AuthContext is the request identity envelope resolved by the HTTP layer
// (spec.md §6): the workspace header and the authenticated principal.
type AuthContext struct {
	WorkspaceID string
	PrincipalID string
}

// ReasonCode is the authoritative error/status vocabulary of spec.md §4.2.
type ReasonCode string

const (
	ReasonUnsupportedVersion             ReasonCode = "unsupported_version"
	ReasonMissingWorkspaceHeader         ReasonCode = "missing_workspace_header"
	ReasonUnknownAgent                   ReasonCode = "unknown_agent"
	ReasonUnauthorizedWorkspace          ReasonCode = "unauthorized_workspace"
	ReasonMissingField                   ReasonCode = "missing_field"
	ReasonInvalidPayloadCombination      ReasonCode = "invalid_payload_combination"
	ReasonMissingWorkLink                ReasonCode = "missing_work_link"
	ReasonInvalidIntentForType           ReasonCode = "invalid_intent_for_type"
	ReasonPayloadTooLarge                ReasonCode = "payload_too_large"
	ReasonArtifactNotFound               ReasonCode = "artifact_not_found"
	ReasonStorageUnavailable             ReasonCode = "storage_unavailable"
	ReasonRateLimited                    ReasonCode = "rate_limited"
	ReasonHeartbeatRateLimited           ReasonCode = "heartbeat_rate_limited"
	ReasonLeaseExpiredOrPreempted        ReasonCode = "lease_expired_or_preempted"
	ReasonIdempotencyConflictUnresolved  ReasonCode = "idempotency_conflict_unresolved"
	ReasonDuplicateIdempotentReplay      ReasonCode = "duplicate_idempotent_replay"
	ReasonProjectionUnavailable          ReasonCode = "projection_unavailable"
	ReasonInternalError                  ReasonCode = "internal_error"
)

// HTTPStatus maps a reason code to the status the HTTP layer should send
// (spec.md §4.2 error taxonomy).
func HTTPStatus(r ReasonCode) int {
	switch r {
	case ReasonUnsupportedVersion, ReasonMissingField, ReasonInvalidPayloadCombination,
		ReasonMissingWorkLink, ReasonInvalidIntentForType:
		return 400
	case ReasonMissingWorkspaceHeader:
		return 401
	case ReasonUnknownAgent, ReasonUnauthorizedWorkspace, ReasonLeaseExpiredOrPreempted:
		return 403
	case ReasonPayloadTooLarge:
		return 413
	case ReasonArtifactNotFound:
		return 422
	case ReasonStorageUnavailable, ReasonProjectionUnavailable:
		return 503
	case ReasonRateLimited, ReasonHeartbeatRateLimited:
		return 429
	case ReasonIdempotencyConflictUnresolved:
		return 409
	case ReasonDuplicateIdempotentReplay:
		return 200
	default:
		return 500
	}
}

// Error is the {error:true, reason_code, reason, details} envelope of
// spec.md §6.
type Error struct {
	Reason  ReasonCode
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("intake: %s: %s", e.Reason, e.Message)
}

func fail(reason ReasonCode, message string, details map[string]any) *Error {
	return &Error{Reason: reason, Message: message, Details: details}
}

// Result is the success outcome of Intake.
type Result struct {
	MessageID           string
	IdempotentReplay     bool
	MissingLeaseWarning  bool
}

// ArtifactChecker performs the out-of-band HEAD existence check for
// payload_ref (spec.md §4.2 step 4, §6 object storage contract).
type ArtifactChecker interface {
	Exists(ctx context.Context, objectKey string) (bool, error)
}

// RoomLookup resolves the workspace-scoped room/thread cross-entity
// checks of spec.md §4.2 step 3 against the room/thread projections —
// those tables are replayable read models, not a second source of truth.
type RoomLookup interface {
	RoomWorkspace(ctx context.Context, roomID string) (workspaceID string, found bool, err error)
	ThreadRoom(ctx context.Context, threadID string) (roomID, workspaceID string, found bool, err error)
}

// AgentResolver maps an authenticated principal to an agent identity
// (spec.md §4.2 step 2) via sec_principals.
type AgentResolver interface {
	IsActiveAgent(ctx context.Context, principalID string) (bool, error)
}

// Service implements the ordered protocol of spec.md §4.2.
type Service struct {
	pool      *pgxpool.Pool
	store     *eventstore.Store
	limiter   *ratelimit.Limiter
	artifacts ArtifactChecker
	rooms     RoomLookup
	agents    AgentResolver
	clock     ids.Clock
}

// New constructs a Service from its collaborators.
func New(pool *pgxpool.Pool, store *eventstore.Store, limiter *ratelimit.Limiter, artifacts ArtifactChecker, rooms RoomLookup, agents AgentResolver, clock ids.Clock) *Service {
	return &Service{pool: pool, store: store, limiter: limiter, artifacts: artifacts, rooms: rooms, agents: agents, clock: clock}
}

// Intake runs the full ordered protocol of spec.md §4.2, aborting and
// reporting on the first failing step.
func (s *Service) Intake(ctx context.Context, auth AuthContext, req Request) (Result, error) {
	if auth.WorkspaceID == "" {
		return Result{}, fail(ReasonMissingWorkspaceHeader, "x-workspace-id header is required", nil)
	}

	// Step 1: schema & shape.
	if err := validateShape(req); err != nil {
		return Result{}, err
	}

	// Step 2: identity.
	if req.FromAgentID != auth.PrincipalID {
		return Result{}, fail(ReasonUnknownAgent, "from_agent_id must equal the authenticated principal", nil)
	}
	active, err := s.agents.IsActiveAgent(ctx, auth.PrincipalID)
	if err != nil {
		return Result{}, fail(ReasonInternalError, err.Error(), nil)
	}
	if !active {
		return Result{}, fail(ReasonUnknownAgent, "principal is not a known, active agent", nil)
	}

	// Step 3: cross-entity checks.
	if err := s.checkCrossEntity(ctx, auth.WorkspaceID, req); err != nil {
		return Result{}, err
	}

	// Step 4: artifact existence.
	if req.PayloadRef != nil {
		if err := s.checkArtifact(ctx, req.PayloadRef.ObjectKey); err != nil {
			return Result{}, err
		}
	}

	// Step 5: pre-tx idempotency probe.
	existing, existingAgent, found, err := s.probeIdempotency(ctx, auth.WorkspaceID, req.IdempotencyKey)
	if err != nil {
		return Result{}, fail(ReasonInternalError, err.Error(), nil)
	}
	if found {
		if existingAgent == req.FromAgentID {
			return Result{MessageID: existing, IdempotentReplay: true}, nil
		}
		return Result{}, fail(ReasonIdempotencyConflictUnresolved, "idempotency key already used by a different agent", nil)
	}

	// Step 6: rate limit.
	var experimentID *string
	if req.WorkLinks != nil {
		experimentID = req.WorkLinks.ExperimentID
	}
	allowed, err := s.limiter.Allow(ctx, auth.WorkspaceID, req.FromAgentID, ratelimit.ScopeMessages, experimentID)
	if err != nil {
		return Result{}, fail(ReasonInternalError, err.Error(), nil)
	}
	if !allowed {
		if req.Intent == IntentHeartbeat {
			return Result{}, fail(ReasonHeartbeatRateLimited, "heartbeat rate limit exhausted", nil)
		}
		return Result{}, fail(ReasonRateLimited, "message rate limit exhausted", nil)
	}

	return s.appendInTransaction(ctx, auth, req)
}

func validateShape(req Request) *Error {
	if !SupportedSchemaVersions[req.SchemaVersion] {
		return fail(ReasonUnsupportedVersion, "unsupported schema_version", map[string]any{"schema_version": req.SchemaVersion})
	}
	if req.FromAgentID == "" {
		return fail(ReasonMissingField, "from_agent_id is required", map[string]any{"field": "from_agent_id"})
	}
	if req.IdempotencyKey == "" {
		return fail(ReasonMissingField, "idempotency_key is required", map[string]any{"field": "idempotency_key"})
	}
	intent := req.Intent
	if intent == "" {
		intent = IntentMessage
	}
	switch intent {
	case IntentMessage, IntentHeartbeat, IntentResolve, IntentReject:
	default:
		return fail(ReasonInvalidIntentForType, "unrecognized intent", map[string]any{"intent": string(intent)})
	}

	hasPayload := req.Payload != nil
	hasRef := req.PayloadRef != nil
	if hasPayload == hasRef {
		return fail(ReasonInvalidPayloadCombination, "exactly one of payload or payload_ref is required", nil)
	}
	if hasPayload {
		canon, err := hashchain.ToCanonicalValue(req.Payload)
		if err != nil {
			return fail(ReasonInvalidPayloadCombination, "payload is not valid JSON", nil)
		}
		if len(hashchain.Encode(canon)) > MaxPayloadBytes {
			return fail(ReasonPayloadTooLarge, "payload exceeds 8 KiB canonical JSON", nil)
		}
	}

	if intent == IntentResolve || intent == IntentReject {
		if req.WorkLinks == nil || req.WorkLinks.empty() {
			return fail(ReasonMissingWorkLink, "resolve/reject requires work_links", nil)
		}
		if _, _, isRun := req.WorkLinks.resolve(); isRun {
			return fail(ReasonInvalidIntentForType, "resolve/reject cannot target a run", nil)
		}
	}
	return nil
}

func (s *Service) checkCrossEntity(ctx context.Context, workspaceID string, req Request) *Error {
	if req.RoomID != nil {
		roomWS, found, err := s.rooms.RoomWorkspace(ctx, *req.RoomID)
		if err != nil {
			return fail(ReasonInternalError, err.Error(), nil)
		}
		if !found || roomWS != workspaceID {
			return fail(ReasonUnauthorizedWorkspace, "room does not belong to this workspace", map[string]any{"room_id": *req.RoomID})
		}
	}
	if req.ThreadID != nil {
		threadRoom, threadWS, found, err := s.rooms.ThreadRoom(ctx, *req.ThreadID)
		if err != nil {
			return fail(ReasonInternalError, err.Error(), nil)
		}
		if !found || threadWS != workspaceID {
			return fail(ReasonUnauthorizedWorkspace, "thread does not belong to this workspace", map[string]any{"thread_id": *req.ThreadID})
		}
		if req.RoomID != nil && threadRoom != *req.RoomID {
			return fail(ReasonInvalidPayloadCombination, "thread does not belong to the given room", nil)
		}
	}
	return nil
}

func (s *Service) checkArtifact(ctx context.Context, objectKey string) *Error {
	exists, err := s.artifacts.Exists(ctx, objectKey)
	if err != nil {
		return fail(ReasonStorageUnavailable, err.Error(), nil)
	}
	if !exists {
		return fail(ReasonArtifactNotFound, "payload_ref object_key not found", map[string]any{"object_key": objectKey})
	}
	return nil
}

const eventMessageCreated = "message.created"

func (s *Service) probeIdempotency(ctx context.Context, workspaceID, idempotencyKey string) (eventID, agentID string, found bool, err error) {
	err = s.pool.QueryRow(ctx, `
		SELECT event_id, actor_id FROM evt_events
		WHERE workspace_id = $1 AND event_type = $2 AND idempotency_key = $3
	`, workspaceID, eventMessageCreated, idempotencyKey).Scan(&eventID, &agentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", false, nil
		}
		return "", "", false, err
	}
	return eventID, agentID, true, nil
}

// appendInTransaction implements steps 7-10: open the write transaction,
// verify any work-item lease, append message.created, release the lease on
// terminal intents, and commit.
func (s *Service) appendInTransaction(ctx context.Context, auth AuthContext, req Request) (Result, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Result{}, fail(ReasonInternalError, err.Error(), nil)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	intent := req.Intent
	if intent == "" {
		intent = IntentMessage
	}

	missingLeaseWarning := false
	var workItemType lease.WorkItemType
	var workItemID string
	leaseChecked := false

	if req.WorkLinks != nil && !req.WorkLinks.empty() && (intent == IntentMessage || intent == IntentResolve || intent == IntentReject) {
		wit, wid, isRun := req.WorkLinks.resolve()
		if !isRun {
			workItemType, workItemID = wit, wid
			leaseChecked = true
			outcome, _, err := lease.VerifyForWrite(ctx, tx, auth.WorkspaceID, workItemType, workItemID, req.FromAgentID, s.clock.Now())
			if err != nil {
				return Result{}, fail(ReasonInternalError, err.Error(), nil)
			}
			switch outcome {
			case lease.VerifyHeldByCaller:
				// proceed
			case lease.VerifyAbsent:
				missingLeaseWarning = true
			case lease.VerifyPreempted:
				return Result{}, fail(ReasonLeaseExpiredOrPreempted, "work item lease held by another agent or expired", nil)
			case lease.VerifyLockBusy:
				// spec.md §4.2 step 7(d): temporary rename, see §9 open
				// question — lock contention reuses the heartbeat_rate_limited
				// reason code pending a dedicated one.
				return Result{}, fail(ReasonHeartbeatRateLimited, "work item lease is concurrently locked", nil)
			}
		}
	}

	draft := eventstore.Draft{
		EventType:      eventMessageCreated,
		EventVersion:   1,
		OccurredAt:     s.clock.Now(),
		WorkspaceID:    auth.WorkspaceID,
		RoomID:         req.RoomID,
		ThreadID:       req.ThreadID,
		Actor:          eventmodel.Actor{ActorType: eventmodel.ActorAgent, ActorID: req.FromAgentID},
		Zone:           eventmodel.ZoneSupervised,
		Stream:         eventmodel.Stream{StreamType: eventmodel.StreamWorkspace, StreamID: auth.WorkspaceID},
		CorrelationID:  correlationID(req),
		RedactionLevel: eventmodel.RedactionNone,
		Data:           messageData(req),
		IdempotencyKey: &req.IdempotencyKey,
	}
	if req.RoomID != nil {
		draft.Stream = eventmodel.Stream{StreamType: eventmodel.StreamRoom, StreamID: *req.RoomID}
	} else if req.ThreadID != nil {
		draft.Stream = eventmodel.Stream{StreamType: eventmodel.StreamThread, StreamID: *req.ThreadID}
	}

	env, err := s.store.Append(ctx, tx, draft)
	if err != nil {
		if errors.Is(err, eventstore.ErrIdempotencyUniqueViolation) {
			_ = tx.Rollback(ctx)
			existing, existingAgent, found, probeErr := s.probeIdempotency(ctx, auth.WorkspaceID, req.IdempotencyKey)
			if probeErr != nil {
				return Result{}, fail(ReasonInternalError, probeErr.Error(), nil)
			}
			if found && existingAgent == req.FromAgentID {
				return Result{MessageID: existing, IdempotentReplay: true}, nil
			}
			return Result{}, fail(ReasonIdempotencyConflictUnresolved, "idempotency key already used by a different agent", nil)
		}
		return Result{}, fail(ReasonInternalError, err.Error(), nil)
	}

	if leaseChecked && (intent == IntentResolve || intent == IntentReject) {
		if err := lease.ReleaseForTerminalIntent(ctx, tx, auth.WorkspaceID, workItemType, workItemID); err != nil {
			return Result{}, fail(ReasonInternalError, err.Error(), nil)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, fail(ReasonInternalError, err.Error(), nil)
	}

	// Projectors run strictly after the append commits and outside its
	// transaction (spec.md §5): a projector failure here is logged and
	// durably queued for sweep's DLQ retry, it never un-appends the event.
	if err := projections.ApplyOrEnqueue(ctx, s.pool, env); err != nil {
		slog.Error("intake: projector failed, queued for reprocessing", "event_id", env.EventID, "event_type", env.EventType, "error", err)
	}

	return Result{MessageID: env.EventID, IdempotentReplay: false, MissingLeaseWarning: missingLeaseWarning}, nil
}

func correlationID(req Request) string {
	if req.CorrelationID != nil {
		return *req.CorrelationID
	}
	return ids.New(ids.PrefixMessage)
}

func messageData(req Request) map[string]any {
	data := map[string]any{
		"intent": string(req.Intent),
	}
	if req.Payload != nil {
		data["payload"] = req.Payload
	}
	if req.PayloadRef != nil {
		data["payload_ref"] = map[string]any{"object_key": req.PayloadRef.ObjectKey}
	}
	if req.WorkLinks != nil {
		links := map[string]any{}
		if req.WorkLinks.ApprovalID != nil {
			links["approval_id"] = *req.WorkLinks.ApprovalID
		}
		if req.WorkLinks.ExperimentID != nil {
			links["experiment_id"] = *req.WorkLinks.ExperimentID
		}
		if req.WorkLinks.IncidentID != nil {
			links["incident_id"] = *req.WorkLinks.IncidentID
		}
		if req.WorkLinks.RunID != nil {
			links["run_id"] = *req.WorkLinks.RunID
		}
		data["work_links"] = links
	}
	return data
}
