// Package api exposes the control plane over HTTP using gin, following the
// teacher's pkg/api.Server handler style (method receivers on *Server,
// gin.Context, c.JSON(status, gin.H{...})). It is a thin translator: every
// handler below maps the request-identity envelope and request body into a
// core call, and a core result back into the reason-code response shape of
// spec.md §6 — no validation, policy or storage logic lives here.
package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentops/controlplane/pkg/audit"
	"github.com/agentops/controlplane/pkg/capability"
	"github.com/agentops/controlplane/pkg/eventmodel"
	"github.com/agentops/controlplane/pkg/eventstore"
	"github.com/agentops/controlplane/pkg/ids"
	"github.com/agentops/controlplane/pkg/intake"
	"github.com/agentops/controlplane/pkg/pipeline"
	"github.com/agentops/controlplane/pkg/secretsvault"
	"github.com/agentops/controlplane/pkg/syswarn"
	"github.com/agentops/controlplane/pkg/version"
)

// Server wires the core services behind the HTTP surface of spec.md §6.
type Server struct {
	pool         *pgxpool.Pool
	store        *eventstore.Store
	clock        ids.Clock
	intake       *intake.Service
	capabilities *capability.Service
	vault        *secretsvault.Vault
	warnings     *syswarn.Recorder
	pipeline     func(workspaceID string, limit int) (pipeline.Result, error)
	audit        func(streamType eventmodel.StreamType, streamID string, limit int) (audit.Result, error)
	subscribe    func(c *gin.Context, roomID string, fromSeq int64) error
}

// NewServer constructs a Server from its collaborators. pipelineFetch,
// auditVerify and subscribeRoom are injected as closures so the handler
// layer does not need to know each service's full constructor signature.
func NewServer(
	pool *pgxpool.Pool,
	store *eventstore.Store,
	clock ids.Clock,
	intakeSvc *intake.Service,
	capabilities *capability.Service,
	vault *secretsvault.Vault,
	warnings *syswarn.Recorder,
	pipelineFetch func(workspaceID string, limit int) (pipeline.Result, error),
	auditVerify func(streamType eventmodel.StreamType, streamID string, limit int) (audit.Result, error),
	subscribeRoom func(c *gin.Context, roomID string, fromSeq int64) error,
) *Server {
	return &Server{
		pool:         pool,
		store:        store,
		clock:        clock,
		intake:       intakeSvc,
		capabilities: capabilities,
		vault:        vault,
		warnings:     warnings,
		pipeline:     pipelineFetch,
		audit:        auditVerify,
		subscribe:    subscribeRoom,
	}
}

// Routes registers every endpoint of spec.md §6 on the given router group.
func (s *Server) Routes(r gin.IRouter) {
	r.POST("/v1/messages", s.PostMessage)
	r.GET("/v1/pipeline", s.GetPipeline)
	r.GET("/v1/audit/:stream_type/:stream_id", s.GetAuditVerify)
	r.GET("/v1/rooms/:room_id/stream", s.GetRoomStream)
	r.POST("/v1/capabilities/grant", s.PostCapabilityGrant)
	r.POST("/v1/capabilities/:token_id/revoke", s.PostCapabilityRevoke)
	r.POST("/v1/secrets/:secret_id/access", s.PostSecretAccess)
	r.GET("/v1/system/warnings", s.GetSystemWarnings)
	r.GET("/health", s.Health)
}

// Health handles GET /health.
func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version.Full()})
}

// ---- request identity (spec.md §6: "x-workspace-id header + authenticated
// principal resolved from a bearer access token") ----
//
// Token format, passphrase hashing and owner bootstrap are explicitly out
// of the core's contract (spec.md §1); this resolver treats the bearer
// token as the caller's already-authenticated principal_id, which is as
// much of the contract as the core needs to enforce workspace headers and
// capability/lease checks. A real deployment swaps this function for one
// backed by AUTH_SESSION_SECRET-verified session tokens.
func resolveIdentity(c *gin.Context) (intake.AuthContext, *apiError) {
	workspaceID := c.GetHeader("x-workspace-id")
	if workspaceID == "" {
		return intake.AuthContext{}, &apiError{status: http.StatusUnauthorized, reason: "missing_workspace_header", message: "x-workspace-id header is required"}
	}
	authz := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if len(authz) <= len(prefix) || authz[:len(prefix)] != prefix {
		return intake.AuthContext{}, &apiError{status: http.StatusUnauthorized, reason: "missing_bearer_token", message: "Authorization: Bearer <token> is required"}
	}
	principalID := authz[len(prefix):]
	if principalID == "" {
		return intake.AuthContext{}, &apiError{status: http.StatusUnauthorized, reason: "missing_bearer_token", message: "bearer token is empty"}
	}
	return intake.AuthContext{WorkspaceID: workspaceID, PrincipalID: principalID}, nil
}

type apiError struct {
	status  int
	reason  string
	message string
	details map[string]any
}

func writeError(c *gin.Context, e *apiError) {
	c.JSON(e.status, gin.H{
		"error":       true,
		"reason_code": e.reason,
		"reason":      e.message,
		"details":     e.details,
	})
}

// ---- POST /v1/messages ----

type postMessageRequest struct {
	SchemaVersion  string         `json:"schema_version"`
	FromAgentID    string         `json:"from_agent_id"`
	RoomID         *string        `json:"room_id"`
	ThreadID       *string        `json:"thread_id"`
	CorrelationID  *string        `json:"correlation_id"`
	Intent         string         `json:"intent"`
	IdempotencyKey string         `json:"idempotency_key"`
	Payload        map[string]any `json:"payload"`
	PayloadRef     *struct {
		ObjectKey string `json:"object_key"`
	} `json:"payload_ref"`
	WorkLinks *struct {
		ApprovalID   *string `json:"approval_id"`
		ExperimentID *string `json:"experiment_id"`
		IncidentID   *string `json:"incident_id"`
		RunID        *string `json:"run_id"`
	} `json:"work_links"`
}

func (s *Server) PostMessage(c *gin.Context) {
	auth, authErr := resolveIdentity(c)
	if authErr != nil {
		writeError(c, authErr)
		return
	}

	var body postMessageRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, &apiError{status: http.StatusBadRequest, reason: "missing_field", message: err.Error()})
		return
	}

	req := intake.Request{
		SchemaVersion:  body.SchemaVersion,
		FromAgentID:    body.FromAgentID,
		RoomID:         body.RoomID,
		ThreadID:       body.ThreadID,
		CorrelationID:  body.CorrelationID,
		Intent:         intake.Intent(body.Intent),
		IdempotencyKey: body.IdempotencyKey,
		Payload:        body.Payload,
	}
	if body.PayloadRef != nil {
		req.PayloadRef = &intake.PayloadRef{ObjectKey: body.PayloadRef.ObjectKey}
	}
	if body.WorkLinks != nil {
		req.WorkLinks = &intake.WorkLinks{
			ApprovalID:   body.WorkLinks.ApprovalID,
			ExperimentID: body.WorkLinks.ExperimentID,
			IncidentID:   body.WorkLinks.IncidentID,
			RunID:        body.WorkLinks.RunID,
		}
	}

	result, err := s.intake.Intake(c.Request.Context(), auth, req)
	if err != nil {
		var intakeErr *intake.Error
		if errors.As(err, &intakeErr) {
			status := intake.HTTPStatus(intakeErr.Reason)
			writeError(c, &apiError{status: status, reason: string(intakeErr.Reason), message: intakeErr.Message, details: intakeErr.Details})
			return
		}
		writeError(c, &apiError{status: http.StatusInternalServerError, reason: "internal_error", message: "unexpected error"})
		return
	}

	if result.IdempotentReplay {
		c.JSON(http.StatusOK, gin.H{
			"message_id":        result.MessageID,
			"idempotent_replay": true,
			"reason_code":       intake.ReasonDuplicateIdempotentReplay,
		})
		return
	}

	if result.MissingLeaseWarning {
		c.Header("X-Lease-Warning", "missing_lease")
		if s.warnings != nil {
			_, _ = s.warnings.Record(c.Request.Context(), auth.WorkspaceID, syswarn.KindMissingLease, map[string]any{
				"message_id": result.MessageID,
				"agent_id":   req.FromAgentID,
			})
		}
	}

	c.JSON(http.StatusCreated, gin.H{
		"message_id":        result.MessageID,
		"idempotent_replay": false,
	})
}

// ---- GET /v1/pipeline ----

func (s *Server) GetPipeline(c *gin.Context) {
	auth, authErr := resolveIdentity(c)
	if authErr != nil {
		writeError(c, authErr)
		return
	}

	limit := pipeline.DefaultLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(c, &apiError{status: http.StatusBadRequest, reason: "missing_field", message: "limit must be an integer"})
			return
		}
		limit = parsed
	}

	result, err := s.pipeline(auth.WorkspaceID, limit)
	if err != nil {
		writeError(c, &apiError{status: http.StatusServiceUnavailable, reason: "projection_unavailable", message: err.Error()})
		return
	}

	buckets := make(gin.H, len(result.Buckets))
	for stage, bucket := range result.Buckets {
		buckets[stage] = gin.H{
			"items":     bucket.Items,
			"truncated": bucket.Truncated,
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"buckets":            buckets,
		"watermark_event_id": result.WatermarkEventID,
	})
}

// ---- GET /v1/audit/:stream_type/:stream_id ----

func (s *Server) GetAuditVerify(c *gin.Context) {
	if _, authErr := resolveIdentity(c); authErr != nil {
		writeError(c, authErr)
		return
	}

	streamType := eventmodel.StreamType(c.Param("stream_type"))
	switch streamType {
	case eventmodel.StreamWorkspace, eventmodel.StreamRoom, eventmodel.StreamThread:
	default:
		writeError(c, &apiError{status: http.StatusBadRequest, reason: "missing_field", message: "unrecognized stream_type"})
		return
	}
	streamID := c.Param("stream_id")

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(c, &apiError{status: http.StatusBadRequest, reason: "missing_field", message: "limit must be an integer"})
			return
		}
		limit = parsed
	}

	result, err := s.audit(streamType, streamID, limit)
	if err != nil {
		writeError(c, &apiError{status: http.StatusServiceUnavailable, reason: "storage_unavailable", message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"checked":         result.Checked,
		"valid":           result.Valid,
		"first_mismatch":  result.FirstMismatch,
		"last_event_hash": result.LastEventHash,
	})
}

// ---- GET /v1/rooms/:room_id/stream ----
//
// Text/event-stream framing per spec.md §6: "data: <json>\n\n" frames,
// Cache-Control: no-cache, no-transform, X-Accel-Buffering: no. Terminates
// on client disconnect (c.Request.Context() is cancelled by gin/net-http
// when the connection closes, the same hook point spec.md §5 names via
// "req.raw.on('close')"). The actual poll loop (streamtail.Subscribe) and
// its SSE Sink adapter are wired in by the caller via subscribeRoom —
// see cmd/controlplane/main.go.
func (s *Server) GetRoomStream(c *gin.Context) {
	if _, authErr := resolveIdentity(c); authErr != nil {
		writeError(c, authErr)
		return
	}

	roomID := c.Param("room_id")
	fromSeq := int64(0)
	if raw := c.Query("from_seq"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(c, &apiError{status: http.StatusBadRequest, reason: "missing_field", message: "from_seq must be an integer"})
			return
		}
		fromSeq = parsed
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache, no-transform")
	c.Header("X-Accel-Buffering", "no")
	c.Header("Connection", "keep-alive")

	if err := s.subscribe(c, roomID, fromSeq); err != nil {
		// Headers are already flushed once streaming starts; nothing more
		// to send back besides logging the failure to the client's frame.
		_, _ = fmt.Fprintf(c.Writer, "event: error\ndata: %q\n\n", err.Error())
		c.Writer.Flush()
	}
}

// ---- POST /v1/capabilities/grant ----

type grantRequest struct {
	IssuedTo        string     `json:"issued_to"`
	ParentTokenID   *string    `json:"parent_token_id"`
	RequestedScopes scopesWire `json:"requested_scopes"`
	ValidUntil      *time.Time `json:"valid_until"`
}

type scopesWire struct {
	Rooms         []string `json:"rooms"`
	Tools         []string `json:"tools"`
	EgressDomains []string `json:"egress_domains"`
	ActionTypes   []string `json:"action_types"`
	DataAccess    []string `json:"data_access"`
}

func (w scopesWire) toScopes() capability.Scopes {
	return capability.Scopes{
		Rooms:         w.Rooms,
		Tools:         w.Tools,
		EgressDomains: w.EgressDomains,
		ActionTypes:   w.ActionTypes,
		DataAccess:    w.DataAccess,
	}
}

func (s *Server) PostCapabilityGrant(c *gin.Context) {
	auth, authErr := resolveIdentity(c)
	if authErr != nil {
		writeError(c, authErr)
		return
	}

	var body grantRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, &apiError{status: http.StatusBadRequest, reason: "missing_field", message: err.Error()})
		return
	}
	if body.IssuedTo == "" {
		writeError(c, &apiError{status: http.StatusBadRequest, reason: "missing_field", message: "issued_to is required"})
		return
	}

	tok, err := s.capabilities.Grant(c.Request.Context(), auth.WorkspaceID, body.IssuedTo, auth.PrincipalID, body.ParentTokenID, body.RequestedScopes.toScopes(), body.ValidUntil)
	if err != nil {
		var denial *capability.DenialError
		if errors.As(err, &denial) {
			s.emitCapabilityEvent(c, auth, "agent.delegation.attempted", map[string]any{
				"issued_to":       body.IssuedTo,
				"granted_by":      auth.PrincipalID,
				"parent_token_id": body.ParentTokenID,
				"denied_reason":   string(denial.Reason),
			})
			writeError(c, &apiError{
				status:  http.StatusUnprocessableEntity,
				reason:  string(denial.Reason),
				message: "capability grant denied",
				details: map[string]any{"denied_reason": string(denial.Reason)},
			})
			return
		}
		writeError(c, &apiError{status: http.StatusInternalServerError, reason: "internal_error", message: err.Error()})
		return
	}

	s.emitCapabilityEvent(c, auth, "agent.capability.granted", map[string]any{
		"token_id":        tok.TokenID,
		"issued_to":       tok.IssuedTo,
		"granted_by":      tok.GrantedBy,
		"parent_token_id": tok.ParentTokenID,
		"depth":           tok.Depth,
		"scopes":          tok.Scopes,
	})

	c.JSON(http.StatusCreated, gin.H{
		"token_id":        tok.TokenID,
		"issued_to":       tok.IssuedTo,
		"granted_by":      tok.GrantedBy,
		"parent_token_id": tok.ParentTokenID,
		"scopes":          tok.Scopes,
		"valid_until":     tok.ValidUntil,
		"depth":           tok.Depth,
		"created_at":      tok.CreatedAt,
	})
}

// ---- POST /v1/capabilities/:token_id/revoke ----

type revokeRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) PostCapabilityRevoke(c *gin.Context) {
	auth, authErr := resolveIdentity(c)
	if authErr != nil {
		writeError(c, authErr)
		return
	}
	tokenID := c.Param("token_id")

	var body revokeRequest
	_ = c.ShouldBindJSON(&body) // reason is optional; absence is not an error

	alreadyRevoked, err := s.capabilities.Revoke(c.Request.Context(), auth.WorkspaceID, tokenID)
	if err != nil {
		writeError(c, &apiError{status: http.StatusInternalServerError, reason: "internal_error", message: err.Error()})
		return
	}

	if !alreadyRevoked {
		s.emitCapabilityEvent(c, auth, "agent.capability.revoked", map[string]any{
			"token_id": tokenID,
			"reason":   body.Reason,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"token_id":        tokenID,
		"already_revoked": alreadyRevoked,
	})
}

// emitCapabilityEvent appends a workspace-stream audit event for a
// capability operation. Capability grant/revoke are standalone appends
// (spec.md §4.1: "e.g. capability grants") — they do not participate in
// the message-intake transaction.
func (s *Server) emitCapabilityEvent(c *gin.Context, auth intake.AuthContext, eventType string, data map[string]any) {
	_, err := s.store.Append(c.Request.Context(), s.pool, eventstore.Draft{
		EventType:      eventType,
		EventVersion:   1,
		OccurredAt:     s.clock.Now(),
		WorkspaceID:    auth.WorkspaceID,
		Actor:          eventmodel.Actor{ActorType: eventmodel.ActorUser, ActorID: auth.PrincipalID},
		Zone:           eventmodel.ZoneSupervised,
		Stream:         eventmodel.Stream{StreamType: eventmodel.StreamWorkspace, StreamID: auth.WorkspaceID},
		CorrelationID:  ids.New(ids.PrefixCapabilityToken),
		RedactionLevel: eventmodel.RedactionNone,
		Data:           data,
	})
	if err != nil && s.warnings != nil {
		_, _ = s.warnings.Record(c.Request.Context(), auth.WorkspaceID, syswarn.KindProjectorFailed, map[string]any{
			"event_type": eventType,
			"error":      err.Error(),
		})
	}
}

// ---- POST /v1/secrets/:secret_id/access ----

func (s *Server) PostSecretAccess(c *gin.Context) {
	auth, authErr := resolveIdentity(c)
	if authErr != nil {
		writeError(c, authErr)
		return
	}

	isService, revoked, err := s.principalStatus(c, auth.PrincipalID)
	if err != nil {
		writeError(c, &apiError{status: http.StatusInternalServerError, reason: "internal_error", message: err.Error()})
		return
	}
	if !isService || revoked {
		writeError(c, &apiError{status: http.StatusForbidden, reason: "unknown_agent", message: "secret access requires a non-revoked service principal"})
		return
	}

	secretID := c.Param("secret_id")
	_, err = s.vault.Access(c.Request.Context(), auth.WorkspaceID, secretID)
	if err != nil {
		switch {
		case errors.Is(err, secretsvault.ErrNotConfigured):
			writeError(c, &apiError{status: http.StatusNotImplemented, reason: "secrets_vault_not_configured", message: "no master key configured"})
		case errors.Is(err, secretsvault.ErrNotFound):
			writeError(c, &apiError{status: http.StatusNotFound, reason: "secret_not_found", message: "secret not found"})
		default:
			writeError(c, &apiError{status: http.StatusInternalServerError, reason: "internal_error", message: err.Error()})
		}
		return
	}

	s.emitCapabilityEvent(c, auth, "secret.accessed", map[string]any{
		"secret_id": secretID,
	})

	c.JSON(http.StatusOK, gin.H{"secret_id": secretID, "accessed": true})
}

func (s *Server) principalStatus(c *gin.Context, principalID string) (isService bool, revoked bool, err error) {
	var principalType string
	var revokedAt *time.Time
	qerr := s.pool.QueryRow(c.Request.Context(), `
		SELECT principal_type, revoked_at FROM sec_principals WHERE principal_id = $1
	`, principalID).Scan(&principalType, &revokedAt)
	if qerr != nil {
		if errors.Is(qerr, pgx.ErrNoRows) {
			return false, false, nil
		}
		return false, false, fmt.Errorf("api: lookup principal: %w", qerr)
	}
	return principalType == "service", revokedAt != nil, nil
}

// ---- GET /v1/system/warnings ----

func (s *Server) GetSystemWarnings(c *gin.Context) {
	auth, authErr := resolveIdentity(c)
	if authErr != nil {
		writeError(c, authErr)
		return
	}
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	warnings, err := s.warnings.List(c.Request.Context(), auth.WorkspaceID, limit)
	if err != nil {
		writeError(c, &apiError{status: http.StatusInternalServerError, reason: "internal_error", message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"warnings": warnings})
}
