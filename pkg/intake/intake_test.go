package intake_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentops/controlplane/pkg/eventstore"
	"github.com/agentops/controlplane/pkg/ids"
	"github.com/agentops/controlplane/pkg/intake"
	"github.com/agentops/controlplane/pkg/lease"
	"github.com/agentops/controlplane/pkg/ratelimit"
	"github.com/agentops/controlplane/test/dbtest"
)

type fakeArtifacts struct {
	exists bool
	err    error
}

func (f fakeArtifacts) Exists(ctx context.Context, objectKey string) (bool, error) {
	return f.exists, f.err
}

type fakeRooms struct{}

func (fakeRooms) RoomWorkspace(ctx context.Context, roomID string) (string, bool, error) {
	return "", false, nil
}
func (fakeRooms) ThreadRoom(ctx context.Context, threadID string) (string, string, bool, error) {
	return "", "", false, nil
}

type fakeAgents struct{ active bool }

func (f fakeAgents) IsActiveAgent(ctx context.Context, principalID string) (bool, error) {
	return f.active, nil
}

func baseRequest() intake.Request {
	return intake.Request{
		SchemaVersion:  "1",
		FromAgentID:    "agent_1",
		Intent:         intake.IntentMessage,
		IdempotencyKey: ids.New(ids.PrefixMessage),
		Payload:        map[string]any{"text": "hello"},
	}
}

func TestIntake_CreatesMessageOnFirstCall(t *testing.T) {
	client := dbtest.NewClient(t)
	store := eventstore.New(ids.SystemClock{})
	limiter := ratelimit.New(client.Pool(), 100, 10)
	svc := intake.New(client.Pool(), store, limiter, fakeArtifacts{exists: true}, fakeRooms{}, fakeAgents{active: true}, ids.SystemClock{})

	auth := intake.AuthContext{WorkspaceID: ids.New(ids.PrefixOwner), PrincipalID: "agent_1"}
	result, err := svc.Intake(t.Context(), auth, baseRequest())
	require.NoError(t, err)
	assert.False(t, result.IdempotentReplay)
	assert.NotEmpty(t, result.MessageID)
}

func TestIntake_ReplaysIdempotentRetryBySameAgent(t *testing.T) {
	client := dbtest.NewClient(t)
	store := eventstore.New(ids.SystemClock{})
	limiter := ratelimit.New(client.Pool(), 100, 10)
	svc := intake.New(client.Pool(), store, limiter, fakeArtifacts{exists: true}, fakeRooms{}, fakeAgents{active: true}, ids.SystemClock{})

	auth := intake.AuthContext{WorkspaceID: ids.New(ids.PrefixOwner), PrincipalID: "agent_1"}
	req := baseRequest()

	first, err := svc.Intake(t.Context(), auth, req)
	require.NoError(t, err)

	second, err := svc.Intake(t.Context(), auth, req)
	require.NoError(t, err)
	assert.True(t, second.IdempotentReplay)
	assert.Equal(t, first.MessageID, second.MessageID)
}

func TestIntake_ConflictWhenDifferentAgentReusesKey(t *testing.T) {
	client := dbtest.NewClient(t)
	store := eventstore.New(ids.SystemClock{})
	limiter := ratelimit.New(client.Pool(), 100, 10)
	svc := intake.New(client.Pool(), store, limiter, fakeArtifacts{exists: true}, fakeRooms{}, fakeAgents{active: true}, ids.SystemClock{})

	ws := ids.New(ids.PrefixOwner)
	key := ids.New(ids.PrefixMessage)

	req1 := baseRequest()
	req1.IdempotencyKey = key
	req1.FromAgentID = "agent_1"
	_, err := svc.Intake(t.Context(), intake.AuthContext{WorkspaceID: ws, PrincipalID: "agent_1"}, req1)
	require.NoError(t, err)

	req2 := baseRequest()
	req2.IdempotencyKey = key
	req2.FromAgentID = "agent_2"
	_, err = svc.Intake(t.Context(), intake.AuthContext{WorkspaceID: ws, PrincipalID: "agent_2"}, req2)
	require.Error(t, err)
	ierr, ok := err.(*intake.Error)
	require.True(t, ok)
	assert.Equal(t, intake.ReasonIdempotencyConflictUnresolved, ierr.Reason)
}

func TestIntake_RateLimitedAfterBurstExhausted(t *testing.T) {
	client := dbtest.NewClient(t)
	store := eventstore.New(ids.SystemClock{})
	limiter := ratelimit.New(client.Pool(), 0.0001, 1)
	svc := intake.New(client.Pool(), store, limiter, fakeArtifacts{exists: true}, fakeRooms{}, fakeAgents{active: true}, ids.SystemClock{})

	auth := intake.AuthContext{WorkspaceID: ids.New(ids.PrefixOwner), PrincipalID: "agent_1"}

	req1 := baseRequest()
	_, err := svc.Intake(t.Context(), auth, req1)
	require.NoError(t, err)

	req2 := baseRequest()
	req2.IdempotencyKey = ids.New(ids.PrefixMessage)
	_, err = svc.Intake(t.Context(), auth, req2)
	require.Error(t, err)
	ierr, ok := err.(*intake.Error)
	require.True(t, ok)
	assert.Equal(t, intake.ReasonRateLimited, ierr.Reason)
}

func TestIntake_ArtifactNotFoundRejectsPayloadRef(t *testing.T) {
	client := dbtest.NewClient(t)
	store := eventstore.New(ids.SystemClock{})
	limiter := ratelimit.New(client.Pool(), 100, 10)
	svc := intake.New(client.Pool(), store, limiter, fakeArtifacts{exists: false}, fakeRooms{}, fakeAgents{active: true}, ids.SystemClock{})

	req := baseRequest()
	req.Payload = nil
	req.PayloadRef = &intake.PayloadRef{ObjectKey: "obj_1"}

	_, err := svc.Intake(t.Context(), intake.AuthContext{WorkspaceID: ids.New(ids.PrefixOwner), PrincipalID: "agent_1"}, req)
	require.Error(t, err)
	ierr, ok := err.(*intake.Error)
	require.True(t, ok)
	assert.Equal(t, intake.ReasonArtifactNotFound, ierr.Reason)
}

func TestIntake_UnsupportedSchemaVersionRejected(t *testing.T) {
	client := dbtest.NewClient(t)
	store := eventstore.New(ids.SystemClock{})
	limiter := ratelimit.New(client.Pool(), 100, 10)
	svc := intake.New(client.Pool(), store, limiter, fakeArtifacts{exists: true}, fakeRooms{}, fakeAgents{active: true}, ids.SystemClock{})

	req := baseRequest()
	req.SchemaVersion = "99"
	_, err := svc.Intake(t.Context(), intake.AuthContext{WorkspaceID: ids.New(ids.PrefixOwner), PrincipalID: "agent_1"}, req)
	require.Error(t, err)
	ierr, ok := err.(*intake.Error)
	require.True(t, ok)
	assert.Equal(t, intake.ReasonUnsupportedVersion, ierr.Reason)
}

func TestIntake_FromAgentIDMismatchRejectedAsUnknownAgent(t *testing.T) {
	client := dbtest.NewClient(t)
	store := eventstore.New(ids.SystemClock{})
	limiter := ratelimit.New(client.Pool(), 100, 10)
	svc := intake.New(client.Pool(), store, limiter, fakeArtifacts{exists: true}, fakeRooms{}, fakeAgents{active: true}, ids.SystemClock{})

	req := baseRequest()
	req.FromAgentID = "agent_2"
	_, err := svc.Intake(t.Context(), intake.AuthContext{WorkspaceID: ids.New(ids.PrefixOwner), PrincipalID: "agent_1"}, req)
	require.Error(t, err)
	ierr, ok := err.(*intake.Error)
	require.True(t, ok)
	assert.Equal(t, intake.ReasonUnknownAgent, ierr.Reason)
}

func TestIntake_UnknownAgentRejected(t *testing.T) {
	client := dbtest.NewClient(t)
	store := eventstore.New(ids.SystemClock{})
	limiter := ratelimit.New(client.Pool(), 100, 10)
	svc := intake.New(client.Pool(), store, limiter, fakeArtifacts{exists: true}, fakeRooms{}, fakeAgents{active: false}, ids.SystemClock{})

	req := baseRequest()
	_, err := svc.Intake(t.Context(), intake.AuthContext{WorkspaceID: ids.New(ids.PrefixOwner), PrincipalID: "agent_1"}, req)
	require.Error(t, err)
	ierr, ok := err.(*intake.Error)
	require.True(t, ok)
	assert.Equal(t, intake.ReasonUnknownAgent, ierr.Reason)
}

func TestIntake_MissingLeaseWarningWhenLinkedItemHasNoLease(t *testing.T) {
	client := dbtest.NewClient(t)
	store := eventstore.New(ids.SystemClock{})
	limiter := ratelimit.New(client.Pool(), 100, 10)
	svc := intake.New(client.Pool(), store, limiter, fakeArtifacts{exists: true}, fakeRooms{}, fakeAgents{active: true}, ids.SystemClock{})

	approvalID := ids.New(ids.PrefixApproval)
	req := baseRequest()
	req.WorkLinks = &intake.WorkLinks{ApprovalID: &approvalID}

	result, err := svc.Intake(t.Context(), intake.AuthContext{WorkspaceID: ids.New(ids.PrefixOwner), PrincipalID: "agent_1"}, req)
	require.NoError(t, err)
	assert.True(t, result.MissingLeaseWarning)
}

func TestIntake_LeasePreemptedByAnotherAgentRejected(t *testing.T) {
	client := dbtest.NewClient(t)
	store := eventstore.New(ids.SystemClock{})
	limiter := ratelimit.New(client.Pool(), 100, 10)
	svc := intake.New(client.Pool(), store, limiter, fakeArtifacts{exists: true}, fakeRooms{}, fakeAgents{active: true}, ids.SystemClock{})

	ws := ids.New(ids.PrefixOwner)
	approvalID := ids.New(ids.PrefixApproval)

	tx, err := client.Pool().Begin(t.Context())
	require.NoError(t, err)
	require.NoError(t, lease.Acquire(t.Context(), tx, ws, lease.WorkItemApproval, approvalID, "agent_other", time.Now().Add(time.Hour)))
	require.NoError(t, tx.Commit(t.Context()))

	req := baseRequest()
	req.WorkLinks = &intake.WorkLinks{ApprovalID: &approvalID}

	_, err = svc.Intake(t.Context(), intake.AuthContext{WorkspaceID: ws, PrincipalID: "agent_1"}, req)
	require.Error(t, err)
	ierr, ok := err.(*intake.Error)
	require.True(t, ok)
	assert.Equal(t, intake.ReasonLeaseExpiredOrPreempted, ierr.Reason)
}

func TestIntake_TerminalIntentReleasesHeldLease(t *testing.T) {
	client := dbtest.NewClient(t)
	store := eventstore.New(ids.SystemClock{})
	limiter := ratelimit.New(client.Pool(), 100, 10)
	svc := intake.New(client.Pool(), store, limiter, fakeArtifacts{exists: true}, fakeRooms{}, fakeAgents{active: true}, ids.SystemClock{})

	ws := ids.New(ids.PrefixOwner)
	approvalID := ids.New(ids.PrefixApproval)

	tx, err := client.Pool().Begin(t.Context())
	require.NoError(t, err)
	require.NoError(t, lease.Acquire(t.Context(), tx, ws, lease.WorkItemApproval, approvalID, "agent_1", time.Now().Add(time.Hour)))
	require.NoError(t, tx.Commit(t.Context()))

	req := baseRequest()
	req.Intent = intake.IntentResolve
	req.WorkLinks = &intake.WorkLinks{ApprovalID: &approvalID}

	_, err = svc.Intake(t.Context(), intake.AuthContext{WorkspaceID: ws, PrincipalID: "agent_1"}, req)
	require.NoError(t, err)

	var count int
	require.NoError(t, client.Pool().QueryRow(t.Context(), `
		SELECT count(*) FROM work_item_leases WHERE workspace_id = $1 AND work_item_id = $2
	`, ws, approvalID).Scan(&count))
	assert.Zero(t, count)
}
