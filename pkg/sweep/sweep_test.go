package sweep_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentops/controlplane/pkg/eventmodel"
	"github.com/agentops/controlplane/pkg/eventstore"
	"github.com/agentops/controlplane/pkg/ids"
	"github.com/agentops/controlplane/pkg/lease"
	"github.com/agentops/controlplane/pkg/sweep"
	"github.com/agentops/controlplane/test/dbtest"
)

func TestSweeper_ReapsExpiredLeasesOnly(t *testing.T) {
	client := dbtest.NewClient(t)
	ws := ids.New(ids.PrefixOwner)

	tx, err := client.Pool().Begin(t.Context())
	require.NoError(t, err)
	require.NoError(t, lease.Acquire(t.Context(), tx, ws, lease.WorkItemApproval, "appr_expired", "agent_1", time.Now().Add(-time.Minute)))
	require.NoError(t, lease.Acquire(t.Context(), tx, ws, lease.WorkItemApproval, "appr_live", "agent_1", time.Now().Add(time.Hour)))
	require.NoError(t, tx.Commit(t.Context()))

	s := sweep.New(client.Pool(), sweep.Config{LeaseReapInterval: time.Hour, DLQRetryInterval: time.Hour, DLQBatchSize: 10})
	n, err := s.ReapExpiredLeases(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var count int
	require.NoError(t, client.Pool().QueryRow(t.Context(), `SELECT count(*) FROM work_item_leases WHERE workspace_id = $1`, ws).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestSweeper_DLQRetryReprocessesPendingFailures(t *testing.T) {
	client := dbtest.NewClient(t)
	store := eventstore.New(ids.SystemClock{})
	ws := ids.New(ids.PrefixOwner)
	runID := ids.New(ids.PrefixRun)

	env, err := store.Append(t.Context(), client.Pool(), eventstore.Draft{
		EventType:      "run.queued",
		EventVersion:   1,
		OccurredAt:     time.Now().UTC(),
		WorkspaceID:    ws,
		RunID:          &runID,
		Actor:          eventmodel.Actor{ActorType: eventmodel.ActorService, ActorID: "svc_1"},
		Zone:           eventmodel.ZoneSupervised,
		Stream:         eventmodel.Stream{StreamType: eventmodel.StreamWorkspace, StreamID: ws},
		CorrelationID:  ids.New(ids.PrefixRun),
		RedactionLevel: eventmodel.RedactionNone,
		Data:           map[string]any{"run_id": runID},
	})
	require.NoError(t, err)

	_, err = client.Pool().Exec(t.Context(), `
		INSERT INTO proj_failures (event_id, projector_name, stream_type, stream_id, stream_seq, error_message)
		VALUES ($1, 'run_status', $2, $3, $4, 'simulated failure')
	`, env.EventID, env.Stream.StreamType, env.Stream.StreamID, env.Stream.StreamSeq)
	require.NoError(t, err)

	s := sweep.New(client.Pool(), sweep.Config{LeaseReapInterval: time.Hour, DLQRetryInterval: time.Hour, DLQBatchSize: 10})
	n, err := s.RetryFailedProjections(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var status string
	require.NoError(t, client.Pool().QueryRow(t.Context(), `SELECT status FROM proj_runs WHERE run_id = $1`, runID).Scan(&status))
	assert.Equal(t, "queued", status)

	var reprocessedAt *time.Time
	require.NoError(t, client.Pool().QueryRow(t.Context(), `SELECT reprocessed_at FROM proj_failures WHERE event_id = $1`, env.EventID).Scan(&reprocessedAt))
	assert.NotNil(t, reprocessedAt)
}
