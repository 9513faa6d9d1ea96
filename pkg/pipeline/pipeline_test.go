package pipeline_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentops/controlplane/pkg/eventmodel"
	"github.com/agentops/controlplane/pkg/ids"
	"github.com/agentops/controlplane/pkg/pipeline"
	"github.com/agentops/controlplane/pkg/projections"
	"github.com/agentops/controlplane/test/dbtest"
)

func TestTriage_OpenIncidentOrPolicyErrorRoutesToReview(t *testing.T) {
	assert.True(t, pipeline.Triage(true, "", ""))
	assert.True(t, pipeline.Triage(false, "policy_denied", ""))
	assert.True(t, pipeline.Triage(false, "", "policy"))
	assert.False(t, pipeline.Triage(false, "transient_network", "runtime"))
}

func envelope(ws string, seq int64, eventType, runID string, data map[string]any) eventmodel.Envelope {
	return eventmodel.Envelope{
		EventID:       ids.New(ids.PrefixEvent),
		EventType:     eventType,
		WorkspaceID:   ws,
		RunID:         &runID,
		CorrelationID: ids.New(ids.PrefixMessage),
		RecordedAt:    time.Now().UTC(),
		Stream:        eventmodel.Stream{StreamType: eventmodel.StreamWorkspace, StreamID: ws, StreamSeq: seq},
		Data:          data,
	}
}

func TestFetch_ClassifiesRunsIntoExpectedStages(t *testing.T) {
	client := dbtest.NewClient(t)
	ws := ids.New(ids.PrefixOwner)

	r1, r2, r3, r4 := ids.New(ids.PrefixRun), ids.New(ids.PrefixRun), ids.New(ids.PrefixRun), ids.New(ids.PrefixRun)

	require.NoError(t, projections.Apply(t.Context(), client.Pool(), envelope(ws, 1, projections.EventRunQueued, r1, nil)))
	require.NoError(t, projections.Apply(t.Context(), client.Pool(), envelope(ws, 1, projections.EventRunSucceeded, r2, nil)))
	require.NoError(t, projections.Apply(t.Context(), client.Pool(), envelope(ws, 1, projections.EventRunFailed, r3, map[string]any{"error_code": "policy_denied"})))
	require.NoError(t, projections.Apply(t.Context(), client.Pool(), envelope(ws, 1, projections.EventRunFailed, r4, map[string]any{"error_code": "transient_network"})))

	result, err := pipeline.Fetch(t.Context(), client.Pool(), ws, 200)
	require.NoError(t, err)

	assertContains(t, result.Buckets[pipeline.Stage3ExecuteWorkspace].Items, r1)
	assertContains(t, result.Buckets[pipeline.Stage4ReviewEvidence].Items, r2)
	assertContains(t, result.Buckets[pipeline.Stage4ReviewEvidence].Items, r3)
	assertContains(t, result.Buckets[pipeline.Stage6Demoted].Items, r4)
	assert.NotEmpty(t, result.WatermarkEventID)
}

func TestFetch_DemotedBucketNotStarvedByDominantReviewWindow(t *testing.T) {
	client := dbtest.NewClient(t)
	ws := ids.New(ids.PrefixOwner)
	limit := 2

	// Insert the one demoted (failed, non-triage) run first so it is the
	// oldest by updated_at, then enough succeeded (review-bound) runs that
	// a shared limit+1-per-bucket window ordered by updated_at DESC would
	// push it out entirely.
	demotedRun := ids.New(ids.PrefixRun)
	require.NoError(t, projections.Apply(t.Context(), client.Pool(), envelope(ws, 1, projections.EventRunFailed, demotedRun, map[string]any{"error_code": "transient_network"})))
	for i := 0; i < 10; i++ {
		require.NoError(t, projections.Apply(t.Context(), client.Pool(), envelope(ws, 1, projections.EventRunSucceeded, ids.New(ids.PrefixRun), nil)))
	}

	result, err := pipeline.Fetch(t.Context(), client.Pool(), ws, limit)
	require.NoError(t, err)

	assertContains(t, result.Buckets[pipeline.Stage6Demoted].Items, demotedRun)
}

func assertContains(t *testing.T, items []pipeline.Item, entityID string) {
	t.Helper()
	for _, it := range items {
		if it.EntityID == entityID {
			return
		}
	}
	t.Fatalf("expected entity %s in bucket", entityID)
}
