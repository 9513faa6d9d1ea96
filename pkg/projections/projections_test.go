package projections_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentops/controlplane/pkg/eventmodel"
	"github.com/agentops/controlplane/pkg/ids"
	"github.com/agentops/controlplane/pkg/projections"
	"github.com/agentops/controlplane/test/dbtest"
)

func baseEnvelope(ws string, seq int64, eventType string, data map[string]any) eventmodel.Envelope {
	return eventmodel.Envelope{
		EventID:       ids.New(ids.PrefixEvent),
		EventType:     eventType,
		WorkspaceID:   ws,
		CorrelationID: ids.New(ids.PrefixMessage),
		RecordedAt:    time.Now().UTC(),
		Stream:        eventmodel.Stream{StreamType: eventmodel.StreamWorkspace, StreamID: ws, StreamSeq: seq},
		Data:          data,
	}
}

func TestApply_RunStatusDropsStaleReapply(t *testing.T) {
	client := dbtest.NewClient(t)
	ws := ids.New(ids.PrefixOwner)
	runID := ids.New(ids.PrefixRun)

	running := baseEnvelope(ws, 2, projections.EventRunStarted, nil)
	running.RunID = &runID
	require.NoError(t, projections.Apply(t.Context(), client.Pool(), running))

	queued := baseEnvelope(ws, 1, projections.EventRunQueued, nil)
	queued.RunID = &runID
	require.NoError(t, projections.Apply(t.Context(), client.Pool(), queued))

	var status string
	err := client.Pool().QueryRow(t.Context(), `SELECT status FROM proj_runs WHERE run_id = $1`, runID).Scan(&status)
	require.NoError(t, err)
	assert.Equal(t, "running", status, "stale stream_seq=1 event must not overwrite stream_seq=2's state")
}

func TestApply_IncidentClosedRejectedWithoutRCAOrLearning(t *testing.T) {
	client := dbtest.NewClient(t)
	ws := ids.New(ids.PrefixOwner)
	incidentID := ids.New(ids.PrefixIncident)

	opened := baseEnvelope(ws, 1, projections.EventIncidentOpened, map[string]any{"incident_id": incidentID})
	require.NoError(t, projections.Apply(t.Context(), client.Pool(), opened))

	closed := baseEnvelope(ws, 2, projections.EventIncidentCloseRequested, map[string]any{"incident_id": incidentID})
	err := projections.Apply(t.Context(), client.Pool(), closed)
	assert.ErrorIs(t, err, projections.ErrIncidentNotClosable)
}

func TestApply_IncidentClosedSucceedsAfterRCAAndLearning(t *testing.T) {
	client := dbtest.NewClient(t)
	ws := ids.New(ids.PrefixOwner)
	incidentID := ids.New(ids.PrefixIncident)
	lessonID := ids.New(ids.PrefixLesson)

	opened := baseEnvelope(ws, 1, projections.EventIncidentOpened, map[string]any{"incident_id": incidentID})
	require.NoError(t, projections.Apply(t.Context(), client.Pool(), opened))

	learned := baseEnvelope(ws, 2, projections.EventIncidentLearningLog, map[string]any{"incident_id": incidentID, "lesson_id": lessonID})
	require.NoError(t, projections.Apply(t.Context(), client.Pool(), learned))

	rcaUpdated := baseEnvelope(ws, 3, projections.EventIncidentRCAUpdated, map[string]any{"incident_id": incidentID})
	require.NoError(t, projections.Apply(t.Context(), client.Pool(), rcaUpdated))

	closed := baseEnvelope(ws, 4, projections.EventIncidentCloseRequested, map[string]any{"incident_id": incidentID})
	require.NoError(t, projections.Apply(t.Context(), client.Pool(), closed))

	var status string
	var learningCount int
	err := client.Pool().QueryRow(t.Context(), `SELECT status, learning_count FROM proj_incidents WHERE incident_id = $1`, incidentID).Scan(&status, &learningCount)
	require.NoError(t, err)
	assert.Equal(t, "closed", status)
	assert.Equal(t, 1, learningCount)
}

func TestApply_EvidenceManifestBuiltMaterializesRow(t *testing.T) {
	client := dbtest.NewClient(t)
	ws := ids.New(ids.PrefixOwner)
	runID := ids.New(ids.PrefixRun)
	manifestID := ids.New(ids.PrefixEvidenceManifest)

	built := baseEnvelope(ws, 1, projections.EventEvidenceManifestBuilt, map[string]any{"manifest_id": manifestID})
	built.RunID = &runID
	require.NoError(t, projections.Apply(t.Context(), client.Pool(), built))

	var gotRunID string
	err := client.Pool().QueryRow(t.Context(), `SELECT run_id FROM proj_evidence_manifests WHERE manifest_id = $1`, manifestID).Scan(&gotRunID)
	require.NoError(t, err)
	assert.Equal(t, runID, gotRunID)
}

func TestApply_SkillPackageRecordedAppendsLedgerEntry(t *testing.T) {
	client := dbtest.NewClient(t)
	ws := ids.New(ids.PrefixOwner)
	skillPackageID := ids.New(ids.PrefixSkillPackage)

	recorded := baseEnvelope(ws, 1, projections.EventSkillPackageRecorded, map[string]any{
		"skill_package_id": skillPackageID,
		"entry_kind":       "survival_input",
	})
	require.NoError(t, projections.Apply(t.Context(), client.Pool(), recorded))

	// Re-applying the same event must not duplicate the ledger entry.
	require.NoError(t, projections.Apply(t.Context(), client.Pool(), recorded))

	var count int
	err := client.Pool().QueryRow(t.Context(), `SELECT count(*) FROM proj_skills_ledger WHERE skill_package_id = $1`, skillPackageID).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
