package projections_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentops/controlplane/pkg/projections"
)

func TestNormalize_SortsAndComputesWeightedScore(t *testing.T) {
	metrics := []projections.Metric{
		{Key: "zeta", Value: 1.0, Weight: 1},
		{Key: "alpha", Value: 0.5, Weight: 1},
	}

	sorted, hash, score, decision, err := projections.Normalize(metrics)
	require.NoError(t, err)

	assert.Equal(t, "alpha", sorted[0].Key)
	assert.Equal(t, "zeta", sorted[1].Key)
	assert.NotEmpty(t, hash)
	assert.Contains(t, hash, "sha256:")
	assert.InDelta(t, 0.75, score, 1e-9)
	assert.Equal(t, "pass", decision)
}

func TestNormalize_DeterministicAcrossInputOrder(t *testing.T) {
	a := []projections.Metric{{Key: "a", Value: 1, Weight: 1}, {Key: "b", Value: 0, Weight: 1}}
	b := []projections.Metric{{Key: "b", Value: 0, Weight: 1}, {Key: "a", Value: 1, Weight: 1}}

	_, hashA, _, _, err := projections.Normalize(a)
	require.NoError(t, err)
	_, hashB, _, _, err := projections.Normalize(b)
	require.NoError(t, err)

	assert.Equal(t, hashA, hashB)
}

func TestNormalize_DecisionThresholds(t *testing.T) {
	_, _, _, warnDecision, err := projections.Normalize([]projections.Metric{{Key: "k", Value: 0.6, Weight: 1}})
	require.NoError(t, err)
	assert.Equal(t, "warn", warnDecision)

	_, _, _, failDecision, err := projections.Normalize([]projections.Metric{{Key: "k", Value: 0.1, Weight: 1}})
	require.NoError(t, err)
	assert.Equal(t, "fail", failDecision)
}

func TestNormalize_ClampsOutOfRangeScore(t *testing.T) {
	_, _, score, _, err := projections.Normalize([]projections.Metric{{Key: "k", Value: 2.0, Weight: 1}})
	require.NoError(t, err)
	assert.Equal(t, 1.0, score)
}

func TestNormalize_EmptyMetricsYieldsZeroScore(t *testing.T) {
	_, _, score, decision, err := projections.Normalize(nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, score)
	assert.Equal(t, "fail", decision)
}
