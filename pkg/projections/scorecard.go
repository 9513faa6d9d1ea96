package projections

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentops/controlplane/pkg/eventmodel"
	"github.com/agentops/controlplane/pkg/hashchain"
	"github.com/agentops/controlplane/pkg/ids"
)

// Metric is one named, weighted input to a scorecard.
type Metric struct {
	Key    string  `json:"key"`
	Value  float64 `json:"value"`
	Weight float64 `json:"weight"`
}

// Normalize implements spec.md §4.4's deterministic scorecard computation:
// metrics sorted by key, a canonical hash of the sorted set, a weighted
// average clamped to [0,1], and a pass/warn/fail decision.
func Normalize(metrics []Metric) (sortedMetrics []Metric, metricsHash string, score float64, decision string, err error) {
	sortedMetrics = append([]Metric(nil), metrics...)
	sort.Slice(sortedMetrics, func(i, j int) bool { return sortedMetrics[i].Key < sortedMetrics[j].Key })

	canon, err := hashchain.ToCanonicalValue(sortedMetrics)
	if err != nil {
		return nil, "", 0, "", fmt.Errorf("projections: canonicalize metrics: %w", err)
	}
	sum := sha256.Sum256(hashchain.Encode(canon))
	metricsHash = "sha256:" + hex.EncodeToString(sum[:])

	var weightedSum, totalWeight float64
	for _, m := range sortedMetrics {
		weightedSum += m.Value * m.Weight
		totalWeight += m.Weight
	}
	if totalWeight > 0 {
		score = weightedSum / totalWeight
	}
	score = clamp01(score)

	switch {
	case score >= 0.75:
		decision = "pass"
	case score >= 0.5:
		decision = "warn"
	default:
		decision = "fail"
	}
	return sortedMetrics, metricsHash, score, decision, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func applyScorecardComputed(ctx context.Context, pool *pgxpool.Pool, env eventmodel.Envelope) error {
	rawMetrics, _ := env.Data["metrics"].([]any)
	metrics := make([]Metric, 0, len(rawMetrics))
	for _, raw := range rawMetrics {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		key, _ := m["key"].(string)
		value, _ := m["value"].(float64)
		weight, _ := m["weight"].(float64)
		metrics = append(metrics, Metric{Key: key, Value: value, Weight: weight})
	}

	_, metricsHash, score, decision, err := Normalize(metrics)
	if err != nil {
		return err
	}

	scorecardID := strField(env.Data, "scorecard_id")
	if scorecardID == "" {
		scorecardID = ids.New(ids.PrefixScorecard)
	}

	_, err = pool.Exec(ctx, `
		INSERT INTO proj_scorecards (scorecard_id, workspace_id, run_id, metrics_hash, score, decision, last_event_id, last_stream_seq, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (scorecard_id) DO NOTHING
	`, scorecardID, env.WorkspaceID, env.RunID, metricsHash, score, decision, env.EventID, env.Stream.StreamSeq, env.RecordedAt)
	if err != nil {
		return fmt.Errorf("projections: apply scorecard.computed: %w", err)
	}
	return nil
}
