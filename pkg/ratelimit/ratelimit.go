// Package ratelimit implements the token-bucket-per-(workspace, agent,
// scope, experiment?) limiter and its companion consecutive-429 streak
// counter (spec.md §2, §4.2 step 6).
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Limiter token-buckets requests per secondary key within a scope.
// Buckets live in-process (spec.md §5: "no shared in-process mutable
// state beyond connection checkout" describes the database layer; the
// bucket itself is the one deliberate exception, same as the source's
// in-memory limiter map).
type Limiter struct {
	pool *pgxpool.Pool

	mu      sync.Mutex
	buckets map[string]*rate.Limiter

	rps   rate.Limit
	burst int
}

// New constructs a Limiter with the given steady-state rate and burst
// capacity, shared across all buckets.
func New(pool *pgxpool.Pool, ratePerSecond float64, burst int) *Limiter {
	return &Limiter{
		pool:    pool,
		buckets: make(map[string]*rate.Limiter),
		rps:     rate.Limit(ratePerSecond),
		burst:   burst,
	}
}

func bucketKey(workspaceID, agentID, scope string, experimentID *string) string {
	exp := ""
	if experimentID != nil {
		exp = *experimentID
	}
	return strings.Join([]string{workspaceID, agentID, scope, exp}, "\x1f")
}

func (l *Limiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(l.rps, l.burst)
		l.buckets[key] = b
	}
	return b
}

// Allow consumes one token from the bucket identified by
// (workspaceID, agentID, scope, experimentID). On success it asynchronously
// resets the agent's consecutive-429 streak to 0 (spec.md §4.2 step 10);
// on denial it increments the streak synchronously so the caller can
// inspect it immediately if needed.
func (l *Limiter) Allow(ctx context.Context, workspaceID, agentID, scope string, experimentID *string) (bool, error) {
	key := bucketKey(workspaceID, agentID, scope, experimentID)
	if l.bucket(key).Allow() {
		go l.resetStreak(context.WithoutCancel(ctx), workspaceID, agentID, scope)
		return true, nil
	}
	if err := l.incrementStreak(ctx, workspaceID, agentID, scope); err != nil {
		return false, err
	}
	return false, nil
}

// Streak returns the agent's current consecutive-429 count for scope.
func (l *Limiter) Streak(ctx context.Context, workspaceID, agentID, scope string) (int, error) {
	var n int
	err := l.pool.QueryRow(ctx, `
		SELECT consecutive_429 FROM rate_limit_streaks
		WHERE workspace_id = $1 AND agent_id = $2 AND scope = $3
	`, workspaceID, agentID, scope).Scan(&n)
	if err != nil {
		return 0, nil // no row yet means a clean streak of zero
	}
	return n, nil
}

func (l *Limiter) incrementStreak(ctx context.Context, workspaceID, agentID, scope string) error {
	_, err := l.pool.Exec(ctx, `
		INSERT INTO rate_limit_streaks (workspace_id, agent_id, scope, consecutive_429, updated_at)
		VALUES ($1, $2, $3, 1, now())
		ON CONFLICT (workspace_id, agent_id, scope)
		DO UPDATE SET consecutive_429 = rate_limit_streaks.consecutive_429 + 1, updated_at = now()
	`, workspaceID, agentID, scope)
	if err != nil {
		return fmt.Errorf("ratelimit: increment streak: %w", err)
	}
	return nil
}

func (l *Limiter) resetStreak(ctx context.Context, workspaceID, agentID, scope string) {
	_, _ = l.pool.Exec(ctx, `
		UPDATE rate_limit_streaks SET consecutive_429 = 0, updated_at = now()
		WHERE workspace_id = $1 AND agent_id = $2 AND scope = $3 AND consecutive_429 != 0
	`, workspaceID, agentID, scope)
}

// Scope names used by the intake pipeline.
const ScopeMessages = "messages"
