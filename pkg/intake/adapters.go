package intake

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRoomLookup resolves room/thread cross-entity checks against the
// proj_rooms/proj_threads read models (spec.md §6: "the event table is
// the only source of truth; all others are replayable").
type PGRoomLookup struct {
	pool *pgxpool.Pool
}

// NewPGRoomLookup constructs a PGRoomLookup.
func NewPGRoomLookup(pool *pgxpool.Pool) *PGRoomLookup {
	return &PGRoomLookup{pool: pool}
}

// RoomWorkspace implements RoomLookup.
func (l *PGRoomLookup) RoomWorkspace(ctx context.Context, roomID string) (string, bool, error) {
	var workspaceID string
	err := l.pool.QueryRow(ctx, `SELECT workspace_id FROM proj_rooms WHERE room_id = $1`, roomID).Scan(&workspaceID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("intake: lookup room: %w", err)
	}
	return workspaceID, true, nil
}

// ThreadRoom implements RoomLookup.
func (l *PGRoomLookup) ThreadRoom(ctx context.Context, threadID string) (string, string, bool, error) {
	var roomID, workspaceID string
	err := l.pool.QueryRow(ctx, `SELECT room_id, workspace_id FROM proj_threads WHERE thread_id = $1`, threadID).Scan(&roomID, &workspaceID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", false, nil
		}
		return "", "", false, fmt.Errorf("intake: lookup thread: %w", err)
	}
	return roomID, workspaceID, true, nil
}

// PGAgentResolver maps an authenticated principal to an agent via
// sec_principals.
type PGAgentResolver struct {
	pool *pgxpool.Pool
}

// NewPGAgentResolver constructs a PGAgentResolver.
func NewPGAgentResolver(pool *pgxpool.Pool) *PGAgentResolver {
	return &PGAgentResolver{pool: pool}
}

// IsActiveAgent implements AgentResolver.
func (r *PGAgentResolver) IsActiveAgent(ctx context.Context, principalID string) (bool, error) {
	var revoked bool
	err := r.pool.QueryRow(ctx, `
		SELECT revoked_at IS NOT NULL FROM sec_principals
		WHERE principal_id = $1 AND principal_type = 'agent'
	`, principalID).Scan(&revoked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("intake: resolve agent: %w", err)
	}
	return !revoked, nil
}

// HTTPArtifactChecker performs the out-of-band HEAD check described in
// spec.md §6: "Artifact HEAD URL is templated with {object_key} or
// extended with ?object_key=…. 404 ⇒ not found; 2xx ⇒ exists; ≥500 /
// network ⇒ unavailable."
type HTTPArtifactChecker struct {
	headURLTemplate string
	client          *http.Client
}

// NewHTTPArtifactChecker constructs a checker against the configured
// ARTIFACT_STORAGE_HEAD_URL.
func NewHTTPArtifactChecker(headURLTemplate string) *HTTPArtifactChecker {
	return &HTTPArtifactChecker{
		headURLTemplate: headURLTemplate,
		client:          &http.Client{Timeout: 5 * time.Second},
	}
}

// Exists implements ArtifactChecker.
func (c *HTTPArtifactChecker) Exists(ctx context.Context, objectKey string) (bool, error) {
	url := c.resolveURL(objectKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false, fmt.Errorf("intake: build artifact HEAD request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("intake: artifact HEAD request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, nil
	case resp.StatusCode >= 500:
		return false, fmt.Errorf("intake: artifact store returned %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("intake: unexpected artifact store status %d", resp.StatusCode)
	}
}

func (c *HTTPArtifactChecker) resolveURL(objectKey string) string {
	if strings.Contains(c.headURLTemplate, "{object_key}") {
		return strings.ReplaceAll(c.headURLTemplate, "{object_key}", objectKey)
	}
	sep := "?"
	if strings.Contains(c.headURLTemplate, "?") {
		sep = "&"
	}
	return c.headURLTemplate + sep + "object_key=" + objectKey
}
