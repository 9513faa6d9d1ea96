// Package streamtail implements the live stream fan-out: a forward-only,
// ordered tail over a room's events, resuming from a client-supplied
// sequence (spec.md §4.7). Unlike the teacher's WebSocket
// ConnectionManager/NotifyListener pair (pkg/events), this is a pull-based
// poll loop — the spec's contract needs no PG LISTEN/NOTIFY fan-out, only
// "sleep ~1s on empty, else emit and advance the cursor".
package streamtail

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentops/controlplane/pkg/eventmodel"
)

// BatchSize is the maximum number of events delivered per poll
// (spec.md §4.7: "batch ≤100").
const BatchSize = 100

// PollInterval is how long Subscribe sleeps after an empty poll.
const PollInterval = time.Second

// Frame is one row delivered to the subscriber: stream_seq is coerced to a
// number per spec.md §4.7, and event_id, event_type and data come with it.
// The other envelope columns are not included.
type Frame struct {
	StreamSeq int64          `json:"stream_seq"`
	EventID   string         `json:"event_id"`
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data"`
}

// Sink receives frames as they're produced. Implementations translate to
// wire framing (e.g. "data: <json>\n\n" for SSE); see pkg/api for the HTTP
// adapter.
type Sink interface {
	Send(ctx context.Context, frame Frame) error
}

// Subscribe implements spec.md §4.7: polls evt_events for room_id ordered
// by stream_seq ascending, starting strictly after fromSeq, advancing the
// cursor as frames are delivered. Returns when ctx is cancelled (the
// subscriber closed the connection).
func Subscribe(ctx context.Context, pool *pgxpool.Pool, roomID string, fromSeq int64, sink Sink) error {
	cursor := fromSeq
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		rows, err := pool.Query(ctx, `
			SELECT stream_seq, event_id, event_type, data
			FROM evt_events
			WHERE stream_type = $1 AND stream_id = $2 AND stream_seq > $3
			ORDER BY stream_seq ASC
			LIMIT $4
		`, eventmodel.StreamRoom, roomID, cursor, BatchSize)
		if err != nil {
			return fmt.Errorf("streamtail: poll: %w", err)
		}

		var frames []Frame
		for rows.Next() {
			var f Frame
			var rawData []byte
			if err := rows.Scan(&f.StreamSeq, &f.EventID, &f.EventType, &rawData); err != nil {
				rows.Close()
				return fmt.Errorf("streamtail: scan: %w", err)
			}
			if len(rawData) > 0 {
				if err := json.Unmarshal(rawData, &f.Data); err != nil {
					rows.Close()
					return fmt.Errorf("streamtail: unmarshal data: %w", err)
				}
			}
			frames = append(frames, f)
		}
		rowsErr := rows.Err()
		rows.Close()
		if rowsErr != nil {
			return fmt.Errorf("streamtail: iterate: %w", rowsErr)
		}

		if len(frames) == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(PollInterval):
				continue
			}
		}

		for _, f := range frames {
			if err := sink.Send(ctx, f); err != nil {
				return fmt.Errorf("streamtail: send: %w", err)
			}
			cursor = f.StreamSeq
		}
	}
}
