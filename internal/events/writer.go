package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type EventPayload map[string]any

// Sink records mutation events. The controller appends one event per applied
// mutation; recording is best-effort and never blocks the mutation itself.
type Sink interface {
	Append(ctx context.Context, evtType, entityKind, entityID string, payload EventPayload) error
}

// Writer appends events to the events table.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, evtType, entityKind, entityID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,payload_json) VALUES (?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), string(data))
	return err
}

// Nop discards all events; used when no database is attached.
type Nop struct{}

func (Nop) Append(context.Context, string, string, string, EventPayload) error { return nil }

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
