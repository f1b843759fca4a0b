package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"makerspace/internal/domain"
)

const (
	TypeRequestCreated = "request.created"
	TypeRequestDeleted = "request.deleted"
)

type EventPayload map[string]any

// Recorder appends entries to the request journal.
type Recorder interface {
	Append(ctx context.Context, evtType, entityID, actorID string, payload EventPayload) error
}

// Nop discards events; used with the memory store.
type Nop struct{}

func (Nop) Append(context.Context, string, string, string, EventPayload) error { return nil }

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, evtType, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?)`,
		ts, evtType, entityID, actorID, string(data))
	return err
}

// Tail returns the most recent events, oldest first.
func (w Writer) Tail(ctx context.Context, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := w.DB.QueryContext(ctx, `SELECT id,ts,type,entity_id,actor_id,payload_json FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(res)-1; i < j; i, j = i+1, j-1 {
		res[i], res[j] = res[j], res[i]
	}
	return res, nil
}
