package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"civicsense/internal/domain"
)

// Writer appends change records inside the caller's transaction, so a row
// change and its feed event commit or roll back together.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type payload struct {
	New json.RawMessage `json:"new,omitempty"`
	Old json.RawMessage `json:"old,omitempty"`
}

// Append records kind on topic for entityID. newRow and oldRow may be nil.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, topic string, kind domain.ChangeKind, entityID, actorID string, newRow, oldRow any) (int64, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	var p payload
	var err error
	if newRow != nil {
		if p.New, err = json.Marshal(newRow); err != nil {
			return 0, fmt.Errorf("marshal event row: %w", err)
		}
	}
	if oldRow != nil {
		if p.Old, err = json.Marshal(oldRow); err != nil {
			return 0, fmt.Errorf("marshal event old row: %w", err)
		}
	}
	data, err := json.Marshal(p)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,topic,kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		domain.FormatTime(w.Now()), topic, string(kind), entityID, actorID, string(data))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Decode turns a stored event into a typed change.
func Decode(e domain.Event) (domain.Change, error) {
	ch := domain.Change{
		Seq:     e.ID,
		TS:      e.TS,
		Topic:   e.Topic,
		Kind:    domain.ChangeKind(e.Kind),
		ActorID: e.ActorID,
	}
	var p payload
	if err := json.Unmarshal([]byte(e.Payload), &p); err != nil {
		return ch, fmt.Errorf("decode event %d: %w", e.ID, err)
	}
	switch e.Topic {
	case domain.TopicIssues:
		if len(p.New) > 0 {
			var is domain.Issue
			if err := json.Unmarshal(p.New, &is); err != nil {
				return ch, fmt.Errorf("decode event %d row: %w", e.ID, err)
			}
			ch.Issue = &is
		}
		if len(p.Old) > 0 {
			var old domain.Issue
			if err := json.Unmarshal(p.Old, &old); err != nil {
				return ch, fmt.Errorf("decode event %d old row: %w", e.ID, err)
			}
			ch.Old = &old
		}
	case domain.TopicIssueUpdates:
		if len(p.New) > 0 {
			var u domain.IssueUpdate
			if err := json.Unmarshal(p.New, &u); err != nil {
				return ch, fmt.Errorf("decode event %d row: %w", e.ID, err)
			}
			ch.Update = &u
		}
	default:
		return ch, fmt.Errorf("event %d has unknown topic %q", e.ID, e.Topic)
	}
	return ch, nil
}
