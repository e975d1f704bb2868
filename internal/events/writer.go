package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"escrowline/internal/domain"
)

// Writer appends transition records in the same transaction as the state
// commit they describe.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Payload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, action string, missionID int64, from, to domain.Status, actorID string, amountMoved int64, payload Payload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal transition payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO transitions(ts,mission_id,action,from_status,to_status,actor_id,amount_moved,payload_json) VALUES (?,?,?,?,?,?,?,?)`,
		ts, missionID, action, from, to, actorID, amountMoved, string(data))
	return err
}
