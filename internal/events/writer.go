package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the engine.
const (
	VerifyCompleted = "verify.completed"
	RunStarted      = "run.started"
	RunTransition   = "run.transition"
	RunFinished     = "run.finished"
	AlertRaised     = "alert.raised"
	RollbackManual  = "alert.rollback"
	ManifestImport  = "manifest.imported"
	DeployCreated   = "deployment.created"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one audit event inside tx so it commits with the change it
// describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, target, entityKind, entityID, actorID string, payload EventPayload) error {
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
	if actorID == "" {
		actorID = "system"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,target,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(target), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
