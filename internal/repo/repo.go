package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"releaseline/internal/config"
	"releaseline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const defaultManifestID = "default"

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableBoolPtr(v *bool) any {
	if v == nil {
		return nil
	}
	return boolInt(*v)
}

// Manifests

func (r Repo) UpsertManifest(ctx context.Context, tx *sql.Tx, m *config.Manifest, actorID string) error {
	if m == nil {
		return fmt.Errorf("manifest nil")
	}
	if err := m.Validate(); err != nil {
		return err
	}
	data, err := m.YAML()
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = tx.ExecContext(ctx, `INSERT INTO manifests(id,manifest_yaml,imported_by,created_at,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET manifest_yaml=excluded.manifest_yaml, imported_by=excluded.imported_by, updated_at=excluded.updated_at`,
		defaultManifestID, string(data), actorID, now, now)
	return err
}

func (r Repo) GetManifest(ctx context.Context) (*config.Manifest, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT manifest_yaml FROM manifests WHERE id=?`, defaultManifestID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return config.FromYAML([]byte(payload))
}

// Runs

func (r Repo) InsertRunTx(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO runs(id,target,final_state,success,proof_hash,deployment_id,actor_id,started_at,finished_at,result_json) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.Target, run.FinalState, boolInt(run.Success), nullable(run.ProofHash), nullable(run.DeploymentID), run.ActorID, run.StartedAt, run.FinishedAt, run.ResultJSON)
	return err
}

const runColumns = `id,target,final_state,success,COALESCE(proof_hash,''),COALESCE(deployment_id,''),actor_id,started_at,finished_at,result_json`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.Run, error) {
	var run domain.Run
	var success int
	err := row.Scan(&run.ID, &run.Target, &run.FinalState, &success, &run.ProofHash, &run.DeploymentID, &run.ActorID, &run.StartedAt, &run.FinishedAt, &run.ResultJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return run, ErrNotFound
	}
	run.Success = success == 1
	return run, err
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
}

// GetRunResult decodes the stored RunResult for a run.
func (r Repo) GetRunResult(ctx context.Context, id string) (domain.RunResult, error) {
	run, err := r.GetRun(ctx, id)
	if err != nil {
		return domain.RunResult{}, err
	}
	var res domain.RunResult
	if err := json.Unmarshal([]byte(run.ResultJSON), &res); err != nil {
		return domain.RunResult{}, fmt.Errorf("decode run %s: %w", id, err)
	}
	return res, nil
}

type RunFilters struct {
	Target     string
	FinalState string
	Limit      int
}

func (r Repo) ListRuns(ctx context.Context, f RunFilters) ([]domain.Run, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Target != "" {
		clauses = append(clauses, "target=?")
		args = append(args, f.Target)
	}
	if f.FinalState != "" {
		clauses = append(clauses, "final_state=?")
		args = append(args, f.FinalState)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT %s FROM runs WHERE %s ORDER BY finished_at DESC, rowid DESC LIMIT ?`, runColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// LastStableDeployment returns the deployment of the latest successful run
// for target, or ErrNotFound.
func (r Repo) LastStableDeployment(ctx context.Context, target string) (string, error) {
	var id string
	err := r.DB.QueryRowContext(ctx, `SELECT deployment_id FROM runs WHERE target=? AND success=1 AND deployment_id IS NOT NULL ORDER BY finished_at DESC, rowid DESC LIMIT 1`, target).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return id, err
}

// Deployments

func (r Repo) UpsertDeploymentTx(ctx context.Context, tx *sql.Tx, target string, info domain.DeploymentInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	created := now
	if !info.CreatedAt.IsZero() {
		created = info.CreatedAt.UTC().Format(time.RFC3339)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO deployments(id,target,status,url,simulated,info_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET status=excluded.status, url=excluded.url, info_json=excluded.info_json, updated_at=excluded.updated_at`,
		info.ID, target, string(info.Status), nullable(info.URL), boolInt(info.Simulated), string(data), created, now)
	return err
}

func (r Repo) GetDeployment(ctx context.Context, id string) (domain.DeploymentInfo, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT info_json FROM deployments WHERE id=?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DeploymentInfo{}, ErrNotFound
	}
	if err != nil {
		return domain.DeploymentInfo{}, err
	}
	var info domain.DeploymentInfo
	if err := json.Unmarshal([]byte(payload), &info); err != nil {
		return domain.DeploymentInfo{}, err
	}
	return info, nil
}

// Alerts are append-only; the schema rejects updates and deletes.

func (r Repo) InsertAlertTx(ctx context.Context, tx *sql.Tx, runID, target string, a domain.GjallarhornAlert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO alerts(id,run_id,target,deployment_id,reason,action_taken,rollback_target,rollback_succeeded,alert_json,created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.ID, nullable(runID), target, a.DeploymentID, a.Reason, string(a.ActionTaken), nullable(a.RollbackTarget), nullableBoolPtr(a.RollbackSucceeded), string(data), a.CreatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (r Repo) ListAlerts(ctx context.Context, target string, limit int) ([]domain.GjallarhornAlert, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT alert_json FROM alerts ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args := []any{limit}
	if target != "" {
		query = `SELECT alert_json FROM alerts WHERE target=? ORDER BY created_at DESC, rowid DESC LIMIT ?`
		args = []any{target, limit}
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GjallarhornAlert
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var a domain.GjallarhornAlert
		if err := json.Unmarshal([]byte(payload), &a); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// Leases

func (r Repo) UpsertLease(ctx context.Context, tx *sql.Tx, lease domain.Lease) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO target_leases(key,owner_id,token,acquired_at,expires_at) VALUES (?,?,?,?,?)
ON CONFLICT(key) DO UPDATE SET owner_id=excluded.owner_id, token=excluded.token, acquired_at=excluded.acquired_at, expires_at=excluded.expires_at`,
		lease.Key, lease.OwnerID, lease.Token, lease.AcquiredAt, lease.ExpiresAt)
	return err
}

// DeleteLease removes the lease only while token still owns it.
func (r Repo) DeleteLease(ctx context.Context, tx *sql.Tx, key, token string) (bool, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM target_leases WHERE key=? AND token=?`, key, token)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) GetLeaseTx(ctx context.Context, tx *sql.Tx, key string) (domain.Lease, error) {
	var l domain.Lease
	err := tx.QueryRowContext(ctx, `SELECT key,owner_id,token,acquired_at,expires_at FROM target_leases WHERE key=?`, key).
		Scan(&l.Key, &l.OwnerID, &l.Token, &l.AcquiredAt, &l.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return l, ErrNotFound
	}
	return l, err
}

// Events

type EventFilters struct {
	Target     string
	Type       string
	EntityKind string
	EntityID   string
	Before     int64
	Limit      int
}

func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Target != "" {
		clauses = append(clauses, "target=?")
		args = append(args, f.Target)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Before)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(target,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, target string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"id>?"}
	args := []any{cursor}
	if target != "" {
		clauses = append(clauses, "target=?")
		args = append(args, target)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(target,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id ASC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.Target, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) LatestEventID(ctx context.Context, target string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if target != "" {
		query += ` WHERE target=?`
		args = append(args, target)
	}
	var id int64
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
