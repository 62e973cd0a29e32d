package repo_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"releaseline/internal/config"
	"releaseline/internal/db"
	"releaseline/internal/domain"
	"releaseline/internal/events"
	"releaseline/internal/migrate"
	"releaseline/internal/repo"
)

func openRepo(t *testing.T) (repo.Repo, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn}, conn
}

func withTx(t *testing.T, conn *sql.DB, fn func(tx *sql.Tx)) {
	t.Helper()
	tx, err := conn.Begin()
	require.NoError(t, err)
	defer tx.Rollback()
	fn(tx)
	require.NoError(t, tx.Commit())
}

func TestManifestRoundTrip(t *testing.T) {
	r, conn := openRepo(t)
	ctx := context.Background()

	_, err := r.GetManifest(ctx)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	m, err := config.FromYAML([]byte(config.GenerateDefault("shop")))
	require.NoError(t, err)
	withTx(t, conn, func(tx *sql.Tx) {
		require.NoError(t, r.UpsertManifest(ctx, tx, m, "alice"))
	})
	got, err := r.GetManifest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "shop", got.Deploy.Project)
	assert.Len(t, got.Invariants, len(m.Invariants))
}

func TestRunsAndLastStableDeployment(t *testing.T) {
	r, conn := openRepo(t)
	ctx := context.Background()

	runs := []domain.Run{
		{ID: "run-1", Target: "shop/production", FinalState: string(domain.StateDone), Success: true, DeploymentID: "dpl-1", ActorID: "ci", StartedAt: "2024-01-01T00:00:00Z", FinishedAt: "2024-01-01T00:01:00Z", ResultJSON: `{"run_id":"run-1"}`},
		{ID: "run-2", Target: "shop/production", FinalState: string(domain.StateFailed), Success: false, DeploymentID: "dpl-2", ActorID: "ci", StartedAt: "2024-01-02T00:00:00Z", FinishedAt: "2024-01-02T00:01:00Z", ResultJSON: `{"run_id":"run-2"}`},
		{ID: "run-3", Target: "shop/staging", FinalState: string(domain.StateDone), Success: true, DeploymentID: "dpl-3", ActorID: "ci", StartedAt: "2024-01-03T00:00:00Z", FinishedAt: "2024-01-03T00:01:00Z", ResultJSON: `{"run_id":"run-3"}`},
	}
	withTx(t, conn, func(tx *sql.Tx) {
		for _, run := range runs {
			require.NoError(t, r.InsertRunTx(ctx, tx, run))
		}
	})

	got, err := r.GetRun(ctx, "run-2")
	require.NoError(t, err)
	assert.False(t, got.Success)
	assert.Equal(t, "dpl-2", got.DeploymentID)

	_, err = r.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	list, err := r.ListRuns(ctx, repo.RunFilters{Target: "shop/production"})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "run-2", list[0].ID)

	stable, err := r.LastStableDeployment(ctx, "shop/production")
	require.NoError(t, err)
	assert.Equal(t, "dpl-1", stable)

	_, err = r.LastStableDeployment(ctx, "shop/preview")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	res, err := r.GetRunResult(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", res.RunID)
}

func TestDeploymentUpsert(t *testing.T) {
	r, conn := openRepo(t)
	ctx := context.Background()
	info := domain.DeploymentInfo{ID: "dpl-1", Name: "shop", Status: domain.DeploymentBuilding, CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	withTx(t, conn, func(tx *sql.Tx) {
		require.NoError(t, r.UpsertDeploymentTx(ctx, tx, "shop/production", info))
	})
	info.Status = domain.DeploymentReady
	info.URL = "https://shop-1.sim.local"
	withTx(t, conn, func(tx *sql.Tx) {
		require.NoError(t, r.UpsertDeploymentTx(ctx, tx, "shop/production", info))
	})
	got, err := r.GetDeployment(ctx, "dpl-1")
	require.NoError(t, err)
	assert.Equal(t, domain.DeploymentReady, got.Status)
	assert.Equal(t, "https://shop-1.sim.local", got.URL)
}

func TestAlertsAreAppendOnly(t *testing.T) {
	r, conn := openRepo(t)
	ctx := context.Background()
	ok := true
	alert := domain.GjallarhornAlert{
		ID:                "alert-1",
		DeploymentID:      "dpl-2",
		Reason:            "success rate 0.90 below 0.98",
		ActionTaken:       domain.ActionRollback,
		RollbackTarget:    "dpl-1",
		RollbackSucceeded: &ok,
		CreatedAt:         time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	withTx(t, conn, func(tx *sql.Tx) {
		require.NoError(t, r.InsertAlertTx(ctx, tx, "run-1", "shop/production", alert))
	})

	list, err := r.ListAlerts(ctx, "shop/production", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, domain.ActionRollback, list[0].ActionTaken)
	require.NotNil(t, list[0].RollbackSucceeded)
	assert.True(t, *list[0].RollbackSucceeded)

	_, err = conn.Exec(`UPDATE alerts SET reason='edited' WHERE id='alert-1'`)
	assert.Error(t, err)
	_, err = conn.Exec(`DELETE FROM alerts WHERE id='alert-1'`)
	assert.Error(t, err)
}

func TestLeaseLifecycle(t *testing.T) {
	r, conn := openRepo(t)
	ctx := context.Background()
	lease := domain.Lease{Key: "shop/production", OwnerID: "a", Token: "tok-a", AcquiredAt: "2024-01-01T00:00:00Z", ExpiresAt: "2024-01-01T00:05:00Z"}
	withTx(t, conn, func(tx *sql.Tx) {
		require.NoError(t, r.UpsertLease(ctx, tx, lease))
		got, err := r.GetLeaseTx(ctx, tx, lease.Key)
		require.NoError(t, err)
		assert.Equal(t, "a", got.OwnerID)

		deleted, err := r.DeleteLease(ctx, tx, lease.Key, "other-token")
		require.NoError(t, err)
		assert.False(t, deleted)

		deleted, err = r.DeleteLease(ctx, tx, lease.Key, "tok-a")
		require.NoError(t, err)
		assert.True(t, deleted)

		_, err = r.GetLeaseTx(ctx, tx, lease.Key)
		assert.True(t, errors.Is(err, repo.ErrNotFound))
	})
}

func TestEventsCursor(t *testing.T) {
	r, conn := openRepo(t)
	ctx := context.Background()
	w := events.Writer{DB: conn}
	withTx(t, conn, func(tx *sql.Tx) {
		require.NoError(t, w.Append(ctx, tx, events.RunStarted, "shop/production", "run", "run-1", "ci", nil))
		require.NoError(t, w.Append(ctx, tx, events.RunFinished, "shop/production", "run", "run-1", "ci", events.EventPayload{"success": true}))
		require.NoError(t, w.Append(ctx, tx, events.RunStarted, "shop/staging", "run", "run-2", "", nil))
	})

	latest, err := r.LatestEventID(ctx, "")
	require.NoError(t, err)
	assert.EqualValues(t, 3, latest)

	after, err := r.EventsAfter(ctx, 10, 1, "shop/production")
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, events.RunFinished, after[0].Type)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(after[0].Payload), &payload))
	assert.Equal(t, true, payload["success"])

	recent, err := r.LatestEvents(ctx, repo.EventFilters{Type: events.RunStarted})
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "run-2", recent[0].EntityID)
	assert.Equal(t, "system", recent[0].ActorID)
}
