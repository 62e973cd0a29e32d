package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"releaseline/internal/config"
	"releaseline/internal/db"
	"releaseline/internal/migrate"
	"releaseline/internal/repo"
)

func TestResolveManifestOrder(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(conn))
	r := repo.Repo{DB: conn}

	m, src, err := ResolveManifest(ctx, dir, "", r)
	require.NoError(t, err)
	assert.Equal(t, SourceDefault, src)
	assert.Equal(t, "app", m.Deploy.Project)

	stored, err := config.FromYAML([]byte(config.GenerateDefault("stored")))
	require.NoError(t, err)
	tx, err := conn.Begin()
	require.NoError(t, err)
	require.NoError(t, r.UpsertManifest(ctx, tx, stored, "alice"))
	require.NoError(t, tx.Commit())
	m, src, err = ResolveManifest(ctx, dir, "", r)
	require.NoError(t, err)
	assert.Equal(t, SourceDatabase, src)
	assert.Equal(t, "stored", m.Deploy.Project)

	require.NoError(t, os.WriteFile(config.Path(dir), []byte(config.GenerateDefault("file")), 0o644))
	m, src, err = ResolveManifest(ctx, dir, "", r)
	require.NoError(t, err)
	assert.Equal(t, SourceWorkspace, src)
	assert.Equal(t, "file", m.Deploy.Project)

	override := filepath.Join(t.TempDir(), "custom.yml")
	require.NoError(t, os.WriteFile(override, []byte(config.GenerateDefault("flag")), 0o644))
	m, src, err = ResolveManifest(ctx, dir, override, r)
	require.NoError(t, err)
	assert.Equal(t, SourceFlag, src)
	assert.Equal(t, "flag", m.Deploy.Project)

	_, _, err = ResolveManifest(ctx, dir, filepath.Join(dir, "missing.yml"), r)
	assert.Error(t, err)
}
