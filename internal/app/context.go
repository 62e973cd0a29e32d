package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"releaseline/internal/config"
	"releaseline/internal/repo"
)

// ManifestSource names where ResolveManifest found the manifest.
type ManifestSource string

const (
	SourceFlag      ManifestSource = "flag"
	SourceWorkspace ManifestSource = "workspace"
	SourceDatabase  ManifestSource = "database"
	SourceDefault   ManifestSource = "default"
)

// ResolveManifest picks the active manifest. It prefers an explicit path,
// then releaseline.yml in the workspace, then the manifest imported into the
// workspace database, and finally the built-in default.
func ResolveManifest(ctx context.Context, workspace, override string, r repo.Repo) (*config.Manifest, ManifestSource, error) {
	if override != "" {
		m, err := config.FromFile(override)
		if err != nil {
			return nil, "", fmt.Errorf("manifest %s: %w", override, err)
		}
		return m, SourceFlag, nil
	}
	if _, err := os.Stat(config.Path(workspace)); err == nil {
		m, err := config.Load(workspace)
		if err != nil {
			return nil, "", err
		}
		return m, SourceWorkspace, nil
	}
	if r.DB != nil {
		m, err := r.GetManifest(ctx)
		switch {
		case err == nil:
			return m, SourceDatabase, nil
		case !errors.Is(err, repo.ErrNotFound):
			return nil, "", fmt.Errorf("load stored manifest: %w", err)
		}
	}
	return config.Default(), SourceDefault, nil
}
