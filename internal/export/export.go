// Package export archives run results outside the workspace database.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gowebpki/jcs"

	"releaseline/internal/domain"
)

type Sink interface {
	Put(ctx context.Context, key string, data []byte) error
}

// RunKey is the object key a run result is archived under.
func RunKey(runID string) string {
	return "runs/" + runID + ".json"
}

// Canonical serializes v as RFC 8785 canonical JSON so archived results hash
// identically across hosts.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

// Run writes res to sink and returns the key it was written under.
func Run(ctx context.Context, sink Sink, res domain.RunResult) (string, error) {
	if sink == nil {
		return "", errors.New("export sink not configured")
	}
	if res.RunID == "" {
		return "", errors.New("run id required")
	}
	data, err := Canonical(res)
	if err != nil {
		return "", fmt.Errorf("canonicalize run %s: %w", res.RunID, err)
	}
	key := RunKey(res.RunID)
	if err := sink.Put(ctx, key, data); err != nil {
		return "", fmt.Errorf("export run %s: %w", res.RunID, err)
	}
	return key, nil
}

// FileSink writes objects below Dir, creating parent directories as needed.
type FileSink struct {
	Dir string
}

func (f FileSink) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return fmt.Errorf("invalid export key %q", key)
	}
	path := filepath.Join(f.Dir, clean)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
