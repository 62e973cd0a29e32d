package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"releaseline/internal/domain"
)

// Provider captures the current state of the system under release.
type Provider interface {
	Capture(ctx context.Context) (domain.SystemSnapshot, error)
}

// Static returns the same snapshot on every capture.
type Static struct {
	Snapshot domain.SystemSnapshot
	Now      func() time.Time
}

func (s Static) Capture(ctx context.Context) (domain.SystemSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return domain.SystemSnapshot{}, err
	}
	snap := s.Snapshot
	if snap.CapturedAt.IsZero() {
		now := time.Now
		if s.Now != nil {
			now = s.Now
		}
		snap.CapturedAt = now().UTC()
	}
	return snap, nil
}

// FromFile loads a static snapshot from YAML or JSON.
func FromFile(path string) (Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Static{}, err
	}
	var snap domain.SystemSnapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return Static{}, fmt.Errorf("invalid snapshot %s: %w", path, err)
	}
	return Static{Snapshot: snap}, nil
}

// Sequence returns its snapshots in order and then repeats the last one.
// Useful for exercising repair loops where each capture sees a later state.
type Sequence struct {
	mu        sync.Mutex
	snapshots []domain.SystemSnapshot
	next      int
}

func NewSequence(snaps ...domain.SystemSnapshot) *Sequence {
	return &Sequence{snapshots: snaps}
}

func (s *Sequence) Capture(ctx context.Context) (domain.SystemSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return domain.SystemSnapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.snapshots) == 0 {
		return domain.SystemSnapshot{}, fmt.Errorf("snapshot sequence is empty")
	}
	idx := s.next
	if idx >= len(s.snapshots) {
		idx = len(s.snapshots) - 1
	} else {
		s.next++
	}
	return s.snapshots[idx], nil
}

// Captures reports how many captures advanced the sequence.
func (s *Sequence) Captures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// readFiles loads scan targets relative to root. Directories are walked;
// files larger than maxScanBytes are skipped.
func readFiles(root string, paths []string) (map[string]string, error) {
	out := map[string]string{}
	for _, p := range paths {
		full := filepath.Join(root, p)
		info, err := os.Stat(full)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		if !info.IsDir() {
			if err := readOne(root, full, out); err != nil {
				return nil, err
			}
			continue
		}
		err = filepath.WalkDir(full, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				name := d.Name()
				if path != full && (strings.HasPrefix(name, ".") || name == "node_modules" || name == "vendor") {
					return filepath.SkipDir
				}
				return nil
			}
			return readOne(root, path, out)
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

const maxScanBytes = 1 << 20

func readOne(root, path string, out map[string]string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() > maxScanBytes {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = path
	}
	out[filepath.ToSlash(rel)] = string(data)
	return nil
}
