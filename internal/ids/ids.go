package ids

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Generator hands out identifiers scoped to one owner, usually one run.
// Sequences never leak between generators.
type Generator struct {
	mu     sync.Mutex
	prefix string
	seq    map[string]int
}

// New returns a generator whose root id is a fresh UUID.
func New() *Generator {
	return NewWithRoot(uuid.NewString())
}

// NewWithRoot returns a generator rooted at a fixed id. Tests use it to get
// deterministic identifiers.
func NewWithRoot(root string) *Generator {
	return &Generator{prefix: root, seq: map[string]int{}}
}

// Root is the generator's own id (the run id when owned by a run).
func (g *Generator) Root() string {
	return g.prefix
}

// Next returns "<kind>-<root>-<n>" with n counting from 1 per kind.
func (g *Generator) Next(kind string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq[kind]++
	return fmt.Sprintf("%s-%s-%d", kind, g.prefix, g.seq[kind])
}

// Count reports how many ids of kind were handed out.
func (g *Generator) Count(kind string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.seq[kind]
}
