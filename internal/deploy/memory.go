package deploy

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"releaseline/internal/domain"
)

// MemoryProvider simulates a hosting backend. Deployments are ready as soon
// as they are created and ids are deterministic per instance.
type MemoryProvider struct {
	mu      sync.Mutex
	baseURL string
	seq     int
	deps    map[string]domain.DeploymentInfo
	aliases map[string]string
	Now     func() time.Time
}

func NewMemoryProvider(baseURL string) *MemoryProvider {
	return &MemoryProvider{
		baseURL: strings.TrimSpace(baseURL),
		deps:    map[string]domain.DeploymentInfo{},
		aliases: map[string]string{},
		Now:     time.Now,
	}
}

func (p *MemoryProvider) Name() string { return "memory" }

// SimulatedDomain is the host suffix of URLs the memory provider invents.
const SimulatedDomain = ".sim.local"

// Probeable reports whether info has a URL that can actually serve health
// probes. Simulated deployments without a configured base URL cannot.
func Probeable(info domain.DeploymentInfo) bool {
	if info.URL == "" {
		return false
	}
	if !info.Simulated {
		return true
	}
	host := info.URL
	if u, err := url.Parse(info.URL); err == nil && u.Host != "" {
		host = u.Hostname()
	}
	return !strings.HasSuffix(host, SimulatedDomain)
}

var slugInvalid = regexp.MustCompile(`[^a-z0-9-]+`)

func slug(name string) string {
	s := slugInvalid.ReplaceAllString(strings.ToLower(name), "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return "app"
	}
	return s
}

func (p *MemoryProvider) Create(ctx context.Context, opts CreateOptions) (domain.DeploymentInfo, error) {
	if err := ctx.Err(); err != nil {
		return domain.DeploymentInfo{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	now := p.Now().UTC()
	addr := fmt.Sprintf("https://%s-%d%s", slug(opts.Name), p.seq, SimulatedDomain)
	if p.baseURL != "" {
		addr = p.baseURL
	}
	info := domain.DeploymentInfo{
		ID:        fmt.Sprintf("sim-dpl-%04d", p.seq),
		Name:      opts.Name,
		URL:       addr,
		Target:    opts.Target,
		SourceRef: opts.SourceRef,
		Status:    domain.DeploymentReady,
		Simulated: true,
		CreatedAt: now,
		UpdatedAt: now,
		ReadyAt:   &now,
	}
	p.deps[info.ID] = info
	return cloneInfo(info), nil
}

func (p *MemoryProvider) Get(ctx context.Context, id string) (domain.DeploymentInfo, error) {
	if err := ctx.Err(); err != nil {
		return domain.DeploymentInfo{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.deps[id]
	if !ok {
		return domain.DeploymentInfo{}, ErrNotFound
	}
	return cloneInfo(info), nil
}

// SetAlias succeeds for unknown ids too, so rollback targets recorded by an
// earlier process can still be simulated.
func (p *MemoryProvider) SetAlias(ctx context.Context, id, alias string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if prev, ok := p.aliases[alias]; ok && prev != id {
		if info, ok := p.deps[prev]; ok {
			info.Aliases = without(info.Aliases, alias)
			p.deps[prev] = info
		}
	}
	p.aliases[alias] = id
	if info, ok := p.deps[id]; ok {
		info.Aliases = append(without(info.Aliases, alias), alias)
		info.UpdatedAt = p.Now().UTC()
		p.deps[id] = info
	}
	return nil
}

func (p *MemoryProvider) RemoveAlias(ctx context.Context, alias string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.aliases[alias]
	if !ok {
		return nil
	}
	delete(p.aliases, alias)
	if info, ok := p.deps[id]; ok {
		info.Aliases = without(info.Aliases, alias)
		p.deps[id] = info
	}
	return nil
}

// Alias reports which deployment an alias points at.
func (p *MemoryProvider) Alias(alias string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.aliases[alias]
	return id, ok
}

func without(list []string, v string) []string {
	out := list[:0:0]
	for _, item := range list {
		if item != v {
			out = append(out, item)
		}
	}
	return out
}

func cloneInfo(info domain.DeploymentInfo) domain.DeploymentInfo {
	info.Aliases = append([]string(nil), info.Aliases...)
	if info.ReadyAt != nil {
		t := *info.ReadyAt
		info.ReadyAt = &t
	}
	return info
}
