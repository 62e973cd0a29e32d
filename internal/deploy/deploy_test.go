package deploy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"releaseline/internal/domain"
)

func TestNewProviderSelection(t *testing.T) {
	require.Equal(t, "memory", NewProvider(ProviderConfig{}).Name())
	require.Equal(t, "http", NewProvider(ProviderConfig{Token: "tok"}).Name())
}

func TestMemoryProviderIsDeterministic(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryProvider(""), nil)
	require.True(t, m.Simulated())

	first, err := m.CreateDeployment(ctx, CreateOptions{Name: "Web App", Target: "production"})
	require.NoError(t, err)
	second, err := m.CreateDeployment(ctx, CreateOptions{Name: "Web App"})
	require.NoError(t, err)

	require.Equal(t, "sim-dpl-0001", first.ID)
	require.Equal(t, "sim-dpl-0002", second.ID)
	require.Equal(t, "https://web-app-1.sim.local", first.URL)
	require.Equal(t, domain.DeploymentReady, first.Status)
	require.True(t, first.Simulated)

	again, err := m.GetDeployment(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, first, *again)
	once, err := m.GetDeployment(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, *again, *once)

	missing, err := m.GetDeployment(ctx, "sim-dpl-9999")
	require.NoError(t, err)
	require.Nil(t, missing)

	// A fresh provider starts its own sequence.
	other, err := NewMemoryProvider("").Create(ctx, CreateOptions{Name: "web"})
	require.NoError(t, err)
	require.Equal(t, "sim-dpl-0001", other.ID)
}

func TestMemoryAliasSwitch(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProvider("")
	m := NewManager(p, nil)
	a, _ := m.CreateDeployment(ctx, CreateOptions{Name: "web"})
	b, _ := m.CreateDeployment(ctx, CreateOptions{Name: "web"})

	require.True(t, m.SetAlias(ctx, a.ID, "production"))
	require.True(t, m.SetAlias(ctx, b.ID, "production"))
	id, ok := p.Alias("production")
	require.True(t, ok)
	require.Equal(t, b.ID, id)

	got, _ := m.GetDeployment(ctx, a.ID)
	require.Empty(t, got.Aliases)
	got, _ = m.GetDeployment(ctx, b.ID)
	require.Equal(t, []string{"production"}, got.Aliases)

	require.True(t, m.RemoveAlias(ctx, "production"))
	_, ok = p.Alias("production")
	require.False(t, ok)
}

func TestWaitForDeploymentReturnsTerminal(t *testing.T) {
	m := NewManager(NewMemoryProvider(""), nil)
	info, _ := m.CreateDeployment(context.Background(), CreateOptions{Name: "web"})
	got, err := m.WaitForDeployment(context.Background(), info.ID, time.Second)
	require.NoError(t, err)
	require.Equal(t, domain.DeploymentReady, got.Status)
}

type stuckProvider struct {
	*MemoryProvider
	polls atomic.Int32
}

func (s *stuckProvider) Get(ctx context.Context, id string) (domain.DeploymentInfo, error) {
	s.polls.Add(1)
	return domain.DeploymentInfo{ID: id, Status: domain.DeploymentBuilding}, nil
}

func TestWaitForDeploymentTimesOutWithNil(t *testing.T) {
	p := &stuckProvider{MemoryProvider: NewMemoryProvider("")}
	m := NewManager(p, nil)
	m.PollInterval = 5 * time.Millisecond
	got, err := m.WaitForDeployment(context.Background(), "dpl-1", 40*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, got)
	require.Greater(t, p.polls.Load(), int32(1))
}

func TestWaitForDeploymentHonoursCancel(t *testing.T) {
	m := NewManager(&stuckProvider{MemoryProvider: NewMemoryProvider("")}, nil)
	m.PollInterval = 5 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	got, err := m.WaitForDeployment(ctx, "dpl-1", time.Hour)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Nil(t, got)
}

type fakeAPI struct {
	mu        sync.Mutex
	failures  int
	aliases   map[string]string
	createReq apiCreateRequest
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v13/deployments", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.Equal(t, "team_1", r.URL.Query().Get("teamId"))
		f.mu.Lock()
		defer f.mu.Unlock()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&f.createReq))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "dpl_123", "url": "web-abc.example.app", "readyState": "QUEUED", "createdAt": 1767225600000,
		})
	})
	mux.HandleFunc("GET /v13/deployments/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		busy := f.failures > 0
		if busy {
			f.failures--
		}
		f.mu.Unlock()
		if busy {
			http.Error(w, "upstream busy", http.StatusBadGateway)
			return
		}
		if r.PathValue("id") != "dpl_123" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "dpl_123", "url": "web-abc.example.app", "readyState": "READY", "ready": 1767225660000, "alias": []string{"production"},
		})
	})
	mux.HandleFunc("POST /v2/deployments/{id}/aliases", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		f.aliases[body["alias"]] = r.PathValue("id")
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("DELETE /v2/aliases/{alias}", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
	})
	return mux
}

func TestHTTPProviderRoundTrip(t *testing.T) {
	api := &fakeAPI{failures: 2, aliases: map[string]string{}}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	p := NewHTTPProvider(ProviderConfig{Token: "tok", APIURL: srv.URL, Team: "team_1", RequestsPerSecond: 1000})
	p.backoff = time.Millisecond
	m := NewManager(p, nil)
	m.PollInterval = time.Millisecond
	ctx := context.Background()

	info, err := m.CreateDeployment(ctx, CreateOptions{Name: "web", Target: "production", SourceRef: "main"})
	require.NoError(t, err)
	require.Equal(t, "dpl_123", info.ID)
	require.Equal(t, "https://web-abc.example.app", info.URL)
	require.Equal(t, domain.DeploymentPending, info.Status)
	require.Equal(t, "main", api.createReq.GitSource["ref"])
	require.False(t, m.Simulated())

	ready, err := m.WaitForDeployment(ctx, info.ID, time.Second)
	require.NoError(t, err)
	require.Equal(t, domain.DeploymentReady, ready.Status)
	require.NotNil(t, ready.ReadyAt)

	missing, err := m.GetDeployment(ctx, "dpl_nope")
	require.NoError(t, err)
	require.Nil(t, missing)

	require.True(t, m.SetAlias(ctx, "dpl_123", "production"))
	require.Equal(t, "dpl_123", api.aliases["production"])
	require.False(t, m.RemoveAlias(ctx, "production"))
}

func TestHTTPProviderGivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewHTTPProvider(ProviderConfig{Token: "tok", APIURL: srv.URL, RequestsPerSecond: 1000})
	p.backoff = time.Millisecond
	_, err := p.Get(context.Background(), "dpl_123")
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "503"))
	require.Equal(t, int32(maxRetries+1), calls.Load())
}

func TestHTTPProviderSendsCreateOnce(t *testing.T) {
	var creates atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if creates.Add(1) == 1 {
			http.Error(w, "gateway timeout", http.StatusGatewayTimeout)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "dpl_dup", "readyState": "QUEUED"})
	}))
	defer srv.Close()

	p := NewHTTPProvider(ProviderConfig{Token: "tok", APIURL: srv.URL, RequestsPerSecond: 1000})
	p.backoff = time.Millisecond
	m := NewManager(p, nil)
	_, err := m.CreateDeployment(context.Background(), CreateOptions{Name: "web", Target: "production"})
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "504"))
	require.Equal(t, int32(1), creates.Load())
}

func TestNormalizeState(t *testing.T) {
	cases := map[string]domain.DeploymentStatus{
		"READY":        domain.DeploymentReady,
		"building":     domain.DeploymentBuilding,
		"ERROR":        domain.DeploymentError,
		"CANCELED":     domain.DeploymentCanceled,
		"INITIALIZING": domain.DeploymentPending,
		"":             domain.DeploymentPending,
	}
	for in, want := range cases {
		require.Equal(t, want, normalizeState(in), in)
	}
}
