package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"releaseline/internal/domain"
	"releaseline/internal/logging"
)

const (
	defaultAPIURL      = "https://api.vercel.com"
	defaultHTTPTimeout = 30 * time.Second
	maxRetries         = 3
)

// HTTPProvider talks to a REST hosting API with bearer-token auth. Calls are
// rate limited. 5xx and transport failures of GET and DELETE are retried with
// backoff; POSTs are sent once, so a failed create is never replayed.
type HTTPProvider struct {
	apiURL  string
	token   string
	team    string
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
	backoff time.Duration
}

func NewHTTPProvider(cfg ProviderConfig) *HTTPProvider {
	apiURL := strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &HTTPProvider{
		apiURL:  apiURL,
		token:   cfg.Token,
		team:    cfg.Team,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		logger:  logging.OrNop(cfg.Logger),
		backoff: 200 * time.Millisecond,
	}
}

func (p *HTTPProvider) Name() string { return "http" }

type apiDeployment struct {
	ID         string   `json:"id"`
	UID        string   `json:"uid"`
	Name       string   `json:"name"`
	URL        string   `json:"url"`
	Target     string   `json:"target"`
	ReadyState string   `json:"readyState"`
	State      string   `json:"state"`
	Alias      []string `json:"alias"`
	CreatedAt  int64    `json:"createdAt"`
	Ready      int64    `json:"ready"`
	ErrorMsg   string   `json:"errorMessage"`
}

type apiCreateRequest struct {
	Name      string            `json:"name"`
	Target    string            `json:"target,omitempty"`
	GitSource map[string]string `json:"gitSource,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

func (p *HTTPProvider) Create(ctx context.Context, opts CreateOptions) (domain.DeploymentInfo, error) {
	body := apiCreateRequest{Name: opts.Name, Target: opts.Target, Env: opts.Env}
	if opts.SourceRef != "" {
		body.GitSource = map[string]string{"ref": opts.SourceRef}
	}
	var out apiDeployment
	if err := p.do(ctx, http.MethodPost, "/v13/deployments", body, &out); err != nil {
		return domain.DeploymentInfo{}, fmt.Errorf("create deployment: %w", err)
	}
	info := out.toInfo()
	info.SourceRef = opts.SourceRef
	if info.Target == "" {
		info.Target = opts.Target
	}
	return info, nil
}

func (p *HTTPProvider) Get(ctx context.Context, id string) (domain.DeploymentInfo, error) {
	var out apiDeployment
	if err := p.do(ctx, http.MethodGet, "/v13/deployments/"+url.PathEscape(id), nil, &out); err != nil {
		return domain.DeploymentInfo{}, err
	}
	return out.toInfo(), nil
}

func (p *HTTPProvider) SetAlias(ctx context.Context, id, alias string) error {
	return p.do(ctx, http.MethodPost, "/v2/deployments/"+url.PathEscape(id)+"/aliases", map[string]string{"alias": alias}, nil)
}

func (p *HTTPProvider) RemoveAlias(ctx context.Context, alias string) error {
	return p.do(ctx, http.MethodDelete, "/v2/aliases/"+url.PathEscape(alias), nil, nil)
}

type statusError struct {
	Status int
	Body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("hosting api status %d: %s", e.Status, e.Body)
}

func (p *HTTPProvider) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = data
	}
	endpoint := p.apiURL + path
	if p.team != "" {
		endpoint += "?teamId=" + url.QueryEscape(p.team)
	}
	retries := 0
	if method == http.MethodGet || method == http.MethodDelete {
		retries = maxRetries
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			wait := p.backoff * time.Duration(1<<(attempt-1))
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+p.token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		res, err := p.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			p.logger.Debug("hosting api transport error", zap.String("path", path), zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		data, readErr := io.ReadAll(io.LimitReader(res.Body, 1<<20))
		res.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}
		switch {
		case res.StatusCode == http.StatusNotFound:
			return ErrNotFound
		case res.StatusCode >= 500:
			lastErr = &statusError{Status: res.StatusCode, Body: strings.TrimSpace(string(data))}
			p.logger.Debug("hosting api server error", zap.String("path", path), zap.Int("status", res.StatusCode), zap.Int("attempt", attempt))
			continue
		case res.StatusCode < 200 || res.StatusCode >= 300:
			return &statusError{Status: res.StatusCode, Body: strings.TrimSpace(string(data))}
		}
		if out != nil && len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("decode hosting api response: %w", err)
			}
		}
		return nil
	}
	return lastErr
}

func (d apiDeployment) toInfo() domain.DeploymentInfo {
	id := d.ID
	if id == "" {
		id = d.UID
	}
	state := d.ReadyState
	if state == "" {
		state = d.State
	}
	u := d.URL
	if u != "" && !strings.Contains(u, "://") {
		u = "https://" + u
	}
	info := domain.DeploymentInfo{
		ID:      id,
		Name:    d.Name,
		URL:     u,
		Target:  d.Target,
		Status:  normalizeState(state),
		Aliases: d.Alias,
		Error:   d.ErrorMsg,
	}
	if d.CreatedAt > 0 {
		info.CreatedAt = time.UnixMilli(d.CreatedAt).UTC()
		info.UpdatedAt = info.CreatedAt
	}
	if d.Ready > 0 {
		ready := time.UnixMilli(d.Ready).UTC()
		info.ReadyAt = &ready
		info.UpdatedAt = ready
	}
	return info
}

func normalizeState(s string) domain.DeploymentStatus {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "READY":
		return domain.DeploymentReady
	case "BUILDING", "DEPLOYING":
		return domain.DeploymentBuilding
	case "ERROR", "FAILED":
		return domain.DeploymentError
	case "CANCELED", "CANCELLED":
		return domain.DeploymentCanceled
	}
	return domain.DeploymentPending
}
