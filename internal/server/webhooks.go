package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"releaseline/internal/config"
	"releaseline/internal/domain"
	"releaseline/internal/engine"
	"releaseline/internal/events"
	"releaseline/internal/logging"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// Hooks without an explicit event list receive these.
var defaultWebhookEvents = []string{"alert.*", events.RunFinished}

type webhookDispatcher struct {
	engine   engine.Engine
	webhooks []config.WebhookConfig
	client   *http.Client
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time
	mu       sync.Mutex
	cursors  map[int]int64
}

func newWebhookDispatcher(e engine.Engine) *webhookDispatcher {
	if e.Manifest == nil || len(e.Manifest.Webhooks) == 0 {
		return nil
	}
	return &webhookDispatcher{
		engine:   e,
		webhooks: e.Manifest.Webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		interval: defaultWebhookInterval,
		logger:   logging.OrNop(e.Logger).Named("webhooks"),
		now:      time.Now,
		cursors:  make(map[int]int64),
	}
}

// StartWebhooks delivers new alert and run events to the manifest's webhooks
// until ctx is done. It returns immediately when no webhook is configured.
// Delivery starts after the newest event present at startup.
func StartWebhooks(ctx context.Context, e engine.Engine) {
	d := newWebhookDispatcher(e)
	if d == nil {
		return
	}
	for i, hook := range d.webhooks {
		d.cursorFor(ctx, i, hook)
	}
	go d.run(ctx)
}

func (d *webhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, idx, hook)
	evts, err := d.engine.Repo.EventsAfter(ctx, defaultWebhookBatch, cursor, "")
	if err != nil {
		d.logger.Warn("fetch events failed", zap.Error(err))
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range evts {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			d.logger.Warn("delivery failed", zap.String("url", hook.URL), zap.Int64("event_id", evt.ID), zap.Error(err))
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

func (d *webhookDispatcher) cursorFor(ctx context.Context, idx int, hook config.WebhookConfig) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.engine.Repo.LatestEventID(ctx, "")
	if err != nil {
		d.logger.Warn("init cursor failed", zap.String("url", hook.URL), zap.Error(err))
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *webhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	Target     string          `json:"target,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (d *webhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		Target:     evt.Target,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != d.client.Timeout {
			client = &http.Client{Timeout: timeout, Transport: d.client.Transport}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Releaseline-Event", evt.Type)
	req.Header.Set("X-Releaseline-Delivery", strconv.FormatInt(evt.ID, 10))
	if evt.Target != "" {
		req.Header.Set("X-Releaseline-Target", evt.Target)
	}
	if strings.TrimSpace(hook.Secret) != "" {
		sig, err := signDelivery(hook.Secret, evt.ID, evt.Type, data, d.now())
		if err != nil {
			return fmt.Errorf("sign delivery: %w", err)
		}
		req.Header.Set(signatureHeader, sig)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// eventFilter matches exact event types and "prefix.*" patterns.
type eventFilter struct {
	set      map[string]struct{}
	prefixes []string
}

func newEventFilter(list []string) eventFilter {
	f := eventFilter{set: map[string]struct{}{}}
	for _, evt := range list {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		if strings.HasSuffix(key, ".*") {
			f.prefixes = append(f.prefixes, strings.TrimSuffix(key, "*"))
			continue
		}
		f.set[key] = struct{}{}
	}
	if len(f.set) == 0 && len(f.prefixes) == 0 {
		return newEventFilter(defaultWebhookEvents)
	}
	return f
}

func (f eventFilter) match(evt string) bool {
	if _, ok := f.set[evt]; ok {
		return true
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(evt, p) {
			return true
		}
	}
	return false
}
