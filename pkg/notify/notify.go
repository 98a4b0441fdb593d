// Package notify posts terminal-batch summaries to configured notification
// hooks, one POST per hook, with optional per-hook basic auth.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cc-warren/agency/pkg/config"
	"github.com/cc-warren/agency/pkg/log"
	"github.com/cc-warren/agency/pkg/types"
	"github.com/rs/zerolog"
)

// Dispatcher posts batch-state summaries to every configured hook.
type Dispatcher struct {
	hooks  []config.NotificationHook
	client *http.Client
	logger zerolog.Logger
}

// New builds a dispatcher over the configured hooks.
func New(hooks []config.NotificationHook) *Dispatcher {
	return &Dispatcher{
		hooks:  hooks,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: log.WithComponent("notify"),
	}
}

type batchSummary struct {
	BatchID string `json:"batchId"`
	State   string `json:"state"`
}

type payload struct {
	Batches []batchSummary `json:"batches"`
}

// Deliver posts one notification body per configured hook. A hook failure
// is logged and does not stop delivery to the other hooks. With no hooks
// configured Deliver returns nil; it returns an error when the payload
// cannot be encoded or when any hook failed, so the caller leaves the
// batches unsent and they are delivered again on the next cycle.
func (d *Dispatcher) Deliver(ctx context.Context, batches []*types.Batch) error {
	if len(d.hooks) == 0 {
		return nil // no hooks configured: notification is a no-op, not a failure
	}

	body := payload{Batches: make([]batchSummary, 0, len(batches))}
	for _, b := range batches {
		body.Batches = append(body.Batches, batchSummary{BatchID: b.ID, State: string(b.State)})
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("notify: encode payload: %w", err)
	}

	failed := 0
	for _, hook := range d.hooks {
		if err := d.post(ctx, hook, data); err != nil {
			d.logger.Error().Err(err).Str("hook", hook.URL).Int("count", len(batches)).Msg("notification hook failed")
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("notify: %d of %d hooks failed", failed, len(d.hooks))
	}
	return nil
}

func (d *Dispatcher) post(ctx context.Context, hook config.NotificationHook, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if hook.Auth != nil {
		req.SetBasicAuth(hook.Auth.Username, hook.Auth.Password)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("hook returned status %d", resp.StatusCode)
	}
	return nil
}
