package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dreamwalker-ai/dreamwalker/pkg/store"
)

const (
	persistBudget = 5 * time.Second
	// Registrations in the backend outlive any plausible workflow run but
	// not a long-dead one.
	registrationTTL = 24 * time.Hour
)

// persistedRegistration is the durable form. The secret is stored here on
// purpose: a rehydrated registration must keep signing the same way, and
// the model type deliberately never serialises it on API surfaces.
type persistedRegistration struct {
	URL       string `json:"url"`
	Secret    string `json:"secret,omitempty"`
	Delivered int64  `json:"delivered"`
	Failed    int64  `json:"failed"`
}

func (d *Dispatcher) persistRegistration(ctx context.Context, workflowID string, reg *registration) {
	data, err := json.Marshal(persistedRegistration{
		URL:       reg.url,
		Secret:    reg.secret,
		Delivered: reg.delivered.Load(),
		Failed:    reg.failed.Load(),
	})
	if err != nil {
		d.logger.Error("Failed to encode webhook registration", "workflow_id", workflowID, "error", err)
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistBudget)
	defer cancel()
	if err := d.backend.Put(pctx, store.KeyPrefixWebhook+workflowID, data, registrationTTL); err != nil {
		d.logger.Warn("Failed to persist webhook registration", "workflow_id", workflowID, "error", err)
	}
}

// Rehydrate restores registrations for the given workflows from the durable
// backend. Missing entries are skipped; corrupt ones are logged and skipped.
// Live registrations are never overwritten.
func (d *Dispatcher) Rehydrate(ctx context.Context, workflowIDs []string) int {
	restored := 0
	for _, id := range workflowIDs {
		data, err := d.backend.Get(ctx, store.KeyPrefixWebhook+id)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				d.logger.Warn("Failed to read webhook registration", "workflow_id", id, "error", err)
			}
			continue
		}
		var pr persistedRegistration
		if err := json.Unmarshal(data, &pr); err != nil {
			d.logger.Warn("Skipping corrupt webhook registration", "workflow_id", id, "error", err)
			continue
		}
		reg := &registration{url: pr.URL, secret: pr.Secret}
		reg.delivered.Store(pr.Delivered)
		reg.failed.Store(pr.Failed)
		d.mu.Lock()
		if _, exists := d.regs[id]; !exists {
			d.regs[id] = reg
			restored++
		}
		d.mu.Unlock()
	}
	if restored > 0 {
		d.logger.Info("Restored webhook registrations", "count", restored)
	}
	return restored
}
