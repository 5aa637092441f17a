package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Webhook posts envelopes as JSON to a fixed URL. Fire-and-forget: non-2xx
// responses and transport failures are logged and dropped.
type Webhook struct {
	url     string
	enabled bool
	filters []string
	client  *http.Client
	log     *zap.Logger
}

// NewWebhook builds the webhook sink. filters is the raw comma-separated
// configuration value.
func NewWebhook(url string, enabled bool, filters string, logger *zap.Logger) *Webhook {
	return &Webhook{
		url:     url,
		enabled: enabled && url != "",
		filters: ParseFilters(filters),
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     logger.Named("webhook"),
	}
}

func (w *Webhook) Name() string      { return "webhook" }
func (w *Webhook) Enabled() bool     { return w.enabled }
func (w *Webhook) Filters() []string { return w.filters }

func (w *Webhook) Send(ctx context.Context, env Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		w.log.Error("encode envelope", zap.Error(err))
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		w.log.Error("build request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		w.log.Warn("webhook delivery failed",
			zap.String("type", env.Type),
			zap.String("instance", env.InstanceKey),
			zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		w.log.Warn("webhook rejected",
			zap.String("type", env.Type),
			zap.String("instance", env.InstanceKey),
			zap.Int("status", resp.StatusCode))
	}
}
