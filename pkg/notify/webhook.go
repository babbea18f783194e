package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/rs/zerolog"

	"github.com/mfreeman451/fleetmon/pkg/config"
	"github.com/mfreeman451/fleetmon/pkg/logger"
)

var (
	errWebhookDisabled   = fmt.Errorf("webhook channel is disabled")
	errWebhookCooldown   = fmt.Errorf("alert is within webhook cooldown period")
	errInvalidJSON       = fmt.Errorf("template produced invalid JSON")
	errWebhookStatus     = fmt.Errorf("webhook returned non-2xx status")
	errTemplateParse     = fmt.Errorf("template parsing failed")
	errTemplateExecution = fmt.Errorf("template execution failed")
)

// WebhookChannel posts events as JSON to one HTTP endpoint. A per-key
// cooldown keeps a flapping episode from spamming the endpoint; the
// key is the (rule, device) pair, so distinct alerts never suppress
// each other.
type WebhookChannel struct {
	config    config.WebhookConfig
	client    *http.Client
	lastSends map[string]time.Time
	mu        sync.Mutex
	pool      *sync.Pool
	log       zerolog.Logger
}

// NewWebhookChannel builds a channel from configuration.
func NewWebhookChannel(cfg config.WebhookConfig) *WebhookChannel {
	return &WebhookChannel{
		config:    cfg,
		client:    &http.Client{Timeout: 10 * time.Second},
		lastSends: make(map[string]time.Time),
		pool: &sync.Pool{
			New: func() interface{} {
				return new(bytes.Buffer)
			},
		},
		log: logger.Component("webhook"),
	}
}

// Name implements Channel.
func (w *WebhookChannel) Name() string {
	return "webhook:" + w.config.URL
}

// Send implements Channel.
func (w *WebhookChannel) Send(ctx context.Context, event *Event) error {
	if !w.config.Enabled {
		return errWebhookDisabled
	}

	// Resolution events always go out; the cooldown only gates
	// repeated firings.
	if event.Type == EventAlertFired {
		if err := w.checkCooldown(event.Alert.RuleID + "/" + event.Alert.DeviceID); err != nil {
			return nil
		}
	}

	payload, err := w.preparePayload(event)
	if err != nil {
		return fmt.Errorf("failed to prepare webhook payload: %w", err)
	}

	return w.post(ctx, payload)
}

func (w *WebhookChannel) checkCooldown(key string) error {
	cooldown := time.Duration(w.config.Cooldown)
	if cooldown <= 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if last, ok := w.lastSends[key]; ok && time.Since(last) < cooldown {
		w.log.Debug().Str("key", key).Msg("Webhook suppressed by cooldown")

		return errWebhookCooldown
	}

	w.lastSends[key] = time.Now()

	return nil
}

func (w *WebhookChannel) preparePayload(event *Event) ([]byte, error) {
	if w.config.Template == "" {
		buf := w.pool.Get().(*bytes.Buffer)
		buf.Reset()
		defer w.pool.Put(buf)

		enc := json.NewEncoder(buf)
		if err := enc.Encode(event); err != nil {
			return nil, fmt.Errorf("failed to marshal event: %w", err)
		}

		return append([]byte(nil), buf.Bytes()...), nil
	}

	return w.executeTemplate(event)
}

func (w *WebhookChannel) executeTemplate(event *Event) ([]byte, error) {
	tmpl, err := template.New("webhook").
		Funcs(w.templateFuncs()).
		Parse(w.config.Template)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errTemplateParse, err)
	}

	buf := w.pool.Get().(*bytes.Buffer)
	buf.Reset()
	defer w.pool.Put(buf)

	if err := tmpl.Execute(buf, map[string]interface{}{
		"event": event,
		"alert": event.Alert,
	}); err != nil {
		return nil, fmt.Errorf("%w: %w", errTemplateExecution, err)
	}

	if !json.Valid(buf.Bytes()) {
		return nil, errInvalidJSON
	}

	return append([]byte(nil), buf.Bytes()...), nil
}

func (w *WebhookChannel) templateFuncs() template.FuncMap {
	return template.FuncMap{
		"json": func(v interface{}) (string, error) {
			buf := w.pool.Get().(*bytes.Buffer)
			buf.Reset()
			defer w.pool.Put(buf)

			enc := json.NewEncoder(buf)
			if err := enc.Encode(v); err != nil {
				return "", fmt.Errorf("JSON marshaling failed: %w", err)
			}

			return buf.String(), nil
		},
	}
}

func (w *WebhookChannel) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.config.URL,
		bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}

	w.setHeaders(req)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			w.log.Debug().Err(closeErr).Msg("Failed to close response body")
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		return fmt.Errorf("%w: status=%d body=%s", errWebhookStatus,
			resp.StatusCode, string(body))
	}

	return nil
}

func (w *WebhookChannel) setHeaders(req *http.Request) {
	hasContentType := false

	for _, header := range w.config.Headers {
		if strings.EqualFold(header.Key, "content-type") {
			hasContentType = true
		}

		req.Header.Set(header.Key, header.Value)
	}

	if !hasContentType {
		req.Header.Set("Content-Type", "application/json")
	}
}
