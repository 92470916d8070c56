package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Category classifies a raised condition.
type Category string

const (
	CategorySLABreach        Category = "sla_breach"
	CategoryVolumeSpike      Category = "volume_spike"
	CategorySatisfactionDrop Category = "satisfaction_drop"
	CategoryAnomaly          Category = "anomaly"
)

// Severity orders alerts for the downstream sink.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertEvent is a write-once signal published when an observed metric
// crosses a threshold. The sink owns deduplication and human-facing
// rate limiting; the monitor guarantees at-least-once emission.
type AlertEvent struct {
	ID        string    `json:"id"`
	Category  Category  `json:"category"`
	Severity  Severity  `json:"severity"`
	SessionID string    `json:"session_id,omitempty"`
	TenantID  string    `json:"tenant_id,omitempty"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	At        time.Time `json:"at"`
}

// Sink receives alert events. Publish is called from the monitor's drain
// goroutine, never from a session task.
type Sink interface {
	Publish(ctx context.Context, ev AlertEvent) error
}

// LogSink writes alerts to the structured log. Used as the default sink and
// as a fallback when no webhook is configured.
type LogSink struct{}

func (LogSink) Publish(_ context.Context, ev AlertEvent) error {
	slog.Warn("alert",
		"alert_id", ev.ID,
		"category", ev.Category,
		"severity", ev.Severity,
		"tenant_id", ev.TenantID,
		"session_id", ev.SessionID,
		"value", ev.Value,
		"threshold", ev.Threshold,
	)
	return nil
}

// WebhookSink POSTs each alert as JSON to an external notification endpoint.
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink creates a sink for the given endpoint.
func NewWebhookSink(url string, timeout time.Duration) *WebhookSink {
	return &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (s *WebhookSink) Publish(ctx context.Context, ev AlertEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("alert webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook status %d", resp.StatusCode)
	}
	return nil
}

// MultiSink fans an alert out to several sinks, keeping the first error.
type MultiSink []Sink

func (m MultiSink) Publish(ctx context.Context, ev AlertEvent) error {
	var firstErr error
	for _, s := range m {
		if err := s.Publish(ctx, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
