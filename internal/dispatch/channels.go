// Package dispatch delivers alerts to notification channels with retries
// and a dead-letter queue.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"lolbin-sentinel/internal/alertstore"
	"lolbin-sentinel/internal/rules"
)

// Channel delivers one alert to one destination. Send must respect ctx and
// return an error for any non-delivered alert.
type Channel interface {
	Name() string
	Send(ctx context.Context, alert *alertstore.Alert) error
}

// WebhookChannel posts the alert as JSON to an HTTP endpoint.
type WebhookChannel struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookChannel creates a webhook channel.
func NewWebhookChannel(name, url string, headers map[string]string) *WebhookChannel {
	return &WebhookChannel{
		name:    name,
		url:     url,
		headers: headers,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (w *WebhookChannel) Name() string {
	return w.name
}

func (w *WebhookChannel) Send(ctx context.Context, alert *alertstore.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

// SlackChannel posts alerts to a Slack incoming webhook.
type SlackChannel struct {
	webhookURL string
	channel    string
	username   string
	client     *http.Client
}

// NewSlackChannel creates a Slack channel.
func NewSlackChannel(webhookURL, channel, username string) *SlackChannel {
	return &SlackChannel{
		webhookURL: webhookURL,
		channel:    channel,
		username:   username,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (s *SlackChannel) Name() string {
	return "slack"
}

func (s *SlackChannel) Send(ctx context.Context, alert *alertstore.Alert) error {
	payload := map[string]interface{}{
		"channel":  s.channel,
		"username": s.username,
		"attachments": []map[string]interface{}{
			{
				"color":  severityColor(alert.Severity),
				"title":  fmt.Sprintf("[%s] %s", strings.ToUpper(string(alert.Severity)), alert.Title),
				"fields": slackFields(alert),
				"footer": fmt.Sprintf("Alert ID: %s", alert.ID.String()[:8]),
				"ts":     alert.LastSeenAt.Unix(),
			},
		},
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.webhookURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("slack returned %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

func severityColor(sev rules.Severity) string {
	switch sev {
	case rules.SeverityCritical:
		return "#FF0000"
	case rules.SeverityHigh:
		return "#FFA500"
	case rules.SeverityMedium:
		return "#FFFF00"
	case rules.SeverityLow:
		return "#00FF00"
	default:
		return "#808080"
	}
}

func slackFields(alert *alertstore.Alert) []map[string]interface{} {
	fields := []map[string]interface{}{
		{"title": "Severity", "value": string(alert.Severity), "short": true},
		{"title": "Occurrences", "value": fmt.Sprintf("%d", alert.RepeatCount), "short": true},
	}

	if alert.HostID != "" {
		fields = append(fields, map[string]interface{}{
			"title": "Host", "value": alert.HostID, "short": true,
		})
	}
	if alert.TechniqueID != "" {
		fields = append(fields, map[string]interface{}{
			"title": "MITRE ATT&CK", "value": alert.TechniqueID, "short": true,
		})
	}
	if alert.SampleCommandLine != "" {
		fields = append(fields, map[string]interface{}{
			"title": "Command", "value": alert.SampleCommandLine, "short": false,
		})
	}

	return fields
}

// LogChannel writes alerts to the structured log. Used as the default
// channel and in development.
type LogChannel struct {
	logger *slog.Logger
}

// NewLogChannel creates a log channel. A nil logger uses the default.
func NewLogChannel(logger *slog.Logger) *LogChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogChannel{logger: logger}
}

func (l *LogChannel) Name() string {
	return "log"
}

func (l *LogChannel) Send(_ context.Context, alert *alertstore.Alert) error {
	l.logger.Info("alert",
		"alert_id", alert.ID,
		"severity", alert.Severity,
		"title", alert.Title,
		"binary", alert.Binary,
		"technique_id", alert.TechniqueID,
		"host_id", alert.HostID,
		"repeat_count", alert.RepeatCount,
	)
	return nil
}
