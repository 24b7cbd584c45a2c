package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/optimus/telemetry/internal/config"
	"github.com/optimus/telemetry/internal/types"
	"github.com/rs/zerolog"
)

const defaultQueueLen = 64

// Notifier forwards alert events to Apprise channels. Delivery happens on
// its own goroutine so a slow notification endpoint never stalls the
// pipeline.
type Notifier struct {
	logger   zerolog.Logger
	client   *http.Client
	apiURL   string
	channels map[string]config.ChannelConfig
	routes   map[string]config.AlertRoute
	queue    chan types.AlertEvent
	mu       sync.Mutex
	severity map[string]string // rule name -> severity of its last trigger
}

// Channel represents a resolved notification channel
type Channel struct {
	Name string
	URL  string
}

// NewNotifier creates an Apprise notifier. apiURL is the Apprise API base
// URL; when empty, notifications are only logged.
func NewNotifier(cfg config.AlertConfig, apiURL string, logger zerolog.Logger) *Notifier {
	return &Notifier{
		logger:   logger.With().Str("component", "notifier").Logger(),
		client:   &http.Client{Timeout: 10 * time.Second},
		apiURL:   apiURL,
		channels: cfg.Channels,
		routes:   cfg.Routes,
		queue:    make(chan types.AlertEvent, defaultQueueLen),
		severity: make(map[string]string),
	}
}

// Notify queues events for delivery without blocking
func (n *Notifier) Notify(events []types.AlertEvent) {
	for _, ev := range events {
		select {
		case n.queue <- ev:
		default:
			n.logger.Warn().
				Str("rule", ev.Name).
				Msg("Notification queue full, dropping alert")
		}
	}
}

// Run delivers queued events until ctx is cancelled
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-n.queue:
			if err := n.SendAlert(ctx, ev); err != nil {
				n.logger.Error().
					Err(err).
					Str("rule", ev.Name).
					Msg("Failed to send alert notification")
			}
		}
	}
}

// SendAlert routes one event to the channels configured for its severity
func (n *Notifier) SendAlert(ctx context.Context, ev types.AlertEvent) error {
	severity := n.trackSeverity(ev)

	var channels []Channel
	for _, name := range n.channelsForSeverity(severity) {
		chCfg := n.channels[name]
		if !severityAllowed(chCfg.SeverityFilter, severity) {
			continue
		}
		url := os.Getenv(chCfg.URLEnv)
		if url == "" {
			n.logger.Warn().
				Str("channel", name).
				Str("url_env", chCfg.URLEnv).
				Msg("Channel URL not found, skipping")
			continue
		}
		channels = append(channels, Channel{Name: name, URL: url})
	}

	title, body := formatMessage(ev, severity)

	var firstErr error
	for _, channel := range channels {
		if err := n.sendToApprise(ctx, channel.URL, title, body); err != nil {
			n.logger.Error().
				Err(err).
				Str("channel", channel.Name).
				Msg("Failed to send notification")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		n.logger.Info().
			Str("channel", channel.Name).
			Str("rule", ev.Name).
			Msg("Notification sent")
	}
	return firstErr
}

// trackSeverity remembers trigger severities so clears route the same way
func (n *Notifier) trackSeverity(ev types.AlertEvent) string {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !ev.IsCleared() {
		n.severity[ev.Name] = ev.Severity
		return ev.Severity
	}
	severity := n.severity[ev.Name]
	delete(n.severity, ev.Name)
	if severity == "" {
		severity = types.DefaultSeverity
	}
	return severity
}

// channelsForSeverity returns notification channels for a given severity
func (n *Notifier) channelsForSeverity(severity string) []string {
	if route, ok := n.routes[severity]; ok {
		return route.Channels
	}
	if route, ok := n.routes["default"]; ok {
		return route.Channels
	}
	return nil
}

func severityAllowed(filter []string, severity string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, s := range filter {
		if s == severity {
			return true
		}
	}
	return false
}

// formatMessage formats an alert event into a notification title and body
func formatMessage(ev types.AlertEvent, severity string) (string, string) {
	if ev.IsCleared() {
		return fmt.Sprintf("Robot alert cleared: %s", ev.Name),
			fmt.Sprintf("Rule %s is no longer firing.\nSeverity: %s\nAt: %s",
				ev.Name, severity, formatTS(ev.Timestamp))
	}

	body := fmt.Sprintf("%s\nSeverity: %s\nAt: %s", ev.Message, severity, formatTS(ev.Timestamp))
	if ev.Value != nil && ev.Threshold != nil {
		body += fmt.Sprintf("\nValue: %v (threshold %v)", *ev.Value, *ev.Threshold)
	}
	return fmt.Sprintf("Robot alert: %s", ev.Name), body
}

func formatTS(ts float64) string {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC().Format(time.RFC3339)
}

// sendToApprise posts a message to the Apprise API notify endpoint
func (n *Notifier) sendToApprise(ctx context.Context, url, title, body string) error {
	if n.apiURL == "" {
		n.logger.Info().
			Str("url", url).
			Str("title", title).
			Msg("Would send notification (Apprise not configured)")
		return nil
	}

	payload := map[string]string{
		"title":  title,
		"body":   body,
		"format": "text",
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/notify/%s", n.apiURL, url), bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("apprise API error: %d - %s", resp.StatusCode, string(respBody))
	}
	return nil
}
