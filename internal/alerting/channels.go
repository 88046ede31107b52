package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	secerrors "sectrail/internal/errors"
)

// maxErrorBody caps how much of a failed response body is recorded.
const maxErrorBody = 512

// BreakerConfig configures the circuit breaker in front of an HTTP channel.
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
	HalfOpenRequests uint32        `yaml:"half_open_requests"`
}

// DefaultBreakerConfig opens after five consecutive failures for thirty seconds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:          true,
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		HalfOpenRequests: 1,
	}
}

// postJSON sends body to url with an optional bearer token. A non-2xx status
// is a DeliveryError carrying the status and a prefix of the body.
func postJSON(ctx context.Context, client *http.Client, name, url, token string, headers map[string]string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return &secerrors.DeliveryError{Channel: name, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &secerrors.DeliveryError{
			Channel:    name,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(respBody)),
		}
	}
	return nil
}

// WebhookChannel posts the message as-is to an HTTP endpoint.
type WebhookChannel struct {
	name    string
	url     string
	token   string
	headers map[string]string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[struct{}]
}

// NewWebhookChannel creates a webhook channel. A zero BreakerConfig disables
// the breaker.
func NewWebhookChannel(name, url, token string, headers map[string]string, bc BreakerConfig, logger *slog.Logger) *WebhookChannel {
	if logger == nil {
		logger = slog.Default()
	}
	w := &WebhookChannel{
		name:    name,
		url:     url,
		token:   token,
		headers: headers,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
	if bc.Enabled {
		w.breaker = newBreaker(name, bc, logger)
	}
	return w
}

func newBreaker(name string, bc BreakerConfig, logger *slog.Logger) *gobreaker.CircuitBreaker[struct{}] {
	threshold := bc.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: bc.HalfOpenRequests,
		Timeout:     bc.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("channel circuit breaker state changed",
				"channel", name,
				"from", from.String(),
				"to", to.String())
		},
	})
}

func (w *WebhookChannel) Name() string { return w.name }
func (w *WebhookChannel) Type() string { return "webhook" }

func (w *WebhookChannel) Send(ctx context.Context, msg *Message) error {
	return w.execute(func() error {
		return postJSON(ctx, w.client, w.name, w.url, w.token, w.headers, msg)
	})
}

func (w *WebhookChannel) execute(fn func() error) error {
	if w.breaker == nil {
		return fn()
	}
	_, err := w.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &secerrors.DeliveryError{Channel: w.name, Err: err}
	}
	return err
}

// SIEMChannel posts messages wrapped in a source envelope to a SIEM
// collector endpoint.
type SIEMChannel struct {
	webhook *WebhookChannel
	source  string
}

// NewSIEMChannel creates a SIEM collector channel.
func NewSIEMChannel(name, url, token, source string, bc BreakerConfig, logger *slog.Logger) *SIEMChannel {
	if source == "" {
		source = "sectrail"
	}
	return &SIEMChannel{
		webhook: NewWebhookChannel(name, url, token, nil, bc, logger),
		source:  source,
	}
}

func (s *SIEMChannel) Name() string { return s.webhook.name }
func (s *SIEMChannel) Type() string { return "siem" }

func (s *SIEMChannel) Send(ctx context.Context, msg *Message) error {
	envelope := map[string]any{
		"source":     s.source,
		"sourcetype": "sectrail:" + strings.ToLower(msg.Type),
		"time":       msg.Timestamp.Unix(),
		"event":      msg,
	}
	w := s.webhook
	return w.execute(func() error {
		return postJSON(ctx, w.client, w.name, w.url, w.token, nil, envelope)
	})
}

// SlackChannel posts a formatted attachment to a Slack incoming webhook.
type SlackChannel struct {
	name       string
	webhookURL string
	channel    string
	username   string
	client     *http.Client
}

// NewSlackChannel creates a Slack channel.
func NewSlackChannel(name, webhookURL, channel, username string) *SlackChannel {
	if name == "" {
		name = "slack"
	}
	return &SlackChannel{
		name:       name,
		webhookURL: webhookURL,
		channel:    channel,
		username:   username,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SlackChannel) Name() string { return s.name }
func (s *SlackChannel) Type() string { return "slack" }

func (s *SlackChannel) Send(ctx context.Context, msg *Message) error {
	fields := []map[string]any{
		{"title": "Type", "value": msg.Type, "short": true},
		{"title": "Severity", "value": string(msg.Severity), "short": true},
	}
	if msg.IncidentID != "" {
		fields = append(fields, map[string]any{"title": "Incident", "value": msg.IncidentID, "short": true})
	}
	if msg.CorrelationID != "" {
		fields = append(fields, map[string]any{"title": "Correlation ID", "value": msg.CorrelationID, "short": true})
	}

	payload := map[string]any{
		"channel":  s.channel,
		"username": s.username,
		"attachments": []map[string]any{{
			"color":  severityColor(string(msg.Severity)),
			"title":  fmt.Sprintf("[%s] %s", strings.ToUpper(string(msg.Severity)), msg.Title),
			"text":   msg.Message,
			"fields": fields,
			"ts":     msg.Timestamp.Unix(),
		}},
	}
	return postJSON(ctx, s.client, s.name, s.webhookURL, "", nil, payload)
}

func severityColor(sev string) string {
	switch sev {
	case "critical":
		return "#FF0000"
	case "high":
		return "#FF6600"
	case "medium":
		return "#FFCC00"
	default:
		return "#36A64F"
	}
}

// Publisher is the Kafka producer surface a KafkaChannel needs.
type Publisher interface {
	PublishJSON(ctx context.Context, key string, value any, headers map[string]string) error
}

// KafkaChannel publishes messages to a Kafka topic.
type KafkaChannel struct {
	name      string
	publisher Publisher
}

// NewKafkaChannel creates a Kafka channel.
func NewKafkaChannel(name string, p Publisher) *KafkaChannel {
	if name == "" {
		name = "kafka"
	}
	return &KafkaChannel{name: name, publisher: p}
}

func (k *KafkaChannel) Name() string { return k.name }
func (k *KafkaChannel) Type() string { return "kafka" }

func (k *KafkaChannel) Send(ctx context.Context, msg *Message) error {
	key := msg.CorrelationID
	if key == "" {
		key = msg.AlertID
	}
	if key == "" {
		key = msg.IncidentID
	}
	headers := map[string]string{
		"type":     msg.Type,
		"severity": string(msg.Severity),
	}
	if err := k.publisher.PublishJSON(ctx, key, msg, headers); err != nil {
		return &secerrors.DeliveryError{Channel: k.name, Err: err}
	}
	return nil
}

// LogChannel writes messages to the structured log.
type LogChannel struct {
	logger *slog.Logger
}

// NewLogChannel creates a log channel.
func NewLogChannel(logger *slog.Logger) *LogChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogChannel{logger: logger}
}

func (l *LogChannel) Name() string { return "log" }
func (l *LogChannel) Type() string { return "log" }

func (l *LogChannel) Send(_ context.Context, msg *Message) error {
	l.logger.Info("security alert",
		"type", msg.Type,
		"severity", msg.Severity,
		"title", msg.Title,
		"message", msg.Message,
		"correlation_id", msg.CorrelationID,
		"incident_id", msg.IncidentID)
	return nil
}
