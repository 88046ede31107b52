package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	secerrors "sectrail/internal/errors"
	"sectrail/internal/metrics"
	"sectrail/internal/store"
)

// Dispatcher persists alerts and notifications and fans them out to channels.
type Dispatcher struct {
	store    store.Store
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	deliver  *Deliverer
	mu       sync.RWMutex
	channels []Channel
	now      func() time.Time
}

// NewDispatcher creates a dispatcher with no channels; add them with AddChannel.
func NewDispatcher(s store.Store, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.AlertTTL <= 0 {
		cfg.AlertTTL = 24 * time.Hour
	}
	if cfg.NotificationTTL <= 0 {
		cfg.NotificationTTL = 30 * 24 * time.Hour
	}
	return &Dispatcher{
		store:   s,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		deliver: &Deliverer{Timeout: cfg.Timeout, Logger: logger, Metrics: m},
		now:     time.Now,
	}
}

// AddChannel registers an outbound channel.
func (d *Dispatcher) AddChannel(ch Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels = append(d.channels, ch)
}

// Channels returns a snapshot of the registered channels.
func (d *Dispatcher) Channels() []Channel {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Channel, len(d.channels))
	copy(out, d.channels)
	return out
}

// TriggerAlert logs and persists an alert, then delivers it to every channel.
// Delivery failures are recorded on the alert and never returned; only a
// failure to persist the alert is an error.
func (d *Dispatcher) TriggerAlert(ctx context.Context, alertType string, in AlertInput) (*Alert, error) {
	if alertType == "" {
		return nil, secerrors.Validation("trigger_alert", errors.New("alert type is required"))
	}
	if !in.Severity.IsValid() {
		return nil, secerrors.Validation("trigger_alert", secerrors.ErrInvalidSeverity)
	}

	alert := &Alert{
		ID:            uuid.New().String(),
		Type:          alertType,
		Severity:      in.Severity,
		CorrelationID: in.CorrelationID,
		Title:         in.Title,
		Message:       in.Message,
		Timestamp:     d.now().UTC(),
		Details:       in.Details,
	}
	if alert.Title == "" {
		alert.Title = defaultTitle(alertType)
	}

	d.logger.Warn("security alert triggered",
		"alert_id", alert.ID,
		"type", alertType,
		"severity", alert.Severity,
		"correlation_id", alert.CorrelationID)
	d.metrics.AlertTriggered(alertType, string(alert.Severity))

	if err := store.SetJSON(ctx, d.store, alertKey(alert.ID), alert, d.cfg.AlertTTL); err != nil {
		return nil, secerrors.Storage("trigger_alert", fmt.Errorf("persist alert: %w", err))
	}
	d.index(ctx, alert.ID, d.cfg.AlertTTL,
		"alerts:day:"+store.DayKey(alert.Timestamp),
		"alerts:severity:"+string(alert.Severity),
		"alerts:type:"+alertType)

	msg := &Message{
		Type:          alertType,
		Severity:      alert.Severity,
		Title:         alert.Title,
		Message:       alert.Message,
		Timestamp:     alert.Timestamp,
		CorrelationID: alert.CorrelationID,
		AlertID:       alert.ID,
		Details:       alert.Details,
	}
	alert.Deliveries = d.deliver.Deliver(ctx, d.Channels(), msg)

	if len(alert.Deliveries) > 0 {
		if err := store.SetJSON(ctx, d.store, alertKey(alert.ID), alert, d.cfg.AlertTTL); err != nil {
			d.logger.Warn("failed to record alert deliveries", "alert_id", alert.ID, "error", err)
		}
	}
	return alert, nil
}

// SendNotification delivers an incident notification and persists the
// per-channel outcome.
func (d *Dispatcher) SendNotification(ctx context.Context, n Notification) (*NotificationRecord, error) {
	if n.IncidentID == "" {
		return nil, secerrors.Validation("send_notification", errors.New("incident id is required"))
	}
	if !n.Severity.IsValid() {
		return nil, secerrors.Validation("send_notification", secerrors.ErrInvalidSeverity)
	}

	rec := &NotificationRecord{
		ID:         uuid.New().String(),
		IncidentID: n.IncidentID,
		Severity:   n.Severity,
		Title:      n.Title,
		Message:    n.Message,
		CreatedAt:  d.now().UTC(),
	}

	msg := &Message{
		Type:       "INCIDENT_NOTIFICATION",
		Severity:   n.Severity,
		Title:      n.Title,
		Message:    n.Message,
		Timestamp:  rec.CreatedAt,
		IncidentID: n.IncidentID,
		Details:    n.Details,
	}
	for _, dr := range d.deliver.Deliver(ctx, d.Channels(), msg) {
		rec.Channels = append(rec.Channels, ChannelResult{
			Type:      dr.Type,
			Name:      dr.Channel,
			Status:    dr.Status,
			Timestamp: dr.Timestamp,
			Error:     dr.Error,
		})
	}

	d.logger.Info("incident notification sent",
		"notification_id", rec.ID,
		"incident_id", rec.IncidentID,
		"severity", rec.Severity,
		"channels", len(rec.Channels))

	if err := store.SetJSON(ctx, d.store, notificationKey(rec.ID), rec, d.cfg.NotificationTTL); err != nil {
		return rec, secerrors.Storage("send_notification", fmt.Errorf("persist notification: %w", err))
	}
	d.index(ctx, rec.ID, d.cfg.NotificationTTL, "notifications:incident:"+rec.IncidentID)
	return rec, nil
}

// GetAlert loads a persisted alert.
func (d *Dispatcher) GetAlert(ctx context.Context, id string) (*Alert, error) {
	var a Alert
	if err := store.GetJSON(ctx, d.store, alertKey(id), &a); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, secerrors.NotFound("get_alert", err)
		}
		return nil, secerrors.Storage("get_alert", err)
	}
	return &a, nil
}

// NotificationsForIncident loads the notification records for an incident.
func (d *Dispatcher) NotificationsForIncident(ctx context.Context, incidentID string) ([]*NotificationRecord, error) {
	ids, err := d.store.SMembers(ctx, "notifications:incident:"+incidentID)
	if err != nil {
		return nil, secerrors.Storage("notifications_for_incident", err)
	}
	out := make([]*NotificationRecord, 0, len(ids))
	for _, id := range ids {
		var rec NotificationRecord
		if err := store.GetJSON(ctx, d.store, notificationKey(id), &rec); err != nil {
			continue
		}
		out = append(out, &rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// AlertsBetween returns alerts whose timestamp falls in [start, end], oldest
// first. Expired alerts are skipped.
func (d *Dispatcher) AlertsBetween(ctx context.Context, start, end time.Time) ([]*Alert, error) {
	var out []*Alert
	for _, day := range store.DaysBetween(start, end) {
		ids, err := d.store.SMembers(ctx, "alerts:day:"+day)
		if err != nil {
			return nil, secerrors.Storage("alerts_between", err)
		}
		for _, id := range ids {
			var a Alert
			if err := store.GetJSON(ctx, d.store, alertKey(id), &a); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return nil, secerrors.Storage("alerts_between", err)
			}
			if a.Timestamp.Before(start) || a.Timestamp.After(end) {
				continue
			}
			out = append(out, &a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (d *Dispatcher) index(ctx context.Context, id string, ttl time.Duration, keys ...string) {
	for _, key := range keys {
		if err := store.AddToIndex(ctx, d.store, key, id, ttl); err != nil {
			d.metrics.IndexWriteFailed("alerting")
			d.logger.Warn("failed to write alert index", "key", key, "id", id, "error", err)
		}
	}
}

func alertKey(id string) string        { return "alert:" + id }
func notificationKey(id string) string { return "notification:" + id }

func defaultTitle(alertType string) string {
	words := strings.Split(strings.ToLower(alertType), "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}
