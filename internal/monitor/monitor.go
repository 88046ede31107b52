// Package monitor is the entry point for security events: it validates,
// persists and indexes each event, evaluates burst alert rules, and hands
// the stored event to registered analyzers and forwarders.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"sectrail/internal/alerting"
	"sectrail/internal/detection"
	secerrors "sectrail/internal/errors"
	"sectrail/internal/metrics"
	"sectrail/internal/schema"
	"sectrail/internal/store"
)

// HighSeverityAlert is the alert type raised for high and critical events.
const HighSeverityAlert = "HIGH_SEVERITY_EVENT"

// AlertTrigger raises alerts. *alerting.Dispatcher implements it.
type AlertTrigger interface {
	TriggerAlert(ctx context.Context, alertType string, in alerting.AlertInput) (*alerting.Alert, error)
}

// Analyzer consumes stored events. Analyzers run synchronously after the
// event is persisted; an analyzer error never fails the logging call.
type Analyzer interface {
	Name() string
	Analyze(ctx context.Context, ev *schema.SecurityEvent) error
}

// Config configures the monitor.
type Config struct {
	EventTTL time.Duration `yaml:"event_ttl"`

	// ClientIPHeader overrides the proxy header consulted first for the
	// client IP.
	ClientIPHeader string `yaml:"client_ip_header"`

	HighSeverityAlerts bool                       `yaml:"high_severity_alerts"`
	AlertRules         detection.AlertRulesConfig `yaml:"alert_rules"`
	ForwardTimeout     time.Duration              `yaml:"forward_timeout"`

	// OnIndexError receives index write failures. The event itself was
	// stored when this is called.
	OnIndexError func(key string, err error) `yaml:"-"`
}

// DefaultConfig returns monitor defaults.
func DefaultConfig() Config {
	return Config{
		EventTTL:           7 * 24 * time.Hour,
		HighSeverityAlerts: true,
		AlertRules:         detection.DefaultAlertRulesConfig(),
		ForwardTimeout:     alerting.DefaultTimeout,
	}
}

// Options carries the monitor's collaborators. All fields are optional.
type Options struct {
	Alerts     AlertTrigger
	Forwarders []alerting.Channel
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// LogInput describes an event to log.
type LogInput struct {
	EventType schema.EventType
	Severity  schema.Severity
	Details   schema.EventDetails
	UserID    string
	Request   *schema.RequestContext

	// Timestamp defaults to now. Producers replaying buffered events may
	// set it; timestamps too far in the future are rejected.
	Timestamp time.Time
}

// Monitor logs security events.
type Monitor struct {
	store     store.Store
	cfg       Config
	validator *schema.Validator
	alerts    AlertTrigger
	rules     *detection.Registry
	deliver   *alerting.Deliverer
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu         sync.RWMutex
	analyzers  []Analyzer
	forwarders []alerting.Channel
}

// New creates a monitor. Burst alert rules are built from cfg.AlertRules and
// count over this monitor's own indexes.
func New(s store.Store, cfg Config, opts Options) *Monitor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.EventTTL <= 0 {
		cfg.EventTTL = 7 * 24 * time.Hour
	}

	m := &Monitor{
		store:      s,
		cfg:        cfg,
		validator:  schema.NewValidator(),
		alerts:     opts.Alerts,
		deliver:    &alerting.Deliverer{Timeout: cfg.ForwardTimeout, Logger: logger, Metrics: opts.Metrics},
		logger:     logger,
		metrics:    opts.Metrics,
		now:        time.Now,
		forwarders: opts.Forwarders,
	}
	m.rules = detection.NewRegistry(logger, opts.Metrics, detection.DefaultAlertRules(m, cfg.AlertRules)...)
	return m
}

// AddAnalyzer registers an analyzer.
func (m *Monitor) AddAnalyzer(a Analyzer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.analyzers = append(m.analyzers, a)
}

// AddForwarder registers a channel that receives a copy of every event.
func (m *Monitor) AddForwarder(ch alerting.Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forwarders = append(m.forwarders, ch)
}

// AlertRules returns the burst alert rule registry.
func (m *Monitor) AlertRules() *detection.Registry { return m.rules }

// LogSecurityEvent validates, persists and indexes an event, then runs alert
// rules, analyzers and forwarders. Only validation and primary-record
// storage failures are returned.
func (m *Monitor) LogSecurityEvent(ctx context.Context, in LogInput) (*schema.SecurityEvent, error) {
	if in.Request != nil && in.Request.ClientIPHeader == "" && m.cfg.ClientIPHeader != "" {
		rc := *in.Request
		rc.ClientIPHeader = m.cfg.ClientIPHeader
		in.Request = &rc
	}

	ev := &schema.SecurityEvent{
		CorrelationID: uuid.New().String(),
		EventType:     in.EventType,
		Severity:      in.Severity,
		UserID:        schema.Truncate(in.UserID, schema.MaxUserIDLength),
		DeviceInfo:    in.Request.DeviceInfo(),
		Details:       in.Details,
		Timestamp:     in.Timestamp.UTC(),
	}
	if in.Timestamp.IsZero() {
		ev.Timestamp = m.now().UTC()
	}

	if err := m.validator.Validate(ev); err != nil {
		m.logger.Warn("rejected security event",
			"event_type", in.EventType,
			"severity", in.Severity,
			"error", err)
		return nil, err
	}

	if err := store.SetJSON(ctx, m.store, eventKey(ev.CorrelationID), ev, m.cfg.EventTTL); err != nil {
		m.metrics.EventPersistFailed()
		m.logger.Error("failed to persist security event",
			"correlation_id", ev.CorrelationID,
			"event_type", ev.EventType,
			"error", err)
		return nil, secerrors.Storage("log_security_event", err)
	}
	m.index(ctx, ev)
	m.metrics.EventLogged(string(ev.EventType), string(ev.Severity))

	m.logger.Info("security event logged",
		"correlation_id", ev.CorrelationID,
		"event_type", ev.EventType,
		"severity", ev.Severity,
		"user_id", ev.UserID,
		"ip", ev.DeviceInfo.IP)

	m.checkAlertRules(ctx, ev)
	m.runAnalyzers(ctx, ev)
	m.forward(ctx, ev)

	return ev, nil
}

func (m *Monitor) index(ctx context.Context, ev *schema.SecurityEvent) {
	keys := []string{"events:day:" + store.DayKey(ev.Timestamp)}
	if ev.UserID != "" {
		keys = append(keys, subjectKey(userIndex, ev.UserID, ev.Timestamp))
	}
	if ev.DeviceInfo.IP != "" {
		keys = append(keys, subjectKey(ipIndex, ev.DeviceInfo.IP, ev.Timestamp))
	}

	for _, key := range keys {
		if err := store.AddToIndex(ctx, m.store, key, ev.CorrelationID, m.cfg.EventTTL); err != nil {
			m.metrics.IndexWriteFailed("monitor")
			m.logger.Warn("failed to write event index",
				"key", key,
				"correlation_id", ev.CorrelationID,
				"error", err)
			if m.cfg.OnIndexError != nil {
				m.cfg.OnIndexError(key, err)
			}
		}
	}
}

func (m *Monitor) checkAlertRules(ctx context.Context, ev *schema.SecurityEvent) {
	if m.alerts == nil {
		return
	}

	for _, f := range m.rules.Evaluate(ctx, ev) {
		details := map[string]any{
			"count":     f.Count,
			"threshold": f.Threshold,
			"window":    f.Window.String(),
			"evidence":  f.Evidence,
		}
		if f.UserID != "" {
			details["userId"] = f.UserID
		}
		if f.IP != "" {
			details["ip"] = f.IP
		}
		if _, err := m.alerts.TriggerAlert(ctx, f.Detector, alerting.AlertInput{
			Severity:      f.Severity,
			CorrelationID: ev.CorrelationID,
			Message:       f.Description,
			Details:       details,
		}); err != nil {
			m.logger.Error("failed to trigger alert", "rule", f.Detector, "error", err)
		}
	}

	// Incidents notify through their own path.
	if m.cfg.HighSeverityAlerts && ev.Severity.AtLeast(schema.SeverityHigh) && ev.EventType != schema.EventSecurityIncident {
		details := ev.Details.ToMap()
		details["eventType"] = string(ev.EventType)
		if ev.UserID != "" {
			details["userId"] = ev.UserID
		}
		if ev.DeviceInfo.IP != "" {
			details["ip"] = ev.DeviceInfo.IP
		}
		if _, err := m.alerts.TriggerAlert(ctx, HighSeverityAlert, alerting.AlertInput{
			Severity:      ev.Severity,
			CorrelationID: ev.CorrelationID,
			Message:       fmt.Sprintf("%s event logged with %s severity", ev.EventType, ev.Severity),
			Details:       details,
		}); err != nil {
			m.logger.Error("failed to trigger alert", "rule", HighSeverityAlert, "error", err)
		}
	}
}

func (m *Monitor) runAnalyzers(ctx context.Context, ev *schema.SecurityEvent) {
	m.mu.RLock()
	analyzers := make([]Analyzer, len(m.analyzers))
	copy(analyzers, m.analyzers)
	m.mu.RUnlock()

	for _, a := range analyzers {
		if err := analyzeSafely(ctx, a, ev); err != nil {
			m.metrics.AnalyzerFailed(a.Name())
			m.logger.Error("analyzer failed",
				"analyzer", a.Name(),
				"correlation_id", ev.CorrelationID,
				"error", err)
		}
	}
}

func analyzeSafely(ctx context.Context, a Analyzer, ev *schema.SecurityEvent) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("analyzer panic: %v", p)
		}
	}()
	return a.Analyze(ctx, ev)
}

func (m *Monitor) forward(ctx context.Context, ev *schema.SecurityEvent) {
	m.mu.RLock()
	forwarders := make([]alerting.Channel, len(m.forwarders))
	copy(forwarders, m.forwarders)
	m.mu.RUnlock()
	if len(forwarders) == 0 {
		return
	}

	details := ev.Details.ToMap()
	details["userId"] = ev.UserID
	details["deviceInfo"] = ev.DeviceInfo
	m.deliver.Deliver(ctx, forwarders, &alerting.Message{
		Type:          string(ev.EventType),
		Severity:      ev.Severity,
		Title:         "Security event",
		Message:       fmt.Sprintf("%s (%s)", ev.EventType, ev.Severity),
		Timestamp:     ev.Timestamp,
		CorrelationID: ev.CorrelationID,
		Details:       details,
	})
}

// GetEvent loads an event by correlation ID.
func (m *Monitor) GetEvent(ctx context.Context, correlationID string) (*schema.SecurityEvent, error) {
	var ev schema.SecurityEvent
	if err := store.GetJSON(ctx, m.store, eventKey(correlationID), &ev); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, secerrors.NotFound("get_event", err)
		}
		return nil, secerrors.Storage("get_event", err)
	}
	return &ev, nil
}

// EventsBetween returns events timestamped in [start, end], oldest first.
func (m *Monitor) EventsBetween(ctx context.Context, start, end time.Time) ([]*schema.SecurityEvent, error) {
	var ids []string
	for _, day := range store.DaysBetween(start, end) {
		members, err := m.store.SMembers(ctx, "events:day:"+day)
		if err != nil {
			return nil, secerrors.Storage("events_between", err)
		}
		ids = append(ids, members...)
	}
	return m.load(ctx, ids, start, end)
}

// EventsByUser returns the user's events since the given time, oldest first.
func (m *Monitor) EventsByUser(ctx context.Context, userID string, since time.Time) ([]*schema.SecurityEvent, error) {
	return m.bySubject(ctx, userIndex, userID, since)
}

// EventsByIP returns the IP's events since the given time, oldest first.
func (m *Monitor) EventsByIP(ctx context.Context, ip string, since time.Time) ([]*schema.SecurityEvent, error) {
	return m.bySubject(ctx, ipIndex, ip, since)
}

// Subject indexes are bucketed by hour so a lookup reads only the buckets
// covering [since, now], never the subject's whole history.
const (
	userIndex = "user"
	ipIndex   = "ip"
)

func subjectKey(kind, subject string, t time.Time) string {
	return "events:" + kind + ":" + subject + ":" + store.HourKey(t)
}

func (m *Monitor) bySubject(ctx context.Context, kind, subject string, since time.Time) ([]*schema.SecurityEvent, error) {
	now := m.now()
	// Buckets older than the event TTL have expired with their events.
	start := since
	if floor := now.Add(-m.cfg.EventTTL); start.Before(floor) {
		start = floor
	}
	end := now.Add(schema.DefaultValidatorConfig().MaxFuture)

	var ids []string
	for _, hour := range store.HoursBetween(start, end) {
		members, err := m.store.SMembers(ctx, "events:"+kind+":"+subject+":"+hour)
		if err != nil {
			return nil, secerrors.Storage("events_by_"+kind, err)
		}
		ids = append(ids, members...)
	}
	return m.load(ctx, ids, since, time.Time{})
}

// load fetches events and keeps those in [start, end]; a zero end is open.
// Expired events are skipped.
func (m *Monitor) load(ctx context.Context, ids []string, start, end time.Time) ([]*schema.SecurityEvent, error) {
	out := make([]*schema.SecurityEvent, 0, len(ids))
	for _, id := range ids {
		var ev schema.SecurityEvent
		if err := store.GetJSON(ctx, m.store, eventKey(id), &ev); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, secerrors.Storage("load_events", err)
		}
		if ev.Timestamp.Before(start) || (!end.IsZero() && ev.Timestamp.After(end)) {
			continue
		}
		out = append(out, &ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func eventKey(id string) string { return "event:" + id }
