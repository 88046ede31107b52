// Package dashboard provides read-only, time-windowed rollups over security
// events, alerts, and audit entries. Results are cached briefly per query.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"sectrail/internal/alerting"
	"sectrail/internal/audit"
	secerrors "sectrail/internal/errors"
	"sectrail/internal/incident"
	"sectrail/internal/metrics"
	"sectrail/internal/schema"
)

var (
	ErrInvalidTimeframe  = errors.New("invalid timeframe")
	ErrInvalidMetricType = errors.New("invalid metric type")
)

// Timeframe is the window a query covers, ending now.
type Timeframe string

const (
	TimeframeHour  Timeframe = "1h"
	TimeframeDay   Timeframe = "24h"
	TimeframeWeek  Timeframe = "7d"
	TimeframeMonth Timeframe = "30d"
)

// Duration returns the timeframe's length, or 0 if it is unknown.
func (t Timeframe) Duration() time.Duration {
	switch t {
	case TimeframeHour:
		return time.Hour
	case TimeframeDay:
		return 24 * time.Hour
	case TimeframeWeek:
		return 7 * 24 * time.Hour
	case TimeframeMonth:
		return 30 * 24 * time.Hour
	}
	return 0
}

// interval is the time-series bucket width for the timeframe.
func (t Timeframe) interval() time.Duration {
	switch t {
	case TimeframeHour:
		return 5 * time.Minute
	case TimeframeDay:
		return time.Hour
	case TimeframeWeek:
		return 6 * time.Hour
	}
	return 24 * time.Hour
}

// MetricType selects the breakdown GetDetailedMetrics returns.
type MetricType string

const (
	MetricEvents MetricType = "events"
	MetricAlerts MetricType = "alerts"
	MetricUsers  MetricType = "users"
	MetricIPs    MetricType = "ips"
	MetricAudit  MetricType = "audit"
)

func (m MetricType) valid() bool {
	switch m {
	case MetricEvents, MetricAlerts, MetricUsers, MetricIPs, MetricAudit:
		return true
	}
	return false
}

// Filters narrow GetDetailedMetrics. Zero fields match everything.
type Filters struct {
	EventTypes []schema.EventType `json:"eventTypes,omitempty"`
	Severities []schema.Severity  `json:"severities,omitempty"`
	UserID     string             `json:"userId,omitempty"`
	IP         string             `json:"ip,omitempty"`
	Limit      int                `json:"limit,omitempty"`
}

// EventSource reads events in a time range.
type EventSource interface {
	EventsBetween(ctx context.Context, start, end time.Time) ([]*schema.SecurityEvent, error)
}

// AlertSource reads alerts in a time range.
type AlertSource interface {
	AlertsBetween(ctx context.Context, start, end time.Time) ([]*alerting.Alert, error)
}

// AuditSource reads ledger entries in a time range.
type AuditSource interface {
	EntriesBetween(ctx context.Context, start, end time.Time) ([]*audit.AuditEntry, error)
}

// IncidentSource lists active incidents.
type IncidentSource interface {
	ListIncidents(f incident.Filter) []*incident.Incident
	Stats() incident.Stats
}

// Config configures the dashboard cache.
type Config struct {
	CacheTTL  time.Duration `yaml:"cache_ttl"`
	CacheSize int           `yaml:"cache_size"`
	TopN      int           `yaml:"top_n"`
}

// DefaultConfig returns dashboard defaults.
func DefaultConfig() Config {
	return Config{
		CacheTTL:  5 * time.Minute,
		CacheSize: 256,
		TopN:      10,
	}
}

// Options carries the dashboard's sources. Alerts, Audit and Incidents are
// optional; their sections are left empty when unset.
type Options struct {
	Alerts    AlertSource
	Audit     AuditSource
	Incidents IncidentSource
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Dashboard aggregates the read side of the telemetry core.
type Dashboard struct {
	events    EventSource
	alerts    AlertSource
	audit     AuditSource
	incidents IncidentSource
	cfg       Config
	cache     *expirable.LRU[string, any]
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// New creates a dashboard over events.
func New(events EventSource, cfg Config, opts Options) *Dashboard {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 256
	}
	if cfg.TopN <= 0 {
		cfg.TopN = 10
	}
	return &Dashboard{
		events:    events,
		alerts:    opts.Alerts,
		audit:     opts.Audit,
		incidents: opts.Incidents,
		cfg:       cfg,
		cache:     expirable.NewLRU[string, any](cfg.CacheSize, nil, cfg.CacheTTL),
		logger:    logger,
		metrics:   opts.Metrics,
		now:       time.Now,
	}
}

// Overview is the top-level security summary for a timeframe.
type Overview struct {
	Timeframe   Timeframe `json:"timeframe"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	GeneratedAt time.Time `json:"generatedAt"`

	TotalEvents      int            `json:"totalEvents"`
	EventsBySeverity map[string]int `json:"eventsBySeverity"`
	EventsByType     map[string]int `json:"eventsByType"`
	UniqueUsers      int            `json:"uniqueUsers"`
	UniqueIPs        int            `json:"uniqueIps"`

	TotalAlerts      int            `json:"totalAlerts"`
	AlertsBySeverity map[string]int `json:"alertsBySeverity"`
	TopAlertTypes    []Count        `json:"topAlertTypes"`

	AuditEntries int `json:"auditEntries"`

	Incidents       *incident.Stats `json:"incidents,omitempty"`
	RecentIncidents []IncidentBrief `json:"recentIncidents,omitempty"`

	ThreatScore int          `json:"threatScore"`
	ThreatLevel string       `json:"threatLevel"`
	TopThreats  []ThreatStat `json:"topThreats"`
	TopUsers    []Count      `json:"topUsers"`
	TopIPs      []Count      `json:"topIps"`
}

// Count is a key with its number of occurrences.
type Count struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// ThreatStat is the threat score contributed by one event type.
type ThreatStat struct {
	EventType schema.EventType `json:"eventType"`
	Count     int              `json:"count"`
	Score     int              `json:"score"`
}

// IncidentBrief is the dashboard view of an incident.
type IncidentBrief struct {
	ID        string              `json:"id"`
	Type      schema.IncidentType `json:"type"`
	Severity  schema.Severity     `json:"severity"`
	Status    incident.Status     `json:"status"`
	CreatedAt time.Time           `json:"createdAt"`
}

// TimeSeries is a bucketed count over the timeframe.
type TimeSeries struct {
	Labels   []string `json:"labels"`
	Data     []int    `json:"data"`
	Interval string   `json:"interval"`
}

// DetailedMetrics is one metric type's breakdown for a timeframe.
type DetailedMetrics struct {
	MetricType  MetricType     `json:"metricType"`
	Timeframe   Timeframe      `json:"timeframe"`
	Start       time.Time      `json:"start"`
	End         time.Time      `json:"end"`
	GeneratedAt time.Time      `json:"generatedAt"`
	Filters     Filters        `json:"filters"`
	Total       int            `json:"total"`
	Breakdown   map[string]int `json:"breakdown"`
	BySeverity  map[string]int `json:"bySeverity"`
	Top         []Count        `json:"top,omitempty"`
	ThreatScore int            `json:"threatScore"`
	Series      TimeSeries     `json:"series"`
}

// GetSecurityOverview summarizes the timeframe ending now.
func (d *Dashboard) GetSecurityOverview(ctx context.Context, tf Timeframe) (*Overview, error) {
	window := tf.Duration()
	if window == 0 {
		return nil, secerrors.Validation("security_overview", fmt.Errorf("%w: %q", ErrInvalidTimeframe, tf))
	}

	key := "overview:" + string(tf)
	if v, ok := d.lookup(key); ok {
		return v.(*Overview), nil
	}

	end := d.now().UTC()
	start := end.Add(-window)
	events, err := d.events.EventsBetween(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("security overview: %w", err)
	}

	o := &Overview{
		Timeframe:        tf,
		Start:            start,
		End:              end,
		GeneratedAt:      end,
		TotalEvents:      len(events),
		EventsBySeverity: make(map[string]int),
		EventsByType:     make(map[string]int),
		AlertsBySeverity: make(map[string]int),
	}

	users := make(map[string]int)
	ips := make(map[string]int)
	for _, ev := range events {
		o.EventsBySeverity[string(ev.Severity)]++
		o.EventsByType[string(ev.EventType)]++
		if ev.UserID != "" {
			users[ev.UserID]++
		}
		if ev.DeviceInfo.IP != "" {
			ips[ev.DeviceInfo.IP]++
		}
	}
	o.UniqueUsers = len(users)
	o.UniqueIPs = len(ips)
	o.TopUsers = topN(users, d.cfg.TopN)
	o.TopIPs = topN(ips, d.cfg.TopN)
	o.ThreatScore, o.TopThreats = threatBreakdown(events)
	o.ThreatLevel = ThreatLevel(o.ThreatScore, len(events))

	if d.alerts != nil {
		alerts, err := d.alerts.AlertsBetween(ctx, start, end)
		if err != nil {
			return nil, fmt.Errorf("security overview: %w", err)
		}
		types := make(map[string]int)
		for _, a := range alerts {
			o.AlertsBySeverity[string(a.Severity)]++
			types[a.Type]++
		}
		o.TotalAlerts = len(alerts)
		o.TopAlertTypes = topN(types, d.cfg.TopN)
	}

	if d.audit != nil {
		entries, err := d.audit.EntriesBetween(ctx, start, end)
		if err != nil {
			return nil, fmt.Errorf("security overview: %w", err)
		}
		o.AuditEntries = len(entries)
	}

	if d.incidents != nil {
		stats := d.incidents.Stats()
		o.Incidents = &stats
		for _, inc := range d.incidents.ListIncidents(incident.Filter{Since: start, Limit: d.cfg.TopN}) {
			o.RecentIncidents = append(o.RecentIncidents, IncidentBrief{
				ID:        inc.ID,
				Type:      inc.Type,
				Severity:  inc.Severity,
				Status:    inc.Status,
				CreatedAt: inc.CreatedAt,
			})
		}
	}

	d.cache.Add(key, o)
	return o, nil
}

// GetDetailedMetrics breaks down one metric type over the timeframe.
func (d *Dashboard) GetDetailedMetrics(ctx context.Context, mt MetricType, tf Timeframe, f Filters) (*DetailedMetrics, error) {
	window := tf.Duration()
	if window == 0 {
		return nil, secerrors.Validation("detailed_metrics", fmt.Errorf("%w: %q", ErrInvalidTimeframe, tf))
	}
	if !mt.valid() {
		return nil, secerrors.Validation("detailed_metrics", fmt.Errorf("%w: %q", ErrInvalidMetricType, mt))
	}

	key := metricsKey(mt, tf, f)
	if v, ok := d.lookup(key); ok {
		return v.(*DetailedMetrics), nil
	}

	end := d.now().UTC()
	start := end.Add(-window)
	dm := &DetailedMetrics{
		MetricType:  mt,
		Timeframe:   tf,
		Start:       start,
		End:         end,
		GeneratedAt: end,
		Filters:     f,
		Breakdown:   make(map[string]int),
		BySeverity:  make(map[string]int),
	}
	limit := f.Limit
	if limit <= 0 {
		limit = d.cfg.TopN
	}

	var (
		times []time.Time
		err   error
	)
	switch mt {
	case MetricEvents, MetricUsers, MetricIPs:
		times, err = d.eventMetrics(ctx, dm, f, limit)
	case MetricAlerts:
		times, err = d.alertMetrics(ctx, dm, f, limit)
	case MetricAudit:
		times, err = d.auditMetrics(ctx, dm, f, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("detailed metrics %s: %w", mt, err)
	}
	dm.Total = len(times)
	dm.Series = bucket(times, start, end, tf.interval())

	d.cache.Add(key, dm)
	return dm, nil
}

func (d *Dashboard) eventMetrics(ctx context.Context, dm *DetailedMetrics, f Filters, limit int) ([]time.Time, error) {
	events, err := d.events.EventsBetween(ctx, dm.Start, dm.End)
	if err != nil {
		return nil, err
	}

	var (
		times   []time.Time
		matched []*schema.SecurityEvent
	)
	subjects := make(map[string]int)
	for _, ev := range events {
		if !f.matchEvent(ev) {
			continue
		}
		matched = append(matched, ev)
		times = append(times, ev.Timestamp)
		dm.BySeverity[string(ev.Severity)]++

		switch dm.MetricType {
		case MetricEvents:
			dm.Breakdown[string(ev.EventType)]++
		case MetricUsers:
			if ev.UserID != "" {
				dm.Breakdown[ev.UserID] += EventThreatScore(ev.EventType, ev.Severity)
				subjects[ev.UserID]++
			}
		case MetricIPs:
			if ev.DeviceInfo.IP != "" {
				dm.Breakdown[ev.DeviceInfo.IP] += EventThreatScore(ev.EventType, ev.Severity)
				subjects[ev.DeviceInfo.IP]++
			}
		}
	}

	if dm.MetricType == MetricEvents {
		dm.Top = topN(dm.Breakdown, limit)
	} else {
		// Breakdown holds per-subject threat scores; Top ranks by activity.
		dm.Top = topN(subjects, limit)
	}
	dm.ThreatScore, _ = threatBreakdown(matched)
	return times, nil
}

func (d *Dashboard) alertMetrics(ctx context.Context, dm *DetailedMetrics, f Filters, limit int) ([]time.Time, error) {
	if d.alerts == nil {
		return nil, nil
	}
	alerts, err := d.alerts.AlertsBetween(ctx, dm.Start, dm.End)
	if err != nil {
		return nil, err
	}

	var times []time.Time
	for _, a := range alerts {
		if !f.matchSeverity(a.Severity) {
			continue
		}
		if f.UserID != "" && fmt.Sprint(a.Details["userId"]) != f.UserID {
			continue
		}
		if f.IP != "" && fmt.Sprint(a.Details["ip"]) != f.IP {
			continue
		}
		times = append(times, a.Timestamp)
		dm.Breakdown[a.Type]++
		dm.BySeverity[string(a.Severity)]++
		dm.ThreatScore += SeverityWeight(a.Severity)
	}
	dm.Top = topN(dm.Breakdown, limit)
	return times, nil
}

func (d *Dashboard) auditMetrics(ctx context.Context, dm *DetailedMetrics, f Filters, limit int) ([]time.Time, error) {
	if d.audit == nil {
		return nil, nil
	}
	entries, err := d.audit.EntriesBetween(ctx, dm.Start, dm.End)
	if err != nil {
		return nil, err
	}

	var times []time.Time
	users := make(map[string]int)
	for _, e := range entries {
		if !f.matchType(e.EventType) || !f.matchSeverity(e.Severity) {
			continue
		}
		if f.UserID != "" && e.UserID != f.UserID {
			continue
		}
		if f.IP != "" && (e.RequestInfo == nil || e.RequestInfo.IP != f.IP) {
			continue
		}
		times = append(times, e.Timestamp)
		dm.Breakdown[string(e.EventType)]++
		dm.BySeverity[string(e.Severity)]++
		dm.ThreatScore += EventThreatScore(e.EventType, e.Severity)
		if e.UserID != "" {
			users[e.UserID]++
		}
	}
	dm.Top = topN(users, limit)
	return times, nil
}

// Invalidate drops every cached result.
func (d *Dashboard) Invalidate() {
	d.cache.Purge()
}

func (d *Dashboard) lookup(key string) (any, bool) {
	v, ok := d.cache.Get(key)
	d.metrics.DashboardCacheLookup(ok)
	if ok {
		d.logger.Debug("dashboard cache hit", "key", key)
	}
	return v, ok
}

func metricsKey(mt MetricType, tf Timeframe, f Filters) string {
	raw, err := json.Marshal(f)
	if err != nil {
		raw = []byte(fmt.Sprintf("%+v", f))
	}
	return fmt.Sprintf("metrics:%s:%s:%s", mt, tf, raw)
}

func (f Filters) matchEvent(ev *schema.SecurityEvent) bool {
	if !f.matchType(ev.EventType) || !f.matchSeverity(ev.Severity) {
		return false
	}
	if f.UserID != "" && ev.UserID != f.UserID {
		return false
	}
	if f.IP != "" && ev.DeviceInfo.IP != f.IP {
		return false
	}
	return true
}

func (f Filters) matchType(t schema.EventType) bool {
	if len(f.EventTypes) == 0 {
		return true
	}
	for _, want := range f.EventTypes {
		if want == t {
			return true
		}
	}
	return false
}

func (f Filters) matchSeverity(s schema.Severity) bool {
	if len(f.Severities) == 0 {
		return true
	}
	for _, want := range f.Severities {
		if want == s {
			return true
		}
	}
	return false
}

// topN returns the n largest counts, ties broken by key.
func topN(counts map[string]int, n int) []Count {
	out := make([]Count, 0, len(counts))
	for k, c := range counts {
		out = append(out, Count{Key: k, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// bucket counts times into interval-wide buckets covering [start, end].
func bucket(times []time.Time, start, end time.Time, interval time.Duration) TimeSeries {
	n := int(end.Sub(start) / interval)
	if end.Sub(start)%interval != 0 {
		n++
	}
	ts := TimeSeries{
		Labels:   make([]string, n),
		Data:     make([]int, n),
		Interval: interval.String(),
	}
	layout := "15:04"
	if interval >= 24*time.Hour {
		layout = "2006-01-02"
	} else if interval >= 6*time.Hour {
		layout = "01-02 15:04"
	}
	for i := range ts.Labels {
		ts.Labels[i] = start.Add(time.Duration(i) * interval).Format(layout)
	}
	for _, t := range times {
		if t.Before(start) || t.After(end) {
			continue
		}
		i := int(t.Sub(start) / interval)
		if i >= n {
			i = n - 1
		}
		ts.Data[i]++
	}
	return ts
}
