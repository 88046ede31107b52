// Package metrics exposes Prometheus collectors for the telemetry core.
// All recording methods are safe on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups every collector the service records.
type Metrics struct {
	EventsLogged        *prometheus.CounterVec
	EventPersistErrors  prometheus.Counter
	IndexWriteFailures  *prometheus.CounterVec
	AnalyzerErrors      *prometheus.CounterVec
	AlertsTriggered     *prometheus.CounterVec
	Deliveries          *prometheus.CounterVec
	DeliveryDuration    *prometheus.HistogramVec
	DetectorFindings    *prometheus.CounterVec
	DetectorErrors      *prometheus.CounterVec
	FindingsSuppressed  *prometheus.CounterVec
	IncidentsCreated    *prometheus.CounterVec
	IncidentsActive     prometheus.Gauge
	AuditEntries        prometheus.Counter
	AuditWriteFailures  prometheus.Counter
	AuditSequence       prometheus.Gauge
	AuditVerifyFailures prometheus.Counter
	DashboardCache      *prometheus.CounterVec
	HTTPRateLimited     prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsLogged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sectrail_events_logged_total",
			Help: "Security events persisted, by type and severity",
		}, []string{"event_type", "severity"}),
		EventPersistErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sectrail_event_persist_errors_total",
			Help: "Security events that failed primary persistence",
		}),
		IndexWriteFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sectrail_index_write_failures_total",
			Help: "Best-effort secondary index writes that failed",
		}, []string{"component"}),
		AnalyzerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sectrail_analyzer_errors_total",
			Help: "Errors returned by event analyzers",
		}, []string{"analyzer"}),
		AlertsTriggered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sectrail_alerts_triggered_total",
			Help: "Alerts raised, by type and severity",
		}, []string{"type", "severity"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sectrail_channel_deliveries_total",
			Help: "Channel delivery attempts, by channel and outcome",
		}, []string{"channel", "status"}),
		DeliveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sectrail_channel_delivery_duration_seconds",
			Help:    "Channel delivery latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"channel"}),
		DetectorFindings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sectrail_detector_findings_total",
			Help: "Findings emitted by anomaly detectors",
		}, []string{"detector"}),
		DetectorErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sectrail_detector_errors_total",
			Help: "Detector evaluation failures",
		}, []string{"detector"}),
		FindingsSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sectrail_findings_suppressed_total",
			Help: "Repeat findings suppressed within their window",
		}, []string{"detector"}),
		IncidentsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sectrail_incidents_created_total",
			Help: "Incidents opened, by type and severity",
		}, []string{"type", "severity"}),
		IncidentsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sectrail_incidents_active",
			Help: "Incidents held in the active set",
		}),
		AuditEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sectrail_audit_entries_total",
			Help: "Audit ledger entries appended",
		}),
		AuditWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sectrail_audit_write_failures_total",
			Help: "Audit ledger appends that failed",
		}),
		AuditSequence: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sectrail_audit_sequence",
			Help: "Last committed audit ledger sequence number",
		}),
		AuditVerifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sectrail_audit_verify_failures_total",
			Help: "Audit entries that failed integrity verification",
		}),
		DashboardCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sectrail_dashboard_cache_total",
			Help: "Dashboard cache lookups, by result",
		}, []string{"result"}),
		HTTPRateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sectrail_http_rate_limited_total",
			Help: "API requests rejected by the per-IP rate limiter",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.EventsLogged, m.EventPersistErrors, m.IndexWriteFailures,
			m.AnalyzerErrors, m.AlertsTriggered, m.Deliveries, m.DeliveryDuration,
			m.DetectorFindings, m.DetectorErrors, m.FindingsSuppressed,
			m.IncidentsCreated, m.IncidentsActive, m.AuditEntries,
			m.AuditWriteFailures, m.AuditSequence, m.AuditVerifyFailures,
			m.DashboardCache, m.HTTPRateLimited,
		)
	}
	return m
}

func (m *Metrics) EventLogged(eventType, severity string) {
	if m == nil {
		return
	}
	m.EventsLogged.WithLabelValues(eventType, severity).Inc()
}

func (m *Metrics) EventPersistFailed() {
	if m == nil {
		return
	}
	m.EventPersistErrors.Inc()
}

func (m *Metrics) IndexWriteFailed(component string) {
	if m == nil {
		return
	}
	m.IndexWriteFailures.WithLabelValues(component).Inc()
}

func (m *Metrics) AnalyzerFailed(analyzer string) {
	if m == nil {
		return
	}
	m.AnalyzerErrors.WithLabelValues(analyzer).Inc()
}

func (m *Metrics) AlertTriggered(alertType, severity string) {
	if m == nil {
		return
	}
	m.AlertsTriggered.WithLabelValues(alertType, severity).Inc()
}

// Delivery records one channel attempt.
func (m *Metrics) Delivery(channel string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if !ok {
		status = "failed"
	}
	m.Deliveries.WithLabelValues(channel, status).Inc()
	m.DeliveryDuration.WithLabelValues(channel).Observe(d.Seconds())
}

func (m *Metrics) Finding(detector string) {
	if m == nil {
		return
	}
	m.DetectorFindings.WithLabelValues(detector).Inc()
}

func (m *Metrics) DetectorFailed(detector string) {
	if m == nil {
		return
	}
	m.DetectorErrors.WithLabelValues(detector).Inc()
}

func (m *Metrics) FindingSuppressed(detector string) {
	if m == nil {
		return
	}
	m.FindingsSuppressed.WithLabelValues(detector).Inc()
}

func (m *Metrics) IncidentCreated(incidentType, severity string) {
	if m == nil {
		return
	}
	m.IncidentsCreated.WithLabelValues(incidentType, severity).Inc()
}

func (m *Metrics) SetActiveIncidents(n int) {
	if m == nil {
		return
	}
	m.IncidentsActive.Set(float64(n))
}

// AuditAppended records a committed ledger entry.
func (m *Metrics) AuditAppended(sequence uint64) {
	if m == nil {
		return
	}
	m.AuditEntries.Inc()
	m.AuditSequence.Set(float64(sequence))
}

func (m *Metrics) AuditWriteFailed() {
	if m == nil {
		return
	}
	m.AuditWriteFailures.Inc()
}

func (m *Metrics) AuditVerifyFailed(n int) {
	if m == nil {
		return
	}
	m.AuditVerifyFailures.Add(float64(n))
}

func (m *Metrics) DashboardCacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.DashboardCache.WithLabelValues("hit").Inc()
		return
	}
	m.DashboardCache.WithLabelValues("miss").Inc()
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.HTTPRateLimited.Inc()
}
