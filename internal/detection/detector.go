// Package detection evaluates security events against sliding-window and
// pattern detectors and reports findings for incident handling and alerting.
package detection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sectrail/internal/metrics"
	"sectrail/internal/schema"
)

// EventSource provides the recent history detectors count over. Returned
// events may include ones outside the window; detectors filter by timestamp.
type EventSource interface {
	EventsByIP(ctx context.Context, ip string, since time.Time) ([]*schema.SecurityEvent, error)
	EventsByUser(ctx context.Context, userID string, since time.Time) ([]*schema.SecurityEvent, error)
}

// Detector inspects one event and returns a finding, or nil when the event
// does not cross its threshold.
type Detector interface {
	Name() string
	Detect(ctx context.Context, ev *schema.SecurityEvent) (*Finding, error)
}

// Finding is a detector result.
type Finding struct {
	Detector             string              `json:"detector"`
	IncidentType         schema.IncidentType `json:"incidentType,omitempty"`
	Severity             schema.Severity     `json:"severity"`
	RequiresNotification bool                `json:"requiresNotification"`
	Description          string              `json:"description"`

	// GroupKey identifies the subject (IP or user) the finding is about.
	// Together with Detector and Tier it forms the suppression key.
	GroupKey string `json:"groupKey"`
	Tier     int    `json:"tier"`

	Window    time.Duration `json:"window"`
	Count     int           `json:"count"`
	Threshold int           `json:"threshold"`

	UserID        string    `json:"userId,omitempty"`
	IP            string    `json:"ip,omitempty"`
	CorrelationID string    `json:"correlationId"`
	Evidence      []string  `json:"evidence,omitempty"`
	Patterns      []string  `json:"patterns,omitempty"`
	RiskScore     *float64  `json:"riskScore,omitempty"`
	DetectedAt    time.Time `json:"detectedAt"`
}

func (f *Finding) suppressionKey() string {
	return fmt.Sprintf("%s|%s|%d", f.Detector, f.GroupKey, f.Tier)
}

// Registry runs a set of detectors. A detector error is logged and skipped.
// A finding whose suppression key already fired within its window is dropped,
// so replaying an event does not produce a second finding.
type Registry struct {
	mu        sync.Mutex
	detectors []Detector
	lastFire  map[string]time.Time
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewRegistry creates a registry holding detectors.
func NewRegistry(logger *slog.Logger, m *metrics.Metrics, detectors ...Detector) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		detectors: detectors,
		lastFire:  make(map[string]time.Time),
		logger:    logger,
		metrics:   m,
	}
}

// Register adds a detector.
func (r *Registry) Register(d Detector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detectors = append(r.detectors, d)
}

// Detectors returns the names of the registered detectors.
func (r *Registry) Detectors() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.detectors))
	for i, d := range r.detectors {
		names[i] = d.Name()
	}
	return names
}

// Evaluate runs every detector against ev and returns the unsuppressed findings.
func (r *Registry) Evaluate(ctx context.Context, ev *schema.SecurityEvent) []*Finding {
	r.mu.Lock()
	detectors := make([]Detector, len(r.detectors))
	copy(detectors, r.detectors)
	r.mu.Unlock()

	var findings []*Finding
	for _, d := range detectors {
		f, err := r.run(ctx, d, ev)
		if err != nil {
			r.metrics.DetectorFailed(d.Name())
			r.logger.Error("detector failed",
				"detector", d.Name(),
				"correlation_id", ev.CorrelationID,
				"error", err)
			continue
		}
		if f == nil {
			continue
		}
		if r.suppress(f, ev.Timestamp) {
			r.metrics.FindingSuppressed(d.Name())
			r.logger.Debug("finding suppressed",
				"detector", d.Name(),
				"group_key", f.GroupKey,
				"tier", f.Tier)
			continue
		}
		r.metrics.Finding(d.Name())
		findings = append(findings, f)
	}
	return findings
}

func (r *Registry) run(ctx context.Context, d Detector, ev *schema.SecurityEvent) (f *Finding, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("detector panic: %v", p)
		}
	}()
	return d.Detect(ctx, ev)
}

// suppress records f's fire time and reports whether it fired within its
// window already.
func (r *Registry) suppress(f *Finding, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := f.suppressionKey()
	if last, ok := r.lastFire[key]; ok && at.Sub(last) < f.Window {
		return true
	}
	r.lastFire[key] = at
	return false
}

// Prune drops suppression entries older than maxAge.
func (r *Registry) Prune(now time.Time, maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for key, at := range r.lastFire {
		if now.Sub(at) > maxAge {
			delete(r.lastFire, key)
			n++
		}
	}
	return n
}
