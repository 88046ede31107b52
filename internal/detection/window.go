package detection

import (
	"context"
	"fmt"
	"time"

	"sectrail/internal/schema"
)

// GroupBy selects the subject a window counts over.
type GroupBy string

const (
	ByIP   GroupBy = "ip"
	ByUser GroupBy = "user"
)

// CountMode selects what a window counts.
type CountMode int

const (
	// CountEvents counts matching events.
	CountEvents CountMode = iota
	// CountRecords counts distinct record identifiers touched by matching
	// events. Events without a record ID contribute their record count.
	CountRecords
)

// maxEvidence caps the correlation IDs attached to a finding.
const maxEvidence = 50

// WindowDetector fires when events of one type for one subject reach a
// threshold inside a sliding window ending at the triggering event.
type WindowDetector struct {
	ID           string
	EventType    schema.EventType
	GroupBy      GroupBy
	Mode         CountMode
	Window       time.Duration
	Threshold    int
	Severity     schema.Severity
	IncidentType schema.IncidentType

	// Notify marks findings as requiring notification. When NotifyAbove is
	// set, only counts strictly above it notify, and they fire as tier 2.
	Notify      bool
	NotifyAbove int

	Source EventSource
}

// Name returns the detector identifier.
func (d *WindowDetector) Name() string { return d.ID }

// Detect counts the window for ev's subject.
func (d *WindowDetector) Detect(ctx context.Context, ev *schema.SecurityEvent) (*Finding, error) {
	if ev.EventType != d.EventType {
		return nil, nil
	}

	var subject string
	switch d.GroupBy {
	case ByIP:
		subject = ev.DeviceInfo.IP
	case ByUser:
		subject = ev.UserID
	}
	if subject == "" {
		return nil, nil
	}

	since := ev.Timestamp.Add(-d.Window)

	var (
		history []*schema.SecurityEvent
		err     error
	)
	if d.GroupBy == ByIP {
		history, err = d.Source.EventsByIP(ctx, subject, since)
	} else {
		history, err = d.Source.EventsByUser(ctx, subject, since)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: load history for %s: %w", d.ID, subject, err)
	}

	matched := d.match(ev, history)
	count := d.count(matched)
	if count < d.Threshold {
		return nil, nil
	}

	f := &Finding{
		Detector:             d.ID,
		IncidentType:         d.IncidentType,
		Severity:             d.Severity,
		RequiresNotification: d.Notify,
		GroupKey:             string(d.GroupBy) + ":" + subject,
		Tier:                 1,
		Window:               d.Window,
		Count:                count,
		Threshold:            d.Threshold,
		UserID:               ev.UserID,
		IP:                   ev.DeviceInfo.IP,
		CorrelationID:        ev.CorrelationID,
		DetectedAt:           ev.Timestamp,
	}
	if d.NotifyAbove > 0 {
		f.RequiresNotification = count > d.NotifyAbove
		if f.RequiresNotification {
			f.Tier = 2
		}
	}
	f.Description = fmt.Sprintf("%d %s for %s %s within %s (threshold %d)",
		count, d.unit(), d.GroupBy, subject, d.Window, d.Threshold)

	for _, e := range matched {
		if len(f.Evidence) == maxEvidence {
			break
		}
		f.Evidence = append(f.Evidence, e.CorrelationID)
	}
	return f, nil
}

// match returns the window's events of the detector's type, deduplicated by
// correlation ID, always including ev itself.
func (d *WindowDetector) match(ev *schema.SecurityEvent, history []*schema.SecurityEvent) []*schema.SecurityEvent {
	since := ev.Timestamp.Add(-d.Window)
	seen := map[string]bool{ev.CorrelationID: true}
	matched := []*schema.SecurityEvent{ev}

	for _, e := range history {
		if e == nil || e.EventType != d.EventType || seen[e.CorrelationID] {
			continue
		}
		if e.Timestamp.Before(since) || e.Timestamp.After(ev.Timestamp) {
			continue
		}
		seen[e.CorrelationID] = true
		matched = append(matched, e)
	}
	return matched
}

func (d *WindowDetector) count(events []*schema.SecurityEvent) int {
	if d.Mode == CountEvents {
		return len(events)
	}

	records := make(map[string]struct{})
	anonymous := 0
	for _, e := range events {
		if e.Details.RecordID != "" {
			records[e.Details.RecordID] = struct{}{}
			continue
		}
		if e.Details.RecordCount > 0 {
			anonymous += e.Details.RecordCount
		} else {
			anonymous++
		}
	}
	return len(records) + anonymous
}

func (d *WindowDetector) unit() string {
	if d.Mode == CountRecords {
		return "records via " + string(d.EventType)
	}
	return string(d.EventType) + " events"
}

// NewBruteForceDetector counts LOGIN_FAILURE per IP.
func NewBruteForceDetector(src EventSource, cfg WindowConfig, notifyAbove int) *WindowDetector {
	return &WindowDetector{
		ID:           "brute_force",
		EventType:    schema.EventLoginFailure,
		GroupBy:      ByIP,
		Window:       cfg.Window,
		Threshold:    cfg.Threshold,
		Severity:     schema.SeverityMedium,
		IncidentType: schema.IncidentBruteForce,
		NotifyAbove:  notifyAbove,
		Source:       src,
	}
}

// NewPrivilegeEscalationDetector counts PRIVILEGE_ESCALATION per user.
func NewPrivilegeEscalationDetector(src EventSource, cfg WindowConfig) *WindowDetector {
	return &WindowDetector{
		ID:           "privilege_escalation",
		EventType:    schema.EventPrivilegeEscalation,
		GroupBy:      ByUser,
		Window:       cfg.Window,
		Threshold:    cfg.Threshold,
		Severity:     schema.SeverityCritical,
		IncidentType: schema.IncidentPrivilegeEscalation,
		Notify:       true,
		Source:       src,
	}
}

// NewDataBreachDetector counts distinct records read via DATA_ACCESS per user.
func NewDataBreachDetector(src EventSource, cfg WindowConfig) *WindowDetector {
	return &WindowDetector{
		ID:           "data_breach",
		EventType:    schema.EventDataAccess,
		GroupBy:      ByUser,
		Mode:         CountRecords,
		Window:       cfg.Window,
		Threshold:    cfg.Threshold,
		Severity:     schema.SeverityHigh,
		IncidentType: schema.IncidentDataBreach,
		Notify:       true,
		Source:       src,
	}
}
