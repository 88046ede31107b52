package detection

import (
	"context"
	"fmt"
	"slices"
	"time"

	"sectrail/internal/schema"
)

// ExfiltrationPatterns are the flags that mark a single event as exfiltration.
var ExfiltrationPatterns = []string{
	schema.FlagBulkDownload,
	schema.FlagRapidAccess,
	schema.FlagUnusualTime,
	schema.FlagSensitiveDataAccess,
}

// TakeoverFlags are the flags that, with a high risk score, indicate takeover.
var TakeoverFlags = []string{
	schema.FlagNewDevice,
	schema.FlagNewLocation,
	schema.FlagUnusualTime,
	schema.FlagRapidLocationChange,
}

// subjectKey prefers the user and falls back to the IP.
func subjectKey(ev *schema.SecurityEvent) string {
	if ev.UserID != "" {
		return "user:" + ev.UserID
	}
	if ev.DeviceInfo.IP != "" {
		return "ip:" + ev.DeviceInfo.IP
	}
	return "event:" + ev.CorrelationID
}

func matchedFlags(d schema.EventDetails, candidates []string) []string {
	var out []string
	for _, c := range candidates {
		if d.HasFlag(c) && !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	return out
}

// ExfiltrationDetector matches exfiltration patterns on the current event.
// Incident bookkeeping events are ignored.
type ExfiltrationDetector struct {
	DedupWindow time.Duration
}

func (d *ExfiltrationDetector) Name() string { return "data_exfiltration" }

func (d *ExfiltrationDetector) Detect(_ context.Context, ev *schema.SecurityEvent) (*Finding, error) {
	if ev.EventType == schema.EventSecurityIncident || ev.EventType == schema.EventIncidentStatusChanged {
		return nil, nil
	}
	patterns := matchedFlags(ev.Details, ExfiltrationPatterns)
	if len(patterns) == 0 {
		return nil, nil
	}

	return &Finding{
		Detector:             d.Name(),
		IncidentType:         schema.IncidentDataExfiltration,
		Severity:             schema.SeverityCritical,
		RequiresNotification: true,
		Description:          fmt.Sprintf("exfiltration patterns %v on %s", patterns, ev.EventType),
		GroupKey:             subjectKey(ev),
		Tier:                 1,
		Window:               d.DedupWindow,
		Count:                1,
		Threshold:            1,
		UserID:               ev.UserID,
		IP:                   ev.DeviceInfo.IP,
		CorrelationID:        ev.CorrelationID,
		Evidence:             []string{ev.CorrelationID},
		Patterns:             patterns,
		DetectedAt:           ev.Timestamp,
	}, nil
}

// TakeoverDetector flags LOGIN_SUCCESS events with a risk score above
// RiskThreshold and at least one takeover flag. When an event carries no
// risk score, one is derived from its flags with Scorer.
type TakeoverDetector struct {
	RiskThreshold float64
	Scorer        *SuspicionScorer
	DedupWindow   time.Duration
}

func (d *TakeoverDetector) Name() string { return "account_takeover" }

func (d *TakeoverDetector) Detect(_ context.Context, ev *schema.SecurityEvent) (*Finding, error) {
	if ev.EventType != schema.EventLoginSuccess {
		return nil, nil
	}
	flags := matchedFlags(ev.Details, TakeoverFlags)
	if len(flags) == 0 {
		return nil, nil
	}

	risk := ev.Details.Risk()
	if risk < 0 && d.Scorer != nil {
		risk = float64(d.Scorer.Score(SignalsFromDetails(ev.Details))) / 100
	}
	if risk <= d.RiskThreshold {
		return nil, nil
	}

	return &Finding{
		Detector:             d.Name(),
		IncidentType:         schema.IncidentAccountTakeover,
		Severity:             schema.SeverityHigh,
		RequiresNotification: true,
		Description:          fmt.Sprintf("login with risk %.2f and flags %v", risk, flags),
		GroupKey:             subjectKey(ev),
		Tier:                 1,
		Window:               d.DedupWindow,
		Count:                1,
		Threshold:            1,
		UserID:               ev.UserID,
		IP:                   ev.DeviceInfo.IP,
		CorrelationID:        ev.CorrelationID,
		Evidence:             []string{ev.CorrelationID},
		Patterns:             flags,
		RiskScore:            schema.Float(risk),
		DetectedAt:           ev.Timestamp,
	}, nil
}

// SuspiciousLoginDetector scores SUSPICIOUS_ACTIVITY and NEW_DEVICE events
// and raises unauthorized_access when the score crosses the suspicious
// threshold. Scores at or above the critical threshold raise a critical
// finding.
type SuspiciousLoginDetector struct {
	Scorer      *SuspicionScorer
	DedupWindow time.Duration
}

func (d *SuspiciousLoginDetector) Name() string { return "suspicious_login" }

func (d *SuspiciousLoginDetector) Detect(_ context.Context, ev *schema.SecurityEvent) (*Finding, error) {
	if ev.EventType != schema.EventSuspiciousActivity && ev.EventType != schema.EventNewDevice {
		return nil, nil
	}

	score := d.Scorer.Score(SignalsFromDetails(ev.Details))
	if !d.Scorer.Suspicious(score) {
		return nil, nil
	}

	severity := schema.SeverityHigh
	tier := 1
	if d.Scorer.Critical(score) {
		severity = schema.SeverityCritical
		tier = 2
	}

	return &Finding{
		Detector:             d.Name(),
		IncidentType:         schema.IncidentUnauthorizedAccess,
		Severity:             severity,
		RequiresNotification: severity == schema.SeverityCritical,
		Description:          fmt.Sprintf("suspicion score %d on %s", score, ev.EventType),
		GroupKey:             subjectKey(ev),
		Tier:                 tier,
		Window:               d.DedupWindow,
		Count:                score,
		Threshold:            d.Scorer.Weights.Threshold,
		UserID:               ev.UserID,
		IP:                   ev.DeviceInfo.IP,
		CorrelationID:        ev.CorrelationID,
		Evidence:             []string{ev.CorrelationID},
		RiskScore:            schema.Float(float64(score) / 100),
		DetectedAt:           ev.Timestamp,
	}, nil
}
