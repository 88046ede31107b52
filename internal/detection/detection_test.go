package detection

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"sectrail/internal/schema"
)

type memSource struct {
	events []*schema.SecurityEvent
	err    error
}

func (m *memSource) add(ev *schema.SecurityEvent) *schema.SecurityEvent {
	m.events = append(m.events, ev)
	return ev
}

func (m *memSource) EventsByIP(_ context.Context, ip string, since time.Time) ([]*schema.SecurityEvent, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []*schema.SecurityEvent
	for _, e := range m.events {
		if e.DeviceInfo.IP == ip && !e.Timestamp.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memSource) EventsByUser(_ context.Context, user string, since time.Time) ([]*schema.SecurityEvent, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []*schema.SecurityEvent
	for _, e := range m.events {
		if e.UserID == user && !e.Timestamp.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func event(id string, et schema.EventType, user, ip string, at time.Time) *schema.SecurityEvent {
	return &schema.SecurityEvent{
		CorrelationID: id,
		EventType:     et,
		Severity:      schema.SeverityLow,
		UserID:        user,
		DeviceInfo:    schema.DeviceInfo{IP: ip},
		Timestamp:     at,
	}
}

func TestBruteForceThreshold(t *testing.T) {
	src := &memSource{}
	d := NewBruteForceDetector(src, WindowConfig{Window: 15 * time.Minute, Threshold: 6}, 10)
	ctx := context.Background()

	var last *schema.SecurityEvent
	for i := 0; i < 6; i++ {
		last = src.add(event(fmt.Sprintf("e%d", i), schema.EventLoginFailure, "", "10.0.0.1", base.Add(time.Duration(i)*time.Minute)))
		f, err := d.Detect(ctx, last)
		if err != nil {
			t.Fatalf("Detect: %v", err)
		}
		if i < 5 && f != nil {
			t.Fatalf("unexpected finding at event %d", i)
		}
		if i == 5 && f == nil {
			t.Fatal("expected finding at threshold")
		}
	}

	f, _ := d.Detect(ctx, last)
	if f.IncidentType != schema.IncidentBruteForce || f.Severity != schema.SeverityMedium {
		t.Errorf("unexpected finding %+v", f)
	}
	if f.RequiresNotification {
		t.Error("moderate brute force should not notify")
	}
	if f.Count != 6 || len(f.Evidence) != 6 {
		t.Errorf("count = %d evidence = %d", f.Count, len(f.Evidence))
	}

	other := event("x", schema.EventLoginFailure, "", "10.0.0.2", base.Add(5*time.Minute))
	if f, _ := d.Detect(ctx, other); f != nil {
		t.Error("different IP should not share a window")
	}
}

func TestBruteForceNotifyTier(t *testing.T) {
	src := &memSource{}
	d := NewBruteForceDetector(src, WindowConfig{Window: 15 * time.Minute, Threshold: 3}, 5)

	var f *Finding
	for i := 0; i < 6; i++ {
		ev := src.add(event(fmt.Sprintf("e%d", i), schema.EventLoginFailure, "", "10.0.0.1", base.Add(time.Duration(i)*time.Second)))
		f, _ = d.Detect(context.Background(), ev)
	}
	if f == nil || !f.RequiresNotification || f.Tier != 2 {
		t.Fatalf("expected notifying tier 2 finding above 5, got %+v", f)
	}
}

func TestWindowExcludesOldEvents(t *testing.T) {
	src := &memSource{}
	d := NewPrivilegeEscalationDetector(src, WindowConfig{Window: 30 * time.Minute, Threshold: 2})

	src.add(event("old", schema.EventPrivilegeEscalation, "u1", "", base.Add(-time.Hour)))
	ev := src.add(event("new", schema.EventPrivilegeEscalation, "u1", "", base))

	if f, _ := d.Detect(context.Background(), ev); f != nil {
		t.Fatalf("event outside window should not count, got %+v", f)
	}

	ev2 := src.add(event("new2", schema.EventPrivilegeEscalation, "u1", "", base.Add(time.Minute)))
	f, _ := d.Detect(context.Background(), ev2)
	if f == nil || f.Severity != schema.SeverityCritical || !f.RequiresNotification {
		t.Fatalf("expected critical notifying finding, got %+v", f)
	}
}

func TestDataBreachCountsDistinctRecords(t *testing.T) {
	src := &memSource{}
	d := NewDataBreachDetector(src, WindowConfig{Window: time.Hour, Threshold: 100})
	ctx := context.Background()

	var f *Finding
	for i := 0; i < 101; i++ {
		ev := event(fmt.Sprintf("e%d", i), schema.EventDataAccess, "u1", "", base.Add(time.Duration(i)*10*time.Second))
		ev.Details.RecordID = fmt.Sprintf("rec-%d", i)
		src.add(ev)
		if got, _ := d.Detect(ctx, ev); got != nil && f == nil {
			f = got
		}
	}
	if f == nil {
		t.Fatal("expected data breach finding")
	}
	if f.IncidentType != schema.IncidentDataBreach || f.Severity != schema.SeverityHigh || !f.RequiresNotification {
		t.Errorf("unexpected finding %+v", f)
	}

	// Repeated reads of one record do not count twice.
	src2 := &memSource{}
	d2 := NewDataBreachDetector(src2, WindowConfig{Window: time.Hour, Threshold: 3})
	var got *Finding
	for i := 0; i < 5; i++ {
		ev := event(fmt.Sprintf("r%d", i), schema.EventDataAccess, "u1", "", base.Add(time.Duration(i)*time.Second))
		ev.Details.RecordID = "same"
		src2.add(ev)
		got, _ = d2.Detect(ctx, ev)
	}
	if got != nil {
		t.Errorf("single record should not cross threshold, got %+v", got)
	}
}

func TestExfiltrationDetector(t *testing.T) {
	d := &ExfiltrationDetector{DedupWindow: time.Hour}

	ev := event("e1", schema.EventDataExport, "u1", "", base)
	ev.Details.Flags = []string{schema.FlagBulkDownload}
	f, err := d.Detect(context.Background(), ev)
	if err != nil || f == nil {
		t.Fatalf("expected finding, got %v %v", f, err)
	}
	if f.Severity != schema.SeverityCritical || !f.RequiresNotification || f.Patterns[0] != schema.FlagBulkDownload {
		t.Errorf("unexpected finding %+v", f)
	}

	incident := event("e2", schema.EventSecurityIncident, "u1", "", base)
	incident.Details.Flags = []string{schema.FlagBulkDownload}
	if f, _ := d.Detect(context.Background(), incident); f != nil {
		t.Error("incident bookkeeping events must be ignored")
	}

	plain := event("e3", schema.EventDataExport, "u1", "", base)
	if f, _ := d.Detect(context.Background(), plain); f != nil {
		t.Error("event without patterns should not match")
	}
}

func TestTakeoverDetector(t *testing.T) {
	d := &TakeoverDetector{RiskThreshold: 0.7, Scorer: NewSuspicionScorer(DefaultSuspicionWeights()), DedupWindow: time.Hour}

	tests := []struct {
		name   string
		et     schema.EventType
		risk   *float64
		flags  []string
		expect bool
	}{
		{"high risk with flags", schema.EventLoginSuccess, schema.Float(0.8), []string{schema.FlagNewDevice, schema.FlagNewLocation}, true},
		{"risk at threshold", schema.EventLoginSuccess, schema.Float(0.7), []string{schema.FlagNewDevice}, false},
		{"high risk no flags", schema.EventLoginSuccess, schema.Float(0.95), nil, false},
		{"wrong type", schema.EventLoginFailure, schema.Float(0.9), []string{schema.FlagNewDevice}, false},
		{"derived score", schema.EventLoginSuccess, nil, []string{schema.FlagNewDevice, schema.FlagNewLocation, schema.FlagNewIP}, true},
		{"derived score too low", schema.EventLoginSuccess, nil, []string{schema.FlagNewDevice}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := event("e", tt.et, "u2", "", base)
			ev.Details.RiskScore = tt.risk
			ev.Details.Flags = tt.flags
			f, _ := d.Detect(context.Background(), ev)
			if (f != nil) != tt.expect {
				t.Fatalf("finding = %+v, expect %v", f, tt.expect)
			}
			if f != nil && (f.IncidentType != schema.IncidentAccountTakeover || f.Severity != schema.SeverityHigh) {
				t.Errorf("unexpected finding %+v", f)
			}
		})
	}
}

func TestSuspicionScorer(t *testing.T) {
	sc := NewSuspicionScorer(DefaultSuspicionWeights())

	alone := sc.Score(Signals{NewDevice: true})
	if sc.Suspicious(alone) {
		t.Errorf("new device alone (%d) should not be suspicious", alone)
	}
	for _, s := range []Signals{
		{NewDevice: true, NewIP: true},
		{NewDevice: true, Velocity: true},
		{NewDevice: true, UserAgentChange: true},
	} {
		if score := sc.Score(s); !sc.Suspicious(score) {
			t.Errorf("%+v scored %d, expected suspicious", s, score)
		}
	}
	all := sc.Score(Signals{true, true, true, true, true})
	if all != 100 || !sc.Critical(all) {
		t.Errorf("all signals = %d, expected capped critical 100", all)
	}
}

func TestSuspiciousLoginDetector(t *testing.T) {
	d := &SuspiciousLoginDetector{Scorer: NewSuspicionScorer(DefaultSuspicionWeights()), DedupWindow: time.Hour}

	ev := event("e", schema.EventSuspiciousActivity, "u3", "", base)
	ev.Details.Flags = []string{schema.FlagNewDevice, schema.FlagVelocity, schema.FlagNewLocation}
	f, _ := d.Detect(context.Background(), ev)
	if f == nil || f.Severity != schema.SeverityCritical || f.IncidentType != schema.IncidentUnauthorizedAccess {
		t.Fatalf("expected critical unauthorized_access, got %+v", f)
	}

	ev.Details.Flags = []string{schema.FlagNewDevice, schema.FlagNewIP}
	f, _ = d.Detect(context.Background(), ev)
	if f == nil || f.Severity != schema.SeverityHigh || f.RequiresNotification {
		t.Fatalf("expected high non-notifying finding, got %+v", f)
	}
}

type failingDetector struct{ panics bool }

func (f *failingDetector) Name() string { return "failing" }

func (f *failingDetector) Detect(context.Context, *schema.SecurityEvent) (*Finding, error) {
	if f.panics {
		panic("boom")
	}
	return nil, errors.New("store unreachable")
}

func TestRegistryIsolatesFailures(t *testing.T) {
	ev := event("e1", schema.EventDataExport, "u1", "", base)
	ev.Details.Flags = []string{schema.FlagRapidAccess}

	r := NewRegistry(nil, nil,
		&failingDetector{},
		&failingDetector{panics: true},
		&ExfiltrationDetector{DedupWindow: time.Hour},
	)

	findings := r.Evaluate(context.Background(), ev)
	if len(findings) != 1 || findings[0].Detector != "data_exfiltration" {
		t.Fatalf("expected only the healthy detector's finding, got %+v", findings)
	}
}

func TestRegistrySuppressesReplay(t *testing.T) {
	src := &memSource{}
	r := NewRegistry(nil, nil, NewBruteForceDetector(src, WindowConfig{Window: 15 * time.Minute, Threshold: 6}, 100))
	ctx := context.Background()

	total := 0
	var sixth *schema.SecurityEvent
	for i := 0; i < 6; i++ {
		sixth = src.add(event(fmt.Sprintf("e%d", i), schema.EventLoginFailure, "", "10.0.0.1", base.Add(time.Duration(i)*time.Second)))
		total += len(r.Evaluate(ctx, sixth))
	}
	total += len(r.Evaluate(ctx, sixth))
	total += len(r.Evaluate(ctx, sixth))

	if total != 1 {
		t.Fatalf("expected exactly one finding, got %d", total)
	}

	later := src.add(event("late", schema.EventLoginFailure, "", "10.0.0.1", base.Add(20*time.Minute)))
	for i := 0; i < 5; i++ {
		src.add(event(fmt.Sprintf("late%d", i), schema.EventLoginFailure, "", "10.0.0.1", base.Add(19*time.Minute)))
	}
	if n := len(r.Evaluate(ctx, later)); n != 1 {
		t.Errorf("expected a new finding after the window elapsed, got %d", n)
	}

	if pruned := r.Prune(base.Add(2*time.Hour), time.Hour); pruned != 1 {
		t.Errorf("expected one pruned entry, got %d", pruned)
	}
}

func TestDefaultDetectors(t *testing.T) {
	ds := DefaultDetectors(&memSource{}, DefaultConfig())
	if len(ds) != 6 {
		t.Fatalf("expected 6 detectors, got %d", len(ds))
	}
	rules := DefaultAlertRules(&memSource{}, DefaultAlertRulesConfig())
	if len(rules) != 4 {
		t.Fatalf("expected 4 alert rules, got %d", len(rules))
	}

	cfg := DefaultConfig()
	cfg.DataBreach.Enabled = false
	if len(DefaultDetectors(&memSource{}, cfg)) != 5 {
		t.Error("disabled detector should be omitted")
	}
}

func TestDetectorErrorsWrapSource(t *testing.T) {
	boom := errors.New("store down")
	d := NewBruteForceDetector(&memSource{err: boom}, WindowConfig{Window: time.Minute, Threshold: 1}, 0)
	_, err := d.Detect(context.Background(), event("e", schema.EventLoginFailure, "", "1.2.3.4", base))
	if !errors.Is(err, boom) {
		t.Errorf("expected wrapped source error, got %v", err)
	}
}
