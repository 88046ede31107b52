package monitor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/alicebob/miniredis/v2"

	"sectrail/internal/alerting"
	secerrors "sectrail/internal/errors"
	"sectrail/internal/schema"
	"sectrail/internal/store"
)

type recordedAlert struct {
	alertType string
	input     alerting.AlertInput
}

type fakeAlerts struct {
	mu     sync.Mutex
	alerts []recordedAlert
}

func (f *fakeAlerts) TriggerAlert(_ context.Context, alertType string, in alerting.AlertInput) (*alerting.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, recordedAlert{alertType, in})
	return &alerting.Alert{Type: alertType, Severity: in.Severity}, nil
}

func (f *fakeAlerts) ofType(t string) []recordedAlert {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedAlert
	for _, a := range f.alerts {
		if a.alertType == t {
			out = append(out, a)
		}
	}
	return out
}

type fakeAnalyzer struct {
	name  string
	err   error
	panic bool
	seen  []*schema.SecurityEvent
}

func (f *fakeAnalyzer) Name() string { return f.name }
func (f *fakeAnalyzer) Analyze(_ context.Context, ev *schema.SecurityEvent) error {
	f.seen = append(f.seen, ev)
	if f.panic {
		panic("analyzer exploded")
	}
	return f.err
}

type fakeChannel struct {
	mu   sync.Mutex
	msgs []*alerting.Message
}

func (f *fakeChannel) Name() string { return "siem" }
func (f *fakeChannel) Type() string { return "siem" }
func (f *fakeChannel) Send(_ context.Context, msg *alerting.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return errors.New("collector unreachable")
}

func newTestMonitor(t *testing.T, s store.Store, opts Options) *Monitor {
	t.Helper()
	return New(s, DefaultConfig(), opts)
}

func TestLogSecurityEvent(t *testing.T) {
	s := store.NewMemoryStore()
	m := newTestMonitor(t, s, Options{})

	req := &schema.RequestContext{
		RemoteAddr: "192.0.2.10:443",
		Headers: map[string]string{
			"X-Forwarded-For": "203.0.113.7, 10.0.0.1",
			"User-Agent":      "Mozilla/5.0",
			"Accept-Language": "en-US",
		},
	}
	ev, err := m.LogSecurityEvent(context.Background(), LogInput{
		EventType: schema.EventLoginSuccess,
		Severity:  schema.SeverityLow,
		UserID:    "u1",
		Request:   req,
		Details:   schema.EventDetails{Reason: "password"},
	})
	if err != nil {
		t.Fatalf("LogSecurityEvent() error = %v", err)
	}

	if ev.EventType != schema.EventLoginSuccess || ev.Severity != schema.SeverityLow {
		t.Errorf("event echoes wrong type/severity: %s/%s", ev.EventType, ev.Severity)
	}
	if ev.DeviceInfo.IP != "203.0.113.7" {
		t.Errorf("IP = %q, want first forwarded hop", ev.DeviceInfo.IP)
	}
	if ev.DeviceInfo.UserAgent != "Mozilla/5.0" || ev.DeviceInfo.AcceptLanguage != "en-US" {
		t.Errorf("device info = %+v", ev.DeviceInfo)
	}

	got, err := m.GetEvent(context.Background(), ev.CorrelationID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Details.Reason != "password" {
		t.Errorf("stored details = %+v", got.Details)
	}

	for _, key := range []string{
		"events:day:" + store.DayKey(ev.Timestamp),
		"events:user:u1:" + store.HourKey(ev.Timestamp),
		"events:ip:203.0.113.7:" + store.HourKey(ev.Timestamp),
	} {
		ok, _ := s.SIsMember(context.Background(), key, ev.CorrelationID)
		if !ok {
			t.Errorf("event missing from %s", key)
		}
	}
}

func TestLogSecurityEventUniqueCorrelationIDs(t *testing.T) {
	m := newTestMonitor(t, store.NewMemoryStore(), Options{})
	seen := make(map[string]bool)
	for _, et := range schema.EventTypes() {
		for _, sev := range schema.Severities() {
			ev, err := m.LogSecurityEvent(context.Background(), LogInput{EventType: et, Severity: sev})
			if err != nil {
				t.Fatalf("%s/%s: %v", et, sev, err)
			}
			if ev.EventType != et || ev.Severity != sev {
				t.Errorf("%s/%s echoed as %s/%s", et, sev, ev.EventType, ev.Severity)
			}
			if seen[ev.CorrelationID] {
				t.Fatalf("duplicate correlation id %s", ev.CorrelationID)
			}
			seen[ev.CorrelationID] = true
		}
	}
}

func TestLogSecurityEventValidation(t *testing.T) {
	s := store.NewMemoryStore()
	m := newTestMonitor(t, s, Options{})

	tests := []struct {
		name string
		in   LogInput
		want error
	}{
		{"unknown type", LogInput{EventType: "LOGIN_MAYBE", Severity: schema.SeverityLow}, secerrors.ErrInvalidEventType},
		{"unknown severity", LogInput{EventType: schema.EventLogout, Severity: "severe"}, secerrors.ErrInvalidSeverity},
		{"empty severity", LogInput{EventType: schema.EventLogout}, secerrors.ErrInvalidSeverity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.LogSecurityEvent(context.Background(), tt.in)
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
			if !errors.Is(err, secerrors.ErrValidation) {
				t.Errorf("expected validation kind, got %v", err)
			}
		})
	}
	if s.Len() != 0 {
		t.Errorf("rejected events must not be persisted, store has %d keys", s.Len())
	}
}

func TestLogSecurityEventStorageFailure(t *testing.T) {
	s := store.NewMemoryStore()
	s.SetFault(func(op, key string) error {
		if op == "set" && strings.HasPrefix(key, "event:") {
			return errors.New("connection refused")
		}
		return nil
	})
	an := &fakeAnalyzer{name: "engine"}
	m := newTestMonitor(t, s, Options{})
	m.AddAnalyzer(an)

	_, err := m.LogSecurityEvent(context.Background(), LogInput{EventType: schema.EventLogout, Severity: schema.SeverityLow})
	if !errors.Is(err, secerrors.ErrStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if len(an.seen) != 0 {
		t.Error("analyzers must not run for unpersisted events")
	}
}

func TestIndexFailureIsSideChannel(t *testing.T) {
	s := store.NewMemoryStore()
	s.SetFault(func(op, key string) error {
		if op == "sadd" && strings.HasPrefix(key, "events:ip:") {
			return errors.New("index shard down")
		}
		return nil
	})

	var failedKeys []string
	cfg := DefaultConfig()
	cfg.OnIndexError = func(key string, err error) { failedKeys = append(failedKeys, key) }
	m := New(s, cfg, Options{})

	ev, err := m.LogSecurityEvent(context.Background(), LogInput{
		EventType: schema.EventLoginFailure,
		Severity:  schema.SeverityLow,
		UserID:    "u1",
		Request:   &schema.RequestContext{RemoteAddr: "198.51.100.4:1234"},
	})
	if err != nil {
		t.Fatalf("index failure must not fail the call: %v", err)
	}
	if len(failedKeys) != 1 || failedKeys[0] != "events:ip:198.51.100.4:"+store.HourKey(ev.Timestamp) {
		t.Errorf("OnIndexError keys = %v", failedKeys)
	}
	if _, err := m.GetEvent(context.Background(), ev.CorrelationID); err != nil {
		t.Errorf("primary record should exist: %v", err)
	}
}

func TestAnalyzerFailuresAreIsolated(t *testing.T) {
	failing := &fakeAnalyzer{name: "failing", err: errors.New("store unreachable")}
	panicking := &fakeAnalyzer{name: "panicking", panic: true}
	healthy := &fakeAnalyzer{name: "healthy"}

	m := newTestMonitor(t, store.NewMemoryStore(), Options{})
	m.AddAnalyzer(failing)
	m.AddAnalyzer(panicking)
	m.AddAnalyzer(healthy)

	ev, err := m.LogSecurityEvent(context.Background(), LogInput{EventType: schema.EventDataAccess, Severity: schema.SeverityLow})
	if err != nil {
		t.Fatalf("analyzer failure leaked: %v", err)
	}
	if len(healthy.seen) != 1 || healthy.seen[0].CorrelationID != ev.CorrelationID {
		t.Error("healthy analyzer should still see the event")
	}
}

func TestFailedLoginBurstAlert(t *testing.T) {
	alerts := &fakeAlerts{}
	m := newTestMonitor(t, store.NewMemoryStore(), Options{Alerts: alerts})

	for i := 0; i < 6; i++ {
		if _, err := m.LogSecurityEvent(context.Background(), LogInput{
			EventType: schema.EventLoginFailure,
			Severity:  schema.SeverityLow,
			UserID:    "u1",
		}); err != nil {
			t.Fatal(err)
		}
	}

	bursts := alerts.ofType("FAILED_LOGIN_BURST")
	if len(bursts) != 1 {
		t.Fatalf("expected exactly one burst alert, got %d", len(bursts))
	}
	if bursts[0].input.Details["userId"] != "u1" || bursts[0].input.Details["count"] != 5 {
		t.Errorf("alert details = %v", bursts[0].input.Details)
	}
}

func TestHighSeverityAlert(t *testing.T) {
	alerts := &fakeAlerts{}
	m := newTestMonitor(t, store.NewMemoryStore(), Options{Alerts: alerts})

	for _, in := range []LogInput{
		{EventType: schema.EventConfigChange, Severity: schema.SeverityMedium},
		{EventType: schema.EventConfigChange, Severity: schema.SeverityHigh},
		{EventType: schema.EventMFADisabled, Severity: schema.SeverityCritical},
		{EventType: schema.EventSecurityIncident, Severity: schema.SeverityCritical},
	} {
		if _, err := m.LogSecurityEvent(context.Background(), in); err != nil {
			t.Fatal(err)
		}
	}

	got := alerts.ofType(HighSeverityAlert)
	if len(got) != 2 {
		t.Fatalf("expected 2 high severity alerts, got %d", len(got))
	}
	if got[1].input.Severity != schema.SeverityCritical {
		t.Errorf("severity = %s", got[1].input.Severity)
	}
}

func TestForwardingIsNonFatal(t *testing.T) {
	ch := &fakeChannel{}
	m := newTestMonitor(t, store.NewMemoryStore(), Options{Forwarders: []alerting.Channel{ch}})

	ev, err := m.LogSecurityEvent(context.Background(), LogInput{EventType: schema.EventDataExport, Severity: schema.SeverityMedium, UserID: "u9"})
	if err != nil {
		t.Fatalf("forwarder error leaked: %v", err)
	}
	if len(ch.msgs) != 1 || ch.msgs[0].CorrelationID != ev.CorrelationID {
		t.Fatalf("expected forwarded copy, got %d", len(ch.msgs))
	}
	if ch.msgs[0].Details["userId"] != "u9" {
		t.Errorf("forwarded details = %v", ch.msgs[0].Details)
	}
}

func TestReadSide(t *testing.T) {
	m := newTestMonitor(t, store.NewMemoryStore(), Options{})
	base := time.Date(2026, 5, 10, 23, 50, 0, 0, time.UTC)
	m.now = func() time.Time { return base.Add(time.Hour) }

	for i := 0; i < 4; i++ {
		ts := base.Add(time.Duration(i) * 10 * time.Minute)
		if _, err := m.LogSecurityEvent(context.Background(), LogInput{
			EventType: schema.EventDataAccess,
			Severity:  schema.SeverityLow,
			UserID:    "u1",
			Request:   &schema.RequestContext{RemoteAddr: "10.0.0.5:80"},
			Timestamp: ts,
		}); err != nil {
			t.Fatal(err)
		}
	}

	between, err := m.EventsBetween(context.Background(), base.Add(5*time.Minute), base.Add(25*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(between) != 2 {
		t.Errorf("EventsBetween across midnight = %d, want 2", len(between))
	}

	byUser, _ := m.EventsByUser(context.Background(), "u1", base.Add(15*time.Minute))
	if len(byUser) != 2 {
		t.Errorf("EventsByUser = %d, want 2", len(byUser))
	}
	byIP, _ := m.EventsByIP(context.Background(), "10.0.0.5", base)
	if len(byIP) != 4 {
		t.Errorf("EventsByIP = %d, want 4", len(byIP))
	}
	for i := 1; i < len(byIP); i++ {
		if byIP[i].Timestamp.Before(byIP[i-1].Timestamp) {
			t.Error("events not ordered by timestamp")
		}
	}

	if _, err := m.GetEvent(context.Background(), "missing"); !errors.Is(err, secerrors.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestMonitorWithRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := store.DefaultRedisConfig()
	cfg.Addr = mr.Addr()
	s, err := store.NewRedisStore(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	m := newTestMonitor(t, s, Options{})
	ev, err := m.LogSecurityEvent(context.Background(), LogInput{EventType: schema.EventLoginSuccess, Severity: schema.SeverityLow, UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if ttl := mr.TTL("event:" + ev.CorrelationID); ttl != 7*24*time.Hour {
		t.Errorf("event TTL = %v", ttl)
	}
	events, err := m.EventsByUser(context.Background(), "u1", time.Now().Add(-time.Hour))
	if err != nil || len(events) != 1 {
		t.Errorf("EventsByUser via redis = %d, %v", len(events), err)
	}
}

func TestOversizedRequestContextIsTruncated(t *testing.T) {
	m := newTestMonitor(t, store.NewMemoryStore(), Options{})
	longHop := strings.Repeat("a", 80)

	ev, err := m.LogSecurityEvent(context.Background(), LogInput{
		EventType: schema.EventLoginFailure,
		Severity:  schema.SeverityMedium,
		UserID:    strings.Repeat("u", 400),
		Request: &schema.RequestContext{
			RemoteAddr: "192.0.2.10:443",
			Headers: map[string]string{
				"X-Forwarded-For": longHop + ", 10.0.0.1",
				"User-Agent":      strings.Repeat("Z", 2000),
				"Accept-Language": strings.Repeat("é", 300),
			},
		},
	})
	if err != nil {
		t.Fatalf("oversized headers rejected a valid event: %v", err)
	}
	if got := len(ev.DeviceInfo.IP); got != schema.MaxIPLength {
		t.Errorf("IP length = %d, want %d", got, schema.MaxIPLength)
	}
	if got := len(ev.DeviceInfo.UserAgent); got != schema.MaxUserAgentLength {
		t.Errorf("user agent length = %d, want %d", got, schema.MaxUserAgentLength)
	}
	if got := len(ev.DeviceInfo.AcceptLanguage); got > schema.MaxHeaderLength || !utf8.ValidString(ev.DeviceInfo.AcceptLanguage) {
		t.Errorf("accept-language = %d bytes, valid utf8 %v", got, utf8.ValidString(ev.DeviceInfo.AcceptLanguage))
	}
	if got := len(ev.UserID); got != schema.MaxUserIDLength {
		t.Errorf("user id length = %d, want %d", got, schema.MaxUserIDLength)
	}

	failures, err := m.EventsByIP(context.Background(), ev.DeviceInfo.IP, time.Now().Add(-time.Minute))
	if err != nil || len(failures) != 1 {
		t.Errorf("truncated event not countable by IP: %d, %v", len(failures), err)
	}
}

func TestSubjectLookupReadsOnlyWindowBuckets(t *testing.T) {
	s := store.NewMemoryStore()
	m := newTestMonitor(t, s, Options{})
	now := time.Now().UTC()
	m.now = func() time.Time { return now }

	// Five days of unrelated history, all older than any detector window.
	for i := 0; i < 2000; i++ {
		ts := now.Add(-2*time.Hour - time.Duration(i)*3*time.Minute)
		if _, err := m.LogSecurityEvent(context.Background(), LogInput{
			EventType: schema.EventLogout,
			Severity:  schema.SeverityLow,
			UserID:    "u1",
			Timestamp: ts,
		}); err != nil {
			t.Fatal(err)
		}
	}

	var gets atomic.Int64
	s.SetFault(func(op, key string) error {
		if op == "get" && strings.HasPrefix(key, "event:") {
			gets.Add(1)
		}
		return nil
	})
	if _, err := m.LogSecurityEvent(context.Background(), LogInput{
		EventType: schema.EventDataAccess,
		Severity:  schema.SeverityLow,
		UserID:    "u1",
	}); err != nil {
		t.Fatal(err)
	}
	if n := gets.Load(); n > 10 {
		t.Errorf("event record reads = %d, want only the windowed buckets", n)
	}

	all, err := m.EventsByUser(context.Background(), "u1", now.Add(-6*24*time.Hour))
	if err != nil || len(all) != 2001 {
		t.Errorf("EventsByUser over full history = %d, %v", len(all), err)
	}
}
