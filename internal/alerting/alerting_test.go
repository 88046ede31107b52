package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	secerrors "sectrail/internal/errors"
	"sectrail/internal/schema"
	"sectrail/internal/store"
)

type recordingServer struct {
	mu      sync.Mutex
	bodies  []map[string]any
	headers []http.Header
	status  int
	srv     *httptest.Server
}

func newRecordingServer(t *testing.T, status int) *recordingServer {
	t.Helper()
	rs := &recordingServer{status: status}
	rs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var m map[string]any
		_ = json.Unmarshal(body, &m)
		rs.mu.Lock()
		rs.bodies = append(rs.bodies, m)
		rs.headers = append(rs.headers, r.Header.Clone())
		rs.mu.Unlock()
		w.WriteHeader(rs.status)
		if rs.status >= 300 {
			_, _ = w.Write([]byte("upstream rejected"))
		}
	}))
	t.Cleanup(rs.srv.Close)
	return rs
}

func (rs *recordingServer) count() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.bodies)
}

type stubChannel struct {
	name  string
	err   error
	delay time.Duration
	panic bool
	calls atomic.Int32
}

func (s *stubChannel) Name() string { return s.name }
func (s *stubChannel) Type() string { return "stub" }
func (s *stubChannel) Send(ctx context.Context, _ *Message) error {
	s.calls.Add(1)
	if s.panic {
		panic("boom")
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.err
}

func TestWebhookChannelSend(t *testing.T) {
	rs := newRecordingServer(t, http.StatusOK)
	ch := NewWebhookChannel("hook", rs.srv.URL, "s3cr3t", map[string]string{"X-Source": "sectrail"}, BreakerConfig{}, nil)

	msg := &Message{
		Type:      "FAILED_LOGIN_BURST",
		Severity:  schema.SeverityHigh,
		Title:     "Failed Login Burst",
		Message:   "5 failures",
		Timestamp: time.Now(),
	}
	if err := ch.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if rs.count() != 1 {
		t.Fatalf("expected 1 request, got %d", rs.count())
	}
	if got := rs.headers[0].Get("Authorization"); got != "Bearer s3cr3t" {
		t.Errorf("Authorization = %q", got)
	}
	if got := rs.headers[0].Get("X-Source"); got != "sectrail" {
		t.Errorf("X-Source = %q", got)
	}
	for _, key := range []string{"type", "severity", "title", "message", "timestamp"} {
		if _, ok := rs.bodies[0][key]; !ok {
			t.Errorf("payload missing %q", key)
		}
	}
}

func TestWebhookChannelNoTokenNoAuthorization(t *testing.T) {
	rs := newRecordingServer(t, http.StatusOK)
	ch := NewWebhookChannel("hook", rs.srv.URL, "", nil, BreakerConfig{}, nil)
	if err := ch.Send(context.Background(), &Message{Type: "X", Severity: schema.SeverityLow}); err != nil {
		t.Fatal(err)
	}
	if got := rs.headers[0].Get("Authorization"); got != "" {
		t.Errorf("expected no Authorization header, got %q", got)
	}
}

func TestWebhookChannelNon2xx(t *testing.T) {
	rs := newRecordingServer(t, http.StatusBadGateway)
	ch := NewWebhookChannel("hook", rs.srv.URL, "", nil, BreakerConfig{}, nil)

	err := ch.Send(context.Background(), &Message{Type: "X", Severity: schema.SeverityLow})
	if !errors.Is(err, secerrors.ErrDelivery) {
		t.Fatalf("expected delivery error, got %v", err)
	}
	var de *secerrors.DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("expected *DeliveryError, got %T", err)
	}
	if de.StatusCode != http.StatusBadGateway {
		t.Errorf("StatusCode = %d", de.StatusCode)
	}
	if de.Body != "upstream rejected" {
		t.Errorf("Body = %q", de.Body)
	}
}

func TestWebhookChannelBreakerOpens(t *testing.T) {
	rs := newRecordingServer(t, http.StatusInternalServerError)
	ch := NewWebhookChannel("hook", rs.srv.URL, "", nil, BreakerConfig{
		Enabled:          true,
		FailureThreshold: 2,
		OpenTimeout:      time.Minute,
		HalfOpenRequests: 1,
	}, nil)

	msg := &Message{Type: "X", Severity: schema.SeverityLow}
	for i := 0; i < 2; i++ {
		if err := ch.Send(context.Background(), msg); err == nil {
			t.Fatal("expected failure")
		}
	}
	err := ch.Send(context.Background(), msg)
	if !errors.Is(err, secerrors.ErrDelivery) {
		t.Fatalf("expected delivery error from open breaker, got %v", err)
	}
	if rs.count() != 2 {
		t.Errorf("open breaker should not reach the server, got %d requests", rs.count())
	}
}

func TestSIEMChannelEnvelope(t *testing.T) {
	rs := newRecordingServer(t, http.StatusAccepted)
	ch := NewSIEMChannel("siem", rs.srv.URL, "tok", "", BreakerConfig{}, nil)

	if err := ch.Send(context.Background(), &Message{Type: "HIGH_SEVERITY_EVENT", Severity: schema.SeverityHigh, Timestamp: time.Now()}); err != nil {
		t.Fatal(err)
	}
	body := rs.bodies[0]
	if body["source"] != "sectrail" {
		t.Errorf("source = %v", body["source"])
	}
	if body["sourcetype"] != "sectrail:high_severity_event" {
		t.Errorf("sourcetype = %v", body["sourcetype"])
	}
	if _, ok := body["event"].(map[string]any); !ok {
		t.Error("expected event object")
	}
}

func TestSlackChannelAttachment(t *testing.T) {
	rs := newRecordingServer(t, http.StatusOK)
	ch := NewSlackChannel("", rs.srv.URL, "#sec", "sectrail")

	err := ch.Send(context.Background(), &Message{
		Type:       "INCIDENT_NOTIFICATION",
		Severity:   schema.SeverityCritical,
		Title:      "Privilege escalation",
		IncidentID: "inc-1",
		Timestamp:  time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	atts, ok := rs.bodies[0]["attachments"].([]any)
	if !ok || len(atts) != 1 {
		t.Fatalf("expected one attachment, got %v", rs.bodies[0]["attachments"])
	}
	att := atts[0].(map[string]any)
	if att["color"] != "#FF0000" {
		t.Errorf("color = %v", att["color"])
	}
	if !strings.HasPrefix(att["title"].(string), "[CRITICAL]") {
		t.Errorf("title = %v", att["title"])
	}
}

type fakePublisher struct {
	key     string
	headers map[string]string
	err     error
}

func (f *fakePublisher) PublishJSON(_ context.Context, key string, _ any, headers map[string]string) error {
	f.key = key
	f.headers = headers
	return f.err
}

func TestKafkaChannel(t *testing.T) {
	pub := &fakePublisher{}
	ch := NewKafkaChannel("", pub)
	if err := ch.Send(context.Background(), &Message{Type: "X", Severity: schema.SeverityMedium, AlertID: "a-1"}); err != nil {
		t.Fatal(err)
	}
	if pub.key != "a-1" {
		t.Errorf("key = %q", pub.key)
	}
	if pub.headers["severity"] != "medium" {
		t.Errorf("headers = %v", pub.headers)
	}

	pub.err = errors.New("broker down")
	if err := ch.Send(context.Background(), &Message{Type: "X"}); !errors.Is(err, secerrors.ErrDelivery) {
		t.Errorf("expected delivery error, got %v", err)
	}
}

func TestDelivererIsolatesFailures(t *testing.T) {
	ok := &stubChannel{name: "ok"}
	failing := &stubChannel{name: "failing", err: &secerrors.DeliveryError{Channel: "failing", StatusCode: 503}}
	slow := &stubChannel{name: "slow", delay: time.Second}
	panicky := &stubChannel{name: "panicky", panic: true}

	d := &Deliverer{Timeout: 50 * time.Millisecond}
	start := time.Now()
	records := d.Deliver(context.Background(), []Channel{ok, failing, slow, panicky}, &Message{Type: "X"})
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("delivery took %v, expected timeout bound", elapsed)
	}

	if len(records) != 4 {
		t.Fatalf("expected 4 records, got %d", len(records))
	}
	want := []struct {
		name   string
		status DeliveryStatus
	}{
		{"ok", DeliverySent},
		{"failing", DeliveryFailed},
		{"slow", DeliveryFailed},
		{"panicky", DeliveryFailed},
	}
	for i, w := range want {
		if records[i].Channel != w.name || records[i].Status != w.status {
			t.Errorf("record %d = %s/%s, want %s/%s", i, records[i].Channel, records[i].Status, w.name, w.status)
		}
	}
	if records[1].StatusCode != 503 {
		t.Errorf("expected status code 503, got %d", records[1].StatusCode)
	}
}

func TestDispatcherTriggerAlert(t *testing.T) {
	s := store.NewMemoryStore()
	d := NewDispatcher(s, DefaultConfig(), nil, nil)
	rs := newRecordingServer(t, http.StatusOK)
	bad := newRecordingServer(t, http.StatusInternalServerError)
	d.AddChannel(NewWebhookChannel("good", rs.srv.URL, "", nil, BreakerConfig{}, nil))
	d.AddChannel(NewWebhookChannel("bad", bad.srv.URL, "", nil, BreakerConfig{}, nil))

	alert, err := d.TriggerAlert(context.Background(), "FAILED_LOGIN_BURST", AlertInput{
		Severity:      schema.SeverityHigh,
		CorrelationID: "corr-1",
		Details:       map[string]any{"userId": "u1", "count": 5},
	})
	if err != nil {
		t.Fatalf("TriggerAlert() error = %v", err)
	}
	if alert.Title != "Failed Login Burst" {
		t.Errorf("Title = %q", alert.Title)
	}
	if len(alert.Deliveries) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(alert.Deliveries))
	}
	if alert.Deliveries[0].Status != DeliverySent || alert.Deliveries[1].Status != DeliveryFailed {
		t.Errorf("unexpected delivery statuses: %+v", alert.Deliveries)
	}
	if alert.Deliveries[1].StatusCode != http.StatusInternalServerError {
		t.Errorf("expected 500 recorded, got %d", alert.Deliveries[1].StatusCode)
	}

	got, err := d.GetAlert(context.Background(), alert.ID)
	if err != nil {
		t.Fatalf("GetAlert() error = %v", err)
	}
	if got.CorrelationID != "corr-1" || len(got.Deliveries) != 2 {
		t.Errorf("persisted alert = %+v", got)
	}

	for _, key := range []string{
		"alerts:day:" + store.DayKey(alert.Timestamp),
		"alerts:severity:high",
		"alerts:type:FAILED_LOGIN_BURST",
	} {
		ok, err := s.SIsMember(context.Background(), key, alert.ID)
		if err != nil || !ok {
			t.Errorf("alert not indexed in %s", key)
		}
	}
}

func TestDispatcherTriggerAlertValidation(t *testing.T) {
	d := NewDispatcher(store.NewMemoryStore(), DefaultConfig(), nil, nil)

	if _, err := d.TriggerAlert(context.Background(), "", AlertInput{Severity: schema.SeverityLow}); !errors.Is(err, secerrors.ErrValidation) {
		t.Errorf("expected validation error for empty type, got %v", err)
	}
	if _, err := d.TriggerAlert(context.Background(), "X", AlertInput{Severity: "extreme"}); !errors.Is(err, secerrors.ErrInvalidSeverity) {
		t.Errorf("expected invalid severity, got %v", err)
	}
}

func TestDispatcherTriggerAlertStorageFailure(t *testing.T) {
	s := store.NewMemoryStore()
	s.SetFault(func(op, key string) error {
		if op == "set" && strings.HasPrefix(key, "alert:") {
			return errors.New("disk full")
		}
		return nil
	})
	ch := &stubChannel{name: "stub"}
	d := NewDispatcher(s, DefaultConfig(), nil, nil)
	d.AddChannel(ch)

	_, err := d.TriggerAlert(context.Background(), "X", AlertInput{Severity: schema.SeverityLow})
	if !errors.Is(err, secerrors.ErrStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if ch.calls.Load() != 0 {
		t.Error("alert should not be delivered when it cannot be persisted")
	}
}

func TestDispatcherSendNotification(t *testing.T) {
	secerrors.SetProductionMode(true)
	defer secerrors.SetProductionMode(false)

	s := store.NewMemoryStore()
	d := NewDispatcher(s, DefaultConfig(), nil, nil)
	d.AddChannel(&stubChannel{name: "ok"})
	d.AddChannel(&stubChannel{name: "down", err: errors.New("dial tcp 10.0.0.1:443: connection refused")})

	rec, err := d.SendNotification(context.Background(), Notification{
		IncidentID: "inc-1",
		Severity:   schema.SeverityCritical,
		Title:      "Privilege escalation",
		Message:    "5 attempts",
	})
	if err != nil {
		t.Fatalf("SendNotification() error = %v", err)
	}
	if len(rec.Channels) != 2 {
		t.Fatalf("expected 2 channel results, got %d", len(rec.Channels))
	}
	if rec.Channels[1].Status != DeliveryFailed {
		t.Errorf("expected failed status, got %s", rec.Channels[1].Status)
	}
	if strings.Contains(rec.Channels[1].Error, "10.0.0.1") {
		t.Errorf("channel error not sanitized: %q", rec.Channels[1].Error)
	}

	recs, err := d.NotificationsForIncident(context.Background(), "inc-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].ID != rec.ID {
		t.Errorf("NotificationsForIncident() = %+v", recs)
	}
}

func TestDispatcherAlertsBetween(t *testing.T) {
	s := store.NewMemoryStore()
	d := NewDispatcher(s, DefaultConfig(), nil, nil)
	base := time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC)
	clock := base
	d.now = func() time.Time { return clock }

	var ids []string
	for i := 0; i < 3; i++ {
		a, err := d.TriggerAlert(context.Background(), "X", AlertInput{Severity: schema.SeverityLow})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, a.ID)
		clock = clock.Add(20 * time.Minute)
	}

	got, err := d.AlertsBetween(context.Background(), base.Add(10*time.Minute), base.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 alerts across the day boundary, got %d", len(got))
	}
	if got[0].ID != ids[1] || got[1].ID != ids[2] {
		t.Errorf("unexpected order: %s, %s", got[0].ID, got[1].ID)
	}
}

func TestConfigValidateAndBuild(t *testing.T) {
	tests := []struct {
		name    string
		cfgs    []ChannelConfig
		wantErr bool
	}{
		{"default", DefaultConfig().Channels, false},
		{"webhook without url", []ChannelConfig{{Type: "webhook", Enabled: true}}, true},
		{"unknown type", []ChannelConfig{{Type: "pager", Enabled: true}}, true},
		{"duplicate", []ChannelConfig{{Name: "a", Type: "log", Enabled: true}, {Name: "a", Type: "log", Enabled: true}}, true},
		{"disabled is ignored", []ChannelConfig{{Type: "pager"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{Channels: tt.cfgs}
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	chans, err := BuildChannels([]ChannelConfig{
		{Name: "hook", Type: "webhook", Enabled: true, URL: "http://example.invalid"},
		{Type: "log", Enabled: true},
		{Type: "slack", Enabled: false},
	}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(chans) != 2 || chans[0].Type() != "webhook" || chans[1].Type() != "log" {
		t.Errorf("unexpected channels: %v", chans)
	}

	if _, err := BuildChannels([]ChannelConfig{{Type: "kafka", Enabled: true}}, nil, nil); err == nil {
		t.Error("expected error for kafka without publisher")
	}
}
