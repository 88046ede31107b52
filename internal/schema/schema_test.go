package schema

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	secerrors "sectrail/internal/errors"
)

func validEvent() *SecurityEvent {
	return &SecurityEvent{
		CorrelationID: "c-1",
		EventType:     EventLoginFailure,
		Severity:      SeverityMedium,
		UserID:        "u-1",
		DeviceInfo:    DeviceInfo{IP: "10.0.0.1"},
		Timestamp:     time.Now(),
	}
}

func TestValidator(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name    string
		mutate  func(*SecurityEvent)
		wantErr error
	}{
		{"valid", func(*SecurityEvent) {}, nil},
		{"unknown type", func(e *SecurityEvent) { e.EventType = "LOGIN_MAYBE" }, secerrors.ErrInvalidEventType},
		{"empty type", func(e *SecurityEvent) { e.EventType = "" }, secerrors.ErrInvalidEventType},
		{"bad severity", func(e *SecurityEvent) { e.Severity = "urgent" }, secerrors.ErrInvalidSeverity},
		{"missing correlation", func(e *SecurityEvent) { e.CorrelationID = "" }, secerrors.ErrValidation},
		{"future timestamp", func(e *SecurityEvent) { e.Timestamp = time.Now().Add(time.Hour) }, secerrors.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := validEvent()
			tt.mutate(ev)
			err := v.Validate(ev)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if !errors.Is(err, secerrors.ErrValidation) {
				t.Errorf("expected validation kind, got %v", err)
			}
		})
	}
}

func TestEventTypesAreValid(t *testing.T) {
	types := EventTypes()
	if len(types) != 25 {
		t.Errorf("expected 25 event types, got %d", len(types))
	}
	for _, et := range types {
		if !et.IsValid() {
			t.Errorf("%s should be valid", et)
		}
	}
}

func TestSeverityOrdering(t *testing.T) {
	if !SeverityCritical.AtLeast(SeverityHigh) {
		t.Error("critical should be at least high")
	}
	if SeverityLow.AtLeast(SeverityMedium) {
		t.Error("low should not be at least medium")
	}
	if Severity("nope").IsValid() {
		t.Error("unknown severity should be invalid")
	}
}

func TestEventDetails(t *testing.T) {
	d := EventDetails{
		RecordID:  "r-1",
		RiskScore: Float(0.8),
		Flags:     []string{FlagNewDevice},
		Patterns:  []string{FlagBulkDownload},
		Extra:     map[string]any{"source": "api"},
	}

	if !d.HasFlag(FlagNewDevice) || !d.HasFlag(FlagBulkDownload) {
		t.Error("expected flags and patterns to be searched")
	}
	if d.HasFlag(FlagUnusualTime) {
		t.Error("unexpected flag")
	}
	if d.Risk() != 0.8 {
		t.Errorf("Risk = %v", d.Risk())
	}
	if (EventDetails{}).Risk() != -1 {
		t.Error("expected -1 without score")
	}

	m := d.ToMap()
	if m["recordId"] != "r-1" || m["source"] != "api" {
		t.Errorf("unexpected map %v", m)
	}
	if _, ok := m["resource"]; ok {
		t.Error("empty fields should be omitted")
	}
}

func TestClientIPPriority(t *testing.T) {
	tests := []struct {
		name string
		rc   *RequestContext
		want string
	}{
		{
			name: "explicit proxy header wins",
			rc: &RequestContext{
				RemoteAddr: "10.0.0.9:4000",
				Headers:    map[string]string{"X-Real-IP": "203.0.113.5", "X-Forwarded-For": "198.51.100.1"},
			},
			want: "203.0.113.5",
		},
		{
			name: "first forwarded hop",
			rc: &RequestContext{
				RemoteAddr: "10.0.0.9:4000",
				Headers:    map[string]string{"x-forwarded-for": "198.51.100.1, 10.0.0.2"},
			},
			want: "198.51.100.1",
		},
		{
			name: "peer address",
			rc:   &RequestContext{RemoteAddr: "192.0.2.7:51234"},
			want: "192.0.2.7",
		},
		{
			name: "custom header",
			rc: &RequestContext{
				ClientIPHeader: "CF-Connecting-IP",
				Headers:        map[string]string{"CF-Connecting-IP": "203.0.113.9", "X-Real-IP": "1.1.1.1"},
			},
			want: "203.0.113.9",
		},
		{name: "nil", rc: nil, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rc.ClientIP(); got != tt.want {
				t.Errorf("ClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFromHTTPRequest(t *testing.T) {
	r := httptest.NewRequest("POST", "/login", nil)
	r.Header.Set("User-Agent", "Mozilla/5.0")
	r.Header.Set("Accept-Language", "en-US")
	r.RemoteAddr = "192.0.2.1:1234"

	di := FromHTTPRequest(r).DeviceInfo()
	if di.IP != "192.0.2.1" || di.UserAgent != "Mozilla/5.0" || di.AcceptLanguage != "en-US" {
		t.Errorf("unexpected device info %+v", di)
	}
}

func TestIncidentTypes(t *testing.T) {
	for _, it := range []IncidentType{IncidentBruteForce, IncidentAccountTakeover, IncidentSystemCompromise} {
		if !it.IsValid() {
			t.Errorf("%s should be valid", it)
		}
	}
	if IncidentType("BRUTE_FORCE").IsValid() {
		t.Error("unknown incident type should be invalid")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly", 7, "exactly"},
		{"abcdef", 3, "abc"},
		{"héllo", 2, "h"},
		{"日本語", 4, "日"},
	}
	for _, tt := range tests {
		if got := Truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestDeviceInfoClampsLongHeaders(t *testing.T) {
	rc := &RequestContext{Headers: map[string]string{
		"X-Real-IP":  strings.Repeat("f", 200),
		"User-Agent": strings.Repeat("x", 5000),
	}}
	dev := rc.DeviceInfo()
	if len(dev.IP) != MaxIPLength || len(dev.UserAgent) != MaxUserAgentLength {
		t.Errorf("device info lengths = %d/%d", len(dev.IP), len(dev.UserAgent))
	}

	ev := validEvent()
	ev.DeviceInfo = DeviceInfo{UserAgent: strings.Repeat("x", 5000)}
	ev.UserID = strings.Repeat("u", 1000)
	if err := NewValidator().Validate(ev); err != nil {
		t.Errorf("context length must not fail validation: %v", err)
	}
}
