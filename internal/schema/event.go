// Package schema defines the security event model shared by the monitor,
// detectors, incident engine and ledger.
package schema

import (
	"slices"
	"time"
	"unicode/utf8"
)

// EventType is the closed set of security event kinds.
type EventType string

const (
	EventLoginSuccess          EventType = "LOGIN_SUCCESS"
	EventLoginFailure          EventType = "LOGIN_FAILURE"
	EventLogout                EventType = "LOGOUT"
	EventAccountLocked         EventType = "ACCOUNT_LOCKED"
	EventPasswordChange        EventType = "PASSWORD_CHANGE"
	EventPasswordResetRequest  EventType = "PASSWORD_RESET_REQUEST"
	EventMFAEnabled            EventType = "MFA_ENABLED"
	EventMFADisabled           EventType = "MFA_DISABLED"
	EventMFAFailure            EventType = "MFA_FAILURE"
	EventTokenRefresh          EventType = "TOKEN_REFRESH"
	EventTokenRevoked          EventType = "TOKEN_REVOKED"
	EventSessionCreated        EventType = "SESSION_CREATED"
	EventSessionTerminated     EventType = "SESSION_TERMINATED"
	EventPrivilegeEscalation   EventType = "PRIVILEGE_ESCALATION"
	EventPermissionDenied      EventType = "PERMISSION_DENIED"
	EventDataAccess            EventType = "DATA_ACCESS"
	EventDataExport            EventType = "DATA_EXPORT"
	EventDataDeletion          EventType = "DATA_DELETION"
	EventSuspiciousActivity    EventType = "SUSPICIOUS_ACTIVITY"
	EventNewDevice             EventType = "NEW_DEVICE"
	EventRateLimitExceeded     EventType = "RATE_LIMIT_EXCEEDED"
	EventSecurityIncident      EventType = "SECURITY_INCIDENT"
	EventConfigChange          EventType = "CONFIG_CHANGE"
	EventAuditIntegrityFailure EventType = "AUDIT_INTEGRITY_FAILURE"
	EventIncidentStatusChanged EventType = "INCIDENT_STATUS_CHANGED"
)

var eventTypes = []EventType{
	EventLoginSuccess, EventLoginFailure, EventLogout, EventAccountLocked,
	EventPasswordChange, EventPasswordResetRequest, EventMFAEnabled,
	EventMFADisabled, EventMFAFailure, EventTokenRefresh, EventTokenRevoked,
	EventSessionCreated, EventSessionTerminated, EventPrivilegeEscalation,
	EventPermissionDenied, EventDataAccess, EventDataExport, EventDataDeletion,
	EventSuspiciousActivity, EventNewDevice, EventRateLimitExceeded,
	EventSecurityIncident, EventConfigChange, EventAuditIntegrityFailure,
	EventIncidentStatusChanged,
}

// EventTypes returns every valid event type.
func EventTypes() []EventType {
	return slices.Clone(eventTypes)
}

// IsValid checks if the event type is a member of the closed set.
func (t EventType) IsValid() bool {
	return slices.Contains(eventTypes, t)
}

// Severity ranks events, alerts and incidents.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// IsValid checks if the severity is one of the four levels.
func (s Severity) IsValid() bool {
	return s.Rank() > 0
}

// Rank orders severities; invalid values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// AtLeast reports whether s is at or above min.
func (s Severity) AtLeast(min Severity) bool {
	return s.Rank() >= min.Rank()
}

// Severities returns the levels from lowest to highest.
func Severities() []Severity {
	return []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
}

// DeviceInfo captures the client context an event was produced from.
type DeviceInfo struct {
	IP             string `json:"ip,omitempty"`
	UserAgent      string `json:"userAgent,omitempty"`
	AcceptLanguage string `json:"acceptLanguage,omitempty"`
	AcceptEncoding string `json:"acceptEncoding,omitempty"`
	Platform       string `json:"platform,omitempty"`
}

// Length caps for caller-controlled context. Longer values are cut, never
// rejected, so padded headers cannot keep an event out of the store.
const (
	MaxIPLength        = 64
	MaxUserAgentLength = 1024
	MaxHeaderLength    = 256
	MaxPlatformLength  = 128
	MaxUserIDLength    = 256
)

// Clamped returns d with every field cut to its length cap.
func (d DeviceInfo) Clamped() DeviceInfo {
	return DeviceInfo{
		IP:             Truncate(d.IP, MaxIPLength),
		UserAgent:      Truncate(d.UserAgent, MaxUserAgentLength),
		AcceptLanguage: Truncate(d.AcceptLanguage, MaxHeaderLength),
		AcceptEncoding: Truncate(d.AcceptEncoding, MaxHeaderLength),
		Platform:       Truncate(d.Platform, MaxPlatformLength),
	}
}

// Truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Detail flags recognised by detectors.
const (
	FlagBulkDownload        = "bulk_download"
	FlagRapidAccess         = "rapid_access"
	FlagUnusualTime         = "unusual_time"
	FlagSensitiveDataAccess = "sensitive_data_access"
	FlagNewDevice           = "new_device"
	FlagNewLocation         = "new_location"
	FlagRapidLocationChange = "rapid_location_change"
	FlagNewIP               = "new_ip"
	FlagUserAgentChange     = "user_agent_change"
	FlagVelocity            = "velocity"
)

// EventDetails carries the typed payload fields detectors depend on. Fields
// without a typed home go in Extra.
type EventDetails struct {
	RecordID     string         `json:"recordId,omitempty"`
	RecordCount  int            `json:"recordCount,omitempty"`
	RiskScore    *float64       `json:"riskScore,omitempty"`
	Flags        []string       `json:"flags,omitempty"`
	Patterns     []string       `json:"patterns,omitempty"`
	Resource     string         `json:"resource,omitempty"`
	TargetUserID string         `json:"targetUserId,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// HasFlag reports whether flag appears in Flags or Patterns.
func (d EventDetails) HasFlag(flag string) bool {
	return slices.Contains(d.Flags, flag) || slices.Contains(d.Patterns, flag)
}

// Risk returns the risk score, or -1 if none was supplied.
func (d EventDetails) Risk() float64 {
	if d.RiskScore == nil {
		return -1
	}
	return *d.RiskScore
}

// ToMap flattens the details into a generic map, omitting empty fields.
func (d EventDetails) ToMap() map[string]any {
	m := make(map[string]any, len(d.Extra)+8)
	for k, v := range d.Extra {
		m[k] = v
	}
	if d.RecordID != "" {
		m["recordId"] = d.RecordID
	}
	if d.RecordCount != 0 {
		m["recordCount"] = d.RecordCount
	}
	if d.RiskScore != nil {
		m["riskScore"] = *d.RiskScore
	}
	if len(d.Flags) > 0 {
		m["flags"] = d.Flags
	}
	if len(d.Patterns) > 0 {
		m["patterns"] = d.Patterns
	}
	if d.Resource != "" {
		m["resource"] = d.Resource
	}
	if d.TargetUserID != "" {
		m["targetUserId"] = d.TargetUserID
	}
	if d.Reason != "" {
		m["reason"] = d.Reason
	}
	return m
}

// Float returns a pointer to v, for populating RiskScore.
func Float(v float64) *float64 { return &v }

// SecurityEvent is an immutable record of a security-relevant occurrence.
type SecurityEvent struct {
	CorrelationID string       `json:"correlationId" validate:"required,max=128"`
	EventType     EventType    `json:"eventType" validate:"required,event_type"`
	Severity      Severity     `json:"severity" validate:"required,severity"`
	UserID        string       `json:"userId,omitempty"`
	DeviceInfo    DeviceInfo   `json:"deviceInfo"`
	Details       EventDetails `json:"details"`
	Timestamp     time.Time    `json:"timestamp" validate:"required"`
}

// IncidentType is the closed set of incident classifications.
type IncidentType string

const (
	IncidentDataBreach          IncidentType = "data_breach"
	IncidentUnauthorizedAccess  IncidentType = "unauthorized_access"
	IncidentBruteForce          IncidentType = "brute_force_attack"
	IncidentPrivilegeEscalation IncidentType = "privilege_escalation"
	IncidentMalwareDetection    IncidentType = "malware_detection"
	IncidentDDoSAttack          IncidentType = "ddos_attack"
	IncidentInsiderThreat       IncidentType = "insider_threat"
	IncidentSystemCompromise    IncidentType = "system_compromise"
	IncidentDataExfiltration    IncidentType = "data_exfiltration"
	IncidentAccountTakeover     IncidentType = "account_takeover"
)

var incidentTypes = []IncidentType{
	IncidentDataBreach, IncidentUnauthorizedAccess, IncidentBruteForce,
	IncidentPrivilegeEscalation, IncidentMalwareDetection, IncidentDDoSAttack,
	IncidentInsiderThreat, IncidentSystemCompromise, IncidentDataExfiltration,
	IncidentAccountTakeover,
}

// IsValid checks if the incident type is a member of the closed set.
func (t IncidentType) IsValid() bool {
	return slices.Contains(incidentTypes, t)
}
