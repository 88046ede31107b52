// Package logging provides logger construction and masking of sensitive
// values before they reach logs, alerts, or the audit ledger.
package logging

import (
	"regexp"
	"strings"
)

// SensitiveFields contains field names whose values must never be written in
// clear text.
var SensitiveFields = map[string]bool{
	"password":      true,
	"passwd":        true,
	"secret":        true,
	"token":         true,
	"api_key":       true,
	"apikey":        true,
	"access_token":  true,
	"refresh_token": true,
	"private_key":   true,
	"client_secret": true,
	"credentials":   true,
	"authorization": true,
	"cookie":        true,
	"x-api-key":     true,
	"session_id":    true,
	"ssn":           true,
	"credit_card":   true,
	"card_number":   true,
	"cvv":           true,
	"mfa_code":      true,
	"backup_code":   true,
}

// RedactedHeaders are request headers replaced unconditionally when request
// metadata is recorded.
var RedactedHeaders = map[string]bool{
	"authorization":       true,
	"cookie":              true,
	"set-cookie":          true,
	"x-api-key":           true,
	"x-auth-token":        true,
	"proxy-authorization": true,
}

// MaskedValue is the string used to replace sensitive values.
const MaskedValue = "[REDACTED]"

// IsSensitiveField reports whether fieldName names, or contains, a sensitive key.
func IsSensitiveField(fieldName string) bool {
	lower := strings.ToLower(fieldName)
	if SensitiveFields[lower] {
		return true
	}
	for sensitive := range SensitiveFields {
		if strings.Contains(lower, sensitive) {
			return true
		}
	}
	return false
}

// HasSensitiveFields reports whether any key of m, at any depth, is sensitive.
func HasSensitiveFields(m map[string]any) bool {
	for k, v := range m {
		if IsSensitiveField(k) {
			return true
		}
		if nested, ok := v.(map[string]any); ok && HasSensitiveFields(nested) {
			return true
		}
	}
	return false
}

// RedactHeaders returns a copy of headers with RedactedHeaders masked.
// Header names are matched case-insensitively.
func RedactHeaders(headers map[string]string) map[string]string {
	if headers == nil {
		return nil
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if RedactedHeaders[strings.ToLower(k)] {
			out[k] = MaskedValue
			continue
		}
		out[k] = v
	}
	return out
}

// RedactMap returns a deep copy of m with sensitive values masked.
func RedactMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if IsSensitiveField(k) {
			out[k] = MaskedValue
			continue
		}
		switch val := v.(type) {
		case map[string]any:
			out[k] = RedactMap(val)
		case string:
			out[k] = MaskSensitivePatterns(val)
		default:
			out[k] = v
		}
	}
	return out
}

// MaskString shows only the first and last characters of s.
func MaskString(s string, showFirst, showLast int) string {
	if s == "" {
		return s
	}
	if len(s) <= showFirst+showLast+3 {
		return MaskedValue
	}
	return s[:showFirst] + "***" + s[len(s)-showLast:]
}

// SensitivePatterns match credentials embedded in free text.
var SensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|passwd)['":\s]*[=:]\s*['"]?([a-zA-Z0-9_\-\.]+)['"]?`),
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-\.]+`),
	regexp.MustCompile(`(?i)basic\s+[a-zA-Z0-9+/=]+`),
	regexp.MustCompile(`(AKIA|ASIA)[A-Z0-9]{16}`),
}

// MaskSensitivePatterns masks credential-looking substrings of s.
func MaskSensitivePatterns(s string) string {
	for _, pattern := range SensitivePatterns {
		s = pattern.ReplaceAllString(s, MaskedValue)
	}
	return s
}

// SafeLogValue returns a loggable version of value for fieldName.
func SafeLogValue(fieldName string, value any) any {
	if value == nil || !IsSensitiveField(fieldName) {
		return value
	}
	if v, ok := value.([]string); ok {
		masked := make([]string, len(v))
		for i := range v {
			masked[i] = MaskedValue
		}
		return masked
	}
	return MaskedValue
}
