package errors

import (
	"errors"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
)

var productionMode atomic.Bool

// SetProductionMode toggles sanitization of messages that leave the process:
// delivery records, incident notes and HTTP error bodies.
func SetProductionMode(production bool) {
	productionMode.Store(production)
}

// IsProductionMode reports whether sanitization is on.
func IsProductionMode() bool {
	return productionMode.Load()
}

// A redaction rewrites one class of sensitive detail, either through a
// replacement template or a function. Rules run in order.
type redaction struct {
	re   *regexp.Regexp
	tmpl string
	fn   func(string) string
}

var redactions = []redaction{
	// Credentials keep their key so the failure is still recognisable.
	{re: regexp.MustCompile(`(?i)\b(password|passwd|secret|token|api[_-]?key)=\S+`), tmpl: "${1}=[REDACTED]"},
	{re: regexp.MustCompile(`(?i)\bbearer\s+\S+`), tmpl: "Bearer [REDACTED]"},
	{re: regexp.MustCompile(`\b(\d{1,3}\.\d{1,3})\.\d{1,3}\.\d{1,3}\b`), tmpl: "${1}.x.x"},
	{re: regexp.MustCompile(`(?:/[\w.\-]+){2,}|[A-Za-z]:\\[\w .\-\\]+`), fn: filepath.Base},
}

// SanitizeString strips credentials, addresses and paths from s when
// production mode is on. Stack traces and multi-line dumps are replaced
// entirely.
func SanitizeString(s string) string {
	if !productionMode.Load() {
		return s
	}
	if strings.Contains(s, "goroutine ") || strings.Count(s, "\n") > 3 {
		return "internal error"
	}
	for _, r := range redactions {
		if r.fn != nil {
			s = r.re.ReplaceAllStringFunc(s, r.fn)
			continue
		}
		s = r.re.ReplaceAllString(s, r.tmpl)
	}
	return s
}

// SanitizeError returns err with its message sanitized.
func SanitizeError(err error) error {
	if err == nil || !productionMode.Load() {
		return err
	}
	return errors.New(SanitizeString(err.Error()))
}

// SafeErrorMessage returns a caller-facing message. Validation and not-found
// errors describe the caller's own input and pass through; anything else is
// sanitized.
func SafeErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	switch KindOf(err) {
	case KindValidation, KindNotFound:
		return err.Error()
	}
	if errors.Is(err, ErrInvalidEventType) || errors.Is(err, ErrInvalidSeverity) || errors.Is(err, ErrIncidentNotFound) {
		return err.Error()
	}
	return SanitizeString(err.Error())
}
