package dashboard

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	secerrors "sectrail/internal/errors"
	"sectrail/internal/schema"
)

// APIError is the JSON error body.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func writeJSONError(w http.ResponseWriter, status int, code, message, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(APIError{
		Code:    code,
		Message: message,
		Details: details,
	}); err != nil {
		slog.Error("failed to write error response", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

// RegisterRoutes exposes the dashboard read queries on mux.
func (d *Dashboard) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/dashboard/overview", d.handleOverview)
	mux.HandleFunc("/api/dashboard/metrics", d.handleMetrics)
}

func (d *Dashboard) handleOverview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", "only GET is supported")
		return
	}

	o, err := d.GetSecurityOverview(r.Context(), timeframeParam(r))
	if err != nil {
		d.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (d *Dashboard) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", "only GET is supported")
		return
	}

	q := r.URL.Query()
	f := Filters{
		UserID: q.Get("user_id"),
		IP:     q.Get("ip"),
	}
	for _, t := range splitList(q.Get("event_types")) {
		f.EventTypes = append(f.EventTypes, schema.EventType(t))
	}
	for _, s := range splitList(q.Get("severities")) {
		f.Severities = append(f.Severities, schema.Severity(s))
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a non-negative integer", v)
			return
		}
		f.Limit = n
	}

	mt := MetricType(q.Get("type"))
	if mt == "" {
		mt = MetricEvents
	}
	dm, err := d.GetDetailedMetrics(r.Context(), mt, timeframeParam(r), f)
	if err != nil {
		d.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dm)
}

func (d *Dashboard) writeError(w http.ResponseWriter, err error) {
	if secerrors.KindOf(err) == secerrors.KindValidation {
		code := "INVALID_REQUEST"
		switch {
		case errors.Is(err, ErrInvalidTimeframe):
			code = "INVALID_TIMEFRAME"
		case errors.Is(err, ErrInvalidMetricType):
			code = "INVALID_METRIC_TYPE"
		}
		writeJSONError(w, http.StatusBadRequest, code, "invalid dashboard query", err.Error())
		return
	}
	d.logger.Error("dashboard query failed", "error", err)
	writeJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "dashboard query failed", secerrors.SanitizeString(err.Error()))
}

func timeframeParam(r *http.Request) Timeframe {
	if tf := r.URL.Query().Get("timeframe"); tf != "" {
		return Timeframe(tf)
	}
	return TimeframeDay
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
