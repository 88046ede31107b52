package incident

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"sectrail/internal/alerting"
	"sectrail/internal/audit"
	"sectrail/internal/detection"
	secerrors "sectrail/internal/errors"
	"sectrail/internal/metrics"
	"sectrail/internal/monitor"
	"sectrail/internal/schema"
	"sectrail/internal/store"
)

// EventLogger logs events back through the monitor.
type EventLogger interface {
	LogSecurityEvent(ctx context.Context, in monitor.LogInput) (*schema.SecurityEvent, error)
}

// AuditRecorder writes ledger entries.
type AuditRecorder interface {
	CreateAuditEntry(ctx context.Context, in audit.EntryInput) (*audit.AuditEntry, error)
}

// Notifier sends incident notifications.
type Notifier interface {
	SendNotification(ctx context.Context, n alerting.Notification) (*alerting.NotificationRecord, error)
}

// SessionInvalidator ends every session of a user. It is provided by the
// host application.
type SessionInvalidator interface {
	InvalidateUserSessions(ctx context.Context, userID, reason string) error
}

// Config configures the engine.
type Config struct {
	IncidentTTL time.Duration `yaml:"incident_ttl"`

	// SuppressionMaxAge bounds how long detector suppression state is kept.
	SuppressionMaxAge time.Duration `yaml:"suppression_max_age"`
	PruneInterval     time.Duration `yaml:"prune_interval"`
}

// DefaultConfig returns engine defaults.
func DefaultConfig() Config {
	return Config{
		IncidentTTL:       90 * 24 * time.Hour,
		SuppressionMaxAge: 24 * time.Hour,
		PruneInterval:     10 * time.Minute,
	}
}

// Options carries the engine's collaborators. All fields are optional.
type Options struct {
	Events   EventLogger
	Audit    AuditRecorder
	Notifier Notifier
	Sessions SessionInvalidator
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Engine is the incident response engine. It implements monitor.Analyzer.
type Engine struct {
	store    store.Store
	cfg      Config
	registry *detection.Registry
	events   EventLogger
	audit    AuditRecorder
	notifier Notifier
	sessions SessionInvalidator
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu     sync.RWMutex
	active map[string]*Incident

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates an engine that classifies events with registry.
func NewEngine(s store.Store, cfg Config, registry *detection.Registry, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IncidentTTL <= 0 {
		cfg.IncidentTTL = 90 * 24 * time.Hour
	}
	return &Engine{
		store:    s,
		cfg:      cfg,
		registry: registry,
		events:   opts.Events,
		audit:    opts.Audit,
		notifier: opts.Notifier,
		sessions: opts.Sessions,
		logger:   logger,
		metrics:  opts.Metrics,
		now:      time.Now,
		active:   make(map[string]*Incident),
	}
}

// Name identifies the engine as an analyzer.
func (e *Engine) Name() string { return "incident_engine" }

// Analyze runs DetectIncident for the monitor.
func (e *Engine) Analyze(ctx context.Context, ev *schema.SecurityEvent) error {
	_, err := e.DetectIncident(ctx, ev)
	return err
}

// DetectIncident runs every detector against ev and processes each finding
// as a separate incident. Incidents that were created are returned even when
// another finding failed to process.
func (e *Engine) DetectIncident(ctx context.Context, ev *schema.SecurityEvent) ([]*Incident, error) {
	findings := e.registry.Evaluate(ctx, ev)
	if len(findings) == 0 {
		return nil, nil
	}

	var (
		incidents []*Incident
		errs      []error
	)
	for _, f := range findings {
		inc, err := e.ProcessIncident(ctx, f)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.Detector, err))
			continue
		}
		incidents = append(incidents, inc)
	}
	return incidents, errors.Join(errs...)
}

// ProcessIncident creates an incident from a finding: it persists the
// incident, logs a SECURITY_INCIDENT event, runs the type handler, sends a
// notification when required, and records an audit entry. Only a failure
// to persist the incident is returned.
func (e *Engine) ProcessIncident(ctx context.Context, f *detection.Finding) (*Incident, error) {
	if !f.IncidentType.IsValid() {
		return nil, secerrors.Validation("process_incident", fmt.Errorf("invalid incident type %q", f.IncidentType))
	}
	if !f.Severity.IsValid() {
		return nil, secerrors.Validation("process_incident", secerrors.ErrInvalidSeverity)
	}

	now := e.now().UTC()
	inc := &Incident{
		ID:                   uuid.New().String(),
		Type:                 f.IncidentType,
		Severity:             f.Severity,
		Status:               StatusDetected,
		Detector:             f.Detector,
		Description:          f.Description,
		CorrelationID:        f.CorrelationID,
		UserID:               f.UserID,
		IP:                   f.IP,
		RequiresNotification: f.RequiresNotification,
		Details:              findingDetails(f),
		Notes:                []Note{},
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	if err := e.persist(ctx, inc); err != nil {
		return nil, secerrors.Storage("process_incident", err)
	}
	e.index(ctx, inc)

	e.mu.Lock()
	e.active[inc.ID] = inc
	n := len(e.active)
	e.mu.Unlock()

	e.metrics.IncidentCreated(string(inc.Type), string(inc.Severity))
	e.metrics.SetActiveIncidents(n)
	e.logger.Warn("security incident detected",
		"incident_id", inc.ID,
		"type", inc.Type,
		"severity", inc.Severity,
		"detector", inc.Detector,
		"user_id", inc.UserID,
		"ip", inc.IP)

	e.logIncidentEvent(ctx, inc)
	e.respond(ctx, inc)

	if inc.RequiresNotification {
		e.notify(ctx, inc)
	}

	e.mu.Lock()
	var err error
	if e.active[inc.ID] == inc {
		inc.UpdatedAt = e.now().UTC()
		err = e.persist(ctx, inc)
	} else {
		// A status update replaced the record while the response ran.
		inc = e.active[inc.ID]
	}
	snapshot := inc.clone()
	e.mu.Unlock()
	if err != nil {
		e.logger.Error("failed to persist incident response", "incident_id", inc.ID, "error", err)
	}

	e.recordAudit(ctx, schema.EventSecurityIncident, snapshot, map[string]any{
		"incidentId":    snapshot.ID,
		"incidentType":  string(snapshot.Type),
		"status":        string(snapshot.Status),
		"detector":      snapshot.Detector,
		"correlationId": snapshot.CorrelationID,
		"notified":      len(snapshot.NotificationIDs) > 0,
	})
	return snapshot, nil
}

// respond runs the automated handler for the incident's type.
func (e *Engine) respond(ctx context.Context, inc *Incident) {
	target := StatusInvestigating
	switch inc.Type {
	case schema.IncidentBruteForce, schema.IncidentDDoSAttack:
		target = StatusContained
	}

	e.mu.Lock()
	inc.Status = target
	inc.Notes = append(inc.Notes, Note{
		Text:      fmt.Sprintf("Automated response: %s moved to %s", inc.Type, target),
		Status:    target,
		Automated: true,
		CreatedAt: e.now().UTC(),
	})
	e.mu.Unlock()

	if !e.needsSessionInvalidation(inc) {
		return
	}
	if e.sessions == nil {
		e.logger.Warn("session invalidation required but no invalidator configured", "incident_id", inc.ID)
		return
	}

	reason := fmt.Sprintf("incident %s (%s)", inc.ID, inc.Type)
	err := e.sessions.InvalidateUserSessions(ctx, inc.UserID, reason)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.logger.Error("failed to invalidate user sessions", "incident_id", inc.ID, "user_id", inc.UserID, "error", err)
		inc.Notes = append(inc.Notes, Note{
			Text:      "Session invalidation failed: " + secerrors.SanitizeString(err.Error()),
			Status:    inc.Status,
			Automated: true,
			CreatedAt: e.now().UTC(),
		})
		return
	}
	inc.SessionsInvalidated = true
	inc.Notes = append(inc.Notes, Note{
		Text:      "All sessions invalidated for user " + inc.UserID,
		Status:    inc.Status,
		Automated: true,
		CreatedAt: e.now().UTC(),
	})
	e.logger.Warn("user sessions invalidated", "incident_id", inc.ID, "user_id", inc.UserID)
}

func (e *Engine) needsSessionInvalidation(inc *Incident) bool {
	if inc.UserID == "" {
		return false
	}
	switch inc.Type {
	case schema.IncidentAccountTakeover:
		return true
	case schema.IncidentPrivilegeEscalation, schema.IncidentUnauthorizedAccess:
		return inc.Severity == schema.SeverityCritical
	}
	return false
}

func (e *Engine) notify(ctx context.Context, inc *Incident) {
	if e.notifier == nil {
		return
	}
	rec, err := e.notifier.SendNotification(ctx, alerting.Notification{
		IncidentID: inc.ID,
		Severity:   inc.Severity,
		Title:      fmt.Sprintf("Security incident: %s", inc.Type),
		Message:    inc.Description,
		Details:    inc.Details,
	})
	if err != nil {
		e.logger.Error("failed to send incident notification", "incident_id", inc.ID, "error", err)
	}
	if rec != nil {
		e.mu.Lock()
		inc.NotificationIDs = append(inc.NotificationIDs, rec.ID)
		e.mu.Unlock()
	}
}

func (e *Engine) logIncidentEvent(ctx context.Context, inc *Incident) {
	if e.events == nil {
		return
	}
	_, err := e.events.LogSecurityEvent(ctx, monitor.LogInput{
		EventType: schema.EventSecurityIncident,
		Severity:  inc.Severity,
		UserID:    inc.UserID,
		Details: schema.EventDetails{
			Reason: inc.Description,
			Extra: map[string]any{
				"incidentId":    inc.ID,
				"incidentType":  string(inc.Type),
				"detector":      inc.Detector,
				"correlationId": inc.CorrelationID,
			},
		},
	})
	if err != nil {
		e.logger.Error("failed to log incident event", "incident_id", inc.ID, "error", err)
	}
}

func (e *Engine) recordAudit(ctx context.Context, et schema.EventType, inc *Incident, details map[string]any) {
	if e.audit == nil {
		return
	}
	if _, err := e.audit.CreateAuditEntry(ctx, audit.EntryInput{
		EventType: et,
		Severity:  inc.Severity,
		UserID:    inc.UserID,
		Details:   details,
	}); err != nil {
		e.logger.Error("failed to audit incident", "incident_id", inc.ID, "event_type", et, "error", err)
	}
}

// UpdateIncidentStatus moves an active incident forward and appends note
// when given.
func (e *Engine) UpdateIncidentStatus(ctx context.Context, id string, status Status, note string) (*Incident, error) {
	if !status.IsValid() {
		return nil, secerrors.Validation("update_incident_status", fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, status))
	}

	e.mu.Lock()
	current, ok := e.active[id]
	if !ok {
		e.mu.Unlock()
		return nil, secerrors.NotFound("update_incident_status", fmt.Errorf("%w: %s", secerrors.ErrIncidentNotFound, id))
	}
	if !CanTransition(current.Status, status) {
		from := current.Status
		e.mu.Unlock()
		return nil, secerrors.Validation("update_incident_status", fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, status))
	}

	updated := current.clone()
	previous := updated.Status
	updated.Status = status
	updated.UpdatedAt = e.now().UTC()
	if note != "" {
		updated.Notes = append(updated.Notes, Note{Text: note, Status: status, CreatedAt: updated.UpdatedAt})
	}
	if err := e.persist(ctx, updated); err != nil {
		e.mu.Unlock()
		return nil, secerrors.Storage("update_incident_status", err)
	}
	e.active[id] = updated
	snapshot := updated.clone()
	e.mu.Unlock()

	e.logger.Info("incident status updated",
		"incident_id", id,
		"from", previous,
		"to", status)

	if e.events != nil {
		if _, err := e.events.LogSecurityEvent(ctx, monitor.LogInput{
			EventType: schema.EventIncidentStatusChanged,
			Severity:  schema.SeverityLow,
			UserID:    snapshot.UserID,
			Details: schema.EventDetails{
				Reason: note,
				Extra: map[string]any{
					"incidentId": id,
					"from":       string(previous),
					"to":         string(status),
				},
			},
		}); err != nil {
			e.logger.Error("failed to log status change", "incident_id", id, "error", err)
		}
	}
	e.recordAudit(ctx, schema.EventIncidentStatusChanged, snapshot, map[string]any{
		"incidentId": id,
		"from":       string(previous),
		"to":         string(status),
		"note":       note,
	})
	return snapshot, nil
}

// GetIncident returns an incident from the active map, falling back to the
// store for incidents created by an earlier process.
func (e *Engine) GetIncident(ctx context.Context, id string) (*Incident, error) {
	e.mu.RLock()
	inc, ok := e.active[id]
	if ok {
		inc = inc.clone()
	}
	e.mu.RUnlock()
	if ok {
		return inc, nil
	}

	var stored Incident
	if err := store.GetJSON(ctx, e.store, incidentKey(id), &stored); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, secerrors.NotFound("get_incident", fmt.Errorf("%w: %s", secerrors.ErrIncidentNotFound, id))
		}
		return nil, secerrors.Storage("get_incident", err)
	}
	return &stored, nil
}

// ListIncidents returns active incidents matching f, newest first.
func (e *Engine) ListIncidents(f Filter) []*Incident {
	e.mu.RLock()
	var out []*Incident
	for _, inc := range e.active {
		if f.matches(inc) {
			out = append(out, inc.clone())
		}
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Restore loads incidents created since the given time from the store into
// the active map. Incidents already active are left as they are.
func (e *Engine) Restore(ctx context.Context, since time.Time) (int, error) {
	restored := 0
	for _, day := range store.DaysBetween(since, e.now()) {
		ids, err := e.store.SMembers(ctx, "incidents:day:"+day)
		if err != nil {
			return restored, secerrors.Storage("restore_incidents", err)
		}
		for _, id := range ids {
			e.mu.RLock()
			_, ok := e.active[id]
			e.mu.RUnlock()
			if ok {
				continue
			}

			var inc Incident
			if err := store.GetJSON(ctx, e.store, incidentKey(id), &inc); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return restored, secerrors.Storage("restore_incidents", err)
			}
			e.mu.Lock()
			if _, ok := e.active[id]; !ok {
				e.active[id] = &inc
				restored++
			}
			e.mu.Unlock()
		}
	}

	e.mu.RLock()
	n := len(e.active)
	e.mu.RUnlock()
	e.metrics.SetActiveIncidents(n)
	e.logger.Info("restored incidents", "restored", restored, "active", n)
	return restored, nil
}

// Stats summarizes the active incidents.
func (e *Engine) Stats() Stats {
	s := Stats{
		ByStatus:   make(map[Status]int),
		ByType:     make(map[schema.IncidentType]int),
		BySeverity: make(map[schema.Severity]int),
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, inc := range e.active {
		s.Total++
		if inc.Status != StatusResolved && inc.Status != StatusClosed {
			s.Open++
		}
		s.ByStatus[inc.Status]++
		s.ByType[inc.Type]++
		s.BySeverity[inc.Severity]++
	}
	return s
}

// Start prunes detector suppression state on PruneInterval until Close.
func (e *Engine) Start(ctx context.Context) {
	if e.cfg.PruneInterval <= 0 || e.cfg.SuppressionMaxAge <= 0 {
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.cfg.PruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := e.registry.Prune(e.now(), e.cfg.SuppressionMaxAge); n > 0 {
					e.logger.Debug("pruned detector suppression state", "entries", n)
				}
			}
		}
	}()
}

// Close stops the background pruning.
func (e *Engine) Close() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Engine) persist(ctx context.Context, inc *Incident) error {
	return store.SetJSON(ctx, e.store, incidentKey(inc.ID), inc, e.cfg.IncidentTTL)
}

func (e *Engine) index(ctx context.Context, inc *Incident) {
	keys := []string{
		"incidents:day:" + store.DayKey(inc.CreatedAt),
		"incidents:type:" + string(inc.Type),
		"incidents:severity:" + string(inc.Severity),
	}
	for _, key := range keys {
		if err := store.AddToIndex(ctx, e.store, key, inc.ID, e.cfg.IncidentTTL); err != nil {
			e.metrics.IndexWriteFailed("incident")
			e.logger.Warn("failed to write incident index", "key", key, "error", err)
		}
	}
}

func incidentKey(id string) string { return "incident:" + id }

func findingDetails(f *detection.Finding) map[string]any {
	d := map[string]any{
		"requiresNotification": f.RequiresNotification,
		"detectedAt":           f.DetectedAt,
	}
	if f.Threshold > 0 {
		d["count"] = f.Count
		d["threshold"] = f.Threshold
		d["window"] = f.Window.String()
	}
	if len(f.Evidence) > 0 {
		d["evidence"] = f.Evidence
	}
	if len(f.Patterns) > 0 {
		d["patterns"] = f.Patterns
	}
	if f.RiskScore != nil {
		d["riskScore"] = *f.RiskScore
	}
	if f.Tier > 1 {
		d["tier"] = f.Tier
	}
	return d
}
