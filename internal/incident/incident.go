// Package incident classifies detector findings into incidents, drives the
// incident lifecycle, and runs the automated response for each type.
package incident

import (
	"errors"
	"maps"
	"slices"
	"time"

	"sectrail/internal/schema"
)

// ErrInvalidTransition is returned for a status change that moves an
// incident backwards.
var ErrInvalidTransition = errors.New("invalid status transition")

// Status is an incident lifecycle state.
type Status string

const (
	StatusDetected      Status = "detected"
	StatusInvestigating Status = "investigating"
	StatusContained     Status = "contained"
	StatusResolved      Status = "resolved"
	StatusClosed        Status = "closed"
)

var statusOrder = []Status{StatusDetected, StatusInvestigating, StatusContained, StatusResolved, StatusClosed}

// Statuses returns the lifecycle states in order.
func Statuses() []Status { return slices.Clone(statusOrder) }

// IsValid reports whether s is a lifecycle state.
func (s Status) IsValid() bool { return s.rank() >= 0 }

func (s Status) rank() int { return slices.Index(statusOrder, s) }

// CanTransition reports whether an incident may move from one status to
// another. Staying put is allowed; moving backwards is not.
func CanTransition(from, to Status) bool {
	return from.IsValid() && to.IsValid() && to.rank() >= from.rank()
}

// Note is an entry in an incident's timeline.
type Note struct {
	Text      string    `json:"text"`
	Status    Status    `json:"status"`
	Automated bool      `json:"automated,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Incident is a classified security incident.
type Incident struct {
	ID                   string              `json:"id"`
	Type                 schema.IncidentType `json:"type"`
	Severity             schema.Severity     `json:"severity"`
	Status               Status              `json:"status"`
	Detector             string              `json:"detector"`
	Description          string              `json:"description"`
	CorrelationID        string              `json:"correlationId"`
	UserID               string              `json:"userId,omitempty"`
	IP                   string              `json:"ip,omitempty"`
	RequiresNotification bool                `json:"requiresNotification"`
	NotificationIDs      []string            `json:"notificationIds,omitempty"`
	SessionsInvalidated  bool                `json:"sessionsInvalidated,omitempty"`
	Details              map[string]any      `json:"details,omitempty"`
	Notes                []Note              `json:"notes"`
	CreatedAt            time.Time           `json:"createdAt"`
	UpdatedAt            time.Time           `json:"updatedAt"`
}

func (i *Incident) clone() *Incident {
	c := *i
	c.Notes = slices.Clone(i.Notes)
	c.NotificationIDs = slices.Clone(i.NotificationIDs)
	c.Details = maps.Clone(i.Details)
	return &c
}

// Filter selects incidents in ListIncidents. Zero fields match everything.
type Filter struct {
	Status   Status
	Type     schema.IncidentType
	Severity schema.Severity
	UserID   string
	Since    time.Time
	Limit    int
}

func (f Filter) matches(i *Incident) bool {
	switch {
	case f.Status != "" && i.Status != f.Status:
		return false
	case f.Type != "" && i.Type != f.Type:
		return false
	case f.Severity != "" && i.Severity != f.Severity:
		return false
	case f.UserID != "" && i.UserID != f.UserID:
		return false
	case !f.Since.IsZero() && i.CreatedAt.Before(f.Since):
		return false
	}
	return true
}

// Stats summarizes the active incident map.
type Stats struct {
	Total      int                         `json:"total"`
	Open       int                         `json:"open"`
	ByStatus   map[Status]int              `json:"byStatus"`
	ByType     map[schema.IncidentType]int `json:"byType"`
	BySeverity map[schema.Severity]int     `json:"bySeverity"`
}
