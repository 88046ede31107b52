// Package alerting raises alerts and incident notifications and delivers them
// to the configured outbound channels.
package alerting

import (
	"context"
	"time"

	"sectrail/internal/schema"
)

// Message is the JSON body posted to channels.
type Message struct {
	Type          string          `json:"type"`
	Severity      schema.Severity `json:"severity"`
	Title         string          `json:"title"`
	Message       string          `json:"message"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlationId,omitempty"`
	AlertID       string          `json:"alertId,omitempty"`
	IncidentID    string          `json:"incidentId,omitempty"`
	Details       map[string]any  `json:"details,omitempty"`
}

// Channel delivers messages to one destination.
type Channel interface {
	Name() string
	Type() string
	Send(ctx context.Context, msg *Message) error
}

// DeliveryStatus is the outcome of a channel attempt.
type DeliveryStatus string

const (
	DeliverySent   DeliveryStatus = "sent"
	DeliveryFailed DeliveryStatus = "failed"
)

// DeliveryRecord is the per-channel result of one delivery attempt.
type DeliveryRecord struct {
	Channel    string         `json:"channel"`
	Type       string         `json:"type"`
	Status     DeliveryStatus `json:"status"`
	Timestamp  time.Time      `json:"timestamp"`
	DurationMs int64          `json:"durationMs"`
	StatusCode int            `json:"statusCode,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Alert is a persisted alert record.
type Alert struct {
	ID            string           `json:"id"`
	Type          string           `json:"type"`
	Severity      schema.Severity  `json:"severity"`
	CorrelationID string           `json:"correlationId,omitempty"`
	Title         string           `json:"title"`
	Message       string           `json:"message"`
	Timestamp     time.Time        `json:"timestamp"`
	Details       map[string]any   `json:"details,omitempty"`
	Deliveries    []DeliveryRecord `json:"deliveries,omitempty"`
}

// AlertInput describes an alert to raise.
type AlertInput struct {
	Severity      schema.Severity
	CorrelationID string
	Title         string
	Message       string
	Details       map[string]any
}

// Notification is an incident notification request.
type Notification struct {
	IncidentID string
	Severity   schema.Severity
	Title      string
	Message    string
	Details    map[string]any
}

// ChannelResult is one channel's entry in a notification record.
type ChannelResult struct {
	Type      string         `json:"type"`
	Name      string         `json:"name"`
	Status    DeliveryStatus `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Error     string         `json:"error,omitempty"`
}

// NotificationRecord is the persisted result of a notification.
type NotificationRecord struct {
	ID         string          `json:"id"`
	IncidentID string          `json:"incidentId"`
	Severity   schema.Severity `json:"severity"`
	Title      string          `json:"title"`
	Message    string          `json:"message"`
	CreatedAt  time.Time       `json:"createdAt"`
	Channels   []ChannelResult `json:"channels"`
}
