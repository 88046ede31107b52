// Package errors defines the error taxonomy shared by the telemetry core and
// helpers that keep internal detail out of user-facing messages.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers that need to branch on failure class.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindStorage
	KindIntegrity
	KindNotFound
	KindDelivery
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindStorage:
		return "storage"
	case KindIntegrity:
		return "integrity"
	case KindNotFound:
		return "not_found"
	case KindDelivery:
		return "delivery"
	default:
		return "unknown"
	}
}

// Kind sentinels. errors.Is(err, ErrStorage) reports whether err carries KindStorage.
var (
	ErrValidation = errors.New("validation error")
	ErrStorage    = errors.New("storage error")
	ErrIntegrity  = errors.New("integrity error")
	ErrNotFound   = errors.New("not found")
	ErrDelivery   = errors.New("delivery error")
)

// Domain sentinels.
var (
	ErrInvalidEventType  = errors.New("invalid event type")
	ErrInvalidSeverity   = errors.New("invalid severity")
	ErrIncidentNotFound  = errors.New("incident not found")
	ErrLedgerWriteFailed = errors.New("audit ledger write failed")
)

// Error is a classified error. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	return target != nil && target == kindSentinel(e.Kind)
}

func kindSentinel(k Kind) error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindStorage:
		return ErrStorage
	case KindIntegrity:
		return ErrIntegrity
	case KindNotFound:
		return ErrNotFound
	case KindDelivery:
		return ErrDelivery
	}
	return nil
}

// E builds a classified error. A nil err yields nil.
func E(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validation wraps err as a validation failure.
func Validation(op string, err error) error { return E(KindValidation, op, err) }

// Storage wraps err as a storage failure.
func Storage(op string, err error) error { return E(KindStorage, op, err) }

// Integrity wraps err as an integrity failure.
func Integrity(op string, err error) error { return E(KindIntegrity, op, err) }

// NotFound wraps err as a missing-resource failure.
func NotFound(op string, err error) error { return E(KindNotFound, op, err) }

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var d *DeliveryError
	if errors.As(err, &d) {
		return KindDelivery
	}
	return KindUnknown
}

// DeliveryError reports a failed outbound channel delivery.
type DeliveryError struct {
	Channel    string
	StatusCode int
	Body       string
	Err        error
}

func (e *DeliveryError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("delivery to %s failed: status %d: %s", e.Channel, e.StatusCode, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("delivery to %s failed: %v", e.Channel, e.Err)
	default:
		return fmt.Sprintf("delivery to %s failed", e.Channel)
	}
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func (e *DeliveryError) Is(target error) bool { return target == ErrDelivery }
