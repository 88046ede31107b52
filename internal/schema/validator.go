package schema

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	secerrors "sectrail/internal/errors"
)

const validateOp = "validate event"

// fieldSentinels maps struct fields to the domain error reported when they
// fail. Other fields surface the raw validator message.
var fieldSentinels = map[string]error{
	"EventType": secerrors.ErrInvalidEventType,
	"Severity":  secerrors.ErrInvalidSeverity,
}

// ValidatorConfig holds configuration for the validator.
type ValidatorConfig struct {
	// MaxFuture bounds clock skew for producer-supplied timestamps. Zero
	// disables the check.
	MaxFuture time.Duration
}

// DefaultValidatorConfig allows five minutes of skew.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{MaxFuture: 5 * time.Minute}
}

// Validator checks security events before they are persisted.
type Validator struct {
	v   *validator.Validate
	cfg ValidatorConfig
	now func() time.Time
}

// NewValidator creates a Validator with default configuration.
func NewValidator() *Validator {
	return NewValidatorWithConfig(DefaultValidatorConfig())
}

func NewValidatorWithConfig(cfg ValidatorConfig) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("event_type", func(fl validator.FieldLevel) bool {
		return EventType(fl.Field().String()).IsValid()
	})
	_ = v.RegisterValidation("severity", func(fl validator.FieldLevel) bool {
		return Severity(fl.Field().String()).IsValid()
	})
	return &Validator{v: v, cfg: cfg, now: time.Now}
}

// Validate checks ev. Every failure is a validation error; bad event types
// and severities additionally wrap ErrInvalidEventType / ErrInvalidSeverity.
func (val *Validator) Validate(ev *SecurityEvent) error {
	if ev == nil {
		return secerrors.Validation(validateOp, errors.New("event is nil"))
	}
	if err := val.v.Struct(ev); err != nil {
		return secerrors.Validation(validateOp, classify(ev, err))
	}
	if limit := val.cfg.MaxFuture; limit > 0 {
		if skew := ev.Timestamp.Sub(val.now()); skew > limit {
			return secerrors.Validation(validateOp,
				fmt.Errorf("timestamp %s is %s ahead of now (limit %s)", ev.Timestamp.Format(time.RFC3339), skew.Round(time.Second), limit))
		}
	}
	return nil
}

func classify(ev *SecurityEvent, err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	for _, fe := range fieldErrs {
		sentinel, ok := fieldSentinels[fe.StructField()]
		if !ok {
			continue
		}
		return fmt.Errorf("%w: %q", sentinel, fe.Value())
	}
	fe := fieldErrs[0]
	return fmt.Errorf("field %s failed %q", fe.Namespace(), fe.Tag())
}
