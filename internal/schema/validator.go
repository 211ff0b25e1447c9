package schema

import (
	"fmt"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
)

// binaryPattern rejects binary names containing control characters or shell
// metacharacters that never occur in a real executable name.
var binaryPattern = regexp.MustCompile(`^[^\x00-\x1f|;&$<>]+$`)

// Validator handles validation of events against the canonical schema.
type Validator struct {
	validate  *validator.Validate
	maxAge    time.Duration
	maxFuture time.Duration
}

// ValidatorConfig holds configuration for the validator.
type ValidatorConfig struct {
	MaxAge    time.Duration
	MaxFuture time.Duration
}

// DefaultValidatorConfig returns the default validator configuration.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxAge:    7 * 24 * time.Hour,
		MaxFuture: 5 * time.Minute,
	}
}

// NewValidator creates a new Validator with default configuration.
func NewValidator() *Validator {
	return NewValidatorWithConfig(DefaultValidatorConfig())
}

// NewValidatorWithConfig creates a new Validator with the specified configuration.
func NewValidatorWithConfig(cfg ValidatorConfig) *Validator {
	v := validator.New()

	v.RegisterValidation("binary_format", func(fl validator.FieldLevel) bool {
		return binaryPattern.MatchString(fl.Field().String())
	})

	return &Validator{
		validate:  v,
		maxAge:    cfg.MaxAge,
		maxFuture: cfg.MaxFuture,
	}
}

// Validate validates an event against the canonical schema.
// Returns an error if validation fails.
func (v *Validator) Validate(event *Event) error {
	if err := v.validate.Struct(event); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	if event.NormalizedBinary() == "" {
		return fmt.Errorf("binary normalizes to empty string: %q", event.Binary)
	}

	// Timestamp bounds check
	now := time.Now().UTC()

	if event.ObservedAt.IsZero() {
		return fmt.Errorf("observed_at is required")
	}

	if event.ObservedAt.Before(now.Add(-v.maxAge)) {
		return fmt.Errorf("observed_at too old: %v (max age: %v)", event.ObservedAt, v.maxAge)
	}

	if event.ObservedAt.After(now.Add(v.maxFuture)) {
		return fmt.Errorf("observed_at in future: %v (max future: %v)", event.ObservedAt, v.maxFuture)
	}

	return nil
}
