package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Templated URLs are only checked once rendered, see ValidateURL.
	_ = v.RegisterValidation("url_or_template", func(fl validator.FieldLevel) bool {
		value := fl.Field().String()
		if strings.Contains(value, "{{") {
			return true
		}

		return v.Var(value, "url") == nil
	})

	return v
}

// ValidateURL checks a rendered URL.
func ValidateURL(raw string) error {
	if err := validate.Var(raw, "required,url"); err != nil {
		return fmt.Errorf("invalid url %q: %w", raw, err)
	}

	return nil
}

var (
	// ErrInvalidWorkflow is returned when a workflow definition breaks a structural rule.
	ErrInvalidWorkflow = errors.New("invalid workflow")

	// ErrUnsupportedStepType is returned for a step type with no config schema.
	ErrUnsupportedStepType = errors.New("unsupported step type")

	// ErrInvalidStepConfig is returned when a step config payload fails validation.
	ErrInvalidStepConfig = errors.New("invalid step config")

	// ErrUnsupportedTriggerType is returned for an unknown trigger type.
	ErrUnsupportedTriggerType = errors.New("unsupported trigger type")

	// ErrInvalidTriggerConfig is returned when a trigger config payload fails validation.
	ErrInvalidTriggerConfig = errors.New("invalid trigger config")
)

// StepConfigError carries the schema violations found in a step config payload.
type StepConfigError struct {
	StepType StepType
	Details  []string
	Err      error
}

func (e *StepConfigError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("%s config for %s: %s", e.Err, e.StepType, strings.Join(e.Details, "; "))
	}

	return fmt.Sprintf("%s config for %s", e.Err, e.StepType)
}

func (e *StepConfigError) Unwrap() error {
	return e.Err
}

func (e *StepConfigError) Is(target error) bool {
	return errors.Is(e.Err, target)
}
