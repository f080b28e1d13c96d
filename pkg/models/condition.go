package models

import "fmt"

// Operator compares a looked-up value with a condition's value.
type Operator string

const (
	OperatorEquals      Operator = "equals"
	OperatorNotEquals   Operator = "not_equals"
	OperatorGreaterThan Operator = "greater_than"
	OperatorLessThan    Operator = "less_than"
	OperatorExists      Operator = "exists"
)

// Condition is the field/operator/value triple used by skip-conditions,
// CONDITIONAL steps and event trigger matching.
type Condition struct {
	Field    string   `json:"field"           yaml:"field"           validate:"required"`
	Operator Operator `json:"operator"        yaml:"operator"        validate:"required"`
	Value    any      `json:"value,omitempty" yaml:"value,omitempty"`
}

// Known reports whether the operator is one the evaluator implements.
func (o Operator) Known() bool {
	switch o {
	case OperatorEquals, OperatorNotEquals, OperatorGreaterThan, OperatorLessThan, OperatorExists:
		return true
	default:
		return false
	}
}

func (c *Condition) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid condition: %w", err)
	}

	return nil
}
