// Package conditions evaluates field/operator/value triples against step
// results or event data.
//
// An unknown operator evaluates to true. Callers that care should check
// models.Operator.Known and warn.
package conditions

import (
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/dukex/stepflow/pkg/datapath"
	"github.com/dukex/stepflow/pkg/models"
)

// Evaluate checks a condition against the step results of a run. The field
// names a prior step id; "<step>.<path>" reaches into that step's result when
// no step is literally named that way. A nil condition is true.
func Evaluate(condition *models.Condition, stepResults map[string]any) bool {
	if condition == nil {
		return true
	}

	value, _ := StepField(stepResults, condition.Field)

	return Compare(condition.Operator, value, condition.Value)
}

// EvaluateAll checks every condition against a flat data document, e.g. an
// event payload. Fields are looked up as keys first, then as dotted paths.
// An empty list is true.
func EvaluateAll(conditions []models.Condition, data map[string]any) bool {
	for i := range conditions {
		value, _ := DataField(data, conditions[i].Field)

		if !Compare(conditions[i].Operator, value, conditions[i].Value) {
			return false
		}
	}

	return true
}

// StepField resolves a condition field against step results.
func StepField(stepResults map[string]any, field string) (any, bool) {
	if value, ok := stepResults[field]; ok {
		return value, value != nil
	}

	stepID, path, found := strings.Cut(field, ".")
	if !found {
		return nil, false
	}

	result, ok := stepResults[stepID]
	if !ok {
		return nil, false
	}

	return datapath.Lookup(result, path)
}

// DataField resolves a condition field against a data document.
func DataField(data map[string]any, field string) (any, bool) {
	if value, ok := data[field]; ok {
		return value, value != nil
	}

	if !strings.Contains(field, ".") {
		return nil, false
	}

	return datapath.Lookup(data, field)
}

// Compare applies operator to the looked-up value and the expected value.
func Compare(operator models.Operator, actual, expected any) bool {
	switch operator {
	case models.OperatorEquals:
		return equal(actual, expected)
	case models.OperatorNotEquals:
		return !equal(actual, expected)
	case models.OperatorGreaterThan:
		return toNumber(actual) > toNumber(expected)
	case models.OperatorLessThan:
		return toNumber(actual) < toNumber(expected)
	case models.OperatorExists:
		return actual != nil
	default:
		return true
	}
}

// equal is strict about kinds: 5 equals 5.0 but not "5".
func equal(a, b any) bool {
	if an, ok := numeric(a); ok {
		bn, ok := numeric(b)

		return ok && an == bn
	}

	na, errA := datapath.Normalize(a)
	nb, errB := datapath.Normalize(b)

	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}

	return reflect.DeepEqual(na, nb)
}

func numeric(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}

// toNumber coerces a value for ordering comparisons. Values with no numeric
// reading become NaN, which compares false against everything.
func toNumber(value any) float64 {
	if n, ok := numeric(value); ok {
		return n
	}

	switch v := value.(type) {
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return 0
		}

		n, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return math.NaN()
		}

		return n
	case bool:
		if v {
			return 1
		}

		return 0
	default:
		return math.NaN()
	}
}
