// Package condition evaluates boolean predicate trees against an
// execution's variable context. Evaluation is pure and total: every
// operator yields true or false, never an error.
package condition

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/weft-labs/weft/internal/interp"
	"github.com/weft-labs/weft/pkg/schema"
)

// Evaluate resolves cond.Field against vars and applies the operator.
// When NestedConditions is present, each nested condition is evaluated
// recursively and combined with the top-level result per
// LogicalOperator: "and" requires all, "or" requires any; an absent or
// unknown operator ignores the nested conditions.
func Evaluate(cond *schema.WorkflowCondition, vars map[string]any) bool {
	if cond == nil {
		return true
	}

	result := evaluateLeaf(cond, vars)

	if len(cond.NestedConditions) == 0 {
		return result
	}

	switch cond.LogicalOperator {
	case "and":
		for i := range cond.NestedConditions {
			result = result && Evaluate(&cond.NestedConditions[i], vars)
		}
		return result
	case "or":
		for i := range cond.NestedConditions {
			result = result || Evaluate(&cond.NestedConditions[i], vars)
		}
		return result
	default:
		return result
	}
}

func evaluateLeaf(cond *schema.WorkflowCondition, vars map[string]any) bool {
	fieldVal, found := interp.Lookup(cond.Field, vars)

	switch cond.Operator {
	case schema.OpExists:
		return found && fieldVal != nil
	case schema.OpNotExists:
		return !found || fieldVal == nil
	case schema.OpEquals:
		return valuesEqual(fieldVal, cond.Value)
	case schema.OpNotEquals:
		return !valuesEqual(fieldVal, cond.Value)
	case schema.OpContains:
		return strings.Contains(toString(fieldVal), toString(cond.Value))
	case schema.OpNotContains:
		return !strings.Contains(toString(fieldVal), toString(cond.Value))
	case schema.OpGreaterThan:
		// NaN comparisons are false, so non-numeric operands fail closed.
		return toNumber(fieldVal) > toNumber(cond.Value)
	case schema.OpLessThan:
		return toNumber(fieldVal) < toNumber(cond.Value)
	default:
		return false
	}
}

// valuesEqual compares after normalizing numeric types, so a JSON
// float64(5) equals an int(5) from a Go literal or YAML decode.
func valuesEqual(a, b any) bool {
	na, aNum := asNumber(a)
	nb, bNum := asNumber(b)
	if aNum && bNum {
		return na == nb
	}
	return a == b
}

func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// toNumber coerces v to a float64, yielding NaN for anything that is
// not a number or a numeric string.
func toNumber(v any) float64 {
	if n, ok := asNumber(v); ok {
		return n
	}
	return math.NaN()
}

func asNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint64:
		return float64(t), true
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
