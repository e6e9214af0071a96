package core

import (
	"reflect"
	"strings"
)

// EvaluateSegment reports whether the context belongs to the segment. A
// segment with no conditions matches every context. Condition results combine
// with every-semantics for AND and some-semantics for OR.
func EvaluateSegment(segment Segment, context UserContext) bool {
	if len(segment.Conditions) == 0 {
		return true
	}

	if segment.Operator == CombineOr {
		for _, condition := range segment.Conditions {
			if EvaluateCondition(condition, context) {
				return true
			}
		}
		return false
	}

	for _, condition := range segment.Conditions {
		if !EvaluateCondition(condition, context) {
			return false
		}
	}
	return true
}

// EvaluateSegments returns the ids of every segment the context belongs to,
// in catalog order.
func EvaluateSegments(segments []Segment, context UserContext) []string {
	matched := make([]string, 0, len(segments))
	for _, segment := range segments {
		if EvaluateSegment(segment, context) {
			matched = append(matched, segment.ID)
		}
	}
	return matched
}

// EvaluateCondition resolves the condition's field against the context and
// applies its operator. Every failure mode (absent field, uncomparable
// values, unknown operator) evaluates to false rather than erroring; this
// sits on the hot per-request path and is deliberately fail-closed.
func EvaluateCondition(condition Condition, context UserContext) bool {
	resolved, present := Resolve(context.lookupRoot(), condition.Field)

	switch condition.Operator {
	case OperatorEquals:
		return equalsCondition(resolved, present, condition.Value)
	case OperatorNotEquals:
		return !equalsCondition(resolved, present, condition.Value)
	case OperatorContains:
		if !present {
			return false
		}
		return containsCondition(resolved, condition.Value)
	case OperatorGreaterThan:
		return orderedCondition(resolved, present, condition.Value, func(c int) bool { return c > 0 })
	case OperatorLessThan:
		return orderedCondition(resolved, present, condition.Value, func(c int) bool { return c < 0 })
	case OperatorGTE:
		return orderedCondition(resolved, present, condition.Value, func(c int) bool { return c >= 0 })
	case OperatorLTE:
		return orderedCondition(resolved, present, condition.Value, func(c int) bool { return c <= 0 })
	case OperatorIn:
		if !present {
			return false
		}
		return valueInList(resolved, condition.Value)
	case OperatorNotIn:
		if !present {
			return true
		}
		return !valueInList(resolved, condition.Value)
	default:
		return false
	}
}

// equalsCondition treats an absent field and a null condition value as equal,
// so not_equals stays an exact negation even around missing data.
func equalsCondition(resolved any, present bool, expected any) bool {
	if !present {
		return expected == nil
	}
	if resolved == nil || expected == nil {
		return resolved == nil && expected == nil
	}
	return valuesEqual(resolved, expected)
}

// containsCondition checks list membership by deep equality when the resolved
// value is a list, and case-insensitive substring containment over
// stringified values otherwise.
func containsCondition(resolved any, expected any) bool {
	value := reflect.ValueOf(resolved)
	if value.IsValid() && (value.Kind() == reflect.Slice || value.Kind() == reflect.Array) {
		for i := 0; i < value.Len(); i++ {
			if valuesEqual(value.Index(i).Interface(), expected) {
				return true
			}
		}
		return false
	}

	haystack, ok := asText(resolved)
	if !ok {
		return false
	}
	needle, ok := asText(expected)
	if !ok {
		return false
	}

	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

// orderedCondition guards the comparison operators: an absent field or an
// uncomparable pairing is false, never a NaN-style accident.
func orderedCondition(resolved any, present bool, expected any, accept func(int) bool) bool {
	if !present {
		return false
	}
	ordering, ok := compareValues(resolved, expected)
	if !ok {
		return false
	}
	return accept(ordering)
}

// valueInList reports whether any element of the condition's list value
// deep-equals the resolved value. A non-list condition value matches nothing.
func valueInList(resolved any, listValue any) bool {
	values := reflect.ValueOf(listValue)
	if !values.IsValid() {
		return false
	}
	if values.Kind() != reflect.Slice && values.Kind() != reflect.Array {
		return false
	}

	for i := 0; i < values.Len(); i++ {
		if valuesEqual(resolved, values.Index(i).Interface()) {
			return true
		}
	}

	return false
}
