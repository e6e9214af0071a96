package core

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"sync"
	"time"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// collator backs the lexicographic fallback for ordering comparisons. A
// collate.Collator is not safe for concurrent use, so access is serialized.
var (
	collatorMu sync.Mutex
	collator   = collate.New(language.Und)
)

// valuesEqual reports deep equality between a resolved context value and a
// condition value. Instants compare by time.Equal, numerics compare across
// int/uint/float representations without losing precision on large integers,
// and composite values fall back to structural equality. A nil on both sides
// is equal.
func valuesEqual(left any, right any) bool {
	if leftTime, ok := left.(time.Time); ok {
		if rightTime, ok := asInstant(right); ok {
			return leftTime.Equal(rightTime)
		}
		return false
	}
	if rightTime, ok := right.(time.Time); ok {
		if leftTime, ok := asInstant(left); ok {
			return leftTime.Equal(rightTime)
		}
		return false
	}

	if leftInt, ok := asInt64(left); ok {
		if rightInt, ok := asInt64(right); ok {
			return leftInt == rightInt
		}
		if rightUint, ok := asUint64(right); ok {
			if leftInt < 0 {
				return false
			}
			return uint64(leftInt) == rightUint
		}
		if rightFloat, ok := asFloat64(right); ok {
			return floatEqualsInt64(rightFloat, leftInt)
		}
	}

	if leftUint, ok := asUint64(left); ok {
		if rightUint, ok := asUint64(right); ok {
			return leftUint == rightUint
		}
		if rightInt, ok := asInt64(right); ok {
			if rightInt < 0 {
				return false
			}
			return leftUint == uint64(rightInt)
		}
		if rightFloat, ok := asFloat64(right); ok {
			return floatEqualsUint64(rightFloat, leftUint)
		}
	}

	if leftFloat, ok := asFloat64(left); ok {
		if rightFloat, ok := asFloat64(right); ok {
			return leftFloat == rightFloat
		}
		if rightInt, ok := asInt64(right); ok {
			return floatEqualsInt64(leftFloat, rightInt)
		}
		if rightUint, ok := asUint64(right); ok {
			return floatEqualsUint64(leftFloat, rightUint)
		}
	}

	return reflect.DeepEqual(left, right)
}

// compareValues orders a resolved value against a condition value, returning
// a negative/zero/positive result. Instants order by time, numerics (including
// numeric strings) order numerically, and anything else falls back to a
// collated string comparison. ok=false means neither side is orderable, which
// callers must treat as a failed comparison.
func compareValues(left any, right any) (int, bool) {
	if leftTime, ok := asInstant(left); ok {
		if rightTime, ok := asInstant(right); ok {
			return leftTime.Compare(rightTime), true
		}
	}

	if leftNum, ok := asNumber(left); ok {
		if rightNum, ok := asNumber(right); ok {
			switch {
			case leftNum < rightNum:
				return -1, true
			case leftNum > rightNum:
				return 1, true
			default:
				return 0, true
			}
		}
	}

	leftText, leftOK := asText(left)
	rightText, rightOK := asText(right)
	if !leftOK || !rightOK {
		return 0, false
	}

	collatorMu.Lock()
	defer collatorMu.Unlock()
	return collator.CompareString(leftText, rightText), true
}

// asInstant accepts time.Time values and RFC 3339 strings.
func asInstant(value any) (time.Time, bool) {
	switch typed := value.(type) {
	case time.Time:
		return typed, true
	case string:
		if parsed, err := time.Parse(time.RFC3339, typed); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

// asNumber widens any numeric type, and numeric strings, to float64 for
// ordering. Exact large-integer equality goes through valuesEqual instead.
func asNumber(value any) (float64, bool) {
	if number, ok := asFloat64(value); ok {
		return number, true
	}
	if number, ok := asInt64(value); ok {
		return float64(number), true
	}
	if number, ok := asUint64(value); ok {
		return float64(number), true
	}
	if text, ok := value.(string); ok {
		if parsed, err := strconv.ParseFloat(text, 64); err == nil && !math.IsNaN(parsed) {
			return parsed, true
		}
	}
	return 0, false
}

// asText stringifies scalar values for collated comparison and substring
// matching. Composite values are not orderable.
func asText(value any) (string, bool) {
	switch typed := value.(type) {
	case nil:
		return "", false
	case string:
		return typed, true
	case bool:
		return strconv.FormatBool(typed), true
	case time.Time:
		return typed.Format(time.RFC3339), true
	}

	kind := reflect.ValueOf(value).Kind()
	if kind == reflect.Slice || kind == reflect.Array || kind == reflect.Map || kind == reflect.Struct {
		return "", false
	}

	return fmt.Sprint(value), true
}

func asInt64(value any) (int64, bool) {
	switch number := value.(type) {
	case int:
		return int64(number), true
	case int8:
		return int64(number), true
	case int16:
		return int64(number), true
	case int32:
		return int64(number), true
	case int64:
		return number, true
	default:
		return 0, false
	}
}

func asUint64(value any) (uint64, bool) {
	switch number := value.(type) {
	case uint:
		return uint64(number), true
	case uint8:
		return uint64(number), true
	case uint16:
		return uint64(number), true
	case uint32:
		return uint64(number), true
	case uint64:
		return number, true
	default:
		return 0, false
	}
}

func asFloat64(value any) (float64, bool) {
	switch number := value.(type) {
	case float32:
		return float64(number), true
	case float64:
		return number, true
	default:
		return 0, false
	}
}

func floatEqualsInt64(left float64, right int64) bool {
	if !isWholeFinite(left) {
		return false
	}
	if left < float64(math.MinInt64) || left > float64(math.MaxInt64) {
		return false
	}

	converted := int64(left)
	return float64(converted) == left && converted == right
}

func floatEqualsUint64(left float64, right uint64) bool {
	if !isWholeFinite(left) {
		return false
	}
	if left < 0 || left > float64(math.MaxUint64) {
		return false
	}

	converted := uint64(left)
	return float64(converted) == left && converted == right
}

func isWholeFinite(value float64) bool {
	return !math.IsNaN(value) && !math.IsInf(value, 0) && math.Trunc(value) == value
}
