package core

import (
	"reflect"
	"strconv"
	"strings"
)

// Resolve walks a dotted/indexed path against a nested value and returns the
// located value. Bracket syntax is stripped during tokenization, so "a[0].b"
// yields the tokens "a", "0", "b"; a numeric token steps into slices by index
// and into maps as a plain key. Resolution reports ok=false the first time the
// current value is not indexable before the path is exhausted, an index is out
// of range, or a map key is missing. Absence is distinct from a present nil:
// a key that exists with a nil value resolves to (nil, true).
func Resolve(root any, path string) (any, bool) {
	tokens := tokenizePath(path)
	if len(tokens) == 0 {
		return nil, false
	}

	current := root
	for _, token := range tokens {
		next, ok := step(current, token)
		if !ok {
			return nil, false
		}
		current = next
	}

	return current, true
}

// tokenizePath splits a path on dots and brackets, discarding the bracket
// characters themselves. Empty tokens (from "a..b" or trailing dots) are
// dropped.
func tokenizePath(path string) []string {
	tokens := make([]string, 0, 4)
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}

	for _, r := range path {
		switch r {
		case '.', '[', ']':
			flush()
		default:
			current.WriteRune(r)
		}
	}
	flush()

	return tokens
}

func step(current any, token string) (any, bool) {
	if current == nil {
		return nil, false
	}

	switch typed := current.(type) {
	case map[string]any:
		value, ok := typed[token]
		return value, ok
	case []any:
		index, err := strconv.Atoi(token)
		if err != nil || index < 0 || index >= len(typed) {
			return nil, false
		}
		return typed[index], true
	}

	// Typed maps and slices from non-JSON callers are walked reflectively.
	value := reflect.ValueOf(current)
	switch value.Kind() {
	case reflect.Map:
		if value.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		entry := value.MapIndex(reflect.ValueOf(token))
		if !entry.IsValid() {
			return nil, false
		}
		return entry.Interface(), true
	case reflect.Slice, reflect.Array:
		index, err := strconv.Atoi(token)
		if err != nil || index < 0 || index >= value.Len() {
			return nil, false
		}
		return value.Index(index).Interface(), true
	default:
		return nil, false
	}
}
