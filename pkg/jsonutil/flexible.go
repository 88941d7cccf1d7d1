// Package jsonutil coerces loosely typed JSON values. Models are not
// strict about tool-call argument types; a numeric id may arrive as a
// number one turn and a string the next.
package jsonutil

import (
	"encoding/json"
	"fmt"
)

// FlexibleString coerces a decoded JSON value to its string form.
// Integral floats render without a decimal point.
func FlexibleString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	case bool:
		return fmt.Sprintf("%t", val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}

// StringArg extracts a string argument from a decoded tool-call argument
// map, coercing scalar types. Missing keys yield the empty string.
func StringArg(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	v, ok := args[key]
	if !ok {
		return ""
	}
	return FlexibleString(v)
}
