package repository

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// EncodeValue flattens a value into its stored text form: strings are kept
// as-is, integers in decimal, and sequences/mappings as JSON.
func EncodeValue(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case bool:
		return strconv.FormatBool(t), nil
	case nil:
		return "null", nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "", fmt.Errorf("repository: encode value: %w", err)
		}
		return string(b), nil
	}
}

// DecodeValue parses a stored text value back: JSON first, then integer,
// then the raw string.
func DecodeValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return s
}

// DecodeFields applies DecodeValue to every field of a stored record.
func DecodeFields(fields map[string]string) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = DecodeValue(v)
	}
	return out
}
