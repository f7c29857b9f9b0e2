// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"encoding/json"
	"strings"
	"time"
	"unicode"
)

// The relational schema speaks snake_case while every public payload speaks
// camelCase. The mapper converts key casing on dynamic documents (the
// transactions JSONB column, event metadata) at the store boundary. It walks
// maps and slices only; timestamps and other opaque values pass through
// untouched.

// SnakeToCamelKeys converts every map key in doc from snake_case to camelCase.
func SnakeToCamelKeys(doc any) any {
	return mapKeys(doc, snakeToCamel)
}

// CamelToSnakeKeys converts every map key in doc from camelCase to snake_case.
func CamelToSnakeKeys(doc any) any {
	return mapKeys(doc, camelToSnake)
}

func mapKeys(doc any, convert func(string) string) any {
	switch v := doc.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, value := range v {
			out[convert(key)] = mapKeys(value, convert)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, value := range v {
			out[i] = mapKeys(value, convert)
		}
		return out
	case time.Time, *time.Time, json.RawMessage:
		// opaque: preserved as-is
		return v
	default:
		return v
	}
}

func snakeToCamel(s string) string {
	parts := strings.Split(s, "_")
	if len(parts) == 1 {
		return s
	}
	var b strings.Builder
	b.WriteString(parts[0])
	for _, part := range parts[1:] {
		if part == "" {
			continue
		}
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(part[1:])
	}
	return b.String()
}

func camelToSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
