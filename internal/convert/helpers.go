package convert

import "time"

// The helpers below read loosely-typed native records. JSON numbers decode
// as float64, so integer fields go through floats.

func getString(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func getFloat(m map[string]any, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func getInt(m map[string]any, key string) (int, bool) {
	f, ok := getFloat(m, key)
	return int(f), ok
}

func getMap(m map[string]any, key string) map[string]any {
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return nil
}

func getSlice(m map[string]any, key string) []any {
	if v, ok := m[key].([]any); ok {
		return v
	}
	return nil
}

// toFloatRows converts [[a,b,...],[...]] payloads such as rect or path
// arrays; malformed entries are dropped.
func toFloatRows(raw []any) [][]float64 {
	rows := make([][]float64, 0, len(raw))
	for _, r := range raw {
		entries, ok := r.([]any)
		if !ok {
			continue
		}
		row := make([]float64, 0, len(entries))
		for _, e := range entries {
			if f, ok := e.(float64); ok {
				row = append(row, f)
			}
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil
	}
	return rows
}

func floatRowsToAny(rows [][]float64) []any {
	out := make([]any, 0, len(rows))
	for _, row := range rows {
		entries := make([]any, 0, len(row))
		for _, f := range row {
			entries = append(entries, f)
		}
		out = append(out, entries)
	}
	return out
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
