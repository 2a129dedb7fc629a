package orchestrate

import "fmt"

// requireString extracts a non-empty string from args by key.
func requireString(args map[string]any, key string) (string, error) {
	v, _ := args[key].(string)
	if v == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return v, nil
}

// optionalString extracts a string from args by key, "" when absent.
func optionalString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

// optionalInt extracts a number from args by key, returning the
// fallback when absent or not a number.
func optionalInt(args map[string]any, key string, fallback int) int {
	if v, ok := args[key].(float64); ok {
		return int(v)
	}
	return fallback
}

// stringList coerces a JSON array argument into []string, skipping
// non-string elements. Returns nil when the key is absent.
func stringList(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
