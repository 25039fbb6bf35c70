package common

import "strconv"

// AtoiDefault parses value as an integer and falls back to def for empty or
// malformed input. Meant for optional numeric query parameters.
func AtoiDefault(value string, def int) int {
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}
