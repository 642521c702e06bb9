package util

import (
	"regexp"
)

var idempotencyKeyRegex = regexp.MustCompile(`^[A-Za-z0-9_.:\-]{8,128}$`)

// IsValidIdempotencyKey accepts UUIDs and similar opaque client tokens
func IsValidIdempotencyKey(s string) bool {
	if s == "" {
		return false
	}
	return idempotencyKeyRegex.MatchString(s)
}
