package logutil

import "strings"

// SanitizeForLog strips newlines, tabs and other control characters from
// user-provided strings so they cannot forge extra log entries.
func SanitizeForLog(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteRune(' ')
		case r < 32:
			// drop remaining control characters
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
