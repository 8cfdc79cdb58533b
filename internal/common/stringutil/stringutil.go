// Package stringutil provides small string helpers shared across the
// orchestrator's human-facing output paths.
package stringutil

// TruncateString returns at most maxLen leading bytes of s.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// TruncateStringWithEllipsis truncates s to maxLen bytes, replacing the tail
// with "..." when anything was cut. Below maxLen 4 it degrades to a plain
// truncation.
func TruncateStringWithEllipsis(s string, maxLen int) string {
	if maxLen < 4 {
		return TruncateString(s, maxLen)
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
