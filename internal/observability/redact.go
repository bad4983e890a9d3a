package observability

import "strings"

const redactPrefixLen = 4

// RedactSecret keeps a short prefix of a credential and elides the rest.
func RedactSecret(secret string) string {
	trimmed := strings.TrimSpace(secret)
	if trimmed == "" {
		return ""
	}
	if len(trimmed) <= redactPrefixLen {
		return "..."
	}
	return trimmed[:redactPrefixLen] + "..."
}
