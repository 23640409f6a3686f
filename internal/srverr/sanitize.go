package srverr

import (
	"regexp"
	"strings"
)

const (
	maxErrorTextLen = 500
	maxSQLLen       = 200
)

// credentialPattern matches key=value pairs whose key names a credential.
// The value runs to the next whitespace, comma, or semicolon.
var credentialPattern = regexp.MustCompile(`(?i)\b(password|passwd|pwd|user|username|token)=[^\s,;]+`)

// urlCredentialPattern matches the userinfo section of a connection URL.
var urlCredentialPattern = regexp.MustCompile(`(\w+)://[^/@\s]+@`)

// SanitizeErrorText redacts credential material from driver error text and
// caps its length so oversized vendor messages cannot flood responses.
func SanitizeErrorText(text string) string {
	out := credentialPattern.ReplaceAllString(text, "$1=[REDACTED]")
	out = urlCredentialPattern.ReplaceAllString(out, "$1://[REDACTED]@")
	if len(out) > maxErrorTextLen {
		out = out[:maxErrorTextLen] + "... [truncated]"
	}
	return out
}

// SanitizeSQL collapses whitespace in a statement and caps its length for
// inclusion in error context.
func SanitizeSQL(sql string) string {
	out := strings.Join(strings.Fields(sql), " ")
	if len(out) > maxSQLLen {
		out = out[:maxSQLLen] + "... [truncated]"
	}
	return out
}
