package chat

import (
	"regexp"
	"strings"
)

// truncationSuffix is appended when a tool result is cut at the byte cap.
const truncationSuffix = "\n[truncated at 75KB]"

// secretPatterns is the fixed scrub set applied to every tool result
// before it enters the transcript. Order matters: PEM blocks go first so
// their base64 body is not partially eaten by the blob rule.
var secretPatterns = []*regexp.Regexp{
	// PEM-armored key material
	regexp.MustCompile(`(?s)-----BEGIN [A-Z0-9 ]+-----.*?-----END [A-Z0-9 ]+-----`),
	// Authorization: Bearer <token>
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]{8,}=*`),
	// Cookie / Set-Cookie header lines
	regexp.MustCompile(`(?im)^(set-cookie|cookie):[^\r\n]*`),
	// api-key style headers and assignments
	regexp.MustCompile(`(?i)(x-api-key|api[_-]?key|authorization)\s*[:=]\s*[^\s,;]+`),
	// long base64 blobs (tokens, blobs, inline attachments)
	regexp.MustCompile(`[A-Za-z0-9+/]{200,}={0,2}`),
}

const redacted = "[REDACTED]"

// SanitizeSecrets strips credential-shaped material from tool output so
// it never reaches the transcript or the provider.
func SanitizeSecrets(s string) string {
	for _, re := range secretPatterns {
		s = re.ReplaceAllString(s, redacted)
	}
	return s
}

// TruncateResult byte-truncates a tool result at the last newline before
// the cap and marks the cut. Inputs at or under the cap pass through.
func TruncateResult(s string, maxBytes int) string {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s
	}
	cut := strings.LastIndexByte(s[:maxBytes], '\n')
	if cut <= 0 {
		cut = maxBytes
	}
	return s[:cut] + truncationSuffix
}
