// Package security masks credentials in persisted logs and transcripts.
// Device CLIs echo whatever is typed, so authenticate steps and secret-bearing
// config lines would otherwise land in the job log verbatim.
package security

import (
	"regexp"
	"strings"
)

const mask = "[REDACTED]"

var (
	// password / secret / key arguments on classic network-CLI config lines
	pwLinePattern = regexp.MustCompile(`(?im)\b(password|secret|key|community)(\s+[0-57])?\s+\S+`)
	// username lines carry the secret as the trailing argument
	userLinePattern = regexp.MustCompile(`(?im)\b(username\s+\S+\s+(?:password|secret)(?:\s+[0-57])?)\s+\S+`)
	// enrollment and API style secrets occasionally pasted into sessions
	kvSecretPattern = regexp.MustCompile(`(?i)\b((?:api[_-]?key|token|passwd|client_secret)\s*[:=]\s*)\S+`)
)

// RedactPayload masks secret-bearing lines in captured CLI output. The line
// structure is preserved so logs stay readable.
func RedactPayload(input string) string {
	if input == "" {
		return ""
	}
	out := userLinePattern.ReplaceAllString(input, "${1} "+mask)
	out = pwLinePattern.ReplaceAllString(out, "${1}${2} "+mask)
	out = kvSecretPattern.ReplaceAllString(out, "${1}"+mask)
	return out
}

// RedactValues masks every occurrence of the given literal secrets, for
// credentials known to the caller such as an authenticate step's password.
func RedactValues(input string, secrets ...string) string {
	for _, s := range secrets {
		if s == "" {
			continue
		}
		input = strings.ReplaceAll(input, s, mask)
	}
	return input
}
