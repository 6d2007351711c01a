package cache

import (
	"regexp"
	"strings"

	"github.com/nulpointcorp/llm-router/internal/providers"
)

// maxCanonicalChars caps the text sent to the embedding API. Longer
// conversations are truncated from the front — the tail carries the question
// actually being asked.
const maxCanonicalChars = 32 * 1024

// tagPattern is the strict allowlist for model strings used as vector-index
// tag filters. Anything outside it bypasses the cache entirely, so tag-syntax
// metacharacters (brackets, braces, wildcards) can never reach a query.
var tagPattern = regexp.MustCompile(`^[A-Za-z0-9._:/-]{1,128}$`)

// Canonicalize flattens a conversation into "role: content" lines, one per
// message, bounded to maxCanonicalChars.
func Canonicalize(messages []providers.Message) string {
	var sb strings.Builder
	for i, m := range messages {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
	}

	s := sb.String()
	if len(s) > maxCanonicalChars {
		s = s[len(s)-maxCanonicalChars:]
	}
	return s
}

// ValidTag reports whether model is safe to use as a tag filter value.
func ValidTag(model string) bool {
	return tagPattern.MatchString(model)
}

// EscapeTag backslash-escapes every non-alphanumeric rune for RediSearch tag
// syntax. Validation already restricts the alphabet; escaping is defense in
// depth for the characters the allowlist admits (".", "_", ":", "/", "-").
func EscapeTag(model string) string {
	var sb strings.Builder
	sb.Grow(len(model) * 2)
	for _, r := range model {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		default:
			sb.WriteByte('\\')
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
