package util

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"go-plm/pkg/apierror"
)

// MaxDisplayNameRunes bounds a stored display name.
const MaxDisplayNameRunes = 120

// SanitizeDisplayName normalizes a user supplied display name to NFC and
// strips control and invisible characters, so that two names that render
// the same are stored the same. The result is never empty.
func SanitizeDisplayName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", apierror.Validation("display name cannot be empty", "display_name")
	}

	builder := strings.Builder{}
	builder.Grow(len(trimmed))

	for _, char := range norm.NFC.String(trimmed) {
		switch {
		case unicode.IsSpace(char):
			builder.WriteByte(' ')
		case unicode.IsControl(char) || isInvisibleUnicode(char):
		default:
			builder.WriteRune(char)
		}
	}

	cleaned := strings.Join(strings.Fields(builder.String()), " ")
	if cleaned == "" {
		return "", apierror.Validation("display name is empty after removing invisible characters", "display_name")
	}

	// Truncate by runes to avoid splitting multi-byte characters.
	runes := []rune(cleaned)
	if len(runes) > MaxDisplayNameRunes {
		cleaned = strings.TrimSpace(string(runes[:MaxDisplayNameRunes]))
	}

	return cleaned, nil
}

// isInvisibleUnicode reports zero-width and other formatting characters
// that could make two display names look identical.
func isInvisibleUnicode(r rune) bool {
	switch r {
	case
		'\u200B', // Zero-Width Space
		'\u200C', // Zero-Width Non-Joiner
		'\u200D', // Zero-Width Joiner
		'\u2060', // Word Joiner
		'\uFEFF', // Zero-Width No-Break Space / BOM
		'\uFFF9', '\uFFFA', '\uFFFB':
		return true
	}

	return unicode.Is(unicode.Cf, r)
}
