// Package privacy cleans story transcripts before they are analyzed or sent
// to an external text-generation service.
package privacy

import (
	"regexp"
	"strings"
)

var (
	// privateTagRegex matches <private>...</private> spans a storyteller marked off-limits.
	privateTagRegex = regexp.MustCompile(`(?is)<private>.*?</private>`)

	emailRegex = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)

	// phoneRegex matches 7+ digit phone numbers with common separators.
	phoneRegex = regexp.MustCompile(`\+?\(?\d{3}\)?[\s.\-]?\d{3}[\s.\-]?\d{4}\b`)

	spaceRegex = regexp.MustCompile(`[ \t]+`)
)

const (
	emailMask = "[email]"
	phoneMask = "[phone]"
)

// StripPrivate removes all <private>...</private> content.
func StripPrivate(text string) string {
	return privateTagRegex.ReplaceAllString(text, "")
}

// MaskContacts replaces email addresses and phone numbers with placeholders.
func MaskContacts(text string) string {
	text = emailRegex.ReplaceAllString(text, emailMask)
	return phoneRegex.ReplaceAllString(text, phoneMask)
}

// IsEntirelyPrivate reports whether nothing remains after private spans are removed.
func IsEntirelyPrivate(text string) bool {
	return strings.TrimSpace(StripPrivate(text)) == ""
}

// Clean prepares a transcript for local entity extraction.
func Clean(text string) string {
	text = StripPrivate(text)
	text = spaceRegex.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// ForModel prepares a transcript for an external model call.
func ForModel(text string) string {
	return MaskContacts(Clean(text))
}
