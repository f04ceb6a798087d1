// Package anchor derives content-addressed keys identifying "this memory
// subject in this time period". Two prompts with the same anchor hash are
// duplicates for the same user.
package anchor

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"unicode"

	"github.com/thebtf/storyprompt/pkg/models"
)

// leadingDeterminers are dropped so "my father's watch" and "father's watch" collide.
var leadingDeterminers = []string{"my ", "our ", "his ", "her ", "their ", "the ", "a ", "an "}

// Normalize lower-cases the entity, strips punctuation and collapses whitespace.
func Normalize(entity string) string {
	var b strings.Builder
	b.Grow(len(entity))
	for _, r := range strings.ToLower(entity) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '\'' || r == '’':
			// "Rose's" and "Roses" should not diverge on the apostrophe.
		default:
			b.WriteRune(' ')
		}
	}
	normalized := strings.Join(strings.Fields(b.String()), " ")
	for _, d := range leadingDeterminers {
		if trimmed, ok := strings.CutPrefix(normalized+" ", d); ok && strings.TrimSpace(trimmed) != "" {
			normalized = strings.TrimSpace(trimmed)
			break
		}
	}
	return normalized
}

// Hash returns the anchor hash for (entity, memory type, year). A zero year
// means the period is unknown. The user id is deliberately not part of the
// key: uniqueness is enforced per user by the store.
func Hash(entity string, memoryType models.MemoryType, year int) string {
	key := Normalize(entity) + "|" + string(memoryType) + "|" + strconv.Itoa(year)
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
