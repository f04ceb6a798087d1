package tier3

import (
	"time"

	"github.com/thebtf/storyprompt/pkg/models"
)

// ApplyPaywall sets IsLocked and ExpiresAt on prompts, which must be sorted
// by descending score. Before the paywall milestone everything is unlocked.
// At it only the first prompt is unlocked; after it everything is locked.
// Paid users are never locked. Locked prompts get no expiry until unlocked.
func ApplyPaywall(prompts []*models.Prompt, milestone, paywall int, paid bool, now time.Time, ttl time.Duration) {
	for i, p := range prompts {
		switch {
		case paid || paywall <= 0 || milestone < paywall:
			p.IsLocked = false
		case milestone == paywall:
			p.IsLocked = i > 0
		default:
			p.IsLocked = true
		}
		if p.IsLocked {
			p.ExpiresAt = nil
			continue
		}
		exp := now.Add(ttl)
		p.ExpiresAt = &exp
	}
}

// Profile list limits.
const (
	maxTraits         = 5
	maxRules          = 3
	maxContradictions = 2
)

// sanitizeProfile validates and bounds a model profile in place.
func sanitizeProfile(p *models.CharacterProfile, known map[string]bool) error {
	traits := p.Traits[:0]
	for _, t := range p.Traits {
		if normalizeSpace(t.Name) == "" {
			continue
		}
		t.Name = normalizeSpace(t.Name)
		t.Confidence = min(max(t.Confidence, 0), 1)
		t.Evidence = knownIDs(t.Evidence, known)
		traits = append(traits, t)
	}
	if len(traits) == 0 {
		return ErrInvalidProfile
	}
	p.Traits = limit(traits, maxTraits)
	p.InvisibleRules = limit(nonBlank(p.InvisibleRules), maxRules)

	contradictions := p.Contradictions[:0]
	for _, c := range p.Contradictions {
		if normalizeSpace(c.Description) == "" {
			continue
		}
		c.Evidence = knownIDs(c.Evidence, known)
		contradictions = append(contradictions, c)
	}
	p.Contradictions = limit(contradictions, maxContradictions)
	p.CoreLessons = nonBlank(p.CoreLessons)
	return nil
}

func knownIDs(ids []string, known map[string]bool) []string {
	var out []string
	for _, id := range ids {
		if known[id] {
			out = append(out, id)
		}
	}
	return out
}

func nonBlank(in []string) []string {
	var out []string
	for _, s := range in {
		if s = normalizeSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func limit[T any](s []T, n int) []T {
	if len(s) > n {
		return s[:n]
	}
	return s
}
