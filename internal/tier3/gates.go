package tier3

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/thebtf/storyprompt/pkg/models"
)

// MaxWords is the longest Tier-3 prompt allowed.
const MaxWords = 30

// Rejection reasons, also used as metric labels.
const (
	RejectCategory     = "category"
	RejectEmpty        = "empty"
	RejectTooLong      = "too_long"
	RejectYesNo        = "yes_no"
	RejectBanned       = "banned_phrase"
	RejectGeneric      = "generic"
	RejectQuote        = "quote_not_found"
	RejectPattern      = "pattern_evidence"
	RejectAbsence      = "absence_subject"
	RejectCost         = "cost_tradeoff"
	RejectDuplicate    = "duplicate_anchor"
	RejectOverlap      = "tier1_overlap"
	RejectSimilar      = "similar_candidate"
	RejectCategoryFull = "category_full"
	RejectOverCap      = "over_cap"
)

// TherapySpeak is the built-in phrase blocklist.
var TherapySpeak = []string{
	"how does that make you feel",
	"how did that make you feel",
	"how do you feel about",
	"unpack",
	"hold space",
	"holding space",
	"lean into",
	"your journey",
	"healing journey",
	"inner child",
	"safe space",
	"self-care",
	"validate your feelings",
	"sit with that",
	"sit with those feelings",
	"process your feelings",
	"trauma response",
	"set boundaries",
	"toxic",
	"authentic self",
	"your truth",
	"growth mindset",
	"vulnerable",
}

// yesNoOpeners are auxiliaries that start closed questions.
var yesNoOpeners = map[string]bool{
	"do": true, "does": true, "did": true,
	"is": true, "are": true, "was": true, "were": true, "am": true,
	"have": true, "has": true, "had": true,
	"can": true, "could": true, "would": true, "will": true, "should": true,
	"shall": true, "may": true, "might": true,
}

// clauseJoiners may precede a clause's first real word.
var clauseJoiners = map[string]bool{
	"and": true, "but": true, "or": true, "so": true, "then": true, "yet": true,
}

var (
	clauseRegex = regexp.MustCompile(`[,;:.?!]+`)
	yearRegex   = regexp.MustCompile(`\b(1[89]\d\d|20\d\d)s?\b`)
	quotedRegex = regexp.MustCompile(`["“”][^"“”]{2,}["“”]`)
	wordRegex   = regexp.MustCompile(`[\p{L}\p{N}'’-]+`)
	spaceRegex  = regexp.MustCompile(`\s+`)
)

// Gates enforces quality rules on Tier-3 candidates. Failing candidates are
// dropped, never repaired.
type Gates struct {
	banned []string
}

// NewGates creates gates with the built-in blocklist plus extra phrases.
func NewGates(extra []string) *Gates {
	g := &Gates{}
	for _, p := range append(append([]string{}, TherapySpeak...), extra...) {
		if p = normalizeSpace(strings.ToLower(p)); p != "" {
			g.banned = append(g.banned, p)
		}
	}
	return g
}

// Check returns "" when c passes every gate, or the first failing reason.
// transcripts are the cleaned transcripts the model saw, keyed by story id.
func (g *Gates) Check(c *Candidate, transcripts map[string]string) string {
	if !c.Category.Valid() {
		return RejectCategory
	}
	text := normalizeSpace(c.Text)
	if text == "" {
		return RejectEmpty
	}
	words := wordRegex.FindAllString(text, -1)
	if len(words) > MaxWords {
		return RejectTooLong
	}
	if closedQuestion(text) {
		return RejectYesNo
	}
	if g.containsBanned(text) {
		return RejectBanned
	}
	if !hasSpecificReferent(text) {
		return RejectGeneric
	}

	switch c.Category {
	case models.CategoryDirectQuote:
		quote := normalizeSpace(strings.Trim(c.Quote, `"“” `))
		if quote == "" || !containsFold(text, quote) || !quotedInCorpus(quote, transcripts) {
			return RejectQuote
		}
	case models.CategoryPattern:
		if countEvidence(c.EvidenceStoryIDs, transcripts) < 2 {
			return RejectPattern
		}
	case models.CategoryAbsence:
		if strings.TrimSpace(c.Anchor) == "" {
			return RejectAbsence
		}
	case models.CategoryCost:
		if strings.TrimSpace(c.Gain) == "" || strings.TrimSpace(c.Loss) == "" {
			return RejectCost
		}
	}
	return ""
}

// Banned reports whether text contains a blocklisted phrase.
func (g *Gates) Banned(text string) bool {
	return g.containsBanned(normalizeSpace(text))
}

func (g *Gates) containsBanned(text string) bool {
	padded := " " + strings.ToLower(strings.Join(wordRegex.FindAllString(text, -1), " ")) + " "
	for _, phrase := range g.banned {
		p := " " + strings.Join(wordRegex.FindAllString(phrase, -1), " ") + " "
		if strings.Contains(padded, p) {
			return true
		}
	}
	return false
}

// closedQuestion reports whether any clause opens with an auxiliary, which
// catches yes/no questions behind a leading clause or a vocative such as
// "When you left Ohio, did you..." or "Grandma Rose, was it...". Quoted
// speech is ignored.
func closedQuestion(text string) bool {
	for _, clause := range clauseRegex.Split(quotedRegex.ReplaceAllString(text, " quote "), -1) {
		words := wordRegex.FindAllString(clause, -1)
		for len(words) > 0 && clauseJoiners[strings.ToLower(words[0])] {
			words = words[1:]
		}
		if len(words) > 0 && yesNoOpeners[strings.ToLower(words[0])] {
			return true
		}
	}
	return false
}

// hasSpecificReferent reports whether text names something concrete: a
// capitalized word past the first word of a sentence, a quoted phrase or a
// year.
func hasSpecificReferent(text string) bool {
	if yearRegex.MatchString(text) || quotedRegex.MatchString(text) {
		return true
	}
	sentenceStart := true
	for _, field := range strings.Fields(text) {
		word := strings.TrimLeft(field, `"'“‘(`)
		if word == "" {
			continue
		}
		first := []rune(word)[0]
		if !sentenceStart && unicode.IsUpper(first) && word != "I" && !strings.HasPrefix(word, "I'") && !strings.HasPrefix(word, "I’") {
			return true
		}
		end := strings.TrimRight(field, `"'”’)`)
		sentenceStart = strings.HasSuffix(end, ".") || strings.HasSuffix(end, "?") || strings.HasSuffix(end, "!")
	}
	return false
}

func quotedInCorpus(quote string, transcripts map[string]string) bool {
	for _, t := range transcripts {
		if containsFold(normalizeSpace(t), quote) {
			return true
		}
	}
	return false
}

func countEvidence(ids []string, transcripts map[string]string) int {
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := transcripts[id]; ok {
			seen[id] = true
		}
	}
	return len(seen)
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

func normalizeSpace(s string) string {
	return strings.TrimSpace(spaceRegex.ReplaceAllString(s, " "))
}
