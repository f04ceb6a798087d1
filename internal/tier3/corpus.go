package tier3

import (
	"sync"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"

	"github.com/thebtf/storyprompt/internal/privacy"
	"github.com/thebtf/storyprompt/pkg/models"
)

// DefaultMaxCorpusTokens bounds the corpus sent in one analysis call.
const DefaultMaxCorpusTokens = 12000

// storyOverhead approximates the tokens spent on per-story markup.
const storyOverhead = 24

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
	codecErr  error
)

// countTokens counts cl100k tokens, falling back to a byte estimate when the
// codec is unavailable.
func countTokens(s string) int {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
		if codecErr != nil {
			log.Warn().Err(codecErr).Msg("tokenizer unavailable, estimating corpus size")
		}
	})
	if codecErr != nil {
		return len(s)/4 + 1
	}
	ids, _, err := codec.Encode(s)
	if err != nil {
		return len(s)/4 + 1
	}
	return len(ids)
}

// BuildCorpus prepares stories for the analyzer. Transcripts are cleaned for
// an external call and fully private stories are skipped. When the corpus
// exceeds maxTokens the most recent stories are kept; the result stays in
// recording order.
func BuildCorpus(userID string, milestone int, stories []*models.Story, maxTokens int) *Corpus {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxCorpusTokens
	}
	c := &Corpus{UserID: userID, Milestone: milestone}

	cleaned := make([]CorpusStory, 0, len(stories))
	for _, s := range stories {
		if privacy.IsEntirelyPrivate(s.Transcript) {
			continue
		}
		cleaned = append(cleaned, CorpusStory{
			ID:         s.ID,
			RecordedAt: s.CreatedAt,
			Transcript: privacy.ForModel(s.Transcript),
			Lesson:     privacy.ForModel(s.Lesson),
		})
	}

	budget := maxTokens
	start := len(cleaned)
	for i := len(cleaned) - 1; i >= 0; i-- {
		cost := storyOverhead + countTokens(cleaned[i].Transcript) + countTokens(cleaned[i].Lesson)
		if cost <= budget {
			budget -= cost
			start = i
			continue
		}
		if start == len(cleaned) {
			// The newest story alone is over budget: keep a prefix of it.
			s := cleaned[i]
			s.Lesson = ""
			s.Transcript = shrink(s.Transcript, budget-storyOverhead)
			cleaned[i] = s
			start = i
		}
		break
	}
	c.Stories = cleaned[start:]
	return c
}

// shrink cuts text to roughly tokens tokens on a rune boundary.
func shrink(text string, tokens int) string {
	if tokens <= 0 {
		return ""
	}
	for n := countTokens(text); n > tokens && text != ""; n = countTokens(text) {
		cut := len(text) * tokens / n
		if cut >= len(text) {
			cut = len(text) - 1
		}
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	return text
}
