package tier3

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const maxLessonLen = 600

// systemInstructions describes the output contract. The wording is kept
// short; quality is enforced by the gates, not by the instructions.
const systemInstructions = `You read a person's recorded life stories and respond with one JSON object and nothing else.

Shape:
{
  "profile": {
    "traits": [{"name": "...", "confidence": 0.0, "evidence": ["<story id>"]}],
    "invisible_rules": ["..."],
    "contradictions": [{"description": "...", "evidence": ["<story id>"]}],
    "core_lessons": ["..."]
  },
  "prompts": [{
    "category": "direct_quote|pattern|absence|cost",
    "text": "...",
    "context_note": "...",
    "anchor": "...",
    "quote": "...",
    "evidence_story_ids": ["<story id>"],
    "gain": "...",
    "loss": "..."
  }]
}

Profile: 3 to 5 traits with confidence between 0 and 1, 2 to 3 invisible rules, at most 2 contradictions.

Prompts: 8 to 12 open questions spread across the four categories.
- direct_quote: copy an exact phrase from one story into "quote" and into the question; ask what it meant.
- pattern: name a choice repeated in at least two stories, list them in "evidence_story_ids"; ask where it started.
- absence: name in "anchor" a person or topic that matters but is rarely mentioned; ask gently.
- cost: fill "gain" and "loss" with a tradeoff the stories show; ask what it weighed.

Every question is at most 30 words, cannot be answered with yes or no, and names a specific person, place, year or quoted phrase.`

// buildCorpusPayload renders the corpus as the user message.
func buildCorpusPayload(c *Corpus) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("<corpus milestone=\"%d\" stories=\"%d\">\n", c.Milestone, len(c.Stories)))
	for _, s := range c.Stories {
		sb.WriteString(fmt.Sprintf("  <story id=\"%s\" recorded_at=\"%s\">\n", s.ID, s.RecordedAt.UTC().Format(time.RFC3339)))
		sb.WriteString(fmt.Sprintf("    <transcript>%s</transcript>\n", s.Transcript))
		if s.Lesson != "" {
			sb.WriteString(fmt.Sprintf("    <lesson>%s</lesson>\n", truncate(s.Lesson, maxLessonLen)))
		}
		sb.WriteString("  </story>\n")
	}
	sb.WriteString("</corpus>")
	return sb.String()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "... (truncated)"
}
