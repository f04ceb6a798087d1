// Package similarity provides text similarity and clustering utilities for
// prompt text.
package similarity

import (
	"strings"
	"unicode"

	"github.com/thebtf/storyprompt/pkg/models"
)

// stopWords are dropped before comparison; question scaffolding would
// otherwise make every prompt look alike.
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true,
	"was": true, "were": true, "be": true, "been": true, "being": true,
	"have": true, "has": true, "had": true, "do": true, "does": true,
	"did": true, "will": true, "would": true, "could": true, "should": true,
	"may": true, "might": true, "must": true, "shall": true,
	"this": true, "that": true, "these": true, "those": true,
	"and": true, "or": true, "but": true, "if": true, "then": true,
	"for": true, "from": true, "with": true, "about": true, "into": true,
	"to": true, "of": true, "in": true, "on": true, "at": true, "by": true,
	"it": true, "its": true, "which": true, "who": true, "what": true,
	"when": true, "where": true, "how": true, "why": true,
	"you": true, "your": true, "yours": true, "still": true, "back": true,
	"think": true, "remember": true, "tell": true,
}

// ClusterPrompts groups similar prompts and returns one representative per
// cluster. Prompts should be sorted by preference (e.g. score); the first
// one in each cluster is kept.
func ClusterPrompts(prompts []*models.Prompt, similarityThreshold float64) []*models.Prompt {
	if len(prompts) <= 1 {
		return prompts
	}

	termSets := make([]map[string]bool, len(prompts))
	for i, p := range prompts {
		termSets[i] = PromptTerms(p)
	}

	clustered := make([]bool, len(prompts))
	result := make([]*models.Prompt, 0, len(prompts))

	for i := 0; i < len(prompts); i++ {
		if clustered[i] {
			continue
		}
		result = append(result, prompts[i])
		clustered[i] = true

		for j := i + 1; j < len(prompts); j++ {
			if clustered[j] {
				continue
			}
			if JaccardSimilarity(termSets[i], termSets[j]) >= similarityThreshold {
				clustered[j] = true
			}
		}
	}

	return result
}

// IsSimilarToAny checks if a prompt is similar to any existing prompt.
func IsSimilarToAny(p *models.Prompt, existing []*models.Prompt, similarityThreshold float64) bool {
	if len(existing) == 0 {
		return false
	}

	terms := PromptTerms(p)
	if len(terms) == 0 {
		return false
	}

	for _, other := range existing {
		if JaccardSimilarity(terms, PromptTerms(other)) >= similarityThreshold {
			return true
		}
	}

	return false
}

// PromptTerms extracts meaningful terms from a prompt's text and anchor.
func PromptTerms(p *models.Prompt) map[string]bool {
	terms := make(map[string]bool)
	addTerms(terms, p.Text)
	addTerms(terms, p.AnchorEntity)
	return terms
}

// Terms extracts meaningful terms from free text.
func Terms(text string) map[string]bool {
	terms := make(map[string]bool)
	addTerms(terms, text)
	return terms
}

// addTerms tokenizes text and adds meaningful terms to the set.
func addTerms(terms map[string]bool, text string) {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	for _, word := range words {
		if len([]rune(word)) >= 3 && !stopWords[word] {
			terms[word] = true
		}
	}
}

// JaccardSimilarity calculates the Jaccard similarity between two term sets.
// Returns a value between 0 (no overlap) and 1 (identical).
func JaccardSimilarity(set1, set2 map[string]bool) float64 {
	if len(set1) == 0 && len(set2) == 0 {
		return 1.0
	}
	if len(set1) == 0 || len(set2) == 0 {
		return 0.0
	}

	intersection := 0
	for term := range set1 {
		if set2[term] {
			intersection++
		}
	}

	union := len(set1) + len(set2) - intersection
	if union == 0 {
		return 0.0
	}

	return float64(intersection) / float64(union)
}
