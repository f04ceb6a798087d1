// Package tier3 runs corpus-wide analysis at story-count milestones: it asks
// a text-generation model for a character profile and candidate prompts,
// enforces quality gates, applies the paywall and commits the result as one
// replace-not-append transaction.
package tier3

import (
	"context"
	"errors"
	"time"

	"github.com/thebtf/storyprompt/pkg/models"
)

var (
	// ErrEmptyCorpus is returned when a user has no analyzable stories.
	ErrEmptyCorpus = errors.New("no analyzable stories")
	// ErrMalformedOutput is returned when the model reply cannot be parsed.
	ErrMalformedOutput = errors.New("malformed analysis output")
	// ErrInvalidProfile is returned when the profile has no traits.
	ErrInvalidProfile = errors.New("analysis profile has no traits")
	// ErrNoPrompts is returned when every candidate prompt was rejected.
	ErrNoPrompts = errors.New("no analysis prompts survived quality gates")
	// ErrAlreadyClaimed is returned when the milestone is running or done.
	ErrAlreadyClaimed = errors.New("milestone analysis already claimed")
)

// CorpusStory is one story as seen by the analyzer.
type CorpusStory struct {
	RecordedAt time.Time
	ID         string
	Transcript string
	Lesson     string
}

// Corpus is the analyzer input: a user's stories in recording order.
type Corpus struct {
	UserID    string
	Stories   []CorpusStory
	Milestone int
}

// IDs returns the story ids in the corpus.
func (c *Corpus) IDs() map[string]bool {
	ids := make(map[string]bool, len(c.Stories))
	for _, s := range c.Stories {
		ids[s.ID] = true
	}
	return ids
}

// Candidate is a prompt proposed by the analyzer, before quality gates.
type Candidate struct {
	Category         models.Category `json:"category"`
	Text             string          `json:"text"`
	ContextNote      string          `json:"context_note,omitempty"`
	Anchor           string          `json:"anchor,omitempty"`
	Quote            string          `json:"quote,omitempty"`
	Gain             string          `json:"gain,omitempty"`
	Loss             string          `json:"loss,omitempty"`
	EvidenceStoryIDs []string        `json:"evidence_story_ids,omitempty"`
}

// Analysis is the analyzer output.
type Analysis struct {
	Profile      models.CharacterProfile
	Candidates   []Candidate
	ModelVersion string
}

// Analyzer extracts a profile and candidate prompts from a corpus.
type Analyzer interface {
	Analyze(ctx context.Context, corpus *Corpus) (*Analysis, error)
}

// AnalyzerFunc adapts a function to Analyzer.
type AnalyzerFunc func(ctx context.Context, corpus *Corpus) (*Analysis, error)

// Analyze implements Analyzer.
func (f AnalyzerFunc) Analyze(ctx context.Context, corpus *Corpus) (*Analysis, error) {
	return f(ctx, corpus)
}
