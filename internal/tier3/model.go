package tier3

import (
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/thebtf/storyprompt/internal/llm"
	"github.com/thebtf/storyprompt/pkg/models"
)

// ModelAnalyzer is the Analyzer backed by a text-generation model.
type ModelAnalyzer struct {
	completer llm.Completer
}

// NewModelAnalyzer wraps a completer.
func NewModelAnalyzer(completer llm.Completer) *ModelAnalyzer {
	return &ModelAnalyzer{completer: completer}
}

type modelProfile struct {
	Traits         []models.Trait         `json:"traits"`
	InvisibleRules []string               `json:"invisible_rules"`
	Contradictions []models.Contradiction `json:"contradictions"`
	CoreLessons    []string               `json:"core_lessons"`
}

type modelOutput struct {
	Profile modelProfile `json:"profile"`
	Prompts []Candidate  `json:"prompts"`
}

// Analyze sends the corpus to the model and parses its reply.
func (a *ModelAnalyzer) Analyze(ctx context.Context, corpus *Corpus) (*Analysis, error) {
	reply, err := a.completer.Complete(ctx, systemInstructions, buildCorpusPayload(corpus))
	if err != nil {
		return nil, fmt.Errorf("analysis call: %w", err)
	}
	analysis, err := ParseAnalysis(reply)
	if err != nil {
		return nil, err
	}
	analysis.ModelVersion = a.completer.Model()
	return analysis, nil
}

// ParseAnalysis decodes a model reply. Replies wrapped in a markdown fence or
// surrounded by prose are accepted as long as one JSON object can be cut out.
func ParseAnalysis(reply string) (*Analysis, error) {
	raw := extractJSON(reply)
	if raw == "" {
		return nil, fmt.Errorf("%w: no JSON object in reply", ErrMalformedOutput)
	}
	var out modelOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return &Analysis{
		Profile: models.CharacterProfile{
			Traits:         out.Profile.Traits,
			InvisibleRules: out.Profile.InvisibleRules,
			Contradictions: out.Profile.Contradictions,
			CoreLessons:    out.Profile.CoreLessons,
		},
		Candidates: out.Prompts,
	}, nil
}

func extractJSON(reply string) string {
	s := strings.TrimSpace(reply)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}
