package tier1

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/storyprompt/internal/anchor"
	"github.com/thebtf/storyprompt/internal/templates"
	"github.com/thebtf/storyprompt/pkg/models"
)

// memorySink emulates the store's open-anchor uniqueness.
type memorySink struct {
	mu      sync.Mutex
	open    map[string]bool
	prompts []*models.Prompt
	err     error
}

func newMemorySink() *memorySink {
	return &memorySink{open: make(map[string]bool)}
}

func (s *memorySink) InsertPrompt(_ context.Context, p *models.Prompt) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	key := p.UserID + "|" + p.AnchorHash
	if s.open[key] {
		return false, nil
	}
	s.open[key] = true
	s.prompts = append(s.prompts, p)
	return true, nil
}

type fixedCounter map[string]int

func (c fixedCounter) CountMentions(_ context.Context, _, phrase string) (int, error) {
	return c[phrase], nil
}

func grandmaStory() *models.Story {
	return &models.Story{
		ID:         "story-3",
		UserID:     "u1",
		Transcript: "In 1965 Grandma Rose taught me to bake bread. Rose hummed while she worked.",
	}
}

func TestGenerate_GrandmaRose(t *testing.T) {
	sink := newMemorySink()
	gen := NewGenerator(templates.Default(), nil, sink, 0)

	res := gen.Generate(context.Background(), grandmaStory())

	require.Len(t, res.Inserted, 1)
	p := res.Inserted[0]
	assert.Equal(t, "Grandma Rose", p.AnchorEntity)
	assert.Equal(t, 1965, p.AnchorYear)
	assert.Equal(t, models.MemoryPerson, p.MemoryType)
	assert.Equal(t, anchor.Hash("Grandma Rose", models.MemoryPerson, 1965), p.AnchorHash)
	assert.Equal(t, models.StateActive, p.State)
	assert.Equal(t, models.TierTemplate, p.Tier)
	assert.Contains(t, p.Text, "Grandma Rose")
	assert.NotEmpty(t, p.ID)
	require.NotNil(t, p.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(DefaultTTL), *p.ExpiresAt, time.Minute)

	origin, ok := p.Origin.(models.TemplateOrigin)
	require.True(t, ok)
	assert.Equal(t, "story-3", origin.StoryID)
}

func TestGenerate_IsIdempotent(t *testing.T) {
	sink := newMemorySink()
	gen := NewGenerator(templates.Default(), nil, sink, 0)

	first := gen.Generate(context.Background(), grandmaStory())
	second := gen.Generate(context.Background(), grandmaStory())

	assert.Len(t, first.Inserted, 1)
	assert.Empty(t, second.Inserted)
	assert.Equal(t, 1, second.Duplicates)
	assert.Len(t, sink.prompts, 1)
}

func TestGenerate_SameMemoryFromDifferentStoriesCollides(t *testing.T) {
	sink := newMemorySink()
	gen := NewGenerator(templates.Default(), nil, sink, 0)

	gen.Generate(context.Background(), grandmaStory())
	res := gen.Generate(context.Background(), &models.Story{
		ID:         "story-4",
		UserID:     "u1",
		Year:       1965,
		Transcript: "We visited Grandma Rose on Sundays.",
	})

	for _, p := range res.Inserted {
		assert.NotEqual(t, "Grandma Rose", p.AnchorEntity)
	}
	assert.Equal(t, 1, res.Duplicates)
}

func TestGenerate_CapsAtThree(t *testing.T) {
	sink := newMemorySink()
	gen := NewGenerator(templates.Default(), nil, sink, 0)

	res := gen.Generate(context.Background(), &models.Story{
		ID:     "s",
		UserID: "u1",
		Transcript: "We met Alice and Walter at Union Station. Later we drove to Chicago " +
			"with Uncle Frank, and I still keep my mother's old ring.",
	})
	assert.Len(t, res.Inserted, MaxPrompts)
}

func TestGenerate_StorageFailureIsSwallowed(t *testing.T) {
	sink := newMemorySink()
	sink.err = errors.New("database is locked")
	gen := NewGenerator(templates.Default(), nil, sink, 0)

	res := gen.Generate(context.Background(), grandmaStory())
	assert.Empty(t, res.Inserted)
	assert.Equal(t, 1, res.Failed)
}

func TestGenerate_NoEntities(t *testing.T) {
	gen := NewGenerator(templates.Default(), nil, newMemorySink(), 0)
	res := gen.Generate(context.Background(), &models.Story{UserID: "u1", Transcript: "it was a quiet year."})
	assert.Empty(t, res.Inserted)
}

func TestScore_UsesCorpusMentions(t *testing.T) {
	story := grandmaStory()
	plain := NewGenerator(templates.Default(), nil, newMemorySink(), 0).Candidates(context.Background(), story)
	counted := NewGenerator(templates.Default(), fixedCounter{"Grandma Rose": 3}, newMemorySink(), 0).Candidates(context.Background(), story)

	require.Len(t, plain, 1)
	require.Len(t, counted, 1)
	assert.InDelta(t, plain[0].Score+0.1, counted[0].Score, 0.0001)
	assert.Contains(t, counted[0].ScoreReason, "in 2 other stories")
}

func TestCandidates_AreDeterministic(t *testing.T) {
	gen := NewGenerator(templates.Default(), nil, newMemorySink(), 0)
	a := gen.Candidates(context.Background(), grandmaStory())
	b := gen.Candidates(context.Background(), grandmaStory())
	require.Len(t, a, len(b))
	for i := range a {
		assert.Equal(t, a[i].Text, b[i].Text)
		assert.Equal(t, a[i].AnchorHash, b[i].AnchorHash)
	}
}

func TestCapitalizeFirst(t *testing.T) {
	tests := map[string]string{
		"":                "",
		"walter":          "Walter",
		"élise's kitchen": "Élise's kitchen",
		"ørsted street":   "Ørsted street",
		"Already upper":   "Already upper",
	}
	for in, want := range tests {
		assert.Equal(t, want, capitalizeFirst(in), in)
	}
}
