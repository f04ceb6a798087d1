package tier3

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/storyprompt/pkg/models"
)

var gateTranscripts = map[string]string{
	"s1": `My father Walter worked at the Ford plant in Detroit. He always said "never look back" when we moved.`,
	"s2": "In 1972 we moved again to Toledo. Walter packed the car at night, like every other time.",
}

func TestGates_Check(t *testing.T) {
	g := NewGates([]string{"Silver Lining"})

	tests := []struct {
		name      string
		candidate Candidate
		want      string
	}{
		{
			name: "quote passes",
			candidate: Candidate{
				Category: models.CategoryDirectQuote,
				Text:     `What did Walter mean when he said "never look back" as you left Detroit?`,
				Quote:    "never look back",
			},
		},
		{
			name: "quote not in any story",
			candidate: Candidate{
				Category: models.CategoryDirectQuote,
				Text:     `What did Walter mean by "keep moving forward"?`,
				Quote:    "keep moving forward",
			},
			want: RejectQuote,
		},
		{
			name: "quote missing from question",
			candidate: Candidate{
				Category: models.CategoryDirectQuote,
				Text:     "What did Walter mean when he talked about Detroit?",
				Quote:    "never look back",
			},
			want: RejectQuote,
		},
		{
			name: "pattern with two stories",
			candidate: Candidate{
				Category:         models.CategoryPattern,
				Text:             "Why did Walter always move the family at night, first from Detroit and then to Toledo?",
				EvidenceStoryIDs: []string{"s1", "s2"},
			},
		},
		{
			name: "pattern evidence counts distinct known stories",
			candidate: Candidate{
				Category:         models.CategoryPattern,
				Text:             "Why did Walter always move the family at night?",
				EvidenceStoryIDs: []string{"s1", "s1", "ghost"},
			},
			want: RejectPattern,
		},
		{
			name: "absence needs a subject",
			candidate: Candidate{
				Category: models.CategoryAbsence,
				Text:     "Who was Walter's brother in Detroit?",
			},
			want: RejectAbsence,
		},
		{
			name: "cost needs both sides",
			candidate: Candidate{
				Category: models.CategoryCost,
				Text:     "What did the Ford plant job give Walter, and what did it take?",
				Gain:     "steady pay",
			},
			want: RejectCost,
		},
		{
			name: "unknown category",
			candidate: Candidate{
				Category: "reflection",
				Text:     "What did Walter love about Detroit?",
			},
			want: RejectCategory,
		},
		{
			name:      "empty text",
			candidate: Candidate{Category: models.CategoryAbsence, Anchor: "Walter", Text: "   "},
			want:      RejectEmpty,
		},
		{
			name: "too long",
			candidate: Candidate{
				Category: models.CategoryAbsence,
				Anchor:   "Walter",
				Text:     "What " + strings.Repeat("long ", 30) + "story did Walter tell?",
			},
			want: RejectTooLong,
		},
		{
			name: "yes or no",
			candidate: Candidate{
				Category: models.CategoryAbsence,
				Anchor:   "Walter",
				Text:     "Did Walter ever talk about Detroit?",
			},
			want: RejectYesNo,
		},
		{
			name: "yes or no behind a leading clause",
			candidate: Candidate{
				Category: models.CategoryAbsence,
				Anchor:   "Grandma Rose",
				Text:     "When Grandma Rose left Ohio in 1965, did you ever forgive her?",
			},
			want: RejectYesNo,
		},
		{
			name: "yes or no after a vocative",
			candidate: Candidate{
				Category: models.CategoryAbsence,
				Anchor:   "Grandma Rose",
				Text:     "Grandma Rose, was leaving Ohio the right choice?",
			},
			want: RejectYesNo,
		},
		{
			name: "yes or no after a short opener",
			candidate: Candidate{
				Category: models.CategoryAbsence,
				Anchor:   "Walter",
				Text:     "After Detroit, is there anything you would tell Walter now?",
			},
			want: RejectYesNo,
		},
		{
			name: "yes or no after a joined clause",
			candidate: Candidate{
				Category: models.CategoryAbsence,
				Anchor:   "Walter",
				Text:     "Walter left Detroit in 1972, and was that the last move?",
			},
			want: RejectYesNo,
		},
		{
			name: "open question after a leading clause",
			candidate: Candidate{
				Category: models.CategoryAbsence,
				Anchor:   "Grandma Rose",
				Text:     "When Grandma Rose left Ohio in 1965, what did she leave behind?",
			},
		},
		{
			name: "auxiliary inside quoted speech",
			candidate: Candidate{
				Category: models.CategoryDirectQuote,
				Text:     `When Walter said, "do it right", what did he want from you?`,
				Quote:    "do it right",
			},
			want: RejectQuote,
		},
		{
			name: "therapy speak",
			candidate: Candidate{
				Category: models.CategoryAbsence,
				Anchor:   "Walter",
				Text:     "How does that make you feel about Walter leaving Detroit?",
			},
			want: RejectBanned,
		},
		{
			name: "configured phrase",
			candidate: Candidate{
				Category: models.CategoryAbsence,
				Anchor:   "Walter",
				Text:     "What was the silver lining of leaving Detroit with Walter?",
			},
			want: RejectBanned,
		},
		{
			name: "generic common nouns",
			candidate: Candidate{
				Category: models.CategoryAbsence,
				Anchor:   "brother",
				Text:     "What was your brother like when you were young?",
			},
			want: RejectGeneric,
		},
		{
			name: "year is specific enough",
			candidate: Candidate{
				Category: models.CategoryAbsence,
				Anchor:   "brother",
				Text:     "What was your brother like in 1972?",
			},
		},
		{
			name: "pronoun I is not a proper noun",
			candidate: Candidate{
				Category: models.CategoryAbsence,
				Anchor:   "brother",
				Text:     "What should I know about your brother?",
			},
			want: RejectGeneric,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tt.candidate
			assert.Equal(t, tt.want, g.Check(&c, gateTranscripts))
		})
	}
}

func TestGates_BannedMatchesWholeWords(t *testing.T) {
	g := NewGates(nil)
	assert.True(t, g.Banned("Where did Walter lean   into the work?"))
	assert.False(t, g.Banned("What did Walter clean in the garage?"))
}

func TestApplyPaywall(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ttl := 30 * 24 * time.Hour

	build := func() []*models.Prompt {
		return []*models.Prompt{{Score: 0.9}, {Score: 0.85}, {Score: 0.8}, {Score: 0.8}}
	}
	locked := func(ps []*models.Prompt) []bool {
		out := make([]bool, len(ps))
		for i, p := range ps {
			out[i] = p.IsLocked
		}
		return out
	}

	tests := []struct {
		name      string
		milestone int
		paid      bool
		want      []bool
	}{
		{"before paywall", 2, false, []bool{false, false, false, false}},
		{"at paywall", 3, false, []bool{false, true, true, true}},
		{"after paywall", 4, false, []bool{true, true, true, true}},
		{"paid at paywall", 3, true, []bool{false, false, false, false}},
		{"paid after paywall", 7, true, []bool{false, false, false, false}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ps := build()
			ApplyPaywall(ps, tt.milestone, 3, tt.paid, now, ttl)
			assert.Equal(t, tt.want, locked(ps))
			for _, p := range ps {
				if p.IsLocked {
					assert.Nil(t, p.ExpiresAt)
				} else {
					require.NotNil(t, p.ExpiresAt)
					assert.Equal(t, now.Add(ttl), *p.ExpiresAt)
				}
			}
		})
	}

	t.Run("disabled paywall", func(t *testing.T) {
		ps := build()
		ApplyPaywall(ps, 10, 0, false, now, ttl)
		assert.Equal(t, []bool{false, false, false, false}, locked(ps))
	})
}

func TestParseAnalysis(t *testing.T) {
	body := `{"profile":{"traits":[{"name":"restless","confidence":0.8,"evidence":["s1"]}],"invisible_rules":["never look back"],"contradictions":[],"core_lessons":["work hard"]},
"prompts":[{"category":"pattern","text":"Why did Walter move at night?","evidence_story_ids":["s1","s2"]}]}`

	tests := []struct {
		name  string
		reply string
	}{
		{"bare", body},
		{"fenced", "```json\n" + body + "\n```"},
		{"fenced without language", "```\n" + body + "\n```"},
		{"prose around", "Here is the analysis:\n" + body + "\nLet me know if you need more."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := ParseAnalysis(tt.reply)
			require.NoError(t, err)
			require.Len(t, a.Profile.Traits, 1)
			assert.Equal(t, "restless", a.Profile.Traits[0].Name)
			assert.InDelta(t, 0.8, a.Profile.Traits[0].Confidence, 1e-9)
			assert.Equal(t, []string{"never look back"}, a.Profile.InvisibleRules)
			require.Len(t, a.Candidates, 1)
			assert.Equal(t, models.CategoryPattern, a.Candidates[0].Category)
			assert.Equal(t, []string{"s1", "s2"}, a.Candidates[0].EvidenceStoryIDs)
		})
	}

	for _, bad := range []string{"", "I could not analyze these stories.", `{"profile": [}`} {
		_, err := ParseAnalysis(bad)
		assert.ErrorIs(t, err, ErrMalformedOutput, "reply %q", bad)
	}
}

func TestSanitizeProfile(t *testing.T) {
	known := map[string]bool{"s1": true}
	p := &models.CharacterProfile{
		Traits: []models.Trait{
			{Name: " ", Confidence: 0.5},
			{Name: "loyal", Confidence: 1.4, Evidence: []string{"s1", "ghost"}},
			{Name: "stubborn", Confidence: -1},
			{Name: "b"}, {Name: "c"}, {Name: "d"}, {Name: "e"},
		},
		InvisibleRules: []string{"a", "", "b", "c", "d"},
		Contradictions: []models.Contradiction{{Description: "x"}, {Description: ""}, {Description: "y"}, {Description: "z"}},
	}
	require.NoError(t, sanitizeProfile(p, known))
	require.Len(t, p.Traits, 5)
	assert.Equal(t, "loyal", p.Traits[0].Name)
	assert.Equal(t, 1.0, p.Traits[0].Confidence)
	assert.Equal(t, []string{"s1"}, p.Traits[0].Evidence)
	assert.Equal(t, 0.0, p.Traits[1].Confidence)
	assert.Equal(t, []string{"a", "b", "c"}, p.InvisibleRules)
	require.Len(t, p.Contradictions, 2)
	assert.Equal(t, "y", p.Contradictions[1].Description)

	empty := &models.CharacterProfile{Traits: []models.Trait{{Name: ""}}}
	assert.ErrorIs(t, sanitizeProfile(empty, known), ErrInvalidProfile)
}

func TestBuildCorpus(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	stories := []*models.Story{
		{ID: "a", CreatedAt: base, Transcript: strings.Repeat("Walter fixed the old truck again. ", 40)},
		{ID: "b", CreatedAt: base.Add(time.Hour), Transcript: "<private>nothing to share</private>"},
		{ID: "c", CreatedAt: base.Add(2 * time.Hour), Transcript: "Call me at jo@example.com about Toledo.", Lesson: "Keep going."},
	}

	t.Run("everything fits", func(t *testing.T) {
		c := BuildCorpus("u1", 3, stories, 10000)
		require.Len(t, c.Stories, 2)
		assert.Equal(t, "a", c.Stories[0].ID)
		assert.Equal(t, "c", c.Stories[1].ID)
		assert.NotContains(t, c.Stories[1].Transcript, "jo@example.com")
		assert.Equal(t, 3, c.Milestone)
		assert.Equal(t, map[string]bool{"a": true, "c": true}, c.IDs())
	})

	t.Run("budget keeps newest", func(t *testing.T) {
		c := BuildCorpus("u1", 3, stories, 60)
		require.Len(t, c.Stories, 1)
		assert.Equal(t, "c", c.Stories[0].ID)
	})

	t.Run("oversized newest story is cut", func(t *testing.T) {
		c := BuildCorpus("u1", 3, stories[:1], 50)
		require.Len(t, c.Stories, 1)
		assert.Less(t, len(c.Stories[0].Transcript), len(stories[0].Transcript))
		assert.LessOrEqual(t, countTokens(c.Stories[0].Transcript), 50-storyOverhead)
	})
}

func TestBuildCorpusPayload(t *testing.T) {
	c := &Corpus{Milestone: 4, Stories: []CorpusStory{{
		ID:         "s1",
		RecordedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Transcript: "Walter drove to Toledo.",
		Lesson:     strings.Repeat("x", maxLessonLen+10),
	}}}
	out := buildCorpusPayload(c)
	assert.Contains(t, out, `<corpus milestone="4" stories="1">`)
	assert.Contains(t, out, `<story id="s1" recorded_at="2026-01-02T03:04:05Z">`)
	assert.Contains(t, out, "<transcript>Walter drove to Toledo.</transcript>")
	assert.Contains(t, out, "... (truncated)</lesson>")
}
