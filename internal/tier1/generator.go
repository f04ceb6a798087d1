// Package tier1 synthesizes cheap, deterministic prompts from a single story
// using the template library.
package tier1

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/storyprompt/internal/anchor"
	"github.com/thebtf/storyprompt/internal/extract"
	"github.com/thebtf/storyprompt/internal/templates"
	"github.com/thebtf/storyprompt/pkg/models"
)

const (
	// MaxPrompts is the most prompts one story can yield.
	MaxPrompts = 3
	// DefaultTTL is how long a Tier-1 prompt stays active.
	DefaultTTL = 7 * 24 * time.Hour
)

// Base scores per entity type. People are recorded against most often.
var baseScores = map[models.EntityType]float64{
	models.EntityPerson: 0.6,
	models.EntityPlace:  0.45,
	models.EntityObject: 0.5,
}

// MentionCounter reports how many of a user's stories mention a phrase.
type MentionCounter interface {
	CountMentions(ctx context.Context, userID, phrase string) (int, error)
}

// PromptSink stores prompts. A false return without error means the anchor
// is already open for the user.
type PromptSink interface {
	InsertPrompt(ctx context.Context, p *models.Prompt) (bool, error)
}

// Result summarizes one generation pass.
type Result struct {
	Inserted   []*models.Prompt
	Duplicates int
	Failed     int
}

// Generator produces Tier-1 prompts.
type Generator struct {
	library  *templates.Library
	mentions MentionCounter
	sink     PromptSink
	ttl      time.Duration
	now      func() time.Time
}

// NewGenerator creates a generator. mentions may be nil, in which case only
// in-story frequency contributes to the score.
func NewGenerator(library *templates.Library, mentions MentionCounter, sink PromptSink, ttl time.Duration) *Generator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Generator{
		library:  library,
		mentions: mentions,
		sink:     sink,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Candidates builds up to MaxPrompts prompts for a story without storing them.
// The result depends only on the transcript, the story year, the template
// catalog and corpus mention counts.
func (g *Generator) Candidates(ctx context.Context, story *models.Story) []*models.Prompt {
	res := extract.Extract(story.Transcript, story.Year)
	if len(res.Entities) == 0 {
		return nil
	}

	now := g.now()
	expires := now.Add(g.ttl)
	candidates := make([]*models.Prompt, 0, len(res.Entities))
	for _, e := range res.Entities {
		memType := e.MemoryType()
		hash := anchor.Hash(e.Name, memType, res.Year)
		tpl, ok := g.library.Pick(e.Type, memType, res.Year > 0, hash)
		if !ok {
			continue
		}
		score, reason := g.score(ctx, story, e, res.Year)
		candidates = append(candidates, &models.Prompt{
			CreatedAt:    now,
			ExpiresAt:    &expires,
			Origin:       models.TemplateOrigin{TemplateID: tpl.ID, EntityType: e.Type, StoryID: story.ID},
			UserID:       story.UserID,
			Text:         capitalizeFirst(tpl.Render(e.Display, res.Year)),
			ContextNote:  fmt.Sprintf("You mentioned %s in a recent story.", e.Display),
			MemoryType:   memType,
			AnchorEntity: e.Name,
			AnchorHash:   hash,
			ScoreReason:  reason,
			State:        models.StateActive,
			Tier:         models.TierTemplate,
			AnchorYear:   res.Year,
			Score:        score,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	if len(candidates) > MaxPrompts {
		candidates = candidates[:MaxPrompts]
	}
	return candidates
}

// Generate builds and stores prompts for a newly saved story. It never
// returns an error: duplicates are expected and other storage failures are
// logged, so story saving is never affected.
func (g *Generator) Generate(ctx context.Context, story *models.Story) Result {
	var result Result
	for _, p := range g.Candidates(ctx, story) {
		p.ID = uuid.NewString()
		inserted, err := g.sink.InsertPrompt(ctx, p)
		switch {
		case err != nil:
			result.Failed++
			log.Warn().Err(err).
				Str("user_id", story.UserID).
				Str("story_id", story.ID).
				Str("anchor_entity", p.AnchorEntity).
				Msg("Tier-1 prompt insert failed")
		case !inserted:
			result.Duplicates++
			log.Debug().
				Str("user_id", story.UserID).
				Str("anchor_entity", p.AnchorEntity).
				Msg("Tier-1 prompt anchor already open")
		default:
			result.Inserted = append(result.Inserted, p)
		}
	}
	return result
}

// score ranks an entity by type, in-story mentions, how many stories in the
// corpus mention it and whether it is anchored in time.
func (g *Generator) score(ctx context.Context, story *models.Story, e extract.Entity, year int) (float64, string) {
	score := baseScores[e.Type]
	reasons := []string{string(e.Type)}

	if e.Mentions > 1 {
		score += min(0.05*float64(e.Mentions-1), 0.15)
		reasons = append(reasons, fmt.Sprintf("%d mentions", e.Mentions))
	}

	if g.mentions != nil {
		n, err := g.mentions.CountMentions(ctx, story.UserID, e.Name)
		if err != nil {
			log.Debug().Err(err).Str("user_id", story.UserID).Msg("Mention count unavailable")
		} else if others := n - 1; others > 0 {
			// The story being scored is already saved and counts itself.
			score += min(0.05*float64(others), 0.15)
			reasons = append(reasons, fmt.Sprintf("in %d other stories", others))
		}
	}

	if year > 0 {
		score += 0.1
		reasons = append(reasons, fmt.Sprintf("year %d", year))
	}

	return min(score, 1.0), strings.Join(reasons, "; ")
}

func capitalizeFirst(s string) string {
	if s == "" {
		return s
	}
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + s[size:]
}
