package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/storyprompt/internal/anchor"
	gormdb "github.com/thebtf/storyprompt/internal/db/gorm"
	"github.com/thebtf/storyprompt/internal/metrics"
	"github.com/thebtf/storyprompt/internal/milestone"
	"github.com/thebtf/storyprompt/internal/templates"
	"github.com/thebtf/storyprompt/internal/tier1"
	"github.com/thebtf/storyprompt/pkg/models"
)

// starterScore ranks catalog prompts below anything built from a story.
const starterScore = 0.3

// ErrInvalidStory is returned for a story without an owner or transcript.
var ErrInvalidStory = errors.New("story needs a user and a transcript")

// Dispatcher starts a Tier-3 analysis in the background.
type Dispatcher interface {
	Dispatch(ctx context.Context, userID string, milestone int)
}

// SaveResult describes what a story save did beyond storing the story.
type SaveResult struct {
	Story          *models.Story         `json:"story"`
	UsedPrompt     *models.PromptHistory `json:"used_prompt,omitempty"`
	Generated      []*models.Prompt      `json:"generated"`
	StoryCount     int                   `json:"story_count"`
	Milestone      int                   `json:"milestone,omitempty"`
	AnalysisQueued bool                  `json:"analysis_queued"`
}

// Pipeline runs the story-save path: commit the story, then record it
// against its source prompt, run Tier-1, check milestones and dispatch
// Tier-3. Only the commit can fail the save.
type Pipeline struct {
	stories    *gormdb.StoryStore
	manager    *Manager
	generator  *tier1.Generator
	detector   *milestone.Detector
	dispatcher Dispatcher
	library    *templates.Library
	metrics    *metrics.Recorder
}

// NewPipeline wires the pipeline. dispatcher may be nil to disable Tier-3.
func NewPipeline(stories *gormdb.StoryStore, manager *Manager, generator *tier1.Generator, detector *milestone.Detector, dispatcher Dispatcher, library *templates.Library) *Pipeline {
	return &Pipeline{
		stories:    stories,
		manager:    manager,
		generator:  generator,
		detector:   detector,
		dispatcher: dispatcher,
		library:    library,
		metrics:    manager.metrics,
	}
}

// SaveStory stores a story and runs the best-effort generation steps in
// order. Errors after the commit are logged and never returned.
func (p *Pipeline) SaveStory(ctx context.Context, story *models.Story) (*SaveResult, error) {
	story.Transcript = strings.TrimSpace(story.Transcript)
	if story.UserID == "" || story.Transcript == "" {
		return nil, ErrInvalidStory
	}
	if err := p.stories.CreateStory(ctx, story); err != nil {
		return nil, fmt.Errorf("save story: %w", err)
	}
	res := &SaveResult{Story: story}
	logger := log.With().Str("user_id", story.UserID).Str("story_id", story.ID).Logger()

	if story.SourcePromptID != "" {
		bestEffort(logger, "record_against", func() {
			h, err := p.manager.RecordAgainst(ctx, story.UserID, story.SourcePromptID, story.ID)
			if err != nil {
				logger.Warn().Err(err).Str("prompt_id", story.SourcePromptID).Msg("Could not record story against prompt")
				return
			}
			res.UsedPrompt = h
		})
	}

	bestEffort(logger, "tier1", func() {
		// Expired prompts keep their anchor open until swept; free them first.
		if _, err := p.manager.ExpireDue(ctx, story.UserID); err != nil {
			logger.Warn().Err(err).Msg("Could not expire due prompts before generation")
		}
		gen := p.generator.Generate(ctx, story)
		p.metrics.Generated(ctx, models.TierTemplate, len(gen.Inserted), gen.Duplicates)
		res.Generated = gen.Inserted
		if len(gen.Inserted) > 0 {
			p.manager.publish(story.UserID, EventGenerated, map[string]any{
				"tier":    models.TierTemplate,
				"prompts": gen.Inserted,
			})
		}
	})

	bestEffort(logger, "milestone", func() {
		d, err := p.detector.Check(ctx, story.UserID)
		if err != nil {
			logger.Warn().Err(err).Msg("Milestone check failed")
			return
		}
		res.StoryCount = d.Count
		if !d.Trigger {
			return
		}
		res.Milestone = d.Milestone
		if p.dispatcher == nil {
			logger.Debug().Int("milestone", d.Milestone).Msg("Milestone reached, analysis disabled")
			return
		}
		p.dispatcher.Dispatch(ctx, story.UserID, d.Milestone)
		res.AnalysisQueued = true
		logger.Info().Int("milestone", d.Milestone).Msg("Milestone reached, analysis dispatched")
	})

	return res, nil
}

// SeedStarters gives a brand-new user catalog prompts. Users with any story
// or prompt get nothing.
func (p *Pipeline) SeedStarters(ctx context.Context, userID string) ([]*models.Prompt, error) {
	stories, err := p.stories.CountStories(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("count stories: %w", err)
	}
	prompts, err := p.manager.prompts.CountPrompts(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("count prompts: %w", err)
	}
	if stories > 0 || prompts > 0 {
		return nil, nil
	}

	now := p.manager.now()
	expires := now.Add(p.manager.TTL(models.TierTemplate))
	var inserted []*models.Prompt
	for _, idea := range p.library.Starters() {
		prompt := &models.Prompt{
			ID:          uuid.NewString(),
			UserID:      userID,
			State:       models.StateActive,
			Tier:        models.TierTemplate,
			Text:        idea.Text,
			MemoryType:  models.MemoryStarter,
			AnchorHash:  anchor.Hash(idea.ID, models.MemoryStarter, 0),
			Score:       starterScore,
			ScoreReason: "starter",
			CreatedAt:   now,
			ExpiresAt:   &expires,
			Origin:      models.CatalogOrigin{IdeaID: idea.ID},
		}
		ok, err := p.manager.prompts.InsertPrompt(ctx, prompt)
		if err != nil {
			return inserted, fmt.Errorf("insert starter %s: %w", idea.ID, err)
		}
		if ok {
			inserted = append(inserted, prompt)
		}
	}
	p.metrics.Generated(ctx, models.TierTemplate, len(inserted), len(p.library.Starters())-len(inserted))
	if len(inserted) > 0 {
		p.manager.publish(userID, EventGenerated, map[string]any{"tier": models.TierTemplate, "prompts": inserted})
	}
	return inserted, nil
}

// Progress reports the user's story count and the next milestone.
func (p *Pipeline) Progress(ctx context.Context, userID string) (Progress, error) {
	n, err := p.stories.CountStories(ctx, userID)
	if err != nil {
		return Progress{}, fmt.Errorf("count stories: %w", err)
	}
	out := Progress{StoryCount: int(n), Milestones: p.detector.Milestones()}
	if next, ok := p.detector.NextMilestone(int(n)); ok {
		out.NextMilestone = next
		out.StoriesToGo = next - int(n)
	}
	return out, nil
}

// Progress is the milestone view of a user's corpus.
type Progress struct {
	Milestones    []int `json:"milestones"`
	StoryCount    int   `json:"story_count"`
	NextMilestone int   `json:"next_milestone,omitempty"`
	StoriesToGo   int   `json:"stories_to_go,omitempty"`
}

// bestEffort runs a post-commit step, turning a panic into a log line.
func bestEffort(logger zerolog.Logger, step string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Str("step", step).Str("panic", fmt.Sprint(r)).Msg("Post-save step panicked")
		}
	}()
	fn()
}
