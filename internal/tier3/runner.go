package tier3

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/storyprompt/internal/anchor"
	gormdb "github.com/thebtf/storyprompt/internal/db/gorm"
	"github.com/thebtf/storyprompt/internal/metrics"
	"github.com/thebtf/storyprompt/pkg/models"
	"github.com/thebtf/storyprompt/pkg/similarity"
)

// Defaults for Options fields left at zero.
const (
	DefaultTimeout     = 90 * time.Second
	DefaultMaxPrompts  = 12
	DefaultPerCategory = 3
	DefaultTTL         = 30 * 24 * time.Hour

	// OverlapThreshold is the term similarity at which a candidate is
	// considered to repeat an open Tier-1 prompt.
	OverlapThreshold = 0.5
	// candidateThreshold collapses near-identical candidates within a run.
	candidateThreshold = 0.6
	maxContextNote     = 200
)

// EventAnalysis is published after a run commits.
const EventAnalysis = "prompts.analysis"

// categoryWeights rank categories; quotes are recorded against most often.
var categoryWeights = map[models.Category]float64{
	models.CategoryDirectQuote: 0.9,
	models.CategoryPattern:     0.85,
	models.CategoryAbsence:     0.8,
	models.CategoryCost:        0.8,
}

// StoryReader lists a user's stories in recording order.
type StoryReader interface {
	ListStories(ctx context.Context, userID string) ([]*models.Story, error)
}

// PromptLedger is the prompt store surface a run needs.
type PromptLedger interface {
	OpenPrompts(ctx context.Context, userID string) ([]*models.Prompt, error)
	ReplaceAnalysis(ctx context.Context, userID string, profile *models.CharacterProfile, prompts []*models.Prompt, relock gormdb.LockFunc) (*gormdb.ReplaceResult, error)
}

// RunLedger records one run per (user, milestone).
type RunLedger interface {
	Claim(ctx context.Context, userID string, milestone int) (bool, error)
	Finish(ctx context.Context, userID string, milestone int, runErr error) error
}

// Entitlements reports whether a user is past the paywall.
type Entitlements interface {
	IsPaid(ctx context.Context, userID string) (bool, error)
}

// Notifier receives per-user prompt events.
type Notifier interface {
	Publish(userID, event string, data any)
}

// Options tunes a Runner.
type Options struct {
	BannedPhrases    []string
	Timeout          time.Duration
	TTL              time.Duration
	MaxCorpusTokens  int
	MaxPrompts       int
	PerCategory      int
	PaywallMilestone int
}

// Deps are the collaborators of a Runner. Metrics, Notifier and
// Entitlements are optional.
type Deps struct {
	Analyzer     Analyzer
	Stories      StoryReader
	Prompts      PromptLedger
	Runs         RunLedger
	Entitlements Entitlements
	Metrics      *metrics.Recorder
	Notifier     Notifier
}

// Runner executes one Tier-3 analysis for a (user, milestone).
type Runner struct {
	deps  Deps
	gates *Gates
	opts  Options
	now   func() time.Time
}

// NewRunner creates a runner.
func NewRunner(deps Deps, opts Options) *Runner {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxCorpusTokens <= 0 {
		opts.MaxCorpusTokens = DefaultMaxCorpusTokens
	}
	if opts.MaxPrompts <= 0 {
		opts.MaxPrompts = DefaultMaxPrompts
	}
	if opts.PerCategory <= 0 {
		opts.PerCategory = DefaultPerCategory
	}
	return &Runner{
		deps:  deps,
		gates: NewGates(opts.BannedPhrases),
		opts:  opts,
		now:   time.Now,
	}
}

// Run claims the milestone, analyzes the corpus and commits the profile and
// prompts in one transaction. Any failure leaves the prior profile and
// prompts untouched and marks the run failed so it can be retried.
func (r *Runner) Run(ctx context.Context, userID string, milestone int) (*gormdb.ReplaceResult, error) {
	claimed, err := r.deps.Runs.Claim(ctx, userID, milestone)
	if err != nil {
		return nil, fmt.Errorf("claim milestone %d: %w", milestone, err)
	}
	if !claimed {
		return nil, ErrAlreadyClaimed
	}

	start := r.now()
	res, runErr := r.analyze(ctx, userID, milestone)
	if err := r.deps.Runs.Finish(context.WithoutCancel(ctx), userID, milestone, runErr); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Int("milestone", milestone).Msg("Failed to record analysis outcome")
	}
	elapsed := r.now().Sub(start)

	if runErr != nil {
		r.deps.Metrics.AnalysisRun(ctx, "failed", elapsed)
		return nil, runErr
	}
	r.deps.Metrics.AnalysisRun(ctx, "done", elapsed)
	r.deps.Metrics.Generated(ctx, models.TierAnalysis, len(res.Inserted), res.Duplicates)
	r.deps.Metrics.Transition(ctx, models.StateExpired, len(res.Superseded))

	if r.deps.Notifier != nil {
		r.deps.Notifier.Publish(userID, EventAnalysis, map[string]any{
			"milestone":  milestone,
			"inserted":   promptIDs(res.Inserted),
			"superseded": res.Superseded,
		})
	}
	log.Info().
		Str("user_id", userID).
		Int("milestone", milestone).
		Int("inserted", len(res.Inserted)).
		Int("superseded", len(res.Superseded)).
		Dur("elapsed", elapsed).
		Msg("Analysis committed")
	return res, nil
}

func (r *Runner) analyze(ctx context.Context, userID string, milestone int) (*gormdb.ReplaceResult, error) {
	stories, err := r.deps.Stories.ListStories(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list stories: %w", err)
	}
	corpus := BuildCorpus(userID, milestone, stories, r.opts.MaxCorpusTokens)
	if len(corpus.Stories) == 0 {
		return nil, ErrEmptyCorpus
	}

	callCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	analysis, err := r.deps.Analyzer.Analyze(callCtx, corpus)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("analyze: %w", err)
	}

	profile := analysis.Profile
	if err := sanitizeProfile(&profile, corpus.IDs()); err != nil {
		return nil, err
	}
	profile.UserID = userID
	profile.Milestone = milestone
	profile.ModelVersion = analysis.ModelVersion

	open, err := r.deps.Prompts.OpenPrompts(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("open prompts: %w", err)
	}
	prompts := r.selectPrompts(ctx, corpus, analysis, open)
	if len(prompts) == 0 {
		return nil, ErrNoPrompts
	}

	paid := false
	if r.deps.Entitlements != nil {
		paid, err = r.deps.Entitlements.IsPaid(ctx, userID)
		if err != nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("Entitlement lookup failed, treating as unpaid")
			paid = false
		}
	}
	now := r.now()
	lock := func(ps []*models.Prompt) {
		ApplyPaywall(ps, milestone, r.opts.PaywallMilestone, paid, now, r.opts.TTL)
	}
	lock(prompts)

	res, err := r.deps.Prompts.ReplaceAnalysis(ctx, userID, &profile, prompts, lock)
	if err != nil {
		return nil, fmt.Errorf("commit analysis: %w", err)
	}
	return res, nil
}

// selectPrompts gates, scores, dedups and caps the candidates. The result is
// sorted by descending score.
func (r *Runner) selectPrompts(ctx context.Context, corpus *Corpus, analysis *Analysis, open []*models.Prompt) []*models.Prompt {
	transcripts := make(map[string]string, len(corpus.Stories))
	for _, s := range corpus.Stories {
		transcripts[s.ID] = s.Transcript
	}
	known := corpus.IDs()
	now := r.now()

	var passed []*models.Prompt
	for i := range analysis.Candidates {
		c := &analysis.Candidates[i]
		if reason := r.gates.Check(c, transcripts); reason != "" {
			r.reject(ctx, corpus, reason, c.Text)
			continue
		}
		passed = append(passed, r.toPrompt(corpus, c, known, analysis.ModelVersion, now))
	}
	sort.SliceStable(passed, func(i, j int) bool { return passed[i].Score > passed[j].Score })

	clustered := similarity.ClusterPrompts(passed, candidateThreshold)
	for range len(passed) - len(clustered) {
		r.deps.Metrics.Rejected(ctx, RejectSimilar)
	}

	// Active analysis prompts are about to be superseded, so only queued
	// ones and Tier-1 prompts can collide.
	openHashes := make(map[string]bool, len(open))
	var tier1 []*models.Prompt
	for _, p := range open {
		if p.Tier == models.TierAnalysis && p.State == models.StateActive {
			continue
		}
		openHashes[p.AnchorHash] = true
		if p.Tier == models.TierTemplate {
			tier1 = append(tier1, p)
		}
	}

	perCategory := make(map[models.MemoryType]int)
	var out []*models.Prompt
	for _, p := range clustered {
		switch {
		case openHashes[p.AnchorHash]:
			r.reject(ctx, corpus, RejectDuplicate, p.Text)
		case similarity.IsSimilarToAny(p, tier1, OverlapThreshold):
			r.reject(ctx, corpus, RejectOverlap, p.Text)
		case perCategory[p.MemoryType] >= r.opts.PerCategory:
			r.reject(ctx, corpus, RejectCategoryFull, p.Text)
		case len(out) >= r.opts.MaxPrompts:
			r.reject(ctx, corpus, RejectOverCap, p.Text)
		default:
			openHashes[p.AnchorHash] = true
			perCategory[p.MemoryType]++
			out = append(out, p)
		}
	}
	return out
}

func (r *Runner) toPrompt(corpus *Corpus, c *Candidate, known map[string]bool, modelVersion string, now time.Time) *models.Prompt {
	evidence := knownIDs(c.EvidenceStoryIDs, known)
	subject := normalizeSpace(c.Anchor)
	key := subject
	if key == "" && c.Category == models.CategoryDirectQuote {
		key = normalizeSpace(c.Quote)
	}
	if key == "" {
		key = normalizeSpace(c.Text)
	}

	return &models.Prompt{
		ID:           uuid.NewString(),
		UserID:       corpus.UserID,
		State:        models.StateActive,
		Tier:         models.TierAnalysis,
		Text:         normalizeSpace(c.Text),
		ContextNote:  truncate(normalizeSpace(c.ContextNote), maxContextNote),
		MemoryType:   c.Category.MemoryType(),
		AnchorEntity: subject,
		AnchorHash:   anchor.Hash(key, c.Category.MemoryType(), 0),
		Score:        categoryWeights[c.Category] + 0.03*float64(min(len(evidence), 3)),
		ScoreReason:  fmt.Sprintf("%s across %d stories", c.Category, len(evidence)),
		ModelVersion: modelVersion,
		CreatedAt:    now,
		Origin: models.AnalysisOrigin{
			Category:         c.Category,
			Quote:            normalizeSpace(c.Quote),
			Gain:             normalizeSpace(c.Gain),
			Loss:             normalizeSpace(c.Loss),
			EvidenceStoryIDs: evidence,
			Milestone:        corpus.Milestone,
		},
	}
}

func (r *Runner) reject(ctx context.Context, corpus *Corpus, reason, text string) {
	r.deps.Metrics.Rejected(ctx, reason)
	log.Debug().
		Str("user_id", corpus.UserID).
		Int("milestone", corpus.Milestone).
		Str("reason", reason).
		Str("text", truncate(text, 80)).
		Msg("Dropped analysis candidate")
}

// IsSkip reports whether err means the run was not attempted.
func IsSkip(err error) bool {
	return errors.Is(err, ErrAlreadyClaimed)
}

func promptIDs(ps []*models.Prompt) []string {
	ids := make([]string, 0, len(ps))
	for _, p := range ps {
		ids = append(ids, p.ID)
	}
	return ids
}
