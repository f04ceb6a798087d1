// Package lifecycle applies user and system transitions to prompts and runs
// the story-save pipeline that feeds the generators.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	gormdb "github.com/thebtf/storyprompt/internal/db/gorm"
	"github.com/thebtf/storyprompt/internal/metrics"
	"github.com/thebtf/storyprompt/internal/tier1"
	"github.com/thebtf/storyprompt/internal/tier3"
	"github.com/thebtf/storyprompt/pkg/models"
)

// Event names published to the notifier.
const (
	EventGenerated  = "prompts.generated"
	EventTransition = "prompt.transition"
)

// ErrUnlistableState is returned when listing a state that is not shown to users.
var ErrUnlistableState = errors.New("prompt state cannot be listed")

// Notifier receives per-user prompt events.
type Notifier interface {
	Publish(userID, event string, data any)
}

// TransitionEvent is the payload of EventTransition.
type TransitionEvent struct {
	PromptID string `json:"prompt_id"`
	State    string `json:"state"`
	StoryID  string `json:"story_id,omitempty"`
}

// Config holds Manager options. Zero TTLs use the generator defaults.
type Config struct {
	Metrics     *metrics.Recorder
	Notifier    Notifier
	PromptTTL   time.Duration
	AnalysisTTL time.Duration
}

// Manager is the single entry point for prompt state changes.
type Manager struct {
	prompts      *gormdb.PromptStore
	entitlements *gormdb.EntitlementStore
	metrics      *metrics.Recorder
	notifier     Notifier
	promptTTL    time.Duration
	analysisTTL  time.Duration
	now          func() time.Time
}

// NewManager creates a manager.
func NewManager(prompts *gormdb.PromptStore, entitlements *gormdb.EntitlementStore, cfg Config) *Manager {
	if cfg.PromptTTL <= 0 {
		cfg.PromptTTL = tier1.DefaultTTL
	}
	if cfg.AnalysisTTL <= 0 {
		cfg.AnalysisTTL = tier3.DefaultTTL
	}
	return &Manager{
		prompts:      prompts,
		entitlements: entitlements,
		metrics:      cfg.Metrics,
		notifier:     cfg.Notifier,
		promptTTL:    cfg.PromptTTL,
		analysisTTL:  cfg.AnalysisTTL,
		now:          time.Now,
	}
}

// TTL returns how long a freshly activated prompt of the tier stays active.
func (m *Manager) TTL(tier models.Tier) time.Duration {
	if tier == models.TierAnalysis {
		return m.analysisTTL
	}
	return m.promptTTL
}

// List returns the user's prompts in an active, queued or archived state.
// Listing active prompts expires the ones that are due first.
func (m *Manager) List(ctx context.Context, userID string, state models.PromptState) ([]*models.Prompt, error) {
	switch state {
	case models.StateActive, models.StateQueued, models.StateArchived:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnlistableState, state)
	}
	return m.prompts.ListPrompts(ctx, userID, state)
}

// Get returns one of the user's prompts.
func (m *Manager) Get(ctx context.Context, userID, id string) (*models.Prompt, error) {
	return m.prompts.GetPrompt(ctx, userID, id)
}

// Queue appends an active prompt to the user's queue.
func (m *Manager) Queue(ctx context.Context, userID, id string) (*models.Prompt, error) {
	p, err := m.prompts.Queue(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	m.transitioned(ctx, userID, id, models.StateQueued, "")
	return p, nil
}

// Dismiss archives an active or queued prompt.
func (m *Manager) Dismiss(ctx context.Context, userID, id string) (*models.Prompt, error) {
	p, err := m.prompts.Dismiss(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	m.transitioned(ctx, userID, id, models.StateArchived, "")
	return p, nil
}

// Delete hard-removes an archived prompt.
func (m *Manager) Delete(ctx context.Context, userID, id string) error {
	if err := m.prompts.Delete(ctx, userID, id); err != nil {
		return err
	}
	m.publish(userID, EventTransition, TransitionEvent{PromptID: id, State: "deleted"})
	return nil
}

// RecordAgainst marks a prompt used by a story and returns its history row.
func (m *Manager) RecordAgainst(ctx context.Context, userID, id, storyID string) (*models.PromptHistory, error) {
	h, err := m.prompts.RecordAgainst(ctx, userID, id, storyID)
	if err != nil {
		return nil, err
	}
	m.transitioned(ctx, userID, id, models.StateUsed, storyID)
	return h, nil
}

// MarkShown records an impression for each open prompt in ids.
func (m *Manager) MarkShown(ctx context.Context, userID string, ids []string) (int64, error) {
	return m.prompts.MarkShown(ctx, userID, ids)
}

// Reorder rewrites the queue order. ids must be exactly the queued prompts.
func (m *Manager) Reorder(ctx context.Context, userID string, ids []string) error {
	if err := m.prompts.ReorderQueue(ctx, userID, ids); err != nil {
		return err
	}
	m.publish(userID, EventTransition, map[string]any{"queue": ids})
	return nil
}

// History returns the user's used, expired and superseded prompts.
func (m *Manager) History(ctx context.Context, userID string, limit int) ([]*models.PromptHistory, error) {
	return m.prompts.ListHistory(ctx, userID, limit)
}

// SetPaid records the user's payment state. Becoming paid unlocks every
// locked active prompt and starts its expiry clock.
func (m *Manager) SetPaid(ctx context.Context, userID string, paid bool) (int64, error) {
	if err := m.entitlements.SetPaid(ctx, userID, paid); err != nil {
		return 0, fmt.Errorf("set entitlement: %w", err)
	}
	if !paid {
		return 0, nil
	}
	n, err := m.prompts.Unlock(ctx, userID, m.TTL)
	if err != nil {
		return 0, fmt.Errorf("unlock prompts: %w", err)
	}
	if n > 0 {
		m.publish(userID, EventTransition, map[string]any{"unlocked": n})
	}
	return n, nil
}

// IsPaid reports the user's payment state.
func (m *Manager) IsPaid(ctx context.Context, userID string) (bool, error) {
	return m.entitlements.IsPaid(ctx, userID)
}

// ExpireDue expires active prompts past their expiry. An empty userID
// sweeps every user. Prompts expired before an error are still reported.
func (m *Manager) ExpireDue(ctx context.Context, userID string) (int, error) {
	expired, err := m.prompts.ExpireDue(ctx, userID, m.now())
	m.metrics.Transition(ctx, models.StateExpired, len(expired))
	for _, p := range expired {
		m.publish(p.UserID, EventTransition, TransitionEvent{PromptID: p.ID, State: string(models.StateExpired)})
	}
	return len(expired), err
}

func (m *Manager) transitioned(ctx context.Context, userID, id string, to models.PromptState, storyID string) {
	m.metrics.Transition(ctx, to, 1)
	log.Debug().Str("user_id", userID).Str("prompt_id", id).Str("state", string(to)).Msg("Prompt transitioned")
	m.publish(userID, EventTransition, TransitionEvent{PromptID: id, State: string(to), StoryID: storyID})
}

func (m *Manager) publish(userID, event string, data any) {
	if m.notifier != nil {
		m.notifier.Publish(userID, event, data)
	}
}
