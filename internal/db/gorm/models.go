package gorm

import (
	"database/sql"
	"time"

	"gorm.io/gorm"

	"github.com/thebtf/storyprompt/pkg/models"
)

// GORM Models

// Note: JSON column types (JSONStringArray, JSON[T]) come from pkg/models and
// already implement sql.Scanner and driver.Valuer.

// PromptRow is a stored prompt. The (user_id, anchor_hash) pair is unique
// among active and queued rows; see migration 002.
type PromptRow struct {
	ID              string             `gorm:"primaryKey;type:text"`
	UserID          string             `gorm:"type:text;not null;index:idx_prompts_user_state,priority:1"`
	State           models.PromptState `gorm:"type:text;not null;check:state IN ('active', 'queued', 'archived', 'used', 'expired');index:idx_prompts_user_state,priority:2"`
	Tier            models.Tier        `gorm:"not null;check:tier IN (1, 3)"`
	Source          models.Source      `gorm:"type:text;not null"`
	Origin          sql.NullString     `gorm:"type:text"` // JSON payload, shape depends on source
	Text            string             `gorm:"type:text;not null"`
	ContextNote     sql.NullString     `gorm:"type:text"`
	MemoryType      models.MemoryType  `gorm:"type:text;not null"`
	AnchorEntity    sql.NullString     `gorm:"type:text"`
	AnchorYear      sql.NullInt64
	AnchorHash      string         `gorm:"type:text;not null"`
	Score           float64        `gorm:"type:real;not null"`
	ScoreReason     sql.NullString `gorm:"type:text"`
	ModelVersion    sql.NullString `gorm:"type:text"`
	ShownCount      int            `gorm:"not null"`
	QueuePosition   sql.NullInt64
	IsLocked        bool          `gorm:"not null"`
	ExpiresAtEpoch  sql.NullInt64 `gorm:"index:idx_prompts_expires"`
	ArchivedAtEpoch sql.NullInt64
	CreatedAt       string `gorm:"not null"`
	CreatedAtEpoch  int64  `gorm:"index:idx_prompts_created,sort:desc;not null"`
}

func (PromptRow) TableName() string { return "prompts" }

// BeforeCreate hook to ensure timestamps are set.
func (p *PromptRow) BeforeCreate(tx *gorm.DB) error {
	if p.CreatedAtEpoch == 0 {
		p.CreatedAtEpoch = time.Now().UnixMilli()
	}
	if p.CreatedAt == "" {
		p.CreatedAt = time.UnixMilli(p.CreatedAtEpoch).UTC().Format(time.RFC3339)
	}
	if p.State == "" {
		p.State = models.StateActive
	}
	return nil
}

// PromptHistoryRow is an append-only copy of a prompt that was used or
// retired by the system.
type PromptHistoryRow struct {
	ID                   string              `gorm:"primaryKey;type:text"`
	PromptID             string              `gorm:"type:text;not null;index"`
	UserID               string              `gorm:"type:text;not null;index:idx_history_user_recorded,priority:1"`
	StoryID              sql.NullString      `gorm:"type:text;index"`
	Event                models.HistoryEvent `gorm:"type:text;not null;check:event IN ('used', 'expired', 'superseded')"`
	Tier                 models.Tier         `gorm:"not null"`
	Source               models.Source       `gorm:"type:text;not null"`
	Origin               sql.NullString      `gorm:"type:text"`
	Text                 string              `gorm:"type:text;not null"`
	ContextNote          sql.NullString      `gorm:"type:text"`
	MemoryType           models.MemoryType   `gorm:"type:text;not null"`
	AnchorEntity         sql.NullString      `gorm:"type:text"`
	AnchorYear           sql.NullInt64
	AnchorHash           string         `gorm:"type:text;not null"`
	Score                float64        `gorm:"type:real;not null"`
	ScoreReason          sql.NullString `gorm:"type:text"`
	ModelVersion         sql.NullString `gorm:"type:text"`
	ShownCount           int            `gorm:"not null"`
	PromptCreatedAtEpoch int64          `gorm:"not null"`
	RecordedAt           string         `gorm:"not null"`
	RecordedAtEpoch      int64          `gorm:"index:idx_history_user_recorded,priority:2,sort:desc;not null"`
}

func (PromptHistoryRow) TableName() string { return "prompt_history" }

// BeforeCreate hook to ensure timestamps are set.
func (h *PromptHistoryRow) BeforeCreate(tx *gorm.DB) error {
	if h.RecordedAtEpoch == 0 {
		h.RecordedAtEpoch = time.Now().UnixMilli()
	}
	if h.RecordedAt == "" {
		h.RecordedAt = time.UnixMilli(h.RecordedAtEpoch).UTC().Format(time.RFC3339)
	}
	return nil
}

// StoryRow is a recorded story. Full-text search over transcripts lives in
// the stories_fts virtual table when FTS5 is available.
type StoryRow struct {
	ID             string         `gorm:"primaryKey;type:text"`
	UserID         string         `gorm:"type:text;not null;index:idx_stories_user_created,priority:1"`
	Transcript     string         `gorm:"type:text;not null"`
	Lesson         sql.NullString `gorm:"type:text"`
	SourcePromptID sql.NullString `gorm:"type:text"`
	Year           sql.NullInt64
	CreatedAt      string `gorm:"not null"`
	CreatedAtEpoch int64  `gorm:"index:idx_stories_user_created,priority:2;not null"`
}

func (StoryRow) TableName() string { return "stories" }

// BeforeCreate hook to ensure timestamps are set.
func (s *StoryRow) BeforeCreate(tx *gorm.DB) error {
	if s.CreatedAtEpoch == 0 {
		s.CreatedAtEpoch = time.Now().UnixMilli()
	}
	if s.CreatedAt == "" {
		s.CreatedAt = time.UnixMilli(s.CreatedAtEpoch).UTC().Format(time.RFC3339)
	}
	return nil
}

// CharacterProfileRow holds one profile per user, replaced wholesale.
type CharacterProfileRow struct {
	UserID         string                              `gorm:"primaryKey;type:text"`
	ModelVersion   sql.NullString                      `gorm:"type:text"`
	Traits         models.JSON[[]models.Trait]         `gorm:"type:text;not null"`
	InvisibleRules models.JSONStringArray              `gorm:"type:text;not null"`
	Contradictions models.JSON[[]models.Contradiction] `gorm:"type:text;not null"`
	CoreLessons    models.JSONStringArray              `gorm:"type:text;not null"`
	Milestone      int                                 `gorm:"not null"`
	UpdatedAt      string                              `gorm:"not null"`
	UpdatedAtEpoch int64                               `gorm:"not null"`
}

func (CharacterProfileRow) TableName() string { return "character_profiles" }

// MilestoneRun statuses.
const (
	RunRunning = "running"
	RunDone    = "done"
	RunFailed  = "failed"
)

// MilestoneRunRow records that Tier-3 analysis was started for a
// (user, milestone) pair. The unique key makes the claim race-safe.
type MilestoneRunRow struct {
	ID              int64          `gorm:"primaryKey;autoIncrement"`
	UserID          string         `gorm:"type:text;not null;uniqueIndex:idx_milestone_runs_unique,priority:1"`
	Milestone       int            `gorm:"not null;uniqueIndex:idx_milestone_runs_unique,priority:2"`
	Status          string         `gorm:"type:text;not null;check:status IN ('running', 'done', 'failed')"`
	Attempts        int            `gorm:"not null"`
	Error           sql.NullString `gorm:"type:text"`
	StartedAtEpoch  int64          `gorm:"not null"`
	FinishedAtEpoch sql.NullInt64
}

func (MilestoneRunRow) TableName() string { return "milestone_runs" }

// EntitlementRow is the locally cached paid-state signal for a user.
type EntitlementRow struct {
	UserID         string `gorm:"primaryKey;type:text"`
	Paid           bool   `gorm:"not null"`
	UpdatedAtEpoch int64  `gorm:"not null"`
}

func (EntitlementRow) TableName() string { return "entitlements" }
