package models

import "time"

// Story is a recorded life story. Stories are owned by the recording side of
// the system; the prompt engine only reads them.
type Story struct {
	CreatedAt      time.Time `json:"created_at"`
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Transcript     string    `json:"transcript"`
	Lesson         string    `json:"lesson,omitempty"`
	SourcePromptID string    `json:"source_prompt_id,omitempty"`
	Year           int       `json:"year,omitempty"`
}

// HistoryEvent records why a prompt left the open pool.
type HistoryEvent string

const (
	HistoryUsed       HistoryEvent = "used"
	HistoryExpired    HistoryEvent = "expired"
	HistorySuperseded HistoryEvent = "superseded"
)

// PromptHistory is an append-only copy of a prompt at the moment it was
// consumed by a story or retired by the system.
type PromptHistory struct {
	RecordedAt      time.Time    `json:"recorded_at"`
	PromptCreatedAt time.Time    `json:"prompt_created_at"`
	ID              string       `json:"id"`
	PromptID        string       `json:"prompt_id"`
	UserID          string       `json:"user_id"`
	StoryID         string       `json:"story_id,omitempty"`
	Event           HistoryEvent `json:"event"`
	Text            string       `json:"text"`
	ContextNote     string       `json:"context_note,omitempty"`
	MemoryType      MemoryType   `json:"memory_type"`
	AnchorEntity    string       `json:"anchor_entity,omitempty"`
	AnchorHash      string       `json:"anchor_hash"`
	ScoreReason     string       `json:"score_reason,omitempty"`
	ModelVersion    string       `json:"model_version,omitempty"`
	Source          Source       `json:"source,omitempty"`
	Tier            Tier         `json:"tier"`
	AnchorYear      int          `json:"anchor_year,omitempty"`
	Score           float64      `json:"score"`
	ShownCount      int          `json:"shown_count"`
}
