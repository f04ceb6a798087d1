// Package models contains domain models for storyprompt.
package models

import (
	"time"
)

// PromptState is the lifecycle state of a prompt.
type PromptState string

const (
	StateActive   PromptState = "active"
	StateQueued   PromptState = "queued"
	StateArchived PromptState = "archived"
	StateUsed     PromptState = "used"
	StateExpired  PromptState = "expired"
)

// transitions is the lifecycle graph. Deletion is not a state: it hard-removes
// an archived row and is checked separately.
var transitions = map[PromptState][]PromptState{
	StateActive: {StateQueued, StateUsed, StateArchived, StateExpired},
	StateQueued: {StateUsed, StateArchived},
}

// CanTransition reports whether a prompt in state s may move to state to.
func (s PromptState) CanTransition(to PromptState) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// SourcesOf returns the states from which a prompt may move to state to.
func SourcesOf(to PromptState) []PromptState {
	var out []PromptState
	for _, from := range []PromptState{StateActive, StateQueued, StateArchived, StateUsed, StateExpired} {
		if from.CanTransition(to) {
			out = append(out, from)
		}
	}
	return out
}

// IsOpen reports whether the state belongs to the user-facing pool
// guarded by the (user, anchor hash) uniqueness constraint.
func (s PromptState) IsOpen() bool {
	return s == StateActive || s == StateQueued
}

// IsTerminal reports whether no further state transition is possible.
func (s PromptState) IsTerminal() bool {
	return s == StateUsed || s == StateExpired
}

// Valid reports whether s is a known state.
func (s PromptState) Valid() bool {
	switch s {
	case StateActive, StateQueued, StateArchived, StateUsed, StateExpired:
		return true
	}
	return false
}

// Tier identifies which generator produced a prompt.
type Tier int

const (
	// TierTemplate prompts come from the template library (cheap, per story).
	TierTemplate Tier = 1
	// TierAnalysis prompts come from corpus-wide model analysis.
	TierAnalysis Tier = 3
)

// MemoryType tags what kind of memory a prompt is about.
type MemoryType string

const (
	MemoryPerson  MemoryType = "person"
	MemoryPlace   MemoryType = "place"
	MemoryObject  MemoryType = "object"
	MemoryQuote   MemoryType = "quote"
	MemoryPattern MemoryType = "pattern"
	MemoryAbsence MemoryType = "absence"
	MemoryCost    MemoryType = "cost"
	MemoryStarter MemoryType = "starter"
)

// EntityType is the kind of named entity found in a transcript.
type EntityType string

const (
	EntityPerson EntityType = "person"
	EntityPlace  EntityType = "place"
	EntityObject EntityType = "object"
)

// MemoryType returns the memory type a Tier-1 prompt about this entity carries.
func (e EntityType) MemoryType() MemoryType {
	switch e {
	case EntityPlace:
		return MemoryPlace
	case EntityObject:
		return MemoryObject
	default:
		return MemoryPerson
	}
}

// Prompt is a candidate question shown to a user.
type Prompt struct {
	CreatedAt     time.Time   `json:"created_at"`
	ExpiresAt     *time.Time  `json:"expires_at,omitempty"`
	ArchivedAt    *time.Time  `json:"archived_at,omitempty"`
	Origin        Origin      `json:"origin,omitempty"`
	ID            string      `json:"id"`
	UserID        string      `json:"user_id"`
	Text          string      `json:"text"`
	ContextNote   string      `json:"context_note,omitempty"`
	MemoryType    MemoryType  `json:"memory_type"`
	AnchorEntity  string      `json:"anchor_entity,omitempty"`
	AnchorHash    string      `json:"anchor_hash"`
	ScoreReason   string      `json:"score_reason,omitempty"`
	ModelVersion  string      `json:"model_version,omitempty"`
	State         PromptState `json:"state"`
	Tier          Tier        `json:"tier"`
	AnchorYear    int         `json:"anchor_year,omitempty"`
	Score         float64     `json:"score"`
	ShownCount    int         `json:"shown_count"`
	QueuePosition int         `json:"queue_position,omitempty"`
	IsLocked      bool        `json:"is_locked"`
}

// Source returns the origin source tag, or "" when no origin is attached.
func (p *Prompt) Source() Source {
	if p.Origin == nil {
		return ""
	}
	return p.Origin.Source()
}

// Expired reports whether an active prompt is past its expiry at now.
func (p *Prompt) Expired(now time.Time) bool {
	return p.State == StateActive && p.ExpiresAt != nil && !now.Before(*p.ExpiresAt)
}
