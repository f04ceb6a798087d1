package models

import "time"

// Trait is a character trait inferred from a user's stories.
type Trait struct {
	Name       string   `json:"name"`
	Evidence   []string `json:"evidence"`
	Confidence float64  `json:"confidence"`
}

// Contradiction is a tension between two things a user has said or done.
type Contradiction struct {
	Description string   `json:"description"`
	Evidence    []string `json:"evidence,omitempty"`
}

// CharacterProfile is the per-user byproduct of a Tier-3 run. Each run
// replaces the previous profile wholesale.
type CharacterProfile struct {
	UpdatedAt      time.Time       `json:"updated_at"`
	UserID         string          `json:"user_id"`
	ModelVersion   string          `json:"model_version,omitempty"`
	Traits         []Trait         `json:"traits"`
	InvisibleRules []string        `json:"invisible_rules"`
	Contradictions []Contradiction `json:"contradictions"`
	CoreLessons    []string        `json:"core_lessons"`
	Milestone      int             `json:"milestone"`
}
