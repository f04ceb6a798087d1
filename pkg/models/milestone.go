package models

import "time"

// MilestoneRun is one Tier-3 analysis attempt for a (user, milestone) pair.
type MilestoneRun struct {
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	UserID     string     `json:"user_id"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	Milestone  int        `json:"milestone"`
	Attempts   int        `json:"attempts"`
}
