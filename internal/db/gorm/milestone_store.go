package gorm

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/thebtf/storyprompt/pkg/models"
)

// MilestoneStore is the Tier-3 run ledger. A unique (user_id, milestone) key
// guarantees at most one claimant per milestone across concurrent saves and
// processes.
type MilestoneStore struct {
	db         *gorm.DB
	staleAfter time.Duration
}

// DefaultStaleRunAfter is how long a run may stay running before another
// claimant may take it over. It must exceed the analysis timeout.
const DefaultStaleRunAfter = 5 * time.Minute

// NewMilestoneStore creates a new milestone store.
func NewMilestoneStore(store *Store) *MilestoneStore {
	return &MilestoneStore{db: store.DB, staleAfter: DefaultStaleRunAfter}
}

// WithStaleAfter sets how old a running claim must be before it can be
// taken over. Non-positive values keep the default.
func (s *MilestoneStore) WithStaleAfter(d time.Duration) *MilestoneStore {
	if d > 0 {
		s.staleAfter = d
	}
	return s
}

// Claim marks a milestone run as started. It returns false if the milestone
// is done or running. A failed run can be claimed again, and so can a
// running one older than the stale window, which is left behind when the
// process dies mid-run.
func (s *MilestoneStore) Claim(ctx context.Context, userID string, milestone int) (bool, error) {
	return s.claimAt(ctx, userID, milestone, time.Now())
}

func (s *MilestoneStore) claimAt(ctx context.Context, userID string, milestone int, at time.Time) (bool, error) {
	now := at.UnixMilli()
	staleBefore := at.Add(-s.staleAfter).UnixMilli()
	db := s.db.WithContext(ctx)

	result := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&MilestoneRunRow{
		UserID:         userID,
		Milestone:      milestone,
		Status:         RunRunning,
		Attempts:       1,
		StartedAtEpoch: now,
	})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected > 0 {
		return true, nil
	}

	result = db.Model(&MilestoneRunRow{}).
		Where("user_id = ? AND milestone = ?", userID, milestone).
		Where("(status = ? OR (status = ? AND started_at_epoch < ?))", RunFailed, RunRunning, staleBefore).
		Updates(map[string]any{
			"status":            RunRunning,
			"attempts":          gorm.Expr("attempts + 1"),
			"error":             nil,
			"started_at_epoch":  now,
			"finished_at_epoch": nil,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// Finish records the outcome of a claimed run.
func (s *MilestoneStore) Finish(ctx context.Context, userID string, milestone int, runErr error) error {
	updates := map[string]any{
		"status":            RunDone,
		"error":             nil,
		"finished_at_epoch": time.Now().UnixMilli(),
	}
	if runErr != nil {
		updates["status"] = RunFailed
		updates["error"] = runErr.Error()
	}
	return s.db.WithContext(ctx).Model(&MilestoneRunRow{}).
		Where("user_id = ? AND milestone = ? AND status = ?", userID, milestone, RunRunning).
		Updates(updates).Error
}

// ListRuns returns the user's runs ordered by milestone.
func (s *MilestoneStore) ListRuns(ctx context.Context, userID string) ([]*models.MilestoneRun, error) {
	var rows []MilestoneRunRow
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("milestone").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*models.MilestoneRun, 0, len(rows))
	for i := range rows {
		r := &rows[i]
		out = append(out, &models.MilestoneRun{
			StartedAt:  time.UnixMilli(r.StartedAtEpoch),
			FinishedAt: epochPtr(r.FinishedAtEpoch),
			UserID:     r.UserID,
			Status:     r.Status,
			Error:      r.Error.String,
			Milestone:  r.Milestone,
			Attempts:   r.Attempts,
		})
	}
	return out, nil
}
