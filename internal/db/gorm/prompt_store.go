package gorm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/thebtf/storyprompt/pkg/models"
)

// expireBatch bounds how many prompts one user transaction retires and how
// many users one sweep visits.
const expireBatch = 500

// PromptStore is the prompt lifecycle ledger. Every mutation is a single
// conditional update or a single transaction scoped to one user.
type PromptStore struct {
	db *gorm.DB
}

// NewPromptStore creates a new prompt store.
func NewPromptStore(store *Store) *PromptStore {
	return &PromptStore{db: store.DB}
}

// ReplaceResult summarizes a Tier-3 replacement transaction.
type ReplaceResult struct {
	Superseded []string
	Inserted   []*models.Prompt
	Duplicates int
}

// InsertPrompt stores a new prompt. It returns false without error when an
// open prompt with the same anchor hash already exists for the user.
func (s *PromptStore) InsertPrompt(ctx context.Context, p *models.Prompt) (bool, error) {
	row, err := toPromptRow(p)
	if err != nil {
		return false, err
	}
	return insertPromptRow(s.db.WithContext(ctx), row)
}

func insertPromptRow(tx *gorm.DB, row *PromptRow) (bool, error) {
	// INSERT OR IGNORE equivalent; the partial unique index decides.
	result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(row)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return false, nil
		}
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// GetPrompt retrieves one of the user's prompts.
func (s *PromptStore) GetPrompt(ctx context.Context, userID, id string) (*models.Prompt, error) {
	row, err := findPrompt(s.db.WithContext(ctx), userID, id)
	if err != nil {
		return nil, err
	}
	return toModelPrompt(row)
}

// ListPrompts returns the user's prompts in the given state. Listing active
// prompts first retires any that are past their expiry.
func (s *PromptStore) ListPrompts(ctx context.Context, userID string, state models.PromptState) ([]*models.Prompt, error) {
	if !state.Valid() {
		return nil, fmt.Errorf("unknown prompt state %q", state)
	}
	now := time.Now()
	if state == models.StateActive {
		if _, err := s.ExpireDue(ctx, userID, now); err != nil {
			return nil, fmt.Errorf("expire due prompts: %w", err)
		}
	}

	q := s.db.WithContext(ctx).Where("user_id = ? AND state = ?", userID, state)
	switch state {
	case models.StateActive:
		q = q.Where("expires_at_epoch IS NULL OR expires_at_epoch > ?", now.UnixMilli()).
			Order("is_locked ASC").Order("score DESC").Order("created_at_epoch DESC").Order("id")
	case models.StateQueued:
		q = q.Order("queue_position ASC").Order("id")
	case models.StateArchived:
		q = q.Order("archived_at_epoch DESC").Order("id")
	default:
		q = q.Order("created_at_epoch DESC").Order("id")
	}

	var rows []PromptRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return toModelPrompts(rows)
}

// OpenPrompts returns the user's active and queued prompts.
func (s *PromptStore) OpenPrompts(ctx context.Context, userID string) ([]*models.Prompt, error) {
	var rows []PromptRow
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND state IN ?", userID, []models.PromptState{models.StateActive, models.StateQueued}).
		Order("created_at_epoch").Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toModelPrompts(rows)
}

// CountPrompts returns how many prompts the user has in any state.
func (s *PromptStore) CountPrompts(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&PromptRow{}).Where("user_id = ?", userID).Count(&count).Error
	return count, err
}

// Queue moves an active prompt to the end of the user's queue.
func (s *PromptStore) Queue(ctx context.Context, userID, id string) (*models.Prompt, error) {
	var out *models.Prompt
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := findPrompt(tx, userID, id)
		if err != nil {
			return err
		}
		if err := checkTransition(row, models.StateQueued, time.Now()); err != nil {
			return err
		}
		if row.IsLocked {
			return models.ErrPromptLocked
		}

		var maxPos int64
		err = tx.Model(&PromptRow{}).
			Where("user_id = ? AND state = ?", userID, models.StateQueued).
			Select("COALESCE(MAX(queue_position), 0)").
			Scan(&maxPos).Error
		if err != nil {
			return err
		}

		if err := conditionalUpdate(tx, row, map[string]any{
			"state":          models.StateQueued,
			"queue_position": maxPos + 1,
		}); err != nil {
			return err
		}
		row.State = models.StateQueued
		row.QueuePosition = nullInt64(maxPos + 1)
		out, err = toModelPrompt(row)
		return err
	})
	return out, err
}

// Dismiss archives an active or queued prompt. Locked prompts may be dismissed.
func (s *PromptStore) Dismiss(ctx context.Context, userID, id string) (*models.Prompt, error) {
	var out *models.Prompt
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := findPrompt(tx, userID, id)
		if err != nil {
			return err
		}
		now := time.Now()
		if err := checkTransition(row, models.StateArchived, now); err != nil {
			return err
		}
		if err := conditionalUpdate(tx, row, map[string]any{
			"state":             models.StateArchived,
			"queue_position":    nil,
			"archived_at_epoch": now.UnixMilli(),
		}); err != nil {
			return err
		}
		row.State = models.StateArchived
		row.QueuePosition = nullInt64(0)
		row.ArchivedAtEpoch = nullInt64(now.UnixMilli())
		out, err = toModelPrompt(row)
		return err
	})
	return out, err
}

// Delete hard-removes an archived prompt.
func (s *PromptStore) Delete(ctx context.Context, userID, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := findPrompt(tx, userID, id)
		if err != nil {
			return err
		}
		if row.State != models.StateArchived {
			return fmt.Errorf("%w: delete from %s", models.ErrInvalidTransition, row.State)
		}
		result := tx.Where("id = ? AND user_id = ? AND state = ?", id, userID, models.StateArchived).Delete(&PromptRow{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return models.ErrInvalidTransition
		}
		return nil
	})
}

// RecordAgainst marks a prompt used by a story and writes its history row in
// the same transaction.
func (s *PromptStore) RecordAgainst(ctx context.Context, userID, id, storyID string) (*models.PromptHistory, error) {
	var out *models.PromptHistory
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := findPrompt(tx, userID, id)
		if err != nil {
			return err
		}
		now := time.Now()
		if err := checkTransition(row, models.StateUsed, now); err != nil {
			return err
		}
		if row.IsLocked {
			return models.ErrPromptLocked
		}
		if err := conditionalUpdate(tx, row, map[string]any{
			"state":          models.StateUsed,
			"queue_position": nil,
		}); err != nil {
			return err
		}
		hist := historyFromPrompt(uuid.NewString(), row, models.HistoryUsed, storyID, now)
		if err := tx.Create(hist).Error; err != nil {
			return fmt.Errorf("write history: %w", err)
		}
		out = toModelHistory(hist)
		return nil
	})
	return out, err
}

// MarkShown increments the shown counter of the user's open prompts.
func (s *PromptStore) MarkShown(ctx context.Context, userID string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result := s.db.WithContext(ctx).Model(&PromptRow{}).
		Where("user_id = ? AND id IN ? AND state IN ?", userID, ids, []models.PromptState{models.StateActive, models.StateQueued}).
		UpdateColumn("shown_count", gorm.Expr("shown_count + ?", 1))
	return result.RowsAffected, result.Error
}

// ReorderQueue rewrites queue positions. ids must name exactly the user's
// queued prompts, each once.
func (s *PromptStore) ReorderQueue(ctx context.Context, userID string, ids []string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var queued []string
		err := tx.Model(&PromptRow{}).
			Where("user_id = ? AND state = ?", userID, models.StateQueued).
			Pluck("id", &queued).Error
		if err != nil {
			return err
		}
		if !sameSet(queued, ids) {
			return models.ErrQueueMismatch
		}
		for i, id := range ids {
			err := tx.Model(&PromptRow{}).
				Where("id = ? AND user_id = ? AND state = ?", id, userID, models.StateQueued).
				Update("queue_position", i+1).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// ListHistory returns the user's history rows, newest first.
func (s *PromptStore) ListHistory(ctx context.Context, userID string, limit int) ([]*models.PromptHistory, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []PromptHistoryRow
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("recorded_at_epoch DESC").Order("id").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*models.PromptHistory, 0, len(rows))
	for i := range rows {
		out = append(out, toModelHistory(&rows[i]))
	}
	return out, nil
}

// ExpireDue moves active prompts past their expiry to expired and records a
// history row for each. An empty userID sweeps every user with due prompts,
// one transaction per user; a failing user does not stop the others.
func (s *PromptStore) ExpireDue(ctx context.Context, userID string, now time.Time) ([]*models.Prompt, error) {
	if userID != "" {
		return s.expireUser(ctx, userID, now)
	}

	var users []string
	err := s.db.WithContext(ctx).Model(&PromptRow{}).
		Where("state = ? AND expires_at_epoch IS NOT NULL AND expires_at_epoch <= ?", models.StateActive, now.UnixMilli()).
		Distinct("user_id").
		Order("user_id").
		Limit(expireBatch).
		Pluck("user_id", &users).Error
	if err != nil {
		return nil, fmt.Errorf("find users with due prompts: %w", err)
	}

	var out []*models.Prompt
	var errs []error
	for _, u := range users {
		expired, err := s.expireUser(ctx, u, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("expire prompts of %s: %w", u, err))
			continue
		}
		out = append(out, expired...)
	}
	return out, errors.Join(errs...)
}

func (s *PromptStore) expireUser(ctx context.Context, userID string, now time.Time) ([]*models.Prompt, error) {
	var out []*models.Prompt
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []PromptRow
		err := tx.Where("user_id = ? AND state = ? AND expires_at_epoch IS NOT NULL AND expires_at_epoch <= ?", userID, models.StateActive, now.UnixMilli()).
			Order("expires_at_epoch").Limit(expireBatch).Find(&rows).Error
		if err != nil {
			return err
		}
		for i := range rows {
			row := &rows[i]
			if err := retire(tx, row, models.HistoryExpired, now); err != nil {
				if errors.Is(err, models.ErrInvalidTransition) {
					continue
				}
				return err
			}
			p, err := toModelPrompt(row)
			if err != nil {
				return err
			}
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Unlock clears the paywall lock on the user's active prompts and starts
// their expiry clock.
func (s *PromptStore) Unlock(ctx context.Context, userID string, ttl func(models.Tier) time.Duration) (int64, error) {
	var unlocked int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []PromptRow
		err := tx.Where("user_id = ? AND state = ? AND is_locked = ?", userID, models.StateActive, true).Find(&rows).Error
		if err != nil {
			return err
		}
		now := time.Now()
		for i := range rows {
			result := tx.Model(&PromptRow{}).
				Where("id = ? AND is_locked = ?", rows[i].ID, true).
				Updates(map[string]any{
					"is_locked":        false,
					"expires_at_epoch": now.Add(ttl(rows[i].Tier)).UnixMilli(),
				})
			if result.Error != nil {
				return result.Error
			}
			unlocked += result.RowsAffected
		}
		return nil
	})
	return unlocked, err
}

// LockFunc sets IsLocked and ExpiresAt on prompts that are in score order.
type LockFunc func(prompts []*models.Prompt)

// ReplaceAnalysis commits one Tier-3 run: prior active analysis prompts are
// retired as superseded, the profile is replaced and the new prompts are
// inserted. Queued analysis prompts are the user's choice and survive. New
// prompts colliding with an open anchor are skipped. All or nothing.
//
// A non-nil relock is re-applied to the prompts that were actually inserted,
// so a lock decision never rests on a prompt lost to an anchor collision.
func (s *PromptStore) ReplaceAnalysis(ctx context.Context, userID string, profile *models.CharacterProfile, prompts []*models.Prompt, relock LockFunc) (*ReplaceResult, error) {
	res := &ReplaceResult{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()

		var prior []PromptRow
		err := tx.Where("user_id = ? AND state = ? AND tier = ?", userID, models.StateActive, models.TierAnalysis).Find(&prior).Error
		if err != nil {
			return err
		}
		for i := range prior {
			if err := retire(tx, &prior[i], models.HistorySuperseded, now); err != nil {
				if errors.Is(err, models.ErrInvalidTransition) {
					continue
				}
				return err
			}
			res.Superseded = append(res.Superseded, prior[i].ID)
		}

		if profile != nil {
			if err := upsertProfile(tx, profile, now); err != nil {
				return fmt.Errorf("replace profile: %w", err)
			}
		}

		for _, p := range prompts {
			if p.UserID != userID {
				return fmt.Errorf("prompt %s belongs to another user", p.ID)
			}
			row, err := toPromptRow(p)
			if err != nil {
				return err
			}
			inserted, err := insertPromptRow(tx, row)
			if err != nil {
				return fmt.Errorf("insert prompt: %w", err)
			}
			if !inserted {
				res.Duplicates++
				continue
			}
			res.Inserted = append(res.Inserted, p)
		}
		if relock == nil || res.Duplicates == 0 {
			return nil
		}
		return relockInserted(tx, res.Inserted, relock)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// relockInserted re-applies relock to inserted prompts and persists the rows
// whose lock state changed.
func relockInserted(tx *gorm.DB, inserted []*models.Prompt, relock LockFunc) error {
	before := make([]bool, len(inserted))
	for i, p := range inserted {
		before[i] = p.IsLocked
	}
	relock(inserted)
	for i, p := range inserted {
		if p.IsLocked == before[i] {
			continue
		}
		var expires any
		if p.ExpiresAt != nil {
			expires = p.ExpiresAt.UnixMilli()
		}
		err := tx.Model(&PromptRow{}).Where("id = ?", p.ID).Updates(map[string]any{
			"is_locked":        p.IsLocked,
			"expires_at_epoch": expires,
		}).Error
		if err != nil {
			return fmt.Errorf("relock prompt %s: %w", p.ID, err)
		}
	}
	return nil
}

// retire moves an active row to expired and writes a history row.
func retire(tx *gorm.DB, row *PromptRow, event models.HistoryEvent, now time.Time) error {
	if err := conditionalUpdate(tx, row, map[string]any{
		"state":          models.StateExpired,
		"queue_position": nil,
	}); err != nil {
		return err
	}
	row.State = models.StateExpired
	return tx.Create(historyFromPrompt(uuid.NewString(), row, event, "", now)).Error
}

func findPrompt(tx *gorm.DB, userID, id string) (*PromptRow, error) {
	var row PromptRow
	err := tx.Where("id = ? AND user_id = ?", id, userID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrPromptNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// checkTransition validates a move against the lifecycle graph. An active
// prompt past its expiry counts as expired.
func checkTransition(row *PromptRow, to models.PromptState, now time.Time) error {
	from := row.State
	if from == models.StateActive && row.ExpiresAtEpoch.Valid && row.ExpiresAtEpoch.Int64 <= now.UnixMilli() && to != models.StateExpired {
		from = models.StateExpired
	}
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, from, to)
	}
	return nil
}

// conditionalUpdate applies updates only if the row is still in the state it
// was read in, so a concurrent transition cannot be overwritten.
func conditionalUpdate(tx *gorm.DB, row *PromptRow, updates map[string]any) error {
	result := tx.Model(&PromptRow{}).
		Where("id = ? AND user_id = ? AND state = ?", row.ID, row.UserID, row.State).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s changed concurrently", models.ErrInvalidTransition, row.ID)
	}
	return nil
}

func sameSet(have, want []string) bool {
	if len(have) != len(want) {
		return false
	}
	seen := make(map[string]int, len(have))
	for _, id := range have {
		seen[id]++
	}
	for _, id := range want {
		if seen[id] == 0 {
			return false
		}
		seen[id]--
	}
	return true
}
