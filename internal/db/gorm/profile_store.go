package gorm

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/thebtf/storyprompt/pkg/models"
)

// ProfileStore reads character profiles. Profiles are written only by
// PromptStore.ReplaceAnalysis so they change together with the prompt set.
type ProfileStore struct {
	db *gorm.DB
}

// NewProfileStore creates a new profile store.
func NewProfileStore(store *Store) *ProfileStore {
	return &ProfileStore{db: store.DB}
}

// GetProfile returns the user's current profile.
func (s *ProfileStore) GetProfile(ctx context.Context, userID string) (*models.CharacterProfile, error) {
	var row CharacterProfileRow
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrProfileNotFound
	}
	if err != nil {
		return nil, err
	}
	return &models.CharacterProfile{
		UpdatedAt:      time.UnixMilli(row.UpdatedAtEpoch),
		UserID:         row.UserID,
		ModelVersion:   row.ModelVersion.String,
		Traits:         row.Traits.Data,
		InvisibleRules: []string(row.InvisibleRules),
		Contradictions: row.Contradictions.Data,
		CoreLessons:    []string(row.CoreLessons),
		Milestone:      row.Milestone,
	}, nil
}

// upsertProfile replaces the user's profile wholesale.
func upsertProfile(tx *gorm.DB, p *models.CharacterProfile, now time.Time) error {
	row := &CharacterProfileRow{
		UserID:         p.UserID,
		ModelVersion:   nullString(p.ModelVersion),
		Traits:         models.JSON[[]models.Trait]{Data: nonNil(p.Traits)},
		InvisibleRules: models.JSONStringArray(nonNil(p.InvisibleRules)),
		Contradictions: models.JSON[[]models.Contradiction]{Data: nonNil(p.Contradictions)},
		CoreLessons:    models.JSONStringArray(nonNil(p.CoreLessons)),
		Milestone:      p.Milestone,
		UpdatedAt:      now.UTC().Format(time.RFC3339),
		UpdatedAtEpoch: now.UnixMilli(),
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		UpdateAll: true,
	}).Create(row).Error
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
