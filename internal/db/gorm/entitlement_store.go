package gorm

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EntitlementStore caches the billing system's paid signal per user.
type EntitlementStore struct {
	db *gorm.DB
}

// NewEntitlementStore creates a new entitlement store.
func NewEntitlementStore(store *Store) *EntitlementStore {
	return &EntitlementStore{db: store.DB}
}

// IsPaid reports whether the user is past the paywall. Unknown users are not.
func (s *EntitlementStore) IsPaid(ctx context.Context, userID string) (bool, error) {
	var row EntitlementRow
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return row.Paid, nil
}

// SetPaid records the user's paid state.
func (s *EntitlementStore) SetPaid(ctx context.Context, userID string, paid bool) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"paid", "updated_at_epoch"}),
	}).Create(&EntitlementRow{
		UserID:         userID,
		Paid:           paid,
		UpdatedAtEpoch: time.Now().UnixMilli(),
	}).Error
}
