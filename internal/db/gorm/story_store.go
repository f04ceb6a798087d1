package gorm

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/thebtf/storyprompt/pkg/models"
)

// ErrStoryNotFound is returned when a story does not exist for the user.
var ErrStoryNotFound = errors.New("story not found")

// StoryStore provides story persistence. Stories belong to the recording
// side of the system; the prompt engine reads them for extraction, mention
// counts and Tier-3 corpora.
type StoryStore struct {
	db    *gorm.DB
	rawDB *sql.DB
	fts   bool
}

// NewStoryStore creates a new story store.
func NewStoryStore(store *Store) *StoryStore {
	return &StoryStore{
		db:    store.DB,
		rawDB: store.GetRawDB(),
		fts:   store.HasFTS(),
	}
}

// CreateStory saves a story, assigning an id and timestamp when missing.
func (s *StoryStore) CreateStory(ctx context.Context, story *models.Story) error {
	if story.ID == "" {
		story.ID = uuid.NewString()
	}
	row := &StoryRow{
		ID:             story.ID,
		UserID:         story.UserID,
		Transcript:     story.Transcript,
		Lesson:         nullString(story.Lesson),
		SourcePromptID: nullString(story.SourcePromptID),
		Year:           nullInt64(int64(story.Year)),
	}
	if !story.CreatedAt.IsZero() {
		row.CreatedAtEpoch = story.CreatedAt.UnixMilli()
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return err
	}
	*story = *toModelStory(row)
	return nil
}

// GetStory retrieves one of the user's stories.
func (s *StoryStore) GetStory(ctx context.Context, userID, id string) (*models.Story, error) {
	var row StoryRow
	err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrStoryNotFound
	}
	if err != nil {
		return nil, err
	}
	return toModelStory(&row), nil
}

// CountStories returns the user's total story count.
func (s *StoryStore) CountStories(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&StoryRow{}).Where("user_id = ?", userID).Count(&count).Error
	return count, err
}

// ListStories returns the user's stories oldest first.
func (s *StoryStore) ListStories(ctx context.Context, userID string) ([]*models.Story, error) {
	var rows []StoryRow
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at_epoch ASC").Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*models.Story, 0, len(rows))
	for i := range rows {
		out = append(out, toModelStory(&rows[i]))
	}
	return out, nil
}

// CountMentions returns how many of the user's stories mention phrase.
// Uses FTS5 phrase matching when available and falls back to LIKE.
func (s *StoryStore) CountMentions(ctx context.Context, userID, phrase string) (int, error) {
	phrase = strings.TrimSpace(phrase)
	if phrase == "" {
		return 0, nil
	}
	if s.fts {
		// FTS5 phrase query; double quotes inside the phrase are escaped by doubling.
		match := `"` + strings.ReplaceAll(phrase, `"`, `""`) + `"`
		var count int
		err := s.rawDB.QueryRowContext(ctx, `
			SELECT COUNT(*)
			FROM stories s
			JOIN stories_fts fts ON s.rowid = fts.rowid
			WHERE stories_fts MATCH ? AND s.user_id = ?`, match, userID).Scan(&count)
		if err == nil {
			return count, nil
		}
		// FTS failed, try LIKE fallback
	}
	return s.countMentionsLike(ctx, userID, phrase)
}

func (s *StoryStore) countMentionsLike(ctx context.Context, userID, phrase string) (int, error) {
	pattern := "%" + escapeLike(strings.ToLower(phrase)) + "%"
	var count int64
	err := s.db.WithContext(ctx).Model(&StoryRow{}).
		Where("user_id = ? AND LOWER(transcript) LIKE ? ESCAPE '\\'", userID, pattern).
		Count(&count).Error
	return int(count), err
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
