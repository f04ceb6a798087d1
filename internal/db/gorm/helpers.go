package gorm

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/thebtf/storyprompt/pkg/models"
)

// nullString creates a sql.NullString from a string.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullInt64 creates a sql.NullInt64, treating zero as NULL.
func nullInt64(n int64) sql.NullInt64 {
	if n == 0 {
		return sql.NullInt64{Valid: false}
	}
	return sql.NullInt64{Int64: n, Valid: true}
}

func nullEpoch(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func epochPtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.UnixMilli(n.Int64)
	return &t
}

func toPromptRow(p *models.Prompt) (*PromptRow, error) {
	src, origin, err := models.EncodeOrigin(p.Origin)
	if err != nil {
		return nil, err
	}
	if src == "" {
		return nil, fmt.Errorf("prompt %s has no origin", p.ID)
	}
	row := &PromptRow{
		ID:             p.ID,
		UserID:         p.UserID,
		State:          p.State,
		Tier:           p.Tier,
		Source:         src,
		Origin:         nullString(string(origin)),
		Text:           p.Text,
		ContextNote:    nullString(p.ContextNote),
		MemoryType:     p.MemoryType,
		AnchorEntity:   nullString(p.AnchorEntity),
		AnchorYear:     nullInt64(int64(p.AnchorYear)),
		AnchorHash:     p.AnchorHash,
		Score:          p.Score,
		ScoreReason:    nullString(p.ScoreReason),
		ModelVersion:   nullString(p.ModelVersion),
		ShownCount:     p.ShownCount,
		QueuePosition:  nullInt64(int64(p.QueuePosition)),
		IsLocked:       p.IsLocked,
		ExpiresAtEpoch: nullEpoch(p.ExpiresAt),
	}
	if !p.CreatedAt.IsZero() {
		row.CreatedAtEpoch = p.CreatedAt.UnixMilli()
	}
	return row, nil
}

func toModelPrompt(row *PromptRow) (*models.Prompt, error) {
	origin, err := models.DecodeOrigin(row.Source, []byte(row.Origin.String))
	if err != nil {
		return nil, err
	}
	return &models.Prompt{
		CreatedAt:     time.UnixMilli(row.CreatedAtEpoch),
		ExpiresAt:     epochPtr(row.ExpiresAtEpoch),
		ArchivedAt:    epochPtr(row.ArchivedAtEpoch),
		Origin:        origin,
		ID:            row.ID,
		UserID:        row.UserID,
		Text:          row.Text,
		ContextNote:   row.ContextNote.String,
		MemoryType:    row.MemoryType,
		AnchorEntity:  row.AnchorEntity.String,
		AnchorHash:    row.AnchorHash,
		ScoreReason:   row.ScoreReason.String,
		ModelVersion:  row.ModelVersion.String,
		State:         row.State,
		Tier:          row.Tier,
		AnchorYear:    int(row.AnchorYear.Int64),
		Score:         row.Score,
		ShownCount:    row.ShownCount,
		QueuePosition: int(row.QueuePosition.Int64),
		IsLocked:      row.IsLocked,
	}, nil
}

func toModelPrompts(rows []PromptRow) ([]*models.Prompt, error) {
	out := make([]*models.Prompt, 0, len(rows))
	for i := range rows {
		p, err := toModelPrompt(&rows[i])
		if err != nil {
			return nil, fmt.Errorf("prompt %s: %w", rows[i].ID, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// historyFromPrompt copies a prompt row into a history row.
func historyFromPrompt(id string, row *PromptRow, event models.HistoryEvent, storyID string, at time.Time) *PromptHistoryRow {
	return &PromptHistoryRow{
		ID:                   id,
		PromptID:             row.ID,
		UserID:               row.UserID,
		StoryID:              nullString(storyID),
		Event:                event,
		Tier:                 row.Tier,
		Source:               row.Source,
		Origin:               row.Origin,
		Text:                 row.Text,
		ContextNote:          row.ContextNote,
		MemoryType:           row.MemoryType,
		AnchorEntity:         row.AnchorEntity,
		AnchorYear:           row.AnchorYear,
		AnchorHash:           row.AnchorHash,
		Score:                row.Score,
		ScoreReason:          row.ScoreReason,
		ModelVersion:         row.ModelVersion,
		ShownCount:           row.ShownCount,
		PromptCreatedAtEpoch: row.CreatedAtEpoch,
		RecordedAtEpoch:      at.UnixMilli(),
	}
}

func toModelHistory(row *PromptHistoryRow) *models.PromptHistory {
	return &models.PromptHistory{
		RecordedAt:      time.UnixMilli(row.RecordedAtEpoch),
		PromptCreatedAt: time.UnixMilli(row.PromptCreatedAtEpoch),
		ID:              row.ID,
		PromptID:        row.PromptID,
		UserID:          row.UserID,
		StoryID:         row.StoryID.String,
		Event:           row.Event,
		Text:            row.Text,
		ContextNote:     row.ContextNote.String,
		MemoryType:      row.MemoryType,
		AnchorEntity:    row.AnchorEntity.String,
		AnchorHash:      row.AnchorHash,
		ScoreReason:     row.ScoreReason.String,
		ModelVersion:    row.ModelVersion.String,
		Source:          row.Source,
		Tier:            row.Tier,
		AnchorYear:      int(row.AnchorYear.Int64),
		Score:           row.Score,
		ShownCount:      row.ShownCount,
	}
}

func toModelStory(row *StoryRow) *models.Story {
	return &models.Story{
		CreatedAt:      time.UnixMilli(row.CreatedAtEpoch),
		ID:             row.ID,
		UserID:         row.UserID,
		Transcript:     row.Transcript,
		Lesson:         row.Lesson.String,
		SourcePromptID: row.SourcePromptID.String,
		Year:           int(row.Year.Int64),
	}
}
