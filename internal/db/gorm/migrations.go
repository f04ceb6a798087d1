package gorm

import (
	"fmt"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations runs all database migrations using gormigrate.
func runMigrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		// Migration 001: Stories
		{
			ID: "001_stories",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&StoryRow{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("stories")
			},
		},

		// Migration 002: Prompt ledger with the open-anchor uniqueness rule
		{
			ID: "002_prompts",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&PromptRow{}); err != nil {
					return err
				}
				// Partial index: an anchor may reappear once its prior prompt
				// has left the active/queued pool.
				return tx.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_prompts_open_anchor
					ON prompts(user_id, anchor_hash)
					WHERE state IN ('active', 'queued')`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				if err := tx.Exec("DROP INDEX IF EXISTS idx_prompts_open_anchor").Error; err != nil {
					return err
				}
				return tx.Migrator().DropTable("prompts")
			},
		},

		// Migration 003: Prompt history
		{
			ID: "003_prompt_history",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&PromptHistoryRow{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("prompt_history")
			},
		},

		// Migration 004: Character profiles
		{
			ID: "004_character_profiles",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&CharacterProfileRow{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("character_profiles")
			},
		},

		// Migration 005: Milestone run ledger
		{
			ID: "005_milestone_runs",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&MilestoneRunRow{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("milestone_runs")
			},
		},

		// Migration 006: Entitlements
		{
			ID: "006_entitlements",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&EntitlementRow{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("entitlements")
			},
		},
	})

	if err := m.Migrate(); err != nil {
		return fmt.Errorf("run gormigrate migrations: %w", err)
	}

	return nil
}

// ensureStoryFTS creates the stories_fts index when the linked SQLite has
// FTS5. It runs outside gormigrate because availability depends on the build,
// not on the schema version. Returns whether FTS is usable.
func ensureStoryFTS(db *gorm.DB) (bool, error) {
	var enabled int
	if err := db.Raw("SELECT sqlite_compileoption_used('ENABLE_FTS5')").Scan(&enabled).Error; err != nil {
		return false, err
	}
	if enabled == 0 {
		return false, nil
	}

	var existing int64
	if err := db.Raw("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='stories_fts'").Scan(&existing).Error; err != nil {
		return false, err
	}

	sqls := []string{
		`CREATE VIRTUAL TABLE IF NOT EXISTS stories_fts USING fts5(
			transcript,
			content='stories',
			content_rowid='rowid'
		)`,
		`CREATE TRIGGER IF NOT EXISTS stories_ai AFTER INSERT ON stories BEGIN
			INSERT INTO stories_fts(rowid, transcript)
			VALUES (new.rowid, new.transcript);
		END`,
		`CREATE TRIGGER IF NOT EXISTS stories_ad AFTER DELETE ON stories BEGIN
			INSERT INTO stories_fts(stories_fts, rowid, transcript)
			VALUES('delete', old.rowid, old.transcript);
		END`,
		`CREATE TRIGGER IF NOT EXISTS stories_au AFTER UPDATE ON stories BEGIN
			INSERT INTO stories_fts(stories_fts, rowid, transcript)
			VALUES('delete', old.rowid, old.transcript);
			INSERT INTO stories_fts(rowid, transcript)
			VALUES (new.rowid, new.transcript);
		END`,
	}
	for _, s := range sqls {
		if err := db.Exec(s).Error; err != nil {
			return false, err
		}
	}

	// Stories saved before FTS existed need indexing once.
	if existing == 0 {
		if err := db.Exec("INSERT INTO stories_fts(stories_fts) VALUES('rebuild')").Error; err != nil {
			return false, err
		}
	}
	return true, nil
}
