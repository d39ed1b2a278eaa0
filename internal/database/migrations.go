package database

import (
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/codevault/backend/internal/tags"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	migrationNormalizeTagKeys      = "2026-10-01_normalize_tag_keys"
	migrationRecountSnippetTallies = "2026-10-01_recount_snippet_tallies"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func migrations() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationNormalizeTagKeys, apply: normalizeTagKeys},
		{name: migrationRecountSnippetTallies, apply: recountSnippetTallies},
	}
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	for _, migration := range migrations() {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: time.Now().UTC().Unix()}).Error
		})
		if err != nil {
			return err
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

// normalizeTagKeys folds tag rows written with mixed case into their
// lowercase key, summing the counters.
func normalizeTagKeys(tx *gorm.DB) error {
	var mixed []tags.Tag
	if err := tx.Where("name <> lower(name) OR name <> trim(name)").Find(&mixed).Error; err != nil {
		return err
	}
	for _, row := range mixed {
		key := tags.Key(row.Name)
		if err := tx.Where("name = ?", row.Name).Delete(&tags.Tag{}).Error; err != nil {
			return err
		}
		if key == "" {
			continue
		}
		merged := tags.Tag{Name: key, UsageCount: row.UsageCount, CreatedAt: row.CreatedAt, LastUsed: row.LastUsed}
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "name"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"usage_count": gorm.Expr("usage_count + ?", row.UsageCount),
			}),
		}).Create(&merged).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// recountSnippetTallies rebuilds vote_count and favorite_count from the vote
// and favorite tables.
func recountSnippetTallies(tx *gorm.DB) error {
	statement := strings.Join([]string{
		"UPDATE snippets SET",
		"vote_count = COALESCE((SELECT SUM(value) FROM snippet_votes WHERE snippet_votes.snippet_id = snippets.id), 0),",
		"favorite_count = (SELECT COUNT(*) FROM user_favorites WHERE user_favorites.snippet_id = snippets.id)",
	}, " ")
	return tx.Exec(statement).Error
}
