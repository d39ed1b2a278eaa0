package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/codevault/backend/internal/snippets"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/tags"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/voting"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func openUnmigrated(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	testContext.Cleanup(func() { _ = sqlDB.Close() })
	if err := database.AutoMigrate(Models()...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func TestApplyMigrationsNormalizesTagKeys(testContext *testing.T) {
	database := openUnmigrated(testContext)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rows := []tags.Tag{
		{Name: "Go", UsageCount: 3, CreatedAt: now, LastUsed: now},
		{Name: "go", UsageCount: 2, CreatedAt: now, LastUsed: now},
		{Name: "SQL", UsageCount: 1, CreatedAt: now, LastUsed: now},
	}
	if err := database.Create(&rows).Error; err != nil {
		testContext.Fatalf("failed to seed tags: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored []tags.Tag
	if err := database.Order("name ASC").Find(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload tags: %v", err)
	}
	if len(stored) != 2 {
		testContext.Fatalf("expected two tags after normalization, got %+v", stored)
	}
	if stored[0].Name != "go" || stored[0].UsageCount != 5 {
		testContext.Fatalf("expected go with 5 uses, got %+v", stored[0])
	}
	if stored[1].Name != "sql" || stored[1].UsageCount != 1 {
		testContext.Fatalf("expected sql with 1 use, got %+v", stored[1])
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationNormalizeTagKeys).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsRecountsTallies(testContext *testing.T) {
	database := openUnmigrated(testContext)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	snippet := snippets.Snippet{
		ID:            "snippet-1",
		OwnerID:       "owner",
		Title:         "drifted",
		Code:          "x",
		Language:      "go",
		Visibility:    snippets.VisibilityPublic,
		VoteCount:     42,
		FavoriteCount: 9,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := database.Create(&snippet).Error; err != nil {
		testContext.Fatalf("failed to seed snippet: %v", err)
	}
	votes := []voting.Vote{
		{SnippetID: snippet.ID, UserID: "a", Value: 1, CreatedAt: now},
		{SnippetID: snippet.ID, UserID: "b", Value: 1, CreatedAt: now},
		{SnippetID: snippet.ID, UserID: "c", Value: -1, CreatedAt: now},
	}
	if err := database.Create(&votes).Error; err != nil {
		testContext.Fatalf("failed to seed votes: %v", err)
	}
	if err := database.Create(&voting.Favorite{UserID: "a", SnippetID: snippet.ID, CreatedAt: now}).Error; err != nil {
		testContext.Fatalf("failed to seed favorite: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected second run to be a no-op: %v", err)
	}

	var stored snippets.Snippet
	if err := database.Where("id = ?", snippet.ID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload snippet: %v", err)
	}
	if stored.VoteCount != 1 || stored.FavoriteCount != 1 {
		testContext.Fatalf("expected tallies 1/1, got %d/%d", stored.VoteCount, stored.FavoriteCount)
	}
}

func TestOpenSQLiteCreatesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "codevault.db")
	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	defer sqlDB.Close()

	for _, model := range Models() {
		if !database.Migrator().HasTable(model) {
			testContext.Fatalf("expected table for %T", model)
		}
	}
	if _, err := OpenSQLite("", nil); err == nil {
		testContext.Fatalf("expected empty path to be rejected")
	}
}
