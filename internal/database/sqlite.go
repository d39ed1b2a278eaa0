package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/codevault/backend/internal/bookmarks"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/feedback"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/profile"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/snippets"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/tags"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/todos"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/users"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/versions"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/voting"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Models lists every persisted collection.
func Models() []interface{} {
	return []interface{}{
		&users.Account{},
		&users.Identity{},
		&users.Document{},
		&snippets.Snippet{},
		&voting.Vote{},
		&voting.Favorite{},
		&bookmarks.Bookmark{},
		&todos.Todo{},
		&feedback.Request{},
		&feedback.Comment{},
		&versions.Version{},
		&tags.Tag{},
		&profile.Profile{},
		&migrationRecord{},
	}
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
// The pool is limited to one connection, which serializes transactions.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, err
	}
	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	logger.Info("database initialized", zap.String("path", path))
	return db, nil
}
