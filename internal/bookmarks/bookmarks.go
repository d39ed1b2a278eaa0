// Package bookmarks keeps per-user snippet bookmarks, independent of
// favorites.
package bookmarks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/codevault/backend/internal/apperror"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/changefeed"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/identity"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/livequery"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/reactive"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/snippets"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opServiceNew = "bookmarks.service.new"
	opToggle     = "bookmarks.toggle"
	opIsMarked   = "bookmarks.is_bookmarked"
	opList       = "bookmarks.list"
	opNewStore   = "bookmarks.new_store"
)

type Bookmark struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	UserID    string    `gorm:"size:190;not null;uniqueIndex:idx_bookmarks_user_snippet" json:"userId"`
	SnippetID string    `gorm:"size:64;not null;uniqueIndex:idx_bookmarks_user_snippet;index:idx_bookmarks_snippet" json:"snippetId"`
	CreatedAt time.Time `json:"createdAt"`
}

func (Bookmark) TableName() string {
	return "bookmarks"
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
	Feed       changefeed.Publisher
	Snippets   *snippets.Service
	Logger     *zap.Logger
}

type Service struct {
	db     *gorm.DB
	now    func() time.Time
	ids    ids.Provider
	feed   changefeed.Publisher
	logger *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("%s: database connection required", opServiceNew)
	}
	service := &Service{db: cfg.Database, now: cfg.Clock, ids: cfg.IDProvider, feed: cfg.Feed, logger: cfg.Logger}
	if service.now == nil {
		service.now = time.Now
	}
	if service.ids == nil {
		service.ids = ids.NewUUIDProvider()
	}
	if service.feed == nil {
		service.feed = changefeed.Discard
	}
	if service.logger == nil {
		service.logger = zap.NewNop()
	}
	if cfg.Snippets != nil {
		cfg.Snippets.RegisterCascade(service.deleteForSnippet)
	}
	return service, nil
}

// Toggle bookmarks snippetID for the caller, or removes the bookmark when one
// exists. It reports whether the snippet is bookmarked afterwards.
func (s *Service) Toggle(ctx context.Context, snippetID string) (bool, error) {
	user, err := identity.Require(ctx, opToggle)
	if err != nil {
		return false, err
	}
	bookmarkID, err := s.ids.NewID()
	if err != nil {
		s.logError(opToggle, "id_generation_failed", err)
		return false, apperror.Backend(opToggle, err)
	}

	bookmarked := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := snippets.Load(tx, opToggle, snippetID); err != nil {
			return err
		}
		result := tx.Where("user_id = ? AND snippet_id = ?", user.ID, snippetID).Delete(&Bookmark{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected > 0 {
			return nil
		}
		bookmarked = true
		return tx.Create(&Bookmark{
			ID:        bookmarkID,
			UserID:    user.ID,
			SnippetID: snippetID,
			CreatedAt: s.now().UTC(),
		}).Error
	})
	if err != nil {
		var appErr *apperror.Error
		if errors.As(err, &appErr) {
			return false, err
		}
		s.logError(opToggle, "transaction_failed", err, zap.String("snippet_id", snippetID))
		return false, apperror.Backend(opToggle, err)
	}
	kind := changefeed.KindDeleted
	if bookmarked {
		kind = changefeed.KindCreated
	}
	s.feed.Publish(changefeed.Events(kind, s.now().UTC(), []string{snippetID}, changefeed.Bookmarks(user.ID))...)
	return bookmarked, nil
}

// IsBookmarked reports whether the caller bookmarked snippetID.
func (s *Service) IsBookmarked(ctx context.Context, snippetID string) (bool, error) {
	user, err := identity.Require(ctx, opIsMarked)
	if err != nil {
		return false, err
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&Bookmark{}).
		Where("user_id = ? AND snippet_id = ?", user.ID, snippetID).
		Count(&count).Error; err != nil {
		s.logError(opIsMarked, "bookmark_count_failed", err, zap.String("snippet_id", snippetID))
		return false, apperror.Backend(opIsMarked, err)
	}
	return count > 0, nil
}

// List returns userID's bookmarks, newest first.
func (s *Service) List(ctx context.Context, userID string) ([]Bookmark, error) {
	var list []Bookmark
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Find(&list).Error; err != nil {
		s.logError(opList, "bookmark_select_failed", err, zap.String("user_id", userID))
		return nil, apperror.Backend(opList, err)
	}
	return list, nil
}

func (s *Service) deleteForSnippet(tx *gorm.DB, snippet snippets.Snippet) ([]string, error) {
	var holders []string
	if err := tx.Model(&Bookmark{}).Where("snippet_id = ?", snippet.ID).Pluck("user_id", &holders).Error; err != nil {
		return nil, err
	}
	if err := tx.Where("snippet_id = ?", snippet.ID).Delete(&Bookmark{}).Error; err != nil {
		return nil, err
	}
	topics := make([]string, 0, len(holders))
	for _, userID := range holders {
		topics = append(topics, changefeed.Bookmarks(userID))
	}
	return topics, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("bookmarks service error", attrs...)
}

type StoreConfig struct {
	Service *Service
	Feed    livequery.Feed
	OnError func(error)
	Logger  *zap.Logger
}

// Store mirrors the signed-in user's bookmarks.
type Store struct {
	service   *Service
	query     *livequery.Query[Bookmark]
	closeOnce sync.Once
}

func NewStore(ctx context.Context, cfg StoreConfig) (*Store, error) {
	user, err := identity.Require(ctx, opNewStore)
	if err != nil {
		return nil, err
	}
	service := cfg.Service
	query := livequery.Start(ctx, livequery.Config[Bookmark]{
		Name:   "bookmarks",
		Feed:   cfg.Feed,
		Topics: []string{changefeed.Bookmarks(user.ID)},
		Load: func(ctx context.Context) ([]Bookmark, error) {
			return service.List(ctx, user.ID)
		},
		OnError: cfg.OnError,
		Logger:  cfg.Logger,
	})
	return &Store{service: service, query: query}, nil
}

func (s *Store) Bookmarks() *reactive.Value[[]Bookmark] {
	return s.query.Items()
}

func (s *Store) Degraded() *reactive.Value[error] {
	return s.query.Degraded()
}

// IsBookmarked answers from the mirrored list.
func (s *Store) IsBookmarked(snippetID string) bool {
	for _, bookmark := range s.query.Items().Get() {
		if bookmark.SnippetID == snippetID {
			return true
		}
	}
	return false
}

func (s *Store) Toggle(ctx context.Context, snippetID string) (bool, apperror.Result) {
	bookmarked, err := s.service.Toggle(ctx, snippetID)
	return bookmarked, metrics.Result(opToggle, err)
}

func (s *Store) Close() {
	s.closeOnce.Do(s.query.Close)
}
