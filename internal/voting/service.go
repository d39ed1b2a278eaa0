// Package voting maintains per-user votes and favorites together with the
// snippet aggregates that count them.
package voting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/codevault/backend/internal/apperror"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/changefeed"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/identity"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/snippets"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew      = "voting.service.new"
	opVote            = "voting.vote"
	opFavorite        = "voting.favorite"
	opListVotes       = "voting.list_votes"
	opListFavorites   = "voting.list_favorites"
	opFavoriteSnippet = "voting.favorite_snippets"
)

var noOpLogger = zap.NewNop()

type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Feed     changefeed.Publisher
	Snippets *snippets.Service
	Logger   *zap.Logger
}

type Service struct {
	db     *gorm.DB
	now    func() time.Time
	feed   changefeed.Publisher
	logger *zap.Logger
}

// NewService constructs the voting service and registers its cascade with
// the snippet service when one is given.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("%s: database connection required", opServiceNew)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	feed := cfg.Feed
	if feed == nil {
		feed = changefeed.Discard
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	service := &Service{db: cfg.Database, now: clock, feed: feed, logger: logger}
	if cfg.Snippets != nil {
		cfg.Snippets.RegisterCascade(service.deleteForSnippet)
	}
	return service, nil
}

// Vote applies value for the caller on snippetID and returns the caller's
// resulting vote. Repeating the current vote withdraws it. The vote row and
// the snippet's voteCount change in the same transaction.
func (s *Service) Vote(ctx context.Context, snippetID string, value int) (int, error) {
	defer metrics.ObserveTransaction(opVote, time.Now())
	user, err := identity.Require(ctx, opVote)
	if err != nil {
		return 0, err
	}
	if value < -1 || value > 1 {
		return 0, apperror.Validation(opVote, "Vote value must be -1, 0 or 1")
	}

	var target snippets.Snippet
	var result int
	var delta int
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loaded, err := snippets.LockVisible(tx, opVote, snippetID, user.ID)
		if err != nil {
			return err
		}
		target = loaded

		current := 0
		var existing Vote
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("snippet_id = ? AND user_id = ?", snippetID, user.ID).
			Take(&existing).Error
		switch {
		case err == nil:
			current = existing.Value
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		next := value
		if value == current {
			next = 0
		}
		delta = next - current
		if delta == 0 {
			result = current
			return nil
		}

		if next == 0 {
			if err := tx.Where("snippet_id = ? AND user_id = ?", snippetID, user.ID).Delete(&Vote{}).Error; err != nil {
				return err
			}
		} else {
			vote := Vote{SnippetID: snippetID, UserID: user.ID, Value: next, CreatedAt: s.now().UTC()}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "snippet_id"}, {Name: "user_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"value", "created_at"}),
			}).Create(&vote).Error; err != nil {
				return err
			}
		}
		if err := tx.Model(&snippets.Snippet{}).
			Where("id = ?", snippetID).
			UpdateColumn("vote_count", gorm.Expr("vote_count + ?", delta)).Error; err != nil {
			return err
		}
		result = next
		return nil
	})
	if err != nil {
		return 0, s.fail(opVote, "transaction_failed", err, zap.String("snippet_id", snippetID), zap.String("user_id", user.ID))
	}
	if delta != 0 {
		s.announce(snippetID, append(snippets.Topics(target), changefeed.Votes(user.ID))...)
	}
	return result, nil
}

// Favorite sets the caller's favorite membership for snippetID. Setting the
// current state again changes nothing.
func (s *Service) Favorite(ctx context.Context, snippetID string, isFavorite bool) error {
	defer metrics.ObserveTransaction(opFavorite, time.Now())
	user, err := identity.Require(ctx, opFavorite)
	if err != nil {
		return err
	}

	var target snippets.Snippet
	changed := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loaded, err := snippets.LockVisible(tx, opFavorite, snippetID, user.ID)
		if err != nil {
			return err
		}
		target = loaded

		var members int64
		if err := tx.Model(&Favorite{}).
			Where("user_id = ? AND snippet_id = ?", user.ID, snippetID).
			Count(&members).Error; err != nil {
			return err
		}
		if (members > 0) == isFavorite {
			return nil
		}

		delta := 1
		if isFavorite {
			if err := tx.Create(&Favorite{UserID: user.ID, SnippetID: snippetID, CreatedAt: s.now().UTC()}).Error; err != nil {
				return err
			}
		} else {
			delta = -1
			if err := tx.Where("user_id = ? AND snippet_id = ?", user.ID, snippetID).Delete(&Favorite{}).Error; err != nil {
				return err
			}
		}
		changed = true
		return tx.Model(&snippets.Snippet{}).
			Where("id = ?", snippetID).
			UpdateColumn("favorite_count", gorm.Expr("favorite_count + ?", delta)).Error
	})
	if err != nil {
		return s.fail(opFavorite, "transaction_failed", err, zap.String("snippet_id", snippetID), zap.String("user_id", user.ID))
	}
	if changed {
		s.announce(snippetID, append(snippets.Topics(target), changefeed.Favorites(user.ID))...)
	}
	return nil
}

// ListVotes returns the votes userID cast on public snippets.
func (s *Service) ListVotes(ctx context.Context, userID string) ([]Vote, error) {
	var votes []Vote
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Where("snippet_id IN (?)", s.db.Model(&snippets.Snippet{}).Select("id").Where("visibility = ?", snippets.VisibilityPublic)).
		Find(&votes).Error
	if err != nil {
		s.logError(opListVotes, "vote_select_failed", err, zap.String("user_id", userID))
		return nil, apperror.Backend(opListVotes, err)
	}
	return votes, nil
}

// ListFavorites returns userID's favorite memberships, newest first.
func (s *Service) ListFavorites(ctx context.Context, userID string) ([]Favorite, error) {
	var favorites []Favorite
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Find(&favorites).Error
	if err != nil {
		s.logError(opListFavorites, "favorite_select_failed", err, zap.String("user_id", userID))
		return nil, apperror.Backend(opListFavorites, err)
	}
	return favorites, nil
}

// FavoriteSnippets returns the snippets userID favorited.
func (s *Service) FavoriteSnippets(ctx context.Context, userID string) ([]snippets.Snippet, error) {
	var favorited []snippets.Snippet
	err := s.db.WithContext(ctx).
		Where("id IN (?)", s.db.Model(&Favorite{}).Select("snippet_id").Where("user_id = ?", userID)).
		Find(&favorited).Error
	if err != nil {
		s.logError(opFavoriteSnippet, "snippet_select_failed", err, zap.String("user_id", userID))
		return nil, apperror.Backend(opFavoriteSnippet, err)
	}
	snippets.SortByUpdated(favorited)
	return favorited, nil
}

func (s *Service) deleteForSnippet(tx *gorm.DB, snippet snippets.Snippet) ([]string, error) {
	var voters, fans []string
	if err := tx.Model(&Vote{}).Where("snippet_id = ?", snippet.ID).Pluck("user_id", &voters).Error; err != nil {
		return nil, err
	}
	if err := tx.Model(&Favorite{}).Where("snippet_id = ?", snippet.ID).Pluck("user_id", &fans).Error; err != nil {
		return nil, err
	}
	if err := tx.Where("snippet_id = ?", snippet.ID).Delete(&Vote{}).Error; err != nil {
		return nil, err
	}
	if err := tx.Where("snippet_id = ?", snippet.ID).Delete(&Favorite{}).Error; err != nil {
		return nil, err
	}
	topics := make([]string, 0, len(voters)+len(fans))
	for _, userID := range voters {
		topics = append(topics, changefeed.Votes(userID))
	}
	for _, userID := range fans {
		topics = append(topics, changefeed.Favorites(userID))
	}
	return topics, nil
}

func (s *Service) announce(snippetID string, topics ...string) {
	s.feed.Publish(changefeed.Events(changefeed.KindUpdated, s.now().UTC(), []string{snippetID}, topics...)...)
}

func (s *Service) fail(op, reason string, err error, fields ...zap.Field) error {
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		return err
	}
	s.logError(op, reason, err, fields...)
	return apperror.Backend(op, err)
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
	s.logger.Error("voting service error", attrs...)
}
