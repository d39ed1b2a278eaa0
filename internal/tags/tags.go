// Package tags maintains the global tag usage registry used for suggestions
// and popularity ranking.
package tags

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/codevault/backend/internal/apperror"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/changefeed"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/identity"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew = "tags.service.new"
	opAddUsage   = "tags.add_usage"
	opAddUsages  = "tags.add_usages"
	opAll        = "tags.all"

	listLimit       = 100
	suggestionLimit = 8
	popularLimit    = 20
)

// Tag counts how often a tag has been applied. Name is always lowercase.
type Tag struct {
	Name       string    `gorm:"primaryKey;size:64" json:"name"`
	UsageCount int64     `gorm:"not null;default:0;index:idx_tag_usage_count" json:"usageCount"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsed   time.Time `json:"lastUsed"`
}

func (Tag) TableName() string {
	return "tag_usage"
}

// Key normalizes a tag name to its registry key.
func Key(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Feed     changefeed.Publisher
	Logger   *zap.Logger
}

type Service struct {
	db     *gorm.DB
	now    func() time.Time
	feed   changefeed.Publisher
	logger *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("%s: database connection required", opServiceNew)
	}
	service := &Service{db: cfg.Database, now: cfg.Clock, feed: cfg.Feed, logger: cfg.Logger}
	if service.now == nil {
		service.now = time.Now
	}
	if service.feed == nil {
		service.feed = changefeed.Discard
	}
	if service.logger == nil {
		service.logger = zap.NewNop()
	}
	return service, nil
}

// AddUsage increments the counter for name, creating it on first use.
func (s *Service) AddUsage(ctx context.Context, name string) error {
	if _, err := identity.Require(ctx, opAddUsage); err != nil {
		return err
	}
	key := Key(name)
	if key == "" {
		return apperror.Validation(opAddUsage, "Tag name is required")
	}
	if err := s.increment(ctx, key); err != nil {
		return s.fail(opAddUsage, "tag_upsert_failed", err, zap.String("tag", key))
	}
	s.announce([]string{key})
	return nil
}

// AddUsages increments every named tag. The increments are independent: a
// failure leaves the counters that already succeeded in place.
func (s *Service) AddUsages(ctx context.Context, names []string) error {
	if _, err := identity.Require(ctx, opAddUsages); err != nil {
		return err
	}
	keys := make([]string, 0, len(names))
	for _, name := range names {
		if key := Key(name); key != "" {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return nil
	}
	var group errgroup.Group
	for _, key := range keys {
		key := key
		group.Go(func() error {
			return s.increment(ctx, key)
		})
	}
	err := group.Wait()
	s.announce(keys)
	if err != nil {
		return s.fail(opAddUsages, "tag_upsert_failed", err, zap.Strings("tags", keys))
	}
	return nil
}

// All returns the most used tags, most used first.
func (s *Service) All(ctx context.Context) ([]Tag, error) {
	var list []Tag
	if err := s.db.WithContext(ctx).Order("usage_count DESC").Order("name ASC").Limit(listLimit).Find(&list).Error; err != nil {
		return nil, s.fail(opAll, "tag_select_failed", err)
	}
	return list, nil
}

func (s *Service) increment(ctx context.Context, key string) error {
	now := s.now().UTC()
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "name"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"usage_count": gorm.Expr("usage_count + ?", 1),
			"last_used":   now,
		}),
	}).Create(&Tag{Name: key, UsageCount: 1, CreatedAt: now, LastUsed: now}).Error
}

// Suggestions lists the names in list containing input, excluding an exact
// match, in list order.
func Suggestions(list []Tag, input string) []string {
	needle := Key(input)
	if needle == "" {
		return []string{}
	}
	matches := make([]string, 0, suggestionLimit)
	for _, tag := range list {
		if tag.Name == needle || !strings.Contains(tag.Name, needle) {
			continue
		}
		matches = append(matches, tag.Name)
		if len(matches) == suggestionLimit {
			break
		}
	}
	return matches
}

// Popular returns the names of the most used tags in list.
func Popular(list []Tag) []string {
	ranked := append([]Tag(nil), list...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].UsageCount > ranked[j].UsageCount
	})
	if len(ranked) > popularLimit {
		ranked = ranked[:popularLimit]
	}
	names := make([]string, 0, len(ranked))
	for _, tag := range ranked {
		names = append(names, tag.Name)
	}
	return names
}

func (s *Service) announce(keys []string) {
	s.feed.Publish(changefeed.Events(changefeed.KindUpdated, s.now().UTC(), keys, changefeed.TopicTags)...)
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
	s.logger.Error("tags service error", attrs...)
}
