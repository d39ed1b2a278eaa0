// Package profile stores the editable public profile of a user and derives
// statistics from their snippets.
package profile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/codevault/backend/internal/apperror"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/changefeed"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/identity"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/snippets"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew = "profile.service.new"
	opGet        = "profile.get"
	opUpdate     = "profile.update"
	opOverview   = "profile.overview"
	opNewStore   = "profile.new_store"
)

type Profile struct {
	UserID            string    `gorm:"primaryKey;size:190" json:"userId"`
	Bio               string    `gorm:"type:text;not null" json:"bio"`
	Website           string    `gorm:"not null" json:"website"`
	Location          string    `gorm:"not null" json:"location"`
	GithubUsername    string    `gorm:"not null" json:"githubUsername"`
	TwitterUsername   string    `gorm:"not null" json:"twitterUsername"`
	EditorTheme       string    `gorm:"size:64;not null" json:"editorTheme"`
	PreferredLanguage string    `gorm:"size:64;not null" json:"preferredLanguage"`
	PublicProfile     bool      `gorm:"not null" json:"publicProfile"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

func (Profile) TableName() string {
	return "profiles"
}

// Defaults is the profile of a user who never saved one.
func Defaults(userID string) Profile {
	return Profile{
		UserID:            userID,
		EditorTheme:       "vs-dark",
		PreferredLanguage: "javascript",
		PublicProfile:     true,
	}
}

// Fields carries the profile fields to change. Nil fields are kept.
type Fields struct {
	Bio               *string `json:"bio,omitempty"`
	Website           *string `json:"website,omitempty"`
	Location          *string `json:"location,omitempty"`
	GithubUsername    *string `json:"githubUsername,omitempty"`
	TwitterUsername   *string `json:"twitterUsername,omitempty"`
	EditorTheme       *string `json:"editorTheme,omitempty"`
	PreferredLanguage *string `json:"preferredLanguage,omitempty"`
	PublicProfile     *bool   `json:"publicProfile,omitempty"`
}

func (f Fields) apply(p Profile) Profile {
	set := func(target *string, value *string) {
		if value != nil {
			*target = strings.TrimSpace(*value)
		}
	}
	set(&p.Bio, f.Bio)
	set(&p.Website, f.Website)
	set(&p.Location, f.Location)
	set(&p.GithubUsername, f.GithubUsername)
	set(&p.TwitterUsername, f.TwitterUsername)
	set(&p.EditorTheme, f.EditorTheme)
	set(&p.PreferredLanguage, f.PreferredLanguage)
	if f.PublicProfile != nil {
		p.PublicProfile = *f.PublicProfile
	}
	return p
}

// Stats aggregates a user's snippets.
type Stats struct {
	TotalSnippets   int   `json:"totalSnippets"`
	PublicSnippets  int   `json:"publicSnippets"`
	PrivateSnippets int   `json:"privateSnippets"`
	TotalVotes      int64 `json:"totalVotes"`
	TotalFavorites  int64 `json:"totalFavorites"`
	LanguagesUsed   int   `json:"languagesUsed"`
	TagsUsed        int   `json:"tagsUsed"`
}

func ComputeStats(list []snippets.Snippet) Stats {
	languages := map[string]struct{}{}
	tags := map[string]struct{}{}
	stats := Stats{TotalSnippets: len(list)}
	for _, snippet := range list {
		switch snippet.Visibility {
		case snippets.VisibilityPublic:
			stats.PublicSnippets++
		case snippets.VisibilityPrivate:
			stats.PrivateSnippets++
		}
		stats.TotalVotes += snippet.VoteCount
		stats.TotalFavorites += snippet.FavoriteCount
		languages[snippet.Language] = struct{}{}
		for _, tag := range snippet.Tags {
			tags[tag] = struct{}{}
		}
	}
	stats.LanguagesUsed = len(languages)
	stats.TagsUsed = len(tags)
	return stats
}

type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Feed     changefeed.Publisher
	Snippets *snippets.Service
	Logger   *zap.Logger
}

type Service struct {
	db       *gorm.DB
	now      func() time.Time
	feed     changefeed.Publisher
	snippets *snippets.Service
	logger   *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("%s: database connection required", opServiceNew)
	}
	if cfg.Snippets == nil {
		return nil, fmt.Errorf("%s: snippet service required", opServiceNew)
	}
	service := &Service{db: cfg.Database, now: cfg.Clock, feed: cfg.Feed, snippets: cfg.Snippets, logger: cfg.Logger}
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

// Get returns the stored profile of userID, or the defaults.
func (s *Service) Get(ctx context.Context, userID string) (Profile, error) {
	profile, err := load(s.db.WithContext(ctx), userID)
	if err != nil {
		return Profile{}, s.fail(opGet, "profile_select_failed", err, zap.String("user_id", userID))
	}
	return profile, nil
}

// Update merges fields into the caller's profile.
func (s *Service) Update(ctx context.Context, fields Fields) (Profile, error) {
	user, err := identity.Require(ctx, opUpdate)
	if err != nil {
		return Profile{}, err
	}
	var updated Profile
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := load(tx, user.ID)
		if err != nil {
			return err
		}
		updated = fields.apply(current)
		updated.UpdatedAt = s.now().UTC()
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			UpdateAll: true,
		}).Create(&updated).Error
	})
	if err != nil {
		return Profile{}, s.fail(opUpdate, "profile_upsert_failed", err, zap.String("user_id", user.ID))
	}
	s.feed.Publish(changefeed.Events(changefeed.KindUpdated, s.now().UTC(), []string{user.ID}, changefeed.Profile(user.ID))...)
	return updated, nil
}

// Overview loads a profile and its stats. Private profiles are only shown to
// their owner.
func (s *Service) Overview(ctx context.Context, userID string) (Profile, Stats, error) {
	var (
		profile Profile
		owned   []snippets.Snippet
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		profile, err = s.Get(groupCtx, userID)
		return err
	})
	group.Go(func() error {
		var err error
		owned, err = s.snippets.ListOwned(groupCtx, userID)
		return err
	})
	if err := group.Wait(); err != nil {
		return Profile{}, Stats{}, err
	}
	viewer, _ := identity.FromContext(ctx)
	if !profile.PublicProfile && viewer.ID != userID {
		return Profile{}, Stats{}, apperror.NotFound(opOverview, "Profile not found")
	}
	return profile, ComputeStats(owned), nil
}

func load(db *gorm.DB, userID string) (Profile, error) {
	var profile Profile
	err := db.Where("user_id = ?", userID).Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Defaults(userID), nil
	}
	if err != nil {
		return Profile{}, err
	}
	if profile.EditorTheme == "" {
		profile.EditorTheme = Defaults(userID).EditorTheme
	}
	if profile.PreferredLanguage == "" {
		profile.PreferredLanguage = Defaults(userID).PreferredLanguage
	}
	return profile, nil
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
	s.logger.Error("profile service error", attrs...)
}
