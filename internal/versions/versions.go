// Package versions keeps the append-only edit history of snippets.
package versions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/codevault/backend/internal/apperror"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/changefeed"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/identity"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/snippets"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	opServiceNew = "versions.service.new"
	opSave       = "versions.save"
	opHistory    = "versions.history"
	opRevert     = "versions.revert"

	DefaultChangeDescription = "Updated snippet"
	autoSaveDescription      = "Auto-save before revert"
	revertDateLayout         = "1/2/2006"
)

// Version is an immutable snapshot of a snippet's content.
type Version struct {
	ID                string                      `gorm:"primaryKey;size:64" json:"id"`
	SnippetID         string                      `gorm:"size:64;not null;index:idx_versions_snippet_created,priority:1" json:"snippetId"`
	Title             string                      `gorm:"not null" json:"title"`
	Description       string                      `gorm:"type:text;not null;default:''" json:"description"`
	Code              string                      `gorm:"type:text;not null" json:"code"`
	Language          string                      `gorm:"size:64;not null" json:"language"`
	Tags              datatypes.JSONSlice[string] `gorm:"type:text" json:"tags"`
	ChangeDescription string                      `gorm:"not null" json:"changeDescription"`
	CreatedBy         string                      `gorm:"size:190;not null" json:"createdBy"`
	CreatedByName     string                      `gorm:"not null;default:''" json:"createdByName"`
	CreatedAt         time.Time                   `gorm:"index:idx_versions_snippet_created,priority:2" json:"createdAt"`
}

func (Version) TableName() string {
	return "snippet_versions"
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

// SaveVersion snapshots the current content of the caller's snippet.
func (s *Service) SaveVersion(ctx context.Context, snippetID, changeDescription string) (Version, error) {
	user, err := identity.Require(ctx, opSave)
	if err != nil {
		return Version{}, err
	}
	if strings.TrimSpace(changeDescription) == "" {
		changeDescription = DefaultChangeDescription
	}
	var saved Version
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		snippet, err := snippets.Load(tx, opSave, snippetID)
		if err != nil {
			return err
		}
		if snippet.OwnerID != user.ID {
			return apperror.Unauthorized(opSave, "Not authorized to save versions of this snippet")
		}
		saved, err = s.append(tx, user, snapshot(snippet), changeDescription)
		return err
	})
	if err != nil {
		return Version{}, s.fail(opSave, "version_insert_failed", err, zap.String("snippet_id", snippetID))
	}
	s.announce(changefeed.KindCreated, []string{saved.ID}, changefeed.Versions(snippetID))
	return saved, nil
}

// History returns the versions of snippetID, newest first.
func (s *Service) History(ctx context.Context, snippetID string) ([]Version, error) {
	var list []Version
	if err := s.db.WithContext(ctx).Where("snippet_id = ?", snippetID).
		Order("created_at DESC").Order("id DESC").Find(&list).Error; err != nil {
		return nil, s.fail(opHistory, "version_select_failed", err, zap.String("snippet_id", snippetID))
	}
	return list, nil
}

// RevertToVersion restores the snippet to versionID. The current content is
// saved first and the revert itself is recorded as a new version; all three
// writes commit together.
func (s *Service) RevertToVersion(ctx context.Context, snippetID, versionID string) (snippets.Snippet, error) {
	user, err := identity.Require(ctx, opRevert)
	if err != nil {
		return snippets.Snippet{}, err
	}
	var (
		before, after snippets.Snippet
		written       []string
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var target Version
		err := tx.Where("id = ? AND snippet_id = ?", versionID, snippetID).Take(&target).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperror.NotFound(opRevert, "Version not found")
		}
		if err != nil {
			return err
		}
		before, err = snippets.Lock(tx, opRevert, snippetID)
		if err != nil {
			return err
		}
		if before.OwnerID != user.ID {
			return apperror.Unauthorized(opRevert, "Not authorized to update this snippet")
		}

		autoSave, err := s.append(tx, user, snapshot(before), autoSaveDescription)
		if err != nil {
			return err
		}
		if err := tx.Model(&snippets.Snippet{}).Where("id = ?", snippetID).UpdateColumns(map[string]interface{}{
			"title":       target.Title,
			"description": target.Description,
			"code":        target.Code,
			"language":    target.Language,
			"tags":        target.Tags,
			"updated_at":  s.now().UTC(),
		}).Error; err != nil {
			return err
		}
		description := "Reverted to version from " + target.CreatedAt.Format(revertDateLayout)
		reverted, err := s.append(tx, user, target, description)
		if err != nil {
			return err
		}
		written = []string{autoSave.ID, reverted.ID}
		after, err = snippets.Load(tx, opRevert, snippetID)
		return err
	})
	if err != nil {
		return snippets.Snippet{}, s.fail(opRevert, "transaction_failed", err,
			zap.String("snippet_id", snippetID), zap.String("version_id", versionID))
	}
	s.announce(changefeed.KindCreated, written, changefeed.Versions(snippetID))
	s.announce(changefeed.KindUpdated, []string{snippetID}, snippets.Topics(before, after)...)
	return after, nil
}

func (s *Service) append(tx *gorm.DB, user identity.User, content Version, changeDescription string) (Version, error) {
	versionID, err := s.ids.NewID()
	if err != nil {
		return Version{}, err
	}
	name := user.DisplayName
	if name == "" {
		name = "Unknown User"
	}
	tags := content.Tags
	if tags == nil {
		tags = datatypes.JSONSlice[string]{}
	}
	version := Version{
		ID:                versionID,
		SnippetID:         content.SnippetID,
		Title:             content.Title,
		Description:       content.Description,
		Code:              content.Code,
		Language:          content.Language,
		Tags:              tags,
		ChangeDescription: changeDescription,
		CreatedBy:         user.ID,
		CreatedByName:     name,
		CreatedAt:         s.now().UTC(),
	}
	if err := tx.Create(&version).Error; err != nil {
		return Version{}, err
	}
	return version, nil
}

func snapshot(snippet snippets.Snippet) Version {
	return Version{
		SnippetID:   snippet.ID,
		Title:       snippet.Title,
		Description: snippet.Description,
		Code:        snippet.Code,
		Language:    snippet.Language,
		Tags:        snippet.Tags,
	}
}

func (s *Service) deleteForSnippet(tx *gorm.DB, snippet snippets.Snippet) ([]string, error) {
	result := tx.Where("snippet_id = ?", snippet.ID).Delete(&Version{})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return []string{changefeed.Versions(snippet.ID)}, nil
}

func (s *Service) announce(kind string, documentIDs []string, topics ...string) {
	s.feed.Publish(changefeed.Events(kind, s.now().UTC(), documentIDs, topics...)...)
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
	s.logger.Error("versions service error", attrs...)
}
