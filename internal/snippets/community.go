package snippets

import (
	"context"

	"github.com/MarcoPoloResearchLab/codevault/backend/internal/apperror"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/changefeed"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/identity"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opAddToCommunity      = "snippets.add_to_community"
	opRemoveFromCommunity = "snippets.remove_from_community"
	opListCommunity       = "snippets.list_community"
)

// AddToCommunity lists a snippet in the community feed. Any signed-in user may
// list a snippet they can see.
func (s *Service) AddToCommunity(ctx context.Context, snippetID string) error {
	user, err := identity.Require(ctx, opAddToCommunity)
	if err != nil {
		return err
	}
	var updated Snippet
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loaded, err := LockVisible(tx, opAddToCommunity, snippetID, user.ID)
		if err != nil {
			return err
		}
		if loaded.InCommunity {
			return apperror.Validation(opAddToCommunity, "Snippet is already in the community")
		}
		addedAt := s.now().UTC()
		if err := tx.Model(&Snippet{}).Where("id = ?", snippetID).UpdateColumns(map[string]interface{}{
			"in_community":          true,
			"added_to_community_by": user.ID,
			"added_to_community_at": addedAt,
		}).Error; err != nil {
			return err
		}
		loaded.InCommunity = true
		loaded.AddedToCommunityBy = user.ID
		loaded.AddedToCommunityAt = &addedAt
		updated = loaded
		return nil
	})
	if err != nil {
		return s.fail(opAddToCommunity, "transaction_failed", err, zap.String("snippet_id", snippetID))
	}
	s.publish(changefeed.KindUpdated, updated)
	return nil
}

// RemoveFromCommunity unlists a snippet. Only its owner or the user who
// listed it may do so.
func (s *Service) RemoveFromCommunity(ctx context.Context, snippetID string) error {
	user, err := identity.Require(ctx, opRemoveFromCommunity)
	if err != nil {
		return err
	}
	var before Snippet
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loaded, err := Lock(tx, opRemoveFromCommunity, snippetID)
		if err != nil {
			return err
		}
		if !loaded.InCommunity {
			return apperror.Validation(opRemoveFromCommunity, "Snippet is not in the community")
		}
		if loaded.OwnerID != user.ID && loaded.AddedToCommunityBy != user.ID {
			return apperror.Unauthorized(opRemoveFromCommunity, "Not authorized to remove this snippet from community")
		}
		before = loaded
		return tx.Model(&Snippet{}).Where("id = ?", snippetID).UpdateColumns(map[string]interface{}{
			"in_community":          false,
			"added_to_community_by": "",
			"added_to_community_at": nil,
		}).Error
	})
	if err != nil {
		return s.fail(opRemoveFromCommunity, "transaction_failed", err, zap.String("snippet_id", snippetID))
	}
	s.publish(changefeed.KindUpdated, before)
	return nil
}

// ListCommunity returns the community feed, most recently listed first.
func (s *Service) ListCommunity(ctx context.Context) ([]Snippet, error) {
	var listed []Snippet
	err := s.db.WithContext(ctx).
		Where("in_community = ?", true).
		Order("added_to_community_at DESC").
		Find(&listed).Error
	if err != nil {
		s.logError(opListCommunity, "snippet_select_failed", err)
		return nil, apperror.Backend(opListCommunity, err)
	}
	return listed, nil
}
