package snippets

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/codevault/backend/internal/apperror"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/changefeed"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/identity"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

const (
	opFork      = "snippets.fork"
	opForkCount = "snippets.fork_count"

	forkSuffix = " (Fork)"
)

// Fork copies a public snippet into a new private snippet owned by the caller.
func (s *Service) Fork(ctx context.Context, snippetID string) (Snippet, error) {
	user, err := identity.Require(ctx, opFork)
	if err != nil {
		return Snippet{}, err
	}
	original, err := Load(s.db.WithContext(ctx), opFork, snippetID)
	if err != nil {
		var appErr *apperror.Error
		if errors.As(err, &appErr) && appErr.Kind == apperror.KindNotFound {
			return Snippet{}, apperror.NotFound(opFork, "Original snippet not found")
		}
		return Snippet{}, s.fail(opFork, "snippet_select_failed", err, zap.String("snippet_id", snippetID))
	}
	if original.Visibility != VisibilityPublic {
		return Snippet{}, apperror.Validation(opFork, "Can only fork public snippets")
	}

	forkID, err := s.ids.NewID()
	if err != nil {
		s.logError(opFork, "id_generation_failed", err)
		return Snippet{}, apperror.Backend(opFork, err)
	}
	originalAuthor := original.UserName
	if originalAuthor == "" {
		originalAuthor = original.UserEmail
	}
	now := s.now().UTC()
	fork := Snippet{
		ID:             forkID,
		OwnerID:        user.ID,
		UserEmail:      user.Email,
		UserName:       user.Name(),
		Title:          original.Title + forkSuffix,
		Description:    original.Description,
		Code:           original.Code,
		Language:       original.Language,
		Tags:           datatypes.JSONSlice[string](append([]string{}, original.Tags...)),
		Visibility:     VisibilityPrivate,
		ForkedFrom:     original.ID,
		OriginalAuthor: originalAuthor,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.db.WithContext(ctx).Create(&fork).Error; err != nil {
		s.logError(opFork, "snippet_insert_failed", err, zap.String("snippet_id", snippetID))
		return Snippet{}, apperror.Backend(opFork, err)
	}
	s.publish(changefeed.KindCreated, fork)
	s.announce(changefeed.KindUpdated, []string{original.ID}, changefeed.Snippet(original.ID))
	return fork, nil
}

// ForkCount reports how many snippets were forked from snippetID.
func (s *Service) ForkCount(ctx context.Context, snippetID string) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Snippet{}).Where("forked_from = ?", snippetID).Count(&count).Error; err != nil {
		s.logError(opForkCount, "fork_count_failed", err, zap.String("snippet_id", snippetID))
		return 0, apperror.Backend(opForkCount, err)
	}
	return count, nil
}
