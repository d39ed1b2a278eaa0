package feedback

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
	"gorm.io/gorm"
)

const (
	opServiceNew    = "feedback.service.new"
	opToggleRequest = "feedback.toggle_request"
	opHasRequested  = "feedback.has_requested"
	opListRequests  = "feedback.list_requests"
	opAddComment    = "feedback.add_comment"
	opEditComment   = "feedback.edit_comment"
	opDeleteComment = "feedback.delete_comment"
	opListComments  = "feedback.list_comments"

	messageRequestNotFound = "Feedback request not found"
	messageCommentNotFound = "Comment not found"
	messageTextRequired    = "Comment text is required"
)

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

// ToggleRequest opens a feedback request from the caller on snippetID, or
// withdraws the caller's existing request together with its comments.
func (s *Service) ToggleRequest(ctx context.Context, snippetID string, requestType RequestType) (Action, error) {
	user, err := identity.Require(ctx, opToggleRequest)
	if err != nil {
		return "", err
	}
	switch requestType {
	case "":
		requestType = RequestReview
	case RequestReview, RequestHelp:
	default:
		return "", apperror.Validation(opToggleRequest, "Request type must be review or help")
	}
	requestID, err := s.ids.NewID()
	if err != nil {
		return "", s.fail(opToggleRequest, "id_generation_failed", err)
	}

	var (
		action  Action
		touched string
	)
	now := s.now().UTC()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := snippets.Load(tx, opToggleRequest, snippetID); err != nil {
			return err
		}
		var existing Request
		err := tx.Where("snippet_id = ? AND user_id = ?", snippetID, user.ID).Take(&existing).Error
		switch {
		case err == nil:
			action, touched = ActionRemoved, existing.ID
			if err := tx.Where("request_id = ?", existing.ID).Delete(&Comment{}).Error; err != nil {
				return err
			}
			return tx.Where("id = ?", existing.ID).Delete(&Request{}).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			action, touched = ActionCreated, requestID
			return tx.Create(&Request{
				ID:          requestID,
				SnippetID:   snippetID,
				UserID:      user.ID,
				UserName:    user.Name(),
				UserEmail:   user.Email,
				RequestType: requestType,
				Status:      StatusOpen,
				CreatedAt:   now,
				UpdatedAt:   now,
			}).Error
		default:
			return err
		}
	})
	if err != nil {
		return "", s.fail(opToggleRequest, "transaction_failed", err, zap.String("snippet_id", snippetID))
	}

	kind := changefeed.KindCreated
	topics := []string{changefeed.FeedbackRequests(snippetID)}
	if action == ActionRemoved {
		kind = changefeed.KindDeleted
		topics = append(topics, changefeed.FeedbackComments(touched))
	}
	s.announce(kind, []string{touched}, topics...)
	return action, nil
}

// HasRequested reports whether the caller has an open request on snippetID.
func (s *Service) HasRequested(ctx context.Context, snippetID string) (bool, error) {
	user, err := identity.Require(ctx, opHasRequested)
	if err != nil {
		return false, err
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&Request{}).
		Where("snippet_id = ? AND user_id = ?", snippetID, user.ID).
		Count(&count).Error; err != nil {
		return false, s.fail(opHasRequested, "request_count_failed", err, zap.String("snippet_id", snippetID))
	}
	return count > 0, nil
}

// ListRequests returns the requests on snippetID, newest first.
func (s *Service) ListRequests(ctx context.Context, snippetID string) ([]Request, error) {
	var list []Request
	if err := s.db.WithContext(ctx).Where("snippet_id = ?", snippetID).Order("created_at DESC").Find(&list).Error; err != nil {
		return nil, s.fail(opListRequests, "request_select_failed", err, zap.String("snippet_id", snippetID))
	}
	return list, nil
}

// AddComment posts text on a request. When parentCommentID is set the parent
// must belong to the same request and predate the new comment.
func (s *Service) AddComment(ctx context.Context, requestID, text, parentCommentID string) (Comment, error) {
	user, err := identity.Require(ctx, opAddComment)
	if err != nil {
		return Comment{}, err
	}
	if strings.TrimSpace(text) == "" {
		return Comment{}, apperror.Validation(opAddComment, messageTextRequired)
	}
	commentID, err := s.ids.NewID()
	if err != nil {
		return Comment{}, s.fail(opAddComment, "id_generation_failed", err)
	}
	now := s.now().UTC()
	comment := Comment{
		ID:        commentID,
		RequestID: requestID,
		UserID:    user.ID,
		UserName:  user.Name(),
		UserEmail: user.Email,
		Text:      text,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		request, err := loadRequest(tx, opAddComment, requestID)
		if err != nil {
			return err
		}
		comment.SnippetID = request.SnippetID
		if parentCommentID != "" {
			parent, err := loadComment(tx, opAddComment, requestID, parentCommentID)
			if err != nil {
				if apperror.KindOf(err) == apperror.KindNotFound {
					return apperror.Validation(opAddComment, "Parent comment not found on this request")
				}
				return err
			}
			if parent.CreatedAt.After(now) {
				return apperror.Validation(opAddComment, "Parent comment must predate the reply")
			}
			comment.ParentCommentID = &parent.ID
		}
		return tx.Create(&comment).Error
	})
	if err != nil {
		return Comment{}, s.fail(opAddComment, "comment_insert_failed", err, zap.String("request_id", requestID))
	}
	s.announce(changefeed.KindCreated, []string{comment.ID}, changefeed.FeedbackComments(requestID))
	return comment, nil
}

// EditComment replaces the text of the caller's own comment and marks it
// edited.
func (s *Service) EditComment(ctx context.Context, requestID, commentID, text string) (Comment, error) {
	user, err := identity.Require(ctx, opEditComment)
	if err != nil {
		return Comment{}, err
	}
	if strings.TrimSpace(text) == "" {
		return Comment{}, apperror.Validation(opEditComment, messageTextRequired)
	}
	var edited Comment
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := loadComment(tx, opEditComment, requestID, commentID)
		if err != nil {
			return err
		}
		if current.UserID != user.ID {
			return apperror.Unauthorized(opEditComment, "Not authorized to edit this comment")
		}
		now := s.now().UTC()
		if err := tx.Model(&Comment{}).Where("id = ?", commentID).
			UpdateColumns(map[string]interface{}{"text": text, "edited": true, "updated_at": now}).Error; err != nil {
			return err
		}
		current.Text, current.Edited, current.UpdatedAt = text, true, now
		edited = current
		return nil
	})
	if err != nil {
		return Comment{}, s.fail(opEditComment, "comment_update_failed", err, zap.String("comment_id", commentID))
	}
	s.announce(changefeed.KindUpdated, []string{commentID}, changefeed.FeedbackComments(requestID))
	return edited, nil
}

// DeleteComment removes the caller's own comment. Replies stay and move up to
// the top level of the thread.
func (s *Service) DeleteComment(ctx context.Context, requestID, commentID string) error {
	user, err := identity.Require(ctx, opDeleteComment)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := loadComment(tx, opDeleteComment, requestID, commentID)
		if err != nil {
			return err
		}
		if current.UserID != user.ID {
			return apperror.Unauthorized(opDeleteComment, "Not authorized to delete this comment")
		}
		return tx.Where("id = ?", commentID).Delete(&Comment{}).Error
	})
	if err != nil {
		return s.fail(opDeleteComment, "comment_delete_failed", err, zap.String("comment_id", commentID))
	}
	s.announce(changefeed.KindDeleted, []string{commentID}, changefeed.FeedbackComments(requestID))
	return nil
}

// ListComments returns the comments of requestID in thread order.
func (s *Service) ListComments(ctx context.Context, requestID string) ([]Comment, error) {
	var list []Comment
	if err := s.db.WithContext(ctx).Where("request_id = ?", requestID).Order("created_at ASC").Find(&list).Error; err != nil {
		return nil, s.fail(opListComments, "comment_select_failed", err, zap.String("request_id", requestID))
	}
	return Thread(list), nil
}

func loadRequest(db *gorm.DB, op, requestID string) (Request, error) {
	var request Request
	err := db.Where("id = ?", requestID).Take(&request).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Request{}, apperror.NotFound(op, messageRequestNotFound)
	}
	return request, err
}

func loadComment(db *gorm.DB, op, requestID, commentID string) (Comment, error) {
	var comment Comment
	err := db.Where("id = ? AND request_id = ?", commentID, requestID).Take(&comment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Comment{}, apperror.NotFound(op, messageCommentNotFound)
	}
	return comment, err
}

func (s *Service) deleteForSnippet(tx *gorm.DB, snippet snippets.Snippet) ([]string, error) {
	var requestIDs []string
	if err := tx.Model(&Request{}).Where("snippet_id = ?", snippet.ID).Pluck("id", &requestIDs).Error; err != nil {
		return nil, err
	}
	if err := tx.Where("snippet_id = ?", snippet.ID).Delete(&Comment{}).Error; err != nil {
		return nil, err
	}
	if err := tx.Where("snippet_id = ?", snippet.ID).Delete(&Request{}).Error; err != nil {
		return nil, err
	}
	if len(requestIDs) == 0 {
		return nil, nil
	}
	topics := []string{changefeed.FeedbackRequests(snippet.ID)}
	for _, requestID := range requestIDs {
		topics = append(topics, changefeed.FeedbackComments(requestID))
	}
	return topics, nil
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
	s.logger.Error("feedback service error", attrs...)
}
