package feedback

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/codevault/backend/internal/apperror"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/changefeed"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/identity"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/livequery"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/reactive"
	"go.uber.org/zap"
)

const opNewStore = "feedback.new_store"

type StoreConfig struct {
	Service *Service
	Feed    livequery.Feed
	OnError func(error)
	Logger  *zap.Logger
}

// RequestStore mirrors the feedback requests of one snippet.
type RequestStore struct {
	service   *Service
	snippetID string
	query     *livequery.Query[Request]
	requested *reactive.Value[bool]
	stop      func()
	closeOnce sync.Once
}

func NewRequestStore(ctx context.Context, cfg StoreConfig, snippetID string) (*RequestStore, error) {
	user, err := identity.Require(ctx, opNewStore)
	if err != nil {
		return nil, err
	}
	service := cfg.Service
	query := livequery.Start(ctx, livequery.Config[Request]{
		Name:   "feedback.requests",
		Feed:   cfg.Feed,
		Topics: []string{changefeed.FeedbackRequests(snippetID)},
		Load: func(ctx context.Context) ([]Request, error) {
			return service.ListRequests(ctx, snippetID)
		},
		OnError: cfg.OnError,
		Logger:  cfg.Logger,
	})
	requested, stop := reactive.Derive(query.Items(), func(list []Request) bool {
		for _, request := range list {
			if request.UserID == user.ID {
				return true
			}
		}
		return false
	})
	return &RequestStore{service: service, snippetID: snippetID, query: query, requested: requested, stop: stop}, nil
}

func (s *RequestStore) Requests() *reactive.Value[[]Request] {
	return s.query.Items()
}

// Requested is true while the signed-in user has a request on the snippet.
func (s *RequestStore) Requested() *reactive.Value[bool] {
	return s.requested
}

func (s *RequestStore) Degraded() *reactive.Value[error] {
	return s.query.Degraded()
}

func (s *RequestStore) Toggle(ctx context.Context, requestType RequestType) (Action, apperror.Result) {
	action, err := s.service.ToggleRequest(ctx, s.snippetID, requestType)
	return action, metrics.Result(opToggleRequest, err)
}

func (s *RequestStore) Close() {
	s.closeOnce.Do(func() {
		s.stop()
		s.query.Close()
	})
}

// CommentStore mirrors the comment thread of one request.
type CommentStore struct {
	service   *Service
	requestID string
	query     *livequery.Query[Comment]
}

func NewCommentStore(ctx context.Context, cfg StoreConfig, requestID string) (*CommentStore, error) {
	if _, err := identity.Require(ctx, opNewStore); err != nil {
		return nil, err
	}
	service := cfg.Service
	query := livequery.Start(ctx, livequery.Config[Comment]{
		Name:   "feedback.comments",
		Feed:   cfg.Feed,
		Topics: []string{changefeed.FeedbackComments(requestID)},
		Load: func(ctx context.Context) ([]Comment, error) {
			return service.ListComments(ctx, requestID)
		},
		OnError: cfg.OnError,
		Logger:  cfg.Logger,
	})
	return &CommentStore{service: service, requestID: requestID, query: query}, nil
}

// Comments is the thread in display order.
func (s *CommentStore) Comments() *reactive.Value[[]Comment] {
	return s.query.Items()
}

func (s *CommentStore) Degraded() *reactive.Value[error] {
	return s.query.Degraded()
}

func (s *CommentStore) Add(ctx context.Context, text, parentCommentID string) (Comment, apperror.Result) {
	comment, err := s.service.AddComment(ctx, s.requestID, text, parentCommentID)
	return comment, metrics.Result(opAddComment, err)
}

func (s *CommentStore) Edit(ctx context.Context, commentID, text string) apperror.Result {
	_, err := s.service.EditComment(ctx, s.requestID, commentID, text)
	return metrics.Result(opEditComment, err)
}

func (s *CommentStore) Delete(ctx context.Context, commentID string) apperror.Result {
	return metrics.Result(opDeleteComment, s.service.DeleteComment(ctx, s.requestID, commentID))
}

func (s *CommentStore) Close() {
	s.query.Close()
}
