package todos

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

type StoreConfig struct {
	Service   *Service
	Feed      livequery.Feed
	SnippetID string
	OnError   func(error)
	Logger    *zap.Logger
}

// Store mirrors the todo list of one snippet.
type Store struct {
	service   *Service
	snippetID string
	query     *livequery.Query[Todo]
	pending   *reactive.Value[int]
	stop      func()
	closeOnce sync.Once
}

func NewStore(ctx context.Context, cfg StoreConfig) (*Store, error) {
	if _, err := identity.Require(ctx, opNewStore); err != nil {
		return nil, err
	}
	service := cfg.Service
	snippetID := cfg.SnippetID
	query := livequery.Start(ctx, livequery.Config[Todo]{
		Name:   "todos",
		Feed:   cfg.Feed,
		Topics: []string{changefeed.Todos(snippetID)},
		Load: func(ctx context.Context) ([]Todo, error) {
			return service.List(ctx, snippetID)
		},
		OnError: cfg.OnError,
		Logger:  cfg.Logger,
	})
	pending, stop := reactive.Derive(query.Items(), func(list []Todo) int {
		count := 0
		for _, todo := range list {
			if todo.Status == StatusPending {
				count++
			}
		}
		return count
	})
	return &Store{service: service, snippetID: snippetID, query: query, pending: pending, stop: stop}, nil
}

func (s *Store) Todos() *reactive.Value[[]Todo] {
	return s.query.Items()
}

// Pending counts the todos not yet completed.
func (s *Store) Pending() *reactive.Value[int] {
	return s.pending
}

func (s *Store) Degraded() *reactive.Value[error] {
	return s.query.Degraded()
}

func (s *Store) Add(ctx context.Context, draft Draft) (Todo, apperror.Result) {
	todo, err := s.service.Add(ctx, s.snippetID, draft)
	return todo, metrics.Result(opAdd, err)
}

func (s *Store) Update(ctx context.Context, todoID string, patch Patch) apperror.Result {
	_, err := s.service.Update(ctx, s.snippetID, todoID, patch)
	return metrics.Result(opUpdate, err)
}

func (s *Store) Delete(ctx context.Context, todoID string) apperror.Result {
	return metrics.Result(opDelete, s.service.Delete(ctx, s.snippetID, todoID))
}

func (s *Store) ToggleStatus(ctx context.Context, todoID string) (Status, apperror.Result) {
	status, err := s.service.ToggleStatus(ctx, s.snippetID, todoID)
	return status, metrics.Result(opToggle, err)
}

func (s *Store) Close() {
	s.closeOnce.Do(func() {
		s.stop()
		s.query.Close()
	})
}
