package tags

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/codevault/backend/internal/apperror"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/changefeed"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/livequery"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/reactive"
	"go.uber.org/zap"
)

type StoreConfig struct {
	Service *Service
	Feed    livequery.Feed
	OnError func(error)
	Logger  *zap.Logger
}

// Store mirrors the global tag list. It needs no identity.
type Store struct {
	service   *Service
	query     *livequery.Query[Tag]
	popular   *reactive.Value[[]string]
	stop      func()
	closeOnce sync.Once
}

func NewStore(ctx context.Context, cfg StoreConfig) *Store {
	service := cfg.Service
	query := livequery.Start(ctx, livequery.Config[Tag]{
		Name:    "tags",
		Feed:    cfg.Feed,
		Topics:  []string{changefeed.TopicTags},
		Load:    service.All,
		OnError: cfg.OnError,
		Logger:  cfg.Logger,
	})
	popular, stop := reactive.Derive(query.Items(), Popular)
	return &Store{service: service, query: query, popular: popular, stop: stop}
}

func (s *Store) Tags() *reactive.Value[[]Tag] {
	return s.query.Items()
}

func (s *Store) Popular() *reactive.Value[[]string] {
	return s.popular
}

func (s *Store) Suggestions(input string) []string {
	return Suggestions(s.query.Items().Get(), input)
}

func (s *Store) Degraded() *reactive.Value[error] {
	return s.query.Degraded()
}

func (s *Store) AddUsages(ctx context.Context, names []string) apperror.Result {
	return metrics.Result(opAddUsages, s.service.AddUsages(ctx, names))
}

func (s *Store) Close() {
	s.closeOnce.Do(func() {
		s.stop()
		s.query.Close()
	})
}
