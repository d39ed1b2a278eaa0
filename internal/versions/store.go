package versions

import (
	"context"

	"github.com/MarcoPoloResearchLab/codevault/backend/internal/apperror"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/changefeed"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/identity"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/livequery"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/reactive"
	"go.uber.org/zap"
)

const opNewStore = "versions.new_store"

type StoreConfig struct {
	Service   *Service
	Feed      livequery.Feed
	SnippetID string
	OnError   func(error)
	Logger    *zap.Logger
}

// Store mirrors the history of one snippet.
type Store struct {
	service   *Service
	snippetID string
	query     *livequery.Query[Version]
}

func NewStore(ctx context.Context, cfg StoreConfig) (*Store, error) {
	if _, err := identity.Require(ctx, opNewStore); err != nil {
		return nil, err
	}
	service := cfg.Service
	snippetID := cfg.SnippetID
	query := livequery.Start(ctx, livequery.Config[Version]{
		Name:   "versions",
		Feed:   cfg.Feed,
		Topics: []string{changefeed.Versions(snippetID)},
		Load: func(ctx context.Context) ([]Version, error) {
			return service.History(ctx, snippetID)
		},
		OnError: cfg.OnError,
		Logger:  cfg.Logger,
	})
	return &Store{service: service, snippetID: snippetID, query: query}, nil
}

func (s *Store) History() *reactive.Value[[]Version] {
	return s.query.Items()
}

func (s *Store) Degraded() *reactive.Value[error] {
	return s.query.Degraded()
}

func (s *Store) Save(ctx context.Context, changeDescription string) apperror.Result {
	_, err := s.service.SaveVersion(ctx, s.snippetID, changeDescription)
	return metrics.Result(opSave, err)
}

func (s *Store) Revert(ctx context.Context, versionID string) apperror.Result {
	_, err := s.service.RevertToVersion(ctx, s.snippetID, versionID)
	return metrics.Result(opRevert, err)
}

func (s *Store) Close() {
	s.query.Close()
}
