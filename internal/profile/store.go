package profile

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/codevault/backend/internal/apperror"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/changefeed"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/identity"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/livequery"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/reactive"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/snippets"
	"go.uber.org/zap"
)

type StoreConfig struct {
	Service *Service
	Feed    livequery.Feed
	// Snippets is the owner's live snippet list the stats are derived from.
	Snippets *reactive.Value[[]snippets.Snippet]
	OnError  func(error)
	Logger   *zap.Logger
}

// Store mirrors the signed-in user's profile and keeps their stats current.
type Store struct {
	service   *Service
	query     *livequery.Query[Profile]
	profile   *reactive.Value[Profile]
	stats     *reactive.Value[Stats]
	stops     []func()
	closeOnce sync.Once
}

func NewStore(ctx context.Context, cfg StoreConfig) (*Store, error) {
	user, err := identity.Require(ctx, opNewStore)
	if err != nil {
		return nil, err
	}
	service := cfg.Service
	query := livequery.Start(ctx, livequery.Config[Profile]{
		Name:   "profile",
		Feed:   cfg.Feed,
		Topics: []string{changefeed.Profile(user.ID)},
		Load: func(ctx context.Context) ([]Profile, error) {
			current, err := service.Get(ctx, user.ID)
			if err != nil {
				return nil, err
			}
			return []Profile{current}, nil
		},
		OnError: cfg.OnError,
		Logger:  cfg.Logger,
	})
	profile, stopProfile := reactive.Derive(query.Items(), func(list []Profile) Profile {
		if len(list) == 0 {
			return Defaults(user.ID)
		}
		return list[0]
	})
	source := cfg.Snippets
	if source == nil {
		source = reactive.NewValue[[]snippets.Snippet](nil)
	}
	stats, stopStats := reactive.Derive(source, ComputeStats)
	return &Store{
		service: service,
		query:   query,
		profile: profile,
		stats:   stats,
		stops:   []func(){stopProfile, stopStats},
	}, nil
}

func (s *Store) Profile() *reactive.Value[Profile] {
	return s.profile
}

func (s *Store) Stats() *reactive.Value[Stats] {
	return s.stats
}

func (s *Store) Degraded() *reactive.Value[error] {
	return s.query.Degraded()
}

func (s *Store) Update(ctx context.Context, fields Fields) apperror.Result {
	_, err := s.service.Update(ctx, fields)
	return metrics.Result(opUpdate, err)
}

func (s *Store) Close() {
	s.closeOnce.Do(func() {
		for _, stop := range s.stops {
			stop()
		}
		s.query.Close()
	})
}
