package voting

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

const opNewStore = "voting.new_store"

type StoreConfig struct {
	Service *Service
	Feed    livequery.Feed
	OnError func(error)
	Logger  *zap.Logger
}

// Store mirrors the signed-in user's votes and favorites as lookup maps.
type Store struct {
	service   *Service
	votes     *livequery.Query[Vote]
	favorites *livequery.Query[Favorite]
	favorited *livequery.Query[snippets.Snippet]
	voteMap   *reactive.Value[map[string]int]
	favMap    *reactive.Value[map[string]bool]
	degraded  *reactive.Value[error]
	stops     []func()
	closeOnce sync.Once
}

// NewStore starts the vote and favorite queries for the identity on ctx.
// The vote map is reloaded whenever the public snippet set changes.
func NewStore(ctx context.Context, cfg StoreConfig) (*Store, error) {
	user, err := identity.Require(ctx, opNewStore)
	if err != nil {
		return nil, err
	}
	service := cfg.Service
	votes := livequery.Start(ctx, livequery.Config[Vote]{
		Name:   "voting.votes",
		Feed:   cfg.Feed,
		Topics: []string{changefeed.Votes(user.ID), changefeed.TopicPublicSnippets},
		Load: func(ctx context.Context) ([]Vote, error) {
			return service.ListVotes(ctx, user.ID)
		},
		OnError: cfg.OnError,
		Logger:  cfg.Logger,
	})
	favorites := livequery.Start(ctx, livequery.Config[Favorite]{
		Name:   "voting.favorites",
		Feed:   cfg.Feed,
		Topics: []string{changefeed.Favorites(user.ID)},
		Load: func(ctx context.Context) ([]Favorite, error) {
			return service.ListFavorites(ctx, user.ID)
		},
		OnError: cfg.OnError,
		Logger:  cfg.Logger,
	})
	favorited := livequery.Start(ctx, livequery.Config[snippets.Snippet]{
		Name:   "voting.favorite_snippets",
		Feed:   cfg.Feed,
		Topics: []string{changefeed.Favorites(user.ID), changefeed.TopicPublicSnippets},
		Load: func(ctx context.Context) ([]snippets.Snippet, error) {
			return service.FavoriteSnippets(ctx, user.ID)
		},
		OnError: cfg.OnError,
		Logger:  cfg.Logger,
	})

	voteMap, stopVotes := reactive.Derive(votes.Items(), func(list []Vote) map[string]int {
		byID := make(map[string]int, len(list))
		for _, vote := range list {
			byID[vote.SnippetID] = vote.Value
		}
		return byID
	})
	favMap, stopFavorites := reactive.Derive(favorites.Items(), func(list []Favorite) map[string]bool {
		byID := make(map[string]bool, len(list))
		for _, favorite := range list {
			byID[favorite.SnippetID] = true
		}
		return byID
	})
	degraded, stopDegraded := reactive.Derive2(votes.Degraded(), favorites.Degraded(), func(a, b error) error {
		if a != nil {
			return a
		}
		return b
	})
	return &Store{
		service:   service,
		votes:     votes,
		favorites: favorites,
		favorited: favorited,
		voteMap:   voteMap,
		favMap:    favMap,
		degraded:  degraded,
		stops:     []func(){stopVotes, stopFavorites, stopDegraded},
	}, nil
}

// Votes maps snippet ids to the user's vote. Absent means 0.
func (s *Store) Votes() *reactive.Value[map[string]int] {
	return s.voteMap
}

// Favorites maps favorited snippet ids to true.
func (s *Store) Favorites() *reactive.Value[map[string]bool] {
	return s.favMap
}

// FavoriteSnippets is the list of favorited snippets.
func (s *Store) FavoriteSnippets() *reactive.Value[[]snippets.Snippet] {
	return s.favorited.Items()
}

func (s *Store) VoteOf(snippetID string) int {
	return s.voteMap.Get()[snippetID]
}

func (s *Store) IsFavorite(snippetID string) bool {
	return s.favMap.Get()[snippetID]
}

func (s *Store) Degraded() *reactive.Value[error] {
	return s.degraded
}

func (s *Store) Vote(ctx context.Context, snippetID string, value int) (int, apperror.Result) {
	current, err := s.service.Vote(ctx, snippetID, value)
	return current, metrics.Result(opVote, err)
}

func (s *Store) Favorite(ctx context.Context, snippetID string, isFavorite bool) apperror.Result {
	return metrics.Result(opFavorite, s.service.Favorite(ctx, snippetID, isFavorite))
}

func (s *Store) Close() {
	s.closeOnce.Do(func() {
		for _, stop := range s.stops {
			stop()
		}
		s.votes.Close()
		s.favorites.Close()
		s.favorited.Close()
	})
}
