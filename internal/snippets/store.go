package snippets

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

const opNewStore = "snippets.new_store"

// StoreConfig wires a live store to its service and change feed.
type StoreConfig struct {
	Service *Service
	Feed    livequery.Feed
	OnError func(error)
	Logger  *zap.Logger
}

// Store mirrors the signed-in user's snippets and the views derived from them.
type Store struct {
	service   *Service
	query     *livequery.Query[Snippet]
	filter    *reactive.Value[Filter]
	filtered  *reactive.Value[[]Snippet]
	tags      *reactive.Value[[]string]
	languages *reactive.Value[[]string]
	stops     []func()
	closeOnce sync.Once
}

// NewStore starts the live owner query for the identity on ctx.
func NewStore(ctx context.Context, cfg StoreConfig) (*Store, error) {
	user, err := identity.Require(ctx, opNewStore)
	if err != nil {
		return nil, err
	}
	service := cfg.Service
	query := livequery.Start(ctx, livequery.Config[Snippet]{
		Name:   "snippets.owned",
		Feed:   cfg.Feed,
		Topics: []string{changefeed.OwnerSnippets(user.ID)},
		Load: func(ctx context.Context) ([]Snippet, error) {
			return service.ListOwned(ctx, user.ID)
		},
		OnError: cfg.OnError,
		Logger:  cfg.Logger,
	})

	store := &Store{
		service: service,
		query:   query,
		filter:  reactive.NewValue(Filter{}),
	}
	var stopFiltered, stopTags, stopLanguages func()
	store.filtered, stopFiltered = reactive.Derive2(query.Items(), store.filter, Apply)
	store.tags, stopTags = reactive.Derive(query.Items(), AllTags)
	store.languages, stopLanguages = reactive.Derive(query.Items(), AllLanguages)
	store.stops = []func(){stopFiltered, stopTags, stopLanguages}
	return store, nil
}

// Snippets is the full list, most recently updated first.
func (s *Store) Snippets() *reactive.Value[[]Snippet] {
	return s.query.Items()
}

// Filtered is Snippets narrowed by the current filter.
func (s *Store) Filtered() *reactive.Value[[]Snippet] {
	return s.filtered
}

// AllTags lists the distinct tags of Snippets.
func (s *Store) AllTags() *reactive.Value[[]string] {
	return s.tags
}

// AllLanguages lists the distinct languages of Snippets.
func (s *Store) AllLanguages() *reactive.Value[[]string] {
	return s.languages
}

// Filter is the current filter state.
func (s *Store) Filter() *reactive.Value[Filter] {
	return s.filter
}

// Degraded carries the last live query failure.
func (s *Store) Degraded() *reactive.Value[error] {
	return s.query.Degraded()
}

func (s *Store) SetSearch(search string) {
	s.filter.Update(func(f Filter) Filter {
		f.Search = search
		return f
	})
}

func (s *Store) SetTags(tags []string) {
	s.filter.Update(func(f Filter) Filter {
		f.Tags = append([]string(nil), tags...)
		return f
	})
}

// ToggleTag adds tag to the selection, or removes it when already selected.
func (s *Store) ToggleTag(tag string) {
	s.filter.Update(func(f Filter) Filter {
		next := make([]string, 0, len(f.Tags)+1)
		removed := false
		for _, selected := range f.Tags {
			if selected == tag {
				removed = true
				continue
			}
			next = append(next, selected)
		}
		if !removed {
			next = append(next, tag)
		}
		f.Tags = next
		return f
	})
}

func (s *Store) SetLanguage(language string) {
	s.filter.Update(func(f Filter) Filter {
		f.Language = language
		return f
	})
}

func (s *Store) ClearFilters() {
	s.filter.Set(Filter{})
}

func (s *Store) Create(ctx context.Context, draft Draft) (Snippet, apperror.Result) {
	snippet, err := s.service.Create(ctx, draft)
	return snippet, metrics.Result(opCreate, err)
}

func (s *Store) Update(ctx context.Context, snippetID string, patch Patch) apperror.Result {
	_, err := s.service.Update(ctx, snippetID, patch)
	return metrics.Result(opUpdate, err)
}

func (s *Store) Delete(ctx context.Context, snippetID string) apperror.Result {
	return metrics.Result(opDelete, s.service.Delete(ctx, snippetID))
}

func (s *Store) Get(ctx context.Context, snippetID string) (Snippet, apperror.Result) {
	snippet, err := s.service.Get(ctx, snippetID)
	return snippet, apperror.ToResult(err)
}

func (s *Store) Fork(ctx context.Context, snippetID string) (Snippet, apperror.Result) {
	fork, err := s.service.Fork(ctx, snippetID)
	return fork, metrics.Result(opFork, err)
}

func (s *Store) SetPassword(ctx context.Context, snippetID, password string) apperror.Result {
	return metrics.Result(opSetPassword, s.service.SetPassword(ctx, snippetID, password))
}

func (s *Store) UpdateLicense(ctx context.Context, snippetID, licenseID string) apperror.Result {
	return metrics.Result(opUpdateLicense, s.service.UpdateLicense(ctx, snippetID, licenseID))
}

// Close stops the live query and every derived view.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		for _, stop := range s.stops {
			stop()
		}
		s.query.Close()
	})
}

// CommunityStore mirrors the community feed.
type CommunityStore struct {
	service     *Service
	query       *livequery.Query[Snippet]
	inCommunity *reactive.Value[map[string]bool]
	stop        func()
	closeOnce   sync.Once
}

// NewCommunityStore starts the live community query.
func NewCommunityStore(ctx context.Context, cfg StoreConfig) *CommunityStore {
	service := cfg.Service
	query := livequery.Start(ctx, livequery.Config[Snippet]{
		Name:    "snippets.community",
		Feed:    cfg.Feed,
		Topics:  []string{changefeed.TopicCommunitySnippets},
		Load:    service.ListCommunity,
		OnError: cfg.OnError,
		Logger:  cfg.Logger,
	})
	inCommunity, stop := reactive.Derive(query.Items(), func(listed []Snippet) map[string]bool {
		membership := make(map[string]bool, len(listed))
		for _, snippet := range listed {
			membership[snippet.ID] = true
		}
		return membership
	})
	return &CommunityStore{service: service, query: query, inCommunity: inCommunity, stop: stop}
}

// Snippets is the community feed.
func (c *CommunityStore) Snippets() *reactive.Value[[]Snippet] {
	return c.query.Items()
}

// InCommunity maps listed snippet ids to true.
func (c *CommunityStore) InCommunity() *reactive.Value[map[string]bool] {
	return c.inCommunity
}

// IsInCommunity reports whether snippetID is currently listed.
func (c *CommunityStore) IsInCommunity(snippetID string) bool {
	return c.inCommunity.Get()[snippetID]
}

func (c *CommunityStore) Degraded() *reactive.Value[error] {
	return c.query.Degraded()
}

func (c *CommunityStore) Add(ctx context.Context, snippetID string) apperror.Result {
	return metrics.Result(opAddToCommunity, c.service.AddToCommunity(ctx, snippetID))
}

func (c *CommunityStore) Remove(ctx context.Context, snippetID string) apperror.Result {
	return metrics.Result(opRemoveFromCommunity, c.service.RemoveFromCommunity(ctx, snippetID))
}

func (c *CommunityStore) Close() {
	c.closeOnce.Do(func() {
		c.stop()
		c.query.Close()
	})
}
