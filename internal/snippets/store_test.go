package snippets

import (
	"context"
	"testing"

	"github.com/MarcoPoloResearchLab/codevault/backend/internal/apperror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterRequiresEverySelectedTag(t *testing.T) {
	list := []Snippet{
		{ID: "1", Tags: []string{"a", "b"}},
		{ID: "2", Tags: []string{"a"}},
		{ID: "3", Tags: []string{"b", "c"}},
	}
	matched := Apply(list, Filter{Tags: []string{"a", "b"}})
	require.Len(t, matched, 1)
	assert.Equal(t, "1", matched[0].ID)
}

func TestFilterSearchAndLanguage(t *testing.T) {
	list := []Snippet{
		{ID: "1", Title: "HTTP client", Language: "go"},
		{ID: "2", Title: "misc", Description: "an http helper", Language: "python"},
		{ID: "3", Title: "misc", Code: "fetch('HTTP://x')", Language: "javascript"},
		{ID: "4", Title: "unrelated", Language: "go"},
	}
	ids := func(matched []Snippet) []string {
		out := make([]string, 0, len(matched))
		for _, snippet := range matched {
			out = append(out, snippet.ID)
		}
		return out
	}
	assert.Equal(t, []string{"1", "2", "3"}, ids(Apply(list, Filter{Search: "Http"})))
	assert.Equal(t, []string{"1"}, ids(Apply(list, Filter{Search: "http", Language: "go"})))
	assert.Len(t, Apply(list, Filter{}), 4)
	assert.Equal(t, []string{"go", "javascript", "python"}, AllLanguages(list))
}

func TestAllTagsIsSortedAndUnique(t *testing.T) {
	list := []Snippet{
		{Tags: []string{"web", "api"}},
		{Tags: []string{"api", "cli"}},
		{},
	}
	assert.Equal(t, []string{"api", "cli", "web"}, AllTags(list))
}

func TestStoreMirrorsOwnedSnippets(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(userContext("alice"))
	defer cancel()

	store, err := NewStore(ctx, StoreConfig{Service: env.service, Feed: env.feed})
	require.NoError(t, err)
	defer store.Close()
	require.Empty(t, store.Snippets().Get())

	first, result := store.Create(ctx, sampleDraft("first", "web", "api"))
	require.True(t, result.Success, result.Error)
	_, result = store.Create(ctx, sampleDraft("second", "web"))
	require.True(t, result.Success, result.Error)
	mustCreate(t, env.service, userContext("bob"), sampleDraft("not mine", "web"))

	waitFor(t, "both snippets in the live list", func() bool {
		return len(store.Snippets().Get()) == 2
	})
	assert.Equal(t, "second", store.Snippets().Get()[0].Title)
	assert.Equal(t, []string{"api", "web"}, store.AllTags().Get())
	assert.Equal(t, []string{"go"}, store.AllLanguages().Get())

	store.ToggleTag("api")
	require.Len(t, store.Filtered().Get(), 1)
	assert.Equal(t, first.ID, store.Filtered().Get()[0].ID)
	store.ToggleTag("api")
	assert.Len(t, store.Filtered().Get(), 2)

	store.SetSearch("SECOND")
	require.Len(t, store.Filtered().Get(), 1)
	store.ClearFilters()
	assert.Len(t, store.Filtered().Get(), 2)

	result = store.Delete(ctx, first.ID)
	require.True(t, result.Success, result.Error)
	waitFor(t, "deleted snippet to leave the live list", func() bool {
		return len(store.Snippets().Get()) == 1
	})

	result = store.Delete(ctx, first.ID)
	assert.False(t, result.Success)
	assert.Equal(t, apperror.KindNotFound, result.Kind)
}

func TestStoreRequiresIdentity(t *testing.T) {
	env := newTestEnv(t)
	_, err := NewStore(context.Background(), StoreConfig{Service: env.service, Feed: env.feed})
	require.Equal(t, apperror.KindUnauthenticated, apperror.KindOf(err))
}

func TestCommunityStoreTracksMembership(t *testing.T) {
	env := newTestEnv(t)
	owner := userContext("alice")
	snippet := mustCreate(t, env.service, owner, sampleDraft("showcase"))
	makePublic(t, env, owner, snippet.ID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	community := NewCommunityStore(ctx, StoreConfig{Service: env.service, Feed: env.feed})
	defer community.Close()
	require.False(t, community.IsInCommunity(snippet.ID))

	result := community.Add(owner, snippet.ID)
	require.True(t, result.Success, result.Error)
	waitFor(t, "snippet to join the community map", func() bool {
		return community.IsInCommunity(snippet.ID)
	})
	require.Len(t, community.Snippets().Get(), 1)

	result = community.Remove(owner, snippet.ID)
	require.True(t, result.Success, result.Error)
	waitFor(t, "snippet to leave the community map", func() bool {
		return !community.IsInCommunity(snippet.ID)
	})
}
