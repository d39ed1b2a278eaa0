package voting

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/codevault/backend/internal/apperror"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/changefeed"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/identity"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/snippets"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

type testEnv struct {
	db       *gorm.DB
	feed     *changefeed.Dispatcher
	snippets *snippets.Service
	voting   *Service
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&snippets.Snippet{}, &Vote{}, &Favorite{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	feed := changefeed.NewDispatcher()
	snippetService, err := snippets.NewService(snippets.ServiceConfig{Database: db, Feed: feed})
	if err != nil {
		t.Fatalf("failed to create snippet service: %v", err)
	}
	votingService, err := NewService(ServiceConfig{Database: db, Feed: feed, Snippets: snippetService})
	if err != nil {
		t.Fatalf("failed to create voting service: %v", err)
	}
	return testEnv{db: db, feed: feed, snippets: snippetService, voting: votingService}
}

func userContext(id string) context.Context {
	return identity.WithUser(context.Background(), identity.User{ID: id, Email: id + "@example.com"})
}

func mustPublicSnippet(t *testing.T, env testEnv, owner string) snippets.Snippet {
	t.Helper()
	snippet, err := env.snippets.Create(userContext(owner), snippets.Draft{
		Title:      "voteable",
		Code:       "print(1)",
		Language:   "python",
		Visibility: snippets.VisibilityPublic,
	})
	if err != nil {
		t.Fatalf("failed to create snippet: %v", err)
	}
	return snippet
}

func counts(t *testing.T, env testEnv, snippetID string) (int64, int64) {
	t.Helper()
	snippet, err := env.snippets.Find(context.Background(), snippetID)
	if err != nil {
		t.Fatalf("failed to load snippet: %v", err)
	}
	return snippet.VoteCount, snippet.FavoriteCount
}

func mustVote(t *testing.T, env testEnv, user, snippetID string, value int) int {
	t.Helper()
	current, err := env.voting.Vote(userContext(user), snippetID, value)
	if err != nil {
		t.Fatalf("unexpected vote error for %s: %v", user, err)
	}
	return current
}

func TestVoteCountTracksSumOfLatestVotes(t *testing.T) {
	env := newTestEnv(t)
	snippet := mustPublicSnippet(t, env, "owner")

	latest := map[string]int{}
	steps := []struct {
		user  string
		value int
	}{
		{"a", 1}, {"b", 1}, {"c", -1}, {"a", -1}, {"b", 1}, {"c", 0}, {"a", -1}, {"d", 1}, {"c", 1},
	}
	for index, step := range steps {
		latest[step.user] = mustVote(t, env, step.user, snippet.ID, step.value)
		expected := int64(0)
		for _, value := range latest {
			expected += int64(value)
		}
		voteCount, _ := counts(t, env, snippet.ID)
		if voteCount != expected {
			t.Fatalf("step %d: expected voteCount %d, got %d", index, expected, voteCount)
		}
	}

	var stored []Vote
	if err := env.db.Where("snippet_id = ?", snippet.ID).Find(&stored).Error; err != nil {
		t.Fatalf("failed to list votes: %v", err)
	}
	for _, vote := range stored {
		if vote.Value == 0 {
			t.Fatalf("zero votes must never be stored, found one for %s", vote.UserID)
		}
	}
}

func TestRepeatedVoteTogglesOff(t *testing.T) {
	env := newTestEnv(t)
	snippet := mustPublicSnippet(t, env, "owner")

	if current := mustVote(t, env, "a", snippet.ID, 1); current != 1 {
		t.Fatalf("expected vote 1, got %d", current)
	}
	if voteCount, _ := counts(t, env, snippet.ID); voteCount != 1 {
		t.Fatalf("expected voteCount 1, got %d", voteCount)
	}
	if current := mustVote(t, env, "a", snippet.ID, 1); current != 0 {
		t.Fatalf("expected repeated vote to withdraw, got %d", current)
	}
	if voteCount, _ := counts(t, env, snippet.ID); voteCount != 0 {
		t.Fatalf("expected voteCount back at 0, got %d", voteCount)
	}

	mustVote(t, env, "a", snippet.ID, -1)
	mustVote(t, env, "a", snippet.ID, 1)
	if voteCount, _ := counts(t, env, snippet.ID); voteCount != 1 {
		t.Fatalf("expected switching from -1 to 1 to land on 1, got %d", voteCount)
	}
}

func TestVoteRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)
	snippet := mustPublicSnippet(t, env, "owner")

	if _, err := env.voting.Vote(context.Background(), snippet.ID, 1); apperror.KindOf(err) != apperror.KindUnauthenticated {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
	if _, err := env.voting.Vote(userContext("a"), snippet.ID, 2); apperror.KindOf(err) != apperror.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := env.voting.Vote(userContext("a"), "missing", 1); apperror.KindOf(err) != apperror.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestVoteAndFavoriteHidePrivateSnippets(t *testing.T) {
	env := newTestEnv(t)
	private, err := env.snippets.Create(userContext("owner"), snippets.Draft{
		Title:    "hidden",
		Code:     "print(2)",
		Language: "python",
	})
	require.NoError(t, err)
	require.Equal(t, snippets.VisibilityPrivate, private.Visibility)

	_, err = env.voting.Vote(userContext("stranger"), private.ID, 1)
	require.Equal(t, apperror.KindNotFound, apperror.KindOf(err))
	err = env.voting.Favorite(userContext("stranger"), private.ID, true)
	require.Equal(t, apperror.KindNotFound, apperror.KindOf(err))
	voteCount, favoriteCount := counts(t, env, private.ID)
	require.Zero(t, voteCount)
	require.Zero(t, favoriteCount)

	current, err := env.voting.Vote(userContext("owner"), private.ID, 1)
	require.NoError(t, err)
	require.Equal(t, 1, current)
	require.NoError(t, env.voting.Favorite(userContext("owner"), private.ID, true))
}

func TestConcurrentVotesCommute(t *testing.T) {
	env := newTestEnv(t)
	snippet := mustPublicSnippet(t, env, "owner")

	var group errgroup.Group
	for i := 0; i < 12; i++ {
		user := fmt.Sprintf("voter-%d", i)
		value := 1
		if i%3 == 0 {
			value = -1
		}
		group.Go(func() error {
			_, err := env.voting.Vote(userContext(user), snippet.ID, value)
			return err
		})
	}
	if err := group.Wait(); err != nil {
		t.Fatalf("unexpected concurrent vote error: %v", err)
	}
	if voteCount, _ := counts(t, env, snippet.ID); voteCount != 4 {
		t.Fatalf("expected voteCount 4 (8 up, 4 down), got %d", voteCount)
	}
}

func TestFavoriteIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	snippet := mustPublicSnippet(t, env, "owner")
	ctx := userContext("fan")

	for i := 0; i < 2; i++ {
		if err := env.voting.Favorite(ctx, snippet.ID, true); err != nil {
			t.Fatalf("unexpected favorite error: %v", err)
		}
	}
	if _, favoriteCount := counts(t, env, snippet.ID); favoriteCount != 1 {
		t.Fatalf("expected favoriteCount 1 after double favorite, got %d", favoriteCount)
	}

	for i := 0; i < 2; i++ {
		if err := env.voting.Favorite(ctx, snippet.ID, false); err != nil {
			t.Fatalf("unexpected unfavorite error: %v", err)
		}
	}
	if _, favoriteCount := counts(t, env, snippet.ID); favoriteCount != 0 {
		t.Fatalf("expected favoriteCount 0 after double unfavorite, got %d", favoriteCount)
	}
}

func TestSnippetDeleteRemovesVotesAndFavorites(t *testing.T) {
	env := newTestEnv(t)
	snippet := mustPublicSnippet(t, env, "owner")
	mustVote(t, env, "a", snippet.ID, 1)
	if err := env.voting.Favorite(userContext("a"), snippet.ID, true); err != nil {
		t.Fatalf("unexpected favorite error: %v", err)
	}

	stream, cancel := env.feed.Subscribe(context.Background(), changefeed.Favorites("a"))
	defer cancel()

	if err := env.snippets.Delete(userContext("owner"), snippet.ID); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}

	var votes, favorites int64
	env.db.Model(&Vote{}).Count(&votes)
	env.db.Model(&Favorite{}).Count(&favorites)
	if votes != 0 || favorites != 0 {
		t.Fatalf("expected cascade to remove votes and favorites, got %d votes %d favorites", votes, favorites)
	}

	select {
	case event := <-stream:
		if event.Kind != changefeed.KindDeleted {
			t.Fatalf("expected deleted event, got %s", event.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("expected favorite topic to be announced on cascade")
	}
}
