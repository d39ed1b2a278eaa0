package feedback

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/codevault/backend/internal/apperror"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/changefeed"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/identity"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/snippets"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type steppingClock struct {
	mu      sync.Mutex
	current time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(time.Second)
	return c.current
}

type testEnv struct {
	db       *gorm.DB
	feed     *changefeed.Dispatcher
	snippets *snippets.Service
	feedback *Service
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
	if err := db.AutoMigrate(&snippets.Snippet{}, &Request{}, &Comment{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	clock := &steppingClock{current: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	feed := changefeed.NewDispatcher()
	snippetService, err := snippets.NewService(snippets.ServiceConfig{Database: db, Feed: feed, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to create snippet service: %v", err)
	}
	service, err := NewService(ServiceConfig{Database: db, Feed: feed, Clock: clock.Now, Snippets: snippetService})
	if err != nil {
		t.Fatalf("failed to create feedback service: %v", err)
	}
	return testEnv{db: db, feed: feed, snippets: snippetService, feedback: service}
}

func userContext(id string) context.Context {
	return identity.WithUser(context.Background(), identity.User{ID: id, Email: id + "@example.com"})
}

func mustSnippet(t *testing.T, env testEnv, owner string) snippets.Snippet {
	t.Helper()
	snippet, err := env.snippets.Create(userContext(owner), snippets.Draft{Title: "review me", Code: "x", Language: "go"})
	if err != nil {
		t.Fatalf("failed to create snippet: %v", err)
	}
	return snippet
}

func mustRequest(t *testing.T, env testEnv, user, snippetID string) Request {
	t.Helper()
	action, err := env.feedback.ToggleRequest(userContext(user), snippetID, "")
	if err != nil || action != ActionCreated {
		t.Fatalf("failed to open request: action=%s err=%v", action, err)
	}
	requests, err := env.feedback.ListRequests(context.Background(), snippetID)
	if err != nil {
		t.Fatalf("failed to list requests: %v", err)
	}
	for _, request := range requests {
		if request.UserID == user {
			return request
		}
	}
	t.Fatalf("request for %s not found", user)
	return Request{}
}

func mustComment(t *testing.T, env testEnv, user, requestID, text, parent string) Comment {
	t.Helper()
	comment, err := env.feedback.AddComment(userContext(user), requestID, text, parent)
	if err != nil {
		t.Fatalf("failed to add comment %q: %v", text, err)
	}
	return comment
}

func TestToggleRequestCreatesThenRemoves(t *testing.T) {
	env := newTestEnv(t)
	snippet := mustSnippet(t, env, "owner")
	ctx := userContext("asker")

	request := mustRequest(t, env, "asker", snippet.ID)
	assert.Equal(t, RequestReview, request.RequestType)
	assert.Equal(t, StatusOpen, request.Status)
	assert.Equal(t, "asker@example.com", request.UserEmail)

	requested, err := env.feedback.HasRequested(ctx, snippet.ID)
	require.NoError(t, err)
	require.True(t, requested)

	mustComment(t, env, "owner", request.ID, "looks fine", "")

	action, err := env.feedback.ToggleRequest(ctx, snippet.ID, RequestHelp)
	require.NoError(t, err)
	require.Equal(t, ActionRemoved, action)

	requested, err = env.feedback.HasRequested(ctx, snippet.ID)
	require.NoError(t, err)
	require.False(t, requested)

	var comments int64
	env.db.Model(&Comment{}).Count(&comments)
	require.Zero(t, comments)

	_, err = env.feedback.ToggleRequest(ctx, snippet.ID, "praise")
	require.Equal(t, apperror.KindValidation, apperror.KindOf(err))
}

func TestCommentsAreThreaded(t *testing.T) {
	env := newTestEnv(t)
	snippet := mustSnippet(t, env, "owner")
	request := mustRequest(t, env, "asker", snippet.ID)

	first := mustComment(t, env, "owner", request.ID, "first", "")
	second := mustComment(t, env, "asker", request.ID, "second", "")
	reply := mustComment(t, env, "asker", request.ID, "reply to first", first.ID)
	mustComment(t, env, "owner", request.ID, "nested", reply.ID)

	thread, err := env.feedback.ListComments(context.Background(), request.ID)
	require.NoError(t, err)
	texts := make([]string, 0, len(thread))
	depths := make([]int, 0, len(thread))
	for _, comment := range thread {
		texts = append(texts, comment.Text)
		depths = append(depths, comment.Depth)
	}
	require.Equal(t, []string{"first", "reply to first", "nested", "second"}, texts)
	require.Equal(t, []int{0, 1, 2, 0}, depths)

	otherRequest := mustRequest(t, env, "someone", snippet.ID)
	_, err = env.feedback.AddComment(userContext("owner"), otherRequest.ID, "cross", second.ID)
	require.Equal(t, apperror.KindValidation, apperror.KindOf(err))

	_, err = env.feedback.AddComment(userContext("owner"), request.ID, "  ", "")
	require.Equal(t, "Comment text is required", apperror.MessageOf(err))

	_, err = env.feedback.AddComment(userContext("owner"), "missing", "hello", "")
	require.Equal(t, apperror.KindNotFound, apperror.KindOf(err))
}

func TestEditCommentByNonAuthorLeavesCommentUnchanged(t *testing.T) {
	env := newTestEnv(t)
	snippet := mustSnippet(t, env, "owner")
	request := mustRequest(t, env, "asker", snippet.ID)
	comment := mustComment(t, env, "asker", request.ID, "original", "")

	_, err := env.feedback.EditComment(userContext("intruder"), request.ID, comment.ID, "defaced")
	require.Equal(t, apperror.KindUnauthorized, apperror.KindOf(err))

	var stored Comment
	require.NoError(t, env.db.Where("id = ?", comment.ID).Take(&stored).Error)
	require.Equal(t, "original", stored.Text)
	require.False(t, stored.Edited)

	edited, err := env.feedback.EditComment(userContext("asker"), request.ID, comment.ID, "revised")
	require.NoError(t, err)
	require.True(t, edited.Edited)
	require.Equal(t, "revised", edited.Text)

	err = env.feedback.DeleteComment(userContext("intruder"), request.ID, comment.ID)
	require.Equal(t, "Not authorized to delete this comment", apperror.MessageOf(err))
	require.NoError(t, env.feedback.DeleteComment(userContext("asker"), request.ID, comment.ID))
}

func TestThreadPromotesOrphanedReplies(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	gone := "gone"
	comments := []Comment{
		{ID: "b", Text: "orphan", ParentCommentID: &gone, CreatedAt: base.Add(2 * time.Second)},
		{ID: "a", Text: "root", CreatedAt: base.Add(time.Second)},
	}
	thread := Thread(comments)
	require.Len(t, thread, 2)
	require.Equal(t, "root", thread[0].Text)
	require.Equal(t, "orphan", thread[1].Text)
	require.Zero(t, thread[1].Depth)
}

func TestSnippetDeleteRemovesFeedback(t *testing.T) {
	env := newTestEnv(t)
	snippet := mustSnippet(t, env, "owner")
	request := mustRequest(t, env, "asker", snippet.ID)
	mustComment(t, env, "owner", request.ID, "note", "")

	require.NoError(t, env.snippets.Delete(userContext("owner"), snippet.ID))

	var requests, comments int64
	env.db.Model(&Request{}).Count(&requests)
	env.db.Model(&Comment{}).Count(&comments)
	require.Zero(t, requests)
	require.Zero(t, comments)
}

func TestStoresFollowRequestsAndComments(t *testing.T) {
	env := newTestEnv(t)
	snippet := mustSnippet(t, env, "owner")
	ctx, cancel := context.WithCancel(userContext("asker"))
	defer cancel()
	cfg := StoreConfig{Service: env.feedback, Feed: env.feed}

	requests, err := NewRequestStore(ctx, cfg, snippet.ID)
	require.NoError(t, err)
	defer requests.Close()

	action, result := requests.Toggle(ctx, RequestHelp)
	require.True(t, result.Success, result.Error)
	require.Equal(t, ActionCreated, action)
	require.Eventually(t, func() bool { return requests.Requested().Get() }, 2*time.Second, 10*time.Millisecond)

	requestID := requests.Requests().Get()[0].ID
	comments, err := NewCommentStore(ctx, cfg, requestID)
	require.NoError(t, err)
	defer comments.Close()

	_, result = comments.Add(ctx, "please help", "")
	require.True(t, result.Success, result.Error)
	require.Eventually(t, func() bool { return len(comments.Comments().Get()) == 1 }, 2*time.Second, 10*time.Millisecond)

	_, result = requests.Toggle(ctx, RequestHelp)
	require.True(t, result.Success, result.Error)
	require.Eventually(t, func() bool { return !requests.Requested().Get() }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(comments.Comments().Get()) == 0 }, 2*time.Second, 10*time.Millisecond)
}
