package transfer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/codevault/backend/internal/apperror"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/changefeed"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/identity"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/snippets"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type testEnv struct {
	feed     *changefeed.Dispatcher
	snippets *snippets.Service
	transfer *Service
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
	if err := db.AutoMigrate(&snippets.Snippet{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	feed := changefeed.NewDispatcher()
	snippetService, err := snippets.NewService(snippets.ServiceConfig{Database: db, Feed: feed})
	if err != nil {
		t.Fatalf("failed to create snippet service: %v", err)
	}
	service, err := NewService(ServiceConfig{Database: db, Feed: feed, Snippets: snippetService})
	if err != nil {
		t.Fatalf("failed to create transfer service: %v", err)
	}
	return testEnv{feed: feed, snippets: snippetService, transfer: service}
}

func userContext(id string) context.Context {
	return identity.WithUser(context.Background(), identity.User{ID: id, Email: id + "@example.com", DisplayName: id})
}

type tuple struct {
	Title, Code, Language, Tags string
	Visibility                  snippets.Visibility
}

func tuples(list []snippets.Snippet) []tuple {
	out := make([]tuple, 0, len(list))
	for _, snippet := range list {
		out = append(out, tuple{
			Title:      snippet.Title,
			Code:       snippet.Code,
			Language:   snippet.Language,
			Tags:       strings.Join(snippet.Tags, ","),
			Visibility: snippet.Visibility,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out
}

func TestFilename(t *testing.T) {
	name := Filename(time.Date(2026, 10, 16, 23, 30, 0, 0, time.UTC))
	require.Equal(t, "codevault-snippets-2026-10-16.json", name)
}

func TestExportImportRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	source := userContext("source")
	drafts := []snippets.Draft{
		{Title: "alpha", Code: "a()", Language: "go", Tags: []string{"x", "y"}, Visibility: snippets.VisibilityPublic},
		{Title: "beta", Code: "b()", Language: "python"},
		{Title: "gamma", Code: "c()", Language: "sql", Tags: []string{"db"}},
	}
	for _, draft := range drafts {
		_, err := env.snippets.Create(source, draft)
		require.NoError(t, err)
	}
	original, err := env.snippets.ListOwned(context.Background(), "source")
	require.NoError(t, err)

	bundle, err := env.transfer.Export(source)
	require.NoError(t, err)
	require.Equal(t, BundleVersion, bundle.Version)
	require.Equal(t, 3, bundle.TotalCount)
	require.Equal(t, "source", bundle.User.ID)

	data, err := json.Marshal(bundle)
	require.NoError(t, err)

	report, err := env.transfer.Import(userContext("target"), data)
	require.NoError(t, err)
	require.Equal(t, Report{Imported: 3, Skipped: 0}, report)

	imported, err := env.snippets.ListOwned(context.Background(), "target")
	require.NoError(t, err)
	require.Equal(t, tuples(original), tuples(imported))

	originalIDs := map[string]bool{}
	for _, snippet := range original {
		originalIDs[snippet.ID] = true
	}
	for _, snippet := range imported {
		require.False(t, originalIDs[snippet.ID], "imported snippets need fresh ids")
		require.Zero(t, snippet.VoteCount)
		require.Zero(t, snippet.FavoriteCount)
		require.Equal(t, "target", snippet.OwnerID)
	}
}

func TestImportSkipsIncompleteEntries(t *testing.T) {
	env := newTestEnv(t)
	data := []byte(`{
		"snippets": [
			{"title": "ok", "code": "x", "language": "go", "visibility": "shared"},
			{"title": "", "code": "x", "language": "go"},
			{"title": "no code", "language": "go"},
			"not an object"
		]
	}`)

	report, err := env.transfer.Import(userContext("importer"), data)
	require.NoError(t, err)
	require.Equal(t, Report{Imported: 1, Skipped: 3}, report)

	owned, err := env.snippets.ListOwned(context.Background(), "importer")
	require.NoError(t, err)
	require.Len(t, owned, 1)
	require.Equal(t, snippets.VisibilityPrivate, owned[0].Visibility)
	require.Equal(t, "", owned[0].Description)
}

func TestImportRejectsBadFormat(t *testing.T) {
	env := newTestEnv(t)
	ctx := userContext("importer")

	for _, input := range []string{`{"items": []}`, `{"snippets": {}}`, `{"snippets": null}`, `not json`} {
		_, err := env.transfer.Import(ctx, []byte(input))
		require.Equal(t, apperror.KindValidation, apperror.KindOf(err), input)
	}
	_, err := env.transfer.Import(ctx, []byte(`{"items": []}`))
	require.Equal(t, "Invalid file format: snippets array not found", apperror.MessageOf(err))

	_, err = env.transfer.Import(context.Background(), []byte(`{"snippets": []}`))
	require.Equal(t, apperror.KindUnauthenticated, apperror.KindOf(err))
}
