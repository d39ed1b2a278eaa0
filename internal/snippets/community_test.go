package snippets

import (
	"context"
	"testing"

	"github.com/MarcoPoloResearchLab/codevault/backend/internal/apperror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makePublic(t *testing.T, env testEnv, ctx context.Context, snippetID string) {
	t.Helper()
	public := VisibilityPublic
	if _, err := env.service.Update(ctx, snippetID, Patch{Visibility: &public}); err != nil {
		t.Fatalf("failed to publish snippet: %v", err)
	}
}

func TestCommunityListing(t *testing.T) {
	env := newTestEnv(t)
	owner := userContext("alice")
	curator := userContext("carol")
	snippet := mustCreate(t, env.service, owner, sampleDraft("shared"))

	err := env.service.AddToCommunity(curator, snippet.ID)
	require.Equal(t, apperror.KindNotFound, apperror.KindOf(err), "private snippets are invisible to others")

	makePublic(t, env, owner, snippet.ID)
	require.NoError(t, env.service.AddToCommunity(curator, snippet.ID))

	err = env.service.AddToCommunity(owner, snippet.ID)
	require.Equal(t, "Snippet is already in the community", apperror.MessageOf(err))

	listed, err := env.service.ListCommunity(context.Background())
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "carol", listed[0].AddedToCommunityBy)
	assert.NotNil(t, listed[0].AddedToCommunityAt)

	err = env.service.RemoveFromCommunity(userContext("mallory"), snippet.ID)
	require.Equal(t, apperror.KindUnauthorized, apperror.KindOf(err))

	require.NoError(t, env.service.RemoveFromCommunity(curator, snippet.ID))
	err = env.service.RemoveFromCommunity(owner, snippet.ID)
	require.Equal(t, "Snippet is not in the community", apperror.MessageOf(err))

	err = env.service.AddToCommunity(curator, "missing")
	require.Equal(t, "Snippet not found", apperror.MessageOf(err))
}

func TestForkCopiesPublicSnippets(t *testing.T) {
	env := newTestEnv(t)
	owner := userContext("alice")
	forker := userContext("bob")
	original := mustCreate(t, env.service, owner, sampleDraft("Binary search", "algo"))

	_, err := env.service.Fork(forker, original.ID)
	require.Equal(t, "Can only fork public snippets", apperror.MessageOf(err))

	_, err = env.service.Fork(forker, "missing")
	require.Equal(t, "Original snippet not found", apperror.MessageOf(err))

	makePublic(t, env, owner, original.ID)
	fork, err := env.service.Fork(forker, original.ID)
	require.NoError(t, err)
	assert.Equal(t, "Binary search (Fork)", fork.Title)
	assert.Equal(t, "bob", fork.OwnerID)
	assert.Equal(t, VisibilityPrivate, fork.Visibility)
	assert.Equal(t, original.ID, fork.ForkedFrom)
	assert.Equal(t, "Alice", fork.OriginalAuthor)
	assert.Equal(t, []string{"algo"}, []string(fork.Tags))
	assert.Zero(t, fork.VoteCount)

	count, err := env.service.ForkCount(context.Background(), original.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestSnippetPasswordProtection(t *testing.T) {
	env := newTestEnv(t)
	owner := userContext("alice")
	snippet := mustCreate(t, env.service, owner, sampleDraft("guarded"))

	_, err := env.service.VerifyPassword(context.Background(), snippet.ID, "anything")
	require.Equal(t, "Snippet is not password protected", apperror.MessageOf(err))

	err = env.service.SetPassword(userContext("bob"), snippet.ID, "hunter2")
	require.Equal(t, apperror.KindUnauthorized, apperror.KindOf(err))

	require.NoError(t, env.service.SetPassword(owner, snippet.ID, "hunter2"))
	_, err = env.service.VerifyPassword(context.Background(), snippet.ID, "wrong")
	require.Equal(t, "Invalid password", apperror.MessageOf(err))

	unlocked, err := env.service.VerifyPassword(context.Background(), snippet.ID, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, snippet.ID, unlocked.ID)
	assert.NotEqual(t, "hunter2", unlocked.PasswordHash)

	require.NoError(t, env.service.SetPassword(owner, snippet.ID, ""))
	_, err = env.service.VerifyPassword(context.Background(), snippet.ID, "hunter2")
	require.Equal(t, "Snippet is not password protected", apperror.MessageOf(err))

	assert.Equal(t, "https://codevault.example/view/"+snippet.ID, env.service.ShareLink(snippet.ID))
}

func TestLicenses(t *testing.T) {
	env := newTestEnv(t)
	owner := userContext("alice")
	snippet := mustCreate(t, env.service, owner, sampleDraft("licensed"))

	all := env.service.Licenses().All()
	require.Len(t, all, 6)
	ids := make([]string, 0, len(all))
	for _, license := range all {
		ids = append(ids, license.ID)
	}
	assert.Equal(t, []string{"mit", "apache-2.0", "gpl-3.0", "bsd-3-clause", "cc-by-4.0", "cc0-1.0"}, ids)
	mit, ok := env.service.Licenses().Lookup("mit")
	require.True(t, ok)
	assert.Equal(t, "MIT License", mit.Name)

	err := env.service.UpdateLicense(owner, snippet.ID, "beerware")
	require.Equal(t, "Invalid license ID", apperror.MessageOf(err))
	err = env.service.UpdateLicense(userContext("bob"), snippet.ID, "mit")
	require.Equal(t, apperror.KindUnauthorized, apperror.KindOf(err))

	require.NoError(t, env.service.UpdateLicense(owner, snippet.ID, "mit"))
	stored, err := env.service.Get(owner, snippet.ID)
	require.NoError(t, err)
	assert.Equal(t, "mit", stored.LicenseID)

	require.NoError(t, env.service.UpdateLicense(owner, snippet.ID, ""))
	stored, err = env.service.Get(owner, snippet.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.LicenseID)
}

func TestParseLicensesRejectsDuplicates(t *testing.T) {
	_, err := ParseLicenses([]byte("licenses:\n  - id: mit\n  - id: mit\n"))
	require.Error(t, err)
	_, err = ParseLicenses([]byte("licenses: []\n"))
	require.Error(t, err)
}
