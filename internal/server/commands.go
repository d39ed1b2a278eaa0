package server

import (
	"context"
	"encoding/json"

	"github.com/MarcoPoloResearchLab/codevault/backend/internal/apperror"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/feedback"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/profile"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/session"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/snippets"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/todos"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/transfer"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/versions"
	"go.uber.org/zap"
)

type commandFunc func(ctx context.Context, live *liveConn, args json.RawMessage) (interface{}, apperror.Result)

var liveCommands = map[string]commandFunc{
	"auth.signUp":               commandSignUp,
	"auth.signIn":               commandSignIn,
	"auth.signInWithProvider":   commandSignInWithProvider,
	"auth.resetPassword":        commandResetPassword,
	"auth.confirmPasswordReset": commandConfirmPasswordReset,
	"auth.updateProfile":        commandUpdateProfile,
	"auth.signOut":              commandSignOut,

	"snippets.create":        commandCreateSnippet,
	"snippets.update":        commandUpdateSnippet,
	"snippets.delete":        commandDeleteSnippet,
	"snippets.get":           commandGetSnippet,
	"snippets.fork":          commandForkSnippet,
	"snippets.forkCount":     commandForkCount,
	"snippets.setPassword":   commandSetPassword,
	"snippets.updateLicense": commandUpdateLicense,
	"snippets.setSearch":     commandSetSearch,
	"snippets.setTags":       commandSetTags,
	"snippets.toggleTag":     commandToggleTag,
	"snippets.setLanguage":   commandSetLanguage,
	"snippets.clearFilters":  commandClearFilters,
	"community.add":          commandAddToCommunity,
	"community.remove":       commandRemoveFromCommunity,

	"votes.vote":       commandVote,
	"votes.favorite":   commandFavorite,
	"bookmarks.toggle": commandToggleBookmark,
	"tags.suggestions": commandTagSuggestions,

	"profile.update":   commandUpdateUserProfile,
	"profile.overview": commandProfileOverview,

	"todos.watch":        commandWatchTodos,
	"todos.add":          commandAddTodo,
	"todos.update":       commandUpdateTodo,
	"todos.delete":       commandDeleteTodo,
	"todos.toggleStatus": commandToggleTodo,

	"versions.watch":  commandWatchVersions,
	"versions.save":   commandSaveVersion,
	"versions.revert": commandRevertVersion,

	"feedback.watch":        commandWatchFeedback,
	"feedback.toggle":       commandToggleFeedback,
	"feedback.hasRequested": commandHasRequested,
	"comments.watch":        commandWatchComments,
	"comments.add":          commandAddComment,
	"comments.edit":         commandEditComment,
	"comments.delete":       commandDeleteComment,

	"transfer.export": commandExport,
	"transfer.import": commandImport,

	"unwatch": commandUnwatch,
}

const messageInvalidArguments = "Invalid command arguments"

type credentialArgs struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
}

type providerArgs struct {
	Provider   string `json:"provider"`
	Credential string `json:"credential"`
}

type resetConfirmArgs struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

type snippetArgs struct {
	ID string `json:"id"`
}

type updateSnippetArgs struct {
	ID    string         `json:"id"`
	Patch snippets.Patch `json:"patch"`
}

type passwordArgs struct {
	ID       string `json:"id"`
	Password string `json:"password"`
}

type licenseArgs struct {
	ID        string `json:"id"`
	LicenseID string `json:"licenseId"`
}

type filterArgs struct {
	Search   string   `json:"search"`
	Tags     []string `json:"tags"`
	Tag      string   `json:"tag"`
	Language string   `json:"language"`
}

type voteArgs struct {
	SnippetID  string `json:"snippetId"`
	Value      int    `json:"value"`
	IsFavorite bool   `json:"isFavorite"`
}

type suggestionArgs struct {
	Input string `json:"input"`
}

type overviewArgs struct {
	UserID string `json:"userId"`
}

type todoArgs struct {
	SnippetID string      `json:"snippetId"`
	TodoID    string      `json:"todoId"`
	Draft     todos.Draft `json:"draft"`
	Patch     todos.Patch `json:"patch"`
}

type versionArgs struct {
	SnippetID         string `json:"snippetId"`
	VersionID         string `json:"versionId"`
	ChangeDescription string `json:"changeDescription"`
}

type feedbackArgs struct {
	SnippetID       string `json:"snippetId"`
	RequestID       string `json:"requestId"`
	CommentID       string `json:"commentId"`
	ParentCommentID string `json:"parentCommentId"`
	Type            string `json:"type"`
	Text            string `json:"text"`
}

type streamArgs struct {
	Stream string `json:"stream"`
}

type tokenPayload struct {
	AccessToken string `json:"accessToken"`
	ExpiresIn   int64  `json:"expiresIn"`
}

type exportPayload struct {
	Filename string          `json:"filename"`
	Bundle   transfer.Bundle `json:"bundle"`
}

type overviewPayload struct {
	Profile profile.Profile `json:"profile"`
	Stats   profile.Stats   `json:"stats"`
}

func decodeArgs(op string, raw json.RawMessage, target interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return apperror.Validation(op, messageInvalidArguments)
	}
	return nil
}

func requireStores(live *liveConn, op string) (*scopeStores, error) {
	stores := live.current()
	if stores == nil {
		return nil, apperror.Unauthenticated(op)
	}
	return stores, nil
}

func failed(op string, err error) (interface{}, apperror.Result) {
	return nil, metrics.Result(op, err)
}

// signedIn answers a successful sign-in with a fresh access token so the
// client can reconnect without signing in again.
func signedIn(live *liveConn, result apperror.Result) (interface{}, apperror.Result) {
	if !result.Success {
		return nil, result
	}
	user, ok := live.session.Current()
	if !ok {
		return nil, result
	}
	token, expiresIn, err := live.handler.tokens.IssueAccessToken(user.ID)
	if err != nil {
		live.logger.Error("failed to issue access token", zap.String("user_id", user.ID), zap.Error(err))
		return nil, result
	}
	return tokenPayload{AccessToken: token, ExpiresIn: expiresIn}, result
}

func commandSignUp(ctx context.Context, live *liveConn, raw json.RawMessage) (interface{}, apperror.Result) {
	const op = "live.auth.sign_up"
	var args credentialArgs
	if err := decodeArgs(op, raw, &args); err != nil {
		return failed(op, err)
	}
	return signedIn(live, live.session.SignUp(ctx, args.Email, args.Password, args.DisplayName))
}

func commandSignIn(ctx context.Context, live *liveConn, raw json.RawMessage) (interface{}, apperror.Result) {
	const op = "live.auth.sign_in"
	var args credentialArgs
	if err := decodeArgs(op, raw, &args); err != nil {
		return failed(op, err)
	}
	return signedIn(live, live.session.SignIn(ctx, args.Email, args.Password))
}

func commandSignInWithProvider(ctx context.Context, live *liveConn, raw json.RawMessage) (interface{}, apperror.Result) {
	const op = "live.auth.sign_in_with_provider"
	var args providerArgs
	if err := decodeArgs(op, raw, &args); err != nil {
		return failed(op, err)
	}
	return signedIn(live, live.session.SignInWithProvider(ctx, args.Provider, args.Credential))
}

func commandResetPassword(ctx context.Context, live *liveConn, raw json.RawMessage) (interface{}, apperror.Result) {
	const op = "live.auth.reset_password"
	var args credentialArgs
	if err := decodeArgs(op, raw, &args); err != nil {
		return failed(op, err)
	}
	return nil, live.session.ResetPassword(ctx, args.Email)
}

func commandConfirmPasswordReset(ctx context.Context, live *liveConn, raw json.RawMessage) (interface{}, apperror.Result) {
	const op = "live.auth.confirm_password_reset"
	var args resetConfirmArgs
	if err := decodeArgs(op, raw, &args); err != nil {
		return failed(op, err)
	}
	return failed(op, live.handler.users.ConfirmPasswordReset(ctx, args.Token, args.Password))
}

func commandUpdateProfile(ctx context.Context, live *liveConn, raw json.RawMessage) (interface{}, apperror.Result) {
	const op = "live.auth.update_profile"
	var fields session.ProfileFields
	if err := decodeArgs(op, raw, &fields); err != nil {
		return failed(op, err)
	}
	return nil, live.session.UpdateProfile(ctx, fields)
}

func commandSignOut(_ context.Context, live *liveConn, _ json.RawMessage) (interface{}, apperror.Result) {
	return nil, live.session.SignOut()
}

func commandCreateSnippet(ctx context.Context, live *liveConn, raw json.RawMessage) (interface{}, apperror.Result) {
	const op = "live.snippets.create"
	var draft snippets.Draft
	if err := decodeArgs(op, raw, &draft); err != nil {
		return failed(op, err)
	}
	stores, err := requireStores(live, op)
	if err != nil {
		return failed(op, err)
	}
	created, result := stores.snippets.Create(ctx, draft)
	if !result.Success {
		return nil, result
	}
	live.countTags(ctx, created.Tags)
	return created, result
}

func commandUpdateSnippet(ctx context.Context, live *liveConn, raw json.RawMessage) (interface{}, apperror.Result) {
	const op = "live.snippets.update"
	var args updateSnippetArgs
	if err := decodeArgs(op, raw, &args); err != nil {
		return failed(op, err)
	}
	stores, err := requireStores(live, op)
	if err != nil {
		return failed(op, err)
	}
	result := stores.snippets.Update(ctx, args.ID, args.Patch)
	if result.Success && args.Patch.Tags != nil {
		live.countTags(ctx, snippets.NormalizeTags(*args.Patch.Tags))
	}
	return nil, result
}

// countTags records tag usage after a snippet write. A failure is logged and
// does not fail the write that triggered it.
func (l *liveConn) countTags(ctx context.Context, names []string) {
	if l.tags == nil || len(names) == 0 {
		return
	}
	if result := l.tags.AddUsages(ctx, names); !result.Success {
		l.logger.Warn("tag usage update failed", zap.Strings("tags", names), zap.String("error", result.Error))
	}
}

func commandDeleteSnippet(ctx context.Context, live *liveConn, raw json.RawMessage) (interface{}, apperror.Result) {
	const op = "live.snippets.delete"
	var args snippetArgs
	if err := decodeArgs(op, raw, &args); err != nil {
		return failed(op, err)
	}
	stores, err := requireStores(live, op)
	if err != nil {
		return failed(op, err)
	}
	return nil, stores.snippets.Delete(ctx, args.ID)
}

func commandGetSnippet(ctx context.Context, live *liveConn, raw json.RawMessage) (interface{}, apperror.Result) {
	const op = "live.snippets.get"
	var args snippetArgs
	if err := decodeArgs(op, raw, &args); err != nil {
		return failed(op, err)
	}
	snippet, err := live.handler.services.Snippets.Get(ctx, args.ID)
	if err != nil {
		return failed(op, err)
	}
	return snippet, metrics.Result(op, nil)
}

func commandForkSnippet(ctx context.Context, live *liveConn, raw json.RawMessage) (interface{}, apperror.Result) {
	const op = "live.snippets.fork"
	var args snippetArgs
	if err := decodeArgs(op, raw, &args); err != nil {
		return failed(op, err)
	}
	stores, err := requireStores(live, op)
	if err != nil {
		return failed(op, err)
	}
	forked, result := stores.snippets.Fork(ctx, args.ID)
	if !result.Success {
		return nil, result
	}
	return forked, result
}

func commandForkCount(ctx context.Context, live *liveConn, raw json.RawMessage) (interface{}, apperror.Result) {
	const op = "live.snippets.fork_count"
	var args snippetArgs
	if err := decodeArgs(op, raw, &args); err != nil {
		return failed(op, err)
	}
	count, err := live.handler.services.Snippets.ForkCount(ctx, args.ID)
	if err != nil {
		return failed(op, err)
	}
	return count, metrics.Result(op, nil)
}

func commandSetPassword(ctx context.Context, live *liveConn, raw json.RawMessage) (interface{}, apperror.Result) {
	const op = "live.snippets.set_password"
	var args passwordArgs
	if err := decodeArgs(op, raw, &args); err != nil {
		return failed(op, err)
	}
	stores, err := requireStores(live, op)
	if err != nil {
		return failed(op, err)
	}
	return nil, stores.snippets.SetPassword(ctx, args.ID, args.Password)
}

func commandUpdateLicense(ctx context.Context, live *liveConn, raw json.RawMessage) (interface{}, apperror.Result) {
	const op = "live.snippets.update_license"
	var args licenseArgs
	if err := decodeArgs(op, raw, &args); err != nil {
		return failed(op, err)
	}
	stores, err := requireStores(live, op)
	if err != nil {
		return failed(op, err)
	}
	return nil, stores.snippets.UpdateLicense(ctx, args.ID, args.LicenseID)
}

// filterCommand applies a local filter change to the signed-in snippet store.
func filterCommand(op string, apply func(*snippets.Store, filterArgs)) commandFunc {
	return func(_ context.Context, live *liveConn, raw json.RawMessage) (interface{}, apperror.Result) {
		var args filterArgs
		if err := decodeArgs(op, raw, &args); err != nil {
			return nil, apperror.ToResult(err)
		}
		stores, err := requireStores(live, op)
		if err != nil {
			return nil, apperror.ToResult(err)
		}
		apply(stores.snippets, args)
		return nil, apperror.OK()
	}
}

var (
	commandSetSearch = filterCommand("live.snippets.set_search", func(store *snippets.Store, args filterArgs) {
		store.SetSearch(args.Search)
	})
	commandSetTags = filterCommand("live.snippets.set_tags", func(store *snippets.Store, args filterArgs) {
		store.SetTags(args.Tags)
	})
	commandToggleTag = filterCommand("live.snippets.toggle_tag", func(store *snippets.Store, args filterArgs) {
		store.ToggleTag(args.Tag)
	})
	commandSetLanguage = filterCommand("live.snippets.set_language", func(store *snippets.Store, args filterArgs) {
		store.SetLanguage(args.Language)
	})
	commandClearFilters = filterCommand("live.snippets.clear_filters", func(store *snippets.Store, _ filterArgs) {
		store.ClearFilters()
	})
)

func commandAddToCommunity(ctx context.Context, live *liveConn, raw json.RawMessage) (interface{}, apperror.Result) {
	const op = "live.community.add"
	var args snippetArgs
	if err := decodeArgs(op, raw, &args); err != nil {
		return failed(op, err)
	}
	return nil, live.community.Add(ctx, args.ID)
}

func commandRemoveFromCommunity(ctx context.Context, live *liveConn, raw json.RawMessage) (interface{}, apperror.Result) {
	const op = "live.community.remove"
	var args snippetArgs
	if err := decodeArgs(op, raw, &args); err != nil {
		return failed(op, err)
	}
	return nil, live.community.Remove(ctx, args.ID)
}

func commandVote(ctx context.Context, live *liveConn, raw json.RawMessage) (interface{}, apperror.Result) {
	const op = "live.votes.vote"
	var args voteArgs
	if err := decodeArgs(op, raw, &args); err != nil {
		return failed(op, err)
	}
	stores, err := requireStores(live, op)
	if err != nil {
		return failed(op, err)
	}
	if stores.voting == nil {
		return failed(op, apperror.Backend(op, errMissingService))
	}
	value, result := stores.voting.Vote(ctx, args.SnippetID, args.Value)
	if !result.Success {
		return nil, result
	}
	return value, result
}

func commandFavorite(ctx context.Context, live *liveConn, raw json.RawMessage) (interface{}, apperror.Result) {
	const op = "live.votes.favorite"
	var args voteArgs
	if err := decodeArgs(op, raw, &args); err != nil {
		return failed(op, err)
	}
	stores, err := requireStores(live, op)
	if err != nil {
		return failed(op, err)
	}
	if stores.voting == nil {
		return failed(op, apperror.Backend(op, errMissingService))
	}
	return nil, stores.voting.Favorite(ctx, args.SnippetID, args.IsFavorite)
}

func commandToggleBookmark(ctx context.Context, live *liveConn, raw json.RawMessage) (interface{}, apperror.Result) {
	const op = "live.bookmarks.toggle"
	var args voteArgs
	if err := decodeArgs(op, raw, &args); err != nil {
		return failed(op, err)
	}
	stores, err := requireStores(live, op)
	if err != nil {
		return failed(op, err)
	}
	if stores.bookmarks == nil {
		return failed(op, apperror.Backend(op, errMissingService))
	}
	bookmarked, result := stores.bookmarks.Toggle(ctx, args.SnippetID)
	if !result.Success {
		return nil, result
	}
	return bookmarked, result
}

func commandTagSuggestions(_ context.Context, live *liveConn, raw json.RawMessage) (interface{}, apperror.Result) {
	const op = "live.tags.suggestions"
	var args suggestionArgs
	if err := decodeArgs(op, raw, &args); err != nil {
		return nil, apperror.ToResult(err)
	}
	if live.tags == nil {
		return []string{}, apperror.OK()
	}
	return live.tags.Suggestions(args.Input), apperror.OK()
}

func commandUpdateUserProfile(ctx context.Context, live *liveConn, raw json.RawMessage) (interface{}, apperror.Result) {
	const op = "live.profile.update"
	var fields profile.Fields
	if err := decodeArgs(op, raw, &fields); err != nil {
		return failed(op, err)
	}
	stores, err := requireStores(live, op)
	if err != nil {
		return failed(op, err)
	}
	if stores.profile == nil {
		return failed(op, apperror.Backend(op, errMissingService))
	}
	return nil, stores.profile.Update(ctx, fields)
}

func commandProfileOverview(ctx context.Context, live *liveConn, raw json.RawMessage) (interface{}, apperror.Result) {
	const op = "live.profile.overview"
	var args overviewArgs
	if err := decodeArgs(op, raw, &args); err != nil {
		return failed(op, err)
	}
	if live.handler.services.Profiles == nil {
		return failed(op, apperror.Backend(op, errMissingService))
	}
	found, stats, err := live.handler.services.Profiles.Overview(ctx, args.UserID)
	if err != nil {
		return failed(op, err)
	}
	return overviewPayload{Profile: found, Stats: stats}, metrics.Result(op, nil)
}

func commandWatchTodos(_ context.Context, live *liveConn, raw json.RawMessage) (interface{}, apperror.Result) {
	const op = "live.todos.watch"
	var args todoArgs
	if err := decodeArgs(op, raw, &args); err != nil {
		return failed(op, err)
	}
	stores, err := requireStores(live, op)
	if err != nil {
		return failed(op, err)
	}
	if live.handler.services.Todos == nil {
		return failed(op, apperror.Backend(op, errMissingService))
	}
	stream := "todos:" + args.SnippetID
	err = stores.watchOnce(stream, func() (func(), error) {
		store, err := todos.NewStore(stores.scope.Context(), todos.StoreConfig{
			Service:   live.handler.services.Todos,
			Feed:      live.handler.feed,
			SnippetID: args.SnippetID,
			OnError:   live.reportError,
			Logger:    live.logger,
		})
		if err != nil {
			return nil, err
		}
		group := &watchGroup{}
		watch(group, live, stream, store.Todos())
		watch(group, live, stream+".pending", store.Pending())
		watchDegraded(group, live, stream, store.Degraded())
		return func() {
			group.release()
			store.Close()
		}, nil
	})
	if err != nil {
		return failed(op, err)
	}
	return stream, apperror.OK()
}

func commandAddTodo(ctx context.Context, live *liveConn, raw json.RawMessage) (interface{}, apperror.Result) {
	const op = "live.todos.add"
	var args todoArgs
	if err := decodeArgs(op, raw, &args); err != nil {
		return failed(op, err)
	}
	if live.handler.services.Todos == nil {
		return failed(op, apperror.Backend(op, errMissingService))
	}
	todo, err := live.handler.services.Todos.Add(ctx, args.SnippetID, args.Draft)
	if err != nil {
		return failed(op, err)
	}
	return todo, metrics.Result(op, nil)
}

func commandUpdateTodo(ctx context.Context, live *liveConn, raw json.RawMessage) (interface{}, apperror.Result) {
	const op = "live.todos.update"
	var args todoArgs
	if err := decodeArgs(op, raw, &args); err != nil {
		return failed(op, err)
	}
	if live.handler.services.Todos == nil {
		return failed(op, apperror.Backend(op, errMissingService))
	}
	_, err := live.handler.services.Todos.Update(ctx, args.SnippetID, args.TodoID, args.Patch)
	return failed(op, err)
}

func commandDeleteTodo(ctx context.Context, live *liveConn, raw json.RawMessage) (interface{}, apperror.Result) {
	const op = "live.todos.delete"
	var args todoArgs
	if err := decodeArgs(op, raw, &args); err != nil {
		return failed(op, err)
	}
	if live.handler.services.Todos == nil {
		return failed(op, apperror.Backend(op, errMissingService))
	}
	return failed(op, live.handler.services.Todos.Delete(ctx, args.SnippetID, args.TodoID))
}

func commandToggleTodo(ctx context.Context, live *liveConn, raw json.RawMessage) (interface{}, apperror.Result) {
	const op = "live.todos.toggle_status"
	var args todoArgs
	if err := decodeArgs(op, raw, &args); err != nil {
		return failed(op, err)
	}
	if live.handler.services.Todos == nil {
		return failed(op, apperror.Backend(op, errMissingService))
	}
	status, err := live.handler.services.Todos.ToggleStatus(ctx, args.SnippetID, args.TodoID)
	if err != nil {
		return failed(op, err)
	}
	return status, metrics.Result(op, nil)
}

func commandWatchVersions(_ context.Context, live *liveConn, raw json.RawMessage) (interface{}, apperror.Result) {
	const op = "live.versions.watch"
	var args versionArgs
	if err := decodeArgs(op, raw, &args); err != nil {
		return failed(op, err)
	}
	stores, err := requireStores(live, op)
	if err != nil {
		return failed(op, err)
	}
	if live.handler.services.Versions == nil {
		return failed(op, apperror.Backend(op, errMissingService))
	}
	stream := "versions:" + args.SnippetID
	err = stores.watchOnce(stream, func() (func(), error) {
		store, err := versions.NewStore(stores.scope.Context(), versions.StoreConfig{
			Service:   live.handler.services.Versions,
			Feed:      live.handler.feed,
			SnippetID: args.SnippetID,
			OnError:   live.reportError,
			Logger:    live.logger,
		})
		if err != nil {
			return nil, err
		}
		group := &watchGroup{}
		watch(group, live, stream, store.History())
		watchDegraded(group, live, stream, store.Degraded())
		return func() {
			group.release()
			store.Close()
		}, nil
	})
	if err != nil {
		return failed(op, err)
	}
	return stream, apperror.OK()
}

func commandSaveVersion(ctx context.Context, live *liveConn, raw json.RawMessage) (interface{}, apperror.Result) {
	const op = "live.versions.save"
	var args versionArgs
	if err := decodeArgs(op, raw, &args); err != nil {
		return failed(op, err)
	}
	if live.handler.services.Versions == nil {
		return failed(op, apperror.Backend(op, errMissingService))
	}
	version, err := live.handler.services.Versions.SaveVersion(ctx, args.SnippetID, args.ChangeDescription)
	if err != nil {
		return failed(op, err)
	}
	return version, metrics.Result(op, nil)
}

func commandRevertVersion(ctx context.Context, live *liveConn, raw json.RawMessage) (interface{}, apperror.Result) {
	const op = "live.versions.revert"
	var args versionArgs
	if err := decodeArgs(op, raw, &args); err != nil {
		return failed(op, err)
	}
	if live.handler.services.Versions == nil {
		return failed(op, apperror.Backend(op, errMissingService))
	}
	reverted, err := live.handler.services.Versions.RevertToVersion(ctx, args.SnippetID, args.VersionID)
	if err != nil {
		return failed(op, err)
	}
	return reverted, metrics.Result(op, nil)
}

func commandWatchFeedback(_ context.Context, live *liveConn, raw json.RawMessage) (interface{}, apperror.Result) {
	const op = "live.feedback.watch"
	var args feedbackArgs
	if err := decodeArgs(op, raw, &args); err != nil {
		return failed(op, err)
	}
	stores, err := requireStores(live, op)
	if err != nil {
		return failed(op, err)
	}
	if live.handler.services.Feedback == nil {
		return failed(op, apperror.Backend(op, errMissingService))
	}
	stream := "feedback:" + args.SnippetID
	err = stores.watchOnce(stream, func() (func(), error) {
		store, err := feedback.NewRequestStore(stores.scope.Context(), live.feedbackConfig(), args.SnippetID)
		if err != nil {
			return nil, err
		}
		group := &watchGroup{}
		watch(group, live, stream, store.Requests())
		watch(group, live, stream+".requested", store.Requested())
		watchDegraded(group, live, stream, store.Degraded())
		return func() {
			group.release()
			store.Close()
		}, nil
	})
	if err != nil {
		return failed(op, err)
	}
	return stream, apperror.OK()
}

func (l *liveConn) feedbackConfig() feedback.StoreConfig {
	return feedback.StoreConfig{
		Service: l.handler.services.Feedback,
		Feed:    l.handler.feed,
		OnError: l.reportError,
		Logger:  l.logger,
	}
}

func commandToggleFeedback(ctx context.Context, live *liveConn, raw json.RawMessage) (interface{}, apperror.Result) {
	const op = "live.feedback.toggle"
	var args feedbackArgs
	if err := decodeArgs(op, raw, &args); err != nil {
		return failed(op, err)
	}
	if live.handler.services.Feedback == nil {
		return failed(op, apperror.Backend(op, errMissingService))
	}
	action, err := live.handler.services.Feedback.ToggleRequest(ctx, args.SnippetID, feedback.RequestType(args.Type))
	if err != nil {
		return failed(op, err)
	}
	return action, metrics.Result(op, nil)
}

func commandHasRequested(ctx context.Context, live *liveConn, raw json.RawMessage) (interface{}, apperror.Result) {
	const op = "live.feedback.has_requested"
	var args feedbackArgs
	if err := decodeArgs(op, raw, &args); err != nil {
		return failed(op, err)
	}
	if live.handler.services.Feedback == nil {
		return failed(op, apperror.Backend(op, errMissingService))
	}
	requested, err := live.handler.services.Feedback.HasRequested(ctx, args.SnippetID)
	if err != nil {
		return failed(op, err)
	}
	return requested, metrics.Result(op, nil)
}

func commandWatchComments(_ context.Context, live *liveConn, raw json.RawMessage) (interface{}, apperror.Result) {
	const op = "live.comments.watch"
	var args feedbackArgs
	if err := decodeArgs(op, raw, &args); err != nil {
		return failed(op, err)
	}
	stores, err := requireStores(live, op)
	if err != nil {
		return failed(op, err)
	}
	if live.handler.services.Feedback == nil {
		return failed(op, apperror.Backend(op, errMissingService))
	}
	stream := "comments:" + args.RequestID
	err = stores.watchOnce(stream, func() (func(), error) {
		store, err := feedback.NewCommentStore(stores.scope.Context(), live.feedbackConfig(), args.RequestID)
		if err != nil {
			return nil, err
		}
		group := &watchGroup{}
		watch(group, live, stream, store.Comments())
		watchDegraded(group, live, stream, store.Degraded())
		return func() {
			group.release()
			store.Close()
		}, nil
	})
	if err != nil {
		return failed(op, err)
	}
	return stream, apperror.OK()
}

func commandAddComment(ctx context.Context, live *liveConn, raw json.RawMessage) (interface{}, apperror.Result) {
	const op = "live.comments.add"
	var args feedbackArgs
	if err := decodeArgs(op, raw, &args); err != nil {
		return failed(op, err)
	}
	if live.handler.services.Feedback == nil {
		return failed(op, apperror.Backend(op, errMissingService))
	}
	comment, err := live.handler.services.Feedback.AddComment(ctx, args.RequestID, args.Text, args.ParentCommentID)
	if err != nil {
		return failed(op, err)
	}
	return comment, metrics.Result(op, nil)
}

func commandEditComment(ctx context.Context, live *liveConn, raw json.RawMessage) (interface{}, apperror.Result) {
	const op = "live.comments.edit"
	var args feedbackArgs
	if err := decodeArgs(op, raw, &args); err != nil {
		return failed(op, err)
	}
	if live.handler.services.Feedback == nil {
		return failed(op, apperror.Backend(op, errMissingService))
	}
	_, err := live.handler.services.Feedback.EditComment(ctx, args.RequestID, args.CommentID, args.Text)
	return failed(op, err)
}

func commandDeleteComment(ctx context.Context, live *liveConn, raw json.RawMessage) (interface{}, apperror.Result) {
	const op = "live.comments.delete"
	var args feedbackArgs
	if err := decodeArgs(op, raw, &args); err != nil {
		return failed(op, err)
	}
	if live.handler.services.Feedback == nil {
		return failed(op, apperror.Backend(op, errMissingService))
	}
	return failed(op, live.handler.services.Feedback.DeleteComment(ctx, args.RequestID, args.CommentID))
}

func commandExport(ctx context.Context, live *liveConn, _ json.RawMessage) (interface{}, apperror.Result) {
	const op = "live.transfer.export"
	bundle, err := live.handler.services.Transfer.Export(ctx)
	if err != nil {
		return failed(op, err)
	}
	return exportPayload{Filename: transfer.Filename(live.handler.now()), Bundle: bundle}, metrics.Result(op, nil)
}

// commandImport takes the bundle document itself as its arguments.
func commandImport(ctx context.Context, live *liveConn, raw json.RawMessage) (interface{}, apperror.Result) {
	const op = "live.transfer.import"
	report, err := live.handler.services.Transfer.Import(ctx, raw)
	if err != nil {
		return failed(op, err)
	}
	return report, metrics.Result(op, nil)
}

func commandUnwatch(_ context.Context, live *liveConn, raw json.RawMessage) (interface{}, apperror.Result) {
	const op = "live.unwatch"
	var args streamArgs
	if err := decodeArgs(op, raw, &args); err != nil {
		return failed(op, err)
	}
	stores, err := requireStores(live, op)
	if err != nil {
		return failed(op, err)
	}
	return stores.unwatch(args.Stream), apperror.OK()
}
