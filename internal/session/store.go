// Package session keeps a connection's signed-in identity in sync with the
// account directory and rebuilds per-identity state on every transition.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/codevault/backend/internal/apperror"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/identity"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/reactive"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/users"
	"go.uber.org/zap"
)

const (
	opSignUp             = "session.sign_up"
	opSignIn             = "session.sign_in"
	opSignInWithProvider = "session.sign_in_with_provider"
	opResetPassword      = "session.reset_password"
	opUpdateProfile      = "session.update_profile"
	opSignOut            = "session.sign_out"

	documentFetchTimeout = 5 * time.Second
)

// ScopeHook builds per-identity state inside a freshly opened scope.
type ScopeHook func(scope *Scope)

// Config describes the dependencies of a Store.
type Config struct {
	Client *users.Client
	Logger *zap.Logger
}

// ProfileFields is a partial update of the signed-in user's display profile.
type ProfileFields struct {
	DisplayName *string `json:"displayName"`
	PhotoURL    *string `json:"photoURL"`
}

// Store is the session store of one client connection.
type Store struct {
	parent   context.Context
	client   *users.Client
	logger   *zap.Logger
	identity *reactive.Value[*identity.User]
	loading  *reactive.Value[bool]

	mu       sync.Mutex
	scope    *Scope
	hooks    []ScopeHook
	stopAuth func()
	closed   bool
}

// New returns a Store listening to client for the lifetime of ctx or until
// Close is called.
func New(ctx context.Context, cfg Config) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	store := &Store{
		parent:   ctx,
		client:   cfg.Client,
		logger:   logger,
		identity: reactive.NewValue[*identity.User](nil),
		loading:  reactive.NewValue(true),
	}
	store.stopAuth = cfg.Client.OnAuthStateChanged(store.handleAuthState)
	return store
}

// Identity is the published identity, nil while signed out.
func (s *Store) Identity() *reactive.Value[*identity.User] {
	return s.identity
}

// Loading is true until the first auth transition has been processed.
func (s *Store) Loading() *reactive.Value[bool] {
	return s.loading
}

// Current returns the signed-in identity.
func (s *Store) Current() (identity.User, bool) {
	user := s.identity.Get()
	if user == nil {
		return identity.User{}, false
	}
	return *user, true
}

// Context returns ctx carrying the signed-in identity, if any.
func (s *Store) Context(ctx context.Context) context.Context {
	if user, ok := s.Current(); ok {
		return identity.WithUser(ctx, user)
	}
	return ctx
}

// Scope returns the scope of the signed-in identity, or nil.
func (s *Store) Scope() *Scope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scope
}

// OnScope registers hook to run for every identity scope, including the
// current one.
func (s *Store) OnScope(hook ScopeHook) {
	s.mu.Lock()
	s.hooks = append(s.hooks, hook)
	scope := s.scope
	s.mu.Unlock()
	if scope != nil && !scope.Closed() {
		hook(scope)
	}
}

// SignUp creates a password account with a profile document and signs it in.
func (s *Store) SignUp(ctx context.Context, email, password, displayName string) apperror.Result {
	_, err := s.client.SignUp(ctx, email, password, displayName)
	return s.result(opSignUp, err)
}

// SignIn signs in with email and password.
func (s *Store) SignIn(ctx context.Context, email, password string) apperror.Result {
	_, err := s.client.SignIn(ctx, email, password)
	return s.result(opSignIn, err)
}

// SignInWithProvider signs in with a provider credential: a Google ID token
// or a GitHub authorization code.
func (s *Store) SignInWithProvider(ctx context.Context, provider, credential string) apperror.Result {
	_, err := s.client.SignInWithProvider(ctx, provider, credential)
	return s.result(opSignInWithProvider, err)
}

// Restore signs in an account whose access token was validated upstream.
func (s *Store) Restore(ctx context.Context, userID string) apperror.Result {
	_, err := s.client.Restore(ctx, userID)
	return s.result(opSignIn, err)
}

// ResetPassword emails a password reset link.
func (s *Store) ResetPassword(ctx context.Context, email string) apperror.Result {
	err := s.client.Directory().SendPasswordReset(ctx, email)
	return s.result(opResetPassword, err)
}

// UpdateProfile updates the display profile and republishes the identity.
func (s *Store) UpdateProfile(ctx context.Context, fields ProfileFields) apperror.Result {
	current := s.client.CurrentUser()
	if current == nil {
		return s.result(opUpdateProfile, apperror.Unauthenticated(opUpdateProfile))
	}
	if _, err := s.client.Directory().UpdateDisplayFields(ctx, current.ID, users.DisplayFields{
		DisplayName: fields.DisplayName,
		PhotoURL:    fields.PhotoURL,
	}); err != nil {
		return s.result(opUpdateProfile, err)
	}
	account, err := s.client.Refresh(ctx)
	if err != nil {
		return s.result(opUpdateProfile, err)
	}
	if account != nil {
		merged, err := s.merge(ctx, *account)
		if err != nil {
			return s.result(opUpdateProfile, err)
		}
		s.identity.Set(&merged)
	}
	return s.result(opUpdateProfile, nil)
}

// SignOut signs the connection out.
func (s *Store) SignOut() apperror.Result {
	s.client.SignOut()
	return s.result(opSignOut, nil)
}

// Close detaches from the auth client and releases the active scope.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	stop := s.stopAuth
	scope := s.scope
	s.scope = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	if scope != nil {
		scope.Close()
	}
}

func (s *Store) handleAuthState(account *users.Account) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	previous := s.scope
	s.scope = nil
	s.mu.Unlock()

	if previous != nil {
		previous.Close()
	}

	if account == nil {
		s.identity.Set(nil)
		s.finishLoading()
		return
	}

	ctx, cancel := context.WithTimeout(s.parent, documentFetchTimeout)
	merged, err := s.merge(ctx, *account)
	cancel()
	if err != nil {
		s.logger.Warn("profile document fetch failed", zap.String("user_id", account.ID), zap.Error(err))
		merged = fromAccount(*account)
	}

	scope := newScope(s.parent, merged)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		scope.Close()
		return
	}
	s.scope = scope
	hooks := append([]ScopeHook(nil), s.hooks...)
	s.mu.Unlock()

	s.identity.Set(&merged)
	for _, hook := range hooks {
		hook(scope)
	}
	s.finishLoading()
}

func (s *Store) merge(ctx context.Context, account users.Account) (identity.User, error) {
	user := fromAccount(account)
	document, found, err := s.client.Directory().Document(ctx, account.ID)
	if err != nil {
		return identity.User{}, err
	}
	if !found {
		return user, nil
	}
	if document.DisplayName != "" {
		user.DisplayName = document.DisplayName
	}
	if document.PhotoURL != "" {
		user.PhotoURL = document.PhotoURL
	}
	if document.Email != "" && user.Email == "" {
		user.Email = document.Email
	}
	user.Username = document.Username
	user.Role = document.Role
	user.CreatedAt = document.CreatedAt
	return user, nil
}

func (s *Store) finishLoading() {
	if s.loading.Get() {
		s.loading.Set(false)
	}
}

func (s *Store) result(op string, err error) apperror.Result {
	result := metrics.Result(op, err)
	if err != nil && result.Kind == apperror.KindBackend {
		s.logger.Error("session operation failed", zap.String("operation", op), zap.Error(err))
	}
	return result
}

func fromAccount(account users.Account) identity.User {
	return identity.User{
		ID:          account.ID,
		Email:       account.Email,
		DisplayName: account.DisplayName,
		PhotoURL:    account.PhotoURL,
		Role:        identity.RoleUser,
	}
}
