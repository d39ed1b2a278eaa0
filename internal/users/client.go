package users

import (
	"context"
	"sync"
)

// Client is one connection's view of the directory. It tracks the signed-in
// account and notifies listeners on every sign-in and sign-out.
type Client struct {
	directory *Service

	mu        sync.Mutex
	notifyMu  sync.Mutex
	current   *Account
	listeners map[int64]func(*Account)
	nextID    int64
}

// NewClient returns a signed-out client.
func NewClient(directory *Service) *Client {
	return &Client{directory: directory, listeners: make(map[int64]func(*Account))}
}

// Directory exposes the underlying account directory.
func (c *Client) Directory() *Service {
	return c.directory
}

// CurrentUser returns the signed-in account or nil.
func (c *Client) CurrentUser() *Account {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	account := *c.current
	return &account
}

// OnAuthStateChanged registers fn, calls it with the current state, and calls
// it again after every transition until the returned function is called.
func (c *Client) OnAuthStateChanged(fn func(*Account)) func() {
	c.notifyMu.Lock()
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.listeners[id] = fn
	c.mu.Unlock()
	fn(c.CurrentUser())
	c.notifyMu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// SignUp creates a password account and signs it in.
func (c *Client) SignUp(ctx context.Context, email, password, displayName string) (Account, error) {
	account, err := c.directory.CreateAccount(ctx, email, password, displayName)
	if err != nil {
		return Account{}, err
	}
	c.transition(&account)
	return account, nil
}

// SignIn authenticates with email and password.
func (c *Client) SignIn(ctx context.Context, email, password string) (Account, error) {
	account, err := c.directory.Authenticate(ctx, email, password)
	if err != nil {
		return Account{}, err
	}
	c.transition(&account)
	return account, nil
}

// SignInWithProvider verifies a provider credential and signs in the linked
// account, creating it on first use.
func (c *Client) SignInWithProvider(ctx context.Context, provider, credential string) (Account, error) {
	profile, err := c.directory.VerifyCredential(ctx, provider, credential)
	if err != nil {
		return Account{}, err
	}
	account, err := c.directory.ResolveProvider(ctx, profile)
	if err != nil {
		return Account{}, err
	}
	c.transition(&account)
	return account, nil
}

// Restore signs in an account whose access token was already validated.
func (c *Client) Restore(ctx context.Context, userID string) (Account, error) {
	account, err := c.directory.Account(ctx, userID)
	if err != nil {
		return Account{}, err
	}
	c.transition(&account)
	return account, nil
}

// Refresh reloads the signed-in account without firing a transition.
func (c *Client) Refresh(ctx context.Context) (*Account, error) {
	current := c.CurrentUser()
	if current == nil {
		return nil, nil
	}
	account, err := c.directory.Account(ctx, current.ID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.current != nil && c.current.ID == account.ID {
		c.current = &account
	}
	c.mu.Unlock()
	return &account, nil
}

// SignOut clears the signed-in account. Signing out while signed out does not
// notify listeners.
func (c *Client) SignOut() {
	if c.CurrentUser() == nil {
		return
	}
	c.transition(nil)
}

func (c *Client) transition(next *Account) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	c.current = next
	listeners := make([]func(*Account), 0, len(c.listeners))
	for id := int64(1); id <= c.nextID; id++ {
		if listener, ok := c.listeners[id]; ok {
			listeners = append(listeners, listener)
		}
	}
	c.mu.Unlock()

	for _, listener := range listeners {
		var snapshot *Account
		if next != nil {
			copied := *next
			snapshot = &copied
		}
		listener(snapshot)
	}
}
