package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
)

// Provider names accepted by provider sign-in.
const (
	ProviderGoogle   = "google"
	ProviderGitHub   = "github"
	ProviderPassword = "password"
)

const defaultGitHubUserURL = "https://api.github.com/user"

var errInvalidGitHubUser = errors.New("auth: github returned an invalid user")

// GitHubConfig configures the GitHub authorization-code exchange.
type GitHubConfig struct {
	ClientID     string
	ClientSecret string
	CallbackURL  string
	// Endpoint and UserURL override the public GitHub endpoints.
	Endpoint oauth2.Endpoint
	UserURL  string
}

// GitHubProvider exchanges GitHub authorization codes for a provider profile.
type GitHubProvider struct {
	config  *oauth2.Config
	userURL string
}

type gitHubUser struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

// NewGitHubProvider builds a provider from cfg.
func NewGitHubProvider(cfg GitHubConfig) *GitHubProvider {
	endpoint := cfg.Endpoint
	if endpoint.TokenURL == "" {
		endpoint = github.Endpoint
	}
	userURL := cfg.UserURL
	if userURL == "" {
		userURL = defaultGitHubUserURL
	}
	return &GitHubProvider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.CallbackURL,
			Scopes:       []string{"read:user", "user:email"},
			Endpoint:     endpoint,
		},
		userURL: userURL,
	}
}

// AuthURL returns the GitHub consent URL carrying state.
func (p *GitHubProvider) AuthURL(state string) string {
	return p.config.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

// Exchange trades an authorization code for the GitHub user's profile.
func (p *GitHubProvider) Exchange(ctx context.Context, code string) (ProviderProfile, error) {
	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return ProviderProfile{}, fmt.Errorf("auth: exchanging github code: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userURL, nil)
	if err != nil {
		return ProviderProfile{}, err
	}
	request.Header.Set("Accept", "application/vnd.github+json")

	response, err := p.config.Client(ctx, token).Do(request)
	if err != nil {
		return ProviderProfile{}, fmt.Errorf("auth: calling github user api: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return ProviderProfile{}, fmt.Errorf("auth: github user api returned status %d", response.StatusCode)
	}

	var user gitHubUser
	if err := json.NewDecoder(response.Body).Decode(&user); err != nil {
		return ProviderProfile{}, fmt.Errorf("auth: decoding github user: %w", err)
	}
	if user.ID == 0 {
		return ProviderProfile{}, errInvalidGitHubUser
	}

	displayName := strings.TrimSpace(user.Name)
	if displayName == "" {
		displayName = user.Login
	}
	return ProviderProfile{
		Provider:    ProviderGitHub,
		Subject:     strconv.FormatInt(user.ID, 10),
		Email:       strings.TrimSpace(user.Email),
		DisplayName: displayName,
		PhotoURL:    user.AvatarURL,
	}, nil
}
