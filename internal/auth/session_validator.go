package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultSessionCookieName is the cookie that carries the access token for
// browser clients.
const DefaultSessionCookieName = "codevault_session"

var (
	ErrMissingSessionIssuer = errors.New("session validator: token issuer required")
	ErrMissingSessionToken  = errors.New("session validator: token required")
	ErrInvalidSessionToken  = errors.New("session validator: invalid token")
	ErrExpiredSessionToken  = errors.New("session validator: token expired")
)

// SessionValidatorConfig describes where request credentials are read from.
type SessionValidatorConfig struct {
	Tokens     *TokenIssuer
	CookieName string
}

// SessionValidator resolves the subject of an HTTP request from its access
// token. The token is read from the Authorization bearer header, the session
// cookie, or the access_token query parameter, in that order. The query form
// exists for websocket handshakes, where browsers cannot set headers.
type SessionValidator struct {
	tokens     *TokenIssuer
	cookieName string
}

// NewSessionValidator constructs a validator with the provided configuration.
func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	if cfg.Tokens == nil {
		return nil, ErrMissingSessionIssuer
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		cookieName = DefaultSessionCookieName
	}
	return &SessionValidator{tokens: cfg.Tokens, cookieName: cookieName}, nil
}

// CookieName returns the cookie name configured for session lookups.
func (v *SessionValidator) CookieName() string {
	return v.cookieName
}

// ValidateToken validates an access token and returns its subject.
func (v *SessionValidator) ValidateToken(tokenString string) (string, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return "", ErrMissingSessionToken
	}
	subject, err := v.tokens.ValidateAccessToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredSessionToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	return subject, nil
}

// ValidateRequest extracts the access token from r and validates it.
func (v *SessionValidator) ValidateRequest(r *http.Request) (string, error) {
	return v.ValidateToken(v.TokenFromRequest(r))
}

// TokenFromRequest returns the raw access token carried by r, if any.
func (v *SessionValidator) TokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		if token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")); token != "" {
			return token
		}
	}
	if cookie, err := r.Cookie(v.cookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}
