package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestValidator(t *testing.T, issuer *TokenIssuer) *SessionValidator {
	t.Helper()
	validator, err := NewSessionValidator(SessionValidatorConfig{Tokens: issuer})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return validator
}

func TestSessionValidatorReadsBearerCookieAndQuery(t *testing.T) {
	issuer := newTestIssuer(t, nil)
	validator := newTestValidator(t, issuer)
	token, _, err := issuer.IssueAccessToken("user-123")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	bearer := httptest.NewRequest(http.MethodGet, "/live", nil)
	bearer.Header.Set("Authorization", "Bearer "+token)

	cookie := httptest.NewRequest(http.MethodGet, "/live", nil)
	cookie.AddCookie(&http.Cookie{Name: DefaultSessionCookieName, Value: token})

	query := httptest.NewRequest(http.MethodGet, "/live?access_token="+token, nil)

	for name, request := range map[string]*http.Request{"bearer": bearer, "cookie": cookie, "query": query} {
		subject, err := validator.ValidateRequest(request)
		if err != nil {
			t.Fatalf("%s: expected valid request, got %v", name, err)
		}
		if subject != "user-123" {
			t.Fatalf("%s: unexpected subject %s", name, subject)
		}
	}
}

func TestSessionValidatorRejectsMissingAndExpiredTokens(t *testing.T) {
	issuedAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	current := issuedAt
	issuer := newTestIssuer(t, func() time.Time { return current })
	validator := newTestValidator(t, issuer)

	if _, err := validator.ValidateRequest(httptest.NewRequest(http.MethodGet, "/", nil)); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}

	token, _, err := issuer.IssueAccessToken("user-123")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	current = issuedAt.Add(2 * time.Hour)
	if _, err := validator.ValidateToken(token); !errors.Is(err, ErrExpiredSessionToken) {
		t.Fatalf("expected expired token error, got %v", err)
	}

	if _, err := validator.ValidateToken("not-a-jwt"); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected invalid token error, got %v", err)
	}
}
