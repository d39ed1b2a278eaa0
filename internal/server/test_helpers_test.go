package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/codevault/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/changefeed"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/database"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/identity"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	testAppOrigin     = "https://codevault.example"
	testAllowedOrigin = "https://app.example.com"
)

var testNow = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

type recordingMailer struct {
	mu    sync.Mutex
	links map[string]string
}

func (m *recordingMailer) SendPasswordReset(_ context.Context, email, link string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.links == nil {
		m.links = make(map[string]string)
	}
	m.links[email] = link
	return nil
}

func (m *recordingMailer) tokenFor(t *testing.T, email string) string {
	t.Helper()
	m.mu.Lock()
	link, ok := m.links[email]
	m.mu.Unlock()
	if !ok {
		t.Fatalf("no reset link sent to %s", email)
	}
	parsed, err := url.Parse(link)
	if err != nil {
		t.Fatalf("failed to parse reset link: %v", err)
	}
	return parsed.Query().Get("token")
}

type testServer struct {
	handler  http.Handler
	tokens   *auth.TokenIssuer
	users    *users.Service
	services Services
	feed     *changefeed.Dispatcher
	mailer   *recordingMailer
}

type testServerOptions struct {
	github *auth.GitHubProvider
}

func newTestServer(t *testing.T, options ...testServerOptions) testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "codevault.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "codevault-auth",
		Audience:      "codevault-api",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to create token issuer: %v", err)
	}
	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{Tokens: tokens})
	if err != nil {
		t.Fatalf("failed to create session validator: %v", err)
	}
	hasher := auth.NewPasswordHasher(bcrypt.MinCost)
	mailer := &recordingMailer{}
	directory, err := users.NewService(users.ServiceConfig{
		Database:  db,
		Hasher:    hasher,
		Tokens:    tokens,
		Mailer:    mailer,
		AppOrigin: testAppOrigin,
		Providers: map[string]users.CredentialVerifier{
			auth.ProviderGoogle: stubGoogleVerifier,
		},
	})
	if err != nil {
		t.Fatalf("failed to create users service: %v", err)
	}
	feed := changefeed.NewDispatcher()
	services, err := NewServices(ServicesConfig{
		Database:  db,
		Feed:      feed,
		Hasher:    hasher,
		AppOrigin: testAppOrigin,
	})
	if err != nil {
		t.Fatalf("failed to create services: %v", err)
	}

	deps := Dependencies{
		Users:          directory,
		Sessions:       sessions,
		Tokens:         tokens,
		Services:       services,
		Feed:           feed,
		AllowedOrigins: []string{testAllowedOrigin},
		AppOrigin:      testAppOrigin,
		Clock:          func() time.Time { return testNow },
	}
	for _, option := range options {
		if option.github != nil {
			deps.GitHub = option.github
		}
	}
	handler, err := NewHTTPHandler(deps)
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return testServer{
		handler:  handler,
		tokens:   tokens,
		users:    directory,
		services: services,
		feed:     feed,
		mailer:   mailer,
	}
}

func stubGoogleVerifier(_ context.Context, credential string) (auth.ProviderProfile, error) {
	return auth.ProviderProfile{
		Provider:    auth.ProviderGoogle,
		Subject:     "google-" + credential,
		Email:       credential + "@gmail.example",
		DisplayName: "Google " + credential,
	}, nil
}

func (s testServer) do(t *testing.T, method, target string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch typed := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(typed)
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, target, reader)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

// signUp registers an account over HTTP and returns its identity and token.
func (s testServer) signUp(t *testing.T, email, displayName string) (identity.User, string) {
	t.Helper()
	recorder := s.do(t, http.MethodPost, "/auth/signup", map[string]string{
		"email":       email,
		"password":    "secret-password",
		"displayName": displayName,
	}, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("sign up failed: %d %s", recorder.Code, recorder.Body.String())
	}
	var response authResponsePayload
	decodeBody(t, recorder, &response)
	if response.AccessToken == "" || response.User.ID == "" {
		t.Fatalf("expected token and user, got %+v", response)
	}
	return response.User, response.AccessToken
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}
