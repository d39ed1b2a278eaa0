package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/codevault/backend/internal/apperror"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/bookmarks"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/changefeed"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/feedback"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/identity"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/profile"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/snippets"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/tags"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/todos"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/transfer"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/users"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/versions"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/voting"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userContextKey      = "codevault_user"
	oauthStateCookie    = "codevault_oauth_state"
	oauthStateTTL       = 10 * time.Minute
	maxImportBodyBytes  = 10 << 20
	errorInvalidRequest = "invalid_request"
)

var (
	errMissingUsers     = errors.New("users service dependency required")
	errMissingSessions  = errors.New("session validator dependency required")
	errMissingTokens    = errors.New("token issuer dependency required")
	errMissingSnippets  = errors.New("snippets service dependency required")
	errMissingTransfer  = errors.New("transfer service dependency required")
	errMissingFeed      = errors.New("change feed dependency required")
	errInvalidAuthorize = errors.New("authorization header missing or invalid")
	errMissingService   = errors.New("service not configured")
)

// Services groups the domain services reachable over the live channel.
type Services struct {
	Snippets  *snippets.Service
	Voting    *voting.Service
	Bookmarks *bookmarks.Service
	Tags      *tags.Service
	Profiles  *profile.Service
	Todos     *todos.Service
	Feedback  *feedback.Service
	Versions  *versions.Service
	Transfer  *transfer.Service
}

type Dependencies struct {
	Users          *users.Service
	Sessions       *auth.SessionValidator
	Tokens         *auth.TokenIssuer
	GitHub         *auth.GitHubProvider
	Services       Services
	Feed           *changefeed.Dispatcher
	AllowedOrigins []string
	AppOrigin      string
	Clock          func() time.Time
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Users == nil {
		return nil, errMissingUsers
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Tokens == nil {
		return nil, errMissingTokens
	}
	if deps.Services.Snippets == nil {
		return nil, errMissingSnippets
	}
	if deps.Services.Transfer == nil {
		return nil, errMissingTransfer
	}
	if deps.Feed == nil {
		return nil, errMissingFeed
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		users:     deps.Users,
		sessions:  deps.Sessions,
		tokens:    deps.Tokens,
		github:    deps.GitHub,
		services:  deps.Services,
		feed:      deps.Feed,
		appOrigin: strings.TrimRight(deps.AppOrigin, "/"),
		now:       clock,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.GET("/licenses", handler.handleLicenses)

	router.POST("/auth/signup", handler.handleSignUp)
	router.POST("/auth/signin", handler.handleSignIn)
	router.POST("/auth/google", handler.handleGoogleAuth)
	router.GET("/auth/github/login", handler.handleGitHubLogin)
	router.GET("/auth/github/callback", handler.handleGitHubCallback)
	router.POST("/auth/reset", handler.handlePasswordReset)
	router.POST("/auth/reset/confirm", handler.handlePasswordResetConfirm)

	router.POST("/snippets/:id/verify-password", handler.handleVerifyPassword)
	router.GET("/live", handler.handleLive)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/snippets/export", handler.handleExport)
	protected.POST("/snippets/import", handler.handleImport)
	protected.GET("/snippets/:id/share", handler.handleShareLink)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowAll := len(allowedOrigins) == 0
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if origin == "*" {
			allowAll = true
		}
		allowed[strings.TrimRight(origin, "/")] = struct{}{}
	}
	return cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool {
			if allowAll {
				return true
			}
			_, ok := allowed[strings.TrimRight(origin, "/")]
			return ok
		},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		ExposeHeaders:    []string{"Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	users     *users.Service
	sessions  *auth.SessionValidator
	tokens    *auth.TokenIssuer
	github    *auth.GitHubProvider
	services  Services
	feed      *changefeed.Dispatcher
	appOrigin string
	now       func() time.Time
	logger    *zap.Logger
}

type signUpRequestPayload struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
}

type signInRequestPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type googleAuthRequestPayload struct {
	IDToken string `json:"id_token"`
}

type resetRequestPayload struct {
	Email string `json:"email"`
}

type resetConfirmRequestPayload struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

type passwordRequestPayload struct {
	Password string `json:"password"`
}

type authResponsePayload struct {
	AccessToken string        `json:"access_token"`
	ExpiresIn   int64         `json:"expires_in"`
	TokenType   string        `json:"token_type"`
	User        identity.User `json:"user"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleLicenses(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"licenses": h.services.Snippets.Licenses().All()})
}

func (h *httpHandler) handleSignUp(c *gin.Context) {
	var request signUpRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidRequest})
		return
	}
	account, err := h.users.CreateAccount(c.Request.Context(), request.Email, request.Password, request.DisplayName)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.respondWithToken(c, account)
}

func (h *httpHandler) handleSignIn(c *gin.Context) {
	var request signInRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidRequest})
		return
	}
	account, err := h.users.Authenticate(c.Request.Context(), request.Email, request.Password)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.respondWithToken(c, account)
}

func (h *httpHandler) handleGoogleAuth(c *gin.Context) {
	var request googleAuthRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.IDToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidRequest})
		return
	}
	account, err := h.signInWithProvider(c, auth.ProviderGoogle, request.IDToken)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.respondWithToken(c, account)
}

func (h *httpHandler) handleGitHubLogin(c *gin.Context) {
	if h.github == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "github_disabled"})
		return
	}
	state := ids.NewState()
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(oauthStateCookie, state, int(oauthStateTTL.Seconds()), "/auth/github", "", c.Request.TLS != nil, true)
	c.Redirect(http.StatusFound, h.github.AuthURL(state))
}

func (h *httpHandler) handleGitHubCallback(c *gin.Context) {
	if h.github == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "github_disabled"})
		return
	}
	expected, err := c.Cookie(oauthStateCookie)
	state := c.Query("state")
	if err != nil || expected == "" || state != expected {
		h.logger.Warn("github callback state mismatch")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_state"})
		return
	}
	c.SetCookie(oauthStateCookie, "", -1, "/auth/github", "", c.Request.TLS != nil, true)

	account, err := h.signInWithProvider(c, auth.ProviderGitHub, c.Query("code"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	token, expiresIn, err := h.tokens.IssueAccessToken(account.ID)
	if err != nil {
		h.logger.Error("failed to issue access token", zap.String("user_id", account.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	h.setSessionCookie(c, token, expiresIn)
	c.Redirect(http.StatusFound, h.appOrigin+"/")
}

func (h *httpHandler) signInWithProvider(c *gin.Context, provider, credential string) (users.Account, error) {
	profile, err := h.users.VerifyCredential(c.Request.Context(), provider, credential)
	if err != nil {
		return users.Account{}, err
	}
	return h.users.ResolveProvider(c.Request.Context(), profile)
}

func (h *httpHandler) handlePasswordReset(c *gin.Context) {
	var request resetRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidRequest})
		return
	}
	if err := h.users.SendPasswordReset(c.Request.Context(), request.Email); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, apperror.OK())
}

func (h *httpHandler) handlePasswordResetConfirm(c *gin.Context) {
	var request resetConfirmRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidRequest})
		return
	}
	if err := h.users.ConfirmPasswordReset(c.Request.Context(), request.Token, request.Password); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, apperror.OK())
}

func (h *httpHandler) handleExport(c *gin.Context) {
	bundle, err := h.services.Transfer.Export(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+transfer.Filename(h.now())+`"`)
	c.JSON(http.StatusOK, bundle)
}

func (h *httpHandler) handleImport(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxImportBodyBytes)
	data, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload_too_large"})
		return
	}
	report, err := h.services.Transfer.Import(c.Request.Context(), data)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *httpHandler) handleShareLink(c *gin.Context) {
	snippetID := c.Param("id")
	if _, err := h.services.Snippets.Get(c.Request.Context(), snippetID); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": h.services.Snippets.ShareLink(snippetID)})
}

func (h *httpHandler) handleVerifyPassword(c *gin.Context) {
	var request passwordRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidRequest})
		return
	}
	snippet, err := h.services.Snippets.VerifyPassword(c.Request.Context(), c.Param("id"), request.Password)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snippet)
}

func (h *httpHandler) respondWithToken(c *gin.Context, account users.Account) {
	token, expiresIn, err := h.tokens.IssueAccessToken(account.ID)
	if err != nil {
		h.logger.Error("failed to issue access token", zap.String("user_id", account.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	h.setSessionCookie(c, token, expiresIn)
	c.JSON(http.StatusOK, authResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		User:        userFromAccount(account),
	})
}

func (h *httpHandler) setSessionCookie(c *gin.Context, token string, expiresIn int64) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.sessions.CookieName(), token, int(expiresIn), "/", "", c.Request.TLS != nil, true)
}

// authorizeRequest resolves the access token to an account and attaches the
// identity to the request context.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	if h.sessions.TokenFromRequest(c.Request) == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorize.Error()})
		return
	}
	subject, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	account, err := h.users.Account(c.Request.Context(), subject)
	if err != nil {
		h.logger.Warn("token subject lookup failed", zap.String("user_id", subject), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	user := userFromAccount(account)
	c.Set(userContextKey, user)
	c.Request = c.Request.WithContext(identity.WithUser(c.Request.Context(), user))
	c.Next()
}

func (h *httpHandler) writeError(c *gin.Context, err error) {
	kind := apperror.KindOf(err)
	if kind == apperror.KindBackend {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(statusForKind(kind), apperror.ToResult(err))
}

func statusForKind(kind apperror.Kind) int {
	switch kind {
	case apperror.KindUnauthenticated:
		return http.StatusUnauthorized
	case apperror.KindUnauthorized:
		return http.StatusForbidden
	case apperror.KindNotFound:
		return http.StatusNotFound
	case apperror.KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func userFromAccount(account users.Account) identity.User {
	return identity.User{
		ID:          account.ID,
		Email:       account.Email,
		DisplayName: account.DisplayName,
		PhotoURL:    account.PhotoURL,
		Role:        identity.RoleUser,
	}
}
