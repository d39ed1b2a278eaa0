package users

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/codevault/backend/internal/apperror"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/identity"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/ids"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew       = "users.service.new"
	opCreateAccount    = "users.create_account"
	opAuthenticate     = "users.authenticate"
	opResolveProvider  = "users.resolve_provider"
	opSendReset        = "users.send_password_reset"
	opConfirmReset     = "users.confirm_password_reset"
	opUpdateDisplay    = "users.update_display_fields"
	opLoadAccount      = "users.load_account"
	opLoadDocument     = "users.load_document"
	defaultResetTTL    = time.Hour
	minPasswordLength  = 6
	messageInvalidCred = "Invalid email or password"
)

var noOpLogger = zap.NewNop()

// CredentialVerifier turns a provider credential (ID token, OAuth code) into a
// verified provider profile.
type CredentialVerifier func(ctx context.Context, credential string) (auth.ProviderProfile, error)

// ServiceConfig describes the dependencies of the account directory.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
	Hasher     *auth.PasswordHasher
	Tokens     *auth.TokenIssuer
	Mailer     Mailer
	ResetTTL   time.Duration
	AppOrigin  string
	Providers  map[string]CredentialVerifier
	Logger     *zap.Logger
}

// Service is the account directory: password accounts, provider identities
// and the profile documents created for them.
type Service struct {
	db        *gorm.DB
	now       func() time.Time
	ids       ids.Provider
	hasher    *auth.PasswordHasher
	tokens    *auth.TokenIssuer
	mailer    Mailer
	resetTTL  time.Duration
	appOrigin string
	providers map[string]CredentialVerifier
	logger    *zap.Logger
	validate  *validator.Validate
	cache     sync.Map
}

// NewService constructs the directory.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("%s: database connection required", opServiceNew)
	}
	if cfg.Hasher == nil {
		return nil, fmt.Errorf("%s: password hasher required", opServiceNew)
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("%s: token issuer required", opServiceNew)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = ids.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	mailer := cfg.Mailer
	if mailer == nil {
		mailer = NewLogMailer(logger)
	}
	resetTTL := cfg.ResetTTL
	if resetTTL <= 0 {
		resetTTL = defaultResetTTL
	}
	providers := make(map[string]CredentialVerifier, len(cfg.Providers))
	for name, verifier := range cfg.Providers {
		if verifier != nil {
			providers[strings.ToLower(name)] = verifier
		}
	}
	return &Service{
		db:        cfg.Database,
		now:       clock,
		ids:       idProvider,
		hasher:    cfg.Hasher,
		tokens:    cfg.Tokens,
		mailer:    mailer,
		resetTTL:  resetTTL,
		appOrigin: strings.TrimRight(cfg.AppOrigin, "/"),
		providers: providers,
		logger:    logger,
		validate:  validator.New(),
	}, nil
}

type signUpInput struct {
	Email       string `validate:"required,email,max=320"`
	Password    string `validate:"required"`
	DisplayName string `validate:"max=320"`
}

// CreateAccount registers a password account and writes its profile document.
func (s *Service) CreateAccount(ctx context.Context, email, password, displayName string) (Account, error) {
	input := signUpInput{Email: normalizeEmail(email), Password: password, DisplayName: strings.TrimSpace(displayName)}
	if err := s.validate.Struct(input); err != nil {
		return Account{}, apperror.Validation(opCreateAccount, "Please enter a valid email address")
	}
	if len(password) < minPasswordLength {
		return Account{}, apperror.Validation(opCreateAccount, "Password should be at least 6 characters")
	}
	hash, err := s.hasher.Hash(password)
	if errors.Is(err, auth.ErrPasswordTooLong) {
		return Account{}, apperror.Validation(opCreateAccount, "Password must be 72 bytes or fewer")
	}
	if err != nil {
		s.logError(opCreateAccount, "hash_failed", err)
		return Account{}, apperror.Backend(opCreateAccount, err)
	}
	accountID, err := s.ids.NewID()
	if err != nil {
		s.logError(opCreateAccount, "id_generation_failed", err)
		return Account{}, apperror.Backend(opCreateAccount, err)
	}

	now := s.now().UTC()
	account := Account{
		ID:           accountID,
		Email:        input.Email,
		PasswordHash: hash,
		DisplayName:  input.DisplayName,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&Identity{}).
			Where("provider = ? AND subject = ?", auth.ProviderPassword, input.Email).
			Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return apperror.Validation(opCreateAccount, "An account with this email already exists")
		}
		if err := tx.Create(&account).Error; err != nil {
			return err
		}
		if err := tx.Create(&Identity{
			Provider:   auth.ProviderPassword,
			Subject:    input.Email,
			UserID:     accountID,
			Email:      input.Email,
			LastSeenAt: now,
		}).Error; err != nil {
			return err
		}
		return tx.Create(&Document{
			UserID:      accountID,
			DisplayName: input.DisplayName,
			Email:       input.Email,
			Username:    DeriveUsername(input.DisplayName),
			Role:        identity.RoleUser,
			CreatedAt:   now.UnixMilli(),
		}).Error
	})
	if err != nil {
		var appErr *apperror.Error
		if errors.As(err, &appErr) {
			return Account{}, err
		}
		s.logError(opCreateAccount, "transaction_failed", err)
		return Account{}, apperror.Backend(opCreateAccount, err)
	}
	return account, nil
}

// Authenticate checks an email and password pair.
func (s *Service) Authenticate(ctx context.Context, email, password string) (Account, error) {
	var link Identity
	err := s.db.WithContext(ctx).
		Where("provider = ? AND subject = ?", auth.ProviderPassword, normalizeEmail(email)).
		Take(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, apperror.Validation(opAuthenticate, messageInvalidCred)
	}
	if err != nil {
		s.logError(opAuthenticate, "identity_select_failed", err)
		return Account{}, apperror.Backend(opAuthenticate, err)
	}
	account, err := s.Account(ctx, link.UserID)
	if err != nil {
		return Account{}, err
	}
	if err := s.hasher.Verify(account.PasswordHash, password); err != nil {
		if errors.Is(err, auth.ErrPasswordMismatch) {
			return Account{}, apperror.Validation(opAuthenticate, messageInvalidCred)
		}
		s.logError(opAuthenticate, "verify_failed", err, zap.String("user_id", account.ID))
		return Account{}, apperror.Backend(opAuthenticate, err)
	}
	s.touch(ctx, auth.ProviderPassword, link.Subject)
	return account, nil
}

// VerifyCredential runs the configured verifier for provider.
func (s *Service) VerifyCredential(ctx context.Context, provider, credential string) (auth.ProviderProfile, error) {
	verifier, ok := s.providers[strings.ToLower(strings.TrimSpace(provider))]
	if !ok {
		return auth.ProviderProfile{}, apperror.Validation(opResolveProvider, "Unsupported sign-in provider")
	}
	if strings.TrimSpace(credential) == "" {
		return auth.ProviderProfile{}, apperror.Validation(opResolveProvider, "Missing provider credential")
	}
	profile, err := verifier(ctx, credential)
	if err != nil {
		s.logger.Warn("provider credential rejected", zap.String("provider", provider), zap.Error(err))
		return auth.ProviderProfile{}, apperror.Validation(opResolveProvider, "Sign-in with provider failed")
	}
	return profile, nil
}

// ResolveProvider returns the account linked to a provider login, creating the
// account, link and profile document on first sight. Re-authenticating never
// overwrites an existing profile document.
func (s *Service) ResolveProvider(ctx context.Context, profile auth.ProviderProfile) (Account, error) {
	provider := strings.ToLower(strings.TrimSpace(profile.Provider))
	subject := strings.TrimSpace(profile.Subject)
	if provider == "" || subject == "" {
		return Account{}, apperror.Validation(opResolveProvider, "Provider identity is incomplete")
	}

	cacheKey := provider + ":" + subject
	if cached, ok := s.cache.Load(cacheKey); ok {
		if userID, ok := cached.(string); ok {
			s.touch(ctx, provider, subject)
			return s.Account(ctx, userID)
		}
	}

	var account Account
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var link Identity
		err := tx.Where("provider = ? AND subject = ?", provider, subject).Take(&link).Error
		if err == nil {
			return tx.Where("id = ?", link.UserID).Take(&account).Error
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		accountID, err := s.ids.NewID()
		if err != nil {
			return err
		}
		now := s.now().UTC()
		account = Account{
			ID:          accountID,
			Email:       normalizeEmail(profile.Email),
			DisplayName: strings.TrimSpace(profile.DisplayName),
			PhotoURL:    strings.TrimSpace(profile.PhotoURL),
		}
		if err := tx.Create(&account).Error; err != nil {
			return err
		}
		return tx.Create(&Identity{
			Provider:   provider,
			Subject:    subject,
			UserID:     accountID,
			Email:      account.Email,
			LastSeenAt: now,
		}).Error
	})
	if err != nil {
		s.logError(opResolveProvider, "transaction_failed", err, zap.String("provider", provider))
		return Account{}, apperror.Backend(opResolveProvider, err)
	}

	if _, err := s.EnsureDocument(ctx, account); err != nil {
		return Account{}, err
	}
	s.touch(ctx, provider, subject)
	s.cache.Store(cacheKey, account.ID)
	return account, nil
}

// EnsureDocument creates the profile document for account when it is missing
// and reports whether it did.
func (s *Service) EnsureDocument(ctx context.Context, account Account) (bool, error) {
	document := Document{
		UserID:      account.ID,
		DisplayName: account.DisplayName,
		Email:       account.Email,
		PhotoURL:    account.PhotoURL,
		Username:    DeriveUsername(account.DisplayName),
		Role:        identity.RoleUser,
		CreatedAt:   s.now().UTC().UnixMilli(),
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&document)
	if result.Error != nil {
		s.logError(opLoadDocument, "document_insert_failed", result.Error, zap.String("user_id", account.ID))
		return false, apperror.Backend(opLoadDocument, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// Account loads an account by id.
func (s *Service) Account(ctx context.Context, userID string) (Account, error) {
	var account Account
	err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, apperror.NotFound(opLoadAccount, "Account not found")
	}
	if err != nil {
		s.logError(opLoadAccount, "account_select_failed", err, zap.String("user_id", userID))
		return Account{}, apperror.Backend(opLoadAccount, err)
	}
	return account, nil
}

// Document loads the profile document for userID. The boolean is false when
// no document exists.
func (s *Service) Document(ctx context.Context, userID string) (Document, bool, error) {
	var document Document
	err := s.db.WithContext(ctx).Where("uid = ?", userID).Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, false, nil
	}
	if err != nil {
		s.logError(opLoadDocument, "document_select_failed", err, zap.String("user_id", userID))
		return Document{}, false, apperror.Backend(opLoadDocument, err)
	}
	return document, true, nil
}

// DisplayFields is a partial update of the provider-visible profile.
type DisplayFields struct {
	DisplayName *string
	PhotoURL    *string
}

// UpdateDisplayFields applies fields to the account and merges them into the
// profile document.
func (s *Service) UpdateDisplayFields(ctx context.Context, userID string, fields DisplayFields) (Account, error) {
	accountUpdates := map[string]interface{}{}
	documentUpdates := map[string]interface{}{}
	if fields.DisplayName != nil {
		name := strings.TrimSpace(*fields.DisplayName)
		accountUpdates["display_name"] = name
		documentUpdates["display_name"] = name
	}
	if fields.PhotoURL != nil {
		photo := strings.TrimSpace(*fields.PhotoURL)
		if photo != "" {
			if parsed, err := url.Parse(photo); err != nil || parsed.Scheme == "" {
				return Account{}, apperror.Validation(opUpdateDisplay, "Photo URL must be an absolute URL")
			}
		}
		accountUpdates["photo_url"] = photo
		documentUpdates["photo_url"] = photo
	}
	if len(accountUpdates) == 0 {
		return s.Account(ctx, userID)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Account{}).Where("id = ?", userID).Updates(accountUpdates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return apperror.NotFound(opUpdateDisplay, "Account not found")
		}
		return tx.Model(&Document{}).Where("uid = ?", userID).Updates(documentUpdates).Error
	})
	if err != nil {
		var appErr *apperror.Error
		if errors.As(err, &appErr) {
			return Account{}, err
		}
		s.logError(opUpdateDisplay, "transaction_failed", err, zap.String("user_id", userID))
		return Account{}, apperror.Backend(opUpdateDisplay, err)
	}
	return s.Account(ctx, userID)
}

// SendPasswordReset emails a single-use reset link to the owner of email.
func (s *Service) SendPasswordReset(ctx context.Context, email string) error {
	normalized := normalizeEmail(email)
	if err := s.validate.Var(normalized, "required,email"); err != nil {
		return apperror.Validation(opSendReset, "Please enter a valid email address")
	}
	var link Identity
	err := s.db.WithContext(ctx).
		Where("provider = ? AND subject = ?", auth.ProviderPassword, normalized).
		Take(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperror.NotFound(opSendReset, "No account found with this email")
	}
	if err != nil {
		s.logError(opSendReset, "identity_select_failed", err)
		return apperror.Backend(opSendReset, err)
	}
	account, err := s.Account(ctx, link.UserID)
	if err != nil {
		return err
	}

	token, _, err := s.tokens.Issue(account.ID, auth.PurposePasswordReset, passwordFingerprint(account.PasswordHash), s.resetTTL)
	if err != nil {
		s.logError(opSendReset, "token_issue_failed", err, zap.String("user_id", account.ID))
		return apperror.Backend(opSendReset, err)
	}
	resetLink := s.appOrigin + "/reset-password?token=" + url.QueryEscape(token)
	if err := s.mailer.SendPasswordReset(ctx, normalized, resetLink); err != nil {
		s.logError(opSendReset, "mail_failed", err, zap.String("user_id", account.ID))
		return apperror.Backend(opSendReset, err)
	}
	return nil
}

// ConfirmPasswordReset sets a new password using a reset token. A token stops
// working once the password it was issued against has changed.
func (s *Service) ConfirmPasswordReset(ctx context.Context, token, newPassword string) error {
	claims, err := s.tokens.Validate(token, auth.PurposePasswordReset)
	if err != nil {
		return apperror.Validation(opConfirmReset, "This reset link is invalid or has expired")
	}
	if len(newPassword) < minPasswordLength {
		return apperror.Validation(opConfirmReset, "Password should be at least 6 characters")
	}
	account, err := s.Account(ctx, claims.Subject)
	if err != nil {
		return err
	}
	if claims.Fingerprint != passwordFingerprint(account.PasswordHash) {
		return apperror.Validation(opConfirmReset, "This reset link is invalid or has expired")
	}
	hash, err := s.hasher.Hash(newPassword)
	if errors.Is(err, auth.ErrPasswordTooLong) {
		return apperror.Validation(opConfirmReset, "Password must be 72 bytes or fewer")
	}
	if err != nil {
		s.logError(opConfirmReset, "hash_failed", err)
		return apperror.Backend(opConfirmReset, err)
	}
	if err := s.db.WithContext(ctx).Model(&Account{}).
		Where("id = ?", account.ID).
		Update("password_hash", hash).Error; err != nil {
		s.logError(opConfirmReset, "password_update_failed", err, zap.String("user_id", account.ID))
		return apperror.Backend(opConfirmReset, err)
	}
	return nil
}

func (s *Service) touch(ctx context.Context, provider, subject string) {
	if err := s.db.WithContext(ctx).Model(&Identity{}).
		Where("provider = ? AND subject = ?", provider, subject).
		Update("last_seen_at", s.now().UTC()).Error; err != nil {
		s.logger.Debug("identity touch failed", zap.String("provider", provider), zap.Error(err))
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("users service error", attrs...)
}

func passwordFingerprint(hash string) string {
	sum := sha256.Sum256([]byte(hash))
	return hex.EncodeToString(sum[:8])
}
