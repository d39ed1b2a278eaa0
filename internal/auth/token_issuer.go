package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 60 * time.Minute

	// PurposeAccess marks session access tokens.
	PurposeAccess = "access"
	// PurposePasswordReset marks emailed password reset tokens.
	PurposePasswordReset = "password_reset"
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")
	errPurposeMismatch      = errors.New("token purpose mismatch")
)

// TokenIssuerConfig configures the backend JWT issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenClaims is the claim set carried by every backend token. Fingerprint
// binds single-use tokens to the state they were issued against.
type TokenClaims struct {
	Purpose     string `json:"purpose"`
	Fingerprint string `json:"fpr,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuer issues and validates HS256 backend tokens.
type TokenIssuer struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	clock    func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer with sane defaults.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		secret:   cfg.SigningSecret,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		ttl:      ttl,
		clock:    clock,
	}, nil
}

// IssueAccessToken signs a session token for subject and returns it with its
// lifetime in seconds.
func (i *TokenIssuer) IssueAccessToken(subject string) (string, int64, error) {
	return i.Issue(subject, PurposeAccess, "", i.ttl)
}

// ValidateAccessToken returns the subject of a valid session token.
func (i *TokenIssuer) ValidateAccessToken(token string) (string, error) {
	claims, err := i.Validate(token, PurposeAccess)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// Issue signs a token for subject with the given purpose and lifetime.
func (i *TokenIssuer) Issue(subject, purpose, fingerprint string, ttl time.Duration) (string, int64, error) {
	if subject == "" {
		return "", 0, errMissingSubjectClaim
	}
	if ttl <= 0 {
		ttl = i.ttl
	}

	now := i.clock().UTC()
	expiresAt := now.Add(ttl)
	claims := TokenClaims{
		Purpose:     purpose,
		Fingerprint: fingerprint,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    i.issuer,
			Audience:  []string{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", 0, err
	}
	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// Validate checks signature, audience, issuer, expiry and purpose.
func (i *TokenIssuer) Validate(tokenString, purpose string) (TokenClaims, error) {
	claims := TokenClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		&claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.secret, nil
		},
		jwt.WithAudience(i.audience),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.clock),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return TokenClaims{}, err
	}
	if claims.Subject == "" {
		return TokenClaims{}, errMissingSubjectClaim
	}
	if claims.Purpose != purpose {
		return TokenClaims{}, errPurposeMismatch
	}
	return claims, nil
}
