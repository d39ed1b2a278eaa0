package snippets

import (
	"context"
	"errors"
	"net/url"

	"github.com/MarcoPoloResearchLab/codevault/backend/internal/apperror"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/changefeed"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/identity"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opSetPassword    = "snippets.set_password"
	opVerifyPassword = "snippets.verify_password"
	opUpdateLicense  = "snippets.update_license"
)

// SetPassword protects a snippet with password. An empty password removes
// the protection.
func (s *Service) SetPassword(ctx context.Context, snippetID, password string) error {
	user, err := identity.Require(ctx, opSetPassword)
	if err != nil {
		return err
	}
	updates := map[string]interface{}{
		"is_password_protected": false,
		"password_hash":         "",
		"updated_at":            s.now().UTC(),
	}
	if password != "" {
		hash, err := s.hasher.Hash(password)
		if errors.Is(err, auth.ErrPasswordTooLong) {
			return apperror.Validation(opSetPassword, "Password must be 72 bytes or fewer")
		}
		if err != nil {
			s.logError(opSetPassword, "hash_failed", err, zap.String("snippet_id", snippetID))
			return apperror.Backend(opSetPassword, err)
		}
		updates["is_password_protected"] = true
		updates["password_hash"] = hash
	}
	return s.ownerUpdate(ctx, opSetPassword, snippetID, user.ID,
		"Not authorized to set password for this snippet", updates)
}

// VerifyPassword checks password against a protected snippet and returns the
// snippet when it matches.
func (s *Service) VerifyPassword(ctx context.Context, snippetID, password string) (Snippet, error) {
	snippet, err := Load(s.db.WithContext(ctx), opVerifyPassword, snippetID)
	if err != nil {
		return Snippet{}, s.fail(opVerifyPassword, "snippet_select_failed", err, zap.String("snippet_id", snippetID))
	}
	if !snippet.IsPasswordProtected || snippet.PasswordHash == "" {
		return Snippet{}, apperror.Validation(opVerifyPassword, "Snippet is not password protected")
	}
	if err := s.hasher.Verify(snippet.PasswordHash, password); err != nil {
		if errors.Is(err, auth.ErrPasswordMismatch) {
			return Snippet{}, apperror.Validation(opVerifyPassword, "Invalid password")
		}
		s.logError(opVerifyPassword, "verify_failed", err, zap.String("snippet_id", snippetID))
		return Snippet{}, apperror.Backend(opVerifyPassword, err)
	}
	return snippet, nil
}

// ShareLink returns the public viewing URL of a snippet.
func (s *Service) ShareLink(snippetID string) string {
	return s.appOrigin + "/view/" + url.PathEscape(snippetID)
}

// UpdateLicense sets the license of a snippet owned by the caller. An empty
// licenseID clears it.
func (s *Service) UpdateLicense(ctx context.Context, snippetID, licenseID string) error {
	user, err := identity.Require(ctx, opUpdateLicense)
	if err != nil {
		return err
	}
	if licenseID != "" {
		if _, ok := s.licenses.Lookup(licenseID); !ok {
			return apperror.Validation(opUpdateLicense, "Invalid license ID")
		}
	}
	return s.ownerUpdate(ctx, opUpdateLicense, snippetID, user.ID,
		"Not authorized to update this snippet", map[string]interface{}{
			"license_id": licenseID,
			"updated_at": s.now().UTC(),
		})
}

func (s *Service) ownerUpdate(ctx context.Context, op, snippetID, userID, denied string, updates map[string]interface{}) error {
	var before Snippet
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loaded, err := Lock(tx, op, snippetID)
		if err != nil {
			return err
		}
		if loaded.OwnerID != userID {
			return apperror.Unauthorized(op, denied)
		}
		before = loaded
		return tx.Model(&Snippet{}).Where("id = ?", snippetID).Updates(updates).Error
	})
	if err != nil {
		return s.fail(op, "transaction_failed", err, zap.String("snippet_id", snippetID))
	}
	s.publish(changefeed.KindUpdated, before)
	return nil
}
