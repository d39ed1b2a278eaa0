// Package snippets owns the snippet collection: CRUD, community listing,
// forking, share passwords, licenses and the live per-user snippet list.
package snippets

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/codevault/backend/internal/apperror"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/changefeed"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/identity"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/metrics"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew = "snippets.service.new"
	opCreate     = "snippets.create"
	opUpdate     = "snippets.update"
	opDelete     = "snippets.delete"
	opGet        = "snippets.get"
	opListOwned  = "snippets.list_owned"
	opListPublic = "snippets.list_public"

	messageNotFound = "Snippet not found"
)

var noOpLogger = zap.NewNop()

// CascadeFunc deletes the documents that hang off snippet inside tx and
// returns the topics that changed as a result.
type CascadeFunc func(tx *gorm.DB, snippet Snippet) ([]string, error)

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
	Feed       changefeed.Publisher
	Hasher     *auth.PasswordHasher
	Licenses   *LicenseCatalog
	AppOrigin  string
	Logger     *zap.Logger
}

type Service struct {
	db        *gorm.DB
	now       func() time.Time
	ids       ids.Provider
	feed      changefeed.Publisher
	hasher    *auth.PasswordHasher
	licenses  *LicenseCatalog
	appOrigin string
	logger    *zap.Logger
	validate  *validator.Validate

	cascadeMu sync.RWMutex
	cascades  []CascadeFunc
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("%s: database connection required", opServiceNew)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = ids.NewUUIDProvider()
	}
	feed := cfg.Feed
	if feed == nil {
		feed = changefeed.Discard
	}
	hasher := cfg.Hasher
	if hasher == nil {
		hasher = auth.NewPasswordHasher(auth.DefaultBcryptCost)
	}
	licenses := cfg.Licenses
	if licenses == nil {
		catalog, err := DefaultLicenses()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", opServiceNew, err)
		}
		licenses = catalog
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:        cfg.Database,
		now:       clock,
		ids:       idProvider,
		feed:      feed,
		hasher:    hasher,
		licenses:  licenses,
		appOrigin: strings.TrimRight(cfg.AppOrigin, "/"),
		logger:    logger,
		validate:  validator.New(),
	}, nil
}

// RegisterCascade adds fn to the work done when a snippet is deleted.
func (s *Service) RegisterCascade(fn CascadeFunc) {
	s.cascadeMu.Lock()
	defer s.cascadeMu.Unlock()
	s.cascades = append(s.cascades, fn)
}

// Licenses exposes the license table.
func (s *Service) Licenses() *LicenseCatalog {
	return s.licenses
}

// Create stores a new snippet owned by the caller with zeroed aggregates.
func (s *Service) Create(ctx context.Context, draft Draft) (Snippet, error) {
	user, err := identity.Require(ctx, opCreate)
	if err != nil {
		return Snippet{}, err
	}
	draft.Title = strings.TrimSpace(draft.Title)
	draft.Language = strings.TrimSpace(draft.Language)
	if draft.Visibility == "" {
		draft.Visibility = VisibilityPrivate
	}
	if err := s.validate.Struct(draft); err != nil {
		return Snippet{}, apperror.Invalid(opCreate, err, "Invalid snippet")
	}
	if draft.LicenseID != "" {
		if _, ok := s.licenses.Lookup(draft.LicenseID); !ok {
			return Snippet{}, apperror.Validation(opCreate, "Invalid license ID")
		}
	}
	snippetID, err := s.ids.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err)
		return Snippet{}, apperror.Backend(opCreate, err)
	}

	now := s.now().UTC()
	snippet := Snippet{
		ID:          snippetID,
		OwnerID:     user.ID,
		UserEmail:   user.Email,
		UserName:    user.Name(),
		Title:       draft.Title,
		Description: draft.Description,
		Code:        draft.Code,
		Language:    draft.Language,
		Tags:        datatypes.JSONSlice[string](NormalizeTags(draft.Tags)),
		Visibility:  draft.Visibility,
		LicenseID:   draft.LicenseID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.WithContext(ctx).Create(&snippet).Error; err != nil {
		s.logError(opCreate, "snippet_insert_failed", err, zap.String("user_id", user.ID))
		return Snippet{}, apperror.Backend(opCreate, err)
	}
	s.publish(changefeed.KindCreated, snippet)
	return snippet, nil
}

// Update applies patch to a snippet owned by the caller.
func (s *Service) Update(ctx context.Context, snippetID string, patch Patch) (Snippet, error) {
	user, err := identity.Require(ctx, opUpdate)
	if err != nil {
		return Snippet{}, err
	}
	updates, err := patchColumns(patch)
	if err != nil {
		return Snippet{}, err
	}
	updates["updated_at"] = s.now().UTC()

	var before, after Snippet
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loaded, err := Lock(tx, opUpdate, snippetID)
		if err != nil {
			return err
		}
		if loaded.OwnerID != user.ID {
			return apperror.Unauthorized(opUpdate, "Not authorized to update this snippet")
		}
		before = loaded
		if err := tx.Model(&Snippet{}).Where("id = ?", snippetID).Updates(updates).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", snippetID).Take(&after).Error
	})
	if err != nil {
		return Snippet{}, s.fail(opUpdate, "transaction_failed", err, zap.String("snippet_id", snippetID))
	}
	s.publish(changefeed.KindUpdated, before, after)
	return after, nil
}

// Delete removes a snippet owned by the caller together with every document
// registered through RegisterCascade, in one transaction.
func (s *Service) Delete(ctx context.Context, snippetID string) error {
	defer metrics.ObserveTransaction(opDelete, time.Now())
	user, err := identity.Require(ctx, opDelete)
	if err != nil {
		return err
	}

	s.cascadeMu.RLock()
	cascades := append([]CascadeFunc(nil), s.cascades...)
	s.cascadeMu.RUnlock()

	var deleted Snippet
	var touched []string
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loaded, err := Lock(tx, opDelete, snippetID)
		if err != nil {
			return err
		}
		if loaded.OwnerID != user.ID {
			return apperror.Unauthorized(opDelete, "Not authorized to delete this snippet")
		}
		deleted = loaded
		for _, cascade := range cascades {
			topics, err := cascade(tx, loaded)
			if err != nil {
				return err
			}
			touched = append(touched, topics...)
		}
		return tx.Where("id = ?", snippetID).Delete(&Snippet{}).Error
	})
	if err != nil {
		return s.fail(opDelete, "transaction_failed", err, zap.String("snippet_id", snippetID))
	}
	s.publish(changefeed.KindDeleted, deleted)
	if len(touched) > 0 {
		s.announce(changefeed.KindDeleted, []string{snippetID}, touched...)
	}
	return nil
}

// Get fetches one snippet. Private snippets are only visible to their owner.
func (s *Service) Get(ctx context.Context, snippetID string) (Snippet, error) {
	snippet, err := s.Find(ctx, snippetID)
	if err != nil {
		return Snippet{}, err
	}
	user, _ := identity.FromContext(ctx)
	if !snippet.VisibleTo(user.ID) {
		return Snippet{}, apperror.NotFound(opGet, messageNotFound)
	}
	return snippet, nil
}

// Find loads a snippet without any visibility check.
func (s *Service) Find(ctx context.Context, snippetID string) (Snippet, error) {
	snippet, err := Load(s.db.WithContext(ctx), opGet, snippetID)
	if err != nil {
		return Snippet{}, s.fail(opGet, "snippet_select_failed", err, zap.String("snippet_id", snippetID))
	}
	return snippet, nil
}

// ListOwned returns the snippets of userID, most recently updated first.
func (s *Service) ListOwned(ctx context.Context, userID string) ([]Snippet, error) {
	var owned []Snippet
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&owned).Error; err != nil {
		s.logError(opListOwned, "snippet_select_failed", err, zap.String("user_id", userID))
		return nil, apperror.Backend(opListOwned, err)
	}
	SortByUpdated(owned)
	return owned, nil
}

// ListPublic returns every public snippet, most recently updated first.
func (s *Service) ListPublic(ctx context.Context) ([]Snippet, error) {
	var public []Snippet
	err := s.db.WithContext(ctx).
		Where("visibility = ?", VisibilityPublic).
		Order("updated_at DESC").
		Find(&public).Error
	if err != nil {
		s.logError(opListPublic, "snippet_select_failed", err)
		return nil, apperror.Backend(opListPublic, err)
	}
	return public, nil
}

// SortByUpdated orders snippets by UpdatedAt descending.
func SortByUpdated(list []Snippet) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].UpdatedAt.After(list[j].UpdatedAt)
	})
}

// Load reads a snippet through db, which may be a transaction.
func Load(db *gorm.DB, op, snippetID string) (Snippet, error) {
	var snippet Snippet
	err := db.Where("id = ?", snippetID).Take(&snippet).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snippet{}, apperror.NotFound(op, messageNotFound)
	}
	return snippet, err
}

// Lock reads a snippet for update inside tx.
func Lock(tx *gorm.DB, op, snippetID string) (Snippet, error) {
	return Load(tx.Clauses(clause.Locking{Strength: "UPDATE"}), op, snippetID)
}

// LockVisible is Lock for a snippet userID may see. Another user's private
// snippet reads as not found.
func LockVisible(tx *gorm.DB, op, snippetID, userID string) (Snippet, error) {
	snippet, err := Lock(tx, op, snippetID)
	if err != nil {
		return Snippet{}, err
	}
	if !snippet.VisibleTo(userID) {
		return Snippet{}, apperror.NotFound(op, messageNotFound)
	}
	return snippet, nil
}

func patchColumns(patch Patch) (map[string]interface{}, error) {
	if patch.Empty() {
		return nil, apperror.Validation(opUpdate, "Nothing to update")
	}
	updates := map[string]interface{}{}
	if patch.Title != nil {
		title := strings.TrimSpace(*patch.Title)
		if title == "" {
			return nil, apperror.Validation(opUpdate, "Title is required")
		}
		updates["title"] = title
	}
	if patch.Description != nil {
		updates["description"] = *patch.Description
	}
	if patch.Code != nil {
		if strings.TrimSpace(*patch.Code) == "" {
			return nil, apperror.Validation(opUpdate, "Code is required")
		}
		updates["code"] = *patch.Code
	}
	if patch.Language != nil {
		language := strings.TrimSpace(*patch.Language)
		if language == "" {
			return nil, apperror.Validation(opUpdate, "Language is required")
		}
		updates["language"] = language
	}
	if patch.Tags != nil {
		updates["tags"] = datatypes.JSONSlice[string](NormalizeTags(*patch.Tags))
	}
	if patch.Visibility != nil {
		if !patch.Visibility.Valid() {
			return nil, apperror.Validation(opUpdate, "Visibility must be private or public")
		}
		updates["visibility"] = *patch.Visibility
	}
	return updates, nil
}

// Topics lists the change feed topics a snippet state is visible on.
func Topics(states ...Snippet) []string {
	topics := make([]string, 0, 4*len(states))
	for _, state := range states {
		topics = append(topics, changefeed.OwnerSnippets(state.OwnerID), changefeed.Snippet(state.ID))
		if state.Visibility == VisibilityPublic {
			topics = append(topics, changefeed.TopicPublicSnippets)
		}
		if state.InCommunity {
			topics = append(topics, changefeed.TopicCommunitySnippets)
		}
	}
	return topics
}

func (s *Service) publish(kind string, states ...Snippet) {
	if len(states) == 0 {
		return
	}
	s.announce(kind, []string{states[0].ID}, Topics(states...)...)
}

func (s *Service) announce(kind string, documentIDs []string, topics ...string) {
	s.feed.Publish(changefeed.Events(kind, s.now().UTC(), documentIDs, topics...)...)
}

func (s *Service) fail(op, reason string, err error, fields ...zap.Field) error {
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		return err
	}
	s.logError(op, reason, err, fields...)
	return apperror.Backend(op, err)
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
	s.logger.Error("snippets service error", attrs...)
}
