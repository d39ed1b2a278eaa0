// Package transfer exports a user's snippets to a JSON bundle and imports
// bundles back as new snippets.
package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/codevault/backend/internal/apperror"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/changefeed"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/identity"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/snippets"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	opServiceNew = "transfer.service.new"
	opExport     = "transfer.export"
	opImport     = "transfer.import"

	BundleVersion = "1.0"

	insertBatchSize = 100
)

type BundleUser struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
}

// Entry is one snippet inside a bundle.
type Entry struct {
	ID          string   `json:"id,omitempty"`
	Title       string   `json:"title" validate:"required"`
	Description string   `json:"description"`
	Code        string   `json:"code" validate:"required"`
	Language    string   `json:"language" validate:"required"`
	Tags        []string `json:"tags"`
	Visibility  string   `json:"visibility"`
	CreatedAt   string   `json:"createdAt,omitempty"`
	UpdatedAt   string   `json:"updatedAt,omitempty"`
}

type Bundle struct {
	Version    string     `json:"version"`
	ExportedAt time.Time  `json:"exportedAt"`
	User       BundleUser `json:"user"`
	Snippets   []Entry    `json:"snippets"`
	TotalCount int        `json:"totalCount"`
}

// Report summarizes an import.
type Report struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
}

// Filename names an export file written at now.
func Filename(now time.Time) string {
	return "codevault-snippets-" + now.UTC().Format("2006-01-02") + ".json"
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
	Feed       changefeed.Publisher
	Snippets   *snippets.Service
	Logger     *zap.Logger
}

type Service struct {
	db       *gorm.DB
	now      func() time.Time
	ids      ids.Provider
	feed     changefeed.Publisher
	snippets *snippets.Service
	validate *validator.Validate
	logger   *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("%s: database connection required", opServiceNew)
	}
	if cfg.Snippets == nil {
		return nil, fmt.Errorf("%s: snippet service required", opServiceNew)
	}
	service := &Service{
		db:       cfg.Database,
		now:      cfg.Clock,
		ids:      cfg.IDProvider,
		feed:     cfg.Feed,
		snippets: cfg.Snippets,
		validate: validator.New(),
		logger:   cfg.Logger,
	}
	if service.now == nil {
		service.now = time.Now
	}
	if service.ids == nil {
		service.ids = ids.NewUUIDProvider()
	}
	if service.feed == nil {
		service.feed = changefeed.Discard
	}
	if service.logger == nil {
		service.logger = zap.NewNop()
	}
	return service, nil
}

// Export bundles every snippet the caller owns.
func (s *Service) Export(ctx context.Context) (Bundle, error) {
	user, err := identity.Require(ctx, opExport)
	if err != nil {
		return Bundle{}, err
	}
	owned, err := s.snippets.ListOwned(ctx, user.ID)
	if err != nil {
		return Bundle{}, err
	}
	entries := make([]Entry, 0, len(owned))
	for _, snippet := range owned {
		tags := []string(snippet.Tags)
		if tags == nil {
			tags = []string{}
		}
		entries = append(entries, Entry{
			ID:          snippet.ID,
			Title:       snippet.Title,
			Description: snippet.Description,
			Code:        snippet.Code,
			Language:    snippet.Language,
			Tags:        tags,
			Visibility:  string(snippet.Visibility),
			CreatedAt:   snippet.CreatedAt.UTC().Format(time.RFC3339),
			UpdatedAt:   snippet.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	return Bundle{
		Version:    BundleVersion,
		ExportedAt: s.now().UTC(),
		User:       BundleUser{ID: user.ID, DisplayName: user.DisplayName, Email: user.Email},
		Snippets:   entries,
		TotalCount: len(entries),
	}, nil
}

// Import inserts every valid entry of data as a new private-by-default snippet
// owned by the caller. Entries missing a title, code or language are skipped.
// All inserts commit together.
func (s *Service) Import(ctx context.Context, data []byte) (Report, error) {
	user, err := identity.Require(ctx, opImport)
	if err != nil {
		return Report{}, err
	}
	elements, err := snippetElements(data)
	if err != nil {
		return Report{}, err
	}

	now := s.now().UTC()
	report := Report{}
	rows := make([]snippets.Snippet, 0, len(elements))
	hasPublic := false
	for _, element := range elements {
		var entry Entry
		if err := json.Unmarshal(element, &entry); err != nil {
			report.Skipped++
			continue
		}
		if err := s.validate.Struct(entry); err != nil {
			report.Skipped++
			continue
		}
		snippetID, err := s.ids.NewID()
		if err != nil {
			return Report{}, s.fail(opImport, "id_generation_failed", err)
		}
		visibility := snippets.Visibility(entry.Visibility)
		if !visibility.Valid() {
			visibility = snippets.VisibilityPrivate
		}
		hasPublic = hasPublic || visibility == snippets.VisibilityPublic
		rows = append(rows, snippets.Snippet{
			ID:          snippetID,
			OwnerID:     user.ID,
			UserEmail:   user.Email,
			UserName:    user.Name(),
			Title:       entry.Title,
			Description: entry.Description,
			Code:        entry.Code,
			Language:    entry.Language,
			Tags:        datatypes.JSONSlice[string](snippets.NormalizeTags(entry.Tags)),
			Visibility:  visibility,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	report.Imported = len(rows)
	if len(rows) == 0 {
		return report, nil
	}

	defer metrics.ObserveTransaction(opImport, time.Now())
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(rows, insertBatchSize).Error
	})
	if err != nil {
		return Report{}, s.fail(opImport, "snippet_insert_failed", err,
			zap.String("user_id", user.ID), zap.Int("count", len(rows)))
	}

	imported := make([]string, 0, len(rows))
	for _, row := range rows {
		imported = append(imported, row.ID)
	}
	topics := []string{changefeed.OwnerSnippets(user.ID)}
	if hasPublic {
		topics = append(topics, changefeed.TopicPublicSnippets)
	}
	s.feed.Publish(changefeed.Events(changefeed.KindCreated, now, imported, topics...)...)
	return report, nil
}

func snippetElements(data []byte) ([]json.RawMessage, error) {
	var document map[string]json.RawMessage
	if err := json.Unmarshal(data, &document); err != nil {
		return nil, apperror.Validation(opImport, "Invalid file format: not a JSON object")
	}
	raw, ok := document["snippets"]
	trimmed := bytes.TrimSpace(raw)
	if !ok || !strings.HasPrefix(string(trimmed), "[") {
		return nil, apperror.Validation(opImport, "Invalid file format: snippets array not found")
	}
	var elements []json.RawMessage
	if err := json.Unmarshal(trimmed, &elements); err != nil {
		return nil, apperror.Validation(opImport, "Invalid file format: snippets array not found")
	}
	return elements, nil
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
	s.logger.Error("transfer service error", attrs...)
}
