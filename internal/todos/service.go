package todos

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/codevault/backend/internal/apperror"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/changefeed"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/identity"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/snippets"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opServiceNew = "todos.service.new"
	opAdd        = "todos.add"
	opUpdate     = "todos.update"
	opDelete     = "todos.delete"
	opToggle     = "todos.toggle_status"
	opList       = "todos.list"
	opNewStore   = "todos.new_store"

	messageNotFound = "Todo not found"
)

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
	validate *validator.Validate
	logger   *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("%s: database connection required", opServiceNew)
	}
	service := &Service{
		db:       cfg.Database,
		now:      cfg.Clock,
		ids:      cfg.IDProvider,
		feed:     cfg.Feed,
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
	if cfg.Snippets != nil {
		cfg.Snippets.RegisterCascade(service.deleteForSnippet)
	}
	return service, nil
}

// Add appends a pending todo to snippetID on behalf of the caller.
func (s *Service) Add(ctx context.Context, snippetID string, draft Draft) (Todo, error) {
	user, err := identity.Require(ctx, opAdd)
	if err != nil {
		return Todo{}, err
	}
	draft.Title = strings.TrimSpace(draft.Title)
	if err := s.validate.Struct(draft); err != nil {
		return Todo{}, apperror.Invalid(opAdd, err, "Invalid todo")
	}
	if draft.Priority == "" {
		draft.Priority = PriorityMedium
	}
	todoID, err := s.ids.NewID()
	if err != nil {
		return Todo{}, s.fail(opAdd, "id_generation_failed", err)
	}
	now := s.now().UTC()
	todo := Todo{
		ID:          todoID,
		SnippetID:   snippetID,
		Title:       draft.Title,
		Description: draft.Description,
		Priority:    draft.Priority,
		Status:      StatusPending,
		UserID:      user.ID,
		UserName:    user.Name(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := snippets.Load(tx, opAdd, snippetID); err != nil {
			return err
		}
		return tx.Create(&todo).Error
	})
	if err != nil {
		return Todo{}, s.fail(opAdd, "todo_insert_failed", err, zap.String("snippet_id", snippetID))
	}
	s.publish(changefeed.KindCreated, todo)
	return todo, nil
}

// Update changes the fields set on patch. Only the todo's author may update it.
func (s *Service) Update(ctx context.Context, snippetID, todoID string, patch Patch) (Todo, error) {
	user, err := identity.Require(ctx, opUpdate)
	if err != nil {
		return Todo{}, err
	}
	updates, err := patchColumns(patch)
	if err != nil {
		return Todo{}, err
	}
	updates["updated_at"] = s.now().UTC()

	var updated Todo
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := load(tx, opUpdate, snippetID, todoID)
		if err != nil {
			return err
		}
		if current.UserID != user.ID {
			return apperror.Unauthorized(opUpdate, "Not authorized to update this todo")
		}
		if err := tx.Model(&Todo{}).Where("id = ?", todoID).UpdateColumns(updates).Error; err != nil {
			return err
		}
		updated, err = load(tx, opUpdate, snippetID, todoID)
		return err
	})
	if err != nil {
		return Todo{}, s.fail(opUpdate, "todo_update_failed", err, zap.String("todo_id", todoID))
	}
	s.publish(changefeed.KindUpdated, updated)
	return updated, nil
}

// Delete removes a todo. Only the todo's author may delete it.
func (s *Service) Delete(ctx context.Context, snippetID, todoID string) error {
	user, err := identity.Require(ctx, opDelete)
	if err != nil {
		return err
	}
	var removed Todo
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := load(tx, opDelete, snippetID, todoID)
		if err != nil {
			return err
		}
		if current.UserID != user.ID {
			return apperror.Unauthorized(opDelete, "Not authorized to delete this todo")
		}
		removed = current
		return tx.Where("id = ?", todoID).Delete(&Todo{}).Error
	})
	if err != nil {
		return s.fail(opDelete, "todo_delete_failed", err, zap.String("todo_id", todoID))
	}
	s.publish(changefeed.KindDeleted, removed)
	return nil
}

// ToggleStatus flips a todo between pending and completed and returns the
// new status. Any signed-in user may toggle.
func (s *Service) ToggleStatus(ctx context.Context, snippetID, todoID string) (Status, error) {
	if _, err := identity.Require(ctx, opToggle); err != nil {
		return "", err
	}
	var toggled Todo
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := load(tx, opToggle, snippetID, todoID)
		if err != nil {
			return err
		}
		next := StatusCompleted
		if current.Status == StatusCompleted {
			next = StatusPending
		}
		now := s.now().UTC()
		if err := tx.Model(&Todo{}).Where("id = ?", todoID).
			UpdateColumns(map[string]interface{}{"status": next, "updated_at": now}).Error; err != nil {
			return err
		}
		current.Status = next
		current.UpdatedAt = now
		toggled = current
		return nil
	})
	if err != nil {
		return "", s.fail(opToggle, "todo_toggle_failed", err, zap.String("todo_id", todoID))
	}
	s.publish(changefeed.KindUpdated, toggled)
	return toggled.Status, nil
}

// List returns the todos of snippetID in creation order.
func (s *Service) List(ctx context.Context, snippetID string) ([]Todo, error) {
	var list []Todo
	if err := s.db.WithContext(ctx).Where("snippet_id = ?", snippetID).Order("created_at ASC").Find(&list).Error; err != nil {
		return nil, s.fail(opList, "todo_select_failed", err, zap.String("snippet_id", snippetID))
	}
	return list, nil
}

func load(db *gorm.DB, op, snippetID, todoID string) (Todo, error) {
	var todo Todo
	err := db.Where("id = ? AND snippet_id = ?", todoID, snippetID).Take(&todo).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Todo{}, apperror.NotFound(op, messageNotFound)
	}
	return todo, err
}

func patchColumns(patch Patch) (map[string]interface{}, error) {
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
	if patch.Priority != nil {
		switch *patch.Priority {
		case PriorityLow, PriorityMedium, PriorityHigh:
			updates["priority"] = *patch.Priority
		default:
			return nil, apperror.Validation(opUpdate, "Priority must be low, medium or high")
		}
	}
	if patch.Status != nil {
		switch *patch.Status {
		case StatusPending, StatusCompleted:
			updates["status"] = *patch.Status
		default:
			return nil, apperror.Validation(opUpdate, "Status must be pending or completed")
		}
	}
	if len(updates) == 0 {
		return nil, apperror.Validation(opUpdate, "Nothing to update")
	}
	return updates, nil
}

func (s *Service) deleteForSnippet(tx *gorm.DB, snippet snippets.Snippet) ([]string, error) {
	result := tx.Where("snippet_id = ?", snippet.ID).Delete(&Todo{})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return []string{changefeed.Todos(snippet.ID)}, nil
}

func (s *Service) publish(kind string, todo Todo) {
	s.feed.Publish(changefeed.Events(kind, s.now().UTC(), []string{todo.ID}, changefeed.Todos(todo.SnippetID))...)
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
	s.logger.Error("todos service error", attrs...)
}
