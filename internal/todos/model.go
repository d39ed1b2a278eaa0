// Package todos stores per-snippet task lists.
package todos

import "time"

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

type Todo struct {
	ID          string    `gorm:"primaryKey;size:64" json:"id"`
	SnippetID   string    `gorm:"size:64;not null;index:idx_todos_snippet" json:"snippetId"`
	Title       string    `gorm:"not null" json:"title"`
	Description string    `gorm:"type:text;not null;default:''" json:"description"`
	Priority    Priority  `gorm:"size:16;not null" json:"priority"`
	Status      Status    `gorm:"size:16;not null" json:"status"`
	UserID      string    `gorm:"size:190;not null" json:"userId"`
	UserName    string    `gorm:"not null;default:''" json:"userName"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (Todo) TableName() string {
	return "snippet_todos"
}

// Draft is the input to Add.
type Draft struct {
	Title       string   `json:"title" validate:"required"`
	Description string   `json:"description"`
	Priority    Priority `json:"priority" validate:"omitempty,oneof=low medium high"`
}

// Patch carries the fields Update may change. Nil fields are left alone.
type Patch struct {
	Title       *string   `json:"title,omitempty"`
	Description *string   `json:"description,omitempty"`
	Priority    *Priority `json:"priority,omitempty"`
	Status      *Status   `json:"status,omitempty"`
}
