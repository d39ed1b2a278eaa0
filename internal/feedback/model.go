// Package feedback handles review and help requests on snippets and the
// threaded comments attached to them.
package feedback

import (
	"sort"
	"time"
)

type RequestType string

const (
	RequestReview RequestType = "review"
	RequestHelp   RequestType = "help"
)

const StatusOpen = "open"

// Action reports what ToggleRequest did.
type Action string

const (
	ActionCreated Action = "created"
	ActionRemoved Action = "removed"
)

type Request struct {
	ID          string      `gorm:"primaryKey;size:64" json:"id"`
	SnippetID   string      `gorm:"size:64;not null;uniqueIndex:idx_feedback_requests_snippet_user" json:"snippetId"`
	UserID      string      `gorm:"size:190;not null;uniqueIndex:idx_feedback_requests_snippet_user" json:"userId"`
	UserName    string      `gorm:"not null;default:''" json:"userName"`
	UserEmail   string      `gorm:"not null;default:''" json:"userEmail"`
	RequestType RequestType `gorm:"size:16;not null" json:"requestType"`
	Status      string      `gorm:"size:16;not null" json:"status"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

func (Request) TableName() string {
	return "feedback_requests"
}

type Comment struct {
	ID              string    `gorm:"primaryKey;size:64" json:"id"`
	RequestID       string    `gorm:"size:64;not null;index:idx_feedback_comments_request" json:"requestId"`
	SnippetID       string    `gorm:"size:64;not null;index:idx_feedback_comments_snippet" json:"snippetId"`
	UserID          string    `gorm:"size:190;not null" json:"userId"`
	UserName        string    `gorm:"not null;default:''" json:"userName"`
	UserEmail       string    `gorm:"not null;default:''" json:"userEmail"`
	Text            string    `gorm:"type:text;not null" json:"text"`
	ParentCommentID *string   `gorm:"size:64" json:"parentCommentId,omitempty"`
	Edited          bool      `gorm:"not null;default:false" json:"edited"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`

	Depth int `gorm:"-" json:"depth"`
}

func (Comment) TableName() string {
	return "feedback_comments"
}

// Thread orders comments depth-first with siblings oldest first, and sets
// Depth. Replies whose parent is gone are shown at the top level.
func Thread(comments []Comment) []Comment {
	present := make(map[string]bool, len(comments))
	for _, comment := range comments {
		present[comment.ID] = true
	}
	children := make(map[string][]Comment, len(comments))
	for _, comment := range comments {
		parent := ""
		if comment.ParentCommentID != nil && present[*comment.ParentCommentID] {
			parent = *comment.ParentCommentID
		}
		children[parent] = append(children[parent], comment)
	}
	for key := range children {
		siblings := children[key]
		sort.SliceStable(siblings, func(i, j int) bool {
			return siblings[i].CreatedAt.Before(siblings[j].CreatedAt)
		})
	}

	ordered := make([]Comment, 0, len(comments))
	var walk func(parent string, depth int)
	walk = func(parent string, depth int) {
		for _, comment := range children[parent] {
			comment.Depth = depth
			ordered = append(ordered, comment)
			walk(comment.ID, depth+1)
		}
	}
	walk("", 0)
	return ordered
}
