package snippets

import (
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Visibility controls who can see a snippet.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// Valid reports whether v is a known visibility.
func (v Visibility) Valid() bool {
	return v == VisibilityPrivate || v == VisibilityPublic
}

// Snippet is the root document of the ownership tree. VoteCount and
// FavoriteCount are aggregates written only by the voting service.
type Snippet struct {
	ID                  string                      `gorm:"primaryKey;size:64" json:"id"`
	OwnerID             string                      `gorm:"column:user_id;size:190;not null;index:idx_snippets_user" json:"userId"`
	UserEmail           string                      `gorm:"size:320" json:"userEmail,omitempty"`
	UserName            string                      `gorm:"size:320" json:"userName,omitempty"`
	Title               string                      `gorm:"not null" json:"title"`
	Description         string                      `gorm:"type:text" json:"description"`
	Code                string                      `gorm:"type:text;not null" json:"code"`
	Language            string                      `gorm:"size:64" json:"language"`
	Tags                datatypes.JSONSlice[string] `json:"tags"`
	Visibility          Visibility                  `gorm:"size:16;not null;default:private;index:idx_snippets_visibility" json:"visibility"`
	VoteCount           int64                       `gorm:"not null;default:0" json:"voteCount"`
	FavoriteCount       int64                       `gorm:"not null;default:0" json:"favoriteCount"`
	InCommunity         bool                        `gorm:"not null;default:false;index:idx_snippets_community" json:"inCommunity"`
	AddedToCommunityBy  string                      `gorm:"size:190" json:"addedToCommunityBy,omitempty"`
	AddedToCommunityAt  *time.Time                  `json:"addedToCommunityAt,omitempty"`
	LicenseID           string                      `gorm:"size:32" json:"licenseId,omitempty"`
	IsPasswordProtected bool                        `gorm:"not null;default:false" json:"isPasswordProtected"`
	PasswordHash        string                      `gorm:"size:128" json:"-"`
	ForkedFrom          string                      `gorm:"size:64;index:idx_snippets_forked_from" json:"forkedFrom,omitempty"`
	OriginalAuthor      string                      `gorm:"size:320" json:"originalAuthor,omitempty"`
	CreatedAt           time.Time                   `json:"createdAt"`
	UpdatedAt           time.Time                   `json:"updatedAt"`
}

func (Snippet) TableName() string {
	return "snippets"
}

// HasTag reports whether the snippet carries tag exactly.
func (s Snippet) HasTag(tag string) bool {
	for _, candidate := range s.Tags {
		if candidate == tag {
			return true
		}
	}
	return false
}

// VisibleTo reports whether userID may read the snippet. Public and community
// snippets are visible to everyone, private ones only to their owner.
func (s Snippet) VisibleTo(userID string) bool {
	if s.Visibility == VisibilityPublic || s.InCommunity {
		return true
	}
	return userID != "" && userID == s.OwnerID
}

// Draft is the caller-supplied content of a new snippet.
type Draft struct {
	Title       string     `json:"title" validate:"required,max=500"`
	Description string     `json:"description" validate:"max=5000"`
	Code        string     `json:"code" validate:"required"`
	Language    string     `json:"language" validate:"required,max=64"`
	Tags        []string   `json:"tags" validate:"max=50,dive,max=64"`
	Visibility  Visibility `json:"visibility" validate:"omitempty,oneof=private public"`
	LicenseID   string     `json:"licenseId"`
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Title       *string     `json:"title"`
	Description *string     `json:"description"`
	Code        *string     `json:"code"`
	Language    *string     `json:"language"`
	Tags        *[]string   `json:"tags"`
	Visibility  *Visibility `json:"visibility"`
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Code == nil &&
		p.Language == nil && p.Tags == nil && p.Visibility == nil
}

// NormalizeTags trims tags, drops empty ones and removes duplicates while
// keeping the first occurrence order.
func NormalizeTags(tags []string) []string {
	normalized := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		trimmed := strings.TrimSpace(tag)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		normalized = append(normalized, trimmed)
	}
	return normalized
}
