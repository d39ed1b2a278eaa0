package voting

import "time"

// Vote is one user's vote on one snippet. A missing row means 0; a stored
// value is always -1 or 1.
type Vote struct {
	SnippetID string    `gorm:"primaryKey;size:64" json:"snippetId"`
	UserID    string    `gorm:"primaryKey;size:190;index:idx_votes_user" json:"userId"`
	Value     int       `gorm:"not null" json:"value"`
	CreatedAt time.Time `json:"createdAt"`
}

func (Vote) TableName() string {
	return "snippet_votes"
}

// Favorite records that a user favorited a snippet. Existence is the signal.
type Favorite struct {
	UserID    string    `gorm:"primaryKey;size:190" json:"userId"`
	SnippetID string    `gorm:"primaryKey;size:64;index:idx_favorites_snippet" json:"snippetId"`
	CreatedAt time.Time `json:"createdAt"`
}

func (Favorite) TableName() string {
	return "user_favorites"
}
