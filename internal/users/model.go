package users

import (
	"strings"
	"time"
	"unicode"
)

// Account is a CodeVault login. Password accounts carry a bcrypt hash;
// provider-only accounts leave it empty.
type Account struct {
	ID           string    `gorm:"column:id;primaryKey;size:64"`
	Email        string    `gorm:"column:email;size:320;index"`
	PasswordHash string    `gorm:"column:password_hash;size:120"`
	DisplayName  string    `gorm:"column:display_name;size:320"`
	PhotoURL     string    `gorm:"column:photo_url;size:512"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Account) TableName() string {
	return "accounts"
}

// Identity maps a provider login onto an account.
type Identity struct {
	Provider   string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject    string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID     string    `gorm:"column:user_id;size:64;not null;index"`
	Email      string    `gorm:"column:email;size:320"`
	LastSeenAt time.Time `gorm:"column:last_seen_at"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (Identity) TableName() string {
	return "account_identities"
}

// Document is the per-user profile document created on first sign-in.
type Document struct {
	UserID      string `gorm:"column:uid;primaryKey;size:64"`
	DisplayName string `gorm:"column:display_name;size:320"`
	Email       string `gorm:"column:email;size:320"`
	PhotoURL    string `gorm:"column:photo_url;size:512"`
	Username    string `gorm:"column:username;size:190;index"`
	Role        string `gorm:"column:role;size:32;not null"`
	CreatedAt   int64  `gorm:"column:created_at_ms;not null"`
}

func (Document) TableName() string {
	return "users"
}

// DeriveUsername lowercases displayName and strips every whitespace rune.
func DeriveUsername(displayName string) string {
	var builder strings.Builder
	for _, r := range strings.ToLower(displayName) {
		if unicode.IsSpace(r) {
			continue
		}
		builder.WriteRune(r)
	}
	if builder.Len() == 0 {
		return "user"
	}
	return builder.String()
}

func normalizeEmail(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
