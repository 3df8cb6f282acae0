package users

import (
	"strings"
	"time"
)

// Account is a registered user able to upload and sign documents.
type Account struct {
	UserID       string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Email        string    `gorm:"column:email;size:320;not null;uniqueIndex:idx_accounts_email"`
	PasswordHash string    `gorm:"column:password_hash;size:190;not null"`
	DisplayName  string    `gorm:"column:display_name;size:320"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	LastSeenAt   time.Time `gorm:"column:last_seen_at"`
}

// TableName exposes the table backing user accounts.
func (Account) TableName() string {
	return "accounts"
}

func normalizeEmail(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
