package models

import (
	"time"
)

// PlatformAccount stores the credentials used to sign in to a publishing
// platform. PasswordEncrypted is ciphertext produced by pkg/crypto; the
// plaintext only exists inside a running login strategy.
type PlatformAccount struct {
	ID                uint       `gorm:"primaryKey" json:"id"`
	UserID            uint       `gorm:"not null;index" json:"user_id"`
	Platform          string     `gorm:"not null;index;size:50" json:"platform"`
	Username          string     `gorm:"not null;size:100" json:"username"`
	PasswordEncrypted string     `gorm:"type:text" json:"-"`
	Notes             string     `gorm:"type:text" json:"notes"`
	Status            string     `gorm:"size:50;default:'untested'" json:"status"`
	LastTested        *time.Time `json:"last_tested"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

const (
	AccountUntested = "untested"
	AccountVerified = "verified"
	AccountFailed   = "failed"
)

func (a *PlatformAccount) ToMap() map[string]any {
	return map[string]any{
		"id":          a.ID,
		"user_id":     a.UserID,
		"platform":    a.Platform,
		"username":    a.Username,
		"notes":       a.Notes,
		"status":      a.Status,
		"last_tested": formatTime(a.LastTested),
		"created_at":  formatTime(&a.CreatedAt),
		"updated_at":  formatTime(&a.UpdatedAt),
	}
}
