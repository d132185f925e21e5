package models

import (
	"time"
)

// PublishHistory is an append-only ledger of publish attempt outcomes.
// Title and content are denormalized snapshots so history stays readable
// after the source article is edited or the task record is pruned. Rows
// are never updated after creation.
type PublishHistory struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	UserID         uint      `gorm:"not null;index" json:"user_id"`
	ArticleID      *uint     `gorm:"index" json:"article_id"`
	Platform       string    `gorm:"not null;index;size:50" json:"platform"`
	Status         string    `gorm:"not null;size:50" json:"status"`
	URL            string    `gorm:"type:text" json:"url"`
	Message        string    `gorm:"type:text" json:"message"`
	ArticleTitle   string    `gorm:"size:500" json:"article_title"`
	ArticleContent string    `gorm:"type:text" json:"article_content"`
	PublishedAt    time.Time `gorm:"autoCreateTime;index" json:"published_at"`
}

const (
	HistorySuccess = "success"
	HistoryFailed  = "failed"
)

func (h *PublishHistory) ToMap() map[string]any {
	return map[string]any{
		"id":            h.ID,
		"user_id":       h.UserID,
		"article_id":    h.ArticleID,
		"platform":      h.Platform,
		"status":        h.Status,
		"url":           h.URL,
		"message":       h.Message,
		"article_title": h.ArticleTitle,
		"published_at":  formatTime(&h.PublishedAt),
	}
}
