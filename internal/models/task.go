package models

import (
	"time"
)

// TaskStatus is the lifecycle state of a publish task. Transitions only
// ever move forward: pending -> queued -> running -> success/failed/cancelled.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskSuccess   TaskStatus = "success"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// SubStateAwaitingScan marks a running task that is blocked on a human
// scanning a login QR code. It is not a status of its own so the status
// machine stays monotonic.
const SubStateAwaitingScan = "awaiting_scan"

var statusRank = map[TaskStatus]int{
	TaskPending:   0,
	TaskQueued:    1,
	TaskRunning:   2,
	TaskSuccess:   3,
	TaskFailed:    3,
	TaskCancelled: 3,
}

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Terminal reports whether s is a final state.
func (s TaskStatus) Terminal() bool {
	return s == TaskSuccess || s == TaskFailed || s == TaskCancelled
}

// CanTransitionTo reports whether moving from s to next is a forward
// transition. Staying on the same non-terminal status is allowed (progress
// updates); cancellation is only reachable before a worker claims the task.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	if s.Terminal() {
		return false
	}
	if s == next {
		return true
	}
	if next == TaskCancelled {
		return s == TaskPending || s == TaskQueued
	}
	return statusRank[next] > statusRank[s]
}

// PublishTask is one publish request from enqueue to terminal state.
// The queue broker owns delivery; this row only reports status.
type PublishTask struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	TaskID         string     `gorm:"uniqueIndex;not null;size:100" json:"task_id"`
	UserID         uint       `gorm:"not null;index" json:"user_id"`
	ArticleID      *uint      `gorm:"index" json:"article_id"`
	ArticleTitle   string     `gorm:"size:500" json:"article_title"`
	ArticleContent string     `gorm:"type:text" json:"-"`
	Platform       string     `gorm:"not null;index;size:50" json:"platform"`
	Topics         string     `gorm:"size:500" json:"topics,omitempty"`
	Draft          bool       `gorm:"default:false" json:"draft"`
	Status         TaskStatus `gorm:"index;size:20;default:'pending'" json:"status"`
	SubState       string     `gorm:"size:50" json:"sub_state,omitempty"`
	QRSessionID    string     `gorm:"size:100" json:"qr_session_id,omitempty"`
	Progress       int        `gorm:"default:0" json:"progress"`
	ResultURL      string     `gorm:"size:500" json:"result_url"`
	ErrorMessage   string     `gorm:"type:text" json:"error_message"`
	RetryCount     int        `gorm:"default:0" json:"retry_count"`
	MaxRetries     int        `gorm:"default:3" json:"max_retries"`
	CreatedAt      time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	StartedAt      *time.Time `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// ToMap renders the task as the JSON-serializable shape the HTTP layer
// returns to pollers. Article content is excluded; it can be large and the
// caller already has it.
func (t *PublishTask) ToMap() map[string]any {
	m := map[string]any{
		"task_id":       t.TaskID,
		"user_id":       t.UserID,
		"article_id":    t.ArticleID,
		"article_title": t.ArticleTitle,
		"platform":      t.Platform,
		"draft":         t.Draft,
		"status":        string(t.Status),
		"progress":      t.Progress,
		"result_url":    t.ResultURL,
		"error_message": t.ErrorMessage,
		"retry_count":   t.RetryCount,
		"max_retries":   t.MaxRetries,
		"created_at":    formatTime(&t.CreatedAt),
		"started_at":    formatTime(t.StartedAt),
		"completed_at":  formatTime(t.CompletedAt),
		"updated_at":    formatTime(&t.UpdatedAt),
	}
	if t.SubState != "" {
		m["sub_state"] = t.SubState
	}
	if t.QRSessionID != "" {
		m["qr_session_id"] = t.QRSessionID
	}
	return m
}

func formatTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339)
}
