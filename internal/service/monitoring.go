package service

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/topnlabs/pressline/internal/models"
	"github.com/topnlabs/pressline/internal/queue"
)

// MonitoringService aggregates the numbers the admin dashboard shows:
// task totals, history success rates, queue depths and per-user limiter
// usage.
type MonitoringService struct {
	db      *gorm.DB
	broker  JobBroker
	limiter *queue.RateLimiter
	logger  *zap.Logger
}

func NewMonitoringService(db *gorm.DB, broker JobBroker, limiter *queue.RateLimiter, logger *zap.Logger) *MonitoringService {
	return &MonitoringService{db: db, broker: broker, limiter: limiter, logger: logger}
}

// SystemSummary is the admin-wide snapshot.
type SystemSummary struct {
	Tasks        map[string]int64 `json:"tasks"`
	Queues       map[string]int64 `json:"queues"`
	PublishTotal int64            `json:"publish_total"`
	PublishOK    int64            `json:"publish_ok"`
	PublishFail  int64            `json:"publish_fail"`
	SuccessRate  float64          `json:"success_rate"`
	GeneratedAt  time.Time        `json:"generated_at"`
}

func (m *MonitoringService) Summary(ctx context.Context) (*SystemSummary, error) {
	summary := &SystemSummary{
		Tasks:       make(map[string]int64),
		GeneratedAt: time.Now(),
	}

	type row struct {
		Status string
		N      int64
	}
	var rows []row
	if err := m.db.Model(&models.PublishTask{}).
		Select("status, count(*) as n").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, r := range rows {
		summary.Tasks[r.Status] = r.N
	}

	if err := m.db.Model(&models.PublishHistory{}).Count(&summary.PublishTotal).Error; err != nil {
		return nil, err
	}
	m.db.Model(&models.PublishHistory{}).
		Where("status = ?", models.HistorySuccess).Count(&summary.PublishOK)
	summary.PublishFail = summary.PublishTotal - summary.PublishOK
	if summary.PublishTotal > 0 {
		summary.SuccessRate = float64(summary.PublishOK) / float64(summary.PublishTotal)
	}

	queues, err := m.broker.Stats(ctx)
	if err != nil {
		// Queue depths are best-effort on an admin page; the DB numbers
		// still stand on their own.
		m.logger.Warn("Failed to read queue stats", zap.Error(err))
		queues = map[string]int64{}
	}
	summary.Queues = queues

	return summary, nil
}

// UserUsage reports one user's limiter consumption next to their task
// counts.
func (m *MonitoringService) UserUsage(ctx context.Context, userID uint) (map[string]any, error) {
	type row struct {
		Status string
		N      int64
	}
	var rows []row
	if err := m.db.Model(&models.PublishTask{}).
		Select("status, count(*) as n").
		Where("user_id = ?", userID).
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	tasks := make(map[string]int64, len(rows))
	for _, r := range rows {
		tasks[r.Status] = r.N
	}

	limits := m.limiter.Stats(ctx, userID)
	return map[string]any{
		"user_id": userID,
		"tasks":   tasks,
		"limits":  limits,
	}, nil
}
