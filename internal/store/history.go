package store

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/topnlabs/pressline/internal/models"
)

// HistoryStore appends publish outcomes. There is deliberately no update
// or delete method; the ledger is immutable.
type HistoryStore struct {
	db *gorm.DB
}

func NewHistoryStore(db *gorm.DB) *HistoryStore {
	return &HistoryStore{db: db}
}

func (s *HistoryStore) Append(record *models.PublishHistory) error {
	if err := s.db.Create(record).Error; err != nil {
		return fmt.Errorf("failed to append publish history: %w", err)
	}
	return nil
}

func (s *HistoryStore) ListByUser(userID uint, limit, offset int) ([]models.PublishHistory, int64, error) {
	query := s.db.Model(&models.PublishHistory{}).Where("user_id = ?", userID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count history: %w", err)
	}

	var records []models.PublishHistory
	if err := query.Order("published_at DESC").Limit(limit).Offset(offset).Find(&records).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list history: %w", err)
	}
	return records, total, nil
}
