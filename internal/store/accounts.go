package store

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/topnlabs/pressline/internal/models"
)

var ErrAccountNotFound = errors.New("platform account not found")

type AccountStore struct {
	db *gorm.DB
}

func NewAccountStore(db *gorm.DB) *AccountStore {
	return &AccountStore{db: db}
}

func (s *AccountStore) Get(userID uint, platform string) (*models.PlatformAccount, error) {
	var account models.PlatformAccount
	err := s.db.Where("user_id = ? AND platform = ?", userID, platform).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	return &account, nil
}

func (s *AccountStore) Save(account *models.PlatformAccount) error {
	if err := s.db.Save(account).Error; err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

// MarkTested records the outcome of the most recent login attempt made
// with this account's stored credentials.
func (s *AccountStore) MarkTested(userID uint, platform string, ok bool) error {
	status := models.AccountVerified
	if !ok {
		status = models.AccountFailed
	}
	now := time.Now()
	err := s.db.Model(&models.PlatformAccount{}).
		Where("user_id = ? AND platform = ?", userID, platform).
		Updates(map[string]any{"status": status, "last_tested": now}).Error
	if err != nil {
		return fmt.Errorf("failed to mark account tested: %w", err)
	}
	return nil
}
