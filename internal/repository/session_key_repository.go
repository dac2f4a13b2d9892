package repository

import (
	"context"
	"time"

	"clearnode/internal/models"

	"gorm.io/gorm"
)

// SessionKeyRepository defines data access for registered session keys
type SessionKeyRepository interface {
	// Save inserts or replaces the key row
	Save(ctx context.Context, key *models.SessionKey) error
	GetByAddress(ctx context.Context, address string) (*models.SessionKey, error)
	FindByWallet(ctx context.Context, wallet string) ([]*models.SessionKey, error)
	// DeleteExpired removes keys that expired at or before now
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// sessionKeyRepository implements SessionKeyRepository
type sessionKeyRepository struct {
	db *gorm.DB
}

// NewSessionKeyRepository creates a new SessionKeyRepository instance
func NewSessionKeyRepository(db *gorm.DB) SessionKeyRepository {
	return &sessionKeyRepository{db: db}
}

func (r *sessionKeyRepository) Save(ctx context.Context, key *models.SessionKey) error {
	return translate(r.db.WithContext(ctx).Save(key).Error)
}

func (r *sessionKeyRepository) GetByAddress(ctx context.Context, address string) (*models.SessionKey, error) {
	var key models.SessionKey
	if err := r.db.WithContext(ctx).Where("address = ?", address).First(&key).Error; err != nil {
		return nil, translate(err)
	}
	return &key, nil
}

func (r *sessionKeyRepository) FindByWallet(ctx context.Context, wallet string) ([]*models.SessionKey, error) {
	var keys []*models.SessionKey
	if err := r.db.WithContext(ctx).Where("wallet = ?", wallet).Order("created_at DESC").Find(&keys).Error; err != nil {
		return nil, err
	}
	return keys, nil
}

func (r *sessionKeyRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&models.SessionKey{})
	return result.RowsAffected, result.Error
}
