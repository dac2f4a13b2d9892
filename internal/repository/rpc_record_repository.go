package repository

import (
	"context"
	"time"

	"clearnode/internal/models"

	"gorm.io/gorm"
)

// RequestRepository tracks processed signed requests for replay protection
type RequestRepository interface {
	// Reserve records the request by signer and payload hash; ErrDuplicate
	// means the same signed payload was already seen
	Reserve(ctx context.Context, record *models.RPCRecord) error
	// Release forgets a reservation whose handler failed so it may be retried
	Release(ctx context.Context, signer, payloadHash string) error
	// Prune drops records created before the cutoff
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// requestRepository implements RequestRepository
type requestRepository struct {
	db *gorm.DB
}

// NewRequestRepository creates a new RequestRepository instance
func NewRequestRepository(db *gorm.DB) RequestRepository {
	return &requestRepository{db: db}
}

func (r *requestRepository) Reserve(ctx context.Context, record *models.RPCRecord) error {
	return translate(r.db.WithContext(ctx).Create(record).Error)
}

func (r *requestRepository) Release(ctx context.Context, signer, payloadHash string) error {
	return r.db.WithContext(ctx).
		Where("signer = ? AND payload_hash = ?", signer, payloadHash).
		Delete(&models.RPCRecord{}).Error
}

func (r *requestRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Where("created_at < ?", before).Delete(&models.RPCRecord{})
	return result.RowsAffected, result.Error
}
