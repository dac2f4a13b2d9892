package repository

import (
	"context"
	"time"

	"clearnode/internal/models"

	"gorm.io/gorm"
)

// ChannelRepository defines data access for custody channels
type ChannelRepository interface {
	Create(ctx context.Context, channel *models.Channel) error
	GetByID(ctx context.Context, channelID string) (*models.Channel, error)
	Update(ctx context.Context, channel *models.Channel) error

	// FindByWallet lists a wallet's channels, newest first. Empty status matches any.
	FindByWallet(ctx context.Context, wallet string, status models.ChannelStatus) ([]*models.Channel, error)
	// FindActive returns the non-closed channel of wallet for token on chainID
	FindActive(ctx context.Context, wallet string, chainID uint64, token string) (*models.Channel, error)
	// FindStale lists channels stuck in status since before the cutoff
	FindStale(ctx context.Context, status models.ChannelStatus, before time.Time) ([]*models.Channel, error)
	List(ctx context.Context, status models.ChannelStatus, page Page) ([]*models.Channel, error)
}

// channelRepository implements ChannelRepository
type channelRepository struct {
	db *gorm.DB
}

// NewChannelRepository creates a new ChannelRepository instance
func NewChannelRepository(db *gorm.DB) ChannelRepository {
	return &channelRepository{db: db}
}

// Create inserts a new channel
func (r *channelRepository) Create(ctx context.Context, channel *models.Channel) error {
	return translate(r.db.WithContext(ctx).Create(channel).Error)
}

// GetByID retrieves a channel by its on-chain id
func (r *channelRepository) GetByID(ctx context.Context, channelID string) (*models.Channel, error) {
	var channel models.Channel
	err := r.db.WithContext(ctx).Where("channel_id = ?", channelID).First(&channel).Error
	if err != nil {
		return nil, translate(err)
	}
	return &channel, nil
}

// Update saves every column of channel
func (r *channelRepository) Update(ctx context.Context, channel *models.Channel) error {
	return translate(r.db.WithContext(ctx).Save(channel).Error)
}

// FindByWallet lists channels owned by wallet
func (r *channelRepository) FindByWallet(ctx context.Context, wallet string, status models.ChannelStatus) ([]*models.Channel, error) {
	var channels []*models.Channel
	q := r.db.WithContext(ctx).Where("wallet = ?", wallet)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if err := q.Order("created_at DESC").Find(&channels).Error; err != nil {
		return nil, err
	}
	return channels, nil
}

// FindActive returns the open, joining or challenged channel for (wallet, chain, token)
func (r *channelRepository) FindActive(ctx context.Context, wallet string, chainID uint64, token string) (*models.Channel, error) {
	var channel models.Channel
	err := r.db.WithContext(ctx).
		Where("wallet = ? AND chain_id = ? AND token = ? AND status <> ?", wallet, chainID, token, models.ChannelStatusClosed).
		Order("created_at DESC").
		First(&channel).Error
	if err != nil {
		return nil, translate(err)
	}
	return &channel, nil
}

// FindStale lists channels whose status has not moved since before
func (r *channelRepository) FindStale(ctx context.Context, status models.ChannelStatus, before time.Time) ([]*models.Channel, error) {
	var channels []*models.Channel
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", status, before).
		Order("updated_at ASC").
		Find(&channels).Error
	if err != nil {
		return nil, err
	}
	return channels, nil
}

// List pages through all channels, optionally filtered by status
func (r *channelRepository) List(ctx context.Context, status models.ChannelStatus, page Page) ([]*models.Channel, error) {
	var channels []*models.Channel
	q := r.db.WithContext(ctx).Model(&models.Channel{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if err := page.apply(q, "created_at").Find(&channels).Error; err != nil {
		return nil, err
	}
	return channels, nil
}
