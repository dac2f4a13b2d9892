package repository

import (
	"context"

	"clearnode/internal/models"

	"gorm.io/gorm"
)

// AppSessionRepository defines data access for application sessions
type AppSessionRepository interface {
	Create(ctx context.Context, session *models.AppSession) error
	GetByID(ctx context.Context, sessionID string) (*models.AppSession, error)
	Update(ctx context.Context, session *models.AppSession) error

	// FindByParticipant lists sessions wallet takes part in, newest first. Empty status matches any.
	FindByParticipant(ctx context.Context, wallet string, status models.AppSessionStatus, page Page) ([]*models.AppSession, error)
}

// appSessionRepository implements AppSessionRepository
type appSessionRepository struct {
	db *gorm.DB
}

// NewAppSessionRepository creates a new AppSessionRepository instance
func NewAppSessionRepository(db *gorm.DB) AppSessionRepository {
	return &appSessionRepository{db: db}
}

// Create inserts a session; a repeated id yields ErrDuplicate
func (r *appSessionRepository) Create(ctx context.Context, session *models.AppSession) error {
	return translate(r.db.WithContext(ctx).Create(session).Error)
}

// GetByID retrieves a session by id
func (r *appSessionRepository) GetByID(ctx context.Context, sessionID string) (*models.AppSession, error) {
	var session models.AppSession
	err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&session).Error
	if err != nil {
		return nil, translate(err)
	}
	return &session, nil
}

// Update saves every column of session
func (r *appSessionRepository) Update(ctx context.Context, session *models.AppSession) error {
	return translate(r.db.WithContext(ctx).Save(session).Error)
}

// FindByParticipant uses the postgres ANY operator on the participants array
func (r *appSessionRepository) FindByParticipant(ctx context.Context, wallet string, status models.AppSessionStatus, page Page) ([]*models.AppSession, error) {
	var sessions []*models.AppSession
	q := r.db.WithContext(ctx).Where("? = ANY(participants)", wallet)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	page.Desc = true
	if err := page.apply(q, "created_at").Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}
