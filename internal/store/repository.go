package store

import (
	"context"
	"errors"
	"time"

	"github.com/talkincode/whatsdash/internal/domain"
	"github.com/talkincode/whatsdash/pkg/common"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SessionRepository is the persistence collaborator of the session store.
type SessionRepository interface {
	// ListByOwner returns the owner's sessions, newest first
	ListByOwner(ctx context.Context, ownerID string) ([]domain.WaSession, error)

	// ListOwners returns every owner id with at least one session
	ListOwners(ctx context.Context) ([]string, error)

	// Create inserts a session, assigning its id
	Create(ctx context.Context, session *domain.WaSession) error

	// UpdateStatus writes status; rows already holding status are left untouched
	UpdateStatus(ctx context.Context, id int64, status domain.SessionStatus) error

	// Delete removes a session owned by ownerID
	Delete(ctx context.Context, ownerID string, id int64) error

	// GetGatewayConfig returns the owner's gateway row, or nil when absent
	GetGatewayConfig(ctx context.Context, ownerID string) (*domain.GatewayConfig, error)

	// SaveGatewayConfig creates or replaces the owner's gateway row
	SaveGatewayConfig(ctx context.Context, cfg *domain.GatewayConfig) error
}

// GormSessionRepository is the GORM implementation of SessionRepository
type GormSessionRepository struct {
	db *gorm.DB
}

// NewGormSessionRepository creates a new GORM-based repository
func NewGormSessionRepository(db *gorm.DB) *GormSessionRepository {
	return &GormSessionRepository{db: db}
}

func (r *GormSessionRepository) ListByOwner(ctx context.Context, ownerID string) ([]domain.WaSession, error) {
	var sessions []domain.WaSession
	err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Order("id DESC").
		Find(&sessions).Error
	return sessions, err
}

func (r *GormSessionRepository) ListOwners(ctx context.Context) ([]string, error) {
	var owners []string
	err := r.db.WithContext(ctx).
		Model(&domain.WaSession{}).
		Distinct("owner_id").
		Order("owner_id").
		Pluck("owner_id", &owners).Error
	return owners, err
}

func (r *GormSessionRepository) Create(ctx context.Context, session *domain.WaSession) error {
	if session.ID == 0 {
		session.ID = common.UUIDint64()
	}
	return r.db.WithContext(ctx).Create(session).Error
}

func (r *GormSessionRepository) UpdateStatus(ctx context.Context, id int64, status domain.SessionStatus) error {
	return r.db.WithContext(ctx).
		Model(&domain.WaSession{}).
		Where("id = ? AND status <> ?", id, status).
		Updates(map[string]interface{}{
			"status":     status,
			"updated_at": time.Now(),
		}).Error
}

func (r *GormSessionRepository) Delete(ctx context.Context, ownerID string, id int64) error {
	res := r.db.WithContext(ctx).
		Where("owner_id = ? AND id = ?", ownerID, id).
		Delete(&domain.WaSession{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *GormSessionRepository) GetGatewayConfig(ctx context.Context, ownerID string) (*domain.GatewayConfig, error) {
	var cfg domain.GatewayConfig
	err := r.db.WithContext(ctx).Where("owner_id = ?", ownerID).First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (r *GormSessionRepository) SaveGatewayConfig(ctx context.Context, cfg *domain.GatewayConfig) error {
	cfg.UpdatedAt = time.Now()
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"api_url", "api_key", "webhook_url", "updated_at"}),
	}).Create(cfg).Error
}
