package repository

import (
	"context"

	"github.com/stream254/throttle/internal/models"
	"github.com/stream254/throttle/internal/storage"
)

type AuditLogRepository struct {
	db *storage.Database
}

func NewAuditLogRepository(db *storage.Database) *AuditLogRepository {
	return &AuditLogRepository{db: db}
}

// Inserts multiple audit entries in one statement
func (r *AuditLogRepository) CreateBatch(ctx context.Context, logs []models.AuditLog) error {
	if len(logs) == 0 {
		return nil
	}

	return r.db.DB.WithContext(ctx).Create(&logs).Error
}

// Counts entries of one event type, used by operators and tests
func (r *AuditLogRepository) CountByEventType(ctx context.Context, eventType string) (int64, error) {
	var count int64
	err := r.db.DB.WithContext(ctx).
		Model(&models.AuditLog{}).
		Where("event_type = ?", eventType).
		Count(&count).Error

	return count, err
}
