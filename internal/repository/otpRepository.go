package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/stream254/throttle/internal/models"
	"github.com/stream254/throttle/internal/storage"
	"gorm.io/gorm"
)

type OTPRepository struct {
	db *storage.Database
}

func NewOTPRepository(db *storage.Database) *OTPRepository {
	return &OTPRepository{db: db}
}

func (r *OTPRepository) Create(ctx context.Context, code *models.OTPCode) error {
	return r.db.DB.WithContext(ctx).Create(code).Error
}

// Retrieves the newest unconsumed code that has not expired
func (r *OTPRepository) FindLatestValid(ctx context.Context, email string, now time.Time) (*models.OTPCode, error) {
	var code models.OTPCode
	err := r.db.DB.WithContext(ctx).
		Where("email = ? AND consumed_at IS NULL AND expires_at > ?", email, now).
		Order("created_at DESC").
		First(&code).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	return &code, err
}

// Marks a code consumed; returns false if another request consumed it first
func (r *OTPRepository) Consume(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	result := r.db.DB.WithContext(ctx).
		Model(&models.OTPCode{}).
		Where("id = ? AND consumed_at IS NULL", id).
		Update("consumed_at", now)

	return result.RowsAffected == 1, result.Error
}

// Deletes codes that expired before the specified time
func (r *OTPRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.DB.WithContext(ctx).
		Where("expires_at < ?", before).
		Delete(&models.OTPCode{})

	return result.RowsAffected, result.Error
}
