package repository

import (
	"context"
	"errors"

	"github.com/stream254/throttle/internal/models"
	"github.com/stream254/throttle/internal/storage"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SubscriberRepository struct {
	db *storage.Database
}

func NewSubscriberRepository(db *storage.Database) *SubscriberRepository {
	return &SubscriberRepository{db: db}
}

// Inserts the subscriber unless the email is already subscribed.
// Returns true when a new row was written.
func (r *SubscriberRepository) CreateIfNotExists(ctx context.Context, sub *models.NewsletterSubscriber) (bool, error) {
	result := r.db.DB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "email"}},
			DoNothing: true,
		}).
		Create(sub)

	return result.RowsAffected == 1, result.Error
}

func (r *SubscriberRepository) FindByEmail(ctx context.Context, email string) (*models.NewsletterSubscriber, error) {
	var sub models.NewsletterSubscriber
	err := r.db.DB.WithContext(ctx).
		Where("email = ?", email).
		First(&sub).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	return &sub, err
}
