package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type NewsletterSubscriber struct {
	ID        uuid.UUID `gorm:"type:uuid;primary_key" json:"id"`
	Email     string    `gorm:"size:320;uniqueIndex;not null" json:"email"`
	Source    string    `gorm:"size:64" json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *NewsletterSubscriber) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

func (NewsletterSubscriber) TableName() string {
	return "newsletter_subscribers"
}
