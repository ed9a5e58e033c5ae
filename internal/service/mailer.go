package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Delivers one-time codes. Delivery itself belongs to the mail provider.
type Mailer interface {
	SendOTP(ctx context.Context, email, code string, expiresAt time.Time) error
}

// Writes codes to the log instead of sending them. For local development.
type LogMailer struct {
	logger *zap.Logger
}

func NewLogMailer(logger *zap.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

func (m *LogMailer) SendOTP(ctx context.Context, email, code string, expiresAt time.Time) error {
	m.logger.Info("one-time code issued",
		zap.String("email", email),
		zap.String("code", code),
		zap.Time("expires_at", expiresAt))
	return nil
}
