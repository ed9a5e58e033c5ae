package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stream254/throttle/internal/audit"
	"github.com/stream254/throttle/internal/models"
	"github.com/stream254/throttle/internal/ratelimit"
	"github.com/stream254/throttle/internal/repository"
	"go.uber.org/zap"
)

type NewsletterPolicies struct {
	Email ratelimit.Policy
	IP    ratelimit.Policy
}

type NewsletterService struct {
	throttle    Throttler
	subscribers *repository.SubscriberRepository
	auditor     Auditor
	logger      *zap.Logger
	policies    NewsletterPolicies
	now         func() time.Time
}

func NewNewsletterService(throttle Throttler, subscribers *repository.SubscriberRepository, auditor Auditor, logger *zap.Logger, policies NewsletterPolicies) *NewsletterService {
	return &NewsletterService{
		throttle:    throttle,
		subscribers: subscribers,
		auditor:     auditor,
		logger:      logger,
		policies:    policies,
		now:         time.Now,
	}
}

// Subscribes email to the newsletter. Subscribing twice is not an error;
// created reports whether a new subscriber was stored.
func (s *NewsletterService) Subscribe(ctx context.Context, email, source string, meta RequestMeta) (created bool, result ratelimit.Result, err error) {
	email, err = normalizeEmail(email)
	if err != nil {
		return false, ratelimit.Result{}, err
	}

	result, err = checkPolicy(ctx, s.throttle, "subscribe:"+email, s.policies.Email)
	if err != nil {
		return false, result, err
	}

	if meta.IPAddress != "" {
		ipResult, err := checkPolicy(ctx, s.throttle, "subscribe:ip:"+meta.IPAddress, s.policies.IP)
		if err != nil {
			return false, ipResult, err
		}
		result = tighter(result, ipResult)
	}

	source = strings.TrimSpace(source)
	if source == "" {
		source = "web"
	}

	created, err = s.subscribers.CreateIfNotExists(ctx, &models.NewsletterSubscriber{
		Email:  email,
		Source: source,
	})
	if err != nil {
		return false, result, fmt.Errorf("failed to store subscriber: %w", err)
	}

	if created {
		s.logger.Info("newsletter subscriber added", zap.String("source", source))
		s.auditor.Log(audit.Entry{
			EventType: audit.EventNewsletterSubscribe,
			IPAddress: meta.IPAddress,
			UserAgent: meta.UserAgent,
			Metadata:  map[string]any{"email": email, "source": source},
			CreatedAt: s.now(),
		})
	}

	return created, result, nil
}
