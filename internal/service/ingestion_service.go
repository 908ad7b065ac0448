package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/datahub/postoffice/internal/domain"
	"github.com/datahub/postoffice/internal/repository"
)

// IngestionHooks carries the metric callbacks injected by main.
type IngestionHooks struct {
	OnIngested func(origin domain.Origin, count int)
	OnRejected func(reason string)
}

// IngestionService accepts data-available notifications from the inbound
// queue and the HTTP endpoint. It is the only writer of new notifications.
type IngestionService struct {
	repo       repository.NotificationRepository
	logger     *zap.Logger
	onIngested func(domain.Origin, int)
	onRejected func(string)
}

func NewIngestionService(repo repository.NotificationRepository, logger *zap.Logger, hooks IngestionHooks) *IngestionService {
	s := &IngestionService{
		repo:       repo,
		logger:     logger,
		onIngested: hooks.OnIngested,
		onRejected: hooks.OnRejected,
	}
	if s.onIngested == nil {
		s.onIngested = func(domain.Origin, int) {}
	}
	if s.onRejected == nil {
		s.onRejected = func(string) {}
	}
	return s
}

// AddNotifications validates and persists a batch addressed to a single
// recipient, in order. Ids that were stored before are skipped.
func (s *IngestionService) AddNotifications(ctx context.Context, notifications []*domain.Notification) error {
	if err := domain.ValidateBatch(notifications); err != nil {
		s.onRejected("validation")
		return err
	}

	if err := s.repo.AddNotifications(ctx, notifications); err != nil {
		return fmt.Errorf("persist notifications: %w", err)
	}

	perOrigin := make(map[domain.Origin]int)
	for _, n := range notifications {
		perOrigin[n.Origin]++
	}
	for origin, count := range perOrigin {
		s.onIngested(origin, count)
	}

	s.logger.Debug("notifications stored",
		zap.String("recipient", notifications[0].Recipient),
		zap.Int("count", len(notifications)),
	)
	return nil
}

// AddRequests accepts an HTTP batch that may address several recipients.
// Every item is validated before anything is stored; items are then
// persisted per recipient in their original relative order.
func (s *IngestionService) AddRequests(ctx context.Context, reqs []domain.DataAvailableRequest) (int, error) {
	if len(reqs) == 0 {
		s.onRejected("validation")
		return 0, fmt.Errorf("%w: batch must contain at least one notification", domain.ErrValidation)
	}

	var recipients []string
	groups := make(map[string][]*domain.Notification)
	for i, req := range reqs {
		n := req.ToNotification()
		if err := n.Validate(); err != nil {
			s.onRejected("validation")
			return 0, fmt.Errorf("item %d: %w", i, err)
		}
		if _, seen := groups[n.Recipient]; !seen {
			recipients = append(recipients, n.Recipient)
		}
		groups[n.Recipient] = append(groups[n.Recipient], n)
	}

	for _, recipient := range recipients {
		if err := s.AddNotifications(ctx, groups[recipient]); err != nil {
			return 0, err
		}
	}
	return len(reqs), nil
}
