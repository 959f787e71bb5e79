package service

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/Dhoini/checkout-engine/internal/domain"
	"github.com/Dhoini/checkout-engine/internal/repository"
	"github.com/Dhoini/checkout-engine/internal/subscription"
	"github.com/Dhoini/checkout-engine/pkg/logger"
)

// SubscriptionView подписка вместе с бонусным журналом и побочными эффектами
type SubscriptionView struct {
	Subscription domain.Subscription    `json:"subscription"`
	Ledger       []domain.LedgerEntry   `json:"ledger"`
	Outbox       []domain.OutboxMessage `json:"outbox"`
}

// AdminService административные операции над подписками
type AdminService struct {
	store        repository.Store
	transitioner *subscription.Transitioner
	log          *logger.Logger
}

// NewAdminService создает сервис
func NewAdminService(store repository.Store, transitioner *subscription.Transitioner, log *logger.Logger) *AdminService {
	return &AdminService{store: store, transitioner: transitioner, log: log}
}

// Get возвращает подписку с журналом начислений и строками outbox
func (s *AdminService) Get(ctx context.Context, subscriptionID uuid.UUID) (SubscriptionView, error) {
	s.log.Debug("Getting subscription by ID: %s", subscriptionID)

	sub, err := s.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return SubscriptionView{}, err
	}
	ledger, err := s.store.ListLedgerEntries(ctx, subscriptionID)
	if err != nil {
		return SubscriptionView{}, err
	}
	rows, err := s.store.ListOutbox(ctx, repository.OutboxFilter{SubscriptionID: &subscriptionID})
	if err != nil {
		return SubscriptionView{}, err
	}
	return SubscriptionView{Subscription: sub, Ledger: ledger, Outbox: rows}, nil
}

// Cancel административная отмена. Идет через таблицу переходов, поэтому
// отмена уже закрытой подписки дает ErrInvalidTransition.
func (s *AdminService) Cancel(ctx context.Context, subscriptionID uuid.UUID, reason string) (domain.Subscription, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "admin_cancel"
	}

	sub, t, err := s.transitioner.Transition(ctx, subscriptionID, subscription.Input{
		Event:  domain.EventAdminCancel,
		Reason: reason,
	})
	if err != nil {
		s.log.Warnw("Admin cancel failed", "subscription_id", subscriptionID, "error", err)
		return domain.Subscription{}, err
	}

	s.log.Infow("Subscription canceled by admin", "subscription_id", subscriptionID, "from", t.From, "reason", reason)
	return sub, nil
}
