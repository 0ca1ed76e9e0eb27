package service

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Dhoini/travel-entitlements/internal/domain"
	"github.com/Dhoini/travel-entitlements/internal/metrics"
	"github.com/Dhoini/travel-entitlements/internal/repository"
	"github.com/Dhoini/travel-entitlements/internal/webhook"
	"github.com/Dhoini/travel-entitlements/pkg/logger"
	"github.com/google/uuid"
)

// Notifier принимает уведомления и запросы напоминаний. Вызовы не блокируются
// и не сообщают о результате доставки.
type Notifier interface {
	Dispatch(n *domain.Notification)
	RequestReminder(r *domain.Reminder)
}

// WebhookService интерфейс обработчика платёжных вебхуков
type WebhookService interface {
	// ProcessWebhook проверяет, разбирает и применяет доставку вебхука.
	// Повторная доставка возвращает результат с Duplicate и ConflictError.
	ProcessWebhook(ctx context.Context, provider string, rawBody []byte, headers http.Header) (*ProcessResult, error)
}

// WebhookOptions параметры обработки платёжных событий
type WebhookOptions struct {
	SubscriptionDays int
	ReminderLeadDays int
}

// ProcessResult итог обработки одной доставки
type ProcessResult struct {
	Kind           domain.EventKind
	Schema         string
	Outcome        domain.BillingEventOutcome
	AccountID      *int64
	Resolved       *domain.ResolveOutcome
	Duplicate      bool
	Ignored        bool
	BillingEventID int64
}

type webhookService struct {
	verifiers *webhook.Registry
	decoder   *webhook.Decoder
	store     repository.Store
	cache     CacheInvalidator
	notifier  Notifier
	metrics   metrics.EntitlementMetrics
	opts      WebhookOptions
	log       *logger.Logger
	now       func() time.Time
}

// NewWebhookService создает обработчик вебхуков. cache может быть nil.
func NewWebhookService(
	verifiers *webhook.Registry,
	decoder *webhook.Decoder,
	store repository.Store,
	cache CacheInvalidator,
	notifier Notifier,
	m metrics.EntitlementMetrics,
	opts WebhookOptions,
	log *logger.Logger,
	now func() time.Time,
) WebhookService {
	if now == nil {
		now = time.Now
	}
	if decoder == nil {
		decoder = webhook.NewDecoder()
	}
	return &webhookService{
		verifiers: verifiers,
		decoder:   decoder,
		store:     store,
		cache:     cache,
		notifier:  notifier,
		metrics:   m,
		opts:      opts,
		log:       log.Named("webhook"),
		now:       now,
	}
}

func (s *webhookService) ProcessWebhook(ctx context.Context, provider string, rawBody []byte, headers http.Header) (*ProcessResult, error) {
	start := time.Now()
	defer func() { s.metrics.ObserveWebhookDuration(provider, time.Since(start)) }()

	// 1. Подлинность проверяется до любого разбора
	if err := s.verifiers.Verify(provider, rawBody, headers); err != nil {
		s.metrics.IncVerificationFailure(provider)
		s.metrics.IncWebhook(provider, domain.EventUnknown, metrics.WebhookRejected)
		s.log.Warnw("Webhook verification failed", "provider", provider, "error", err, "bodyBytes", len(rawBody))
		return nil, err
	}

	// 2. Нормализация payload
	ev, err := s.decoder.Decode(provider, rawBody)
	if err != nil {
		s.metrics.IncWebhook(provider, domain.EventUnknown, metrics.WebhookInvalid)
		s.log.Warnw("Rejected malformed webhook payload", "provider", provider, "error", err)
		return nil, err
	}

	result := &ProcessResult{Kind: ev.Kind, Schema: ev.Schema}
	log := s.log.With("provider", provider, "event", ev.Name, "kind", ev.Kind, "idempotencyKey", ev.IdempotencyKey)

	if ev.Kind == domain.EventUnknown {
		result.Ignored = true
		result.Outcome = domain.OutcomeNoop
		s.metrics.IncWebhook(provider, ev.Kind, metrics.WebhookIgnored)
		log.Infow("Acknowledged unsupported webhook event", "schema", ev.Schema)
		return result, nil
	}

	// 3-6. Идемпотентность, переход состояния и запись события в одной транзакции
	var account *domain.Account
	err = s.store.WithinTx(ctx, func(tx repository.Tx) error {
		exists, err := tx.BillingEventExists(ctx, ev.ProviderSubscriptionID, ev.IdempotencyKey)
		if err != nil {
			return err
		}
		if exists {
			return domain.NewConflictError("billing_event", ev.IdempotencyKey)
		}

		account, result.Outcome, err = s.apply(ctx, tx, ev, result)
		if err != nil {
			return err
		}

		var accountID *int64
		if account != nil {
			id := account.ID
			accountID = &id
		}
		be := ev.ToBillingEvent(accountID, result.Outcome)
		if err := tx.InsertBillingEvent(ctx, be); err != nil {
			return err
		}
		result.AccountID = accountID
		result.BillingEventID = be.ID
		return nil
	})

	switch {
	case errors.Is(err, domain.ErrDuplicate):
		result.Duplicate = true
		result.Outcome = domain.OutcomeNoop
		result.AccountID = nil
		result.Resolved = nil
		s.metrics.IncWebhook(provider, ev.Kind, metrics.WebhookDuplicate)
		log.Infow("Duplicate webhook delivery acknowledged without reapplying")
		return result, err
	case err != nil:
		s.metrics.IncWebhook(provider, ev.Kind, metrics.WebhookFailed)
		log.Errorw("Failed to persist webhook transition", "error", err)
		return nil, domain.NewStorageError("process webhook", err)
	}

	s.metrics.IncWebhook(provider, ev.Kind, metrics.WebhookApplied)
	log.Infow("Webhook processed", "outcome", result.Outcome, "accountID", result.AccountID)

	// Побочные эффекты только после фиксации и только один раз на событие
	s.afterCommit(ctx, ev, account, result)
	return result, nil
}

// apply выполняет переход состояния из таблицы событий
func (s *webhookService) apply(ctx context.Context, tx repository.Tx, ev *domain.ProviderEvent, result *ProcessResult) (*domain.Account, domain.BillingEventOutcome, error) {
	now := s.now()

	switch {
	case ev.Kind.IsActivation():
		res, err := ResolveOrCreateAccount(ctx, tx, ev.Email)
		if err != nil {
			return nil, "", err
		}
		outcome := res.Outcome
		result.Resolved = &outcome

		acc := res.Account
		if IsStaleActivation(acc, ev.ProviderSubscriptionID, ev.EffectiveDate) {
			return acc, domain.OutcomeNoop, nil
		}
		ActivateAccount(acc, now, s.opts.SubscriptionDays, ev.ProviderSubscriptionID)
		if err := tx.UpdateSubscription(ctx, acc); err != nil {
			return nil, "", err
		}
		return acc, domain.OutcomeActivated, nil

	case ev.Kind.IsDeactivation():
		acc, err := tx.GetAccountByEmailForUpdate(ctx, ev.Email)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.OutcomeAccountMissing, nil
		}
		if err != nil {
			return nil, "", err
		}
		DeactivateAccount(acc, now, ev.Kind.DeactivationReason())
		if err := tx.UpdateSubscription(ctx, acc); err != nil {
			return nil, "", err
		}
		return acc, domain.OutcomeDeactivated, nil

	case ev.Kind == domain.EventCartAbandoned:
		acc, err := tx.GetAccountByEmailForUpdate(ctx, ev.Email)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, "", err
		}
		return acc, domain.OutcomeNoop, nil

	default:
		// payment_pending: явное состояние ожидания, ничего не меняем
		return nil, domain.OutcomeNoop, nil
	}
}

func (s *webhookService) afterCommit(ctx context.Context, ev *domain.ProviderEvent, acc *domain.Account, result *ProcessResult) {
	if acc != nil && s.cache != nil && result.Outcome != domain.OutcomeNoop {
		if err := s.cache.Invalidate(ctx, acc.ID); err != nil {
			s.log.Warnw("Failed to invalidate account cache", "error", err, "accountID", acc.ID)
		}
	}

	switch result.Outcome {
	case domain.OutcomeActivated:
		s.requestReminder(ev, acc)
	case domain.OutcomeDeactivated:
		s.notify(notificationKindFor(ev.Kind), ev, acc)
	case domain.OutcomeNoop:
		if ev.Kind == domain.EventCartAbandoned {
			s.notify(domain.NotificationAbandonedCart, ev, acc)
		}
	}
}

func notificationKindFor(kind domain.EventKind) domain.NotificationKind {
	switch kind {
	case domain.EventSubscriptionCanceled:
		return domain.NotificationSubscriptionCanceled
	case domain.EventRefunded, domain.EventChargeback:
		return domain.NotificationChargeback
	default:
		return domain.NotificationPaymentFailed
	}
}

func (s *webhookService) notify(kind domain.NotificationKind, ev *domain.ProviderEvent, acc *domain.Account) {
	var accountID *int64
	email := ev.Email
	if acc != nil {
		id := acc.ID
		accountID = &id
		email = acc.Email
	}
	n := domain.NewNotification(kind, email, accountID)
	n.ProviderSubscriptionID = ev.ProviderSubscriptionID
	n.Reason = ev.Kind.DeactivationReason()
	n.Detail = ev.Reason
	s.notifier.Dispatch(n)
}

// requestReminder просит внешний планировщик напомнить о продлении
// за ReminderLeadDays до следующего платежа
func (s *webhookService) requestReminder(ev *domain.ProviderEvent, acc *domain.Account) {
	if ev.NextPaymentDate == nil || acc == nil {
		return
	}
	sendAt := ev.NextPaymentDate.AddDate(0, 0, -s.opts.ReminderLeadDays)
	if !sendAt.After(s.now()) {
		s.log.Debugw("Reminder time already passed, skipping", "accountID", acc.ID, "sendAt", sendAt)
		return
	}
	s.notifier.RequestReminder(&domain.Reminder{
		ID:                     uuid.New(),
		Kind:                   domain.NotificationSubscriptionExpiring,
		AccountID:              acc.ID,
		Email:                  acc.Email,
		ProviderSubscriptionID: ev.ProviderSubscriptionID,
		NextPaymentDate:        *ev.NextPaymentDate,
		SendAt:                 sendAt,
	})
}
