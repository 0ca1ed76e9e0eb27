package service

import (
	"context"
	"errors"
	"time"

	"github.com/Dhoini/travel-entitlements/internal/domain"
	"github.com/Dhoini/travel-entitlements/internal/repository"
	"github.com/Dhoini/travel-entitlements/pkg/logger"
)

// deactivationEpsilon насколько subscription_end сдвигается в прошлое при деактивации
const deactivationEpsilon = time.Second

// CacheInvalidator сбрасывает закэшированные снимки аккаунтов
type CacheInvalidator interface {
	Invalidate(ctx context.Context, ids ...int64) error
}

// SubscriptionService интерфейс хранилища состояния подписок
type SubscriptionService interface {
	// IsEntitled true, если подписка аккаунта действует сейчас
	IsEntitled(ctx context.Context, accountID int64) (bool, error)
	// Status производный статус подписки и снимок аккаунта
	Status(ctx context.Context, accountID int64) (domain.SubscriptionStatus, *domain.Account, error)
	// Activate продлевает подписку, но никогда не сокращает её
	Activate(ctx context.Context, accountID int64, durationDays int, providerSubscriptionID string) (*domain.Account, error)
	// Deactivate немедленно завершает подписку
	Deactivate(ctx context.Context, accountID int64, reason domain.DeactivationReason) (*domain.Account, error)
}

type subscriptionService struct {
	store  repository.Store
	reader repository.AccountReader
	cache  CacheInvalidator
	log    *logger.Logger
	now    func() time.Time
}

// NewSubscriptionService создает сервис подписок. reader может быть кэширующим,
// cache может быть nil.
func NewSubscriptionService(
	store repository.Store,
	reader repository.AccountReader,
	cache CacheInvalidator,
	log *logger.Logger,
	now func() time.Time,
) SubscriptionService {
	if reader == nil {
		reader = store
	}
	if now == nil {
		now = time.Now
	}
	return &subscriptionService{store: store, reader: reader, cache: cache, log: log, now: now}
}

func (s *subscriptionService) IsEntitled(ctx context.Context, accountID int64) (bool, error) {
	acc, err := s.reader.GetAccount(ctx, accountID)
	if err != nil {
		return false, err
	}
	return acc.IsEntitled(s.now()), nil
}

func (s *subscriptionService) Status(ctx context.Context, accountID int64) (domain.SubscriptionStatus, *domain.Account, error) {
	acc, err := s.reader.GetAccount(ctx, accountID)
	if err != nil {
		return domain.SubscriptionStatusNone, nil, err
	}
	return acc.Status(s.now()), acc, nil
}

func (s *subscriptionService) Activate(ctx context.Context, accountID int64, durationDays int, providerSubscriptionID string) (*domain.Account, error) {
	if durationDays <= 0 {
		return nil, domain.ValidationErrors{{Field: "duration_days", Message: "must be positive"}}
	}

	var acc *domain.Account
	err := s.store.WithinTx(ctx, func(tx repository.Tx) error {
		var err error
		if acc, err = tx.GetAccountForUpdate(ctx, accountID); err != nil {
			return err
		}
		ActivateAccount(acc, s.now(), durationDays, providerSubscriptionID)
		return tx.UpdateSubscription(ctx, acc)
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, accountID)
	s.log.Infow("Subscription activated", "accountID", accountID, "subscriptionEnd", acc.SubscriptionEnd)
	return acc, nil
}

func (s *subscriptionService) Deactivate(ctx context.Context, accountID int64, reason domain.DeactivationReason) (*domain.Account, error) {
	if !reason.Valid() {
		return nil, domain.ValidationErrors{{Field: "reason", Message: "unsupported deactivation reason"}}
	}

	var acc *domain.Account
	err := s.store.WithinTx(ctx, func(tx repository.Tx) error {
		var err error
		if acc, err = tx.GetAccountForUpdate(ctx, accountID); err != nil {
			return err
		}
		DeactivateAccount(acc, s.now(), reason)
		return tx.UpdateSubscription(ctx, acc)
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, accountID)
	s.log.Infow("Subscription deactivated", "accountID", accountID, "reason", reason)
	return acc, nil
}

func (s *subscriptionService) invalidate(ctx context.Context, ids ...int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, ids...); err != nil {
		s.log.Warnw("Failed to invalidate account cache", "error", err, "accountIDs", ids)
	}
}

// ActivateAccount применяет активацию к снимку аккаунта.
// subscription_end = max(текущий конец, now + durationDays): активация только продлевает.
func ActivateAccount(acc *domain.Account, now time.Time, durationDays int, providerSubscriptionID string) {
	now = now.UTC()
	end := now.AddDate(0, 0, durationDays)
	if acc.SubscriptionEnd != nil && acc.SubscriptionEnd.After(end) {
		end = *acc.SubscriptionEnd
	}

	if acc.SubscriptionStart == nil || !acc.IsEntitled(now) {
		start := now
		acc.SubscriptionStart = &start
	}
	acc.SubscriptionEnd = &end
	acc.Canceled = false
	acc.DeactivationReason = ""
	acc.FreeUsesRemaining = 0
	if providerSubscriptionID != "" {
		acc.ProviderSubscriptionID = providerSubscriptionID
	}
}

// DeactivateAccount применяет деактивацию: подписка заканчивается чуть раньше now.
// Уже истёкший ранее срок не переносится.
func DeactivateAccount(acc *domain.Account, now time.Time, reason domain.DeactivationReason) {
	end := now.UTC().Add(-deactivationEpsilon)
	if acc.SubscriptionEnd == nil || acc.SubscriptionEnd.After(end) {
		acc.SubscriptionEnd = &end
	}
	acc.Canceled = true
	acc.DeactivationReason = reason
	if reason == domain.ReasonChargeback || reason == domain.ReasonRefund {
		acc.NeedsReview = true
	}
}

// IsStaleActivation true, если оплата по подписке, уже отозванной возвратом
// или чарджбэком, произошла раньше этой деактивации и пришла не по порядку.
// Отмена и неудачный платёж повторную покупку не блокируют, новая подписка
// (другой provider_subscription_id) всегда активирует.
func IsStaleActivation(acc *domain.Account, providerSubscriptionID string, effective *time.Time) bool {
	if acc == nil || effective == nil || !acc.Canceled || acc.SubscriptionEnd == nil {
		return false
	}
	if acc.DeactivationReason != domain.ReasonRefund && acc.DeactivationReason != domain.ReasonChargeback {
		return false
	}
	if providerSubscriptionID == "" || providerSubscriptionID != acc.ProviderSubscriptionID {
		return false
	}
	return effective.Before(*acc.SubscriptionEnd)
}

// ResolveOrCreateAccount ищет аккаунт по email с блокировкой строки и создаёт
// его, если email неизвестен. Созданный аккаунт без пароля и ждёт завершения регистрации.
func ResolveOrCreateAccount(ctx context.Context, tx repository.Tx, email string) (domain.ResolveResult, error) {
	acc, err := tx.GetAccountByEmailForUpdate(ctx, email)
	if err == nil {
		return domain.ResolveResult{Account: acc, Outcome: domain.ResolvedExisting}, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.ResolveResult{}, err
	}

	acc = &domain.Account{
		Email:             email,
		PendingCompletion: true,
		FreeUsesRemaining: domain.DefaultFreeUses,
	}
	created, err := tx.InsertAccount(ctx, acc)
	if err != nil {
		return domain.ResolveResult{}, err
	}
	if created {
		return domain.ResolveResult{Account: acc, Outcome: domain.ResolvedCreated}, nil
	}

	// конкурентная транзакция успела создать аккаунт, перечитываем под блокировкой
	acc, err = tx.GetAccountByEmailForUpdate(ctx, email)
	if err != nil {
		return domain.ResolveResult{}, err
	}
	return domain.ResolveResult{Account: acc, Outcome: domain.ResolvedExisting}, nil
}
