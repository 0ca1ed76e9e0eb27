package service

import (
	"context"
	"time"

	"github.com/Dhoini/travel-entitlements/internal/domain"
	"github.com/Dhoini/travel-entitlements/internal/metrics"
	"github.com/Dhoini/travel-entitlements/internal/repository"
	"github.com/Dhoini/travel-entitlements/internal/usage"
	"github.com/Dhoini/travel-entitlements/pkg/logger"
)

// AccessGate единственная точка входа для платных функций
type AccessGate interface {
	// CheckAccess решает, может ли identity использовать feature. account nil для анонимов.
	// Каждое решение записывается в журнал до возврата. Ошибка означает, что
	// решение принять или записать не удалось.
	CheckAccess(ctx context.Context, feature string, identity domain.Identity, account *domain.Account) (domain.Decision, error)
	// Usage остаток бесплатных использований и состояние подписки для identity
	Usage(ctx context.Context, identity domain.Identity, account *domain.Account) UsageStatus
}

// UsageStatus ответ /api/check_usage
type UsageStatus struct {
	UsesRemaining      int                        `json:"uses_remaining"`
	RequiresLogin      bool                       `json:"requires_login"`
	SubscriptionActive *bool                      `json:"subscription_active,omitempty"`
	SubscriptionStatus *domain.SubscriptionStatus `json:"subscription_status,omitempty"`
}

type accessGate struct {
	store   repository.Store
	counter *usage.Counter
	cache   CacheInvalidator
	metrics metrics.EntitlementMetrics
	log     *logger.Logger
	now     func() time.Time
}

// NewAccessGate создает шлюз доступа. cache может быть nil.
func NewAccessGate(
	store repository.Store,
	counter *usage.Counter,
	cache CacheInvalidator,
	m metrics.EntitlementMetrics,
	log *logger.Logger,
	now func() time.Time,
) AccessGate {
	if now == nil {
		now = time.Now
	}
	return &accessGate{store: store, counter: counter, cache: cache, metrics: m, log: log.Named("gate"), now: now}
}

func (g *accessGate) CheckAccess(ctx context.Context, feature string, identity domain.Identity, account *domain.Account) (domain.Decision, error) {
	if account != nil {
		id := account.ID
		identity.AccountID = &id
	}

	var (
		decision domain.Decision
		err      error
	)
	switch {
	case account != nil && account.IsEntitled(g.now()):
		decision = domain.Allow(domain.SourceSubscription)
		err = g.store.AppendUsage(ctx, g.record(feature, identity, decision))
	case account != nil:
		decision, err = g.checkAccount(ctx, feature, identity)
	default:
		decision, err = g.checkAnonymous(ctx, feature, identity)
	}

	if err != nil {
		g.metrics.IncAuditFailure(feature)
		g.log.Errorw("Access decision failed", "feature", feature, "identity", identity.Key(), "error", err)
		g.recordError(feature, identity, err)
		return domain.Decision{}, err
	}

	g.metrics.ObserveDecision(feature, decision)
	g.log.Debugw("Access decision", "feature", feature, "identity", identity.Key(),
		"allowed", decision.Allowed, "source", decision.Source, "reason", decision.Reason)
	return decision, nil
}

// checkAccount перечитывает аккаунт под блокировкой: снимок мог устареть,
// а списание и запись аудита должны попасть в одну транзакцию.
func (g *accessGate) checkAccount(ctx context.Context, feature string, identity domain.Identity) (domain.Decision, error) {
	var (
		decision domain.Decision
		consumed bool
	)
	err := g.store.WithinTx(ctx, func(tx repository.Tx) error {
		consumed = false
		fresh, err := tx.GetAccountForUpdate(ctx, *identity.AccountID)
		if err != nil {
			return err
		}

		if fresh.IsEntitled(g.now()) {
			decision = domain.Allow(domain.SourceSubscription)
		} else {
			ok, err := g.counter.ConsumeFreeUse(ctx, identity, tx)
			if err != nil {
				return err
			}
			if ok {
				consumed = true
				decision = domain.Allow(domain.SourceFreeTrial)
			} else {
				decision = domain.Deny(domain.DenySubscriptionRequired)
			}
		}
		return tx.AppendUsage(ctx, g.record(feature, identity, decision))
	})
	if err == nil && consumed {
		g.invalidate(ctx, *identity.AccountID)
	}
	return decision, err
}

// invalidate сбрасывает снимок аккаунта, в кэше остался старый free_uses_remaining
func (g *accessGate) invalidate(ctx context.Context, accountID int64) {
	if g.cache == nil {
		return
	}
	if err := g.cache.Invalidate(ctx, accountID); err != nil {
		g.log.Warnw("Failed to invalidate account cache", "error", err, "accountID", accountID)
	}
}

func (g *accessGate) checkAnonymous(ctx context.Context, feature string, identity domain.Identity) (domain.Decision, error) {
	decision := domain.Deny(domain.DenyLoginRequired)
	ok, err := g.counter.ConsumeFreeUse(ctx, identity, nil)
	if err != nil {
		return domain.Decision{}, err
	}
	if ok {
		decision = domain.Allow(domain.SourceFreeTrial)
	}
	if err := g.store.AppendUsage(ctx, g.record(feature, identity, decision)); err != nil {
		// без записи в журнал использование не засчитывается
		if ok {
			g.counter.Refund(identity)
		}
		return domain.Decision{}, err
	}
	return decision, nil
}

func (g *accessGate) record(feature string, identity domain.Identity, d domain.Decision) *domain.UsageRecord {
	rec := &domain.UsageRecord{
		AccountID:   identity.AccountID,
		IdentityKey: identity.Key(),
		Feature:     feature,
		Outcome:     domain.UsageDenied,
		Reason:      string(d.Reason),
		CreatedAt:   g.now().UTC(),
	}
	if d.Allowed {
		rec.Outcome = domain.UsageGranted
		rec.Reason = string(d.Source)
	}
	return rec
}

// recordError пытается оставить след о неудачном решении. Ошибка только логируется.
func (g *accessGate) recordError(feature string, identity domain.Identity, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	rec := &domain.UsageRecord{
		AccountID:   identity.AccountID,
		IdentityKey: identity.Key(),
		Feature:     feature,
		Outcome:     domain.UsageError,
		Reason:      truncate(cause.Error(), 200),
		CreatedAt:   g.now().UTC(),
	}
	if err := g.store.AppendUsage(ctx, rec); err != nil {
		g.log.Warnw("Failed to record errored access decision", "feature", feature, "error", err)
	}
}

func (g *accessGate) Usage(_ context.Context, identity domain.Identity, account *domain.Account) UsageStatus {
	if account == nil {
		left := g.counter.Remaining(identity, nil)
		return UsageStatus{UsesRemaining: left, RequiresLogin: left == 0}
	}

	id := account.ID
	identity.AccountID = &id
	now := g.now()
	active := account.IsEntitled(now)
	status := account.Status(now)
	return UsageStatus{
		UsesRemaining:      g.counter.Remaining(identity, account),
		RequiresLogin:      false,
		SubscriptionActive: &active,
		SubscriptionStatus: &status,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
