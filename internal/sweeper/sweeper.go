// Package sweeper периодически находит подписки, истекшие с прошлого прохода.
// Доступ и так проверяется лениво по дате окончания, проход только сбрасывает
// кэш аккаунтов и отдаёт метрику.
package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/Dhoini/travel-entitlements/internal/domain"
	"github.com/Dhoini/travel-entitlements/internal/metrics"
	"github.com/Dhoini/travel-entitlements/pkg/logger"
	"github.com/robfig/cron/v3"
)

// ExpiredLister источник истекших аккаунтов
type ExpiredLister interface {
	ListExpiredBetween(ctx context.Context, from, to time.Time) ([]domain.Account, error)
}

// Invalidator сбрасывает закэшированные снимки аккаунтов
type Invalidator interface {
	Invalidate(ctx context.Context, ids ...int64) error
}

// Sweeper задача cron по поиску истекших подписок
type Sweeper struct {
	store   ExpiredLister
	cache   Invalidator
	metrics metrics.EntitlementMetrics
	log     *logger.Logger
	now     func() time.Time

	mu      sync.Mutex
	lastRun time.Time
}

// New создает задачу. cache может быть nil.
func New(store ExpiredLister, cache Invalidator, m metrics.EntitlementMetrics, log *logger.Logger, now func() time.Time) *Sweeper {
	if now == nil {
		now = time.Now
	}
	return &Sweeper{
		store:   store,
		cache:   cache,
		metrics: m,
		log:     log.Named("sweeper"),
		now:     now,
		lastRun: now().UTC(),
	}
}

// Sweep обрабатывает интервал (lastRun, now]. Возвращает число истекших аккаунтов.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	to := s.now().UTC()
	expired, err := s.store.ListExpiredBetween(ctx, s.lastRun, to)
	if err != nil {
		return 0, err
	}

	if len(expired) > 0 && s.cache != nil {
		ids := make([]int64, len(expired))
		for i, acc := range expired {
			ids[i] = acc.ID
		}
		if err := s.cache.Invalidate(ctx, ids...); err != nil {
			s.log.Warnw("Failed to invalidate expired accounts", "error", err, "count", len(ids))
		}
	}

	for _, acc := range expired {
		s.log.Infow("Subscription expired", "accountID", acc.ID, "subscriptionEnd", acc.SubscriptionEnd)
	}
	s.metrics.AddExpiredSwept(len(expired))
	s.lastRun = to
	return len(expired), nil
}

// Run запускает задачу по расписанию cron и блокируется до отмены ctx
func (s *Sweeper) Run(ctx context.Context, schedule string) error {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.log.Errorw("Expiry sweep failed", "error", err)
		}
	}); err != nil {
		return err
	}

	c.Start()
	s.log.Infow("Expiry sweeper started", "schedule", schedule)

	<-ctx.Done()
	<-c.Stop().Done()
	s.log.Infow("Expiry sweeper stopped")
	return nil
}
