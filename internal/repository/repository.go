package repository

import (
	"context"
	"time"

	"github.com/Dhoini/travel-entitlements/internal/domain"
)

// AccountReader чтение аккаунтов вне транзакции
type AccountReader interface {
	GetAccount(ctx context.Context, id int64) (*domain.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*domain.Account, error)
}

// Store долговременное хранилище аккаунтов, журнала использования и платёжных событий.
type Store interface {
	AccountReader

	// AppendUsage пишет запись аудита вне транзакции (анонимные вызовы).
	AppendUsage(ctx context.Context, rec *domain.UsageRecord) error

	// ListExpiredBetween аккаунты, у которых subscription_end попал в (from, to].
	ListExpiredBetween(ctx context.Context, from, to time.Time) ([]domain.Account, error)

	// WithinTx выполняет fn в одной транзакции. Ошибка fn откатывает всё.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	Migrate(ctx context.Context) error
}

// Tx операции внутри одной единицы работы. Чтение "ForUpdate" блокирует строку
// аккаунта до конца транзакции.
type Tx interface {
	GetAccountForUpdate(ctx context.Context, id int64) (*domain.Account, error)
	GetAccountByEmailForUpdate(ctx context.Context, email string) (*domain.Account, error)

	// InsertAccount возвращает false, если аккаунт с таким email уже есть.
	InsertAccount(ctx context.Context, acc *domain.Account) (bool, error)
	UpdateSubscription(ctx context.Context, acc *domain.Account) error

	// ConsumeFreeUse уменьшает free_uses_remaining, только если он больше нуля.
	ConsumeFreeUse(ctx context.Context, accountID int64) (bool, error)
	AppendUsage(ctx context.Context, rec *domain.UsageRecord) error

	BillingEventExists(ctx context.Context, providerSubscriptionID, idempotencyKey string) (bool, error)
	// InsertBillingEvent возвращает ConflictError при повторном ключе идемпотентности.
	InsertBillingEvent(ctx context.Context, ev *domain.BillingEvent) error
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
	_ Tx    = (*postgresTx)(nil)
	_ Tx    = (*memoryTx)(nil)

	_ AccountReader = (*CachedAccountReader)(nil)
)
