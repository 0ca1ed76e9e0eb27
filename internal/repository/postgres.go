package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/travel-entitlements/internal/domain"
	"github.com/Dhoini/travel-entitlements/pkg/logger"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
)

// uniqueViolation код ошибки PostgreSQL для нарушения уникальности
const uniqueViolation = "23505"

const accountColumns = `id, email, password_hash, pending_completion, subscription_start, subscription_end,
       canceled, deactivation_reason, provider_subscription_id, free_uses_remaining, needs_review,
       last_login, created_at, updated_at`

// queryer общий интерфейс sqlx.DB и sqlx.Tx
type queryer interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error)
}

// PostgresStore реализует Store для PostgreSQL.
type PostgresStore struct {
	db  *sqlx.DB       // Подключение к БД через sqlx
	log *logger.Logger // Логгер
}

// NewPostgresStore создает новый экземпляр хранилища для PostgreSQL.
func NewPostgresStore(db *sqlx.DB, log *logger.Logger) *PostgresStore {
	return &PostgresStore{db: db, log: log}
}

// Migrate создает таблицы, если их ещё нет
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			s.log.Errorw("Failed to apply schema statement", "error", err, "index", i)
			return domain.NewStorageError("migrate", err)
		}
	}
	s.log.Infow("Database schema is up to date", "statements", len(schema))
	return nil
}

// GetAccount возвращает аккаунт по ID
func (s *PostgresStore) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	return getAccount(ctx, s.db, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
}

// GetAccountByEmail ищет аккаунт по email без учёта регистра
func (s *PostgresStore) GetAccountByEmail(ctx context.Context, email string) (*domain.Account, error) {
	return getAccount(ctx, s.db, `SELECT `+accountColumns+` FROM accounts WHERE email = $1`, domain.NormalizeEmail(email))
}

// AppendUsage пишет запись аудита вне транзакции
func (s *PostgresStore) AppendUsage(ctx context.Context, rec *domain.UsageRecord) error {
	return appendUsage(ctx, s.db, rec)
}

// ListExpiredBetween возвращает аккаунты, чья подписка истекла в интервале (from, to]
func (s *PostgresStore) ListExpiredBetween(ctx context.Context, from, to time.Time) ([]domain.Account, error) {
	var accounts []domain.Account
	query := `SELECT ` + accountColumns + ` FROM accounts
        WHERE subscription_end > $1 AND subscription_end <= $2
        ORDER BY id`
	if err := s.db.SelectContext(ctx, &accounts, query, from, to); err != nil {
		s.log.Errorw("Failed to list expired accounts", "error", err)
		return nil, domain.NewStorageError("list expired accounts", err)
	}
	return accounts, nil
}

// WithinTx открывает транзакцию, выполняет fn и фиксирует её.
// Любая ошибка fn или commit откатывает все изменения.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.log.Errorw("Failed to begin transaction", "error", err)
		return domain.NewStorageError("begin transaction", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.log.Errorw("Failed to rollback transaction", "error", rbErr)
			}
		}
	}()

	if err = fn(&postgresTx{tx: sqlTx, log: s.log}); err != nil {
		return err
	}

	if err = sqlTx.Commit(); err != nil {
		s.log.Errorw("Failed to commit transaction", "error", err)
		return domain.NewStorageError("commit transaction", err)
	}
	return nil
}

// postgresTx реализует Tx поверх sqlx.Tx
type postgresTx struct {
	tx  *sqlx.Tx
	log *logger.Logger
}

func (t *postgresTx) GetAccountForUpdate(ctx context.Context, id int64) (*domain.Account, error) {
	return getAccount(ctx, t.tx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id)
}

func (t *postgresTx) GetAccountByEmailForUpdate(ctx context.Context, email string) (*domain.Account, error) {
	return getAccount(ctx, t.tx, `SELECT `+accountColumns+` FROM accounts WHERE email = $1 FOR UPDATE`, domain.NormalizeEmail(email))
}

// InsertAccount вставляет аккаунт. Конкурентная вставка того же email не падает,
// а возвращает false, чтобы вызывающий перечитал существующую строку.
func (t *postgresTx) InsertAccount(ctx context.Context, acc *domain.Account) (bool, error) {
	now := time.Now().UTC()
	acc.Email = domain.NormalizeEmail(acc.Email)
	acc.CreatedAt = now
	acc.UpdatedAt = now

	query := `
        INSERT INTO accounts (email, password_hash, pending_completion, free_uses_remaining, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (email) DO NOTHING
        RETURNING id`

	err := t.tx.QueryRowxContext(ctx, query,
		acc.Email, acc.PasswordHash, acc.PendingCompletion, acc.FreeUsesRemaining, acc.CreatedAt, acc.UpdatedAt,
	).Scan(&acc.ID)
	if errors.Is(err, sql.ErrNoRows) {
		t.log.Debugw("Account already exists, insert skipped", "email", acc.Email)
		return false, nil
	}
	if err != nil {
		t.log.Errorw("Failed to insert account", "error", err, "email", acc.Email)
		return false, domain.NewStorageError("insert account", err)
	}
	return true, nil
}

// UpdateSubscription записывает поля подписки аккаунта
func (t *postgresTx) UpdateSubscription(ctx context.Context, acc *domain.Account) error {
	acc.UpdatedAt = time.Now().UTC()

	query := `
        UPDATE accounts SET
            subscription_start = :subscription_start,
            subscription_end = :subscription_end,
            canceled = :canceled,
            deactivation_reason = :deactivation_reason,
            provider_subscription_id = :provider_subscription_id,
            free_uses_remaining = :free_uses_remaining,
            needs_review = :needs_review,
            updated_at = :updated_at
        WHERE id = :id`

	result, err := t.tx.NamedExecContext(ctx, query, acc)
	if err != nil {
		t.log.Errorw("Failed to update subscription", "error", err, "accountID", acc.ID)
		return domain.NewStorageError("update subscription", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return domain.NewStorageError("update subscription", err)
	}
	if rows == 0 {
		return domain.NewNotFoundError("account", fmt.Sprint(acc.ID))
	}
	return nil
}

// ConsumeFreeUse атомарно списывает одно бесплатное использование
func (t *postgresTx) ConsumeFreeUse(ctx context.Context, accountID int64) (bool, error) {
	query := `
        UPDATE accounts
        SET free_uses_remaining = free_uses_remaining - 1, updated_at = now()
        WHERE id = $1 AND free_uses_remaining > 0`

	result, err := t.tx.ExecContext(ctx, query, accountID)
	if err != nil {
		t.log.Errorw("Failed to consume free use", "error", err, "accountID", accountID)
		return false, domain.NewStorageError("consume free use", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, domain.NewStorageError("consume free use", err)
	}
	return rows == 1, nil
}

func (t *postgresTx) AppendUsage(ctx context.Context, rec *domain.UsageRecord) error {
	return appendUsage(ctx, t.tx, rec)
}

// BillingEventExists проверяет, была ли доставка уже обработана
func (t *postgresTx) BillingEventExists(ctx context.Context, providerSubscriptionID, idempotencyKey string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (
        SELECT 1 FROM billing_events WHERE provider_subscription_id = $1 AND idempotency_key = $2)`
	if err := t.tx.GetContext(ctx, &exists, query, providerSubscriptionID, idempotencyKey); err != nil {
		t.log.Errorw("Failed to check billing event", "error", err, "idempotencyKey", idempotencyKey)
		return false, domain.NewStorageError("check billing event", err)
	}
	return exists, nil
}

// InsertBillingEvent сохраняет событие. Нарушение уникальности превращается в ConflictError.
func (t *postgresTx) InsertBillingEvent(ctx context.Context, ev *domain.BillingEvent) error {
	ev.CreatedAt = time.Now().UTC()

	query := `
        INSERT INTO billing_events (
            account_id, provider, kind, provider_subscription_id, payment_status, payment_method,
            amount, next_payment_date, idempotency_key, outcome, raw_payload, created_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
        RETURNING id`

	err := t.tx.QueryRowxContext(ctx, query,
		ev.AccountID, ev.Provider, ev.Kind, ev.ProviderSubscriptionID, ev.PaymentStatus, ev.PaymentMethod,
		ev.Amount, ev.NextPaymentDate, ev.IdempotencyKey, ev.Outcome, ev.RawPayload, ev.CreatedAt,
	).Scan(&ev.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.NewConflictError("billing_event", ev.IdempotencyKey)
		}
		t.log.Errorw("Failed to insert billing event", "error", err, "idempotencyKey", ev.IdempotencyKey)
		return domain.NewStorageError("insert billing event", err)
	}
	return nil
}

func getAccount(ctx context.Context, q queryer, query string, arg interface{}) (*domain.Account, error) {
	var acc domain.Account
	if err := q.GetContext(ctx, &acc, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewNotFoundError("account", fmt.Sprint(arg))
		}
		return nil, domain.NewStorageError("get account", err)
	}
	return &acc, nil
}

func appendUsage(ctx context.Context, q queryer, rec *domain.UsageRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	query := `
        INSERT INTO usage_records (account_id, identity_key, feature, outcome, reason, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        RETURNING id`
	if err := sqlx.GetContext(ctx, q, &rec.ID, query,
		rec.AccountID, rec.IdentityKey, rec.Feature, rec.Outcome, rec.Reason, rec.CreatedAt,
	); err != nil {
		return domain.NewStorageError("append usage", err)
	}
	return nil
}
