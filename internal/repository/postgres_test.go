package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/Dhoini/travel-entitlements/internal/domain"
	"github.com/Dhoini/travel-entitlements/pkg/logger"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(sqlx.NewDb(db, "pgx"), logger.NewNop()), mock
}

var accountCols = []string{
	"id", "email", "password_hash", "pending_completion", "subscription_start", "subscription_end",
	"canceled", "deactivation_reason", "provider_subscription_id", "free_uses_remaining", "needs_review",
	"last_login", "created_at", "updated_at",
}

func TestPostgresStore_Migrate(t *testing.T) {
	store, mock := newMockStore(t)
	for range schema {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, store.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetAccountByEmail(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	end := now.Add(48 * time.Hour)

	t.Run("found, email normalized", func(t *testing.T) {
		store, mock := newMockStore(t)
		rows := sqlmock.NewRows(accountCols).
			AddRow(7, "ana@example.com", nil, true, now, end, false, "", "sub_1", 0, false, nil, now, now)
		mock.ExpectQuery(regexp.QuoteMeta("FROM accounts WHERE email = $1")).
			WithArgs("ana@example.com").
			WillReturnRows(rows)

		acc, err := store.GetAccountByEmail(ctx, "  Ana@Example.COM ")
		require.NoError(t, err)
		assert.Equal(t, int64(7), acc.ID)
		assert.True(t, acc.PendingCompletion)
		assert.Nil(t, acc.PasswordHash)
		assert.True(t, acc.IsEntitled(now))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(regexp.QuoteMeta("FROM accounts WHERE email = $1")).
			WithArgs("nobody@example.com").
			WillReturnError(sql.ErrNoRows)

		_, err := store.GetAccountByEmail(ctx, "nobody@example.com")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("driver failure is a storage error", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(regexp.QuoteMeta("FROM accounts WHERE email = $1")).
			WillReturnError(errors.New("connection refused"))

		_, err := store.GetAccountByEmail(ctx, "x@example.com")
		assert.ErrorIs(t, err, domain.ErrStorage)
	})
}

func TestPostgresStore_ConsumeFreeUse(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		want     bool
	}{
		{name: "decremented", affected: 1, want: true},
		{name: "already zero", affected: 0, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := newMockStore(t)
			mock.ExpectBegin()
			mock.ExpectExec(regexp.QuoteMeta("WHERE id = $1 AND free_uses_remaining > 0")).
				WithArgs(int64(3)).
				WillReturnResult(sqlmock.NewResult(0, tt.affected))
			mock.ExpectCommit()

			var got bool
			err := store.WithinTx(context.Background(), func(tx Tx) error {
				var err error
				got, err = tx.ConsumeFreeUse(context.Background(), 3)
				return err
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresStore_InsertAccount(t *testing.T) {
	ctx := context.Background()

	t.Run("created", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (email) DO NOTHING")).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))
		mock.ExpectCommit()

		acc := &domain.Account{Email: "New@Example.com", PendingCompletion: true}
		var created bool
		err := store.WithinTx(ctx, func(tx Tx) error {
			var err error
			created, err = tx.InsertAccount(ctx, acc)
			return err
		})
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, int64(11), acc.ID)
		assert.Equal(t, "new@example.com", acc.Email)
	})

	t.Run("lost the race", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (email) DO NOTHING")).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))
		mock.ExpectCommit()

		var created bool
		err := store.WithinTx(ctx, func(tx Tx) error {
			var err error
			created, err = tx.InsertAccount(ctx, &domain.Account{Email: "dup@example.com"})
			return err
		})
		require.NoError(t, err)
		assert.False(t, created)
	})
}

func TestPostgresStore_InsertBillingEventConflictRollsBack(t *testing.T) {
	ctx := context.Background()
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE accounts SET")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO billing_events")).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "uq_billing_events_idempotency"})
	mock.ExpectRollback()

	err := store.WithinTx(ctx, func(tx Tx) error {
		if err := tx.UpdateSubscription(ctx, &domain.Account{ID: 1}); err != nil {
			return err
		}
		return tx.InsertBillingEvent(ctx, &domain.BillingEvent{ProviderSubscriptionID: "sub_1", IdempotencyKey: "evt_1"})
	})

	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "evt_1", conflict.Key)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateSubscriptionMissingAccount(t *testing.T) {
	ctx := context.Background()
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE accounts SET")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.WithinTx(ctx, func(tx Tx) error {
		return tx.UpdateSubscription(ctx, &domain.Account{ID: 99})
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CommitFailure(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("disk full"))

	err := store.WithinTx(context.Background(), func(tx Tx) error { return nil })
	assert.ErrorIs(t, err, domain.ErrStorage)
}

func TestPostgresStore_AppendUsage(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO usage_records")).
		WithArgs(nil, "ip:1.2.3.4", "chat", domain.UsageGranted, "", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(5))

	rec := &domain.UsageRecord{IdentityKey: "ip:1.2.3.4", Feature: "chat", Outcome: domain.UsageGranted}
	require.NoError(t, store.AppendUsage(context.Background(), rec))
	assert.Equal(t, int64(5), rec.ID)
	assert.False(t, rec.CreatedAt.IsZero())
}
