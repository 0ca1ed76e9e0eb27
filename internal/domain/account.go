package domain

import (
	"strings"
	"time"
)

// SubscriptionStatus производный статус подписки. Не хранится в базе,
// вычисляется из subscription_end и флага canceled.
type SubscriptionStatus string

const (
	SubscriptionStatusNone     SubscriptionStatus = "None"
	SubscriptionStatusActive   SubscriptionStatus = "Active"
	SubscriptionStatusExpired  SubscriptionStatus = "Expired"
	SubscriptionStatusCanceled SubscriptionStatus = "Canceled"
)

// DeactivationReason причина досрочного завершения подписки
type DeactivationReason string

const (
	ReasonCanceled      DeactivationReason = "canceled"
	ReasonChargeback    DeactivationReason = "chargeback"
	ReasonRefund        DeactivationReason = "refund"
	ReasonPaymentFailed DeactivationReason = "payment_failed"
)

// Valid проверяет, что причина из допустимого набора
func (r DeactivationReason) Valid() bool {
	switch r {
	case ReasonCanceled, ReasonChargeback, ReasonRefund, ReasonPaymentFailed:
		return true
	}
	return false
}

// DefaultFreeUses количество бесплатных использований нового аккаунта
const DefaultFreeUses = 3

// Account аккаунт пользователя с состоянием подписки
type Account struct {
	ID                     int64              `db:"id" json:"id"`
	Email                  string             `db:"email" json:"email"`
	PasswordHash           *string            `db:"password_hash" json:"-"`
	PendingCompletion      bool               `db:"pending_completion" json:"pending_completion"`
	SubscriptionStart      *time.Time         `db:"subscription_start" json:"subscription_start,omitempty"`
	SubscriptionEnd        *time.Time         `db:"subscription_end" json:"subscription_end,omitempty"`
	Canceled               bool               `db:"canceled" json:"canceled"`
	DeactivationReason     DeactivationReason `db:"deactivation_reason" json:"deactivation_reason,omitempty"`
	ProviderSubscriptionID string             `db:"provider_subscription_id" json:"provider_subscription_id,omitempty"`
	FreeUsesRemaining      int                `db:"free_uses_remaining" json:"free_uses_remaining"`
	NeedsReview            bool               `db:"needs_review" json:"needs_review"`
	LastLogin              *time.Time         `db:"last_login" json:"last_login,omitempty"`
	CreatedAt              time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt              time.Time          `db:"updated_at" json:"updated_at"`
}

// IsEntitled true, если подписка действует на момент now.
// Истёкшая подписка не даёт доступа без какой-либо фоновой обработки.
func (a *Account) IsEntitled(now time.Time) bool {
	if a == nil || a.SubscriptionEnd == nil || a.Canceled {
		return false
	}
	return a.SubscriptionEnd.After(now)
}

// Status возвращает производный статус подписки
func (a *Account) Status(now time.Time) SubscriptionStatus {
	switch {
	case a == nil || (a.SubscriptionEnd == nil && !a.Canceled):
		return SubscriptionStatusNone
	case a.Canceled:
		return SubscriptionStatusCanceled
	case a.SubscriptionEnd.After(now):
		return SubscriptionStatusActive
	default:
		return SubscriptionStatusExpired
	}
}

// NormalizeEmail ключ сравнения email без учёта регистра
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ResolveOutcome какой путь выбрал resolve-or-create
type ResolveOutcome int

const (
	ResolvedExisting ResolveOutcome = iota
	ResolvedCreated
)

func (o ResolveOutcome) String() string {
	if o == ResolvedCreated {
		return "created"
	}
	return "existing"
}

// ResolveResult результат поиска или создания аккаунта по email
type ResolveResult struct {
	Account *Account
	Outcome ResolveOutcome
}

// Created true, если аккаунт был создан в этой транзакции
func (r ResolveResult) Created() bool {
	return r.Outcome == ResolvedCreated
}
