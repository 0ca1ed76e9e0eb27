package domain

import (
	"time"
)

// EventKind абстрактный тип платёжного события
type EventKind string

const (
	EventOrderPaid            EventKind = "order_paid"
	EventSubscriptionRenewed  EventKind = "subscription_renewed"
	EventSubscriptionCanceled EventKind = "subscription_canceled"
	EventPaymentFailed        EventKind = "payment_failed"
	EventOrderRefused         EventKind = "order_refused"
	EventRefunded             EventKind = "refunded"
	EventChargeback           EventKind = "chargeback"
	EventCartAbandoned        EventKind = "cart_abandoned"
	EventPaymentPending       EventKind = "payment_pending"
	EventUnknown              EventKind = "unknown"
)

// IsActivation события, продлевающие подписку
func (k EventKind) IsActivation() bool {
	return k == EventOrderPaid || k == EventSubscriptionRenewed
}

// IsDeactivation события, завершающие подписку
func (k EventKind) IsDeactivation() bool {
	switch k {
	case EventSubscriptionCanceled, EventPaymentFailed, EventOrderRefused, EventRefunded, EventChargeback:
		return true
	}
	return false
}

// RequiresEmail события, которые без email обработать нельзя
func (k EventKind) RequiresEmail() bool {
	return k.IsActivation() || k.IsDeactivation() || k == EventCartAbandoned
}

// DeactivationReason причина деактивации для события
func (k EventKind) DeactivationReason() DeactivationReason {
	switch k {
	case EventSubscriptionCanceled:
		return ReasonCanceled
	case EventPaymentFailed, EventOrderRefused:
		return ReasonPaymentFailed
	case EventRefunded:
		return ReasonRefund
	case EventChargeback:
		return ReasonChargeback
	}
	return ""
}

// BillingEventOutcome что произошло с аккаунтом при обработке события
type BillingEventOutcome string

const (
	OutcomeActivated      BillingEventOutcome = "activated"
	OutcomeDeactivated    BillingEventOutcome = "deactivated"
	OutcomeNoop           BillingEventOutcome = "noop"
	OutcomeAccountMissing BillingEventOutcome = "account_missing"
)

// BillingEvent запись о принятой доставке вебхука. Не изменяется после вставки.
// Пара (provider_subscription_id, idempotency_key) уникальна.
type BillingEvent struct {
	ID                     int64               `db:"id" json:"id"`
	AccountID              *int64              `db:"account_id" json:"account_id,omitempty"`
	Provider               string              `db:"provider" json:"provider"`
	Kind                   EventKind           `db:"kind" json:"kind"`
	ProviderSubscriptionID string              `db:"provider_subscription_id" json:"provider_subscription_id"`
	PaymentStatus          string              `db:"payment_status" json:"payment_status"`
	PaymentMethod          string              `db:"payment_method" json:"payment_method"`
	Amount                 float64             `db:"amount" json:"amount"`
	NextPaymentDate        *time.Time          `db:"next_payment_date" json:"next_payment_date,omitempty"`
	IdempotencyKey         string              `db:"idempotency_key" json:"idempotency_key"`
	Outcome                BillingEventOutcome `db:"outcome" json:"outcome"`
	RawPayload             []byte              `db:"raw_payload" json:"-"`
	CreatedAt              time.Time           `db:"created_at" json:"created_at"`
}

// ProviderEvent нормализованное событие провайдера после декодирования
type ProviderEvent struct {
	Provider               string     `json:"provider"`
	Schema                 string     `json:"schema"`
	Name                   string     `json:"name"`
	Kind                   EventKind  `json:"kind"`
	Email                  string     `json:"email" validate:"omitempty,email"`
	ProviderSubscriptionID string     `json:"provider_subscription_id" validate:"max=255"`
	PaymentStatus          string     `json:"payment_status"`
	PaymentMethod          string     `json:"payment_method"`
	Amount                 float64    `json:"amount" validate:"gte=0"`
	EffectiveDate          *time.Time `json:"effective_date,omitempty"`
	NextPaymentDate        *time.Time `json:"next_payment_date,omitempty"`
	Reason                 string     `json:"reason,omitempty"`
	IdempotencyKey         string     `json:"idempotency_key" validate:"required"`
	Raw                    []byte     `json:"-"`
}

// ToBillingEvent строит запись журнала для события
func (e *ProviderEvent) ToBillingEvent(accountID *int64, outcome BillingEventOutcome) *BillingEvent {
	return &BillingEvent{
		AccountID:              accountID,
		Provider:               e.Provider,
		Kind:                   e.Kind,
		ProviderSubscriptionID: e.ProviderSubscriptionID,
		PaymentStatus:          e.PaymentStatus,
		PaymentMethod:          e.PaymentMethod,
		Amount:                 e.Amount,
		NextPaymentDate:        e.NextPaymentDate,
		IdempotencyKey:         e.IdempotencyKey,
		Outcome:                outcome,
		RawPayload:             e.Raw,
	}
}
