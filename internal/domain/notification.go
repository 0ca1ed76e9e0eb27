package domain

import (
	"time"

	"github.com/google/uuid"
)

// NotificationKind тип уведомления
type NotificationKind string

const (
	NotificationSubscriptionCanceled NotificationKind = "subscription_canceled"
	NotificationPaymentFailed        NotificationKind = "payment_failed"
	NotificationChargeback           NotificationKind = "chargeback"
	NotificationAbandonedCart        NotificationKind = "abandoned_cart"
	NotificationSubscriptionExpiring NotificationKind = "subscription_expiring"
)

// Notification запрос на отправку уведомления внешнему сервису
type Notification struct {
	ID                     uuid.UUID          `json:"id"`
	Kind                   NotificationKind   `json:"kind"`
	Email                  string             `json:"email"`
	AccountID              *int64             `json:"account_id,omitempty"`
	ProviderSubscriptionID string             `json:"provider_subscription_id,omitempty"`
	Reason                 DeactivationReason `json:"reason,omitempty"`
	Detail                 string             `json:"detail,omitempty"`
	CreatedAt              time.Time          `json:"created_at"`
}

// NewNotification создаёт уведомление с новым идентификатором
func NewNotification(kind NotificationKind, email string, accountID *int64) *Notification {
	return &Notification{
		ID:        uuid.New(),
		Kind:      kind,
		Email:     email,
		AccountID: accountID,
		CreatedAt: time.Now().UTC(),
	}
}

// Reminder запрос внешнему планировщику напомнить о продлении
type Reminder struct {
	ID                     uuid.UUID        `json:"id"`
	Kind                   NotificationKind `json:"kind"`
	AccountID              int64            `json:"account_id"`
	Email                  string           `json:"email"`
	ProviderSubscriptionID string           `json:"provider_subscription_id,omitempty"`
	NextPaymentDate        time.Time        `json:"next_payment_date"`
	SendAt                 time.Time        `json:"send_at"`
}
