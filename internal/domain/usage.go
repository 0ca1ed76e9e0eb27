package domain

import (
	"fmt"
	"time"
)

// UsageOutcome результат решения шлюза доступа
type UsageOutcome string

const (
	UsageGranted UsageOutcome = "granted"
	UsageDenied  UsageOutcome = "denied"
	UsageError   UsageOutcome = "error"
)

// UsageRecord запись аудита использования платной функции. Только добавляется.
type UsageRecord struct {
	ID          int64        `db:"id" json:"id"`
	AccountID   *int64       `db:"account_id" json:"account_id,omitempty"`
	IdentityKey string       `db:"identity_key" json:"identity_key"`
	Feature     string       `db:"feature" json:"feature"`
	Outcome     UsageOutcome `db:"outcome" json:"outcome"`
	Reason      string       `db:"reason" json:"reason,omitempty"`
	CreatedAt   time.Time    `db:"created_at" json:"created_at"`
}

// Identity вызывающая сторона: анонимный IP или аутентифицированный аккаунт
type Identity struct {
	IP        string
	AccountID *int64
}

// Anonymous true, если вызывающий не аутентифицирован
func (i Identity) Anonymous() bool {
	return i.AccountID == nil
}

// Key ключ для счётчика и журнала использования
func (i Identity) Key() string {
	if i.AccountID != nil {
		return fmt.Sprintf("account:%d", *i.AccountID)
	}
	return "ip:" + i.IP
}

// DenyReason причина отказа в доступе
type DenyReason string

const (
	DenyLoginRequired        DenyReason = "login_required"
	DenySubscriptionRequired DenyReason = "subscription_required"
)

// DecisionSource откуда взялось разрешение
type DecisionSource string

const (
	SourceSubscription DecisionSource = "subscription"
	SourceFreeTrial    DecisionSource = "free_trial"
	SourceNone         DecisionSource = "none"
)

// Decision решение шлюза доступа. Отказ это нормальный результат, а не ошибка.
type Decision struct {
	Allowed bool           `json:"allowed"`
	Reason  DenyReason     `json:"reason,omitempty"`
	Source  DecisionSource `json:"source"`
}

// Allow создаёт разрешающее решение
func Allow(source DecisionSource) Decision {
	return Decision{Allowed: true, Source: source}
}

// Deny создаёт запрещающее решение
func Deny(reason DenyReason) Decision {
	return Decision{Allowed: false, Reason: reason, Source: SourceNone}
}
