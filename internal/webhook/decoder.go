package webhook

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Dhoini/travel-entitlements/internal/domain"
	"github.com/Dhoini/travel-entitlements/pkg/req"
	"github.com/go-playground/validator/v10"
)

// Имена поддерживаемых версий payload
const (
	SchemaEnvelope     = "envelope"
	SchemaFlat         = "flat"
	SchemaOrder        = "order"
	SchemaUnrecognized = "unrecognized"
)

// eventKinds сопоставляет имена событий всех версий интеграции абстрактным типам
var eventKinds = map[string]domain.EventKind{
	"order.paid":      domain.EventOrderPaid,
	"compra.aprovada": domain.EventOrderPaid,
	"order_approved":  domain.EventOrderPaid,
	"order_paid":      domain.EventOrderPaid,
	"paid":            domain.EventOrderPaid,

	"subscription.renewed": domain.EventSubscriptionRenewed,
	"subscription_renewed": domain.EventSubscriptionRenewed,

	"subscription.canceled": domain.EventSubscriptionCanceled,
	"subscription_canceled": domain.EventSubscriptionCanceled,

	"compra.recusada": domain.EventOrderRefused,
	"order_rejected":  domain.EventOrderRefused,
	"order_refused":   domain.EventOrderRefused,
	"refused":         domain.EventOrderRefused,

	"assinatura.atrasada": domain.EventPaymentFailed,
	"payment_failed":      domain.EventPaymentFailed,
	"subscription_late":   domain.EventPaymentFailed,

	"subscription.refunded": domain.EventRefunded,
	"order_refunded":        domain.EventRefunded,
	"refunded":              domain.EventRefunded,

	"chargeback":  domain.EventChargeback,
	"chargedback": domain.EventChargeback,

	"carrinho.abandonado": domain.EventCartAbandoned,
	"abandoned_cart":      domain.EventCartAbandoned,
	"cart_abandoned":      domain.EventCartAbandoned,

	"boleto.gerado":   domain.EventPaymentPending,
	"pix.gerado":      domain.EventPaymentPending,
	"billet_created":  domain.EventPaymentPending,
	"pix_created":     domain.EventPaymentPending,
	"waiting_payment": domain.EventPaymentPending,
}

// KindOf возвращает абстрактный тип события по его имени у провайдера
func KindOf(name string) domain.EventKind {
	if kind, ok := eventKinds[strings.ToLower(strings.TrimSpace(name))]; ok {
		return kind
	}
	return domain.EventUnknown
}

// Schema одна известная версия payload провайдера
type Schema interface {
	Name() string
	// Match решает по ключам верхнего уровня, подходит ли документ
	Match(top map[string]json.RawMessage) bool
	Decode(raw []byte) (*domain.ProviderEvent, error)
}

// Decoder пробует схемы по порядку и берёт первую подходящую
type Decoder struct {
	schemas []Schema
}

// NewDecoder создает декодер. Без аргументов используются все известные схемы.
func NewDecoder(schemas ...Schema) *Decoder {
	if len(schemas) == 0 {
		schemas = []Schema{envelopeSchema{}, orderSchema{}, flatSchema{}}
	}
	return &Decoder{schemas: schemas}
}

// Decode нормализует payload в ProviderEvent. Неизвестная структура или имя
// события дают EventUnknown, а не ошибку. Ошибка возвращается только для
// битого JSON и для значимых событий с неверными полями: события, которые не
// меняют состояние и ничего не отправляют, разбираются без строгих проверок.
func (d *Decoder) Decode(provider string, raw []byte) (*domain.ProviderEvent, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, domain.ValidationErrors{{Field: "body", Message: "payload is not a JSON object"}}
	}

	ev := &domain.ProviderEvent{Schema: SchemaUnrecognized, Kind: domain.EventUnknown}
	for _, s := range d.schemas {
		if !s.Match(top) {
			continue
		}
		decoded, err := s.Decode(raw)
		if err != nil {
			return nil, err
		}
		decoded.Schema = s.Name()
		ev = decoded
		break
	}

	ev.Provider = provider
	ev.Raw = raw
	ev.Email = strings.TrimSpace(ev.Email)
	if ev.IdempotencyKey == "" {
		sum := sha256.Sum256(raw)
		ev.IdempotencyKey = hex.EncodeToString(sum[:])
	}

	if !ev.Kind.RequiresEmail() {
		return ev, nil
	}
	if err := validateEvent(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func validateEvent(ev *domain.ProviderEvent) error {
	var verrs domain.ValidationErrors
	if ev.Kind.RequiresEmail() && ev.Email == "" {
		verrs.Add("email", "required for "+string(ev.Kind))
	}
	if err := req.IsValid(ev); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		for _, fe := range fieldErrs {
			verrs.Add(strings.ToLower(fe.Field()), "failed on "+fe.Tag())
		}
	}
	if verrs.HasErrors() {
		return verrs
	}
	return nil
}

// flexString принимает строку или число, провайдеры присылают ID в обоих видах
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

type customerPayload struct {
	Email string `json:"email"`
}

// centsToUnits переводит сумму в центах в денежные единицы
func centsToUnits(field string, n json.Number) (float64, error) {
	if n == "" {
		return 0, nil
	}
	cents, err := n.Float64()
	if err != nil {
		return 0, domain.ValidationErrors{{Field: field, Message: "not a number"}}
	}
	return cents / 100, nil
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// parseDate разбирает дату провайдера. Даты без зоны считаются UTC.
func parseDate(field, value string) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, domain.ValidationErrors{{Field: field, Message: fmt.Sprintf("unrecognized date %q", value)}}
}

func eventKey(name string, ids ...string) string {
	for _, id := range ids {
		if id != "" {
			return name + ":" + id
		}
	}
	return ""
}

// envelopeSchema версия с конвертом {"event": ..., "data": {...}}
type envelopeSchema struct{}

type envelopePayload struct {
	ID      flexString `json:"id"`
	EventID flexString `json:"event_id"`
	Event   string     `json:"event"`
	Data    struct {
		ID               flexString      `json:"id"`
		Customer         customerPayload `json:"customer"`
		SubscriptionID   flexString      `json:"subscription_id"`
		Status           string          `json:"status"`
		PaymentMethod    string          `json:"payment_method"`
		Amount           json.Number     `json:"amount"`
		PaymentDate      string          `json:"payment_date"`
		NextPaymentDate  string          `json:"next_payment_date"`
		RefundReason     string          `json:"refund_reason"`
		ChargebackReason string          `json:"chargeback_reason"`
	} `json:"data"`
}

func (envelopeSchema) Name() string { return SchemaEnvelope }

func (envelopeSchema) Match(top map[string]json.RawMessage) bool {
	data, hasData := top["data"]
	_, hasEvent := top["event"]
	return hasEvent && hasData && len(bytes.TrimSpace(data)) > 0 && bytes.TrimSpace(data)[0] == '{'
}

func (envelopeSchema) Decode(raw []byte) (*domain.ProviderEvent, error) {
	var p envelopePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, domain.ValidationErrors{{Field: "body", Message: "malformed envelope payload"}}
	}
	return common{
		name:             p.Event,
		email:            p.Data.Customer.Email,
		subscriptionID:   string(p.Data.SubscriptionID),
		status:           p.Data.Status,
		paymentMethod:    p.Data.PaymentMethod,
		amount:           p.Data.Amount,
		effectiveDate:    p.Data.PaymentDate,
		nextPaymentDate:  p.Data.NextPaymentDate,
		refundReason:     p.Data.RefundReason,
		chargebackReason: p.Data.ChargebackReason,
		key:              eventKey(p.Event, string(p.ID), string(p.EventID), string(p.Data.ID)),
	}.build()
}

// flatSchema ранняя версия без конверта, поля на верхнем уровне
type flatSchema struct{}

type flatPayload struct {
	ID               flexString      `json:"id"`
	EventID          flexString      `json:"event_id"`
	Event            string          `json:"event"`
	Customer         customerPayload `json:"customer"`
	SubscriptionID   flexString      `json:"subscription_id"`
	Status           string          `json:"status"`
	PaymentMethod    string          `json:"payment_method"`
	Amount           json.Number     `json:"amount"`
	PaymentDate      string          `json:"payment_date"`
	NextPaymentDate  string          `json:"next_payment_date"`
	RefundReason     string          `json:"refund_reason"`
	ChargebackReason string          `json:"chargeback_reason"`
}

func (flatSchema) Name() string { return SchemaFlat }

func (flatSchema) Match(top map[string]json.RawMessage) bool {
	_, hasEvent := top["event"]
	_, hasData := top["data"]
	return hasEvent && !hasData
}

func (flatSchema) Decode(raw []byte) (*domain.ProviderEvent, error) {
	var p flatPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, domain.ValidationErrors{{Field: "body", Message: "malformed flat payload"}}
	}
	return common{
		name:             p.Event,
		email:            p.Customer.Email,
		subscriptionID:   string(p.SubscriptionID),
		status:           p.Status,
		paymentMethod:    p.PaymentMethod,
		amount:           p.Amount,
		effectiveDate:    p.PaymentDate,
		nextPaymentDate:  p.NextPaymentDate,
		refundReason:     p.RefundReason,
		chargebackReason: p.ChargebackReason,
		key:              eventKey(p.Event, string(p.ID), string(p.EventID)),
	}.build()
}

// orderSchema нативный формат заказа провайдера
type orderSchema struct{}

type orderPayload struct {
	OrderID          flexString      `json:"order_id"`
	WebhookEventType string          `json:"webhook_event_type"`
	OrderStatus      string          `json:"order_status"`
	PaymentMethod    string          `json:"payment_method"`
	ApprovedDate     string          `json:"approved_date"`
	Customer         customerPayload `json:"Customer"`
	Subscription     struct {
		ID          flexString `json:"id"`
		Status      string     `json:"status"`
		NextPayment string     `json:"next_payment"`
	} `json:"Subscription"`
	Commissions struct {
		ChargeAmount json.Number `json:"charge_amount"`
	} `json:"Commissions"`
}

func (orderSchema) Name() string { return SchemaOrder }

func (orderSchema) Match(top map[string]json.RawMessage) bool {
	_, hasType := top["webhook_event_type"]
	_, hasStatus := top["order_status"]
	_, hasOrder := top["order_id"]
	return hasOrder && (hasType || hasStatus)
}

func (orderSchema) Decode(raw []byte) (*domain.ProviderEvent, error) {
	var p orderPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, domain.ValidationErrors{{Field: "body", Message: "malformed order payload"}}
	}
	name := p.WebhookEventType
	if name == "" {
		name = p.OrderStatus
	}
	return common{
		name:            name,
		email:           p.Customer.Email,
		subscriptionID:  string(p.Subscription.ID),
		status:          p.OrderStatus,
		paymentMethod:   p.PaymentMethod,
		amount:          p.Commissions.ChargeAmount,
		effectiveDate:   p.ApprovedDate,
		nextPaymentDate: p.Subscription.NextPayment,
		key:             eventKey(name, string(p.OrderID)),
	}.build()
}

// common поля, одинаковые для всех версий после извлечения
type common struct {
	name             string
	email            string
	subscriptionID   string
	status           string
	paymentMethod    string
	amount           json.Number
	effectiveDate    string
	nextPaymentDate  string
	refundReason     string
	chargebackReason string
	key              string
}

func (c common) build() (*domain.ProviderEvent, error) {
	kind := KindOf(c.name)
	// для событий без перехода состояния неразборчивые поля просто пропускаются
	strict := kind.RequiresEmail()

	amount, err := centsToUnits("amount", c.amount)
	if err != nil && strict {
		return nil, err
	}
	effective, err := parseDate("payment_date", c.effectiveDate)
	if err != nil && strict {
		return nil, err
	}
	next, err := parseDate("next_payment_date", c.nextPaymentDate)
	if err != nil && strict {
		return nil, err
	}
	reason := c.refundReason
	if reason == "" {
		reason = c.chargebackReason
	}
	return &domain.ProviderEvent{
		Name:                   c.name,
		Kind:                   kind,
		Email:                  c.email,
		ProviderSubscriptionID: c.subscriptionID,
		PaymentStatus:          c.status,
		PaymentMethod:          c.paymentMethod,
		Amount:                 amount,
		EffectiveDate:          effective,
		NextPaymentDate:        next,
		Reason:                 reason,
		IdempotencyKey:         c.key,
	}, nil
}
