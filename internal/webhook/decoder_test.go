package webhook

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/Dhoini/travel-entitlements/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecoder_Schemas(t *testing.T) {
	d := NewDecoder()

	tests := []struct {
		name       string
		payload    string
		schema     string
		kind       domain.EventKind
		email      string
		subID      string
		amount     float64
		key        string
		nextPayday string
	}{
		{
			name: "envelope renewal",
			payload: `{"id":"evt_1","event":"subscription.renewed","data":{"customer":{"email":"Ana@Example.com"},
				"subscription_id":"sub_9","status":"paid","payment_method":"credit_card","amount":1990,
				"payment_date":"2025-03-01T10:00:00","next_payment_date":"2025-04-01T10:00:00"}}`,
			schema:     SchemaEnvelope,
			kind:       domain.EventSubscriptionRenewed,
			email:      "Ana@Example.com",
			subID:      "sub_9",
			amount:     19.90,
			key:        "subscription.renewed:evt_1",
			nextPayday: "2025-04-01T10:00:00Z",
		},
		{
			name:    "envelope chargeback with numeric ids",
			payload: `{"event":"chargeback","data":{"id":777,"customer":{"email":"b@example.com"},"subscription_id":12,"chargeback_reason":"fraud"}}`,
			schema:  SchemaEnvelope,
			kind:    domain.EventChargeback,
			email:   "b@example.com",
			subID:   "12",
			key:     "chargeback:777",
		},
		{
			name:    "flat order paid",
			payload: `{"event":"order.paid","customer":{"email":"c@example.com"},"amount":"4990"}`,
			schema:  SchemaFlat,
			kind:    domain.EventOrderPaid,
			email:   "c@example.com",
			amount:  49.90,
		},
		{
			name: "native order",
			payload: `{"order_id":"ord_1","webhook_event_type":"order_approved","order_status":"paid",
				"payment_method":"pix","Customer":{"email":"d@example.com"},
				"Subscription":{"id":"sub_d","next_payment":"2025-05-10"},"Commissions":{"charge_amount":2990}}`,
			schema:     SchemaOrder,
			kind:       domain.EventOrderPaid,
			email:      "d@example.com",
			subID:      "sub_d",
			amount:     29.90,
			key:        "order_approved:ord_1",
			nextPayday: "2025-05-10T00:00:00Z",
		},
		{
			name:    "native order falls back to status",
			payload: `{"order_id":"ord_2","order_status":"refunded","Customer":{"email":"e@example.com"}}`,
			schema:  SchemaOrder,
			kind:    domain.EventRefunded,
			email:   "e@example.com",
			key:     "refunded:ord_2",
		},
		{
			name:    "pix generated needs no email",
			payload: `{"event":"pix.gerado","data":{}}`,
			schema:  SchemaEnvelope,
			kind:    domain.EventPaymentPending,
		},
		{
			name:    "unknown event name",
			payload: `{"event":"affiliate.created","data":{}}`,
			schema:  SchemaEnvelope,
			kind:    domain.EventUnknown,
		},
		{
			name:    "unrecognized structure",
			payload: `{"hello":"world"}`,
			schema:  SchemaUnrecognized,
			kind:    domain.EventUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := d.Decode("kiwify", []byte(tt.payload))
			require.NoError(t, err)

			assert.Equal(t, "kiwify", ev.Provider)
			assert.Equal(t, tt.schema, ev.Schema)
			assert.Equal(t, tt.kind, ev.Kind)
			assert.Equal(t, tt.email, ev.Email)
			assert.Equal(t, tt.subID, ev.ProviderSubscriptionID)
			assert.InDelta(t, tt.amount, ev.Amount, 0.0001)
			assert.Equal(t, []byte(tt.payload), ev.Raw)

			if tt.key != "" {
				assert.Equal(t, tt.key, ev.IdempotencyKey)
			} else {
				sum := sha256.Sum256([]byte(tt.payload))
				assert.Equal(t, hex.EncodeToString(sum[:]), ev.IdempotencyKey)
			}

			if tt.nextPayday != "" {
				require.NotNil(t, ev.NextPaymentDate)
				assert.Equal(t, tt.nextPayday, ev.NextPaymentDate.Format(time.RFC3339))
			}
		})
	}
}

func TestDecoder_Errors(t *testing.T) {
	d := NewDecoder()

	tests := []struct {
		name    string
		payload string
		field   string
	}{
		{name: "not json", payload: `event=order.paid`, field: "body"},
		{name: "json array", payload: `[1,2]`, field: "body"},
		{name: "paid without email", payload: `{"event":"order.paid","data":{"subscription_id":"s"}}`, field: "email"},
		{name: "cancel with blank email", payload: `{"event":"subscription.canceled","customer":{"email":"  "}}`, field: "email"},
		{name: "invalid email", payload: `{"event":"order.paid","customer":{"email":"not-an-email"}}`, field: "email"},
		{name: "bad date", payload: `{"event":"order.paid","customer":{"email":"a@example.com"},"next_payment_date":"tomorrow"}`, field: "next_payment_date"},
		{name: "negative amount", payload: `{"event":"order.paid","customer":{"email":"a@example.com"},"amount":-100}`, field: "amount"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Decode("kiwify", []byte(tt.payload))
			require.ErrorIs(t, err, domain.ErrInvalidInput)

			var verrs domain.ValidationErrors
			require.ErrorAs(t, err, &verrs)
			assert.Contains(t, verrs.Fields(), tt.field)
		})
	}
}

func TestDecoder_IdleEventsAreLenient(t *testing.T) {
	d := NewDecoder()

	tests := []struct {
		name    string
		payload string
		kind    domain.EventKind
	}{
		{name: "unknown with invalid email", payload: `{"event":"member.updated","customer":{"email":"not-an-email"}}`, kind: domain.EventUnknown},
		{name: "unknown with foreign date", payload: `{"event":"member.updated","customer":{"email":"a@example.com"},"payment_date":"01/03/2025"}`, kind: domain.EventUnknown},
		{name: "pending with negative amount", payload: `{"event":"boleto.gerado","customer":{"email":"a@example.com"},"amount":-5}`, kind: domain.EventPaymentPending},
		{name: "pending without email", payload: `{"event":"pix.gerado","data":{"next_payment_date":"soon"}}`, kind: domain.EventPaymentPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := d.Decode("kiwify", []byte(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, tt.kind, ev.Kind)
			assert.NotEmpty(t, ev.IdempotencyKey)
		})
	}
}

func TestDecoder_IdenticalBodiesShareKey(t *testing.T) {
	d := NewDecoder()
	payload := []byte(`{"event":"order.paid","customer":{"email":"a@example.com"}}`)

	first, err := d.Decode("kiwify", payload)
	require.NoError(t, err)
	second, err := d.Decode("kiwify", payload)
	require.NoError(t, err)

	assert.Equal(t, first.IdempotencyKey, second.IdempotencyKey)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, domain.EventOrderPaid, KindOf("compra.aprovada"))
	assert.Equal(t, domain.EventOrderPaid, KindOf(" ORDER.PAID "))
	assert.Equal(t, domain.EventPaymentFailed, KindOf("assinatura.atrasada"))
	assert.Equal(t, domain.EventOrderRefused, KindOf("compra.recusada"))
	assert.Equal(t, domain.EventCartAbandoned, KindOf("carrinho.abandonado"))
	assert.Equal(t, domain.EventUnknown, KindOf("something.else"))
}
