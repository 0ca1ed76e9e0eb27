package service

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/Dhoini/travel-entitlements/config"
	"github.com/Dhoini/travel-entitlements/internal/domain"
	"github.com/Dhoini/travel-entitlements/internal/metrics"
	"github.com/Dhoini/travel-entitlements/internal/repository"
	"github.com/Dhoini/travel-entitlements/internal/usage"
	"github.com/Dhoini/travel-entitlements/internal/webhook"
	"github.com/Dhoini/travel-entitlements/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const testSecret = "whsec_test"

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

type recordingNotifier struct {
	mu            sync.Mutex
	notifications []*domain.Notification
	reminders     []*domain.Reminder
}

func (n *recordingNotifier) Dispatch(x *domain.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = append(n.notifications, x)
}

func (n *recordingNotifier) RequestReminder(r *domain.Reminder) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reminders = append(n.reminders, r)
}

func (n *recordingNotifier) kinds() []domain.NotificationKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]domain.NotificationKind, len(n.notifications))
	for i, x := range n.notifications {
		out[i] = x.Kind
	}
	return out
}

type recordingCache struct {
	mu  sync.Mutex
	ids []int64
}

func (c *recordingCache) Invalidate(_ context.Context, ids ...int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, ids...)
	return nil
}

type fixture struct {
	store    *repository.MemoryStore
	notifier *recordingNotifier
	cache    *recordingCache
	webhooks WebhookService
	gate     AccessGate
	signer   *webhook.HMACVerifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.NewTest(t)
	store := repository.NewMemoryStore()
	m := metrics.NewEntitlementMetrics(prometheus.NewRegistry(), log)

	registry, err := webhook.NewRegistry(map[string]config.WebhookProviderConfig{
		"kiwify":       {Mode: config.ModeHMAC, Header: "X-Kiwify-Signature", Secret: testSecret, Algorithm: "sha256"},
		"kiwify-token": {Mode: config.ModeToken, Header: "X-Kiwify-Token", Secret: "tok"},
	})
	require.NoError(t, err)

	signer, err := webhook.NewHMACVerifier("kiwify", "X-Kiwify-Signature", testSecret, "sha256")
	require.NoError(t, err)

	f := &fixture{
		store:    store,
		notifier: &recordingNotifier{},
		cache:    &recordingCache{},
		signer:   signer,
	}
	f.webhooks = NewWebhookService(registry, webhook.NewDecoder(), store, f.cache, f.notifier, m,
		WebhookOptions{SubscriptionDays: 30, ReminderLeadDays: 5}, log, fixedClock)
	f.gate = NewAccessGate(store, usage.NewCounter(usage.NewMemoryCounter(3)), f.cache, m, log, fixedClock)
	return f
}

func (f *fixture) deliver(t *testing.T, payload []byte) (*ProcessResult, error) {
	t.Helper()
	h := http.Header{}
	h.Set("X-Kiwify-Signature", f.signer.Sign(payload))
	return f.webhooks.ProcessWebhook(context.Background(), "kiwify", payload, h)
}

func (f *fixture) account(t *testing.T, email string) *domain.Account {
	t.Helper()
	acc, err := f.store.GetAccountByEmail(context.Background(), email)
	require.NoError(t, err)
	return acc
}

func seedAccount(t *testing.T, store repository.Store, email string, freeUses int, end *time.Time) *domain.Account {
	t.Helper()
	ctx := context.Background()
	acc := &domain.Account{Email: email, FreeUsesRemaining: freeUses}
	require.NoError(t, store.WithinTx(ctx, func(tx repository.Tx) error {
		if _, err := tx.InsertAccount(ctx, acc); err != nil {
			return err
		}
		if end != nil {
			acc.SubscriptionEnd = end
			return tx.UpdateSubscription(ctx, acc)
		}
		return nil
	}))
	return acc
}

func envelope(event, id, email, subID string, extra string) []byte {
	if extra != "" {
		extra = "," + extra
	}
	return []byte(fmt.Sprintf(`{"id":%q,"event":%q,"data":{"customer":{"email":%q},"subscription_id":%q,"amount":1990%s}}`,
		id, event, email, subID, extra))
}

func ptrTime(t time.Time) *time.Time { return &t }
