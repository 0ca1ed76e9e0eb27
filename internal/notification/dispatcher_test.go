package notification

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Dhoini/travel-entitlements/internal/domain"
	"github.com/Dhoini/travel-entitlements/pkg/logger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	mu        sync.Mutex
	sent      []domain.NotificationKind
	reminders int
	fail      bool
}

func (p *fakePublisher) PublishNotification(_ context.Context, n *domain.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("broker unavailable")
	}
	p.sent = append(p.sent, n.Kind)
	return nil
}

func (p *fakePublisher) PublishReminder(_ context.Context, _ *domain.Reminder) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("broker unavailable")
	}
	p.reminders++
	return nil
}

type fakeMetrics struct {
	mu      sync.Mutex
	results map[string]int
}

func newFakeMetrics() *fakeMetrics { return &fakeMetrics{results: map[string]int{}} }

func (m *fakeMetrics) ObserveDecision(string, domain.Decision)                   {}
func (m *fakeMetrics) IncAuditFailure(string)                                   {}
func (m *fakeMetrics) IncWebhook(string, domain.EventKind, string)              {}
func (m *fakeMetrics) IncVerificationFailure(string)                            {}
func (m *fakeMetrics) ObserveWebhookDuration(string, time.Duration)             {}
func (m *fakeMetrics) AddExpiredSwept(int)                                      {}
func (m *fakeMetrics) IncNotification(_ domain.NotificationKind, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[result]++
}

func (m *fakeMetrics) count(result string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.results[result]
}

func TestDispatcher_DrainsQueueOnShutdown(t *testing.T) {
	pub := &fakePublisher{}
	m := newFakeMetrics()
	d := NewDispatcher(pub, m, 16, 2, logger.NewTest(t))

	// сообщения, поставленные до запуска воркеров, тоже доставляются
	d.Dispatch(domain.NewNotification(domain.NotificationChargeback, "a@example.com", nil))
	d.Dispatch(domain.NewNotification(domain.NotificationAbandonedCart, "b@example.com", nil))
	d.RequestReminder(&domain.Reminder{ID: uuid.New(), Kind: domain.NotificationSubscriptionExpiring, AccountID: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, d.Run(ctx))

	assert.ElementsMatch(t, []domain.NotificationKind{domain.NotificationChargeback, domain.NotificationAbandonedCart}, pub.sent)
	assert.Equal(t, 1, pub.reminders)
	assert.Equal(t, 3, m.count(ResultPublished))
}

func TestDispatcher_DropsWhenQueueFull(t *testing.T) {
	pub := &fakePublisher{}
	m := newFakeMetrics()
	d := NewDispatcher(pub, m, 1, 1, logger.NewNop())

	d.Dispatch(domain.NewNotification(domain.NotificationPaymentFailed, "a@example.com", nil))
	d.Dispatch(domain.NewNotification(domain.NotificationPaymentFailed, "b@example.com", nil))

	assert.Equal(t, 1, m.count(ResultDropped))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, d.Run(ctx))
	assert.Len(t, pub.sent, 1)
}

func TestDispatcher_DropsAfterStop(t *testing.T) {
	m := newFakeMetrics()
	d := NewDispatcher(&fakePublisher{}, m, 4, 1, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, d.Run(ctx))

	assert.NotPanics(t, func() {
		d.Dispatch(domain.NewNotification(domain.NotificationPaymentFailed, "late@example.com", nil))
	})
	assert.Equal(t, 1, m.count(ResultDropped))
}

func TestDispatcher_PublishFailureIsCounted(t *testing.T) {
	pub := &fakePublisher{fail: true}
	m := newFakeMetrics()
	d := NewDispatcher(pub, m, 4, 1, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	d.Dispatch(domain.NewNotification(domain.NotificationSubscriptionCanceled, "a@example.com", nil))
	assert.Eventually(t, func() bool { return m.count(ResultFailed) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestDispatcher_DeliversWhileRunning(t *testing.T) {
	pub := &fakePublisher{}
	m := newFakeMetrics()
	d := NewDispatcher(pub, m, 8, 3, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	for i := 0; i < 5; i++ {
		d.Dispatch(domain.NewNotification(domain.NotificationPaymentFailed, "p@example.com", nil))
	}
	assert.Eventually(t, func() bool { return m.count(ResultPublished) == 5 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestLogPublisher(t *testing.T) {
	p := NewLogPublisher(logger.NewTest(t))
	assert.NoError(t, p.PublishNotification(context.Background(), domain.NewNotification(domain.NotificationChargeback, "x@example.com", nil)))
	assert.NoError(t, p.PublishReminder(context.Background(), &domain.Reminder{ID: uuid.New()}))
}
