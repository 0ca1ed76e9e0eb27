// Package notification доставляет уведомления внешнему сервису асинхронно.
// Обработчик вебхука никогда не ждёт доставки.
package notification

import (
	"context"
	"sync"
	"time"

	"github.com/Dhoini/travel-entitlements/internal/domain"
	"github.com/Dhoini/travel-entitlements/internal/metrics"
	"github.com/Dhoini/travel-entitlements/pkg/logger"
	"golang.org/x/sync/errgroup"
)

// Результаты доставки для метрики
const (
	ResultPublished = "published"
	ResultFailed    = "failed"
	ResultDropped   = "dropped"
)

const publishTimeout = 10 * time.Second

// Publisher отправляет сообщения во внешний сервис уведомлений
type Publisher interface {
	PublishNotification(ctx context.Context, n *domain.Notification) error
	PublishReminder(ctx context.Context, r *domain.Reminder) error
}

type job struct {
	notification *domain.Notification
	reminder     *domain.Reminder
}

func (j job) kind() domain.NotificationKind {
	if j.reminder != nil {
		return j.reminder.Kind
	}
	return j.notification.Kind
}

// Dispatcher очередь уведомлений с пулом воркеров. Dispatch и RequestReminder
// не блокируются: при переполненной очереди сообщение отбрасывается с ошибкой в логе.
type Dispatcher struct {
	publisher Publisher
	metrics   metrics.EntitlementMetrics
	log       *logger.Logger
	workers   int

	mu     sync.RWMutex
	closed bool
	queue  chan job
}

// NewDispatcher создает диспетчер. Воркеры запускаются в Run.
func NewDispatcher(publisher Publisher, m metrics.EntitlementMetrics, queueSize, workers int, log *logger.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1
	}
	if workers <= 0 {
		workers = 1
	}
	return &Dispatcher{
		publisher: publisher,
		metrics:   m,
		log:       log.Named("notifications"),
		workers:   workers,
		queue:     make(chan job, queueSize),
	}
}

// Dispatch ставит уведомление в очередь
func (d *Dispatcher) Dispatch(n *domain.Notification) {
	d.enqueue(job{notification: n})
}

// RequestReminder ставит запрос напоминания в очередь
func (d *Dispatcher) RequestReminder(r *domain.Reminder) {
	d.enqueue(job{reminder: r})
}

func (d *Dispatcher) enqueue(j job) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.drop(j, "dispatcher stopped")
		return
	}
	select {
	case d.queue <- j:
	default:
		d.drop(j, "queue full")
	}
}

func (d *Dispatcher) drop(j job, why string) {
	d.metrics.IncNotification(j.kind(), ResultDropped)
	d.log.Errorw("Notification dropped", "kind", j.kind(), "reason", why)
}

// Run обрабатывает очередь до отмены ctx, затем дописывает оставшееся и возвращается
func (d *Dispatcher) Run(ctx context.Context) error {
	g := new(errgroup.Group)
	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			d.work(ctx)
			return nil
		})
	}

	<-ctx.Done()
	d.close()
	err := g.Wait()
	d.log.Infow("Notification dispatcher stopped")
	return err
}

func (d *Dispatcher) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		select {
		case j, ok := <-d.queue:
			if !ok {
				return
			}
			d.deliver(j)
		case <-ctx.Done():
			// очередь закрывается в Run, дочитываем её до конца
			for j := range d.queue {
				d.deliver(j)
			}
			return
		}
	}
}

// deliver не зависит от ctx воркера, чтобы при остановке очередь успела уйти
func (d *Dispatcher) deliver(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	var err error
	if j.reminder != nil {
		err = d.publisher.PublishReminder(ctx, j.reminder)
	} else {
		err = d.publisher.PublishNotification(ctx, j.notification)
	}

	if err != nil {
		d.metrics.IncNotification(j.kind(), ResultFailed)
		d.log.Errorw("Failed to publish notification", "kind", j.kind(), "error", err)
		return
	}
	d.metrics.IncNotification(j.kind(), ResultPublished)
}

// LogPublisher пишет уведомления в лог. Используется, когда брокеры не настроены.
type LogPublisher struct {
	log *logger.Logger
}

func NewLogPublisher(log *logger.Logger) *LogPublisher {
	return &LogPublisher{log: log.Named("notifications")}
}

func (p *LogPublisher) PublishNotification(_ context.Context, n *domain.Notification) error {
	p.log.Infow("Notification", "id", n.ID, "kind", n.Kind, "email", n.Email, "accountID", n.AccountID, "reason", n.Reason)
	return nil
}

func (p *LogPublisher) PublishReminder(_ context.Context, r *domain.Reminder) error {
	p.log.Infow("Reminder requested", "id", r.ID, "accountID", r.AccountID, "sendAt", r.SendAt)
	return nil
}
