package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Dhoini/travel-entitlements/internal/domain"
)

// MemoryStore реализует Store в памяти. Транзакции сериализуются одной
// блокировкой и применяются целиком только при успешном завершении fn.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[int64]domain.Account
	byEmail  map[string]int64
	usage    []domain.UsageRecord
	events   []domain.BillingEvent
	nextID   int64
}

// NewMemoryStore создает пустое хранилище в памяти
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[int64]domain.Account),
		byEmail:  make(map[string]int64),
	}
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }

func (s *MemoryStore) GetAccount(_ context.Context, id int64) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accounts[id]
	if !ok {
		return nil, domain.NewNotFoundError("account", fmt.Sprint(id))
	}
	return &acc, nil
}

func (s *MemoryStore) GetAccountByEmail(_ context.Context, email string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[domain.NormalizeEmail(email)]
	if !ok {
		return nil, domain.NewNotFoundError("account", email)
	}
	acc := s.accounts[id]
	return &acc, nil
}

func (s *MemoryStore) AppendUsage(_ context.Context, rec *domain.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.appendUsageLocked(rec)
	return nil
}

func (s *MemoryStore) ListExpiredBetween(_ context.Context, from, to time.Time) ([]domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Account
	for _, acc := range s.accounts {
		if acc.SubscriptionEnd != nil && acc.SubscriptionEnd.After(from) && !acc.SubscriptionEnd.After(to) {
			out = append(out, acc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// WithinTx держит эксклюзивную блокировку на время fn
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return domain.NewStorageError("begin transaction", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{store: s, accounts: make(map[int64]domain.Account)}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// UsageRecords копия журнала использования
func (s *MemoryStore) UsageRecords() []domain.UsageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.UsageRecord(nil), s.usage...)
}

// BillingEvents копия журнала платёжных событий
func (s *MemoryStore) BillingEvents() []domain.BillingEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.BillingEvent(nil), s.events...)
}

func (s *MemoryStore) appendUsageLocked(rec *domain.UsageRecord) {
	s.nextID++
	rec.ID = s.nextID
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.usage = append(s.usage, *rec)
}

// memoryTx копит изменения и применяет их в commit
type memoryTx struct {
	store    *MemoryStore
	accounts map[int64]domain.Account
	emails   map[string]int64
	usage    []*domain.UsageRecord
	events   []domain.BillingEvent
	nextID   int64
}

func (t *memoryTx) lookup(id int64) (domain.Account, bool) {
	if acc, ok := t.accounts[id]; ok {
		return acc, true
	}
	acc, ok := t.store.accounts[id]
	return acc, ok
}

func (t *memoryTx) newID() int64 {
	t.nextID++
	return t.store.nextID + t.nextID
}

func (t *memoryTx) GetAccountForUpdate(_ context.Context, id int64) (*domain.Account, error) {
	acc, ok := t.lookup(id)
	if !ok {
		return nil, domain.NewNotFoundError("account", fmt.Sprint(id))
	}
	return &acc, nil
}

func (t *memoryTx) GetAccountByEmailForUpdate(ctx context.Context, email string) (*domain.Account, error) {
	key := domain.NormalizeEmail(email)
	if id, ok := t.emails[key]; ok {
		return t.GetAccountForUpdate(ctx, id)
	}
	if id, ok := t.store.byEmail[key]; ok {
		return t.GetAccountForUpdate(ctx, id)
	}
	return nil, domain.NewNotFoundError("account", email)
}

func (t *memoryTx) InsertAccount(_ context.Context, acc *domain.Account) (bool, error) {
	key := domain.NormalizeEmail(acc.Email)
	if _, ok := t.store.byEmail[key]; ok {
		return false, nil
	}
	if _, ok := t.emails[key]; ok {
		return false, nil
	}

	now := time.Now().UTC()
	acc.ID = t.newID()
	acc.Email = key
	acc.CreatedAt = now
	acc.UpdatedAt = now

	if t.emails == nil {
		t.emails = make(map[string]int64)
	}
	t.emails[key] = acc.ID
	t.accounts[acc.ID] = *acc
	return true, nil
}

func (t *memoryTx) UpdateSubscription(_ context.Context, acc *domain.Account) error {
	cur, ok := t.lookup(acc.ID)
	if !ok {
		return domain.NewNotFoundError("account", fmt.Sprint(acc.ID))
	}
	acc.UpdatedAt = time.Now().UTC()

	cur.SubscriptionStart = acc.SubscriptionStart
	cur.SubscriptionEnd = acc.SubscriptionEnd
	cur.Canceled = acc.Canceled
	cur.DeactivationReason = acc.DeactivationReason
	cur.ProviderSubscriptionID = acc.ProviderSubscriptionID
	cur.FreeUsesRemaining = acc.FreeUsesRemaining
	cur.NeedsReview = acc.NeedsReview
	cur.UpdatedAt = acc.UpdatedAt
	t.accounts[acc.ID] = cur
	return nil
}

func (t *memoryTx) ConsumeFreeUse(_ context.Context, accountID int64) (bool, error) {
	acc, ok := t.lookup(accountID)
	if !ok || acc.FreeUsesRemaining <= 0 {
		return false, nil
	}
	acc.FreeUsesRemaining--
	acc.UpdatedAt = time.Now().UTC()
	t.accounts[accountID] = acc
	return true, nil
}

func (t *memoryTx) AppendUsage(_ context.Context, rec *domain.UsageRecord) error {
	t.usage = append(t.usage, rec)
	return nil
}

func (t *memoryTx) BillingEventExists(_ context.Context, providerSubscriptionID, idempotencyKey string) (bool, error) {
	return t.eventExists(providerSubscriptionID, idempotencyKey), nil
}

func (t *memoryTx) InsertBillingEvent(_ context.Context, ev *domain.BillingEvent) error {
	if t.eventExists(ev.ProviderSubscriptionID, ev.IdempotencyKey) {
		return domain.NewConflictError("billing_event", ev.IdempotencyKey)
	}
	ev.ID = t.newID()
	ev.CreatedAt = time.Now().UTC()
	t.events = append(t.events, *ev)
	return nil
}

func (t *memoryTx) eventExists(providerSubscriptionID, idempotencyKey string) bool {
	for _, list := range [][]domain.BillingEvent{t.store.events, t.events} {
		for _, ev := range list {
			if ev.ProviderSubscriptionID == providerSubscriptionID && ev.IdempotencyKey == idempotencyKey {
				return true
			}
		}
	}
	return false
}

func (t *memoryTx) commit() {
	s := t.store
	s.nextID += t.nextID
	for id, acc := range t.accounts {
		s.accounts[id] = acc
	}
	for email, id := range t.emails {
		s.byEmail[email] = id
	}
	s.events = append(s.events, t.events...)
	for _, rec := range t.usage {
		s.appendUsageLocked(rec)
	}
}
