// Package usage считает бесплатные использования платных функций.
package usage

import (
	"context"
	"sync"

	"github.com/Dhoini/travel-entitlements/internal/domain"
)

// AccountConsumer атомарно списывает бесплатное использование аккаунта.
// Реализуется транзакцией хранилища.
type AccountConsumer interface {
	ConsumeFreeUse(ctx context.Context, accountID int64) (bool, error)
}

// MemoryCounter счётчик анонимных использований в памяти процесса.
// Живёт столько же, сколько сервер, сбрасывается только перезапуском.
type MemoryCounter struct {
	mu    sync.Mutex
	limit int
	used  map[string]int
}

// NewMemoryCounter создает счётчик с лимитом limit на идентичность
func NewMemoryCounter(limit int) *MemoryCounter {
	return &MemoryCounter{
		limit: limit,
		used:  make(map[string]int),
	}
}

// Consume увеличивает счётчик key, если лимит ещё не исчерпан
func (c *MemoryCounter) Consume(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.used[key] >= c.limit {
		return false
	}
	c.used[key]++
	return true
}

// Release возвращает одно использование key, списанное Consume
func (c *MemoryCounter) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.used[key] > 1 {
		c.used[key]--
		return
	}
	delete(c.used, key)
}

// Remaining сколько бесплатных использований осталось у key
func (c *MemoryCounter) Remaining(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if left := c.limit - c.used[key]; left > 0 {
		return left
	}
	return 0
}

// Limit лимит бесплатных использований
func (c *MemoryCounter) Limit() int {
	return c.limit
}

// Counter единая точка списания бесплатных использований: анонимные идут в
// MemoryCounter, аккаунты в долговременное поле free_uses_remaining.
type Counter struct {
	anon *MemoryCounter
}

// NewCounter создает счётчик поверх анонимного хранилища
func NewCounter(anon *MemoryCounter) *Counter {
	return &Counter{anon: anon}
}

// ConsumeFreeUse списывает одно бесплатное использование identity.
// Для аккаунта accounts обязателен.
func (c *Counter) ConsumeFreeUse(ctx context.Context, identity domain.Identity, accounts AccountConsumer) (bool, error) {
	if identity.Anonymous() {
		return c.anon.Consume(identity.Key()), nil
	}
	if accounts == nil {
		return false, domain.ErrInvalidInput
	}
	return accounts.ConsumeFreeUse(ctx, *identity.AccountID)
}

// Refund возвращает анонимное использование, решение по которому не состоялось.
// Списание аккаунта откатывается вместе с его транзакцией, здесь не трогается.
func (c *Counter) Refund(identity domain.Identity) {
	if identity.Anonymous() {
		c.anon.Release(identity.Key())
	}
}

// Remaining остаток для identity. Для аккаунта берётся из его снимка.
func (c *Counter) Remaining(identity domain.Identity, account *domain.Account) int {
	if identity.Anonymous() || account == nil {
		return c.anon.Remaining(identity.Key())
	}
	return account.FreeUsesRemaining
}
