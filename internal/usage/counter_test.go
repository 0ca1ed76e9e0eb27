package usage

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/Dhoini/travel-entitlements/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCounter_Limit(t *testing.T) {
	c := NewMemoryCounter(3)

	for i := 0; i < 3; i++ {
		assert.True(t, c.Consume("ip:1.1.1.1"), "use %d", i+1)
	}
	assert.False(t, c.Consume("ip:1.1.1.1"))
	assert.False(t, c.Consume("ip:1.1.1.1"), "stays exhausted")
	assert.Equal(t, 0, c.Remaining("ip:1.1.1.1"))

	assert.Equal(t, 3, c.Remaining("ip:2.2.2.2"), "keys are independent")
}

func TestMemoryCounter_ConcurrentConsume(t *testing.T) {
	tests := []struct {
		name  string
		limit int
		n     int
	}{
		{name: "k=3 n=100", limit: 3, n: 100},
		{name: "k=1 n=2", limit: 1, n: 2},
		{name: "k=0 n=10", limit: 0, n: 10},
		{name: "k=49 n=50", limit: 49, n: 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewMemoryCounter(tt.limit)

			var (
				wg      sync.WaitGroup
				allowed atomic.Int64
				start   = make(chan struct{})
			)
			for i := 0; i < tt.n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					if c.Consume("ip:9.9.9.9") {
						allowed.Add(1)
					}
				}()
			}
			close(start)
			wg.Wait()

			assert.Equal(t, int64(tt.limit), allowed.Load())
		})
	}
}

type fakeAccounts struct {
	mu        sync.Mutex
	remaining map[int64]int
}

func (f *fakeAccounts) ConsumeFreeUse(_ context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remaining[id] <= 0 {
		return false, nil
	}
	f.remaining[id]--
	return true, nil
}

func TestCounter_DelegatesAccounts(t *testing.T) {
	ctx := context.Background()
	c := NewCounter(NewMemoryCounter(3))
	id := int64(5)
	accounts := &fakeAccounts{remaining: map[int64]int{5: 1}}

	ok, err := c.ConsumeFreeUse(ctx, domain.Identity{IP: "1.1.1.1", AccountID: &id}, accounts)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.ConsumeFreeUse(ctx, domain.Identity{IP: "1.1.1.1", AccountID: &id}, accounts)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, 3, c.Remaining(domain.Identity{IP: "1.1.1.1"}, nil), "account path does not touch the ip counter")

	_, err = c.ConsumeFreeUse(ctx, domain.Identity{AccountID: &id}, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestCounter_RefundAnonymous(t *testing.T) {
	c := NewCounter(NewMemoryCounter(1))
	anon := domain.Identity{IP: "192.0.2.7"}

	ok, err := c.ConsumeFreeUse(context.Background(), anon, nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, c.Remaining(anon, nil))

	c.Refund(anon)
	assert.Equal(t, 1, c.Remaining(anon, nil))

	c.Refund(anon)
	assert.Equal(t, 1, c.Remaining(anon, nil), "refund never exceeds the limit")

	id := int64(5)
	c.Refund(domain.Identity{AccountID: &id})
	assert.Equal(t, 1, c.Remaining(anon, nil))
}
