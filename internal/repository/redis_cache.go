package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/travel-entitlements/internal/domain"
	"github.com/Dhoini/travel-entitlements/pkg/logger"
	"github.com/redis/go-redis/v9"
)

const (
	// Префикс ключей снимков аккаунтов
	accountKeyPrefix = "account:"

	// TTL для кэша
	defaultCacheTTL = time.Minute
)

// AccountCache кэш снимков аккаунтов в Redis. Доступ по-прежнему вычисляется
// из subscription_end в момент чтения, поэтому истёкшая подписка в кэше
// доступа не даёт.
type AccountCache struct {
	client redis.UniversalClient
	ttl    time.Duration
	log    *logger.Logger
}

// NewRedisClient подключается к Redis и проверяет соединение
func NewRedisClient(ctx context.Context, addr, password string, db int, log *logger.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Проверяем соединение с Redis
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Errorw("Failed to connect to Redis", "error", err)
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Infow("Connected to Redis successfully", "addr", addr)
	return client, nil
}

// NewAccountCache создает кэш аккаунтов
func NewAccountCache(client redis.UniversalClient, ttl time.Duration, log *logger.Logger) *AccountCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &AccountCache{client: client, ttl: ttl, log: log}
}

func accountKey(id int64) string {
	return fmt.Sprintf("%s%d", accountKeyPrefix, id)
}

// Get получает аккаунт из кэша. Промах возвращает (nil, nil).
func (c *AccountCache) Get(ctx context.Context, id int64) (*domain.Account, error) {
	data, err := c.client.Get(ctx, accountKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			c.log.Debugw("Account not found in cache", "accountID", id)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get account from cache: %w", err)
	}

	var acc domain.Account
	if err := json.Unmarshal(data, &acc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached account: %w", err)
	}
	return &acc, nil
}

// Set кэширует снимок аккаунта
func (c *AccountCache) Set(ctx context.Context, acc *domain.Account) error {
	data, err := json.Marshal(acc)
	if err != nil {
		return fmt.Errorf("failed to marshal account: %w", err)
	}
	if err := c.client.Set(ctx, accountKey(acc.ID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache account: %w", err)
	}
	return nil
}

// Invalidate удаляет снимки аккаунтов из кэша
func (c *AccountCache) Invalidate(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = accountKey(id)
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.log.Errorw("Failed to invalidate cached accounts", "error", err, "count", len(ids))
		return fmt.Errorf("failed to invalidate accounts: %w", err)
	}
	c.log.Debugw("Accounts invalidated in cache", "count", len(ids))
	return nil
}

// CachedAccountReader читает аккаунты сначала из кэша, потом из хранилища.
// Ошибки кэша не прерывают чтение.
type CachedAccountReader struct {
	store AccountReader
	cache *AccountCache
	log   *logger.Logger
}

// NewCachedAccountReader создает читатель с кешированием
func NewCachedAccountReader(store AccountReader, cache *AccountCache, log *logger.Logger) *CachedAccountReader {
	return &CachedAccountReader{store: store, cache: cache, log: log}
}

// GetAccount получает аккаунт по ID (сначала из кеша, потом из БД)
func (r *CachedAccountReader) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	cached, err := r.cache.Get(ctx, id)
	if err != nil {
		r.log.Warnw("Error getting account from cache", "error", err, "accountID", id)
	}
	if cached != nil {
		return cached, nil
	}

	acc, err := r.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := r.cache.Set(ctx, acc); err != nil {
		r.log.Warnw("Failed to cache account after fetching", "error", err, "accountID", id)
	}
	return acc, nil
}

// GetAccountByEmail идёт напрямую в хранилище, кэш индексирован только по ID
func (r *CachedAccountReader) GetAccountByEmail(ctx context.Context, email string) (*domain.Account, error) {
	return r.store.GetAccountByEmail(ctx, email)
}
