package db

import (
	"context"
	"fmt"
	"time"

	"github.com/Dhoini/travel-entitlements/config"
	"github.com/Dhoini/travel-entitlements/pkg/logger"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

// Client держит пул pgx и поверх него sqlx.DB для репозиториев.
type Client struct {
	Pool *pgxpool.Pool
	DB   *sqlx.DB
	log  *logger.Logger
}

// Connect создает пул соединений PostgreSQL и проверяет подключение
func Connect(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (*Client, error) {
	log.Info("Connecting to PostgreSQL")

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	// Настраиваем пул соединений
	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	sqlDB := stdlib.OpenDBFromPool(pool)

	log.Info("Successfully connected to PostgreSQL")
	return &Client{
		Pool: pool,
		DB:   sqlx.NewDb(sqlDB, "pgx"),
		log:  log,
	}, nil
}

// Close закрывает соединения с базой данных.
func (c *Client) Close() error {
	err := c.DB.Close()
	c.Pool.Close()
	if err != nil {
		c.log.Errorw("Failed to close database connection", "error", err)
		return fmt.Errorf("failed to close database connection: %w", err)
	}
	return nil
}
