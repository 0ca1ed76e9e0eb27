package repository

// schema применяется по порядку, каждая инструкция идемпотентна
var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id BIGSERIAL PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT,
		pending_completion BOOLEAN NOT NULL DEFAULT FALSE,
		subscription_start TIMESTAMPTZ,
		subscription_end TIMESTAMPTZ,
		canceled BOOLEAN NOT NULL DEFAULT FALSE,
		deactivation_reason TEXT NOT NULL DEFAULT '',
		provider_subscription_id TEXT NOT NULL DEFAULT '',
		free_uses_remaining INTEGER NOT NULL DEFAULT 3 CHECK (free_uses_remaining >= 0),
		needs_review BOOLEAN NOT NULL DEFAULT FALSE,
		last_login TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_accounts_subscription_end ON accounts (subscription_end)`,
	`CREATE TABLE IF NOT EXISTS usage_records (
		id BIGSERIAL PRIMARY KEY,
		account_id BIGINT REFERENCES accounts (id),
		identity_key TEXT NOT NULL,
		feature TEXT NOT NULL,
		outcome TEXT NOT NULL CHECK (outcome IN ('granted', 'denied', 'error')),
		reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_records_identity ON usage_records (identity_key, created_at)`,
	`CREATE TABLE IF NOT EXISTS billing_events (
		id BIGSERIAL PRIMARY KEY,
		account_id BIGINT REFERENCES accounts (id),
		provider TEXT NOT NULL,
		kind TEXT NOT NULL,
		provider_subscription_id TEXT NOT NULL DEFAULT '',
		payment_status TEXT NOT NULL DEFAULT '',
		payment_method TEXT NOT NULL DEFAULT '',
		amount NUMERIC(12, 2) NOT NULL DEFAULT 0,
		next_payment_date TIMESTAMPTZ,
		idempotency_key TEXT NOT NULL,
		outcome TEXT NOT NULL,
		raw_payload BYTEA,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		CONSTRAINT uq_billing_events_idempotency UNIQUE (provider_subscription_id, idempotency_key)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_billing_events_account ON billing_events (account_id)`,
}
