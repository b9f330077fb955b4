package sqlstore

import (
	"context"
	"fmt"
)

// schema is portable between Postgres and SQLite. Unset slots are stored
// as empty strings and zero quantities rather than NULLs.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS tenants (
		id               TEXT PRIMARY KEY,
		name             TEXT NOT NULL,
		phone_number_id  TEXT NOT NULL UNIQUE,
		owner_phone      TEXT NOT NULL DEFAULT '',
		payments_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		currency         TEXT NOT NULL DEFAULT 'INR'
	)`,
	`CREATE TABLE IF NOT EXISTS products (
		id          TEXT PRIMARY KEY,
		tenant_id   TEXT NOT NULL,
		name        TEXT NOT NULL,
		brand       TEXT NOT NULL DEFAULT '',
		category    TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		price       BIGINT NOT NULL,
		stock       INTEGER NOT NULL DEFAULT 0,
		image_url   TEXT NOT NULL DEFAULT '',
		active      BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_products_tenant ON products (tenant_id)`,
	`CREATE TABLE IF NOT EXISTS product_variants (
		id         TEXT PRIMARY KEY,
		product_id TEXT NOT NULL REFERENCES products (id),
		name       TEXT NOT NULL,
		price      BIGINT NOT NULL DEFAULT 0,
		stock      INTEGER NOT NULL DEFAULT 0,
		attributes TEXT NOT NULL DEFAULT '{}',
		active     BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_variants_product ON product_variants (product_id)`,
	`CREATE TABLE IF NOT EXISTS customers (
		id           TEXT PRIMARY KEY,
		tenant_id    TEXT NOT NULL,
		mobile       TEXT NOT NULL,
		name         TEXT NOT NULL DEFAULT '',
		address      TEXT NOT NULL DEFAULT '',
		total_orders INTEGER NOT NULL DEFAULT 0,
		total_spent  BIGINT NOT NULL DEFAULT 0,
		created_at   TIMESTAMP NOT NULL,
		UNIQUE (tenant_id, mobile)
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id               TEXT PRIMARY KEY,
		tenant_id        TEXT NOT NULL,
		order_number     TEXT NOT NULL,
		customer_id      TEXT NOT NULL REFERENCES customers (id),
		subtotal         BIGINT NOT NULL,
		total            BIGINT NOT NULL,
		payment_status   TEXT NOT NULL,
		status           TEXT NOT NULL,
		delivery_address TEXT NOT NULL,
		chat_id          TEXT NOT NULL DEFAULT '',
		payment_link_id  TEXT NOT NULL DEFAULT '',
		payment_link_url TEXT NOT NULL DEFAULT '',
		created_at       TIMESTAMP NOT NULL,
		paid_at          TIMESTAMP NULL,
		UNIQUE (tenant_id, order_number)
	)`,
	`CREATE TABLE IF NOT EXISTS order_items (
		id         TEXT PRIMARY KEY,
		order_id   TEXT NOT NULL REFERENCES orders (id),
		position   INTEGER NOT NULL,
		product_id TEXT NOT NULL,
		variant_id TEXT NOT NULL DEFAULT '',
		name       TEXT NOT NULL,
		unit_price BIGINT NOT NULL,
		quantity   INTEGER NOT NULL,
		line_total BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_order_items_order ON order_items (order_id)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		tenant_id        TEXT NOT NULL,
		chat_id          TEXT NOT NULL,
		step             TEXT NOT NULL,
		product_id       TEXT NOT NULL DEFAULT '',
		variant_id       TEXT NOT NULL DEFAULT '',
		quantity         INTEGER NOT NULL DEFAULT 0,
		delivery_address TEXT NOT NULL DEFAULT '',
		order_id         TEXT NOT NULL DEFAULT '',
		payment_link_id  TEXT NOT NULL DEFAULT '',
		payment_link_url TEXT NOT NULL DEFAULT '',
		last_activity_at TIMESTAMP NOT NULL,
		PRIMARY KEY (tenant_id, chat_id)
	)`,
	`CREATE TABLE IF NOT EXISTS chat_messages (
		id           TEXT PRIMARY KEY,
		tenant_id    TEXT NOT NULL,
		chat_id      TEXT NOT NULL,
		sender       TEXT NOT NULL,
		message_type TEXT NOT NULL,
		body         TEXT NOT NULL,
		metadata     TEXT NOT NULL DEFAULT '{}',
		external_id  TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_messages_chat ON chat_messages (tenant_id, chat_id, created_at)`,
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate statement %d: %w", i, err)
		}
	}
	return nil
}
