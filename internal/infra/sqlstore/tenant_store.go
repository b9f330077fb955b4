package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/boddenberg/wa-commerce-go/internal/domain"
)

const tenantColumns = `id, name, phone_number_id, owner_phone, payments_enabled, currency`

func (s *Store) GetTenant(ctx context.Context, tenantID string) (*domain.Tenant, error) {
	ctx, span := tracer.Start(ctx, "SQLStore.GetTenant")
	defer span.End()

	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+tenantColumns+` FROM tenants WHERE id = ?`), tenantID)
	return scanTenant(row, tenantID)
}

func (s *Store) GetTenantByPhoneNumberID(ctx context.Context, phoneNumberID string) (*domain.Tenant, error) {
	ctx, span := tracer.Start(ctx, "SQLStore.GetTenantByPhoneNumberID")
	defer span.End()

	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+tenantColumns+` FROM tenants WHERE phone_number_id = ?`), phoneNumberID)
	return scanTenant(row, phoneNumberID)
}

// UpsertTenant creates or updates a tenant. Used by seeding and tests.
func (s *Store) UpsertTenant(ctx context.Context, t *domain.Tenant) error {
	ctx, span := tracer.Start(ctx, "SQLStore.UpsertTenant")
	defer span.End()

	currency := t.Currency
	if currency == "" {
		currency = "INR"
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO tenants (id, name, phone_number_id, owner_phone, payments_enabled, currency)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			phone_number_id = excluded.phone_number_id,
			owner_phone = excluded.owner_phone,
			payments_enabled = excluded.payments_enabled,
			currency = excluded.currency`),
		t.ID, t.Name, t.PhoneNumberID, t.OwnerPhone, t.PaymentsEnabled, currency,
	)
	if err != nil {
		return fmt.Errorf("upsert tenant %s: %w", t.ID, err)
	}
	return nil
}

func scanTenant(row *sql.Row, key string) (*domain.Tenant, error) {
	var t domain.Tenant
	err := row.Scan(&t.ID, &t.Name, &t.PhoneNumberID, &t.OwnerPhone, &t.PaymentsEnabled, &t.Currency)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "tenant", ID: key}
	}
	if err != nil {
		return nil, fmt.Errorf("scan tenant: %w", err)
	}
	return &t, nil
}
