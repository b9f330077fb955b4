package sqlstore

import (
	"context"
	"fmt"
)

// Exec runs raw SQL so tests can plant rows the store would never write.
func (s *Store) Exec(ctx context.Context, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	return err
}

// ProductStock returns the current stock of a product, or of a variant
// when variantID is set.
func (s *Store) ProductStock(ctx context.Context, productID, variantID string) (int, error) {
	query := `SELECT stock FROM products WHERE id = ?`
	arg := productID
	if variantID != "" {
		query = `SELECT stock FROM product_variants WHERE id = ?`
		arg = variantID
	}
	var stock int
	if err := s.db.QueryRowContext(ctx, s.rebind(query), arg).Scan(&stock); err != nil {
		return 0, fmt.Errorf("read stock: %w", err)
	}
	return stock, nil
}

// CountCustomers returns how many customers a tenant has.
func (s *Store) CountCustomers(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM customers WHERE tenant_id = ?`), tenantID).Scan(&n)
	return n, err
}
