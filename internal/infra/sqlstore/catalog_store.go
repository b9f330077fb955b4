package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/boddenberg/wa-commerce-go/internal/domain"
)

// ============================================================
// Catalog: active products with their active variants
// ============================================================

func (s *Store) ListActiveProducts(ctx context.Context, tenantID string) ([]domain.Product, error) {
	ctx, span := tracer.Start(ctx, "SQLStore.ListActiveProducts")
	defer span.End()

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, tenant_id, name, brand, category, description, price, stock, image_url, active
		FROM products
		WHERE tenant_id = ? AND active = ?
		ORDER BY name`), tenantID, true)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	var products []domain.Product
	index := map[string]int{}
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.TenantID, &p.Name, &p.Brand, &p.Category, &p.Description,
			&p.Price, &p.Stock, &p.ImageURL, &p.Active); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		index[p.ID] = len(products)
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(products) == 0 {
		return products, nil
	}

	vrows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT v.id, v.product_id, v.name, v.price, v.stock, v.attributes, v.active
		FROM product_variants v
		JOIN products p ON p.id = v.product_id
		WHERE p.tenant_id = ? AND p.active = ? AND v.active = ?
		ORDER BY v.name`), tenantID, true, true)
	if err != nil {
		return nil, fmt.Errorf("query variants: %w", err)
	}
	defer vrows.Close()

	for vrows.Next() {
		var v domain.Variant
		var attrs string
		if err := vrows.Scan(&v.ID, &v.ProductID, &v.Name, &v.Price, &v.Stock, &attrs, &v.Active); err != nil {
			return nil, fmt.Errorf("scan variant: %w", err)
		}
		if attrs != "" && attrs != "{}" {
			if err := json.Unmarshal([]byte(attrs), &v.Attributes); err != nil {
				s.logger.Sugar().Warnw("ignoring malformed variant attributes", "variant_id", v.ID, "error", err)
			}
		}
		if i, ok := index[v.ProductID]; ok {
			products[i].Variants = append(products[i].Variants, v)
		}
	}
	return products, vrows.Err()
}

// UpsertProduct writes a product and replaces its variants. Used by
// seeding and tests; catalog management lives in the dashboard.
func (s *Store) UpsertProduct(ctx context.Context, p *domain.Product) error {
	ctx, span := tracer.Start(ctx, "SQLStore.UpsertProduct")
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO products (id, tenant_id, name, brand, category, description, price, stock, image_url, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name, brand = excluded.brand, category = excluded.category,
			description = excluded.description, price = excluded.price, stock = excluded.stock,
			image_url = excluded.image_url, active = excluded.active`),
		p.ID, p.TenantID, p.Name, p.Brand, p.Category, p.Description, p.Price, p.Stock, p.ImageURL, p.Active)
	if err != nil {
		return fmt.Errorf("upsert product %s: %w", p.ID, err)
	}

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM product_variants WHERE product_id = ?`), p.ID); err != nil {
		return fmt.Errorf("clear variants: %w", err)
	}
	for _, v := range p.Variants {
		attrs, err := json.Marshal(v.Attributes)
		if err != nil {
			return fmt.Errorf("encode attributes: %w", err)
		}
		if v.Attributes == nil {
			attrs = []byte("{}")
		}
		_, err = tx.ExecContext(ctx, s.rebind(`
			INSERT INTO product_variants (id, product_id, name, price, stock, attributes, active)
			VALUES (?, ?, ?, ?, ?, ?, ?)`),
			v.ID, p.ID, v.Name, v.Price, v.Stock, string(attrs), v.Active)
		if err != nil {
			return fmt.Errorf("insert variant %s: %w", v.ID, err)
		}
	}
	return tx.Commit()
}
