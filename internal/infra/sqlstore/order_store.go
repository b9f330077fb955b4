package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/boddenberg/wa-commerce-go/internal/domain"
)

// ============================================================
// Orders: the materialization transaction
// ============================================================

// MaterializeOrder upserts the customer, allocates ORD-YYMMDD-NNN, writes
// the order and its lines, decrements stock and bumps the customer
// aggregates. Everything commits together or not at all.
func (s *Store) MaterializeOrder(ctx context.Context, req *domain.OrderRequest, at time.Time) (*domain.Order, *domain.Customer, error) {
	ctx, span := tracer.Start(ctx, "SQLStore.MaterializeOrder")
	defer span.End()
	span.SetAttributes(attribute.String("tenant_id", req.TenantID))

	if err := req.Validate(); err != nil {
		return nil, nil, err
	}
	mobile, err := domain.NormalizeMobile(req.CustomerPhone)
	if err != nil {
		return nil, nil, err
	}
	at = at.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if s.dialect == Postgres {
		// serialises numbering per tenant; released at commit/rollback
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1::text))`, req.TenantID); err != nil {
			return nil, nil, fmt.Errorf("failed to lock tenant numbering: %w", err)
		}
	}

	// 1. customer
	customer, err := s.findOrCreateCustomer(ctx, tx, req, mobile, at)
	if err != nil {
		return nil, nil, err
	}

	// 2. order number
	prefix := domain.OrderDayPrefix(at, s.loc)
	var todays int
	if err := tx.QueryRowContext(ctx, s.rebind(
		`SELECT COUNT(*) FROM orders WHERE tenant_id = ? AND order_number LIKE ?`),
		req.TenantID, prefix+"%",
	).Scan(&todays); err != nil {
		return nil, nil, fmt.Errorf("failed to count today's orders: %w", err)
	}
	number := domain.FormatOrderNumber(at, s.loc, todays+1)

	// 3. order + lines
	total := req.Total()
	order := &domain.Order{
		ID:              uuid.NewString(),
		TenantID:        req.TenantID,
		OrderNumber:     number,
		CustomerID:      customer.ID,
		Subtotal:        total,
		Total:           total,
		PaymentStatus:   domain.PaymentStatusPending,
		Status:          domain.OrderStatusPending,
		DeliveryAddress: req.DeliveryAddress,
		ChatID:          req.ChatID,
		CreatedAt:       at,
	}
	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO orders (id, tenant_id, order_number, customer_id, subtotal, total,
			payment_status, status, delivery_address, chat_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		order.ID, order.TenantID, order.OrderNumber, order.CustomerID, order.Subtotal, order.Total,
		order.PaymentStatus, order.Status, order.DeliveryAddress, order.ChatID, at,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, nil, &domain.ErrDuplicate{Key: req.TenantID + "/" + number}
		}
		return nil, nil, fmt.Errorf("failed to insert order: %w", err)
	}

	for i, it := range req.Items {
		line := it
		line.LineTotal = it.UnitPrice * int64(it.Quantity)
		_, err = tx.ExecContext(ctx, s.rebind(`
			INSERT INTO order_items (id, order_id, position, product_id, variant_id, name, unit_price, quantity, line_total)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			uuid.NewString(), order.ID, i, line.ProductID, line.VariantID, line.Name, line.UnitPrice, line.Quantity, line.LineTotal,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to insert order item: %w", err)
		}
		order.Items = append(order.Items, line)

		// 4. stock; negative values are the oversell signal
		if err := s.decrementStock(ctx, tx, req.TenantID, line); err != nil {
			return nil, nil, err
		}
	}

	// 5. customer aggregates + address backfill
	_, err = tx.ExecContext(ctx, s.rebind(`
		UPDATE customers SET
			total_orders = total_orders + 1,
			total_spent = total_spent + ?,
			address = CASE WHEN address = '' THEN ? ELSE address END,
			name = CASE WHEN name = '' THEN ? ELSE name END
		WHERE id = ?`),
		total, req.DeliveryAddress, req.CustomerName, customer.ID,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to update customer aggregates: %w", err)
	}

	// 6. link the chat to the order so a lost state save cannot re-place it
	if req.ChatID != "" {
		_, err = tx.ExecContext(ctx, s.rebind(`
			UPDATE conversations SET step = ?, delivery_address = ?, order_id = ?, last_activity_at = ?
			WHERE tenant_id = ? AND chat_id = ?`),
			string(domain.StepAwaitingPayment), req.DeliveryAddress, order.ID, at.UTC(), req.TenantID, req.ChatID,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to link conversation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return nil, nil, &domain.ErrDuplicate{Key: req.TenantID + "/" + number}
		}
		return nil, nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	customer.TotalOrders++
	customer.TotalSpent += total
	if customer.Address == "" {
		customer.Address = req.DeliveryAddress
	}
	if customer.Name == "" {
		customer.Name = req.CustomerName
	}

	s.logger.Info("order materialized",
		zap.String("tenant_id", order.TenantID),
		zap.String("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.Int64("total", order.Total),
	)
	return order, customer, nil
}

func (s *Store) findOrCreateCustomer(ctx context.Context, tx *sql.Tx, req *domain.OrderRequest, mobile string, at time.Time) (*domain.Customer, error) {
	c := &domain.Customer{TenantID: req.TenantID, Mobile: mobile}
	var created dbTime
	err := tx.QueryRowContext(ctx, s.rebind(`
		SELECT id, name, address, total_orders, total_spent, created_at
		FROM customers WHERE tenant_id = ? AND mobile = ?`),
		req.TenantID, mobile,
	).Scan(&c.ID, &c.Name, &c.Address, &c.TotalOrders, &c.TotalSpent, &created)
	if err == nil {
		c.CreatedAt = created.Time
		return c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to look up customer: %w", err)
	}

	c.ID = uuid.NewString()
	c.CreatedAt = at
	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO customers (id, tenant_id, mobile, name, address, total_orders, total_spent, created_at)
		VALUES (?, ?, ?, '', '', 0, 0, ?)`),
		c.ID, req.TenantID, mobile, at,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, &domain.ErrDuplicate{Key: req.TenantID + "/" + mobile}
		}
		return nil, fmt.Errorf("failed to insert customer: %w", err)
	}
	return c, nil
}

func (s *Store) decrementStock(ctx context.Context, tx *sql.Tx, tenantID string, line domain.OrderItem) error {
	res, err := tx.ExecContext(ctx, s.rebind(
		`UPDATE products SET stock = stock - ? WHERE id = ? AND tenant_id = ?`),
		line.Quantity, line.ProductID, tenantID,
	)
	if err != nil {
		return fmt.Errorf("failed to update product stock: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &domain.ErrNotFound{Resource: "product", ID: line.ProductID}
	}

	if line.VariantID == "" {
		return nil
	}
	res, err = tx.ExecContext(ctx, s.rebind(
		`UPDATE product_variants SET stock = stock - ? WHERE id = ? AND product_id = ?`),
		line.Quantity, line.VariantID, line.ProductID,
	)
	if err != nil {
		return fmt.Errorf("failed to update variant stock: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &domain.ErrNotFound{Resource: "variant", ID: line.VariantID}
	}
	return nil
}

// ============================================================
// Orders: lookups and payment bookkeeping
// ============================================================

const orderColumns = `id, tenant_id, order_number, customer_id, subtotal, total, payment_status, status,
	delivery_address, chat_id, payment_link_id, payment_link_url, created_at, paid_at`

func (s *Store) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	ctx, span := tracer.Start(ctx, "SQLStore.GetOrder")
	defer span.End()

	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+orderColumns+` FROM orders WHERE id = ?`), orderID)
	return s.loadOrder(ctx, row, orderID)
}

func (s *Store) GetOrderByNumber(ctx context.Context, tenantID, orderNumber string) (*domain.Order, error) {
	ctx, span := tracer.Start(ctx, "SQLStore.GetOrderByNumber")
	defer span.End()

	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+orderColumns+` FROM orders WHERE tenant_id = ? AND order_number = ?`), tenantID, orderNumber)
	return s.loadOrder(ctx, row, orderNumber)
}

func (s *Store) AttachPaymentLink(ctx context.Context, orderID string, link *domain.PaymentLink) error {
	ctx, span := tracer.Start(ctx, "SQLStore.AttachPaymentLink")
	defer span.End()

	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE orders SET payment_link_id = ?, payment_link_url = ? WHERE id = ?`),
		link.ID, link.URL, orderID,
	)
	if err != nil {
		return fmt.Errorf("attach payment link: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &domain.ErrNotFound{Resource: "order", ID: orderID}
	}
	return nil
}

func (s *Store) MarkOrderPaid(ctx context.Context, orderID string, at time.Time) (bool, error) {
	ctx, span := tracer.Start(ctx, "SQLStore.MarkOrderPaid")
	defer span.End()

	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE orders SET payment_status = ?, status = ?, paid_at = ?
		WHERE id = ? AND payment_status <> ?`),
		domain.PaymentStatusPaid, domain.OrderStatusConfirmed, at.UTC(), orderID, domain.PaymentStatusPaid,
	)
	if err != nil {
		return false, fmt.Errorf("mark order paid: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark order paid: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	// distinguish "already paid" from "no such order"
	if _, err := s.GetOrder(ctx, orderID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) loadOrder(ctx context.Context, row *sql.Row, key string) (*domain.Order, error) {
	var o domain.Order
	var created, paid dbTime
	err := row.Scan(&o.ID, &o.TenantID, &o.OrderNumber, &o.CustomerID, &o.Subtotal, &o.Total,
		&o.PaymentStatus, &o.Status, &o.DeliveryAddress, &o.ChatID, &o.PaymentLinkID, &o.PaymentLinkURL,
		&created, &paid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "order", ID: key}
	}
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}
	o.CreatedAt = created.Time
	if paid.Valid {
		t := paid.Time
		o.PaidAt = &t
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT product_id, variant_id, name, unit_price, quantity, line_total
		FROM order_items WHERE order_id = ? ORDER BY position`), o.ID)
	if err != nil {
		return nil, fmt.Errorf("query order items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var it domain.OrderItem
		if err := rows.Scan(&it.ProductID, &it.VariantID, &it.Name, &it.UnitPrice, &it.Quantity, &it.LineTotal); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		o.Items = append(o.Items, it)
	}
	return &o, rows.Err()
}

// GetCustomer looks a customer up by (tenant, mobile).
func (s *Store) GetCustomer(ctx context.Context, tenantID, phone string) (*domain.Customer, error) {
	ctx, span := tracer.Start(ctx, "SQLStore.GetCustomer")
	defer span.End()

	mobile, err := domain.NormalizeMobile(phone)
	if err != nil {
		return nil, err
	}
	c := &domain.Customer{TenantID: tenantID, Mobile: mobile}
	var created dbTime
	err = s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, name, address, total_orders, total_spent, created_at
		FROM customers WHERE tenant_id = ? AND mobile = ?`), tenantID, mobile,
	).Scan(&c.ID, &c.Name, &c.Address, &c.TotalOrders, &c.TotalSpent, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "customer", ID: mobile}
	}
	if err != nil {
		return nil, fmt.Errorf("get customer: %w", err)
	}
	c.CreatedAt = created.Time
	return c, nil
}
