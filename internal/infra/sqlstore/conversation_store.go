package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/boddenberg/wa-commerce-go/internal/domain"
)

// ============================================================
// Conversation state: one row per (tenant, chat)
// ============================================================

func (s *Store) GetConversation(ctx context.Context, tenantID, chatID string) (*domain.ConversationRecord, error) {
	ctx, span := tracer.Start(ctx, "SQLStore.GetConversation")
	defer span.End()

	var rec domain.ConversationRecord
	var step string
	var last dbTime
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT tenant_id, chat_id, step, product_id, variant_id, quantity, delivery_address,
		       order_id, payment_link_id, payment_link_url, last_activity_at
		FROM conversations
		WHERE tenant_id = ? AND chat_id = ?`), tenantID, chatID).Scan(
		&rec.TenantID, &rec.ChatID, &step, &rec.ProductID, &rec.VariantID, &rec.Quantity,
		&rec.DeliveryAddress, &rec.OrderID, &rec.PaymentLinkID, &rec.PaymentLinkURL, &last,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "conversation", ID: tenantID + "/" + chatID}
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	rec.Step = domain.Step(step)
	rec.LastActivityAt = last.Time
	return &rec, nil
}

func (s *Store) SaveConversation(ctx context.Context, rec *domain.ConversationRecord) error {
	ctx, span := tracer.Start(ctx, "SQLStore.SaveConversation")
	defer span.End()

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO conversations (tenant_id, chat_id, step, product_id, variant_id, quantity,
			delivery_address, order_id, payment_link_id, payment_link_url, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, chat_id) DO UPDATE SET
			step = excluded.step,
			product_id = excluded.product_id,
			variant_id = excluded.variant_id,
			quantity = excluded.quantity,
			delivery_address = excluded.delivery_address,
			order_id = excluded.order_id,
			payment_link_id = excluded.payment_link_id,
			payment_link_url = excluded.payment_link_url,
			last_activity_at = excluded.last_activity_at`),
		rec.TenantID, rec.ChatID, string(rec.Step), rec.ProductID, rec.VariantID, rec.Quantity,
		rec.DeliveryAddress, rec.OrderID, rec.PaymentLinkID, rec.PaymentLinkURL, rec.LastActivityAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save conversation %s/%s: %w", rec.TenantID, rec.ChatID, err)
	}
	return nil
}

func (s *Store) ResetConversation(ctx context.Context, tenantID, chatID string, at time.Time) error {
	ctx, span := tracer.Start(ctx, "SQLStore.ResetConversation")
	defer span.End()

	return s.SaveConversation(ctx, domain.EncodeState(tenantID, chatID, domain.Idle{}, at))
}
