package service

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/boddenberg/wa-commerce-go/internal/domain"
	"github.com/boddenberg/wa-commerce-go/internal/infra/observability"
	"github.com/boddenberg/wa-commerce-go/internal/port"
)

// PaymentConfirmation is the outcome of OnPaymentConfirmed.
type PaymentConfirmation struct {
	Order       *domain.Order
	AlreadyPaid bool
	Reset       bool
	Effects     []domain.SideEffectResult
}

// PaymentService handles the post-payment sequence: mark paid, thank the
// customer, release the conversation.
type PaymentService struct {
	orders        *OrderService
	tenants       port.TenantStore
	conversations *ConversationService
	messages      port.MessageStore
	sender        port.MessageSender
	metrics       *observability.Metrics
	logger        *zap.Logger
}

// NewPaymentService creates the payment confirmation service.
func NewPaymentService(
	orders *OrderService,
	tenants port.TenantStore,
	conversations *ConversationService,
	messages port.MessageStore,
	sender port.MessageSender,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *PaymentService {
	return &PaymentService{
		orders:        orders,
		tenants:       tenants,
		conversations: conversations,
		messages:      messages,
		sender:        sender,
		metrics:       metrics,
		logger:        logger,
	}
}

// OnPaymentConfirmed marks the order paid and confirmed, sends the
// confirmation and resets the originating conversation. Repeated calls for
// a paid order do nothing.
func (p *PaymentService) OnPaymentConfirmed(ctx context.Context, orderID string) (*PaymentConfirmation, error) {
	ctx, span := tracer.Start(ctx, "PaymentService.OnPaymentConfirmed")
	defer span.End()
	span.SetAttributes(attribute.String("order_id", orderID))

	start := time.Now()
	defer func() {
		p.metrics.RecordRequestDuration("payment_confirmed", time.Since(start))
	}()

	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, &domain.ErrValidation{Field: "orderId", Message: "required"}
	}

	changed, err := p.orders.MarkPaid(ctx, orderID)
	if err != nil {
		return nil, err
	}
	order, err := p.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	res := &PaymentConfirmation{Order: order, AlreadyPaid: !changed}
	if !changed {
		p.logger.Info("payment already confirmed",
			zap.String("order_id", orderID),
			zap.String("order_number", order.OrderNumber),
		)
		return res, nil
	}

	record := func(kind string, err error) {
		res.Effects = append(res.Effects, domain.SideEffectResult{Kind: kind, Err: err})
		if err != nil {
			p.metrics.IncrSideEffectFailure(kind)
			p.logger.Warn("payment confirmation side effect failed",
				zap.String("order_id", orderID),
				zap.String("effect", kind),
				zap.Error(err),
			)
		}
	}

	record(domain.EffectPublishEvent, p.orders.Publish(ctx, domain.EventOrderPaid, order))

	if order.ChatID == "" {
		return res, nil
	}

	tenant, err := p.tenants.GetTenant(ctx, order.TenantID)
	if err != nil {
		record(domain.EffectSendText, err)
	} else {
		body := paymentConfirmation(order)
		sendErr := p.sender.SendText(ctx, tenant.PhoneNumberID, order.ChatID, body)
		record(domain.EffectSendText, sendErr)

		meta := map[string]any{"order_id": order.ID, "order_number": order.OrderNumber}
		if sendErr != nil {
			meta["delivery_failed"] = true
		}
		record(domain.EffectRecordMessage, p.messages.SaveMessage(ctx, &domain.ChatMessage{
			TenantID:    order.TenantID,
			ChatID:      order.ChatID,
			Sender:      domain.SenderAI,
			MessageType: domain.MessagePaymentConfirmation,
			Body:        body,
			Metadata:    meta,
			CreatedAt:   time.Now().UTC(),
		}))
	}

	reset, err := p.conversations.ResetIfAwaiting(ctx, order.TenantID, order.ChatID, order.ID)
	record(domain.EffectResetState, err)
	res.Reset = reset

	p.logger.Info("payment confirmed",
		zap.String("tenant_id", order.TenantID),
		zap.String("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.Bool("conversation_reset", reset),
	)
	return res, nil
}
