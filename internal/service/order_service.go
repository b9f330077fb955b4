package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/boddenberg/wa-commerce-go/internal/domain"
	"github.com/boddenberg/wa-commerce-go/internal/infra/observability"
	"github.com/boddenberg/wa-commerce-go/internal/port"
)

// maxOrderAttempts bounds retries after an order number collision.
const maxOrderAttempts = 3

// OrderService wraps the materialization transaction with retry on
// numbering conflicts and publishes order events.
type OrderService struct {
	store   port.OrderStore
	events  port.EventPublisher
	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewOrderService creates the order service.
func NewOrderService(store port.OrderStore, events port.EventPublisher, metrics *observability.Metrics, logger *zap.Logger) *OrderService {
	return &OrderService{
		store:   store,
		events:  events,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (s *OrderService) WithClock(now func() time.Time) *OrderService {
	s.now = now
	return s
}

// Place materializes an order. A duplicate order number means a concurrent
// order won the race; the transaction is retried with a fresh count.
func (s *OrderService) Place(ctx context.Context, req *domain.OrderRequest) (*domain.Order, *domain.Customer, error) {
	ctx, span := tracer.Start(ctx, "OrderService.Place")
	defer span.End()
	span.SetAttributes(attribute.String("tenant_id", req.TenantID))

	start := time.Now()
	defer func() {
		s.metrics.RecordRequestDuration("materialize_order", time.Since(start))
	}()

	var lastErr error
	for attempt := 1; attempt <= maxOrderAttempts; attempt++ {
		order, customer, err := s.store.MaterializeOrder(ctx, req, s.now())
		if err == nil {
			s.metrics.IncrOrder("created")
			span.SetAttributes(attribute.String("order_number", order.OrderNumber))
			return order, customer, nil
		}

		var dup *domain.ErrDuplicate
		if !errors.As(err, &dup) {
			s.metrics.IncrOrder("failed")
			return nil, nil, fmt.Errorf("materialize order: %w", err)
		}
		s.metrics.IncrOrder("conflict")
		s.logger.Warn("order number conflict, retrying",
			zap.String("tenant_id", req.TenantID),
			zap.String("key", dup.Key),
			zap.Int("attempt", attempt),
		)
		lastErr = err
	}
	s.metrics.IncrOrder("failed")
	return nil, nil, fmt.Errorf("materialize order after %d attempts: %w", maxOrderAttempts, lastErr)
}

// Find looks an order up by number (ORD-...) or id, scoped to the tenant.
func (s *OrderService) Find(ctx context.Context, tenantID, ref string) (*domain.Order, error) {
	ctx, span := tracer.Start(ctx, "OrderService.Find")
	defer span.End()

	ref = strings.TrimSpace(ref)
	var (
		order *domain.Order
		err   error
	)
	if strings.HasPrefix(strings.ToUpper(ref), domain.OrderNumberPrefix) {
		order, err = s.store.GetOrderByNumber(ctx, tenantID, strings.ToUpper(ref))
	} else {
		order, err = s.store.GetOrder(ctx, ref)
	}
	if err != nil {
		return nil, err
	}
	if order.TenantID != tenantID {
		return nil, &domain.ErrNotFound{Resource: "order", ID: ref}
	}
	return order, nil
}

// Get returns an order by id.
func (s *OrderService) Get(ctx context.Context, orderID string) (*domain.Order, error) {
	return s.store.GetOrder(ctx, orderID)
}

// AttachPaymentLink stores the gateway link on the order.
func (s *OrderService) AttachPaymentLink(ctx context.Context, orderID string, link *domain.PaymentLink) error {
	ctx, span := tracer.Start(ctx, "OrderService.AttachPaymentLink")
	defer span.End()

	return s.store.AttachPaymentLink(ctx, orderID, link)
}

// MarkPaid flips the order to paid and confirmed. It reports false when the
// order was already paid.
func (s *OrderService) MarkPaid(ctx context.Context, orderID string) (bool, error) {
	ctx, span := tracer.Start(ctx, "OrderService.MarkPaid")
	defer span.End()

	return s.store.MarkOrderPaid(ctx, orderID, s.now())
}

// Publish emits an order event. Failures are returned for the caller's
// report; they never undo the order.
func (s *OrderService) Publish(ctx context.Context, eventType string, order *domain.Order) error {
	if s.events == nil {
		return nil
	}
	evt := &domain.Event{
		ID:          uuid.New().String(),
		Type:        eventType,
		TenantID:    order.TenantID,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		CustomerID:  order.CustomerID,
		Total:       order.Total,
		OccurredAt:  s.now().UTC(),
	}
	if err := s.events.Publish(ctx, evt); err != nil {
		s.logger.Warn("failed to publish order event",
			zap.String("event_type", eventType),
			zap.String("order_id", order.ID),
			zap.Error(err),
		)
		return err
	}
	return nil
}
