package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/boddenberg/wa-commerce-go/internal/domain"
	"github.com/boddenberg/wa-commerce-go/internal/port"
)

// ConversationService owns conversation persistence, the inactivity
// window and the per-chat lock.
type ConversationService struct {
	store  port.ConversationStore
	locks  *chatLocks
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger
}

// NewConversationService creates the conversation service. ttl is the
// inactivity window after which a stored conversation counts as idle.
func NewConversationService(store port.ConversationStore, ttl time.Duration, logger *zap.Logger) *ConversationService {
	return &ConversationService{
		store:  store,
		locks:  newChatLocks(),
		ttl:    ttl,
		now:    time.Now,
		logger: logger,
	}
}

// WithClock replaces the time source. Used by tests.
func (s *ConversationService) WithClock(now func() time.Time) *ConversationService {
	s.now = now
	return s
}

// Now returns the service clock.
func (s *ConversationService) Now() time.Time { return s.now() }

// Lock serialises work on one chat. Callers must invoke the returned func.
func (s *ConversationService) Lock(tenantID, chatID string) func() {
	return s.locks.lock(tenantID, chatID)
}

// Load returns the current state of a chat. existing reports whether a row
// was found, even if it was stale or unreadable and came back as Idle.
func (s *ConversationService) Load(ctx context.Context, tenantID, chatID string) (state domain.ConversationState, existing bool, err error) {
	ctx, span := tracer.Start(ctx, "ConversationService.Load")
	defer span.End()
	span.SetAttributes(attribute.String("tenant_id", tenantID))

	rec, err := s.store.GetConversation(ctx, tenantID, chatID)
	if err != nil {
		var nf *domain.ErrNotFound
		if errors.As(err, &nf) {
			return domain.Idle{}, false, nil
		}
		return domain.Idle{}, false, fmt.Errorf("load conversation: %w", err)
	}

	if rec.Stale(s.now(), s.ttl) {
		s.logger.Debug("conversation stale, treating as idle",
			zap.String("tenant_id", tenantID),
			zap.String("chat_id", chatID),
			zap.String("step", string(rec.Step)),
			zap.Time("last_activity_at", rec.LastActivityAt),
		)
		return domain.Idle{}, true, nil
	}

	st, err := domain.DecodeState(rec)
	if err != nil {
		s.logger.Warn("discarding inconsistent conversation",
			zap.String("tenant_id", tenantID),
			zap.String("chat_id", chatID),
			zap.Error(err),
		)
		return domain.Idle{}, true, nil
	}
	return st, true, nil
}

// Save persists state and stamps the activity time.
func (s *ConversationService) Save(ctx context.Context, tenantID, chatID string, state domain.ConversationState) error {
	ctx, span := tracer.Start(ctx, "ConversationService.Save")
	defer span.End()

	return s.store.SaveConversation(ctx, domain.EncodeState(tenantID, chatID, state, s.now()))
}

// Reset moves a chat back to idle. It takes the chat lock, so it must not be
// called from inside a turn.
func (s *ConversationService) Reset(ctx context.Context, tenantID, chatID string) error {
	ctx, span := tracer.Start(ctx, "ConversationService.Reset")
	defer span.End()

	unlock := s.Lock(tenantID, chatID)
	defer unlock()

	if err := s.store.ResetConversation(ctx, tenantID, chatID, s.now()); err != nil {
		return fmt.Errorf("reset conversation: %w", err)
	}
	s.logger.Info("conversation reset",
		zap.String("tenant_id", tenantID),
		zap.String("chat_id", chatID),
	)
	return nil
}

// ResetIfAwaiting resets the chat only while it is still waiting for the
// payment of orderID. It reports whether a reset happened.
func (s *ConversationService) ResetIfAwaiting(ctx context.Context, tenantID, chatID, orderID string) (bool, error) {
	ctx, span := tracer.Start(ctx, "ConversationService.ResetIfAwaiting")
	defer span.End()

	unlock := s.Lock(tenantID, chatID)
	defer unlock()

	st, _, err := s.Load(ctx, tenantID, chatID)
	if err != nil {
		return false, err
	}
	ap, ok := st.(domain.AwaitingPayment)
	if !ok || ap.OrderID != orderID {
		return false, nil
	}
	if err := s.store.ResetConversation(ctx, tenantID, chatID, s.now()); err != nil {
		return false, fmt.Errorf("reset conversation: %w", err)
	}
	return true, nil
}

// Inspect renders the stored conversation for the dashboard.
func (s *ConversationService) Inspect(ctx context.Context, tenantID, chatID string) (*domain.ConversationView, error) {
	ctx, span := tracer.Start(ctx, "ConversationService.Inspect")
	defer span.End()

	rec, err := s.store.GetConversation(ctx, tenantID, chatID)
	if err != nil {
		return nil, err
	}

	view := &domain.ConversationView{
		TenantID:       rec.TenantID,
		ChatID:         rec.ChatID,
		LastActivityAt: rec.LastActivityAt.UTC().Format(time.RFC3339),
	}
	if rec.Stale(s.now(), s.ttl) {
		view.Step = domain.StepIdle
		view.Stale = true
		return view, nil
	}

	st, err := domain.DecodeState(rec)
	if err != nil {
		view.Step = domain.StepIdle
		return view, nil
	}
	flat := domain.EncodeState(rec.TenantID, rec.ChatID, st, rec.LastActivityAt)
	view.Step = flat.Step
	view.ProductID = flat.ProductID
	view.VariantID = flat.VariantID
	view.Quantity = flat.Quantity
	view.Address = flat.DeliveryAddress
	view.OrderID = flat.OrderID
	view.PaymentLinkURL = flat.PaymentLinkURL
	return view, nil
}
