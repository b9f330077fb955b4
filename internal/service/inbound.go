package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/boddenberg/wa-commerce-go/internal/domain"
	"github.com/boddenberg/wa-commerce-go/internal/infra/observability"
	"github.com/boddenberg/wa-commerce-go/internal/infra/resilience"
	"github.com/boddenberg/wa-commerce-go/internal/port"
)

// InboundDeps groups the collaborators of the inbound processor.
type InboundDeps struct {
	Tenants       port.TenantStore
	Messages      port.MessageStore
	Catalog       *CatalogService
	Conversations *ConversationService
	Interpreter   port.ActionInterpreter
	Commerce      *Commerce
	Sender        port.MessageSender
	Deduper       port.Deduper
	Bulkhead      *resilience.Bulkhead
	HistoryLimit  int
	TurnTimeout   time.Duration
	Metrics       *observability.Metrics
	Logger        *zap.Logger
}

// InboundProcessor runs customer messages through interpretation and the
// flow controller, one turn at a time per chat.
type InboundProcessor struct {
	tenants       port.TenantStore
	messages      port.MessageStore
	catalog       *CatalogService
	conversations *ConversationService
	interpreter   port.ActionInterpreter
	commerce      *Commerce
	sender        port.MessageSender
	deduper       port.Deduper
	bulkhead      *resilience.Bulkhead
	historyLimit  int
	turnTimeout   time.Duration
	metrics       *observability.Metrics
	logger        *zap.Logger

	wg sync.WaitGroup
}

// NewInboundProcessor creates the processor.
func NewInboundProcessor(d InboundDeps) *InboundProcessor {
	if d.HistoryLimit <= 0 {
		d.HistoryLimit = 20
	}
	if d.TurnTimeout <= 0 {
		d.TurnTimeout = 60 * time.Second
	}
	if d.Bulkhead == nil {
		d.Bulkhead = resilience.NewBulkhead(100)
	}
	return &InboundProcessor{
		tenants:       d.Tenants,
		messages:      d.Messages,
		catalog:       d.Catalog,
		conversations: d.Conversations,
		interpreter:   d.Interpreter,
		commerce:      d.Commerce,
		sender:        d.Sender,
		deduper:       d.Deduper,
		bulkhead:      d.Bulkhead,
		historyLimit:  d.HistoryLimit,
		turnTimeout:   d.TurnTimeout,
		metrics:       d.Metrics,
		logger:        d.Logger,
	}
}

// Dispatch processes msg in the background. The request context only
// contributes its trace; cancelling it does not stop the turn.
func (p *InboundProcessor) Dispatch(ctx context.Context, msg domain.InboundMessage) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				p.metrics.IncrTurn("panic")
				p.logger.Error("recovered from panic in inbound turn",
					zap.Any("panic", rec),
					zap.String("message_id", msg.MessageID),
				)
			}
		}()

		bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.turnTimeout)
		defer cancel()

		if err := p.bulkhead.Acquire(bg); err != nil {
			p.metrics.IncrTurn("rejected")
			p.logger.Warn("inbound turn dropped, bulkhead full",
				zap.String("message_id", msg.MessageID),
				zap.Error(err),
			)
			return
		}
		defer p.bulkhead.Release()

		if _, err := p.Process(bg, msg); err != nil {
			p.logger.Error("inbound turn failed",
				zap.String("message_id", msg.MessageID),
				zap.String("chat_id", msg.From),
				zap.Error(err),
			)
		}
	}()
}

// Wait blocks until every dispatched turn finished or ctx is done.
func (p *InboundProcessor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Process runs one inbound message synchronously. A nil report with a nil
// error means the message was skipped (duplicate or not text).
func (p *InboundProcessor) Process(ctx context.Context, msg domain.InboundMessage) (*domain.TurnReport, error) {
	ctx, span := tracer.Start(ctx, "InboundProcessor.Process")
	defer span.End()

	start := time.Now()
	defer func() {
		p.metrics.RecordRequestDuration("turn", time.Since(start))
	}()

	if msg.MessageID != "" && p.deduper != nil {
		first, err := p.deduper.FirstSeen(ctx, msg.PhoneNumberID+":"+msg.MessageID)
		if err != nil {
			p.logger.Warn("dedupe check failed, processing anyway",
				zap.String("message_id", msg.MessageID),
				zap.Error(err),
			)
		} else if !first {
			p.metrics.IncrDuplicateDelivery()
			p.metrics.IncrTurn("duplicate")
			p.logger.Debug("duplicate delivery skipped", zap.String("message_id", msg.MessageID))
			return nil, nil
		}
	}

	tenant, err := p.resolveTenant(ctx, msg)
	if err != nil {
		p.metrics.IncrTurn("unknown_tenant")
		return nil, err
	}

	chatID := msg.ChatID
	if chatID == "" {
		chatID = msg.From
	}
	span.SetAttributes(
		attribute.String("tenant_id", tenant.ID),
		attribute.String("message_id", msg.MessageID),
	)

	unlock := p.conversations.Lock(tenant.ID, chatID)
	defer unlock()

	text := strings.TrimSpace(msg.Text)
	if (msg.Type != "" && msg.Type != "text") || text == "" {
		p.metrics.IncrTurn("unsupported")
		if err := p.sender.SendText(ctx, tenant.PhoneNumberID, msg.From, msgTextOnly); err != nil {
			p.logger.Warn("failed to send text-only notice", zap.String("chat_id", chatID), zap.Error(err))
		}
		return nil, nil
	}

	var (
		catalog *domain.CatalogSnapshot
		history []domain.ChatMessage
		state   domain.ConversationState
		exists  bool
	)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		c, err := p.catalog.Snapshot(gCtx, tenant.ID)
		if err != nil {
			return err
		}
		catalog = c
		return nil
	})

	g.Go(func() error {
		h, err := p.messages.RecentMessages(gCtx, tenant.ID, chatID, p.historyLimit)
		if err != nil {
			// history only improves interpretation
			p.logger.Warn("failed to load chat history",
				zap.String("tenant_id", tenant.ID),
				zap.String("chat_id", chatID),
				zap.Error(err),
			)
			return nil
		}
		history = h
		return nil
	})

	g.Go(func() error {
		s, ok, err := p.conversations.Load(gCtx, tenant.ID, chatID)
		if err != nil {
			return err
		}
		state, exists = s, ok
		return nil
	})

	if err := g.Wait(); err != nil {
		p.metrics.IncrTurn("error")
		if sendErr := p.sender.SendText(ctx, tenant.PhoneNumberID, msg.From, msgApology); sendErr != nil {
			p.logger.Warn("failed to send apology", zap.String("chat_id", chatID), zap.Error(sendErr))
		}
		return nil, fmt.Errorf("load turn context: %w", err)
	}

	received := msg.ReceivedAt
	if received.IsZero() {
		received = time.Now()
	}
	if err := p.messages.SaveMessage(ctx, &domain.ChatMessage{
		TenantID:    tenant.ID,
		ChatID:      chatID,
		Sender:      domain.SenderCustomer,
		MessageType: domain.MessageText,
		Body:        text,
		ExternalID:  msg.MessageID,
		CreatedAt:   received.UTC(),
	}); err != nil {
		p.logger.Warn("failed to record customer message",
			zap.String("tenant_id", tenant.ID),
			zap.String("chat_id", chatID),
			zap.Error(err),
		)
	}

	action := p.interpreter.Interpret(ctx, &domain.InterpretInput{
		Tenant:  tenant,
		Catalog: catalog,
		History: history,
		Message: text,
		State:   state,
	})
	p.metrics.IncrAction(action.Kind)

	report := p.commerce.HandleTurn(ctx, &Turn{
		Tenant:       tenant,
		ChatID:       chatID,
		Customer:     msg.From,
		CustomerName: msg.ProfileName,
		Catalog:      catalog,
		State:        state,
		Existing:     exists,
		Action:       action,
	})
	p.observe(tenant, chatID, report)
	return report, nil
}

func (p *InboundProcessor) resolveTenant(ctx context.Context, msg domain.InboundMessage) (*domain.Tenant, error) {
	if msg.TenantID != "" {
		return p.tenants.GetTenant(ctx, msg.TenantID)
	}
	return p.tenants.GetTenantByPhoneNumberID(ctx, msg.PhoneNumberID)
}

// observe is where side-effect failures of a turn surface: they are logged
// and counted, never retried.
func (p *InboundProcessor) observe(tenant *domain.Tenant, chatID string, r *domain.TurnReport) {
	failed := r.Failed()
	for _, f := range failed {
		p.metrics.IncrSideEffectFailure(f.Kind)
		p.logger.Warn("side effect failed",
			zap.String("tenant_id", tenant.ID),
			zap.String("chat_id", chatID),
			zap.String("effect", f.Kind),
			zap.Error(f.Err),
		)
	}

	status := "ok"
	if len(failed) > 0 {
		status = "degraded"
	}
	p.metrics.IncrTurn(status)

	p.logger.Info("turn handled",
		zap.String("tenant_id", tenant.ID),
		zap.String("chat_id", chatID),
		zap.String("action", string(r.Action)),
		zap.String("from", string(r.From)),
		zap.String("to", string(r.To)),
		zap.String("order_number", r.OrderNo),
		zap.Int("effects", len(r.Effects)),
		zap.Int("failed", len(failed)),
	)
}
