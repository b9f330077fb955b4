package service

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/boddenberg/wa-commerce-go/internal/domain"
	"github.com/boddenberg/wa-commerce-go/internal/infra/observability"
	"github.com/boddenberg/wa-commerce-go/internal/port"
)

var tracer = otel.Tracer("service/commerce")

// Fixed customer-facing texts used where the interpreter reply cannot be trusted.
const (
	msgAskAddress    = "Please share your full delivery address so I can place your order."
	msgAskQuantity   = "How many would you like?"
	msgOrderFailed   = "Sorry, there was an issue creating your order, please try again."
	msgCancelled     = "No problem, I've cancelled that. Let me know if you need anything else."
	msgTextOnly      = "Sorry, I can only read text messages right now. Please type your request."
	msgApology       = "Sorry, something went wrong on our side. Please try again in a moment."
	msgCashOnDeliver = "Payment will be collected on delivery."
)

// cancelKeywords are scanned in a none reply as a secondary cancel signal.
var cancelKeywords = []string{"cancel", "nevermind", "never mind"}

// Turn is one customer message after interpretation.
type Turn struct {
	Tenant       *domain.Tenant
	ChatID       string
	Customer     string // WhatsApp id of the customer, used as recipient
	CustomerName string
	Catalog      *domain.CatalogSnapshot
	State        domain.ConversationState
	Existing     bool // a conversation row exists for the chat
	Action       domain.Action
}

// CommerceDeps groups the collaborators of the flow controller.
// Payments and Notifier may be nil.
type CommerceDeps struct {
	Conversations *ConversationService
	Catalog       *CatalogService
	Orders        *OrderService
	Messages      port.MessageStore
	Sender        port.MessageSender
	Payments      port.PaymentLinkCreator
	Notifier      port.OwnerNotifier
	Metrics       *observability.Metrics
	Logger        *zap.Logger
}

// Commerce is the conversation state machine. It trusts the action tag,
// never the reply text, for anything with side effects.
type Commerce struct {
	conversations *ConversationService
	catalog       *CatalogService
	orders        *OrderService
	messages      port.MessageStore
	sender        port.MessageSender
	payments      port.PaymentLinkCreator
	notifier      port.OwnerNotifier
	metrics       *observability.Metrics
	logger        *zap.Logger
}

// NewCommerce creates the flow controller.
func NewCommerce(d CommerceDeps) *Commerce {
	return &Commerce{
		conversations: d.Conversations,
		catalog:       d.Catalog,
		orders:        d.Orders,
		messages:      d.Messages,
		sender:        d.Sender,
		payments:      d.Payments,
		notifier:      d.Notifier,
		metrics:       d.Metrics,
		logger:        d.Logger,
	}
}

// HandleTurn applies one action to the conversation, runs its side effects
// and persists the next state. The caller must hold the chat lock.
func (c *Commerce) HandleTurn(ctx context.Context, t *Turn) *domain.TurnReport {
	ctx, span := tracer.Start(ctx, "Commerce.HandleTurn")
	defer span.End()

	if t.State == nil {
		t.State = domain.Idle{}
	}
	if _, done := t.State.(domain.OrderComplete); done {
		t.State = domain.Idle{}
	}
	span.SetAttributes(
		attribute.String("tenant_id", t.Tenant.ID),
		attribute.String("action", string(t.Action.Kind)),
		attribute.String("step", string(t.State.Step())),
	)

	report := &domain.TurnReport{Action: t.Action.Kind, From: t.State.Step()}

	var (
		next    domain.ConversationState
		changed bool
	)
	switch t.Action.Kind {
	case domain.ActionSearchProducts:
		next, changed = c.searchProducts(ctx, t, report)
	case domain.ActionInitiateOrder:
		next, changed = c.initiateOrder(ctx, t, report)
	case domain.ActionCollectAddress:
		next, changed = c.collectAddress(ctx, t, report, t.Action.Address)
	case domain.ActionConfirmOrder:
		next, changed = c.confirmOrder(ctx, t, report)
	case domain.ActionTrackOrder:
		next, changed = c.trackOrder(ctx, t, report)
	case domain.ActionEscalateToOwner:
		next, changed = c.escalate(ctx, t, report)
	case domain.ActionCancelOrder:
		next, changed = c.cancel(ctx, t, report, t.Action.Reply)
	default:
		next, changed = c.none(ctx, t, report)
	}
	report.To = next.Step()

	// rows are created by the first commerce action; any later message
	// refreshes the activity time
	if changed || t.Existing || t.Action.Kind != domain.ActionNone {
		err := c.conversations.Save(ctx, t.Tenant.ID, t.ChatID, next)
		report.Record(domain.EffectSaveState, err)
		report.StateSaved = err == nil
		if err != nil {
			c.logger.Error("failed to save conversation",
				zap.String("tenant_id", t.Tenant.ID),
				zap.String("chat_id", t.ChatID),
				zap.String("step", string(next.Step())),
				zap.Error(err),
			)
		}
	}
	return report
}

// none only sends the reply. A cancellation word in the reply still resets
// an active conversation.
func (c *Commerce) none(ctx context.Context, t *Turn, r *domain.TurnReport) (domain.ConversationState, bool) {
	c.say(ctx, t, r, t.Action.Reply, domain.MessageText, nil)
	if t.State.Step() != domain.StepIdle && mentionsCancel(t.Action.Reply) {
		return domain.Idle{}, true
	}
	return t.State, false
}

func mentionsCancel(reply string) bool {
	lower := strings.ToLower(reply)
	for _, k := range cancelKeywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

func (c *Commerce) searchProducts(ctx context.Context, t *Turn, r *domain.TurnReport) (domain.ConversationState, bool) {
	results := SearchProducts(t.Catalog, t.Action.SearchQuery, maxSearchResults)
	c.say(ctx, t, r, t.Action.Reply, domain.MessageText, nil)
	if len(results) == 0 {
		return t.State, false
	}

	for i := range results {
		c.showProduct(ctx, t, r, &results[i])
	}
	if len(results) == 1 {
		return domain.ProductShown{ProductID: results[0].ID}, true
	}
	return domain.ProductShown{}, true
}

func (c *Commerce) showProduct(ctx context.Context, t *Turn, r *domain.TurnReport, p *domain.Product) {
	caption := p.Caption()
	meta := map[string]any{"product_id": p.ID}
	if p.ImageURL == "" {
		c.say(ctx, t, r, caption, domain.MessageText, meta)
		return
	}

	err := c.sender.SendImage(ctx, t.Tenant.PhoneNumberID, t.Customer, p.ImageURL, caption)
	r.Record(domain.EffectSendImage, err)
	meta["image_url"] = p.ImageURL
	c.record(ctx, t, r, caption, domain.MessageImage, meta, err)
}

func (c *Commerce) initiateOrder(ctx context.Context, t *Turn, r *domain.TurnReport) (domain.ConversationState, bool) {
	act := t.Action

	// awaiting an address: the interpreter should not start an order here,
	// so only refine the current product and ask for the address again
	if aa, ok := t.State.(domain.AwaitingAddress); ok {
		next := aa
		if p, ok := resolveProduct(t.Catalog, act, t.State); ok && p.ID == aa.ProductID {
			if _, ok := resolveVariant(p, act.VariantID); ok && act.VariantID != "" {
				next.VariantID = act.VariantID
			}
			if act.Quantity > 0 {
				next.Quantity = act.Quantity
			}
		}
		c.say(ctx, t, r, msgAskAddress, domain.MessageText, nil)
		return next, next != aa
	}

	product, ok := resolveProduct(t.Catalog, act, t.State)
	if !ok {
		c.logger.Debug("initiate_order: product not resolvable",
			zap.String("tenant_id", t.Tenant.ID),
			zap.String("product_id", act.ProductID),
			zap.String("product_name", act.ProductName),
		)
		c.say(ctx, t, r, act.Reply, domain.MessageText, nil)
		return t.State, false
	}

	variantID := act.VariantID
	if variantID == "" {
		if pid, vid, ok := domain.ChosenProduct(t.State); ok && pid == product.ID {
			variantID = vid
		}
	}
	if _, ok := resolveVariant(product, variantID); !ok {
		c.logger.Debug("initiate_order: variant not in product",
			zap.String("tenant_id", t.Tenant.ID),
			zap.String("product_id", product.ID),
			zap.String("variant_id", variantID),
		)
		c.say(ctx, t, r, act.Reply, domain.MessageText, nil)
		return t.State, false
	}

	if act.Quantity > 0 {
		c.say(ctx, t, r, orDefault(act.Reply, msgAskAddress), domain.MessageText, nil)
		return domain.AwaitingAddress{ProductID: product.ID, VariantID: variantID, Quantity: act.Quantity}, true
	}
	c.say(ctx, t, r, orDefault(act.Reply, msgAskQuantity), domain.MessageText, nil)
	return domain.AwaitingQuantity{ProductID: product.ID, VariantID: variantID}, true
}

// collectAddress is the only path that materializes an order.
func (c *Commerce) collectAddress(ctx context.Context, t *Turn, r *domain.TurnReport, address string) (domain.ConversationState, bool) {
	switch st := t.State.(type) {
	case domain.AwaitingPayment:
		// order already exists for this conversation
		c.say(ctx, t, r, paymentReminder(st), domain.MessageText, map[string]any{"order_id": st.OrderID})
		return t.State, false
	case domain.AwaitingAddress:
		address = strings.TrimSpace(address)
		if address == "" {
			c.say(ctx, t, r, msgAskAddress, domain.MessageText, nil)
			return t.State, false
		}
		return c.placeOrder(ctx, t, r, st, address)
	case domain.AwaitingQuantity:
		c.say(ctx, t, r, msgAskQuantity, domain.MessageText, nil)
		return t.State, false
	}
	c.say(ctx, t, r, t.Action.Reply, domain.MessageText, nil)
	return t.State, false
}

// confirmOrder never creates an order on its own: without a stored address
// it asks for one, with one it defers to collectAddress.
func (c *Commerce) confirmOrder(ctx context.Context, t *Turn, r *domain.TurnReport) (domain.ConversationState, bool) {
	switch st := t.State.(type) {
	case domain.AwaitingAddress:
		c.say(ctx, t, r, msgAskAddress, domain.MessageText, nil)
		return t.State, false
	case domain.AwaitingPayment:
		return c.collectAddress(ctx, t, r, st.Address)
	case domain.AwaitingQuantity:
		c.say(ctx, t, r, msgAskQuantity, domain.MessageText, nil)
		return t.State, false
	}
	c.say(ctx, t, r, t.Action.Reply, domain.MessageText, nil)
	return t.State, false
}

func (c *Commerce) placeOrder(ctx context.Context, t *Turn, r *domain.TurnReport, st domain.AwaitingAddress, address string) (domain.ConversationState, bool) {
	product, ok := t.Catalog.Find(st.ProductID)
	if !ok {
		c.logger.Warn("chosen product no longer active",
			zap.String("tenant_id", t.Tenant.ID),
			zap.String("product_id", st.ProductID),
		)
		c.say(ctx, t, r, msgOrderFailed, domain.MessageText, nil)
		return t.State, false
	}
	variant, ok := resolveVariant(product, st.VariantID)
	if !ok {
		c.logger.Warn("chosen variant no longer active",
			zap.String("tenant_id", t.Tenant.ID),
			zap.String("variant_id", st.VariantID),
		)
		c.say(ctx, t, r, msgOrderFailed, domain.MessageText, nil)
		return t.State, false
	}

	unit := product.UnitPrice(variant)
	req := &domain.OrderRequest{
		TenantID:        t.Tenant.ID,
		CustomerPhone:   t.Customer,
		CustomerName:    t.CustomerName,
		DeliveryAddress: address,
		ChatID:          t.ChatID,
		Items: []domain.OrderItem{{
			ProductID: product.ID,
			VariantID: st.VariantID,
			Name:      product.DisplayName(variant),
			UnitPrice: unit,
			Quantity:  st.Quantity,
			LineTotal: unit * int64(st.Quantity),
		}},
	}

	order, customer, err := c.orders.Place(ctx, req)
	if err != nil {
		c.logger.Error("order materialization failed",
			zap.String("tenant_id", t.Tenant.ID),
			zap.String("chat_id", t.ChatID),
			zap.Error(err),
		)
		c.say(ctx, t, r, msgOrderFailed, domain.MessageText, nil)
		return t.State, false
	}
	r.OrderID, r.OrderNo = order.ID, order.OrderNumber
	c.logger.Info("order placed",
		zap.String("tenant_id", t.Tenant.ID),
		zap.String("chat_id", t.ChatID),
		zap.String("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.Int64("total", order.Total),
	)

	c.catalog.Invalidate(t.Tenant.ID)
	r.Record(domain.EffectInvalidateCache, nil)
	r.Record(domain.EffectPublishEvent, c.orders.Publish(ctx, domain.EventOrderCreated, order))

	meta := map[string]any{
		"order_id":     order.ID,
		"order_number": order.OrderNumber,
		"total":        order.Total,
	}

	link := c.paymentLink(ctx, t, r, order, customer)
	if link == nil {
		meta["payment"] = "cash_on_delivery"
		c.say(ctx, t, r, orderSummary(order, ""), domain.MessageOrderSummary, meta)
		return domain.Idle{}, true
	}

	order.PaymentLinkID, order.PaymentLinkURL = link.ID, link.URL
	r.Record(domain.EffectAttachPayment, c.orders.AttachPaymentLink(ctx, order.ID, link))
	meta["payment_link_url"] = link.URL
	c.say(ctx, t, r, orderSummary(order, link.URL), domain.MessageOrderSummary, meta)

	return domain.AwaitingPayment{
		ProductID:      st.ProductID,
		VariantID:      st.VariantID,
		Quantity:       st.Quantity,
		Address:        address,
		OrderID:        order.ID,
		PaymentLinkID:  link.ID,
		PaymentLinkURL: link.URL,
	}, true
}

// paymentLink asks the gateway for a link. nil means cash on delivery.
func (c *Commerce) paymentLink(ctx context.Context, t *Turn, r *domain.TurnReport, order *domain.Order, customer *domain.Customer) *domain.PaymentLink {
	if c.payments == nil || !t.Tenant.PaymentsEnabled {
		return nil
	}

	currency := t.Tenant.Currency
	if currency == "" {
		currency = "INR"
	}
	name := t.CustomerName
	if customer != nil && customer.Name != "" {
		name = customer.Name
	}
	phone := t.Customer
	if customer != nil && customer.Mobile != "" {
		phone = customer.Mobile
	}

	link, err := c.payments.CreatePaymentLink(ctx, &domain.PaymentLinkRequest{
		Amount:        order.Total,
		Currency:      currency,
		CustomerName:  name,
		CustomerPhone: phone,
		Description:   "Order " + order.OrderNumber + " at " + t.Tenant.Name,
		OrderRef:      order.ID,
	})
	r.Record(domain.EffectPaymentLink, err)
	if err != nil {
		c.logger.Warn("payment link creation failed, falling back to cash on delivery",
			zap.String("tenant_id", t.Tenant.ID),
			zap.String("order_id", order.ID),
			zap.Error(err),
		)
		return nil
	}
	return link
}

func (c *Commerce) trackOrder(ctx context.Context, t *Turn, r *domain.TurnReport) (domain.ConversationState, bool) {
	c.say(ctx, t, r, t.Action.Reply, domain.MessageText, nil)

	ref := t.Action.OrderID
	if ref == "" {
		switch st := t.State.(type) {
		case domain.AwaitingPayment:
			ref = st.OrderID
		case domain.OrderComplete:
			ref = st.OrderID
		}
	}
	if ref == "" {
		return t.State, false
	}

	order, err := c.orders.Find(ctx, t.Tenant.ID, ref)
	if err != nil {
		c.logger.Debug("track_order: order not found",
			zap.String("tenant_id", t.Tenant.ID),
			zap.String("order_ref", ref),
			zap.Error(err),
		)
		return t.State, false
	}
	c.say(ctx, t, r, orderStatus(order), domain.MessageText, map[string]any{
		"order_id":     order.ID,
		"order_number": order.OrderNumber,
	})
	return t.State, false
}

func (c *Commerce) cancel(ctx context.Context, t *Turn, r *domain.TurnReport, reply string) (domain.ConversationState, bool) {
	if t.State.Step() == domain.StepIdle {
		c.say(ctx, t, r, reply, domain.MessageText, nil)
		return t.State, false
	}
	c.say(ctx, t, r, orDefault(reply, msgCancelled), domain.MessageText, nil)
	return domain.Idle{}, true
}

// say sends a text to the customer and records it in the chat history.
// Blank bodies are skipped.
func (c *Commerce) say(ctx context.Context, t *Turn, r *domain.TurnReport, body string, mt domain.MessageType, meta map[string]any) {
	if strings.TrimSpace(body) == "" {
		return
	}
	err := c.sender.SendText(ctx, t.Tenant.PhoneNumberID, t.Customer, body)
	r.Record(domain.EffectSendText, err)
	c.record(ctx, t, r, body, mt, meta, err)
}

// record stores an outbound message. Undelivered messages are kept and
// flagged so the dashboard can show them.
func (c *Commerce) record(ctx context.Context, t *Turn, r *domain.TurnReport, body string, mt domain.MessageType, meta map[string]any, sendErr error) {
	if sendErr != nil {
		if meta == nil {
			meta = map[string]any{}
		}
		meta["delivery_failed"] = true
	}
	err := c.messages.SaveMessage(ctx, &domain.ChatMessage{
		TenantID:    t.Tenant.ID,
		ChatID:      t.ChatID,
		Sender:      domain.SenderAI,
		MessageType: mt,
		Body:        body,
		Metadata:    meta,
		CreatedAt:   time.Now().UTC(),
	})
	r.Record(domain.EffectRecordMessage, err)
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
