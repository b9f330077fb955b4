// Package port defines the interfaces (ports) for external dependencies.
// Following hexagonal architecture, these ports decouple the commerce
// service from the database, the WhatsApp channel and the language model.
package port

import (
	"context"
	"time"

	"github.com/boddenberg/wa-commerce-go/internal/domain"
)

// ConversationStore persists one conversation record per (tenant, chat).
// GetConversation returns *domain.ErrNotFound when no row exists yet.
type ConversationStore interface {
	GetConversation(ctx context.Context, tenantID, chatID string) (*domain.ConversationRecord, error)
	SaveConversation(ctx context.Context, rec *domain.ConversationRecord) error
	ResetConversation(ctx context.Context, tenantID, chatID string, at time.Time) error
}

// CatalogStore reads the tenant catalog.
type CatalogStore interface {
	// ListActiveProducts returns active products with their active variants.
	ListActiveProducts(ctx context.Context, tenantID string) ([]domain.Product, error)
}

// OrderStore owns the order materialization transaction and order lookups.
type OrderStore interface {
	// MaterializeOrder runs customer upsert, numbering, order insert, stock
	// decrement and customer aggregates in one transaction. When the
	// request names a chat, the same transaction moves that chat's
	// conversation to awaiting_payment with the new order id. A numbering
	// conflict is reported as *domain.ErrDuplicate.
	MaterializeOrder(ctx context.Context, req *domain.OrderRequest, at time.Time) (*domain.Order, *domain.Customer, error)
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
	GetOrderByNumber(ctx context.Context, tenantID, orderNumber string) (*domain.Order, error)
	AttachPaymentLink(ctx context.Context, orderID string, link *domain.PaymentLink) error
	// MarkOrderPaid flips payment and order status. It reports false when
	// the order was already paid.
	MarkOrderPaid(ctx context.Context, orderID string, at time.Time) (bool, error)
}

// MessageStore records chat history.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg *domain.ChatMessage) error
	// RecentMessages returns at most limit messages, oldest first.
	RecentMessages(ctx context.Context, tenantID, chatID string, limit int) ([]domain.ChatMessage, error)
}

// TenantStore resolves merchants.
type TenantStore interface {
	GetTenant(ctx context.Context, tenantID string) (*domain.Tenant, error)
	GetTenantByPhoneNumberID(ctx context.Context, phoneNumberID string) (*domain.Tenant, error)
}

// ActionInterpreter is the language-model boundary. It never fails:
// any error is folded into a none action with an apology.
type ActionInterpreter interface {
	Interpret(ctx context.Context, in *domain.InterpretInput) domain.Action
}

// MessageSender delivers outbound WhatsApp messages.
type MessageSender interface {
	SendText(ctx context.Context, phoneNumberID, to, body string) error
	SendImage(ctx context.Context, phoneNumberID, to, imageURL, caption string) error
}

// PaymentLinkCreator issues payment links for orders.
type PaymentLinkCreator interface {
	CreatePaymentLink(ctx context.Context, req *domain.PaymentLinkRequest) (*domain.PaymentLink, error)
}

// OwnerNotifier alerts the merchant. Returns *domain.ErrNotConfigured when
// the tenant has no owner contact.
type OwnerNotifier interface {
	NotifyOwner(ctx context.Context, tenant *domain.Tenant, message string) error
}

// EventPublisher emits domain events.
type EventPublisher interface {
	Publish(ctx context.Context, evt *domain.Event) error
	Close() error
}

// Deduper remembers inbound message ids.
type Deduper interface {
	// FirstSeen reports true the first time key is offered within the TTL.
	FirstSeen(ctx context.Context, key string) (bool, error)
}

// Cache provides generic caching with TTL.
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, value T)
	Delete(key string)
}
