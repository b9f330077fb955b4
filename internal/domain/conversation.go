package domain

import (
	"fmt"
	"time"
)

// ============================================================
// Conversation state: one per (tenant, chat)
// ============================================================
//
// The persisted row is flat (ConversationRecord). The controller never works
// on the row directly: it decodes it into a ConversationState variant, and
// each variant only carries the slots that are valid for its step. The slot
// chain product → quantity → address → order is therefore enforced by the
// types, not by presence checks.

// Step is the dialogue step stored with the conversation.
type Step string

const (
	StepIdle             Step = "idle"
	StepProductShown     Step = "product_shown"
	StepAwaitingQuantity Step = "awaiting_quantity"
	StepAwaitingAddress  Step = "awaiting_address"
	StepAwaitingPayment  Step = "awaiting_payment"
	StepOrderComplete    Step = "order_complete"
)

// ConversationState is implemented by the step variants below only.
type ConversationState interface {
	Step() Step
	sealed()
}

// Idle: nothing collected.
type Idle struct{}

// ProductShown: search results were shown. ProductID is set when the results
// narrowed to exactly one product.
type ProductShown struct {
	ProductID string
}

// AwaitingQuantity: a product is chosen, the quantity is not.
type AwaitingQuantity struct {
	ProductID string
	VariantID string
}

// AwaitingAddress: product and quantity are known, the delivery address is not.
type AwaitingAddress struct {
	ProductID string
	VariantID string
	Quantity  int
}

// AwaitingPayment: the order exists and a payment link was issued.
type AwaitingPayment struct {
	ProductID      string
	VariantID      string
	Quantity       int
	Address        string
	OrderID        string
	PaymentLinkID  string
	PaymentLinkURL string
}

// OrderComplete is accepted when read from storage and behaves like Idle.
type OrderComplete struct {
	OrderID string
}

func (Idle) Step() Step             { return StepIdle }
func (ProductShown) Step() Step     { return StepProductShown }
func (AwaitingQuantity) Step() Step { return StepAwaitingQuantity }
func (AwaitingAddress) Step() Step  { return StepAwaitingAddress }
func (AwaitingPayment) Step() Step  { return StepAwaitingPayment }
func (OrderComplete) Step() Step    { return StepOrderComplete }

func (Idle) sealed()             {}
func (ProductShown) sealed()     {}
func (AwaitingQuantity) sealed() {}
func (AwaitingAddress) sealed()  {}
func (AwaitingPayment) sealed()  {}
func (OrderComplete) sealed()    {}

// ChosenProduct returns the product (and variant) the conversation is about, if any.
func ChosenProduct(s ConversationState) (productID, variantID string, ok bool) {
	switch st := s.(type) {
	case ProductShown:
		return st.ProductID, "", st.ProductID != ""
	case AwaitingQuantity:
		return st.ProductID, st.VariantID, true
	case AwaitingAddress:
		return st.ProductID, st.VariantID, true
	case AwaitingPayment:
		return st.ProductID, st.VariantID, true
	}
	return "", "", false
}

// ConversationRecord is the persisted, flat form of a conversation.
// Empty strings and a zero Quantity mean "not set".
type ConversationRecord struct {
	TenantID        string    `json:"tenant_id"`
	ChatID          string    `json:"chat_id"`
	Step            Step      `json:"step"`
	ProductID       string    `json:"product_id,omitempty"`
	VariantID       string    `json:"variant_id,omitempty"`
	Quantity        int       `json:"quantity,omitempty"`
	DeliveryAddress string    `json:"delivery_address,omitempty"`
	OrderID         string    `json:"order_id,omitempty"`
	PaymentLinkID   string    `json:"payment_link_id,omitempty"`
	PaymentLinkURL  string    `json:"payment_link_url,omitempty"`
	LastActivityAt  time.Time `json:"last_activity_at"`
}

// Stale reports whether the record outlived the inactivity window.
func (r *ConversationRecord) Stale(now time.Time, ttl time.Duration) bool {
	return r.LastActivityAt.IsZero() || now.Sub(r.LastActivityAt) > ttl
}

// EncodeState flattens a state variant into a record.
func EncodeState(tenantID, chatID string, s ConversationState, at time.Time) *ConversationRecord {
	rec := &ConversationRecord{
		TenantID:       tenantID,
		ChatID:         chatID,
		Step:           StepIdle,
		LastActivityAt: at,
	}
	switch st := s.(type) {
	case ProductShown:
		rec.Step = StepProductShown
		rec.ProductID = st.ProductID
	case AwaitingQuantity:
		rec.Step = StepAwaitingQuantity
		rec.ProductID, rec.VariantID = st.ProductID, st.VariantID
	case AwaitingAddress:
		rec.Step = StepAwaitingAddress
		rec.ProductID, rec.VariantID = st.ProductID, st.VariantID
		rec.Quantity = st.Quantity
	case AwaitingPayment:
		rec.Step = StepAwaitingPayment
		rec.ProductID, rec.VariantID = st.ProductID, st.VariantID
		rec.Quantity = st.Quantity
		rec.DeliveryAddress = st.Address
		rec.OrderID = st.OrderID
		rec.PaymentLinkID, rec.PaymentLinkURL = st.PaymentLinkID, st.PaymentLinkURL
	case OrderComplete:
		rec.Step = StepOrderComplete
		rec.OrderID = st.OrderID
	}
	return rec
}

// DecodeState rebuilds the typed state from a record. Records whose slots
// violate the product → quantity → address → order chain are rejected.
func DecodeState(rec *ConversationRecord) (ConversationState, error) {
	if rec == nil {
		return Idle{}, nil
	}
	if rec.Quantity < 0 {
		return Idle{}, fmt.Errorf("conversation %s/%s: negative quantity", rec.TenantID, rec.ChatID)
	}
	if rec.Quantity > 0 && rec.ProductID == "" {
		return Idle{}, fmt.Errorf("conversation %s/%s: quantity without product", rec.TenantID, rec.ChatID)
	}
	if rec.DeliveryAddress != "" && rec.Quantity == 0 {
		return Idle{}, fmt.Errorf("conversation %s/%s: address without quantity", rec.TenantID, rec.ChatID)
	}
	if rec.OrderID != "" && rec.DeliveryAddress == "" && rec.Step != StepOrderComplete {
		return Idle{}, fmt.Errorf("conversation %s/%s: order without address", rec.TenantID, rec.ChatID)
	}

	switch rec.Step {
	case StepIdle, "":
		return Idle{}, nil
	case StepProductShown:
		return ProductShown{ProductID: rec.ProductID}, nil
	case StepAwaitingQuantity:
		if rec.ProductID == "" {
			return Idle{}, fmt.Errorf("conversation %s/%s: %s without product", rec.TenantID, rec.ChatID, rec.Step)
		}
		return AwaitingQuantity{ProductID: rec.ProductID, VariantID: rec.VariantID}, nil
	case StepAwaitingAddress:
		if rec.ProductID == "" || rec.Quantity == 0 {
			return Idle{}, fmt.Errorf("conversation %s/%s: %s without product or quantity", rec.TenantID, rec.ChatID, rec.Step)
		}
		return AwaitingAddress{ProductID: rec.ProductID, VariantID: rec.VariantID, Quantity: rec.Quantity}, nil
	case StepAwaitingPayment:
		if rec.OrderID == "" {
			return Idle{}, fmt.Errorf("conversation %s/%s: %s without order", rec.TenantID, rec.ChatID, rec.Step)
		}
		return AwaitingPayment{
			ProductID:      rec.ProductID,
			VariantID:      rec.VariantID,
			Quantity:       rec.Quantity,
			Address:        rec.DeliveryAddress,
			OrderID:        rec.OrderID,
			PaymentLinkID:  rec.PaymentLinkID,
			PaymentLinkURL: rec.PaymentLinkURL,
		}, nil
	case StepOrderComplete:
		return OrderComplete{OrderID: rec.OrderID}, nil
	}
	return Idle{}, fmt.Errorf("conversation %s/%s: unknown step %q", rec.TenantID, rec.ChatID, rec.Step)
}
