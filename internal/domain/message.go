package domain

import "time"

// Sender tags who wrote a chat message.
type Sender string

const (
	SenderCustomer Sender = "customer"
	SenderBusiness Sender = "business"
	SenderAI       Sender = "ai"
)

// MessageType drives dashboard rendering.
type MessageType string

const (
	MessageText                MessageType = "text"
	MessageImage               MessageType = "image"
	MessageOrderSummary        MessageType = "order_summary"
	MessageEscalation          MessageType = "escalation"
	MessagePaymentConfirmation MessageType = "payment_confirmation"
)

// ChatMessage is a persisted chat line.
type ChatMessage struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	ChatID      string         `json:"chat_id"`
	Sender      Sender         `json:"sender"`
	MessageType MessageType    `json:"message_type"`
	Body        string         `json:"body"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	ExternalID  string         `json:"external_id,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Tenant is one merchant account.
type Tenant struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	PhoneNumberID   string `json:"phone_number_id"`
	OwnerPhone      string `json:"owner_phone,omitempty"`
	PaymentsEnabled bool   `json:"payments_enabled"`
	Currency        string `json:"currency"`
}
