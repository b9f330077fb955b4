package domain

import (
	"fmt"
	"time"
)

// ============================================================
// Orders
// ============================================================

const (
	PaymentStatusPending = "pending"
	PaymentStatusPaid    = "paid"

	OrderStatusPending   = "pending"
	OrderStatusConfirmed = "confirmed"
)

// OrderNumberPrefix is the prefix of every order number.
const OrderNumberPrefix = "ORD-"

// Order is the materialized order owned by a tenant.
type Order struct {
	ID              string      `json:"id"`
	TenantID        string      `json:"tenant_id"`
	OrderNumber     string      `json:"order_number"`
	CustomerID      string      `json:"customer_id"`
	Items           []OrderItem `json:"items"`
	Subtotal        int64       `json:"subtotal"`
	Total           int64       `json:"total"`
	PaymentStatus   string      `json:"payment_status"`
	Status          string      `json:"status"`
	DeliveryAddress string      `json:"delivery_address"`
	ChatID          string      `json:"chat_id,omitempty"`
	PaymentLinkID   string      `json:"payment_link_id,omitempty"`
	PaymentLinkURL  string      `json:"payment_link_url,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	PaidAt          *time.Time  `json:"paid_at,omitempty"`
}

// IsPaid reports whether payment was confirmed.
func (o *Order) IsPaid() bool { return o.PaymentStatus == PaymentStatusPaid }

// OrderItem is a line snapshot. Name and UnitPrice are copied at order time.
type OrderItem struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	Name      string `json:"name"`
	UnitPrice int64  `json:"unit_price"`
	Quantity  int    `json:"quantity"`
	LineTotal int64  `json:"line_total"`
}

// OrderRequest is the input of the order materializer.
type OrderRequest struct {
	TenantID        string
	CustomerPhone   string
	CustomerName    string
	DeliveryAddress string
	Items           []OrderItem
	ChatID          string
}

// Total sums unit price times quantity over every line.
func (r *OrderRequest) Total() int64 {
	var total int64
	for _, it := range r.Items {
		total += it.UnitPrice * int64(it.Quantity)
	}
	return total
}

// Validate checks the request before a transaction is opened.
func (r *OrderRequest) Validate() error {
	if r.TenantID == "" {
		return &ErrValidation{Field: "tenant_id", Message: "required"}
	}
	if r.DeliveryAddress == "" {
		return &ErrValidation{Field: "delivery_address", Message: "required"}
	}
	if len(r.Items) == 0 {
		return &ErrValidation{Field: "items", Message: "at least one item required"}
	}
	for i, it := range r.Items {
		if it.ProductID == "" {
			return &ErrValidation{Field: fmt.Sprintf("items[%d].product_id", i), Message: "required"}
		}
		if it.Quantity < 1 {
			return &ErrValidation{Field: fmt.Sprintf("items[%d].quantity", i), Message: "must be at least 1"}
		}
	}
	return nil
}

// OrderDayPrefix returns "ORD-YYMMDD-" for the given instant in loc.
func OrderDayPrefix(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return OrderNumberPrefix + t.In(loc).Format("060102") + "-"
}

// FormatOrderNumber builds ORD-YYMMDD-NNN. seq is 1-based and padded to three digits.
func FormatOrderNumber(t time.Time, loc *time.Location, seq int) string {
	return fmt.Sprintf("%s%03d", OrderDayPrefix(t, loc), seq)
}

// ============================================================
// Customers
// ============================================================

// Customer is identified by (tenant, 10-digit mobile).
type Customer struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Mobile      string    `json:"mobile"`
	Name        string    `json:"name,omitempty"`
	Address     string    `json:"address,omitempty"`
	TotalOrders int       `json:"total_orders"`
	TotalSpent  int64     `json:"total_spent"`
	CreatedAt   time.Time `json:"created_at"`
}

// ============================================================
// Payment links
// ============================================================

// PaymentLinkRequest is sent to the payment gateway after an order is created.
type PaymentLinkRequest struct {
	Amount        int64
	Currency      string
	CustomerName  string
	CustomerPhone string
	Description   string
	OrderRef      string
}

// PaymentLink is what the gateway returns.
type PaymentLink struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// ============================================================
// Domain events
// ============================================================

const (
	EventOrderCreated = "order.created"
	EventOrderPaid    = "order.paid"
)

// Event is published to the broker after an order changes.
type Event struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	TenantID    string    `json:"tenant_id"`
	OrderID     string    `json:"order_id"`
	OrderNumber string    `json:"order_number"`
	CustomerID  string    `json:"customer_id,omitempty"`
	Total       int64     `json:"total"`
	OccurredAt  time.Time `json:"occurred_at"`
}
