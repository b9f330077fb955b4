package service

import (
	"fmt"
	"strings"

	"github.com/boddenberg/wa-commerce-go/internal/domain"
)

// orderSummary is sent once an order is materialized. An empty linkURL
// means the order is paid on delivery.
func orderSummary(o *domain.Order, linkURL string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Order *%s* placed!\n", o.OrderNumber)
	for _, it := range o.Items {
		fmt.Fprintf(&b, "%d x %s = %s\n", it.Quantity, it.Name, domain.FormatMoney(it.LineTotal))
	}
	fmt.Fprintf(&b, "Total: *%s*\n", domain.FormatMoney(o.Total))
	fmt.Fprintf(&b, "Deliver to: %s\n", o.DeliveryAddress)
	if linkURL != "" {
		fmt.Fprintf(&b, "Pay here: %s", linkURL)
	} else {
		b.WriteString(msgCashOnDeliver)
	}
	return b.String()
}

func paymentReminder(st domain.AwaitingPayment) string {
	if st.PaymentLinkURL == "" {
		return "Your order is already placed. We'll confirm once payment is received."
	}
	return "Your order is already placed. You can complete the payment here: " + st.PaymentLinkURL
}

func orderStatus(o *domain.Order) string {
	payment := "awaiting payment"
	if o.IsPaid() {
		payment = "paid"
	}
	return fmt.Sprintf("Order *%s*: %s, %s. Total %s.", o.OrderNumber, o.Status, payment, domain.FormatMoney(o.Total))
}

func paymentConfirmation(o *domain.Order) string {
	return fmt.Sprintf("Payment of %s received for order *%s*. Thank you! We'll let you know once it ships.",
		domain.FormatMoney(o.Total), o.OrderNumber)
}

// ownerAlert is the message the shop owner receives on escalation.
func ownerAlert(customer, reason string) string {
	if strings.TrimSpace(reason) == "" {
		reason = "not specified"
	}
	return fmt.Sprintf("Customer +%s needs help.\nReason: %s", strings.TrimPrefix(customer, "+"), reason)
}
