package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/boddenberg/wa-commerce-go/internal/service"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// PaymentConfirmer applies a payment confirmation to an order.
type PaymentConfirmer interface {
	OnPaymentConfirmed(ctx context.Context, orderID string) (*service.PaymentConfirmation, error)
}

type paymentConfirmedRequest struct {
	OrderID string `json:"orderId"`
}

type paymentConfirmedResponse struct {
	OrderID           string `json:"orderId"`
	OrderNumber       string `json:"orderNumber"`
	PaymentStatus     string `json:"paymentStatus"`
	AlreadyPaid       bool   `json:"alreadyPaid"`
	ConversationReset bool   `json:"conversationReset"`
}

// POST /v1/payments/confirmed
func paymentConfirmedHandler(payments PaymentConfirmer, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/payments/confirmed")
		defer span.End()

		var req paymentConfirmedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		req.OrderID = strings.TrimSpace(req.OrderID)
		if req.OrderID == "" {
			writeError(w, http.StatusBadRequest, "orderId is required")
			return
		}
		span.SetAttributes(attribute.String("order.id", req.OrderID))

		res, err := payments.OnPaymentConfirmed(ctx, req.OrderID)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		logger.Info("payment confirmed",
			zap.String("caller", CallerFromContext(ctx)),
			zap.String("order_id", res.Order.ID),
			zap.Bool("already_paid", res.AlreadyPaid),
		)
		writeJSON(w, http.StatusOK, paymentConfirmedResponse{
			OrderID:           res.Order.ID,
			OrderNumber:       res.Order.OrderNumber,
			PaymentStatus:     res.Order.PaymentStatus,
			AlreadyPaid:       res.AlreadyPaid,
			ConversationReset: res.Reset,
		})
	}
}
