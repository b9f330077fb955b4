package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/boddenberg/wa-commerce-go/internal/domain"
	"github.com/boddenberg/wa-commerce-go/internal/infra/resilience"
)

// PaymentClient creates payment links on a Razorpay-compatible gateway.
type PaymentClient struct {
	httpClient *http.Client
	baseURL    string
	keyID      string
	keySecret  string
	cb         *gobreaker.CircuitBreaker
	cfg        resilience.Config
	logger     *zap.Logger
}

// NewPaymentClient creates a new PaymentClient.
func NewPaymentClient(httpClient *http.Client, baseURL, keyID, keySecret string, cb *gobreaker.CircuitBreaker, cfg resilience.Config, logger *zap.Logger) *PaymentClient {
	return &PaymentClient{
		httpClient: httpClient,
		baseURL:    baseURL,
		keyID:      keyID,
		keySecret:  keySecret,
		cb:         cb,
		cfg:        cfg,
		logger:     logger,
	}
}

type paymentLinkCustomer struct {
	Name    string `json:"name,omitempty"`
	Contact string `json:"contact,omitempty"`
}

type paymentLinkRequest struct {
	Amount      int64               `json:"amount"`
	Currency    string              `json:"currency"`
	Description string              `json:"description"`
	ReferenceID string              `json:"reference_id"`
	Customer    paymentLinkCustomer `json:"customer"`
	Notify      map[string]bool     `json:"notify"`
}

type paymentLinkResponse struct {
	ID       string `json:"id"`
	ShortURL string `json:"short_url"`
}

// CreatePaymentLink issues a link for the order amount. The order number is
// the gateway reference, so a retried creation cannot produce two links.
func (c *PaymentClient) CreatePaymentLink(ctx context.Context, req *domain.PaymentLinkRequest) (*domain.PaymentLink, error) {
	ctx, span := tracer.Start(ctx, "PaymentClient.CreatePaymentLink")
	defer span.End()
	span.SetAttributes(attribute.String("order.ref", req.OrderRef))

	currency := req.Currency
	if currency == "" {
		currency = "INR"
	}
	body, err := json.Marshal(paymentLinkRequest{
		Amount:      req.Amount,
		Currency:    currency,
		Description: req.Description,
		ReferenceID: req.OrderRef,
		Customer:    paymentLinkCustomer{Name: req.CustomerName, Contact: req.CustomerPhone},
		Notify:      map[string]bool{"sms": false, "email": false},
	})
	if err != nil {
		return nil, err
	}

	var out paymentLinkResponse
	err = resilience.Call(ctx, c.cb, c.cfg, "payment", func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/payment_links", bytes.NewReader(body))
		if err != nil {
			return resilience.Permanent(err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.SetBasicAuth(c.keyID, c.keySecret)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			statusErr := fmt.Errorf("payment gateway returned status %d: %s", resp.StatusCode, string(respBody))
			if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return resilience.Permanent(statusErr)
			}
			return statusErr
		}
		return json.NewDecoder(resp.Body).Decode(&out)
	})
	if err != nil {
		c.logger.Warn("payment link creation failed", zap.String("order_ref", req.OrderRef), zap.Error(err))
		return nil, err
	}
	if out.ShortURL == "" {
		return nil, &domain.ErrExternalService{Service: "payment", Err: fmt.Errorf("response without short_url")}
	}
	return &domain.PaymentLink{ID: out.ID, URL: out.ShortURL}, nil
}
