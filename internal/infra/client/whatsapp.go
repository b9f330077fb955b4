// Package client holds the outbound HTTP clients: the WhatsApp Cloud API
// sender and the payment-link gateway. Every call goes through a circuit
// breaker with retries.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/boddenberg/wa-commerce-go/internal/domain"
	"github.com/boddenberg/wa-commerce-go/internal/infra/resilience"
)

var tracer = otel.Tracer("client")

// WhatsAppClient sends messages through the WhatsApp Cloud API.
// It implements port.MessageSender and port.OwnerNotifier.
type WhatsAppClient struct {
	httpClient  *http.Client
	baseURL     string
	accessToken string
	cb          *gobreaker.CircuitBreaker
	cfg         resilience.Config
	logger      *zap.Logger
}

// NewWhatsAppClient creates a new WhatsAppClient.
func NewWhatsAppClient(httpClient *http.Client, baseURL, accessToken string, cb *gobreaker.CircuitBreaker, cfg resilience.Config, logger *zap.Logger) *WhatsAppClient {
	return &WhatsAppClient{
		httpClient:  httpClient,
		baseURL:     baseURL,
		accessToken: accessToken,
		cb:          cb,
		cfg:         cfg,
		logger:      logger,
	}
}

type waText struct {
	Body       string `json:"body"`
	PreviewURL bool   `json:"preview_url"`
}

type waImage struct {
	Link    string `json:"link"`
	Caption string `json:"caption,omitempty"`
}

type waMessage struct {
	MessagingProduct string   `json:"messaging_product"`
	RecipientType    string   `json:"recipient_type"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             *waText  `json:"text,omitempty"`
	Image            *waImage `json:"image,omitempty"`
}

// SendText delivers a text message.
func (c *WhatsAppClient) SendText(ctx context.Context, phoneNumberID, to, body string) error {
	ctx, span := tracer.Start(ctx, "WhatsAppClient.SendText")
	defer span.End()
	span.SetAttributes(attribute.String("wa.to", to))

	return c.send(ctx, phoneNumberID, &waMessage{
		To:   to,
		Type: "text",
		Text: &waText{Body: body, PreviewURL: true},
	})
}

// SendImage delivers an image by URL with a caption.
func (c *WhatsAppClient) SendImage(ctx context.Context, phoneNumberID, to, imageURL, caption string) error {
	ctx, span := tracer.Start(ctx, "WhatsAppClient.SendImage")
	defer span.End()
	span.SetAttributes(attribute.String("wa.to", to))

	return c.send(ctx, phoneNumberID, &waMessage{
		To:    to,
		Type:  "image",
		Image: &waImage{Link: imageURL, Caption: caption},
	})
}

// NotifyOwner sends an alert to the tenant's owner contact.
func (c *WhatsAppClient) NotifyOwner(ctx context.Context, tenant *domain.Tenant, message string) error {
	if tenant == nil || tenant.OwnerPhone == "" {
		return &domain.ErrNotConfigured{Capability: "owner contact"}
	}
	return c.SendText(ctx, tenant.PhoneNumberID, tenant.OwnerPhone, message)
}

func (c *WhatsAppClient) send(ctx context.Context, phoneNumberID string, msg *waMessage) error {
	msg.MessagingProduct = "whatsapp"
	msg.RecipientType = "individual"
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/%s/messages", c.baseURL, phoneNumberID)

	err = resilience.Call(ctx, c.cb, c.cfg, "whatsapp", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return resilience.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.accessToken)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		statusErr := fmt.Errorf("whatsapp returned status %d: %s", resp.StatusCode, string(respBody))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return resilience.Permanent(statusErr)
		}
		return statusErr
	})
	if err != nil {
		c.logger.Warn("whatsapp send failed",
			zap.String("type", msg.Type),
			zap.String("to", msg.To),
			zap.Error(err),
		)
	}
	return err
}
