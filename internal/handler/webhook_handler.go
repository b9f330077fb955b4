package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/boddenberg/wa-commerce-go/internal/domain"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	maxWebhookBody  = 1 << 20
	signatureHeader = "X-Hub-Signature-256"
)

// TurnDispatcher hands a parsed customer message to background processing.
type TurnDispatcher interface {
	Dispatch(ctx context.Context, msg domain.InboundMessage)
}

// ============================================================
// Meta webhook payload
// ============================================================

type webhookPayload struct {
	Object string         `json:"object"`
	Entry  []webhookEntry `json:"entry"`
}

type webhookEntry struct {
	ID      string          `json:"id"`
	Changes []webhookChange `json:"changes"`
}

type webhookChange struct {
	Field string       `json:"field"`
	Value webhookValue `json:"value"`
}

type webhookValue struct {
	Metadata struct {
		PhoneNumberID string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []struct {
		WaID    string `json:"wa_id"`
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
	} `json:"contacts"`
	Messages []struct {
		ID        string `json:"id"`
		From      string `json:"from"`
		Timestamp string `json:"timestamp"`
		Type      string `json:"type"`
		Text      *struct {
			Body string `json:"body"`
		} `json:"text,omitempty"`
	} `json:"messages"`
}

// inboundMessages flattens a delivery into customer messages. Status
// callbacks carry no messages and yield nothing.
func (p *webhookPayload) inboundMessages(now time.Time) []domain.InboundMessage {
	var out []domain.InboundMessage
	for _, e := range p.Entry {
		for _, ch := range e.Changes {
			if ch.Field != "" && ch.Field != "messages" {
				continue
			}
			v := ch.Value
			names := make(map[string]string, len(v.Contacts))
			for _, c := range v.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, m := range v.Messages {
				msg := domain.InboundMessage{
					PhoneNumberID: v.Metadata.PhoneNumberID,
					From:          m.From,
					ProfileName:   names[m.From],
					MessageID:     m.ID,
					Type:          m.Type,
					ReceivedAt:    now,
				}
				if m.Text != nil {
					msg.Text = m.Text.Body
				}
				if sec, err := strconv.ParseInt(m.Timestamp, 10, 64); err == nil && sec > 0 {
					msg.ReceivedAt = time.Unix(sec, 0).UTC()
				}
				out = append(out, msg)
			}
		}
	}
	return out
}

// validSignature checks the sha256=<hex> HMAC Meta sends with each delivery.
func validSignature(body []byte, header, secret string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

// ============================================================
// GET /webhooks/whatsapp
// ============================================================

func webhookVerifyHandler(verifyToken string, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if verifyToken == "" || q.Get("hub.mode") != "subscribe" || q.Get("hub.verify_token") != verifyToken {
			logger.Warn("webhook verification rejected", zap.String("mode", q.Get("hub.mode")))
			writeError(w, http.StatusForbidden, "verification failed")
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, q.Get("hub.challenge"))
	}
}

// ============================================================
// POST /webhooks/whatsapp
// ============================================================

func webhookReceiveHandler(dispatcher TurnDispatcher, appSecret string, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /webhooks/whatsapp")
		defer span.End()

		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, "unreadable body")
			return
		}

		if appSecret != "" && !validSignature(body, r.Header.Get(signatureHeader), appSecret) {
			logger.Warn("webhook signature mismatch", zap.String("remote_addr", r.RemoteAddr))
			writeError(w, http.StatusUnauthorized, "invalid signature")
			return
		}

		var payload webhookPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		msgs := payload.inboundMessages(time.Now().UTC())
		span.SetAttributes(attribute.Int("webhook.messages", len(msgs)))

		// Meta retries anything not acknowledged quickly; turns run detached.
		for _, m := range msgs {
			dispatcher.Dispatch(ctx, m)
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "received", "messages": len(msgs)})
	}
}
