package handler

import (
	"context"
	"net/http"

	"github.com/boddenberg/wa-commerce-go/internal/domain"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ConversationAdmin is what the dashboard may do with a live conversation.
type ConversationAdmin interface {
	Inspect(ctx context.Context, tenantID, chatID string) (*domain.ConversationView, error)
	Reset(ctx context.Context, tenantID, chatID string) error
}

func chatParams(r *http.Request) (tenantID, chatID string, ok bool) {
	tenantID = chi.URLParam(r, "tenantId")
	chatID = chi.URLParam(r, "chatId")
	return tenantID, chatID, tenantID != "" && chatID != ""
}

// GET /v1/tenants/{tenantId}/chats/{chatId}/conversation
func getConversationHandler(conversations ConversationAdmin, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/tenants/{tenantId}/chats/{chatId}/conversation")
		defer span.End()

		tenantID, chatID, ok := chatParams(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "tenantId and chatId are required")
			return
		}
		span.SetAttributes(attribute.String("tenant.id", tenantID))

		view, err := conversations.Inspect(ctx, tenantID, chatID)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

// POST /v1/tenants/{tenantId}/chats/{chatId}/conversation/reset
func resetConversationHandler(conversations ConversationAdmin, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/tenants/{tenantId}/chats/{chatId}/conversation/reset")
		defer span.End()

		tenantID, chatID, ok := chatParams(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "tenantId and chatId are required")
			return
		}
		span.SetAttributes(attribute.String("tenant.id", tenantID))

		if err := conversations.Reset(ctx, tenantID, chatID); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		logger.Info("conversation reset",
			zap.String("caller", CallerFromContext(ctx)),
			zap.String("tenant_id", tenantID),
			zap.String("chat_id", chatID),
		)
		writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "step": string(domain.StepIdle)})
	}
}
