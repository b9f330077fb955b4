package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/boddenberg/wa-commerce-go/internal/domain"
)

func (s *Store) SaveMessage(ctx context.Context, msg *domain.ChatMessage) error {
	ctx, span := tracer.Start(ctx, "SQLStore.SaveMessage")
	defer span.End()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	meta := []byte("{}")
	if len(msg.Metadata) > 0 {
		b, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("encode message metadata: %w", err)
		}
		meta = b
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO chat_messages (id, tenant_id, chat_id, sender, message_type, body, metadata, external_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		msg.ID, msg.TenantID, msg.ChatID, string(msg.Sender), string(msg.MessageType), msg.Body,
		string(meta), msg.ExternalID, msg.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

func (s *Store) RecentMessages(ctx context.Context, tenantID, chatID string, limit int) ([]domain.ChatMessage, error) {
	ctx, span := tracer.Start(ctx, "SQLStore.RecentMessages")
	defer span.End()

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, tenant_id, chat_id, sender, message_type, body, metadata, external_id, created_at
		FROM chat_messages
		WHERE tenant_id = ? AND chat_id = ?
		ORDER BY created_at DESC
		LIMIT ?`), tenantID, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []domain.ChatMessage
	for rows.Next() {
		var m domain.ChatMessage
		var sender, mtype, meta string
		var created dbTime
		if err := rows.Scan(&m.ID, &m.TenantID, &m.ChatID, &sender, &mtype, &m.Body, &meta, &m.ExternalID, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Sender = domain.Sender(sender)
		m.MessageType = domain.MessageType(mtype)
		m.CreatedAt = created.Time
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &m.Metadata); err != nil {
				// the body is still useful history; drop only the metadata
				s.logger.Warn("discarding unreadable message metadata",
					zap.String("tenant_id", m.TenantID),
					zap.String("message_id", m.ID),
					zap.Error(err),
				)
				m.Metadata = nil
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// newest first from the query, oldest first for the caller
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
