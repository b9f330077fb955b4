package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/boddenberg/wa-commerce-go/internal/domain"
)

// escalate hands the chat to a human. The owner alert is best effort: a
// tenant without an owner contact is logged and skipped.
func (c *Commerce) escalate(ctx context.Context, t *Turn, r *domain.TurnReport) (domain.ConversationState, bool) {
	c.say(ctx, t, r, t.Action.Reply, domain.MessageText, nil)

	reason := t.Action.EscalationReason
	alert := ownerAlert(t.Customer, reason)

	var err error
	if c.notifier == nil {
		err = &domain.ErrNotConfigured{Capability: "owner notification"}
	} else {
		err = c.notifier.NotifyOwner(ctx, t.Tenant, alert)
	}

	var nc *domain.ErrNotConfigured
	switch {
	case err == nil:
		r.Record(domain.EffectNotifyOwner, nil)
		c.metrics.IncrEscalation("notified")
	case errors.As(err, &nc):
		c.metrics.IncrEscalation("skipped")
		c.logger.Info("escalation: no owner contact, skipping alert",
			zap.String("tenant_id", t.Tenant.ID),
			zap.String("chat_id", t.ChatID),
		)
	default:
		r.Record(domain.EffectNotifyOwner, err)
		c.metrics.IncrEscalation("failed")
		c.logger.Warn("escalation: owner alert failed",
			zap.String("tenant_id", t.Tenant.ID),
			zap.String("chat_id", t.ChatID),
			zap.Error(err),
		)
	}

	c.record(ctx, t, r, alert, domain.MessageEscalation, map[string]any{
		"escalated": true,
		"reason":    reason,
		"notified":  err == nil,
	}, nil)

	return domain.Idle{}, true
}
