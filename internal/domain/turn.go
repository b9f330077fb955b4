package domain

import (
	"errors"
	"time"
)

// InboundMessage is one parsed customer message handed to the processor.
type InboundMessage struct {
	PhoneNumberID string
	TenantID      string
	ChatID        string
	From          string
	ProfileName   string
	MessageID     string
	Type          string
	Text          string
	ReceivedAt    time.Time
}

// Side effect kinds recorded in a TurnReport.
const (
	EffectSendText        = "send_text"
	EffectSendImage       = "send_image"
	EffectPaymentLink     = "payment_link"
	EffectNotifyOwner     = "notify_owner"
	EffectPublishEvent    = "publish_event"
	EffectRecordMessage   = "record_message"
	EffectAttachPayment   = "attach_payment_link"
	EffectInvalidateCache = "invalidate_cache"
	EffectSaveState       = "save_state"
	EffectResetState      = "reset_state"
)

// SideEffectResult is the outcome of one best-effort call.
type SideEffectResult struct {
	Kind string
	Err  error
}

// TurnReport describes what a single controller turn did.
type TurnReport struct {
	Action     ActionKind
	From       Step
	To         Step
	OrderID    string
	OrderNo    string
	Effects    []SideEffectResult
	StateSaved bool
}

// Record appends an effect outcome.
func (r *TurnReport) Record(kind string, err error) {
	r.Effects = append(r.Effects, SideEffectResult{Kind: kind, Err: err})
}

// Failed returns the effects that returned an error.
func (r *TurnReport) Failed() []SideEffectResult {
	var out []SideEffectResult
	for _, e := range r.Effects {
		if e.Err != nil {
			out = append(out, e)
		}
	}
	return out
}

// Err joins every failed effect, or nil.
func (r *TurnReport) Err() error {
	var errs []error
	for _, e := range r.Failed() {
		errs = append(errs, e.Err)
	}
	return errors.Join(errs...)
}
