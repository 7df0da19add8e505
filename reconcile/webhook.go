// Package reconcile keeps local deposit and order state converged with the
// payment processor through two mechanisms: signed webhook events pushed by
// the processor, and a periodic sweep that pulls the processor's view for
// rows that stopped receiving events.
package reconcile

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lotline-io/openlot/core"
	"github.com/lotline-io/openlot/fault"
	"github.com/lotline-io/openlot/ledger"
	"github.com/lotline-io/openlot/metrics"
	"github.com/lotline-io/openlot/payments"
	"github.com/lotline-io/openlot/settings"
)

// Processor event types carried in the webhook envelope.
const (
	EventHoldAuthorized   = "hold.authorized"
	EventHoldCaptured     = "hold.captured"
	EventHoldCanceled     = "hold.canceled"
	EventHoldFailed       = "hold.failed"
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentFailed    = "payment.failed"
)

// Disposition classifies what a webhook delivery did.
type Disposition string

const (
	DispositionApplied   Disposition = "applied"
	DispositionNoop      Disposition = "noop"      // state already converged
	DispositionDuplicate Disposition = "duplicate" // event id replayed
	DispositionIgnored   Disposition = "ignored"   // unknown type or reference
)

// event is the processor's webhook envelope.
type event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Reference string `json:"reference"`
	} `json:"data"`
}

// Webhook verifies and applies processor push notifications. Apply runs
// before the event id is recorded, so a crash between the two replays the
// event; every transition is a compare-and-set, which makes the replay a
// no-op.
type Webhook struct {
	store    ledger.Store
	provider *settings.Provider
	secret   string
	logger   *slog.Logger
	clock    func() time.Time
}

func NewWebhook(store ledger.Store, provider *settings.Provider, secret string, logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{
		store:    store,
		provider: provider,
		secret:   secret,
		logger:   logger,
		clock:    time.Now,
	}
}

// SetClock overrides the time source for tests.
func (w *Webhook) SetClock(clock func() time.Time) { w.clock = clock }

// Handle verifies the signature, deduplicates by event id, and applies the
// event to the referenced deposit or order. Callers return 2xx to the
// processor only when the error is nil.
func (w *Webhook) Handle(ctx context.Context, payload []byte, signatureHeader string) (Disposition, error) {
	snap, err := w.provider.Snapshot(ctx)
	if err != nil {
		return "", err
	}
	if err := payments.VerifySignature(payload, signatureHeader, w.secret, snap.WebhookTolerance, w.clock()); err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("rejected").Inc()
		return "", err
	}

	var evt event
	if err := json.Unmarshal(payload, &evt); err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("rejected").Inc()
		return "", fault.Validation("webhook_payload", "malformed webhook payload")
	}
	if evt.ID == "" || evt.Data.Reference == "" {
		metrics.WebhookEventsTotal.WithLabelValues("rejected").Inc()
		return "", fault.Validation("webhook_payload", "webhook payload missing id or reference")
	}

	disposition, err := w.apply(ctx, evt)
	if err != nil {
		return "", err
	}

	fresh, err := w.store.MarkEventProcessed(ctx, core.WebhookEventRecord{
		EventID:     evt.ID,
		Type:        evt.Type,
		Outcome:     string(disposition),
		ProcessedAt: w.clock(),
	})
	if err != nil {
		return "", err
	}
	if !fresh {
		disposition = DispositionDuplicate
	}

	metrics.WebhookEventsTotal.WithLabelValues(string(disposition)).Inc()
	w.logger.Info("webhook processed",
		"event_id", evt.ID, "type", evt.Type, "reference", evt.Data.Reference, "disposition", disposition)
	return disposition, nil
}

func (w *Webhook) apply(ctx context.Context, evt event) (Disposition, error) {
	switch evt.Type {
	case EventHoldAuthorized:
		return w.moveDeposit(ctx, evt, core.DepositPending, core.DepositAuthorized)
	case EventHoldCaptured:
		return w.moveDeposit(ctx, evt, core.DepositAuthorized, core.DepositCaptured)
	case EventHoldCanceled:
		return w.moveDeposit(ctx, evt, core.DepositAuthorized, core.DepositCancelled)
	case EventHoldFailed:
		return w.failDeposit(ctx, evt)
	case EventPaymentSucceeded:
		return w.moveOrder(ctx, evt, core.OrderPendingPayment, core.OrderPaid)
	case EventPaymentFailed:
		return w.moveOrder(ctx, evt, core.OrderPendingPayment, core.OrderFailed)
	default:
		w.logger.Warn("ignoring unknown webhook event type", "event_id", evt.ID, "type", evt.Type)
		return DispositionIgnored, nil
	}
}

func (w *Webhook) moveDeposit(ctx context.Context, evt event, from, to core.DepositStatus) (Disposition, error) {
	deposit, err := w.store.DepositByProcessorRef(ctx, evt.Data.Reference)
	if err != nil {
		if fault.IsKind(err, fault.KindNotFound) {
			// Unknown reference: acknowledged so the processor stops
			// retrying; the sweep catches anything real we missed.
			return DispositionIgnored, nil
		}
		return "", err
	}
	applied, err := w.store.UpdateDepositStatusIf(ctx, deposit.ID, from, to, w.clock())
	if err != nil {
		return "", err
	}
	if !applied {
		return DispositionNoop, nil
	}
	if err := w.audit(ctx, evt, "deposit "+deposit.ID.String()+" "+string(from)+" -> "+string(to)); err != nil {
		return "", err
	}
	return DispositionApplied, nil
}

// failDeposit marks a hold failure from either open state.
func (w *Webhook) failDeposit(ctx context.Context, evt event) (Disposition, error) {
	deposit, err := w.store.DepositByProcessorRef(ctx, evt.Data.Reference)
	if err != nil {
		if fault.IsKind(err, fault.KindNotFound) {
			return DispositionIgnored, nil
		}
		return "", err
	}
	for _, from := range []core.DepositStatus{core.DepositPending, core.DepositAuthorized} {
		applied, err := w.store.UpdateDepositStatusIf(ctx, deposit.ID, from, core.DepositFailed, w.clock())
		if err != nil {
			return "", err
		}
		if applied {
			if err := w.audit(ctx, evt, "deposit "+deposit.ID.String()+" "+string(from)+" -> failed"); err != nil {
				return "", err
			}
			return DispositionApplied, nil
		}
	}
	return DispositionNoop, nil
}

func (w *Webhook) moveOrder(ctx context.Context, evt event, from, to core.OrderStatus) (Disposition, error) {
	order, err := w.store.OrderByProcessorRef(ctx, evt.Data.Reference)
	if err != nil {
		if fault.IsKind(err, fault.KindNotFound) {
			return DispositionIgnored, nil
		}
		return "", err
	}
	applied, err := w.store.UpdateOrderStatusIf(ctx, order.ID, from, to, w.clock())
	if err != nil {
		return "", err
	}
	if !applied {
		return DispositionNoop, nil
	}
	if err := w.audit(ctx, evt, "order "+order.ID.String()+" "+string(from)+" -> "+string(to)); err != nil {
		return "", err
	}
	return DispositionApplied, nil
}

func (w *Webhook) audit(ctx context.Context, evt event, note string) error {
	return w.store.AppendAudit(ctx, core.AuditEntry{
		ID:        uuid.New(),
		Reason:    core.AuditWebhookSync,
		Reference: evt.Data.Reference,
		Note:      evt.Type + ": " + note,
		CreatedAt: w.clock(),
	})
}
