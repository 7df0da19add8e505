package reconcile

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"

	"github.com/lotline-io/openlot/core"
	"github.com/lotline-io/openlot/fault"
	"github.com/lotline-io/openlot/ledger"
	"github.com/lotline-io/openlot/payments"
	"github.com/lotline-io/openlot/settings"
)

const testSecret = "whsec_test"

type webhookFixture struct {
	store   *ledger.Memory
	webhook *Webhook
	now     time.Time
}

func newWebhookFixture(t *testing.T) *webhookFixture {
	t.Helper()
	store := ledger.NewMemory()
	provider := settings.NewProvider(settings.NewCache(settings.NewMemoryKV(nil), 0))
	now := time.Date(2026, time.March, 14, 15, 0, 0, 0, time.UTC)

	webhook := NewWebhook(store, provider, testSecret, nil)
	webhook.SetClock(func() time.Time { return now })
	return &webhookFixture{store: store, webhook: webhook, now: now}
}

func (f *webhookFixture) seedDeposit(t *testing.T, status core.DepositStatus, ref string) core.Deposit {
	t.Helper()
	deposit := core.Deposit{
		ID:           uuid.New(),
		UserID:       uuid.New(),
		AuctionID:    uuid.New(),
		ProcessorRef: ref,
		AmountCAD:    decimal.NewFromInt(100),
		Status:       status,
		CreatedAt:    f.now.Add(-time.Hour),
		UpdatedAt:    f.now.Add(-time.Hour),
	}
	check.Nil(t, f.store.CreateDeposit(context.Background(), deposit))
	return deposit
}

func (f *webhookFixture) deliver(t *testing.T, eventID, eventType, ref string) (Disposition, error) {
	t.Helper()
	payload := []byte(fmt.Sprintf(`{"id":%q,"type":%q,"data":{"reference":%q}}`, eventID, eventType, ref))
	header := payments.SignPayload(payload, testSecret, f.now)
	return f.webhook.Handle(context.Background(), payload, header)
}

func TestHandle_CapturesDeposit(t *testing.T) {
	f := newWebhookFixture(t)
	deposit := f.seedDeposit(t, core.DepositAuthorized, "hold_000001")

	disposition, err := f.deliver(t, "evt_1", EventHoldCaptured, "hold_000001")
	check.Nil(t, err)
	check.Equal(t, DispositionApplied, disposition)

	got, err := f.store.DepositByID(context.Background(), deposit.ID)
	check.Nil(t, err)
	check.Equal(t, core.DepositCaptured, got.Status)

	entries := f.store.AuditEntries()
	check.Equal(t, 1, len(entries))
	check.Equal(t, core.AuditWebhookSync, entries[0].Reason)
	check.Equal(t, "hold_000001", entries[0].Reference)
}

func TestHandle_ReplayedEventIsDuplicate(t *testing.T) {
	f := newWebhookFixture(t)
	deposit := f.seedDeposit(t, core.DepositAuthorized, "hold_000001")

	_, err := f.deliver(t, "evt_1", EventHoldCaptured, "hold_000001")
	check.Nil(t, err)

	disposition, err := f.deliver(t, "evt_1", EventHoldCaptured, "hold_000001")
	check.Nil(t, err)
	check.Equal(t, DispositionDuplicate, disposition)

	got, err := f.store.DepositByID(context.Background(), deposit.ID)
	check.Nil(t, err)
	check.Equal(t, core.DepositCaptured, got.Status)
}

func TestHandle_ConvergedStateIsNoop(t *testing.T) {
	f := newWebhookFixture(t)
	f.seedDeposit(t, core.DepositCaptured, "hold_000001")

	// Same correction under a fresh event id: the CAS does not apply.
	disposition, err := f.deliver(t, "evt_2", EventHoldCaptured, "hold_000001")
	check.Nil(t, err)
	check.Equal(t, DispositionNoop, disposition)
	check.Equal(t, 0, len(f.store.AuditEntries()))
}

func TestHandle_BadSignatureRejected(t *testing.T) {
	f := newWebhookFixture(t)
	f.seedDeposit(t, core.DepositAuthorized, "hold_000001")

	payload := []byte(`{"id":"evt_1","type":"hold.captured","data":{"reference":"hold_000001"}}`)
	header := payments.SignPayload(payload, "whsec_other", f.now)
	_, err := f.webhook.Handle(context.Background(), payload, header)
	check.Equal(t, "webhook_signature", fault.ReasonOf(err))

	got, err := f.store.DepositByProcessorRef(context.Background(), "hold_000001")
	check.Nil(t, err)
	check.Equal(t, core.DepositAuthorized, got.Status)
}

func TestHandle_StaleTimestampRejected(t *testing.T) {
	f := newWebhookFixture(t)

	payload := []byte(`{"id":"evt_1","type":"hold.captured","data":{"reference":"hold_000001"}}`)
	header := payments.SignPayload(payload, testSecret, f.now.Add(-6*time.Minute))
	_, err := f.webhook.Handle(context.Background(), payload, header)
	check.Equal(t, "webhook_stale", fault.ReasonOf(err))
}

func TestHandle_UnknownReferenceAcknowledged(t *testing.T) {
	f := newWebhookFixture(t)

	disposition, err := f.deliver(t, "evt_1", EventHoldCaptured, "hold_unknown")
	check.Nil(t, err)
	check.Equal(t, DispositionIgnored, disposition)
}

func TestHandle_UnknownTypeAcknowledged(t *testing.T) {
	f := newWebhookFixture(t)

	disposition, err := f.deliver(t, "evt_1", "hold.disputed", "hold_000001")
	check.Nil(t, err)
	check.Equal(t, DispositionIgnored, disposition)
}

func TestHandle_FailedHoldFromEitherOpenState(t *testing.T) {
	for _, status := range []core.DepositStatus{core.DepositPending, core.DepositAuthorized} {
		t.Run(string(status), func(t *testing.T) {
			f := newWebhookFixture(t)
			deposit := f.seedDeposit(t, status, "hold_000001")

			disposition, err := f.deliver(t, "evt_1", EventHoldFailed, "hold_000001")
			check.Nil(t, err)
			check.Equal(t, DispositionApplied, disposition)

			got, err := f.store.DepositByID(context.Background(), deposit.ID)
			check.Nil(t, err)
			check.Equal(t, core.DepositFailed, got.Status)
		})
	}
}

func TestHandle_PaymentSucceededMarksOrderPaid(t *testing.T) {
	f := newWebhookFixture(t)
	ctx := context.Background()

	order := core.Order{
		ID:                  uuid.New(),
		ListingID:           uuid.New(),
		AuctionID:           uuid.New(),
		BuyerID:             uuid.New(),
		SellerID:            uuid.New(),
		TotalCAD:            decimal.NewFromInt(1100),
		DepositAppliedCAD:   decimal.NewFromInt(100),
		RemainingBalanceCAD: decimal.NewFromInt(1000),
		Status:              core.OrderPendingPayment,
		ProcessorRef:        "pay_000001",
		CreatedAt:           f.now,
		UpdatedAt:           f.now,
	}
	check.Nil(t, f.store.CreateOrder(ctx, order))

	disposition, err := f.deliver(t, "evt_1", EventPaymentSucceeded, "pay_000001")
	check.Nil(t, err)
	check.Equal(t, DispositionApplied, disposition)

	got, err := f.store.OrderByAuction(ctx, order.AuctionID)
	check.Nil(t, err)
	check.Equal(t, core.OrderPaid, got.Status)
}

func TestHandle_MalformedPayloadRejected(t *testing.T) {
	f := newWebhookFixture(t)

	payload := []byte(`{"id":"evt_1"`)
	header := payments.SignPayload(payload, testSecret, f.now)
	_, err := f.webhook.Handle(context.Background(), payload, header)
	check.Equal(t, "webhook_payload", fault.ReasonOf(err))
}
