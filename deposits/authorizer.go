// Package deposits manages the refundable authorization holds that gate
// auction participation: the two-phase create against the payment processor,
// the bid-eligibility gate, and the admin disposition actions.
package deposits

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lotline-io/openlot/core"
	"github.com/lotline-io/openlot/fault"
	"github.com/lotline-io/openlot/ledger"
	"github.com/lotline-io/openlot/metrics"
	"github.com/lotline-io/openlot/notify"
	"github.com/lotline-io/openlot/payments"
	"github.com/lotline-io/openlot/settings"
)

// Authorization is the caller-facing view of a deposit hold. ClientSecret is
// only present on the call that created the processor hold; the caller's
// payment UI needs it to confirm the hold.
type Authorization struct {
	DepositID    uuid.UUID
	ProcessorRef string
	ClientSecret string
	AmountCAD    decimal.Decimal
	Status       core.DepositStatus
}

// Authorizer creates and inspects per-(user, auction) deposit holds.
type Authorizer struct {
	store     ledger.Store
	provider  *settings.Provider
	processor payments.Processor
	notifier  notify.Notifier
	logger    *slog.Logger
	clock     func() time.Time
}

func NewAuthorizer(store ledger.Store, provider *settings.Provider, processor payments.Processor, logger *slog.Logger) *Authorizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authorizer{
		store:     store,
		provider:  provider,
		processor: processor,
		notifier:  notify.LogNotifier{Logger: logger},
		logger:    logger,
		clock:     time.Now,
	}
}

// SetClock overrides the time source for tests.
func (z *Authorizer) SetClock(clock func() time.Time) { z.clock = clock }

// SetNotifier replaces the default log-backed notifier.
func (z *Authorizer) SetNotifier(n notify.Notifier) { z.notifier = n }

// Authorize creates (or returns) the deposit hold for a user on an auction.
//
// Idempotent per (user, auction): an existing pending/authorized row is
// returned unchanged. The create is two-phase with explicit compensation:
//
//  1. insert the local row in pending; the unique index on open deposits
//     collapses concurrent creates to one row;
//  2. create the processor-side hold (capture deferred), keyed by the
//     deposit id so processor-level retries converge too;
//  3. record the hold reference locally, then mark authorized when the
//     processor confirmed inline; a pending hold waits for the webhook.
//
// A processor failure after the insert marks the row failed; a local write
// failure after the hold exists cancels the hold rather than orphaning it.
func (z *Authorizer) Authorize(ctx context.Context, userID, auctionID uuid.UUID) (Authorization, error) {
	if existing, err := z.store.OpenDeposit(ctx, userID, auctionID); err == nil {
		return fromDeposit(existing), nil
	} else if !fault.IsKind(err, fault.KindNotFound) {
		return Authorization{}, err
	}

	auction, err := z.store.GetAuction(ctx, auctionID)
	if err != nil {
		return Authorization{}, err
	}
	now := z.clock()
	if !now.Before(auction.EndAt) {
		return Authorization{}, fault.StateConflict("auction_ended", "auction has ended; deposits are closed")
	}
	listing, err := z.store.GetListing(ctx, auction.ListingID)
	if err != nil {
		return Authorization{}, err
	}

	snap, err := z.provider.Snapshot(ctx)
	if err != nil {
		return Authorization{}, err
	}
	amount := core.DepositAmount(listing, snap.DepositTerms())

	deposit := core.Deposit{
		ID:        uuid.New(),
		UserID:    userID,
		AuctionID: auctionID,
		AmountCAD: amount,
		Status:    core.DepositPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := z.store.CreateDeposit(ctx, deposit); err != nil {
		if fault.IsKind(err, fault.KindStateConflict) {
			// Lost the create race; the winner's row is the authorization.
			existing, lookupErr := z.store.OpenDeposit(ctx, userID, auctionID)
			if lookupErr != nil {
				return Authorization{}, lookupErr
			}
			return fromDeposit(existing), nil
		}
		return Authorization{}, err
	}

	hold, err := z.processor.Authorize(ctx, payments.AuthorizeRequest{
		UserID:         userID,
		AuctionID:      auctionID,
		AmountCAD:      amount,
		IdempotencyKey: deposit.ID.String(),
	})
	if err != nil {
		if _, casErr := z.store.UpdateDepositStatusIf(ctx, deposit.ID, core.DepositPending, core.DepositFailed, z.clock()); casErr != nil {
			z.logger.Error("marking deposit failed after processor error", "deposit_id", deposit.ID, "error", casErr)
		}
		z.notifier.Send(ctx, userID, notify.TemplateDepositFailed, map[string]string{
			"auction_id": auctionID.String(),
			"amount_cad": amount.StringFixed(2),
		})
		return Authorization{}, fault.ExternalProcessor(err, "authorize_failed", "processor refused the deposit hold")
	}

	if err := z.store.SetDepositProcessorRef(ctx, deposit.ID, hold.Reference); err != nil {
		// The hold exists but we cannot record it: compensate at the
		// processor so no orphaned money movement remains.
		if cancelErr := z.processor.Cancel(ctx, hold.Reference); cancelErr != nil {
			z.logger.Error("compensating cancel failed; sweep will expire the hold",
				"deposit_id", deposit.ID, "processor_ref", hold.Reference, "error", cancelErr)
		}
		return Authorization{}, fault.Persistence(err, "deposit_ref_write", "failed to record processor reference")
	}
	deposit.ProcessorRef = hold.Reference

	if hold.Status == payments.HoldAuthorized {
		if _, err := z.store.UpdateDepositStatusIf(ctx, deposit.ID, core.DepositPending, core.DepositAuthorized, z.clock()); err != nil {
			z.logger.Error("marking deposit authorized", "deposit_id", deposit.ID, "error", err)
		} else {
			deposit.Status = core.DepositAuthorized
		}
	}

	metrics.DepositsAuthorizedTotal.Inc()
	z.logger.Info("deposit authorized",
		"deposit_id", deposit.ID, "user_id", userID, "auction_id", auctionID,
		"amount_cad", amount.StringFixed(2), "status", deposit.Status)

	auth := fromDeposit(deposit)
	auth.ClientSecret = hold.ClientSecret
	return auth, nil
}

// CheckAuthorization is the read-only gate bid acceptance uses. Only
// authorized and captured deposits may bid; pending holds are still
// unconfirmed money.
func (z *Authorizer) CheckAuthorization(ctx context.Context, userID, auctionID uuid.UUID) (bool, error) {
	all, err := z.store.DepositsForAuction(ctx, auctionID)
	if err != nil {
		return false, err
	}
	for _, deposit := range all {
		if deposit.UserID != userID {
			continue
		}
		if deposit.Status == core.DepositAuthorized || deposit.Status == core.DepositCaptured {
			return true, nil
		}
	}
	return false, nil
}

// Status reports the caller-facing deposit state for one (user, auction)
// pair: the open row when one exists, otherwise the most recent row.
func (z *Authorizer) Status(ctx context.Context, userID, auctionID uuid.UUID) (core.Deposit, bool, error) {
	all, err := z.store.DepositsForAuction(ctx, auctionID)
	if err != nil {
		return core.Deposit{}, false, err
	}
	var latest *core.Deposit
	for i := range all {
		deposit := all[i]
		if deposit.UserID != userID {
			continue
		}
		if deposit.Status.Open() {
			return deposit, true, nil
		}
		if latest == nil || deposit.CreatedAt.After(latest.CreatedAt) {
			latest = &all[i]
		}
	}
	if latest == nil {
		return core.Deposit{}, false, nil
	}
	return *latest, true, nil
}

func fromDeposit(deposit core.Deposit) Authorization {
	return Authorization{
		DepositID:    deposit.ID,
		ProcessorRef: deposit.ProcessorRef,
		AmountCAD:    deposit.AmountCAD,
		Status:       deposit.Status,
	}
}
