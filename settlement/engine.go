// Package settlement finalizes ended auctions: winner selection, deposit
// capture/cancel fan-out, and order creation. Runs are at-least-once and
// idempotent; a partially failed auction stays eligible for the next scan.
package settlement

import (
	"context"
	"fmt"
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
)

// Outcome labels what a settlement pass did with one auction.
type Outcome string

const (
	OutcomeSettled Outcome = "settled"
	OutcomeNoBids  Outcome = "no_bids"
	OutcomeRetry   Outcome = "retry" // errors remain, auction stays eligible
)

// BatchError is one per-auction or per-deposit failure inside a batch.
type BatchError struct {
	AuctionID uuid.UUID `json:"auction_id"`
	DepositID uuid.UUID `json:"deposit_id,omitempty"`
	Message   string    `json:"message"`
}

// BatchResult reports one settlement run for observability.
type BatchResult struct {
	Processed  int          `json:"processed"`
	Successful int          `json:"successful"`
	Errors     []BatchError `json:"errors,omitempty"`
}

// Engine drives the Ended -> Processed transition.
type Engine struct {
	store     ledger.Store
	processor payments.Processor
	notifier  notify.Notifier
	logger    *slog.Logger
	clock     func() time.Time
}

func NewEngine(store ledger.Store, processor payments.Processor, notifier notify.Notifier, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.LogNotifier{Logger: logger}
	}
	return &Engine{
		store:     store,
		processor: processor,
		notifier:  notifier,
		logger:    logger,
		clock:     time.Now,
	}
}

// SetClock overrides the time source for tests.
func (e *Engine) SetClock(clock func() time.Time) { e.clock = clock }

// Run settles every ended, unprocessed auction, optionally scoped to one
// auction id. Individual auction failures are collected, never fatal to the
// batch.
func (e *Engine) Run(ctx context.Context, auctionID *uuid.UUID) (BatchResult, error) {
	started := e.clock()
	metrics.SettlementRunsTotal.Inc()

	auctions, err := e.store.UnprocessedEnded(ctx, started, auctionID)
	if err != nil {
		return BatchResult{}, err
	}

	var result BatchResult
	for _, auction := range auctions {
		result.Processed++
		outcome, errs := e.settleOne(ctx, auction)
		metrics.SettlementAuctionsTotal.WithLabelValues(string(outcome)).Inc()
		if len(errs) == 0 {
			result.Successful++
		}
		result.Errors = append(result.Errors, errs...)
	}

	metrics.SettlementDuration.Observe(e.clock().Sub(started).Seconds())
	e.logger.Info("settlement batch complete",
		"processed", result.Processed, "successful", result.Successful, "errors", len(result.Errors))
	return result, nil
}

// settleOne runs the per-auction algorithm: pick the winner, dispose every
// authorized deposit, create the winner's order, then stamp processed_at.
// The stamp is withheld while any error remains, so the next scan retries
// what failed.
func (e *Engine) settleOne(ctx context.Context, auction core.Auction) (Outcome, []BatchError) {
	bids, err := e.store.BidsForAuction(ctx, auction.ID)
	if err != nil {
		return OutcomeRetry, []BatchError{{AuctionID: auction.ID, Message: err.Error()}}
	}
	winner := core.SelectWinner(bids)

	var errs []BatchError
	deposits, err := e.store.DepositsForAuction(ctx, auction.ID)
	if err != nil {
		return OutcomeRetry, []BatchError{{AuctionID: auction.ID, Message: err.Error()}}
	}

	var winnerDeposit *core.Deposit
	for i := range deposits {
		deposit := deposits[i]
		isWinner := winner != nil && deposit.UserID == winner.BidderID
		if isWinner {
			winnerDeposit = &deposits[i]
		}

		// Only rows still authorized act; captured/cancelled rows from a
		// previous partial run are skipped, which keeps re-runs free of
		// duplicate processor calls.
		if deposit.Status != core.DepositAuthorized {
			continue
		}

		if isWinner {
			if err := e.captureDeposit(ctx, &deposits[i]); err != nil {
				errs = append(errs, BatchError{AuctionID: auction.ID, DepositID: deposit.ID, Message: err.Error()})
			}
		} else {
			if err := e.cancelDeposit(ctx, &deposits[i]); err != nil {
				errs = append(errs, BatchError{AuctionID: auction.ID, DepositID: deposit.ID, Message: err.Error()})
			}
		}
	}

	if winner == nil {
		if len(errs) == 0 {
			if err := e.markProcessed(ctx, auction.ID); err != nil {
				errs = append(errs, BatchError{AuctionID: auction.ID, Message: err.Error()})
				return OutcomeRetry, errs
			}
		}
		e.logger.Info("auction closed with no bids", "auction_id", auction.ID)
		return OutcomeNoBids, errs
	}

	// The order requires the winner's deposit to be captured (or no deposit
	// to have been required at all).
	if winnerDeposit == nil || winnerDeposit.Status == core.DepositCaptured {
		if err := e.ensureOrder(ctx, auction, *winner, winnerDeposit); err != nil {
			errs = append(errs, BatchError{AuctionID: auction.ID, Message: err.Error()})
		}
	}

	if len(errs) > 0 {
		e.logger.Warn("auction settlement incomplete, will retry",
			"auction_id", auction.ID, "errors", len(errs))
		return OutcomeRetry, errs
	}

	if err := e.markProcessed(ctx, auction.ID); err != nil {
		return OutcomeRetry, []BatchError{{AuctionID: auction.ID, Message: err.Error()}}
	}

	e.notifyOutcome(ctx, auction, *winner, bids)
	e.logger.Info("auction settled",
		"auction_id", auction.ID, "winner_id", winner.BidderID, "amount_cad", winner.AmountCAD.StringFixed(2))
	return OutcomeSettled, nil
}

func (e *Engine) captureDeposit(ctx context.Context, deposit *core.Deposit) error {
	if err := e.processor.Capture(ctx, deposit.ProcessorRef); err != nil {
		metrics.DepositCapturesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("capturing deposit %s: %w", deposit.ID, err)
	}
	applied, err := e.store.UpdateDepositStatusIf(ctx, deposit.ID, core.DepositAuthorized, core.DepositCaptured, e.clock())
	if err != nil {
		return fault.Persistence(err, "deposit_capture_write", "capture succeeded but local write failed for %s", deposit.ID)
	}
	if applied {
		deposit.Status = core.DepositCaptured
	}
	metrics.DepositCapturesTotal.WithLabelValues("ok").Inc()
	return nil
}

func (e *Engine) cancelDeposit(ctx context.Context, deposit *core.Deposit) error {
	if err := e.processor.Cancel(ctx, deposit.ProcessorRef); err != nil {
		metrics.DepositCancelsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("cancelling deposit %s: %w", deposit.ID, err)
	}
	applied, err := e.store.UpdateDepositStatusIf(ctx, deposit.ID, core.DepositAuthorized, core.DepositCancelled, e.clock())
	if err != nil {
		return fault.Persistence(err, "deposit_cancel_write", "cancel succeeded but local write failed for %s", deposit.ID)
	}
	if applied {
		deposit.Status = core.DepositCancelled
	}
	metrics.DepositCancelsTotal.WithLabelValues("ok").Inc()
	return nil
}

// ensureOrder creates the winner's order exactly once per auction.
func (e *Engine) ensureOrder(ctx context.Context, auction core.Auction, winner core.Bid, winnerDeposit *core.Deposit) error {
	if _, err := e.store.OrderByAuction(ctx, auction.ID); err == nil {
		return nil // created by a previous partial run
	} else if !fault.IsKind(err, fault.KindNotFound) {
		return err
	}

	listing, err := e.store.GetListing(ctx, auction.ListingID)
	if err != nil {
		return err
	}

	applied := decimal.Zero
	if winnerDeposit != nil {
		applied = winnerDeposit.AmountCAD
	}
	remaining := winner.AmountCAD.Sub(applied)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	status := core.OrderPendingPayment
	if remaining.IsZero() {
		status = core.OrderPaid
	}

	now := e.clock()
	order := core.Order{
		ID:                  uuid.New(),
		ListingID:           auction.ListingID,
		AuctionID:           auction.ID,
		BuyerID:             winner.BidderID,
		SellerID:            listing.SellerID,
		TotalCAD:            winner.AmountCAD,
		DepositAppliedCAD:   applied,
		RemainingBalanceCAD: remaining,
		Status:              status,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := e.store.CreateOrder(ctx, order); err != nil {
		if fault.IsKind(err, fault.KindStateConflict) {
			return nil // lost a race with another settlement worker
		}
		return err
	}
	return nil
}

func (e *Engine) notifyOutcome(ctx context.Context, auction core.Auction, winner core.Bid, bids []core.Bid) {
	vars := map[string]string{
		"auction_id": auction.ID.String(),
		"amount_cad": winner.AmountCAD.StringFixed(2),
	}
	e.notifier.Send(ctx, winner.BidderID, notify.TemplateAuctionWon, vars)

	notified := map[uuid.UUID]bool{winner.BidderID: true}
	for _, bid := range bids {
		if notified[bid.BidderID] {
			continue
		}
		notified[bid.BidderID] = true
		e.notifier.Send(ctx, bid.BidderID, notify.TemplateAuctionLost, map[string]string{
			"auction_id": auction.ID.String(),
		})
	}
}

func (e *Engine) markProcessed(ctx context.Context, auctionID uuid.UUID) error {
	if err := e.store.MarkAuctionProcessed(ctx, auctionID, e.clock()); err != nil {
		// Already-processed is benign here: another worker finished first.
		if fault.IsKind(err, fault.KindStateConflict) {
			return nil
		}
		return err
	}
	return nil
}
