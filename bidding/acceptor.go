// Package bidding validates and durably records bids, applying the
// soft-close anti-sniping rule.
package bidding

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
	"github.com/lotline-io/openlot/settings"
)

// DepositGate answers whether a user holds a bid-eligible deposit for an
// auction. Implemented by the deposit authorizer; only authorized or
// captured deposits may bid.
type DepositGate interface {
	CheckAuthorization(ctx context.Context, userID, auctionID uuid.UUID) (bool, error)
}

// Placement is the result of an accepted bid. Consumers use the extension
// fields to refresh countdown displays.
type Placement struct {
	Bid               core.Bid
	State             core.AuctionState
	SoftCloseExtended bool
	NewEndTime        *time.Time
}

// Acceptor validates and records bids.
type Acceptor struct {
	store    ledger.Store
	provider *settings.Provider
	gate     DepositGate
	notifier notify.Notifier
	logger   *slog.Logger
	clock    func() time.Time
}

func NewAcceptor(store ledger.Store, provider *settings.Provider, gate DepositGate, logger *slog.Logger) *Acceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Acceptor{
		store:    store,
		provider: provider,
		gate:     gate,
		notifier: notify.LogNotifier{Logger: logger},
		logger:   logger,
		clock:    time.Now,
	}
}

// SetClock overrides the time source; tests drive deadlines with it.
func (a *Acceptor) SetClock(clock func() time.Time) { a.clock = clock }

// SetNotifier replaces the default log-backed notifier.
func (a *Acceptor) SetNotifier(n notify.Notifier) { a.notifier = n }

// PlaceBid validates and records one bid. Preconditions are checked in
// order, each with a distinct reason code: auction exists, caller is not the
// seller, deposit authorized (when required), auction active, amount meets
// the minimum, amount below any buy-now price.
//
// Validation and insert run inside the per-auction bid scope, so two bids
// racing near the deadline are serialized and the losing racer revalidates
// against the winner's committed amount. The soft-close extension runs after
// the insert commits: an extension failure is logged and retried implicitly
// by the next bid, never rolling back an accepted bid.
func (a *Acceptor) PlaceBid(ctx context.Context, auctionID, bidderID uuid.UUID, amount decimal.Decimal) (Placement, error) {
	if !amount.IsPositive() {
		return Placement{}, a.reject(fault.Validation("bid_amount", "bid amount must be positive"))
	}

	snap, err := a.provider.Snapshot(ctx)
	if err != nil {
		return Placement{}, err
	}
	rules := snap.Rules()

	var bid core.Bid
	var auctionAtAccept core.Auction
	var outbid *core.Bid
	err = a.store.InBidScope(ctx, auctionID, func(scope ledger.BidScope) error {
		auction := scope.Auction()
		listing := scope.Listing()
		auctionAtAccept = auction

		if listing.SellerID == bidderID {
			return fault.StateConflict("self_bid", "sellers may not bid on their own listings")
		}

		if snap.DepositRequired {
			ok, err := a.gate.CheckAuthorization(ctx, bidderID, auctionID)
			if err != nil {
				return err
			}
			if !ok {
				return fault.StateConflict("deposit_required", "an authorized deposit is required before bidding")
			}
		}

		bids, err := scope.Bids()
		if err != nil {
			return err
		}
		now := a.clock()
		state := core.ComputeState(auction, listing, bids, rules, now)
		if !state.HasStarted {
			return fault.StateConflict("auction_not_started", "auction has not started yet")
		}
		if state.HasEnded {
			return fault.StateConflict("auction_ended", "auction has ended")
		}
		if amount.LessThan(state.MinNextBid) {
			return fault.Validation("bid_below_minimum", "minimum bid amount is %s CAD", state.MinNextBid.StringFixed(2))
		}
		if listing.BuyNowCAD != nil && listing.BuyNowCAD.IsPositive() && !amount.LessThan(*listing.BuyNowCAD) {
			return fault.Validation("bid_meets_buy_now", "bids at or above the buy-now price of %s CAD go through instant purchase", listing.BuyNowCAD.StringFixed(2))
		}
		outbid = core.SelectWinner(bids)

		bid = core.Bid{
			ID:        uuid.New(),
			AuctionID: auctionID,
			BidderID:  bidderID,
			AmountCAD: core.RoundCents(amount),
			CreatedAt: now,
		}
		return scope.InsertBid(bid)
	})
	if err != nil {
		return Placement{}, a.reject(err)
	}

	metrics.BidsAcceptedTotal.Inc()

	if outbid != nil && outbid.BidderID != bidderID {
		a.notifier.Send(ctx, outbid.BidderID, notify.TemplateOutbid, map[string]string{
			"auction_id": auctionID.String(),
			"amount_cad": bid.AmountCAD.StringFixed(2),
		})
	}

	placement := Placement{Bid: bid}

	// Anti-snipe: re-evaluate against the placement clock now that the bid
	// is committed. The new deadline is absolute from the placement time so
	// stacked late bids cannot drift the deadline unboundedly.
	if core.InSoftClose(auctionAtAccept, rules, bid.CreatedAt) {
		newEnd := bid.CreatedAt.Add(core.EffectiveSoftClose(auctionAtAccept, rules))
		if err := a.store.ExtendAuction(ctx, auctionID, newEnd); err != nil {
			a.logger.Error("soft-close extension failed; next bid or settlement re-check will correct",
				"auction_id", auctionID, "error", err)
		} else {
			placement.SoftCloseExtended = true
			placement.NewEndTime = &newEnd
			metrics.SoftCloseExtensionsTotal.Inc()
			a.logger.Info("soft-close extended", "auction_id", auctionID, "new_end", newEnd)
		}
	}

	state, err := a.currentState(ctx, auctionID, rules)
	if err != nil {
		// The bid is committed; state recomputation is display-only.
		a.logger.Error("recomputing auction state after bid", "auction_id", auctionID, "error", err)
	} else {
		placement.State = state
	}
	return placement, nil
}

// State returns the derived auction state for display.
func (a *Acceptor) State(ctx context.Context, auctionID uuid.UUID) (core.AuctionState, error) {
	snap, err := a.provider.Snapshot(ctx)
	if err != nil {
		return core.AuctionState{}, err
	}
	return a.currentState(ctx, auctionID, snap.Rules())
}

func (a *Acceptor) currentState(ctx context.Context, auctionID uuid.UUID, rules core.Rules) (core.AuctionState, error) {
	auction, err := a.store.GetAuction(ctx, auctionID)
	if err != nil {
		return core.AuctionState{}, err
	}
	listing, err := a.store.GetListing(ctx, auction.ListingID)
	if err != nil {
		return core.AuctionState{}, err
	}
	bids, err := a.store.BidsForAuction(ctx, auctionID)
	if err != nil {
		return core.AuctionState{}, err
	}
	return core.ComputeState(auction, listing, bids, rules, a.clock()), nil
}

func (a *Acceptor) reject(err error) error {
	if reason := fault.ReasonOf(err); reason != "" {
		metrics.BidsRejectedTotal.WithLabelValues(reason).Inc()
	}
	return err
}
