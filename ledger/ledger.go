// Package ledger is the durable record of auctions, bids, deposits, orders
// and webhook events. Two implementations share one contract: a pgx-backed
// Postgres store for production and an in-memory store for tests and dev
// mode. Both serialize bid acceptance per auction (see BidScope).
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lotline-io/openlot/core"
)

// BidScope is the per-auction critical section handed to bid acceptance.
// While the callback runs, no other bid for the same auction can be
// validated or inserted: Postgres holds a transaction-scoped advisory lock
// on the auction id, the memory store a per-auction mutex. This closes the
// read-validate-insert race between two bids racing near the deadline.
type BidScope interface {
	Auction() core.Auction
	Listing() core.Listing
	Bids() ([]core.Bid, error)
	InsertBid(bid core.Bid) error
}

// Store is the datastore contract.
type Store interface {
	// Listings and auctions. Creation belongs to the (out of scope) catalog
	// flow; the engine only reads, extends deadlines and marks processing.
	CreateListing(ctx context.Context, listing core.Listing) error
	GetListing(ctx context.Context, id uuid.UUID) (core.Listing, error)
	CreateAuction(ctx context.Context, auction core.Auction) error
	GetAuction(ctx context.Context, id uuid.UUID) (core.Auction, error)

	// InBidScope runs fn serialized against all other bid scopes for the
	// same auction. Returning an error from fn aborts any insert made in it.
	InBidScope(ctx context.Context, auctionID uuid.UUID, fn func(BidScope) error) error

	// ExtendAuction moves end_at forward; a newEnd at or before the current
	// deadline is a no-op. It refuses processed auctions and runs outside
	// bid scope so an extension failure never rolls back a bid.
	ExtendAuction(ctx context.Context, auctionID uuid.UUID, newEnd time.Time) error

	// MarkAuctionProcessed stamps processed_at exactly once.
	MarkAuctionProcessed(ctx context.Context, auctionID uuid.UUID, at time.Time) error

	// UnprocessedEnded lists auctions with end_at < now and no processed_at,
	// optionally scoped to one auction.
	UnprocessedEnded(ctx context.Context, now time.Time, auctionID *uuid.UUID) ([]core.Auction, error)

	BidsForAuction(ctx context.Context, auctionID uuid.UUID) ([]core.Bid, error)

	// CreateDeposit inserts a deposit. At most one open (pending/authorized)
	// deposit may exist per (user, auction); a second insert fails with a
	// state-conflict fault.
	CreateDeposit(ctx context.Context, deposit core.Deposit) error
	OpenDeposit(ctx context.Context, userID, auctionID uuid.UUID) (core.Deposit, error)

	// SetDepositProcessorRef records the processor's hold reference on a
	// freshly created deposit (phase two of the two-phase create).
	SetDepositProcessorRef(ctx context.Context, id uuid.UUID, ref string) error
	DepositByID(ctx context.Context, id uuid.UUID) (core.Deposit, error)
	DepositByProcessorRef(ctx context.Context, ref string) (core.Deposit, error)
	DepositsForAuction(ctx context.Context, auctionID uuid.UUID) ([]core.Deposit, error)

	// UpdateDepositStatusIf is a compare-and-set on status; it reports
	// whether the transition applied. Settlement and reconciliation re-runs
	// rely on it to stay idempotent.
	UpdateDepositStatusIf(ctx context.Context, id uuid.UUID, from, to core.DepositStatus, at time.Time) (bool, error)

	// StaleDeposits lists deposits still in one of the given states whose
	// last update is older than cutoff.
	StaleDeposits(ctx context.Context, cutoff time.Time, statuses []core.DepositStatus) ([]core.Deposit, error)

	// CreateOrder inserts the won-auction order; one per auction.
	CreateOrder(ctx context.Context, order core.Order) error
	OrderByAuction(ctx context.Context, auctionID uuid.UUID) (core.Order, error)
	OrderByProcessorRef(ctx context.Context, ref string) (core.Order, error)
	UpdateOrderStatusIf(ctx context.Context, id uuid.UUID, from, to core.OrderStatus, at time.Time) (bool, error)

	// MarkEventProcessed records a webhook event id; it reports false when
	// the id was already recorded (idempotent replay).
	MarkEventProcessed(ctx context.Context, record core.WebhookEventRecord) (bool, error)

	AppendAudit(ctx context.Context, entry core.AuditEntry) error

	// Flat settings map backing the SettingsProvider collaborator.
	SettingsValues(ctx context.Context) (map[string]string, error)
	SetSettingsValue(ctx context.Context, key, value string) error
}

// SettingsKV adapts a Store to the settings.KV contract.
type SettingsKV struct {
	Store Store
}

func (s SettingsKV) Values(ctx context.Context) (map[string]string, error) {
	return s.Store.SettingsValues(ctx)
}

func (s SettingsKV) Set(ctx context.Context, key, value string) error {
	return s.Store.SetSettingsValue(ctx, key, value)
}
