package core

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MinIncrementStrategy selects how the minimum next bid is derived from the
// current high bid.
type MinIncrementStrategy string

const (
	// MinIncrementFixed adds a fixed CAD amount to the current high bid.
	MinIncrementFixed MinIncrementStrategy = "fixed"
	// MinIncrementPercent adds a percentage of the current high bid.
	MinIncrementPercent MinIncrementStrategy = "percent"
)

// DepositStrategy selects how the deposit hold amount is derived from the
// listing price.
type DepositStrategy string

const (
	DepositStrategyPercent DepositStrategy = "percent"
	DepositStrategyFlat    DepositStrategy = "flat"
)

// Listing is the catalog record an auction sells. Catalog management is an
// external collaborator; only the fields the auction engine reads are carried.
type Listing struct {
	ID        uuid.UUID
	SellerID  uuid.UUID
	PriceCAD  decimal.Decimal
	BuyNowCAD *decimal.Decimal
}

// Auction is the live-auction record for a listing. EndAt is mutable only by
// soft-close extension; ProcessedAt is set exactly once by settlement.
type Auction struct {
	ID               uuid.UUID
	ListingID        uuid.UUID
	StartAt          time.Time
	EndAt            time.Time
	MinIncrementCAD  decimal.Decimal
	SoftCloseSeconds int
	ProcessedAt      *time.Time
}

// Processed reports whether settlement has finalized this auction.
func (a Auction) Processed() bool {
	return a.ProcessedAt != nil
}

// Bid is an accepted bid. Rows are append-only and immutable once inserted.
// The ordering key for winner selection is (AmountCAD desc, CreatedAt asc).
type Bid struct {
	ID        uuid.UUID
	AuctionID uuid.UUID
	BidderID  uuid.UUID
	AmountCAD decimal.Decimal
	CreatedAt time.Time
}

// DepositStatus is the deposit authorization state machine.
type DepositStatus string

const (
	DepositPending    DepositStatus = "pending"
	DepositAuthorized DepositStatus = "authorized"
	DepositCaptured   DepositStatus = "captured"
	DepositCancelled  DepositStatus = "cancelled"
	DepositFailed     DepositStatus = "failed"
	DepositExpired    DepositStatus = "expired"
)

// Open reports whether the deposit still holds (or is acquiring) funds.
// At most one open deposit may exist per (user, auction).
func (s DepositStatus) Open() bool {
	return s == DepositPending || s == DepositAuthorized
}

// Deposit is a refundable hold on a bidder's payment method, gating
// participation in one auction. ProcessorRef is the external processor's
// identifier for the hold and is the join key for webhook reconciliation.
type Deposit struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	AuctionID    uuid.UUID
	ProcessorRef string
	AmountCAD    decimal.Decimal
	Status       DepositStatus
	CreatedAt    time.Time
	AuthorizedAt *time.Time
	CapturedAt   *time.Time
	CancelledAt  *time.Time
	UpdatedAt    time.Time
}

// OrderStatus tracks a won auction's order through balance payment.
type OrderStatus string

const (
	OrderPendingPayment OrderStatus = "pending_payment"
	OrderPaid           OrderStatus = "paid"
	OrderFailed         OrderStatus = "failed"
	OrderCancelled      OrderStatus = "cancelled"
)

// Order is the durable record created exactly once per won auction.
type Order struct {
	ID                  uuid.UUID
	ListingID           uuid.UUID
	AuctionID           uuid.UUID
	BuyerID             uuid.UUID
	SellerID            uuid.UUID
	TotalCAD            decimal.Decimal
	DepositAppliedCAD   decimal.Decimal
	RemainingBalanceCAD decimal.Decimal
	Status              OrderStatus
	ProcessorRef        string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// WebhookEventRecord is the append-only dedup log for processor webhook
// deliveries. EventID is the idempotency key.
type WebhookEventRecord struct {
	EventID     string
	Type        string
	Outcome     string
	ProcessedAt time.Time
}

// AuditReason tags which mechanism wrote an audit entry.
type AuditReason string

const (
	AuditWebhookSync           AuditReason = "webhook_sync"
	AuditDepositValidation     AuditReason = "deposit_validation"
	AuditPaymentReconciliation AuditReason = "payment_reconciliation"
)

// AuditEntry records a state correction or disposition for debugging
// provenance. Reference is the processor reference or entity id acted on.
type AuditEntry struct {
	ID        uuid.UUID
	Reason    AuditReason
	Reference string
	Note      string
	CreatedAt time.Time
}

// AuctionState is the derived, display- and validation-ready view of an
// auction at one instant. It is computed, never stored.
type AuctionState struct {
	HasStarted     bool
	HasEnded       bool
	IsActive       bool
	TimeLeft       time.Duration
	CurrentHighBid decimal.Decimal
	MinNextBid     decimal.Decimal
	TotalBids      int
}
