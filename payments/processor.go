// Package payments is the client side of the external payment processor: the
// authorize/capture/cancel primitives, webhook signature verification, and a
// scripted fake for tests. The processor is the authority over money
// movement; this package never assumes an outcome a call did not confirm.
package payments

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// HoldStatus is the processor-reported state of an authorization hold.
type HoldStatus string

const (
	HoldPending    HoldStatus = "pending"
	HoldAuthorized HoldStatus = "authorized"
	HoldCaptured   HoldStatus = "captured"
	HoldCancelled  HoldStatus = "cancelled"
	HoldFailed     HoldStatus = "failed"
)

// Hold is the processor's view of one authorization.
type Hold struct {
	Reference    string
	ClientSecret string
	AmountCAD    decimal.Decimal
	Status       HoldStatus
}

// AuthorizeRequest creates a capture-deferred hold. IdempotencyKey makes
// retried creates converge on one processor-side hold.
type AuthorizeRequest struct {
	UserID         uuid.UUID
	AuctionID      uuid.UUID
	AmountCAD      decimal.Decimal
	IdempotencyKey string
}

// Processor is the payment processor contract. Every call must be bounded by
// a timeout; on timeout the caller leaves local state pending so the
// reconciliation sweep can resolve it from Lookup later.
type Processor interface {
	Authorize(ctx context.Context, req AuthorizeRequest) (Hold, error)
	Capture(ctx context.Context, reference string) error
	Cancel(ctx context.Context, reference string) error
	Lookup(ctx context.Context, reference string) (Hold, error)
}
