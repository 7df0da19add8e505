package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Rules are the configuration inputs the state calculation depends on. They
// are a value type so ComputeState stays pure; callers build one from the
// settings snapshot taken at the start of the operation.
type Rules struct {
	SoftCloseSeconds     int
	MinIncrementStrategy MinIncrementStrategy
	MinIncrementValue    decimal.Decimal
}

// EffectiveSoftClose returns the auction's own soft-close window when set,
// falling back to the configured default.
func EffectiveSoftClose(a Auction, rules Rules) time.Duration {
	secs := a.SoftCloseSeconds
	if secs <= 0 {
		secs = rules.SoftCloseSeconds
	}
	return time.Duration(secs) * time.Second
}

// ComputeState derives the full auction state from an auction record, its
// bids, the active rules, and a clock reading.
//
// The function is pure: no I/O, no side effects, deterministic for identical
// inputs. It is called on every bid validation, on settlement re-checks, and
// for client display, so it must stay cheap to recompute.
//
//   - HasStarted = now >= StartAt, HasEnded = now >= EndAt
//   - CurrentHighBid = max bid amount, or the listing base price with no bids
//   - MinNextBid = CurrentHighBid + increment, rounded half-up to cents
func ComputeState(a Auction, listing Listing, bids []Bid, rules Rules, now time.Time) AuctionState {
	hasStarted := !now.Before(a.StartAt)
	hasEnded := !now.Before(a.EndAt)

	high := listing.PriceCAD
	for _, b := range bids {
		if b.AmountCAD.GreaterThan(high) {
			high = b.AmountCAD
		}
	}

	var timeLeft time.Duration
	if !hasEnded {
		timeLeft = a.EndAt.Sub(now)
	}

	return AuctionState{
		HasStarted:     hasStarted,
		HasEnded:       hasEnded,
		IsActive:       hasStarted && !hasEnded,
		TimeLeft:       timeLeft,
		CurrentHighBid: high,
		MinNextBid:     MinNextBid(a, high, rules),
		TotalBids:      len(bids),
	}
}

// MinNextBid returns the smallest acceptable next bid given the current high
// bid. With the fixed strategy the auction's own increment takes precedence
// over the configured default; the percent strategy always reads the
// configured percentage. Cents are rounded half-up (see RoundCents).
func MinNextBid(a Auction, currentHigh decimal.Decimal, rules Rules) decimal.Decimal {
	var increment decimal.Decimal
	switch rules.MinIncrementStrategy {
	case MinIncrementPercent:
		increment = currentHigh.Mul(rules.MinIncrementValue).Div(decimal.NewFromInt(100))
	default:
		increment = a.MinIncrementCAD
		if !increment.IsPositive() {
			increment = rules.MinIncrementValue
		}
	}
	return RoundCents(currentHigh.Add(increment))
}

// InSoftClose reports whether a bid placed at now lands inside the trailing
// anti-sniping window: now >= EndAt - softClose && now < EndAt.
func InSoftClose(a Auction, rules Rules, now time.Time) bool {
	window := EffectiveSoftClose(a, rules)
	if window <= 0 {
		return false
	}
	open := a.EndAt.Add(-window)
	return !now.Before(open) && now.Before(a.EndAt)
}
