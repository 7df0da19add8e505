package core

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"
)

func cad(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func fixedRules(softClose int, increment string) Rules {
	return Rules{
		SoftCloseSeconds:     softClose,
		MinIncrementStrategy: MinIncrementFixed,
		MinIncrementValue:    cad(increment),
	}
}

func testAuction(start, end time.Time) Auction {
	return Auction{
		ID:        uuid.New(),
		ListingID: uuid.New(),
		StartAt:   start,
		EndAt:     end,
	}
}

func TestComputeState_Phases(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(1 * time.Hour)
	auction := testAuction(start, end)
	listing := Listing{ID: auction.ListingID, PriceCAD: cad("1000")}
	rules := fixedRules(120, "25")

	tests := []struct {
		name       string
		now        time.Time
		hasStarted bool
		hasEnded   bool
		isActive   bool
	}{
		{"before start", start.Add(-time.Minute), false, false, false},
		{"exactly at start", start, true, false, true},
		{"mid auction", start.Add(30 * time.Minute), true, false, true},
		{"exactly at end", end, true, true, false},
		{"after end", end.Add(time.Minute), true, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := ComputeState(auction, listing, nil, rules, tt.now)
			check.Equal(t, tt.hasStarted, state.HasStarted)
			check.Equal(t, tt.hasEnded, state.HasEnded)
			check.Equal(t, tt.isActive, state.IsActive)
		})
	}
}

func TestComputeState_HighBidAndTimeLeft(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(1 * time.Hour)
	auction := testAuction(start, end)
	listing := Listing{ID: auction.ListingID, PriceCAD: cad("1000")}
	rules := fixedRules(120, "25")
	now := start.Add(45 * time.Minute)

	// No bids: the listing base price anchors the high bid.
	state := ComputeState(auction, listing, nil, rules, now)
	check.Equal(t, "1000", state.CurrentHighBid.String())
	check.Equal(t, "1025", state.MinNextBid.String())
	check.Equal(t, 0, state.TotalBids)
	check.Equal(t, 15*time.Minute, state.TimeLeft)

	bids := []Bid{
		{AuctionID: auction.ID, BidderID: uuid.New(), AmountCAD: cad("1050"), CreatedAt: start.Add(10 * time.Minute)},
		{AuctionID: auction.ID, BidderID: uuid.New(), AmountCAD: cad("1100"), CreatedAt: start.Add(20 * time.Minute)},
	}
	state = ComputeState(auction, listing, bids, rules, now)
	check.Equal(t, "1100", state.CurrentHighBid.String())
	check.Equal(t, "1125", state.MinNextBid.String())
	check.Equal(t, 2, state.TotalBids)

	// Ended auctions report zero time left.
	state = ComputeState(auction, listing, bids, rules, end.Add(time.Second))
	check.Equal(t, time.Duration(0), state.TimeLeft)
}

func TestMinNextBid_Strategies(t *testing.T) {
	auction := testAuction(time.Now(), time.Now().Add(time.Hour))

	tests := []struct {
		name             string
		strategy         MinIncrementStrategy
		value            string
		auctionIncrement string
		currentHigh      string
		want             string
	}{
		{"fixed from rules", MinIncrementFixed, "25", "0", "1000", "1025"},
		{"fixed auction override", MinIncrementFixed, "25", "50", "1000", "1050"},
		{"percent of high bid", MinIncrementPercent, "5", "0", "1000", "1050"},
		{"percent rounds half-up on cents", MinIncrementPercent, "5", "0", "100.09", "105.09"},
		// 33.33 * 1% = 0.3333 -> 0.33 after round-half-up
		{"percent rounds down below half cent", MinIncrementPercent, "1", "0", "33.33", "33.66"},
		// 150.50 * 1% = 1.505 -> 1.51: the half cent rounds up
		{"percent rounds the exact half cent up", MinIncrementPercent, "1", "0", "150.50", "152.01"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := auction
			a.MinIncrementCAD = cad(tt.auctionIncrement)
			rules := Rules{MinIncrementStrategy: tt.strategy, MinIncrementValue: cad(tt.value)}
			got := MinNextBid(a, cad(tt.currentHigh), rules)
			check.Equal(t, tt.want, got.String())
		})
	}
}

func TestMinNextBid_StrictlyIncreasesAfterAcceptedBid(t *testing.T) {
	// A bid that satisfies minNextBid must yield a new minNextBid above
	// itself, so no bid can ever satisfy the minimum it produced.
	auction := testAuction(time.Now(), time.Now().Add(time.Hour))
	listing := Listing{PriceCAD: cad("1000")}

	for _, rules := range []Rules{
		fixedRules(0, "25"),
		{MinIncrementStrategy: MinIncrementPercent, MinIncrementValue: cad("5")},
	} {
		high := listing.PriceCAD
		var bids []Bid
		for i := 0; i < 20; i++ {
			state := ComputeState(auction, listing, bids, rules, time.Now())
			next := state.MinNextBid
			check.True(t, next.GreaterThan(high))
			bids = append(bids, Bid{AmountCAD: next, CreatedAt: time.Now()})
			after := ComputeState(auction, listing, bids, rules, time.Now())
			check.True(t, after.MinNextBid.GreaterThan(next))
			high = next
		}
	}
}

func TestInSoftClose(t *testing.T) {
	end := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	auction := testAuction(end.Add(-time.Hour), end)
	rules := fixedRules(120, "25")

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"well before window", end.Add(-10 * time.Minute), false},
		{"exactly at window open", end.Add(-120 * time.Second), true},
		{"one second before end", end.Add(-time.Second), true},
		{"exactly at end", end, false},
		{"after end", end.Add(time.Second), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check.Equal(t, tt.want, InSoftClose(auction, rules, tt.now))
		})
	}

	t.Run("zero window never soft-closes", func(t *testing.T) {
		check.Equal(t, false, InSoftClose(auction, fixedRules(0, "25"), end.Add(-time.Second)))
	})

	t.Run("auction window overrides configured default", func(t *testing.T) {
		a := auction
		a.SoftCloseSeconds = 300
		check.Equal(t, true, InSoftClose(a, rules, end.Add(-4*time.Minute)))
	})
}
