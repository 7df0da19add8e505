package bidding

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"

	"github.com/lotline-io/openlot/core"
	"github.com/lotline-io/openlot/fault"
	"github.com/lotline-io/openlot/ledger"
	"github.com/lotline-io/openlot/notify"
	"github.com/lotline-io/openlot/settings"
)

// allowAllGate admits every bidder; deposit gating has its own tests in the
// deposits package.
type allowAllGate struct{}

func (allowAllGate) CheckAuthorization(context.Context, uuid.UUID, uuid.UUID) (bool, error) {
	return true, nil
}

// denyGate records who was asked and refuses everyone.
type denyGate struct {
	mu    sync.Mutex
	asked []uuid.UUID
}

func (g *denyGate) CheckAuthorization(_ context.Context, userID, _ uuid.UUID) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.asked = append(g.asked, userID)
	return false, nil
}

type fixture struct {
	store    *ledger.Memory
	acceptor *Acceptor
	auction  core.Auction
	listing  core.Listing
	now      time.Time
}

// newFixture seeds a live $1000 auction. The acceptor's clock is pinned to
// f.now; tests move it with f.setNow.
func newFixture(t *testing.T, overrides map[string]string, gate DepositGate) *fixture {
	t.Helper()
	ctx := context.Background()
	store := ledger.NewMemory()
	if overrides == nil {
		overrides = map[string]string{}
	}
	if _, ok := overrides[settings.KeyDepositRequired]; !ok {
		overrides[settings.KeyDepositRequired] = "false"
	}
	provider := settings.NewProvider(settings.NewCache(settings.NewMemoryKV(overrides), 0))
	if gate == nil {
		gate = allowAllGate{}
	}

	now := time.Date(2026, time.March, 14, 15, 0, 0, 0, time.UTC)
	listing := core.Listing{ID: uuid.New(), SellerID: uuid.New(), PriceCAD: decimal.NewFromInt(1000)}
	check.Nil(t, store.CreateListing(ctx, listing))
	auction := core.Auction{
		ID:        uuid.New(),
		ListingID: listing.ID,
		StartAt:   now.Add(-time.Hour),
		EndAt:     now.Add(time.Hour),
	}
	check.Nil(t, store.CreateAuction(ctx, auction))

	f := &fixture{
		store:    store,
		acceptor: NewAcceptor(store, provider, gate, nil),
		auction:  auction,
		listing:  listing,
		now:      now,
	}
	f.acceptor.SetClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) setNow(at time.Time) { f.now = at }

func TestPlaceBid_AcceptsAndRecords(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	bidder := uuid.New()

	placement, err := f.acceptor.PlaceBid(ctx, f.auction.ID, bidder, decimal.NewFromInt(1025))
	check.Nil(t, err)
	check.Equal(t, bidder, placement.Bid.BidderID)
	check.Equal(t, "1025", placement.Bid.AmountCAD.String())
	check.Equal(t, false, placement.SoftCloseExtended)
	check.Equal(t, "1025", placement.State.CurrentHighBid.String())
	check.Equal(t, "1050", placement.State.MinNextBid.String())

	bids, err := f.store.BidsForAuction(ctx, f.auction.ID)
	check.Nil(t, err)
	check.Equal(t, 1, len(bids))
}

// With no bids the base price anchors the high bid, so the opening bid must
// already clear base + increment.
func TestPlaceBid_FirstBidMustClearBasePlusIncrement(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	_, err := f.acceptor.PlaceBid(ctx, f.auction.ID, uuid.New(), decimal.NewFromInt(1000))
	check.True(t, fault.IsKind(err, fault.KindValidation))
	check.Equal(t, "bid_below_minimum", fault.ReasonOf(err))

	_, err = f.acceptor.PlaceBid(ctx, f.auction.ID, uuid.New(), decimal.NewFromInt(1025))
	check.Nil(t, err)
}

func TestPlaceBid_RejectionReasons(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	bidder := uuid.New()

	_, err := f.acceptor.PlaceBid(ctx, f.auction.ID, bidder, decimal.NewFromInt(1200))
	check.Nil(t, err)

	tests := []struct {
		name   string
		mutate func()
		bidder uuid.UUID
		amount decimal.Decimal
		kind   fault.Kind
		reason string
	}{
		{
			name:   "seller bids own listing",
			bidder: f.listing.SellerID,
			amount: decimal.NewFromInt(5000),
			kind:   fault.KindStateConflict,
			reason: "self_bid",
		},
		{
			name:   "non-positive amount",
			bidder: bidder,
			amount: decimal.Zero,
			kind:   fault.KindValidation,
			reason: "bid_amount",
		},
		{
			name:   "below minimum increment",
			bidder: bidder,
			amount: decimal.NewFromInt(1224), // high 1200 + fixed 25 = 1225
			kind:   fault.KindValidation,
			reason: "bid_below_minimum",
		},
		{
			name:   "not started",
			mutate: func() { f.setNow(f.auction.StartAt.Add(-time.Minute)) },
			bidder: bidder,
			amount: decimal.NewFromInt(1300),
			kind:   fault.KindStateConflict,
			reason: "auction_not_started",
		},
		{
			name:   "already ended",
			mutate: func() { f.setNow(f.auction.EndAt.Add(time.Minute)) },
			bidder: bidder,
			amount: decimal.NewFromInt(1300),
			kind:   fault.KindStateConflict,
			reason: "auction_ended",
		},
	}
	base := f.now
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.setNow(base)
			if tt.mutate != nil {
				tt.mutate()
			}
			_, err := f.acceptor.PlaceBid(ctx, f.auction.ID, tt.bidder, tt.amount)
			check.True(t, fault.IsKind(err, tt.kind))
			check.Equal(t, tt.reason, fault.ReasonOf(err))
		})
	}
}

func TestPlaceBid_BuyNowCeiling(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	buyNow := decimal.NewFromInt(1500)
	f.listing.BuyNowCAD = &buyNow
	check.Nil(t, f.store.CreateListing(ctx, f.listing))

	_, err := f.acceptor.PlaceBid(ctx, f.auction.ID, uuid.New(), decimal.NewFromInt(1500))
	check.True(t, fault.IsKind(err, fault.KindValidation))
	check.Equal(t, "bid_meets_buy_now", fault.ReasonOf(err))

	_, err = f.acceptor.PlaceBid(ctx, f.auction.ID, uuid.New(), decimal.NewFromInt(1499))
	check.Nil(t, err)
}

func TestPlaceBid_DepositGateConsulted(t *testing.T) {
	gate := &denyGate{}
	f := newFixture(t, map[string]string{settings.KeyDepositRequired: "true"}, gate)
	ctx := context.Background()
	bidder := uuid.New()

	_, err := f.acceptor.PlaceBid(ctx, f.auction.ID, bidder, decimal.NewFromInt(1000))
	check.True(t, fault.IsKind(err, fault.KindStateConflict))
	check.Equal(t, "deposit_required", fault.ReasonOf(err))
	check.Equal(t, []uuid.UUID{bidder}, gate.asked)
}

func TestPlaceBid_SoftCloseExtendsFromPlacementTime(t *testing.T) {
	f := newFixture(t, map[string]string{settings.KeySoftCloseSeconds: "120"}, nil)
	ctx := context.Background()

	// One second before the deadline: the new deadline is placement + 120s.
	placedAt := f.auction.EndAt.Add(-time.Second)
	f.setNow(placedAt)
	placement, err := f.acceptor.PlaceBid(ctx, f.auction.ID, uuid.New(), decimal.NewFromInt(1025))
	check.Nil(t, err)
	check.True(t, placement.SoftCloseExtended)
	check.Equal(t, placedAt.Add(120*time.Second), *placement.NewEndTime)

	auction, err := f.store.GetAuction(ctx, f.auction.ID)
	check.Nil(t, err)
	check.Equal(t, placedAt.Add(120*time.Second), auction.EndAt)

	// A second late bid extends again, anchored to its own placement time.
	secondAt := auction.EndAt.Add(-time.Second)
	f.setNow(secondAt)
	placement, err = f.acceptor.PlaceBid(ctx, f.auction.ID, uuid.New(), decimal.NewFromInt(1100))
	check.Nil(t, err)
	check.True(t, placement.SoftCloseExtended)
	check.Equal(t, secondAt.Add(120*time.Second), *placement.NewEndTime)
}

func TestPlaceBid_OutsideWindowDoesNotExtend(t *testing.T) {
	f := newFixture(t, map[string]string{settings.KeySoftCloseSeconds: "120"}, nil)
	ctx := context.Background()

	f.setNow(f.auction.EndAt.Add(-121 * time.Second))
	placement, err := f.acceptor.PlaceBid(ctx, f.auction.ID, uuid.New(), decimal.NewFromInt(1025))
	check.Nil(t, err)
	check.Equal(t, false, placement.SoftCloseExtended)

	auction, err := f.store.GetAuction(ctx, f.auction.ID)
	check.Nil(t, err)
	check.Equal(t, f.auction.EndAt, auction.EndAt)
}

func TestPlaceBid_AuctionOverrideWindowWins(t *testing.T) {
	f := newFixture(t, map[string]string{settings.KeySoftCloseSeconds: "120"}, nil)
	ctx := context.Background()

	f.auction.SoftCloseSeconds = 300
	check.Nil(t, f.store.CreateAuction(ctx, f.auction))

	placedAt := f.auction.EndAt.Add(-200 * time.Second) // inside 300s, outside 120s
	f.setNow(placedAt)
	placement, err := f.acceptor.PlaceBid(ctx, f.auction.ID, uuid.New(), decimal.NewFromInt(1025))
	check.Nil(t, err)
	check.True(t, placement.SoftCloseExtended)
	check.Equal(t, placedAt.Add(300*time.Second), *placement.NewEndTime)
}

// Concurrent bids must serialize: once a higher amount is committed, a
// lower racer revalidates against it and is rejected, never accepted after.
func TestPlaceBid_ConcurrentBidsNeverRegress(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	const bidders = 24
	var wg sync.WaitGroup
	results := make([]error, bidders)
	for i := 0; i < bidders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			amount := decimal.NewFromInt(1025 + int64(i)*25)
			_, results[i] = f.acceptor.PlaceBid(ctx, f.auction.ID, uuid.New(), amount)
		}(i)
	}
	wg.Wait()

	bids, err := f.store.BidsForAuction(ctx, f.auction.ID)
	check.Nil(t, err)
	check.True(t, len(bids) >= 1)

	// Committed amounts are strictly increasing in insertion order: each
	// accepted bid cleared the minimum set by its predecessor.
	for i := 1; i < len(bids); i++ {
		check.True(t, bids[i].AmountCAD.GreaterThan(bids[i-1].AmountCAD))
	}

	accepted := 0
	for _, err := range results {
		if err == nil {
			accepted++
		} else {
			check.Equal(t, "bid_below_minimum", fault.ReasonOf(err))
		}
	}
	check.Equal(t, accepted, len(bids))
}

func TestPlaceBid_MinimumRatchetsPerIncrementStrategy(t *testing.T) {
	t.Run("fixed", func(t *testing.T) {
		f := newFixture(t, map[string]string{
			settings.KeyMinIncrementMode:  "fixed",
			settings.KeyMinIncrementValue: "25",
		}, nil)
		ctx := context.Background()

		placement, err := f.acceptor.PlaceBid(ctx, f.auction.ID, uuid.New(), decimal.NewFromInt(1025))
		check.Nil(t, err)
		check.Equal(t, "1050", placement.State.MinNextBid.String())

		_, err = f.acceptor.PlaceBid(ctx, f.auction.ID, uuid.New(), decimal.NewFromInt(1049))
		check.Equal(t, "bid_below_minimum", fault.ReasonOf(err))
		_, err = f.acceptor.PlaceBid(ctx, f.auction.ID, uuid.New(), decimal.NewFromInt(1050))
		check.Nil(t, err)
	})

	t.Run("percent", func(t *testing.T) {
		f := newFixture(t, map[string]string{
			settings.KeyMinIncrementMode:  "percent",
			settings.KeyMinIncrementValue: "5",
		}, nil)
		ctx := context.Background()

		placement, err := f.acceptor.PlaceBid(ctx, f.auction.ID, uuid.New(), decimal.NewFromInt(1050))
		check.Nil(t, err)
		check.Equal(t, "1102.5", placement.State.MinNextBid.String()) // 1050 + 5%

		_, err = f.acceptor.PlaceBid(ctx, f.auction.ID, uuid.New(), decimal.NewFromInt(1102))
		check.Equal(t, "bid_below_minimum", fault.ReasonOf(err))
	})
}

func TestPlaceBid_AmountRoundedToCents(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	placement, err := f.acceptor.PlaceBid(ctx, f.auction.ID, uuid.New(), decimal.RequireFromString("1025.005"))
	check.Nil(t, err)
	check.Equal(t, "1025.01", placement.Bid.AmountCAD.StringFixed(2))
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent map[uuid.UUID][]string
}

func (r *recordingNotifier) Send(_ context.Context, userID uuid.UUID, template string, _ map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sent == nil {
		r.sent = make(map[uuid.UUID][]string)
	}
	r.sent[userID] = append(r.sent[userID], template)
}

func TestPlaceBid_NotifiesOutbidBidder(t *testing.T) {
	f := newFixture(t, nil, nil)
	recorder := &recordingNotifier{}
	f.acceptor.SetNotifier(recorder)
	ctx := context.Background()

	first, second := uuid.New(), uuid.New()
	_, err := f.acceptor.PlaceBid(ctx, f.auction.ID, first, decimal.NewFromInt(1025))
	check.Nil(t, err)
	check.Equal(t, 0, len(recorder.sent[first]))

	_, err = f.acceptor.PlaceBid(ctx, f.auction.ID, second, decimal.NewFromInt(1100))
	check.Nil(t, err)
	check.Equal(t, []string{notify.TemplateOutbid}, recorder.sent[first])

	// Raising your own high bid is not an outbid event.
	_, err = f.acceptor.PlaceBid(ctx, f.auction.ID, second, decimal.NewFromInt(1200))
	check.Nil(t, err)
	check.Equal(t, 0, len(recorder.sent[second]))
}

func TestState_ReportsDerivedFields(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	_, err := f.acceptor.PlaceBid(ctx, f.auction.ID, uuid.New(), decimal.NewFromInt(1025))
	check.Nil(t, err)
	_, err = f.acceptor.PlaceBid(ctx, f.auction.ID, uuid.New(), decimal.NewFromInt(1100))
	check.Nil(t, err)

	state, err := f.acceptor.State(ctx, f.auction.ID)
	check.Nil(t, err)
	check.True(t, state.IsActive)
	check.Equal(t, 2, state.TotalBids)
	check.Equal(t, "1100", state.CurrentHighBid.String())
	check.Equal(t, time.Hour, state.TimeLeft)
}
