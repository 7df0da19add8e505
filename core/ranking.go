package core

import (
	"sort"

	"github.com/google/uuid"
)

// RankingResult contains the ranked bidders and their best bids for one
// auction.
type RankingResult struct {
	// Ranks maps bidder id to 1-based rank.
	Ranks map[uuid.UUID]int
	// BestBids maps bidder id to that bidder's ranking bid.
	BestBids map[uuid.UUID]*Bid
	// SortedBidders lists bidder ids from best to worst.
	SortedBidders []uuid.UUID
}

// RankBids ranks bidders by their best bid under the settlement ordering key:
// amount descending, then creation time ascending (the earlier of two equal
// bids wins). Per bidder only the best bid ranks; a bidder's earlier lower
// bids never displace another bidder.
//
// Ties are broken deterministically by timestamp so that repeated settlement
// runs and display reads agree on the same winner.
func RankBids(bids []Bid) *RankingResult {
	result := &RankingResult{
		Ranks:         make(map[uuid.UUID]int),
		BestBids:      make(map[uuid.UUID]*Bid),
		SortedBidders: make([]uuid.UUID, 0),
	}
	if len(bids) == 0 {
		return result
	}

	// Best bid per bidder, preserving first-occurrence order for stability.
	best := make(map[uuid.UUID]*Bid, len(bids))
	order := make([]uuid.UUID, 0, len(bids))
	for i := range bids {
		bid := &bids[i]
		existing, seen := best[bid.BidderID]
		if !seen {
			order = append(order, bid.BidderID)
			best[bid.BidderID] = bid
			continue
		}
		if bidBeats(bid, existing) {
			best[bid.BidderID] = bid
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		return bidBeats(best[order[i]], best[order[j]])
	})

	result.SortedBidders = order
	for rank, bidder := range order {
		result.Ranks[bidder] = rank + 1
		result.BestBids[bidder] = best[bidder]
	}
	return result
}

// bidBeats reports whether a outranks b: higher amount first, earlier
// placement on equal amounts.
func bidBeats(a, b *Bid) bool {
	switch a.AmountCAD.Cmp(b.AmountCAD) {
	case 1:
		return true
	case -1:
		return false
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// SelectWinner returns the winning bid for an auction, or nil when there are
// no bids.
func SelectWinner(bids []Bid) *Bid {
	ranking := RankBids(bids)
	if len(ranking.SortedBidders) == 0 {
		return nil
	}
	return ranking.BestBids[ranking.SortedBidders[0]]
}
