// Package ranking implements the deterministic total order over active bids
// from spec §4.1.
package ranking

import (
	"sort"

	"github.com/sealedbid/auctionengine/internal/domain"
)

// Less reports whether a ranks strictly ahead of b: higher amount first,
// then earlier lastBidAt, then lower userId (lexicographic byte compare).
func Less(a, b domain.Bid) bool {
	if a.Amount != b.Amount {
		return a.Amount > b.Amount
	}
	if !a.LastBidAt.Equal(b.LastBidAt) {
		return a.LastBidAt.Before(b.LastBidAt)
	}
	return a.UserID < b.UserID
}

// Sort orders bids in place under the ranking.
func Sort(bids []domain.Bid) {
	sort.Slice(bids, func(i, j int) bool { return Less(bids[i], bids[j]) })
}

// SelectWinners returns the first min(n, len(bids)) bids under the ranking
// and the clearing price (the amount of the last returned winner), or
// (nil, 0) if n <= 0 or bids is empty. bids is not mutated.
func SelectWinners(bids []domain.Bid, n int) ([]domain.Bid, int64) {
	if n <= 0 || len(bids) == 0 {
		return nil, 0
	}
	ranked := make([]domain.Bid, len(bids))
	copy(ranked, bids)
	Sort(ranked)

	if n > len(ranked) {
		n = len(ranked)
	}
	winners := ranked[:n]
	return winners, winners[len(winners)-1].Amount
}
