package ranking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sealedbid/auctionengine/internal/domain"
)

func bid(user string, amount int64, at time.Time) domain.Bid {
	return domain.Bid{UserID: user, Amount: amount, LastBidAt: at, Status: domain.BidActive}
}

func TestSelectWinners_EmptyOrZero(t *testing.T) {
	t0 := time.Unix(0, 0)
	bids := []domain.Bid{bid("a", 10, t0)}

	w, cp := SelectWinners(bids, 0)
	assert.Nil(t, w)
	assert.Equal(t, int64(0), cp)

	w, cp = SelectWinners(nil, 3)
	assert.Nil(t, w)
	assert.Equal(t, int64(0), cp)
}

func TestSelectWinners_HighestAmountWins(t *testing.T) {
	t0 := time.Unix(0, 0)
	bids := []domain.Bid{
		bid("u1", 100, t0),
		bid("u2", 90, t0),
		bid("u3", 80, t0),
	}
	w, cp := SelectWinners(bids, 1)
	assert := assert.New(t)
	assert.Len(w, 1)
	assert.Equal("u1", w[0].UserID)
	assert.Equal(int64(100), cp)
}

func TestSelectWinners_ClearingPriceIsKthAmount(t *testing.T) {
	t0 := time.Unix(0, 0)
	bids := []domain.Bid{
		bid("u1", 30, t0),
		bid("u2", 20, t0),
		bid("u3", 10, t0),
	}
	w, cp := SelectWinners(bids, 2)
	assert := assert.New(t)
	assert.Equal([]string{"u1", "u2"}, []string{w[0].UserID, w[1].UserID})
	assert.Equal(int64(20), cp)
}

// TestSelectWinners_TieBreak matches scenario S4 from spec §8: three bids of
// 100 with timestamps t, t, t-1 and user ids "b","a","c". Winners for k=3 are
// [c, a, b]; for k=2 are [c, a], clearingPrice=100.
func TestSelectWinners_TieBreak(t *testing.T) {
	t1 := time.Unix(100, 0)
	t0 := t1.Add(-time.Second)
	bids := []domain.Bid{
		bid("b", 100, t1),
		bid("a", 100, t1),
		bid("c", 100, t0),
	}

	w, cp := SelectWinners(bids, 3)
	assert := assert.New(t)
	ids := []string{w[0].UserID, w[1].UserID, w[2].UserID}
	assert.Equal([]string{"c", "a", "b"}, ids)
	assert.Equal(int64(100), cp)

	w, cp = SelectWinners(bids, 2)
	assert.Equal([]string{"c", "a"}, []string{w[0].UserID, w[1].UserID})
	assert.Equal(int64(100), cp)
}

func TestSelectWinners_MoreWinnersThanBids(t *testing.T) {
	t0 := time.Unix(0, 0)
	bids := []domain.Bid{bid("u1", 10, t0)}
	w, cp := SelectWinners(bids, 5)
	assert := assert.New(t)
	assert.Len(w, 1)
	assert.Equal(int64(10), cp)
}

func TestSort_DoesNotMutateInputOfSelectWinners(t *testing.T) {
	t0 := time.Unix(0, 0)
	bids := []domain.Bid{bid("z", 1, t0), bid("a", 2, t0)}
	orig := append([]domain.Bid(nil), bids...)
	_, _ = SelectWinners(bids, 1)
	assert.Equal(t, orig, bids)
}
