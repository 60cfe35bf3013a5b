package money

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sealedbid/auctionengine/internal/domain"
)

func TestTopup(t *testing.T) {
	b, total := Topup(domain.Balance{Available: 10}, 10, 90)
	assert.Equal(t, domain.Balance{Available: 100}, b)
	assert.Equal(t, int64(100), total)
}

func TestReserve_Ok(t *testing.T) {
	b, ok := Reserve(domain.Balance{Available: 100}, 40)
	assert.True(t, ok)
	assert.Equal(t, domain.Balance{Available: 60, Reserved: 40}, b)
}

func TestReserve_InsufficientFunds(t *testing.T) {
	before := domain.Balance{Available: 10}
	b, ok := Reserve(before, 40)
	assert.False(t, ok)
	assert.Equal(t, before, b)
}

func TestUnreserve_Ok(t *testing.T) {
	b, ok := Unreserve(domain.Balance{Reserved: 40}, 40)
	assert.True(t, ok)
	assert.Equal(t, domain.Balance{Available: 40}, b)
}

func TestUnreserve_InvariantViolation(t *testing.T) {
	before := domain.Balance{Reserved: 10}
	b, ok := Unreserve(before, 40)
	assert.False(t, ok)
	assert.Equal(t, before, b)
}

// TestSettle matches scenario S1 from spec §8: user1 bids 100, wins, pays
// 100, refunded 0: available 900, reserved 0, spent 100 from a starting
// balance of available=900 reserved=100 (after placeBid reserved the 100).
func TestSettle_Scenario1(t *testing.T) {
	b := domain.Balance{Available: 900, Reserved: 100}
	b, ok := Settle(b, 100, 100, 0)
	assert.True(t, ok)
	assert.Equal(t, domain.Balance{Available: 900, Reserved: 0, Spent: 100}, b)
}

// TestSettle_WithRefund matches scenario S2: u1 bid 30, clearing price 20,
// paid 20, refunded 10.
func TestSettle_WithRefund(t *testing.T) {
	b := domain.Balance{Available: 970, Reserved: 30}
	b, ok := Settle(b, 30, 20, 10)
	assert.True(t, ok)
	assert.Equal(t, domain.Balance{Available: 980, Reserved: 0, Spent: 20}, b)
}

func TestSettle_InvariantViolation(t *testing.T) {
	before := domain.Balance{Reserved: 5}
	b, ok := Settle(before, 30, 30, 0)
	assert.False(t, ok)
	assert.Equal(t, before, b)
}
