// Package money implements the pure rules for mutating a user's
// (available, reserved, spent) triple and constructing the matching
// ledger entry, per spec §4.2 and the Ledger & balances component of
// §2. Nothing in this package touches the store; callers apply these
// mutations inside a predicated transaction and are responsible for
// checking the returned ok bool before committing.
package money

import "github.com/sealedbid/auctionengine/internal/domain"

// Topup increments available and totalTopups by amount (amount must be > 0;
// callers validate that before calling). Always succeeds.
func Topup(b domain.Balance, totalTopups int64, amount int64) (domain.Balance, int64) {
	b.Available += amount
	totalTopups += amount
	return b, totalTopups
}

// Reserve moves delta from available to reserved, predicated on
// available >= delta. Returns ok=false (balance unchanged) if the predicate
// fails — the caller must fail the whole operation with INSUFFICIENT_FUNDS.
func Reserve(b domain.Balance, delta int64) (domain.Balance, bool) {
	if b.Available < delta {
		return b, false
	}
	b.Available -= delta
	b.Reserved += delta
	return b, true
}

// Unreserve moves amount from reserved back to available, predicated on
// reserved >= amount. A predicate failure here is always an invariant
// violation (the caller already knows a bid reserved that much).
func Unreserve(b domain.Balance, amount int64) (domain.Balance, bool) {
	if b.Reserved < amount {
		return b, false
	}
	b.Reserved -= amount
	b.Available += amount
	return b, true
}

// Settle applies a winning bid's settlement to the user: reserved -= amount,
// spent += paid, available += refunded. Predicated on reserved >= amount.
func Settle(b domain.Balance, amount, paid, refunded int64) (domain.Balance, bool) {
	if b.Reserved < amount {
		return b, false
	}
	b.Reserved -= amount
	b.Spent += paid
	b.Available += refunded
	return b, true
}

// NewLedgerEntry builds a ledger row; id/createdAt are filled by the caller
// (store layer) since they depend on clock/id-generator dependencies this
// pure package deliberately does not take.
func NewLedgerEntry(userID string, typ domain.LedgerType, amount int64, auctionID *string, meta map[string]any) domain.LedgerEntry {
	return domain.LedgerEntry{
		UserID:    userID,
		Type:      typ,
		Amount:    amount,
		AuctionID: auctionID,
		Meta:      meta,
	}
}
