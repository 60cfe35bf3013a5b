// Package domain holds the plain data types shared by the store, the auction
// service, the round engine and the audit package. None of these types carry
// behavior beyond simple derived getters — the rules that mutate them live in
// internal/money, internal/ranking and internal/auction.
package domain

import "time"

// AuctionState is the closed set of states an auction can be in.
type AuctionState string

const (
	AuctionDraft     AuctionState = "draft"
	AuctionRunning   AuctionState = "running"
	AuctionEnded     AuctionState = "ended"
	AuctionCancelled AuctionState = "cancelled"
)

// RoundState describes whether the current round still accepts bids.
type RoundState string

const (
	RoundOpen    RoundState = "open"
	RoundClosing RoundState = "closing"
)

// EndReason records why an auction stopped accepting bids.
type EndReason string

const (
	EndSoldOut     EndReason = "soldOut"
	EndMaxDuration EndReason = "maxDuration"
	EndEmptyRounds EndReason = "emptyRounds"
	EndCancelled   EndReason = "cancelled"
)

// BidStatus is the closed set of states a bid can be in.
type BidStatus string

const (
	BidActive    BidStatus = "active"
	BidWon       BidStatus = "won"
	BidLost      BidStatus = "lost"
	BidWithdrawn BidStatus = "withdrawn"
)

// LedgerType is the closed set of ledger entry kinds.
type LedgerType string

const (
	LedgerTopup     LedgerType = "topup"
	LedgerReserve   LedgerType = "reserve"
	LedgerUnreserve LedgerType = "unreserve"
	LedgerSpend     LedgerType = "spend"
	LedgerRefund    LedgerType = "refund"
)

// Balance is the per-user money triple. TotalTopups is carried alongside it on
// User rather than here because it is a lifetime counter, not part of the
// triple the invariant `totalTopups = available+reserved+spent` balances.
type Balance struct {
	Available int64 `json:"available"`
	Reserved  int64 `json:"reserved"`
	Spent     int64 `json:"spent"`
}

type User struct {
	ID          string    `json:"id"`
	CreatedAt   time.Time `json:"createdAt"`
	Balance     Balance   `json:"balance"`
	TotalTopups int64     `json:"totalTopups"`
}

// AuctionConfig holds the per-auction knobs clamped at creation time, §6.
type AuctionConfig struct {
	RoundDurationMs           int64 `json:"roundDurationMs"`
	WinnersPerRound           int64 `json:"winnersPerRound"`
	AntiSnipeWindowMs         int64 `json:"antiSnipeWindowMs"`
	AntiSnipeExtendMs         int64 `json:"antiSnipeExtendMs"`
	MaxDurationMs             int64 `json:"maxDurationMs"`
	MaxConsecutiveEmptyRounds int64 `json:"maxConsecutiveEmptyRounds"`
	// MaxWinsPerUser is reserved: always clamped to 1 and never consulted.
	// See DESIGN.md Open Question decisions.
	MaxWinsPerUser int64 `json:"maxWinsPerUser"`
}

// DefaultAuctionConfig matches the defaults table in §6.
func DefaultAuctionConfig() AuctionConfig {
	return AuctionConfig{
		RoundDurationMs:           60_000,
		WinnersPerRound:           10,
		AntiSnipeWindowMs:         10_000,
		AntiSnipeExtendMs:         10_000,
		MaxDurationMs:             0,
		MaxConsecutiveEmptyRounds: 3,
		MaxWinsPerUser:            1,
	}
}

type Auction struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Title     string    `json:"title"`

	State AuctionState `json:"state"`

	TotalQuantity int64 `json:"totalQuantity"`
	AwardedCount  int64 `json:"awardedCount"`
	Revenue       int64 `json:"revenue"`

	CurrentRound           int64 `json:"currentRound"`
	ConsecutiveEmptyRounds int64 `json:"consecutiveEmptyRounds"`

	RoundState *RoundState `json:"roundState,omitempty"`
	RoundEndsAt *time.Time `json:"roundEndsAt,omitempty"`
	EndsAt      *time.Time `json:"endsAt,omitempty"`

	EndedAt   *time.Time `json:"endedAt,omitempty"`
	EndReason *EndReason `json:"endReason,omitempty"`

	ClosingToken      *string    `json:"closingToken,omitempty"`
	ClosingStartedAt  *time.Time `json:"closingStartedAt,omitempty"`

	Version int64 `json:"version"`

	Config AuctionConfig `json:"config"`
}

// RemainingQuantity is totalQuantity - awardedCount, floored at zero.
func (a *Auction) RemainingQuantity() int64 {
	r := a.TotalQuantity - a.AwardedCount
	if r < 0 {
		return 0
	}
	return r
}

// IsOpenForBids reports whether placeBid/withdraw preconditions on the
// auction/round shape hold (the time check against roundEndsAt is the
// caller's job since it needs "now").
func (a *Auction) IsOpenForBids() bool {
	return a.State == AuctionRunning && a.RoundState != nil && *a.RoundState == RoundOpen && a.RoundEndsAt != nil
}

type BidSettlement struct {
	WonRound      int64      `json:"wonRound"`
	GiftSerial    int64      `json:"giftSerial"`
	ClearingPrice int64      `json:"clearingPrice"`
	Paid          int64      `json:"paid"`
	Refunded      int64      `json:"refunded"`
	SettledAt     time.Time  `json:"settledAt"`
}

type Bid struct {
	ID        string    `json:"id"`
	AuctionID string    `json:"auctionId"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	LastBidAt time.Time `json:"lastBidAt"`

	Amount int64     `json:"amount"`
	Status BidStatus `json:"status"`

	Settlement *BidSettlement `json:"settlement,omitempty"`
}

type RoundWinner struct {
	UserID     string `json:"userId"`
	Amount     int64  `json:"amount"`
	GiftSerial int64  `json:"giftSerial"`
	Paid       int64  `json:"paid"`
	Refunded   int64  `json:"refunded"`
}

type Round struct {
	ID            string        `json:"id"`
	AuctionID     string        `json:"auctionId"`
	RoundNumber   int64         `json:"roundNumber"`
	EndedAt       time.Time     `json:"endedAt"`
	ClearingPrice int64         `json:"clearingPrice"`
	Winners       []RoundWinner `json:"winners"`
}

type LedgerEntry struct {
	ID        string     `json:"id"`
	CreatedAt time.Time  `json:"createdAt"`
	UserID    string     `json:"userId"`
	Type      LedgerType `json:"type"`
	Amount    int64      `json:"amount"`
	AuctionID *string    `json:"auctionId,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

type EngineLock struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	ExpiresAt time.Time `json:"expiresAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// EngineLockID is the singleton row id, §3.
const EngineLockID = "auctionEngine"
