// Package auction implements the bidding state machine and auction
// lifecycle from spec §4.2–§4.5 and the read-only snapshot from §4.6.4. It
// generalizes the teacher's IAuctionService (internal/services/auction/
// auction_svc.go) from a single current-high-bid auction to the spec's
// reservation-accounting, multi-round, multi-winner model.
package auction

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/sealedbid/auctionengine/internal/apperr"
	"github.com/sealedbid/auctionengine/internal/domain"
	"github.com/sealedbid/auctionengine/internal/money"
	"github.com/sealedbid/auctionengine/internal/ranking"
	"github.com/sealedbid/auctionengine/internal/store"
)

// SnapshotCache is the read-side accelerator Snapshot consults before
// falling back to the store, per SPEC_FULL.md's DOMAIN STACK. A nil cache
// (the default in tests) simply disables it — correctness never depends on
// it being present.
type SnapshotCache interface {
	Get(ctx context.Context, auctionID string) (*BaseSnapshot, bool)
	Set(ctx context.Context, auctionID string, snap *BaseSnapshot, ttl time.Duration)
}

// Service implements the bidding state machine and auction lifecycle.
type Service struct {
	store       *store.Store
	cache       SnapshotCache
	snapshotTTL time.Duration
}

func NewService(st *store.Store, cache SnapshotCache, snapshotTTL time.Duration) *Service {
	return &Service{store: st, cache: cache, snapshotTTL: snapshotTTL}
}

// CreateUser yields a fresh id, zero balance, totalTopups=0, §4.2.
func (s *Service) CreateUser(ctx context.Context) (*domain.User, error) {
	u := domain.User{ID: uuid.NewString(), CreatedAt: time.Now().UTC()}
	err := s.store.WithTxn(ctx, func(tx *sql.Tx) error {
		return store.InsertUser(ctx, tx, u)
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUser is a plain read used by the HTTP layer.
func (s *Service) GetUser(ctx context.Context, id string) (*domain.User, error) {
	u, err := store.GetUser(ctx, s.store.DB(), id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.New(apperr.NotFound, "user not found")
	}
	return u, err
}

// Topup increments available/totalTopups and appends a topup ledger entry,
// §4.2. Fails NOT_FOUND if the user is absent.
func (s *Service) Topup(ctx context.Context, userID string, amount int64) (*domain.User, error) {
	if amount <= 0 {
		return nil, apperr.New(apperr.InvalidInput, "amount must be > 0")
	}
	var result domain.User
	err := s.store.WithTxn(ctx, func(tx *sql.Tx) error {
		u, err := store.GetUserForUpdate(ctx, tx, userID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.New(apperr.NotFound, "user not found")
		}
		if err != nil {
			return err
		}

		prevBal, prevTotal := u.Balance, u.TotalTopups
		newBal, newTotal := money.Topup(u.Balance, u.TotalTopups, amount)

		ok, err := store.UpdateBalance(ctx, tx, userID, prevBal, prevTotal, newBal, newTotal)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.ErrInvariantViolation
		}

		entry := money.NewLedgerEntry(userID, domain.LedgerTopup, amount, nil, nil)
		entry.ID, entry.CreatedAt = uuid.NewString(), time.Now().UTC()
		if err := store.AppendLedgerEntry(ctx, tx, entry); err != nil {
			return err
		}

		u.Balance, u.TotalTopups = newBal, newTotal
		result = *u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// CreateAuction creates a draft auction with a clamped config, §6.
func (s *Service) CreateAuction(ctx context.Context, title string, totalQuantity int64, cfg domain.AuctionConfig) (*domain.Auction, error) {
	if title == "" {
		return nil, apperr.New(apperr.InvalidInput, "title is required")
	}
	if totalQuantity <= 0 {
		return nil, apperr.New(apperr.InvalidInput, "totalQuantity must be > 0")
	}
	cfg = clampConfig(cfg, totalQuantity)

	now := time.Now().UTC()
	a := domain.Auction{
		ID:            uuid.NewString(),
		CreatedAt:     now,
		UpdatedAt:     now,
		Title:         title,
		State:         domain.AuctionDraft,
		TotalQuantity: totalQuantity,
		Version:       1,
		Config:        cfg,
	}
	err := s.store.WithTxn(ctx, func(tx *sql.Tx) error {
		return store.InsertAuction(ctx, tx, a)
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Service) GetAuction(ctx context.Context, id string) (*domain.Auction, error) {
	a, err := store.GetAuction(ctx, s.store.DB(), id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.New(apperr.NotFound, "auction not found")
	}
	return a, err
}

func (s *Service) ListAuctions(ctx context.Context) ([]domain.Auction, error) {
	return store.ListAuctions(ctx, s.store.DB())
}

// StartAuction transitions draft -> running, §4.5.
func (s *Service) StartAuction(ctx context.Context, auctionID string) (*domain.Auction, error) {
	var result domain.Auction
	err := s.store.WithTxn(ctx, func(tx *sql.Tx) error {
		a, err := store.GetAuctionForUpdate(ctx, tx, auctionID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.New(apperr.NotFound, "auction not found")
		}
		if err != nil {
			return err
		}
		if a.State != domain.AuctionDraft {
			return apperr.New(apperr.NotStartable, "auction is not in draft state")
		}

		now := time.Now().UTC()
		var endsAt *time.Time
		if a.Config.MaxDurationMs > 0 {
			t := now.Add(time.Duration(a.Config.MaxDurationMs) * time.Millisecond)
			endsAt = &t
		}
		roundEnd := now.Add(time.Duration(a.Config.RoundDurationMs) * time.Millisecond)
		if endsAt != nil && roundEnd.After(*endsAt) {
			roundEnd = *endsAt
		}

		rs := domain.RoundOpen
		prevVersion := a.Version
		a.State = domain.AuctionRunning
		a.CurrentRound = 1
		a.RoundState = &rs
		a.RoundEndsAt = &roundEnd
		a.EndsAt = endsAt
		a.UpdatedAt = now
		a.Version++

		ok, err := store.UpdateAuctionFull(ctx, tx, *a, prevVersion)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.New(apperr.NotStartable, "auction changed concurrently")
		}
		result = *a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// CancelAuction transitions draft|running -> cancelled, refunding every
// active bid, §4.5.
func (s *Service) CancelAuction(ctx context.Context, auctionID string) (*domain.Auction, error) {
	var result domain.Auction
	err := s.store.WithTxn(ctx, func(tx *sql.Tx) error {
		a, err := store.GetAuctionForUpdate(ctx, tx, auctionID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.New(apperr.NotFound, "auction not found")
		}
		if err != nil {
			return err
		}
		if a.State != domain.AuctionDraft && a.State != domain.AuctionRunning {
			return apperr.New(apperr.NotCancellable, "auction is not cancellable")
		}

		now := time.Now().UTC()
		prevVersion := a.Version
		a.State = domain.AuctionCancelled
		a.RoundState = nil
		a.RoundEndsAt = nil
		a.ClosingToken = nil
		a.ClosingStartedAt = nil
		reason := domain.EndCancelled
		a.EndReason = &reason
		a.EndedAt = &now
		a.UpdatedAt = now
		a.Version++

		ok, err := store.UpdateAuctionFull(ctx, tx, *a, prevVersion)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.ErrInvariantViolation
		}

		refunded, err := store.RefundAndClose(ctx, tx, auctionID, domain.BidWithdrawn, now)
		if err != nil {
			return err
		}
		for _, b := range refunded {
			if err := s.refundReservation(ctx, tx, b, domain.LedgerUnreserve, now); err != nil {
				return err
			}
		}
		result = *a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// refundReservation returns b.Amount from reserved to available and appends
// a matching ledger entry. Used by CancelAuction and Withdraw; the engine
// keeps its own copy for its end-of-auction refund of remaining active bids.
func (s *Service) refundReservation(ctx context.Context, tx *sql.Tx, b domain.Bid, typ domain.LedgerType, now time.Time) error {
	u, err := store.GetUserForUpdate(ctx, tx, b.UserID)
	if err != nil {
		return err
	}
	prevBal := u.Balance
	newBal, ok := money.Unreserve(prevBal, b.Amount)
	if !ok {
		return apperr.ErrInvariantViolation
	}
	okUpdate, err := store.UpdateBalance(ctx, tx, b.UserID, prevBal, u.TotalTopups, newBal, u.TotalTopups)
	if err != nil {
		return err
	}
	if !okUpdate {
		return apperr.ErrInvariantViolation
	}
	auctionID := b.AuctionID
	entry := money.NewLedgerEntry(b.UserID, typ, b.Amount, &auctionID, map[string]any{"bidId": b.ID})
	entry.ID, entry.CreatedAt = uuid.NewString(), now
	return store.AppendLedgerEntry(ctx, tx, entry)
}

// PlaceBid places a first bid or raises an existing one, §4.3. Concurrent
// first-time placements by the same user race on the bid's unique index;
// the loser retries the whole operation as a raise (or fails INVALID_INPUT
// if its amount no longer exceeds the winner's), per §5/scenario S5.
func (s *Service) PlaceBid(ctx context.Context, auctionID, userID string, newAmount int64) (*domain.Auction, *domain.Bid, error) {
	if newAmount <= 0 {
		return nil, nil, apperr.New(apperr.InvalidInput, "amount must be > 0")
	}

	const maxPlacementRaces = 5
	for attempt := 0; attempt < maxPlacementRaces; attempt++ {
		auctionResult, bidResult, err := s.placeBidOnce(ctx, auctionID, userID, newAmount)
		if err == nil {
			return auctionResult, bidResult, nil
		}
		if store.IsUniqueViolation(err) {
			continue
		}
		return nil, nil, err
	}
	return nil, nil, apperr.New(apperr.InvalidInput, "too many concurrent placement conflicts")
}

func (s *Service) placeBidOnce(ctx context.Context, auctionID, userID string, newAmount int64) (*domain.Auction, *domain.Bid, error) {
	var resultAuction domain.Auction
	var resultBid domain.Bid

	err := s.store.WithTxn(ctx, func(tx *sql.Tx) error {
		a, err := store.GetAuctionForUpdate(ctx, tx, auctionID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.New(apperr.NotFound, "auction not found")
		}
		if err != nil {
			return err
		}
		if !a.IsOpenForBids() {
			return apperr.ErrNotOpen
		}

		now := time.Now().UTC()
		if !now.Before(*a.RoundEndsAt) {
			return apperr.ErrRoundEnded
		}

		existing, err := store.GetBidByAuctionUser(ctx, tx, auctionID, userID)
		hasExisting := true
		if errors.Is(err, store.ErrNotFound) {
			hasExisting = false
		} else if err != nil {
			return err
		}

		var oldAmount int64
		if hasExisting {
			if existing.Status == domain.BidWon || existing.Status == domain.BidLost {
				return apperr.ErrBidNotActive
			}
			if existing.Status == domain.BidActive {
				oldAmount = existing.Amount
			}
		}
		if newAmount <= oldAmount {
			return apperr.New(apperr.InvalidInput, "newAmount must exceed the current bid")
		}
		delta := newAmount - oldAmount

		user, err := store.GetUserForUpdate(ctx, tx, userID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.New(apperr.NotFound, "user not found")
		}
		if err != nil {
			return err
		}
		prevBal := user.Balance
		newBal, ok := money.Reserve(prevBal, delta)
		if !ok {
			return apperr.ErrInsufficientFunds
		}
		okUpdate, err := store.UpdateBalance(ctx, tx, userID, prevBal, user.TotalTopups, newBal, user.TotalTopups)
		if err != nil {
			return err
		}
		if !okUpdate {
			return apperr.ErrInvariantViolation
		}

		var bid domain.Bid
		if !hasExisting {
			bid = domain.Bid{
				ID: uuid.NewString(), AuctionID: auctionID, UserID: userID,
				CreatedAt: now, UpdatedAt: now, LastBidAt: now,
				Amount: newAmount, Status: domain.BidActive,
			}
			if err := store.InsertBid(ctx, tx, bid); err != nil {
				return err // possibly a unique-violation race, §5/S5
			}
		} else {
			ok2, err := store.UpdateBidAmount(ctx, tx, existing.ID, existing.Status, newAmount, now)
			if err != nil {
				return err
			}
			if !ok2 {
				return apperr.ErrInvariantViolation
			}
			bid = *existing
			bid.Amount, bid.Status, bid.LastBidAt, bid.UpdatedAt = newAmount, domain.BidActive, now, now
		}

		entry := money.NewLedgerEntry(userID, domain.LedgerReserve, delta, &auctionID, map[string]any{"bidId": bid.ID})
		entry.ID, entry.CreatedAt = uuid.NewString(), now
		if err := store.AppendLedgerEntry(ctx, tx, entry); err != nil {
			return err
		}

		// Anti-snipe extension, §4.3 step 6.
		prevVersion := a.Version
		a.Version++
		a.UpdatedAt = now

		remaining := a.RoundEndsAt.Sub(now)
		if remaining <= time.Duration(a.Config.AntiSnipeWindowMs)*time.Millisecond {
			candidate := now.Add(time.Duration(a.Config.AntiSnipeExtendMs) * time.Millisecond)
			ok3, err := store.ExtendRoundEndsAt(ctx, tx, auctionID, candidate, a.Version)
			if err != nil {
				return err
			}
			if !ok3 {
				return apperr.ErrInvariantViolation
			}
		} else {
			ok3, err := store.UpdateAuctionFull(ctx, tx, *a, prevVersion)
			if err != nil {
				return err
			}
			if !ok3 {
				return apperr.ErrInvariantViolation
			}
		}

		updated, err := store.GetAuction(ctx, tx, auctionID)
		if err != nil {
			return err
		}
		resultAuction = *updated
		resultBid = bid
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return &resultAuction, &resultBid, nil
}

// Withdraw sets an active bid to withdrawn and refunds its reservation,
// §4.4. Not permitted once the round has moved to closing.
func (s *Service) Withdraw(ctx context.Context, auctionID, userID string) (*domain.Bid, error) {
	var result domain.Bid
	err := s.store.WithTxn(ctx, func(tx *sql.Tx) error {
		a, err := store.GetAuctionForUpdate(ctx, tx, auctionID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.New(apperr.NotFound, "auction not found")
		}
		if err != nil {
			return err
		}
		if !a.IsOpenForBids() {
			return apperr.ErrNotOpen
		}

		now := time.Now().UTC()
		if !now.Before(*a.RoundEndsAt) {
			return apperr.ErrRoundEnded
		}

		bid, err := store.GetBidByAuctionUser(ctx, tx, auctionID, userID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.ErrBidNotActive
		}
		if err != nil {
			return err
		}
		if bid.Status != domain.BidActive {
			return apperr.ErrBidNotActive
		}

		ok, err := store.WithdrawBid(ctx, tx, bid.ID, now)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.ErrInvariantViolation
		}
		if err := s.refundReservation(ctx, tx, *bid, domain.LedgerUnreserve, now); err != nil {
			return err
		}

		prevVersion := a.Version
		a.Version++
		a.UpdatedAt = now
		okAuction, err := store.UpdateAuctionFull(ctx, tx, *a, prevVersion)
		if err != nil {
			return err
		}
		if !okAuction {
			return apperr.ErrInvariantViolation
		}

		bid.Status, bid.UpdatedAt = domain.BidWithdrawn, now
		result = *bid
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// BaseSnapshot is the cacheable, user-independent part of Snapshot, §4.6.4.
type BaseSnapshot struct {
	Auction                domain.Auction
	RemainingQuantity      int64
	Leaderboard            []domain.Bid
	EstimatedClearingPrice *int64
	RecentRounds           []domain.Round
}

// Snapshot is the full read-only view returned to callers, §4.6.4.
type Snapshot struct {
	Auction                domain.Auction `json:"auction"`
	TimeRemainingMs        *int64         `json:"timeRemainingMs,omitempty"`
	RemainingQuantity      int64          `json:"remainingQuantity"`
	Leaderboard            []domain.Bid   `json:"leaderboard"`
	YourBid                *domain.Bid    `json:"yourBid,omitempty"`
	EstimatedClearingPrice *int64         `json:"estimatedClearingPrice"`
	RecentRounds           []domain.Round `json:"recentRounds"`
}

const leaderboardDisplaySize = 20

// Snapshot returns the auction, time remaining, leaderboard, the caller's
// own bid (if userID != ""), estimated clearing price and recent rounds,
// §4.6.4. It is best-effort: not fenced against concurrent mutation and may
// race the engine by up to one tick, including through the optional cache.
func (s *Service) Snapshot(ctx context.Context, auctionID, userID string) (*Snapshot, error) {
	base, fromCache := (*BaseSnapshot)(nil), false
	if s.cache != nil {
		if cached, ok := s.cache.Get(ctx, auctionID); ok {
			base, fromCache = cached, true
		}
	}
	if !fromCache {
		computed, err := s.computeBaseSnapshot(ctx, auctionID)
		if err != nil {
			return nil, err
		}
		base = computed
		if s.cache != nil {
			s.cache.Set(ctx, auctionID, base, s.snapshotTTL)
		}
	}

	snap := &Snapshot{
		Auction:                base.Auction,
		RemainingQuantity:      base.RemainingQuantity,
		Leaderboard:            base.Leaderboard,
		EstimatedClearingPrice: base.EstimatedClearingPrice,
		RecentRounds:           base.RecentRounds,
	}

	if base.Auction.State == domain.AuctionRunning && base.Auction.RoundState != nil &&
		*base.Auction.RoundState == domain.RoundOpen && base.Auction.RoundEndsAt != nil {
		remaining := base.Auction.RoundEndsAt.Sub(time.Now().UTC())
		if remaining < 0 {
			remaining = 0
		}
		ms := remaining.Milliseconds()
		snap.TimeRemainingMs = &ms
	}

	if userID != "" {
		bid, err := store.GetBidReadOnly(ctx, s.store.DB(), auctionID, userID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if err == nil {
			snap.YourBid = bid
		}
	}
	return snap, nil
}

func (s *Service) computeBaseSnapshot(ctx context.Context, auctionID string) (*BaseSnapshot, error) {
	a, err := store.GetAuction(ctx, s.store.DB(), auctionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.New(apperr.NotFound, "auction not found")
	}
	if err != nil {
		return nil, err
	}

	active, err := store.ListActiveBidsReadOnly(ctx, s.store.DB(), auctionID)
	if err != nil {
		return nil, err
	}
	ranking.Sort(active)

	leaderboard := active
	if len(leaderboard) > leaderboardDisplaySize {
		leaderboard = leaderboard[:leaderboardDisplaySize]
	}

	var estimated *int64
	k := int(a.Config.WinnersPerRound)
	if k > 0 && len(active) >= k {
		v := active[k-1].Amount
		estimated = &v
	}

	rounds, err := store.RecentRounds(ctx, s.store.DB(), auctionID, 5)
	if err != nil {
		return nil, err
	}

	return &BaseSnapshot{
		Auction:                *a,
		RemainingQuantity:      a.RemainingQuantity(),
		Leaderboard:            leaderboard,
		EstimatedClearingPrice: estimated,
		RecentRounds:           rounds,
	}, nil
}
