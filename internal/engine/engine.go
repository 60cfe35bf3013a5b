// Package engine drives the tick-based round lifecycle from spec §4.6: leader
// election, marking due rounds as closing, and settling them into won/lost
// bids, balance updates and a Round receipt. It generalizes the teacher's
// syncdb.Run/syncbid.Run ticker-goroutine shape (internal/syncdb,
// internal/syncbid) from a Redis-mirroring job into the settlement authority,
// replacing the teacher's Redis SetNX lock with the store's Postgres-backed
// engine_locks singleton so leadership lives in the same consistency domain
// as the data it protects.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sealedbid/auctionengine/internal/domain"
	"github.com/sealedbid/auctionengine/internal/money"
	"github.com/sealedbid/auctionengine/internal/ranking"
	"github.com/sealedbid/auctionengine/internal/store"
)

// EventPublisher is the advisory event-stream side effect fired after a
// round settles, §2/"Read-side accelerator". A nil publisher just disables
// it — settlement correctness never depends on it firing.
type EventPublisher interface {
	PublishRoundClosed(ctx context.Context, auctionID string, roundNumber int64, ended bool)
}

// CacheInvalidator drops a stale snapshot after settlement so the next read
// recomputes it instead of serving a pre-settlement view for the TTL. A nil
// invalidator is fine; the TTL alone bounds staleness.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, auctionID string)
}

// candidateBatchSize bounds how many auctions one tick touches, per
// §4.6/§4.6.2(a)/(b): "Up to 5 auctions are processed per tick to bound
// blast radius."
const candidateBatchSize = 5

// closingGraceWindow is the fixed grace window §4.6.2(b) allows between a
// round's deadline and MarkClosing picking it up.
const closingGraceWindow = 250 * time.Millisecond

// minLockTTL is the floor in the §4.6 lock TTL formula
// max(2s, 10 × pollIntervalMs).
const minLockTTL = 2 * time.Second

// Engine settles due rounds for every auction currently held by the leader.
type Engine struct {
	store        *store.Store
	ownerID      string
	pollInterval time.Duration
	lockTTL      time.Duration
	closingGrace time.Duration
	events       EventPublisher
	cache        CacheInvalidator
	log          *zap.Logger
}

func NewEngine(st *store.Store, ownerID string, pollInterval time.Duration, events EventPublisher, cache CacheInvalidator) *Engine {
	if ownerID == "" {
		ownerID = uuid.NewString()
	}
	lockTTL := pollInterval * 10
	if lockTTL < minLockTTL {
		lockTTL = minLockTTL
	}
	return &Engine{
		store:        st,
		ownerID:      ownerID,
		pollInterval: pollInterval,
		lockTTL:      lockTTL,
		closingGrace: closingGraceWindow,
		events:       events,
		cache:        cache,
		log:          zap.L().Named("engine"),
	}
}

// Run ticks every pollInterval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	tk := time.NewTicker(e.pollInterval)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			e.tick(ctx)
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	leader, err := e.store.TryAcquireLock(ctx, e.ownerID, e.lockTTL)
	if err != nil {
		e.log.Warn("lock acquire failed", zap.Error(err))
		return
	}
	if !leader {
		return
	}

	if err := e.recoverInterruptedClosings(ctx); err != nil {
		e.log.Error("recover interrupted closings", zap.Error(err))
	}
	if err := e.markAndSettleDueRounds(ctx); err != nil {
		e.log.Error("mark and settle due rounds", zap.Error(err))
	}
}

// recoverInterruptedClosings resumes settlement for any auction left in
// (running, closing, token!=nil) by a worker that crashed after MarkClosing
// committed but before settlement did, §4.6.2(a). settleOne is idempotent on
// the token via the Round unique constraint, so a safe retry.
func (e *Engine) recoverInterruptedClosings(ctx context.Context) error {
	stuck, err := store.InterruptedClosingCandidates(ctx, e.store.DB(), candidateBatchSize)
	if err != nil {
		return err
	}
	for _, a := range stuck {
		if a.ClosingToken == nil {
			continue
		}
		if err := e.settleOne(ctx, a.ID, *a.ClosingToken); err != nil {
			e.log.Error("recover settle", zap.String("auctionId", a.ID), zap.Error(err))
		}
	}
	return nil
}

// markAndSettleDueRounds finds auctions whose round has reached its
// deadline, CASes each into closing with a fresh token, §4.6.2(b), then
// settles it immediately.
func (e *Engine) markAndSettleDueRounds(ctx context.Context) error {
	now := time.Now().UTC()
	due, err := store.DueClosingCandidates(ctx, e.store.DB(), now, e.closingGrace, candidateBatchSize)
	if err != nil {
		return err
	}
	for _, a := range due {
		token := uuid.NewString()
		var marked bool
		err := e.store.WithTxn(ctx, func(tx *sql.Tx) error {
			ok, err := store.MarkClosing(ctx, tx, a.ID, now, e.closingGrace, token, a.Version+1)
			marked = ok
			return err
		})
		if err != nil {
			e.log.Error("mark closing", zap.String("auctionId", a.ID), zap.Error(err))
			continue
		}
		if !marked {
			// Lost the CAS to a concurrent tick/leader overlap; the auction is
			// either no longer due or already being settled under another token.
			continue
		}
		if err := e.settleOne(ctx, a.ID, token); err != nil {
			e.log.Error("settle", zap.String("auctionId", a.ID), zap.Error(err))
		}
	}
	return nil
}

// settleOne executes §4.6.3 for one closing round: rank active bids, award
// winners up to remaining quantity at the uniform clearing price, refund the
// difference, persist a Round receipt, and decide whether the auction ends.
// A unique-violation on the Round insert means another worker already
// settled this exact round; treated as success.
func (e *Engine) settleOne(ctx context.Context, auctionID, token string) error {
	ended := false
	var roundNumber int64

	err := e.store.WithTxn(ctx, func(tx *sql.Tx) error {
		a, err := store.GetClosingByToken(ctx, tx, auctionID, token)
		if errors.Is(err, store.ErrNotFound) {
			// Already resolved under this token by a previous attempt.
			return nil
		}
		if err != nil {
			return err
		}

		active, err := store.ActiveBidsForAuction(ctx, tx, auctionID)
		if err != nil {
			return err
		}

		remaining := a.RemainingQuantity()
		k := int(a.Config.WinnersPerRound)
		if int64(k) > remaining {
			k = int(remaining)
		}
		winners, clearingPrice := ranking.SelectWinners(active, k)

		now := time.Now().UTC()
		round := domain.Round{
			ID:            uuid.NewString(),
			AuctionID:     auctionID,
			RoundNumber:   a.CurrentRound,
			EndedAt:       now,
			ClearingPrice: clearingPrice,
		}
		roundNumber = a.CurrentRound

		nextSerial := a.AwardedCount + 1
		settlements := make([]domain.BidSettlement, len(winners))
		for i, w := range winners {
			paid := clearingPrice
			refunded := w.Amount - clearingPrice
			settlements[i] = domain.BidSettlement{
				WonRound:      a.CurrentRound,
				GiftSerial:    nextSerial + int64(i),
				ClearingPrice: clearingPrice,
				Paid:          paid,
				Refunded:      refunded,
				SettledAt:     now,
			}
			round.Winners = append(round.Winners, domain.RoundWinner{
				UserID: w.UserID, Amount: w.Amount, GiftSerial: settlements[i].GiftSerial, Paid: paid, Refunded: refunded,
			})
		}

		// Insert the receipt before any winner write: the unique
		// (auction_id, round_number) index makes it the idempotency gate, so a
		// round that already settled fails here and is swallowed below.
		if err := store.InsertRound(ctx, tx, round); err != nil {
			return err
		}

		for i, w := range winners {
			if err := e.settleWinner(ctx, tx, w, settlements[i], now); err != nil {
				return err
			}
		}

		wonCount := int64(len(winners))
		a.AwardedCount += wonCount
		a.Revenue += clearingPrice * wonCount
		if wonCount == 0 {
			a.ConsecutiveEmptyRounds++
		} else {
			a.ConsecutiveEmptyRounds = 0
		}

		endReason, shouldEnd := decideEnd(a, now)

		prevVersion := a.Version
		a.Version++
		a.UpdatedAt = now

		if shouldEnd {
			losers, err := store.RefundAndClose(ctx, tx, auctionID, domain.BidLost, now)
			if err != nil {
				return err
			}
			for _, b := range losers {
				if err := e.refundReservation(ctx, tx, b, now); err != nil {
					return err
				}
			}
			a.State = domain.AuctionEnded
			a.EndedAt = &now
			a.EndReason = &endReason
			a.RoundState = nil
			a.RoundEndsAt = nil
			a.ClosingToken = nil
			a.ClosingStartedAt = nil
			ended = true
		} else {
			roundDuration := time.Duration(a.Config.RoundDurationMs) * time.Millisecond
			roundEnd := now.Add(roundDuration)
			if a.EndsAt != nil && roundEnd.After(*a.EndsAt) {
				roundEnd = *a.EndsAt
			}
			open := domain.RoundOpen
			a.CurrentRound++
			a.RoundState = &open
			a.RoundEndsAt = &roundEnd
			a.ClosingToken = nil
			a.ClosingStartedAt = nil
		}

		ok, err := store.UpdateAuctionFull(ctx, tx, *a, prevVersion)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("engine: auction changed concurrently during settlement")
		}
		return nil
	})

	if err != nil {
		if store.IsUniqueViolation(err) {
			e.log.Debug("round already settled", zap.String("auctionId", auctionID), zap.String("token", token))
			return nil
		}
		return err
	}

	if e.cache != nil {
		e.cache.Invalidate(ctx, auctionID)
	}
	if e.events != nil {
		e.events.PublishRoundClosed(ctx, auctionID, roundNumber, ended)
	}
	return nil
}

// decideEnd applies the end-of-auction precedence: sold out first (nothing
// left to award), then the hard maxDuration deadline, then too many
// consecutive rounds with no bids at all.
func decideEnd(a *domain.Auction, now time.Time) (domain.EndReason, bool) {
	if a.RemainingQuantity() <= 0 {
		return domain.EndSoldOut, true
	}
	if a.EndsAt != nil && !now.Before(*a.EndsAt) {
		return domain.EndMaxDuration, true
	}
	if a.Config.MaxConsecutiveEmptyRounds > 0 && a.ConsecutiveEmptyRounds >= a.Config.MaxConsecutiveEmptyRounds {
		return domain.EndEmptyRounds, true
	}
	return "", false
}

func (e *Engine) settleWinner(ctx context.Context, tx *sql.Tx, w domain.Bid, settlement domain.BidSettlement, now time.Time) error {
	ok, err := store.MarkWon(ctx, tx, w.ID, settlement, now)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("engine: winning bid changed concurrently during settlement")
	}

	u, err := store.GetUserForUpdate(ctx, tx, w.UserID)
	if err != nil {
		return err
	}
	prevBal := u.Balance
	newBal, ok := money.Settle(prevBal, w.Amount, settlement.Paid, settlement.Refunded)
	if !ok {
		return errors.New("engine: settlement invariant violated")
	}
	if ok2, err := store.UpdateBalance(ctx, tx, w.UserID, prevBal, u.TotalTopups, newBal, u.TotalTopups); err != nil {
		return err
	} else if !ok2 {
		return errors.New("engine: user balance changed concurrently during settlement")
	}

	auctionID := w.AuctionID
	if settlement.Paid > 0 {
		spend := money.NewLedgerEntry(w.UserID, domain.LedgerSpend, settlement.Paid, &auctionID, map[string]any{"bidId": w.ID, "giftSerial": settlement.GiftSerial})
		spend.ID, spend.CreatedAt = uuid.NewString(), now
		if err := store.AppendLedgerEntry(ctx, tx, spend); err != nil {
			return err
		}
	}
	if settlement.Refunded > 0 {
		refund := money.NewLedgerEntry(w.UserID, domain.LedgerRefund, settlement.Refunded, &auctionID, map[string]any{"bidId": w.ID, "giftSerial": settlement.GiftSerial})
		refund.ID, refund.CreatedAt = uuid.NewString(), now
		if err := store.AppendLedgerEntry(ctx, tx, refund); err != nil {
			return err
		}
	}
	return nil
}

// refundReservation returns a losing bid's reservation to available. Mirrors
// internal/auction.Service.refundReservation; kept separate since the
// engine settles inside its own transaction shape and importing the service
// package here would invert the dependency the wrong way.
func (e *Engine) refundReservation(ctx context.Context, tx *sql.Tx, b domain.Bid, now time.Time) error {
	u, err := store.GetUserForUpdate(ctx, tx, b.UserID)
	if err != nil {
		return err
	}
	prevBal := u.Balance
	newBal, ok := money.Unreserve(prevBal, b.Amount)
	if !ok {
		return errors.New("engine: unreserve invariant violated")
	}
	if ok2, err := store.UpdateBalance(ctx, tx, b.UserID, prevBal, u.TotalTopups, newBal, u.TotalTopups); err != nil {
		return err
	} else if !ok2 {
		return errors.New("engine: user balance changed concurrently during refund")
	}
	auctionID := b.AuctionID
	entry := money.NewLedgerEntry(b.UserID, domain.LedgerUnreserve, b.Amount, &auctionID, map[string]any{"bidId": b.ID, "reason": "roundLost"})
	entry.ID, entry.CreatedAt = uuid.NewString(), now
	return store.AppendLedgerEntry(ctx, tx, entry)
}
