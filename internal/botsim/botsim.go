// Package botsim is the peripheral bot population from SPEC_FULL.md's design
// notes: a pool of goroutines, each bound to the run's context, placing
// randomized bids against the auction service so a freshly started auction
// sees realistic contention without a human operator driving every bid.
// Grounded on the teacher's context-bound goroutine-pool shape (e.g.
// internal/syncbid.Run), generalized from "one tailing goroutine" to "N
// independent bot workers".
package botsim

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/sealedbid/auctionengine/internal/auction"
	"github.com/sealedbid/auctionengine/internal/domain"
)

// Policy controls how aggressively bots bid.
type Policy struct {
	// MinRaiseFraction/MaxRaiseFraction bound a bot's raise as a fraction of
	// its budget: available balance plus its current active bid
	// (0 < Min <= Max <= 1).
	MinRaiseFraction float64
	MaxRaiseFraction float64
	// BidInterval is how often each bot wakes up to consider bidding.
	BidInterval time.Duration
	// SkipProbability is the chance a bot does nothing on a given wake-up.
	SkipProbability float64
}

func DefaultPolicy() Policy {
	return Policy{MinRaiseFraction: 0.01, MaxRaiseFraction: 0.15, BidInterval: 2 * time.Second, SkipProbability: 0.4}
}

// Simulator drives a fixed set of bot users against one auction.
type Simulator struct {
	svc       *auction.Service
	auctionID string
	userIDs   []string
	policy    Policy
	log       *zap.Logger
}

func NewSimulator(svc *auction.Service, auctionID string, userIDs []string, policy Policy) *Simulator {
	return &Simulator{svc: svc, auctionID: auctionID, userIDs: userIDs, policy: policy, log: zap.L().Named("botsim")}
}

// Run starts one goroutine per bot user and blocks until ctx is cancelled.
func (s *Simulator) Run(ctx context.Context) {
	done := make(chan struct{}, len(s.userIDs))
	for _, userID := range s.userIDs {
		go func(userID string) {
			defer func() { done <- struct{}{} }()
			s.runBot(ctx, userID)
		}(userID)
	}
	for range s.userIDs {
		<-done
	}
}

func (s *Simulator) runBot(ctx context.Context, userID string) {
	jitter := time.Duration(rand.Int63n(int64(s.policy.BidInterval)))
	tk := time.NewTicker(s.policy.BidInterval)
	defer tk.Stop()

	select {
	case <-ctx.Done():
		return
	case <-time.After(jitter):
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			s.maybeBid(ctx, userID)
		}
	}
}

func (s *Simulator) maybeBid(ctx context.Context, userID string) {
	if rand.Float64() < s.policy.SkipProbability {
		return
	}

	snap, err := s.svc.Snapshot(ctx, s.auctionID, userID)
	if err != nil {
		s.log.Debug("snapshot failed", zap.String("userId", userID), zap.Error(err))
		return
	}
	if snap.Auction.State != domain.AuctionRunning || snap.TimeRemainingMs == nil {
		return
	}

	user, err := s.svc.GetUser(ctx, userID)
	if err != nil {
		s.log.Debug("get user failed", zap.String("userId", userID), zap.Error(err))
		return
	}

	current := int64(0)
	if snap.YourBid != nil && snap.YourBid.Status == domain.BidActive {
		current = snap.YourBid.Amount
	}

	budget := user.Balance.Available + current
	if budget <= current {
		return // no available funds to raise with
	}

	fraction := s.policy.MinRaiseFraction + rand.Float64()*(s.policy.MaxRaiseFraction-s.policy.MinRaiseFraction)
	raise := int64(float64(budget) * fraction)
	if raise <= 0 {
		raise = 1
	}
	newAmount := current + raise
	if newAmount > budget {
		newAmount = budget
	}
	if newAmount <= current {
		return
	}

	if _, _, err := s.svc.PlaceBid(ctx, s.auctionID, userID, newAmount); err != nil {
		s.log.Debug("bot bid failed", zap.String("userId", userID), zap.Int64("amount", newAmount), zap.Error(err))
	}
}
