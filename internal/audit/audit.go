// Package audit implements the invariant checks from spec §4.7: global money
// conservation across every ledger entry, and per-auction bookkeeping
// consistency. It is read-only and never mutates state — grounded on the
// teacher's QueryRowContext/Scan idiom in internal/services/auction
// (auction_svc.go), generalized from "fetch one auction" to "aggregate and
// compare".
package audit

import (
	"context"
	"database/sql"

	"github.com/sealedbid/auctionengine/internal/domain"
	"github.com/sealedbid/auctionengine/internal/store"
)

// Violation names one failed invariant and the values that disagreed.
type Violation struct {
	Check   string         `json:"check"`
	Detail  string         `json:"detail"`
	Values  map[string]any `json:"values,omitempty"`
}

// Report is the result of running every check at a given scope.
type Report struct {
	Violations []Violation `json:"violations"`
}

func (r *Report) Ok() bool { return len(r.Violations) == 0 }

func (r *Report) add(check, detail string, values map[string]any) {
	r.Violations = append(r.Violations, Violation{Check: check, Detail: detail, Values: values})
}

// Auditor runs the invariant checks against the store.
type Auditor struct {
	store *store.Store
}

func NewAuditor(st *store.Store) *Auditor {
	return &Auditor{store: st}
}

// Global runs the system-wide checks from §4.7 (P1-P3-ish: money
// conservation and non-negative balances across every user).
func (a *Auditor) Global(ctx context.Context) (*Report, error) {
	report := &Report{Violations: []Violation{}}
	db := a.store.DB()

	if err := a.checkMoneyConservation(ctx, db, nil, report); err != nil {
		return nil, err
	}
	if err := a.checkNonNegativeBalances(ctx, db, report); err != nil {
		return nil, err
	}
	if err := a.checkReservedMatchesActiveBids(ctx, db, nil, report); err != nil {
		return nil, err
	}
	if err := a.checkLedgerMatchesTopups(ctx, db, report); err != nil {
		return nil, err
	}
	return report, nil
}

// Auction runs the per-auction checks from §4.7: awarded count within
// totalQuantity, revenue equals sum of winners' paid amounts, gift serials
// unique and exactly covering {1,...,awardedCount}, no active bids survive
// once the auction has ended, the reserved/active-bids relationship for
// bids still open, and the ledger's reserve/unreserve/spend/refund entries
// for this auction reconcile against both the live balances and the bids'
// own settlement figures.
func (a *Auditor) Auction(ctx context.Context, auctionID string) (*Report, error) {
	report := &Report{Violations: []Violation{}}
	db := a.store.DB()

	auc, err := store.GetAuction(ctx, db, auctionID)
	if err != nil {
		return nil, err
	}

	if auc.AwardedCount > auc.TotalQuantity {
		report.add("awardedWithinQuantity", "awardedCount exceeds totalQuantity",
			map[string]any{"awardedCount": auc.AwardedCount, "totalQuantity": auc.TotalQuantity})
	}
	if auc.AwardedCount < 0 || auc.Revenue < 0 {
		report.add("nonNegativeAuctionCounters", "awardedCount or revenue is negative",
			map[string]any{"awardedCount": auc.AwardedCount, "revenue": auc.Revenue})
	}

	if err := a.checkWonBidsMatchRevenue(ctx, db, auc, report); err != nil {
		return nil, err
	}
	if err := a.checkGiftSerialsUnique(ctx, db, auc, report); err != nil {
		return nil, err
	}
	if err := a.checkNoActiveBidsWhenEnded(ctx, db, auc, report); err != nil {
		return nil, err
	}
	if err := a.checkReservedMatchesActiveBids(ctx, db, &auctionID, report); err != nil {
		return nil, err
	}
	if err := a.checkLedgerReconciliation(ctx, db, auc, report); err != nil {
		return nil, err
	}

	return report, nil
}

// checkMoneyConservation verifies sum(topup) == sum(available)+sum(reserved)+sum(spent)
// across every user, the fundamental ledger-vs-balance tie from §3.
func (a *Auditor) checkMoneyConservation(ctx context.Context, db *sql.DB, auctionID *string, report *Report) error {
	var totalAvailable, totalReserved, totalSpent, totalTopups sql.NullInt64
	err := db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(available),0), COALESCE(SUM(reserved),0), COALESCE(SUM(spent),0), COALESCE(SUM(total_topups),0)
		FROM users`).Scan(&totalAvailable, &totalReserved, &totalSpent, &totalTopups)
	if err != nil {
		return err
	}
	sumBalances := totalAvailable.Int64 + totalReserved.Int64 + totalSpent.Int64
	if sumBalances != totalTopups.Int64 {
		report.add("moneyConservation", "available+reserved+spent across all users does not equal total topups",
			map[string]any{"sumBalances": sumBalances, "totalTopups": totalTopups.Int64})
	}
	return nil
}

func (a *Auditor) checkNonNegativeBalances(ctx context.Context, db *sql.DB, report *Report) error {
	var count int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM users WHERE available < 0 OR reserved < 0 OR spent < 0`).Scan(&count)
	if err != nil {
		return err
	}
	if count > 0 {
		report.add("nonNegativeBalances", "one or more users have a negative balance component", map[string]any{"count": count})
	}
	return nil
}

// checkReservedMatchesActiveBids verifies that, scoped to auctionID (or
// globally when nil), every user's reserved balance equals the sum of their
// active bid amounts — the other half of the reservation invariant.
func (a *Auditor) checkReservedMatchesActiveBids(ctx context.Context, db *sql.DB, auctionID *string, report *Report) error {
	var query string
	var args []any
	if auctionID != nil {
		query = `
			SELECT u.id, u.reserved, COALESCE(SUM(b.amount), 0)
			FROM users u
			LEFT JOIN bids b ON b.user_id = u.id AND b.status = 'active' AND b.auction_id = $1
			GROUP BY u.id, u.reserved
			HAVING u.reserved <> COALESCE(SUM(b.amount), 0)`
		args = []any{*auctionID}
	} else {
		query = `
			SELECT u.id, u.reserved, COALESCE(SUM(b.amount), 0)
			FROM users u
			LEFT JOIN bids b ON b.user_id = u.id AND b.status = 'active'
			GROUP BY u.id, u.reserved
			HAVING u.reserved <> COALESCE(SUM(b.amount), 0)`
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var userID string
		var reserved, activeSum int64
		if err := rows.Scan(&userID, &reserved, &activeSum); err != nil {
			return err
		}
		report.add("reservedMatchesActiveBids", "user's reserved balance does not equal the sum of their active bid amounts",
			map[string]any{"userId": userID, "reserved": reserved, "activeBidsSum": activeSum})
	}
	return rows.Err()
}

// checkLedgerMatchesTopups cross-checks the append-only ledger against the
// users table's own running total: sum(ledger_entries where type=topup) must
// equal sum(users.total_topups), §3's double-entry guarantee that every
// balance mutation is backed by a ledger row.
func (a *Auditor) checkLedgerMatchesTopups(ctx context.Context, db *sql.DB, report *Report) error {
	ledgerSum, err := store.SumLedgerByType(ctx, db, domain.LedgerTopup, nil)
	if err != nil {
		return err
	}
	var userSum sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(SUM(total_topups),0) FROM users`).Scan(&userSum); err != nil {
		return err
	}
	if ledgerSum != userSum.Int64 {
		report.add("ledgerMatchesTopups", "sum of topup ledger entries does not equal sum of users.total_topups",
			map[string]any{"ledgerSum": ledgerSum, "userSum": userSum.Int64})
	}
	return nil
}

func (a *Auditor) checkWonBidsMatchRevenue(ctx context.Context, db *sql.DB, auc *domain.Auction, report *Report) error {
	var paidSum sql.NullInt64
	var wonCount int
	err := db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM((settlement->>'paid')::bigint), 0), COUNT(*)
		FROM bids WHERE auction_id = $1 AND status = 'won'`, auc.ID).Scan(&paidSum, &wonCount)
	if err != nil {
		return err
	}
	if paidSum.Int64 != auc.Revenue {
		report.add("revenueMatchesWonBids", "auction revenue does not equal the sum of won bids' paid amounts",
			map[string]any{"revenue": auc.Revenue, "sumPaid": paidSum.Int64})
	}
	if int64(wonCount) != auc.AwardedCount {
		report.add("awardedCountMatchesWonBids", "auction awardedCount does not equal the count of won bids",
			map[string]any{"awardedCount": auc.AwardedCount, "wonBidCount": wonCount})
	}
	return nil
}

// checkGiftSerialsUnique verifies P5 in full: won-bid giftSerials are not
// just pairwise distinct but exactly cover {1,...,awardedCount} — no gaps,
// no values outside that range.
func (a *Auditor) checkGiftSerialsUnique(ctx context.Context, db *sql.DB, auc *domain.Auction, report *Report) error {
	var dupCount int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM (
			SELECT (settlement->>'giftSerial') AS serial
			FROM bids WHERE auction_id = $1 AND status = 'won'
			GROUP BY serial HAVING COUNT(*) > 1
		) dups`, auc.ID).Scan(&dupCount)
	if err != nil {
		return err
	}
	if dupCount > 0 {
		report.add("giftSerialsUnique", "more than one won bid shares a giftSerial", map[string]any{"duplicateSerials": dupCount})
	}

	var wonCount int
	var minSerial, maxSerial sql.NullInt64
	err = db.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN((settlement->>'giftSerial')::bigint), MAX((settlement->>'giftSerial')::bigint)
		FROM bids WHERE auction_id = $1 AND status = 'won'`, auc.ID).Scan(&wonCount, &minSerial, &maxSerial)
	if err != nil {
		return err
	}
	if wonCount == 0 {
		return nil
	}
	if minSerial.Int64 != 1 {
		report.add("giftSerialsStartAtOne", "lowest giftSerial among won bids is not 1",
			map[string]any{"min": minSerial.Int64})
	}
	if maxSerial.Int64 != int64(wonCount) {
		report.add("giftSerialsSpanWonCount", "giftSerials among won bids do not span exactly {1,...,|won|} with no gaps",
			map[string]any{"max": maxSerial.Int64, "wonCount": wonCount})
	}
	return nil
}

// checkLedgerReconciliation cross-checks the append-only ledger against the
// bids table for one auction — the per-auction counterpart to
// checkLedgerMatchesTopups. It verifies P2 in full (reserve − unreserve −
// spend − refund across this auction's ledger equals the sum of its active
// bid amounts) and P4 (Σsettlement.refunded equals Σrefund-ledger for this
// auction), so a bug that mutates a balance without writing the matching
// ledger row — or that mutates the ledger without matching the settlement
// payload — shows up here even though checkReservedMatchesActiveBids (which
// only looks at the live users.reserved column) would not catch it.
func (a *Auditor) checkLedgerReconciliation(ctx context.Context, db *sql.DB, auc *domain.Auction, report *Report) error {
	reserve, err := store.SumLedgerByType(ctx, db, domain.LedgerReserve, &auc.ID)
	if err != nil {
		return err
	}
	unreserve, err := store.SumLedgerByType(ctx, db, domain.LedgerUnreserve, &auc.ID)
	if err != nil {
		return err
	}
	spend, err := store.SumLedgerByType(ctx, db, domain.LedgerSpend, &auc.ID)
	if err != nil {
		return err
	}
	refund, err := store.SumLedgerByType(ctx, db, domain.LedgerRefund, &auc.ID)
	if err != nil {
		return err
	}

	var activeSum sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount),0) FROM bids WHERE auction_id = $1 AND status = 'active'`, auc.ID).Scan(&activeSum); err != nil {
		return err
	}
	expectedActive := reserve - unreserve - spend - refund
	if expectedActive != activeSum.Int64 {
		report.add("ledgerReconcilesActiveBids", "reserve minus unreserve minus spend minus refund does not equal the sum of active bid amounts",
			map[string]any{"expected": expectedActive, "activeBidsSum": activeSum.Int64})
	}

	if spend != auc.Revenue {
		report.add("ledgerSpendMatchesRevenue", "sum of spend ledger entries does not equal auction revenue",
			map[string]any{"ledgerSpend": spend, "revenue": auc.Revenue})
	}

	var refundedSum sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(SUM((settlement->>'refunded')::bigint),0) FROM bids WHERE auction_id = $1 AND status = 'won'`, auc.ID).Scan(&refundedSum); err != nil {
		return err
	}
	if refund != refundedSum.Int64 {
		report.add("ledgerRefundMatchesSettlement", "sum of refund ledger entries does not equal sum of won bids' refunded amounts",
			map[string]any{"ledgerRefund": refund, "settlementRefunded": refundedSum.Int64})
	}
	return nil
}

func (a *Auditor) checkNoActiveBidsWhenEnded(ctx context.Context, db *sql.DB, auc *domain.Auction, report *Report) error {
	if auc.State != domain.AuctionEnded && auc.State != domain.AuctionCancelled {
		return nil
	}
	var count int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bids WHERE auction_id = $1 AND status = 'active'`, auc.ID).Scan(&count)
	if err != nil {
		return err
	}
	if count > 0 {
		report.add("noActiveBidsWhenEnded", "auction has ended or was cancelled but still has active bids", map[string]any{"activeCount": count})
	}
	return nil
}
