package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/sealedbid/auctionengine/internal/domain"
)

const selectBidCols = `id, auction_id, user_id, created_at, updated_at, last_bid_at, amount, status, settlement`

func scanBid(row interface{ Scan(...any) error }) (*domain.Bid, error) {
	var b domain.Bid
	var settlementRaw []byte
	if err := row.Scan(&b.ID, &b.AuctionID, &b.UserID, &b.CreatedAt, &b.UpdatedAt, &b.LastBidAt, &b.Amount, &b.Status, &settlementRaw); err != nil {
		return nil, err
	}
	if len(settlementRaw) > 0 {
		var s domain.BidSettlement
		if err := unmarshalJSON(settlementRaw, &s); err != nil {
			return nil, err
		}
		b.Settlement = &s
	}
	return &b, nil
}

// GetBidByAuctionUser looks up the (auctionId,userId) unique bid, or
// ErrNotFound if none exists yet.
func GetBidByAuctionUser(ctx context.Context, tx *sql.Tx, auctionID, userID string) (*domain.Bid, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+selectBidCols+` FROM bids WHERE auction_id = $1 AND user_id = $2 FOR UPDATE`, auctionID, userID)
	b, err := scanBid(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

// InsertBid creates a brand-new bid row. A concurrent first-time placement
// by the same user races on the (auction_id,user_id) unique index and
// surfaces as a 23505 the caller detects with IsUniqueViolation, per §5/S5.
func InsertBid(ctx context.Context, tx *sql.Tx, b domain.Bid) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO bids (id, auction_id, user_id, created_at, updated_at, last_bid_at, amount, status, settlement)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NULL)`,
		b.ID, b.AuctionID, b.UserID, b.CreatedAt, b.UpdatedAt, b.LastBidAt, b.Amount, b.Status,
	)
	return err
}

// UpdateBidAmount raises an active bid or reactivates a withdrawn one,
// predicated on the previously-observed status, per §4.3 step 4.
func UpdateBidAmount(ctx context.Context, tx *sql.Tx, id string, prevStatus domain.BidStatus, newAmount int64, now time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE bids SET amount = $1, status = 'active', last_bid_at = $2, updated_at = $2
		WHERE id = $3 AND status = $4`,
		newAmount, now, id, prevStatus,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// WithdrawBid sets status=withdrawn, predicated on status=active, §4.4.
func WithdrawBid(ctx context.Context, tx *sql.Tx, id string, now time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE bids SET status = 'withdrawn', updated_at = $1
		WHERE id = $2 AND status = 'active'`,
		now, id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ActiveBidsForAuction returns every active bid for ranking/settlement,
// locked FOR UPDATE so settlement's read-then-CAS to `won` is race-free
// within the settling transaction.
func ActiveBidsForAuction(ctx context.Context, tx *sql.Tx, auctionID string) ([]domain.Bid, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+selectBidCols+` FROM bids
		WHERE auction_id = $1 AND status = 'active' FOR UPDATE`, auctionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// MarkWon CASes an active bid to won with its settlement payload, §4.6.3 step 6.
func MarkWon(ctx context.Context, tx *sql.Tx, id string, settlement domain.BidSettlement, now time.Time) (bool, error) {
	raw, err := marshalJSON(settlement)
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE bids SET status = 'won', settlement = $1, updated_at = $2
		WHERE id = $3 AND status = 'active'`,
		raw, now, id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// RefundAndClose transitions every active bid of an auction into
// targetStatus (withdrawn on cancel, lost on auction end), returning the
// refunded bids so the caller can apply the matching balance/ledger
// mutations. Rows are locked FOR UPDATE first so the balance of "active bids
// at this instant" is stable for the rest of the transaction.
func RefundAndClose(ctx context.Context, tx *sql.Tx, auctionID string, targetStatus domain.BidStatus, now time.Time) ([]domain.Bid, error) {
	active, err := ActiveBidsForAuction(ctx, tx, auctionID)
	if err != nil {
		return nil, err
	}
	for _, b := range active {
		res, err := tx.ExecContext(ctx, `
			UPDATE bids SET status = $1, updated_at = $2
			WHERE id = $3 AND status = 'active'`,
			targetStatus, now, b.ID,
		)
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n != 1 {
			return nil, errors.New("store: active bid vanished mid-refund")
		}
	}
	return active, nil
}

// ListActiveBidsReadOnly returns the leaderboard-ordering-relevant active
// bids for read-only snapshot use (no FOR UPDATE — snapshot is best-effort).
func ListActiveBidsReadOnly(ctx context.Context, q Queryer, auctionID string) ([]domain.Bid, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+selectBidCols+` FROM bids
		WHERE auction_id = $1 AND status = 'active'`, auctionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// GetBidReadOnly reads a single bid without locking, for snapshot use.
func GetBidReadOnly(ctx context.Context, q Queryer, auctionID, userID string) (*domain.Bid, error) {
	row := q.QueryRowContext(ctx, `SELECT `+selectBidCols+` FROM bids WHERE auction_id = $1 AND user_id = $2`, auctionID, userID)
	b, err := scanBid(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}
