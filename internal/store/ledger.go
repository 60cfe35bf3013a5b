package store

import (
	"context"
	"database/sql"

	"github.com/sealedbid/auctionengine/internal/domain"
)

// AppendLedgerEntry inserts one append-only ledger row, §3. Ledger entries
// are never updated or deleted.
func AppendLedgerEntry(ctx context.Context, tx *sql.Tx, e domain.LedgerEntry) error {
	metaRaw, err := marshalJSON(e.Meta)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, created_at, user_id, type, amount, auction_id, meta)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		e.ID, e.CreatedAt, e.UserID, e.Type, e.Amount, e.AuctionID, metaRaw,
	)
	return err
}

// SumLedgerByType sums ledger_entries.amount filtered by type and, when
// auctionID is non-nil, by auction_id — used by internal/audit for §4.7's
// per-auction and global conservation checks.
func SumLedgerByType(ctx context.Context, q Queryer, typ domain.LedgerType, auctionID *string) (int64, error) {
	var sum sql.NullInt64
	var err error
	if auctionID != nil {
		err = q.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount),0) FROM ledger_entries WHERE type = $1 AND auction_id = $2`, typ, *auctionID).Scan(&sum)
	} else {
		err = q.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount),0) FROM ledger_entries WHERE type = $1`, typ).Scan(&sum)
	}
	if err != nil {
		return 0, err
	}
	return sum.Int64, nil
}
