package store

import (
	"context"
	"database/sql"

	"github.com/sealedbid/auctionengine/internal/domain"
)

// InsertRound persists the settlement receipt. This is the idempotency
// anchor from §3/§4.6.3 step 5: a unique-key conflict on (auction_id,
// round_number) means this round was already settled by another worker —
// callers detect that with store.IsUniqueViolation and swallow it.
func InsertRound(ctx context.Context, tx *sql.Tx, r domain.Round) error {
	winnersRaw, err := marshalJSON(r.Winners)
	if err != nil {
		return err
	}
	if winnersRaw == nil {
		winnersRaw = []byte("[]")
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO rounds (id, auction_id, round_number, ended_at, clearing_price, winners)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		r.ID, r.AuctionID, r.RoundNumber, r.EndedAt, r.ClearingPrice, winnersRaw,
	)
	return err
}

func scanRound(row interface{ Scan(...any) error }) (*domain.Round, error) {
	var r domain.Round
	var winnersRaw []byte
	if err := row.Scan(&r.ID, &r.AuctionID, &r.RoundNumber, &r.EndedAt, &r.ClearingPrice, &winnersRaw); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(winnersRaw, &r.Winners); err != nil {
		return nil, err
	}
	return &r, nil
}

const selectRoundCols = `id, auction_id, round_number, ended_at, clearing_price, winners`

// RecentRounds returns up to limit most recent rounds for auctionID,
// oldest-first, per §4.6.4.
func RecentRounds(ctx context.Context, q Queryer, auctionID string, limit int) ([]domain.Round, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+selectRoundCols+` FROM (
			SELECT `+selectRoundCols+` FROM rounds WHERE auction_id = $1
			ORDER BY round_number DESC LIMIT $2
		) recent ORDER BY round_number ASC`, auctionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}
