package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/sealedbid/auctionengine/internal/domain"
)

const selectAuctionCols = `id, created_at, updated_at, title, state, total_quantity,
	awarded_count, revenue, current_round, consecutive_empty_rounds,
	round_state, round_ends_at, ends_at, ended_at, end_reason,
	closing_token, closing_started_at, version, config`

func scanAuction(row interface{ Scan(...any) error }) (*domain.Auction, error) {
	var a domain.Auction
	var roundState, endReason, closingToken sql.NullString
	var roundEndsAt, endsAt, endedAt, closingStartedAt sql.NullTime
	var configRaw []byte

	if err := row.Scan(
		&a.ID, &a.CreatedAt, &a.UpdatedAt, &a.Title, &a.State, &a.TotalQuantity,
		&a.AwardedCount, &a.Revenue, &a.CurrentRound, &a.ConsecutiveEmptyRounds,
		&roundState, &roundEndsAt, &endsAt, &endedAt, &endReason,
		&closingToken, &closingStartedAt, &a.Version, &configRaw,
	); err != nil {
		return nil, err
	}

	if roundState.Valid {
		rs := domain.RoundState(roundState.String)
		a.RoundState = &rs
	}
	if roundEndsAt.Valid {
		t := roundEndsAt.Time
		a.RoundEndsAt = &t
	}
	if endsAt.Valid {
		t := endsAt.Time
		a.EndsAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		a.EndedAt = &t
	}
	if endReason.Valid {
		er := domain.EndReason(endReason.String)
		a.EndReason = &er
	}
	if closingToken.Valid {
		ct := closingToken.String
		a.ClosingToken = &ct
	}
	if closingStartedAt.Valid {
		t := closingStartedAt.Time
		a.ClosingStartedAt = &t
	}
	if err := unmarshalJSON(configRaw, &a.Config); err != nil {
		return nil, err
	}
	return &a, nil
}

func nullableString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func InsertAuction(ctx context.Context, tx *sql.Tx, a domain.Auction) error {
	configRaw, err := marshalJSON(a.Config)
	if err != nil {
		return err
	}
	var roundState *string
	if a.RoundState != nil {
		s := string(*a.RoundState)
		roundState = &s
	}
	var endReason *string
	if a.EndReason != nil {
		s := string(*a.EndReason)
		endReason = &s
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO auctions (id, created_at, updated_at, title, state, total_quantity,
			awarded_count, revenue, current_round, consecutive_empty_rounds,
			round_state, round_ends_at, ends_at, ended_at, end_reason,
			closing_token, closing_started_at, version, config)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		a.ID, a.CreatedAt, a.UpdatedAt, a.Title, a.State, a.TotalQuantity,
		a.AwardedCount, a.Revenue, a.CurrentRound, a.ConsecutiveEmptyRounds,
		nullableString(roundState), nullableTime(a.RoundEndsAt), nullableTime(a.EndsAt), nullableTime(a.EndedAt), nullableString(endReason),
		nullableString(a.ClosingToken), nullableTime(a.ClosingStartedAt), a.Version, configRaw,
	)
	return err
}

func GetAuction(ctx context.Context, q Queryer, id string) (*domain.Auction, error) {
	row := q.QueryRowContext(ctx, `SELECT `+selectAuctionCols+` FROM auctions WHERE id = $1`, id)
	a, err := scanAuction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

func GetAuctionForUpdate(ctx context.Context, tx *sql.Tx, id string) (*domain.Auction, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+selectAuctionCols+` FROM auctions WHERE id = $1 FOR UPDATE`, id)
	a, err := scanAuction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

func ListAuctions(ctx context.Context, q Queryer) ([]domain.Auction, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+selectAuctionCols+` FROM auctions ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// UpdateAuctionFull writes every mutable column of a, predicated on the
// auction's previous version (optimistic concurrency, §3 "version —
// monotonic integer, bumped on every meaningful update"). Callers bump
// a.Version before calling.
func UpdateAuctionFull(ctx context.Context, tx *sql.Tx, a domain.Auction, prevVersion int64) (bool, error) {
	configRaw, err := marshalJSON(a.Config)
	if err != nil {
		return false, err
	}
	var roundState, endReason *string
	if a.RoundState != nil {
		s := string(*a.RoundState)
		roundState = &s
	}
	if a.EndReason != nil {
		s := string(*a.EndReason)
		endReason = &s
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE auctions SET
			updated_at = $1, state = $2, awarded_count = $3, revenue = $4,
			current_round = $5, consecutive_empty_rounds = $6,
			round_state = $7, round_ends_at = $8, ends_at = $9, ended_at = $10,
			end_reason = $11, closing_token = $12, closing_started_at = $13,
			version = $14, config = $15
		WHERE id = $16 AND version = $17`,
		a.UpdatedAt, a.State, a.AwardedCount, a.Revenue,
		a.CurrentRound, a.ConsecutiveEmptyRounds,
		nullableString(roundState), nullableTime(a.RoundEndsAt), nullableTime(a.EndsAt), nullableTime(a.EndedAt),
		nullableString(endReason), nullableString(a.ClosingToken), nullableTime(a.ClosingStartedAt),
		a.Version, configRaw,
		a.ID, prevVersion,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ExtendRoundEndsAt applies the anti-snipe maximum-merge from §4.3 step 6:
// round_ends_at = GREATEST(round_ends_at, candidate), clamped to ends_at when
// set. This is a single predicated statement so concurrent placers only ever
// extend, never shorten or race each other into a lost update.
func ExtendRoundEndsAt(ctx context.Context, tx *sql.Tx, auctionID string, candidate time.Time, version int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE auctions SET
			round_ends_at = LEAST(
				GREATEST(round_ends_at, $1),
				COALESCE(ends_at, GREATEST(round_ends_at, $1))
			),
			version = $2,
			updated_at = $3
		WHERE id = $4 AND state = 'running' AND round_state = 'open'`,
		candidate, version, time.Now().UTC(), auctionID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkClosing CASes an auction from (running, open, roundEndsAt/endsAt due)
// into (running, closing, token), per §4.6.2(b).
func MarkClosing(ctx context.Context, tx *sql.Tx, auctionID string, now time.Time, grace time.Duration, token string, version int64) (bool, error) {
	cutoff := now.Add(-grace)
	res, err := tx.ExecContext(ctx, `
		UPDATE auctions SET
			round_state = 'closing', closing_token = $1, closing_started_at = $2,
			version = $3, updated_at = $2
		WHERE id = $4 AND state = 'running' AND round_state = 'open'
			AND (round_ends_at <= $5 OR ends_at <= $5)`,
		token, now, version, auctionID, cutoff,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// DueClosingCandidates returns up to limit auctions eligible for MarkClosing.
func DueClosingCandidates(ctx context.Context, q Queryer, now time.Time, grace time.Duration, limit int) ([]domain.Auction, error) {
	cutoff := now.Add(-grace)
	rows, err := q.QueryContext(ctx, `SELECT `+selectAuctionCols+` FROM auctions
		WHERE state = 'running' AND round_state = 'open'
			AND (round_ends_at <= $1 OR ends_at <= $1)
		ORDER BY id LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// InterruptedClosingCandidates returns up to limit auctions stuck in
// `closing` with a surviving token, per §4.6.2(a).
func InterruptedClosingCandidates(ctx context.Context, q Queryer, limit int) ([]domain.Auction, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+selectAuctionCols+` FROM auctions
		WHERE state = 'running' AND round_state = 'closing' AND closing_token IS NOT NULL
		ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// GetClosingByToken re-reads the auction predicated on
// state=running AND round_state=closing AND closing_token=token, §4.6.3 step 1.
func GetClosingByToken(ctx context.Context, tx *sql.Tx, auctionID, token string) (*domain.Auction, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+selectAuctionCols+` FROM auctions
		WHERE id = $1 AND state = 'running' AND round_state = 'closing' AND closing_token = $2
		FOR UPDATE`, auctionID, token)
	a, err := scanAuction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}
