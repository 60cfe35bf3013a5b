package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/sealedbid/auctionengine/internal/domain"
)

// InsertUser creates a new zero-balance user row.
func InsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO users (id, created_at, available, reserved, spent, total_topups)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.CreatedAt, u.Balance.Available, u.Balance.Reserved, u.Balance.Spent, u.TotalTopups,
	)
	return err
}

func scanUser(row interface{ Scan(...any) error }) (*domain.User, error) {
	var u domain.User
	if err := row.Scan(&u.ID, &u.CreatedAt, &u.Balance.Available, &u.Balance.Reserved, &u.Balance.Spent, &u.TotalTopups); err != nil {
		return nil, err
	}
	return &u, nil
}

const selectUserCols = `id, created_at, available, reserved, spent, total_topups`

// GetUser reads a user row outside any particular transaction (used by
// read-only callers like the HTTP handler and the bot simulator).
func GetUser(ctx context.Context, q Queryer, id string) (*domain.User, error) {
	row := q.QueryRowContext(ctx, `SELECT `+selectUserCols+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return u, err
}

// GetUserForUpdate reads a user row inside tx with FOR UPDATE so concurrent
// writers within the same transaction serialize on this row.
func GetUserForUpdate(ctx context.Context, tx *sql.Tx, id string) (*domain.User, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+selectUserCols+` FROM users WHERE id = $1 FOR UPDATE`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return u, err
}

// UpdateBalance writes the new balance/totalTopups predicated on the
// previously-observed values (prev), so a concurrent mutation between read
// and write is surfaced as matched=false rather than silently overwritten.
func UpdateBalance(ctx context.Context, tx *sql.Tx, id string, prev domain.Balance, prevTotalTopups int64, next domain.Balance, nextTotalTopups int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE users SET available = $1, reserved = $2, spent = $3, total_topups = $4
		WHERE id = $5 AND available = $6 AND reserved = $7 AND spent = $8 AND total_topups = $9`,
		next.Available, next.Reserved, next.Spent, nextTotalTopups,
		id, prev.Available, prev.Reserved, prev.Spent, prevTotalTopups,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// Queryer is satisfied by both *sql.DB and *sql.Tx for read-only helpers.
type Queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// ErrNotFound is returned by single-row lookups when no row matches. It is
// distinct from apperr.ErrNotFound so the store package doesn't import the
// service-facing apperr package; callers translate it at the boundary.
var ErrNotFound = errors.New("store: not found")
