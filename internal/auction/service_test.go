package auction

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sealedbid/auctionengine/internal/apperr"
	"github.com/sealedbid/auctionengine/internal/domain"
	"github.com/sealedbid/auctionengine/internal/store"
)

func auctionRowsForTest(id string, roundEndsAt time.Time, cfg domain.AuctionConfig) *sqlmock.Rows {
	now := time.Now().UTC()
	open := "open"
	cfgRaw, err := json.Marshal(cfg)
	if err != nil {
		panic(err)
	}
	return sqlmock.NewRows([]string{
		"id", "created_at", "updated_at", "title", "state", "total_quantity",
		"awarded_count", "revenue", "current_round", "consecutive_empty_rounds",
		"round_state", "round_ends_at", "ends_at", "ended_at", "end_reason",
		"closing_token", "closing_started_at", "version", "config",
	}).AddRow(
		id, now, now, "widget", "running", int64(10),
		int64(0), int64(0), int64(1), int64(0),
		open, roundEndsAt, nil, nil, nil,
		nil, nil, int64(1), cfgRaw,
	)
}

// openAuctionRow mocks the GetAuctionForUpdate read at the top of
// placeBidOnce/Withdraw/StartAuction/CancelAuction.
func openAuctionRow(mock sqlmock.Sqlmock, id string, roundEndsAt time.Time, cfg domain.AuctionConfig) {
	mock.ExpectQuery(`SELECT .* FROM auctions WHERE id = \$1 FOR UPDATE`).
		WithArgs(id).
		WillReturnRows(auctionRowsForTest(id, roundEndsAt, cfg))
}

// openAuctionRowNoLock mocks the plain (non-locking) GetAuction re-read at
// the end of placeBidOnce, which reflects whatever the transaction just
// committed — tests pass the post-update roundEndsAt here.
func openAuctionRowNoLock(mock sqlmock.Sqlmock, id string, roundEndsAt time.Time, cfg domain.AuctionConfig) {
	mock.ExpectQuery(`SELECT .* FROM auctions WHERE id = \$1$`).
		WithArgs(id).
		WillReturnRows(auctionRowsForTest(id, roundEndsAt, cfg))
}

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	st := store.NewWithDB(db)
	svc := NewService(st, nil, time.Second)
	return svc, mock, func() { db.Close() }
}

func TestCreateUser_InsertsZeroBalanceRow(t *testing.T) {
	svc, mock, cleanup := newTestService(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO users`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), int64(0), int64(0), int64(0), int64(0)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	u, err := svc.CreateUser(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, u.ID)
	assert.Equal(t, int64(0), u.Balance.Available)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTopup_UserNotFound(t *testing.T) {
	svc, mock, cleanup := newTestService(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, created_at, available, reserved, spent, total_topups FROM users WHERE id = \$1 FOR UPDATE`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(nil))
	mock.ExpectRollback()

	_, err := svc.Topup(context.Background(), "missing", 100)
	require.Error(t, err)
	assert.Equal(t, apperr.NotFound, apperr.CodeOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTopup_RejectsNonPositiveAmount(t *testing.T) {
	svc, _, cleanup := newTestService(t)
	defer cleanup()

	_, err := svc.Topup(context.Background(), "u1", 0)
	require.Error(t, err)
	assert.Equal(t, apperr.InvalidInput, apperr.CodeOf(err))
}

func TestTopup_Success(t *testing.T) {
	svc, mock, cleanup := newTestService(t)
	defer cleanup()

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, created_at, available, reserved, spent, total_topups FROM users WHERE id = \$1 FOR UPDATE`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "available", "reserved", "spent", "total_topups"}).
			AddRow("u1", now, int64(0), int64(0), int64(0), int64(0)))
	mock.ExpectExec(`UPDATE users SET`).
		WithArgs(int64(500), int64(0), int64(0), int64(500), "u1", int64(0), int64(0), int64(0), int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO ledger_entries`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "u1", "topup", int64(500), nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	u, err := svc.Topup(context.Background(), "u1", 500)
	require.NoError(t, err)
	assert.Equal(t, int64(500), u.Balance.Available)
	assert.Equal(t, int64(500), u.TotalTopups)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestPlaceBid_RetriesOnUniqueViolationThenSucceedsAsRaise exercises §4.3's
// step-4 race: two first-time placements collide on the bids unique index,
// the loser's InsertBid fails 23505, WithTxn surfaces that un-retried, and
// PlaceBid's own loop re-reads the now-existing bid and raises it instead.
func TestPlaceBid_RetriesOnUniqueViolationThenSucceedsAsRaise(t *testing.T) {
	svc, mock, cleanup := newTestService(t)
	defer cleanup()

	cfg := domain.DefaultAuctionConfig()
	roundEndsAt := time.Now().UTC().Add(5 * time.Minute)
	now := time.Now().UTC()

	// Attempt 1: treated as a first-time placement, loses the race on insert.
	mock.ExpectBegin()
	openAuctionRow(mock, "auc1", roundEndsAt, cfg)
	mock.ExpectQuery(`SELECT .* FROM bids WHERE auction_id = \$1 AND user_id = \$2 FOR UPDATE`).
		WithArgs("auc1", "u1").
		WillReturnRows(sqlmock.NewRows(nil))
	mock.ExpectQuery(`SELECT id, created_at, available, reserved, spent, total_topups FROM users WHERE id = \$1 FOR UPDATE`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "available", "reserved", "spent", "total_topups"}).
			AddRow("u1", now, int64(1000), int64(0), int64(0), int64(1000)))
	mock.ExpectExec(`UPDATE users SET`).
		WithArgs(int64(900), int64(100), int64(0), int64(1000), "u1", int64(1000), int64(0), int64(0), int64(1000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO bids`).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	// Attempt 2: the losing bid now exists (placed by the concurrent winner),
	// so this is a raise instead of an insert.
	mock.ExpectBegin()
	openAuctionRow(mock, "auc1", roundEndsAt, cfg)
	mock.ExpectQuery(`SELECT .* FROM bids WHERE auction_id = \$1 AND user_id = \$2 FOR UPDATE`).
		WithArgs("auc1", "u1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "auction_id", "user_id", "created_at", "updated_at", "last_bid_at", "amount", "status", "settlement",
		}).AddRow("bid1", "auc1", "u1", now, now, now, int64(50), "active", nil))
	mock.ExpectQuery(`SELECT id, created_at, available, reserved, spent, total_topups FROM users WHERE id = \$1 FOR UPDATE`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "available", "reserved", "spent", "total_topups"}).
			AddRow("u1", now, int64(950), int64(50), int64(0), int64(1000)))
	mock.ExpectExec(`UPDATE users SET`).
		WithArgs(int64(900), int64(100), int64(0), int64(1000), "u1", int64(950), int64(50), int64(0), int64(1000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE bids SET amount`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO ledger_entries`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE auctions SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	openAuctionRowNoLock(mock, "auc1", roundEndsAt, cfg)
	mock.ExpectCommit()

	auc, bid, err := svc.PlaceBid(context.Background(), "auc1", "u1", 100)
	require.NoError(t, err)
	assert.Equal(t, "auc1", auc.ID)
	assert.Equal(t, int64(100), bid.Amount)
	assert.Equal(t, domain.BidActive, bid.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestPlaceBid_ExtendsRoundWhenInsideAntiSnipeWindow exercises §4.3 step 6:
// a bid placed inside the configured anti-snipe window extends round_ends_at
// via ExtendRoundEndsAt instead of the plain UpdateAuctionFull path.
func TestPlaceBid_ExtendsRoundWhenInsideAntiSnipeWindow(t *testing.T) {
	svc, mock, cleanup := newTestService(t)
	defer cleanup()

	cfg := domain.DefaultAuctionConfig()
	now := time.Now().UTC()
	roundEndsAt := now.Add(3 * time.Second) // inside the 10s anti-snipe window

	mock.ExpectBegin()
	openAuctionRow(mock, "auc1", roundEndsAt, cfg)
	mock.ExpectQuery(`SELECT .* FROM bids WHERE auction_id = \$1 AND user_id = \$2 FOR UPDATE`).
		WithArgs("auc1", "u1").
		WillReturnRows(sqlmock.NewRows(nil))
	mock.ExpectQuery(`SELECT id, created_at, available, reserved, spent, total_topups FROM users WHERE id = \$1 FOR UPDATE`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "available", "reserved", "spent", "total_topups"}).
			AddRow("u1", now, int64(1000), int64(0), int64(0), int64(1000)))
	mock.ExpectExec(`UPDATE users SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO bids`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO ledger_entries`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE auctions SET\s+round_ends_at = LEAST`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	openAuctionRowNoLock(mock, "auc1", roundEndsAt.Add(10*time.Second), cfg)
	mock.ExpectCommit()

	_, _, err := svc.PlaceBid(context.Background(), "auc1", "u1", 100)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
