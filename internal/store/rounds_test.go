package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sealedbid/auctionengine/internal/domain"
)

func TestInsertRound_EmptyWinnersMarshalsAsEmptyArray(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO rounds`).
		WithArgs("r1", "auc1", int64(1), sqlmock.AnyArg(), int64(0), []byte("[]")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	tx, err := db.Begin()
	require.NoError(t, err)
	err = InsertRound(context.Background(), tx, domain.Round{ID: "r1", AuctionID: "auc1", RoundNumber: 1, EndedAt: time.Now().UTC()})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecentRounds_OrdersOldestFirst(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "auction_id", "round_number", "ended_at", "clearing_price", "winners"}).
		AddRow("r1", "auc1", int64(1), now, int64(100), []byte("[]")).
		AddRow("r2", "auc1", int64(2), now, int64(120), []byte(`[{"userId":"u1","amount":150,"giftSerial":1,"paid":120,"refunded":30}]`))
	mock.ExpectQuery(`SELECT .* FROM \(\s*SELECT .* FROM rounds WHERE auction_id = \$1\s*ORDER BY round_number DESC LIMIT \$2\s*\) recent ORDER BY round_number ASC`).
		WithArgs("auc1", 5).
		WillReturnRows(rows)

	out, err := RecentRounds(context.Background(), db, "auc1", 5)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, int64(1), out[0].RoundNumber)
	assert.Equal(t, int64(2), out[1].RoundNumber)
	require.Len(t, out[1].Winners, 1)
	assert.Equal(t, "u1", out[1].Winners[0].UserID)
	require.NoError(t, mock.ExpectationsWereMet())
}
