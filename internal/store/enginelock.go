package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/sealedbid/auctionengine/internal/domain"
)

// TryAcquireLock implements §4.6.1's leader election: upsert the singleton
// row predicated on (ownerId=self OR expiresAt<=now OR row missing), set
// ownerId=self and expiresAt=now+ttl. Returns true if self is the leader
// for this tick. A concurrent upsert racing on the primary key is treated as
// "not leader this tick" (the losing INSERT ... ON CONFLICT DO UPDATE ... WHERE
// updates nothing and a follow-up read shows another owner).
func (s *Store) TryAcquireLock(ctx context.Context, self string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	expires := now.Add(ttl)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO engine_locks (id, owner_id, expires_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (id) DO UPDATE SET
			owner_id = EXCLUDED.owner_id, expires_at = EXCLUDED.expires_at, updated_at = EXCLUDED.updated_at
		WHERE engine_locks.owner_id = $2 OR engine_locks.expires_at <= $4`,
		domain.EngineLockID, self, expires, now,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// Row exists and predicate failed to match — someone else owns it.
		return false, nil
	}

	// Confirm we actually hold it (guards the race where two self-upserts
	// from different processes with the same generated id would both
	// "succeed" against a stale row — not expected with uuid ids, but cheap
	// to verify).
	var owner string
	if err := s.db.QueryRowContext(ctx, `SELECT owner_id FROM engine_locks WHERE id = $1`, domain.EngineLockID).Scan(&owner); err != nil {
		return false, err
	}
	return owner == self, nil
}

func scanLock(row interface{ Scan(...any) error }) (*domain.EngineLock, error) {
	var l domain.EngineLock
	if err := row.Scan(&l.ID, &l.OwnerID, &l.ExpiresAt, &l.UpdatedAt); err != nil {
		return nil, err
	}
	return &l, nil
}

// GetLock reads the current lock row, or nil if it doesn't exist yet.
func (s *Store) GetLock(ctx context.Context) (*domain.EngineLock, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, owner_id, expires_at, updated_at FROM engine_locks WHERE id = $1`, domain.EngineLockID)
	l, err := scanLock(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return l, err
}
