package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/basket/memledger/internal/bus"
	"github.com/basket/memledger/internal/canonical"
	"github.com/basket/memledger/internal/ledger"
	"github.com/google/uuid"
)

// CreateBatch aggregates the given entries into one batch owned by userID.
// Every referenced entry must exist, belong to the user, and not already be
// a member of a batch. The batch row and all membership updates commit in a
// single transaction; the root hash is computed over member body hashes in
// canonical (created_at, id) order.
func (s *Store) CreateBatch(ctx context.Context, userID string, entryIDs []string) (*ledger.Batch, error) {
	if userID == "" {
		return nil, ledger.Unauthorizedf("user identity is required")
	}
	if len(entryIDs) == 0 {
		return nil, ledger.Validationf("entry_ids", "a batch needs at least one entry")
	}
	seen := make(map[string]struct{}, len(entryIDs))
	for _, id := range entryIDs {
		if id == "" {
			return nil, ledger.Validationf("entry_ids", "entry id must not be empty")
		}
		if _, dup := seen[id]; dup {
			return nil, ledger.Validationf("entry_ids", "entry %q listed more than once", id)
		}
		seen[id] = struct{}{}
	}

	var out *ledger.Batch
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin batch tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		members := make([]*ledger.Entry, 0, len(entryIDs))
		for _, id := range entryIDs {
			e, err := getEntryTx(ctx, tx, id)
			if err != nil {
				return err
			}
			if e.UserID != userID {
				// Foreign entries read as absent.
				return ledger.NotFoundf("entry %q not found", id)
			}
			if e.BatchID != nil {
				return ledger.Conflictf("entry %q already belongs to batch %q", id, *e.BatchID)
			}
			members = append(members, e)
		}

		sort.Slice(members, func(i, j int) bool {
			if !members[i].CreatedAt.Equal(members[j].CreatedAt) {
				return members[i].CreatedAt.Before(members[j].CreatedAt)
			}
			return members[i].ID < members[j].ID
		})

		hashes := make([]string, len(members))
		for i, m := range members {
			hashes[i] = m.BodyHash
		}
		rootHash := canonical.HashHexConcat(hashes)

		batchID := uuid.NewString()
		fromID := members[0].ID
		toID := members[len(members)-1].ID
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_batches (id, user_id, root_hash, entry_count, from_id, to_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, batchID, userID, rootHash, len(members), fromID, toID); err != nil {
			return fmt.Errorf("insert batch: %w", err)
		}

		for _, m := range members {
			res, err := tx.ExecContext(ctx, `
				UPDATE ledger_entries SET batch_id = ? WHERE id = ? AND batch_id IS NULL;
			`, batchID, m.ID)
			if err != nil {
				return fmt.Errorf("assign entry %s to batch: %w", m.ID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("assign entry %s to batch: %w", m.ID, err)
			}
			if n != 1 {
				// A concurrent batch claimed this entry between our read and update.
				return ledger.Conflictf("entry %q was batched concurrently", m.ID)
			}
		}

		persisted, err := getBatchTx(ctx, tx, batchID)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit batch tx: %w", err)
		}
		out = persisted
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.bus != nil {
		s.bus.Publish(bus.TopicBatchCreated, bus.BatchCreatedEvent{
			BatchID:    out.ID,
			UserID:     out.UserID,
			RootHash:   out.RootHash,
			EntryCount: out.EntryCount,
		})
	}
	return out, nil
}

const batchColumns = `id, user_id, root_hash, entry_count, from_id, to_id, l2_tx, l2_block_number, created_at`

func scanBatch(scanFn func(dest ...any) error) (*ledger.Batch, error) {
	var b ledger.Batch
	var fromID, toID, l2Tx sql.NullString
	var l2Block sql.NullInt64
	if err := scanFn(
		&b.ID,
		&b.UserID,
		&b.RootHash,
		&b.EntryCount,
		&fromID,
		&toID,
		&l2Tx,
		&l2Block,
		&b.CreatedAt,
	); err != nil {
		return nil, err
	}
	if fromID.Valid {
		v := fromID.String
		b.FromID = &v
	}
	if toID.Valid {
		v := toID.String
		b.ToID = &v
	}
	if l2Tx.Valid {
		v := l2Tx.String
		b.L2Tx = &v
	}
	if l2Block.Valid {
		v := l2Block.Int64
		b.L2BlockNumber = &v
	}
	return &b, nil
}

func getBatchTx(ctx context.Context, tx *sql.Tx, id string) (*ledger.Batch, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM ledger_batches WHERE id = ?;`, id)
	b, err := scanBatch(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.NotFoundf("batch %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("scan batch: %w", err)
	}
	return b, nil
}

// GetBatch fetches one batch scoped to its owner. Admin callers bypass the
// owner check.
func (s *Store) GetBatch(ctx context.Context, userID, id string, admin bool) (*ledger.Batch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM ledger_batches WHERE id = ?;`, id)
	b, err := scanBatch(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.NotFoundf("batch %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("scan batch: %w", err)
	}
	if !admin && b.UserID != userID {
		return nil, ledger.NotFoundf("batch %q not found", id)
	}
	return b, nil
}

// ListBatches returns the caller's batches, oldest first.
func (s *Store) ListBatches(ctx context.Context, userID string, limit int) ([]*ledger.Batch, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+batchColumns+`
		FROM ledger_batches
		WHERE user_id = ?
		ORDER BY created_at ASC, rowid ASC
		LIMIT ?;
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()

	var out []*ledger.Batch
	for rows.Next() {
		b, err := scanBatch(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("batch rows: %w", err)
	}
	return out, nil
}

// BatchMembers returns the member entries of a batch in canonical root-hash
// order.
func (s *Store) BatchMembers(ctx context.Context, batchID string) ([]*ledger.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE batch_id = ?
		ORDER BY created_at ASC, id ASC;
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("query batch members: %w", err)
	}
	defer rows.Close()

	var out []*ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan batch member: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("batch member rows: %w", err)
	}
	return out, nil
}

// AttachAnchor records the external anchor references for a batch. Anchor
// fields are set-once; a second attach is a conflict even with identical
// values.
func (s *Store) AttachAnchor(ctx context.Context, userID, batchID, l2Tx string, l2BlockNumber int64, admin bool) (*ledger.Batch, error) {
	if l2Tx == "" {
		return nil, ledger.Validationf("l2_tx", "anchor transaction reference is required")
	}
	if l2BlockNumber < 0 {
		return nil, ledger.Validationf("l2_block_number", "block number must not be negative")
	}

	var out *ledger.Batch
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin anchor tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		b, err := getBatchTx(ctx, tx, batchID)
		if err != nil {
			return err
		}
		if !admin && b.UserID != userID {
			return ledger.NotFoundf("batch %q not found", batchID)
		}
		if b.L2Tx != nil {
			return ledger.Conflictf("batch %q is already anchored", batchID)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE ledger_batches
			SET l2_tx = ?, l2_block_number = ?
			WHERE id = ? AND l2_tx IS NULL;
		`, l2Tx, l2BlockNumber, batchID)
		if err != nil {
			return fmt.Errorf("anchor batch: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("anchor batch: %w", err)
		}
		if n != 1 {
			return ledger.Conflictf("batch %q is already anchored", batchID)
		}

		persisted, err := getBatchTx(ctx, tx, batchID)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit anchor tx: %w", err)
		}
		out = persisted
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.bus != nil {
		s.bus.Publish(bus.TopicBatchAnchored, bus.BatchAnchoredEvent{
			BatchID:       out.ID,
			L2Tx:          l2Tx,
			L2BlockNumber: l2BlockNumber,
		})
	}
	return out, nil
}

// UsersWithUnbatched lists users that own at least minEntries entries not yet
// assigned to a batch. The scheduler drives batch creation off this set.
func (s *Store) UsersWithUnbatched(ctx context.Context, minEntries int) ([]string, error) {
	if minEntries < 1 {
		minEntries = 1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id
		FROM ledger_entries
		WHERE batch_id IS NULL
		GROUP BY user_id
		HAVING COUNT(*) >= ?
		ORDER BY user_id;
	`, minEntries)
	if err != nil {
		return nil, fmt.Errorf("query unbatched users: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan unbatched user: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("unbatched user rows: %w", err)
	}
	return out, nil
}

// UnbatchedEntryIDs returns up to limit of a user's unbatched entry IDs in
// canonical order.
func (s *Store) UnbatchedEntryIDs(ctx context.Context, userID string, limit int) ([]string, error) {
	if limit <= 0 || limit > 1000 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id
		FROM ledger_entries
		WHERE user_id = ? AND batch_id IS NULL
		ORDER BY created_at ASC, id ASC
		LIMIT ?;
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query unbatched entries: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan unbatched entry: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("unbatched entry rows: %w", err)
	}
	return out, nil
}
