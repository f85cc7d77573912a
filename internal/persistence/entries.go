package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/basket/memledger/internal/bus"
	"github.com/basket/memledger/internal/canonical"
	"github.com/basket/memledger/internal/ledger"
	"github.com/basket/memledger/internal/shared"
	"github.com/google/uuid"
)

// AppendEntry validates a submission, links it to the tail of its (user,
// agent) chain, and persists exactly one immutable row. The read-link-insert
// sequence runs in a single transaction on the store's only connection, so
// concurrent appends on the same chain serialize and each one links to the
// tail its transaction observed. prev_hash carries no uniqueness constraint:
// an agent may legitimately record the same body twice in a row, which makes
// consecutive entries share a body hash. The bool reports an idempotency-key
// replay: the returned entry is the original row and no bus event is
// published.
func (s *Store) AppendEntry(ctx context.Context, e ledger.NewEntry) (*ledger.Entry, bool, error) {
	if _, err := ledger.ValidateNewEntry(e); err != nil {
		return nil, false, err
	}
	bodyHash, err := canonical.Hash(e.Body)
	if err != nil {
		return nil, false, ledger.Validationf("body_json", "body is not hashable: %v", err)
	}

	out, replayed, err := s.appendOnce(ctx, e, bodyHash)
	if err != nil {
		return nil, false, err
	}

	if s.bus != nil && !replayed {
		s.bus.Publish(bus.TopicEntryAppended, bus.EntryAppendedEvent{
			EntryID:  out.ID,
			UserID:   out.UserID,
			AgentID:  out.AgentID,
			BodyHash: out.BodyHash,
			TraceID:  shared.TraceID(ctx),
		})
	}
	return out, replayed, nil
}

func (s *Store) appendOnce(ctx context.Context, e ledger.NewEntry, bodyHash string) (*ledger.Entry, bool, error) {
	var out *ledger.Entry
	var replayed bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin append tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if e.IdempotencyKey != "" {
			original, found, err := s.dedupLookupTx(ctx, tx, e.UserID, e.IdempotencyKey, bodyHash)
			if err != nil {
				return err
			}
			if found {
				out = original
				replayed = true
				return nil
			}
		}

		prevHash, err := chainTailTx(ctx, tx, e.UserID, e.AgentID)
		if err != nil {
			return err
		}

		entryID := uuid.NewString()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (id, user_id, agent_id, entry_type, body_json, body_hash, prev_hash, shared, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, entryID, e.UserID, e.AgentID, string(e.EntryType), string(e.Body), bodyHash, prevHash, e.Shared); err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}

		if e.IdempotencyKey != "" {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO ledger_dedup (user_id, idempotency_key, entry_id, body_hash, created_at)
				VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP);
			`, e.UserID, e.IdempotencyKey, entryID, bodyHash); err != nil {
				if isUniqueViolation(err, "ledger_dedup") {
					return ledger.Conflictf("idempotency key %q raced with another submission", e.IdempotencyKey)
				}
				return fmt.Errorf("insert dedup row: %w", err)
			}
		}

		persisted, err := getEntryTx(ctx, tx, entryID)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit append tx: %w", err)
		}
		out = persisted
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, replayed, nil
}

// chainTailTx returns the body_hash of the most recent entry on the (user,
// agent) chain, or NULL for a chain with no entries. Ties on created_at are
// broken by insertion order.
func chainTailTx(ctx context.Context, tx *sql.Tx, userID, agentID string) (sql.NullString, error) {
	var tail sql.NullString
	err := tx.QueryRowContext(ctx, `
		SELECT body_hash
		FROM ledger_entries
		WHERE user_id = ? AND agent_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1;
	`, userID, agentID).Scan(&tail)
	if errors.Is(err, sql.ErrNoRows) {
		return sql.NullString{}, nil
	}
	if err != nil {
		return sql.NullString{}, fmt.Errorf("select chain tail: %w", err)
	}
	return sql.NullString{Valid: true, String: tail.String}, nil
}

// dedupLookupTx resolves an idempotency key to its original entry. A key
// reused with a different body is a conflict, not a replay.
func (s *Store) dedupLookupTx(ctx context.Context, tx *sql.Tx, userID, key, bodyHash string) (*ledger.Entry, bool, error) {
	var entryID, storedHash string
	err := tx.QueryRowContext(ctx, `
		SELECT entry_id, body_hash
		FROM ledger_dedup
		WHERE user_id = ? AND idempotency_key = ?;
	`, userID, key).Scan(&entryID, &storedHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("select dedup row: %w", err)
	}
	if storedHash != bodyHash {
		return nil, false, ledger.Conflictf("idempotency key %q was already used with a different body", key)
	}
	entry, err := getEntryTx(ctx, tx, entryID)
	if err != nil {
		return nil, false, err
	}
	return entry, true, nil
}

const entryColumns = `id, user_id, agent_id, entry_type, body_json, body_hash, prev_hash, batch_id, shared, created_at`

func scanEntry(scanFn func(dest ...any) error) (*ledger.Entry, error) {
	var e ledger.Entry
	var body string
	var prevHash, batchID sql.NullString
	if err := scanFn(
		&e.ID,
		&e.UserID,
		&e.AgentID,
		&e.EntryType,
		&body,
		&e.BodyHash,
		&prevHash,
		&batchID,
		&e.Shared,
		&e.CreatedAt,
	); err != nil {
		return nil, err
	}
	e.Body = []byte(body)
	if prevHash.Valid {
		v := prevHash.String
		e.PrevHash = &v
	}
	if batchID.Valid {
		v := batchID.String
		e.BatchID = &v
	}
	return &e, nil
}

func getEntryTx(ctx context.Context, tx *sql.Tx, id string) (*ledger.Entry, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = ?;`, id)
	entry, err := scanEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.NotFoundf("entry %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("scan entry: %w", err)
	}
	return entry, nil
}

// GetEntry fetches one entry scoped to its owner. Admin callers bypass the
// owner check; non-owners may read entries flagged shared.
func (s *Store) GetEntry(ctx context.Context, userID, id string, admin bool) (*ledger.Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = ?;`, id)
	entry, err := scanEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.NotFoundf("entry %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("scan entry: %w", err)
	}
	if !admin && entry.UserID != userID && !entry.Shared {
		// Existence of a foreign entry is not disclosed.
		return nil, ledger.NotFoundf("entry %q not found", id)
	}
	return entry, nil
}

// ListEntries returns the caller's entries, newest last, optionally narrowed
// by agent, type, or batch membership.
func (s *Store) ListEntries(ctx context.Context, userID string, f ledger.EntryFilter) ([]*ledger.Entry, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE user_id = ?`
	args := []any{userID}
	if f.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, f.AgentID)
	}
	if f.EntryType != "" {
		query += ` AND entry_type = ?`
		args = append(args, string(f.EntryType))
	}
	if f.BatchID != "" {
		query += ` AND batch_id = ?`
		args = append(args, f.BatchID)
	}
	query += ` ORDER BY created_at ASC, rowid ASC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var out []*ledger.Entry
	for rows.Next() {
		entry, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("entry rows: %w", err)
	}
	return out, nil
}
