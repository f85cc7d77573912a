package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/basket/memledger/internal/ledger"
)

// ListVerification returns the derived projection of entries joined to their
// batch. It is read-only; nothing is ever written back from this view. Scope
// is the caller's own entries unless admin is set.
func (s *Store) ListVerification(ctx context.Context, userID string, f ledger.EntryFilter, admin bool) ([]*ledger.VerificationRow, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `
		SELECT e.id, e.user_id, e.agent_id, e.entry_type, e.body_json, e.body_hash,
		       e.prev_hash, e.batch_id, e.shared, e.created_at,
		       b.root_hash, b.l2_tx, b.l2_block_number
		FROM ledger_entries e
		LEFT JOIN ledger_batches b ON b.id = e.batch_id`
	var args []any
	where := ``
	and := func(clause string, arg any) {
		if where == "" {
			where = ` WHERE ` + clause
		} else {
			where += ` AND ` + clause
		}
		args = append(args, arg)
	}
	if !admin {
		and(`e.user_id = ?`, userID)
	}
	if f.AgentID != "" {
		and(`e.agent_id = ?`, f.AgentID)
	}
	if f.EntryType != "" {
		and(`e.entry_type = ?`, string(f.EntryType))
	}
	if f.BatchID != "" {
		and(`e.batch_id = ?`, f.BatchID)
	}
	query += where + ` ORDER BY e.created_at ASC, e.rowid ASC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query verification: %w", err)
	}
	defer rows.Close()

	var out []*ledger.VerificationRow
	for rows.Next() {
		var r ledger.VerificationRow
		var body string
		var prevHash, batchID, rootHash, l2Tx sql.NullString
		var l2Block sql.NullInt64
		if err := rows.Scan(
			&r.ID,
			&r.UserID,
			&r.AgentID,
			&r.EntryType,
			&body,
			&r.BodyHash,
			&prevHash,
			&batchID,
			&r.Shared,
			&r.CreatedAt,
			&rootHash,
			&l2Tx,
			&l2Block,
		); err != nil {
			return nil, fmt.Errorf("scan verification row: %w", err)
		}
		r.Body = []byte(body)
		if prevHash.Valid {
			v := prevHash.String
			r.PrevHash = &v
		}
		if batchID.Valid {
			v := batchID.String
			r.BatchID = &v
		}
		if rootHash.Valid {
			v := rootHash.String
			r.RootHash = &v
		}
		if l2Tx.Valid {
			v := l2Tx.String
			r.L2Tx = &v
		}
		if l2Block.Valid {
			v := l2Block.Int64
			r.L2BlockNumber = &v
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("verification rows: %w", err)
	}
	return out, nil
}

// ChainEntries returns every entry of one (user, agent) chain in append order.
// The verifier walks this to recompute hashes and links.
func (s *Store) ChainEntries(ctx context.Context, userID, agentID string) ([]*ledger.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE user_id = ? AND agent_id = ?
		ORDER BY created_at ASC, rowid ASC;
	`, userID, agentID)
	if err != nil {
		return nil, fmt.Errorf("query chain: %w", err)
	}
	defer rows.Close()

	var out []*ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan chain entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chain rows: %w", err)
	}
	return out, nil
}

// Chains lists every distinct (user, agent) pair with at least one entry.
func (s *Store) Chains(ctx context.Context) ([][2]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT user_id, agent_id FROM ledger_entries ORDER BY user_id, agent_id;
	`)
	if err != nil {
		return nil, fmt.Errorf("query chains: %w", err)
	}
	defer rows.Close()

	var out [][2]string
	for rows.Next() {
		var u, a string
		if err := rows.Scan(&u, &a); err != nil {
			return nil, fmt.Errorf("scan chain pair: %w", err)
		}
		out = append(out, [2]string{u, a})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chain pair rows: %w", err)
	}
	return out, nil
}

// AllBatchIDs lists every batch ID, oldest first. The verifier uses this for
// full root-hash sweeps.
func (s *Store) AllBatchIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM ledger_batches ORDER BY created_at ASC, rowid ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query batch ids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan batch id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("batch id rows: %w", err)
	}
	return out, nil
}
