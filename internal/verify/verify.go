// Package verify recomputes what the ledger claims: body hashes from stored
// bodies, chain links from chain order, and batch roots from member hashes.
// A mismatch is reported and audited, never repaired.
package verify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/basket/memledger/internal/audit"
	"github.com/basket/memledger/internal/bus"
	"github.com/basket/memledger/internal/canonical"
	"github.com/basket/memledger/internal/ledger"
	"github.com/basket/memledger/internal/persistence"
)

// Violation is one detected integrity failure.
type Violation struct {
	UserID  string `json:"user_id,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
	EntryID string `json:"entry_id,omitempty"`
	BatchID string `json:"batch_id,omitempty"`
	Reason  string `json:"reason"`
}

// Report summarizes one verification sweep.
type Report struct {
	ChainsChecked  int         `json:"chains_checked"`
	EntriesChecked int         `json:"entries_checked"`
	BatchesChecked int         `json:"batches_checked"`
	Violations     []Violation `json:"violations,omitempty"`
}

// Clean reports whether the sweep found no violations.
func (r *Report) Clean() bool { return len(r.Violations) == 0 }

// Auditor walks chains and batches and recomputes their hashes.
type Auditor struct {
	store *persistence.Store
	bus   *bus.Bus
	log   *slog.Logger
}

func New(store *persistence.Store, eventBus *bus.Bus, log *slog.Logger) *Auditor {
	if log == nil {
		log = slog.Default()
	}
	return &Auditor{store: store, bus: eventBus, log: log}
}

// VerifyChain recomputes every body hash and chain link of one (user, agent)
// chain in append order.
func (a *Auditor) VerifyChain(ctx context.Context, userID, agentID string) ([]Violation, error) {
	entries, err := a.store.ChainEntries(ctx, userID, agentID)
	if err != nil {
		return nil, err
	}

	var violations []Violation
	record := func(entryID, reason string) {
		violations = append(violations, Violation{
			UserID:  userID,
			AgentID: agentID,
			EntryID: entryID,
			Reason:  reason,
		})
	}

	var prevBodyHash string
	for i, e := range entries {
		recomputed, err := canonical.Hash(e.Body)
		if err != nil {
			record(e.ID, fmt.Sprintf("stored body is not hashable: %v", err))
		} else if recomputed != e.BodyHash {
			record(e.ID, fmt.Sprintf("body hash mismatch: stored %s, recomputed %s", e.BodyHash, recomputed))
		}

		if i == 0 {
			if e.PrevHash != nil {
				record(e.ID, fmt.Sprintf("chain head has prev_hash %s, want none", *e.PrevHash))
			}
		} else {
			switch {
			case e.PrevHash == nil:
				record(e.ID, "non-genesis entry has no prev_hash")
			case *e.PrevHash != prevBodyHash:
				record(e.ID, fmt.Sprintf("chain break: prev_hash %s does not match predecessor body hash %s", *e.PrevHash, prevBodyHash))
			}
		}
		prevBodyHash = e.BodyHash
	}

	a.report(ctx, violations)
	return violations, nil
}

// VerifyBatch recomputes a batch's root hash from its members in canonical
// order and cross-checks the stored membership metadata.
func (a *Auditor) VerifyBatch(ctx context.Context, batchID string) ([]Violation, error) {
	b, err := a.store.GetBatch(ctx, "", batchID, true)
	if err != nil {
		return nil, err
	}
	members, err := a.store.BatchMembers(ctx, batchID)
	if err != nil {
		return nil, err
	}

	var violations []Violation
	record := func(reason string) {
		violations = append(violations, Violation{
			UserID:  b.UserID,
			BatchID: batchID,
			Reason:  reason,
		})
	}

	if len(members) != b.EntryCount {
		record(fmt.Sprintf("member count %d does not match recorded entry_count %d", len(members), b.EntryCount))
	}
	if len(members) > 0 {
		if b.FromID == nil || *b.FromID != members[0].ID {
			record("from_id does not match first member in canonical order")
		}
		if b.ToID == nil || *b.ToID != members[len(members)-1].ID {
			record("to_id does not match last member in canonical order")
		}
	}

	hashes := make([]string, len(members))
	for i, m := range members {
		hashes[i] = m.BodyHash
	}
	if recomputed := canonical.HashHexConcat(hashes); recomputed != b.RootHash {
		record(fmt.Sprintf("root hash mismatch: stored %s, recomputed %s", b.RootHash, recomputed))
	}

	a.report(ctx, violations)
	return violations, nil
}

// Sweep verifies every chain and every batch in the store.
func (a *Auditor) Sweep(ctx context.Context) (*Report, error) {
	report := &Report{}

	chains, err := a.store.Chains(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range chains {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entries, err := a.store.ChainEntries(ctx, c[0], c[1])
		if err != nil {
			return nil, err
		}
		report.EntriesChecked += len(entries)

		violations, err := a.VerifyChain(ctx, c[0], c[1])
		if err != nil {
			return nil, err
		}
		report.ChainsChecked++
		report.Violations = append(report.Violations, violations...)
	}

	batchIDs, err := a.store.AllBatchIDs(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range batchIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		violations, err := a.VerifyBatch(ctx, id)
		if err != nil {
			return nil, err
		}
		report.BatchesChecked++
		report.Violations = append(report.Violations, violations...)
	}

	if report.Clean() {
		a.log.Debug("verification sweep clean",
			"chains", report.ChainsChecked,
			"entries", report.EntriesChecked,
			"batches", report.BatchesChecked)
	} else {
		a.log.Error("verification sweep found violations",
			"violations", len(report.Violations))
	}
	return report, nil
}

func (a *Auditor) report(ctx context.Context, violations []Violation) {
	for _, v := range violations {
		subject := v.EntryID
		if subject == "" {
			subject = v.BatchID
		}
		a.log.Error("ledger integrity violation",
			"user_id", v.UserID,
			"agent_id", v.AgentID,
			"entry_id", v.EntryID,
			"batch_id", v.BatchID,
			"reason", v.Reason)
		audit.Record(ctx, "violation", "ledger.verify", v.Reason, subject)
		if a.bus != nil {
			a.bus.Publish(bus.TopicIntegrityViolation, bus.IntegrityViolationEvent{
				UserID:  v.UserID,
				AgentID: v.AgentID,
				EntryID: v.EntryID,
				BatchID: v.BatchID,
				Reason:  v.Reason,
			})
		}
	}
}

// Err converts a non-empty violation set into an INTEGRITY error for callers
// that need a failure, not a report.
func Err(violations []Violation) error {
	if len(violations) == 0 {
		return nil
	}
	return ledger.Integrityf("%d integrity violation(s), first: %s", len(violations), violations[0].Reason)
}
