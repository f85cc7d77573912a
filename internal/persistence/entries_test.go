package persistence

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/basket/memledger/internal/ledger"
)

func TestAppendEntryChainLinks(t *testing.T) {
	s := newTestStore(t)

	first := mustAppend(t, s, "user-1", "agent-a", "genesis")
	if first.PrevHash != nil {
		t.Fatalf("genesis prev_hash = %v, want nil", *first.PrevHash)
	}
	if first.BodyHash == "" {
		t.Fatal("genesis body_hash is empty")
	}

	second := mustAppend(t, s, "user-1", "agent-a", "second")
	if second.PrevHash == nil || *second.PrevHash != first.BodyHash {
		t.Fatalf("second prev_hash = %v, want %q", second.PrevHash, first.BodyHash)
	}

	third := mustAppend(t, s, "user-1", "agent-a", "third")
	if third.PrevHash == nil || *third.PrevHash != second.BodyHash {
		t.Fatalf("third prev_hash = %v, want %q", third.PrevHash, second.BodyHash)
	}
}

func TestAppendEntryChainsIndependent(t *testing.T) {
	s := newTestStore(t)

	a := mustAppend(t, s, "user-1", "agent-a", "on a")
	b := mustAppend(t, s, "user-1", "agent-b", "on b")
	if a.PrevHash != nil || b.PrevHash != nil {
		t.Fatal("each agent chain must start at its own genesis")
	}

	// Same agent id under a different user is a separate chain too.
	other := mustAppend(t, s, "user-2", "agent-a", "other user")
	if other.PrevHash != nil {
		t.Fatalf("cross-user genesis prev_hash = %v, want nil", *other.PrevHash)
	}
}

func TestAppendEntryValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cases := []struct {
		name string
		in   ledger.NewEntry
		code ledger.Code
	}{
		{
			name: "missing user",
			in: ledger.NewEntry{
				AgentID:   "agent-a",
				EntryType: ledger.EntryTypeMemory,
				Body:      testBody("x"),
			},
			code: ledger.CodeUnauthorized,
		},
		{
			name: "missing agent",
			in: ledger.NewEntry{
				UserID:    "user-1",
				EntryType: ledger.EntryTypeMemory,
				Body:      testBody("x"),
			},
			code: ledger.CodeValidation,
		},
		{
			name: "unknown entry type",
			in: ledger.NewEntry{
				UserID:    "user-1",
				AgentID:   "agent-a",
				EntryType: "reflection",
				Body:      testBody("x"),
			},
			code: ledger.CodeValidation,
		},
		{
			name: "null content",
			in: ledger.NewEntry{
				UserID:    "user-1",
				AgentID:   "agent-a",
				EntryType: ledger.EntryTypeMemory,
				Body:      json.RawMessage(`{"actor":"user","content":null}`),
			},
			code: ledger.CodeValidation,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := s.AppendEntry(ctx, tc.in)
			if got := ledger.CodeOf(err); got != tc.code {
				t.Fatalf("code = %q (err %v), want %q", got, err, tc.code)
			}
		})
	}
}

func TestAppendEntryBodyHashIgnoresKeyOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e1, _, err := s.AppendEntry(ctx, ledger.NewEntry{
		UserID:    "user-1",
		AgentID:   "agent-a",
		EntryType: ledger.EntryTypeMemory,
		Body:      json.RawMessage(`{"actor":"user","content":"same"}`),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	e2, _, err := s.AppendEntry(ctx, ledger.NewEntry{
		UserID:    "user-1",
		AgentID:   "agent-b",
		EntryType: ledger.EntryTypeMemory,
		Body:      json.RawMessage(`{"content":"same","actor":"user"}`),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if e1.BodyHash != e2.BodyHash {
		t.Fatalf("hashes differ for semantically equal bodies: %q vs %q", e1.BodyHash, e2.BodyHash)
	}
}

func TestAppendEntryIdempotencyReplay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	submit := ledger.NewEntry{
		UserID:         "user-1",
		AgentID:        "agent-a",
		EntryType:      ledger.EntryTypeMemory,
		Body:           testBody("once"),
		IdempotencyKey: "key-1",
	}
	first, replayed, err := s.AppendEntry(ctx, submit)
	if err != nil {
		t.Fatalf("first append: %v", err)
	}
	if replayed {
		t.Fatal("first append reported as replay")
	}
	replay, replayed, err := s.AppendEntry(ctx, submit)
	if err != nil {
		t.Fatalf("replay append: %v", err)
	}
	if !replayed {
		t.Fatal("replay not reported as replay")
	}
	if replay.ID != first.ID || replay.BodyHash != first.BodyHash {
		t.Fatalf("replay returned a different entry: %q vs %q", replay.ID, first.ID)
	}

	c, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if c.Entries != 1 {
		t.Fatalf("entries = %d after replay, want 1", c.Entries)
	}

	// Same key, different body: conflict, not a silent overwrite.
	submit.Body = testBody("different")
	_, _, err = s.AppendEntry(ctx, submit)
	if !ledger.IsConflict(err) {
		t.Fatalf("expected conflict for key reuse with new body, got %v", err)
	}
}

func TestAppendEntryRepeatedIdenticalBodies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// An agent recording the same body twice in a row makes consecutive
	// entries share a body hash; the next append must still land.
	twin1 := mustAppend(t, s, "user-1", "agent-a", "same")
	twin2 := mustAppend(t, s, "user-1", "agent-a", "same")
	after := mustAppend(t, s, "user-1", "agent-a", "different")

	if twin1.BodyHash != twin2.BodyHash {
		t.Fatalf("identical bodies hashed differently: %q vs %q", twin1.BodyHash, twin2.BodyHash)
	}
	if twin2.PrevHash == nil || *twin2.PrevHash != twin1.BodyHash {
		t.Fatal("second twin does not link to the first")
	}
	if after.PrevHash == nil || *after.PrevHash != twin2.BodyHash {
		t.Fatal("append after twins does not link to the chain tail")
	}

	entries, err := s.ChainEntries(ctx, "user-1", "agent-a")
	if err != nil {
		t.Fatalf("chain entries: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("chain length = %d, want 3", len(entries))
	}
}

func TestGetEntryOwnerScope(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	private := mustAppend(t, s, "user-1", "agent-a", "private")

	shared, _, err := s.AppendEntry(ctx, ledger.NewEntry{
		UserID:    "user-1",
		AgentID:   "agent-a",
		EntryType: ledger.EntryTypeMemory,
		Body:      testBody("shared"),
		Shared:    true,
	})
	if err != nil {
		t.Fatalf("append shared: %v", err)
	}

	// Owner reads both.
	if _, err := s.GetEntry(ctx, "user-1", private.ID, false); err != nil {
		t.Fatalf("owner read: %v", err)
	}

	// A foreign user sees a private entry as absent.
	if _, err := s.GetEntry(ctx, "user-2", private.ID, false); ledger.CodeOf(err) != ledger.CodeNotFound {
		t.Fatalf("foreign read of private entry: %v, want NOT_FOUND", err)
	}

	// Shared entries cross the owner boundary.
	if _, err := s.GetEntry(ctx, "user-2", shared.ID, false); err != nil {
		t.Fatalf("foreign read of shared entry: %v", err)
	}

	// Admin bypasses ownership.
	if _, err := s.GetEntry(ctx, "user-2", private.ID, true); err != nil {
		t.Fatalf("admin read: %v", err)
	}
}

func TestListEntriesFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustAppend(t, s, "user-1", "agent-a", "a1")
	mustAppend(t, s, "user-1", "agent-a", "a2")
	mustAppend(t, s, "user-1", "agent-b", "b1")
	mustAppend(t, s, "user-2", "agent-a", "foreign")

	all, err := s.ListEntries(ctx, "user-1", ledger.EntryFilter{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("user-1 entries = %d, want 3", len(all))
	}

	onlyA, err := s.ListEntries(ctx, "user-1", ledger.EntryFilter{AgentID: "agent-a"})
	if err != nil {
		t.Fatalf("list agent-a: %v", err)
	}
	if len(onlyA) != 2 {
		t.Fatalf("agent-a entries = %d, want 2", len(onlyA))
	}

	none, err := s.ListEntries(ctx, "user-1", ledger.EntryFilter{EntryType: ledger.EntryTypeConsolidation})
	if err != nil {
		t.Fatalf("list consolidation: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("consolidation entries = %d, want 0", len(none))
	}
}

func TestAppendEntryConcurrentSameChain(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func(n int) {
			defer wg.Done()
			_, _, err := s.AppendEntry(ctx, ledger.NewEntry{
				UserID:    "user-1",
				AgentID:   "agent-a",
				EntryType: ledger.EntryTypeMemory,
				Body:      testBody(string(rune('a' + n))),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("unexpected append error: %v", err)
		}
	}

	// Serialized appends all commit and must form one unbroken chain.
	entries, err := s.ChainEntries(ctx, "user-1", "agent-a")
	if err != nil {
		t.Fatalf("chain entries: %v", err)
	}
	if len(entries) != writers {
		t.Fatalf("chain length = %d, want %d", len(entries), writers)
	}
	for i, e := range entries {
		if i == 0 {
			if e.PrevHash != nil {
				t.Fatalf("entry 0 prev_hash = %v, want nil", *e.PrevHash)
			}
			continue
		}
		if e.PrevHash == nil || *e.PrevHash != entries[i-1].BodyHash {
			t.Fatalf("entry %d breaks the chain", i)
		}
	}
}
