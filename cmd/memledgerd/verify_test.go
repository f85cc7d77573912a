package main

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/basket/memledger/internal/config"
	"github.com/basket/memledger/internal/ledger"
	"github.com/basket/memledger/internal/persistence"
)

func TestRunVerifyCommand(t *testing.T) {
	home := t.TempDir()
	t.Setenv("MEMLEDGER_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config load: %v", err)
	}

	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	entry, _, err := store.AppendEntry(context.Background(), ledger.NewEntry{
		UserID:    "user-1",
		AgentID:   "agent-1",
		EntryType: ledger.EntryTypeMemory,
		Body:      json.RawMessage(`{"actor":"user","content":"verify me"}`),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	if code := runVerifyCommand(context.Background(), nil); code != 0 {
		t.Fatalf("clean ledger verify exit = %d, want 0", code)
	}

	// Tamper with the stored body; the sweep must fail.
	if _, err := store.DB().Exec(`UPDATE ledger_entries SET body_json = '{"actor":"user","content":"forged"}' WHERE id = ?`, entry.ID); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	if code := runVerifyCommand(context.Background(), nil); code != 1 {
		t.Fatalf("tampered ledger verify exit = %d, want 1", code)
	}
}

func TestRunVerifyCommand_RejectsArgs(t *testing.T) {
	if code := runVerifyCommand(context.Background(), []string{"extra"}); code != 2 {
		t.Fatalf("exit = %d, want 2", code)
	}
}
