// backup_restore_drill exercises the backup path end to end: append a
// chained workload, back the database up with VACUUM INTO, restore it to a
// fresh path, and run a full integrity sweep over the restored copy.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/memledger/internal/ledger"
	"github.com/basket/memledger/internal/persistence"
	"github.com/basket/memledger/internal/verify"
)

func main() {
	ctx := context.Background()
	baseDir, err := os.MkdirTemp("", "memledger-backup-drill-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(baseDir)

	dbPath := filepath.Join(baseDir, "memledger.db")
	backupPath := filepath.Join(baseDir, "backup.db")
	restorePath := filepath.Join(baseDir, "restore.db")

	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		fmt.Printf("open_store_error=%v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	entryIDs := make([]string, 0, 40)
	for i := 0; i < 40; i++ {
		body, _ := json.Marshal(map[string]any{"actor": "user", "content": fmt.Sprintf("backup-%d", i)})
		entry, _, err := store.AppendEntry(ctx, ledger.NewEntry{
			UserID:    "drill-user",
			AgentID:   "drill-agent",
			EntryType: ledger.EntryTypeMemory,
			Body:      body,
		})
		if err != nil {
			fmt.Printf("append_error=%v\n", err)
			os.Exit(1)
		}
		entryIDs = append(entryIDs, entry.ID)
	}
	if _, err := store.CreateBatch(ctx, "drill-user", entryIDs[:20]); err != nil {
		fmt.Printf("batch_error=%v\n", err)
		os.Exit(1)
	}

	backupStart := time.Now().UTC()
	if _, err := store.DB().ExecContext(ctx, `VACUUM INTO ?;`, backupPath); err != nil {
		fmt.Printf("backup_error=%v\n", err)
		os.Exit(1)
	}
	backupEnd := time.Now().UTC()

	backupBytes, err := os.ReadFile(backupPath)
	if err != nil {
		fmt.Printf("read_backup_error=%v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(restorePath, backupBytes, 0o644); err != nil {
		fmt.Printf("write_restore_error=%v\n", err)
		os.Exit(1)
	}
	restoreStart := time.Now().UTC()
	restoreStore, err := persistence.Open(restorePath, nil)
	if err != nil {
		fmt.Printf("open_restore_error=%v\n", err)
		os.Exit(1)
	}
	defer restoreStore.Close()
	restoreEnd := time.Now().UTC()

	counts, err := restoreStore.Count(ctx)
	if err != nil {
		fmt.Printf("count_error=%v\n", err)
		os.Exit(1)
	}

	report, err := verify.New(restoreStore, nil, nil).Sweep(ctx)
	if err != nil {
		fmt.Printf("sweep_error=%v\n", err)
		os.Exit(1)
	}

	fmt.Printf("backup_started=%s\n", backupStart.Format(time.RFC3339Nano))
	fmt.Printf("backup_completed=%s\n", backupEnd.Format(time.RFC3339Nano))
	fmt.Printf("restore_started=%s\n", restoreStart.Format(time.RFC3339Nano))
	fmt.Printf("restore_completed=%s\n", restoreEnd.Format(time.RFC3339Nano))
	fmt.Printf("rpo_duration=%s\n", backupEnd.Sub(backupStart))
	fmt.Printf("rto_duration=%s\n", restoreEnd.Sub(restoreStart))
	fmt.Printf("restored_entries=%d\n", counts.Entries)
	fmt.Printf("restored_batches=%d\n", counts.Batches)
	fmt.Printf("sweep_entries=%d\n", report.EntriesChecked)
	fmt.Printf("sweep_violations=%d\n", len(report.Violations))

	if counts.Entries < 40 || counts.Batches != 1 || !report.Clean() {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}
