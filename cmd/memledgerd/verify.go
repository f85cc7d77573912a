package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/basket/memledger/internal/config"
	"github.com/basket/memledger/internal/persistence"
	"github.com/basket/memledger/internal/verify"
)

// runVerifyCommand sweeps the database directly, without a running daemon.
// Exit code 0 means every chain and batch reproduced; 1 means violations.
func runVerifyCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: memledgerd verify")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()

	report, err := verify.New(store, nil, nil).Sweep(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sweep: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(report)

	if err := verify.Err(report.Violations); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	return 0
}
