// memledgerd is the ledger daemon: an append-only, hash-chained memory store
// exposed over REST and a JSON-RPC WebSocket.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/basket/memledger/internal/audit"
	"github.com/basket/memledger/internal/batch"
	"github.com/basket/memledger/internal/bus"
	"github.com/basket/memledger/internal/config"
	"github.com/basket/memledger/internal/gateway"
	otelPkg "github.com/basket/memledger/internal/otel"
	"github.com/basket/memledger/internal/persistence"
	"github.com/basket/memledger/internal/telemetry"
	"github.com/basket/memledger/internal/verify"
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `memledgerd - append-only memory ledger daemon

Usage:
  memledgerd              start the daemon
  memledgerd status       query a running daemon's health endpoint
  memledgerd verify       run an offline integrity sweep against the database
  memledgerd help         show this help

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// CLI subcommands (non-daemon actions).
	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "verify":
			os.Exit(runVerifyCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit only needs homeDir, so it comes up before the logger and can
	// record logger init failures.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "config_hash", cfg.Fingerprint())

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected (same-origin only)", "bind_addr", cfg.BindAddr)
		}
	}

	// Without at least one token no producer can authenticate. Generate a
	// bootstrap admin token on first run.
	if len(cfg.APITokens) == 0 {
		token, err := loadBootstrapToken(cfg.HomeDir)
		if err != nil {
			fatalStartup(logger, "E_TOKEN_BOOTSTRAP", err)
		}
		cfg.APITokens = []config.TokenEntry{{Token: token, UserID: "admin", Admin: true}}
	}

	// Event bus first so the store can publish commit events.
	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() { _ = otelProvider.Shutdown(context.Background()) }()

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	store, err := persistence.Open(cfg.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated", "db_path", cfg.DBPath)

	auditor := verify.New(store, eventBus, logger)
	if cfg.Verify.Enabled {
		// Startup sweep surfaces tampering that happened while the daemon
		// was down, before any new entries land.
		report, err := auditor.Sweep(ctx)
		if err != nil {
			fatalStartup(logger, "E_VERIFY_SWEEP", err)
		}
		logger.Info("startup phase", "phase", "integrity_sweep_completed",
			"chains", report.ChainsChecked,
			"entries", report.EntriesChecked,
			"batches", report.BatchesChecked,
			"violations", len(report.Violations))
		if !report.Clean() {
			metrics.VerifyFailures.Add(ctx, int64(len(report.Violations)))
		}
		go runPeriodicSweeps(ctx, auditor, metrics, logger,
			time.Duration(cfg.Verify.SweepIntervalMinutes)*time.Minute)
	}

	if cfg.Batch.Enabled {
		batchSched := batch.NewScheduler(batch.Config{
			Store:      store,
			Logger:     logger,
			CronExpr:   cfg.Batch.Cron,
			MinEntries: cfg.Batch.MinEntries,
			MaxEntries: cfg.Batch.MaxEntries,
		})
		batchSched.Start(ctx)
		defer batchSched.Stop()
		logger.Info("startup phase", "phase", "batch_scheduler_started", "cron", cfg.Batch.Cron)
	}

	authMW := gateway.NewAuthMiddleware(cfg.APITokens)
	rateMW := gateway.NewRateLimitMiddleware(cfg.RateLimit, func() {
		metrics.RateLimitRejects.Add(context.Background(), 1)
	})
	rateMW.StartEviction(ctx, 10*time.Minute, time.Hour)

	gw := gateway.New(gateway.Config{
		Store:             store,
		Bus:               eventBus,
		Auditor:           auditor,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
		Metrics:           metrics,
		Tracer:            otelProvider.Tracer,
	})

	handler := gateway.NewCORSMiddleware(cfg.AllowOrigins)(
		gateway.RequestSizeLimitMiddleware(0)(
			rateMW.Wrap(
				authMW.Wrap(gw.Handler()))))

	// Config watcher: rotate the token registry without restarting.
	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable; token rotation requires restart", "error", err)
	} else {
		go func() {
			for ev := range confWatcher.Events() {
				reloaded, err := config.Load()
				if err != nil {
					logger.Error("config reload failed; keeping previous tokens", "error", err, "path", ev.Path)
					continue
				}
				if len(reloaded.APITokens) == 0 {
					logger.Warn("config reload has no api_tokens; keeping previous tokens", "path", ev.Path)
					continue
				}
				authMW.ReplaceTokens(reloaded.APITokens)
				logger.Info("config reloaded", "config_hash", reloaded.Fingerprint(), "tokens", len(reloaded.APITokens))
			}
		}()
	}

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: handler,
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, portOccupantHint(cfg.BindAddr)))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first, then let in-flight appends drain within the bound.
	drainTimeout := time.Duration(cfg.DrainTimeoutSeconds) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

func runPeriodicSweeps(ctx context.Context, auditor *verify.Auditor, metrics *otelPkg.Metrics, logger *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := auditor.Sweep(ctx)
			if err != nil {
				logger.Error("integrity sweep failed", "error", err)
				continue
			}
			if !report.Clean() {
				metrics.VerifyFailures.Add(ctx, int64(len(report.Violations)))
			}
			logger.Info("integrity sweep completed",
				"chains", report.ChainsChecked,
				"entries", report.EntriesChecked,
				"batches", report.BatchesChecked,
				"violations", len(report.Violations))
		}
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(context.Background(), "fatal", "runtime.startup", reasonCode, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	// Try lsof to identify the occupying process (macOS/Linux).
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	cmd := execCommandFunc(name, args...)
	out, err := cmd.Output()
	return string(out), err
}

var execCommandFunc = newExecCommand

func newExecCommand(name string, args ...string) *exec.Cmd {
	return exec.Command(name, args...)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

// loadBootstrapToken returns the admin token from the environment or
// home-dir token file, generating and persisting one on first run.
func loadBootstrapToken(homeDir string) (string, error) {
	if raw := strings.TrimSpace(os.Getenv("MEMLEDGER_API_TOKEN")); raw != "" {
		return raw, nil
	}
	tokenPath := filepath.Join(homeDir, "auth.token")
	b, err := os.ReadFile(tokenPath)
	if err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", tokenPath)
	return token, nil
}
