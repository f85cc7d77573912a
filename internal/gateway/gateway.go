// Package gateway exposes the ledger over REST and a JSON-RPC WebSocket.
// Every request is scoped to the authenticated principal; admin principals
// may read across owners but writes always land under their own user ID.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/memledger/internal/audit"
	"github.com/basket/memledger/internal/bus"
	"github.com/basket/memledger/internal/ledger"
	"github.com/basket/memledger/internal/otel"
	"github.com/basket/memledger/internal/persistence"
	"github.com/basket/memledger/internal/shared"
	"github.com/basket/memledger/internal/verify"
)

const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInternal       = -32603

	// Stable app error taxonomy, mirrored from ledger.Code.
	ErrCodeValidation   = 1000
	ErrCodeUnauthorized = 4010
	ErrCodeForbidden    = 4030
	ErrCodeNotFound     = 4040
	ErrCodeConflict     = 4090
	ErrCodeIntegrity    = 5000
)

type Config struct {
	Store   *persistence.Store
	Bus     *bus.Bus
	Auditor *verify.Auditor

	// AllowOrigins controls accepted Origin headers for browser WS connections.
	// Empty list means same-origin only (no cross-origin WebSockets).
	AllowOrigins []string

	// ConfigFingerprint is the hash of active config exposed in system.status.
	ConfigFingerprint string

	Metrics *otel.Metrics // nil disables instrument recording
	Tracer  trace.Tracer  // nil falls back to a noop tracer
}

type Server struct {
	cfg    Config
	tracer trace.Tracer

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

type client struct {
	conn       *websocket.Conn
	principal  Principal
	mu         sync.Mutex
	handshaken bool

	// Event subscription state for ledger.subscribe.
	subMu      sync.Mutex
	subscribed bool
	busSub     *bus.Subscription
	busCancel  context.CancelFunc
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      any         `json:"id,omitempty"`
	Result  any         `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
	Method  string      `json:"method,omitempty"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func New(cfg Config) *Server {
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer(otel.TracerName)
	}
	return &Server{
		cfg:     cfg,
		tracer:  tracer,
		clients: map[*client]struct{}{},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/metrics/prometheus", s.handlePrometheusMetrics)
	mux.HandleFunc("/healthz", s.handleHealthz)
	// REST API endpoints.
	mux.HandleFunc("/v1/entries", s.handleEntries)
	mux.HandleFunc("/v1/entries/", s.handleEntryByID)
	mux.HandleFunc("/v1/verification", s.handleVerification)
	mux.HandleFunc("/v1/verify/sweep", s.handleVerifySweep)
	mux.HandleFunc("/v1/batches", s.handleBatches)
	mux.HandleFunc("/v1/batches/", s.handleBatchByID)
	return s.instrument(mux)
}

// instrument records request duration for every REST and WS request.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if shared.TraceID(ctx) == "-" {
			ctx = shared.WithTraceID(ctx, shared.NewTraceID())
			r = r.WithContext(ctx)
		}
		start := time.Now()
		next.ServeHTTP(w, r)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RequestDuration.Record(ctx, time.Since(start).Seconds())
		}
	})
}

// --- transport error mapping ---

func httpStatusFor(code ledger.Code) int {
	switch code {
	case ledger.CodeValidation:
		return http.StatusBadRequest
	case ledger.CodeUnauthorized:
		return http.StatusUnauthorized
	case ledger.CodeForbidden:
		return http.StatusForbidden
	case ledger.CodeNotFound:
		return http.StatusNotFound
	case ledger.CodeConflict:
		return http.StatusConflict
	case ledger.CodeIntegrity:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func rpcCodeFor(code ledger.Code) int {
	switch code {
	case ledger.CodeValidation:
		return ErrCodeValidation
	case ledger.CodeUnauthorized:
		return ErrCodeUnauthorized
	case ledger.CodeForbidden:
		return ErrCodeForbidden
	case ledger.CodeNotFound:
		return ErrCodeNotFound
	case ledger.CodeConflict:
		return ErrCodeConflict
	case ledger.CodeIntegrity:
		return ErrCodeIntegrity
	default:
		return ErrCodeInternal
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := ledger.CodeOf(err)
	body := errorBody{Code: string(code), Message: err.Error()}
	var le *ledger.Error
	if errors.As(err, &le) {
		body.Field = le.Field
		body.Message = le.Msg
	}
	if code == "" {
		body.Code = "INTERNAL"
	}
	writeJSON(w, httpStatusFor(code), map[string]any{"error": body})
}

func rpcErrorFor(err error) *rpcError {
	return &rpcError{Code: rpcCodeFor(ledger.CodeOf(err)), Message: err.Error()}
}

// --- REST handlers ---

// appendRequest is the producer-facing append payload. user_id is never
// accepted from the body; it comes from the authenticated principal.
type appendRequest struct {
	AgentID        string          `json:"agent_id"`
	EntryType      string          `json:"entry_type"`
	Body           json.RawMessage `json:"body"`
	Shared         bool            `json:"shared"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// appendEntry returns the minimal receipt, never the persisted row: producers
// get the id and hashes they need to follow the chain, and the full entry
// stays behind the read endpoints.
func (s *Server) appendEntry(ctx context.Context, p Principal, req appendRequest) (*ledger.Receipt, error) {
	ctx, span := otel.StartServerSpan(ctx, s.tracer, "ledger.append",
		otel.AttrUserID.String(p.UserID),
		otel.AttrAgentID.String(req.AgentID),
		otel.AttrEntryType.String(req.EntryType),
	)
	defer span.End()

	start := time.Now()
	entry, replayed, err := s.cfg.Store.AppendEntry(ctx, ledger.NewEntry{
		UserID:         p.UserID,
		AgentID:        req.AgentID,
		EntryType:      ledger.EntryType(req.EntryType),
		Body:           req.Body,
		Shared:         req.Shared,
		IdempotencyKey: req.IdempotencyKey,
	})
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.AppendDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		span.SetAttributes(otel.AttrErrorCode.String(string(ledger.CodeOf(err))))
		if s.cfg.Metrics != nil && ledger.IsConflict(err) {
			s.cfg.Metrics.AppendConflicts.Add(ctx, 1)
		}
		return nil, err
	}
	span.SetAttributes(otel.AttrEntryID.String(entry.ID))
	if s.cfg.Metrics != nil {
		if replayed {
			s.cfg.Metrics.IdempotentReplays.Add(ctx, 1)
		} else {
			s.cfg.Metrics.EntriesAppended.Add(ctx, 1)
		}
	}
	return &ledger.Receipt{ID: entry.ID, BodyHash: entry.BodyHash, PrevHash: entry.PrevHash}, nil
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, ledger.Unauthorizedf("no authenticated principal"))
		return
	}
	switch r.Method {
	case http.MethodPost:
		var req appendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, ledger.Validationf("body", "invalid JSON: %v", err))
			return
		}
		receipt, err := s.appendEntry(r.Context(), p, req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, receipt)
	case http.MethodGet:
		userID := s.scopedUserID(p, r)
		filter := entryFilterFromQuery(r)
		entries, err := s.cfg.Store.ListEntries(r.Context(), userID, filter)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleEntryByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, ledger.Unauthorizedf("no authenticated principal"))
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/entries/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	entry, err := s.cfg.Store.GetEntry(r.Context(), p.UserID, id, p.Admin)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleVerification(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, ledger.Unauthorizedf("no authenticated principal"))
		return
	}
	userID := s.scopedUserID(p, r)
	rows, err := s.cfg.Store.ListVerification(r.Context(), userID, entryFilterFromQuery(r), p.Admin && r.URL.Query().Get("user_id") == "")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"verification": rows})
}

// handleVerifySweep triggers a full-ledger integrity sweep. Admin only; the
// sweep reads every chain and batch, which is too expensive to open up.
func (s *Server) handleVerifySweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, ledger.Unauthorizedf("no authenticated principal"))
		return
	}
	if !p.Admin {
		writeError(w, ledger.Forbiddenf("sweep requires an admin principal"))
		return
	}
	if s.cfg.Auditor == nil {
		writeError(w, fmt.Errorf("verification not configured"))
		return
	}
	report, err := s.cfg.Auditor.Sweep(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if s.cfg.Metrics != nil && !report.Clean() {
		s.cfg.Metrics.VerifyFailures.Add(r.Context(), int64(len(report.Violations)))
	}
	writeJSON(w, http.StatusOK, report)
}

type batchCreateRequest struct {
	EntryIDs []string `json:"entry_ids"`
}

func (s *Server) createBatch(ctx context.Context, p Principal, entryIDs []string) (*ledger.Batch, error) {
	ctx, span := otel.StartServerSpan(ctx, s.tracer, "batch.create",
		otel.AttrUserID.String(p.UserID),
		otel.AttrEntryCount.Int(len(entryIDs)),
	)
	defer span.End()

	batch, err := s.cfg.Store.CreateBatch(ctx, p.UserID, entryIDs)
	if err != nil {
		span.SetAttributes(otel.AttrErrorCode.String(string(ledger.CodeOf(err))))
		return nil, err
	}
	span.SetAttributes(otel.AttrBatchID.String(batch.ID))
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.BatchesCreated.Add(ctx, 1)
	}
	return batch, nil
}

func (s *Server) handleBatches(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, ledger.Unauthorizedf("no authenticated principal"))
		return
	}
	switch r.Method {
	case http.MethodPost:
		var req batchCreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, ledger.Validationf("body", "invalid JSON: %v", err))
			return
		}
		batch, err := s.createBatch(r.Context(), p, req.EntryIDs)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, batch)
	case http.MethodGet:
		userID := s.scopedUserID(p, r)
		limit := queryInt(r, "limit", 100)
		batches, err := s.cfg.Store.ListBatches(r.Context(), userID, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"batches": batches})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type anchorRequest struct {
	L2Tx          string `json:"l2_tx"`
	L2BlockNumber int64  `json:"l2_block_number"`
}

func (s *Server) handleBatchByID(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, ledger.Unauthorizedf("no authenticated principal"))
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/batches/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.NotFound(w, r)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		batch, err := s.cfg.Store.GetBatch(r.Context(), p.UserID, id, p.Admin)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, batch)
	case action == "entries" && r.Method == http.MethodGet:
		// Ownership check first so foreign batches stay undisclosed.
		if _, err := s.cfg.Store.GetBatch(r.Context(), p.UserID, id, p.Admin); err != nil {
			writeError(w, err)
			return
		}
		entries, err := s.cfg.Store.BatchMembers(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
	case action == "anchor" && r.Method == http.MethodPost:
		var req anchorRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, ledger.Validationf("body", "invalid JSON: %v", err))
			return
		}
		batch, err := s.cfg.Store.AttachAnchor(r.Context(), p.UserID, id, req.L2Tx, req.L2BlockNumber, p.Admin)
		if err != nil {
			writeError(w, err)
			return
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.BatchesAnchored.Add(r.Context(), 1)
		}
		writeJSON(w, http.StatusOK, batch)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// scopedUserID resolves the user scope for a list request. Admin principals
// may narrow to another owner via the user_id query param.
func (s *Server) scopedUserID(p Principal, r *http.Request) string {
	if p.Admin {
		if u := r.URL.Query().Get("user_id"); u != "" {
			return u
		}
	}
	return p.UserID
}

func entryFilterFromQuery(r *http.Request) ledger.EntryFilter {
	q := r.URL.Query()
	return ledger.EntryFilter{
		AgentID:   q.Get("agent_id"),
		EntryType: ledger.EntryType(q.Get("entry_type")),
		BatchID:   q.Get("batch_id"),
		Limit:     queryInt(r, "limit", 0),
	}
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	var v int
	if _, err := fmt.Sscanf(raw, "%d", &v); err != nil || v < 0 {
		return def
	}
	return v
}

// --- health and metrics ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	counts, err := s.cfg.Store.Count(r.Context())
	if err != nil {
		dbOK = false
	}
	payload := map[string]any{
		"healthy":           dbOK,
		"db_ok":             dbOK,
		"entries":           counts.Entries,
		"batches":           counts.Batches,
		"unbatched_entries": counts.Unbatched,
		"config_hash":       s.cfg.ConfigFingerprint,
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	counts, _ := s.cfg.Store.Count(r.Context())
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	payload := map[string]any{
		"entries_total":     counts.Entries,
		"batches_total":     counts.Batches,
		"unbatched_entries": counts.Unbatched,
		"ws_clients":        s.clientCount(),
		"auth_deny_total":   audit.DenyCount(),
		"integrity_total":   audit.IntegrityCount(),
		"alloc_bytes":       mem.Alloc,
		"config_hash":       s.cfg.ConfigFingerprint,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handlePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	counts, _ := s.cfg.Store.Count(r.Context())
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	fmt.Fprintf(w, "# HELP memledger_entries_total Number of committed ledger entries.\n")
	fmt.Fprintf(w, "# TYPE memledger_entries_total counter\n")
	fmt.Fprintf(w, "memledger_entries_total %d\n", counts.Entries)
	fmt.Fprintf(w, "# HELP memledger_batches_total Number of created batches.\n")
	fmt.Fprintf(w, "# TYPE memledger_batches_total counter\n")
	fmt.Fprintf(w, "memledger_batches_total %d\n", counts.Batches)
	fmt.Fprintf(w, "# HELP memledger_unbatched_entries Entries not yet aggregated into a batch.\n")
	fmt.Fprintf(w, "# TYPE memledger_unbatched_entries gauge\n")
	fmt.Fprintf(w, "memledger_unbatched_entries %d\n", counts.Unbatched)
	fmt.Fprintf(w, "# HELP memledger_ws_clients Currently connected WebSocket clients.\n")
	fmt.Fprintf(w, "# TYPE memledger_ws_clients gauge\n")
	fmt.Fprintf(w, "memledger_ws_clients %d\n", s.clientCount())
	fmt.Fprintf(w, "# HELP memledger_auth_deny_total Total auth denials.\n")
	fmt.Fprintf(w, "# TYPE memledger_auth_deny_total counter\n")
	fmt.Fprintf(w, "memledger_auth_deny_total %d\n", audit.DenyCount())
	fmt.Fprintf(w, "# HELP memledger_integrity_violations_total Total integrity violations detected.\n")
	fmt.Fprintf(w, "# TYPE memledger_integrity_violations_total counter\n")
	fmt.Fprintf(w, "memledger_integrity_violations_total %d\n", audit.IntegrityCount())
	fmt.Fprintf(w, "# HELP memledger_alloc_bytes Current allocated memory in bytes.\n")
	fmt.Fprintf(w, "# TYPE memledger_alloc_bytes gauge\n")
	fmt.Fprintf(w, "memledger_alloc_bytes %d\n", mem.Alloc)
}

// --- WebSocket ---

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library;
		// cross-origin requires an explicit allowlist entry.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{conn: conn, principal: p}
	s.addClient(c)
	slog.Info("ws: client connected", "user_id", p.UserID, "admin", p.Admin)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveWSClients.Add(r.Context(), 1)
	}
	defer func() {
		s.removeClient(c)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.ActiveWSClients.Add(context.Background(), -1)
		}
		slog.Info("ws: client disconnecting", "user_id", p.UserID)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var req rpcRequest
		if err := wsjson.Read(r.Context(), conn, &req); err != nil {
			slog.Debug("ws: read error, closing", "error", err)
			return
		}
		slog.Info("ws: request", "method", req.Method, "id", string(req.ID), "user_id", p.UserID)
		resp := s.handleRPC(r.Context(), c, req)
		if resp == nil {
			continue
		}
		if err := c.write(r.Context(), resp); err != nil {
			slog.Error("ws: write response error", "method", req.Method, "error", err)
		}
	}
}

func isMutatingMethod(method string) bool {
	switch method {
	case "ledger.append", "batch.create", "batch.anchor":
		return true
	default:
		return false
	}
}

func (s *Server) handleRPC(ctx context.Context, c *client, req rpcRequest) *rpcResponse {
	id, hasID := decodeID(req.ID)
	if req.JSONRPC != "2.0" || req.Method == "" {
		if !hasID {
			return nil
		}
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &rpcError{Code: ErrCodeInvalidRequest, Message: "invalid JSON-RPC request"},
		}
	}
	if isMutatingMethod(req.Method) && !c.isHandshaken() {
		if !hasID {
			return nil
		}
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &rpcError{Code: ErrCodeInvalidRequest, Message: "system.hello required before mutating calls"},
		}
	}

	p := c.principal
	var result any
	var rpcErr *rpcError

	switch req.Method {
	case "system.hello":
		c.markHandshaken()
		result = map[string]any{
			"protocol":      "memledger",
			"version":       "1.0",
			"supported_min": "1.0",
			"supported_max": "1.0",
			"user_id":       p.UserID,
			"admin":         p.Admin,
		}
	case "ledger.append":
		var ar appendRequest
		if err := json.Unmarshal(req.Params, &ar); err != nil {
			rpcErr = &rpcError{Code: ErrCodeValidation, Message: "invalid params"}
			break
		}
		receipt, err := s.appendEntry(ctx, p, ar)
		if err != nil {
			rpcErr = rpcErrorFor(err)
			break
		}
		result = receipt
	case "ledger.get":
		var pr struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(req.Params, &pr); err != nil || pr.ID == "" {
			rpcErr = &rpcError{Code: ErrCodeValidation, Message: "id is required"}
			break
		}
		entry, err := s.cfg.Store.GetEntry(ctx, p.UserID, pr.ID, p.Admin)
		if err != nil {
			rpcErr = rpcErrorFor(err)
			break
		}
		result = entry
	case "ledger.list":
		var pr struct {
			AgentID   string `json:"agent_id"`
			EntryType string `json:"entry_type"`
			BatchID   string `json:"batch_id"`
			Limit     int    `json:"limit"`
		}
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &pr); err != nil {
				rpcErr = &rpcError{Code: ErrCodeValidation, Message: "invalid params"}
				break
			}
		}
		entries, err := s.cfg.Store.ListEntries(ctx, p.UserID, ledger.EntryFilter{
			AgentID:   pr.AgentID,
			EntryType: ledger.EntryType(pr.EntryType),
			BatchID:   pr.BatchID,
			Limit:     pr.Limit,
		})
		if err != nil {
			rpcErr = rpcErrorFor(err)
			break
		}
		result = map[string]any{"entries": entries}
	case "ledger.verification.list":
		var pr struct {
			AgentID   string `json:"agent_id"`
			EntryType string `json:"entry_type"`
			BatchID   string `json:"batch_id"`
			Limit     int    `json:"limit"`
		}
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &pr); err != nil {
				rpcErr = &rpcError{Code: ErrCodeValidation, Message: "invalid params"}
				break
			}
		}
		rows, err := s.cfg.Store.ListVerification(ctx, p.UserID, ledger.EntryFilter{
			AgentID:   pr.AgentID,
			EntryType: ledger.EntryType(pr.EntryType),
			BatchID:   pr.BatchID,
			Limit:     pr.Limit,
		}, p.Admin)
		if err != nil {
			rpcErr = rpcErrorFor(err)
			break
		}
		result = map[string]any{"verification": rows}
	case "batch.create":
		var pr batchCreateRequest
		if err := json.Unmarshal(req.Params, &pr); err != nil {
			rpcErr = &rpcError{Code: ErrCodeValidation, Message: "invalid params"}
			break
		}
		batch, err := s.createBatch(ctx, p, pr.EntryIDs)
		if err != nil {
			rpcErr = rpcErrorFor(err)
			break
		}
		result = batch
	case "batch.get":
		var pr struct {
			BatchID string `json:"batch_id"`
		}
		if err := json.Unmarshal(req.Params, &pr); err != nil || pr.BatchID == "" {
			rpcErr = &rpcError{Code: ErrCodeValidation, Message: "batch_id is required"}
			break
		}
		batch, err := s.cfg.Store.GetBatch(ctx, p.UserID, pr.BatchID, p.Admin)
		if err != nil {
			rpcErr = rpcErrorFor(err)
			break
		}
		result = batch
	case "batch.anchor":
		var pr struct {
			BatchID       string `json:"batch_id"`
			L2Tx          string `json:"l2_tx"`
			L2BlockNumber int64  `json:"l2_block_number"`
		}
		if err := json.Unmarshal(req.Params, &pr); err != nil || pr.BatchID == "" {
			rpcErr = &rpcError{Code: ErrCodeValidation, Message: "batch_id is required"}
			break
		}
		batch, err := s.cfg.Store.AttachAnchor(ctx, p.UserID, pr.BatchID, pr.L2Tx, pr.L2BlockNumber, p.Admin)
		if err != nil {
			rpcErr = rpcErrorFor(err)
			break
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.BatchesAnchored.Add(ctx, 1)
		}
		result = batch
	case "ledger.subscribe":
		s.subscribeClient(c)
		result = map[string]any{"subscribed": true}
	case "system.status":
		counts, err := s.cfg.Store.Count(ctx)
		if err != nil {
			rpcErr = &rpcError{Code: ErrCodeInternal, Message: err.Error()}
			break
		}
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		result = map[string]any{
			"healthy":           true,
			"db_ok":             true,
			"entries":           counts.Entries,
			"batches":           counts.Batches,
			"unbatched_entries": counts.Unbatched,
			"ws_clients":        s.clientCount(),
			"auth_deny_total":   audit.DenyCount(),
			"integrity_total":   audit.IntegrityCount(),
			"memory_alloc":      mem.Alloc,
			"config_hash":       s.cfg.ConfigFingerprint,
			"time_unix":         time.Now().Unix(),
		}
	default:
		rpcErr = &rpcError{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}
	}

	if !hasID {
		return nil
	}
	if rpcErr != nil {
		return &rpcResponse{JSONRPC: "2.0", ID: id, Error: rpcErr}
	}
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func decodeID(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, false
	}
	return generic, true
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	// Clean up bus subscription for event forwarding.
	c.subMu.Lock()
	if c.busCancel != nil {
		c.busCancel()
	}
	if c.busSub != nil && s.cfg.Bus != nil {
		s.cfg.Bus.Unsubscribe(c.busSub)
	}
	c.subMu.Unlock()

	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

func (s *Server) clientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (c *client) write(ctx context.Context, payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

func (c *client) markHandshaken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handshaken = true
}

func (c *client) isHandshaken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handshaken
}

// subscribeClient registers a WS client for live ledger event push. On the
// first subscription it starts a bus listener goroutine that forwards events
// matching the client's owner scope.
func (s *Server) subscribeClient(c *client) {
	if s.cfg.Bus == nil {
		return
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.subscribed = true
	if c.busSub == nil {
		c.busSub = s.cfg.Bus.Subscribe("ledger.")
		var busCtx context.Context
		busCtx, c.busCancel = context.WithCancel(context.Background())
		go s.forwardBusEvents(busCtx, c)
	}
}

// forwardBusEvents reads ledger events from the bus and pushes those visible
// to the client's principal. Integrity violations go to admins only.
func (s *Server) forwardBusEvents(ctx context.Context, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.busSub.Ch():
			if !ok {
				return
			}
			method, params, visible := eventForPrincipal(ev, c.principal)
			if !visible {
				continue
			}
			_ = c.write(ctx, rpcResponse{
				JSONRPC: "2.0",
				Method:  method,
				Params:  params,
			})
		}
	}
}

// eventForPrincipal maps a bus event to a push notification, applying owner
// scoping. Admin principals see all events.
func eventForPrincipal(ev bus.Event, p Principal) (string, map[string]any, bool) {
	switch payload := ev.Payload.(type) {
	case bus.EntryAppendedEvent:
		if !p.Admin && payload.UserID != p.UserID {
			return "", nil, false
		}
		return bus.TopicEntryAppended, map[string]any{
			"entry_id":  payload.EntryID,
			"user_id":   payload.UserID,
			"agent_id":  payload.AgentID,
			"body_hash": payload.BodyHash,
			"trace_id":  payload.TraceID,
		}, true
	case bus.BatchCreatedEvent:
		if !p.Admin && payload.UserID != p.UserID {
			return "", nil, false
		}
		return bus.TopicBatchCreated, map[string]any{
			"batch_id":    payload.BatchID,
			"user_id":     payload.UserID,
			"root_hash":   payload.RootHash,
			"entry_count": payload.EntryCount,
		}, true
	case bus.BatchAnchoredEvent:
		// Anchor refs carry no owner; visible to all authenticated clients.
		return bus.TopicBatchAnchored, map[string]any{
			"batch_id":        payload.BatchID,
			"l2_tx":           payload.L2Tx,
			"l2_block_number": payload.L2BlockNumber,
		}, true
	case bus.IntegrityViolationEvent:
		if !p.Admin {
			return "", nil, false
		}
		return bus.TopicIntegrityViolation, map[string]any{
			"user_id":  payload.UserID,
			"agent_id": payload.AgentID,
			"entry_id": payload.EntryID,
			"batch_id": payload.BatchID,
			"reason":   payload.Reason,
		}, true
	default:
		return "", nil, false
	}
}
