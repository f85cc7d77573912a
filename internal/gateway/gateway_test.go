package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/memledger/internal/bus"
	"github.com/basket/memledger/internal/config"
	"github.com/basket/memledger/internal/ledger"
	"github.com/basket/memledger/internal/persistence"
	"github.com/basket/memledger/internal/verify"
)

func newTestGateway(t *testing.T) (*httptest.Server, *persistence.Store) {
	t.Helper()
	b := bus.New()
	st, err := persistence.Open(filepath.Join(t.TempDir(), "ledger.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	srv := New(Config{
		Store:             st,
		Bus:               b,
		Auditor:           verify.New(st, b, nil),
		ConfigFingerprint: "test-fp",
	})
	auth := NewAuthMiddleware([]config.TokenEntry{
		{Token: "alice-token", UserID: "alice"},
		{Token: "bob-token", UserID: "bob"},
		{Token: "admin-token", UserID: "admin", Admin: true},
	})
	ts := httptest.NewServer(auth.Wrap(srv.Handler()))
	t.Cleanup(func() {
		ts.Close()
		_ = st.Close()
	})
	return ts, st
}

func doJSON(t *testing.T, ts *httptest.Server, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func appendBody(content string) map[string]any {
	return map[string]any{
		"agent_id":   "agent-1",
		"entry_type": "memory",
		"body":       map[string]any{"actor": "user", "content": content},
	}
}

func TestRESTAppendAndGet(t *testing.T) {
	ts, _ := newTestGateway(t)

	resp, first := doJSON(t, ts, http.MethodPost, "/v1/entries", "alice-token", appendBody("hello"))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("append status = %d, want 201: %v", resp.StatusCode, first)
	}
	if first["prev_hash"] != nil {
		t.Fatalf("genesis prev_hash = %v, want null", first["prev_hash"])
	}
	firstHash, _ := first["body_hash"].(string)
	if firstHash == "" {
		t.Fatal("append response missing body_hash")
	}
	// Submission confirms with a minimal receipt, never the stored row.
	for key := range first {
		switch key {
		case "id", "body_hash", "prev_hash":
		default:
			t.Fatalf("append response leaked field %q", key)
		}
	}

	resp, second := doJSON(t, ts, http.MethodPost, "/v1/entries", "alice-token", appendBody("world"))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("second append status = %d, want 201", resp.StatusCode)
	}
	if second["prev_hash"] != firstHash {
		t.Fatalf("prev_hash = %v, want %q", second["prev_hash"], firstHash)
	}

	id, _ := first["id"].(string)
	resp, got := doJSON(t, ts, http.MethodGet, "/v1/entries/"+id, "alice-token", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want 200", resp.StatusCode)
	}
	if got["id"] != id {
		t.Fatalf("get id = %v, want %q", got["id"], id)
	}
}

func TestRESTAppendValidation(t *testing.T) {
	ts, _ := newTestGateway(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{
			name: "missing agent_id",
			body: map[string]any{"entry_type": "memory", "body": map[string]any{"actor": "user", "content": "x"}},
		},
		{
			name: "unknown entry_type",
			body: map[string]any{"agent_id": "a", "entry_type": "bogus", "body": map[string]any{"actor": "user", "content": "x"}},
		},
		{
			name: "null content",
			body: map[string]any{"agent_id": "a", "entry_type": "memory", "body": map[string]any{"actor": "user", "content": nil}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, decoded := doJSON(t, ts, http.MethodPost, "/v1/entries", "alice-token", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400: %v", resp.StatusCode, decoded)
			}
			errObj, _ := decoded["error"].(map[string]any)
			if errObj["code"] != "VALIDATION" {
				t.Fatalf("error code = %v, want VALIDATION", errObj["code"])
			}
		})
	}
}

func TestRESTIdempotentReplay(t *testing.T) {
	ts, _ := newTestGateway(t)

	body := appendBody("once")
	body["idempotency_key"] = "key-1"

	resp, first := doJSON(t, ts, http.MethodPost, "/v1/entries", "alice-token", body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first append status = %d, want 201", resp.StatusCode)
	}
	resp, replay := doJSON(t, ts, http.MethodPost, "/v1/entries", "alice-token", body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("replay status = %d, want 201", resp.StatusCode)
	}
	if replay["id"] != first["id"] {
		t.Fatalf("replay id = %v, want original %v", replay["id"], first["id"])
	}

	// Same key with a different body is a conflict.
	conflicting := appendBody("different")
	conflicting["idempotency_key"] = "key-1"
	resp, decoded := doJSON(t, ts, http.MethodPost, "/v1/entries", "alice-token", conflicting)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("conflicting replay status = %d, want 409: %v", resp.StatusCode, decoded)
	}
}

func TestRESTOwnerScoping(t *testing.T) {
	ts, _ := newTestGateway(t)

	_, created := doJSON(t, ts, http.MethodPost, "/v1/entries", "alice-token", appendBody("private"))
	id, _ := created["id"].(string)

	// Foreign entries read as not found, never forbidden.
	resp, _ := doJSON(t, ts, http.MethodGet, "/v1/entries/"+id, "bob-token", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign get status = %d, want 404", resp.StatusCode)
	}

	// Admin bypasses owner scoping.
	resp, _ = doJSON(t, ts, http.MethodGet, "/v1/entries/"+id, "admin-token", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin get status = %d, want 200", resp.StatusCode)
	}

	// Listing stays scoped to the caller.
	_, listed := doJSON(t, ts, http.MethodGet, "/v1/entries", "bob-token", nil)
	entries, _ := listed["entries"].([]any)
	if len(entries) != 0 {
		t.Fatalf("bob sees %d entries, want 0", len(entries))
	}
}

func TestRESTBatchLifecycle(t *testing.T) {
	ts, _ := newTestGateway(t)

	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		_, created := doJSON(t, ts, http.MethodPost, "/v1/entries", "alice-token",
			appendBody(fmt.Sprintf("entry %d", i)))
		ids = append(ids, created["id"].(string))
	}

	resp, batch := doJSON(t, ts, http.MethodPost, "/v1/batches", "alice-token",
		map[string]any{"entry_ids": ids})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("batch create status = %d, want 201: %v", resp.StatusCode, batch)
	}
	if batch["entry_count"] != float64(3) {
		t.Fatalf("entry_count = %v, want 3", batch["entry_count"])
	}
	batchID, _ := batch["id"].(string)

	resp, members := doJSON(t, ts, http.MethodGet, "/v1/batches/"+batchID+"/entries", "alice-token", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("members status = %d, want 200", resp.StatusCode)
	}
	if got, _ := members["entries"].([]any); len(got) != 3 {
		t.Fatalf("member count = %d, want 3", len(got))
	}

	// Re-batching the same entries conflicts.
	resp, _ = doJSON(t, ts, http.MethodPost, "/v1/batches", "alice-token",
		map[string]any{"entry_ids": ids})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("re-batch status = %d, want 409", resp.StatusCode)
	}

	// Anchor attaches once.
	anchor := map[string]any{"l2_tx": "0xabc", "l2_block_number": 42}
	resp, anchored := doJSON(t, ts, http.MethodPost, "/v1/batches/"+batchID+"/anchor", "alice-token", anchor)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("anchor status = %d, want 200: %v", resp.StatusCode, anchored)
	}
	if anchored["l2_tx"] != "0xabc" {
		t.Fatalf("l2_tx = %v, want 0xabc", anchored["l2_tx"])
	}
	resp, _ = doJSON(t, ts, http.MethodPost, "/v1/batches/"+batchID+"/anchor", "alice-token", anchor)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second anchor status = %d, want 409", resp.StatusCode)
	}
}

func TestRESTVerificationList(t *testing.T) {
	ts, _ := newTestGateway(t)

	_, created := doJSON(t, ts, http.MethodPost, "/v1/entries", "alice-token", appendBody("verifiable"))
	id, _ := created["id"].(string)
	doJSON(t, ts, http.MethodPost, "/v1/batches", "alice-token", map[string]any{"entry_ids": []string{id}})

	resp, decoded := doJSON(t, ts, http.MethodGet, "/v1/verification", "alice-token", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verification status = %d, want 200", resp.StatusCode)
	}
	rows, _ := decoded["verification"].([]any)
	if len(rows) != 1 {
		t.Fatalf("verification rows = %d, want 1", len(rows))
	}
	row, _ := rows[0].(map[string]any)
	if row["root_hash"] == nil {
		t.Fatal("batched entry should carry its batch root_hash")
	}
}

func TestRESTVerifySweepAdminOnly(t *testing.T) {
	ts, _ := newTestGateway(t)

	resp, _ := doJSON(t, ts, http.MethodPost, "/v1/verify/sweep", "alice-token", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("non-admin sweep status = %d, want 403", resp.StatusCode)
	}

	doJSON(t, ts, http.MethodPost, "/v1/entries", "alice-token", appendBody("sweep me"))
	resp, report := doJSON(t, ts, http.MethodPost, "/v1/verify/sweep", "admin-token", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin sweep status = %d, want 200: %v", resp.StatusCode, report)
	}
	if report["entries_checked"] != float64(1) {
		t.Fatalf("entries_checked = %v, want 1", report["entries_checked"])
	}
	if violations, ok := report["violations"].([]any); ok && len(violations) != 0 {
		t.Fatalf("clean ledger reported %d violations", len(violations))
	}
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestGateway(t)

	resp, decoded := doJSON(t, ts, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", resp.StatusCode)
	}
	if decoded["db_ok"] != true {
		t.Fatalf("db_ok = %v, want true", decoded["db_ok"])
	}
	if decoded["config_hash"] != "test-fp" {
		t.Fatalf("config_hash = %v, want test-fp", decoded["config_hash"])
	}
}

func TestMetricsRequireAuth(t *testing.T) {
	ts, _ := newTestGateway(t)

	resp, _ := doJSON(t, ts, http.MethodGet, "/metrics", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated metrics status = %d, want 401", resp.StatusCode)
	}
	resp, decoded := doJSON(t, ts, http.MethodGet, "/metrics", "admin-token", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d, want 200", resp.StatusCode)
	}
	if _, ok := decoded["entries_total"]; !ok {
		t.Fatal("metrics payload missing entries_total")
	}
}

// --- WebSocket JSON-RPC ---

func wsDial(t *testing.T, ts *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?api_key=" + token
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "done") })
	return conn
}

func wsCall(t *testing.T, conn *websocket.Conn, id int, method string, params any) rpcResponse {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rawID, _ := json.Marshal(id)
	var rawParams json.RawMessage
	if params != nil {
		rawParams, _ = json.Marshal(params)
	}
	if err := wsjson.Write(ctx, conn, rpcRequest{JSONRPC: "2.0", ID: rawID, Method: method, Params: rawParams}); err != nil {
		t.Fatalf("ws write %s: %v", method, err)
	}
	for {
		var resp rpcResponse
		if err := wsjson.Read(ctx, conn, &resp); err != nil {
			t.Fatalf("ws read %s: %v", method, err)
		}
		// Skip push notifications interleaved with the response.
		if resp.ID != nil {
			return resp
		}
	}
}

func TestWSHandshakeRequiredForMutations(t *testing.T) {
	ts, _ := newTestGateway(t)
	conn := wsDial(t, ts, "alice-token")

	resp := wsCall(t, conn, 1, "ledger.append", appendBody("too soon"))
	if resp.Error == nil || resp.Error.Code != ErrCodeInvalidRequest {
		t.Fatalf("pre-handshake append error = %+v, want code %d", resp.Error, ErrCodeInvalidRequest)
	}

	hello := wsCall(t, conn, 2, "system.hello", nil)
	if hello.Error != nil {
		t.Fatalf("system.hello error: %+v", hello.Error)
	}

	resp = wsCall(t, conn, 3, "ledger.append", appendBody("after hello"))
	if resp.Error != nil {
		t.Fatalf("post-handshake append error: %+v", resp.Error)
	}
	result, _ := resp.Result.(map[string]any)
	if hash, _ := result["body_hash"].(string); hash == "" {
		t.Fatal("append result missing body_hash")
	}
	if _, leaked := result["body_json"]; leaked {
		t.Fatal("append result leaked the stored row")
	}
}

func TestWSAppendAndList(t *testing.T) {
	ts, _ := newTestGateway(t)
	conn := wsDial(t, ts, "alice-token")
	wsCall(t, conn, 1, "system.hello", nil)

	for i := 0; i < 2; i++ {
		resp := wsCall(t, conn, 10+i, "ledger.append", appendBody(fmt.Sprintf("ws entry %d", i)))
		if resp.Error != nil {
			t.Fatalf("append %d error: %+v", i, resp.Error)
		}
	}

	resp := wsCall(t, conn, 20, "ledger.list", map[string]any{"agent_id": "agent-1"})
	if resp.Error != nil {
		t.Fatalf("list error: %+v", resp.Error)
	}
	result, _ := resp.Result.(map[string]any)
	entries, _ := result["entries"].([]any)
	if len(entries) != 2 {
		t.Fatalf("listed %d entries, want 2", len(entries))
	}

	status := wsCall(t, conn, 21, "system.status", nil)
	if status.Error != nil {
		t.Fatalf("system.status error: %+v", status.Error)
	}
	st, _ := status.Result.(map[string]any)
	if st["entries"] != float64(2) {
		t.Fatalf("status entries = %v, want 2", st["entries"])
	}
}

func TestWSErrorMapping(t *testing.T) {
	ts, _ := newTestGateway(t)
	conn := wsDial(t, ts, "alice-token")
	wsCall(t, conn, 1, "system.hello", nil)

	resp := wsCall(t, conn, 2, "ledger.get", map[string]any{"id": "no-such-entry"})
	if resp.Error == nil || resp.Error.Code != ErrCodeNotFound {
		t.Fatalf("missing entry error = %+v, want code %d", resp.Error, ErrCodeNotFound)
	}

	resp = wsCall(t, conn, 3, "ledger.append", map[string]any{"entry_type": "memory"})
	if resp.Error == nil || resp.Error.Code != ErrCodeValidation {
		t.Fatalf("invalid append error = %+v, want code %d", resp.Error, ErrCodeValidation)
	}

	resp = wsCall(t, conn, 4, "no.such.method", nil)
	if resp.Error == nil || resp.Error.Code != ErrCodeMethodNotFound {
		t.Fatalf("unknown method error = %+v, want code %d", resp.Error, ErrCodeMethodNotFound)
	}
}

func TestWSSubscribeReceivesAppendEvents(t *testing.T) {
	ts, _ := newTestGateway(t)
	conn := wsDial(t, ts, "alice-token")
	wsCall(t, conn, 1, "system.hello", nil)

	sub := wsCall(t, conn, 2, "ledger.subscribe", nil)
	if sub.Error != nil {
		t.Fatalf("subscribe error: %+v", sub.Error)
	}

	// Append over REST so the push arrives via the bus, not the RPC loop.
	_, created := doJSON(t, ts, http.MethodPost, "/v1/entries", "alice-token", appendBody("pushed"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		var push rpcResponse
		if err := wsjson.Read(ctx, conn, &push); err != nil {
			t.Fatalf("waiting for push: %v", err)
		}
		if push.Method != bus.TopicEntryAppended {
			continue
		}
		params, _ := push.Params.(map[string]any)
		if params["entry_id"] != created["id"] {
			t.Fatalf("push entry_id = %v, want %v", params["entry_id"], created["id"])
		}
		return
	}
}

func TestWSSubscribeScopedToOwner(t *testing.T) {
	ts, _ := newTestGateway(t)
	bobConn := wsDial(t, ts, "bob-token")
	wsCall(t, bobConn, 1, "system.hello", nil)
	wsCall(t, bobConn, 2, "ledger.subscribe", nil)

	// Alice's append must not reach bob's subscription.
	doJSON(t, ts, http.MethodPost, "/v1/entries", "alice-token", appendBody("alice only"))
	// Bob's own append arrives; anything before it would be alice's leak.
	_, bobEntry := doJSON(t, ts, http.MethodPost, "/v1/entries", "bob-token", appendBody("bob entry"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		var push rpcResponse
		if err := wsjson.Read(ctx, bobConn, &push); err != nil {
			t.Fatalf("waiting for push: %v", err)
		}
		if push.Method != bus.TopicEntryAppended {
			continue
		}
		params, _ := push.Params.(map[string]any)
		if params["user_id"] != "bob" {
			t.Fatalf("bob received event for user %v", params["user_id"])
		}
		if params["entry_id"] != bobEntry["id"] {
			t.Fatalf("push entry_id = %v, want %v", params["entry_id"], bobEntry["id"])
		}
		return
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		code ledger.Code
		want int
	}{
		{ledger.CodeValidation, http.StatusBadRequest},
		{ledger.CodeUnauthorized, http.StatusUnauthorized},
		{ledger.CodeForbidden, http.StatusForbidden},
		{ledger.CodeNotFound, http.StatusNotFound},
		{ledger.CodeConflict, http.StatusConflict},
		{ledger.CodeIntegrity, http.StatusInternalServerError},
		{"", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := httpStatusFor(tt.code); got != tt.want {
			t.Errorf("httpStatusFor(%q) = %d, want %d", tt.code, got, tt.want)
		}
	}
}
