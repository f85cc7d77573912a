// ws_check probes a running memledger daemon's WebSocket gateway: it asserts
// that unauthenticated dials are rejected, that mutating calls require the
// system.hello handshake, and that an append lands after the handshake.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

func mustJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<marshal-error:%v>", err)
	}
	return string(b)
}

func main() {
	url := flag.String("url", "ws://127.0.0.1:18790/ws", "websocket endpoint")
	timeout := flag.Duration("timeout", 8*time.Second, "overall timeout")
	token := flag.String("token", "", "bearer token expected by the gateway")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if strings.TrimSpace(*token) == "" {
		fmt.Fprintln(os.Stderr, "token is required")
		os.Exit(2)
	}

	_, unauthResp, unauthErr := websocket.Dial(ctx, *url, nil)
	if unauthErr == nil {
		fmt.Fprintln(os.Stderr, "expected missing-auth dial to fail but it succeeded")
		os.Exit(1)
	}
	if unauthResp == nil || unauthResp.StatusCode != http.StatusUnauthorized {
		fmt.Fprintf(os.Stderr, "expected 401 for missing auth, got response=%v err=%v\n", unauthResp, unauthErr)
		os.Exit(1)
	}
	fmt.Printf("AUTH_CHECK missing token rejected status=%d\n", unauthResp.StatusCode)

	conn, _, err := websocket.Dial(ctx, *url, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + strings.TrimSpace(*token)},
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "authorized dial failed: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	appendParams := map[string]interface{}{
		"agent_id":   "ws-check",
		"entry_type": "memory",
		"body":       map[string]interface{}{"actor": "user", "content": "ws_check probe"},
	}
	requests := []rpcRequest{
		{JSONRPC: "2.0", ID: 0, Method: "ledger.append", Params: appendParams},
		{JSONRPC: "2.0", ID: 1, Method: "system.hello", Params: map[string]interface{}{"version": "1.0"}},
		{JSONRPC: "2.0", ID: 2, Method: "ledger.append", Params: appendParams},
		{JSONRPC: "2.0", ID: 3, Method: "system.status", Params: map[string]interface{}{}},
	}

	for i, req := range requests {
		fmt.Printf(">> %s\n", mustJSON(req))
		if err := wsjson.Write(ctx, conn, req); err != nil {
			fmt.Fprintf(os.Stderr, "write failed: %v\n", err)
			os.Exit(1)
		}
		var resp map[string]interface{}
		if err := wsjson.Read(ctx, conn, &resp); err != nil {
			fmt.Fprintf(os.Stderr, "read failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("<< %s\n", mustJSON(resp))
		switch i {
		case 0:
			if !hasErrorCode(resp, -32600) {
				fmt.Fprintln(os.Stderr, "expected handshake-required error (-32600) for pre-hello append")
				os.Exit(1)
			}
		default:
			if hasAnyError(resp) {
				fmt.Fprintf(os.Stderr, "expected successful %s\n", req.Method)
				os.Exit(1)
			}
		}
	}

	fmt.Println("VERDICT PASS")
}

func hasAnyError(resp map[string]interface{}) bool {
	_, ok := resp["error"]
	return ok && resp["error"] != nil
}

func hasErrorCode(resp map[string]interface{}, want int) bool {
	errVal, ok := resp["error"]
	if !ok || errVal == nil {
		return false
	}
	errMap, ok := errVal.(map[string]interface{})
	if !ok {
		return false
	}
	code, ok := errMap["code"].(float64)
	if !ok {
		return false
	}
	return int(code) == want
}
