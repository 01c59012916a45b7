package chain

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/nspcc-dev/neo-go/pkg/crypto/keys"
)

const testHash = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

func testWIF(t *testing.T) string {
	t.Helper()
	priv, err := keys.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return priv.WIF()
}

// rpcHandler routes JSON-RPC methods to canned responders.
func rpcHandler(t *testing.T, methods map[string]func(params []json.RawMessage) (interface{}, *RPCError)) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
			ID     int               `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode rpc request: %v", err)
			return
		}
		fn, ok := methods[req.Method]
		if !ok {
			t.Errorf("unexpected rpc method %s", req.Method)
			return
		}
		result, rpcErr := fn(req.Params)
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Errorf("encode rpc response: %v", err)
		}
	}
}

func TestClient_SurfacesRPCErrors(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(t, map[string]func([]json.RawMessage) (interface{}, *RPCError){
		"eth_call": func([]json.RawMessage) (interface{}, *RPCError) {
			return nil, &RPCError{Code: -32000, Message: "execution reverted"}
		},
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, 0)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.Call(context.Background(), "eth_call", nil)
	if err == nil {
		t.Fatal("rpc error not surfaced")
	}
	var rpcErr *RPCError
	if ok := asRPCError(err, &rpcErr); !ok || rpcErr.Code != -32000 {
		t.Fatalf("err = %v, want RPCError -32000", err)
	}
}

func asRPCError(err error, target **RPCError) bool {
	e, ok := err.(*RPCError)
	if ok {
		*target = e
	}
	return ok
}

func TestEVMAdapter_AnchorAndVerify(t *testing.T) {
	var sentData string
	srv := httptest.NewServer(rpcHandler(t, map[string]func([]json.RawMessage) (interface{}, *RPCError){
		"eth_sendTransaction": func(params []json.RawMessage) (interface{}, *RPCError) {
			var tx map[string]string
			if err := json.Unmarshal(params[0], &tx); err != nil {
				t.Fatalf("unmarshal tx: %v", err)
			}
			sentData = tx["data"]
			return "0xdeadbeef", nil
		},
		"eth_getTransactionReceipt": func([]json.RawMessage) (interface{}, *RPCError) {
			return map[string]string{"blockNumber": "0x10"}, nil
		},
		"eth_call": func([]json.RawMessage) (interface{}, *RPCError) {
			return "0x0000000000000000000000000000000000000000000000000000000000000010", nil
		},
	}))
	defer srv.Close()

	adapter, err := NewEVMAdapter(AdapterConfig{
		Name:        "sepolia",
		RPCURL:      srv.URL,
		Contract:    "0x00000000000000000000000000000000000000aa",
		FromAddress: "0x00000000000000000000000000000000000000bb",
	})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}

	txHash, block, err := adapter.Anchor(context.Background(), testHash)
	if err != nil {
		t.Fatalf("anchor: %v", err)
	}
	if txHash != "0xdeadbeef" {
		t.Fatalf("txHash = %s", txHash)
	}
	if block != 16 {
		t.Fatalf("block = %d, want 16", block)
	}

	wantData := "0x" + hex.EncodeToString(anchorSelector) + testHash
	if sentData != wantData {
		t.Fatalf("calldata = %s, want %s", sentData, wantData)
	}

	anchored, block, err := adapter.Verify(context.Background(), testHash)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !anchored || block != 16 {
		t.Fatalf("verify = (%v, %d), want (true, 16)", anchored, block)
	}
}

func TestEVMAdapter_VerifyUnanchored(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(t, map[string]func([]json.RawMessage) (interface{}, *RPCError){
		"eth_call": func([]json.RawMessage) (interface{}, *RPCError) {
			return "0x0000000000000000000000000000000000000000000000000000000000000000", nil
		},
	}))
	defer srv.Close()

	adapter, err := NewEVMAdapter(AdapterConfig{
		Name:        "sepolia",
		RPCURL:      srv.URL,
		Contract:    "0x00000000000000000000000000000000000000aa",
		FromAddress: "0x00000000000000000000000000000000000000bb",
	})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}

	anchored, block, err := adapter.Verify(context.Background(), testHash)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if anchored || block != 0 {
		t.Fatalf("verify = (%v, %d), want (false, 0)", anchored, block)
	}
}

func TestEVMAdapter_PendingReceipt(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(t, map[string]func([]json.RawMessage) (interface{}, *RPCError){
		"eth_sendTransaction": func([]json.RawMessage) (interface{}, *RPCError) {
			return "0xdeadbeef", nil
		},
		"eth_getTransactionReceipt": func([]json.RawMessage) (interface{}, *RPCError) {
			return nil, nil // still pending
		},
	}))
	defer srv.Close()

	adapter, err := NewEVMAdapter(AdapterConfig{
		Name:        "sepolia",
		RPCURL:      srv.URL,
		Contract:    "0x00000000000000000000000000000000000000aa",
		FromAddress: "0x00000000000000000000000000000000000000bb",
	})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}

	_, block, err := adapter.Anchor(context.Background(), testHash)
	if err != nil {
		t.Fatalf("anchor: %v", err)
	}
	if block != 0 {
		t.Fatalf("pending block = %d, want 0", block)
	}
}

func TestNeoAdapter_Verify(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(t, map[string]func([]json.RawMessage) (interface{}, *RPCError){
		"invokefunction": func([]json.RawMessage) (interface{}, *RPCError) {
			return map[string]interface{}{
				"state":       "HALT",
				"gasconsumed": "997775",
				"stack":       []map[string]string{{"type": "Integer", "value": "4242"}},
			}, nil
		},
	}))
	defer srv.Close()

	adapter, err := NewNeoAdapter(AdapterConfig{
		Name:         "neo",
		RPCURL:       srv.URL,
		Contract:     "0xd2a4cff31913016155e38e474a2c06d08be276cf",
		WIF:          testWIF(t),
		NetworkMagic: 894710606,
	})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}

	anchored, block, err := adapter.Verify(context.Background(), testHash)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !anchored || block != 4242 {
		t.Fatalf("verify = (%v, %d), want (true, 4242)", anchored, block)
	}
}

func TestNeoAdapter_VerifyFault(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(t, map[string]func([]json.RawMessage) (interface{}, *RPCError){
		"invokefunction": func([]json.RawMessage) (interface{}, *RPCError) {
			return map[string]interface{}{
				"state":     "FAULT",
				"exception": "contract not found",
			}, nil
		},
	}))
	defer srv.Close()

	adapter, err := NewNeoAdapter(AdapterConfig{
		Name:         "neo",
		RPCURL:       srv.URL,
		Contract:     "0xd2a4cff31913016155e38e474a2c06d08be276cf",
		WIF:          testWIF(t),
		NetworkMagic: 894710606,
	})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}

	if _, _, err := adapter.Verify(context.Background(), testHash); err == nil {
		t.Fatal("faulted invocation should error")
	}
}

func TestNeoAdapter_Anchor(t *testing.T) {
	var relayed bool
	srv := httptest.NewServer(rpcHandler(t, map[string]func([]json.RawMessage) (interface{}, *RPCError){
		"invokescript": func([]json.RawMessage) (interface{}, *RPCError) {
			return map[string]interface{}{"state": "HALT", "gasconsumed": "1001234", "stack": []interface{}{}}, nil
		},
		"getblockcount": func([]json.RawMessage) (interface{}, *RPCError) {
			return 100, nil
		},
		"sendrawtransaction": func([]json.RawMessage) (interface{}, *RPCError) {
			relayed = true
			return map[string]string{"hash": "0xabc"}, nil
		},
	}))
	defer srv.Close()

	adapter, err := NewNeoAdapter(AdapterConfig{
		Name:         "neo",
		RPCURL:       srv.URL,
		Contract:     "0xd2a4cff31913016155e38e474a2c06d08be276cf",
		WIF:          testWIF(t),
		NetworkMagic: 894710606,
	})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}

	txHash, block, err := adapter.Anchor(context.Background(), testHash)
	if err != nil {
		t.Fatalf("anchor: %v", err)
	}
	if !relayed {
		t.Fatal("transaction never relayed")
	}
	if txHash == "" {
		t.Fatal("empty tx hash")
	}
	if block != 0 {
		t.Fatalf("block = %d, want 0 for pending tx", block)
	}
}

func TestLoadAdapters(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chains.yaml")
	content := fmt.Sprintf(`chains:
  - name: sepolia
    type: evm
    rpc_url: http://localhost:8545
    contract: "0x00000000000000000000000000000000000000aa"
    from_address: "0x00000000000000000000000000000000000000bb"
  - name: broken
    type: evm
    rpc_url: http://localhost:8545
    contract: "0x00000000000000000000000000000000000000aa"
  - name: unknown
    type: solana
    rpc_url: http://localhost:8899
    contract: registry
`)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	adapters, err := LoadAdapters(path, nil)
	if err != nil {
		t.Fatalf("load adapters: %v", err)
	}
	// The entry without a from_address and the unknown type are skipped.
	if len(adapters) != 1 {
		t.Fatalf("adapters = %d, want 1", len(adapters))
	}
	if adapters[0].Name() != "sepolia" {
		t.Fatalf("adapter name = %s", adapters[0].Name())
	}
}

func TestLoadAdapters_MissingFile(t *testing.T) {
	adapters, err := LoadAdapters(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	if err != nil {
		t.Fatalf("missing config should not error: %v", err)
	}
	if len(adapters) != 0 {
		t.Fatalf("adapters = %d, want 0", len(adapters))
	}
}
