// Package solanatest provides an in-process JSON-RPC node for tests. Sent
// transactions are executed on a local runtime, so invoke flows see the
// logs their programs actually emit.
package solanatest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"soldeploy/internal/program"
	"soldeploy/internal/runtime"
	"soldeploy/internal/solana"
)

type executed struct {
	logs   []string
	failed string
}

// Node answers the RPC methods soldeploy uses.
type Node struct {
	Runtime   *runtime.Runtime
	Blockhash solana.Hash

	mu       sync.Mutex
	balances map[solana.PublicKey]uint64
	txs      map[solana.Signature]executed
	calls    []string
	failing  map[string]*solana.RPCError
}

// NewNode creates a node executing against rt (builtins when nil).
func NewNode(rt *runtime.Runtime) *Node {
	if rt == nil {
		rt = runtime.NewWithBuiltins()
	}
	return &Node{
		Runtime:   rt,
		Blockhash: solana.Hash{7, 7, 7},
		balances:  make(map[solana.PublicKey]uint64),
		txs:       make(map[solana.Signature]executed),
		failing:   make(map[string]*solana.RPCError),
	}
}

// Start serves the node over HTTP for the lifetime of the test and returns
// its URL.
func (n *Node) Start(t testing.TB) string {
	t.Helper()
	srv := httptest.NewServer(n)
	t.Cleanup(srv.Close)
	return srv.URL
}

// SetBalance sets an account's lamports.
func (n *Node) SetBalance(account solana.PublicKey, lamports uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.balances[account] = lamports
}

// Fail makes every call to method return err.
func (n *Node) Fail(method string, err *solana.RPCError) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failing[method] = err
}

// Calls returns the RPC methods received so far.
func (n *Node) Calls() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.calls...)
}

// NewClient returns a client for url that does not retry and polls fast.
func NewClient(url string) *solana.Client {
	hc := retryablehttp.NewClient()
	hc.RetryMax = 0
	hc.Logger = nil
	return solana.NewClient(url, solana.WithHTTPClient(hc), solana.WithPollInterval(5*time.Millisecond))
}

func (n *Node) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     int64             `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	n.mu.Lock()
	n.calls = append(n.calls, req.Method)
	injected := n.failing[req.Method]
	n.mu.Unlock()

	resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
	var (
		result interface{}
		rpcErr *solana.RPCError
	)
	if injected != nil {
		rpcErr = injected
	} else {
		result, rpcErr = n.dispatch(r.Context(), req.Method, req.Params)
	}
	if rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (n *Node) dispatch(ctx context.Context, method string, params []json.RawMessage) (interface{}, *solana.RPCError) {
	switch method {
	case "getLatestBlockhash":
		return map[string]interface{}{
			"context": map[string]interface{}{"slot": 1},
			"value":   map[string]interface{}{"blockhash": n.Blockhash.String(), "lastValidBlockHeight": 150},
		}, nil

	case "getBalance":
		var key solana.PublicKey
		if err := unmarshalParam(params, 0, &key); err != nil {
			return nil, invalidParams(err)
		}
		n.mu.Lock()
		defer n.mu.Unlock()
		return map[string]interface{}{"context": map[string]interface{}{"slot": 1}, "value": n.balances[key]}, nil

	case "sendTransaction":
		return n.send(ctx, params)

	case "getSignatureStatuses":
		var sigs []string
		if err := unmarshalParam(params, 0, &sigs); err != nil {
			return nil, invalidParams(err)
		}
		values := make([]interface{}, len(sigs))
		n.mu.Lock()
		defer n.mu.Unlock()
		for i, s := range sigs {
			sig, err := solana.ParseSignature(s)
			if err != nil {
				continue
			}
			tx, ok := n.txs[sig]
			if !ok {
				continue
			}
			var txErr interface{}
			if tx.failed != "" {
				txErr = map[string]interface{}{"InstructionError": []interface{}{0, tx.failed}}
			}
			values[i] = map[string]interface{}{"slot": 2, "confirmations": nil, "err": txErr, "confirmationStatus": "confirmed"}
		}
		return map[string]interface{}{"context": map[string]interface{}{"slot": 2}, "value": values}, nil

	case "getTransaction":
		var s string
		if err := unmarshalParam(params, 0, &s); err != nil {
			return nil, invalidParams(err)
		}
		sig, err := solana.ParseSignature(s)
		if err != nil {
			return nil, invalidParams(err)
		}
		n.mu.Lock()
		defer n.mu.Unlock()
		tx, ok := n.txs[sig]
		if !ok {
			return nil, nil
		}
		return map[string]interface{}{"slot": 2, "meta": map[string]interface{}{"err": nil, "logMessages": tx.logs}}, nil
	}
	return nil, &solana.RPCError{Code: -32601, Message: "Method not found"}
}

func (n *Node) send(ctx context.Context, params []json.RawMessage) (interface{}, *solana.RPCError) {
	var encoded string
	if err := unmarshalParam(params, 0, &encoded); err != nil {
		return nil, invalidParams(err)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, invalidParams(err)
	}
	tx, err := solana.DecodeTransaction(raw)
	if err != nil {
		return nil, invalidParams(err)
	}
	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return nil, invalidParams(err)
	}
	for i, sig := range tx.Signatures {
		if i >= len(tx.Message.AccountKeys) || !tx.Message.AccountKeys[i].Verify(msg, sig) {
			return nil, &solana.RPCError{Code: -32003, Message: "Transaction signature verification failure"}
		}
	}
	if tx.Message.RecentBlockhash != n.Blockhash {
		return nil, &solana.RPCError{Code: -32002, Message: "Transaction simulation failed: Blockhash not found"}
	}

	var out executed
	for _, ci := range tx.Message.Instructions {
		ix := runtime.Instruction{ProgramID: tx.Message.AccountKeys[ci.ProgramIDIndex], Data: ci.Data}
		for _, idx := range ci.Accounts {
			ix.Accounts = append(ix.Accounts, program.AccountInfo{Key: tx.Message.AccountKeys[idx]})
		}
		res, err := n.Runtime.Invoke(ctx, ix)
		if err != nil {
			return nil, &solana.RPCError{Code: -32002, Message: "Transaction simulation failed: Attempt to load a program that does not exist"}
		}
		out.logs = append(out.logs, res.Logs...)
		if !res.Success() {
			out.failed = res.Err.Error()
			break
		}
	}

	n.mu.Lock()
	n.txs[tx.Signature()] = out
	n.mu.Unlock()
	return tx.Signature().String(), nil
}

func unmarshalParam(params []json.RawMessage, i int, v interface{}) error {
	if i >= len(params) {
		return errMissingParam
	}
	return json.Unmarshal(params[i], v)
}

type paramError string

func (e paramError) Error() string { return string(e) }

const errMissingParam = paramError("missing parameter")

func invalidParams(err error) *solana.RPCError {
	return &solana.RPCError{Code: -32602, Message: "Invalid params: " + err.Error()}
}
