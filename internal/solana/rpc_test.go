package solana

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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeNode answers JSON-RPC calls from a method -> result table.
type fakeNode struct {
	mu      sync.Mutex
	calls   []string
	results map[string]func(params []json.RawMessage) (interface{}, *RPCError)
}

func (f *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     int64             `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.calls = append(f.calls, req.Method)
	handler := f.results[req.Method]
	f.mu.Unlock()

	resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
	if handler == nil {
		resp["error"] = RPCError{Code: -32601, Message: "Method not found"}
	} else if result, rpcErr := handler(req.Params); rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func newTestClient(t *testing.T, node http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(node)
	t.Cleanup(srv.Close)

	hc := retryablehttp.NewClient()
	hc.RetryMax = 0
	hc.Logger = nil
	return NewClient(srv.URL, WithHTTPClient(hc), WithPollInterval(5*time.Millisecond))
}

func TestClient_GetBalance(t *testing.T) {
	node := &fakeNode{results: map[string]func([]json.RawMessage) (interface{}, *RPCError){
		"getBalance": func(params []json.RawMessage) (interface{}, *RPCError) {
			var addr string
			_ = json.Unmarshal(params[0], &addr)
			if addr != systemProgram {
				return nil, &RPCError{Code: -32602, Message: "bad address"}
			}
			return map[string]interface{}{"context": map[string]int{"slot": 1}, "value": 2_500_000_000}, nil
		},
	}}
	c := newTestClient(t, node)

	lamports, err := c.GetBalance(context.Background(), PublicKey{})
	require.NoError(t, err)
	assert.Equal(t, uint64(2_500_000_000), lamports)
}

func TestClient_RPCError(t *testing.T) {
	c := newTestClient(t, &fakeNode{})

	_, err := c.GetLatestBlockhash(context.Background())
	require.Error(t, err)

	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32601, rpcErr.Code)
	assert.Contains(t, err.Error(), "getLatestBlockhash")
}

func TestClient_HTTPError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))

	_, err := c.GetBalance(context.Background(), PublicKey{})
	assert.Error(t, err)
}

func TestClient_SendConfirmAndLogs(t *testing.T) {
	payer, _ := NewKeypair()
	blockhash := Hash{42}
	var sent *Transaction
	polls := 0

	node := &fakeNode{results: map[string]func([]json.RawMessage) (interface{}, *RPCError){
		"getLatestBlockhash": func([]json.RawMessage) (interface{}, *RPCError) {
			return map[string]interface{}{"value": map[string]interface{}{"blockhash": blockhash.String(), "lastValidBlockHeight": 100}}, nil
		},
		"sendTransaction": func(params []json.RawMessage) (interface{}, *RPCError) {
			var encoded string
			_ = json.Unmarshal(params[0], &encoded)
			raw, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				return nil, &RPCError{Code: -32602, Message: err.Error()}
			}
			tx, err := DecodeTransaction(raw)
			if err != nil {
				return nil, &RPCError{Code: -32602, Message: err.Error()}
			}
			sent = tx
			return tx.Signature().String(), nil
		},
		"getSignatureStatuses": func([]json.RawMessage) (interface{}, *RPCError) {
			polls++
			if polls < 3 {
				return map[string]interface{}{"value": []interface{}{nil}}, nil
			}
			return map[string]interface{}{"value": []interface{}{
				map[string]interface{}{"slot": 5, "err": nil, "confirmationStatus": "confirmed"},
			}}, nil
		},
		"getTransaction": func([]json.RawMessage) (interface{}, *RPCError) {
			return map[string]interface{}{"meta": map[string]interface{}{"logMessages": []string{"Program log: hi"}}}, nil
		},
	}}
	c := newTestClient(t, node)
	ctx := context.Background()

	got, err := c.GetLatestBlockhash(ctx)
	require.NoError(t, err)
	assert.Equal(t, blockhash, got)

	tx, err := NewTransaction([]Instruction{{ProgramID: PublicKey{5}}}, got, payer.PublicKey())
	require.NoError(t, err)
	require.NoError(t, tx.Sign(payer))

	sig, err := c.SendTransaction(ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, tx.Signature(), sig)
	require.NotNil(t, sent)
	assert.Equal(t, blockhash, sent.Message.RecentBlockhash)

	require.NoError(t, c.ConfirmTransaction(ctx, sig))
	assert.Equal(t, 3, polls)

	logs, err := c.GetTransactionLogs(ctx, sig)
	require.NoError(t, err)
	assert.Equal(t, []string{"Program log: hi"}, logs)
}

func TestClient_ConfirmTransaction_Failed(t *testing.T) {
	node := &fakeNode{results: map[string]func([]json.RawMessage) (interface{}, *RPCError){
		"getSignatureStatuses": func([]json.RawMessage) (interface{}, *RPCError) {
			return map[string]interface{}{"value": []interface{}{
				map[string]interface{}{"slot": 5, "err": map[string]interface{}{"InstructionError": []interface{}{0, "Custom"}}, "confirmationStatus": "processed"},
			}}, nil
		},
	}}
	c := newTestClient(t, node)

	err := c.ConfirmTransaction(context.Background(), Signature{1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "InstructionError")

	var txErr *TransactionError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, Signature{1}, txErr.Signature)
}

func TestClient_ConfirmTransaction_ContextDone(t *testing.T) {
	node := &fakeNode{results: map[string]func([]json.RawMessage) (interface{}, *RPCError){
		"getSignatureStatuses": func([]json.RawMessage) (interface{}, *RPCError) {
			return map[string]interface{}{"value": []interface{}{nil}}, nil
		},
	}}
	c := newTestClient(t, node)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := c.ConfirmTransaction(ctx, Signature{1})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_GetTransactionLogs_NotFound(t *testing.T) {
	node := &fakeNode{results: map[string]func([]json.RawMessage) (interface{}, *RPCError){
		"getTransaction": func([]json.RawMessage) (interface{}, *RPCError) { return nil, nil },
	}}
	c := newTestClient(t, node)

	logs, err := c.GetTransactionLogs(context.Background(), Signature{1})
	require.NoError(t, err)
	assert.Empty(t, logs)
}
