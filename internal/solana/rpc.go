package solana

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"soldeploy/internal/logging"
)

// LamportsPerSOL converts lamport balances to SOL.
const LamportsPerSOL = 1_000_000_000

// Commitment levels understood by the RPC API.
const (
	CommitmentProcessed = "processed"
	CommitmentConfirmed = "confirmed"
	CommitmentFinalized = "finalized"
)

// RPCError is a JSON-RPC error object returned by the node.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// TransactionError reports a transaction that landed but failed on chain.
type TransactionError struct {
	Signature Signature
	Err       json.RawMessage
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction %s failed: %s", e.Signature, e.Err)
}

// Client is a minimal Solana JSON-RPC client.
type Client struct {
	endpoint     string
	http         *retryablehttp.Client
	nextID       atomic.Int64
	pollInterval time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient swaps the underlying retrying HTTP client.
func WithHTTPClient(c *retryablehttp.Client) ClientOption {
	return func(cl *Client) { cl.http = c }
}

// WithPollInterval sets how often ConfirmTransaction polls signature status.
func WithPollInterval(d time.Duration) ClientOption {
	return func(cl *Client) { cl.pollInterval = d }
}

// NewClient creates a client for an RPC endpoint.
func NewClient(endpoint string, opts ...ClientOption) *Client {
	hc := retryablehttp.NewClient()
	hc.RetryMax = 3
	hc.RetryWaitMin = 250 * time.Millisecond
	hc.RetryWaitMax = 2 * time.Second
	hc.Logger = leveledLogger{}

	c := &Client{
		endpoint:     endpoint,
		http:         hc,
		pollInterval: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoint returns the RPC URL.
func (c *Client) Endpoint() string { return c.endpoint }

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

// call performs one JSON-RPC request and decodes the result into out.
func (c *Client) call(ctx context.Context, method string, out interface{}, params ...interface{}) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("%s: failed to encode request: %w", method, err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	logging.RPCDebug("-> %s %s", method, c.endpoint)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: failed to read response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: http %d: %s", method, resp.StatusCode, bytes.TrimSpace(data))
	}

	var rr rpcResponse
	if err := json.Unmarshal(data, &rr); err != nil {
		return fmt.Errorf("%s: failed to decode response: %w", method, err)
	}
	if rr.Error != nil {
		return fmt.Errorf("%s: %w", method, rr.Error)
	}
	logging.RPCDebug("<- %s (%d bytes)", method, len(rr.Result))
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rr.Result, out); err != nil {
		return fmt.Errorf("%s: failed to decode result: %w", method, err)
	}
	return nil
}

// GetLatestBlockhash returns a recent blockhash to anchor a transaction.
func (c *Client) GetLatestBlockhash(ctx context.Context) (Hash, error) {
	var res struct {
		Value struct {
			Blockhash            string `json:"blockhash"`
			LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
		} `json:"value"`
	}
	if err := c.call(ctx, "getLatestBlockhash", &res, map[string]string{"commitment": CommitmentFinalized}); err != nil {
		return Hash{}, err
	}
	return ParseHash(res.Value.Blockhash)
}

// GetBalance returns an account balance in lamports.
func (c *Client) GetBalance(ctx context.Context, account PublicKey) (uint64, error) {
	var res struct {
		Value uint64 `json:"value"`
	}
	if err := c.call(ctx, "getBalance", &res, account.String()); err != nil {
		return 0, err
	}
	return res.Value, nil
}

// SendTransaction submits a signed transaction and returns its signature.
func (c *Client) SendTransaction(ctx context.Context, tx *Transaction) (Signature, error) {
	encoded, err := tx.Base64()
	if err != nil {
		return Signature{}, fmt.Errorf("sendTransaction: %w", err)
	}
	var sig string
	opts := map[string]interface{}{"encoding": "base64", "preflightCommitment": CommitmentConfirmed}
	if err := c.call(ctx, "sendTransaction", &sig, encoded, opts); err != nil {
		return Signature{}, err
	}
	return ParseSignature(sig)
}

// SignatureStatus is the cluster's view of a submitted transaction.
type SignatureStatus struct {
	Slot               uint64          `json:"slot"`
	Confirmations      *uint64         `json:"confirmations"`
	Err                json.RawMessage `json:"err"`
	ConfirmationStatus string          `json:"confirmationStatus"`
}

// Failed reports whether the transaction executed with an error.
func (s *SignatureStatus) Failed() bool {
	return len(s.Err) > 0 && string(s.Err) != "null"
}

// GetSignatureStatus returns the status of sig, or nil if the cluster has
// not seen it yet.
func (c *Client) GetSignatureStatus(ctx context.Context, sig Signature) (*SignatureStatus, error) {
	var res struct {
		Value []*SignatureStatus `json:"value"`
	}
	if err := c.call(ctx, "getSignatureStatuses", &res, []string{sig.String()}); err != nil {
		return nil, err
	}
	if len(res.Value) == 0 {
		return nil, nil
	}
	return res.Value[0], nil
}

// ConfirmTransaction polls until sig reaches confirmed (or finalized)
// commitment, the transaction fails, or ctx is done.
func (c *Client) ConfirmTransaction(ctx context.Context, sig Signature) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		status, err := c.GetSignatureStatus(ctx, sig)
		if err != nil {
			return err
		}
		if status != nil {
			if status.Failed() {
				return &TransactionError{Signature: sig, Err: status.Err}
			}
			switch status.ConfirmationStatus {
			case CommitmentConfirmed, CommitmentFinalized:
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for confirmation of %s: %w", sig, ctx.Err())
		case <-ticker.C:
		}
	}
}

// GetTransactionLogs returns the log messages recorded for a confirmed
// transaction, failed ones included.
func (c *Client) GetTransactionLogs(ctx context.Context, sig Signature) ([]string, error) {
	var res *struct {
		Meta *struct {
			LogMessages []string `json:"logMessages"`
		} `json:"meta"`
	}
	opts := map[string]interface{}{
		"commitment":                     CommitmentConfirmed,
		"maxSupportedTransactionVersion": 0,
		"encoding":                       "json",
	}
	if err := c.call(ctx, "getTransaction", &res, sig.String(), opts); err != nil {
		return nil, err
	}
	if res == nil || res.Meta == nil {
		return []string{}, nil
	}
	return res.Meta.LogMessages, nil
}

// leveledLogger routes retryablehttp's logging into the rpc category.
type leveledLogger struct{}

func (leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	logging.Get(logging.CategoryRPC).Error("%v: %v", msg, keysAndValues)
}

func (leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	logging.Get(logging.CategoryRPC).Info("%v: %v", msg, keysAndValues)
}

func (leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	logging.Get(logging.CategoryRPC).Debug("%v: %v", msg, keysAndValues)
}

func (leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	logging.Get(logging.CategoryRPC).Warn("%v: %v", msg, keysAndValues)
}
