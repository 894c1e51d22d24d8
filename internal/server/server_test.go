package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"soldeploy/internal/config"
	"soldeploy/internal/deployer"
	"soldeploy/internal/program"
	"soldeploy/internal/runtime"
	"soldeploy/internal/solana"
	"soldeploy/internal/solana/solanatest"
	"soldeploy/internal/store"
	"soldeploy/internal/tactile"
	"soldeploy/internal/tactile/tactiletest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

type env struct {
	cfg   *config.Config
	exec  *tactiletest.Executor
	node  *solanatest.Node
	payer *solana.Keypair
	srv   *Server
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()

	payer, err := solana.NewKeypair()
	require.NoError(t, err)
	cfg := config.DefaultConfig()
	cfg.KeypairPath = filepath.Join(dir, "id.json")
	require.NoError(t, payer.Save(cfg.KeypairPath))

	node := solanatest.NewNode(nil)
	devnet := cfg.Networks[config.Devnet]
	devnet.URL = node.Start(t)
	cfg.Networks[config.Devnet] = devnet

	history, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { history.Close() })

	exec := tactiletest.New().
		On("solana --version", tactiletest.Response{}).
		On("rustc --version", tactiletest.Response{}).
		On("cargo --version", tactiletest.Response{})

	d := deployer.New(exec, cfg, deployer.WithHistory(history), deployer.WithClientFactory(solanatest.NewClient))
	return &env{cfg: cfg, exec: exec, node: node, payer: payer, srv: New(d)}
}

func (e *env) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)

	var out map[string]interface{}
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestNetworks(t *testing.T) {
	e := newEnv(t)
	rec, body := e.do(t, http.MethodGet, "/api/networks", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, []interface{}{"localhost", "devnet", "testnet", "mainnet-beta"}, body["networks"])
	assert.Equal(t, "devnet", body["default"])
	assert.Equal(t, []interface{}{"add_numbers"}, body["localPrograms"])
}

func TestCheckEnvironment(t *testing.T) {
	e := newEnv(t)
	_, body := e.do(t, http.MethodGet, "/api/check-environment", nil)
	assert.Equal(t, true, body["isValid"])
	assert.Len(t, body["tools"], len(config.RequiredTools))
}

func TestBuild(t *testing.T) {
	e := newEnv(t)

	rec, body := e.do(t, http.MethodPost, "/api/build", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Program directory is required", body["error"])

	programDir := t.TempDir()
	e.exec.On("cargo build-sbf", tactiletest.Response{Run: func(cmd tactile.Command) {
		out := filepath.Join(cmd.WorkingDirectory, "target", "deploy")
		_ = os.MkdirAll(out, 0755)
		_ = os.WriteFile(filepath.Join(out, "add_numbers.so"), []byte("elf"), 0644)
	}})
	rec, body = e.do(t, http.MethodPost, "/api/build", map[string]interface{}{"programDir": programDir})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "add_numbers.so", body["programName"])
}

func TestBuild_FailureIsReportedWithCode(t *testing.T) {
	e := newEnv(t)
	e.exec.On("cargo build-sbf", tactiletest.Response{ExitCode: 101, Stderr: "error: could not compile"})

	rec, body := e.do(t, http.MethodPost, "/api/build", map[string]interface{}{"programDir": t.TempDir()})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "E103", body["errorCode"])
	assert.Equal(t, "error: could not compile", body["details"])
}

func TestDeploy(t *testing.T) {
	e := newEnv(t)

	rec, body := e.do(t, http.MethodPost, "/api/deploy", map[string]interface{}{"network": "devnet"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Program path is required", body["error"])

	rec, body = e.do(t, http.MethodPost, "/api/deploy", map[string]interface{}{"programPath": "x.so", "network": "moonnet"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "E105", body["errorCode"])
	assert.Equal(t, "Invalid network specified.: moonnet", body["error"])
}

func TestInvoke(t *testing.T) {
	e := newEnv(t)

	rec, _ := e.do(t, http.MethodPost, "/api/invoke", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	programID := runtime.ProgramIDFor(program.AddNumbersName).String()
	rec, body := e.do(t, http.MethodPost, "/api/invoke", map[string]interface{}{"programId": programID, "network": "devnet"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["success"])
	assert.Contains(t, body["logs"], "Program log: Sum: 12")
	assert.Contains(t, body["explorerUrl"], "?cluster=devnet")

	_, body = e.do(t, http.MethodPost, "/api/invoke", map[string]interface{}{
		"programId":   programID,
		"keypairPath": filepath.Join(t.TempDir(), "missing.json"),
	})
	assert.Equal(t, "E106", body["errorCode"])
}

func TestInvoke_RPCFailureIs500(t *testing.T) {
	e := newEnv(t)
	e.node.Fail("getLatestBlockhash", &solana.RPCError{Code: -32005, Message: "Node is behind"})

	rec, body := e.do(t, http.MethodPost, "/api/invoke", map[string]interface{}{
		"programId": runtime.ProgramIDFor(program.AddNumbersName).String(),
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, false, body["success"])
	assert.Contains(t, body["error"], "Node is behind")
}

func TestInvoke_FailedTransactionReturnsLogs(t *testing.T) {
	e := newEnv(t)
	failing := solana.PublicKey{4, 2}
	require.NoError(t, e.node.Runtime.Register(failing, "failing", func(ctx program.Context) error {
		ctx.Msg("rejecting instruction")
		return errors.New("invalid instruction data")
	}))

	rec, body := e.do(t, http.MethodPost, "/api/invoke", map[string]interface{}{"programId": failing.String()})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, false, body["success"])
	assert.Contains(t, body["error"], "InstructionError")
	assert.Contains(t, body["logs"], "Program log: rejecting instruction")
}

func TestSimulateAndHistory(t *testing.T) {
	e := newEnv(t)

	rec, body := e.do(t, http.MethodPost, "/api/simulate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, []interface{}{
		"Add predefined numbers program started.",
		"Number 1: 5",
		"Number 2: 7",
		"Sum: 12",
	}, body["programLogs"])

	_, body = e.do(t, http.MethodGet, "/api/history?limit=5", nil)
	assert.Equal(t, true, body["success"])
	assert.Len(t, body["invocations"], 1)
	assert.Empty(t, body["deployments"])

	rec, _ = e.do(t, http.MethodGet, "/api/history?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInvalidJSON(t *testing.T) {
	e := newEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/api/deploy", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequestID(t *testing.T) {
	e := newEnv(t)

	rec, _ := e.do(t, http.MethodGet, "/api/networks", nil)
	assert.Len(t, rec.Header().Get(RequestIDHeader), 36)

	req := httptest.NewRequest(http.MethodGet, "/api/networks", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec = httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))
}

func TestIndex(t *testing.T) {
	e := newEnv(t)
	rec, _ := e.do(t, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Solana Contract Explorer")

	rec, _ = e.do(t, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecovery(t *testing.T) {
	h := withRecovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServe_GracefulShutdown(t *testing.T) {
	e := newEnv(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.srv.Serve(ctx, ln) }()

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get("http://" + ln.Addr().String() + "/api/networks")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
