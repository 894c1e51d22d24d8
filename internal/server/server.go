// Package server exposes build, deploy and invoke over a small JSON API for
// the contract explorer page.
package server

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"soldeploy/internal/builder"
	"soldeploy/internal/config"
	"soldeploy/internal/deployer"
	"soldeploy/internal/logging"
	"soldeploy/internal/store"
)

//go:embed index.html
var indexHTML []byte

// RequestIDHeader carries the per-request correlation ID.
const RequestIDHeader = "X-Request-ID"

// Server serves the explorer API.
type Server struct {
	deployer *deployer.Deployer
	cfg      *config.Config
	handler  http.Handler
}

// New creates a server backed by d.
func New(d *deployer.Deployer) *Server {
	s := &Server{deployer: d, cfg: d.Config()}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /api/networks", s.handleNetworks)
	mux.HandleFunc("GET /api/check-environment", s.handleCheckEnvironment)
	mux.HandleFunc("POST /api/build", s.handleBuild)
	mux.HandleFunc("POST /api/deploy", s.handleDeploy)
	mux.HandleFunc("POST /api/invoke", s.handleInvoke)
	mux.HandleFunc("POST /api/simulate", s.handleSimulate)
	mux.HandleFunc("GET /api/history", s.handleHistory)

	s.handler = withRequestID(withRecovery(mux))
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()
	logging.Server("Solana contract explorer running at http://%s", ln.Addr())

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.GetShutdownTimeout())
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			server.Close()
			return fmt.Errorf("shutdown: %w", err)
		}
		<-errChan
		logging.Server("explorer server stopped")
		return nil
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(indexHTML)
}

func (s *Server) handleNetworks(w http.ResponseWriter, r *http.Request) {
	names := s.cfg.NetworkNames()
	clusters := make([]config.Network, 0, len(names))
	for _, name := range names {
		n, _ := s.cfg.ResolveNetwork(name)
		clusters = append(clusters, n)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"networks": names,
		"clusters": clusters,
		"default":  s.cfg.Network,
		// Programs /api/simulate can run.
		"localPrograms": s.deployer.LocalPrograms(),
	})
}

func (s *Server) handleCheckEnvironment(w http.ResponseWriter, r *http.Request) {
	report := s.deployer.Builder().ValidateEnvironment(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"isValid": report.OK(),
		"tools":   report.Tools,
	})
}

type buildRequest struct {
	ProgramDir string `json:"programDir"`
	OutputDir  string `json:"outputDir"`
	Verbose    bool   `json:"verbose"`
}

func (s *Server) handleBuild(w http.ResponseWriter, r *http.Request) {
	var req buildRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ProgramDir == "" {
		badRequest(w, "Program directory is required")
		return
	}

	res, err := s.deployer.Builder().BuildContract(r.Context(), req.ProgramDir, builder.Options{OutputDir: req.OutputDir})
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"programPath": res.ProgramPath,
		"programName": res.ProgramName,
	})
}

type deployRequest struct {
	ProgramPath string `json:"programPath"`
	Network     string `json:"network"`
	KeypairPath string `json:"keypairPath"`
	Verbose     bool   `json:"verbose"`
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ProgramPath == "" {
		badRequest(w, "Program path is required")
		return
	}

	res, err := s.deployer.Deploy(r.Context(), req.ProgramPath, deployer.Options{
		Network:     req.Network,
		KeypairPath: req.KeypairPath,
	})
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"programId": res.ProgramID,
		"network":   res.Network,
	})
}

type invokeRequest struct {
	ProgramID   string `json:"programId"`
	Network     string `json:"network"`
	KeypairPath string `json:"keypairPath"`
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var req invokeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ProgramID == "" {
		badRequest(w, "Program ID is required")
		return
	}
	keypairPath := req.KeypairPath
	if keypairPath == "" {
		keypairPath = s.cfg.KeypairPath
	}

	payer, err := deployer.LoadPayer(keypairPath)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	res, err := s.deployer.Invoke(r.Context(), req.ProgramID, payer, req.Network)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"signature":   res.Signature,
		"logs":        res.Logs,
		"explorerUrl": res.ExplorerURL,
	})
}

type simulateRequest struct {
	Program string `json:"program"`
	// Data is instruction data; JSON carries it base64 encoded.
	Data []byte `json:"data"`
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var req simulateRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := s.deployer.Simulate(r.Context(), deployer.SimulateOptions{Program: req.Program, Data: req.Data})
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     res.Success(),
		"programId":   res.ProgramID.String(),
		"logs":        res.Logs,
		"programLogs": res.ProgramLogs(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	history := s.deployer.History()
	if history == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":     true,
			"deployments": []store.Deployment{},
			"invocations": []store.Invocation{},
		})
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			badRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	deployments, err := history.ListDeployments(r.Context(), limit)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	invocations, err := history.ListInvocations(r.Context(), r.URL.Query().Get("programId"), limit)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if deployments == nil {
		deployments = []store.Deployment{}
	}
	if invocations == nil {
		invocations = []store.Invocation{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"deployments": deployments,
		"invocations": invocations,
	})
}
