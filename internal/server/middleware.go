package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"soldeploy/internal/config"
	"soldeploy/internal/deployer"
	"soldeploy/internal/logging"
)

type ctxKey struct{}

// RequestID returns the correlation ID assigned to the request, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// withRequestID tags each request with an X-Request-ID, reusing the caller's
// when supplied, and logs the outcome.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))

		logging.Get(logging.CategoryServer).With("request_id", id).
			Info("%s %s -> %d (%s)", r.Method, r.URL.Path, rec.status, time.Since(start))
	})
}

func withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				logging.ServerError("panic serving %s %s [%s]: %v", r.Method, r.URL.Path, RequestID(r.Context()), v)
				writeJSON(w, http.StatusInternalServerError, failure{Error: "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// failure is the error body shared by every endpoint.
type failure struct {
	Success   bool             `json:"success"`
	Error     string           `json:"error"`
	ErrorCode config.ErrorCode `json:"errorCode,omitempty"`
	Details   string           `json:"details,omitempty"`
	Logs      []string         `json:"logs,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.ServerError("failed to encode response: %v", err)
	}
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, failure{Error: msg})
}

// writeFailure reports a coded SDK error as a 200 with success=false, the
// shape explorer clients expect. Anything else is a 500.
func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	code := config.CodeOf(err)
	if code == "" {
		logging.ServerError("%s %s [%s]: %v", r.Method, r.URL.Path, RequestID(r.Context()), err)
		body := failure{Error: err.Error()}
		var ierr *deployer.InvokeError
		if errors.As(err, &ierr) {
			body.Logs = ierr.Logs
		}
		writeJSON(w, http.StatusInternalServerError, body)
		return
	}
	writeJSON(w, http.StatusOK, failure{
		Error:     config.MessageOf(err),
		ErrorCode: code,
		Details:   config.DetailsOf(err),
	})
}

// decode reads a JSON body into v. An empty body leaves v zero.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	badRequest(w, "invalid JSON body: "+err.Error())
	return false
}
