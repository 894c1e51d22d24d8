// Package runtime is a local host runtime for program entrypoints. It plays
// the part a cluster validator plays for a deployed program: it dispatches an
// instruction to the registered entrypoint, supplies the log sink, and frames
// the output the way transaction logs are reported.
package runtime

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"soldeploy/internal/logging"
	"soldeploy/internal/program"
	"soldeploy/internal/solana"
)

// ErrUnknownProgram is returned when no entrypoint is registered for an ID.
var ErrUnknownProgram = errors.New("unknown program")

// Instruction is a single call into a registered program.
type Instruction struct {
	ProgramID solana.PublicKey
	Accounts  []program.AccountInfo
	Data      []byte
}

// Result is the outcome of one invocation.
type Result struct {
	ProgramID solana.PublicKey `json:"programId"`
	Logs      []string         `json:"logs"`
	Err       error            `json:"-"`
	Duration  time.Duration    `json:"duration"`
}

// Success reports whether the entrypoint returned without error.
func (r *Result) Success() bool { return r.Err == nil }

// ProgramLogs returns only the records emitted by the program itself, without
// the "Program log: " prefix.
func (r *Result) ProgramLogs() []string {
	out := make([]string, 0, len(r.Logs))
	for _, line := range r.Logs {
		if msg, ok := strings.CutPrefix(line, programLogPrefix); ok {
			out = append(out, msg)
		}
	}
	return out
}

// Runtime dispatches instructions to registered entrypoints. It is safe for
// concurrent use; invocations share no state beyond the registry.
type Runtime struct {
	mu       sync.RWMutex
	programs map[solana.PublicKey]registration
}

type registration struct {
	name       string
	entrypoint program.Entrypoint
}

// New creates an empty runtime.
func New() *Runtime {
	return &Runtime{programs: make(map[solana.PublicKey]registration)}
}

// NewWithBuiltins creates a runtime with every built-in program registered at
// its derived ID.
func NewWithBuiltins() *Runtime {
	rt := New()
	for name, ep := range Builtins() {
		// IDs are derived from distinct names, so registration cannot collide.
		_ = rt.Register(ProgramIDFor(name), name, ep)
	}
	return rt
}

// Builtins returns the programs shipped with soldeploy by name.
func Builtins() map[string]program.Entrypoint {
	return map[string]program.Entrypoint{
		program.AddNumbersName: program.AddNumbers,
	}
}

// ProgramIDFor derives a stable local program ID from a program name.
func ProgramIDFor(name string) solana.PublicKey {
	return solana.PublicKey(sha256.Sum256([]byte("soldeploy/local/" + name)))
}

// Register binds an entrypoint to a program ID.
func (rt *Runtime) Register(id solana.PublicKey, name string, ep program.Entrypoint) error {
	if ep == nil {
		return fmt.Errorf("register %s: nil entrypoint", id)
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if existing, ok := rt.programs[id]; ok {
		return fmt.Errorf("program %s already registered as %q", id, existing.name)
	}
	rt.programs[id] = registration{name: name, entrypoint: ep}
	logging.RuntimeDebug("registered program %s (%s)", name, id)
	return nil
}

// Lookup resolves a program name to its registered ID.
func (rt *Runtime) Lookup(name string) (solana.PublicKey, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	for id, reg := range rt.programs {
		if reg.name == name {
			return id, true
		}
	}
	return solana.PublicKey{}, false
}

// Programs lists registered program names, sorted.
func (rt *Runtime) Programs() []string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	names := make([]string, 0, len(rt.programs))
	for _, reg := range rt.programs {
		names = append(names, reg.name)
	}
	sort.Strings(names)
	return names
}

// Invoke runs one instruction. The returned error is reserved for host
// failures (unknown program, cancelled context); a failing entrypoint is
// reported through Result.Err with its logs intact.
func (rt *Runtime) Invoke(ctx context.Context, ix Instruction) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rt.mu.RLock()
	reg, ok := rt.programs[ix.ProgramID]
	rt.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProgram, ix.ProgramID)
	}

	id := ix.ProgramID.String()
	res := &Result{ProgramID: ix.ProgramID}
	res.Logs = append(res.Logs, fmt.Sprintf("Program %s invoke [1]", id))

	sink := program.LoggerFunc(func(msg string) {
		res.Logs = append(res.Logs, programLogPrefix+msg)
	})

	start := time.Now()
	res.Err = call(reg.entrypoint, program.Context{
		ProgramID:       ix.ProgramID,
		Accounts:        ix.Accounts,
		InstructionData: ix.Data,
		Log:             sink,
	})
	res.Duration = time.Since(start)

	if res.Err != nil {
		res.Logs = append(res.Logs, fmt.Sprintf("Program %s failed: %v", id, res.Err))
		logging.Get(logging.CategoryRuntime).Warn("program %s failed: %v", reg.name, res.Err)
	} else {
		res.Logs = append(res.Logs, fmt.Sprintf("Program %s success", id))
		logging.RuntimeDebug("program %s succeeded in %s", reg.name, res.Duration)
	}
	return res, nil
}

// call runs ep, converting a panic into an error.
func call(ep program.Entrypoint, pctx program.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("program panicked: %v", r)
		}
	}()
	return ep(pctx)
}

const programLogPrefix = "Program log: "
