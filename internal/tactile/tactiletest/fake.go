// Package tactiletest provides a scripted tactile.Executor for tests.
package tactiletest

import (
	"context"
	"fmt"
	"io"
	"sync"

	"soldeploy/internal/tactile"
)

// Response is the scripted outcome for a command line.
type Response struct {
	Stdout   string
	Stderr   string
	ExitCode int
	// StartErr simulates a binary that cannot be started (not installed).
	StartErr string
	// Run, when set, is called before the result is returned; tests use it to
	// create build artifacts.
	Run func(cmd tactile.Command)
}

// Executor answers commands from a table keyed by CommandString. Unknown
// commands behave like a missing binary.
type Executor struct {
	mu        sync.Mutex
	responses map[string]Response
	calls     []tactile.Command
}

// New creates an empty fake.
func New() *Executor {
	return &Executor{responses: make(map[string]Response)}
}

// On scripts the response for a command line such as "cargo build-sbf".
func (f *Executor) On(commandLine string, resp Response) *Executor {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[commandLine] = resp
	return f
}

// Calls returns the commands executed so far.
func (f *Executor) Calls() []tactile.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tactile.Command(nil), f.calls...)
}

// CallLines returns the command lines executed so far.
func (f *Executor) CallLines() []string {
	calls := f.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.CommandString()
	}
	return out
}

// Validate implements tactile.Executor.
func (f *Executor) Validate(cmd tactile.Command) error {
	if cmd.Binary == "" {
		return fmt.Errorf("binary is required")
	}
	return nil
}

// Execute implements tactile.Executor.
func (f *Executor) Execute(ctx context.Context, cmd tactile.Command) (*tactile.ExecutionResult, error) {
	if err := f.Validate(cmd); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	resp, ok := f.responses[cmd.CommandString()]
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return &tactile.ExecutionResult{Success: true, Killed: true, KillReason: "context canceled", ExitCode: -1}, nil
	}
	if !ok {
		return &tactile.ExecutionResult{
			ExitCode: -1,
			Error:    fmt.Sprintf("exec: %q: executable file not found in $PATH", cmd.Binary),
		}, nil
	}
	if resp.Run != nil {
		resp.Run(cmd)
	}
	if resp.StartErr != "" {
		return &tactile.ExecutionResult{ExitCode: -1, Error: resp.StartErr}, nil
	}
	if cmd.Stream != nil {
		_, _ = io.WriteString(cmd.Stream, resp.Stdout)
		_, _ = io.WriteString(cmd.Stream, resp.Stderr)
	}
	return &tactile.ExecutionResult{
		Success:  true,
		ExitCode: resp.ExitCode,
		Stdout:   resp.Stdout,
		Stderr:   resp.Stderr,
	}, nil
}

var _ tactile.Executor = (*Executor)(nil)
