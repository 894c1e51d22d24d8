package tactile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"soldeploy/internal/config"
	"soldeploy/internal/logging"
)

// DirectExecutor executes commands directly on the host using os/exec.
type DirectExecutor struct {
	mu     sync.RWMutex
	config ExecutorConfig
}

// NewDirectExecutor creates a new direct executor with default config.
func NewDirectExecutor() *DirectExecutor {
	return NewDirectExecutorWithConfig(DefaultExecutorConfig())
}

// NewDirectExecutorWithConfig creates a new direct executor with custom config.
func NewDirectExecutorWithConfig(cfg ExecutorConfig) *DirectExecutor {
	logging.TactileDebug("Creating DirectExecutor with config: timeout=%s, maxOutput=%d bytes",
		cfg.DefaultTimeout, cfg.MaxOutputBytes)
	return &DirectExecutor{config: cfg}
}

// ExecutorFromConfig builds a DirectExecutor from the execution section of
// the soldeploy config.
func ExecutorFromConfig(ec config.ExecutionConfig) *DirectExecutor {
	cfg := DefaultExecutorConfig()
	cfg.DefaultTimeout = ec.GetDefaultTimeout()
	if len(ec.AllowedEnvVars) > 0 {
		cfg.AllowedEnvironment = ec.AllowedEnvVars
	}
	if ec.MaxOutputBytes > 0 {
		cfg.MaxOutputBytes = ec.MaxOutputBytes
	}
	return NewDirectExecutorWithConfig(cfg)
}

// Validate checks if a command can be executed.
func (e *DirectExecutor) Validate(cmd Command) error {
	if cmd.Binary == "" {
		return fmt.Errorf("binary is required")
	}
	return nil
}

// Execute runs a command directly on the host.
func (e *DirectExecutor) Execute(ctx context.Context, cmd Command) (*ExecutionResult, error) {
	timer := logging.StartTimer(logging.CategoryTactile, "Direct command execution")
	defer timer.Stop()

	if err := e.Validate(cmd); err != nil {
		logging.TactileWarn("Command validation failed: %s %v - %v", cmd.Binary, cmd.Arguments, err)
		return nil, err
	}

	e.mu.RLock()
	cfg := e.config
	e.mu.RUnlock()

	cmd = cfg.Merge(cmd)
	logging.Tactile("Executing command: %s (dir=%s, timeout=%s)", cmd.CommandString(), cmd.WorkingDirectory, cmd.Timeout)

	result := &ExecutionResult{ExitCode: -1}

	execCtx, cancel := context.WithTimeout(ctx, cmd.Timeout)
	defer cancel()

	execCmd := exec.CommandContext(execCtx, cmd.Binary, cmd.Arguments...)
	execCmd.Dir = cmd.WorkingDirectory
	execCmd.Env = e.buildEnvironment(cfg, cmd.Environment)
	// Grandchildren holding the output pipes open must not outlive a kill.
	execCmd.WaitDelay = 2 * time.Second

	var stdoutBuf, stderrBuf bytes.Buffer
	stdoutLimited := &limitedWriter{w: &stdoutBuf, max: cfg.MaxOutputBytes}
	stderrLimited := &limitedWriter{w: &stderrBuf, max: cfg.MaxOutputBytes}

	var stdout, stderr io.Writer = stdoutLimited, stderrLimited
	if cmd.Stream != nil {
		// os/exec copies stdout and stderr from separate goroutines.
		live := &syncWriter{w: cmd.Stream}
		stdout = io.MultiWriter(stdoutLimited, live)
		stderr = io.MultiWriter(stderrLimited, live)
	}
	execCmd.Stdout = stdout
	execCmd.Stderr = stderr

	start := time.Now()
	err := execCmd.Run()
	result.Duration = time.Since(start)

	result.Stdout = stdoutBuf.String()
	result.Stderr = stderrBuf.String()
	result.Truncated = stdoutLimited.truncated || stderrLimited.truncated
	if result.Truncated {
		logging.TactileWarn("Command output truncated: %d bytes discarded", stdoutLimited.discarded+stderrLimited.discarded)
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		result.Success = true
		result.ExitCode = 0
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		result.Success = true // Infrastructure worked, command was killed
		result.Killed = true
		result.KillReason = fmt.Sprintf("timeout after %s", cmd.Timeout)
		logging.TactileWarn("Command killed (timeout): %s after %s", cmd.Binary, cmd.Timeout)
	case errors.Is(execCtx.Err(), context.Canceled):
		result.Success = true
		result.Killed = true
		result.KillReason = "context canceled"
	case errors.As(err, &exitErr):
		result.Success = true // Command ran, just returned non-zero
		result.ExitCode = exitErr.ExitCode()
		logging.TactileDebug("Command exited non-zero: %s -> %d", cmd.Binary, result.ExitCode)
	default:
		result.Success = false
		result.Error = err.Error()
		logging.TactileDebug("Command failed to start: %s - %v", cmd.Binary, err)
	}

	logging.TactileDebug("Command completed: %s -> exit=%d, duration=%s, stdout=%d bytes",
		cmd.Binary, result.ExitCode, result.Duration, len(result.Stdout))
	return result, nil
}

// buildEnvironment creates the environment variable list.
func (e *DirectExecutor) buildEnvironment(cfg ExecutorConfig, cmdEnv []string) []string {
	env := make([]string, 0, len(cfg.AllowedEnvironment)+len(cmdEnv))
	for _, key := range cfg.AllowedEnvironment {
		if val := os.Getenv(key); val != "" {
			env = append(env, fmt.Sprintf("%s=%s", key, val))
		}
	}
	return append(env, cmdEnv...)
}

// syncWriter serializes writes to a writer shared by several goroutines.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (sw *syncWriter) Write(p []byte) (int, error) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.w.Write(p)
}

// limitedWriter is an io.Writer that limits total bytes written.
type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
	discarded int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if lw.max <= 0 {
		written, err := lw.w.Write(p)
		lw.written += int64(written)
		return written, err
	}

	if lw.written >= lw.max {
		lw.truncated = true
		lw.discarded += int64(n)
		return n, nil // Pretend we wrote it
	}

	remaining := lw.max - lw.written
	if int64(n) > remaining {
		lw.truncated = true
		lw.discarded += int64(n) - remaining
		written, err := lw.w.Write(p[:remaining])
		lw.written += int64(written)
		return n, err // Return original length to avoid "short write" errors
	}

	written, err := lw.w.Write(p)
	lw.written += int64(written)
	return written, err
}
