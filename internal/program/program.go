// Package program contains the on-chain instruction handlers shipped with
// soldeploy and the context a host runtime hands them.
package program

import (
	"fmt"

	"soldeploy/internal/solana"
)

// AccountInfo is an account reference passed to a program invocation.
type AccountInfo struct {
	Key        solana.PublicKey
	Owner      solana.PublicKey
	Lamports   uint64
	Data       []byte
	IsSigner   bool
	IsWritable bool
	Executable bool
}

// Logger is the host-provided diagnostic sink. Messages are fire-and-forget.
type Logger interface {
	Log(message string)
}

// LoggerFunc adapts a function to Logger.
type LoggerFunc func(message string)

// Log calls f(message).
func (f LoggerFunc) Log(message string) { f(message) }

// Context is everything the host runtime supplies for one invocation.
type Context struct {
	ProgramID       solana.PublicKey
	Accounts        []AccountInfo
	InstructionData []byte
	Log             Logger
}

// Msg formats and emits a log record. A nil Log discards it.
func (c Context) Msg(format string, args ...interface{}) {
	if c.Log == nil {
		return
	}
	c.Log.Log(fmt.Sprintf(format, args...))
}

// Entrypoint is a program's instruction handler.
type Entrypoint func(ctx Context) error
