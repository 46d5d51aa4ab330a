package debmod

import (
	"fmt"

	"go.uber.org/atomic"

	"github.com/hexrpc/dbgsrv/pkg/logflags"
	"github.com/hexrpc/dbgsrv/service/api"
)

// Base holds the state shared by every backend. Backends embed it and
// override what they can do better.
type Base struct {
	// pid and broken are read by other sessions looking for a debugger
	// to adopt.
	pid    atomic.Int64
	broken atomic.Bool
	host   Host

	// Exceptions is the exception handling table set by the client.
	Exceptions []api.ExceptionDef

	Log logflags.Logger
}

// NewBase returns a Base logging on the debugger layer.
func NewBase() Base {
	return Base{Log: logflags.DebuggerLogger()}
}

func (b *Base) SetHost(h Host) { b.host = h }

// PID returns the id of the debugged process.
func (b *Base) PID() int { return int(b.pid.Load()) }

// SetPID records the id of the debugged process.
func (b *Base) SetPID(pid int) { b.pid.Store(int64(pid)) }

func (b *Base) BrokenConnection() bool { return b.broken.Load() }

func (b *Base) SetBrokenConnection(v bool) { b.broken.Store(v) }

// ContinueBrokenConnection accepts a new session when the connection is
// broken and the session is interested in the debuggee of this module.
func (b *Base) ContinueBrokenConnection(pid int) bool {
	cur := b.PID()
	return b.BrokenConnection() && cur != 0 && cur == pid
}

func (b *Base) SetExceptionInfo(defs []api.ExceptionDef) {
	b.Exceptions = append(b.Exceptions[:0], defs...)
}

// FindException returns the entry of the exception table for code.
func (b *Base) FindException(code uint32) *api.ExceptionDef {
	for i := range b.Exceptions {
		if b.Exceptions[i].Code == code {
			return &b.Exceptions[i]
		}
	}
	return nil
}

// Rexec runs cmdline on the local host.
func (b *Base) Rexec(cmdline string) int {
	code, err := Rexec(cmdline, nil, nil)
	if err != nil {
		b.logger().Errorf("rexec %q: %v", cmdline, err)
	}
	return code
}

// Ioctl rejects every request.
func (b *Base) Ioctl(fn int, in []byte) (int, []byte) {
	return -1, nil
}

// Msgf shows a message to the user of the owning session.
func (b *Base) Msgf(format string, args ...interface{}) {
	if b.host != nil {
		b.host.Msg(fmt.Sprintf(format, args...))
	}
}

// Warningf shows a warning to the user of the owning session.
func (b *Base) Warningf(format string, args ...interface{}) {
	if b.host != nil {
		b.host.Warning(fmt.Sprintf(format, args...))
	}
}

func (b *Base) logger() logflags.Logger {
	if b.Log == nil {
		b.Log = logflags.DebuggerLogger()
	}
	return b.Log
}
