package service

import (
	"fmt"
	"net"
	"time"

	"github.com/hexrpc/dbgsrv/pkg/debmod"
)

// BrokenConnPolicy selects what the server does with the debuggee of a
// session whose connection dies unexpectedly.
type BrokenConnPolicy int

const (
	// TerminateDebugger terminates the debugger module, as for a normal
	// disconnection.
	TerminateDebugger BrokenConnPolicy = iota
	// KeepDebugger keeps the debugger module alive so that a later session
	// attaching to the same process can adopt it.
	KeepDebugger
	// KillProcess kills the debuggee, then terminates the debugger module.
	KillProcess
)

func (p BrokenConnPolicy) String() string {
	switch p {
	case TerminateDebugger:
		return "default"
	case KeepDebugger:
		return "keep"
	case KillProcess:
		return "kill"
	}
	return fmt.Sprintf("BrokenConnPolicy(%d)", int(p))
}

// ParseBrokenConnPolicy is the inverse of BrokenConnPolicy.String.
func ParseBrokenConnPolicy(s string) (BrokenConnPolicy, error) {
	switch s {
	case "", "default":
		return TerminateDebugger, nil
	case "keep":
		return KeepDebugger, nil
	case "kill":
		return KillProcess, nil
	}
	return TerminateDebugger, fmt.Errorf("unknown broken connection policy %q", s)
}

// Defaults used when the corresponding Config field is zero.
const (
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultPollInterval     = 100 * time.Millisecond
)

// Config provides the configuration to start a debugger server.
type Config struct {
	// Listener is used to serve requests.
	Listener net.Listener

	// Password that clients must send during the handshake, empty to
	// accept any client.
	Password string

	// BrokenConnPolicy applies to sessions whose connection dies while a
	// process is being debugged.
	BrokenConnPolicy BrokenConnPolicy

	// Backend selects the debugger module created for each session.
	Backend string
	// NewModule, if set, is used instead of Backend to create modules.
	NewModule debmod.Factory

	// HandshakeTimeout bounds the wait for the client's answer to RPC_OPEN.
	HandshakeTimeout time.Duration
	// PollInterval is how long an idle session waits for a request before
	// polling its debugger module for events.
	PollInterval time.Duration

	// AcceptMulti configures the server to accept multiple connection.
	AcceptMulti bool

	// DisconnectChan will be closed by the server when the client disconnects
	DisconnectChan chan<- struct{}

	// CheckLocalConnUser is true if the server should check that clients
	// connecting on the loopback interface belong to the same user.
	CheckLocalConnUser bool
}
