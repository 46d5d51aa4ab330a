package rpcserver

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/atomic"

	"github.com/hexrpc/dbgsrv/pkg/debmod"
	"github.com/hexrpc/dbgsrv/pkg/logflags"
	"github.com/hexrpc/dbgsrv/pkg/wire"
	"github.com/hexrpc/dbgsrv/service"
	"github.com/hexrpc/dbgsrv/service/api"
	"github.com/hexrpc/dbgsrv/service/rpcproto"
)

const (
	maxFileChannels    = 16
	defaultKillTimeout = 5 * time.Second
)

// Session is the server side of one client connection. Everything except
// dormant and mod is owned by the goroutine running serve; those two are
// guarded by the session table lock once the session is in the table.
type Session struct {
	id   int64
	srv  *Server
	conn net.Conn
	r    *bufio.Reader
	log  logflags.Logger
	// dbgLog logs failed debugger module calls.
	dbgLog logflags.Logger

	mod     debmod.Module
	dormant bool

	loggedIn        bool
	pollDebugEvents bool
	hasPendingEvent bool
	pendingEvent    *api.DebugEvent

	files [maxFileChannels]*os.File

	// gotTerm is set once the client sent RPC_TERM.
	gotTerm bool
	// modTermed is set while the module has been terminated by RPC_TERM
	// and no process was started or attached since.
	modTermed bool
	// connErr is the first error seen on conn.
	connErr error
	// stopping is set when the server closes the connection.
	stopping atomic.Bool
}

var _ debmod.Host = (*Session)(nil)

// ID returns the identifier of the session.
func (s *Session) ID() int64 { return s.id }

// serve runs the session until the connection is closed.
func (s *Session) serve() {
	if !s.handshake() {
		s.teardown(false)
		return
	}
	s.log.Debugf("client %v logged in", s.conn.RemoteAddr())
	err := s.mainLoop()
	broken := s.isBroken(err)
	if broken {
		s.log.Warnf("connection broken: %v", err)
	} else {
		s.log.Debugf("connection closed")
	}
	s.teardown(broken)
}

// stop closes the connection of a running session, making serve return.
func (s *Session) stop() {
	s.stopping.Store(true)
	s.conn.Close()
}

// isBroken reports whether err, the error that ended the main loop, means
// that the client vanished without closing the session.
func (s *Session) isBroken(err error) bool {
	if s.stopping.Load() {
		return false
	}
	if s.gotTerm && errors.Is(err, io.EOF) {
		return false
	}
	return true
}

// handshake sends RPC_OPEN and checks the client's answer. It returns true
// if the client was accepted.
func (s *Session) handshake() bool {
	cfg := s.srv.config
	s.conn.SetReadDeadline(time.Now().Add(cfg.HandshakeTimeout))

	p := wire.NewPacker(16)
	p.PackDD(rpcproto.InterfaceVersion)
	p.PackDD(rpcproto.DebuggerID)
	p.PackDD(uint32(wire.AddrSize))
	if err := s.send(rpcproto.RPC_OPEN, p.Bytes()); err != nil {
		s.log.Errorf("could not establish connection: %v", err)
		return false
	}
	pkt, err := s.recv()
	if err != nil {
		s.log.Errorf("could not establish connection: %v", err)
		return false
	}
	if rpcproto.Code(pkt.Code) != rpcproto.RPC_OK {
		s.log.Errorf("could not establish connection: unexpected %v", rpcproto.Code(pkt.Code))
		return false
	}

	u := wire.NewUnpacker(pkt.Payload)
	compatible := u.UnpackBool()
	if u.Err() != nil || !compatible {
		s.log.Errorf("incompatible client, closing connection")
		return false
	}

	accepted := true
	if cfg.Password != "" {
		var given []byte
		if str := u.UnpackStr(); u.Err() == nil {
			given = []byte(str)
		}
		if !passwordMatches(given, cfg.Password) {
			s.log.Errorf("Bad password")
			accepted = false
		}
	}

	p = wire.NewPacker(1)
	p.PackBool(accepted)
	if err := s.send(rpcproto.RPC_OK, p.Bytes()); err != nil {
		s.log.Errorf("could not establish connection: %v", err)
		return false
	}
	if !accepted {
		return false
	}
	s.conn.SetReadDeadline(time.Time{})
	s.loggedIn = true
	return true
}

// passwordComparisons counts the byte comparisons made by passwordMatches.
var passwordComparisons atomic.Int64

// passwordMatches compares the password sent by the client with the
// configured one. The number of comparisons depends only on len(given).
// A nil given password never matches.
func passwordMatches(given []byte, configured string) bool {
	if given == nil {
		return false
	}
	diff := byte(0)
	if len(given) != len(configured) {
		diff = 1
	}
	if len(configured) == 0 {
		return diff == 0
	}
	for i := range given {
		diff |= given[i] ^ configured[i%len(configured)]
		passwordComparisons.Inc()
	}
	return diff == 0
}

// mainLoop services client requests until the connection fails. While
// polling is enabled the read waits at most PollInterval before the
// module is polled for events.
func (s *Session) mainLoop() error {
	interval := s.srv.config.PollInterval
	for {
		if s.pollDebugEvents && interval > 0 {
			s.conn.SetReadDeadline(time.Now().Add(interval))
			_, err := s.r.Peek(1)
			s.conn.SetReadDeadline(time.Time{})
			if err != nil {
				if isTimeout(err) {
					if err := s.pollEvents(0); err != nil {
						return err
					}
					continue
				}
				return err
			}
		}
		pkt, err := s.recv()
		if err != nil {
			return err
		}
		if err := s.handleRequest(pkt); err != nil {
			return err
		}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

func (s *Session) recv() (*wire.Packet, error) {
	if s.connErr != nil {
		return nil, s.connErr
	}
	pkt, err := wire.ReadPacket(s.r)
	if err != nil {
		s.connErr = err
		return nil, err
	}
	if logflags.RPC() {
		s.rpcLog().Debugf("<- %v (%d bytes)", rpcproto.Code(pkt.Code), len(pkt.Payload))
	}
	return pkt, nil
}

func (s *Session) send(code rpcproto.Code, payload []byte) error {
	if s.connErr != nil {
		return s.connErr
	}
	if logflags.RPC() {
		s.rpcLog().Debugf("-> %v (%d bytes)", code, len(payload))
	}
	if err := wire.WritePacket(s.conn, byte(code), payload); err != nil {
		s.connErr = err
		return err
	}
	return nil
}

func (s *Session) rpcLog() logflags.Logger {
	return logflags.RPCLogger().WithField("session", s.id)
}

// sendRequest sends a server request to the client and waits for its
// reply. Requests the client sends in the meantime are serviced.
func (s *Session) sendRequest(code rpcproto.Code, payload []byte) (*wire.Packet, error) {
	if err := s.send(code, payload); err != nil {
		return nil, err
	}
	for {
		pkt, err := s.recv()
		if err != nil {
			return nil, err
		}
		if rpcproto.Code(pkt.Code).IsReply() {
			return pkt, nil
		}
		if err := s.handleRequest(pkt); err != nil {
			return nil, err
		}
	}
}

// Msg shows a message to the user of the client.
func (s *Session) Msg(str string) { s.notify(rpcproto.RPC_MSG, str) }

// Warning shows a warning to the user of the client.
func (s *Session) Warning(str string) { s.notify(rpcproto.RPC_WARNING, str) }

// Error shows an error to the user of the client.
func (s *Session) Error(str string) { s.notify(rpcproto.RPC_ERROR, str) }

func (s *Session) notify(code rpcproto.Code, str string) {
	if !s.loggedIn || s.dormant || s.connErr != nil {
		s.log.Infof("%v: %s", code, str)
		return
	}
	p := wire.NewPacker(len(str) + 1)
	p.PackStr(str)
	if _, err := s.sendRequest(code, p.Bytes()); err != nil {
		s.log.Errorf("could not send %v: %v", code, err)
	}
}

// teardown releases the resources of the session. A broken connection is
// handled according to the server's policy.
func (s *Session) teardown(broken bool) {
	srv := s.srv
	if broken && s.mod != nil && s.mod.PID() != 0 {
		switch srv.config.BrokenConnPolicy {
		case service.KeepDebugger:
			s.log.Infof("keeping debugger of process %d for a new connection", s.mod.PID())
			s.mod.SetBrokenConnection(true)
			if err := s.closeStreams(); err != nil {
				s.log.Errorf("teardown: %v", err)
			}
			srv.table.markDormant(s)
			return
		case service.KillProcess:
			s.killProcess()
		}
	}

	if s.mod != nil && !s.modTermed {
		s.mod.Term()
	}
	if err := s.closeStreams(); err != nil {
		s.log.Errorf("teardown: %v", err)
	}
	srv.table.remove(s)
}

// closeStreams closes the file channels and the connection.
func (s *Session) closeStreams() error {
	var result *multierror.Error
	for i, f := range s.files {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		s.files[i] = nil
	}
	if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// killProcess terminates the debuggee and waits for it to exit.
func (s *Session) killProcess() {
	pid := s.mod.PID()
	if err := s.mod.ExitProcess(); err != nil {
		s.log.Errorf("could not kill process %d: %v", pid, err)
		return
	}
	timeout := s.srv.killTimeout
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		code, ev := s.mod.GetDebugEvent(100 * time.Millisecond)
		if code <= api.GdeNoEvent || ev == nil {
			continue
		}
		if ev.ID == api.ProcessExited {
			s.log.Infof("process %d killed", pid)
			return
		}
		s.mod.ContinueAfterEvent(ev)
	}
	s.log.Warnf("process %d did not exit in %v", pid, timeout)
}

func (s *Session) String() string {
	return fmt.Sprintf("session %d", s.id)
}
