// Package rpcserver implements the server side of the debugger RPC
// protocol. Every accepted connection becomes a Session that owns one
// debugger module and services the requests of its client.
package rpcserver

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/hexrpc/dbgsrv/pkg/debmod"
	"github.com/hexrpc/dbgsrv/pkg/logflags"
	"github.com/hexrpc/dbgsrv/service"
	"github.com/hexrpc/dbgsrv/service/rpcproto"
)

// Server accepts client connections and runs one session per connection.
type Server struct {
	// config is all the information necessary to start the server.
	config *service.Config
	// listener is used to accept connections.
	listener net.Listener
	// stopChan is used to stop the listener goroutine.
	stopChan chan struct{}
	stopOnce sync.Once
	// acceptDone is closed when the listener goroutine returns.
	acceptDone chan struct{}
	// table holds the live and dormant sessions.
	table *sessionTable
	// wg tracks the session goroutines.
	wg sync.WaitGroup

	lastID atomic.Int64
	log    logflags.Logger

	// nameChunkCap is the soft cap of RPC_SET_DEBUG_NAMES payloads.
	nameChunkCap int
	// killTimeout bounds the wait for the debuggee to exit when a broken
	// connection is handled with the kill policy.
	killTimeout time.Duration
}

var _ service.Server = (*Server)(nil)

// NewServer creates a new Server.
func NewServer(config *service.Config) *Server {
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = service.DefaultHandshakeTimeout
	}
	if config.PollInterval <= 0 {
		config.PollInterval = service.DefaultPollInterval
	}
	return &Server{
		config:   config,
		listener: config.Listener,
		stopChan: make(chan struct{}),
		table:    newSessionTable(),
		log:      logflags.ServerLogger(),

		nameChunkCap: rpcproto.NameChunkSoftCap,
		killTimeout:  defaultKillTimeout,
	}
}

// Run starts accepting connections. It returns once the accept loop is
// running; use Stop to shut the server down.
func (s *Server) Run() error {
	if s.config.NewModule == nil {
		if _, err := debmod.Lookup(s.config.Backend); err != nil {
			return err
		}
	}
	s.acceptDone = make(chan struct{})
	go func() {
		defer close(s.acceptDone)
		defer s.listener.Close()
		for {
			c, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.stopChan:
					// We were supposed to exit, do nothing and return
					return
				default:
					s.log.Errorf("accept: %v", err)
					return
				}
			}

			if s.config.CheckLocalConnUser {
				if !canAccept(s.listener.Addr(), c.LocalAddr(), c.RemoteAddr()) {
					c.Close()
					continue
				}
			}

			sess, err := s.newSession(c)
			if err != nil {
				s.log.Errorf("could not create debugger module: %v", err)
				c.Close()
				continue
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				sess.serve()
				if !s.config.AcceptMulti && s.config.DisconnectChan != nil {
					close(s.config.DisconnectChan)
					s.config.DisconnectChan = nil
				}
			}()
			if !s.config.AcceptMulti {
				break
			}
		}
	}()
	return nil
}

func (s *Server) newSession(c net.Conn) (*Session, error) {
	sess := &Session{
		id:   s.lastID.Inc(),
		srv:  s,
		conn: c,
		r:    bufio.NewReader(c),
	}
	sess.log = logflags.SessionLogger().WithField("session", sess.id)
	sess.dbgLog = logflags.DebuggerLogger().WithField("session", sess.id)
	var (
		mod debmod.Module
		err error
	)
	if s.config.NewModule != nil {
		mod = s.config.NewModule()
		mod.SetHost(sess)
	} else {
		mod, err = debmod.New(s.config.Backend, sess)
	}
	if err != nil {
		return nil, err
	}
	sess.mod = mod
	s.table.add(sess)
	s.log.Debugf("accepted connection from %v (session %d)", c.RemoteAddr(), sess.id)
	return sess, nil
}

// Stop stops accepting connections, closes every live connection and
// terminates every debugger module, including the ones kept for broken
// connections.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopChan)
		err = s.listener.Close()
	})
	// no session can be added once the listener goroutine is gone
	if s.acceptDone != nil {
		<-s.acceptDone
	}
	s.table.forAll(func(sess *Session) {
		if !sess.dormant {
			sess.stop()
		}
	})
	s.wg.Wait()

	s.table.forAll(func(sess *Session) {
		if sess.mod != nil {
			sess.log.Debugf("terminating debugger of process %d", sess.mod.PID())
			sess.mod.Term()
			sess.mod = nil
		}
	})
	s.table.clear()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

// Wait blocks until every session goroutine has returned.
func (s *Server) Wait() {
	s.wg.Wait()
}

// ForAllDebuggers calls fn on the debugger module of every session, live
// or dormant, with the session table locked.
func (s *Server) ForAllDebuggers(fn func(debmod.Module)) {
	s.table.forAll(func(sess *Session) {
		if sess.mod != nil {
			fn(sess.mod)
		}
	})
}

// NumSessions returns the number of sessions in the table.
func (s *Server) NumSessions() int {
	return s.table.len()
}
