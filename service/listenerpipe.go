package service

import (
	"errors"
	"net"
	"sync"
)

// PipeListener is an in-memory net.Listener. Every call to Dial creates a
// full-duplex connection, like net.Pipe, whose other end is returned by the
// next call to Accept.
type PipeListener struct {
	conns   chan net.Conn
	closeMu sync.Mutex
	closech chan struct{}
}

// ListenerPipe returns a listener together with a first connection to it.
func ListenerPipe() (*PipeListener, net.Conn) {
	l := NewPipeListener()
	return l, l.Dial()
}

// NewPipeListener returns a listener with no pending connection.
func NewPipeListener() *PipeListener {
	return &PipeListener{conns: make(chan net.Conn, 16), closech: make(chan struct{})}
}

// Dial connects to the listener. It never blocks, the connection is
// queued until it is accepted.
func (l *PipeListener) Dial() net.Conn {
	conn0, conn1 := net.Pipe()
	l.conns <- conn0
	return conn1
}

// Accept returns the next dialed connection, it blocks until a connection
// is dialed or the listener is closed.
func (l *PipeListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closech:
		return nil, errors.New("accept failed: listener closed")
	}
}

// Close closes the listener.
func (l *PipeListener) Close() error {
	l.closeMu.Lock()
	defer l.closeMu.Unlock()
	select {
	case <-l.closech:
	default:
		close(l.closech)
	}
	return nil
}

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }

// Addr returns the listener's network address.
func (l *PipeListener) Addr() net.Addr {
	return pipeAddr{}
}
