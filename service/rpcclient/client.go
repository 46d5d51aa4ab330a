// Package rpcclient implements the client side of the debugger RPC
// protocol. It is used by the tests of the server and by tools that drive
// a remote debugger.
package rpcclient

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/hexrpc/dbgsrv/pkg/logflags"
	"github.com/hexrpc/dbgsrv/pkg/wire"
	"github.com/hexrpc/dbgsrv/service/api"
	"github.com/hexrpc/dbgsrv/service/rpcproto"
)

// ErrRejected is returned by Login when the server refuses the client.
var ErrRejected = errors.New("connection rejected by the server")

// ReplyError is returned when the server answers a request with something
// other than RPC_OK.
type ReplyError struct {
	Request rpcproto.Code
	Reply   rpcproto.Code
}

func (err *ReplyError) Error() string {
	return fmt.Sprintf("%v: server replied %v", err.Request, err.Reply)
}

// ServerInfo is the content of the RPC_OPEN packet sent by the server.
type ServerInfo struct {
	InterfaceVersion uint32
	DebuggerID       uint32
	AddrSize         int
}

// Client is a connection to a debugger server. Its methods must not be
// called concurrently.
type Client struct {
	conn net.Conn
	r    *bufio.Reader
	log  logflags.Logger

	mu     sync.Mutex
	events []*api.DebugEvent

	// Names collects the names sent by the server with
	// RPC_SET_DEBUG_NAMES.
	Names *NameTable

	// OnMessage is called for RPC_MSG, RPC_WARNING and RPC_ERROR requests.
	OnMessage func(code rpcproto.Code, msg string)
	// ImportDll is called for every library offered by the server. It
	// returns true if the client imported the symbols of the library on
	// its own; otherwise the server sends them.
	ImportDll func(info api.ImportInfo) bool

	Info ServerInfo
}

// Dial connects to the server listening on addr.
func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewClient(conn), nil
}

// NewClient creates a new Client from the given connection.
func NewClient(conn net.Conn) *Client {
	return &Client{
		conn:  conn,
		r:     bufio.NewReader(conn),
		log:   logflags.RPCLogger().WithField("side", "client"),
		Names: NewNameTable(),
	}
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Login waits for the server's RPC_OPEN packet and logs in with password.
func (c *Client) Login(password string) error {
	if err := c.readOpen(); err != nil {
		return err
	}
	return c.answerOpen(c.Info.InterfaceVersion == rpcproto.InterfaceVersion, password)
}

// Handshake is like Login but lets the caller choose what to answer to
// the version check.
func (c *Client) Handshake(compatible bool, password string) error {
	if err := c.readOpen(); err != nil {
		return err
	}
	return c.answerOpen(compatible, password)
}

func (c *Client) readOpen() error {
	pkt, err := c.recv()
	if err != nil {
		return err
	}
	if code := rpcproto.Code(pkt.Code); code != rpcproto.RPC_OPEN {
		return fmt.Errorf("expected RPC_OPEN, got %v", code)
	}
	u := wire.NewUnpacker(pkt.Payload)
	c.Info.InterfaceVersion = u.UnpackDD()
	c.Info.DebuggerID = u.UnpackDD()
	c.Info.AddrSize = int(u.UnpackDD())
	return u.Err()
}

func (c *Client) answerOpen(compatible bool, password string) error {
	p := wire.NewPacker(len(password) + 2)
	p.PackBool(compatible)
	p.PackStr(password)
	if err := c.send(rpcproto.RPC_OK, p.Bytes()); err != nil {
		return err
	}
	pkt, err := c.recv()
	if err != nil {
		return err
	}
	u := wire.NewUnpacker(pkt.Payload)
	accepted := u.UnpackBool()
	if err := u.Err(); err != nil {
		return err
	}
	if !accepted {
		return ErrRejected
	}
	return nil
}

func (c *Client) send(code rpcproto.Code, payload []byte) error {
	if logflags.RPC() {
		c.log.Debugf("-> %v (%d bytes)", code, len(payload))
	}
	return wire.WritePacket(c.conn, byte(code), payload)
}

func (c *Client) recv() (*wire.Packet, error) {
	pkt, err := wire.ReadPacket(c.r)
	if err != nil {
		return nil, err
	}
	if logflags.RPC() {
		c.log.Debugf("<- %v (%d bytes)", rpcproto.Code(pkt.Code), len(pkt.Payload))
	}
	return pkt, nil
}

// Call sends a request and returns the server's reply. Requests the
// server sends while the reply is pending are handled by the client.
func (c *Client) Call(code rpcproto.Code, payload []byte) (*wire.Packet, error) {
	if err := c.send(code, payload); err != nil {
		return nil, err
	}
	for {
		pkt, err := c.recv()
		if err != nil {
			return nil, err
		}
		if rpcproto.Code(pkt.Code).IsReply() {
			return pkt, nil
		}
		if err := c.serveRequest(pkt); err != nil {
			return nil, err
		}
	}
}

// call is Call for requests whose reply must be RPC_OK.
func (c *Client) call(code rpcproto.Code, p *wire.Packer) (*wire.Unpacker, error) {
	var payload []byte
	if p != nil {
		payload = p.Bytes()
	}
	pkt, err := c.Call(code, payload)
	if err != nil {
		return nil, err
	}
	if reply := rpcproto.Code(pkt.Code); reply != rpcproto.RPC_OK {
		return nil, &ReplyError{Request: code, Reply: reply}
	}
	return wire.NewUnpacker(pkt.Payload), nil
}

// serveRequest answers a request sent by the server.
func (c *Client) serveRequest(pkt *wire.Packet) error {
	code := rpcproto.Code(pkt.Code)
	u := wire.NewUnpacker(pkt.Payload)
	reply := wire.NewPacker(8)
	replyCode := rpcproto.RPC_OK

	switch code {
	case rpcproto.RPC_EVENT:
		ev := rpcproto.ExtractDebugEvent(u)
		if err := u.Err(); err != nil {
			return fmt.Errorf("RPC_EVENT: %w", err)
		}
		c.mu.Lock()
		c.events = append(c.events, ev)
		c.mu.Unlock()
		replyCode = rpcproto.RPC_EVOK

	case rpcproto.RPC_SET_DEBUG_NAMES:
		names := rpcproto.ExtractDebugNames(u)
		if err := u.Err(); err != nil {
			return fmt.Errorf("RPC_SET_DEBUG_NAMES: %w", err)
		}
		c.Names.AddAll(names)
		reply.PackDD(uint32(len(names)))

	case rpcproto.RPC_IMPORT_DLL:
		infos := rpcproto.ExtractImportInfos(u)
		if err := u.Err(); err != nil {
			return fmt.Errorf("RPC_IMPORT_DLL: %w", err)
		}
		for _, info := range infos {
			reply.PackBool(c.ImportDll != nil && c.ImportDll(info))
		}

	case rpcproto.RPC_MSG, rpcproto.RPC_WARNING, rpcproto.RPC_ERROR:
		msg := u.UnpackStr()
		if err := u.Err(); err != nil {
			return fmt.Errorf("%v: %w", code, err)
		}
		if c.OnMessage != nil {
			c.OnMessage(code, msg)
		}

	case rpcproto.RPC_SYNC_STUB:

	default:
		replyCode = rpcproto.RPC_UNK
	}
	return c.send(replyCode, reply.Bytes())
}

// popEvent returns the oldest event pushed by the server.
func (c *Client) popEvent() *api.DebugEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return nil
	}
	ev := c.events[0]
	c.events = c.events[1:]
	return ev
}

// PendingEvents returns the number of pushed events not yet returned by
// WaitForEvent.
func (c *Client) PendingEvents() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

// WaitForEvent waits at most timeout for the server to push a debug event
// and returns it. It returns nil if no event arrived in time.
func (c *Client) WaitForEvent(timeout time.Duration) (*api.DebugEvent, error) {
	deadline := time.Now().Add(timeout)
	for {
		if ev := c.popEvent(); ev != nil {
			return ev, nil
		}
		c.conn.SetReadDeadline(deadline)
		_, err := c.r.Peek(1)
		c.conn.SetReadDeadline(time.Time{})
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return nil, nil
			}
			return nil, err
		}
		pkt, err := c.recv()
		if err != nil {
			return nil, err
		}
		if code := rpcproto.Code(pkt.Code); code.IsReply() {
			return nil, fmt.Errorf("unexpected %v while waiting for events", code)
		}
		if err := c.serveRequest(pkt); err != nil {
			return nil, err
		}
	}
}
