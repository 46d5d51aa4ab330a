package rpcserver

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/hexrpc/dbgsrv/pkg/debmod"
	"github.com/hexrpc/dbgsrv/pkg/debmod/sim"
	"github.com/hexrpc/dbgsrv/pkg/wire"
	"github.com/hexrpc/dbgsrv/service"
	"github.com/hexrpc/dbgsrv/service/api"
	"github.com/hexrpc/dbgsrv/service/rpcproto"
)

const libBase = 0x10000000

func makeNames(n int, base uint64) []api.DebugName {
	names := make([]api.DebugName, n)
	for i := range names {
		names[i] = api.DebugName{EA: base + uint64(i)*16, Name: fmt.Sprintf("sym_%04d", i)}
	}
	return names
}

func withLibrary(names []api.DebugName) func(*sim.Module) {
	return func(m *sim.Module) {
		m.AddLibrary(sim.Library{Path: "/lib/libfoo.so", Base: libBase, Size: 0x10000, Names: names})
	}
}

func TestImportNames(t *testing.T) {
	names := makeNames(3000, libBase)
	ts := newTestServer(t, &service.Config{}, withLibrary(names), func(s *Server) {
		s.nameChunkCap = 1024
	})
	require.Greater(t, len(rpcproto.SplitDebugNames(names, 1024)), 1)

	c := ts.login(t)
	var offered []api.ImportInfo
	c.ImportDll = func(info api.ImportInfo) bool {
		offered = append(offered, info)
		return false
	}
	startProcess(t, c)
	_, err := c.StoppedAtDebugEvent(true, false)
	assertNoError(err, t, "StoppedAtDebugEvent")

	require.Len(t, offered, 1)
	assert.Equal(t, "/lib/libfoo.so", offered[0].Path)
	assert.Equal(t, uint64(libBase), offered[0].Base)
	assert.Equal(t, 1, ts.mod(0).Stats().ImportDll)

	assert.Equal(t, len(names), c.Names.Len())
	for _, i := range []int{0, 42, 1999, 2999} {
		ea, ok := c.Names.Lookup(names[i].Name)
		assert.True(t, ok, names[i].Name)
		assert.Equal(t, names[i].EA, ea, names[i].Name)
	}

	// The libraries are only offered once.
	_, err = c.StoppedAtDebugEvent(true, false)
	assertNoError(err, t, "StoppedAtDebugEvent")
	assert.Len(t, offered, 1)
}

func TestImportNamesByClient(t *testing.T) {
	ts := newTestServer(t, &service.Config{}, withLibrary(makeNames(10, libBase)))
	c := ts.login(t)
	c.ImportDll = func(api.ImportInfo) bool { return true }
	startProcess(t, c)
	_, err := c.StoppedAtDebugEvent(true, false)
	assertNoError(err, t, "StoppedAtDebugEvent")
	assert.Equal(t, 0, ts.mod(0).Stats().ImportDll)
	assert.Equal(t, 0, c.Names.Len())
}

func TestSendDebugNamesMismatch(t *testing.T) {
	srv := NewServer(&service.Config{NewModule: func() debmod.Module { return sim.New() }})
	srv.nameChunkCap = 64
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()
	sess, err := srv.newSession(serverConn)
	assertNoError(err, t, "newSession")
	sess.loggedIn = true

	names := makeNames(100, libBase)
	require.Greater(t, len(rpcproto.SplitDebugNames(names, srv.nameChunkCap)), 2)

	var g errgroup.Group
	g.Go(func() error {
		defer serverConn.Close()
		return sess.sendDebugNames(names)
	})

	ack := func(delta int) {
		pkt, err := wire.ReadPacket(clientConn)
		assertNoError(err, t, "reading chunk")
		require.Equal(t, rpcproto.RPC_SET_DEBUG_NAMES, rpcproto.Code(pkt.Code))
		count := wire.NewUnpacker(pkt.Payload).UnpackDD()
		p := wire.NewPacker(5)
		p.PackDD(count + uint32(delta))
		assertNoError(wire.WritePacket(clientConn, byte(rpcproto.RPC_OK), p.Bytes()), t, "acknowledging chunk")
	}
	ack(0)
	ack(1)

	err = g.Wait()
	assert.ErrorIs(t, err, ErrNamesMismatch)

	// No chunk follows the bad acknowledgement, the server end is closed.
	clientConn.SetReadDeadline(time.Now().Add(time.Second))
	_, err = wire.ReadPacket(clientConn)
	assert.Error(t, err)
	assert.False(t, isTimeout(err), "expected end of stream, got %v", err)
}
