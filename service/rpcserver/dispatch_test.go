package rpcserver

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexrpc/dbgsrv/pkg/debmod"
	"github.com/hexrpc/dbgsrv/pkg/debmod/sim"
	"github.com/hexrpc/dbgsrv/pkg/wire"
	"github.com/hexrpc/dbgsrv/service"
	"github.com/hexrpc/dbgsrv/service/api"
	"github.com/hexrpc/dbgsrv/service/rpcclient"
	"github.com/hexrpc/dbgsrv/service/rpcproto"
)

func ipIndex(t *testing.T, rs *api.DynamicRegisterSet) int {
	t.Helper()
	for i, r := range rs.Registers {
		if r.Flags&api.RegfIP != 0 {
			return i
		}
	}
	t.Fatal("no instruction pointer in register set")
	return -1
}

func TestReadRegisters(t *testing.T) {
	ts := newTestServer(t, &service.Config{}, nil)
	c := ts.login(t)
	ps := startProcess(t, c)
	nregs := len(ps.Registers.Registers)
	ip := ipIndex(t, ps.Registers)
	m := ts.mod(0)

	before := m.Stats().ReadRegisters
	for _, n := range []int{0, -1, nregs + 1} {
		bitmap := make([]byte, rpcproto.RegBitmapSize(nregs+1))
		_, err := c.ReadRegisters(sim.FirstPID, sim.ClassGeneral, n, bitmap)
		assert.Equal(t, api.DrcError, api.DrcOf(err), "nregs=%d", n)
	}
	assert.Equal(t, before, m.Stats().ReadRegisters, "the module must not be called for invalid counts")

	bitmap := make([]byte, rpcproto.RegBitmapSize(nregs))
	rpcproto.BitmapSet(bitmap, ip)
	vals, err := c.ReadRegisters(sim.FirstPID, sim.ClassGeneral, nregs, bitmap)
	assertNoError(err, t, "ReadRegisters")
	require.Len(t, vals, nregs)
	assert.Equal(t, api.RVTInt, vals[ip].Type)
	assert.Equal(t, uint64(sim.ImageBase), vals[ip].Ival)
	for i := range vals {
		if i != ip {
			assert.Equal(t, api.RVTUnavailable, vals[i].Type, "register %d", i)
		}
	}
	assert.Equal(t, before+1, m.Stats().ReadRegisters)
}

func TestUnknownRequest(t *testing.T) {
	ts := newTestServer(t, &service.Config{}, nil)
	c := ts.login(t)
	pkt, err := c.Call(rpcproto.Code(99), nil)
	assertNoError(err, t, "Call")
	assert.Equal(t, rpcproto.RPC_UNK, rpcproto.Code(pkt.Code))

	_, err = c.GetProcesses()
	assertNoError(err, t, "GetProcesses")
}

func TestMalformedRequestClosesSession(t *testing.T) {
	ts := newTestServer(t, &service.Config{}, nil)
	c := ts.login(t)
	_, err := c.Call(rpcproto.RPC_READ_MEMORY, []byte{1})
	assert.Error(t, err)
	waitFor(t, "session removal", func() bool { return ts.srv.NumSessions() == 0 })
}

func TestAppcallOversizedReturnRegister(t *testing.T) {
	ts := newTestServer(t, &service.Config{}, nil)
	c := ts.login(t)
	startProcess(t, c)

	in := &api.AppcallIn{FuncEA: sim.ImageBase, TID: sim.FirstPID}
	for i := 0; i < 200; i++ {
		in.RetRegs = append(in.RetRegs, api.RegObj{RegIdx: i, Size: wire.MaxPacketSize})
	}
	p := wire.NewPacker(0)
	p.PackEA(in.FuncEA)
	p.PackInt(in.TID)
	p.PackInt(in.StkArgsBytes)
	p.PackDD(in.Flags)
	rpcproto.AppendAppcall(p, in)
	_, err := c.Call(rpcproto.RPC_APPCALL, p.Bytes())
	assert.Error(t, err)
	waitFor(t, "session removal", func() bool { return ts.srv.NumSessions() == 0 })
}

func TestStartProcessMalformed(t *testing.T) {
	ts := newTestServer(t, &service.Config{}, nil)
	c := ts.login(t)

	// a path without its terminator
	pkt, err := c.Call(rpcproto.RPC_START_PROCESS, []byte("prog"))
	assertNoError(err, t, "Call")
	require.Equal(t, rpcproto.RPC_OK, rpcproto.Code(pkt.Code))
	u := wire.NewUnpacker(pkt.Payload)
	assert.Equal(t, api.DrcNoFile, api.Drc(u.UnpackInt()))
	assert.NotEmpty(t, u.UnpackStr())
	assertNoError(u.Err(), t, "reply")
	assert.Equal(t, 0, ts.mod(0).Stats().Start)

	_, err = c.StartProcess(&api.StartProcessIn{})
	assert.Equal(t, api.DrcNoFile, api.DrcOf(err))

	startProcess(t, c)
}

func TestUpdateBptsBadCounts(t *testing.T) {
	ts := newTestServer(t, &service.Config{}, nil)
	c := ts.login(t)
	startProcess(t, c)

	p := wire.NewPacker(8)
	p.PackInt(-1)
	p.PackInt(0)
	pkt, err := c.Call(rpcproto.RPC_UPDATE_BPTS, p.Bytes())
	assertNoError(err, t, "Call")
	require.Equal(t, rpcproto.RPC_OK, rpcproto.Code(pkt.Code))
	u := wire.NewUnpacker(pkt.Payload)
	assert.Equal(t, api.DrcError, api.Drc(u.UnpackInt()))
	assert.Equal(t, 0, u.UnpackInt())
	assert.NotEmpty(t, u.UnpackStr())
	assertNoError(u.Err(), t, "reply")
	assert.Equal(t, 0, u.Remaining())
	assert.Empty(t, ts.mod(0).Breakpoints())

	bpts := []api.UpdateBptInfo{{EA: sim.ImageBase + 0x10, Type: api.BptSoft, PID: sim.FirstPID, TID: -1, Size: 1}}
	n, err := c.UpdateBpts(bpts, 1)
	assertNoError(err, t, "UpdateBpts")
	assert.Equal(t, 1, n)
	assert.Equal(t, []uint64{sim.ImageBase + 0x10}, ts.mod(0).Breakpoints())
}

func TestBinSearch(t *testing.T) {
	ts := newTestServer(t, &service.Config{}, nil)
	c := ts.login(t)
	startProcess(t, c)
	pats := []api.BinPattern{{Bytes: []byte{0xde, 0xad, 0xbe, 0xef}}}

	p := wire.NewPacker(64)
	p.PackEA(sim.ImageBase)
	p.PackEA(sim.ImageBase + sim.ImageSize)
	rpcproto.AppendBinPatterns(p, pats)
	p.PackDD(0)
	pkt, err := c.Call(rpcproto.RPC_BIN_SEARCH, p.Bytes())
	assertNoError(err, t, "Call")
	u := wire.NewUnpacker(pkt.Payload)
	assert.Equal(t, api.DrcFailed, api.Drc(u.UnpackInt()))
	assert.Equal(t, 0, u.Remaining(), "a failed search carries no message")

	_, err = c.WriteMemory(sim.ImageBase+0x100, []byte{0xde, 0xad, 0xbe, 0xef})
	assertNoError(err, t, "WriteMemory")
	ea, err := c.BinSearch(sim.ImageBase, sim.ImageBase+sim.ImageSize, pats, 0)
	assertNoError(err, t, "BinSearch")
	assert.Equal(t, uint64(sim.ImageBase+0x100), ea)

	_, err = c.BinSearch(sim.ImageBase, sim.ImageBase+0x100, pats, 0)
	assert.Equal(t, api.DrcFailed, api.DrcOf(err))
}

func TestEventPolling(t *testing.T) {
	ts := newTestServer(t, &service.Config{}, nil)
	c := ts.login(t)
	startProcess(t, c)

	code, ev, err := c.GetDebugEvent(0)
	assertNoError(err, t, "GetDebugEvent")
	require.Equal(t, api.GdeOneEvent, code)
	assert.Equal(t, api.ProcessStarted, ev.ID)

	code, _, err = c.GetDebugEvent(0)
	assertNoError(err, t, "GetDebugEvent")
	require.Equal(t, api.GdeNoEvent, code)

	// The session now polls the module while the client is idle.
	ts.mod(0).QueueEvent(api.NewTextEvent(api.Information, sim.FirstPID, sim.FirstPID, wire.BadAddr, "ping"))
	ev, err = c.WaitForEvent(5 * time.Second)
	assertNoError(err, t, "WaitForEvent")
	require.NotNil(t, ev, "no event pushed")
	assert.Equal(t, api.Information, ev.ID)
	assert.Equal(t, "ping", ev.Info())
	assert.Equal(t, 0, ts.mod(0).PendingEvents())

	code, _, err = c.GetDebugEvent(0)
	assertNoError(err, t, "GetDebugEvent")
	assert.Equal(t, api.GdeNoEvent, code)
}

func TestNoPollingWithoutRequest(t *testing.T) {
	ts := newTestServer(t, &service.Config{}, nil)
	c := ts.login(t)
	startProcess(t, c)

	// Polling only starts after GET_DEBUG_EVENT found nothing.
	ev, err := c.WaitForEvent(100 * time.Millisecond)
	assertNoError(err, t, "WaitForEvent")
	assert.Nil(t, ev)
	assert.Equal(t, 1, ts.mod(0).PendingEvents())
}

func TestIoctl(t *testing.T) {
	ts := newTestServer(t, &service.Config{}, nil)
	c := ts.login(t)
	code, out, err := c.Ioctl(0, []byte("echo"))
	assertNoError(err, t, "Ioctl")
	assert.Equal(t, 1, code)
	assert.Equal(t, []byte("echo"), out)

	code, _, err = c.Ioctl(5, nil)
	assertNoError(err, t, "Ioctl")
	assert.Equal(t, -1, code)
}

// panickyModule panics on every ioctl.
type panickyModule struct {
	*sim.Module
}

func (m panickyModule) Ioctl(fn int, in []byte) (int, []byte) {
	panic("ioctl exploded")
}

func TestPanicInHandler(t *testing.T) {
	ts := newTestServer(t, &service.Config{
		NewModule: func() debmod.Module { return panickyModule{sim.New()} },
	}, nil)
	c := ts.login(t)
	_, _, err := c.Ioctl(1, nil)
	var rerr *rpcclient.ReplyError
	require.True(t, errors.As(err, &rerr), "unexpected error %v", err)
	assert.Equal(t, rpcproto.RPC_MEM, rerr.Reply)

	_, err = c.GetProcesses()
	assertNoError(err, t, "GetProcesses")
}

func TestThreadNames(t *testing.T) {
	ts := newTestServer(t, &service.Config{}, nil)
	c := ts.login(t)
	startProcess(t, c)
	ts.mod(0).AddThread(sim.FirstPID+1, "worker")

	names, err := c.StoppedAtDebugEvent(false, true)
	assertNoError(err, t, "StoppedAtDebugEvent")
	assert.Equal(t, []api.ThreadName{{TID: sim.FirstPID, Name: "main"}, {TID: sim.FirstPID + 1, Name: "worker"}}, names)
}
