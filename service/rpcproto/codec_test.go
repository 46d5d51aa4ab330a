package rpcproto

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexrpc/dbgsrv/pkg/wire"
	"github.com/hexrpc/dbgsrv/service/api"
)

func roundTrip(t *testing.T, enc func(p *wire.Packer), dec func(u *wire.Unpacker)) {
	t.Helper()
	p := wire.NewPacker(0)
	enc(p)
	u := wire.NewUnpacker(p.Bytes())
	dec(u)
	require.NoError(t, u.Err())
	assert.Equal(t, 0, u.Remaining(), "trailing bytes")
}

func TestMemoryInfoRoundTrip(t *testing.T) {
	in := []api.MemoryInfo{
		{StartEA: 0x400000, EndEA: 0x401000, Name: ".text", SClass: "CODE", Bitness: 2, Perm: api.SegPermR | api.SegPermX},
		{StartEA: 0x10100, EndEA: 0x10200, Name: "seg", SClass: "DATA", SBase: 0x1000, Bitness: 0, Perm: api.SegPermR | api.SegPermW},
	}
	var out []api.MemoryInfo
	roundTrip(t,
		func(p *wire.Packer) { AppendMemoryInfos(p, in) },
		func(u *wire.Unpacker) { out = ExtractMemoryInfos(u) })
	assert.Equal(t, in, out)
}

func TestDebugEventRoundTrip(t *testing.T) {
	events := []*api.DebugEvent{
		api.NewModuleEvent(api.ProcessStarted, 42, 42, 0x401000, api.ModInfo{Name: "/bin/true", Base: 0x400000, Size: 0x2000, Rebase: wire.BadAddr}),
		api.NewModuleEvent(api.LibLoaded, 42, 43, 0, api.ModInfo{Name: "libc.so.6", Base: 0x7f0000000000, Size: 0x1000}),
		api.NewExitEvent(api.ProcessExited, 42, 42, wire.BadAddr, -1),
		api.NewExitEvent(api.ThreadExited, 42, 44, 0, 3),
		api.NewBreakpointEvent(42, 42, 0x401010, api.BptInfo{Hea: wire.BadAddr, Kea: wire.BadAddr}),
		api.NewExceptionEvent(42, 42, 0x401020, api.ExceptionInfo{Code: 11, CanCont: true, EA: 0, Info: "SIGSEGV"}),
		api.NewTextEvent(api.Information, 42, 42, 0, "hello"),
		api.NewTextEvent(api.ThreadStarted, 42, 45, 0, ""),
		api.NewPlainEvent(api.Step, 42, 42, 0x401030),
		api.NewPlainEvent(api.ProcessDetached, 42, 42, 0),
	}
	events[3].Handled = true
	for _, ev := range events {
		ev := ev
		t.Run(ev.ID.String(), func(t *testing.T) {
			var out *api.DebugEvent
			roundTrip(t,
				func(p *wire.Packer) { AppendDebugEvent(p, ev) },
				func(u *wire.Unpacker) { out = ExtractDebugEvent(u) })
			assert.Equal(t, ev, out)
		})
	}
}

func TestDebugEventMissingPayload(t *testing.T) {
	ev := &api.DebugEvent{ID: api.LibLoaded, PID: 1, TID: 1}
	var out *api.DebugEvent
	roundTrip(t,
		func(p *wire.Packer) { AppendDebugEvent(p, ev) },
		func(u *wire.Unpacker) { out = ExtractDebugEvent(u) })
	require.NotNil(t, out.Module())
	assert.Equal(t, wire.BadAddr, out.Module().Rebase)
}

func TestAppcallRoundTrip(t *testing.T) {
	in := api.AppcallIn{
		RegArgs: []api.RegObj{
			{RegIdx: 5, Relocate: 0, Value: []byte{1, 0, 0, 0, 0, 0, 0, 0}},
			{RegIdx: 4, Relocate: 1, Value: []byte{0x10, 0, 0, 0, 0, 0, 0, 0}},
		},
		Stack:   api.RelObj{Buf: []byte{1, 2, 3, 4, 5, 6, 7, 8}, Base: 0x1000, RInfo: []byte{0, 0, 0, 0}},
		RetRegs: []api.RegObj{{RegIdx: 0, Size: 8}},
	}
	var out api.AppcallIn
	roundTrip(t,
		func(p *wire.Packer) { AppendAppcall(p, &in) },
		func(u *wire.Unpacker) { ExtractAppcall(u, &out) })
	assert.Equal(t, in, out)

	in.RetRegs = nil
	out = api.AppcallIn{}
	roundTrip(t,
		func(p *wire.Packer) { AppendAppcall(p, &in) },
		func(u *wire.Unpacker) { ExtractAppcall(u, &out) })
	assert.Nil(t, out.RetRegs)
}

func TestRegObjsOversizedValue(t *testing.T) {
	// 200 output registers each announcing 64MiB, with no value attached
	p := wire.NewPacker(0)
	p.PackDD(200)
	for i := 0; i < 200; i++ {
		p.PackInt(i)
		p.PackDD(wire.MaxPacketSize)
	}
	u := wire.NewUnpacker(p.Bytes())
	regs := ExtractRegObjs(u, false)
	assert.Nil(t, regs)
	require.Error(t, u.Err())
	assert.True(t, errors.Is(u.Err(), wire.ErrMalformed), "unexpected error %v", u.Err())

	p = wire.NewPacker(0)
	AppendRegObjs(p, []api.RegObj{{RegIdx: 3, Size: api.MaxRegValueSize}}, false)
	u = wire.NewUnpacker(p.Bytes())
	regs = ExtractRegObjs(u, false)
	require.NoError(t, u.Err())
	require.Len(t, regs, 1)
	assert.Equal(t, api.MaxRegValueSize, regs[0].ValueSize())
	assert.Nil(t, regs[0].Value)
}

func TestRegValsBitmap(t *testing.T) {
	vals := []api.RegVal{
		api.IntReg(1),
		{Type: api.RVTFloat, Bytes: []byte{0, 0, 0, 0, 0, 0, 0xf0, 0x3f}},
		api.IntReg(3),
		{Type: api.RVTUnavailable},
		{Type: 7, Bytes: []byte("custom")},
	}
	bitmap := make([]byte, RegBitmapSize(len(vals)))
	BitmapSet(bitmap, 1)
	BitmapSet(bitmap, 3)
	BitmapSet(bitmap, 4)

	var out []api.RegVal
	roundTrip(t,
		func(p *wire.Packer) { AppendRegVals(p, vals, bitmap) },
		func(u *wire.Unpacker) { out = ExtractRegVals(u, len(vals), bitmap) })
	require.Len(t, out, len(vals))
	assert.Equal(t, api.RVTUnavailable, out[0].Type)
	assert.Equal(t, vals[1], out[1])
	assert.Equal(t, api.RVTUnavailable, out[2].Type)
	assert.Equal(t, vals[3].Type, out[3].Type)
	assert.Equal(t, vals[4], out[4])
}

func TestBptBatch(t *testing.T) {
	bpts := []api.UpdateBptInfo{
		{EA: 0x401000, Type: api.BptSoft, Size: 1, PID: 42, TID: -1},
		{EA: 0x400800, Type: api.BptExec, Size: 1, PID: 42, TID: 43},
		{EA: 0x400800, Type: api.BptWrite, Size: 4, PID: 42, TID: 43},
		{EA: 0x500000, Type: api.BptSoft, OrgBytes: []byte{0x55}, PID: 42, TID: -1},
		{EA: 0x100, Type: api.BptSoft, OrgBytes: []byte{0x90}, PID: 42, TID: -1},
	}
	const nadd = 3
	p := wire.NewPacker(0)
	AppendBptBatch(p, bpts, nadd)
	u := wire.NewUnpacker(p.Bytes())
	a, d, err := ExtractBptBatchCounts(u)
	require.NoError(t, err)
	assert.Equal(t, nadd, a)
	assert.Equal(t, len(bpts)-nadd, d)
	out := ExtractBptBatchElems(u, a, d)
	require.NoError(t, u.Err())
	assert.Equal(t, bpts, out)

	out[0].Code = api.BptOK
	out[0].OrgBytes = []byte{0xcc}
	out[1].Code = api.BptBadAddr
	out[2].Code = api.BptTooMany
	out[3].Code = api.BptOK
	out[4].Code = api.BptOK
	var res []api.UpdateBptInfo
	for _, b := range bpts {
		res = append(res, api.UpdateBptInfo{EA: b.EA, OrgBytes: b.OrgBytes})
	}
	roundTrip(t,
		func(p *wire.Packer) { AppendBptResults(p, out, nadd) },
		func(u *wire.Unpacker) { ExtractBptResults(u, res, nadd) })
	for i := range out {
		assert.Equal(t, out[i].Code, res[i].Code, "code %d", i)
		assert.Equal(t, out[i].OrgBytes, res[i].OrgBytes, "orgbytes %d", i)
	}
}

func TestBptBatchRejectsBadCounts(t *testing.T) {
	tests := []struct{ nadd, ndel int32 }{
		{-1, 0},
		{0, -1},
		{0x7FFFFFFF, 1},
		{0x40000000, 0x40000000},
	}
	for _, tc := range tests {
		p := wire.NewPacker(0)
		p.PackDD(uint32(tc.nadd))
		p.PackDD(uint32(tc.ndel))
		p.Append([]byte{0xde, 0xad})
		u := wire.NewUnpacker(p.Bytes())
		a, d, err := ExtractBptBatchCounts(u)
		var berr *BptBatchError
		require.True(t, errors.As(err, &berr), "nadd=%d ndel=%d: %v", tc.nadd, tc.ndel, err)
		assert.Zero(t, a)
		assert.Zero(t, d)
		assert.Equal(t, 2, u.Remaining(), "elements must not be read")
	}
}

func TestBptBatchElemsTruncated(t *testing.T) {
	p := wire.NewPacker(0)
	p.PackDD(1000)
	p.PackDD(0)
	u := wire.NewUnpacker(p.Bytes())
	a, d, err := ExtractBptBatchCounts(u)
	require.NoError(t, err)
	assert.Nil(t, ExtractBptBatchElems(u, a, d))
	assert.True(t, errors.Is(u.Err(), wire.ErrMalformed))
}

func TestLowCndsRoundTrip(t *testing.T) {
	in := []api.LowCnd{
		{EA: 0x401000, Cndbody: "eax == 1", Type: api.BptSoft, OrgBytes: []byte{0x55}, Size: 1, Insn: []byte{1, 2}},
		{EA: 0x400000},
	}
	var out []api.LowCnd
	roundTrip(t,
		func(p *wire.Packer) { AppendLowCnds(p, in) },
		func(u *wire.Unpacker) { out = ExtractLowCnds(u) })
	assert.Equal(t, in, out)
}

func TestDynamicRegisterSetRoundTrip(t *testing.T) {
	rs := &api.DynamicRegisterSet{
		Classes: []string{"general", "segment"},
		Registers: []api.RegisterInfo{
			{Name: "rax", Flags: api.RegfAddress, Class: 0, Dtype: 7, DefaultMask: 1},
			{Name: "eflags", Class: 0, Dtype: 2, BitNames: []string{"CF", "", "PF"}},
		},
	}
	var out *api.DynamicRegisterSet
	roundTrip(t,
		func(p *wire.Packer) { AppendDynamicRegisterSet(p, rs) },
		func(u *wire.Unpacker) { out = ExtractDynamicRegisterSet(u) })
	assert.Equal(t, rs, out)

	roundTrip(t,
		func(p *wire.Packer) { AppendDynamicRegisterSet(p, nil) },
		func(u *wire.Unpacker) { out = ExtractDynamicRegisterSet(u) })
	assert.Nil(t, out)
}

func TestMiscListsRoundTrip(t *testing.T) {
	procs := []api.ProcessInfo{{PID: 1, Name: "init"}, {PID: 42, Name: "a.out"}}
	frames := []api.CallStackEntry{{CallEA: 0x401000, FuncEA: 0x400f00, FP: 0x7ffe0000, FuncOK: true}, {CallEA: 1, FuncEA: wire.BadAddr}}
	segs := []api.ScatteredSegm{{Start: 0x1000, End: 0x2000, Name: ".text"}}
	defs := []api.ExceptionDef{{Code: 11, Flags: api.ExcBreak, Name: "SIGSEGV", Desc: "Segmentation violation"}}
	pats := []api.BinPattern{{Bytes: []byte("abc"), Mask: []byte{0xff, 0, 0xff}, StrLits: []api.Range{{Start: 0, End: 3}}, Encidx: 1}, {Bytes: []byte{0x90}}}
	thn := []api.ThreadName{{TID: 42, Name: "main"}}
	imps := []api.ImportInfo{{Base: 0x7f0000, Path: "/lib/libc.so.6", UUID: []byte{1, 2, 3, 4}}}
	attrs := api.DebappAttrs{AddrSize: 8, Platform: "linux", IsBE: false}

	roundTrip(t, func(p *wire.Packer) {
		AppendProcessInfos(p, procs)
		AppendCallStack(p, frames)
		AppendScatteredImage(p, segs)
		AppendExceptionDefs(p, defs)
		AppendBinPatterns(p, pats)
		AppendThreadNames(p, thn)
		AppendImportInfos(p, imps)
		AppendDebappAttrs(p, &attrs)
	}, func(u *wire.Unpacker) {
		assert.Equal(t, procs, ExtractProcessInfos(u))
		assert.Equal(t, frames, ExtractCallStack(u))
		assert.Equal(t, segs, ExtractScatteredImage(u))
		assert.Equal(t, defs, ExtractExceptionDefs(u))
		assert.Equal(t, pats, ExtractBinPatterns(u))
		assert.Equal(t, thn, ExtractThreadNames(u))
		assert.Equal(t, imps, ExtractImportInfos(u))
		assert.Equal(t, attrs, ExtractDebappAttrs(u))
	})
}

func TestListCountExceedsPacket(t *testing.T) {
	p := wire.NewPacker(0)
	p.PackDD(1 << 20)
	p.PackInt(1)
	u := wire.NewUnpacker(p.Bytes())
	assert.Empty(t, ExtractProcessInfos(u))
	assert.True(t, errors.Is(u.Err(), wire.ErrTruncated))
}

func decodeChunks(t *testing.T, chunks []NameChunk) []api.DebugName {
	t.Helper()
	var all []api.DebugName
	for _, c := range chunks {
		u := wire.NewUnpacker(c.Payload)
		names := ExtractDebugNames(u)
		require.NoError(t, u.Err())
		require.Len(t, names, c.Count)
		all = append(all, names...)
	}
	return all
}

func TestDebugNamesPrefixCompression(t *testing.T) {
	names := []api.DebugName{
		{EA: 0x2000, Name: "foo::bar"},
		{EA: 0x1000, Name: "foo::baz"},
		{EA: 0x1000, Name: "foo::baz"}, // full prefix, same address
		{EA: 0x3000, Name: "qux"},      // empty prefix
		{EA: 0x3008, Name: ""},
		{EA: 0x0, Name: "a"},
	}
	chunks := SplitDebugNames(names, 0)
	require.Len(t, chunks, 1)
	assert.Equal(t, len(names), chunks[0].Count)
	assert.Equal(t, names, decodeChunks(t, chunks))
}

func TestDebugNamesChunking(t *testing.T) {
	var names []api.DebugName
	for i := 0; i < 40000; i++ {
		names = append(names, api.DebugName{
			EA:   0x400000 + uint64(i)*16,
			Name: fmt.Sprintf("ns%d::%s::func_%06d", i%7, strings.Repeat("x", 20), i),
		})
	}
	chunks := SplitDebugNames(names, NameChunkSoftCap)
	assert.Greater(t, len(chunks), 1)
	total := 0
	for _, c := range chunks[:len(chunks)-1] {
		assert.GreaterOrEqual(t, len(c.Payload), NameChunkSoftCap)
		total += c.Count
	}
	total += chunks[len(chunks)-1].Count
	assert.Equal(t, len(names), total)
	assert.Equal(t, names, decodeChunks(t, chunks))
}

func TestDebugNamesBadPrefix(t *testing.T) {
	p := wire.NewPacker(0)
	p.PackDD(1)
	p.PackAddrDelta(0x1000, 0)
	p.PackDD(3)
	p.PackStr("x")
	u := wire.NewUnpacker(p.Bytes())
	assert.Nil(t, ExtractDebugNames(u))
	assert.True(t, errors.Is(u.Err(), wire.ErrMalformed))
}

func TestCodeNames(t *testing.T) {
	assert.Equal(t, "RPC_READ_REGS", RPC_READ_REGS.String())
	assert.Equal(t, "RPC_200", Code(200).String())
	assert.True(t, RPC_EVOK.IsReply())
	assert.False(t, RPC_EVENT.IsReply())
}
