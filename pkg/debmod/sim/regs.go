package sim

import (
	"encoding/binary"

	"github.com/hexrpc/dbgsrv/pkg/wire"
	"github.com/hexrpc/dbgsrv/service/api"
)

const (
	regRAX = iota
	regRBX
	regRCX
	regRDX
	regRSI
	regRDI
	regRBP
	regRSP
	regRIP
	regEFLAGS
	regCS
	regFS
	regXMM0
	nregs
)

// Register classes, bit i of a class mask selects classNames[i].
const (
	ClassGeneral uint32 = 1 << iota
	ClassSegment
	ClassSSE
)

var classNames = []string{"general", "segment", "sse"}

type regDesc struct {
	name  string
	flags uint32
	class uint8
	dtype uint8
	bits  []string
}

var registers = [nregs]regDesc{
	regRAX:    {name: "rax", flags: api.RegfAddress, dtype: 7},
	regRBX:    {name: "rbx", flags: api.RegfAddress, dtype: 7},
	regRCX:    {name: "rcx", flags: api.RegfAddress, dtype: 7},
	regRDX:    {name: "rdx", flags: api.RegfAddress, dtype: 7},
	regRSI:    {name: "rsi", flags: api.RegfAddress, dtype: 7},
	regRDI:    {name: "rdi", flags: api.RegfAddress, dtype: 7},
	regRBP:    {name: "rbp", flags: api.RegfAddress | api.RegfFP, dtype: 7},
	regRSP:    {name: "rsp", flags: api.RegfAddress | api.RegfSP, dtype: 7},
	regRIP:    {name: "rip", flags: api.RegfAddress | api.RegfIP, dtype: 7},
	regEFLAGS: {name: "eflags", dtype: 2, bits: []string{"CF", "", "PF", "", "AF", "", "ZF", "SF", "TF", "IF", "DF", "OF"}},
	regCS:     {name: "cs", flags: api.RegfReadonly, class: 1, dtype: 1},
	regFS:     {name: "fs", class: 1, dtype: 1},
	regXMM0:   {name: "xmm0", class: 2, dtype: 13},
}

func registerIndex(name string) int {
	for i := range registers {
		if registers[i].name == name {
			return i
		}
	}
	return -1
}

func initialRegisters() []api.RegVal {
	regs := make([]api.RegVal, nregs)
	for i := range regs {
		regs[i] = api.IntReg(0)
	}
	regs[regEFLAGS] = api.IntReg(0x202)
	regs[regCS] = api.IntReg(0x33)
	regs[regXMM0] = api.RegVal{Type: api.RVTFloat, Bytes: make([]byte, 16)}
	return regs
}

func cloneRegs(regs []api.RegVal) []api.RegVal {
	r := make([]api.RegVal, len(regs))
	for i, v := range regs {
		r[i] = v
		if v.Bytes != nil {
			r[i].Bytes = append([]byte(nil), v.Bytes...)
		}
	}
	return r
}

func (m *Module) NRegs() int { return nregs }

func (m *Module) ReadRegisters(tid int, clsmask uint32) ([]api.RegVal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.ReadRegisters++
	th, err := m.threadLocked(tid)
	if err != nil {
		return nil, err
	}
	r := cloneRegs(th.regs)
	for i := range r {
		if clsmask&(1<<registers[i].class) == 0 {
			r[i] = api.RegVal{Type: api.RVTUnavailable}
		}
	}
	return r, nil
}

func (m *Module) WriteRegister(tid, regidx int, v *api.RegVal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	th, err := m.threadLocked(tid)
	if err != nil {
		return err
	}
	if regidx < 0 || regidx >= nregs {
		return api.NewError(api.DrcFailed, "bad register index %d", regidx)
	}
	if registers[regidx].flags&api.RegfReadonly != 0 {
		return api.NewError(api.DrcFailed, "register %s is read only", registers[regidx].name)
	}
	if (v.Type == api.RVTInt) != (th.regs[regidx].Type == api.RVTInt) {
		return api.NewError(api.DrcFailed, "wrong value type for register %s", registers[regidx].name)
	}
	nv := *v
	nv.Bytes = append([]byte(nil), v.Bytes...)
	if nv.Type == api.RVTInt {
		nv.Bytes = nil
	}
	th.regs[regidx] = nv
	if regidx == regFS {
		th.fsBase = nv.Ival << 4
	}
	return nil
}

func (m *Module) GetSregBase(tid, sreg int) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	th, err := m.threadLocked(tid)
	if err != nil {
		return wire.BadAddr, err
	}
	switch sreg {
	case regCS:
		return 0, nil
	case regFS:
		return th.fsBase, nil
	}
	return wire.BadAddr, api.NewError(api.DrcFailed, "register %d is not a segment register", sreg)
}

// Memory gives builtins access to the memory of the debuggee while an
// appcall is in progress.
type Memory struct {
	m *Module
}

func (mem Memory) Read(ea uint64, size int) ([]byte, error) { return mem.m.readLocked(ea, size) }

func (mem Memory) Write(ea uint64, data []byte) (int, error) { return mem.m.writeLocked(ea, data) }

// Appcall runs the builtin installed at in.FuncEA on thread in.TID. The
// stack block is relocated below the current stack pointer. Unless
// AppcallManual is set the registers of the thread are restored once the
// builtin returns.
func (m *Module) Appcall(in *api.AppcallIn) (*api.AppcallOut, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := &api.AppcallOut{SP: wire.BadAddr}
	th, err := m.threadLocked(in.TID)
	if err != nil {
		return out, err
	}
	fn := m.funcs[in.FuncEA]
	if fn == nil {
		if in.Flags&api.AppcallDebev != 0 {
			out.Event = api.NewExceptionEvent(m.PID(), in.TID, in.FuncEA, api.ExceptionInfo{
				Code: 11,
				EA:   in.FuncEA,
				Info: "segmentation fault",
			})
		}
		return out, api.NewError(api.DrcFailed, "no function at %#x", in.FuncEA)
	}

	saved := cloneRegs(th.regs)
	restore := func() { th.regs = saved }
	for _, ra := range in.RegArgs {
		if ra.RegIdx < 0 || ra.RegIdx >= nregs {
			restore()
			return out, api.NewError(api.DrcFailed, "bad register index %d", ra.RegIdx)
		}
		th.regs[ra.RegIdx] = regFromBytes(th.regs[ra.RegIdx].Type, ra.Value)
	}

	sp := th.regs[regRSP].Ival
	if len(in.Stack.Buf) > 0 {
		sp = (sp - uint64(len(in.Stack.Buf))) &^ 15
		stack := in.Stack
		stack.Buf = append([]byte(nil), in.Stack.Buf...)
		if !stack.Relocate(sp, 8) {
			restore()
			return out, api.NewError(api.DrcFailed, "bad relocation information")
		}
		if n, err := m.writeLocked(sp, stack.Buf); err != nil || n != len(stack.Buf) {
			restore()
			return out, api.NewError(api.DrcFailed, "could not write the stack at %#x", sp)
		}
	}
	sp -= 8
	var retaddr [8]byte
	binary.LittleEndian.PutUint64(retaddr[:], th.regs[regRIP].Ival)
	if _, err := m.writeLocked(sp, retaddr[:]); err != nil {
		restore()
		return out, api.NewError(api.DrcFailed, "could not write the return address at %#x", sp)
	}
	th.regs[regRSP] = api.IntReg(sp)
	out.SP = sp

	if in.Flags&api.AppcallManual != 0 {
		th.saved = append(th.saved, saved)
		th.regs[regRIP] = api.IntReg(in.FuncEA)
		return out, nil
	}

	th.regs[regRAX] = api.IntReg(fn(th.regs, Memory{m}))
	for _, rr := range in.RetRegs {
		if rr.RegIdx < 0 || rr.RegIdx >= nregs {
			continue
		}
		out.RetRegs = append(out.RetRegs, api.RegObj{RegIdx: rr.RegIdx, Value: regToBytes(th.regs[rr.RegIdx], rr.ValueSize())})
	}
	restore()
	return out, nil
}

func (m *Module) CleanupAppcall(tid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	th, err := m.threadLocked(tid)
	if err != nil {
		return err
	}
	if len(th.saved) == 0 {
		return api.NewError(api.DrcFailed, "no appcall in progress on thread %d", tid)
	}
	th.regs = th.saved[len(th.saved)-1]
	th.saved = th.saved[:len(th.saved)-1]
	return nil
}

func regFromBytes(typ api.RegValType, b []byte) api.RegVal {
	if typ != api.RVTInt {
		return api.RegVal{Type: typ, Bytes: append([]byte(nil), b...)}
	}
	var buf [8]byte
	copy(buf[:], b)
	return api.IntReg(binary.LittleEndian.Uint64(buf[:]))
}

func regToBytes(v api.RegVal, size int) []byte {
	if size < 0 || size > api.MaxRegValueSize {
		size = api.MaxRegValueSize
	}
	if v.Type != api.RVTInt {
		r := make([]byte, size)
		copy(r, v.Bytes)
		return r
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v.Ival)
	r := make([]byte, size)
	copy(r, buf[:])
	return r
}
