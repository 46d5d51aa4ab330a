package native

import (
	"encoding/binary"

	"golang.org/x/sys/unix"

	"github.com/hexrpc/dbgsrv/pkg/wire"
	"github.com/hexrpc/dbgsrv/service/api"
)

const (
	classGeneral uint32 = 1 << iota
	classSegment
)

var classNames = []string{"general", "segment"}

type regDesc struct {
	name  string
	flags uint32
	class uint8
	field func(*unix.PtraceRegs) *uint64
	sbase func(*unix.PtraceRegs) uint64 // segment base, nil for non segment registers
}

var registers = []regDesc{
	{name: "rax", flags: api.RegfAddress, field: func(r *unix.PtraceRegs) *uint64 { return &r.Rax }},
	{name: "rbx", flags: api.RegfAddress, field: func(r *unix.PtraceRegs) *uint64 { return &r.Rbx }},
	{name: "rcx", flags: api.RegfAddress, field: func(r *unix.PtraceRegs) *uint64 { return &r.Rcx }},
	{name: "rdx", flags: api.RegfAddress, field: func(r *unix.PtraceRegs) *uint64 { return &r.Rdx }},
	{name: "rsi", flags: api.RegfAddress, field: func(r *unix.PtraceRegs) *uint64 { return &r.Rsi }},
	{name: "rdi", flags: api.RegfAddress, field: func(r *unix.PtraceRegs) *uint64 { return &r.Rdi }},
	{name: "rbp", flags: api.RegfAddress | api.RegfFP, field: func(r *unix.PtraceRegs) *uint64 { return &r.Rbp }},
	{name: "rsp", flags: api.RegfAddress | api.RegfSP, field: func(r *unix.PtraceRegs) *uint64 { return &r.Rsp }},
	{name: "r8", flags: api.RegfAddress, field: func(r *unix.PtraceRegs) *uint64 { return &r.R8 }},
	{name: "r9", flags: api.RegfAddress, field: func(r *unix.PtraceRegs) *uint64 { return &r.R9 }},
	{name: "r10", flags: api.RegfAddress, field: func(r *unix.PtraceRegs) *uint64 { return &r.R10 }},
	{name: "r11", flags: api.RegfAddress, field: func(r *unix.PtraceRegs) *uint64 { return &r.R11 }},
	{name: "r12", flags: api.RegfAddress, field: func(r *unix.PtraceRegs) *uint64 { return &r.R12 }},
	{name: "r13", flags: api.RegfAddress, field: func(r *unix.PtraceRegs) *uint64 { return &r.R13 }},
	{name: "r14", flags: api.RegfAddress, field: func(r *unix.PtraceRegs) *uint64 { return &r.R14 }},
	{name: "r15", flags: api.RegfAddress, field: func(r *unix.PtraceRegs) *uint64 { return &r.R15 }},
	{name: "rip", flags: api.RegfAddress | api.RegfIP, field: func(r *unix.PtraceRegs) *uint64 { return &r.Rip }},
	{name: "eflags", field: func(r *unix.PtraceRegs) *uint64 { return &r.Eflags }},
	{name: "cs", flags: api.RegfReadonly, class: 1, field: func(r *unix.PtraceRegs) *uint64 { return &r.Cs }, sbase: zeroBase},
	{name: "ss", flags: api.RegfReadonly, class: 1, field: func(r *unix.PtraceRegs) *uint64 { return &r.Ss }, sbase: zeroBase},
	{name: "ds", class: 1, field: func(r *unix.PtraceRegs) *uint64 { return &r.Ds }, sbase: zeroBase},
	{name: "es", class: 1, field: func(r *unix.PtraceRegs) *uint64 { return &r.Es }, sbase: zeroBase},
	{name: "fs", class: 1, field: func(r *unix.PtraceRegs) *uint64 { return &r.Fs }, sbase: func(r *unix.PtraceRegs) uint64 { return r.Fs_base }},
	{name: "gs", class: 1, field: func(r *unix.PtraceRegs) *uint64 { return &r.Gs }, sbase: func(r *unix.PtraceRegs) uint64 { return r.Gs_base }},
}

func zeroBase(*unix.PtraceRegs) uint64 { return 0 }

func (m *Module) NRegs() int { return len(registers) }

func (m *Module) DynamicRegisterSet() *api.DynamicRegisterSet {
	rs := &api.DynamicRegisterSet{Classes: append([]string(nil), classNames...)}
	for _, r := range registers {
		dtype := uint8(7) // qword
		if r.class == 1 {
			dtype = 1 // word
		}
		rs.Registers = append(rs.Registers, api.RegisterInfo{Name: r.name, Flags: r.flags, Class: r.class, Dtype: dtype})
	}
	return rs
}

func (m *Module) regsLocked(tid int) (*unix.PtraceRegs, error) {
	var regs unix.PtraceRegs
	var err error
	m.execPtraceFunc(func() { err = unix.PtraceGetRegs(tid, &regs) })
	if err != nil {
		return nil, err
	}
	return &regs, nil
}

func (m *Module) pcLocked(tid int) (uint64, error) {
	regs, err := m.regsLocked(tid)
	if err != nil {
		return wire.BadAddr, err
	}
	return regs.Rip, nil
}

func (m *Module) setPCLocked(tid int, pc uint64) error {
	var err error
	m.execPtraceFunc(func() {
		var regs unix.PtraceRegs
		if err = unix.PtraceGetRegs(tid, &regs); err != nil {
			return
		}
		regs.Rip = pc
		err = unix.PtraceSetRegs(tid, &regs)
	})
	return err
}

func (m *Module) ReadRegisters(tid int, clsmask uint32) ([]api.RegVal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.threadLocked(tid); err != nil {
		return nil, err
	}
	regs, err := m.regsLocked(tid)
	if err != nil {
		return nil, api.NewError(api.DrcFailed, "could not read registers of %d: %v", tid, err)
	}
	r := make([]api.RegVal, len(registers))
	for i, desc := range registers {
		if clsmask&(1<<desc.class) == 0 {
			r[i] = api.RegVal{Type: api.RVTUnavailable}
			continue
		}
		r[i] = api.IntReg(*desc.field(regs))
	}
	return r, nil
}

func (m *Module) WriteRegister(tid int, regidx int, val *api.RegVal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.threadLocked(tid); err != nil {
		return err
	}
	if regidx < 0 || regidx >= len(registers) {
		return api.NewError(api.DrcFailed, "bad register index %d", regidx)
	}
	desc := registers[regidx]
	if desc.flags&api.RegfReadonly != 0 {
		return api.NewError(api.DrcFailed, "register %s is read only", desc.name)
	}
	v := val.Ival
	switch val.Type {
	case api.RVTInt:
	case api.RVTFloat, api.RVTUnavailable:
		return api.NewError(api.DrcFailed, "wrong value type for register %s", desc.name)
	default:
		if len(val.Bytes) > 8 {
			return api.NewError(api.DrcFailed, "value too large for register %s", desc.name)
		}
		var buf [8]byte
		copy(buf[:], val.Bytes)
		v = binary.LittleEndian.Uint64(buf[:])
	}
	var err error
	m.execPtraceFunc(func() {
		var regs unix.PtraceRegs
		if err = unix.PtraceGetRegs(tid, &regs); err != nil {
			return
		}
		*desc.field(&regs) = v
		err = unix.PtraceSetRegs(tid, &regs)
	})
	if err != nil {
		return api.NewError(api.DrcFailed, "could not write %s: %v", desc.name, err)
	}
	return nil
}

func (m *Module) GetSregBase(tid int, sreg int) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.threadLocked(tid); err != nil {
		return wire.BadAddr, err
	}
	if sreg < 0 || sreg >= len(registers) || registers[sreg].sbase == nil {
		return wire.BadAddr, api.NewError(api.DrcFailed, "register %d is not a segment register", sreg)
	}
	regs, err := m.regsLocked(tid)
	if err != nil {
		return wire.BadAddr, api.NewError(api.DrcFailed, "could not read registers of %d: %v", tid, err)
	}
	return registers[sreg].sbase(regs), nil
}
