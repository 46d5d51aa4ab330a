package rpcproto

import (
	"github.com/hexrpc/dbgsrv/pkg/wire"
	"github.com/hexrpc/dbgsrv/service/api"
)

// AppendMemoryInfo appends one memory region descriptor. The start address
// is sent relative to the selector base (sbase<<4), permissions and
// bitness share one dword.
func AppendMemoryInfo(p *wire.Packer, mi *api.MemoryInfo) {
	p.PackEA(mi.SBase)
	p.PackEA(mi.StartEA - mi.SBase<<4)
	p.PackEA(mi.EndEA - mi.StartEA)
	p.PackDD(uint32(mi.Perm) | uint32(mi.Bitness)<<4)
	p.PackStr(mi.Name)
	p.PackStr(mi.SClass)
}

// ExtractMemoryInfo is the inverse of AppendMemoryInfo.
func ExtractMemoryInfo(u *wire.Unpacker) api.MemoryInfo {
	var mi api.MemoryInfo
	mi.SBase = u.UnpackEA()
	mi.StartEA = mi.SBase<<4 + u.UnpackEA()
	mi.EndEA = mi.StartEA + u.UnpackEA()
	v := u.UnpackDD()
	mi.Perm = uint8(v & 0xF)
	mi.Bitness = uint8(v >> 4)
	mi.Name = u.UnpackStr()
	mi.SClass = u.UnpackStr()
	return mi
}

// AppendMemoryInfos appends a list of memory regions.
func AppendMemoryInfos(p *wire.Packer, mis []api.MemoryInfo) {
	p.PackDD(uint32(len(mis)))
	for i := range mis {
		AppendMemoryInfo(p, &mis[i])
	}
}

// ExtractMemoryInfos is the inverse of AppendMemoryInfos.
func ExtractMemoryInfos(u *wire.Unpacker) []api.MemoryInfo {
	n := u.Count(6)
	mis := make([]api.MemoryInfo, n)
	for i := range mis {
		mis[i] = ExtractMemoryInfo(u)
	}
	return mis
}

// AppendModuleInfo appends a module description.
func AppendModuleInfo(p *wire.Packer, mi *api.ModInfo) {
	p.PackStr(mi.Name)
	p.PackEA(mi.Base)
	p.PackEA(mi.Size)
	p.PackEA(mi.Rebase)
}

// ExtractModuleInfo is the inverse of AppendModuleInfo.
func ExtractModuleInfo(u *wire.Unpacker) api.ModInfo {
	var mi api.ModInfo
	mi.Name = u.UnpackStr()
	mi.Base = u.UnpackEA()
	mi.Size = u.UnpackEA()
	mi.Rebase = u.UnpackEA()
	return mi
}

// AppendProcessInfos appends a process list.
func AppendProcessInfos(p *wire.Packer, procs []api.ProcessInfo) {
	p.PackDD(uint32(len(procs)))
	for _, pi := range procs {
		p.PackInt(pi.PID)
		p.PackStr(pi.Name)
	}
}

// ExtractProcessInfos is the inverse of AppendProcessInfos.
func ExtractProcessInfos(u *wire.Unpacker) []api.ProcessInfo {
	n := u.Count(2)
	procs := make([]api.ProcessInfo, n)
	for i := range procs {
		procs[i].PID = u.UnpackInt()
		procs[i].Name = u.UnpackStr()
	}
	return procs
}

// AppendException appends an exception record.
func AppendException(p *wire.Packer, exc *api.ExceptionInfo) {
	p.PackDD(exc.Code)
	p.PackBool(exc.CanCont)
	p.PackEA(exc.EA)
	p.PackStr(exc.Info)
}

// ExtractException is the inverse of AppendException.
func ExtractException(u *wire.Unpacker) api.ExceptionInfo {
	var exc api.ExceptionInfo
	exc.Code = u.UnpackDD()
	exc.CanCont = u.UnpackBool()
	exc.EA = u.UnpackEA()
	exc.Info = u.UnpackStr()
	return exc
}

// AppendDebugEvent appends a debug event: the common header followed by
// the payload selected by the event id.
func AppendDebugEvent(p *wire.Packer, ev *api.DebugEvent) {
	p.PackDD(uint32(ev.ID))
	p.PackInt(ev.PID)
	p.PackInt(ev.TID)
	p.PackEA(ev.EA)
	p.PackBool(ev.Handled)
	switch api.PayloadKindOf(ev.ID) {
	case api.PayloadModule:
		mi := ev.Module()
		if mi == nil {
			mi = &api.ModInfo{Rebase: wire.BadAddr}
		}
		AppendModuleInfo(p, mi)
	case api.PayloadExitCode:
		p.PackInt(ev.ExitCode())
	case api.PayloadBpt:
		bpt := ev.Bpt()
		if bpt == nil {
			bpt = &api.BptInfo{Hea: wire.BadAddr, Kea: wire.BadAddr}
		}
		p.PackEA(bpt.Hea)
		p.PackEA(bpt.Kea)
	case api.PayloadException:
		exc := ev.Exc()
		if exc == nil {
			exc = &api.ExceptionInfo{}
		}
		AppendException(p, exc)
	case api.PayloadText:
		p.PackStr(ev.Info())
	}
}

// ExtractDebugEvent is the inverse of AppendDebugEvent.
func ExtractDebugEvent(u *wire.Unpacker) *api.DebugEvent {
	ev := &api.DebugEvent{}
	ev.ID = api.EventID(u.UnpackDD())
	ev.PID = u.UnpackInt()
	ev.TID = u.UnpackInt()
	ev.EA = u.UnpackEA()
	ev.Handled = u.UnpackBool()
	switch api.PayloadKindOf(ev.ID) {
	case api.PayloadModule:
		mi := ExtractModuleInfo(u)
		ev.Payload = &mi
	case api.PayloadExitCode:
		ev.Payload = api.ExitCode(u.UnpackInt())
	case api.PayloadBpt:
		bpt := api.BptInfo{Hea: u.UnpackEA(), Kea: u.UnpackEA()}
		ev.Payload = &bpt
	case api.PayloadException:
		exc := ExtractException(u)
		ev.Payload = &exc
	case api.PayloadText:
		ev.Payload = api.EventText(u.UnpackStr())
	}
	return ev
}

// AppendCallStack appends a call stack.
func AppendCallStack(p *wire.Packer, frames []api.CallStackEntry) {
	p.PackDD(uint32(len(frames)))
	for _, f := range frames {
		p.PackEA(f.CallEA)
		p.PackEA(f.FuncEA)
		p.PackEA(f.FP)
		p.PackBool(f.FuncOK)
	}
}

// ExtractCallStack is the inverse of AppendCallStack.
func ExtractCallStack(u *wire.Unpacker) []api.CallStackEntry {
	n := u.Count(4)
	frames := make([]api.CallStackEntry, n)
	for i := range frames {
		frames[i].CallEA = u.UnpackEA()
		frames[i].FuncEA = u.UnpackEA()
		frames[i].FP = u.UnpackEA()
		frames[i].FuncOK = u.UnpackBool()
	}
	return frames
}

// AppendRegObjs appends register objects. Values (and relocation flags)
// are only sent when withValues is set, otherwise only the register index
// and the expected value size travel.
func AppendRegObjs(p *wire.Packer, regs []api.RegObj, withValues bool) {
	p.PackDD(uint32(len(regs)))
	for i := range regs {
		r := &regs[i]
		p.PackInt(r.RegIdx)
		p.PackDD(uint32(r.ValueSize()))
		if withValues {
			p.PackInt(r.Relocate)
			p.Append(r.Value)
		}
	}
}

// ExtractRegObjs is the inverse of AppendRegObjs. Without values only
// Size is set, and sizes above api.MaxRegValueSize are rejected.
func ExtractRegObjs(u *wire.Unpacker, withValues bool) []api.RegObj {
	n := u.Count(2)
	regs := make([]api.RegObj, n)
	for i := range regs {
		regs[i].RegIdx = u.UnpackInt()
		size := u.UnpackDD()
		if withValues {
			regs[i].Relocate = u.UnpackInt()
			regs[i].Value = u.UnpackRaw(int(size))
			continue
		}
		if size > api.MaxRegValueSize {
			u.Invalid("register size")
			return nil
		}
		regs[i].Size = int(size)
	}
	return regs
}

// AppendRelObj appends a relocatable stack block.
func AppendRelObj(p *wire.Packer, r *api.RelObj) {
	p.PackBuf(r.Buf)
	p.PackEA(r.Base)
	p.PackBuf(r.RInfo)
}

// ExtractRelObj is the inverse of AppendRelObj.
func ExtractRelObj(u *wire.Unpacker) api.RelObj {
	var r api.RelObj
	r.Buf = u.UnpackBuf()
	r.Base = u.UnpackEA()
	r.RInfo = u.UnpackBuf()
	return r
}

// AppendAppcall appends the argument bundle of an appcall: register
// arguments, stack block and, if requested, the return registers.
func AppendAppcall(p *wire.Packer, in *api.AppcallIn) {
	AppendRegObjs(p, in.RegArgs, true)
	AppendRelObj(p, &in.Stack)
	p.PackBool(in.RetRegs != nil)
	if in.RetRegs != nil {
		AppendRegObjs(p, in.RetRegs, false)
	}
}

// ExtractAppcall is the inverse of AppendAppcall, filling the bundle part
// of in.
func ExtractAppcall(u *wire.Unpacker, in *api.AppcallIn) {
	in.RegArgs = ExtractRegObjs(u, true)
	in.Stack = ExtractRelObj(u)
	if u.UnpackBool() {
		in.RetRegs = ExtractRegObjs(u, false)
	}
}

// AppendScatteredImage appends a scattered segment list.
func AppendScatteredImage(p *wire.Packer, segs []api.ScatteredSegm) {
	p.PackDD(uint32(len(segs)))
	for _, s := range segs {
		AppendScatteredSegm(p, &s)
	}
}

// AppendScatteredSegm appends one scattered segment.
func AppendScatteredSegm(p *wire.Packer, s *api.ScatteredSegm) {
	p.PackEA(s.Start)
	p.PackEA(s.End)
	p.PackStr(s.Name)
}

// ExtractScatteredSegm is the inverse of AppendScatteredSegm.
func ExtractScatteredSegm(u *wire.Unpacker) api.ScatteredSegm {
	var s api.ScatteredSegm
	s.Start = u.UnpackEA()
	s.End = u.UnpackEA()
	s.Name = u.UnpackStr()
	return s
}

// ExtractScatteredImage is the inverse of AppendScatteredImage.
func ExtractScatteredImage(u *wire.Unpacker) []api.ScatteredSegm {
	n := u.Count(3)
	segs := make([]api.ScatteredSegm, n)
	for i := range segs {
		segs[i] = ExtractScatteredSegm(u)
	}
	return segs
}

// AppendExceptionDefs appends the exception handling policy table.
func AppendExceptionDefs(p *wire.Packer, defs []api.ExceptionDef) {
	p.PackDD(uint32(len(defs)))
	for _, d := range defs {
		p.PackDD(d.Code)
		p.PackDD(d.Flags)
		p.PackStr(d.Name)
		p.PackStr(d.Desc)
	}
}

// ExtractExceptionDefs is the inverse of AppendExceptionDefs.
func ExtractExceptionDefs(u *wire.Unpacker) []api.ExceptionDef {
	n := u.Count(4)
	defs := make([]api.ExceptionDef, n)
	for i := range defs {
		defs[i].Code = u.UnpackDD()
		defs[i].Flags = u.UnpackDD()
		defs[i].Name = u.UnpackStr()
		defs[i].Desc = u.UnpackStr()
	}
	return defs
}
