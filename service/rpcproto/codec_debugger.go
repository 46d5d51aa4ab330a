package rpcproto

import (
	"fmt"

	"github.com/hexrpc/dbgsrv/pkg/wire"
	"github.com/hexrpc/dbgsrv/service/api"
)

// AppendRegVal appends one register value: its type (biased so that the
// predefined negative types are small) followed by the value.
func AppendRegVal(p *wire.Packer, v *api.RegVal) {
	p.PackDD(uint32(v.Type - api.RVTUnavailable))
	switch {
	case v.Type == api.RVTInt:
		p.PackDQ(v.Ival)
	case v.Type == api.RVTUnavailable:
	default:
		p.PackBuf(v.Bytes)
	}
}

// ExtractRegVal is the inverse of AppendRegVal.
func ExtractRegVal(u *wire.Unpacker) api.RegVal {
	var v api.RegVal
	v.Type = api.RegValType(int32(u.UnpackDD())) + api.RVTUnavailable
	switch {
	case v.Type == api.RVTInt:
		v.Ival = u.UnpackDQ()
	case v.Type == api.RVTUnavailable:
	default:
		v.Bytes = u.UnpackBuf()
	}
	return v
}

// RegBitmapSize returns the size in bytes of a register bitmap for nregs
// registers.
func RegBitmapSize(nregs int) int { return (nregs + 7) / 8 }

// BitmapTest reports whether bit i is set in bitmap.
func BitmapTest(bitmap []byte, i int) bool {
	if i < 0 || i/8 >= len(bitmap) {
		return false
	}
	return bitmap[i/8]&(1<<(uint(i)%8)) != 0
}

// BitmapSet sets bit i in bitmap.
func BitmapSet(bitmap []byte, i int) {
	bitmap[i/8] |= 1 << (uint(i) % 8)
}

// AppendRegVals appends the values whose bit is set in bitmap, in register
// order.
func AppendRegVals(p *wire.Packer, vals []api.RegVal, bitmap []byte) {
	for i := range vals {
		if BitmapTest(bitmap, i) {
			AppendRegVal(p, &vals[i])
		}
	}
}

// ExtractRegVals is the inverse of AppendRegVals. Registers not present in
// bitmap are returned as RVTUnavailable.
func ExtractRegVals(u *wire.Unpacker, nregs int, bitmap []byte) []api.RegVal {
	vals := make([]api.RegVal, nregs)
	for i := range vals {
		if BitmapTest(bitmap, i) {
			vals[i] = ExtractRegVal(u)
		} else {
			vals[i].Type = api.RVTUnavailable
		}
	}
	return vals
}

// BptBatchError is returned by ExtractBptBatchCounts for counts that are
// negative or whose sum does not fit in 32 bits.
type BptBatchError struct {
	NAdd, NDel int64
}

func (err *BptBatchError) Error() string {
	return fmt.Sprintf("invalid breakpoint batch: nadd=%d ndel=%d", err.NAdd, err.NDel)
}

// AppendBptBatch appends a breakpoint update request. The first nadd
// elements are additions, the rest are deletions. Addresses are delta
// encoded against the previous breakpoint.
func AppendBptBatch(p *wire.Packer, bpts []api.UpdateBptInfo, nadd int) {
	ndel := len(bpts) - nadd
	p.PackInt(nadd)
	p.PackInt(ndel)
	prev := uint64(0)
	for i := range bpts {
		b := &bpts[i]
		prev = p.PackAddrDelta(b.EA, prev)
		p.PackDD(uint32(b.Type))
		p.PackInt(b.PID)
		p.PackInt(b.TID)
		if i < nadd {
			p.PackInt(b.Size)
		} else {
			p.PackBuf(b.OrgBytes)
		}
	}
}

// ExtractBptBatchCounts reads and validates the counts of a breakpoint
// batch. No element is read when validation fails.
func ExtractBptBatchCounts(u *wire.Unpacker) (nadd, ndel int, err error) {
	a := int64(int32(u.UnpackDD()))
	d := int64(int32(u.UnpackDD()))
	if err := u.Err(); err != nil {
		return 0, 0, err
	}
	if a < 0 || d < 0 || a+d > int64(^uint32(0)>>1) {
		return 0, 0, &BptBatchError{NAdd: a, NDel: d}
	}
	return int(a), int(d), nil
}

// ExtractBptBatchElems reads the elements of a breakpoint batch whose
// counts were returned by ExtractBptBatchCounts.
func ExtractBptBatchElems(u *wire.Unpacker, nadd, ndel int) []api.UpdateBptInfo {
	// every element takes at least 5 bytes
	if int64(nadd+ndel)*5 > int64(u.Remaining()) {
		u.Invalid("breakpoint list")
		return nil
	}
	bpts := make([]api.UpdateBptInfo, nadd+ndel)
	prev := uint64(0)
	for i := range bpts {
		b := &bpts[i]
		b.EA = u.UnpackAddrDelta(prev)
		prev = b.EA
		b.Type = api.BptType(u.UnpackDD())
		b.PID = u.UnpackInt()
		b.TID = u.UnpackInt()
		if i < nadd {
			b.Size = u.UnpackInt()
		} else {
			b.OrgBytes = u.UnpackBuf()
		}
	}
	return bpts
}

// AppendBptResults appends the per breakpoint results of a batch: code and
// original bytes for additions, code only for deletions.
func AppendBptResults(p *wire.Packer, bpts []api.UpdateBptInfo, nadd int) {
	for i := range bpts {
		p.PackDD(uint32(bpts[i].Code))
		if i < nadd && bpts[i].Code == api.BptOK {
			p.PackBuf(bpts[i].OrgBytes)
		}
	}
}

// ExtractBptResults is the inverse of AppendBptResults, filling Code and
// OrgBytes of bpts.
func ExtractBptResults(u *wire.Unpacker, bpts []api.UpdateBptInfo, nadd int) {
	for i := range bpts {
		bpts[i].Code = api.BptCode(u.UnpackDD())
		if i < nadd && bpts[i].Code == api.BptOK {
			bpts[i].OrgBytes = u.UnpackBuf()
		}
	}
}

// AppendLowCnds appends a list of low level conditions. Deletions (empty
// condition) only carry the address.
func AppendLowCnds(p *wire.Packer, lcs []api.LowCnd) {
	p.PackDD(uint32(len(lcs)))
	prev := uint64(0)
	for i := range lcs {
		lc := &lcs[i]
		prev = p.PackAddrDelta(lc.EA, prev)
		p.PackStr(lc.Cndbody)
		if lc.Cndbody != "" {
			p.PackDD(uint32(lc.Type))
			p.PackInt(lc.Size)
			p.PackBuf(lc.OrgBytes)
			p.PackBuf(lc.Insn)
		}
	}
}

// ExtractLowCnds is the inverse of AppendLowCnds.
func ExtractLowCnds(u *wire.Unpacker) []api.LowCnd {
	n := u.Count(3)
	lcs := make([]api.LowCnd, n)
	prev := uint64(0)
	for i := range lcs {
		lc := &lcs[i]
		lc.EA = u.UnpackAddrDelta(prev)
		prev = lc.EA
		lc.Cndbody = u.UnpackStr()
		if lc.Cndbody != "" {
			lc.Type = api.BptType(u.UnpackDD())
			lc.Size = u.UnpackInt()
			lc.OrgBytes = u.UnpackBuf()
			lc.Insn = u.UnpackBuf()
		}
	}
	return lcs
}

// AppendBinPatterns appends compiled binary search patterns.
func AppendBinPatterns(p *wire.Packer, pats []api.BinPattern) {
	p.PackDD(uint32(len(pats)))
	for i := range pats {
		bp := &pats[i]
		p.PackBuf(bp.Bytes)
		p.PackBuf(bp.Mask)
		p.PackDD(uint32(len(bp.StrLits)))
		for _, r := range bp.StrLits {
			p.PackEA(r.Start)
			p.PackEA(r.End)
		}
		p.PackInt(bp.Encidx)
	}
}

// ExtractBinPatterns is the inverse of AppendBinPatterns.
func ExtractBinPatterns(u *wire.Unpacker) []api.BinPattern {
	n := u.Count(4)
	pats := make([]api.BinPattern, n)
	for i := range pats {
		bp := &pats[i]
		bp.Bytes = u.UnpackBuf()
		bp.Mask = u.UnpackBuf()
		nlits := u.Count(2)
		if nlits > 0 {
			bp.StrLits = make([]api.Range, nlits)
			for j := range bp.StrLits {
				bp.StrLits[j].Start = u.UnpackEA()
				bp.StrLits[j].End = u.UnpackEA()
			}
		}
		bp.Encidx = u.UnpackInt()
	}
	return pats
}

// AppendDebappAttrs appends the attributes of the debugged application.
func AppendDebappAttrs(p *wire.Packer, a *api.DebappAttrs) {
	p.PackInt(a.AddrSize)
	p.PackStr(a.Platform)
	p.PackBool(a.IsBE)
}

// ExtractDebappAttrs is the inverse of AppendDebappAttrs.
func ExtractDebappAttrs(u *wire.Unpacker) api.DebappAttrs {
	var a api.DebappAttrs
	a.AddrSize = u.UnpackInt()
	a.Platform = u.UnpackStr()
	a.IsBE = u.UnpackBool()
	return a
}

// AppendDynamicRegisterSet appends a dynamic register set, or just a zero
// flag when rs is nil.
func AppendDynamicRegisterSet(p *wire.Packer, rs *api.DynamicRegisterSet) {
	p.PackBool(rs != nil)
	if rs == nil {
		return
	}
	p.PackDD(uint32(len(rs.Classes)))
	for _, c := range rs.Classes {
		p.PackStr(c)
	}
	p.PackDD(uint32(len(rs.Registers)))
	for i := range rs.Registers {
		ri := &rs.Registers[i]
		p.PackStr(ri.Name)
		p.PackDD(ri.Flags)
		p.PackDB(ri.Class)
		p.PackDB(ri.Dtype)
		p.PackDD(uint32(len(ri.BitNames)))
		for _, bn := range ri.BitNames {
			p.PackStr(bn)
		}
		p.PackDQ(ri.DefaultMask)
	}
}

// ExtractDynamicRegisterSet is the inverse of AppendDynamicRegisterSet.
func ExtractDynamicRegisterSet(u *wire.Unpacker) *api.DynamicRegisterSet {
	if !u.UnpackBool() {
		return nil
	}
	rs := &api.DynamicRegisterSet{}
	nclasses := u.Count(1)
	rs.Classes = make([]string, nclasses)
	for i := range rs.Classes {
		rs.Classes[i] = u.UnpackStr()
	}
	nregs := u.Count(7)
	rs.Registers = make([]api.RegisterInfo, nregs)
	for i := range rs.Registers {
		ri := &rs.Registers[i]
		ri.Name = u.UnpackStr()
		ri.Flags = u.UnpackDD()
		ri.Class = u.UnpackDB()
		ri.Dtype = u.UnpackDB()
		nbits := u.Count(1)
		if nbits > 0 {
			ri.BitNames = make([]string, nbits)
			for j := range ri.BitNames {
				ri.BitNames[j] = u.UnpackStr()
			}
		}
		ri.DefaultMask = u.UnpackDQ()
	}
	return rs
}

// AppendThreadNames appends a list of thread names.
func AppendThreadNames(p *wire.Packer, names []api.ThreadName) {
	p.PackDD(uint32(len(names)))
	for _, tn := range names {
		p.PackInt(tn.TID)
		p.PackStr(tn.Name)
	}
}

// ExtractThreadNames is the inverse of AppendThreadNames.
func ExtractThreadNames(u *wire.Unpacker) []api.ThreadName {
	n := u.Count(2)
	names := make([]api.ThreadName, n)
	for i := range names {
		names[i].TID = u.UnpackInt()
		names[i].Name = u.UnpackStr()
	}
	return names
}

// AppendImportInfos appends the payload of an RPC_IMPORT_DLL request.
func AppendImportInfos(p *wire.Packer, infos []api.ImportInfo) {
	p.PackDD(uint32(len(infos)))
	for _, ii := range infos {
		p.PackEA(ii.Base)
		p.PackStr(ii.Path)
		p.PackBuf(ii.UUID)
	}
}

// ExtractImportInfos is the inverse of AppendImportInfos.
func ExtractImportInfos(u *wire.Unpacker) []api.ImportInfo {
	n := u.Count(3)
	infos := make([]api.ImportInfo, n)
	for i := range infos {
		infos[i].Base = u.UnpackEA()
		infos[i].Path = u.UnpackStr()
		infos[i].UUID = u.UnpackBuf()
	}
	return infos
}
