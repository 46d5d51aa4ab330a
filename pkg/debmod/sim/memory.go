package sim

import (
	"github.com/hexrpc/dbgsrv/pkg/wire"
	"github.com/hexrpc/dbgsrv/service/api"
)

func (m *Module) GetMemoryInfo() ([]api.MemoryInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PID() == 0 {
		return nil, api.NewError(api.DrcNoProc, "no process")
	}
	r := make([]api.MemoryInfo, len(m.mem))
	for i, rg := range m.mem {
		r[i] = rg.info
	}
	return r, nil
}

func (m *Module) findRegionLocked(ea uint64) *region {
	for _, rg := range m.mem {
		if rg.info.Contains(ea) {
			return rg
		}
	}
	return nil
}

// ReadMemory reads up to size bytes, stopping at the first unmapped
// address.
func (m *Module) ReadMemory(ea uint64, size int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readLocked(ea, size)
}

func (m *Module) readLocked(ea uint64, size int) ([]byte, error) {
	out := make([]byte, 0, size)
	for len(out) < size {
		rg := m.findRegionLocked(ea)
		if rg == nil {
			break
		}
		off := ea - rg.info.StartEA
		n := copy(out[len(out):size], rg.data[off:])
		out = out[:len(out)+n]
		ea += uint64(n)
	}
	if len(out) == 0 && size > 0 {
		return nil, api.NewError(api.DrcFailed, "memory at %#x is not mapped", ea)
	}
	return out, nil
}

func (m *Module) WriteMemory(ea uint64, data []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked(ea, data)
}

func (m *Module) writeLocked(ea uint64, data []byte) (int, error) {
	n := 0
	for n < len(data) {
		rg := m.findRegionLocked(ea)
		if rg == nil {
			break
		}
		k := copy(rg.data[ea-rg.info.StartEA:], data[n:])
		n += k
		ea += uint64(k)
	}
	if n == 0 && len(data) > 0 {
		return 0, api.NewError(api.DrcFailed, "memory at %#x is not mapped", ea)
	}
	return n, nil
}

func (m *Module) BinSearch(start, end uint64, pats []api.BinPattern, flags uint32) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PID() == 0 {
		return wire.BadAddr, api.NewError(api.DrcNoProc, "no process")
	}
	backward := flags&api.BinSearchBackward != 0
	nocase := flags&api.BinSearchNoCase != 0

	var best uint64 = wire.BadAddr
	for _, rg := range m.mem {
		lo, hi := rg.info.StartEA, rg.info.EndEA
		if lo < start {
			lo = start
		}
		if hi > end {
			hi = end
		}
		if lo >= hi {
			continue
		}
		ea, ok := searchRegion(rg, lo, hi, pats, nocase, backward)
		if !ok {
			continue
		}
		if best == wire.BadAddr || (backward && ea > best) || (!backward && ea < best) {
			best = ea
		}
	}
	if best == wire.BadAddr {
		return wire.BadAddr, &api.DebugError{Code: api.DrcFailed}
	}
	return best, nil
}

func searchRegion(rg *region, lo, hi uint64, pats []api.BinPattern, nocase, backward bool) (uint64, bool) {
	first := int(lo - rg.info.StartEA)
	last := int(hi - rg.info.StartEA)
	match := func(off int) bool {
		for i := range pats {
			if off+len(pats[i].Bytes) <= last && pats[i].Matches(rg.data, off, nocase) {
				return true
			}
		}
		return false
	}
	if backward {
		for off := last - 1; off >= first; off-- {
			if match(off) {
				return rg.info.StartEA + uint64(off), true
			}
		}
		return 0, false
	}
	for off := first; off < last; off++ {
		if match(off) {
			return rg.info.StartEA + uint64(off), true
		}
	}
	return 0, false
}

func (m *Module) libraryLocked(base uint64) *Library {
	for _, l := range m.libs {
		if l.Base == base {
			return l
		}
	}
	return nil
}

func (m *Module) GetScatteredImage(base uint64) ([]api.ScatteredSegm, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.libraryLocked(base)
	if l == nil || len(l.Segs) == 0 {
		return nil, api.NewError(api.DrcFailed, "no scattered image at %#x", base)
	}
	return append([]api.ScatteredSegm(nil), l.Segs...), nil
}

func (m *Module) GetImageUUID(base uint64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.libraryLocked(base)
	if l == nil || len(l.UUID) == 0 {
		return nil, api.NewError(api.DrcFailed, "no image uuid at %#x", base)
	}
	return append([]byte(nil), l.UUID...), nil
}

func (m *Module) GetSegmStart(base uint64, segm *api.ScatteredSegm) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l := m.libraryLocked(base); l != nil {
		for _, s := range l.Segs {
			if s.Name == segm.Name {
				return s.Start, nil
			}
		}
	}
	return wire.BadAddr, api.NewError(api.DrcFailed, "segment %q not found", segm.Name)
}
