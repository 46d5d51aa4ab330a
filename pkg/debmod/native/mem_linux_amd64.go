package native

import (
	"encoding/binary"

	"golang.org/x/sys/unix"

	"github.com/hexrpc/dbgsrv/pkg/wire"
	"github.com/hexrpc/dbgsrv/service/api"
)

const (
	trapOpcode      = 0xCC
	searchChunkSize = 0x10000
	maxFrames       = 256
)

func (m *Module) GetMemoryInfo() ([]api.MemoryInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pid := m.PID()
	if pid == 0 {
		return nil, api.NewError(api.DrcNoProc, "no process")
	}
	regions, err := readMaps(m.procRoot, pid)
	if err != nil {
		return nil, api.NewError(api.DrcFailed, "could not read memory map: %v", err)
	}
	return regions, nil
}

func (m *Module) ReadMemory(ea uint64, size int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PID() == 0 {
		return nil, api.NewError(api.DrcNoProc, "no process")
	}
	return m.readLocked(ea, size)
}

// readLocked reads through the page cache, stopping at the first page that
// cannot be read.
func (m *Module) readLocked(ea uint64, size int) ([]byte, error) {
	out := make([]byte, 0, size)
	for len(out) < size {
		addr := ea + uint64(len(out))
		page := addr &^ (pageSize - 1)
		data, err := m.pageLocked(page)
		if err != nil {
			break
		}
		off := int(addr - page)
		if off >= len(data) {
			break
		}
		n := len(data) - off
		if n > size-len(out) {
			n = size - len(out)
		}
		out = append(out, data[off:off+n]...)
	}
	if len(out) == 0 && size > 0 {
		return nil, api.NewError(api.DrcFailed, "cannot read memory at %#x", ea)
	}
	return out, nil
}

func (m *Module) pageLocked(page uint64) ([]byte, error) {
	if v, ok := m.cache.Get(page); ok {
		return v.([]byte), nil
	}
	pid := m.PID()
	buf := make([]byte, pageSize)
	var (
		n   int
		err error
	)
	m.execPtraceFunc(func() { n, err = unix.PtracePeekData(pid, uintptr(page), buf) })
	if err != nil && n == 0 {
		return nil, err
	}
	buf = buf[:n]
	m.cache.Add(page, buf)
	return buf, nil
}

func (m *Module) WriteMemory(ea uint64, data []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PID() == 0 {
		return 0, api.NewError(api.DrcNoProc, "no process")
	}
	return m.writeLocked(ea, data)
}

func (m *Module) writeLocked(ea uint64, data []byte) (int, error) {
	pid := m.PID()
	var (
		n   int
		err error
	)
	m.execPtraceFunc(func() { n, err = unix.PtracePokeData(pid, uintptr(ea), data) })
	for page := ea &^ (pageSize - 1); page < ea+uint64(len(data)); page += pageSize {
		m.cache.Remove(page)
	}
	if n == 0 && len(data) > 0 {
		return 0, api.NewError(api.DrcFailed, "cannot write memory at %#x: %v", ea, err)
	}
	return n, nil
}

// BinSearch reads the readable regions intersecting [start, end) in chunks
// and returns the first (or, searching backward, last) match.
func (m *Module) BinSearch(start, end uint64, pats []api.BinPattern, flags uint32) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pid := m.PID()
	if pid == 0 {
		return wire.BadAddr, api.NewError(api.DrcNoProc, "no process")
	}
	regions, err := readMaps(m.procRoot, pid)
	if err != nil {
		return wire.BadAddr, api.NewError(api.DrcFailed, "could not read memory map: %v", err)
	}
	backward := flags&api.BinSearchBackward != 0
	nocase := flags&api.BinSearchNoCase != 0
	overlap := 0
	for i := range pats {
		if len(pats[i].Bytes) > overlap {
			overlap = len(pats[i].Bytes)
		}
	}

	best := wire.BadAddr
	for _, rg := range regions {
		if !backward && best != wire.BadAddr {
			break
		}
		if rg.Perm&api.SegPermR == 0 {
			continue
		}
		lo, hi := rg.StartEA, rg.EndEA
		if lo < start {
			lo = start
		}
		if hi > end {
			hi = end
		}
		for chunk := lo; chunk < hi; chunk += searchChunkSize {
			size := uint64(searchChunkSize + overlap)
			if chunk+size > hi {
				size = hi - chunk
			}
			data, err := m.readLocked(chunk, int(size))
			if err != nil {
				break
			}
			limit := len(data)
			if chunk+searchChunkSize < hi && limit > searchChunkSize {
				limit = searchChunkSize
			}
			for off := 0; off < limit; off++ {
				if !matchAny(pats, data, off, nocase) {
					continue
				}
				ea := chunk + uint64(off)
				if !backward {
					if best == wire.BadAddr || ea < best {
						best = ea
					}
					break
				}
				if best == wire.BadAddr || ea > best {
					best = ea
				}
			}
			if !backward && best != wire.BadAddr {
				break
			}
		}
	}
	if best == wire.BadAddr {
		return wire.BadAddr, &api.DebugError{Code: api.DrcFailed}
	}
	return best, nil
}

func matchAny(pats []api.BinPattern, data []byte, off int, nocase bool) bool {
	for i := range pats {
		if pats[i].Matches(data, off, nocase) {
			return true
		}
	}
	return false
}

func (m *Module) IsOkBpt(typ api.BptType, ea uint64, size int) api.BptCode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isOkBptLocked(typ, ea)
}

// isOkBptLocked accepts software breakpoints on readable memory. Hardware
// breakpoints are not implemented.
func (m *Module) isOkBptLocked(typ api.BptType, ea uint64) api.BptCode {
	if typ != api.BptSoft && typ != api.BptDefault {
		return api.BptNotImpl
	}
	if m.PID() == 0 {
		return api.BptInternal
	}
	if _, err := m.readLocked(ea, 1); err != nil {
		return api.BptBadAddr
	}
	return api.BptOK
}

func (m *Module) UpdateBpts(bpts []api.UpdateBptInfo, nadd int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PID() == 0 {
		return 0, api.NewError(api.DrcNoProc, "no process")
	}
	n := 0
	for i := range bpts {
		b := &bpts[i]
		if i < nadd {
			b.Code = m.addBptLocked(b)
		} else {
			b.Code = m.delBptLocked(b)
		}
		if b.Code == api.BptOK {
			n++
		}
	}
	return n, nil
}

func (m *Module) addBptLocked(b *api.UpdateBptInfo) api.BptCode {
	if _, dup := m.bpts[b.EA]; dup {
		return api.BptSkip
	}
	if code := m.isOkBptLocked(b.Type, b.EA); code != api.BptOK {
		return code
	}
	org, err := m.readLocked(b.EA, 1)
	if err != nil {
		return api.BptBadAddr
	}
	if _, err := m.writeLocked(b.EA, []byte{trapOpcode}); err != nil {
		return api.BptReadOnly
	}
	m.bpts[b.EA] = org
	b.OrgBytes = append([]byte(nil), org...)
	return api.BptOK
}

func (m *Module) delBptLocked(b *api.UpdateBptInfo) api.BptCode {
	org, ok := m.bpts[b.EA]
	if !ok {
		return api.BptSkip
	}
	if len(b.OrgBytes) > 0 {
		org = b.OrgBytes
	}
	if _, err := m.writeLocked(b.EA, org); err != nil {
		return api.BptInternal
	}
	delete(m.bpts, b.EA)
	for _, th := range m.threads {
		if th.atBpt == b.EA {
			th.atBpt = 0
		}
	}
	return api.BptOK
}

// UpdateCallStack walks the frame pointer chain of tid.
func (m *Module) UpdateCallStack(tid int) ([]api.CallStackEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.threadLocked(tid); err != nil {
		return nil, err
	}
	regs, err := m.regsLocked(tid)
	if err != nil {
		return nil, api.NewError(api.DrcFailed, "could not read registers of %d: %v", tid, err)
	}
	frames := []api.CallStackEntry{{CallEA: regs.Rip, FuncEA: wire.BadAddr, FP: regs.Rbp}}
	fp := regs.Rbp
	for len(frames) < maxFrames && fp != 0 {
		b, err := m.readLocked(fp, 16)
		if err != nil || len(b) < 16 {
			break
		}
		next, ret := binary.LittleEndian.Uint64(b[:8]), binary.LittleEndian.Uint64(b[8:])
		if ret == 0 {
			break
		}
		frames = append(frames, api.CallStackEntry{CallEA: ret, FuncEA: wire.BadAddr, FP: next})
		if next <= fp {
			break
		}
		fp = next
	}
	return frames, nil
}
