package api

// Memory region permissions.
const (
	SegPermX uint8 = 1 << iota // execute
	SegPermW                   // write
	SegPermR                   // read
)

// MemoryInfo describes one region of the debuggee address space.
type MemoryInfo struct {
	StartEA uint64
	EndEA   uint64
	Name    string
	SClass  string // segment class name (CODE, DATA, ...)
	SBase   uint64 // selector base, in paragraphs
	Bitness uint8  // 0: 16bit, 1: 32bit, 2: 64bit
	Perm    uint8  // SegPerm* bits
}

// Size returns the size of the region.
func (mi *MemoryInfo) Size() uint64 { return mi.EndEA - mi.StartEA }

// Contains reports whether ea falls inside the region.
func (mi *MemoryInfo) Contains(ea uint64) bool {
	return ea >= mi.StartEA && ea < mi.EndEA
}

// ScatteredSegm is one segment of a module whose in-memory image is not
// contiguous.
type ScatteredSegm struct {
	Start uint64
	End   uint64
	Name  string
}

// BinPattern is one compiled binary search pattern.
type BinPattern struct {
	Bytes   []byte
	Mask    []byte // same length as Bytes, 0xFF for significant bytes; empty means all significant
	StrLits []Range
	Encidx  int // encoding index of the string literals
}

// Range is a half open address range.
type Range struct {
	Start uint64
	End   uint64
}

// Binary search flags.
const (
	BinSearchBackward uint32 = 0x0001
	BinSearchNoCase   uint32 = 0x0002
)

// Matches reports whether the pattern matches data at offset off.
func (p *BinPattern) Matches(data []byte, off int, nocase bool) bool {
	if off < 0 || off+len(p.Bytes) > len(data) {
		return false
	}
	for i, b := range p.Bytes {
		d := data[off+i]
		if len(p.Mask) > i {
			m := p.Mask[i]
			if d&m != b&m {
				return false
			}
			continue
		}
		if nocase {
			b, d = toLower(b), toLower(d)
		}
		if d != b {
			return false
		}
	}
	return true
}

func toLower(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b + 'a' - 'A'
	}
	return b
}
