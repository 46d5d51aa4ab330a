// Package wire implements the byte-level encoding used by the debugger
// RPC protocol: variable length integers, addresses, strings and blobs,
// plus the framing of whole packets.
package wire

// BadAddr is the address value meaning "no address".
const BadAddr = ^uint64(0)

// Packer appends encoded values to a growable byte buffer.
// The zero value is ready to use.
type Packer struct {
	buf []byte
}

// NewPacker returns a Packer whose buffer has the given initial capacity.
func NewPacker(capacity int) *Packer {
	return &Packer{buf: make([]byte, 0, capacity)}
}

// Bytes returns the encoded contents. The slice aliases the internal buffer.
func (p *Packer) Bytes() []byte { return p.buf }

// Len returns the number of bytes packed so far.
func (p *Packer) Len() int { return len(p.buf) }

// Reset discards the contents but keeps the allocated storage.
func (p *Packer) Reset() { p.buf = p.buf[:0] }

// PackDB appends a single byte.
func (p *Packer) PackDB(x byte) {
	p.buf = append(p.buf, x)
}

// PackDD appends a 32bit value using 1, 2, 4 or 5 bytes depending on its
// magnitude.
func (p *Packer) PackDD(x uint32) {
	switch {
	case x < 0x80:
		p.buf = append(p.buf, byte(x))
	case x < 0x4000:
		p.buf = append(p.buf, byte(x>>8)|0x80, byte(x))
	case x < 0x20000000:
		p.buf = append(p.buf, byte(x>>24)|0xC0, byte(x>>16), byte(x>>8), byte(x))
	default:
		p.buf = append(p.buf, 0xFF, byte(x>>24), byte(x>>16), byte(x>>8), byte(x))
	}
}

// PackInt appends a signed value as its two's complement dword.
func (p *Packer) PackInt(x int) {
	p.PackDD(uint32(int32(x)))
}

// PackBool appends a boolean as a dword.
func (p *Packer) PackBool(b bool) {
	if b {
		p.PackDD(1)
	} else {
		p.PackDD(0)
	}
}

// PackDQ appends a 64bit value as two dwords, low half first.
func (p *Packer) PackDQ(x uint64) {
	p.PackDD(uint32(x))
	p.PackDD(uint32(x >> 32))
}

// PackEA appends an address. Addresses are biased by one so that BadAddr,
// the most frequent "special" address, takes a single byte.
func (p *Packer) PackEA(ea uint64) {
	if AddrSize == 4 {
		p.PackDD(uint32(ea + 1))
		return
	}
	p.PackDQ(ea + 1)
}

// PackAddrDelta appends ea relative to prev as a sign byte followed by the
// magnitude of the difference. It returns ea so callers can thread the
// running address through a list.
func (p *Packer) PackAddrDelta(ea, prev uint64) uint64 {
	if ea >= prev {
		p.PackDB(0)
		p.PackEA(ea - prev)
	} else {
		p.PackDB(1)
		p.PackEA(prev - ea)
	}
	return ea
}

// PackStr appends s followed by a NUL terminator.
func (p *Packer) PackStr(s string) {
	p.buf = append(p.buf, s...)
	p.buf = append(p.buf, 0)
}

// PackBuf appends a length prefixed blob.
func (p *Packer) PackBuf(b []byte) {
	p.PackDD(uint32(len(b)))
	p.buf = append(p.buf, b...)
}

// Append appends raw bytes, the length must be known to the decoder.
func (p *Packer) Append(b []byte) {
	p.buf = append(p.buf, b...)
}
