package wire

import (
	"bytes"
	"errors"
	"fmt"
)

// ErrTruncated is returned (wrapped in a *DecodeError) when a value extends
// past the end of the packet.
var ErrTruncated = errors.New("truncated packet")

// ErrMalformed is returned (wrapped in a *DecodeError) when a value is
// complete but inconsistent with what precedes it.
var ErrMalformed = errors.New("malformed packet")

// DecodeError describes where decoding of a packet failed.
type DecodeError struct {
	What   string // kind of value being decoded
	Offset int    // offset of the value inside the payload
	Err    error
}

func (err *DecodeError) Error() string {
	return fmt.Sprintf("decoding %s at offset %d: %v", err.What, err.Offset, err.Err)
}

func (err *DecodeError) Unwrap() error { return err.Err }

// Unpacker reads values encoded by Packer. Once a read fails every
// subsequent read returns a zero value and Err reports the first failure,
// so a record can be decoded completely and checked once.
type Unpacker struct {
	buf []byte
	off int
	err error
}

// NewUnpacker returns an Unpacker reading from b.
func NewUnpacker(b []byte) *Unpacker {
	return &Unpacker{buf: b}
}

// Err returns the first error encountered, if any.
func (u *Unpacker) Err() error { return u.err }

// Remaining returns the number of bytes left to read.
func (u *Unpacker) Remaining() int { return len(u.buf) - u.off }

// Offset returns the current read position.
func (u *Unpacker) Offset() int { return u.off }

func (u *Unpacker) fail(what string) {
	if u.err == nil {
		u.err = &DecodeError{What: what, Offset: u.off, Err: ErrTruncated}
	}
}

// Invalid records that the value being decoded is malformed. It is a no-op
// if an error was already recorded.
func (u *Unpacker) Invalid(what string) {
	if u.err == nil {
		u.err = &DecodeError{What: what, Offset: u.off, Err: ErrMalformed}
	}
}

func (u *Unpacker) take(n int, what string) []byte {
	if u.err != nil {
		return nil
	}
	if n < 0 || n > len(u.buf)-u.off {
		u.fail(what)
		return nil
	}
	b := u.buf[u.off : u.off+n]
	u.off += n
	return b
}

// UnpackDB reads a single byte.
func (u *Unpacker) UnpackDB() byte {
	b := u.take(1, "byte")
	if b == nil {
		return 0
	}
	return b[0]
}

// UnpackDD reads a value written by PackDD.
func (u *Unpacker) UnpackDD() uint32 {
	if u.err != nil {
		return 0
	}
	start := u.off
	b := u.take(1, "dword")
	if b == nil {
		return 0
	}
	v := uint32(b[0])
	switch {
	case v&0x80 == 0:
		return v
	case v&0xC0 == 0x80:
		lo := u.take(1, "dword")
		if lo == nil {
			u.off = start
			return 0
		}
		return (v&0x3F)<<8 | uint32(lo[0])
	case v&0xE0 == 0xC0:
		r := u.take(3, "dword")
		if r == nil {
			u.off = start
			return 0
		}
		return (v&0x1F)<<24 | uint32(r[0])<<16 | uint32(r[1])<<8 | uint32(r[2])
	default:
		r := u.take(4, "dword")
		if r == nil {
			u.off = start
			return 0
		}
		return uint32(r[0])<<24 | uint32(r[1])<<16 | uint32(r[2])<<8 | uint32(r[3])
	}
}

// UnpackInt reads a signed dword.
func (u *Unpacker) UnpackInt() int {
	return int(int32(u.UnpackDD()))
}

// UnpackBool reads a dword and reports whether it is non zero.
func (u *Unpacker) UnpackBool() bool {
	return u.UnpackDD() != 0
}

// UnpackDQ reads a value written by PackDQ.
func (u *Unpacker) UnpackDQ() uint64 {
	lo := u.UnpackDD()
	hi := u.UnpackDD()
	return uint64(hi)<<32 | uint64(lo)
}

// UnpackEA reads an address written by PackEA.
func (u *Unpacker) UnpackEA() uint64 {
	if AddrSize == 4 {
		v := u.UnpackDD()
		if v == 0 {
			return BadAddr
		}
		return uint64(v) - 1
	}
	return u.UnpackDQ() - 1
}

// UnpackAddrDelta reads an address written by PackAddrDelta relative to
// prev.
func (u *Unpacker) UnpackAddrDelta(prev uint64) uint64 {
	neg := u.UnpackDB()
	d := u.UnpackEA()
	if u.err != nil {
		return 0
	}
	if neg != 0 {
		return prev - d
	}
	return prev + d
}

// UnpackStr reads a NUL terminated string.
func (u *Unpacker) UnpackStr() string {
	if u.err != nil {
		return ""
	}
	i := bytes.IndexByte(u.buf[u.off:], 0)
	if i < 0 {
		u.fail("string")
		return ""
	}
	s := string(u.buf[u.off : u.off+i])
	u.off += i + 1
	return s
}

// UnpackBuf reads a length prefixed blob. The returned slice is a copy.
func (u *Unpacker) UnpackBuf() []byte {
	n := u.UnpackDD()
	if u.err != nil {
		return nil
	}
	if uint64(n) > uint64(u.Remaining()) {
		u.fail("buffer")
		return nil
	}
	return u.UnpackRaw(int(n))
}

// UnpackRaw reads n raw bytes. The returned slice is a copy.
func (u *Unpacker) UnpackRaw(n int) []byte {
	b := u.take(n, "raw bytes")
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// Count reads a list length and checks it against the bytes left in the
// packet, assuming every element takes at least minSize bytes. It protects
// callers from allocating huge slices on behalf of a corrupt length.
func (u *Unpacker) Count(minSize int) int {
	n := u.UnpackDD()
	if u.err != nil {
		return 0
	}
	if minSize < 1 {
		minSize = 1
	}
	if uint64(n)*uint64(minSize) > uint64(u.Remaining()) {
		u.fail("list")
		return 0
	}
	return int(n)
}
