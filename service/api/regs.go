package api

// RegValType is the type of a register value. Non negative values denote a
// custom type whose value is stored in RegVal.Bytes.
type RegValType int32

const (
	RVTInt         RegValType = -1 // integer value, stored in Ival
	RVTFloat       RegValType = -2 // floating point value, raw bytes stored in Bytes
	RVTUnavailable RegValType = -3 // value not available
)

// RegVal is the value of one register.
type RegVal struct {
	Type  RegValType
	Ival  uint64
	Bytes []byte
}

// IntReg returns an integer register value.
func IntReg(v uint64) RegVal { return RegVal{Type: RVTInt, Ival: v} }

// Register flags.
const (
	RegfReadonly uint32 = 0x0001 // user can't modify the current value
	RegfIP       uint32 = 0x0002 // instruction pointer
	RegfSP       uint32 = 0x0004 // stack pointer
	RegfFP       uint32 = 0x0008 // frame pointer
	RegfAddress  uint32 = 0x0010 // may contain an address
)

// RegisterInfo describes one register of a dynamic register set.
type RegisterInfo struct {
	Name        string
	Flags       uint32
	Class       uint8 // index into DynamicRegisterSet.Classes
	Dtype       uint8 // operand data type of the register
	BitNames    []string
	DefaultMask uint64
}

// DynamicRegisterSet is a register layout reported by the debugger at
// process start instead of being fixed at build time.
type DynamicRegisterSet struct {
	Classes   []string
	Registers []RegisterInfo
}

// MaxRegValueSize is the size of the widest register value (zmm).
const MaxRegValueSize = 64

// RegObj is a register value used by appcall, either as input (with value)
// or as a request for an output register, in which case only Size is set.
type RegObj struct {
	RegIdx   int
	Relocate int
	Value    []byte
	Size     int
}

// ValueSize returns the length of the register value.
func (r *RegObj) ValueSize() int {
	if r.Value != nil {
		return len(r.Value)
	}
	return r.Size
}

// RelObj is a snapshot of stack memory that must be relocated to wherever
// the server places the stack frame.
type RelObj struct {
	Buf   []byte
	Base  uint64
	RInfo []byte // relocation information, pairs of little endian offsets into Buf
}

// Relocate rewrites every pointer listed in RInfo so that pointers into
// [Base, Base+len(Buf)) point into [to, to+len(Buf)) instead. Pointers are
// ptrSize little endian words.
func (r *RelObj) Relocate(to uint64, ptrSize int) bool {
	if ptrSize != 4 && ptrSize != 8 {
		return false
	}
	delta := to - r.Base
	for i := 0; i+4 <= len(r.RInfo); i += 4 {
		off := int(uint32(r.RInfo[i]) | uint32(r.RInfo[i+1])<<8 | uint32(r.RInfo[i+2])<<16 | uint32(r.RInfo[i+3])<<24)
		if off < 0 || off+ptrSize > len(r.Buf) {
			return false
		}
		var v uint64
		for j := ptrSize - 1; j >= 0; j-- {
			v = v<<8 | uint64(r.Buf[off+j])
		}
		v += delta
		for j := 0; j < ptrSize; j++ {
			r.Buf[off+j] = byte(v >> (8 * j))
		}
	}
	r.Base = to
	return true
}

// AppcallIn is the input of an appcall.
type AppcallIn struct {
	FuncEA       uint64
	TID          int
	StkArgsBytes int
	Flags        uint32
	RegArgs      []RegObj
	Stack        RelObj
	RetRegs      []RegObj // nil when the caller does not want return registers
}

// Appcall flags.
const (
	AppcallManual uint32 = 0x0001 // only set up the call, do not run it
	AppcallDebev  uint32 = 0x0002 // return the debug event on failure
)

// AppcallOut is the result of an appcall.
type AppcallOut struct {
	SP      uint64   // new stack pointer, BadAddr on failure
	RetRegs []RegObj // output registers, filled when requested
	Event   *DebugEvent
}
