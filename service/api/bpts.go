package api

// BptType is the type of a breakpoint.
type BptType int32

const (
	BptWrite   BptType = 1 // write access
	BptRead    BptType = 2 // read access, also triggers on writes on most CPUs
	BptRdWr    BptType = 3 // read/write access
	BptSoft    BptType = 4 // software breakpoint
	BptExec    BptType = 8 // execute instruction
	BptDefault BptType = BptSoft | BptExec
)

// BptCode is the answer of a module to "can this breakpoint be set".
type BptCode int32

const (
	BptOK       BptCode = 0 // breakpoint can be set
	BptInternal BptCode = 1 // internal error
	BptBadAddr  BptCode = 2 // bad address
	BptBadAlign BptCode = 3 // bad alignment
	BptBadLen   BptCode = 4 // bad length
	BptTooMany  BptCode = 5 // too many hardware breakpoints
	BptReadOnly BptCode = 6 // page is readonly
	BptPageOK   BptCode = 7 // page breakpoint, ok
	BptSkip     BptCode = 8 // nothing to do
	BptNotImpl  BptCode = 9 // not implemented
	BptBadType  BptCode = 10
	BptLowCnd   BptCode = 11 // low level condition is wrong
)

// UpdateBptInfo is one element of a breakpoint update batch. Adds come
// first, then deletions.
type UpdateBptInfo struct {
	EA       uint64
	OrgBytes []byte // original bytes, filled by the module for adds
	Type     BptType
	Size     int
	Code     BptCode // result, filled by the module
	PID      int
	TID      int
}

// LowCnd is a low level breakpoint condition, evaluated by the server
// without a round trip to the client.
type LowCnd struct {
	EA       uint64
	Cndbody  string // empty: delete the condition
	Type     BptType
	OrgBytes []byte
	Size     int
	Insn     []byte // decoded instruction, opaque to the server
}
