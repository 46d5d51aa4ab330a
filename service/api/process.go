package api

// ProcessInfo describes a process that can be attached to.
type ProcessInfo struct {
	PID  int
	Name string
}

// StartProcessIn holds the arguments of a process launch.
type StartProcessIn struct {
	Path      string
	Args      string
	StartDir  string
	Flags     uint32
	InputPath string
	InputCRC  uint32
	Merge     bool
	Env       []string // NAME=value entries
}

// Process start flags.
const (
	DbgProcHideWindow uint32 = 0x0001
	DbgProcNewConsole uint32 = 0x0002
	DbgProcNoSuspend  uint32 = 0x0004
)

// DebappAttrs are attributes of the debugged application.
type DebappAttrs struct {
	AddrSize int
	Platform string
	IsBE     bool
}

// CallStackEntry is one frame of a call stack.
type CallStackEntry struct {
	CallEA uint64 // address of the call instruction
	FuncEA uint64 // start of the function
	FP     uint64 // frame pointer
	FuncOK bool   // whether FuncEA is known
}

// ExceptionDef configures how the debugger handles one exception code.
type ExceptionDef struct {
	Code  uint32
	Flags uint32
	Name  string
	Desc  string
}

// Exception flags.
const (
	ExcBreak  uint32 = 0x0001 // break on the exception
	ExcHandle uint32 = 0x0002 // should be handled by the debugger
	ExcMsg    uint32 = 0x0004 // instead of warning, log the exception
	ExcSilent uint32 = 0x0008 // do not warn or log
)

// ResumeMode selects how a thread is resumed.
type ResumeMode int32

const (
	ResumeNone    ResumeMode = iota // no stepping, run freely
	ResumeInto                      // step into call
	ResumeOver                      // step over call
	ResumeOut                       // step out of the current function
	ResumeSrcInto                   // until control reaches a different source line
	ResumeSrcOver
	ResumeSrcOut
)

// ThreadName associates a name with a thread id.
type ThreadName struct {
	TID  int
	Name string
}

// ImportInfo identifies a library whose symbols should be imported.
type ImportInfo struct {
	Base uint64
	Path string
	UUID []byte
}

// DebugName is a name for an address in the debuggee.
type DebugName struct {
	EA   uint64
	Name string
}
