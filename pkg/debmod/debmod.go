// Package debmod defines the interface between the RPC server and the
// debugger modules that perform the actual debugging. The server never
// owns debuggee state itself, it only marshals calls to a Module.
package debmod

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hexrpc/dbgsrv/service/api"
)

// Module represents one debugger instance, attached to at most one
// debuggee. A Module is owned by exactly one session at a time.
type Module interface {
	Info
	ProcessManipulation
	EventHandling
	MemoryAccess
	BreakpointManipulation
	RegisterAccess
	Misc
}

// Info provides general information on the module and its debuggee.
type Info interface {
	// PID returns the id of the debugged process, 0 if there is none.
	PID() int
	// BrokenConnection reports whether the session owning the module died
	// unexpectedly.
	BrokenConnection() bool
	SetBrokenConnection(bool)
	// ContinueBrokenConnection reports whether a new session can take over
	// the module to keep debugging pid.
	ContinueBrokenConnection(pid int) bool
	GetDebappAttrs() api.DebappAttrs
	// DynamicRegisterSet returns the register layout of the debuggee or
	// nil if the layout is fixed.
	DynamicRegisterSet() *api.DynamicRegisterSet
}

// ProcessManipulation starts, attaches to and stops debuggees.
type ProcessManipulation interface {
	// SetHost changes the session notified by the module.
	SetHost(h Host)
	Init(flags uint32, debugDebugger bool) (flags2 uint32, err error)
	Term()
	GetProcesses() ([]api.ProcessInfo, error)
	// StartProcess launches a new debuggee. On success the returned code
	// is DrcOK or DrcCRC if the input file checksum does not match.
	StartProcess(in *api.StartProcessIn) (api.Drc, error)
	AttachProcess(pid int, eventID int, flags uint32) (api.Drc, error)
	DetachProcess() error
	PrepareToPauseProcess() error
	ExitProcess() error
}

// EventHandling reports debug events and resumes the debuggee.
type EventHandling interface {
	// GetDebugEvent waits at most timeout for a debug event.
	GetDebugEvent(timeout time.Duration) (api.Gdecode, *api.DebugEvent)
	ContinueAfterEvent(ev *api.DebugEvent) error
	// StoppedAtDebugEvent is called once the client has processed an
	// event. It returns the libraries whose symbols should be imported.
	StoppedAtDebugEvent(dllsAdded bool) []api.ImportInfo
	ThreadNames() []api.ThreadName
	// ImportDll returns the names exported by the library at info.Base.
	ImportDll(info api.ImportInfo) ([]api.DebugName, error)
	ThreadSuspend(tid int) error
	ThreadContinue(tid int) error
	SetResumeMode(tid int, mode api.ResumeMode) error
	SetExceptionInfo(defs []api.ExceptionDef)
	UpdateCallStack(tid int) ([]api.CallStackEntry, error)
}

// MemoryAccess reads, writes and describes debuggee memory.
type MemoryAccess interface {
	GetMemoryInfo() ([]api.MemoryInfo, error)
	ReadMemory(ea uint64, size int) ([]byte, error)
	WriteMemory(ea uint64, data []byte) (int, error)
	// BinSearch returns the address of the first match of any of pats in
	// [start, end). A failed search returns a *api.DebugError with code
	// DrcFailed.
	BinSearch(start, end uint64, pats []api.BinPattern, flags uint32) (uint64, error)
	GetScatteredImage(base uint64) ([]api.ScatteredSegm, error)
	GetImageUUID(base uint64) ([]byte, error)
	GetSegmStart(base uint64, segm *api.ScatteredSegm) (uint64, error)
}

// BreakpointManipulation installs breakpoints and low level conditions.
type BreakpointManipulation interface {
	IsOkBpt(typ api.BptType, ea uint64, size int) api.BptCode
	// UpdateBpts adds bpts[:nadd] and deletes bpts[nadd:], filling in the
	// Code (and for additions OrgBytes) of every element. It returns the
	// number of breakpoints successfully updated.
	UpdateBpts(bpts []api.UpdateBptInfo, nadd int) (int, error)
	UpdateLowcnds(lcs []api.LowCnd) (int, error)
	EvalLowcnd(tid int, ea uint64) error
}

// RegisterAccess reads and writes thread registers.
type RegisterAccess interface {
	NRegs() int
	// ReadRegisters returns NRegs values, registers outside of clsmask
	// are RVTUnavailable.
	ReadRegisters(tid int, clsmask uint32) ([]api.RegVal, error)
	WriteRegister(tid, regidx int, v *api.RegVal) error
	GetSregBase(tid, sreg int) (uint64, error)
	Appcall(in *api.AppcallIn) (*api.AppcallOut, error)
	CleanupAppcall(tid int) error
}

// Misc groups the operations that are not about the debuggee.
type Misc interface {
	// Rexec runs cmdline on the server host and returns its exit code.
	Rexec(cmdline string) int
	// Ioctl is an escape hatch for module specific requests.
	Ioctl(fn int, in []byte) (int, []byte)
}

// Host is the session owning a module. Modules use it to show messages
// to the user of the client.
type Host interface {
	Msg(s string)
	Warning(s string)
	Error(s string)
}

// Factory creates a new, uninitialized module.
type Factory func() Module

var (
	backendsMu sync.Mutex
	backends   = map[string]Factory{}
)

// Register makes a backend available under name. It panics if name is
// registered twice.
func Register(name string, f Factory) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	if _, dup := backends[name]; dup {
		panic("debmod: backend registered twice: " + name)
	}
	backends[name] = f
}

// Lookup returns the factory registered under name.
func Lookup(name string) (Factory, error) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	f, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("unknown backend %q (available: %v)", name, backendNamesLocked())
	}
	return f, nil
}

// New creates a module of the backend registered under name.
func New(name string, h Host) (Module, error) {
	f, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	m := f()
	m.SetHost(h)
	return m, nil
}

// Backends returns the names of the registered backends.
func Backends() []string {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	return backendNamesLocked()
}

func backendNamesLocked() []string {
	r := make([]string, 0, len(backends))
	for name := range backends {
		r = append(r, name)
	}
	sort.Strings(r)
	return r
}
