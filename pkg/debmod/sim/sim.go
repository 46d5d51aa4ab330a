// Package sim implements an in-memory debugger module. It simulates a
// debuggee with memory, threads, registers, libraries and breakpoints and
// is driven by the requests of the client plus events scripted by the
// embedder. It is the backend used by the server tests and can be selected
// with --backend=sim to try out clients.
package sim

import (
	"sort"
	"sync"

	"github.com/hexrpc/dbgsrv/pkg/debmod"
	"github.com/hexrpc/dbgsrv/pkg/wire"
	"github.com/hexrpc/dbgsrv/service/api"
)

func init() {
	debmod.Register("sim", func() debmod.Module { return New() })
}

// Default layout of launched processes.
const (
	ImageBase  = 0x400000
	ImageSize  = 0x2000
	StackBase  = 0x7fff0000
	StackSize  = 0x10000
	FirstPID   = 1000
	maxHwBpts  = 4
	trapOpcode = 0xCC
)

// Library is a shared library that can be loaded into the simulated
// process.
type Library struct {
	Path  string
	Base  uint64
	Size  uint64
	UUID  []byte
	Names []api.DebugName
	Segs  []api.ScatteredSegm
}

// Builtin is a function of the debuggee that can be invoked with an
// appcall. It receives the register file of the calling thread and the
// memory of the debuggee, and returns the value stored in rax.
type Builtin func(regs []api.RegVal, mem Memory) uint64

type region struct {
	info api.MemoryInfo
	data []byte
}

type thread struct {
	tid       int
	name      string
	regs      []api.RegVal
	fsBase    uint64
	suspended bool
	mode      api.ResumeMode
	saved     [][]api.RegVal // register files saved by appcalls
}

type bpt struct {
	typ      api.BptType
	size     int
	orgbytes []byte
}

// Stats counts the calls received by a module.
type Stats struct {
	Init          int
	Term          int
	Start         int
	Attach        int
	Exit          int
	ReadRegisters int
	ImportDll     int
}

// Module is a simulated debugger module.
type Module struct {
	debmod.Base

	mu   sync.Mutex
	wake chan struct{}

	flags      uint32
	attachable []api.ProcessInfo
	nextPID    int

	threads map[int]*thread
	mem     []*region
	bpts    map[uint64]*bpt
	lowcnds map[uint64]api.LowCnd
	events  []*api.DebugEvent

	libs       []*Library
	available  []*Library
	newImports []api.ImportInfo

	funcs      map[uint64]Builtin
	callstacks map[int][]api.CallStackEntry

	stats Stats
}

// New returns a simulated module with no debuggee.
func New() *Module {
	return &Module{
		Base:       debmod.NewBase(),
		wake:       make(chan struct{}, 1),
		nextPID:    FirstPID,
		threads:    map[int]*thread{},
		bpts:       map[uint64]*bpt{},
		lowcnds:    map[uint64]api.LowCnd{},
		funcs:      map[uint64]Builtin{},
		callstacks: map[int][]api.CallStackEntry{},
	}
}

// AddProcess makes a process available for attaching.
func (m *Module) AddProcess(pid int, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attachable = append(m.attachable, api.ProcessInfo{PID: pid, Name: name})
}

// AddLibrary registers a library. Libraries are loaded by LoadLibrary or,
// for libraries registered before the process starts, at launch.
func (m *Module) AddLibrary(lib Library) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := lib
	m.available = append(m.available, &l)
}

// LoadLibrary maps a registered library into the process and queues a
// LibLoaded event.
func (m *Module) LoadLibrary(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.available {
		if l.Path == path {
			m.loadLibraryLocked(l)
			return true
		}
	}
	return false
}

func (m *Module) loadLibraryLocked(l *Library) {
	m.libs = append(m.libs, l)
	m.mapLocked(api.MemoryInfo{
		StartEA: l.Base,
		EndEA:   l.Base + l.Size,
		Name:    l.Path,
		SClass:  "CODE",
		Bitness: 2,
		Perm:    api.SegPermR | api.SegPermX,
	}, nil)
	m.newImports = append(m.newImports, api.ImportInfo{Base: l.Base, Path: l.Path, UUID: l.UUID})
	m.queueLocked(api.NewModuleEvent(api.LibLoaded, m.PID(), m.PID(), l.Base, api.ModInfo{
		Name:   l.Path,
		Base:   l.Base,
		Size:   l.Size,
		Rebase: wire.BadAddr,
	}))
}

// QueueEvent appends ev to the events reported by GetDebugEvent. It can
// be called from any goroutine.
func (m *Module) QueueEvent(ev *api.DebugEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueLocked(ev)
}

func (m *Module) queueLocked(ev *api.DebugEvent) {
	m.events = append(m.events, ev)
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// PendingEvents returns the number of queued events.
func (m *Module) PendingEvents() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// MapMemory adds a memory region. If data is shorter than the region the
// rest is zero filled.
func (m *Module) MapMemory(info api.MemoryInfo, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mapLocked(info, data)
}

func (m *Module) mapLocked(info api.MemoryInfo, data []byte) {
	r := &region{info: info, data: make([]byte, info.Size())}
	copy(r.data, data)
	m.mem = append(m.mem, r)
	sort.Slice(m.mem, func(i, j int) bool { return m.mem[i].info.StartEA < m.mem[j].info.StartEA })
}

// SetFunction installs a builtin function at ea.
func (m *Module) SetFunction(ea uint64, fn Builtin) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.funcs[ea] = fn
}

// SetCallStack sets the call stack reported for tid.
func (m *Module) SetCallStack(tid int, frames []api.CallStackEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callstacks[tid] = frames
}

// AddThread adds a thread to the debuggee and queues a ThreadStarted
// event.
func (m *Module) AddThread(tid int, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addThreadLocked(tid, name)
	m.queueLocked(api.NewTextEvent(api.ThreadStarted, m.PID(), tid, 0, name))
}

func (m *Module) addThreadLocked(tid int, name string) *thread {
	th := &thread{tid: tid, name: name, regs: initialRegisters()}
	m.threads[tid] = th
	return th
}

// Stats returns the number of calls received so far.
func (m *Module) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Breakpoints returns the addresses of the installed breakpoints.
func (m *Module) Breakpoints() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := make([]uint64, 0, len(m.bpts))
	for ea := range m.bpts {
		r = append(r, ea)
	}
	sort.Slice(r, func(i, j int) bool { return r[i] < r[j] })
	return r
}

// Register returns the integer value of register idx of thread tid.
func (m *Module) Register(tid, idx int) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	th := m.threads[tid]
	if th == nil || idx < 0 || idx >= len(th.regs) {
		return 0, false
	}
	return th.regs[idx].Ival, true
}

func (m *Module) GetDebappAttrs() api.DebappAttrs {
	return api.DebappAttrs{AddrSize: 8, Platform: "sim", IsBE: false}
}

func (m *Module) DynamicRegisterSet() *api.DynamicRegisterSet {
	rs := &api.DynamicRegisterSet{Classes: append([]string(nil), classNames...)}
	for _, r := range registers {
		rs.Registers = append(rs.Registers, api.RegisterInfo{
			Name:     r.name,
			Flags:    r.flags,
			Class:    r.class,
			Dtype:    r.dtype,
			BitNames: r.bits,
		})
	}
	return rs
}

// Ioctl echoes its input for fn 0 and rejects everything else.
func (m *Module) Ioctl(fn int, in []byte) (int, []byte) {
	if fn == 0 {
		return 1, append([]byte(nil), in...)
	}
	return m.Base.Ioctl(fn, in)
}

var _ debmod.Module = (*Module)(nil)
