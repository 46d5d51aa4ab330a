package native

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sys/unix"

	"github.com/hexrpc/dbgsrv/pkg/debmod"
	"github.com/hexrpc/dbgsrv/pkg/wire"
	"github.com/hexrpc/dbgsrv/service/api"
)

const (
	pageSize      = 0x1000
	pageCacheSize = 256
	waitPollStep  = 10 * time.Millisecond
)

func init() {
	debmod.Register("native", func() debmod.Module { return New() })
}

type nthread struct {
	tid       int
	stopped   bool
	suspended bool
	mode      api.ResumeMode
	atBpt     uint64 // address of the breakpoint the thread is stopped on, 0 if none
	sig       int    // signal delivered when the thread is resumed
}

// Module debugs a local process through ptrace.
type Module struct {
	debmod.Base

	mu             sync.Mutex
	ptraceChan     chan func()
	ptraceDoneChan chan interface{}

	procRoot       string
	childProcess   bool // this process was launched, not attached to
	pauseRequested bool
	threads        map[int]*nthread
	bpts           map[uint64][]byte
	pending        []*api.DebugEvent
	cache          *lru.Cache // page address -> []byte
}

// New returns a native module with no debuggee.
func New() *Module {
	cache, err := lru.New(pageCacheSize)
	if err != nil {
		panic(err)
	}
	return &Module{
		Base:     debmod.NewBase(),
		procRoot: "/proc",
		threads:  map[int]*nthread{},
		bpts:     map[uint64][]byte{},
		cache:    cache,
	}
}

// handlePtraceFuncs runs every ptrace request on the same OS thread, the
// kernel only accepts requests coming from the tracer thread.
func handlePtraceFuncs(ch <-chan func(), done chan<- interface{}) {
	runtime.LockOSThread()
	for fn := range ch {
		fn()
		done <- nil
	}
}

func (m *Module) execPtraceFunc(fn func()) {
	if m.ptraceChan == nil {
		m.ptraceChan = make(chan func())
		m.ptraceDoneChan = make(chan interface{})
		go handlePtraceFuncs(m.ptraceChan, m.ptraceDoneChan)
	}
	m.ptraceChan <- fn
	<-m.ptraceDoneChan
}

func (m *Module) stopPtraceLocked() {
	if m.ptraceChan != nil {
		close(m.ptraceChan)
		m.ptraceChan = nil
		m.ptraceDoneChan = nil
	}
}

func (m *Module) GetDebappAttrs() api.DebappAttrs {
	return api.DebappAttrs{AddrSize: 8, Platform: "linux", IsBE: false}
}

func (m *Module) Init(flags uint32, debugDebugger bool) (uint32, error) {
	if debugDebugger {
		m.Log.Debugf("native init flags=%#x", flags)
	}
	return 0, nil
}

// Term kills launched processes and detaches from attached ones.
func (m *Module) Term() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pid := m.PID(); pid != 0 {
		if m.childProcess {
			m.killLocked()
		} else if err := m.detachLocked(); err != nil {
			m.Log.Warnf("could not detach from %d: %v", pid, err)
		}
	}
	m.resetLocked()
	m.stopPtraceLocked()
}

func (m *Module) resetLocked() {
	m.SetPID(0)
	m.childProcess = false
	m.pauseRequested = false
	m.threads = map[int]*nthread{}
	m.bpts = map[uint64][]byte{}
	m.pending = nil
	m.cache.Purge()
}

func (m *Module) killLocked() {
	pid := m.PID()
	m.execPtraceFunc(func() {
		_ = unix.Kill(pid, unix.SIGKILL)
		var ws unix.WaitStatus
		for tid := range m.threads {
			_, _ = unix.Wait4(tid, &ws, unix.WALL, nil)
		}
	})
}

func (m *Module) GetProcesses() ([]api.ProcessInfo, error) {
	return listProcesses(m.procRoot)
}

func (m *Module) StartProcess(in *api.StartProcessIn) (api.Drc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PID() != 0 {
		return api.DrcError, api.NewError(api.DrcError, "a process is already being debugged")
	}
	if in.Path == "" {
		return api.DrcNoFile, api.NewError(api.DrcNoFile, "no executable specified")
	}
	path := in.Path
	if !filepath.IsAbs(path) && in.StartDir != "" {
		path = filepath.Join(in.StartDir, path)
	}
	if _, err := os.Stat(path); err != nil {
		return api.DrcNoFile, api.NewError(api.DrcNoFile, "%v", err)
	}
	var args []string
	if in.Args != "" {
		cmds, err := debmod.ParseCommandLine(in.Args)
		if err != nil {
			return api.DrcFailed, api.NewError(api.DrcFailed, "bad arguments: %v", err)
		}
		if len(cmds) > 1 {
			return api.DrcFailed, api.NewError(api.DrcFailed, "pipes are not supported in process arguments")
		}
		args = cmds[0]
	}

	var (
		pid int
		err error
	)
	m.execPtraceFunc(func() {
		cmd := exec.Command(path, args...)
		cmd.Dir = in.StartDir
		cmd.Env = append(os.Environ(), in.Env...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true, Setpgid: true}
		if err = cmd.Start(); err != nil {
			return
		}
		pid = cmd.Process.Pid
		var ws unix.WaitStatus
		if _, err = unix.Wait4(pid, &ws, unix.WALL, nil); err != nil {
			return
		}
		if !ws.Stopped() {
			err = fmt.Errorf("process %d did not stop after exec", pid)
			return
		}
		err = unix.PtraceSetOptions(pid, unix.PTRACE_O_TRACECLONE)
	})
	if err != nil {
		return api.DrcFailed, api.NewError(api.DrcFailed, "could not launch %s: %v", in.Path, err)
	}
	m.childProcess = true
	m.SetPID(pid)
	m.threads[pid] = &nthread{tid: pid, stopped: true}
	mi := m.mainModuleLocked()
	m.pending = append(m.pending, api.NewModuleEvent(api.ProcessStarted, pid, pid, mi.Base, mi))
	return api.DrcOK, nil
}

func (m *Module) AttachProcess(pid int, eventID int, flags uint32) (api.Drc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PID() != 0 {
		return api.DrcError, api.NewError(api.DrcError, "a process is already being debugged")
	}
	tids, err := listThreads(m.procRoot, pid)
	if err != nil {
		return api.DrcNoProc, api.NewError(api.DrcNoProc, "process %d does not exist", pid)
	}
	var attached []int
	m.execPtraceFunc(func() {
		for _, tid := range tids {
			if err = unix.PtraceAttach(tid); err != nil {
				if errors.Is(err, unix.ESRCH) && tid != pid {
					// thread exited meanwhile
					err = nil
					continue
				}
				return
			}
			attached = append(attached, tid)
			var ws unix.WaitStatus
			if _, err = unix.Wait4(tid, &ws, unix.WALL, nil); err != nil {
				return
			}
			if err = unix.PtraceSetOptions(tid, unix.PTRACE_O_TRACECLONE); err != nil {
				return
			}
		}
	})
	if err != nil {
		m.execPtraceFunc(func() {
			for _, tid := range attached {
				_ = unix.PtraceDetach(tid)
			}
		})
		if errors.Is(err, unix.ESRCH) {
			return api.DrcNoProc, api.NewError(api.DrcNoProc, "process %d does not exist", pid)
		}
		return api.DrcFailed, api.NewError(api.DrcFailed, "could not attach to %d: %v", pid, err)
	}
	m.SetPID(pid)
	for _, tid := range attached {
		m.threads[tid] = &nthread{tid: tid, stopped: true}
	}
	mi := m.mainModuleLocked()
	m.pending = append(m.pending, api.NewModuleEvent(api.ProcessAttached, pid, pid, mi.Base, mi))
	for _, tid := range attached {
		if tid != pid {
			m.pending = append(m.pending, api.NewTextEvent(api.ThreadStarted, pid, tid, wire.BadAddr, threadName(m.procRoot, pid, tid)))
		}
	}
	return api.DrcOK, nil
}

// mainModuleLocked describes the executable of the debuggee using its
// memory map.
func (m *Module) mainModuleLocked() api.ModInfo {
	pid := m.PID()
	mi := api.ModInfo{Base: wire.BadAddr, Rebase: wire.BadAddr}
	exe, err := os.Readlink(filepath.Join(m.procRoot, strconv.Itoa(pid), "exe"))
	if err != nil {
		return mi
	}
	mi.Name = exe
	regions, err := readMaps(m.procRoot, pid)
	if err != nil {
		return mi
	}
	for _, r := range regions {
		if r.Name != exe {
			continue
		}
		if mi.Base == wire.BadAddr {
			mi.Base = r.StartEA
		}
		mi.Size = r.EndEA - mi.Base
	}
	return mi
}

func (m *Module) DetachProcess() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pid := m.PID()
	if pid == 0 {
		return api.NewError(api.DrcNoProc, "no process")
	}
	if err := m.detachLocked(); err != nil {
		return api.NewError(api.DrcFailed, "could not detach from %d: %v", pid, err)
	}
	m.resetLocked()
	m.pending = append(m.pending, api.NewPlainEvent(api.ProcessDetached, pid, pid, wire.BadAddr))
	return nil
}

// detachLocked removes every breakpoint and lets the threads go.
func (m *Module) detachLocked() error {
	pid := m.PID()
	var err error
	m.execPtraceFunc(func() {
		for ea, org := range m.bpts {
			if _, e := unix.PtracePokeData(pid, uintptr(ea), org); e != nil && err == nil {
				err = e
			}
		}
		for tid, th := range m.threads {
			if !th.stopped {
				_ = unix.Tgkill(pid, tid, unix.SIGSTOP)
				var ws unix.WaitStatus
				_, _ = unix.Wait4(tid, &ws, unix.WALL, nil)
			}
			if e := unix.PtraceDetach(tid); e != nil && !errors.Is(e, unix.ESRCH) && err == nil {
				err = e
			}
		}
	})
	return err
}

func (m *Module) PrepareToPauseProcess() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pid := m.PID()
	if pid == 0 {
		return api.NewError(api.DrcNoProc, "no process")
	}
	m.pauseRequested = true
	if err := unix.Tgkill(pid, pid, unix.SIGSTOP); err != nil {
		m.pauseRequested = false
		return api.NewError(api.DrcFailed, "could not stop %d: %v", pid, err)
	}
	return nil
}

func (m *Module) ExitProcess() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pid := m.PID()
	if pid == 0 {
		return api.NewError(api.DrcNoProc, "no process")
	}
	if err := unix.Kill(pid, unix.SIGKILL); err != nil {
		return api.NewError(api.DrcFailed, "could not kill %d: %v", pid, err)
	}
	return nil
}

// GetDebugEvent polls the threads of the debuggee with WNOHANG until an
// event is found or timeout expires.
func (m *Module) GetDebugEvent(timeout time.Duration) (api.Gdecode, *api.DebugEvent) {
	deadline := time.Now().Add(timeout)
	for {
		m.mu.Lock()
		if len(m.pending) > 0 {
			ev := m.pending[0]
			m.pending = m.pending[1:]
			more := len(m.pending) > 0
			m.mu.Unlock()
			if more {
				return api.GdeManyEvents, ev
			}
			return api.GdeOneEvent, ev
		}
		if m.PID() == 0 {
			m.mu.Unlock()
			return api.GdeNoEvent, nil
		}
		got, err := m.waitLocked()
		m.mu.Unlock()
		if err != nil {
			m.Log.Errorf("wait: %v", err)
			return api.GdeError, nil
		}
		if got {
			continue
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return api.GdeNoEvent, nil
		}
		if remaining > waitPollStep {
			remaining = waitPollStep
		}
		time.Sleep(remaining)
	}
}

// waitLocked collects at most one status change of a debuggee thread and
// queues the resulting event.
func (m *Module) waitLocked() (bool, error) {
	tids := make([]int, 0, len(m.threads))
	for tid := range m.threads {
		tids = append(tids, tid)
	}
	sort.Ints(tids)
	var (
		wpid int
		ws   unix.WaitStatus
		err  error
	)
	m.execPtraceFunc(func() {
		for _, tid := range tids {
			wpid, err = unix.Wait4(tid, &ws, unix.WALL|unix.WNOHANG, nil)
			if errors.Is(err, unix.ECHILD) {
				// reaped elsewhere, report it as gone
				wpid, err = tid, nil
				ws = 0
				return
			}
			if err != nil || wpid != 0 {
				return
			}
		}
	})
	if err != nil || wpid == 0 {
		return false, err
	}
	ev := m.handleWaitLocked(wpid, ws)
	if ev == nil {
		return false, nil
	}
	m.pending = append(m.pending, ev)
	return true, nil
}

func (m *Module) handleWaitLocked(tid int, ws unix.WaitStatus) *api.DebugEvent {
	pid := m.PID()
	th := m.threads[tid]
	if th == nil {
		return nil
	}
	if ws.Exited() || ws.Signaled() {
		code := ws.ExitStatus()
		if ws.Signaled() {
			code = -int(ws.Signal())
		}
		delete(m.threads, tid)
		if tid != pid {
			return api.NewExitEvent(api.ThreadExited, pid, tid, wire.BadAddr, code)
		}
		m.resetLocked()
		m.stopPtraceLocked()
		return api.NewExitEvent(api.ProcessExited, pid, tid, wire.BadAddr, code)
	}
	if !ws.Stopped() {
		return nil
	}
	th.stopped = true
	m.cache.Purge()
	sig := ws.StopSignal()
	if sig == unix.SIGTRAP && ws.TrapCause() == unix.PTRACE_EVENT_CLONE {
		return m.handleCloneLocked(th)
	}
	pc, _ := m.pcLocked(tid)
	if sig == unix.SIGTRAP {
		if _, ok := m.bpts[pc-1]; ok {
			if err := m.setPCLocked(tid, pc-1); err != nil {
				m.Log.Errorf("could not rewind thread %d: %v", tid, err)
			}
			th.atBpt = pc - 1
			return api.NewBreakpointEvent(pid, tid, pc-1, api.BptInfo{Hea: wire.BadAddr, Kea: wire.BadAddr})
		}
		if th.mode != api.ResumeNone {
			th.mode = api.ResumeNone
			return api.NewPlainEvent(api.Step, pid, tid, pc)
		}
	}
	if sig == unix.SIGSTOP && m.pauseRequested {
		m.pauseRequested = false
		return api.NewTextEvent(api.Information, pid, tid, pc, "process suspended")
	}
	th.sig = int(sig)
	return api.NewExceptionEvent(pid, tid, pc, api.ExceptionInfo{
		Code:    uint32(sig),
		CanCont: true,
		EA:      pc,
		Info:    unix.SignalName(sig),
	})
}

// handleCloneLocked registers the thread created by th and resumes both.
func (m *Module) handleCloneLocked(th *nthread) *api.DebugEvent {
	pid := m.PID()
	var (
		msg uint
		err error
	)
	m.execPtraceFunc(func() {
		if msg, err = unix.PtraceGetEventMsg(th.tid); err != nil {
			return
		}
		var ws unix.WaitStatus
		if _, err = unix.Wait4(int(msg), &ws, unix.WALL, nil); err != nil {
			return
		}
		if err = unix.PtraceCont(int(msg), 0); err != nil {
			return
		}
		err = unix.PtraceCont(th.tid, 0)
	})
	if err != nil {
		m.Log.Errorf("could not follow new thread of %d: %v", th.tid, err)
		return nil
	}
	th.stopped = false
	newtid := int(msg)
	m.threads[newtid] = &nthread{tid: newtid}
	return api.NewTextEvent(api.ThreadStarted, pid, newtid, wire.BadAddr, threadName(m.procRoot, pid, newtid))
}

func (m *Module) ContinueAfterEvent(ev *api.DebugEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch ev.ID {
	case api.ProcessExited, api.ProcessDetached:
		return nil
	}
	if m.PID() == 0 {
		return api.NewError(api.DrcNoProc, "no process")
	}
	if ev.ID == api.Exception && ev.Exc() != nil {
		if th := m.threads[ev.TID]; th != nil {
			def := m.FindException(ev.Exc().Code)
			if ev.Handled || (def != nil && def.Flags&api.ExcHandle != 0) {
				th.sig = 0
			}
		}
	}
	m.cache.Purge()
	var err error
	m.execPtraceFunc(func() { err = m.resumeAllLocked() })
	if err != nil {
		return api.NewError(api.DrcFailed, "could not resume: %v", err)
	}
	return nil
}

// resumeAllLocked must run on the ptrace thread.
func (m *Module) resumeAllLocked() error {
	pid := m.PID()
	tids := make([]int, 0, len(m.threads))
	for tid := range m.threads {
		tids = append(tids, tid)
	}
	sort.Ints(tids)
	for _, tid := range tids {
		th := m.threads[tid]
		if !th.stopped || th.suspended {
			continue
		}
		if th.atBpt != 0 {
			if err := m.stepOverBreakpoint(th); err != nil {
				return err
			}
			if th.mode != api.ResumeNone {
				th.mode = api.ResumeNone
				var regs unix.PtraceRegs
				_ = unix.PtraceGetRegs(tid, &regs)
				m.pending = append(m.pending, api.NewPlainEvent(api.Step, pid, tid, regs.Rip))
				continue
			}
		}
		sig := th.sig
		th.sig = 0
		var err error
		if th.mode != api.ResumeNone {
			err = unix.PtraceSingleStep(tid)
		} else {
			err = unix.PtraceCont(tid, sig)
		}
		if err != nil && !errors.Is(err, unix.ESRCH) {
			return err
		}
		th.stopped = false
	}
	return nil
}

// stepOverBreakpoint executes the instruction replaced by the breakpoint
// th is stopped on, then puts the breakpoint back.
func (m *Module) stepOverBreakpoint(th *nthread) error {
	addr := th.atBpt
	th.atBpt = 0
	org, ok := m.bpts[addr]
	if !ok {
		return nil
	}
	if _, err := unix.PtracePokeData(th.tid, uintptr(addr), org); err != nil {
		return err
	}
	if err := unix.PtraceSingleStep(th.tid); err != nil {
		return err
	}
	var ws unix.WaitStatus
	if _, err := unix.Wait4(th.tid, &ws, unix.WALL, nil); err != nil {
		return err
	}
	_, err := unix.PtracePokeData(th.tid, uintptr(addr), []byte{trapOpcode})
	return err
}

func (m *Module) StoppedAtDebugEvent(dllsAdded bool) []api.ImportInfo { return nil }

func (m *Module) ThreadNames() []api.ThreadName {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := make([]api.ThreadName, 0, len(m.threads))
	for tid := range m.threads {
		r = append(r, api.ThreadName{TID: tid, Name: threadName(m.procRoot, m.PID(), tid)})
	}
	sort.Slice(r, func(i, j int) bool { return r[i].TID < r[j].TID })
	return r
}

func (m *Module) ImportDll(info api.ImportInfo) ([]api.DebugName, error) {
	return nil, api.ErrNotSupported
}

func (m *Module) threadLocked(tid int) (*nthread, error) {
	if m.PID() == 0 {
		return nil, api.NewError(api.DrcNoProc, "no process")
	}
	th := m.threads[tid]
	if th == nil {
		return nil, api.NewError(api.DrcFailed, "no such thread %d", tid)
	}
	return th, nil
}

func (m *Module) ThreadSuspend(tid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	th, err := m.threadLocked(tid)
	if err != nil {
		return err
	}
	th.suspended = true
	return nil
}

func (m *Module) ThreadContinue(tid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	th, err := m.threadLocked(tid)
	if err != nil {
		return err
	}
	th.suspended = false
	return nil
}

// SetResumeMode only supports single stepping, every stepping mode is
// executed as a single instruction step.
func (m *Module) SetResumeMode(tid int, mode api.ResumeMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	th, err := m.threadLocked(tid)
	if err != nil {
		return err
	}
	if mode < api.ResumeNone || mode > api.ResumeSrcOut {
		return api.NewError(api.DrcFailed, "unsupported resume mode %d", mode)
	}
	th.mode = mode
	return nil
}

func (m *Module) Appcall(in *api.AppcallIn) (*api.AppcallOut, error) {
	return &api.AppcallOut{SP: wire.BadAddr}, api.ErrNotSupported
}

func (m *Module) CleanupAppcall(tid int) error { return api.ErrNotSupported }

func (m *Module) UpdateLowcnds(lcs []api.LowCnd) (int, error) { return 0, api.ErrNotSupported }

func (m *Module) EvalLowcnd(tid int, ea uint64) error { return api.ErrNotSupported }

func (m *Module) GetScatteredImage(base uint64) ([]api.ScatteredSegm, error) {
	return nil, api.ErrNotSupported
}

func (m *Module) GetImageUUID(base uint64) ([]byte, error) { return nil, api.ErrNotSupported }

func (m *Module) GetSegmStart(base uint64, segm *api.ScatteredSegm) (uint64, error) {
	return wire.BadAddr, api.ErrNotSupported
}

var _ debmod.Module = (*Module)(nil)
