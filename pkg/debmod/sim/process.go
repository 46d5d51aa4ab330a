package sim

import (
	"path/filepath"
	"sort"
	"time"

	"github.com/hexrpc/dbgsrv/pkg/wire"
	"github.com/hexrpc/dbgsrv/service/api"
)

func (m *Module) Init(flags uint32, debugDebugger bool) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Init++
	m.flags = flags
	if debugDebugger {
		m.Log.Debugf("init flags=%#x", flags)
	}
	return 0, nil
}

// Term forgets the debuggee without notifying it.
func (m *Module) Term() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Term++
	m.resetLocked()
}

func (m *Module) resetLocked() {
	m.SetPID(0)
	m.threads = map[int]*thread{}
	m.mem = nil
	m.bpts = map[uint64]*bpt{}
	m.lowcnds = map[uint64]api.LowCnd{}
	m.libs = nil
	m.newImports = nil
}

func (m *Module) GetProcesses() ([]api.ProcessInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := append([]api.ProcessInfo(nil), m.attachable...)
	sort.Slice(r, func(i, j int) bool { return r[i].PID < r[j].PID })
	return r, nil
}

func (m *Module) StartProcess(in *api.StartProcessIn) (api.Drc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Start++
	if m.PID() != 0 {
		return api.DrcError, api.NewError(api.DrcError, "a process is already being debugged")
	}
	if in.Path == "" {
		return api.DrcNoFile, api.NewError(api.DrcNoFile, "no executable specified")
	}
	pid := m.nextPID
	m.nextPID++
	m.launchLocked(pid, filepath.Base(in.Path))
	m.queueLocked(api.NewModuleEvent(api.ProcessStarted, pid, pid, ImageBase, api.ModInfo{
		Name:   in.Path,
		Base:   ImageBase,
		Size:   ImageSize,
		Rebase: wire.BadAddr,
	}))
	for _, l := range m.available {
		m.loadLibraryLocked(l)
	}
	m.Msgf("started %s (pid %d)", in.Path, pid)
	return api.DrcOK, nil
}

func (m *Module) launchLocked(pid int, name string) {
	m.resetLocked()
	m.SetPID(pid)
	m.mapLocked(api.MemoryInfo{
		StartEA: ImageBase,
		EndEA:   ImageBase + ImageSize,
		Name:    name,
		SClass:  "CODE",
		Bitness: 2,
		Perm:    api.SegPermR | api.SegPermX | api.SegPermW,
	}, nil)
	m.mapLocked(api.MemoryInfo{
		StartEA: StackBase,
		EndEA:   StackBase + StackSize,
		Name:    "[stack]",
		SClass:  "STACK",
		Bitness: 2,
		Perm:    api.SegPermR | api.SegPermW,
	}, nil)
	th := m.addThreadLocked(pid, "main")
	th.regs[regRIP] = api.IntReg(ImageBase)
	th.regs[regRSP] = api.IntReg(StackBase + StackSize - 0x100)
	th.regs[regRBP] = api.IntReg(StackBase + StackSize - 0x100)
}

func (m *Module) AttachProcess(pid int, eventID int, flags uint32) (api.Drc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Attach++
	if m.PID() != 0 {
		return api.DrcError, api.NewError(api.DrcError, "a process is already being debugged")
	}
	var name string
	for _, p := range m.attachable {
		if p.PID == pid {
			name = p.Name
		}
	}
	if name == "" {
		return api.DrcNoProc, api.NewError(api.DrcNoProc, "process %d does not exist", pid)
	}
	m.launchLocked(pid, name)
	m.queueLocked(api.NewModuleEvent(api.ProcessAttached, pid, pid, ImageBase, api.ModInfo{
		Name:   name,
		Base:   ImageBase,
		Size:   ImageSize,
		Rebase: wire.BadAddr,
	}))
	return api.DrcOK, nil
}

func (m *Module) DetachProcess() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pid := m.PID()
	if pid == 0 {
		return api.NewError(api.DrcNoProc, "no process")
	}
	for ea := range m.bpts {
		m.removeBptLocked(ea)
	}
	m.queueLocked(api.NewPlainEvent(api.ProcessDetached, pid, pid, wire.BadAddr))
	return nil
}

func (m *Module) PrepareToPauseProcess() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pid := m.PID()
	if pid == 0 {
		return api.NewError(api.DrcNoProc, "no process")
	}
	m.queueLocked(api.NewTextEvent(api.Information, pid, pid, m.ripLocked(pid), "process suspended"))
	return nil
}

func (m *Module) ExitProcess() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Exit++
	pid := m.PID()
	if pid == 0 {
		return api.NewError(api.DrcNoProc, "no process")
	}
	m.queueLocked(api.NewExitEvent(api.ProcessExited, pid, pid, wire.BadAddr, 0))
	return nil
}

// GetDebugEvent returns the next queued event, waiting at most timeout for
// one to be queued.
func (m *Module) GetDebugEvent(timeout time.Duration) (api.Gdecode, *api.DebugEvent) {
	deadline := time.Now().Add(timeout)
	for {
		if code, ev := m.popEvent(); code != api.GdeNoEvent {
			return code, ev
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return api.GdeNoEvent, nil
		}
		t := time.NewTimer(remaining)
		select {
		case <-m.wake:
			t.Stop()
		case <-t.C:
		}
	}
}

func (m *Module) popEvent() (api.Gdecode, *api.DebugEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return api.GdeNoEvent, nil
	}
	ev := m.events[0]
	m.events = m.events[1:]
	m.applyEventLocked(ev)
	if len(m.events) > 0 {
		return api.GdeManyEvents, ev
	}
	return api.GdeOneEvent, ev
}

// applyEventLocked updates the debuggee state for an event that is being
// reported.
func (m *Module) applyEventLocked(ev *api.DebugEvent) {
	switch ev.ID {
	case api.ThreadExited:
		delete(m.threads, ev.TID)
	case api.ProcessExited, api.ProcessDetached:
		m.resetLocked()
	}
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
		if def := m.FindException(ev.Exc().Code); def != nil && def.Flags&api.ExcHandle == 0 && !ev.Handled {
			m.Warningf("exception %s passed to the application", def.Name)
		}
	}
	tids := make([]int, 0, len(m.threads))
	for tid := range m.threads {
		tids = append(tids, tid)
	}
	sort.Ints(tids)
	for _, tid := range tids {
		th := m.threads[tid]
		if th.suspended || th.mode == api.ResumeNone {
			continue
		}
		rip := th.regs[regRIP].Ival + 1
		th.regs[regRIP] = api.IntReg(rip)
		th.mode = api.ResumeNone
		m.queueLocked(api.NewPlainEvent(api.Step, m.PID(), tid, rip))
	}
	return nil
}

func (m *Module) StoppedAtDebugEvent(dllsAdded bool) []api.ImportInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !dllsAdded {
		return nil
	}
	r := m.newImports
	m.newImports = nil
	return r
}

func (m *Module) ThreadNames() []api.ThreadName {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := make([]api.ThreadName, 0, len(m.threads))
	for _, th := range m.threads {
		r = append(r, api.ThreadName{TID: th.tid, Name: th.name})
	}
	sort.Slice(r, func(i, j int) bool { return r[i].TID < r[j].TID })
	return r
}

func (m *Module) ImportDll(info api.ImportInfo) ([]api.DebugName, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.ImportDll++
	for _, l := range m.libs {
		if l.Base == info.Base {
			return append([]api.DebugName(nil), l.Names...), nil
		}
	}
	return nil, api.NewError(api.DrcFailed, "no library loaded at %#x", info.Base)
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

func (m *Module) UpdateCallStack(tid int) ([]api.CallStackEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	th, err := m.threadLocked(tid)
	if err != nil {
		return nil, err
	}
	if frames, ok := m.callstacks[tid]; ok {
		return append([]api.CallStackEntry(nil), frames...), nil
	}
	return []api.CallStackEntry{{
		CallEA: th.regs[regRIP].Ival,
		FuncEA: wire.BadAddr,
		FP:     th.regs[regRBP].Ival,
	}}, nil
}

func (m *Module) threadLocked(tid int) (*thread, error) {
	if m.PID() == 0 {
		return nil, api.NewError(api.DrcNoProc, "no process")
	}
	th := m.threads[tid]
	if th == nil {
		return nil, api.NewError(api.DrcFailed, "no such thread %d", tid)
	}
	return th, nil
}

func (m *Module) ripLocked(tid int) uint64 {
	if th := m.threads[tid]; th != nil {
		return th.regs[regRIP].Ival
	}
	return wire.BadAddr
}
