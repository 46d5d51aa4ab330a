package rpcclient

import (
	"syscall"
	"time"

	"github.com/hexrpc/dbgsrv/pkg/wire"
	"github.com/hexrpc/dbgsrv/service/api"
	"github.com/hexrpc/dbgsrv/service/rpcproto"
)

// ProcessStart is the reply to StartProcess and AttachProcess.
type ProcessStart struct {
	Code      api.Drc
	Attrs     api.DebappAttrs
	Registers *api.DynamicRegisterSet
}

func unpackDrc(u *wire.Unpacker) api.Drc {
	return api.Drc(u.UnpackInt())
}

// drcError reads the error message following drc when drc is not DrcOK.
func drcError(u *wire.Unpacker, drc api.Drc) error {
	if drc == api.DrcOK {
		return u.Err()
	}
	msg := u.UnpackStr()
	if err := u.Err(); err != nil {
		return err
	}
	return &api.DebugError{Code: drc, Msg: msg}
}

// simple reads the reply of requests answering only a result code and an
// error message.
func (c *Client) simple(code rpcproto.Code, p *wire.Packer) error {
	u, err := c.call(code, p)
	if err != nil {
		return err
	}
	return drcError(u, unpackDrc(u))
}

// drcOnly reads the reply of requests answering only a result code.
func (c *Client) drcOnly(code rpcproto.Code, p *wire.Packer) error {
	u, err := c.call(code, p)
	if err != nil {
		return err
	}
	drc := unpackDrc(u)
	if err := u.Err(); err != nil {
		return err
	}
	if drc != api.DrcOK {
		return &api.DebugError{Code: drc}
	}
	return nil
}

func (c *Client) Init(flags uint32, debugDebugger bool) (uint32, error) {
	p := wire.NewPacker(8)
	p.PackDD(flags)
	p.PackBool(debugDebugger)
	u, err := c.call(rpcproto.RPC_INIT, p)
	if err != nil {
		return 0, err
	}
	drc := unpackDrc(u)
	flags2 := u.UnpackDD()
	return flags2, drcError(u, drc)
}

// Term terminates the debugger module of the session.
func (c *Client) Term() error {
	_, err := c.call(rpcproto.RPC_TERM, nil)
	return err
}

func (c *Client) GetProcesses() ([]api.ProcessInfo, error) {
	u, err := c.call(rpcproto.RPC_GET_PROCESSES, nil)
	if err != nil {
		return nil, err
	}
	drc := unpackDrc(u)
	if drc != api.DrcOK {
		return nil, drcError(u, drc)
	}
	procs := rpcproto.ExtractProcessInfos(u)
	return procs, u.Err()
}

func (c *Client) StartProcess(in *api.StartProcessIn) (*ProcessStart, error) {
	p := wire.NewPacker(64)
	p.PackStr(in.Path)
	p.PackStr(in.Args)
	p.PackStr(in.StartDir)
	p.PackDD(in.Flags)
	p.PackStr(in.InputPath)
	p.PackDD(in.InputCRC)
	p.PackBool(in.Merge)
	p.PackDD(uint32(len(in.Env)))
	for _, e := range in.Env {
		p.PackStr(e)
	}
	return c.processStart(rpcproto.RPC_START_PROCESS, p)
}

func (c *Client) AttachProcess(pid, eventID int, flags uint32) (*ProcessStart, error) {
	p := wire.NewPacker(16)
	p.PackInt(pid)
	p.PackInt(eventID)
	p.PackDD(flags)
	return c.processStart(rpcproto.RPC_ATTACH_PROCESS, p)
}

func (c *Client) processStart(code rpcproto.Code, p *wire.Packer) (*ProcessStart, error) {
	u, err := c.call(code, p)
	if err != nil {
		return nil, err
	}
	r := &ProcessStart{Code: unpackDrc(u)}
	if !r.Code.Ok() {
		return r, drcError(u, r.Code)
	}
	r.Attrs = rpcproto.ExtractDebappAttrs(u)
	r.Registers = rpcproto.ExtractDynamicRegisterSet(u)
	return r, u.Err()
}

func (c *Client) DetachProcess() error {
	return c.simple(rpcproto.RPC_DETACH_PROCESS, nil)
}

func (c *Client) PrepareToPauseProcess() error {
	return c.simple(rpcproto.RPC_PREPARE_TO_PAUSE_PROCESS, nil)
}

func (c *Client) ExitProcess() error {
	return c.simple(rpcproto.RPC_EXIT_PROCESS, nil)
}

// GetDebugEvent asks the server for a debug event, waiting at most
// timeout.
func (c *Client) GetDebugEvent(timeout time.Duration) (api.Gdecode, *api.DebugEvent, error) {
	p := wire.NewPacker(5)
	p.PackDD(uint32(timeout / time.Millisecond))
	u, err := c.call(rpcproto.RPC_GET_DEBUG_EVENT, p)
	if err != nil {
		return api.GdeError, nil, err
	}
	code := api.Gdecode(u.UnpackInt())
	var ev *api.DebugEvent
	if code >= api.GdeOneEvent {
		ev = rpcproto.ExtractDebugEvent(u)
	}
	return code, ev, u.Err()
}

func (c *Client) ContinueAfterEvent(ev *api.DebugEvent) error {
	p := wire.NewPacker(32)
	rpcproto.AppendDebugEvent(p, ev)
	return c.simple(rpcproto.RPC_CONTINUE_AFTER_EVENT, p)
}

// StoppedAtDebugEvent tells the server that the last event was processed.
// The thread names are returned if askThreadNames is set.
func (c *Client) StoppedAtDebugEvent(dllsAdded, askThreadNames bool) ([]api.ThreadName, error) {
	p := wire.NewPacker(2)
	p.PackBool(dllsAdded)
	p.PackBool(askThreadNames)
	u, err := c.call(rpcproto.RPC_STOPPED_AT_DEBUG_EVENT, p)
	if err != nil {
		return nil, err
	}
	if !askThreadNames {
		return nil, nil
	}
	names := rpcproto.ExtractThreadNames(u)
	return names, u.Err()
}

func (c *Client) ThreadSuspend(tid int) error {
	p := wire.NewPacker(5)
	p.PackInt(tid)
	return c.drcOnly(rpcproto.RPC_TH_SUSPEND, p)
}

func (c *Client) ThreadContinue(tid int) error {
	p := wire.NewPacker(5)
	p.PackInt(tid)
	return c.drcOnly(rpcproto.RPC_TH_CONTINUE, p)
}

func (c *Client) SetResumeMode(tid int, mode api.ResumeMode) error {
	p := wire.NewPacker(10)
	p.PackInt(tid)
	p.PackInt(int(mode))
	return c.drcOnly(rpcproto.RPC_SET_RESUME_MODE, p)
}

func (c *Client) GetMemoryInfo() ([]api.MemoryInfo, error) {
	u, err := c.call(rpcproto.RPC_GET_MEMORY_INFO, nil)
	if err != nil {
		return nil, err
	}
	drc := unpackDrc(u)
	if drc != api.DrcOK {
		return nil, drcError(u, drc)
	}
	regions := rpcproto.ExtractMemoryInfos(u)
	return regions, u.Err()
}

func (c *Client) ReadMemory(ea uint64, size int) ([]byte, error) {
	p := wire.NewPacker(16)
	p.PackEA(ea)
	p.PackInt(size)
	u, err := c.call(rpcproto.RPC_READ_MEMORY, p)
	if err != nil {
		return nil, err
	}
	n := u.UnpackInt()
	if n <= 0 {
		return nil, drcError(u, api.DrcFailed)
	}
	data := u.UnpackRaw(n)
	return data, u.Err()
}

func (c *Client) WriteMemory(ea uint64, data []byte) (int, error) {
	p := wire.NewPacker(len(data) + 16)
	p.PackEA(ea)
	p.PackInt(len(data))
	p.Append(data)
	u, err := c.call(rpcproto.RPC_WRITE_MEMORY, p)
	if err != nil {
		return 0, err
	}
	n := u.UnpackInt()
	if n <= 0 {
		return n, drcError(u, api.DrcFailed)
	}
	return n, u.Err()
}

func (c *Client) IsOkBpt(typ api.BptType, ea uint64, size int) (api.BptCode, error) {
	p := wire.NewPacker(16)
	p.PackInt(int(typ))
	p.PackEA(ea)
	p.PackInt(size)
	u, err := c.call(rpcproto.RPC_ISOK_BPT, p)
	if err != nil {
		return api.BptInternal, err
	}
	code := api.BptCode(u.UnpackInt())
	return code, u.Err()
}

// UpdateBpts adds bpts[:nadd] and deletes bpts[nadd:]. The result code of
// each element is stored in its Code field, and the original bytes of
// added breakpoints in OrgBytes.
func (c *Client) UpdateBpts(bpts []api.UpdateBptInfo, nadd int) (int, error) {
	p := wire.NewPacker(16 * len(bpts))
	rpcproto.AppendBptBatch(p, bpts, nadd)
	u, err := c.call(rpcproto.RPC_UPDATE_BPTS, p)
	if err != nil {
		return 0, err
	}
	drc := unpackDrc(u)
	n := u.UnpackInt()
	rpcproto.ExtractBptResults(u, bpts, nadd)
	return n, drcError(u, drc)
}

func (c *Client) UpdateLowcnds(lcs []api.LowCnd) (int, error) {
	p := wire.NewPacker(32)
	rpcproto.AppendLowCnds(p, lcs)
	u, err := c.call(rpcproto.RPC_UPDATE_LOWCNDS, p)
	if err != nil {
		return 0, err
	}
	drc := unpackDrc(u)
	n := u.UnpackInt()
	return n, drcError(u, drc)
}

func (c *Client) EvalLowcnd(tid int, ea uint64) error {
	p := wire.NewPacker(16)
	p.PackInt(tid)
	p.PackEA(ea)
	return c.simple(rpcproto.RPC_EVAL_LOWCND, p)
}

// ReadRegisters reads the registers of tid whose bit is set in bitmap.
// The returned slice has nregs entries, the ones not in bitmap are
// RVTUnavailable.
func (c *Client) ReadRegisters(tid int, clsmask uint32, nregs int, bitmap []byte) ([]api.RegVal, error) {
	p := wire.NewPacker(16 + len(bitmap))
	p.PackInt(tid)
	p.PackDD(clsmask)
	p.PackInt(nregs)
	p.Append(bitmap)
	u, err := c.call(rpcproto.RPC_READ_REGS, p)
	if err != nil {
		return nil, err
	}
	drc := unpackDrc(u)
	if drc != api.DrcOK {
		return nil, drcError(u, drc)
	}
	vals := rpcproto.ExtractRegVals(u, nregs, bitmap)
	return vals, u.Err()
}

func (c *Client) WriteRegister(tid, regidx int, v *api.RegVal) error {
	p := wire.NewPacker(24)
	p.PackInt(tid)
	p.PackInt(regidx)
	rpcproto.AppendRegVal(p, v)
	return c.simple(rpcproto.RPC_WRITE_REG, p)
}

func (c *Client) GetSregBase(tid, sreg int) (uint64, error) {
	p := wire.NewPacker(10)
	p.PackInt(tid)
	p.PackInt(sreg)
	u, err := c.call(rpcproto.RPC_GET_SREG_BASE, p)
	if err != nil {
		return 0, err
	}
	drc := unpackDrc(u)
	if drc != api.DrcOK {
		return 0, drcError(u, drc)
	}
	ea := u.UnpackEA()
	return ea, u.Err()
}

func (c *Client) SetExceptionInfo(defs []api.ExceptionDef) error {
	p := wire.NewPacker(32 * len(defs))
	rpcproto.AppendExceptionDefs(p, defs)
	_, err := c.call(rpcproto.RPC_SET_EXCEPTION_INFO, p)
	return err
}

// OpenFile opens path on the server host and returns its channel number.
// The size of the file is only known for read only files.
func (c *Client) OpenFile(path string, readonly bool) (fn int, size uint64, err error) {
	p := wire.NewPacker(len(path) + 2)
	p.PackStr(path)
	p.PackBool(readonly)
	u, err := c.call(rpcproto.RPC_OPEN_FILE, p)
	if err != nil {
		return -1, 0, err
	}
	fn = u.UnpackInt()
	if fn < 0 {
		errno := syscall.Errno(u.UnpackInt())
		if err := u.Err(); err != nil {
			return -1, 0, err
		}
		return -1, 0, errno
	}
	if readonly {
		size = u.UnpackDQ()
	}
	return fn, size, u.Err()
}

func (c *Client) CloseFile(fn int) error {
	p := wire.NewPacker(5)
	p.PackInt(fn)
	_, err := c.call(rpcproto.RPC_CLOSE_FILE, p)
	return err
}

// ReadFile reads at most size bytes at offset off of channel fn. A short
// read without error is the end of the file.
func (c *Client) ReadFile(fn int, off uint64, size int) ([]byte, error) {
	p := wire.NewPacker(16)
	p.PackInt(fn)
	p.PackDQ(off)
	p.PackInt(size)
	u, err := c.call(rpcproto.RPC_READ_FILE, p)
	if err != nil {
		return nil, err
	}
	n := u.UnpackInt()
	var errno syscall.Errno
	if n != size {
		errno = syscall.Errno(u.UnpackInt())
	}
	var data []byte
	if n > 0 {
		data = u.UnpackRaw(n)
	}
	if err := u.Err(); err != nil {
		return nil, err
	}
	if errno != 0 {
		return data, errno
	}
	return data, nil
}

func (c *Client) WriteFile(fn int, off uint64, data []byte) (int, error) {
	p := wire.NewPacker(len(data) + 16)
	p.PackInt(fn)
	p.PackDQ(off)
	p.PackBuf(data)
	u, err := c.call(rpcproto.RPC_WRITE_FILE, p)
	if err != nil {
		return 0, err
	}
	n := u.UnpackInt()
	if n != len(data) {
		errno := syscall.Errno(u.UnpackInt())
		if err := u.Err(); err != nil {
			return 0, err
		}
		return n, errno
	}
	return n, u.Err()
}

func (c *Client) Ioctl(fn int, in []byte) (int, []byte, error) {
	p := wire.NewPacker(len(in) + 10)
	p.PackInt(fn)
	p.PackBuf(in)
	u, err := c.call(rpcproto.RPC_IOCTL, p)
	if err != nil {
		return 0, nil, err
	}
	code := u.UnpackInt()
	out := u.UnpackBuf()
	return code, out, u.Err()
}

func (c *Client) UpdateCallStack(tid int) ([]api.CallStackEntry, error) {
	p := wire.NewPacker(5)
	p.PackInt(tid)
	u, err := c.call(rpcproto.RPC_UPDATE_CALL_STACK, p)
	if err != nil {
		return nil, err
	}
	drc := unpackDrc(u)
	if drc != api.DrcOK {
		return nil, &api.DebugError{Code: drc}
	}
	frames := rpcproto.ExtractCallStack(u)
	return frames, u.Err()
}

// Appcall calls a function of the debuggee. On failure the returned
// AppcallOut has SP set to BadAddr and, if requested with AppcallDebev,
// the event that interrupted the call.
func (c *Client) Appcall(in *api.AppcallIn) (*api.AppcallOut, error) {
	p := wire.NewPacker(64)
	p.PackEA(in.FuncEA)
	p.PackInt(in.TID)
	p.PackInt(in.StkArgsBytes)
	p.PackDD(in.Flags)
	rpcproto.AppendAppcall(p, in)
	u, err := c.call(rpcproto.RPC_APPCALL, p)
	if err != nil {
		return nil, err
	}
	out := &api.AppcallOut{SP: u.UnpackEA()}
	if out.SP == wire.BadAddr {
		if u.UnpackBool() {
			out.Event = rpcproto.ExtractDebugEvent(u)
		}
		return out, drcError(u, api.DrcFailed)
	}
	if in.RetRegs != nil {
		out.RetRegs = rpcproto.ExtractRegObjs(u, true)
	}
	return out, u.Err()
}

func (c *Client) CleanupAppcall(tid int) error {
	p := wire.NewPacker(5)
	p.PackInt(tid)
	return c.drcOnly(rpcproto.RPC_CLEANUP_APPCALL, p)
}

// Rexec runs cmdline on the server host and returns its exit code.
func (c *Client) Rexec(cmdline string) (int, error) {
	p := wire.NewPacker(len(cmdline) + 1)
	p.PackStr(cmdline)
	u, err := c.call(rpcproto.RPC_REXEC, p)
	if err != nil {
		return -1, err
	}
	code := u.UnpackInt()
	return code, u.Err()
}

func (c *Client) GetScatteredImage(base uint64) ([]api.ScatteredSegm, error) {
	p := wire.NewPacker(9)
	p.PackEA(base)
	u, err := c.call(rpcproto.RPC_GET_SCATTERED_IMAGE, p)
	if err != nil {
		return nil, err
	}
	drc := unpackDrc(u)
	if drc != api.DrcOK {
		return nil, &api.DebugError{Code: drc}
	}
	segs := rpcproto.ExtractScatteredImage(u)
	return segs, u.Err()
}

func (c *Client) GetImageUUID(base uint64) ([]byte, error) {
	p := wire.NewPacker(9)
	p.PackEA(base)
	u, err := c.call(rpcproto.RPC_GET_IMAGE_UUID, p)
	if err != nil {
		return nil, err
	}
	drc := unpackDrc(u)
	if drc != api.DrcOK {
		return nil, &api.DebugError{Code: drc}
	}
	uuid := u.UnpackBuf()
	return uuid, u.Err()
}

func (c *Client) GetSegmStart(base uint64, segm *api.ScatteredSegm) (uint64, error) {
	p := wire.NewPacker(32)
	p.PackEA(base)
	rpcproto.AppendScatteredSegm(p, segm)
	u, err := c.call(rpcproto.RPC_GET_SEGM_START, p)
	if err != nil {
		return 0, err
	}
	drc := unpackDrc(u)
	if drc != api.DrcOK {
		return 0, &api.DebugError{Code: drc}
	}
	ea := u.UnpackEA()
	return ea, u.Err()
}

// BinSearch searches the debuggee memory for pats. A pattern that is not
// found is reported as a *api.DebugError with code DrcFailed.
func (c *Client) BinSearch(start, end uint64, pats []api.BinPattern, flags uint32) (uint64, error) {
	p := wire.NewPacker(64)
	p.PackEA(start)
	p.PackEA(end)
	rpcproto.AppendBinPatterns(p, pats)
	p.PackDD(flags)
	u, err := c.call(rpcproto.RPC_BIN_SEARCH, p)
	if err != nil {
		return wire.BadAddr, err
	}
	drc := unpackDrc(u)
	switch drc {
	case api.DrcOK:
		ea := u.UnpackEA()
		return ea, u.Err()
	case api.DrcFailed:
		if err := u.Err(); err != nil {
			return wire.BadAddr, err
		}
		return wire.BadAddr, &api.DebugError{Code: api.DrcFailed, Msg: "not found"}
	}
	return wire.BadAddr, drcError(u, drc)
}
