package rpcserver

import (
	"fmt"
	"runtime/debug"
	"time"

	"github.com/hexrpc/dbgsrv/pkg/wire"
	"github.com/hexrpc/dbgsrv/service/api"
	"github.com/hexrpc/dbgsrv/service/rpcproto"
)

// request is a client request being serviced.
type request struct {
	code  rpcproto.Code
	u     *wire.Unpacker
	reply *wire.Packer

	// pollNext resumes event polling once the request is serviced, even if
	// polling was off when it arrived.
	pollNext bool
	// decodeHandled is set by handlers that answer malformed arguments
	// themselves instead of dropping the connection.
	decodeHandled bool
}

// bad reports whether decoding the arguments of req failed.
func (req *request) bad() bool {
	return req.u.Err() != nil
}

type handlerFunc func(s *Session, req *request)

var handlers map[rpcproto.Code]handlerFunc

func init() {
	handlers = map[rpcproto.Code]handlerFunc{
		rpcproto.RPC_INIT:                     handleInit,
		rpcproto.RPC_TERM:                     handleTerm,
		rpcproto.RPC_GET_PROCESSES:            handleGetProcesses,
		rpcproto.RPC_START_PROCESS:            handleStartProcess,
		rpcproto.RPC_ATTACH_PROCESS:           handleAttachProcess,
		rpcproto.RPC_DETACH_PROCESS:           handleDetachProcess,
		rpcproto.RPC_PREPARE_TO_PAUSE_PROCESS: handlePrepareToPauseProcess,
		rpcproto.RPC_EXIT_PROCESS:             handleExitProcess,
		rpcproto.RPC_GET_DEBUG_EVENT:          handleGetDebugEvent,
		rpcproto.RPC_CONTINUE_AFTER_EVENT:     handleContinueAfterEvent,
		rpcproto.RPC_STOPPED_AT_DEBUG_EVENT:   handleStoppedAtDebugEvent,
		rpcproto.RPC_TH_SUSPEND:               handleThreadSuspend,
		rpcproto.RPC_TH_CONTINUE:              handleThreadContinue,
		rpcproto.RPC_SET_RESUME_MODE:          handleSetResumeMode,
		rpcproto.RPC_GET_MEMORY_INFO:          handleGetMemoryInfo,
		rpcproto.RPC_READ_MEMORY:              handleReadMemory,
		rpcproto.RPC_WRITE_MEMORY:             handleWriteMemory,
		rpcproto.RPC_ISOK_BPT:                 handleIsOkBpt,
		rpcproto.RPC_UPDATE_BPTS:              handleUpdateBpts,
		rpcproto.RPC_UPDATE_LOWCNDS:           handleUpdateLowcnds,
		rpcproto.RPC_EVAL_LOWCND:              handleEvalLowcnd,
		rpcproto.RPC_READ_REGS:                handleReadRegs,
		rpcproto.RPC_WRITE_REG:                handleWriteReg,
		rpcproto.RPC_GET_SREG_BASE:            handleGetSregBase,
		rpcproto.RPC_SET_EXCEPTION_INFO:       handleSetExceptionInfo,
		rpcproto.RPC_OPEN_FILE:                handleOpenFile,
		rpcproto.RPC_CLOSE_FILE:               handleCloseFile,
		rpcproto.RPC_READ_FILE:                handleReadFile,
		rpcproto.RPC_WRITE_FILE:               handleWriteFile,
		rpcproto.RPC_IOCTL:                    handleIoctl,
		rpcproto.RPC_UPDATE_CALL_STACK:        handleUpdateCallStack,
		rpcproto.RPC_APPCALL:                  handleAppcall,
		rpcproto.RPC_CLEANUP_APPCALL:          handleCleanupAppcall,
		rpcproto.RPC_REXEC:                    handleRexec,
		rpcproto.RPC_GET_SCATTERED_IMAGE:      handleGetScatteredImage,
		rpcproto.RPC_GET_IMAGE_UUID:           handleGetImageUUID,
		rpcproto.RPC_GET_SEGM_START:           handleGetSegmStart,
		rpcproto.RPC_BIN_SEARCH:               handleBinSearch,
	}
}

// handleRequest services one client request and sends the reply.
// Event polling is suspended while the request is serviced.
func (s *Session) handleRequest(pkt *wire.Packet) error {
	req := &request{
		code:  rpcproto.Code(pkt.Code),
		u:     wire.NewUnpacker(pkt.Payload),
		reply: wire.NewPacker(64),
	}

	saved := s.pollDebugEvents
	s.pollDebugEvents = false
	code := s.dispatch(req)
	if req.pollNext {
		saved = true
	}
	s.pollDebugEvents = saved

	if err := req.u.Err(); err != nil && !req.decodeHandled {
		s.connErr = fmt.Errorf("malformed %v request: %w", req.code, err)
		return s.connErr
	}
	return s.send(code, req.reply.Bytes())
}

func (s *Session) dispatch(req *request) (code rpcproto.Code) {
	h, ok := handlers[req.code]
	if !ok {
		s.log.Warnf("unknown request %v", req.code)
		return rpcproto.RPC_UNK
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("panic servicing %v: %v\n%s", req.code, r, debug.Stack())
			req.reply.Reset()
			code = rpcproto.RPC_MEM
		}
	}()
	h(s, req)
	return rpcproto.RPC_OK
}

// failed logs the failure of a debugger module call.
func (s *Session) failed(req *request, err error) {
	if err != nil {
		s.dbgLog.Debugf("%v: %v", req.code, err)
	}
}

func packDrc(p *wire.Packer, drc api.Drc) {
	p.PackInt(int(drc))
}

// errMsg is the message sent along a failed result code.
func errMsg(err error, drc api.Drc) string {
	if err != nil {
		return err.Error()
	}
	return drc.String()
}

// replyDrc appends the result code of err, and its message if err is not
// nil.
func (s *Session) replyDrc(req *request, err error) {
	drc := api.DrcOf(err)
	packDrc(req.reply, drc)
	if err != nil {
		s.failed(req, err)
		req.reply.PackStr(err.Error())
	}
}

func handleInit(s *Session, req *request) {
	flags := req.u.UnpackDD()
	debugDebugger := req.u.UnpackBool()
	if req.bad() {
		return
	}
	flags2, err := s.mod.Init(flags, debugDebugger)
	drc := api.DrcOf(err)
	packDrc(req.reply, drc)
	req.reply.PackDD(flags2)
	if drc != api.DrcOK {
		s.failed(req, err)
		req.reply.PackStr(errMsg(err, drc))
	}
}

func handleTerm(s *Session, req *request) {
	s.gotTerm = true
	s.modTermed = true
	s.mod.Term()
}

func handleGetProcesses(s *Session, req *request) {
	procs, err := s.mod.GetProcesses()
	packDrc(req.reply, api.DrcOf(err))
	if err != nil {
		s.failed(req, err)
		req.reply.PackStr(err.Error())
		return
	}
	rpcproto.AppendProcessInfos(req.reply, procs)
}

func handleStartProcess(s *Session, req *request) {
	u := req.u
	in := &api.StartProcessIn{}
	in.Path = u.UnpackStr()
	in.Args = u.UnpackStr()
	in.StartDir = u.UnpackStr()
	in.Flags = u.UnpackDD()
	in.InputPath = u.UnpackStr()
	in.InputCRC = u.UnpackDD()
	in.Merge = u.UnpackBool()
	nenv := u.Count(1)
	for i := 0; i < nenv; i++ {
		in.Env = append(in.Env, u.UnpackStr())
	}
	if req.bad() || in.Path == "" {
		req.decodeHandled = true
		packDrc(req.reply, api.DrcNoFile)
		req.reply.PackStr("invalid arguments for starting a process")
		return
	}
	drc, err := s.mod.StartProcess(in)
	s.replyProcessStarted(req, drc, err)
}

func handleAttachProcess(s *Session, req *request) {
	pid := req.u.UnpackInt()
	eventID := req.u.UnpackInt()
	flags := req.u.UnpackDD()
	if req.bad() {
		return
	}
	old := s.mod
	if m, ok := s.srv.table.tryAdopt(s, pid); ok {
		old.Term()
		m.SetHost(s)
		s.log.Infof("adopted debugger of process %d", pid)
		s.replyProcessStarted(req, api.DrcOK, nil)
		return
	}
	drc, err := s.mod.AttachProcess(pid, eventID, flags)
	s.replyProcessStarted(req, drc, err)
}

// replyProcessStarted appends the reply shared by RPC_START_PROCESS and
// RPC_ATTACH_PROCESS.
func (s *Session) replyProcessStarted(req *request, drc api.Drc, err error) {
	s.modTermed = false
	if err != nil && drc.Ok() {
		drc = api.DrcOf(err)
	}
	packDrc(req.reply, drc)
	if !drc.Ok() {
		s.failed(req, err)
		req.reply.PackStr(errMsg(err, drc))
		return
	}
	attrs := s.mod.GetDebappAttrs()
	rpcproto.AppendDebappAttrs(req.reply, &attrs)
	rpcproto.AppendDynamicRegisterSet(req.reply, s.mod.DynamicRegisterSet())
}

func handleDetachProcess(s *Session, req *request) {
	s.replyDrc(req, s.mod.DetachProcess())
}

func handlePrepareToPauseProcess(s *Session, req *request) {
	s.replyDrc(req, s.mod.PrepareToPauseProcess())
}

func handleExitProcess(s *Session, req *request) {
	s.replyDrc(req, s.mod.ExitProcess())
}

func handleGetDebugEvent(s *Session, req *request) {
	timeout := time.Duration(req.u.UnpackDD()) * time.Millisecond
	if req.bad() {
		return
	}
	code := api.GdeNoEvent
	var ev *api.DebugEvent
	if !s.hasPendingEvent {
		code, ev = s.mod.GetDebugEvent(timeout)
		if code >= api.GdeOneEvent && ev == nil {
			code = api.GdeNoEvent
		}
	}
	req.reply.PackInt(int(code))
	if code >= api.GdeOneEvent {
		rpcproto.AppendDebugEvent(req.reply, ev)
	} else if !s.hasPendingEvent {
		req.pollNext = true
	}
}

func handleContinueAfterEvent(s *Session, req *request) {
	ev := rpcproto.ExtractDebugEvent(req.u)
	if req.bad() {
		return
	}
	s.replyDrc(req, s.mod.ContinueAfterEvent(ev))
}

func handleStoppedAtDebugEvent(s *Session, req *request) {
	dllsAdded := req.u.UnpackBool()
	askThreadNames := req.u.UnpackBool()
	if req.bad() {
		return
	}
	infos := s.mod.StoppedAtDebugEvent(dllsAdded)
	if err := s.processImportRequests(infos); err != nil {
		s.log.Errorf("importing symbols: %v", err)
	}
	if askThreadNames {
		rpcproto.AppendThreadNames(req.reply, s.mod.ThreadNames())
	}
}

func handleThreadSuspend(s *Session, req *request) {
	tid := req.u.UnpackInt()
	if req.bad() {
		return
	}
	err := s.mod.ThreadSuspend(tid)
	s.failed(req, err)
	packDrc(req.reply, api.DrcOf(err))
}

func handleThreadContinue(s *Session, req *request) {
	tid := req.u.UnpackInt()
	if req.bad() {
		return
	}
	err := s.mod.ThreadContinue(tid)
	s.failed(req, err)
	packDrc(req.reply, api.DrcOf(err))
}

func handleSetResumeMode(s *Session, req *request) {
	tid := req.u.UnpackInt()
	mode := api.ResumeMode(req.u.UnpackInt())
	if req.bad() {
		return
	}
	err := s.mod.SetResumeMode(tid, mode)
	s.failed(req, err)
	packDrc(req.reply, api.DrcOf(err))
}

func handleGetMemoryInfo(s *Session, req *request) {
	regions, err := s.mod.GetMemoryInfo()
	packDrc(req.reply, api.DrcOf(err))
	if err != nil {
		s.failed(req, err)
		req.reply.PackStr(err.Error())
		return
	}
	rpcproto.AppendMemoryInfos(req.reply, regions)
}

func handleReadMemory(s *Session, req *request) {
	ea := req.u.UnpackEA()
	size := int(req.u.UnpackDD())
	if req.bad() {
		return
	}
	var (
		data []byte
		err  error
	)
	if size > wire.MaxPacketSize {
		err = api.NewError(api.DrcError, "read of %d bytes is too large", size)
	} else {
		data, err = s.mod.ReadMemory(ea, size)
	}
	n := len(data)
	if err != nil {
		s.failed(req, err)
		n = -1
	}
	req.reply.PackInt(n)
	if n > 0 {
		req.reply.Append(data)
	} else {
		req.reply.PackStr(errMsg(err, api.DrcFailed))
	}
}

func handleWriteMemory(s *Session, req *request) {
	ea := req.u.UnpackEA()
	size := int(req.u.UnpackDD())
	data := req.u.UnpackRaw(size)
	if req.bad() {
		return
	}
	n, err := s.mod.WriteMemory(ea, data)
	if err != nil {
		s.failed(req, err)
		if n == 0 {
			n = -1
		}
	}
	req.reply.PackInt(n)
	if n <= 0 {
		req.reply.PackStr(errMsg(err, api.DrcFailed))
	}
}

func handleIsOkBpt(s *Session, req *request) {
	typ := api.BptType(req.u.UnpackInt())
	ea := req.u.UnpackEA()
	size := req.u.UnpackInt()
	if req.bad() {
		return
	}
	req.reply.PackInt(int(s.mod.IsOkBpt(typ, ea, size)))
}

func handleUpdateBpts(s *Session, req *request) {
	nadd, ndel, err := rpcproto.ExtractBptBatchCounts(req.u)
	if req.bad() {
		return
	}
	if err != nil {
		s.failed(req, err)
		packDrc(req.reply, api.DrcError)
		req.reply.PackInt(0)
		req.reply.PackStr(err.Error())
		return
	}
	bpts := rpcproto.ExtractBptBatchElems(req.u, nadd, ndel)
	if req.bad() {
		return
	}
	n, err := s.mod.UpdateBpts(bpts, nadd)
	drc := api.DrcOf(err)
	packDrc(req.reply, drc)
	req.reply.PackInt(n)
	rpcproto.AppendBptResults(req.reply, bpts, nadd)
	if drc != api.DrcOK {
		s.failed(req, err)
		req.reply.PackStr(errMsg(err, drc))
	}
}

func handleUpdateLowcnds(s *Session, req *request) {
	lcs := rpcproto.ExtractLowCnds(req.u)
	if req.bad() {
		return
	}
	n, err := s.mod.UpdateLowcnds(lcs)
	drc := api.DrcOf(err)
	packDrc(req.reply, drc)
	req.reply.PackInt(n)
	if drc != api.DrcOK {
		s.failed(req, err)
		req.reply.PackStr(errMsg(err, drc))
	}
}

func handleEvalLowcnd(s *Session, req *request) {
	tid := req.u.UnpackInt()
	ea := req.u.UnpackEA()
	if req.bad() {
		return
	}
	s.replyDrc(req, s.mod.EvalLowcnd(tid, ea))
}

func handleReadRegs(s *Session, req *request) {
	tid := req.u.UnpackInt()
	clsmask := req.u.UnpackDD()
	nregs := req.u.UnpackInt()
	if req.bad() {
		return
	}
	if nregs <= 0 || nregs > s.mod.NRegs() {
		err := api.NewError(api.DrcError, "invalid number of registers %d (module has %d)", nregs, s.mod.NRegs())
		s.failed(req, err)
		packDrc(req.reply, api.DrcError)
		req.reply.PackStr(err.Error())
		return
	}
	bitmap := req.u.UnpackRaw(rpcproto.RegBitmapSize(nregs))
	if req.bad() {
		return
	}
	vals, err := s.mod.ReadRegisters(tid, clsmask)
	packDrc(req.reply, api.DrcOf(err))
	if err != nil {
		s.failed(req, err)
		req.reply.PackStr(err.Error())
		return
	}
	if len(vals) > nregs {
		vals = vals[:nregs]
	}
	rpcproto.AppendRegVals(req.reply, vals, bitmap)
}

func handleWriteReg(s *Session, req *request) {
	tid := req.u.UnpackInt()
	regidx := req.u.UnpackInt()
	v := rpcproto.ExtractRegVal(req.u)
	if req.bad() {
		return
	}
	s.replyDrc(req, s.mod.WriteRegister(tid, regidx, &v))
}

func handleGetSregBase(s *Session, req *request) {
	tid := req.u.UnpackInt()
	sreg := req.u.UnpackInt()
	if req.bad() {
		return
	}
	base, err := s.mod.GetSregBase(tid, sreg)
	packDrc(req.reply, api.DrcOf(err))
	if err != nil {
		s.failed(req, err)
		req.reply.PackStr(err.Error())
		return
	}
	req.reply.PackEA(base)
}

func handleSetExceptionInfo(s *Session, req *request) {
	defs := rpcproto.ExtractExceptionDefs(req.u)
	if req.bad() {
		return
	}
	s.mod.SetExceptionInfo(defs)
}

func handleIoctl(s *Session, req *request) {
	fn := req.u.UnpackInt()
	in := req.u.UnpackBuf()
	if req.bad() {
		return
	}
	code, out := s.mod.Ioctl(fn, in)
	req.reply.PackInt(code)
	req.reply.PackBuf(out)
}

func handleUpdateCallStack(s *Session, req *request) {
	tid := req.u.UnpackInt()
	if req.bad() {
		return
	}
	frames, err := s.mod.UpdateCallStack(tid)
	packDrc(req.reply, api.DrcOf(err))
	if err != nil {
		s.failed(req, err)
		return
	}
	rpcproto.AppendCallStack(req.reply, frames)
}

func handleAppcall(s *Session, req *request) {
	u := req.u
	in := &api.AppcallIn{}
	in.FuncEA = u.UnpackEA()
	in.TID = u.UnpackInt()
	in.StkArgsBytes = u.UnpackInt()
	in.Flags = u.UnpackDD()
	rpcproto.ExtractAppcall(u, in)
	if req.bad() {
		return
	}
	out, err := s.mod.Appcall(in)
	sp := wire.BadAddr
	if err == nil && out != nil {
		sp = out.SP
	}
	req.reply.PackEA(sp)
	if sp == wire.BadAddr {
		s.failed(req, err)
		var ev *api.DebugEvent
		if out != nil && in.Flags&api.AppcallDebev != 0 {
			ev = out.Event
		}
		req.reply.PackBool(ev != nil)
		if ev != nil {
			rpcproto.AppendDebugEvent(req.reply, ev)
		}
		req.reply.PackStr(errMsg(err, api.DrcFailed))
		return
	}
	if in.RetRegs != nil {
		rpcproto.AppendRegObjs(req.reply, out.RetRegs, true)
	}
}

func handleCleanupAppcall(s *Session, req *request) {
	tid := req.u.UnpackInt()
	if req.bad() {
		return
	}
	err := s.mod.CleanupAppcall(tid)
	s.failed(req, err)
	packDrc(req.reply, api.DrcOf(err))
}

func handleRexec(s *Session, req *request) {
	cmdline := req.u.UnpackStr()
	if req.bad() {
		return
	}
	s.log.Infof("rexec %q", cmdline)
	req.reply.PackInt(s.mod.Rexec(cmdline))
}

func handleGetScatteredImage(s *Session, req *request) {
	base := req.u.UnpackEA()
	if req.bad() {
		return
	}
	segs, err := s.mod.GetScatteredImage(base)
	packDrc(req.reply, api.DrcOf(err))
	if err != nil {
		s.failed(req, err)
		return
	}
	rpcproto.AppendScatteredImage(req.reply, segs)
}

func handleGetImageUUID(s *Session, req *request) {
	base := req.u.UnpackEA()
	if req.bad() {
		return
	}
	uuid, err := s.mod.GetImageUUID(base)
	packDrc(req.reply, api.DrcOf(err))
	if err != nil {
		s.failed(req, err)
		return
	}
	req.reply.PackBuf(uuid)
}

func handleGetSegmStart(s *Session, req *request) {
	base := req.u.UnpackEA()
	segm := rpcproto.ExtractScatteredSegm(req.u)
	if req.bad() {
		return
	}
	ea, err := s.mod.GetSegmStart(base, &segm)
	packDrc(req.reply, api.DrcOf(err))
	if err != nil {
		s.failed(req, err)
		return
	}
	req.reply.PackEA(ea)
}

func handleBinSearch(s *Session, req *request) {
	start := req.u.UnpackEA()
	end := req.u.UnpackEA()
	pats := rpcproto.ExtractBinPatterns(req.u)
	flags := req.u.UnpackDD()
	if req.bad() {
		return
	}
	ea, err := s.mod.BinSearch(start, end, pats, flags)
	drc := api.DrcOf(err)
	packDrc(req.reply, drc)
	switch drc {
	case api.DrcOK:
		req.reply.PackEA(ea)
	case api.DrcFailed:
		// not found
	default:
		s.failed(req, err)
		req.reply.PackStr(errMsg(err, drc))
	}
}
