package rpcserver

import (
	"time"

	"github.com/hexrpc/dbgsrv/pkg/wire"
	"github.com/hexrpc/dbgsrv/service/api"
	"github.com/hexrpc/dbgsrv/service/rpcproto"
)

// pollEvents asks the debugger module for an event, waiting at most
// timeout, and pushes it to the client with an RPC_EVENT request. Polling
// stays disabled after an event was pushed until the client asks for
// events again and none is available.
func (s *Session) pollEvents(timeout time.Duration) error {
	if s.hasPendingEvent {
		return nil
	}
	s.pollDebugEvents = false
	code, ev := s.mod.GetDebugEvent(timeout)
	if code < api.GdeOneEvent || ev == nil {
		if code == api.GdeError {
			s.dbgLog.Debugf("polling for events failed")
		}
		s.pollDebugEvents = true
		return nil
	}

	s.hasPendingEvent = true
	s.pendingEvent = ev
	defer func() {
		s.hasPendingEvent = false
		s.pendingEvent = nil
	}()

	p := wire.NewPacker(64)
	rpcproto.AppendDebugEvent(p, ev)
	s.log.Debugf("pushing %v", ev)
	reply, err := s.sendRequest(rpcproto.RPC_EVENT, p.Bytes())
	if err != nil {
		return err
	}
	if code := rpcproto.Code(reply.Code); code != rpcproto.RPC_EVOK {
		s.log.Warnf("client answered %v to RPC_EVENT", code)
	}
	return nil
}
