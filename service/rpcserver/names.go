package rpcserver

import (
	"errors"
	"fmt"

	"github.com/hexrpc/dbgsrv/pkg/wire"
	"github.com/hexrpc/dbgsrv/service/api"
	"github.com/hexrpc/dbgsrv/service/rpcproto"
)

// ErrNamesMismatch is returned by sendDebugNames when the client
// acknowledges a different number of names than it was sent.
var ErrNamesMismatch = errors.New("client acknowledged a different number of debug names")

// sendDebugNames streams names to the client in RPC_SET_DEBUG_NAMES
// chunks. Every chunk must be acknowledged with the number of names it
// contained; the first mismatch aborts the transfer.
func (s *Session) sendDebugNames(names []api.DebugName) error {
	chunks := rpcproto.SplitDebugNames(names, s.srv.nameChunkCap)
	for i, chunk := range chunks {
		reply, err := s.sendRequest(rpcproto.RPC_SET_DEBUG_NAMES, chunk.Payload)
		if err != nil {
			return err
		}
		if code := rpcproto.Code(reply.Code); code != rpcproto.RPC_OK {
			return fmt.Errorf("RPC_SET_DEBUG_NAMES: client answered %v", code)
		}
		u := wire.NewUnpacker(reply.Payload)
		n := u.UnpackDD()
		if u.Err() != nil || int(n) != chunk.Count {
			return fmt.Errorf("chunk %d of %d: sent %d, acknowledged %d: %w", i+1, len(chunks), chunk.Count, n, ErrNamesMismatch)
		}
	}
	return nil
}

// processImportRequests offers the libraries in infos to the client. The
// symbols of the libraries the client could not import on its own are
// read by the debugger module and streamed with sendDebugNames.
func (s *Session) processImportRequests(infos []api.ImportInfo) error {
	if len(infos) == 0 {
		return nil
	}
	p := wire.NewPacker(64)
	rpcproto.AppendImportInfos(p, infos)
	reply, err := s.sendRequest(rpcproto.RPC_IMPORT_DLL, p.Bytes())
	if err != nil {
		return err
	}
	if code := rpcproto.Code(reply.Code); code != rpcproto.RPC_OK {
		return fmt.Errorf("RPC_IMPORT_DLL: client answered %v", code)
	}
	u := wire.NewUnpacker(reply.Payload)
	imported := make([]bool, len(infos))
	for i := range imported {
		imported[i] = u.UnpackBool()
	}
	if err := u.Err(); err != nil {
		return fmt.Errorf("RPC_IMPORT_DLL reply: %w", err)
	}
	for i, info := range infos {
		if imported[i] {
			continue
		}
		names, err := s.mod.ImportDll(info)
		if err != nil {
			s.dbgLog.Debugf("import %s: %v", info.Path, err)
			continue
		}
		if err := s.sendDebugNames(names); err != nil {
			return err
		}
	}
	return nil
}
