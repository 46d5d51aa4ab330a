package rpcproto

import (
	"github.com/hexrpc/dbgsrv/pkg/wire"
	"github.com/hexrpc/dbgsrv/service/api"
)

// NameChunkSoftCap is the size after which a chunk of debug names is
// flushed. A chunk may exceed it by the size of its last entry.
const NameChunkSoftCap = 1 << 20

// NameChunk is the payload of one RPC_SET_DEBUG_NAMES request.
type NameChunk struct {
	Count   int
	Payload []byte
}

// SplitDebugNames encodes names into chunks of at most roughly softCap
// bytes each. Inside a chunk addresses are delta encoded against the
// previous entry and names only carry the suffix that differs from the
// previous name. Both running states start over in every chunk so that
// each chunk can be decoded on its own.
func SplitDebugNames(names []api.DebugName, softCap int) []NameChunk {
	if softCap <= 0 {
		softCap = NameChunkSoftCap
	}
	var chunks []NameChunk
	body := wire.NewPacker(0)
	count := 0
	prevEA := uint64(0)
	prevName := ""

	flush := func() {
		p := wire.NewPacker(body.Len() + 5)
		p.PackDD(uint32(count))
		p.Append(body.Bytes())
		chunks = append(chunks, NameChunk{Count: count, Payload: p.Bytes()})
		body = wire.NewPacker(0)
		count = 0
		prevEA = 0
		prevName = ""
	}

	for _, n := range names {
		prevEA = body.PackAddrDelta(n.EA, prevEA)
		pfx := commonPrefixLen(prevName, n.Name)
		body.PackDD(uint32(pfx))
		body.PackStr(n.Name[pfx:])
		prevName = n.Name
		count++
		if body.Len() >= softCap {
			flush()
		}
	}
	if count > 0 {
		flush()
	}
	return chunks
}

// ExtractDebugNames decodes one chunk produced by SplitDebugNames.
func ExtractDebugNames(u *wire.Unpacker) []api.DebugName {
	n := u.Count(3)
	names := make([]api.DebugName, 0, n)
	prevEA := uint64(0)
	prevName := ""
	for i := 0; i < n; i++ {
		ea := u.UnpackAddrDelta(prevEA)
		pfx := int(u.UnpackDD())
		suffix := u.UnpackStr()
		if u.Err() != nil {
			return nil
		}
		if pfx > len(prevName) {
			u.Invalid("name prefix")
			return nil
		}
		name := prevName[:pfx] + suffix
		names = append(names, api.DebugName{EA: ea, Name: name})
		prevEA = ea
		prevName = name
	}
	return names
}

func commonPrefixLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}
