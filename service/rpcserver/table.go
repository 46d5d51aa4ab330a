package rpcserver

import (
	"sort"
	"sync"

	"github.com/hexrpc/dbgsrv/pkg/debmod"
)

// sessionTable holds every session of a server, live or dormant. A
// dormant session has lost its connection but kept its debugger module
// so that a new session can adopt it.
type sessionTable struct {
	mu       sync.Mutex
	sessions map[int64]*Session
}

func newSessionTable() *sessionTable {
	return &sessionTable{sessions: map[int64]*Session{}}
}

func (t *sessionTable) add(s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[s.id] = s
}

func (t *sessionTable) remove(s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, s.id)
}

// markDormant records that s no longer has a connection but keeps its
// module in the table.
func (t *sessionTable) markDormant(s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s.dormant = true
}

func (t *sessionTable) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions = map[int64]*Session{}
}

func (t *sessionTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// forAll calls fn on every session in id order, with the table locked.
func (t *sessionTable) forAll(fn func(*Session)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]int64, 0, len(t.sessions))
	for id := range t.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		fn(t.sessions[id])
	}
}

// tryAdopt hands the module of a dormant session debugging pid over to
// self, replacing self's module, and returns it. The dormant session is
// removed from the table. The whole hand-off happens under the table lock
// so that a module is adopted at most once.
func (t *sessionTable) tryAdopt(self *Session, pid int) (debmod.Module, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, other := range t.sessions {
		if other == self || !other.dormant {
			continue
		}
		m := other.mod
		if m == nil || !m.BrokenConnection() || m.PID() != pid || !m.ContinueBrokenConnection(pid) {
			continue
		}
		other.mod = nil
		delete(t.sessions, id)
		m.SetBrokenConnection(false)
		self.mod = m
		return m, true
	}
	return nil, false
}
