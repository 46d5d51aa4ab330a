package rpcclient

import (
	"sort"
	"sync"

	"github.com/derekparker/trie"

	"github.com/hexrpc/dbgsrv/service/api"
)

// NameTable holds the debug names received from the server, indexed by
// name and by address.
type NameTable struct {
	mu     sync.Mutex
	byName *trie.Trie
	byAddr map[uint64]string
	count  int
}

// NewNameTable returns an empty table.
func NewNameTable() *NameTable {
	return &NameTable{byName: trie.New(), byAddr: map[uint64]string{}}
}

// AddAll adds names to the table. A name seen again moves to its new
// address.
func (t *NameTable) AddAll(names []api.DebugName) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, n := range names {
		if old, ok := t.byName.Find(n.Name); ok {
			if ea := old.Meta().(uint64); t.byAddr[ea] == n.Name {
				delete(t.byAddr, ea)
			}
		} else {
			t.count++
		}
		// Adding an existing key replaces its metadata.
		t.byName.Add(n.Name, n.EA)
		t.byAddr[n.EA] = n.Name
	}
}

// Len returns the number of names in the table.
func (t *NameTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Lookup returns the address of name.
func (t *NameTable) Lookup(name string) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	node, ok := t.byName.Find(name)
	if !ok {
		return 0, false
	}
	return node.Meta().(uint64), true
}

// NameAt returns the name at address ea.
func (t *NameTable) NameAt(ea uint64) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	name, ok := t.byAddr[ea]
	return name, ok
}

// WithPrefix returns the names starting with prefix, sorted.
func (t *NameTable) WithPrefix(prefix string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.byName.PrefixSearch(prefix)
	sort.Strings(r)
	return r
}
