package rpcclient

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hexrpc/dbgsrv/service/api"
)

func TestNameTable(t *testing.T) {
	nt := NewNameTable()
	nt.AddAll([]api.DebugName{
		{EA: 0x1000, Name: "main"},
		{EA: 0x1100, Name: "main.init"},
		{EA: 0x2000, Name: "memcpy"},
	})
	assert.Equal(t, 3, nt.Len())

	ea, ok := nt.Lookup("main.init")
	assert.True(t, ok)
	assert.Equal(t, uint64(0x1100), ea)
	_, ok = nt.Lookup("missing")
	assert.False(t, ok)

	name, ok := nt.NameAt(0x2000)
	assert.True(t, ok)
	assert.Equal(t, "memcpy", name)

	assert.Equal(t, []string{"main", "main.init", "memcpy"}, nt.WithPrefix("m"))
	assert.Equal(t, []string{"main", "main.init"}, nt.WithPrefix("main"))
}

func TestNameTableMove(t *testing.T) {
	nt := NewNameTable()
	nt.AddAll([]api.DebugName{{EA: 0x1000, Name: "start"}})
	nt.AddAll([]api.DebugName{{EA: 0x3000, Name: "start"}})

	assert.Equal(t, 1, nt.Len())
	ea, _ := nt.Lookup("start")
	assert.Equal(t, uint64(0x3000), ea)
	_, ok := nt.NameAt(0x1000)
	assert.False(t, ok, "the old address must be forgotten")
	name, _ := nt.NameAt(0x3000)
	assert.Equal(t, "start", name)
}
