package native

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexrpc/dbgsrv/service/api"
)

const sampleMaps = `00400000-00452000 r-xp 00000000 08:02 173521      /usr/bin/dbus-daemon
00651000-00652000 r--p 00051000 08:02 173521      /usr/bin/dbus-daemon
00652000-00655000 rw-p 00052000 08:02 173521      /usr/bin/dbus-daemon
7ffd3b9c6000-7ffd3b9e7000 rw-p 00000000 00:00 0          [stack]
7f1c4a5f1000-7f1c4a5f2000 rw-p 00000000 00:00 0
`

func TestParseMaps(t *testing.T) {
	regions, err := parseMaps(strings.NewReader(sampleMaps))
	require.NoError(t, err)
	require.Len(t, regions, 5)

	assert.Equal(t, api.MemoryInfo{
		StartEA: 0x400000,
		EndEA:   0x452000,
		Name:    "/usr/bin/dbus-daemon",
		SClass:  "CODE",
		Bitness: 2,
		Perm:    api.SegPermR | api.SegPermX,
	}, regions[0])
	assert.Equal(t, api.SegPermR, regions[1].Perm)
	assert.Equal(t, "STACK", regions[3].SClass)
	assert.Equal(t, "", regions[4].Name)
	assert.Equal(t, "DATA", regions[4].SClass)
}

func TestParseMapsMalformed(t *testing.T) {
	_, err := parseMaps(strings.NewReader("zzz r-xp\n"))
	assert.Error(t, err)
	_, err = parseMaps(strings.NewReader("00400000 r-xp 00000000 08:02 173521\n"))
	assert.Error(t, err)
}

func TestListSelf(t *testing.T) {
	procs, err := listProcesses("/proc")
	require.NoError(t, err)
	found := false
	for _, p := range procs {
		if p.PID == os.Getpid() {
			found = true
		}
	}
	assert.True(t, found, "own process not listed")

	tids, err := listThreads("/proc", os.Getpid())
	require.NoError(t, err)
	assert.Contains(t, tids, os.Getpid())

	regions, err := readMaps("/proc", os.Getpid())
	require.NoError(t, err)
	assert.NotEmpty(t, regions)
}
