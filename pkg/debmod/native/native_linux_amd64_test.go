package native

import (
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexrpc/dbgsrv/pkg/debmod"
	"github.com/hexrpc/dbgsrv/service/api"
)

func TestRegistered(t *testing.T) {
	f, err := debmod.Lookup("native")
	require.NoError(t, err)
	assert.IsType(t, &Module{}, f())
}

func TestRegisterSet(t *testing.T) {
	m := New()
	rs := m.DynamicRegisterSet()
	require.Len(t, rs.Registers, m.NRegs())
	ip := 0
	for _, r := range rs.Registers {
		if r.Flags&api.RegfIP != 0 {
			ip++
			assert.Equal(t, "rip", r.Name)
		}
	}
	assert.Equal(t, 1, ip)
}

func TestNoProcess(t *testing.T) {
	m := New()
	_, err := m.ReadMemory(0x1000, 4)
	assert.Equal(t, api.DrcNoProc, api.DrcOf(err))
	code, ev := m.GetDebugEvent(10 * time.Millisecond)
	assert.Equal(t, api.GdeNoEvent, code)
	assert.Nil(t, ev)
	drc, _ := m.StartProcess(&api.StartProcessIn{Path: "/nonexistent/program"})
	assert.Equal(t, api.DrcNoFile, drc)
}

func waitEvent(t *testing.T, m *Module) *api.DebugEvent {
	t.Helper()
	code, ev := m.GetDebugEvent(5 * time.Second)
	require.NotEqual(t, api.GdeNoEvent, code, "timed out waiting for an event")
	require.NotEqual(t, api.GdeError, code)
	return ev
}

func TestLaunchAndRun(t *testing.T) {
	path, err := exec.LookPath("true")
	if err != nil {
		t.Skip("true not found")
	}
	m := New()
	defer m.Term()
	drc, err := m.StartProcess(&api.StartProcessIn{Path: path})
	if err != nil {
		t.Skipf("ptrace not available: %v", err)
	}
	require.Equal(t, api.DrcOK, drc)

	ev := waitEvent(t, m)
	require.Equal(t, api.ProcessStarted, ev.ID)
	assert.Equal(t, m.PID(), ev.PID)

	regs, err := m.ReadRegisters(ev.TID, classGeneral)
	require.NoError(t, err)
	rip := regs[16]
	require.Equal(t, api.RVTInt, rip.Type)
	b, err := m.ReadMemory(rip.Ival, 1)
	require.NoError(t, err)
	assert.Len(t, b, 1)

	regions, err := m.GetMemoryInfo()
	require.NoError(t, err)
	assert.NotEmpty(t, regions)

	require.NoError(t, m.ContinueAfterEvent(ev))
	for {
		ev = waitEvent(t, m)
		if ev.ID == api.ProcessExited {
			break
		}
		require.NoError(t, m.ContinueAfterEvent(ev))
	}
	assert.Equal(t, 0, ev.ExitCode())
	assert.Equal(t, 0, m.PID())
}
