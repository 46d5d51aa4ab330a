package rpcserver

import (
	"errors"
	"io"
	"net"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexrpc/dbgsrv/pkg/debmod"
	"github.com/hexrpc/dbgsrv/pkg/debmod/sim"
	"github.com/hexrpc/dbgsrv/pkg/logflags"
	"github.com/hexrpc/dbgsrv/pkg/wire"
	"github.com/hexrpc/dbgsrv/service"
	"github.com/hexrpc/dbgsrv/service/api"
	"github.com/hexrpc/dbgsrv/service/rpcclient"
	"github.com/hexrpc/dbgsrv/service/rpcproto"
)

func assertNoError(err error, t testing.TB, s string) {
	t.Helper()
	if err != nil {
		_, file, line, _ := runtime.Caller(1)
		fname := filepath.Base(file)
		t.Fatalf("failed assertion at %s:%d: %s - %s\n", fname, line, s, err)
	}
}

// testServer is a server backed by simulated debugger modules. Every
// module created by the server is recorded in mods, in creation order.
type testServer struct {
	srv  *Server
	lis  net.Listener
	pipe *service.PipeListener

	mu   sync.Mutex
	mods []*sim.Module
}

func newTestServer(t *testing.T, cfg *service.Config, setup func(*sim.Module), opts ...func(*Server)) *testServer {
	t.Helper()
	ts := &testServer{}
	if cfg.Listener == nil {
		lis, err := net.Listen("tcp", "127.0.0.1:0")
		assertNoError(err, t, "listen")
		cfg.Listener = lis
	}
	ts.lis = cfg.Listener
	ts.pipe, _ = cfg.Listener.(*service.PipeListener)
	cfg.AcceptMulti = true
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	if cfg.NewModule == nil {
		cfg.NewModule = func() debmod.Module {
			m := sim.New()
			if setup != nil {
				setup(m)
			}
			ts.mu.Lock()
			ts.mods = append(ts.mods, m)
			ts.mu.Unlock()
			return m
		}
	}
	ts.srv = NewServer(cfg)
	for _, opt := range opts {
		opt(ts.srv)
	}
	assertNoError(ts.srv.Run(), t, "Run")
	t.Cleanup(func() { ts.srv.Stop() })
	return ts
}

func (ts *testServer) mod(i int) *sim.Module {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.mods[i]
}

func (ts *testServer) dial(t *testing.T) *rpcclient.Client {
	t.Helper()
	var c *rpcclient.Client
	if ts.pipe != nil {
		c = rpcclient.NewClient(ts.pipe.Dial())
	} else {
		var err error
		c, err = rpcclient.Dial(ts.lis.Addr().String())
		assertNoError(err, t, "Dial")
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func (ts *testServer) login(t *testing.T) *rpcclient.Client {
	t.Helper()
	c := ts.dial(t)
	assertNoError(c.Login(""), t, "Login")
	return c
}

func (ts *testServer) hasDormant() bool {
	found := false
	ts.srv.table.forAll(func(s *Session) {
		if s.dormant {
			found = true
		}
	})
	return found
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func startProcess(t *testing.T, c *rpcclient.Client) *rpcclient.ProcessStart {
	t.Helper()
	ps, err := c.StartProcess(&api.StartProcessIn{Path: "/bin/prog"})
	assertNoError(err, t, "StartProcess")
	require.Equal(t, api.DrcOK, ps.Code)
	return ps
}

// hookLogger adapts a logrus entry to logflags.Logger.
type hookLogger struct {
	*logrus.Entry
}

func (l hookLogger) WithField(key string, value interface{}) logflags.Logger {
	return hookLogger{l.Entry.WithField(key, value)}
}

func (l hookLogger) WithFields(fields logflags.Fields) logflags.Logger {
	return hookLogger{l.Entry.WithFields(logrus.Fields(fields))}
}

func (l hookLogger) WithError(err error) logflags.Logger {
	return hookLogger{l.Entry.WithError(err)}
}

// captureLogs records every log entry written by loggers created from now
// on. It must be called before newTestServer so that the factory is reset
// only after the server has stopped.
func captureLogs(t *testing.T) *logtest.Hook {
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	logflags.SetLoggerFactory(func(level logrus.Level, fields logflags.Fields, out io.Writer) logflags.Logger {
		return hookLogger{logger.WithFields(logrus.Fields(fields))}
	})
	t.Cleanup(func() { logflags.SetLoggerFactory(nil) })
	return hook
}

func TestHandshake(t *testing.T) {
	ts := newTestServer(t, &service.Config{Listener: service.NewPipeListener()}, nil)
	c := ts.dial(t)
	assertNoError(c.Login(""), t, "Login")
	assert.Equal(t, uint32(rpcproto.InterfaceVersion), c.Info.InterfaceVersion)
	assert.Equal(t, uint32(rpcproto.DebuggerID), c.Info.DebuggerID)
	assert.Equal(t, wire.AddrSize, c.Info.AddrSize)

	procs, err := c.GetProcesses()
	assertNoError(err, t, "GetProcesses")
	assert.Empty(t, procs)
}

func TestHandshakeIncompatible(t *testing.T) {
	ts := newTestServer(t, &service.Config{}, nil)
	c := ts.dial(t)
	err := c.Handshake(false, "")
	require.Error(t, err)
	assert.False(t, errors.Is(err, rpcclient.ErrRejected), "incompatible clients are dropped without an answer: %v", err)
	waitFor(t, "session removal", func() bool { return ts.srv.NumSessions() == 0 })
}

func TestHandshakePassword(t *testing.T) {
	ts := newTestServer(t, &service.Config{Password: "secret"}, nil)
	for _, pw := range []string{"", "secre", "secrets", "Secret"} {
		c := ts.dial(t)
		err := c.Login(pw)
		assert.ErrorIs(t, err, rpcclient.ErrRejected, "password %q", pw)
	}
	c := ts.dial(t)
	assertNoError(c.Login("secret"), t, "Login")
	_, err := c.GetProcesses()
	assertNoError(err, t, "GetProcesses")
}

func TestHandshakeTimeout(t *testing.T) {
	ts := newTestServer(t, &service.Config{HandshakeTimeout: 50 * time.Millisecond}, nil)
	conn, err := net.Dial("tcp", ts.lis.Addr().String())
	assertNoError(err, t, "Dial")
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	pkt, err := wire.ReadPacket(conn)
	assertNoError(err, t, "reading RPC_OPEN")
	assert.Equal(t, rpcproto.RPC_OPEN, rpcproto.Code(pkt.Code))

	// The server gives up on the silent client and closes the connection.
	_, err = wire.ReadPacket(conn)
	require.Error(t, err)
	assert.False(t, isTimeout(err), "connection should have been closed by the server: %v", err)
}

func TestPasswordMatches(t *testing.T) {
	tests := []struct {
		given      []byte
		configured string
		match      bool
		compared   int64
	}{
		{[]byte("secret"), "secret", true, 6},
		{[]byte("secreT"), "secret", false, 6},
		{[]byte("abc"), "secret", false, 3},
		{[]byte("secretsecret"), "secret", false, 12},
		{[]byte(""), "secret", false, 0},
		{nil, "secret", false, 0},
	}
	for _, tc := range tests {
		before := passwordComparisons.Load()
		assert.Equal(t, tc.match, passwordMatches(tc.given, tc.configured), "%q", tc.given)
		assert.Equal(t, tc.compared, passwordComparisons.Load()-before, "comparisons for %q", tc.given)
	}
}

func TestHostMessages(t *testing.T) {
	ts := newTestServer(t, &service.Config{}, nil)
	c := ts.login(t)
	var msgs []string
	c.OnMessage = func(code rpcproto.Code, msg string) {
		if code == rpcproto.RPC_MSG {
			msgs = append(msgs, msg)
		}
	}
	startProcess(t, c)
	assert.Equal(t, []string{"started /bin/prog (pid 1000)"}, msgs)
}

func TestBrokenConnectionTerminates(t *testing.T) {
	ts := newTestServer(t, &service.Config{}, nil)
	c := ts.login(t)
	startProcess(t, c)
	c.Close()

	waitFor(t, "session removal", func() bool { return ts.srv.NumSessions() == 0 })
	m := ts.mod(0)
	assert.Equal(t, 1, m.Stats().Term)
	assert.Equal(t, 0, m.Stats().Exit)
	assert.Equal(t, 0, m.PID())
}

func TestBrokenConnectionKill(t *testing.T) {
	ts := newTestServer(t, &service.Config{BrokenConnPolicy: service.KillProcess}, nil)
	c := ts.login(t)
	startProcess(t, c)
	c.Close()

	waitFor(t, "session removal", func() bool { return ts.srv.NumSessions() == 0 })
	st := ts.mod(0).Stats()
	assert.Equal(t, 1, st.Exit)
	assert.Equal(t, 1, st.Term)
}

// stubbornModule ignores requests to kill the debuggee.
type stubbornModule struct {
	*sim.Module
}

func (m stubbornModule) ExitProcess() error { return nil }

func TestBrokenConnectionKillTimeout(t *testing.T) {
	hook := captureLogs(t)
	m := sim.New()
	ts := newTestServer(t, &service.Config{
		BrokenConnPolicy: service.KillProcess,
		NewModule:        func() debmod.Module { return stubbornModule{m} },
	}, nil, func(s *Server) { s.killTimeout = 50 * time.Millisecond })
	c := ts.login(t)
	startProcess(t, c)
	c.Close()

	waitFor(t, "session removal", func() bool { return ts.srv.NumSessions() == 0 })
	assert.Equal(t, 1, m.Stats().Term)
	assert.Equal(t, 0, m.PID())

	found := false
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && strings.Contains(e.Message, "did not exit") {
			found = true
		}
	}
	assert.True(t, found, "the kill timeout was not logged")
}

func TestAdoptDormantDebugger(t *testing.T) {
	ts := newTestServer(t, &service.Config{BrokenConnPolicy: service.KeepDebugger}, func(m *sim.Module) {
		m.AddProcess(42, "victim")
	})

	a := ts.login(t)
	ps, err := a.AttachProcess(42, -1, 0)
	assertNoError(err, t, "AttachProcess")
	require.Equal(t, api.DrcOK, ps.Code)
	rax := api.IntReg(0x1234)
	assertNoError(a.WriteRegister(42, 0, &rax), t, "WriteRegister")
	a.Close()

	waitFor(t, "dormant session", ts.hasDormant)
	assert.True(t, ts.mod(0).BrokenConnection())
	assert.Equal(t, 0, ts.mod(0).Stats().Term)

	b := ts.login(t)
	ps, err = b.AttachProcess(42, -1, 0)
	assertNoError(err, t, "AttachProcess (adopt)")
	assert.Equal(t, api.DrcOK, ps.Code)
	assert.NotNil(t, ps.Registers)

	fresh := ts.mod(1)
	assert.Equal(t, 0, fresh.Stats().Attach, "the new module must not attach")
	assert.Equal(t, 1, fresh.Stats().Term, "the new module must be terminated")

	nregs := len(ps.Registers.Registers)
	bitmap := make([]byte, rpcproto.RegBitmapSize(nregs))
	rpcproto.BitmapSet(bitmap, 0)
	vals, err := b.ReadRegisters(42, sim.ClassGeneral, nregs, bitmap)
	assertNoError(err, t, "ReadRegisters")
	assert.Equal(t, uint64(0x1234), vals[0].Ival)

	assert.Equal(t, 1, ts.srv.NumSessions())
	assert.False(t, ts.hasDormant())
	assert.False(t, ts.mod(0).BrokenConnection())
}

func TestAdoptRequiresSamePID(t *testing.T) {
	ts := newTestServer(t, &service.Config{BrokenConnPolicy: service.KeepDebugger}, func(m *sim.Module) {
		m.AddProcess(42, "victim")
		m.AddProcess(43, "other")
	})

	a := ts.login(t)
	_, err := a.AttachProcess(42, -1, 0)
	assertNoError(err, t, "AttachProcess")
	a.Close()
	waitFor(t, "dormant session", ts.hasDormant)

	b := ts.login(t)
	_, err = b.AttachProcess(43, -1, 0)
	assertNoError(err, t, "AttachProcess")
	assert.Equal(t, 1, ts.mod(1).Stats().Attach)
	assert.True(t, ts.hasDormant())
	assert.Equal(t, 2, ts.srv.NumSessions())
}

func TestTermIsNotBroken(t *testing.T) {
	ts := newTestServer(t, &service.Config{BrokenConnPolicy: service.KeepDebugger}, nil)
	c := ts.login(t)
	startProcess(t, c)
	assertNoError(c.Term(), t, "Term")
	c.Close()

	waitFor(t, "session removal", func() bool { return ts.srv.NumSessions() == 0 })
	assert.False(t, ts.mod(0).BrokenConnection())
	assert.Equal(t, 1, ts.mod(0).Stats().Term, "the module must be terminated once")
}

func TestTermThenRestart(t *testing.T) {
	ts := newTestServer(t, &service.Config{}, nil)
	c := ts.login(t)
	startProcess(t, c)
	assertNoError(c.Term(), t, "Term")
	startProcess(t, c)
	c.Close()

	// the second process is still running when the client vanishes
	waitFor(t, "session removal", func() bool { return ts.srv.NumSessions() == 0 })
	assert.Equal(t, 2, ts.mod(0).Stats().Term)
	assert.Equal(t, 0, ts.mod(0).PID())
}

func TestStopTerminatesDormant(t *testing.T) {
	ts := newTestServer(t, &service.Config{BrokenConnPolicy: service.KeepDebugger}, nil)
	c := ts.login(t)
	startProcess(t, c)
	c.Close()
	waitFor(t, "dormant session", ts.hasDormant)

	live := ts.login(t)
	_, err := live.GetProcesses()
	assertNoError(err, t, "GetProcesses")

	assertNoError(ts.srv.Stop(), t, "Stop")
	assert.Equal(t, 0, ts.srv.NumSessions())
	assert.Equal(t, 1, ts.mod(0).Stats().Term)
	assert.Equal(t, 0, ts.mod(0).PID())
	assert.Equal(t, 1, ts.mod(1).Stats().Term)

	_, err = live.GetProcesses()
	assert.Error(t, err)
}

func TestForAllDebuggers(t *testing.T) {
	ts := newTestServer(t, &service.Config{}, nil)
	a := ts.login(t)
	b := ts.login(t)
	startProcess(t, a)
	_, err := b.GetProcesses()
	assertNoError(err, t, "GetProcesses")

	var pids []int
	ts.srv.ForAllDebuggers(func(m debmod.Module) {
		pids = append(pids, m.PID())
	})
	assert.Equal(t, []int{sim.FirstPID, 0}, pids)
}

func TestForAllDebuggersWhileSessionsRun(t *testing.T) {
	ts := newTestServer(t, &service.Config{}, nil)
	c := ts.login(t)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			ts.srv.ForAllDebuggers(func(m debmod.Module) {
				m.PID()
				m.BrokenConnection()
			})
			runtime.Gosched()
		}
	}()
	for i := 0; i < 20; i++ {
		startProcess(t, c)
		assertNoError(c.Term(), t, "Term")
	}
	close(stop)
	<-done

	var pids []int
	ts.srv.ForAllDebuggers(func(m debmod.Module) {
		pids = append(pids, m.PID())
	})
	assert.Equal(t, []int{0}, pids)
}

func TestStopWhileAccepting(t *testing.T) {
	ts := newTestServer(t, &service.Config{}, nil)
	addr := ts.lis.Addr().String()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				conn, err := net.Dial("tcp", addr)
				if err != nil {
					return
				}
				conn.Close()
			}
		}()
	}
	waitFor(t, "first session", func() bool { return ts.srv.lastID.Load() > 0 })
	assertNoError(ts.srv.Stop(), t, "Stop")
	wg.Wait()
	assert.Equal(t, 0, ts.srv.NumSessions())
}

func TestUnknownBackend(t *testing.T) {
	lis := service.NewPipeListener()
	defer lis.Close()
	srv := NewServer(&service.Config{Listener: lis, Backend: "nonexistent"})
	assert.Error(t, srv.Run())
}
