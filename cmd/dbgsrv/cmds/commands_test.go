package cmds

import (
	"runtime"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/hexrpc/dbgsrv/pkg/config"
	"github.com/hexrpc/dbgsrv/service"

	_ "github.com/hexrpc/dbgsrv/pkg/debmod/native"
	_ "github.com/hexrpc/dbgsrv/pkg/debmod/sim"
)

func newServeFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	*policy.p = service.TerminateDebugger
	backendName = "default"
	log, logOutput = false, ""
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	addServeFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parsing %v: %v", args, err)
	}
	return fs
}

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestResolveDefaults(t *testing.T) {
	fs := newServeFlags(t)
	opts, err := resolveOptions(fs, &config.Config{}, env(nil))
	if err != nil {
		t.Fatal(err)
	}
	if opts.addr != defaultListen {
		t.Errorf("addr = %q", opts.addr)
	}
	if opts.password != "" {
		t.Errorf("password = %q", opts.password)
	}
	if opts.policy != service.TerminateDebugger {
		t.Errorf("policy = %v", opts.policy)
	}
	if opts.backend != defaultBackend() {
		t.Errorf("backend = %q", opts.backend)
	}
	if !opts.acceptMulti || !opts.checkLocalConnUser {
		t.Errorf("acceptMulti = %v, checkLocalConnUser = %v", opts.acceptMulti, opts.checkLocalConnUser)
	}
	if opts.handshakeTimeout != service.DefaultHandshakeTimeout || opts.pollInterval != service.DefaultPollInterval {
		t.Errorf("timeouts = %v, %v", opts.handshakeTimeout, opts.pollInterval)
	}
}

func TestResolvePrecedence(t *testing.T) {
	no := false
	conf := &config.Config{
		Listen:             "127.0.0.1:1000",
		Password:           "from-config",
		OnBrokenConnection: config.PolicyKill,
		Backend:            "sim",
		AcceptMulti:        &no,
		PollInterval:       5 * time.Millisecond,
	}

	opts, err := resolveOptions(newServeFlags(t), conf, env(nil))
	if err != nil {
		t.Fatal(err)
	}
	if opts.addr != "127.0.0.1:1000" || opts.password != "from-config" || opts.policy != service.KillProcess ||
		opts.backend != "sim" || opts.acceptMulti || opts.pollInterval != 5*time.Millisecond {
		t.Errorf("configuration file ignored: %+v", opts)
	}

	opts, err = resolveOptions(newServeFlags(t), conf, env(map[string]string{passwordEnv: "from-env"}))
	if err != nil {
		t.Fatal(err)
	}
	if opts.password != "from-env" {
		t.Errorf("environment should override the configuration file, got %q", opts.password)
	}

	fs := newServeFlags(t, "-P", "from-flag", "-l", "127.0.0.1:2000", "-k", "--accept-multiclient", "--poll-interval=1s")
	opts, err = resolveOptions(fs, conf, env(map[string]string{passwordEnv: "from-env"}))
	if err != nil {
		t.Fatal(err)
	}
	if opts.password != "from-flag" || opts.addr != "127.0.0.1:2000" || opts.policy != service.KeepDebugger ||
		!opts.acceptMulti || opts.pollInterval != time.Second {
		t.Errorf("flags should override everything: %+v", opts)
	}

	fs = newServeFlags(t, "--on-broken-connection=keep")
	opts, err = resolveOptions(fs, conf, env(nil))
	if err != nil {
		t.Fatal(err)
	}
	if opts.policy != service.KeepDebugger {
		t.Errorf("policy = %v", opts.policy)
	}
}

func TestResolveErrors(t *testing.T) {
	if _, err := resolveOptions(newServeFlags(t, "-k", "-K"), nil, env(nil)); err == nil {
		t.Error("--keep and --kill accepted together")
	}
	if _, err := resolveOptions(newServeFlags(t), &config.Config{OnBrokenConnection: "explode"}, env(nil)); err == nil {
		t.Error("bad policy in configuration file accepted")
	}
	if _, err := resolveOptions(newServeFlags(t), &config.Config{Backend: "gdb"}, env(nil)); err == nil {
		t.Error("unknown backend in configuration file accepted")
	}
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	addServeFlags(fs)
	if err := fs.Parse([]string{"--backend=gdb"}); err == nil {
		t.Error("unknown backend flag accepted")
	}
	if err := fs.Parse([]string{"--on-broken-connection=explode"}); err == nil {
		t.Error("unknown policy flag accepted")
	}
}

func TestLogOutputFromConfig(t *testing.T) {
	conf := &config.Config{LogOutput: "rpc,session"}
	opts, err := resolveOptions(newServeFlags(t), conf, env(nil))
	if err != nil {
		t.Fatal(err)
	}
	if opts.logOutput != "" {
		t.Errorf("log output enabled without --log: %q", opts.logOutput)
	}

	fs := newServeFlags(t)
	log = true
	defer func() { log = false }()
	opts, err = resolveOptions(fs, conf, env(nil))
	if err != nil {
		t.Fatal(err)
	}
	if opts.logOutput != "rpc,session" {
		t.Errorf("log output = %q", opts.logOutput)
	}

	logOutput = "fileio"
	defer func() { logOutput = "" }()
	opts, err = resolveOptions(fs, conf, env(nil))
	if err != nil {
		t.Fatal(err)
	}
	if opts.logOutput != "fileio" {
		t.Errorf("--log-output should override the configuration file, got %q", opts.logOutput)
	}
}

func TestExecCmd(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no true/false on windows")
	}
	if code := execCmd([]string{"true"}); code != 0 {
		t.Errorf("true exited with %d", code)
	}
	if code := execCmd([]string{"false"}); code != 1 {
		t.Errorf("false exited with %d", code)
	}
	if code := execCmd([]string{"echo", "a", "|", "grep", "-q", "b"}); code != 1 {
		t.Errorf("pipeline exited with %d", code)
	}
	// arguments holding spaces or quotes reach the command unchanged
	if code := execCmd([]string{"sh", "-c", "exit 3"}); code != 3 {
		t.Errorf("sh -c 'exit 3' exited with %d", code)
	}
	if code := execCmd([]string{"test", `a "b" c`, "=", `a "b" c`}); code != 0 {
		t.Errorf("quoted argument was split, exit code %d", code)
	}
	if code := execCmd([]string{"echo", "|"}); code != 1 {
		t.Errorf("trailing pipe exited with %d", code)
	}
}

func TestCommandTree(t *testing.T) {
	t.Setenv("DBGSRV_CONFIG_DIR", t.TempDir())
	root := New(true)
	for _, name := range []string{"serve", "exec", "version", "backend", "log", "config"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("missing %q command: %v", name, err)
		}
	}
	for _, name := range []string{"listen", "password", "on-broken-connection", "keep", "kill", "backend"} {
		if root.Flags().Lookup(name) == nil {
			t.Errorf("missing --%s on the root command", name)
		}
	}
	if f := root.Flags().ShorthandLookup("K"); f == nil || f.Name != "kill" {
		t.Errorf("-K should be --kill")
	}
}
