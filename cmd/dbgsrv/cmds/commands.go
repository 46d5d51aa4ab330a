package cmds

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/hexrpc/dbgsrv/pkg/config"
	"github.com/hexrpc/dbgsrv/pkg/debmod"
	"github.com/hexrpc/dbgsrv/pkg/logflags"
	"github.com/hexrpc/dbgsrv/pkg/version"
	"github.com/hexrpc/dbgsrv/service"
	"github.com/hexrpc/dbgsrv/service/rpcproto"
	"github.com/hexrpc/dbgsrv/service/rpcserver"
)

// passwordEnv is the environment variable holding the client password.
const passwordEnv = "IDA_DBGSRV_PASSWD"

// defaultListen is the address used when neither the command line nor the
// configuration file set one.
const defaultListen = "0.0.0.0:23946"

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// verbose prints build details in the version command.
	verbose bool

	// addr is the debugging server listen address.
	addr string
	// password is required from clients during the handshake.
	password string
	// policy is what happens to the debuggee of a broken connection.
	policy = policyValue{p: new(service.BrokenConnPolicy)}
	// keep and kill are shorthands for --on-broken-connection.
	keep, kill bool
	// backendName selects the debugger module.
	backendName = "default"
	backend     = backendValue{name: &backendName}
	// acceptMulti allows multiple clients to connect to the same server
	acceptMulti bool
	// checkLocalConnUser is true if the server should check that local
	// connections come from the same user that started it.
	checkLocalConnUser bool
	handshakeTimeout   time.Duration
	pollInterval       time.Duration

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const dbgsrvCommandLongDesc = `dbgsrv is a remote debugger server.

It lets a disassembler or debugger front end running on another machine
control processes on this host: clients connect over TCP, log in, then drive
a debugger backend with the remote debugger RPC protocol.

Without a subcommand dbgsrv runs the server, the same as 'dbgsrv serve'.`

// policyValue is a pflag.Value for service.BrokenConnPolicy.
type policyValue struct {
	p *service.BrokenConnPolicy
}

func (v policyValue) String() string {
	if v.p == nil {
		return ""
	}
	return v.p.String()
}

func (v policyValue) Set(s string) error {
	p, err := service.ParseBrokenConnPolicy(s)
	if err != nil {
		return err
	}
	*v.p = p
	return nil
}

func (v policyValue) Type() string { return "policy" }

// backendValue is a pflag.Value accepting the names of the registered
// debugger backends.
type backendValue struct {
	name *string
}

func (v backendValue) String() string {
	if v.name == nil {
		return ""
	}
	return *v.name
}

func (v backendValue) Set(s string) error {
	if s == "default" {
		s = defaultBackend()
	}
	if _, err := debmod.Lookup(s); err != nil {
		return err
	}
	*v.name = s
	return nil
}

func (v backendValue) Type() string { return "backend" }

var _ pflag.Value = policyValue{}
var _ pflag.Value = backendValue{}

func defaultBackend() string {
	if runtime.GOOS == "linux" && runtime.GOARCH == "amd64" {
		return "native"
	}
	return "sim"
}

// New returns an initialized command tree.
func New(docCall bool) *cobra.Command {
	// Config setup and load.
	var err error
	conf, err = config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}

	// Main dbgsrv root command.
	rootCommand = &cobra.Command{
		Use:   "dbgsrv",
		Short: "dbgsrv is a remote debugger server.",
		Long:  dbgsrvCommandLongDesc,
		Args:  cobra.NoArgs,
		Run:   serveCmd,
	}

	pf := rootCommand.PersistentFlags()
	pf.BoolVarP(&log, "log", "", false, "Enable debugging server logging.")
	pf.StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'dbgsrv help log')`)
	pf.StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'dbgsrv help log').")

	addServeFlags(rootCommand.Flags())

	// 'serve' subcommand.
	serveCommand := &cobra.Command{
		Use:   "serve",
		Short: "Runs the debugger server.",
		Long: `Runs the debugger server.

The server listens for clients on the address given by --listen and creates a
debugger backend for every client that logs in.`,
		Args: cobra.NoArgs,
		Run:  serveCmd,
	}
	addServeFlags(serveCommand.Flags())
	rootCommand.AddCommand(serveCommand)

	// 'exec' subcommand.
	execCommand := &cobra.Command{
		Use:   "exec -- <command line>",
		Short: "Runs a command line the way RPC_REXEC does.",
		Long: `Runs a command line the way RPC_REXEC does and exits with its exit code.

The command line is split with the same rules the server applies to remote
execution requests, pipelines are supported. Use it to check what a client's
request will run.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide a command line")
			}
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(execCmd(args))
		},
	}
	rootCommand.AddCommand(execCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dbgsrv debugger server\n%s\nProtocol: %d\n", version.ServerVersion, rpcproto.InterfaceVersion)
			if verbose {
				fmt.Printf("Build Details: %s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&verbose, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "backend",
		Short: "Help about the --backend flag.",
		Long: `The --backend flag specifies which debugger backend should be used, possible values
are:

	default		Uses native on linux/amd64, sim everywhere else.
	native		Debugs processes of this host with ptrace.
	sim		Simulated debuggee, useful to try out clients.

Registered backends: ` + strings.Join(debmod.Backends(), ", ") + `
`})

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	rpc		Log every packet sent and received
	session		Log handshakes, teardowns and debugger adoption
	debugger	Log failed requests of the debugger backend
	fileio		Log the file operations of clients
	server		Log the accept loop

When --log is given without --log-output the session component is logged.

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.
This option will also redirect the "server listening at" message.

`,
	})

	rootCommand.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Help about the configuration file.",
		Long: `dbgsrv reads its defaults from $HOME/.dbgsrv/config.yml (or from config.yml
in $DBGSRV_CONFIG_DIR). The file is created with every option commented out
the first time dbgsrv runs.

Values are taken, in order of precedence, from the command line, from the
` + passwordEnv + ` environment variable (password only), from the
configuration file and finally from the built-in defaults.
`,
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

func addServeFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&addr, "listen", "l", defaultListen, "Debugging server listen address.")
	fs.StringVarP(&password, "password", "P", "", "Password clients must send, overrides "+passwordEnv+".")
	fs.VarP(policy, "on-broken-connection", "", "What to do with the debuggee of a client that disconnects abruptly: default, keep or kill.")
	fs.BoolVarP(&keep, "keep", "k", false, "Same as --on-broken-connection=keep.")
	fs.BoolVarP(&kill, "kill", "K", false, "Same as --on-broken-connection=kill.")
	fs.VarP(backend, "backend", "", `Backend selection (see 'dbgsrv help backend').`)
	fs.BoolVarP(&acceptMulti, "accept-multiclient", "", true, "Accept more than one client connection.")
	fs.BoolVarP(&checkLocalConnUser, "only-same-user", "", true, "Only connections from the same user that started this server are allowed to connect.")
	fs.DurationVarP(&handshakeTimeout, "handshake-timeout", "", service.DefaultHandshakeTimeout, "How long to wait for the client's answer to the handshake.")
	fs.DurationVarP(&pollInterval, "poll-interval", "", service.DefaultPollInterval, "How long an idle session waits before polling the debuggee for events.")
}

// options is the server configuration resolved from the command line, the
// environment and the configuration file.
type options struct {
	addr               string
	password           string
	policy             service.BrokenConnPolicy
	backend            string
	acceptMulti        bool
	checkLocalConnUser bool
	handshakeTimeout   time.Duration
	pollInterval       time.Duration
	logOutput          string
}

// resolveOptions merges the flags in fs with the environment and conf.
// A flag set on the command line wins over the environment, which wins
// over the configuration file.
func resolveOptions(fs *pflag.FlagSet, conf *config.Config, getenv func(string) string) (*options, error) {
	if conf == nil {
		conf = &config.Config{}
	}
	if keep && kill {
		return nil, errors.New("--keep and --kill are mutually exclusive")
	}
	set := func(name string) bool {
		f := fs.Lookup(name)
		return f != nil && f.Changed
	}
	opts := &options{
		addr:               addr,
		password:           password,
		policy:             *policy.p,
		backend:            *backend.name,
		acceptMulti:        acceptMulti,
		checkLocalConnUser: checkLocalConnUser,
		handshakeTimeout:   handshakeTimeout,
		pollInterval:       pollInterval,
		logOutput:          logOutput,
	}

	if !set("listen") && conf.Listen != "" {
		opts.addr = conf.Listen
	}
	if !set("password") {
		if env := getenv(passwordEnv); env != "" {
			opts.password = env
		} else {
			opts.password = conf.Password
		}
	}
	switch {
	case keep:
		opts.policy = service.KeepDebugger
	case kill:
		opts.policy = service.KillProcess
	case !set("on-broken-connection") && conf.OnBrokenConnection != "":
		p, err := service.ParseBrokenConnPolicy(conf.OnBrokenConnection)
		if err != nil {
			return nil, err
		}
		opts.policy = p
	}
	if !set("backend") {
		opts.backend = conf.Backend
		if opts.backend == "" || opts.backend == "default" {
			opts.backend = defaultBackend()
		}
		if _, err := debmod.Lookup(opts.backend); err != nil {
			return nil, err
		}
	}
	if !set("accept-multiclient") && conf.AcceptMulti != nil {
		opts.acceptMulti = *conf.AcceptMulti
	}
	if !set("only-same-user") && conf.OnlySameUser != nil {
		opts.checkLocalConnUser = *conf.OnlySameUser
	}
	if !set("handshake-timeout") && conf.HandshakeTimeout > 0 {
		opts.handshakeTimeout = conf.HandshakeTimeout
	}
	if !set("poll-interval") && conf.PollInterval > 0 {
		opts.pollInterval = conf.PollInterval
	}
	if opts.logOutput == "" && log {
		opts.logOutput = conf.LogOutput
	}
	return opts, nil
}

func serveCmd(cmd *cobra.Command, args []string) {
	os.Exit(execute(cmd.Flags()))
}

func execute(fs *pflag.FlagSet) int {
	opts, err := resolveOptions(fs, conf, os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	if err := logflags.Setup(log, opts.logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	listener, err := net.Listen("tcp", opts.addr)
	if err != nil {
		fmt.Printf("couldn't start listener: %s\n", err)
		return 1
	}
	defer listener.Close()

	disconnectChan := make(chan struct{})

	// Create and start a debugger server
	server := rpcserver.NewServer(&service.Config{
		Listener:           listener,
		Password:           opts.password,
		BrokenConnPolicy:   opts.policy,
		Backend:            opts.backend,
		HandshakeTimeout:   opts.handshakeTimeout,
		PollInterval:       opts.pollInterval,
		AcceptMulti:        opts.acceptMulti,
		DisconnectChan:     disconnectChan,
		CheckLocalConnUser: opts.checkLocalConnUser,
	})
	if err := server.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	logflags.WriteListeningMessage(listener.Addr().String())
	if opts.password == "" {
		fmt.Fprintln(os.Stderr, "Warning: no password set, any client can connect.")
	}

	waitForDisconnectSignal(disconnectChan)
	if err := server.Stop(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// waitForDisconnectSignal blocks until the server is interrupted or, for
// a single client server, until its client disconnects.
func waitForDisconnectSignal(disconnectChan chan struct{}) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(ch)
	select {
	case <-ch:
	case <-disconnectChan:
	}
}

func execCmd(args []string) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()
	pipeline, err := debmod.SplitPipeline(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	code, err := debmod.RunPipeline(pipeline, os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return code
}
