// Package logflags configures the per layer loggers of the debug server.
// Every layer logs through its own logger which is silenced unless the
// layer was selected with --log-output.
package logflags

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var rpc = false
var session = false
var debugger = false
var fileio = false
var server = false

var logOut io.WriteCloser

var textFormatterInstance = &textFormatter{}
var colorFormatterInstance = &textFormatter{color: true}

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = textFormatterInstance
	if logOut != nil {
		logger.Logger.Out = logOut
	} else if out, color := Colorize(os.Stderr); color {
		logger.Logger.Out = out
		logger.Logger.Formatter = colorFormatterInstance
	}
	logger.Logger.Level = level
	return &logrusLogger{logger}
}

// makeFlaggableLogger returns a logger that logs at debug level when flag
// is set and only errors otherwise.
func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if flag {
		return makeLogger(logrus.DebugLevel, fields)
	}
	return makeLogger(logrus.ErrorLevel, fields)
}

// RPC returns true if every packet exchanged with the clients should be
// logged.
func RPC() bool {
	return rpc
}

// RPCLogger returns a logger for the packet layer.
func RPCLogger() Logger {
	return makeFlaggableLogger(rpc, Fields{"layer": "rpc"})
}

// Session returns true if session lifecycle events (handshake, teardown,
// adoption of broken connections) should be logged.
func Session() bool {
	return session
}

// SessionLogger returns a logger for session lifecycle events.
func SessionLogger() Logger {
	return makeFlaggableLogger(session, Fields{"layer": "session"})
}

// Debugger returns true if calls into the debugger modules and their
// failures should be logged.
func Debugger() bool {
	return debugger
}

// DebuggerLogger returns a logger for the debugger modules.
func DebuggerLogger() Logger {
	return makeFlaggableLogger(debugger, Fields{"layer": "debugger"})
}

// FileIO returns true if the file channel proxy should log.
func FileIO() bool {
	return fileio
}

// FileIOLogger returns a logger for the file channel proxy.
func FileIOLogger() Logger {
	return makeFlaggableLogger(fileio, Fields{"layer": "fileio"})
}

// Server returns true if the accept loop should log.
func Server() bool {
	return server
}

// ServerLogger returns a logger for the accept loop.
func ServerLogger() Logger {
	return makeFlaggableLogger(server, Fields{"layer": "server"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets debugger flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "dbgsrv-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "session"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch logcmd {
		case "rpc":
			rpc = true
		case "session":
			session = true
		case "debugger":
			debugger = true
		case "fileio":
			fileio = true
		case "server":
			server = true
		default:
			fmt.Fprintf(os.Stderr, "Warning: unknown log output value %q, run 'dbgsrv help log' for usage.\n", logcmd)
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}

// WriteListeningMessage writes the "API server listening" message in the
// log output, or on standard output if no log destination was configured.
func WriteListeningMessage(addr string) {
	msg := fmt.Sprintf("API server listening at: %s\n", addr)
	if logOut != nil {
		fmt.Fprint(logOut, msg)
		return
	}
	fmt.Fprint(os.Stdout, msg)
}

// textFormatter is a simplified version of logrus.TextFormatter that
// doesn't make logs unreadable when they are output to a text file or to a
// terminal that doesn't support colors.
type textFormatter struct {
	color bool
}

var levelColors = map[logrus.Level]int{
	logrus.DebugLevel: 37,
	logrus.InfoLevel:  36,
	logrus.WarnLevel:  33,
	logrus.ErrorLevel: 31,
}

func (f *textFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b strings.Builder
	b.WriteString(entry.Time.Format("2006-01-02T15:04:05Z07:00"))
	b.WriteByte(' ')
	if c, ok := levelColors[entry.Level]; ok && f.color {
		fmt.Fprintf(&b, "\x1b[%dm%s\x1b[0m", c, entry.Level.String())
	} else {
		b.WriteString(entry.Level.String())
	}
	b.WriteByte(' ')
	if layer, ok := entry.Data["layer"]; ok {
		fmt.Fprintf(&b, "%v", layer)
		b.WriteByte(' ')
	}
	for k, v := range entry.Data {
		if k == "layer" {
			continue
		}
		fmt.Fprintf(&b, "%s=%v ", k, v)
	}
	b.WriteString(entry.Message)
	b.WriteByte('\n')
	return []byte(b.String()), nil
}

// Colorize wraps w so that ANSI colour sequences are rendered (or
// stripped) correctly. It returns w unchanged unless w is a terminal.
func Colorize(w *os.File) (io.Writer, bool) {
	if !isatty.IsTerminal(w.Fd()) {
		return w, false
	}
	return colorable.NewColorable(w), true
}
