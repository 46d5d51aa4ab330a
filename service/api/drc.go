// Package api defines the data exchanged between the debugger server, its
// clients and the debugger modules that do the actual debugging.
package api

import (
	"errors"
	"fmt"
)

// Drc is the result code returned by debugger module operations.
// Zero is success, negative values are failures and positive values are
// successes carrying extra meaning that depends on the operation.
type Drc int32

const (
	DrcEvents Drc = 2  // success, there are pending events
	DrcCRC    Drc = 1  // success, but the input file crc does not match
	DrcOK     Drc = 0  // success
	DrcFailed Drc = -1 // failed or false
	DrcNetErr Drc = -2 // network error
	DrcNoFile Drc = -3 // file not found
	DrcIDBSeg Drc = -4 // side effect: database segments changed
	DrcNoProc Drc = -5 // the process does not exist anymore
	DrcNoChg  Drc = -6 // no changes
	DrcError  Drc = -7 // unclassified error
	DrcNone   Drc = -8 // operation not implemented by the module
)

var drcNames = map[Drc]string{
	DrcEvents: "DRC_EVENTS",
	DrcCRC:    "DRC_CRC",
	DrcOK:     "DRC_OK",
	DrcFailed: "DRC_FAILED",
	DrcNetErr: "DRC_NETERR",
	DrcNoFile: "DRC_NOFILE",
	DrcIDBSeg: "DRC_IDBSEG",
	DrcNoProc: "DRC_NOPROC",
	DrcNoChg:  "DRC_NOCHG",
	DrcError:  "DRC_ERROR",
	DrcNone:   "DRC_NONE",
}

func (d Drc) String() string {
	if s, ok := drcNames[d]; ok {
		return s
	}
	return fmt.Sprintf("DRC(%d)", int32(d))
}

// Ok reports whether d denotes success.
func (d Drc) Ok() bool { return d >= DrcOK }

// DebugError is the error returned by debugger modules. It carries the
// result code that is sent back to the client together with Msg.
type DebugError struct {
	Code Drc
	Msg  string
}

func (err *DebugError) Error() string {
	if err.Msg == "" {
		return err.Code.String()
	}
	return err.Msg
}

// NewError returns a *DebugError with the given code and formatted message.
func NewError(code Drc, format string, args ...interface{}) error {
	return &DebugError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// ErrNotSupported is returned by modules for operations they do not
// implement.
var ErrNotSupported = &DebugError{Code: DrcNone, Msg: "operation not supported by this debugger"}

// DrcOf maps err to the result code that should be sent to the client.
// A nil error is DrcOK, errors that are not *DebugError are DrcError.
func DrcOf(err error) Drc {
	if err == nil {
		return DrcOK
	}
	var derr *DebugError
	if errors.As(err, &derr) {
		if derr.Code.Ok() {
			return DrcError
		}
		return derr.Code
	}
	return DrcError
}

// Gdecode is the result of polling a debugger module for events.
type Gdecode int32

const (
	GdeError      Gdecode = -1 // error
	GdeNoEvent    Gdecode = 0  // no debug events are available
	GdeOneEvent   Gdecode = 1  // got one event, no more available yet
	GdeManyEvents Gdecode = 2  // got one event, more events available
)
