// Package rpcproto defines the opcodes of the debugger RPC protocol and the
// wire layout of every compound value exchanged over it.
package rpcproto

import "fmt"

// Code is a packet opcode. The same opcode space is used in both
// directions.
type Code byte

// Control codes.
const (
	RPC_OK        Code = 0 // reply: request serviced
	RPC_UNK       Code = 1 // reply: unknown request code
	RPC_MEM       Code = 2 // reply: the server ran out of memory servicing the request
	RPC_OPEN      Code = 3 // server->client: first packet of a session
	RPC_EVENT     Code = 4 // server->client: a debug event is available
	RPC_EVOK      Code = 5 // client->server: event received
	RPC_CANCELLED Code = 6 // reply: request cancelled by the user
)

// Client->server requests.
const (
	RPC_INIT                     Code = 10
	RPC_TERM                     Code = 11
	RPC_GET_PROCESSES            Code = 12
	RPC_START_PROCESS            Code = 13
	RPC_EXIT_PROCESS             Code = 14
	RPC_ATTACH_PROCESS           Code = 15
	RPC_DETACH_PROCESS           Code = 16
	RPC_GET_DEBUG_EVENT          Code = 17
	RPC_PREPARE_TO_PAUSE_PROCESS Code = 18
	RPC_STOPPED_AT_DEBUG_EVENT   Code = 19
	RPC_CONTINUE_AFTER_EVENT     Code = 20
	RPC_TH_SUSPEND               Code = 21
	RPC_TH_CONTINUE              Code = 22
	RPC_SET_RESUME_MODE          Code = 23
	RPC_GET_MEMORY_INFO          Code = 24
	RPC_READ_MEMORY              Code = 25
	RPC_WRITE_MEMORY             Code = 26
	RPC_UPDATE_BPTS              Code = 27
	RPC_UPDATE_LOWCNDS           Code = 28
	RPC_EVAL_LOWCND              Code = 29
	RPC_ISOK_BPT                 Code = 30
	RPC_READ_REGS                Code = 31
	RPC_WRITE_REG                Code = 32
	RPC_GET_SREG_BASE            Code = 33
	RPC_SET_EXCEPTION_INFO       Code = 34
	RPC_OPEN_FILE                Code = 35
	RPC_CLOSE_FILE               Code = 36
	RPC_READ_FILE                Code = 37
	RPC_WRITE_FILE               Code = 38
	RPC_IOCTL                    Code = 39
	RPC_UPDATE_CALL_STACK        Code = 40
	RPC_APPCALL                  Code = 41
	RPC_CLEANUP_APPCALL          Code = 42
	RPC_REXEC                    Code = 43
	RPC_GET_SCATTERED_IMAGE      Code = 44
	RPC_GET_IMAGE_UUID           Code = 45
	RPC_GET_SEGM_START           Code = 46
	RPC_BIN_SEARCH               Code = 47
)

// Server->client requests.
const (
	RPC_SET_DEBUG_NAMES Code = 50
	RPC_SYNC_STUB       Code = 51
	RPC_ERROR           Code = 52
	RPC_MSG             Code = 53
	RPC_WARNING         Code = 54
	RPC_IMPORT_DLL      Code = 57
)

var codeNames = map[Code]string{
	RPC_OK:                       "RPC_OK",
	RPC_UNK:                      "RPC_UNK",
	RPC_MEM:                      "RPC_MEM",
	RPC_OPEN:                     "RPC_OPEN",
	RPC_EVENT:                    "RPC_EVENT",
	RPC_EVOK:                     "RPC_EVOK",
	RPC_CANCELLED:                "RPC_CANCELLED",
	RPC_INIT:                     "RPC_INIT",
	RPC_TERM:                     "RPC_TERM",
	RPC_GET_PROCESSES:            "RPC_GET_PROCESSES",
	RPC_START_PROCESS:            "RPC_START_PROCESS",
	RPC_EXIT_PROCESS:             "RPC_EXIT_PROCESS",
	RPC_ATTACH_PROCESS:           "RPC_ATTACH_PROCESS",
	RPC_DETACH_PROCESS:           "RPC_DETACH_PROCESS",
	RPC_GET_DEBUG_EVENT:          "RPC_GET_DEBUG_EVENT",
	RPC_PREPARE_TO_PAUSE_PROCESS: "RPC_PREPARE_TO_PAUSE_PROCESS",
	RPC_STOPPED_AT_DEBUG_EVENT:   "RPC_STOPPED_AT_DEBUG_EVENT",
	RPC_CONTINUE_AFTER_EVENT:     "RPC_CONTINUE_AFTER_EVENT",
	RPC_TH_SUSPEND:               "RPC_TH_SUSPEND",
	RPC_TH_CONTINUE:              "RPC_TH_CONTINUE",
	RPC_SET_RESUME_MODE:          "RPC_SET_RESUME_MODE",
	RPC_GET_MEMORY_INFO:          "RPC_GET_MEMORY_INFO",
	RPC_READ_MEMORY:              "RPC_READ_MEMORY",
	RPC_WRITE_MEMORY:             "RPC_WRITE_MEMORY",
	RPC_UPDATE_BPTS:              "RPC_UPDATE_BPTS",
	RPC_UPDATE_LOWCNDS:           "RPC_UPDATE_LOWCNDS",
	RPC_EVAL_LOWCND:              "RPC_EVAL_LOWCND",
	RPC_ISOK_BPT:                 "RPC_ISOK_BPT",
	RPC_READ_REGS:                "RPC_READ_REGS",
	RPC_WRITE_REG:                "RPC_WRITE_REG",
	RPC_GET_SREG_BASE:            "RPC_GET_SREG_BASE",
	RPC_SET_EXCEPTION_INFO:       "RPC_SET_EXCEPTION_INFO",
	RPC_OPEN_FILE:                "RPC_OPEN_FILE",
	RPC_CLOSE_FILE:               "RPC_CLOSE_FILE",
	RPC_READ_FILE:                "RPC_READ_FILE",
	RPC_WRITE_FILE:               "RPC_WRITE_FILE",
	RPC_IOCTL:                    "RPC_IOCTL",
	RPC_UPDATE_CALL_STACK:        "RPC_UPDATE_CALL_STACK",
	RPC_APPCALL:                  "RPC_APPCALL",
	RPC_CLEANUP_APPCALL:          "RPC_CLEANUP_APPCALL",
	RPC_REXEC:                    "RPC_REXEC",
	RPC_GET_SCATTERED_IMAGE:      "RPC_GET_SCATTERED_IMAGE",
	RPC_GET_IMAGE_UUID:           "RPC_GET_IMAGE_UUID",
	RPC_GET_SEGM_START:           "RPC_GET_SEGM_START",
	RPC_BIN_SEARCH:               "RPC_BIN_SEARCH",
	RPC_SET_DEBUG_NAMES:          "RPC_SET_DEBUG_NAMES",
	RPC_SYNC_STUB:                "RPC_SYNC_STUB",
	RPC_ERROR:                    "RPC_ERROR",
	RPC_MSG:                      "RPC_MSG",
	RPC_WARNING:                  "RPC_WARNING",
	RPC_IMPORT_DLL:               "RPC_IMPORT_DLL",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("RPC_%d", byte(c))
}

// IsReply reports whether packets with this code answer a request rather
// than being requests themselves.
func (c Code) IsReply() bool {
	switch c {
	case RPC_OK, RPC_UNK, RPC_MEM, RPC_EVOK, RPC_CANCELLED:
		return true
	}
	return false
}

// Handshake constants.
const (
	// InterfaceVersion is bumped every time the wire layout changes.
	InterfaceVersion = 27
	// DebuggerID identifies the kind of debugger served.
	DebuggerID = 0x4F4
)
