package api

import "fmt"

// EventID identifies the kind of a DebugEvent.
type EventID int32

const (
	NoEvent         EventID = 0x00000000 // not an event
	ProcessStarted  EventID = 0x00000001 // new process started
	ProcessExited   EventID = 0x00000002 // process stopped
	ThreadStarted   EventID = 0x00000004 // new thread started
	ThreadExited    EventID = 0x00000008 // thread stopped
	Breakpoint      EventID = 0x00000010 // breakpoint reached
	Step            EventID = 0x00000020 // one instruction executed
	Exception       EventID = 0x00000040 // exception
	LibLoaded       EventID = 0x00000080 // new library loaded
	LibUnloaded     EventID = 0x00000100 // library unloaded
	Information     EventID = 0x00000200 // user-defined information
	ProcessAttached EventID = 0x00000400 // attached to running process
	ProcessDetached EventID = 0x00000800 // detached from process
)

var eventNames = map[EventID]string{
	NoEvent:         "NO_EVENT",
	ProcessStarted:  "PROCESS_STARTED",
	ProcessExited:   "PROCESS_EXITED",
	ThreadStarted:   "THREAD_STARTED",
	ThreadExited:    "THREAD_EXITED",
	Breakpoint:      "BREAKPOINT",
	Step:            "STEP",
	Exception:       "EXCEPTION",
	LibLoaded:       "LIB_LOADED",
	LibUnloaded:     "LIB_UNLOADED",
	Information:     "INFORMATION",
	ProcessAttached: "PROCESS_ATTACHED",
	ProcessDetached: "PROCESS_DETACHED",
}

func (id EventID) String() string {
	if s, ok := eventNames[id]; ok {
		return s
	}
	return fmt.Sprintf("EVENT(%#x)", int32(id))
}

// ModInfo describes a loaded module (executable or library).
type ModInfo struct {
	Name   string
	Base   uint64
	Size   uint64
	Rebase uint64 // address the database should be rebased to, BadAddr if none
}

// BptInfo is the payload of a Breakpoint event.
type BptInfo struct {
	Hea uint64 // hardware breakpoint address, BadAddr for software breakpoints
	Kea uint64 // kernel mode address, BadAddr for user mode breakpoints
}

// ExceptionInfo is the payload of an Exception event.
type ExceptionInfo struct {
	Code    uint32
	CanCont bool
	EA      uint64
	Info    string
}

// EventPayload is the variant specific part of a DebugEvent. It is one of
// ModInfo, ExitCode, BptInfo, ExceptionInfo or EventText.
type EventPayload interface {
	isEventPayload()
}

// ExitCode is the payload of ProcessExited and ThreadExited events.
type ExitCode int

// EventText is the payload of ThreadStarted (thread name), LibUnloaded
// (library name) and Information events.
type EventText string

func (*ModInfo) isEventPayload()       {}
func (ExitCode) isEventPayload()       {}
func (*BptInfo) isEventPayload()       {}
func (*ExceptionInfo) isEventPayload() {}
func (EventText) isEventPayload()      {}

// DebugEvent is a debug event reported by a debugger module.
// The payload kind is determined by ID, use the constructors below to
// build consistent events.
type DebugEvent struct {
	ID      EventID
	PID     int
	TID     int
	EA      uint64
	Handled bool
	Payload EventPayload
}

// PayloadKind is the kind of payload carried by events with a given id.
type PayloadKind int

const (
	PayloadNone PayloadKind = iota
	PayloadModule
	PayloadExitCode
	PayloadBpt
	PayloadException
	PayloadText
)

// PayloadKindOf returns the payload kind of events with the given id.
func PayloadKindOf(id EventID) PayloadKind {
	switch id {
	case ProcessStarted, ProcessAttached, LibLoaded:
		return PayloadModule
	case ProcessExited, ThreadExited:
		return PayloadExitCode
	case Breakpoint:
		return PayloadBpt
	case Exception:
		return PayloadException
	case ThreadStarted, LibUnloaded, Information:
		return PayloadText
	}
	return PayloadNone
}

func newEvent(id EventID, pid, tid int, ea uint64, payload EventPayload) *DebugEvent {
	return &DebugEvent{ID: id, PID: pid, TID: tid, EA: ea, Payload: payload}
}

// NewModuleEvent returns a ProcessStarted, ProcessAttached or LibLoaded
// event.
func NewModuleEvent(id EventID, pid, tid int, ea uint64, mi ModInfo) *DebugEvent {
	if PayloadKindOf(id) != PayloadModule {
		panic(fmt.Sprintf("%v does not carry module information", id))
	}
	return newEvent(id, pid, tid, ea, &mi)
}

// NewExitEvent returns a ProcessExited or ThreadExited event.
func NewExitEvent(id EventID, pid, tid int, ea uint64, code int) *DebugEvent {
	if PayloadKindOf(id) != PayloadExitCode {
		panic(fmt.Sprintf("%v does not carry an exit code", id))
	}
	return newEvent(id, pid, tid, ea, ExitCode(code))
}

// NewBreakpointEvent returns a Breakpoint event.
func NewBreakpointEvent(pid, tid int, ea uint64, bpt BptInfo) *DebugEvent {
	return newEvent(Breakpoint, pid, tid, ea, &bpt)
}

// NewExceptionEvent returns an Exception event.
func NewExceptionEvent(pid, tid int, ea uint64, exc ExceptionInfo) *DebugEvent {
	return newEvent(Exception, pid, tid, ea, &exc)
}

// NewTextEvent returns a ThreadStarted, LibUnloaded or Information event.
func NewTextEvent(id EventID, pid, tid int, ea uint64, text string) *DebugEvent {
	if PayloadKindOf(id) != PayloadText {
		panic(fmt.Sprintf("%v does not carry text", id))
	}
	return newEvent(id, pid, tid, ea, EventText(text))
}

// NewPlainEvent returns an event without payload (Step, ProcessDetached).
func NewPlainEvent(id EventID, pid, tid int, ea uint64) *DebugEvent {
	if PayloadKindOf(id) != PayloadNone {
		panic(fmt.Sprintf("%v requires a payload", id))
	}
	return newEvent(id, pid, tid, ea, nil)
}

// Module returns the module payload, or nil.
func (ev *DebugEvent) Module() *ModInfo {
	mi, _ := ev.Payload.(*ModInfo)
	return mi
}

// ExitCode returns the exit code payload, or 0.
func (ev *DebugEvent) ExitCode() int {
	c, _ := ev.Payload.(ExitCode)
	return int(c)
}

// Bpt returns the breakpoint payload, or nil.
func (ev *DebugEvent) Bpt() *BptInfo {
	b, _ := ev.Payload.(*BptInfo)
	return b
}

// Exc returns the exception payload, or nil.
func (ev *DebugEvent) Exc() *ExceptionInfo {
	e, _ := ev.Payload.(*ExceptionInfo)
	return e
}

// Info returns the text payload, or "".
func (ev *DebugEvent) Info() string {
	s, _ := ev.Payload.(EventText)
	return string(s)
}

func (ev *DebugEvent) String() string {
	return fmt.Sprintf("%v pid=%d tid=%d ea=%#x", ev.ID, ev.PID, ev.TID, ev.EA)
}
