package perf

import (
	"fmt"
	"time"
)

// EventKind classifies a trace event.
type EventKind int

const (
	KindOther EventKind = iota
	KindSchedulerSwitch
	KindThreadExit
	KindWakeup
	KindBlockRequestIssue
	KindBlockRequestComplete
	KindSample
)

func (k EventKind) String() string {
	switch k {
	case KindSchedulerSwitch:
		return "SchedulerSwitch"
	case KindThreadExit:
		return "ThreadExit"
	case KindWakeup:
		return "Wakeup"
	case KindBlockRequestIssue:
		return "BlockRequestIssue"
	case KindBlockRequestComplete:
		return "BlockRequestComplete"
	case KindSample:
		return "Sample"
	default:
		return "Other"
	}
}

// FrameKind distinguishes symbolic frames from markers that carry no location.
type FrameKind uint8

const (
	FrameStack FrameKind = iota
	FrameMarker
)

// Frame is a single entry of a raw call stack.
type Frame struct {
	Kind    FrameKind
	Address uint64
	Module  string
	Symbol  string
}

// DisplayName returns the "module!symbol" form used in stack paths.
func (f Frame) DisplayName() string {
	return f.Module + "!" + f.Symbol
}

// Payload holds the kind-specific part of an event. The concrete types are
// SchedSwitch, ThreadExit, Wakeup, BlockRequestIssue and BlockRequestComplete.
type Payload interface {
	payload()
}

// SchedSwitch is the payload of sched:sched_switch.
type SchedSwitch struct {
	PrevComm  string
	PrevPID   int
	PrevPrio  int
	PrevState string
	NextComm  string
	NextPID   int
	NextPrio  int
}

// ThreadExit is the payload of sched:sched_process_exit.
type ThreadExit struct {
	Comm string
	PID  int
	Prio int
}

// Wakeup is the payload of sched:sched_wakeup and sched:sched_wakeup_new.
type Wakeup struct {
	Comm      string
	PID       int
	Prio      int
	TargetCPU int
}

// BlockRequest carries the fields shared by block-layer issue and completion.
type BlockRequest struct {
	Device       uint32
	DeviceMinor  uint32
	Flags        string // rwbs
	Sector       uint64
	SectorLength uint32 // number of sectors
	Length       uint32 // bytes, zero when the tracepoint does not report it
	Command      string
}

// BlockRequestIssue is the payload of block:block_rq_issue. Comm is the
// issuing command printed after the request.
type BlockRequestIssue struct {
	BlockRequest
	Comm string
}

// BlockRequestComplete is the payload of block:block_rq_complete. Error is the
// completion status, 0 on success.
type BlockRequestComplete struct {
	BlockRequest
	Error int
}

func (SchedSwitch) payload()          {}
func (ThreadExit) payload()           {}
func (Wakeup) payload()               {}
func (BlockRequestIssue) payload()    {}
func (BlockRequestComplete) payload() {}

// Event is one decoded trace event. Events are immutable once parsed.
type Event struct {
	Kind      EventKind
	Timestamp float64 // milliseconds, non-decreasing in trace order
	CPU       int
	ThreadID  int
	ProcessID int
	Command   string
	EventName string
	Payload   Payload
	Frames    []Frame // leaf first
}

// Process renders the "comm (pid)" label used across records.
func (e *Event) Process() string {
	return fmt.Sprintf("%s (%d)", e.Command, e.ProcessID)
}

// Trace holds the events of one perf script file.
type Trace struct {
	Path      string
	StartTime time.Time
	Events    []Event
	Degraded  int // events whose payload could not be decoded
}

// FirstTimestamp returns the timestamp of the first event, or 0 if empty.
func (t *Trace) FirstTimestamp() float64 {
	if len(t.Events) == 0 {
		return 0
	}
	return t.Events[0].Timestamp
}

// LastTimestamp returns the timestamp of the last event, or 0 if empty.
func (t *Trace) LastTimestamp() float64 {
	if len(t.Events) == 0 {
		return 0
	}
	return t.Events[len(t.Events)-1].Timestamp
}

// Duration is the span between the first and last event.
func (t *Trace) Duration() time.Duration {
	return MillisToDuration(t.LastTimestamp() - t.FirstTimestamp())
}

// Abs converts a trace timestamp into wall-clock time anchored at StartTime.
func (t *Trace) Abs(ms float64) time.Time {
	return t.StartTime.Add(MillisToDuration(ms - t.FirstTimestamp()))
}

// MillisToDuration converts fractional milliseconds to a time.Duration.
func MillisToDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}
