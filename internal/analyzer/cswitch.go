package analyzer

import (
	"fmt"

	"perftrace-mcp/internal/perf"
	"perftrace-mcp/internal/stacks"
)

const unknownProcess = "Unknown (-1)"

// ContextSwitch is one swap-in on a CPU. Timestamps are milliseconds since the
// first event of the trace; durations are milliseconds.
type ContextSwitch struct {
	SwapIn      float64
	Ready       float64
	PrevSwapOut float64

	WaitDuration  float64
	ReadyDuration float64
	RunDuration   float64

	NewThreadID   int
	NewProcess    string
	ReadyThreadID int
	ReadyProcess  string
	CPU           int

	PrevSwapOutStack stacks.Handle
	ReadyStack       stacks.Handle

	swapInTime float64
	readyTime  float64
	resolved   bool
}

// Idle reports whether the record covers the idle thread or a thread that was
// never resolved.
func (cs *ContextSwitch) Idle() bool {
	return cs.NewThreadID == 0 || cs.NewThreadID == -1
}

func newContextSwitch() *ContextSwitch {
	return &ContextSwitch{
		NewThreadID:      -1,
		NewProcess:       unknownProcess,
		ReadyThreadID:    -1,
		ReadyProcess:     unknownProcess,
		PrevSwapOutStack: stacks.None,
		ReadyStack:       stacks.None,
	}
}

func (cs *ContextSwitch) resolve(ev *Event) {
	cs.NewThreadID = ev.ThreadID
	cs.NewProcess = ev.Process()
	cs.resolved = true
}

// threadKey disambiguates threads globally by id, except the idle thread 0
// which recurs on every CPU.
type threadKey struct {
	cpu int
	tid int
}

func threadKeyOf(ev *Event) threadKey {
	if ev.ThreadID == 0 {
		return threadKey{cpu: ev.CPU}
	}
	return threadKey{tid: ev.ThreadID}
}

type switchCorrelator struct {
	first, last float64
	csNames     []string

	lastSwapOut         map[int]*ContextSwitch
	lastReady           map[int]*ContextSwitch
	lastSwapOutByThread map[threadKey]*Event

	records []*ContextSwitch
}

// CorrelateContextSwitches reconstructs run, wait and ready intervals from
// scheduler switches and wakeups. first and last are the timestamps of the
// first and last event of the trace. Sample events named in csNames count as
// switches too. Every switch yields exactly one record; each CPU also gets one
// boundary record anchored at the start of the trace.
func CorrelateContextSwitches(events []Event, first, last float64, csNames []string) []ContextSwitch {
	c := &switchCorrelator{
		first:               first,
		last:                last,
		csNames:             csNames,
		lastSwapOut:         make(map[int]*ContextSwitch),
		lastReady:           make(map[int]*ContextSwitch),
		lastSwapOutByThread: make(map[threadKey]*Event),
	}
	for i := range events {
		c.observe(&events[i])
	}

	out := make([]ContextSwitch, len(c.records))
	for i, rec := range c.records {
		if rec.Idle() {
			rec.WaitDuration = 0
			rec.RunDuration = 0
		}
		out[i] = *rec
	}
	return out
}

func (c *switchCorrelator) observe(ev *Event) {
	if rec, ok := c.lastSwapOut[ev.CPU]; ok {
		if !rec.resolved {
			rec.resolve(ev)
		}
	} else {
		// First event seen on this CPU: whatever ran before it ran since the start.
		rec := newContextSwitch()
		rec.swapInTime = c.first
		rec.readyTime = c.first
		rec.RunDuration = c.last - ev.Timestamp
		rec.CPU = ev.CPU
		rec.resolve(ev)
		c.lastSwapOut[ev.CPU] = rec
		c.records = append(c.records, rec)
	}

	if c.isSwitch(ev) {
		c.swapIn(ev)
		return
	}

	if w, ok := ev.Payload.(perf.Wakeup); ok {
		c.ready(ev, w)
	}
}

func (c *switchCorrelator) isSwitch(ev *Event) bool {
	return ev.Kind == perf.KindSchedulerSwitch || containsName(c.csNames, ev.EventName)
}

// swapIn closes the running record on ev's CPU and opens the next one.
func (c *switchCorrelator) swapIn(ev *Event) {
	key := threadKeyOf(ev)

	if prev, ok := c.lastSwapOut[ev.CPU]; ok {
		prev.RunDuration = ev.Timestamp - prev.swapInTime
		if out, ok := c.lastSwapOutByThread[key]; ok && out.Timestamp < prev.swapInTime {
			prev.PrevSwapOut = out.Timestamp - c.first
			prev.WaitDuration = prev.swapInTime - out.Timestamp
			prev.PrevSwapOutStack = out.Stack
		}
	}

	rec, ok := c.lastReady[ev.CPU]
	if ok {
		delete(c.lastReady, ev.CPU)
		rec.ReadyDuration = ev.Timestamp - rec.readyTime
	} else {
		rec = newContextSwitch()
		rec.readyTime = ev.Timestamp
		rec.Ready = ev.Timestamp - c.first
	}

	rec.swapInTime = ev.Timestamp
	rec.SwapIn = ev.Timestamp - c.first
	rec.PrevSwapOut = 0
	// Provisional until a later switch on this CPU or thread overwrites them.
	rec.WaitDuration = ev.Timestamp - c.first
	rec.RunDuration = c.last - ev.Timestamp
	rec.CPU = ev.CPU

	c.lastSwapOut[ev.CPU] = rec
	c.lastSwapOutByThread[key] = ev
	c.records = append(c.records, rec)
}

// ready parks a record for the woken thread on the CPU it will run on.
func (c *switchCorrelator) ready(ev *Event, w perf.Wakeup) {
	rec := newContextSwitch()
	rec.ReadyThreadID = ev.ThreadID
	rec.ReadyProcess = ev.Process()
	rec.readyTime = ev.Timestamp
	rec.Ready = ev.Timestamp - c.first
	rec.ReadyStack = ev.Stack
	rec.NewThreadID = w.PID
	rec.NewProcess = fmt.Sprintf("%s (%d)", w.Comm, w.PID)
	c.lastReady[w.TargetCPU] = rec
}
