package perf

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/klauspost/compress/zstd"
)

// ErrMalformedTrace is returned when the input cannot be read as perf script output.
var ErrMalformedTrace = errors.New("malformed perf script trace")

var (
	// comm pid/tid [cpu] secs.usecs: rest
	headerPattern = regexp.MustCompile(`^\s*(.+?)\s+(-?\d+)(?:/(-?\d+))?\s+\[(\d+)\]\s+(\d+)\.(\d+):\s*(.*)$`)
	// addr symbol+off (module)
	framePattern    = regexp.MustCompile(`^\s+([0-9a-fA-F]+)\s+(.*?)\s*\(([^()]*)\)\s*$`)
	offsetPattern   = regexp.MustCompile(`\+0x[0-9a-fA-F]+$`)
	modifierPattern = regexp.MustCompile(`^[ukhIGHpPSDWe]+$`)
	keyValuePattern = regexp.MustCompile(`(\w+)=(\S*)`)
	wakeupPattern   = regexp.MustCompile(`^(.*):(-?\d+) \[(-?\d+)\](?: success=\d+)? CPU:(\d+)`)
	blockPattern    = regexp.MustCompile(`^(\d+),(\d+)\s+(\S*)\s+(?:(\d+)\s+)?\((.*?)\)\s+(\d+)\s+\+\s+(\d+)\s*(?:\[(.*)\])?`)
)

const timestampFile = "timestamp.txt"

var startTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.ANSIC,
	"Mon Jan 2 15:04:05 2006",
}

// timeNow is replaced in tests.
var timeNow = time.Now

// Load opens a trace file and anchors it at the start time recorded next to it.
// A missing or unreadable anchor degrades to midnight UTC of the current day.
func Load(path string, log logr.Logger) (*Trace, error) {
	tr, err := Open(path)
	if err != nil {
		return nil, err
	}

	start, err := StartTime(filepath.Dir(path))
	if err != nil {
		log.Error(err, "could not parse trace start time, using default anchor",
			"file", filepath.Join(filepath.Dir(path), timestampFile), "anchor", start)
	}
	tr.StartTime = start

	if tr.Degraded > 0 {
		log.V(1).Info("events with undecodable payloads", "path", path, "count", tr.Degraded)
	}
	return tr, nil
}

// Open reads a perf script text file. Files ending in .zst are decompressed.
func Open(path string) (*Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to open zstd stream: %w", err)
		}
		defer dec.Close()
		r = dec
	}

	tr, err := Parse(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	tr.Path = path
	return tr, nil
}

// StartTime reads the wall-clock trace start from timestamp.txt in dir. The
// returned time is always usable; the error reports why the default was used.
func StartTime(dir string) (time.Time, error) {
	def := timeNow().UTC().Truncate(24 * time.Hour)

	data, err := os.ReadFile(filepath.Join(dir, timestampFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return def, nil
		}
		return def, fmt.Errorf("failed to read %s: %w", timestampFile, err)
	}

	return parseStartTime(strings.TrimSpace(string(data)), def)
}

func parseStartTime(s string, def time.Time) (time.Time, error) {
	for _, layout := range startTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return def, fmt.Errorf("unrecognized start time %q, expected format like %q", s, time.ANSIC)
}

// Parse reads perf script output. Lines that are neither event headers nor
// stack frames (comments, preamble) are skipped.
func Parse(r io.Reader) (*Trace, error) {
	tr := &Trace{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var cur *Event
	flush := func() {
		if cur != nil {
			tr.Events = append(tr.Events, *cur)
			cur = nil
		}
	}

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		if m := headerPattern.FindStringSubmatch(line); m != nil {
			flush()
			ev, err := parseHeader(m)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrMalformedTrace, lineNo, err)
			}
			if !decodePayload(&ev) {
				tr.Degraded++
			}
			cur = &ev
			continue
		}

		if m := framePattern.FindStringSubmatch(line); m != nil {
			if cur == nil {
				return nil, fmt.Errorf("%w: line %d: stack frame before any event", ErrMalformedTrace, lineNo)
			}
			cur.Frames = append(cur.Frames, parseFrame(m))
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading perf script: %w", err)
	}
	return tr, nil
}

func parseHeader(m []string) (Event, error) {
	ev := Event{Command: strings.TrimSpace(m[1])}

	first, err := strconv.Atoi(m[2])
	if err != nil {
		return ev, fmt.Errorf("invalid pid %q: %w", m[2], err)
	}
	if m[3] != "" {
		ev.ProcessID = first
		if ev.ThreadID, err = strconv.Atoi(m[3]); err != nil {
			return ev, fmt.Errorf("invalid tid %q: %w", m[3], err)
		}
	} else {
		ev.ThreadID = first
		ev.ProcessID = first
	}

	if ev.CPU, err = strconv.Atoi(m[4]); err != nil {
		return ev, fmt.Errorf("invalid cpu %q: %w", m[4], err)
	}

	secs, err := strconv.ParseFloat(m[5]+"."+m[6], 64)
	if err != nil {
		return ev, fmt.Errorf("invalid timestamp %s.%s: %w", m[5], m[6], err)
	}
	ev.Timestamp = secs * 1000

	name, payload := splitEvent(m[7])
	ev.EventName = name
	ev.Kind = classify(name)
	// Stashed until decodePayload runs.
	ev.Payload = rawPayload(payload)
	return ev, nil
}

// rawPayload carries undecoded payload text between header parsing and decoding.
type rawPayload string

func (rawPayload) payload() {}

// splitEvent separates "[period] name: payload".
func splitEvent(rest string) (name, payload string) {
	rest = strings.TrimSpace(rest)
	if i := strings.IndexByte(rest, ' '); i > 0 && isDigits(rest[:i]) {
		rest = strings.TrimSpace(rest[i+1:])
	}

	if i := strings.Index(rest, ": "); i >= 0 {
		name, payload = rest[:i], strings.TrimSpace(rest[i+2:])
	} else {
		name = strings.TrimSuffix(rest, ":")
	}

	if i := strings.LastIndexByte(name, ':'); i >= 0 && modifierPattern.MatchString(name[i+1:]) {
		name = name[:i]
	}
	return name, payload
}

func classify(name string) EventKind {
	switch name {
	case "sched:sched_switch":
		return KindSchedulerSwitch
	case "sched:sched_process_exit":
		return KindThreadExit
	case "sched:sched_wakeup", "sched:sched_wakeup_new":
		return KindWakeup
	case "block:block_rq_issue":
		return KindBlockRequestIssue
	case "block:block_rq_complete":
		return KindBlockRequestComplete
	}
	if name != "" && !strings.Contains(name, ":") {
		return KindSample
	}
	return KindOther
}

// decodePayload replaces the raw payload text with a typed payload. It reports
// false when a kind that requires a payload could not be decoded, in which case
// the event is downgraded to KindOther.
func decodePayload(ev *Event) bool {
	text, _ := ev.Payload.(rawPayload)
	ev.Payload = nil

	var (
		p  Payload
		ok bool
	)
	switch ev.Kind {
	case KindSchedulerSwitch:
		p, ok = parseSchedSwitch(string(text))
	case KindThreadExit:
		p, ok = parseThreadExit(string(text))
	case KindWakeup:
		p, ok = parseWakeup(string(text))
	case KindBlockRequestIssue:
		p, ok = parseBlockIssue(string(text))
	case KindBlockRequestComplete:
		p, ok = parseBlockComplete(string(text))
	case KindSample:
		// Samples recorded without callchains print the ip on the header line.
		if m := framePattern.FindStringSubmatch(" " + string(text)); m != nil {
			ev.Frames = append(ev.Frames, parseFrame(m))
		}
		return true
	default:
		return true
	}

	if !ok {
		ev.Kind = KindOther
		return false
	}
	ev.Payload = p
	return true
}

func keyValues(s string) map[string]string {
	kv := make(map[string]string)
	for _, m := range keyValuePattern.FindAllStringSubmatch(s, -1) {
		kv[m[1]] = m[2]
	}
	return kv
}

func parseSchedSwitch(s string) (Payload, bool) {
	kv := keyValues(s)
	prevPID, err1 := strconv.Atoi(kv["prev_pid"])
	nextPID, err2 := strconv.Atoi(kv["next_pid"])
	if err1 != nil || err2 != nil {
		return nil, false
	}
	prevPrio, _ := strconv.Atoi(kv["prev_prio"])
	nextPrio, _ := strconv.Atoi(kv["next_prio"])
	return SchedSwitch{
		PrevComm:  kv["prev_comm"],
		PrevPID:   prevPID,
		PrevPrio:  prevPrio,
		PrevState: kv["prev_state"],
		NextComm:  kv["next_comm"],
		NextPID:   nextPID,
		NextPrio:  nextPrio,
	}, true
}

func parseThreadExit(s string) (Payload, bool) {
	kv := keyValues(s)
	pid, err := strconv.Atoi(kv["pid"])
	if err != nil {
		return nil, false
	}
	prio, _ := strconv.Atoi(kv["prio"])
	return ThreadExit{Comm: kv["comm"], PID: pid, Prio: prio}, true
}

func parseWakeup(s string) (Payload, bool) {
	kv := keyValues(s)
	if pidText, ok := kv["pid"]; ok {
		pid, err1 := strconv.Atoi(pidText)
		cpu, err2 := strconv.Atoi(kv["target_cpu"])
		if err1 != nil || err2 != nil {
			return nil, false
		}
		prio, _ := strconv.Atoi(kv["prio"])
		return Wakeup{Comm: kv["comm"], PID: pid, Prio: prio, TargetCPU: cpu}, true
	}

	m := wakeupPattern.FindStringSubmatch(s)
	if m == nil {
		return nil, false
	}
	pid, _ := strconv.Atoi(m[2])
	prio, _ := strconv.Atoi(m[3])
	cpu, _ := strconv.Atoi(m[4])
	return Wakeup{Comm: m[1], PID: pid, Prio: prio, TargetCPU: cpu}, true
}

func parseBlockRequest(s string) (BlockRequest, string, bool) {
	m := blockPattern.FindStringSubmatch(s)
	if m == nil {
		return BlockRequest{}, "", false
	}
	major, err1 := strconv.ParseUint(m[1], 10, 32)
	minor, err2 := strconv.ParseUint(m[2], 10, 32)
	sector, err3 := strconv.ParseUint(m[6], 10, 64)
	nr, err4 := strconv.ParseUint(m[7], 10, 32)
	if err := errors.Join(err1, err2, err3, err4); err != nil {
		return BlockRequest{}, "", false
	}
	var length uint64
	if m[4] != "" {
		length, _ = strconv.ParseUint(m[4], 10, 32)
	}
	return BlockRequest{
		Device:       uint32(major),
		DeviceMinor:  uint32(minor),
		Flags:        m[3],
		Sector:       sector,
		SectorLength: uint32(nr),
		Length:       uint32(length),
		Command:      m[5],
	}, m[8], true
}

func parseBlockIssue(s string) (Payload, bool) {
	req, tail, ok := parseBlockRequest(s)
	if !ok {
		return nil, false
	}
	return BlockRequestIssue{BlockRequest: req, Comm: tail}, true
}

func parseBlockComplete(s string) (Payload, bool) {
	req, tail, ok := parseBlockRequest(s)
	if !ok {
		return nil, false
	}
	code, _ := strconv.Atoi(tail)
	return BlockRequestComplete{BlockRequest: req, Error: code}, true
}

func parseFrame(m []string) Frame {
	addr, _ := strconv.ParseUint(m[1], 16, 64)

	symbol := offsetPattern.ReplaceAllString(strings.TrimSpace(m[2]), "")
	if symbol == "" {
		symbol = "[unknown]"
	}

	module := strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(m[3]), "["), "]")
	if module == "" {
		module = "unknown"
	} else {
		module = filepath.Base(module)
	}

	return Frame{Kind: FrameStack, Address: addr, Module: module, Symbol: symbol}
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
