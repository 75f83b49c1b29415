package analyzer

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"
	"time"

	"perftrace-mcp/internal/perf"
)

// TraceStatistics summarizes a trace and the records derived from it.
type TraceStatistics struct {
	Events    int
	ByKind    map[perf.EventKind]int
	CPUs      int
	Duration  time.Duration
	StartTime time.Time
	Degraded  int

	UniqueStacks      int
	StackNodes        int
	AverageStackDepth float64
	MaxStackDepth     int
	MinStackDepth     int

	Samples           int
	TotalSampleWeight float64

	ContextSwitches int
	IdleSwitches    int
	TotalWait       float64
	TotalReady      float64
	TotalRun        float64

	DiskIOs       int
	MatchedIOs    int
	IssueOnly     int
	CompleteOnly  int
	MaxQueueDepth int
}

// ComputeStatistics gathers counts and totals for a.
func ComputeStatistics(a *Analysis) TraceStatistics {
	stats := TraceStatistics{
		Events:       len(a.Events),
		ByKind:       make(map[perf.EventKind]int),
		Duration:     a.Trace.Duration(),
		StartTime:    a.Trace.StartTime,
		Degraded:     a.Trace.Degraded,
		UniqueStacks: a.Stacks.Leaves(),
		StackNodes:   a.Stacks.Len(),
		Samples:      len(a.Samples),
	}

	cpus := make(map[int]bool)
	totalDepth := 0
	stats.MinStackDepth = math.MaxInt32
	for _, ev := range a.Events {
		stats.ByKind[ev.Kind]++
		cpus[ev.CPU] = true

		depth := a.Stacks.Depth(ev.Stack)
		totalDepth += depth
		stats.MaxStackDepth = max(stats.MaxStackDepth, depth)
		stats.MinStackDepth = min(stats.MinStackDepth, depth)
	}
	stats.CPUs = len(cpus)
	if len(a.Events) > 0 {
		stats.AverageStackDepth = float64(totalDepth) / float64(len(a.Events))
	}
	if stats.MinStackDepth == math.MaxInt32 {
		stats.MinStackDepth = 0
	}

	for _, s := range a.Samples {
		stats.TotalSampleWeight += s.Weight
	}

	stats.ContextSwitches = len(a.ContextSwitches)
	for _, cs := range a.ContextSwitches {
		if cs.Idle() {
			stats.IdleSwitches++
		}
		stats.TotalWait += cs.WaitDuration
		stats.TotalReady += cs.ReadyDuration
		stats.TotalRun += cs.RunDuration
	}

	stats.DiskIOs = len(a.DiskIOs)
	for _, io := range a.DiskIOs {
		switch {
		case io.Matched():
			stats.MatchedIOs++
			stats.MaxQueueDepth = max(stats.MaxQueueDepth, io.IssueQueueDepth+1, io.CompleteQueueDepth)
		case io.Issue != nil:
			stats.IssueOnly++
		default:
			stats.CompleteOnly++
		}
	}

	return stats
}

// FunctionCallFrequency is how many samples have a function anywhere on their stack.
type FunctionCallFrequency struct {
	Function   string
	Module     string
	Count      int
	Percentage float64 // share of all samples
}

// GetFunctionCallFrequencies counts, per function, the samples whose stack
// contains it, most frequent first.
func GetFunctionCallFrequencies(a *Analysis) []FunctionCallFrequency {
	byStack, _ := weightByStack(a)
	counts := make(map[string]*FunctionCallFrequency)

	for h, sw := range byStack {
		seen := make(map[string]bool)
		for _, f := range a.Stacks.Frames(h) {
			name := f.DisplayName()
			if seen[name] {
				continue
			}
			seen[name] = true

			freq, ok := counts[name]
			if !ok {
				freq = &FunctionCallFrequency{Function: f.Symbol, Module: f.Module}
				counts[name] = freq
			}
			freq.Count += sw.count
		}
	}

	total := len(a.Samples)
	out := make([]FunctionCallFrequency, 0, len(counts))
	for _, freq := range counts {
		if total > 0 {
			freq.Percentage = float64(freq.Count) / float64(total) * 100.0
		}
		out = append(out, *freq)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Module+"!"+out[i].Function < out[j].Module+"!"+out[j].Function
	})
	return out
}

// CallstackPattern is a group of samples sharing the same outermost frames.
type CallstackPattern struct {
	Pattern     string   // frames joined with " -> "
	Frames      []string // display names from the root
	Occurrences int
	TotalWeight float64
	Percentage  float64
}

// FindCommonCallstackPatterns groups samples by the first depth frames of their
// stacks counted from the root, heaviest first. depth <= 0 uses whole stacks.
func FindCommonCallstackPatterns(a *Analysis, depth, topN int) []CallstackPattern {
	byStack, total := weightByStack(a)
	patterns := make(map[string]*CallstackPattern)

	for h, sw := range byStack {
		names := a.Stacks.Names(h)
		if depth > 0 && depth < len(names) {
			names = names[:depth]
		}
		key := strings.Join(names, " -> ")

		p, ok := patterns[key]
		if !ok {
			p = &CallstackPattern{Pattern: key, Frames: slices.Clone(names)}
			patterns[key] = p
		}
		p.Occurrences += sw.count
		p.TotalWeight += sw.weight
	}

	out := make([]CallstackPattern, 0, len(patterns))
	for _, p := range patterns {
		if total > 0 {
			p.Percentage = p.TotalWeight / total * 100.0
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalWeight != out[j].TotalWeight {
			return out[i].TotalWeight > out[j].TotalWeight
		}
		return out[i].Pattern < out[j].Pattern
	})

	if topN > 0 && topN < len(out) {
		return out[:topN]
	}
	return out
}

// Severity ranks a PerformanceIssue.
type Severity string

const (
	SeverityCritical Severity = "Critical"
	SeverityHigh     Severity = "High"
	SeverityMedium   Severity = "Medium"
	SeverityLow      Severity = "Low"
)

// Thresholds used by DetectPerformanceIssues. Latencies are milliseconds.
const (
	deepStackFrames        = 50
	hotspotCriticalPct     = 20.0
	hotspotHighPct         = 10.0
	hotLoopPct             = 80.0
	readyLatencyHigh       = 10.0
	readyLatencyCrit       = 100.0
	slowIOHigh             = 50.0
	slowIOCritical         = 500.0
	queueDepthHigh         = 32
	issueHotspotCandidates = 10
)

// PerformanceIssue is a finding of DetectPerformanceIssues.
type PerformanceIssue struct {
	Severity    Severity
	Category    string // e.g. "CPU Hotspot", "Scheduling Latency", "Slow Disk I/O"
	Description string
	Function    string
	Module      string
	Impact      float64 // share of sampled CPU time or of the trace span, in percent
}

// DetectPerformanceIssues applies heuristics over the samples, context switches
// and disk I/O of a. Issues are ordered by impact, highest first.
func DetectPerformanceIssues(a *Analysis) []PerformanceIssue {
	var issues []PerformanceIssue
	stats := ComputeStatistics(a)
	span := a.Trace.LastTimestamp() - a.Trace.FirstTimestamp()
	spanShare := func(ms float64) float64 {
		if span <= 0 {
			return 0
		}
		return min(ms/span*100.0, 100.0)
	}

	if stats.MaxStackDepth > deepStackFrames {
		issues = append(issues, PerformanceIssue{
			Severity:    SeverityHigh,
			Category:    "Deep Call Stack",
			Description: fmt.Sprintf("Maximum stack depth of %d frames detected. This may indicate deep recursion or complex call chains.", stats.MaxStackDepth),
		})
	}

	// Ranked by self time.
	for _, hs := range LeafFunctions(a, issueHotspotCandidates) {
		var severity Severity
		switch {
		case hs.Percentage > hotspotCriticalPct:
			severity = SeverityCritical
		case hs.Percentage > hotspotHighPct:
			severity = SeverityHigh
		default:
			continue
		}
		issues = append(issues, PerformanceIssue{
			Severity:    severity,
			Category:    "CPU Hotspot",
			Description: fmt.Sprintf("Function consumes %.2f%% of sampled CPU time", hs.Percentage),
			Function:    hs.Function,
			Module:      hs.Module,
			Impact:      hs.Percentage,
		})
	}

	// Outermost callers trivially appear in every stack of their thread.
	outermost := AnalyzeCallChains(a, 1)
	for _, freq := range GetFunctionCallFrequencies(a) {
		if freq.Percentage <= hotLoopPct {
			break
		}
		if outermost[freq.Module+"!"+freq.Function] != nil {
			continue
		}
		issues = append(issues, PerformanceIssue{
			Severity:    SeverityMedium,
			Category:    "Hot Loop",
			Description: fmt.Sprintf("Function appears in %.2f%% of all sampled stacks", freq.Percentage),
			Function:    freq.Function,
			Module:      freq.Module,
			Impact:      freq.Percentage,
		})
	}

	// Worst ready latency per thread.
	worstReady := make(map[int]*ContextSwitch)
	for i := range a.ContextSwitches {
		cs := &a.ContextSwitches[i]
		if cs.Idle() || cs.ReadyThreadID == -1 {
			continue
		}
		if w, ok := worstReady[cs.NewThreadID]; !ok || cs.ReadyDuration > w.ReadyDuration {
			worstReady[cs.NewThreadID] = cs
		}
	}
	for _, cs := range worstReady {
		if cs.ReadyDuration < readyLatencyHigh {
			continue
		}
		severity := SeverityHigh
		if cs.ReadyDuration >= readyLatencyCrit {
			severity = SeverityCritical
		}
		issues = append(issues, PerformanceIssue{
			Severity: severity,
			Category: "Scheduling Latency",
			Description: fmt.Sprintf("%s thread %d waited %.3f ms on CPU %d between wakeup by %s and running",
				cs.NewProcess, cs.NewThreadID, cs.ReadyDuration, cs.CPU, cs.ReadyProcess),
			Impact: spanShare(cs.ReadyDuration),
		})
	}

	// Slowest request and deepest queue per device.
	slowest := make(map[deviceKey]*DiskIO)
	deepest := make(map[deviceKey]int)
	for _, io := range a.DiskIOs {
		if !io.Matched() {
			continue
		}
		dev := deviceKey{device: io.Device(), minor: io.DeviceMinor()}
		if s, ok := slowest[dev]; !ok || io.Duration() > s.Duration() {
			slowest[dev] = io
		}
		deepest[dev] = max(deepest[dev], io.IssueQueueDepth+1, io.CompleteQueueDepth)
	}
	for dev, io := range slowest {
		if io.Duration() < slowIOHigh {
			continue
		}
		severity := SeverityHigh
		if io.Duration() >= slowIOCritical {
			severity = SeverityCritical
		}
		issues = append(issues, PerformanceIssue{
			Severity: severity,
			Category: "Slow Disk I/O",
			Description: fmt.Sprintf("%s of %d bytes on device %d:%d took %.3f ms (issued by %s)",
				io.Type(), io.Length(), dev.device, dev.minor, io.Duration(), io.Process()),
			Impact: spanShare(io.Duration()),
		})
	}
	for dev, depth := range deepest {
		if depth < queueDepthHigh {
			continue
		}
		issues = append(issues, PerformanceIssue{
			Severity:    SeverityMedium,
			Category:    "Deep I/O Queue",
			Description: fmt.Sprintf("Device %d:%d reached a queue depth of %d requests", dev.device, dev.minor, depth),
		})
	}

	sort.SliceStable(issues, func(i, j int) bool {
		if issues[i].Impact != issues[j].Impact {
			return issues[i].Impact > issues[j].Impact
		}
		return issues[i].Description < issues[j].Description
	})
	return issues
}
