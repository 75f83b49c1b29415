package main

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"perftrace-mcp/internal/analyzer"
	"perftrace-mcp/internal/perf"
	"perftrace-mcp/internal/stacks"
)

const rule = "═══════════════════════════════════════════════════\n\n"

func formatLoaded(path string, a *analyzer.Analysis) string {
	return fmt.Sprintf(`Trace loaded successfully!

File: %s
Start: %s
Duration: %s
Events: %s
Unique stacks: %s
CPU samples: %s
Context switches: %s
Disk I/Os: %s

Use other tools to analyze this trace.
`,
		path,
		a.Trace.StartTime.Format(time.RFC3339),
		a.Trace.Duration(),
		humanize.Comma(int64(len(a.Events))),
		humanize.Comma(int64(a.Stacks.Leaves())),
		humanize.Comma(int64(len(a.Samples))),
		humanize.Comma(int64(len(a.ContextSwitches))),
		humanize.Comma(int64(len(a.DiskIOs))),
	)
}

func formatStatistics(st analyzer.TraceStatistics) string {
	var sb strings.Builder
	sb.WriteString("TRACE STATISTICS\n")
	sb.WriteString(rule)

	sb.WriteString(fmt.Sprintf("Start: %s\n", st.StartTime.Format(time.RFC3339)))
	sb.WriteString(fmt.Sprintf("Duration: %s\n", st.Duration))
	sb.WriteString(fmt.Sprintf("Events: %s on %d CPUs\n", humanize.Comma(int64(st.Events)), st.CPUs))
	if st.Degraded > 0 {
		sb.WriteString(fmt.Sprintf("Events with undecodable payloads: %d\n", st.Degraded))
	}

	kinds := make([]perf.EventKind, 0, len(st.ByKind))
	for k := range st.ByKind {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	for _, k := range kinds {
		sb.WriteString(fmt.Sprintf("  %s: %s\n", k, humanize.Comma(int64(st.ByKind[k]))))
	}

	sb.WriteString("\nCall Stacks:\n")
	sb.WriteString(fmt.Sprintf("  Unique: %s (%s trie nodes)\n", humanize.Comma(int64(st.UniqueStacks)), humanize.Comma(int64(st.StackNodes))))
	sb.WriteString(fmt.Sprintf("  Depth: avg %.2f, max %d, min %d\n", st.AverageStackDepth, st.MaxStackDepth, st.MinStackDepth))

	sb.WriteString("\nCPU Samples:\n")
	sb.WriteString(fmt.Sprintf("  Count: %s\n", humanize.Comma(int64(st.Samples))))
	sb.WriteString(fmt.Sprintf("  Total weight: %.3f ms\n", st.TotalSampleWeight))

	sb.WriteString("\nContext Switches:\n")
	sb.WriteString(fmt.Sprintf("  Count: %s (%s idle)\n", humanize.Comma(int64(st.ContextSwitches)), humanize.Comma(int64(st.IdleSwitches))))
	sb.WriteString(fmt.Sprintf("  Wait: %.3f ms  Ready: %.3f ms  Run: %.3f ms\n", st.TotalWait, st.TotalReady, st.TotalRun))

	sb.WriteString("\nDisk I/O:\n")
	sb.WriteString(fmt.Sprintf("  Count: %s\n", humanize.Comma(int64(st.DiskIOs))))
	sb.WriteString(fmt.Sprintf("  Matched: %d  Issue only: %d  Completion only: %d\n", st.MatchedIOs, st.IssueOnly, st.CompleteOnly))
	sb.WriteString(fmt.Sprintf("  Max queue depth: %d\n", st.MaxQueueDepth))
	return sb.String()
}

func formatModules(modules map[string]float64, categories map[analyzer.Category]float64) string {
	type moduleTime struct {
		Module     string
		Time       float64
		Percentage float64
	}

	total := 0.0
	for _, c := range categories {
		total += c
	}

	list := make([]moduleTime, 0, len(modules))
	for module, t := range modules {
		pct := 0.0
		if total > 0 {
			pct = t / total * 100.0
		}
		list = append(list, moduleTime{Module: module, Time: t, Percentage: pct})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Time != list[j].Time {
			return list[i].Time > list[j].Time
		}
		return list[i].Module < list[j].Module
	})

	var sb strings.Builder
	sb.WriteString("MODULE CPU TIME\n")
	sb.WriteString(rule)
	for i, m := range list {
		sb.WriteString(fmt.Sprintf("%d. %s\n", i+1, m.Module))
		sb.WriteString(fmt.Sprintf("   Time: %.3f ms (%.2f%%)\n", m.Time, m.Percentage))
		bar := min(int(m.Percentage/2), 50)
		sb.WriteString("   ")
		sb.WriteString(strings.Repeat("█", bar))
		sb.WriteString("\n\n")
	}

	sb.WriteString("By category:\n")
	for _, c := range []analyzer.Category{analyzer.CategoryRegular, analyzer.CategoryISR, analyzer.CategoryIdle} {
		sb.WriteString(fmt.Sprintf("  %s: %.3f ms\n", c, categories[c]))
	}
	return sb.String()
}

func formatContextSwitches(a *analyzer.Analysis, sortBy string, topN, tid int) string {
	idx := make([]int, 0, len(a.ContextSwitches))
	for i, cs := range a.ContextSwitches {
		if tid != -2 && cs.NewThreadID != tid {
			continue
		}
		idx = append(idx, i)
	}

	key := func(cs *analyzer.ContextSwitch) float64 {
		switch sortBy {
		case "ready":
			return cs.ReadyDuration
		case "run":
			return cs.RunDuration
		case "time":
			return -cs.SwapIn
		default:
			return cs.WaitDuration
		}
	}
	sort.SliceStable(idx, func(i, j int) bool {
		return key(&a.ContextSwitches[idx[i]]) > key(&a.ContextSwitches[idx[j]])
	})
	if topN > 0 && topN < len(idx) {
		idx = idx[:topN]
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("CONTEXT SWITCHES (by %s)\n", sortBy))
	sb.WriteString(rule)
	if len(idx) == 0 {
		sb.WriteString("No context switches found.\n")
	}
	for _, i := range idx {
		cs := &a.ContextSwitches[i]
		sb.WriteString(fmt.Sprintf("[%d] CPU %d swap-in at %.3f ms: %s tid %d\n", i, cs.CPU, cs.SwapIn, cs.NewProcess, cs.NewThreadID))
		sb.WriteString(fmt.Sprintf("    Wait: %.3f ms  Ready: %.3f ms  Run: %.3f ms\n", cs.WaitDuration, cs.ReadyDuration, cs.RunDuration))
		if cs.ReadyThreadID != -1 {
			sb.WriteString(fmt.Sprintf("    Readied by %s tid %d at %.3f ms\n", cs.ReadyProcess, cs.ReadyThreadID, cs.Ready))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func formatDiskIO(a *analyzer.Analysis, topN int) string {
	ios := make([]int, len(a.DiskIOs))
	for i := range ios {
		ios[i] = i
	}
	sort.SliceStable(ios, func(i, j int) bool {
		return a.DiskIOs[ios[i]].Duration() > a.DiskIOs[ios[j]].Duration()
	})
	if topN > 0 && topN < len(ios) {
		ios = ios[:topN]
	}

	var sb strings.Builder
	sb.WriteString("DISK I/O (slowest first)\n")
	sb.WriteString(rule)
	if len(ios) == 0 {
		sb.WriteString("No block I/O found.\n")
	}
	for _, i := range ios {
		io := a.DiskIOs[i]
		state := "complete"
		switch {
		case io.Issue == nil:
			state = "completion only"
		case io.Complete == nil:
			state = "issue only"
		}
		sb.WriteString(fmt.Sprintf("[%d] %d:%d %s %s at offset %s (%s)\n", i, io.Device(), io.DeviceMinor(),
			io.Type(), humanize.IBytes(uint64(io.Length())), humanize.IBytes(io.Offset()), state))
		sb.WriteString(fmt.Sprintf("    Process: %s  Start: %.3f ms  Duration: %.3f ms\n", io.Process(), io.StartTime()-a.Trace.FirstTimestamp(), io.Duration()))
		if io.Matched() {
			sb.WriteString(fmt.Sprintf("    Queue depth: %d at issue, %d at completion\n", io.IssueQueueDepth, io.CompleteQueueDepth))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func recordStack(a *analyzer.Analysis, record string, idx int) ([]string, error) {
	var n int
	switch record {
	case "sample":
		n = len(a.Samples)
	case "context_switch_prev", "context_switch_ready":
		n = len(a.ContextSwitches)
	case "disk_io":
		n = len(a.DiskIOs)
	default:
		return nil, fmt.Errorf("unknown record type %q", record)
	}
	if idx < 0 || idx >= n {
		return nil, fmt.Errorf("invalid index, valid range: 0-%d", n-1)
	}

	h := stacks.None
	switch record {
	case "sample":
		h = a.Samples[idx].Stack
	case "context_switch_prev":
		h = a.ContextSwitches[idx].PrevSwapOutStack
	case "context_switch_ready":
		h = a.ContextSwitches[idx].ReadyStack
	case "disk_io":
		switch io := a.DiskIOs[idx]; {
		case io.Issue != nil:
			h = io.Issue.Stack
		case io.Complete != nil:
			h = io.Complete.Stack
		}
	}
	return a.Stacks.Names(h), nil
}

func formatStack(record string, idx int, names []string) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("CALLSTACK for %s #%d\n", record, idx))
	sb.WriteString(rule)
	if len(names) == 0 {
		sb.WriteString("No stack recorded.\n")
		return sb.String()
	}
	sb.WriteString(fmt.Sprintf("Stack Depth: %d frames (root to leaf)\n\n", len(names)))
	for i, name := range names {
		sb.WriteString(fmt.Sprintf("%d. %s\n", i, name))
	}
	return sb.String()
}

func formatIssues(issues []analyzer.PerformanceIssue) string {
	var sb strings.Builder
	sb.WriteString("AUTOMATED PERFORMANCE ISSUE DETECTION\n")
	sb.WriteString(rule)

	if len(issues) == 0 {
		sb.WriteString("No significant performance issues detected!\n")
		return sb.String()
	}

	bySeverity := make(map[analyzer.Severity][]analyzer.PerformanceIssue)
	for _, issue := range issues {
		bySeverity[issue.Severity] = append(bySeverity[issue.Severity], issue)
	}

	sections := []struct {
		severity analyzer.Severity
		title    string
	}{
		{analyzer.SeverityCritical, "CRITICAL ISSUES"},
		{analyzer.SeverityHigh, "HIGH PRIORITY ISSUES"},
		{analyzer.SeverityMedium, "MEDIUM PRIORITY ISSUES"},
		{analyzer.SeverityLow, "LOW PRIORITY ISSUES"},
	}
	for _, sec := range sections {
		list := bySeverity[sec.severity]
		if len(list) == 0 {
			continue
		}
		sb.WriteString(sec.title + ":\n\n")
		for i, issue := range list {
			sb.WriteString(fmt.Sprintf("%d. [%s] %s\n", i+1, issue.Category, issue.Description))
			if issue.Function != "" {
				sb.WriteString(fmt.Sprintf("   Function: %s!%s\n", issue.Module, issue.Function))
			}
			if issue.Impact > 0 {
				sb.WriteString(fmt.Sprintf("   Impact: %.2f%%\n", issue.Impact))
			}
			sb.WriteString("\n")
		}
	}

	sb.WriteString("SUMMARY:\n")
	for _, sec := range sections {
		sb.WriteString(fmt.Sprintf("   %s: %d\n", sec.severity, len(bySeverity[sec.severity])))
	}
	return sb.String()
}

func formatPatterns(patterns []analyzer.CallstackPattern) string {
	var sb strings.Builder
	sb.WriteString("COMMON CALLSTACK PATTERNS\n")
	sb.WriteString(rule)
	if len(patterns) == 0 {
		sb.WriteString("No CPU samples found.\n")
	}
	for i, p := range patterns {
		sb.WriteString(fmt.Sprintf("#%d: %.3f ms (%.2f%%), %s samples\n", i+1, p.TotalWeight, p.Percentage, humanize.Comma(int64(p.Occurrences))))
		for depth, name := range p.Frames {
			sb.WriteString(fmt.Sprintf("    %s%s\n", strings.Repeat("  ", depth), name))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func formatFrequencies(freqs []analyzer.FunctionCallFrequency, topN int) string {
	if topN > 0 && topN < len(freqs) {
		freqs = freqs[:topN]
	}

	var sb strings.Builder
	sb.WriteString("FUNCTION FREQUENCIES\n")
	sb.WriteString(rule)
	if len(freqs) == 0 {
		sb.WriteString("No CPU samples found.\n")
	}
	for i, f := range freqs {
		sb.WriteString(fmt.Sprintf("%d. %s!%s\n", i+1, f.Module, f.Function))
		sb.WriteString(fmt.Sprintf("   On %s sampled stacks (%.2f%%)\n", humanize.Comma(int64(f.Count)), f.Percentage))
	}
	return sb.String()
}

func formatCallChains(roots map[string]*analyzer.CallChainNode, total, minPct float64) string {
	var sb strings.Builder
	sb.WriteString("CALL CHAINS\n")
	sb.WriteString(rule)
	if len(roots) == 0 {
		sb.WriteString("No CPU samples found.\n")
		return sb.String()
	}

	list := make([]*analyzer.CallChainNode, 0, len(roots))
	for _, n := range roots {
		list = append(list, n)
	}
	writeCallChains(&sb, list, 0, total, minPct)
	return sb.String()
}

func writeCallChains(sb *strings.Builder, nodes []*analyzer.CallChainNode, level int, total, minPct float64) {
	nodes = slices.Clone(nodes)
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].TotalWeight != nodes[j].TotalWeight {
			return nodes[i].TotalWeight > nodes[j].TotalWeight
		}
		return nodes[i].Module+"!"+nodes[i].Function < nodes[j].Module+"!"+nodes[j].Function
	})
	for _, n := range nodes {
		pct := 0.0
		if total > 0 {
			pct = n.TotalWeight / total * 100.0
		}
		if pct < minPct {
			continue
		}
		sb.WriteString(fmt.Sprintf("%s%s!%s  %.3f ms (%.2f%%)\n", strings.Repeat("  ", level), n.Module, n.Function, n.TotalWeight, pct))
		writeCallChains(sb, n.Children, level+1, total, minPct)
	}
}
