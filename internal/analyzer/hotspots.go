package analyzer

import (
	"fmt"
	"sort"
	"strings"

	"perftrace-mcp/internal/perf"
	"perftrace-mcp/internal/stacks"
)

// Hotspot is a function that accounts for a significant share of sampled CPU time.
type Hotspot struct {
	Function    string
	Module      string
	TotalWeight float64 // milliseconds of sampled CPU time
	SampleCount int
	Percentage  float64 // share of total sample weight
}

type stackWeight struct {
	weight float64
	count  int
}

// weightByStack folds sample weights onto their unique stacks so each stack is
// walked once no matter how many samples share it.
func weightByStack(a *Analysis) (map[stacks.Handle]*stackWeight, float64) {
	byStack := make(map[stacks.Handle]*stackWeight)
	total := 0.0
	for _, s := range a.Samples {
		sw, ok := byStack[s.Stack]
		if !ok {
			sw = &stackWeight{}
			byStack[s.Stack] = sw
		}
		sw.weight += s.Weight
		sw.count++
		total += s.Weight
	}
	return byStack, total
}

// Hotspots ranks functions by inclusive sample weight. A function is counted
// once per stack even when it recurses. topN <= 0 returns everything.
func Hotspots(a *Analysis, topN int) []Hotspot {
	byStack, total := weightByStack(a)
	hotspots := make(map[string]*Hotspot)

	for h, sw := range byStack {
		seen := make(map[string]bool)
		for _, f := range a.Stacks.Frames(h) {
			name := f.DisplayName()
			if seen[name] {
				continue
			}
			seen[name] = true
			addHotspot(hotspots, f, sw)
		}
	}
	return rankHotspots(hotspots, total, topN)
}

// LeafFunctions ranks the functions samples landed in, where CPU work actually happens.
func LeafFunctions(a *Analysis, topN int) []Hotspot {
	byStack, total := weightByStack(a)
	hotspots := make(map[string]*Hotspot)

	for h, sw := range byStack {
		if h == stacks.Root {
			continue
		}
		if f, ok := a.Stacks.Frame(h); ok {
			addHotspot(hotspots, f, sw)
		}
	}
	return rankHotspots(hotspots, total, topN)
}

// ModuleWeights sums sample weight per module, once per stack.
func ModuleWeights(a *Analysis) map[string]float64 {
	byStack, _ := weightByStack(a)
	modules := make(map[string]float64)

	for h, sw := range byStack {
		seen := make(map[string]bool)
		for _, f := range a.Stacks.Frames(h) {
			module := f.Module
			if module == "" || module == "unknown" {
				module = "[unknown]"
			}
			if seen[module] {
				continue
			}
			seen[module] = true
			modules[module] += sw.weight
		}
	}
	return modules
}

// CategoryWeights sums sample weight per sample category.
func CategoryWeights(a *Analysis) map[Category]float64 {
	out := make(map[Category]float64)
	for _, s := range a.Samples {
		out[s.Category] += s.Weight
	}
	return out
}

func addHotspot(hotspots map[string]*Hotspot, f perf.Frame, sw *stackWeight) {
	name := f.DisplayName()
	hs, ok := hotspots[name]
	if !ok {
		hs = &Hotspot{Function: f.Symbol, Module: f.Module}
		hotspots[name] = hs
	}
	hs.TotalWeight += sw.weight
	hs.SampleCount += sw.count
}

func rankHotspots(hotspots map[string]*Hotspot, total float64, topN int) []Hotspot {
	out := make([]Hotspot, 0, len(hotspots))
	for _, hs := range hotspots {
		if total > 0 {
			hs.Percentage = hs.TotalWeight / total * 100.0
		}
		out = append(out, *hs)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalWeight != out[j].TotalWeight {
			return out[i].TotalWeight > out[j].TotalWeight
		}
		return out[i].Module+"!"+out[i].Function < out[j].Module+"!"+out[j].Function
	})

	if topN > 0 && topN < len(out) {
		return out[:topN]
	}
	return out
}

// FormatHotspot returns a human-readable rendering of a hotspot.
func FormatHotspot(hs Hotspot, rank int) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("#%d: %s!%s\n", rank, hs.Module, hs.Function))
	sb.WriteString(fmt.Sprintf("    CPU time: %.3f ms (%.2f%%)\n", hs.TotalWeight, hs.Percentage))
	sb.WriteString(fmt.Sprintf("    Samples: %d\n", hs.SampleCount))
	return sb.String()
}

// CallChainNode is one function in the caller-to-callee tree built by
// AnalyzeCallChains.
type CallChainNode struct {
	Function    string
	Module      string
	TotalWeight float64 // milliseconds of sampled CPU time through this node
	SampleCount int
	Children    []*CallChainNode
}

// AnalyzeCallChains merges sample stacks into trees keyed by their outermost
// caller. depth limits how many frames from the root are followed; 0 means all.
func AnalyzeCallChains(a *Analysis, depth int) map[string]*CallChainNode {
	byStack, _ := weightByStack(a)
	roots := make(map[string]*CallChainNode)

	for h, sw := range byStack {
		frames := a.Stacks.Frames(h)
		if len(frames) == 0 {
			continue
		}
		if depth > 0 && depth < len(frames) {
			frames = frames[:depth]
		}

		var cur *CallChainNode
		for i, f := range frames {
			var next *CallChainNode
			if i == 0 {
				next = roots[f.DisplayName()]
				if next == nil {
					next = &CallChainNode{Function: f.Symbol, Module: f.Module}
					roots[f.DisplayName()] = next
				}
			} else {
				for _, child := range cur.Children {
					if child.Module == f.Module && child.Function == f.Symbol {
						next = child
						break
					}
				}
				if next == nil {
					next = &CallChainNode{Function: f.Symbol, Module: f.Module}
					cur.Children = append(cur.Children, next)
				}
			}
			next.TotalWeight += sw.weight
			next.SampleCount += sw.count
			cur = next
		}
	}
	return roots
}
