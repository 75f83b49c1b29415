package analyzer

import (
	"fmt"
	"io"

	"github.com/google/pprof/profile"

	"perftrace-mcp/internal/perf"
	"perftrace-mcp/internal/stacks"
)

// ExportProfile converts the weighted CPU samples of a into a pprof profile.
// Each sample carries a count of 1 and its weight in nanoseconds.
func ExportProfile(a *Analysis) (*profile.Profile, error) {
	prof := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "samples", Unit: "count"},
			{Type: "cpu", Unit: "nanoseconds"},
		},
		PeriodType:    &profile.ValueType{Type: "cpu", Unit: "nanoseconds"},
		TimeNanos:     a.Trace.StartTime.UnixNano(),
		DurationNanos: a.Trace.Duration().Nanoseconds(),
	}

	mappings := make(map[string]*profile.Mapping)
	functions := make(map[string]*profile.Function)
	// Stack nodes are unique per (address, module, symbol) path, so one
	// location per node is enough.
	locations := make(map[stacks.Handle]*profile.Location)

	getMapping := func(module string) *profile.Mapping {
		if m, ok := mappings[module]; ok {
			return m
		}
		m := &profile.Mapping{
			ID:   uint64(len(prof.Mapping) + 1),
			File: module,
		}
		prof.Mapping = append(prof.Mapping, m)
		mappings[module] = m
		return m
	}

	getFunction := func(f perf.Frame) *profile.Function {
		name := f.DisplayName()
		if fn, ok := functions[name]; ok {
			return fn
		}
		fn := &profile.Function{
			ID:         uint64(len(prof.Function) + 1),
			Name:       f.Symbol,
			SystemName: f.Symbol,
			Filename:   f.Module,
		}
		prof.Function = append(prof.Function, fn)
		functions[name] = fn
		return fn
	}

	getLocation := func(h stacks.Handle) *profile.Location {
		if loc, ok := locations[h]; ok {
			return loc
		}
		f, _ := a.Stacks.Frame(h)
		loc := &profile.Location{
			ID:      uint64(len(prof.Location) + 1),
			Mapping: getMapping(f.Module),
			Address: f.Address,
			Line:    []profile.Line{{Function: getFunction(f)}},
		}
		prof.Location = append(prof.Location, loc)
		locations[h] = loc
		return loc
	}

	for _, s := range a.Samples {
		var locs []*profile.Location
		for h := s.Stack; h != stacks.Root && h != stacks.None; h = a.Stacks.Parent(h) {
			locs = append(locs, getLocation(h))
		}

		prof.Sample = append(prof.Sample, &profile.Sample{
			Location: locs,
			Value:    []int64{1, perf.MillisToDuration(s.Weight).Nanoseconds()},
			Label: map[string][]string{
				"process":  {s.Process()},
				"category": {string(s.Category)},
			},
			NumLabel: map[string][]int64{
				"tid": {int64(s.ThreadID)},
				"cpu": {int64(s.CPU)},
			},
		})
	}

	if err := prof.CheckValid(); err != nil {
		return nil, fmt.Errorf("invalid profile: %w", err)
	}
	return prof, nil
}

// WriteProfile writes a's samples as a gzipped pprof profile.
func WriteProfile(a *Analysis, w io.Writer) error {
	prof, err := ExportProfile(a)
	if err != nil {
		return err
	}
	if err := prof.Write(w); err != nil {
		return fmt.Errorf("failed to write profile: %w", err)
	}
	return nil
}
