// Package analyzer derives context-switch intervals, disk I/O lifetimes and
// CPU sample weights from a parsed perf trace.
//
// Every correlator walks events strictly in trace order; the order is what
// lets later events finalize records opened by earlier ones. One Analysis owns
// its stack cache and correlator state, so separate files can be analyzed in
// parallel but a single file never is.
package analyzer

import (
	"context"
	"fmt"
	"slices"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"perftrace-mcp/internal/perf"
	"perftrace-mcp/internal/stacks"
)

// cancelCheckInterval is how many events are annotated between context checks.
const cancelCheckInterval = 4096

// Options tunes which events feed the sample and context-switch analyses.
type Options struct {
	// SampleEvents are the event names treated as CPU samples.
	SampleEvents []string
	// ContextSwitchEvents are sample event names that mark a raw context switch.
	ContextSwitchEvents []string
	// Parallelism bounds how many files AnalyzeFiles processes at once.
	Parallelism int
	Logger      logr.Logger
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		SampleEvents:        []string{"cpu-clock"},
		ContextSwitchEvents: []string{"context-switches", "cs"},
		Parallelism:         4,
		Logger:              logr.Discard(),
	}
}

// Event is a trace event annotated with its deduplicated stack.
type Event struct {
	*perf.Event
	Stack stacks.Handle
}

// Analysis bundles the derived records of one trace.
type Analysis struct {
	Trace           *perf.Trace
	Stacks          *stacks.Cache
	Events          []Event
	Samples         []Sample
	ContextSwitches []ContextSwitch
	DiskIOs         []*DiskIO
}

// Annotate resolves every event's frames through a fresh stack cache.
func Annotate(ctx context.Context, tr *perf.Trace) ([]Event, *stacks.Cache, error) {
	cache := stacks.NewCache()
	events := make([]Event, len(tr.Events))
	for i := range tr.Events {
		if i%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
		}
		events[i] = Event{
			Event: &tr.Events[i],
			Stack: cache.Lookup(tr.Events[i].Frames),
		}
	}
	return events, cache, nil
}

// Analyze runs every correlator over tr. On cancellation the partial output is
// discarded and ctx.Err() is returned.
func Analyze(ctx context.Context, tr *perf.Trace, opts Options) (*Analysis, error) {
	log := opts.Logger

	events, cache, err := Annotate(ctx, tr)
	if err != nil {
		return nil, err
	}
	log.V(1).Info("annotated events", "path", tr.Path, "events", len(events), "stackNodes", cache.Len())

	a := &Analysis{
		Trace:  tr,
		Stacks: cache,
		Events: events,
	}

	a.Samples = BuildSamples(cache, SelectSamples(events, opts.SampleEvents))
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.ContextSwitches = CorrelateContextSwitches(events, tr.FirstTimestamp(), tr.LastTimestamp(), opts.ContextSwitchEvents)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.DiskIOs = CorrelateDiskIO(events)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	log.V(1).Info("analysis complete", "path", tr.Path,
		"samples", len(a.Samples), "contextSwitches", len(a.ContextSwitches), "diskIOs", len(a.DiskIOs))
	return a, nil
}

// AnalyzeFile loads and analyzes a single trace file.
func AnalyzeFile(ctx context.Context, path string, opts Options) (*Analysis, error) {
	tr, err := perf.Load(path, opts.Logger)
	if err != nil {
		return nil, err
	}
	return Analyze(ctx, tr, opts)
}

// AnalyzeFiles analyzes independent trace files concurrently. Results are
// returned in the order of paths. The first failure cancels the rest.
func AnalyzeFiles(ctx context.Context, paths []string, opts Options) ([]*Analysis, error) {
	results := make([]*Analysis, len(paths))

	g, ctx := errgroup.WithContext(ctx)
	if opts.Parallelism > 0 {
		g.SetLimit(opts.Parallelism)
	}
	for i, path := range paths {
		g.Go(func() error {
			a, err := AnalyzeFile(ctx, path, opts)
			if err != nil {
				return fmt.Errorf("failed to analyze %s: %w", path, err)
			}
			results[i] = a
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func containsName(names []string, name string) bool {
	return slices.Contains(names, name)
}
