package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"perftrace-mcp/internal/analyzer"
	"perftrace-mcp/internal/config"
)

// traceCache holds analyses by trace path. Each analysis is read-only once stored.
type traceCache struct {
	mu       sync.RWMutex
	analyses map[string]*analyzer.Analysis
}

func (c *traceCache) get(path string) (*analyzer.Analysis, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.analyses[path]
	return a, ok
}

func (c *traceCache) put(path string, a *analyzer.Analysis) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.analyses[path] = a
}

var configPath string

func init() {
	flag.StringVar(&configPath, "config", "", "Path to YAML configuration file")
}

func main() {
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	zc, err := cfg.Log.ZapConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error configuring logging: %v\n", err)
		os.Exit(1)
	}
	zapLog, err := zc.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLog.Sync()
	logger := zapr.NewLogger(zapLog)

	opts := cfg.Analysis.AnalyzerOptions()
	opts.Logger = logger.WithName("analyzer")

	s := server.NewMCPServer(
		cfg.Server.Name,
		cfg.Server.Version,
		server.WithLogging(),
	)
	registerTools(s, &traceCache{analyses: make(map[string]*analyzer.Analysis)}, opts, logger)

	logger.Info("serving MCP over stdio", "name", cfg.Server.Name, "version", cfg.Server.Version)
	if err := server.ServeStdio(s); err != nil {
		logger.Error(err, "server error")
		_ = zapLog.Sync()
		os.Exit(1)
	}
}

func registerTools(s *server.MCPServer, cache *traceCache, opts analyzer.Options, logger logr.Logger) {
	lookup := func(request mcp.CallToolRequest) (*analyzer.Analysis, *mcp.CallToolResult) {
		filePath, err := request.RequireString("file_path")
		if err != nil {
			return nil, mcp.NewToolResultError(err.Error())
		}
		a, ok := cache.get(filePath)
		if !ok {
			return nil, mcp.NewToolResultError("Trace not loaded. Use load_trace tool first")
		}
		return a, nil
	}

	// Tool 1: Load Trace
	loadTraceTool := mcp.NewTool("load_trace",
		mcp.WithDescription("Load a Linux perf script text trace (optionally .zst compressed) and correlate its context switches, disk I/O and CPU samples"),
		mcp.WithString("file_path",
			mcp.Required(),
			mcp.Description("Absolute path to the perf script output file"),
		),
	)

	s.AddTool(loadTraceTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		filePath, err := request.RequireString("file_path")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		a, err := analyzer.AnalyzeFile(ctx, filePath, opts)
		if err != nil {
			logger.Error(err, "failed to load trace", "path", filePath)
			return mcp.NewToolResultError(fmt.Sprintf("Failed to load trace: %v", err)), nil
		}
		cache.put(filePath, a)

		return mcp.NewToolResultText(formatLoaded(filePath, a)), nil
	})

	// Tool 2: Load several traces at once
	loadTracesTool := mcp.NewTool("load_traces",
		mcp.WithDescription("Load several independent perf script traces in parallel"),
		mcp.WithString("file_paths",
			mcp.Required(),
			mcp.Description("Comma-separated absolute paths to perf script output files"),
		),
	)

	s.AddTool(loadTracesTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		list, err := request.RequireString("file_paths")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		var paths []string
		for _, p := range strings.Split(list, ",") {
			if p = strings.TrimSpace(p); p != "" {
				paths = append(paths, p)
			}
		}
		if len(paths) == 0 {
			return mcp.NewToolResultError("No file paths given"), nil
		}

		analyses, err := analyzer.AnalyzeFiles(ctx, paths, opts)
		if err != nil {
			logger.Error(err, "failed to load traces", "paths", paths)
			return mcp.NewToolResultError(fmt.Sprintf("Failed to load traces: %v", err)), nil
		}

		var sb strings.Builder
		for i, a := range analyses {
			cache.put(paths[i], a)
			sb.WriteString(formatLoaded(paths[i], a))
			sb.WriteString("\n")
		}
		return mcp.NewToolResultText(sb.String()), nil
	})

	// Tool 3: Statistics
	statisticsTool := mcp.NewTool("trace_statistics",
		mcp.WithDescription("Get statistics about a loaded trace: event counts, stacks, context-switch totals and disk I/O matching"),
		mcp.WithString("file_path",
			mcp.Required(),
			mcp.Description("Path to the loaded trace file"),
		),
	)

	s.AddTool(statisticsTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		a, errResult := lookup(request)
		if errResult != nil {
			return errResult, nil
		}
		return mcp.NewToolResultText(formatStatistics(analyzer.ComputeStatistics(a))), nil
	})

	// Tool 4: CPU Hotspots
	hotspotsTool := mcp.NewTool("cpu_hotspots",
		mcp.WithDescription("Find the functions with the most sampled CPU time, weighted by the estimated duration of each sample"),
		mcp.WithString("file_path",
			mcp.Required(),
			mcp.Description("Path to the loaded trace file"),
		),
		mcp.WithNumber("top_n",
			mcp.Description("Number of functions to return (default: 10)"),
		),
		mcp.WithBoolean("leaf_only",
			mcp.Description("Only count the function each sample landed in (default: false)"),
		),
	)

	s.AddTool(hotspotsTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		a, errResult := lookup(request)
		if errResult != nil {
			return errResult, nil
		}

		topN := int(request.GetFloat("top_n", 10))
		var hotspots []analyzer.Hotspot
		if request.GetBool("leaf_only", false) {
			hotspots = analyzer.LeafFunctions(a, topN)
		} else {
			hotspots = analyzer.Hotspots(a, topN)
		}

		var sb strings.Builder
		sb.WriteString("CPU HOTSPOTS\n")
		sb.WriteString(rule)
		if len(hotspots) == 0 {
			sb.WriteString("No CPU samples found.\n")
		}
		for i, hs := range hotspots {
			sb.WriteString(analyzer.FormatHotspot(hs, i+1))
			sb.WriteString("\n")
		}
		return mcp.NewToolResultText(sb.String()), nil
	})

	// Tool 5: Modules
	modulesTool := mcp.NewTool("analyze_modules",
		mcp.WithDescription("Sampled CPU time per module and per sample category (regular, ISR, idle)"),
		mcp.WithString("file_path",
			mcp.Required(),
			mcp.Description("Path to the loaded trace file"),
		),
	)

	s.AddTool(modulesTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		a, errResult := lookup(request)
		if errResult != nil {
			return errResult, nil
		}
		return mcp.NewToolResultText(formatModules(analyzer.ModuleWeights(a), analyzer.CategoryWeights(a))), nil
	})

	// Tool 6: Detect Performance Issues
	detectIssuesTool := mcp.NewTool("detect_performance_issues",
		mcp.WithDescription("Detect likely performance problems with heuristics over CPU samples, scheduling latency and disk I/O. A good starting point for analysis."),
		mcp.WithString("file_path",
			mcp.Required(),
			mcp.Description("Path to the loaded trace file"),
		),
	)

	s.AddTool(detectIssuesTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		a, errResult := lookup(request)
		if errResult != nil {
			return errResult, nil
		}
		return mcp.NewToolResultText(formatIssues(analyzer.DetectPerformanceIssues(a))), nil
	})

	// Tool 7: Callstack Patterns
	patternsTool := mcp.NewTool("callstack_patterns",
		mcp.WithDescription("Group CPU samples by their outermost frames to find the code paths that dominate CPU time"),
		mcp.WithString("file_path",
			mcp.Required(),
			mcp.Description("Path to the loaded trace file"),
		),
		mcp.WithNumber("depth",
			mcp.Description("Number of frames from the root to group by, 0 for whole stacks (default: 5)"),
		),
		mcp.WithNumber("top_n",
			mcp.Description("Number of patterns to return (default: 10)"),
		),
	)

	s.AddTool(patternsTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		a, errResult := lookup(request)
		if errResult != nil {
			return errResult, nil
		}
		depth := int(request.GetFloat("depth", 5))
		topN := int(request.GetFloat("top_n", 10))
		return mcp.NewToolResultText(formatPatterns(analyzer.FindCommonCallstackPatterns(a, depth, topN))), nil
	})

	// Tool 8: Function Frequencies
	frequenciesTool := mcp.NewTool("function_frequencies",
		mcp.WithDescription("Functions ranked by the share of CPU samples whose stack contains them"),
		mcp.WithString("file_path",
			mcp.Required(),
			mcp.Description("Path to the loaded trace file"),
		),
		mcp.WithNumber("top_n",
			mcp.Description("Number of functions to return (default: 20)"),
		),
	)

	s.AddTool(frequenciesTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		a, errResult := lookup(request)
		if errResult != nil {
			return errResult, nil
		}
		topN := int(request.GetFloat("top_n", 20))
		return mcp.NewToolResultText(formatFrequencies(analyzer.GetFunctionCallFrequencies(a), topN)), nil
	})

	// Tool 9: Call Chains
	callChainsTool := mcp.NewTool("call_chains",
		mcp.WithDescription("Caller-to-callee tree of sampled CPU time, heaviest branches first"),
		mcp.WithString("file_path",
			mcp.Required(),
			mcp.Description("Path to the loaded trace file"),
		),
		mcp.WithNumber("depth",
			mcp.Description("Maximum tree depth, 0 for unlimited (default: 6)"),
		),
		mcp.WithNumber("min_percentage",
			mcp.Description("Hide branches below this share of sampled CPU time (default: 1)"),
		),
	)

	s.AddTool(callChainsTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		a, errResult := lookup(request)
		if errResult != nil {
			return errResult, nil
		}
		depth := int(request.GetFloat("depth", 6))
		minPct := request.GetFloat("min_percentage", 1)
		total := analyzer.ComputeStatistics(a).TotalSampleWeight
		return mcp.NewToolResultText(formatCallChains(analyzer.AnalyzeCallChains(a, depth), total, minPct)), nil
	})

	// Tool 10: Context Switches
	contextSwitchesTool := mcp.NewTool("context_switches",
		mcp.WithDescription("List context switches with their wait, ready and run durations"),
		mcp.WithString("file_path",
			mcp.Required(),
			mcp.Description("Path to the loaded trace file"),
		),
		mcp.WithString("sort_by",
			mcp.Description("Duration to rank by (default: wait)"),
			mcp.Enum("wait", "ready", "run", "time"),
		),
		mcp.WithNumber("top_n",
			mcp.Description("Number of records to return (default: 20)"),
		),
		mcp.WithNumber("thread_id",
			mcp.Description("Only include records for this new thread id"),
		),
	)

	s.AddTool(contextSwitchesTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		a, errResult := lookup(request)
		if errResult != nil {
			return errResult, nil
		}

		sortBy := request.GetString("sort_by", "wait")
		topN := int(request.GetFloat("top_n", 20))
		tid := int(request.GetFloat("thread_id", -2))

		return mcp.NewToolResultText(formatContextSwitches(a, sortBy, topN, tid)), nil
	})

	// Tool 11: Disk I/O
	diskIOTool := mcp.NewTool("disk_io",
		mcp.WithDescription("List block I/O requests with duration, size and queue depth, slowest first"),
		mcp.WithString("file_path",
			mcp.Required(),
			mcp.Description("Path to the loaded trace file"),
		),
		mcp.WithNumber("top_n",
			mcp.Description("Number of records to return (default: 20)"),
		),
	)

	s.AddTool(diskIOTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		a, errResult := lookup(request)
		if errResult != nil {
			return errResult, nil
		}
		topN := int(request.GetFloat("top_n", 20))
		return mcp.NewToolResultText(formatDiskIO(a, topN)), nil
	})

	// Tool 12: View Stack
	viewStackTool := mcp.NewTool("view_stack",
		mcp.WithDescription("Resolve the call stack attached to a record, root to leaf"),
		mcp.WithString("file_path",
			mcp.Required(),
			mcp.Description("Path to the loaded trace file"),
		),
		mcp.WithString("record",
			mcp.Required(),
			mcp.Description("Record type"),
			mcp.Enum("sample", "context_switch_prev", "context_switch_ready", "disk_io"),
		),
		mcp.WithNumber("index",
			mcp.Required(),
			mcp.Description("Index of the record (0-based, as listed by the other tools)"),
		),
	)

	s.AddTool(viewStackTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		a, errResult := lookup(request)
		if errResult != nil {
			return errResult, nil
		}
		record, err := request.RequireString("record")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		idx, err := request.RequireFloat("index")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		names, err := recordStack(a, record, int(idx))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(formatStack(record, int(idx), names)), nil
	})

	// Tool 13: Export pprof
	exportTool := mcp.NewTool("export_pprof",
		mcp.WithDescription("Write the weighted CPU samples as a gzipped pprof profile"),
		mcp.WithString("file_path",
			mcp.Required(),
			mcp.Description("Path to the loaded trace file"),
		),
		mcp.WithString("output_path",
			mcp.Required(),
			mcp.Description("Where to write the profile"),
		),
	)

	s.AddTool(exportTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		a, errResult := lookup(request)
		if errResult != nil {
			return errResult, nil
		}
		outPath, err := request.RequireString("output_path")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		f, err := os.Create(outPath)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to create %s: %v", outPath, err)), nil
		}
		defer f.Close()

		if err := analyzer.WriteProfile(a, f); err != nil {
			logger.Error(err, "failed to export profile", "path", outPath)
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Wrote %s samples to %s\n", humanize.Comma(int64(len(a.Samples))), outPath)), nil
	})
}
