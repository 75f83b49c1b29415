package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perftrace-mcp/internal/perf"
)

func blockRequest(minor uint32, flags string, sector uint64, nr, length uint32) perf.BlockRequest {
	return perf.BlockRequest{
		Device:       8,
		DeviceMinor:  minor,
		Flags:        flags,
		Sector:       sector,
		SectorLength: nr,
		Length:       length,
	}
}

func issueEvent(ts float64, tid int, req perf.BlockRequest) perf.Event {
	return perf.Event{
		Kind:      perf.KindBlockRequestIssue,
		Timestamp: ts,
		CPU:       1,
		ThreadID:  tid,
		ProcessID: tid,
		Command:   "app",
		EventName: "block:block_rq_issue",
		Payload:   perf.BlockRequestIssue{BlockRequest: req, Comm: "app"},
		Frames:    frames("kernel.kallsyms!submit_bio", "kernel.kallsyms!blk_mq_start_request"),
	}
}

func completeEvent(ts float64, req perf.BlockRequest) perf.Event {
	req.Length = 0
	return perf.Event{
		Kind:      perf.KindBlockRequestComplete,
		Timestamp: ts,
		CPU:       2,
		ThreadID:  0,
		ProcessID: 0,
		Command:   "swapper",
		EventName: "block:block_rq_complete",
		Payload:   perf.BlockRequestComplete{BlockRequest: req},
	}
}

func TestCorrelateDiskIOMatched(t *testing.T) {
	req := blockRequest(0, "WS", 100, 8, 4096)
	events, _ := annotate(t,
		issueEvent(1, 42, req),
		sampleEvent(2, 0, 1, "app!main"),
		completeEvent(4.5, req),
	)

	ios := CorrelateDiskIO(events)
	require.Len(t, ios, 1)

	io := ios[0]
	assert.True(t, io.Matched())
	assert.Same(t, events[0].Event, io.Issue.Event)
	assert.Same(t, events[2].Event, io.Complete.Event)
	assert.Equal(t, 1.0, io.StartTime())
	assert.Equal(t, 4.5, io.EndTime())
	assert.Equal(t, 3.5, io.Duration())
	assert.Equal(t, uint32(8), io.Device())
	assert.Equal(t, uint32(0), io.DeviceMinor())
	assert.Equal(t, uint64(100), io.Sector())
	assert.Equal(t, uint32(8), io.SectorLength())
	assert.Equal(t, uint32(4096), io.Length())
	assert.Equal(t, uint64(100*512), io.Offset())
	assert.Equal(t, IOTypeWrite, io.Type())
	assert.Equal(t, "app (42)", io.Process())
	assert.Equal(t, 42, io.ThreadID())
	assert.Equal(t, 1, io.CPU())
}

func TestCorrelateDiskIOUnmatched(t *testing.T) {
	events, _ := annotate(t,
		completeEvent(1, blockRequest(0, "R", 10, 8, 0)),
		issueEvent(2, 42, blockRequest(0, "R", 20, 8, 4096)),
		// Different minor: does not complete the request above.
		completeEvent(3, blockRequest(1, "R", 20, 8, 0)),
	)

	ios := CorrelateDiskIO(events)
	require.Len(t, ios, 3)

	completeOnly := ios[0]
	assert.Nil(t, completeOnly.Issue)
	assert.False(t, completeOnly.Matched())
	assert.Equal(t, "swapper (0)", completeOnly.Process())
	assert.Equal(t, 1.0, completeOnly.StartTime())
	assert.Zero(t, completeOnly.Duration())
	assert.Zero(t, completeOnly.Length())
	assert.Equal(t, uint64(10*512), completeOnly.Offset())

	issueOnly := ios[1]
	assert.Nil(t, issueOnly.Complete)
	assert.Equal(t, 2.0, issueOnly.EndTime())
	assert.Zero(t, issueOnly.Duration())

	assert.Equal(t, uint32(1), ios[2].DeviceMinor())
	assert.Nil(t, ios[2].Issue)

	for _, io := range ios {
		assert.Zero(t, io.IssueQueueDepth)
		assert.Zero(t, io.CompleteQueueDepth)
	}
}

func TestCorrelateDiskIODuplicateIssue(t *testing.T) {
	req := blockRequest(0, "R", 100, 8, 4096)
	events, _ := annotate(t,
		issueEvent(1, 1, req),
		issueEvent(2, 2, req),
		completeEvent(3, req),
	)

	ios := CorrelateDiskIO(events)
	require.Len(t, ios, 2)
	// The later issue takes over the key and receives the completion.
	assert.False(t, ios[0].Matched())
	assert.True(t, ios[1].Matched())
	assert.Equal(t, 2, ios[1].ThreadID())
}

func TestDiskIOOffset(t *testing.T) {
	tests := []struct {
		name string
		req  perf.BlockRequest
		want uint64
	}{
		{"512 byte sectors", blockRequest(0, "R", 100, 8, 4096), 100 * 512},
		{"4k sectors", blockRequest(0, "R", 100, 2, 8192), 100 * 4096},
		{"no sector count", blockRequest(0, "R", 100, 0, 4096), 100 * 512},
		{"no length", blockRequest(0, "R", 100, 8, 0), 0},
		{"length below one byte per sector", blockRequest(0, "R", 100, 8, 4), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, _ := annotate(t, issueEvent(0, 1, tt.req))
			ios := CorrelateDiskIO(events)
			require.Len(t, ios, 1)
			assert.Equal(t, tt.want, ios[0].Offset())
		})
	}
}

func TestDiskIOType(t *testing.T) {
	for flags, want := range map[string]IOType{
		"R":    IOTypeRead,
		"RA":   IOTypeRead,
		"WS":   IOTypeWrite,
		"FWFS": IOTypeWrite,
		"FF":   IOTypeFlush,
		"DS":   IOTypeTrim,
		"N":    IOTypeUnknown,
		"":     IOTypeUnknown,
	} {
		io := &DiskIO{Issue: &Event{Event: &perf.Event{
			Payload: perf.BlockRequestIssue{BlockRequest: perf.BlockRequest{Flags: flags}},
		}}}
		assert.Equal(t, want, io.Type(), flags)
	}
}

func TestDiskIOQueueDepth(t *testing.T) {
	a := blockRequest(0, "R", 100, 8, 4096)
	b := blockRequest(0, "R", 200, 8, 4096)
	other := blockRequest(1, "W", 100, 8, 4096)

	events, _ := annotate(t,
		// Completion-only and issue-only records do not move the depth.
		completeEvent(0, blockRequest(0, "R", 999, 8, 0)),
		issueEvent(1, 1, a),
		issueEvent(2, 1, b),
		issueEvent(2.5, 1, other),
		issueEvent(2.6, 1, blockRequest(0, "R", 500, 8, 4096)),
		completeEvent(3, a),
		completeEvent(4, b),
		completeEvent(5, other),
	)

	ios := CorrelateDiskIO(events)
	require.Len(t, ios, 5)

	ioA, ioB, ioOther := ios[1], ios[2], ios[3]
	require.True(t, ioA.Matched())
	require.True(t, ioB.Matched())
	require.True(t, ioOther.Matched())

	assert.Equal(t, 0, ioA.IssueQueueDepth)
	assert.Equal(t, 1, ioB.IssueQueueDepth)
	assert.Equal(t, 2, ioA.CompleteQueueDepth)
	assert.Equal(t, 1, ioB.CompleteQueueDepth)

	// Depth is tracked per device.
	assert.Equal(t, 0, ioOther.IssueQueueDepth)
	assert.Equal(t, 1, ioOther.CompleteQueueDepth)

	assert.False(t, ios[4].Matched())
	assert.Zero(t, ios[4].IssueQueueDepth)
}

func TestCorrelateDiskIOEmpty(t *testing.T) {
	events, _ := annotate(t, sampleEvent(0, 0, 1, "app!main"))
	assert.Empty(t, CorrelateDiskIO(events))
}
