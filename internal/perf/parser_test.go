package perf

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTrace = `# ========
# captured on    : Thu Mar  7 10:00:00 2024
# ========
#
app  1234/1235 [002] 12345.678901:     250000 cpu-clock:uhpppH:
	    7f0000001a2b do_work+0x1a (/usr/bin/app)
	    7f0000000100 main+0x10 (/usr/bin/app)
	    7f0000000010 __libc_start_main+0x80 (/usr/lib/libc.so.6)

swapper     0 [000] 12345.679000: sched:sched_switch: prev_comm=swapper/0 prev_pid=0 prev_prio=120 prev_state=R ==> next_comm=app next_pid=1235 next_prio=120
	ffffffff81000010 __schedule+0x2f0 ([kernel.kallsyms])
	               0 [unknown] ([unknown])

app  1234/1235 [002] 12345.679100: sched:sched_wakeup: comm=worker pid=42 prio=120 target_cpu=001
app  1234/1235 [002] 12345.679200: sched:sched_wakeup_new: worker:43 [120] success=1 CPU:003
app  1234/1235 [002] 12345.679300: sched:sched_process_exit: comm=app pid=1235 prio=120
kworker/2:1   77 [002] 12345.680000: block:block_rq_issue: 8,0 WS 4096 () 12345 + 8 [app]
swapper     0 [002] 12345.681000: block:block_rq_complete: 8,0 WS () 12345 + 8 [0]
app  1234/1235 [001] 12345.682000: 1 cpu-clock: ffffffff81000abc native_safe_halt+0x5 ([kernel.kallsyms])
app  1234/1235 [001] 12345.683000: sdt_app:custom: arg=1
`

func TestParse(t *testing.T) {
	tr, err := Parse(strings.NewReader(sampleTrace))
	require.NoError(t, err)
	require.Len(t, tr.Events, 9)
	assert.Zero(t, tr.Degraded)

	sample := tr.Events[0]
	assert.Equal(t, KindSample, sample.Kind)
	assert.Equal(t, "cpu-clock", sample.EventName)
	assert.Equal(t, "app", sample.Command)
	assert.Equal(t, 1234, sample.ProcessID)
	assert.Equal(t, 1235, sample.ThreadID)
	assert.Equal(t, 2, sample.CPU)
	assert.InDelta(t, 12345678.901, sample.Timestamp, 1e-6)
	assert.Equal(t, "app (1234)", sample.Process())
	require.Len(t, sample.Frames, 3)
	assert.Equal(t, Frame{Kind: FrameStack, Address: 0x7f0000001a2b, Module: "app", Symbol: "do_work"}, sample.Frames[0])
	assert.Equal(t, "libc.so.6!__libc_start_main", sample.Frames[2].DisplayName())

	sw := tr.Events[1]
	assert.Equal(t, KindSchedulerSwitch, sw.Kind)
	assert.Equal(t, 0, sw.ThreadID)
	assert.Equal(t, 0, sw.ProcessID)
	assert.Equal(t, SchedSwitch{
		PrevComm:  "swapper/0",
		PrevPID:   0,
		PrevPrio:  120,
		PrevState: "R",
		NextComm:  "app",
		NextPID:   1235,
		NextPrio:  120,
	}, sw.Payload)
	require.Len(t, sw.Frames, 2)
	assert.Equal(t, "kernel.kallsyms!__schedule", sw.Frames[0].DisplayName())
	assert.Equal(t, "unknown![unknown]", sw.Frames[1].DisplayName())

	assert.Equal(t, Wakeup{Comm: "worker", PID: 42, Prio: 120, TargetCPU: 1}, tr.Events[2].Payload)
	assert.Equal(t, KindWakeup, tr.Events[3].Kind)
	assert.Equal(t, Wakeup{Comm: "worker", PID: 43, Prio: 120, TargetCPU: 3}, tr.Events[3].Payload)
	assert.Equal(t, ThreadExit{Comm: "app", PID: 1235, Prio: 120}, tr.Events[4].Payload)

	issue := tr.Events[5]
	assert.Equal(t, "kworker/2:1", issue.Command)
	assert.Equal(t, KindBlockRequestIssue, issue.Kind)
	assert.Equal(t, BlockRequestIssue{
		BlockRequest: BlockRequest{Device: 8, DeviceMinor: 0, Flags: "WS", Sector: 12345, SectorLength: 8, Length: 4096},
		Comm:         "app",
	}, issue.Payload)

	complete := tr.Events[6]
	assert.Equal(t, KindBlockRequestComplete, complete.Kind)
	assert.Equal(t, BlockRequestComplete{
		BlockRequest: BlockRequest{Device: 8, DeviceMinor: 0, Flags: "WS", Sector: 12345, SectorLength: 8},
	}, complete.Payload)

	inline := tr.Events[7]
	assert.Equal(t, KindSample, inline.Kind)
	require.Len(t, inline.Frames, 1)
	assert.Equal(t, "kernel.kallsyms!native_safe_halt", inline.Frames[0].DisplayName())

	other := tr.Events[8]
	assert.Equal(t, KindOther, other.Kind)
	assert.Equal(t, "sdt_app:custom", other.EventName)
	assert.Nil(t, other.Payload)

	assert.InDelta(t, 12345678.901, tr.FirstTimestamp(), 1e-6)
	assert.InDelta(t, 12345683.0, tr.LastTimestamp(), 1e-6)
	assert.Equal(t, 4099*time.Microsecond, tr.Duration().Round(time.Microsecond))
}

func TestParseDegradedPayload(t *testing.T) {
	in := "app 42 [000] 1.000000: sched:sched_switch: garbage\n" +
		"app 42 [000] 1.000100: block:block_rq_issue: not a request\n" +
		"app 42 [000] 1.000200: cpu-clock: \n"

	tr, err := Parse(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, tr.Events, 3)
	assert.Equal(t, 2, tr.Degraded)
	assert.Equal(t, KindOther, tr.Events[0].Kind)
	assert.Nil(t, tr.Events[0].Payload)
	assert.Equal(t, KindOther, tr.Events[1].Kind)
	assert.Equal(t, KindSample, tr.Events[2].Kind)
}

func TestParseFrameBeforeHeader(t *testing.T) {
	_, err := Parse(strings.NewReader("\t    7f0000001a2b do_work+0x1a (/usr/bin/app)\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedTrace)
}

func TestParseEmpty(t *testing.T) {
	tr, err := Parse(strings.NewReader("# only comments\n\n"))
	require.NoError(t, err)
	assert.Empty(t, tr.Events)
	assert.Zero(t, tr.FirstTimestamp())
	assert.Zero(t, tr.Duration())
}

func TestSplitEvent(t *testing.T) {
	tests := []struct {
		in      string
		name    string
		payload string
	}{
		{"250000 cpu-clock:uhpppH:", "cpu-clock", ""},
		{"cpu-clock:u: ffff sym (mod)", "cpu-clock", "ffff sym (mod)"},
		{"1 cs: ", "cs", ""},
		{"sched:sched_switch: prev_pid=1", "sched:sched_switch", "prev_pid=1"},
		{"block:block_rq_issue: 8,0 R 0 () 1 + 1 [x]", "block:block_rq_issue", "8,0 R 0 () 1 + 1 [x]"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			name, payload := splitEvent(tt.in)
			assert.Equal(t, tt.name, name)
			assert.Equal(t, tt.payload, payload)
		})
	}
}

func TestParseStartTime(t *testing.T) {
	def := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	want := time.Date(2024, 3, 7, 10, 0, 0, 0, time.UTC)

	for _, s := range []string{
		"2024-03-07T10:00:00Z",
		"2024-03-07T10:00:00",
		"2024-03-07 10:00:00",
		"Thu Mar  7 10:00:00 2024",
	} {
		got, err := parseStartTime(s, def)
		require.NoError(t, err, s)
		assert.True(t, want.Equal(got), "%s parsed as %s", s, got)
	}

	got, err := parseStartTime("yesterday", def)
	assert.Error(t, err)
	assert.Equal(t, def, got)
}

func TestStartTimeDefaults(t *testing.T) {
	orig := timeNow
	timeNow = func() time.Time { return time.Date(2024, 5, 6, 17, 30, 0, 0, time.UTC) }
	t.Cleanup(func() { timeNow = orig })
	midnight := time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)

	dir := t.TempDir()
	got, err := StartTime(dir)
	require.NoError(t, err)
	assert.Equal(t, midnight, got)

	require.NoError(t, os.WriteFile(filepath.Join(dir, timestampFile), []byte("not a time\n"), 0o644))
	got, err = StartTime(dir)
	assert.Error(t, err)
	assert.Equal(t, midnight, got)

	require.NoError(t, os.WriteFile(filepath.Join(dir, timestampFile), []byte("2024-03-07T10:00:00Z\n"), 0o644))
	got, err = StartTime(dir)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 7, 10, 0, 0, 0, time.UTC), got)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "perf.txt")
	require.NoError(t, os.WriteFile(path, []byte(sampleTrace), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, timestampFile), []byte("2024-03-07T10:00:00Z"), 0o644))

	tr, err := Load(path, testr.New(t))
	require.NoError(t, err)
	assert.Equal(t, path, tr.Path)
	assert.Len(t, tr.Events, 9)

	start := time.Date(2024, 3, 7, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, start, tr.StartTime)
	assert.Equal(t, start.Add(time.Millisecond), tr.Abs(tr.FirstTimestamp()+1).Round(time.Microsecond))
}

func TestOpenZstd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "perf.txt.zst")
	f, err := os.Create(path)
	require.NoError(t, err)
	enc, err := zstd.NewWriter(f)
	require.NoError(t, err)
	_, err = enc.Write([]byte(sampleTrace))
	require.NoError(t, err)
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())

	tr, err := Open(path)
	require.NoError(t, err)
	assert.Len(t, tr.Events, 9)
}

func TestOpenMissing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "SchedulerSwitch", KindSchedulerSwitch.String())
	assert.Equal(t, "BlockRequestComplete", KindBlockRequestComplete.String())
	assert.Equal(t, "Other", EventKind(99).String())
}
