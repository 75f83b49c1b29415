package analyzer

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/pprof/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportProfile(t *testing.T) {
	a := hotspotTrace(t)

	prof, err := ExportProfile(a)
	require.NoError(t, err)

	require.Len(t, prof.Sample, 4)
	require.Len(t, prof.SampleType, 2)
	assert.Equal(t, "nanoseconds", prof.SampleType[1].Unit)
	assert.Len(t, prof.Function, 3)
	assert.Len(t, prof.Mapping, 2)
	// main, work, native_safe_halt and the recursive work node.
	assert.Len(t, prof.Location, 4)

	first := prof.Sample[0]
	assert.Equal(t, []int64{1, time.Millisecond.Nanoseconds()}, first.Value)
	require.Len(t, first.Location, 2)
	assert.Equal(t, "work", first.Location[0].Line[0].Function.Name)
	assert.Equal(t, "main", first.Location[1].Line[0].Function.Name)
	assert.Equal(t, []string{"t10 (10)"}, first.Label["process"])
	assert.Equal(t, []string{string(CategoryRegular)}, first.Label["category"])
	assert.Equal(t, []int64{10}, first.NumLabel["tid"])

	// Samples sharing a stack share locations.
	assert.Same(t, first.Location[0], prof.Sample[1].Location[0])
}

func TestWriteProfile(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteProfile(hotspotTrace(t), &buf))

	prof, err := profile.Parse(&buf)
	require.NoError(t, err)
	assert.Len(t, prof.Sample, 4)

	var total int64
	for _, s := range prof.Sample {
		total += s.Value[1]
	}
	assert.Equal(t, (4 * time.Millisecond).Nanoseconds(), total)
}

func TestExportProfileNoSamples(t *testing.T) {
	prof, err := ExportProfile(analyze(t, switchEvent(0, 0, 1)))
	require.NoError(t, err)
	assert.Empty(t, prof.Sample)
}
