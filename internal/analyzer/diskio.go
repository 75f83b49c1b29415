package analyzer

import (
	"cmp"
	"strings"

	"github.com/google/btree"

	"perftrace-mcp/internal/perf"
)

// IOType is the operation a block request performs.
type IOType string

const (
	IOTypeRead    IOType = "Read"
	IOTypeWrite   IOType = "Write"
	IOTypeFlush   IOType = "Flush"
	IOTypeTrim    IOType = "Trim"
	IOTypeUnknown IOType = "Unknown"
)

// defaultSectorSize is assumed when a request does not carry enough
// information to derive its sector size.
const defaultSectorSize = 512

// DiskIO is one block request lifetime. Either side may be missing when the
// request was cut off by the trace boundaries.
type DiskIO struct {
	Issue    *Event
	Complete *Event

	// Queue depths are only tracked for requests with both sides.
	IssueQueueDepth    int
	CompleteQueueDepth int
}

func (d *DiskIO) request() perf.BlockRequest {
	if d.Issue != nil {
		if p, ok := d.Issue.Payload.(perf.BlockRequestIssue); ok {
			return p.BlockRequest
		}
	}
	if d.Complete != nil {
		if p, ok := d.Complete.Payload.(perf.BlockRequestComplete); ok {
			return p.BlockRequest
		}
	}
	return perf.BlockRequest{}
}

func (d *DiskIO) first() *Event {
	if d.Issue != nil {
		return d.Issue
	}
	return d.Complete
}

// Matched reports whether both issue and completion were observed.
func (d *DiskIO) Matched() bool {
	return d.Issue != nil && d.Complete != nil
}

// Device is the major device number.
func (d *DiskIO) Device() uint32 { return d.request().Device }

// DeviceMinor is the minor device number.
func (d *DiskIO) DeviceMinor() uint32 { return d.request().DeviceMinor }

// Flags is the raw rwbs string of the request.
func (d *DiskIO) Flags() string { return d.request().Flags }

// Sector is the first sector of the request.
func (d *DiskIO) Sector() uint64 { return d.request().Sector }

// SectorLength is the number of sectors the request spans.
func (d *DiskIO) SectorLength() uint32 { return d.request().SectorLength }

// Length is the request size in bytes, known only from the issue side.
func (d *DiskIO) Length() uint32 {
	if d.Issue == nil {
		return 0
	}
	return d.request().Length
}

// Offset converts the starting sector to bytes. With an issue side the sector
// size is length/nr in whole bytes, otherwise 512 bytes is assumed.
func (d *DiskIO) Offset() uint64 {
	req := d.request()
	if d.Issue != nil && req.SectorLength != 0 {
		return req.Sector * uint64(req.Length/req.SectorLength)
	}
	return req.Sector * defaultSectorSize
}

// StartTime is the issue timestamp, or the completion's when unmatched.
func (d *DiskIO) StartTime() float64 {
	return d.first().Timestamp
}

// EndTime is the completion timestamp, or the issue's when unmatched.
func (d *DiskIO) EndTime() float64 {
	if d.Complete != nil {
		return d.Complete.Timestamp
	}
	return d.Issue.Timestamp
}

// Duration is the issue-to-completion time in milliseconds, 0 when unmatched.
func (d *DiskIO) Duration() float64 {
	if !d.Matched() {
		return 0
	}
	return d.Complete.Timestamp - d.Issue.Timestamp
}

// Type derives the operation from the first matching rwbs flag.
func (d *DiskIO) Type() IOType {
	flags := d.Flags()
	switch {
	case strings.ContainsRune(flags, 'R'):
		return IOTypeRead
	case strings.ContainsRune(flags, 'W'):
		return IOTypeWrite
	case strings.ContainsRune(flags, 'F'):
		return IOTypeFlush
	case strings.ContainsRune(flags, 'D'):
		return IOTypeTrim
	default:
		return IOTypeUnknown
	}
}

// Process is the "comm (pid)" of the side that started the record.
func (d *DiskIO) Process() string {
	return d.first().Process()
}

// ThreadID is the thread of the side that started the record.
func (d *DiskIO) ThreadID() int {
	return d.first().ThreadID
}

// CPU is the CPU of the side that started the record.
func (d *DiskIO) CPU() int {
	return d.first().CPU
}

func compareDiskIO(a, b *DiskIO) int {
	ra, rb := a.request(), b.request()
	return cmp.Or(
		cmp.Compare(ra.Device, rb.Device),
		cmp.Compare(ra.DeviceMinor, rb.DeviceMinor),
		cmp.Compare(ra.Sector, rb.Sector),
		cmp.Compare(ra.SectorLength, rb.SectorLength),
	)
}

type deviceKey struct {
	device, minor uint32
}

// CorrelateDiskIO matches block request issues with their completions by
// device, minor, sector and sector count. Every issue produces exactly one
// record; completions without a prior issue produce completion-only records.
func CorrelateDiskIO(events []Event) []*DiskIO {
	var (
		records []*DiskIO
		// byEvent maps each block event, in order, to the record it belongs to.
		byEvent     []*DiskIO
		outstanding = btree.NewG[*DiskIO](32, func(a, b *DiskIO) bool {
			return compareDiskIO(a, b) < 0
		})
	)

	for i := range events {
		ev := &events[i]
		switch ev.Payload.(type) {
		case perf.BlockRequestIssue:
			rec := &DiskIO{Issue: ev}
			// A request with the same key still outstanding stays issue-only.
			outstanding.ReplaceOrInsert(rec)
			byEvent = append(byEvent, rec)
			records = append(records, rec)

		case perf.BlockRequestComplete:
			rec := &DiskIO{Complete: ev}
			if issued, ok := outstanding.Delete(rec); ok {
				issued.Complete = ev
				rec = issued
			} else {
				records = append(records, rec)
			}
			byEvent = append(byEvent, rec)
		}
	}

	computeQueueDepths(events, byEvent)
	return records
}

// computeQueueDepths replays the block events and records per-device queue
// depth on matched requests.
func computeQueueDepths(events []Event, byEvent []*DiskIO) {
	depths := make(map[deviceKey]int)
	idx := 0
	for i := range events {
		var req perf.BlockRequest
		var issue bool
		switch p := events[i].Payload.(type) {
		case perf.BlockRequestIssue:
			req, issue = p.BlockRequest, true
		case perf.BlockRequestComplete:
			req = p.BlockRequest
		default:
			continue
		}

		rec := byEvent[idx]
		idx++
		if !rec.Matched() {
			continue
		}

		dev := deviceKey{device: req.Device, minor: req.DeviceMinor}
		if issue {
			rec.IssueQueueDepth = depths[dev]
			depths[dev]++
			continue
		}
		if depth, ok := depths[dev]; ok {
			rec.CompleteQueueDepth = depth
			if depth > 0 {
				depths[dev] = depth - 1
			}
		}
	}
}
