// Package buffer implements the bounded in-memory FIFO that decouples the
// telemetry receiver from the sink shipper.
package buffer

import (
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/openobserve/openobserve-lambda-extension/internal/telemetry"
)

// warnWindow rate-limits overflow warnings.
const warnWindow = 30 * time.Second

type group struct {
	records []telemetry.Record
	size    int
}

// Buffer is a byte-budgeted FIFO of record groups. A group is the set of
// records from one receiver POST; eviction drops whole groups from the head so
// the payloads the runtime pushed stay atomic.
type Buffer struct {
	log logr.Logger

	mu        sync.Mutex
	groups    []group
	sizeBytes int
	maxBytes  int
	dropped   uint64
	lastWarn  time.Time
}

func New(maxBytes int, log logr.Logger) *Buffer {
	return &Buffer{
		log:      log,
		maxBytes: maxBytes,
	}
}

// Push appends records as one group, evicting oldest groups until the new
// group fits the byte budget. A group larger than the whole budget is dropped
// outright. The critical section covers in-memory work only; the overflow
// warning is emitted after unlock and at most once per window.
func (b *Buffer) Push(records []telemetry.Record) {
	if len(records) == 0 {
		return
	}
	size := 0
	for _, r := range records {
		size += r.SizeBytes()
	}

	b.mu.Lock()
	var droppedNow uint64
	if size > b.maxBytes {
		droppedNow = 1
		b.dropped++
	} else {
		for b.sizeBytes+size > b.maxBytes && len(b.groups) > 0 {
			b.sizeBytes -= b.groups[0].size
			b.groups = b.groups[1:]
			b.dropped++
			droppedNow++
		}
		b.groups = append(b.groups, group{records: records, size: size})
		b.sizeBytes += size
	}
	warn := droppedNow > 0 && time.Since(b.lastWarn) >= warnWindow
	if warn {
		b.lastWarn = time.Now()
	}
	totalDropped := b.dropped
	b.mu.Unlock()

	if warn {
		b.log.Info("buffer overflow, dropped oldest telemetry", "droppedGroups", droppedNow, "totalDroppedGroups", totalDropped)
	}
}

// DrainBatch removes and returns a prefix of whole groups whose combined
// serialized size is at most maxBytes. maxBytes <= 0 drains everything.
// Order is preserved.
func (b *Buffer) DrainBatch(maxBytes int) []telemetry.Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	var records []telemetry.Record
	taken := 0
	n := 0
	for _, g := range b.groups {
		if maxBytes > 0 && taken+g.size > maxBytes {
			break
		}
		records = append(records, g.records...)
		taken += g.size
		n++
	}
	b.groups = b.groups[n:]
	b.sizeBytes -= taken

	return records
}

// LenBytes is the current buffered size in serialized bytes.
func (b *Buffer) LenBytes() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.sizeBytes
}

func (b *Buffer) IsEmpty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.groups) == 0
}

// Dropped is the number of groups lost since startup: groups evicted from the
// head plus groups rejected on Push for exceeding the whole budget.
func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.dropped
}
