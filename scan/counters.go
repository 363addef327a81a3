package scan

import (
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Partition holds the counters of one worker. Only the owning worker writes
// it; readers go through Counters.Snapshot.
type Partition struct {
	recordsRead    atomic.Uint64
	recordsWritten atomic.Uint64
	bytesWritten   atomic.Uint64
	errors         atomic.Uint64
}

func (p *Partition) AddRead(n uint64) { p.recordsRead.Add(n) }

func (p *Partition) AddWritten(records, bytes uint64) {
	p.recordsWritten.Add(records)
	p.bytesWritten.Add(bytes)
}

func (p *Partition) AddError() { p.errors.Inc() }

type Snapshot struct {
	RecordsRead    uint64        `json:"records_read"`
	RecordsWritten uint64        `json:"records_written"`
	BytesWritten   uint64        `json:"bytes_written"`
	Errors         uint64        `json:"errors"`
	Elapsed        time.Duration `json:"elapsed"`
}

// Counters is the set of worker partitions of a run.
type Counters struct {
	start time.Time

	mu    sync.Mutex
	parts []*Partition
}

func NewCounters() *Counters {
	return &Counters{start: time.Now()}
}

// NewPartition registers and returns a partition for a new worker.
func (c *Counters) NewPartition() *Partition {
	p := &Partition{}
	c.mu.Lock()
	c.parts = append(c.parts, p)
	c.mu.Unlock()
	return p
}

// Snapshot sums all partitions. The lock is held only to copy the list.
func (c *Counters) Snapshot() Snapshot {
	c.mu.Lock()
	parts := make([]*Partition, len(c.parts))
	copy(parts, c.parts)
	c.mu.Unlock()

	s := Snapshot{Elapsed: time.Since(c.start)}
	for _, p := range parts {
		s.RecordsRead += p.recordsRead.Load()
		s.RecordsWritten += p.recordsWritten.Load()
		s.BytesWritten += p.bytesWritten.Load()
		s.Errors += p.errors.Load()
	}
	return s
}
