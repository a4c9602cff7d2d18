package records

import (
	"sync"
)

// Collector is the thread-safe sink for completed RequestRecords.
//
// All workers insert concurrently; the profiler drains once per window
// close. The insert path holds the lock only for the slice append so
// it never spans a network wait. A drain atomically swaps the backing
// slice: inserts racing the drain land in the next window.
type Collector struct {
	mu    sync.Mutex
	recs  []RequestRecord
	total int64
}

func NewCollector() *Collector {
	return &Collector{}
}

// Record inserts one completed (or abandoned) request record.
func (c *Collector) Record(r RequestRecord) {
	if r.Err != nil && r.ErrorType == "" {
		r.ErrorType = errorTypeName(r.Err)
	}
	c.mu.Lock()
	c.recs = append(c.recs, r)
	c.total++
	c.mu.Unlock()
}

// Drain removes and returns every record inserted since the previous
// drain. The returned slice is owned by the caller.
func (c *Collector) Drain() []RequestRecord {
	c.mu.Lock()
	out := c.recs
	c.recs = nil
	c.mu.Unlock()
	return out
}

// Pending returns the number of records awaiting the next drain.
func (c *Collector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.recs)
}

// Total returns the number of records ever inserted.
func (c *Collector) Total() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}
