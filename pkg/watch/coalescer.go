package watch

import (
	"sync"
	"time"
)

// Coalescer accepts individual events from upstream, drains them on a fixed
// cadence, merges events that share a relative path within one drain
// window, and hands the merged batch to a Filter.
//
// Merging rule: within one window, for a given path, only one surviving
// event is emitted. Its kind is the bitwise OR of every kind seen at that
// path; the timestamp and path retained are those of the latest event at
// that path. Earlier events at the same path are dropped, but their kinds
// are not lost — they're folded into the survivor before being dropped.
type Coalescer struct {
	latency time.Duration
	filter  *Filter

	mu     sync.Mutex
	buffer Batch

	stop chan struct{}
	done chan struct{}
}

// NewCoalescer creates a coalescer that drains every latency and hands
// merged batches to filter. Call Start to begin the background worker.
func NewCoalescer(latency time.Duration, filter *Filter) *Coalescer {
	return &Coalescer{
		latency: latency,
		filter:  filter,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Enqueue appends events to the pending buffer, transferring ownership of
// each event into the coalescer.
func (c *Coalescer) Enqueue(events ...Event) {
	if len(events) == 0 {
		return
	}
	c.mu.Lock()
	c.buffer = append(c.buffer, events...)
	c.mu.Unlock()
}

// Start launches the background worker that alternates drain() and
// sleep(latency). It must be called at most once.
func (c *Coalescer) Start() {
	go c.run()
}

func (c *Coalescer) run() {
	defer close(c.done)
	ticker := time.NewTicker(c.latency)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.drain()
		}
	}
}

// Stop requests the worker to exit. It returns once the worker has
// completed at most one more drain/sleep cycle.
func (c *Coalescer) Stop() {
	close(c.stop)
	<-c.done
}

// drain atomically swaps the buffer with a fresh one, merges the swapped
// sequence, and hands the result to the filter. This is the only place that
// empties the buffer.
func (c *Coalescer) drain() {
	c.mu.Lock()
	pending := c.buffer
	c.buffer = nil
	c.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	c.filter.FilterAndNotify(mergeBatch(pending))
}

// mergeBatch applies the coalescer's merge rule to batch in place, returning
// the surviving events in their original arrival order. Applying mergeBatch
// to its own output is a no-op: every path already has exactly one
// representative, so no pair of survivors shares a path to fold together.
func mergeBatch(batch Batch) Batch {
	chosen := make(map[string]int, len(batch))
	dropped := make([]bool, len(batch))

	for i := len(batch) - 1; i >= 0; i-- {
		path := batch[i].RelativePath
		if j, ok := chosen[path]; ok {
			batch[j].Kind |= batch[i].Kind
			dropped[i] = true
			continue
		}
		chosen[path] = i
	}

	result := make(Batch, 0, len(chosen))
	for i, event := range batch {
		if !dropped[i] {
			result = append(result, event)
		}
	}
	return result
}
