// Package metrics defines the instrumentation hooks of a persistent binary
// deque, along with a Prometheus-backed implementation. The deque itself
// only talks to the Collector interface; by default it uses Nop, so callers
// that do not run a registry pay nothing.
package metrics

// Collector receives deque instrumentation events. Implementations must be
// safe for concurrent use.
type Collector interface {
	// OfferedObject records one record appended at the tail, with its
	// uncompressed payload size.
	OfferedObject(bytes int)

	// PolledObject records one record returned by poll, with its
	// uncompressed payload size.
	PolledObject(bytes int)

	// PushedObjects records a batch of records prepended at the head.
	PushedObjects(count, bytes int)

	// SegmentCreated and SegmentDeleted track segment file churn.
	SegmentCreated()
	SegmentDeleted()

	// SetQueueDepth reports the current number of unread records.
	SetQueueDepth(objects int)
}

// Nop is a Collector that does nothing.
type Nop struct{}

var _ Collector = Nop{}

func (Nop) OfferedObject(int) {}

func (Nop) PolledObject(int) {}

func (Nop) PushedObjects(int, int) {}

func (Nop) SegmentCreated() {}

func (Nop) SegmentDeleted() {}

func (Nop) SetQueueDepth(int) {}
