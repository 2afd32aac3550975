// Package metrics defines the process level metric sink.
package metrics

import "sync"

// Sink receives process lifecycle metrics.
type Sink interface {
	ProcessStarted()
	ProcessExited()
	ThreadsAcquired(n int)
	ThreadsReleased(n int)
	ProcessCompleted()
	ProcessFailed()
	ProcessCancelled()
	Errors(n int)
}

type nop struct{}

// Nop discards every metric.
var Nop Sink = nop{}

func (nop) ProcessStarted()     {}
func (nop) ProcessExited()      {}
func (nop) ThreadsAcquired(int) {}
func (nop) ThreadsReleased(int) {}
func (nop) ProcessCompleted()   {}
func (nop) ProcessFailed()      {}
func (nop) ProcessCancelled()   {}
func (nop) Errors(int)          {}

// Recorder keeps metric values in memory.
type Recorder struct {
	mu        sync.Mutex
	Active    int
	Threads   int
	Completed int
	Failed    int
	Cancelled int
	ErrorSum  int
}

func (r *Recorder) ProcessStarted()       { r.add(&r.Active, 1) }
func (r *Recorder) ProcessExited()        { r.add(&r.Active, -1) }
func (r *Recorder) ThreadsAcquired(n int) { r.add(&r.Threads, n) }
func (r *Recorder) ThreadsReleased(n int) { r.add(&r.Threads, -n) }
func (r *Recorder) ProcessCompleted()     { r.add(&r.Completed, 1) }
func (r *Recorder) ProcessFailed()        { r.add(&r.Failed, 1) }
func (r *Recorder) ProcessCancelled()     { r.add(&r.Cancelled, 1) }
func (r *Recorder) Errors(n int)          { r.add(&r.ErrorSum, n) }

func (r *Recorder) add(field *int, delta int) {
	r.mu.Lock()
	*field += delta
	r.mu.Unlock()
}

// Snapshot returns a copy safe to compare in tests.
func (r *Recorder) Snapshot() Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Recorder{
		Active:    r.Active,
		Threads:   r.Threads,
		Completed: r.Completed,
		Failed:    r.Failed,
		Cancelled: r.Cancelled,
		ErrorSum:  r.ErrorSum,
	}
}
