// Package queue implements the process-wide registry of active pipeline
// runners. All admission control happens here: a runner is only admitted when
// both the aggregate CPU cap and the concurrent-provisioning (loading) cap
// allow it. Every public operation is serialized under a single mutex so that
// admission, insertion, removal, and usage reads appear atomic.
package queue

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gcbio/ccdaemon/internal/domain"
)

// ErrDuplicateKey is returned by Add when a runner with the same id is
// already enqueued.
var ErrDuplicateKey = errors.New("duplicate pipeline id in queue")

// ErrResourceExceeded is returned by Add when inserting the runner would push
// a resource total over its cap. Callers are expected to have checked
// CanAdmit first; this only fires on misuse.
var ErrResourceExceeded = errors.New("queue resource cap exceeded")

// Runner is the slice of the pipeline runner the queue needs: identity,
// resource demand, and current lifecycle status.
type Runner interface {
	ID() int64
	CPUs() int
	Status() domain.Status
	StartTime() time.Time
}

// PipelineQueue tracks every active runner and the resources committed to
// them. One instance is owned by the daemon manager and shared by reference
// with all workers.
type PipelineQueue struct {
	mu sync.Mutex

	maxCPUs    int
	maxLoading int

	currCPUs int
	runners  map[int64]Runner
	order    []int64 // insertion order, for stable snapshots and dumps
}

// New creates a queue with the given caps. A zero cap is legal and admits
// nothing; negative caps are rejected.
func New(maxCPUs, maxLoading int) (*PipelineQueue, error) {
	if maxCPUs < 0 {
		return nil, fmt.Errorf("max_cpus must be >= 0, got %d", maxCPUs)
	}
	if maxLoading < 0 {
		return nil, fmt.Errorf("max_loading must be >= 0, got %d", maxLoading)
	}
	return &PipelineQueue{
		maxCPUs:    maxCPUs,
		maxLoading: maxLoading,
		runners:    make(map[int64]Runner),
	}, nil
}

// loadingCount counts runners still in the provisioning phase.
// Caller must hold q.mu.
func (q *PipelineQueue) loadingCount() int {
	n := 0
	for _, r := range q.runners {
		switch r.Status() {
		case domain.StatusReady, domain.StatusLoading:
			n++
		}
	}
	return n
}

// CanAdmit reports whether a runner requesting reqCPUs fits under both the
// CPU cap and the loading-slot cap. Parallel VM provisioning saturates cloud
// quotas long before aggregate CPU does, hence the second dimension.
func (q *PipelineQueue) CanAdmit(reqCPUs int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.currCPUs+reqCPUs > q.maxCPUs {
		return false
	}
	return q.loadingCount()+1 <= q.maxLoading
}

// Add enqueues a runner and commits its resources. The caps are re-validated
// under the same lock before anything is mutated, so a caller that skipped
// CanAdmit gets ErrResourceExceeded and the queue is left unchanged.
func (q *PipelineQueue) Add(r Runner) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := r.ID()
	if _, ok := q.runners[id]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateKey, id)
	}
	if q.currCPUs+r.CPUs() > q.maxCPUs {
		return fmt.Errorf("%w: cpu cap %d exceeded adding pipeline %d", ErrResourceExceeded, q.maxCPUs, id)
	}
	switch r.Status() {
	case domain.StatusReady, domain.StatusLoading:
		if q.loadingCount()+1 > q.maxLoading {
			return fmt.Errorf("%w: loading cap %d exceeded adding pipeline %d", ErrResourceExceeded, q.maxLoading, id)
		}
	}

	q.runners[id] = r
	q.order = append(q.order, id)
	q.currCPUs += r.CPUs()
	return nil
}

// Remove dequeues a runner and releases its resources. Removing an id that is
// not present is a no-op; retirement and shutdown paths may race to remove
// the same runner.
func (q *PipelineQueue) Remove(id int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	r, ok := q.runners[id]
	if !ok {
		return false
	}
	delete(q.runners, id)
	q.currCPUs -= r.CPUs()
	for i, oid := range q.order {
		if oid == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	return true
}

// Get returns the runner with the given id, or nil.
func (q *PipelineQueue) Get(id int64) Runner {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.runners[id]
}

// Contains reports whether a runner with the given id is enqueued.
func (q *PipelineQueue) Contains(id int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.runners[id]
	return ok
}

// Snapshot returns the enqueued runners in insertion order. The slice is a
// copy; the runners themselves are shared.
func (q *PipelineQueue) Snapshot() []Runner {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Runner, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.runners[id])
	}
	return out
}

// IsEmpty reports whether no runners are enqueued.
func (q *PipelineQueue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.runners) == 0
}

// Usage returns the committed CPU total, the loading count, and the caps.
func (q *PipelineQueue) Usage() (currCPUs, loading, maxCPUs, maxLoading int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.currCPUs, q.loadingCount(), q.maxCPUs, q.maxLoading
}

// SetMaxCPUs applies a new CPU cap. Runners already enqueued are not evicted
// even if the new cap is exceeded; the overshoot resolves as they finish.
func (q *PipelineQueue) SetMaxCPUs(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.maxCPUs = n
}

// SetMaxLoading applies a new loading-slot cap. Same non-eviction rule as
// SetMaxCPUs.
func (q *PipelineQueue) SetMaxLoading(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.maxLoading = n
}

// MaxCPUs returns the current CPU cap.
func (q *PipelineQueue) MaxCPUs() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.maxCPUs
}

// MaxLoading returns the current loading-slot cap.
func (q *PipelineQueue) MaxLoading() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.maxLoading
}

// HoursElapsed returns the fractional hours between two instants, measured
// the same way everywhere runtimes are reported: whole days contribute 24h
// each, the remainder contributes seconds/3600.
func HoursElapsed(start, end time.Time) float64 {
	diff := end.Sub(start)
	days := int(diff.Hours()) / 24
	seconds := diff.Seconds() - float64(days)*24*3600
	return float64(days)*24 + seconds/3600
}

// String renders a human-readable dump of usage totals and per-runner rows,
// printed by the daemon's supervisory loop.
func (q *PipelineQueue) String() string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var b strings.Builder
	rule := strings.Repeat("*", 32)
	fmt.Fprintln(&b, rule)
	fmt.Fprintf(&b, "Curr usage: %d CPUs, %d loading pipelines\n", q.currCPUs, q.loadingCount())
	fmt.Fprintf(&b, "Max usage:  %d CPUs, %d loading pipelines\n", q.maxCPUs, q.maxLoading)
	fmt.Fprintln(&b, rule)
	fmt.Fprintln(&b, "Pipeline\tStatus\tRuntime (h)")

	now := time.Now()
	for _, id := range q.order {
		r := q.runners[id]
		runtime := 0.0
		if start := r.StartTime(); !start.IsZero() {
			runtime = HoursElapsed(start, now)
		}
		fmt.Fprintf(&b, "%d\t%s\t%.4f\n", r.ID(), r.Status(), runtime)
	}
	fmt.Fprintln(&b, rule)
	return b.String()
}
