package queue

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gcbio/ccdaemon/internal/domain"
)

// fakeRunner is the minimal queue entry used across queue tests.
type fakeRunner struct {
	id     int64
	cpus   int
	status domain.Status
	start  time.Time
}

func (f *fakeRunner) ID() int64             { return f.id }
func (f *fakeRunner) CPUs() int             { return f.cpus }
func (f *fakeRunner) Status() domain.Status { return f.status }
func (f *fakeRunner) StartTime() time.Time  { return f.start }

func newQueue(t *testing.T, maxCPUs, maxLoading int) *PipelineQueue {
	t.Helper()
	q, err := New(maxCPUs, maxLoading)
	require.NoError(t, err)
	return q
}

func TestNewRejectsNegativeCaps(t *testing.T) {
	_, err := New(-1, 4)
	assert.Error(t, err)
	_, err = New(8, -1)
	assert.Error(t, err)

	// Zero caps are legal and admit nothing.
	q, err := New(0, 0)
	require.NoError(t, err)
	assert.False(t, q.CanAdmit(1))
}

func TestCanAdmitCPUBoundary(t *testing.T) {
	q := newQueue(t, 8, 10)
	require.NoError(t, q.Add(&fakeRunner{id: 1, cpus: 4, status: domain.StatusRunning}))

	// Exactly at the cap is admissible, one over is not.
	assert.True(t, q.CanAdmit(4))
	assert.False(t, q.CanAdmit(5))
}

func TestCanAdmitLoadingSlots(t *testing.T) {
	q := newQueue(t, 100, 1)
	require.NoError(t, q.Add(&fakeRunner{id: 1, cpus: 2, status: domain.StatusLoading}))

	// Plenty of CPU headroom, but the single loading slot is taken.
	assert.False(t, q.CanAdmit(2))

	// A runner past the provisioning phase frees the slot.
	q2 := newQueue(t, 100, 1)
	require.NoError(t, q2.Add(&fakeRunner{id: 1, cpus: 2, status: domain.StatusRunning}))
	assert.True(t, q2.CanAdmit(2))
}

func TestAddDuplicateKey(t *testing.T) {
	q := newQueue(t, 8, 4)
	require.NoError(t, q.Add(&fakeRunner{id: 7, cpus: 1, status: domain.StatusReady}))

	err := q.Add(&fakeRunner{id: 7, cpus: 1, status: domain.StatusReady})
	assert.ErrorIs(t, err, ErrDuplicateKey)
}

func TestAddResourceExceeded(t *testing.T) {
	q := newQueue(t, 4, 4)
	// Skipping CanAdmit and overshooting trips the paranoia check.
	err := q.Add(&fakeRunner{id: 1, cpus: 5, status: domain.StatusRunning})
	assert.ErrorIs(t, err, ErrResourceExceeded)

	// The rejected runner must leave no trace: not enqueued, no CPUs
	// committed, and a fitting runner still admissible.
	assert.False(t, q.Contains(1))
	curr, _, _, _ := q.Usage()
	assert.Zero(t, curr)
	assert.True(t, q.IsEmpty())
	require.NoError(t, q.Add(&fakeRunner{id: 2, cpus: 4, status: domain.StatusRunning}))
}

func TestAddLoadingCapExceededLeavesQueueUnchanged(t *testing.T) {
	q := newQueue(t, 100, 1)
	require.NoError(t, q.Add(&fakeRunner{id: 1, cpus: 2, status: domain.StatusLoading}))

	err := q.Add(&fakeRunner{id: 2, cpus: 2, status: domain.StatusReady})
	assert.ErrorIs(t, err, ErrResourceExceeded)
	assert.False(t, q.Contains(2))

	curr, loading, _, _ := q.Usage()
	assert.Equal(t, 2, curr)
	assert.Equal(t, 1, loading)
}

func TestRemoveReleasesResourcesAndIsIdempotent(t *testing.T) {
	q := newQueue(t, 8, 4)
	require.NoError(t, q.Add(&fakeRunner{id: 1, cpus: 6, status: domain.StatusRunning}))
	assert.False(t, q.CanAdmit(6))

	assert.True(t, q.Remove(1))
	assert.True(t, q.CanAdmit(6))

	// Retirement and shutdown may race to remove the same id.
	assert.False(t, q.Remove(1))
	assert.False(t, q.Remove(99))
}

func TestSnapshotInsertionOrder(t *testing.T) {
	q := newQueue(t, 100, 10)
	for _, id := range []int64{3, 1, 2} {
		require.NoError(t, q.Add(&fakeRunner{id: id, cpus: 1, status: domain.StatusRunning}))
	}
	require.True(t, q.Remove(1))

	snap := q.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, int64(3), snap[0].ID())
	assert.Equal(t, int64(2), snap[1].ID())
}

func TestLiveResizeDoesNotEvict(t *testing.T) {
	q := newQueue(t, 8, 4)
	require.NoError(t, q.Add(&fakeRunner{id: 1, cpus: 6, status: domain.StatusRunning}))

	q.SetMaxCPUs(2)
	assert.Equal(t, 2, q.MaxCPUs())

	// The existing runner stays; nothing new fits until it finishes.
	assert.True(t, q.Contains(1))
	assert.False(t, q.CanAdmit(1))

	require.True(t, q.Remove(1))
	assert.True(t, q.CanAdmit(2))
	assert.False(t, q.CanAdmit(3))
}

func TestUsage(t *testing.T) {
	q := newQueue(t, 8, 4)
	require.NoError(t, q.Add(&fakeRunner{id: 1, cpus: 2, status: domain.StatusLoading}))
	require.NoError(t, q.Add(&fakeRunner{id: 2, cpus: 3, status: domain.StatusRunning}))

	curr, loading, maxCPUs, maxLoading := q.Usage()
	assert.Equal(t, 5, curr)
	assert.Equal(t, 1, loading)
	assert.Equal(t, 8, maxCPUs)
	assert.Equal(t, 4, maxLoading)
}

func TestHoursElapsed(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	assert.InDelta(t, 0.5, HoursElapsed(start, start.Add(30*time.Minute)), 1e-9)
	assert.InDelta(t, 26.0, HoursElapsed(start, start.Add(26*time.Hour)), 1e-9)
	assert.InDelta(t, 48.25, HoursElapsed(start, start.Add(48*time.Hour+15*time.Minute)), 1e-9)
}

func TestStringDump(t *testing.T) {
	q := newQueue(t, 8, 4)
	require.NoError(t, q.Add(&fakeRunner{
		id: 42, cpus: 4, status: domain.StatusRunning, start: time.Now().Add(-time.Hour),
	}))

	dump := q.String()
	assert.Contains(t, dump, "Curr usage: 4 CPUs")
	assert.Contains(t, dump, "Max usage:  8 CPUs")
	assert.Contains(t, dump, "42\tRUNNING\t")
	assert.True(t, strings.HasPrefix(dump, strings.Repeat("*", 32)))
}
