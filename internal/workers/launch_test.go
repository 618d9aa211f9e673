package workers

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gcbio/ccdaemon/internal/domain"
	"github.com/gcbio/ccdaemon/internal/queue"
)

type launchStoreMock struct {
	mu       sync.Mutex
	idle     []domain.Analysis
	listErr  error
	launched []int64
	failed   map[int64]domain.ErrorType
}

func (m *launchStoreMock) ListByStatus(_ context.Context, status domain.Status) ([]domain.Analysis, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	if status != domain.StatusIdle {
		return nil, nil
	}
	return m.idle, nil
}

func (m *launchStoreMock) MarkLaunched(_ context.Context, id int64, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.launched = append(m.launched, id)
	return nil
}

func (m *launchStoreMock) MarkFailed(_ context.Context, id int64, et domain.ErrorType, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failed == nil {
		m.failed = make(map[int64]domain.ErrorType)
	}
	m.failed[id] = et
	return nil
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func idleAnalysis(id int64, cpus int) domain.Analysis {
	return domain.Analysis{
		ID:          id,
		Name:        "sample",
		Status:      domain.StatusIdle,
		SampleSheet: b64(`{"samples":[]}`),
		Type: domain.AnalysisType{
			Name: "wgs", CPUs: cpus, MemGB: 8, DiskGB: 50, MaxRunTime: 24,
			GraphConfig:  b64("graph"),
			ResourceKit:  b64("kit"),
			PlatformConf: b64("plat"),
		},
	}
}

func TestLaunchAdmitsIdlePipelines(t *testing.T) {
	q, err := queue.New(16, 4)
	require.NoError(t, err)
	store := &launchStoreMock{idle: []domain.Analysis{idleAnalysis(1, 4), idleAnalysis(2, 4)}}
	factory := &fakeFactory{}

	w := NewLaunchWorker(context.Background(), store, q, factory, time.Second, testLogger())
	require.NoError(t, w.tick(context.Background()))

	assert.ElementsMatch(t, []int64{1, 2}, store.launched)
	assert.True(t, q.Contains(1))
	assert.True(t, q.Contains(2))
	assert.Len(t, factory.drivers, 2)
}

func TestLaunchSkipsWhenCapsFull(t *testing.T) {
	q, err := queue.New(4, 4)
	require.NoError(t, err)
	store := &launchStoreMock{idle: []domain.Analysis{idleAnalysis(1, 4), idleAnalysis(2, 4)}}

	w := NewLaunchWorker(context.Background(), store, q, &fakeFactory{}, time.Second, testLogger())
	require.NoError(t, w.tick(context.Background()))

	// Only the first pipeline fits; the second stays IDLE for the next tick.
	assert.Equal(t, []int64{1}, store.launched)
	assert.False(t, q.Contains(2))
	assert.Empty(t, store.failed)
}

func TestLaunchSkipsAlreadyEnqueued(t *testing.T) {
	q, err := queue.New(16, 4)
	require.NoError(t, err)
	a := idleAnalysis(1, 2)
	store := &launchStoreMock{idle: []domain.Analysis{a}}

	w := NewLaunchWorker(context.Background(), store, q, &fakeFactory{}, time.Second, testLogger())
	require.NoError(t, w.tick(context.Background()))
	require.NoError(t, w.tick(context.Background()))

	assert.Equal(t, []int64{1}, store.launched)
}

func TestLaunchFailureMarksInitAndAborts(t *testing.T) {
	q, err := queue.New(16, 4)
	require.NoError(t, err)
	store := &launchStoreMock{idle: []domain.Analysis{idleAnalysis(1, 2)}}
	factory := &fakeFactory{fail: errors.New("no capacity in zone")}

	w := NewLaunchWorker(context.Background(), store, q, factory, time.Second, testLogger())
	err = w.tick(context.Background())

	require.Error(t, err)
	assert.Equal(t, domain.ErrInit, store.failed[1])
	assert.False(t, q.Contains(1))
}

func TestLaunchBadConfigBlobMarksInit(t *testing.T) {
	q, err := queue.New(16, 4)
	require.NoError(t, err)
	a := idleAnalysis(1, 2)
	a.Type.GraphConfig = "not base64!!!"
	store := &launchStoreMock{idle: []domain.Analysis{a}}

	w := NewLaunchWorker(context.Background(), store, q, &fakeFactory{}, time.Second, testLogger())
	err = w.tick(context.Background())

	require.Error(t, err)
	assert.Equal(t, domain.ErrInit, store.failed[1])
}
