package workers

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gcbio/ccdaemon/internal/domain"
	"github.com/gcbio/ccdaemon/internal/postgres"
	"github.com/gcbio/ccdaemon/internal/queue"
	"github.com/gcbio/ccdaemon/internal/report"
)

type sourceMock struct {
	mu    sync.Mutex
	msgs  []*report.Message
	acked []string
}

func (s *sourceMock) Pull(context.Context) (*report.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.msgs) == 0 {
		return nil, nil
	}
	msg := s.msgs[0]
	s.msgs = s.msgs[1:]
	return msg, nil
}

func (s *sourceMock) Ack(_ context.Context, ackID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, ackID)
	return nil
}

func (s *sourceMock) SubscriptionExists(context.Context) (bool, error) { return true, nil }
func (s *sourceMock) TopicExists(context.Context) (bool, error)        { return true, nil }

type reportStoreMock struct {
	mu      sync.Mutex
	known   map[int64]bool
	hasCost map[int64]bool
	applied []postgres.ReportResult
}

func (m *reportStoreMock) Exists(_ context.Context, id int64) (bool, error) {
	return m.known[id], nil
}

func (m *reportStoreMock) HasCost(_ context.Context, id int64) (bool, error) {
	return m.hasCost[id], nil
}

func (m *reportStoreMock) ApplyReport(_ context.Context, r postgres.ReportResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applied = append(m.applied, r)
	return nil
}

func reportMsg(t *testing.T, rep map[string]any) *report.Message {
	t.Helper()
	data, err := json.Marshal(rep)
	require.NoError(t, err)
	return &report.Message{AckID: "ack-1", Data: data}
}

func completeReport(files ...map[string]any) map[string]any {
	return map[string]any{
		"pipeline_id": 5,
		"status":      "Complete",
		"error":       "",
		"total_cost":  12.34,
		"git_commit":  "abc123",
		"files":       files,
	}
}

func reportSetup(t *testing.T) (*queue.PipelineQueue, *reportStoreMock, *sourceMock, *fakeDriver) {
	t.Helper()
	q, err := queue.New(100, 10)
	require.NoError(t, err)
	store := &reportStoreMock{known: map[int64]bool{5: true}, hasCost: map[int64]bool{}}
	source := &sourceMock{}
	checker := &fakeDriver{exists: map[string]bool{}, files: map[string][]byte{}}
	return q, store, source, checker
}

func TestReportEmptyBus(t *testing.T) {
	q, store, source, checker := reportSetup(t)
	w := NewReportWorker(store, q, source, checker, time.Second, testLogger())

	require.NoError(t, w.tick(context.Background()))
	assert.Empty(t, source.acked)
	assert.Empty(t, store.applied)
}

func TestReportUnparseableIsDiscarded(t *testing.T) {
	q, store, source, checker := reportSetup(t)
	source.msgs = []*report.Message{{AckID: "bad", Data: []byte("garbage")}}
	w := NewReportWorker(store, q, source, checker, time.Second, testLogger())

	require.NoError(t, w.tick(context.Background()))
	assert.Equal(t, []string{"bad"}, source.acked)
	assert.Empty(t, store.applied)
}

func TestReportDeferredWhilePipelineEnqueued(t *testing.T) {
	q, store, source, checker := reportSetup(t)
	require.NoError(t, q.Add(&stubRunner{id: 5, cpus: 1, status: domain.StatusFinished}))
	source.msgs = []*report.Message{reportMsg(t, completeReport())}
	w := NewReportWorker(store, q, source, checker, time.Second, testLogger())

	require.NoError(t, w.tick(context.Background()))

	// Not acked: the run worker has to retire the runner first, then the
	// bus redelivers.
	assert.Empty(t, source.acked)
	assert.Empty(t, store.applied)
}

func TestReportUnknownPipelineDiscarded(t *testing.T) {
	q, store, source, checker := reportSetup(t)
	store.known = map[int64]bool{}
	source.msgs = []*report.Message{reportMsg(t, completeReport())}
	w := NewReportWorker(store, q, source, checker, time.Second, testLogger())

	require.NoError(t, w.tick(context.Background()))
	assert.Equal(t, []string{"ack-1"}, source.acked)
	assert.Empty(t, store.applied)
}

func TestReportDuplicateDiscarded(t *testing.T) {
	q, store, source, checker := reportSetup(t)
	store.hasCost[5] = true
	source.msgs = []*report.Message{reportMsg(t, completeReport())}
	w := NewReportWorker(store, q, source, checker, time.Second, testLogger())

	require.NoError(t, w.tick(context.Background()))
	assert.Equal(t, []string{"ack-1"}, source.acked)
	assert.Empty(t, store.applied)
}

func TestReportSuccessApplied(t *testing.T) {
	q, store, source, checker := reportSetup(t)
	checker.exists["gs://out/result.vcf"] = true
	source.msgs = []*report.Message{reportMsg(t, completeReport(
		map[string]any{"file_type": "vcf", "path": "gs://out/result.vcf", "is_final_output": true, "task_id": "call"},
		map[string]any{"file_type": "tmp", "path": "gs://out/scratch.bin", "is_final_output": false, "task_id": "align"},
	))}
	w := NewReportWorker(store, q, source, checker, time.Second, testLogger())

	require.NoError(t, w.tick(context.Background()))

	require.Len(t, store.applied, 1)
	res := store.applied[0]
	assert.Equal(t, int64(5), res.AnalysisID)
	assert.True(t, res.Success)
	assert.InDelta(t, 12.34, res.Cost, 1e-9)
	assert.Equal(t, "abc123", res.GitCommit)
	// The intermediate file is never ingested.
	require.Len(t, res.Files, 1)
	assert.True(t, res.Files[0].Found)
	assert.Equal(t, []string{"ack-1"}, source.acked)
}

func TestReportMissingFileForcesFailure(t *testing.T) {
	q, store, source, checker := reportSetup(t)
	source.msgs = []*report.Message{reportMsg(t, completeReport(
		map[string]any{"file_type": "vcf", "path": "gs://out/result.vcf", "is_final_output": true, "task_id": "call"},
	))}
	w := NewReportWorker(store, q, source, checker, time.Second, testLogger())

	require.NoError(t, w.tick(context.Background()))

	require.Len(t, store.applied, 1)
	res := store.applied[0]
	assert.False(t, res.Success)
	assert.Contains(t, res.ErrorMsg, "gs://out/result.vcf")
	require.Len(t, res.Files, 1)
	assert.False(t, res.Files[0].Found)
}

func TestReportLocalPathCountsAsMissing(t *testing.T) {
	// A declared output outside object storage cannot be verified after the
	// VM is destroyed; it must read as missing, not crash the worker.
	q, store, source, checker := reportSetup(t)
	source.msgs = []*report.Message{reportMsg(t, completeReport(
		map[string]any{"file_type": "txt", "path": "/x", "is_final_output": true, "task_id": "t"},
	))}
	w := NewReportWorker(store, q, source, checker, time.Second, testLogger())

	require.NoError(t, w.tick(context.Background()))

	require.Len(t, store.applied, 1)
	res := store.applied[0]
	assert.False(t, res.Success)
	assert.Contains(t, res.ErrorMsg, "/x")
	require.Len(t, res.Files, 1)
	assert.False(t, res.Files[0].Found)
	assert.Equal(t, []string{"ack-1"}, source.acked)
}

func TestReportIngestsQCStats(t *testing.T) {
	q, store, source, checker := reportSetup(t)
	qcPath := "gs://out/qc_report.json"
	checker.exists[qcPath] = true
	checker.files[qcPath] = []byte(`{
		"align": {
			"s1": {"total_reads": {"value": 1000, "note": ""}},
			"s2": {"total_reads": {"value": 2000, "note": ""}}
		}
	}`)
	source.msgs = []*report.Message{reportMsg(t, completeReport(
		map[string]any{"file_type": "qc_report", "path": qcPath, "is_final_output": true, "task_id": "qc"},
	))}
	w := NewReportWorker(store, q, source, checker, time.Second, testLogger())

	require.NoError(t, w.tick(context.Background()))

	require.Len(t, store.applied, 1)
	stats := store.applied[0].QCStats
	require.Len(t, stats, 2)
	assert.Equal(t, "s1", stats[0].Sample)
	assert.Equal(t, "1000", stats[0].Value)
	assert.Equal(t, qcPath, stats[0].SourceFile)
}
