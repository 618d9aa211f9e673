package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gcbio/ccdaemon/internal/domain"
)

// ErrNotFound is returned when no analysis row matches the given id.
var ErrNotFound = errors.New("analysis not found")

// AnalysisStore is the database gateway for pipeline jobs. Lookup-table ids
// are cached after the Sync* calls so the hot worker paths never re-query
// them.
type AnalysisStore struct {
	pool *pgxpool.Pool

	mu        sync.Mutex
	statusIDs map[domain.Status]int32
	errorIDs  map[domain.ErrorType]int32
}

// NewAnalysisStore creates an AnalysisStore backed by the given pool.
func NewAnalysisStore(pool *pgxpool.Pool) *AnalysisStore {
	return &AnalysisStore{
		pool:      pool,
		statusIDs: make(map[domain.Status]int32),
		errorIDs:  make(map[domain.ErrorType]int32),
	}
}

// Ping verifies database connectivity.
func (s *AnalysisStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// SyncStatuses upserts every known status into the lookup table and caches
// the assigned ids. Run once at daemon startup, before any worker starts.
func (s *AnalysisStore) SyncStatuses(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, status := range domain.Statuses {
		var id int32
		err := s.pool.QueryRow(ctx,
			`INSERT INTO analysis_status (value, description) VALUES ($1, $2)
			 ON CONFLICT (value) DO UPDATE SET description = EXCLUDED.description
			 RETURNING id`,
			string(status), status.Description()).Scan(&id)
		if err != nil {
			return fmt.Errorf("sync status %s: %w", status, err)
		}
		s.statusIDs[status] = id
	}
	return nil
}

// SyncErrorTypes upserts every known error type into the lookup table and
// caches the assigned ids.
func (s *AnalysisStore) SyncErrorTypes(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, et := range domain.ErrorTypes {
		var id int32
		err := s.pool.QueryRow(ctx,
			`INSERT INTO analysis_error (value, description) VALUES ($1, $2)
			 ON CONFLICT (value) DO UPDATE SET description = EXCLUDED.description
			 RETURNING id`,
			string(et), et.Description()).Scan(&id)
		if err != nil {
			return fmt.Errorf("sync error type %s: %w", et, err)
		}
		s.errorIDs[et] = id
	}
	return nil
}

func (s *AnalysisStore) statusID(status domain.Status) (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.statusIDs[status]
	if !ok {
		return 0, fmt.Errorf("status %s not synced", status)
	}
	return id, nil
}

func (s *AnalysisStore) errorID(et domain.ErrorType) (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.errorIDs[et]
	if !ok {
		return 0, fmt.Errorf("error type %s not synced", et)
	}
	return id, nil
}

// analysisColumns is the column list shared by all full-row analysis queries.
const analysisColumns = `a.id, a.name, s.value, e.value, a.error_msg,
       a.run_start, a.run_time, a.cost, a.git_commit, a.sample_sheet, a.final_output_dir,
       t.name, t.cpus, t.mem_gb, t.disk_gb, t.max_run_time,
       t.graph_config, t.resource_kit, t.platform_config, t.startup_script`

const analysisFrom = ` FROM analysis a
       JOIN analysis_type t ON a.type_id = t.id
       JOIN analysis_status s ON a.status_id = s.id
       LEFT JOIN analysis_error e ON a.error_id = e.id`

func scanAnalysis(row pgx.Row) (domain.Analysis, error) {
	var (
		a             domain.Analysis
		statusVal     string
		errorVal      pgtype.Text
		runStart      *time.Time
		runTime, cost pgtype.Float8
		gitCommit     pgtype.Text
		startupScript pgtype.Text
	)
	err := row.Scan(&a.ID, &a.Name, &statusVal, &errorVal, &a.ErrorMsg,
		&runStart, &runTime, &cost, &gitCommit, &a.SampleSheet, &a.FinalOutputDir,
		&a.Type.Name, &a.Type.CPUs, &a.Type.MemGB, &a.Type.DiskGB, &a.Type.MaxRunTime,
		&a.Type.GraphConfig, &a.Type.ResourceKit, &a.Type.PlatformConf, &startupScript)
	if err != nil {
		return domain.Analysis{}, err
	}

	status, ok := domain.ParseStatus(statusVal)
	if !ok {
		return domain.Analysis{}, fmt.Errorf("analysis %d has unknown status %q", a.ID, statusVal)
	}
	a.Status = status
	if errorVal.Valid {
		et := domain.ErrorType(errorVal.String)
		a.ErrorType = &et
	}
	a.RunStart = runStart
	if runTime.Valid {
		a.RunTimeHours = &runTime.Float64
	}
	if cost.Valid {
		a.Cost = &cost.Float64
	}
	if gitCommit.Valid {
		a.GitCommit = &gitCommit.String
	}
	a.Type.StartupScript = startupScript.String
	return a, nil
}

// Get returns one analysis by id, or ErrNotFound.
func (s *AnalysisStore) Get(ctx context.Context, id int64) (domain.Analysis, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+analysisColumns+analysisFrom+` WHERE a.id = $1`, id)
	a, err := scanAnalysis(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Analysis{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return domain.Analysis{}, fmt.Errorf("get analysis %d: %w", id, err)
	}
	return a, nil
}

// ListByStatus returns every analysis in the given status, oldest first.
func (s *AnalysisStore) ListByStatus(ctx context.Context, status domain.Status) ([]domain.Analysis, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+analysisColumns+analysisFrom+` WHERE s.value = $1 ORDER BY a.id`,
		string(status))
	if err != nil {
		return nil, fmt.Errorf("list %s analyses: %w", status, err)
	}
	defer rows.Close()

	var result []domain.Analysis
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, fmt.Errorf("scan analysis: %w", err)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// ListOrphaned returns ids of analyses whose status implies a live runner
// that this process does not have. Only meaningful before workers start.
func (s *AnalysisStore) ListOrphaned(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT a.id FROM analysis a JOIN analysis_status s ON a.status_id = s.id
		 WHERE s.value NOT IN ($1, $2, $3) ORDER BY a.id`,
		string(domain.StatusIdle), string(domain.StatusFailed), string(domain.StatusSuccess))
	if err != nil {
		return nil, fmt.Errorf("list orphaned analyses: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan orphan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Exists reports whether an analysis row with the given id exists.
func (s *AnalysisStore) Exists(ctx context.Context, id int64) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM analysis WHERE id = $1)`, id).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check analysis %d: %w", id, err)
	}
	return ok, nil
}

// HasCost reports whether the analysis already has a recorded cost, which
// marks it as already reported.
func (s *AnalysisStore) HasCost(ctx context.Context, id int64) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT cost IS NOT NULL FROM analysis WHERE id = $1`, id).Scan(&ok)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return false, fmt.Errorf("check cost for analysis %d: %w", id, err)
	}
	return ok, nil
}

// UpdateStatus sets the analysis status.
func (s *AnalysisStore) UpdateStatus(ctx context.Context, id int64, status domain.Status) error {
	statusID, err := s.statusID(status)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE analysis SET status_id = $2, updated_at = now() WHERE id = $1`,
		id, statusID)
	if err != nil {
		return fmt.Errorf("update analysis %d status to %s: %w", id, status, err)
	}
	return nil
}

// errorMessage joins the canned message for an error type with optional
// extra detail.
func errorMessage(et domain.ErrorType, extra string) string {
	msg := et.Message()
	if extra = strings.TrimSpace(extra); extra != "" {
		msg = msg + " " + extra
	}
	return msg
}

// MarkLaunched transitions the row to READY and stamps run_start, in one
// transaction. Called by the launch worker once per admitted pipeline.
func (s *AnalysisStore) MarkLaunched(ctx context.Context, id int64, runStart time.Time) error {
	statusID, err := s.statusID(domain.StatusReady)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin launch tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	_, err = tx.Exec(ctx,
		`UPDATE analysis SET status_id = $2, run_start = $3, updated_at = now() WHERE id = $1`,
		id, statusID, runStart)
	if err != nil {
		return fmt.Errorf("mark analysis %d launched: %w", id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit launch tx: %w", err)
	}
	return nil
}

// MarkFailed transitions the row to FAILED with the given error type and
// message detail, in one transaction.
func (s *AnalysisStore) MarkFailed(ctx context.Context, id int64, et domain.ErrorType, extra string) error {
	statusID, err := s.statusID(domain.StatusFailed)
	if err != nil {
		return err
	}
	errID, err := s.errorID(et)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin fail tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	_, err = tx.Exec(ctx,
		`UPDATE analysis SET status_id = $2, error_id = $3, error_msg = $4, updated_at = now()
		 WHERE id = $1`,
		id, statusID, errID, errorMessage(et, extra))
	if err != nil {
		return fmt.Errorf("mark analysis %d failed: %w", id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit fail tx: %w", err)
	}
	return nil
}

// Retire records the measured runtime and the provisional terminal row for a
// finished runner, in one transaction. The report worker later overwrites
// the REPORT placeholder with the authoritative outcome.
func (s *AnalysisStore) Retire(ctx context.Context, id int64, runTimeHours float64, et domain.ErrorType, extra string) error {
	statusID, err := s.statusID(domain.StatusFailed)
	if err != nil {
		return err
	}
	errID, err := s.errorID(et)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin retire tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	_, err = tx.Exec(ctx,
		`UPDATE analysis SET run_time = $2, status_id = $3, error_id = $4, error_msg = $5, updated_at = now()
		 WHERE id = $1`,
		id, runTimeHours, statusID, errID, errorMessage(et, extra))
	if err != nil {
		return fmt.Errorf("retire analysis %d: %w", id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit retire tx: %w", err)
	}
	return nil
}

// ReportResult is everything the report worker writes for one completion
// report.
type ReportResult struct {
	AnalysisID int64
	Cost       float64
	GitCommit  string
	Files      []domain.OutputFile
	QCStats    []domain.QCStat
	Success    bool
	ErrorMsg   string
}

// ApplyReport writes the authoritative pipeline outcome in one transaction:
// cost, git commit, confirmed output files, QC stats, and the final
// status+error row. A failure outcome only overwrites the provisional
// REPORT/RUN rows left by the run worker; harder errors stay untouched.
func (s *AnalysisStore) ApplyReport(ctx context.Context, r ReportResult) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin report tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	_, err = tx.Exec(ctx,
		`UPDATE analysis SET cost = $2, updated_at = now() WHERE id = $1`,
		r.AnalysisID, r.Cost)
	if err != nil {
		return fmt.Errorf("set cost for analysis %d: %w", r.AnalysisID, err)
	}
	if r.GitCommit != "" {
		_, err = tx.Exec(ctx,
			`UPDATE analysis SET git_commit = $2 WHERE id = $1`,
			r.AnalysisID, r.GitCommit)
		if err != nil {
			return fmt.Errorf("set git commit for analysis %d: %w", r.AnalysisID, err)
		}
	}

	for _, f := range r.Files {
		if !f.Found {
			continue
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO analysis_output (analysis_id, path, file_type, task_id)
			 VALUES ($1, $2, $3, $4) ON CONFLICT (analysis_id, path) DO NOTHING`,
			r.AnalysisID, f.Path, f.FileType, f.TaskID)
		if err != nil {
			return fmt.Errorf("register output %s: %w", f.Path, err)
		}
	}

	for _, q := range r.QCStats {
		_, err = tx.Exec(ctx,
			`INSERT INTO analysis_qc_stat (analysis_id, sample, metric, task, source_file, value, note)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (analysis_id, sample, metric, task, source_file) DO NOTHING`,
			r.AnalysisID, q.Sample, q.Metric, q.Task, q.SourceFile, q.Value, q.Note)
		if err != nil {
			return fmt.Errorf("insert qc stat %s/%s: %w", q.Sample, q.Metric, err)
		}
	}

	if err := s.applyReportOutcome(ctx, tx, r); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit report tx: %w", err)
	}
	return nil
}

func (s *AnalysisStore) applyReportOutcome(ctx context.Context, tx pgx.Tx, r ReportResult) error {
	if r.Success {
		successID, err := s.statusID(domain.StatusSuccess)
		if err != nil {
			return err
		}
		noneID, err := s.errorID(domain.ErrNone)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`UPDATE analysis SET status_id = $2, error_id = $3, error_msg = $4, updated_at = now()
			 WHERE id = $1`,
			r.AnalysisID, successID, noneID, domain.ErrNone.Message())
		if err != nil {
			return fmt.Errorf("mark analysis %d success: %w", r.AnalysisID, err)
		}
		return nil
	}

	var current pgtype.Text
	err := tx.QueryRow(ctx,
		`SELECT e.value FROM analysis a LEFT JOIN analysis_error e ON a.error_id = e.id
		 WHERE a.id = $1 FOR UPDATE OF a`,
		r.AnalysisID).Scan(&current)
	if err != nil {
		return fmt.Errorf("read current error for analysis %d: %w", r.AnalysisID, err)
	}

	// Only the provisional rows are overwritten with the report's failure;
	// INIT/LOAD/CANCEL errors recorded earlier are more specific.
	overwrite := !current.Valid ||
		current.String == string(domain.ErrReport) ||
		current.String == string(domain.ErrRun)
	if !overwrite {
		return nil
	}

	failedID, err := s.statusID(domain.StatusFailed)
	if err != nil {
		return err
	}
	runErrID, err := s.errorID(domain.ErrRun)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`UPDATE analysis SET status_id = $2, error_id = $3, error_msg = $4, updated_at = now()
		 WHERE id = $1`,
		r.AnalysisID, failedID, runErrID, errorMessage(domain.ErrRun, r.ErrorMsg))
	if err != nil {
		return fmt.Errorf("mark analysis %d report failure: %w", r.AnalysisID, err)
	}
	return nil
}
