package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/target/memscope/internal/core"
	"github.com/target/memscope/internal/data/database"
	"github.com/target/memscope/internal/data/pgxutil"
	"github.com/target/memscope/internal/domain/model"
	apperrors "github.com/target/memscope/internal/errors"
)

const (
	archiveTable        = "job_archive"
	defaultArchiveLimit = 50
	maxArchiveLimit     = 500
)

var archiveColumns = []string{"snapshot", "report", "report_format"}

// JobArchiveRepo persists terminal jobs in Postgres so they outlive the in-memory job table.
// Each job is stored as a JSON snapshot with its rendered report; findings are also flattened
// into job_archive_findings for ad-hoc querying.
type JobArchiveRepo struct {
	DB  *sql.DB
	now func() time.Time
}

var _ core.JobArchiveRepository = (*JobArchiveRepo)(nil)

// NewJobArchiveRepo creates a JobArchiveRepo backed by db.
func NewJobArchiveRepo(db *sql.DB) (*JobArchiveRepo, error) {
	return NewJobArchiveRepoWithClock(db, time.Now)
}

// NewJobArchiveRepoWithClock creates a JobArchiveRepo that stamps archived_at from now.
func NewJobArchiveRepoWithClock(db *sql.DB, now func() time.Time) (*JobArchiveRepo, error) {
	if db == nil {
		return nil, ErrNilArchiveStore
	}
	if now == nil {
		now = time.Now
	}
	return &JobArchiveRepo{DB: db, now: now}, nil
}

// Archive upserts the job snapshot and replaces its flattened findings in one transaction.
func (r *JobArchiveRepo) Archive(ctx context.Context, job *model.Job) error {
	if job == nil || job.ID == "" {
		return ErrJobIDRequired
	}
	if !job.State.Terminal() {
		return fmt.Errorf("%w: job %s is %s", ErrJobNotTerminal, job.ID, job.State)
	}

	snapshot, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job snapshot: %w", err)
	}
	var errorCode *string
	if job.ErrorDetail != nil {
		errorCode = &job.ErrorDetail.Code
	}

	err = pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{Fn: func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO job_archive (
				id, instance_id, instance_name, state, error_code, created_at, completed_at,
				archived_at, snapshot, report, report_format
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (id) DO UPDATE SET
				state = EXCLUDED.state,
				error_code = EXCLUDED.error_code,
				completed_at = EXCLUDED.completed_at,
				archived_at = EXCLUDED.archived_at,
				snapshot = EXCLUDED.snapshot,
				report = EXCLUDED.report,
				report_format = EXCLUDED.report_format
		`,
			job.ID,
			job.Subject.InstanceID,
			job.Subject.InstanceName,
			string(job.State),
			errorCode,
			job.CreatedAt.UTC(),
			job.CompletedAt,
			r.now().UTC(),
			snapshot,
			job.Report,
			job.ReportFormat,
		); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM job_archive_findings WHERE job_id = $1`, job.ID); err != nil {
			return err
		}
		return insertFindings(ctx, tx, job.ID, archivedDocument(job))
	}})
	if err != nil {
		return fmt.Errorf("archive job %s: %w", job.ID, apperrors.MapDBError(err))
	}
	return nil
}

// archivedDocument picks the document whose findings are indexed: the full result when the job
// completed, otherwise any partial result it retained.
func archivedDocument(job *model.Job) *model.ResultDocument {
	if job.Result != nil {
		return job.Result
	}
	return job.PartialResult
}

func insertFindings(ctx context.Context, tx *sql.Tx, jobID string, doc *model.ResultDocument) error {
	if doc == nil || len(doc.Findings) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO job_archive_findings (job_id, category, tool, phase, rule, value, "offset")
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	categories := make([]string, 0, len(doc.Findings))
	for c := range doc.Findings {
		categories = append(categories, c)
	}
	sort.Strings(categories)
	for _, c := range categories {
		for _, f := range doc.Findings[c] {
			if _, err := stmt.ExecContext(ctx, jobID, c, f.Tool, f.Phase, f.Rule, f.Value, f.Offset); err != nil {
				return err
			}
		}
	}
	return nil
}

// GetByID loads an archived job, including its rendered report.
func (r *JobArchiveRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	if id == "" {
		return nil, ErrJobIDRequired
	}
	query, args := database.BuildListQuery(database.NewListQueryOptions(archiveTable,
		database.WithColumns(archiveColumns...),
		database.WithCondition(database.WhereCond("id", database.Equal, id)),
	))
	job, err := scanArchivedJob(r.DB.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return job, nil
}

// List returns archived jobs newest first, filtered by instance and state when given.
func (r *JobArchiveRepo) List(ctx context.Context, opts model.ArchiveListOptions) ([]*model.Job, error) {
	limit := opts.Limit
	switch {
	case limit <= 0:
		limit = defaultArchiveLimit
	case limit > maxArchiveLimit:
		limit = maxArchiveLimit
	}
	query, args := database.BuildListQuery(database.NewListQueryOptions(archiveTable,
		database.WithColumns(archiveColumns...),
		database.WithCondition(database.WhereCond("instance_id", database.Equal, opts.InstanceID)),
		database.WithCondition(database.WhereCond("state", database.Equal, string(opts.State))),
		database.WithOrderBy("completed_at", "DESC"),
		database.WithLimit(limit),
		database.WithOffset(max(opts.Offset, 0)),
	))

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list archived jobs: %w", apperrors.MapDBError(err))
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, err := scanArchivedJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate archived jobs: %w", err)
	}
	return jobs, nil
}

// DeleteBefore removes archive rows completed before cutoff and reports how many were removed.
func (r *JobArchiveRepo) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM job_archive WHERE completed_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete archived jobs: %w", apperrors.MapDBError(err))
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArchivedJob(row rowScanner) (*model.Job, error) {
	var (
		snapshot []byte
		report   []byte
		format   string
	)
	if err := row.Scan(&snapshot, &report, &format); err != nil {
		return nil, err
	}
	var job model.Job
	if err := json.Unmarshal(snapshot, &job); err != nil {
		return nil, fmt.Errorf("decode job snapshot: %w", err)
	}
	job.Report = report
	job.ReportFormat = format
	return &job, nil
}
