package persistence

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/MimeLyc/pagescan-ocr/internal/jobs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql migrations/postgres/*.sql
var migrationFiles embed.FS

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ jobs.Store = (*SQLiteStore)(nil)

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	return applyMigrations(ctx, "migrations", func(ctx context.Context, version int, name, content string) error {
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if exists > 0 {
			return nil
		}
		if _, err := s.db.ExecContext(ctx, content); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		return nil
	})
}

// applyMigrations feeds every versioned .sql file of dir to apply in version order.
func applyMigrations(ctx context.Context, dir string, apply func(ctx context.Context, version int, name, content string) error) error {
	entries, err := migrationFiles.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version := migrationVersion(entry.Name())
		if version <= 0 {
			continue
		}
		content, err := migrationFiles.ReadFile(dir + "/" + entry.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if err := apply(ctx, version, entry.Name(), string(content)); err != nil {
			return err
		}
	}
	return nil
}

// migrationVersion extracts the leading integer from a migration filename (e.g. "001_init.sql" → 1).
func migrationVersion(name string) int {
	for i, c := range name {
		if c < '0' || c > '9' {
			if i == 0 {
				return 0
			}
			n, _ := strconv.Atoi(name[:i])
			return n
		}
	}
	n, _ := strconv.Atoi(name)
	return n
}

func (s *SQLiteStore) CreateJob(ctx context.Context, job *jobs.Job) error {
	if err := validateJob(job); err != nil {
		return err
	}
	stampNew(job, s.now())
	args := append([]any{job.ID, nullString(job.ParentJobID)}, jobArgs(job)...)
	args = append(args, job.Version, job.CreatedAt, job.UpdatedAt)
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return jobs.NewErrorf(jobs.ErrConflict, "job %s already exists", job.ID)
		}
		return jobs.WrapError(err, jobs.ErrIO, "insert job").WithContext("job_id", job.ID)
	}
	return nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobs.NewErrorf(jobs.ErrNotFound, "job %s not found", id)
	}
	if err != nil {
		return nil, jobs.WrapError(err, jobs.ErrIO, "load job").WithContext("job_id", id)
	}
	return job, nil
}

func (s *SQLiteStore) ListActiveJobs(ctx context.Context) ([]*jobs.Job, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+jobColumns+`
		 FROM jobs
		 WHERE status IN (?, ?)
		 ORDER BY created_at ASC`,
		string(jobs.StatusPending),
		string(jobs.StatusRunning),
	)
	if err != nil {
		return nil, jobs.WrapError(err, jobs.ErrIO, "list active jobs")
	}
	defer rows.Close()

	ret := make([]*jobs.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, jobs.WrapError(err, jobs.ErrIO, "scan job")
		}
		ret = append(ret, job)
	}
	if err := rows.Err(); err != nil {
		return nil, jobs.WrapError(err, jobs.ErrIO, "list active jobs")
	}
	return ret, nil
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, job *jobs.Job) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.updateJobTx(ctx, tx, job)
	})
}

func (s *SQLiteStore) CommitStep(ctx context.Context, job *jobs.Job, out jobs.StepOutput) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if out.Frames != nil {
			if err := replaceFrames(ctx, tx, job.ID, out.Frames); err != nil {
				return err
			}
		}
		if out.Paragraphs != nil {
			if err := replaceParagraphs(ctx, tx, job.ID, out.Paragraphs); err != nil {
				return err
			}
		}
		return s.updateJobTx(ctx, tx, job)
	})
}

func (s *SQLiteStore) ResetFrom(ctx context.Context, job *jobs.Job, step jobs.Step) error {
	if !step.Valid() {
		return jobs.NewErrorf(jobs.ErrValidation, "invalid step %d", uint8(step))
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.updateJobTx(ctx, tx, job); err != nil {
			return err
		}
		if clearsFrameManifest(step) {
			if _, err := tx.ExecContext(ctx, `DELETE FROM job_frames WHERE job_id = ?`, job.ID); err != nil {
				return err
			}
		} else if clearsFrameResults(step) {
			if _, err := tx.ExecContext(
				ctx,
				`UPDATE job_frames SET text = '', error = '', attempts = 0, done = 0 WHERE job_id = ?`,
				job.ID,
			); err != nil {
				return err
			}
		}
		if clearsBatchState(step) {
			if _, err := tx.ExecContext(ctx, `DELETE FROM job_batches WHERE job_id = ?`, job.ID); err != nil {
				return err
			}
		}
		if clearsParagraphs(step) {
			if _, err := tx.ExecContext(ctx, `DELETE FROM job_paragraphs WHERE job_id = ?`, job.ID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLiteStore) updateJobTx(ctx context.Context, tx *sql.Tx, job *jobs.Job) error {
	if err := validateJob(job); err != nil {
		return err
	}
	now := s.now()
	args := append(jobArgs(job), now, job.ID, job.Version)
	res, err := tx.ExecContext(
		ctx,
		`UPDATE jobs SET
			upload_key = ?,
			variant = ?,
			current_step = ?,
			status = ?,
			failed_step = ?,
			error = ?,
			raw_zip_key = ?,
			crops_zip_key = ?,
			txt_key = ?,
			docx_key = ?,
			thumbnail_key = ?,
			txt_size = ?,
			docx_size = ?,
			version = version + 1,
			updated_at = ?
		 WHERE id = ? AND version = ?`,
		args...,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE id = ?`, job.ID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return jobs.NewErrorf(jobs.ErrNotFound, "job %s not found", job.ID)
		}
		return staleVersion(job)
	}
	job.Version++
	job.UpdatedAt = now
	return nil
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return jobs.WrapError(err, jobs.ErrIO, "begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		var pe *jobs.PipelineError
		if !errors.As(err, &pe) {
			err = jobs.WrapError(err, jobs.ErrIO, "write job state")
		}
		return err
	}
	if err = tx.Commit(); err != nil {
		return jobs.WrapError(err, jobs.ErrIO, "commit transaction")
	}
	return nil
}

func replaceFrames(ctx context.Context, tx *sql.Tx, jobID string, frames []jobs.FrameRecord) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM job_frames WHERE job_id = ?`, jobID); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(
		ctx,
		`INSERT INTO job_frames (
			job_id, idx, original_name, base_key, sequence_index, include_in_zip, text, error, attempts, done
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, f := range frames {
		if _, err := stmt.ExecContext(
			ctx,
			jobID,
			f.Index,
			f.OriginalName,
			f.BaseKey,
			f.SequenceIndex,
			boolToInt(f.IncludeInZip),
			f.Text,
			f.Error,
			f.Attempts,
			boolToInt(f.Done),
		); err != nil {
			return err
		}
	}
	return nil
}

func replaceParagraphs(ctx context.Context, tx *sql.Tx, jobID string, paragraphs []jobs.ParagraphRecord) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM job_paragraphs WHERE job_id = ?`, jobID); err != nil {
		return err
	}
	for _, p := range paragraphs {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO job_paragraphs (job_id, position, base_key, text) VALUES (?, ?, ?, ?)`,
			jobID,
			p.Position,
			p.BaseKey,
			p.Text,
		); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) LoadFrames(ctx context.Context, jobID string) ([]jobs.FrameRecord, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT idx, original_name, base_key, sequence_index, include_in_zip, text, error, attempts, done
		 FROM job_frames
		 WHERE job_id = ?
		 ORDER BY idx ASC`,
		jobID,
	)
	if err != nil {
		return nil, jobs.WrapError(err, jobs.ErrIO, "load frames").WithContext("job_id", jobID)
	}
	defer rows.Close()

	ret := make([]jobs.FrameRecord, 0)
	for rows.Next() {
		var (
			f       jobs.FrameRecord
			include int
			done    int
		)
		if err := rows.Scan(
			&f.Index,
			&f.OriginalName,
			&f.BaseKey,
			&f.SequenceIndex,
			&include,
			&f.Text,
			&f.Error,
			&f.Attempts,
			&done,
		); err != nil {
			return nil, jobs.WrapError(err, jobs.ErrIO, "scan frame").WithContext("job_id", jobID)
		}
		f.IncludeInZip = include == 1
		f.Done = done == 1
		ret = append(ret, f)
	}
	if err := rows.Err(); err != nil {
		return nil, jobs.WrapError(err, jobs.ErrIO, "load frames").WithContext("job_id", jobID)
	}
	return ret, nil
}

func (s *SQLiteStore) SaveFrameResults(ctx context.Context, jobID string, frames []jobs.FrameRecord) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return updateFrameResults(ctx, tx, jobID, frames)
	})
}

// CommitRound records the outcome of a batch round: frame results and the
// batch status land together or not at all.
func (s *SQLiteStore) CommitRound(ctx context.Context, jobID string, frames []jobs.FrameRecord, state jobs.BatchState) error {
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = s.now()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := updateFrameResults(ctx, tx, jobID, frames); err != nil {
			return err
		}
		return upsertBatchState(ctx, tx, state)
	})
}

func updateFrameResults(ctx context.Context, tx *sql.Tx, jobID string, frames []jobs.FrameRecord) error {
	for _, f := range frames {
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE job_frames SET text = ?, error = ?, attempts = ?, done = ?
			 WHERE job_id = ? AND idx = ?`,
			f.Text,
			f.Error,
			f.Attempts,
			boolToInt(f.Done),
			jobID,
			f.Index,
		); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) LoadBatchState(ctx context.Context, jobID string) (*jobs.BatchState, bool, error) {
	var state jobs.BatchState
	err := s.db.QueryRowContext(
		ctx,
		`SELECT job_id, batch_id, status, round, request_key, updated_at
		 FROM job_batches
		 WHERE job_id = ?`,
		jobID,
	).Scan(&state.JobID, &state.BatchID, &state.Status, &state.Round, &state.RequestKey, &state.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, jobs.WrapError(err, jobs.ErrIO, "load batch state").WithContext("job_id", jobID)
	}
	return &state, true, nil
}

func (s *SQLiteStore) SaveBatchState(ctx context.Context, state jobs.BatchState) error {
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = s.now()
	}
	if err := upsertBatchState(ctx, s.db, state); err != nil {
		return jobs.WrapError(err, jobs.ErrIO, "save batch state").WithContext("job_id", state.JobID)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertBatchState(ctx context.Context, db execer, state jobs.BatchState) error {
	_, err := db.ExecContext(
		ctx,
		`INSERT INTO job_batches (job_id, batch_id, status, round, request_key, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET
			batch_id=excluded.batch_id,
			status=excluded.status,
			round=excluded.round,
			request_key=excluded.request_key,
			updated_at=excluded.updated_at`,
		state.JobID,
		state.BatchID,
		state.Status,
		state.Round,
		state.RequestKey,
		state.UpdatedAt.UTC(),
	)
	return err
}

func (s *SQLiteStore) LoadParagraphs(ctx context.Context, jobID string) ([]jobs.ParagraphRecord, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT position, base_key, text FROM job_paragraphs WHERE job_id = ? ORDER BY position ASC`,
		jobID,
	)
	if err != nil {
		return nil, jobs.WrapError(err, jobs.ErrIO, "load paragraphs").WithContext("job_id", jobID)
	}
	defer rows.Close()

	ret := make([]jobs.ParagraphRecord, 0)
	for rows.Next() {
		var p jobs.ParagraphRecord
		if err := rows.Scan(&p.Position, &p.BaseKey, &p.Text); err != nil {
			return nil, jobs.WrapError(err, jobs.ErrIO, "scan paragraph").WithContext("job_id", jobID)
		}
		ret = append(ret, p)
	}
	if err := rows.Err(); err != nil {
		return nil, jobs.WrapError(err, jobs.ErrIO, "load paragraphs").WithContext("job_id", jobID)
	}
	return ret, nil
}
