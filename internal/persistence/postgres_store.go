package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MimeLyc/pagescan-ocr/internal/jobs"
)

const pgUniqueViolation = "23505"

// PostgresStore is the job store for deployments running several workers
// against one database.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ jobs.Store = (*PostgresStore)(nil)

func NewPostgresStore(ctx context.Context, dsn string, maxConns int32) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("db url is required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse db url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store := &PostgresStore{pool: pool, now: func() time.Time { return time.Now().UTC() }}
	if err := store.init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) init(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return applyMigrations(ctx, "migrations/postgres", func(ctx context.Context, version int, name, content string) error {
		tag, err := s.pool.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING`, version)
		if err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		if _, err := s.pool.Exec(ctx, content); err != nil {
			_, _ = s.pool.Exec(ctx, `DELETE FROM schema_migrations WHERE version = $1`, version)
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		return nil
	})
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *jobs.Job) error {
	if err := validateJob(job); err != nil {
		return err
	}
	stampNew(job, s.now())
	args := append([]any{job.ID, nullString(job.ParentJobID)}, jobArgs(job)...)
	args = append(args, job.Version, job.CreatedAt, job.UpdatedAt)
	_, err := s.pool.Exec(
		ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		args...,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return jobs.NewErrorf(jobs.ErrConflict, "job %s already exists", job.ID)
		}
		return jobs.WrapError(err, jobs.ErrIO, "insert job").WithContext("job_id", job.ID)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, jobs.NewErrorf(jobs.ErrNotFound, "job %s not found", id)
	}
	if err != nil {
		return nil, jobs.WrapError(err, jobs.ErrIO, "load job").WithContext("job_id", id)
	}
	return job, nil
}

func (s *PostgresStore) ListActiveJobs(ctx context.Context) ([]*jobs.Job, error) {
	rows, err := s.pool.Query(
		ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status IN ($1, $2) ORDER BY created_at ASC`,
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

func (s *PostgresStore) UpdateJob(ctx context.Context, job *jobs.Job) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		return s.updateJobTx(ctx, tx, job)
	})
}

func (s *PostgresStore) CommitStep(ctx context.Context, job *jobs.Job, out jobs.StepOutput) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if out.Frames != nil {
			if _, err := tx.Exec(ctx, `DELETE FROM job_frames WHERE job_id = $1`, job.ID); err != nil {
				return err
			}
			rows := make([][]any, 0, len(out.Frames))
			for _, f := range out.Frames {
				rows = append(rows, []any{
					job.ID, f.Index, f.OriginalName, f.BaseKey, f.SequenceIndex,
					f.IncludeInZip, f.Text, f.Error, f.Attempts, f.Done,
				})
			}
			if _, err := tx.CopyFrom(
				ctx,
				pgx.Identifier{"job_frames"},
				[]string{"job_id", "idx", "original_name", "base_key", "sequence_index", "include_in_zip", "text", "error", "attempts", "done"},
				pgx.CopyFromRows(rows),
			); err != nil {
				return err
			}
		}
		if out.Paragraphs != nil {
			if _, err := tx.Exec(ctx, `DELETE FROM job_paragraphs WHERE job_id = $1`, job.ID); err != nil {
				return err
			}
			batch := &pgx.Batch{}
			for _, p := range out.Paragraphs {
				batch.Queue(
					`INSERT INTO job_paragraphs (job_id, position, base_key, text) VALUES ($1, $2, $3, $4)`,
					job.ID, p.Position, p.BaseKey, p.Text,
				)
			}
			if err := tx.SendBatch(ctx, batch).Close(); err != nil {
				return err
			}
		}
		return s.updateJobTx(ctx, tx, job)
	})
}

func (s *PostgresStore) ResetFrom(ctx context.Context, job *jobs.Job, step jobs.Step) error {
	if !step.Valid() {
		return jobs.NewErrorf(jobs.ErrValidation, "invalid step %d", uint8(step))
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if err := s.updateJobTx(ctx, tx, job); err != nil {
			return err
		}
		var stmts []string
		switch {
		case clearsFrameManifest(step):
			stmts = append(stmts, `DELETE FROM job_frames WHERE job_id = $1`)
		case clearsFrameResults(step):
			stmts = append(stmts, `UPDATE job_frames SET text = '', error = '', attempts = 0, done = FALSE WHERE job_id = $1`)
		}
		if clearsBatchState(step) {
			stmts = append(stmts, `DELETE FROM job_batches WHERE job_id = $1`)
		}
		if clearsParagraphs(step) {
			stmts = append(stmts, `DELETE FROM job_paragraphs WHERE job_id = $1`)
		}
		for _, stmt := range stmts {
			if _, err := tx.Exec(ctx, stmt, job.ID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) updateJobTx(ctx context.Context, tx pgx.Tx, job *jobs.Job) error {
	if err := validateJob(job); err != nil {
		return err
	}
	now := s.now()
	args := append(jobArgs(job), now, job.ID, job.Version)
	tag, err := tx.Exec(
		ctx,
		`UPDATE jobs SET
			upload_key = $1,
			variant = $2,
			current_step = $3,
			status = $4,
			failed_step = $5,
			error = $6,
			raw_zip_key = $7,
			crops_zip_key = $8,
			txt_key = $9,
			docx_key = $10,
			thumbnail_key = $11,
			txt_size = $12,
			docx_size = $13,
			version = version + 1,
			updated_at = $14
		 WHERE id = $15 AND version = $16`,
		args...,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, job.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return jobs.NewErrorf(jobs.ErrNotFound, "job %s not found", job.ID)
		}
		return staleVersion(job)
	}
	job.Version++
	job.UpdatedAt = now
	return nil
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	err := pgx.BeginFunc(ctx, s.pool, fn)
	if err == nil {
		return nil
	}
	var pe *jobs.PipelineError
	if errors.As(err, &pe) {
		return err
	}
	return jobs.WrapError(err, jobs.ErrIO, "write job state")
}

func (s *PostgresStore) LoadFrames(ctx context.Context, jobID string) ([]jobs.FrameRecord, error) {
	rows, err := s.pool.Query(
		ctx,
		`SELECT idx, original_name, base_key, sequence_index, include_in_zip, text, error, attempts, done
		 FROM job_frames WHERE job_id = $1 ORDER BY idx ASC`,
		jobID,
	)
	if err != nil {
		return nil, jobs.WrapError(err, jobs.ErrIO, "load frames").WithContext("job_id", jobID)
	}
	ret, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (jobs.FrameRecord, error) {
		var f jobs.FrameRecord
		err := row.Scan(&f.Index, &f.OriginalName, &f.BaseKey, &f.SequenceIndex, &f.IncludeInZip, &f.Text, &f.Error, &f.Attempts, &f.Done)
		return f, err
	})
	if err != nil {
		return nil, jobs.WrapError(err, jobs.ErrIO, "load frames").WithContext("job_id", jobID)
	}
	return ret, nil
}

func (s *PostgresStore) SaveFrameResults(ctx context.Context, jobID string, frames []jobs.FrameRecord) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		queueFrameResults(batch, jobID, frames)
		return tx.SendBatch(ctx, batch).Close()
	})
}

// CommitRound records the outcome of a batch round: frame results and the
// batch status land together or not at all.
func (s *PostgresStore) CommitRound(ctx context.Context, jobID string, frames []jobs.FrameRecord, state jobs.BatchState) error {
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = s.now()
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		queueFrameResults(batch, jobID, frames)
		batch.Queue(upsertBatchStateSQL,
			state.JobID, state.BatchID, state.Status, state.Round, state.RequestKey, state.UpdatedAt.UTC())
		return tx.SendBatch(ctx, batch).Close()
	})
}

func queueFrameResults(batch *pgx.Batch, jobID string, frames []jobs.FrameRecord) {
	for _, f := range frames {
		batch.Queue(
			`UPDATE job_frames SET text = $1, error = $2, attempts = $3, done = $4 WHERE job_id = $5 AND idx = $6`,
			f.Text, f.Error, f.Attempts, f.Done, jobID, f.Index,
		)
	}
}

func (s *PostgresStore) LoadBatchState(ctx context.Context, jobID string) (*jobs.BatchState, bool, error) {
	var state jobs.BatchState
	err := s.pool.QueryRow(
		ctx,
		`SELECT job_id, batch_id, status, round, request_key, updated_at FROM job_batches WHERE job_id = $1`,
		jobID,
	).Scan(&state.JobID, &state.BatchID, &state.Status, &state.Round, &state.RequestKey, &state.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, jobs.WrapError(err, jobs.ErrIO, "load batch state").WithContext("job_id", jobID)
	}
	return &state, true, nil
}

const upsertBatchStateSQL = `INSERT INTO job_batches (job_id, batch_id, status, round, request_key, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (job_id) DO UPDATE SET
		batch_id = EXCLUDED.batch_id,
		status = EXCLUDED.status,
		round = EXCLUDED.round,
		request_key = EXCLUDED.request_key,
		updated_at = EXCLUDED.updated_at`

func (s *PostgresStore) SaveBatchState(ctx context.Context, state jobs.BatchState) error {
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = s.now()
	}
	_, err := s.pool.Exec(ctx, upsertBatchStateSQL,
		state.JobID, state.BatchID, state.Status, state.Round, state.RequestKey, state.UpdatedAt.UTC(),
	)
	if err != nil {
		return jobs.WrapError(err, jobs.ErrIO, "save batch state").WithContext("job_id", state.JobID)
	}
	return nil
}

func (s *PostgresStore) LoadParagraphs(ctx context.Context, jobID string) ([]jobs.ParagraphRecord, error) {
	rows, err := s.pool.Query(
		ctx,
		`SELECT position, base_key, text FROM job_paragraphs WHERE job_id = $1 ORDER BY position ASC`,
		jobID,
	)
	if err != nil {
		return nil, jobs.WrapError(err, jobs.ErrIO, "load paragraphs").WithContext("job_id", jobID)
	}
	ret, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (jobs.ParagraphRecord, error) {
		var p jobs.ParagraphRecord
		err := row.Scan(&p.Position, &p.BaseKey, &p.Text)
		return p, err
	})
	if err != nil {
		return nil, jobs.WrapError(err, jobs.ErrIO, "load paragraphs").WithContext("job_id", jobID)
	}
	return ret, nil
}
