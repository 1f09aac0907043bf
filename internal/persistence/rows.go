package persistence

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/MimeLyc/pagescan-ocr/internal/jobs"
)

const jobColumns = `id, parent_job_id, upload_key, variant, current_step, status, failed_step, error,
	raw_zip_key, crops_zip_key, txt_key, docx_key, thumbnail_key, txt_size, docx_size,
	version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*jobs.Job, error) {
	var (
		job         jobs.Job
		parent      sql.NullString
		variant     string
		currentStep string
		status      string
		failedStep  sql.NullString
	)
	if err := row.Scan(
		&job.ID,
		&parent,
		&job.UploadKey,
		&variant,
		&currentStep,
		&status,
		&failedStep,
		&job.Error,
		&job.Artifacts.RawZipKey,
		&job.Artifacts.CropsZipKey,
		&job.Artifacts.TxtKey,
		&job.Artifacts.DocxKey,
		&job.Artifacts.ThumbnailKey,
		&job.Artifacts.TxtSize,
		&job.Artifacts.DocxSize,
		&job.Version,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if parent.Valid {
		job.ParentJobID = &parent.String
	}
	job.Variant = jobs.Variant(variant)
	step, err := jobs.ParseStep(currentStep)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", job.ID, err)
	}
	job.CurrentStep = step
	job.Status = jobs.Status(status)
	if failedStep.Valid && failedStep.String != "" {
		fs, err := jobs.ParseStep(failedStep.String)
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", job.ID, err)
		}
		job.FailedStep = &fs
	}
	return &job, nil
}

// jobArgs lists the mutable columns in update order.
func jobArgs(job *jobs.Job) []any {
	return []any{
		job.UploadKey,
		string(job.Variant),
		job.CurrentStep.String(),
		string(job.Status),
		nullStep(job.FailedStep),
		job.Error,
		job.Artifacts.RawZipKey,
		job.Artifacts.CropsZipKey,
		job.Artifacts.TxtKey,
		job.Artifacts.DocxKey,
		job.Artifacts.ThumbnailKey,
		job.Artifacts.TxtSize,
		job.Artifacts.DocxSize,
	}
}

func nullStep(step *jobs.Step) sql.NullString {
	if step == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: step.String(), Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func validateJob(job *jobs.Job) error {
	if job == nil {
		return jobs.NewError(jobs.ErrValidation, "job is nil")
	}
	if strings.TrimSpace(job.ID) == "" {
		return jobs.NewError(jobs.ErrValidation, "job id is required")
	}
	if !job.Variant.Valid() {
		return jobs.NewErrorf(jobs.ErrValidation, "unknown variant %q", job.Variant)
	}
	if !job.Variant.Contains(job.CurrentStep) {
		return jobs.NewErrorf(jobs.ErrValidation, "step %s is not part of variant %s", job.CurrentStep, job.Variant)
	}
	if !job.Status.Valid() {
		return jobs.NewErrorf(jobs.ErrValidation, "unknown status %q", job.Status)
	}
	return nil
}

// stampNew fills creation defaults before the first insert.
func stampNew(job *jobs.Job, now time.Time) {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.Version == 0 {
		job.Version = 1
	}
}

// Rows owned by each step. Frame texts belong to the batch step while the
// manifest rows themselves belong to preprocessing.
func clearsFrameManifest(step jobs.Step) bool {
	return !jobs.StepPreprocessImagesAndCrops.Before(step)
}

func clearsFrameResults(step jobs.Step) bool {
	return !jobs.StepCreateAndAwaitBatch.Before(step)
}

func clearsBatchState(step jobs.Step) bool {
	return !jobs.StepCreateAndAwaitBatch.Before(step)
}

func clearsParagraphs(step jobs.Step) bool {
	return !jobs.StepSaveResultsToDb.Before(step)
}

func staleVersion(job *jobs.Job) error {
	return jobs.NewErrorf(jobs.ErrConflict, "job %s was modified concurrently", job.ID).
		WithContext("version", job.Version)
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
