package pipeline

import (
	"context"

	"github.com/MimeLyc/pagescan-ocr/internal/jobs"
	"github.com/MimeLyc/pagescan-ocr/pkg/log"
)

// RetryJob resumes jobID at its current step. A completed job whose
// documents still exist is returned untouched. A failed job is reopened;
// when it failed waiting for recognition, frames that ran out of attempts
// get a fresh budget.
func (p *Pipeline) RetryJob(ctx context.Context, jobID string) (*jobs.Job, error) {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == jobs.StatusCompleted {
		ok, err := p.outputsExist(ctx, job)
		if err != nil {
			return nil, err
		}
		if ok {
			log.Info("Job %s already completed, nothing to retry", jobID)
			return job, nil
		}
	}

	if job.Status.Terminal() {
		if !p.acquire(jobID) {
			return nil, jobs.NewErrorf(jobs.ErrConflict, "job %s is busy", jobID)
		}
		err := p.reopen(ctx, job)
		p.release(jobID)
		if err != nil {
			return nil, err
		}
		log.Info("Job %s reopened at step %s", jobID, job.CurrentStep)
	}

	return p.startAndReload(ctx, jobID)
}

func (p *Pipeline) reopen(ctx context.Context, job *jobs.Job) error {
	if job.Status == jobs.StatusFailed && job.CurrentStep == jobs.StepCreateAndAwaitBatch {
		frames, err := p.store.LoadFrames(ctx, job.ID)
		if err != nil {
			return err
		}
		var refreshed []jobs.FrameRecord
		for _, f := range frames {
			if !f.Done && f.Attempts >= p.opts.MaxItemAttempts {
				f.Attempts = 0
				refreshed = append(refreshed, f)
			}
		}
		if len(refreshed) > 0 {
			if err := p.store.SaveFrameResults(ctx, job.ID, refreshed); err != nil {
				return err
			}
		}
	}
	job.Status = jobs.StatusPending
	job.FailedStep = nil
	job.Error = ""
	return p.store.UpdateJob(ctx, job)
}

// RetryFromStep redoes jobID starting at step. Everything produced by step
// and later steps is discarded first; earlier artifacts are reused as they
// are. The job record stops pointing at stale objects before they are
// deleted, so a crash in between leaves orphans but no dangling keys.
func (p *Pipeline) RetryFromStep(ctx context.Context, jobID string, step jobs.Step) (*jobs.Job, error) {
	if !step.Valid() {
		return nil, jobs.NewErrorf(jobs.ErrValidation, "unknown step %d", uint8(step))
	}
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.Variant.Contains(step) {
		return nil, jobs.NewErrorf(jobs.ErrConflict, "step %s is not part of variant %s", step, job.Variant).
			WithContext("job_id", jobID)
	}
	if job.CurrentStep.Before(step) {
		return nil, jobs.NewErrorf(jobs.ErrConflict, "job %s has not reached step %s", jobID, step).
			WithContext("current_step", job.CurrentStep.String())
	}

	if !p.acquire(jobID) {
		return nil, jobs.NewErrorf(jobs.ErrConflict, "job %s is busy", jobID)
	}
	stale, err := p.reset(ctx, job, step)
	p.release(jobID)
	if err != nil {
		return nil, err
	}
	for _, key := range stale {
		if err := p.objects.Delete(ctx, key); err != nil {
			log.Warn("Job %s: delete stale object %s: %v", jobID, key, err)
		}
	}
	log.Info("Job %s reset to step %s, %d stale objects removed", jobID, step, len(stale))

	return p.startAndReload(ctx, jobID)
}

// reset rewinds the job record and rows to step and returns the object keys
// that became stale.
func (p *Pipeline) reset(ctx context.Context, job *jobs.Job, step jobs.Step) ([]string, error) {
	stale := job.Artifacts.KeysFrom(step)
	if !jobs.StepCreateAndAwaitBatch.Before(step) {
		stale = append(stale, p.batchObjectKeys(ctx, job.ID)...)
	}

	job.Artifacts.ClearFrom(step)
	job.CurrentStep = step
	job.Status = jobs.StatusPending
	job.FailedStep = nil
	job.Error = ""
	if err := p.store.ResetFrom(ctx, job, step); err != nil {
		return nil, err
	}
	return stale, nil
}

func (p *Pipeline) startAndReload(ctx context.Context, jobID string) (*jobs.Job, error) {
	runErr := p.start(ctx, jobID)
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return job, runErr
}
