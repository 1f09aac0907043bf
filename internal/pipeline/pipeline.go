// Package pipeline drives OCR jobs through their steps. Each job runs its
// steps strictly in order; many jobs may run at once since all state is
// scoped by job id.
package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/MimeLyc/pagescan-ocr/internal/jobs"
	"github.com/MimeLyc/pagescan-ocr/internal/recognition"
	"github.com/MimeLyc/pagescan-ocr/internal/storage"
	"github.com/MimeLyc/pagescan-ocr/pkg/log"
)

const (
	defaultMaxItemAttempts   = 3
	defaultUploadConcurrency = 4
	defaultSignedURLTTL      = time.Hour
	// upper bound on steps taken by one Run, well above the step count
	maxStepsPerRun = 16
)

type Options struct {
	// WorkDir holds one scratch directory per job.
	WorkDir string
	// MaxItemAttempts bounds how often a single frame is sent for recognition.
	MaxItemAttempts   int
	UploadConcurrency int
	ThumbnailSize     int
	SignedURLTTL      time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxItemAttempts <= 0 {
		o.MaxItemAttempts = defaultMaxItemAttempts
	}
	if o.UploadConcurrency <= 0 {
		o.UploadConcurrency = defaultUploadConcurrency
	}
	if o.SignedURLTTL <= 0 {
		o.SignedURLTTL = defaultSignedURLTTL
	}
	return o
}

type Pipeline struct {
	store    jobs.Store
	objects  storage.Storage
	provider recognition.Provider
	opts     Options
	steps    map[jobs.Step]stepDef

	flight singleflight.Group
	mu     sync.Mutex
	busy   map[string]bool

	// dispatch hands a job to a background runner; nil runs inline.
	dispatch func(jobID string) bool
	newID    func() string
}

func New(store jobs.Store, objects storage.Storage, provider recognition.Provider, opts Options) *Pipeline {
	p := &Pipeline{
		store:    store,
		objects:  objects,
		provider: provider,
		opts:     opts.withDefaults(),
		busy:     make(map[string]bool),
		newID:    uuid.NewString,
	}
	p.steps = map[jobs.Step]stepDef{
		jobs.StepBuildRawZip:              p.buildRawZipStep(),
		jobs.StepPreprocessImagesAndCrops: p.preprocessStep(),
		jobs.StepCreateAndAwaitBatch:      p.batchStep(),
		jobs.StepSaveResultsToDb:          p.saveResultsStep(),
		jobs.StepBuildDocsAndCleanup:      p.buildDocsStep(),
	}
	return p
}

// WithDispatcher makes the retry operations hand jobs to fn instead of
// running them on the caller's goroutine.
func (p *Pipeline) WithDispatcher(fn func(jobID string) bool) *Pipeline {
	p.dispatch = fn
	return p
}

// stepDef is one pipeline stage. done reports whether the stage's output is
// already committed and present; after runs once the advance is committed
// and must not fail the job.
type stepDef struct {
	done  func(ctx context.Context, job *jobs.Job) (bool, error)
	run   func(ctx context.Context, job *jobs.Job) (jobs.StepOutput, error)
	after func(ctx context.Context, job *jobs.Job)
}

func (p *Pipeline) workDir(jobID string) string {
	return filepath.Join(p.opts.WorkDir, jobID)
}

func (p *Pipeline) acquire(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.busy[jobID] {
		return false
	}
	p.busy[jobID] = true
	return true
}

func (p *Pipeline) release(jobID string) {
	p.mu.Lock()
	delete(p.busy, jobID)
	p.mu.Unlock()
}

// Busy reports whether a run or reset of jobID is in flight.
func (p *Pipeline) Busy(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busy[jobID]
}

// Run drives jobID from its current step until it completes, fails or has
// to wait for the recognition provider. Concurrent calls for the same job
// share one execution. A step failure is recorded on the job and returned.
func (p *Pipeline) Run(ctx context.Context, jobID string) error {
	_, err, _ := p.flight.Do(jobID, func() (any, error) {
		if !p.acquire(jobID) {
			return nil, jobs.NewErrorf(jobs.ErrConflict, "job %s is busy", jobID)
		}
		defer p.release(jobID)
		return nil, p.drive(ctx, jobID)
	})
	return err
}

func (p *Pipeline) drive(ctx context.Context, jobID string) error {
	for i := 0; i < maxStepsPerRun; i++ {
		job, err := p.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status.Terminal() {
			return nil
		}
		if job.Status == jobs.StatusPending {
			job.Status = jobs.StatusRunning
			if err := p.store.UpdateJob(ctx, job); err != nil {
				return err
			}
		}

		step := job.CurrentStep
		def, ok := p.steps[step]
		if !ok || !job.Variant.Contains(step) {
			return p.fail(ctx, job, step, jobs.NewErrorf(jobs.ErrConflict, "step %s is not part of variant %s", step, job.Variant))
		}

		err = p.runStep(ctx, job, def)
		switch {
		case errors.Is(err, jobs.ErrStepPending):
			log.Debug("Job %s waiting in step %s", jobID, step)
			return nil
		case jobs.IsErrorType(err, jobs.ErrConflict):
			// lost a compare-and-set against a reset; the next run picks up the new state
			log.Warn("Job %s step %s lost a concurrent update: %v", jobID, step, err)
			return err
		case err != nil:
			return p.fail(ctx, job, step, err)
		}
		log.Info("Job %s finished step %s", jobID, step)
	}
	return jobs.NewErrorf(jobs.ErrUnknown, "job %s did not settle after %d steps", jobID, maxStepsPerRun)
}

func (p *Pipeline) runStep(ctx context.Context, job *jobs.Job, def stepDef) error {
	step := job.CurrentStep
	done, err := def.done(ctx, job)
	if err != nil {
		return err
	}
	var out jobs.StepOutput
	if done {
		log.Info("Job %s step %s output already present, skipping", job.ID, step)
	} else {
		log.Info("Job %s running step %s", job.ID, step)
		if out, err = def.run(ctx, job); err != nil {
			return err
		}
	}

	if next, ok := job.Variant.Next(step); ok {
		job.CurrentStep = next
	} else {
		job.Status = jobs.StatusCompleted
	}
	job.FailedStep = nil
	job.Error = ""
	if err := p.store.CommitStep(ctx, job, out); err != nil {
		return err
	}
	if def.after != nil {
		def.after(ctx, job)
	}
	return nil
}

// fail records err against the job without advancing its step.
func (p *Pipeline) fail(ctx context.Context, job *jobs.Job, step jobs.Step, cause error) error {
	log.Error("Job %s failed in step %s: %v", job.ID, step, cause)
	for attempt := 0; attempt < 3; attempt++ {
		current, err := p.store.GetJob(ctx, job.ID)
		if err != nil {
			log.Error("Job %s: could not load job to record failure: %v", job.ID, err)
			return cause
		}
		if current.CurrentStep != step {
			log.Warn("Job %s moved to step %s, not recording failure of %s", job.ID, current.CurrentStep, step)
			return cause
		}
		failed := step
		current.Status = jobs.StatusFailed
		current.FailedStep = &failed
		current.Error = cause.Error()
		err = p.store.UpdateJob(ctx, current)
		if err == nil {
			return cause
		}
		if !jobs.IsErrorType(err, jobs.ErrConflict) {
			log.Error("Job %s: could not record failure: %v", job.ID, err)
			return cause
		}
	}
	return cause
}

// start runs jobID inline or hands it to the dispatcher.
func (p *Pipeline) start(ctx context.Context, jobID string) error {
	if p.dispatch != nil {
		p.dispatch(jobID)
		return nil
	}
	return p.Run(ctx, jobID)
}

// existsAll reports whether every non-empty key exists. Empty keys count as missing.
func (p *Pipeline) existsAll(ctx context.Context, keys ...string) (bool, error) {
	for _, key := range keys {
		if key == "" {
			return false, nil
		}
		ok, err := p.objects.Exists(ctx, key)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}
