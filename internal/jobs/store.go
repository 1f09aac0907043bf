package jobs

import "context"

// Store persists job records and the per-job rows produced by steps.
// All state is scoped by job id.
type Store interface {
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	// UpdateJob writes job if the stored version equals job.Version and
	// increments job.Version. A stale version yields ErrConflict.
	UpdateJob(ctx context.Context, job *Job) error
	ListActiveJobs(ctx context.Context) ([]*Job, error)

	// CommitStep applies the step's rows and the job update in one transaction
	// with the same compare-and-set semantics as UpdateJob.
	CommitStep(ctx context.Context, job *Job, out StepOutput) error
	// ResetFrom updates job and deletes every per-job row produced by step or
	// a later step, in one transaction.
	ResetFrom(ctx context.Context, job *Job, step Step) error

	LoadFrames(ctx context.Context, jobID string) ([]FrameRecord, error)
	// SaveFrameResults checkpoints recognition outcomes of individual frames.
	SaveFrameResults(ctx context.Context, jobID string, frames []FrameRecord) error
	LoadBatchState(ctx context.Context, jobID string) (*BatchState, bool, error)
	SaveBatchState(ctx context.Context, state BatchState) error
	// CommitRound saves frame results and the batch state in one transaction.
	CommitRound(ctx context.Context, jobID string, frames []FrameRecord, state BatchState) error
	LoadParagraphs(ctx context.Context, jobID string) ([]ParagraphRecord, error)
}

// StepOutput holds the rows a step produces. Nil slices leave existing rows untouched.
type StepOutput struct {
	Frames     []FrameRecord
	Paragraphs []ParagraphRecord
}
