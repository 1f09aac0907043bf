package pipeline

import (
	"context"
	"strings"

	"github.com/MimeLyc/pagescan-ocr/internal/jobs"
	"github.com/MimeLyc/pagescan-ocr/pkg/log"
)

// maxAncestry bounds the parent chain walked when a child job is created.
const maxAncestry = 32

// CreateJob registers a job for the uploaded archive at uploadKey. parentID,
// when set, must name an existing job; the reference is informational and
// does not tie the lifetimes of the two jobs together.
func (p *Pipeline) CreateJob(ctx context.Context, uploadKey string, parentID *string) (*jobs.Job, error) {
	return p.create(ctx, uploadKey, parentID, jobs.VariantCurrent)
}

// CreateLegacyJob registers a job that follows the older schema without the
// canonical archive step.
func (p *Pipeline) CreateLegacyJob(ctx context.Context, uploadKey string, parentID *string) (*jobs.Job, error) {
	return p.create(ctx, uploadKey, parentID, jobs.VariantLegacy)
}

func (p *Pipeline) create(ctx context.Context, uploadKey string, parentID *string, variant jobs.Variant) (*jobs.Job, error) {
	uploadKey = strings.TrimSpace(uploadKey)
	if uploadKey == "" {
		return nil, jobs.NewError(jobs.ErrValidation, "upload key is required")
	}
	ok, err := p.objects.Exists(ctx, uploadKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, jobs.NewErrorf(jobs.ErrNotFound, "upload %q not found", uploadKey)
	}

	id := p.newID()
	if parentID != nil && *parentID != "" {
		if err := checkAncestry(ctx, p.store.GetJob, id, *parentID); err != nil {
			return nil, err
		}
	} else {
		parentID = nil
	}

	job := &jobs.Job{
		ID:          id,
		ParentJobID: parentID,
		UploadKey:   uploadKey,
		Variant:     variant,
		CurrentStep: variant.First(),
		Status:      jobs.StatusPending,
	}
	if err := p.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	log.Info("Created job %s (%s) for %s", job.ID, variant, uploadKey)
	return job, nil
}

// checkAncestry walks the parent chain starting at parentID and rejects it
// when the chain is broken, revisits a job, reaches childID or runs deeper
// than maxAncestry.
func checkAncestry(ctx context.Context, lookup func(context.Context, string) (*jobs.Job, error), childID, parentID string) error {
	visited := map[string]bool{childID: true}
	current := parentID
	for depth := 0; current != ""; depth++ {
		if depth >= maxAncestry {
			return jobs.NewErrorf(jobs.ErrConflict, "parent chain of job %s is deeper than %d", parentID, maxAncestry)
		}
		if visited[current] {
			return jobs.NewErrorf(jobs.ErrConflict, "parent chain of job %s contains a cycle at %s", parentID, current)
		}
		visited[current] = true
		job, err := lookup(ctx, current)
		if err != nil {
			if jobs.IsErrorType(err, jobs.ErrNotFound) && current != parentID {
				// a dangling ancestor does not make the direct parent invalid
				return nil
			}
			return err
		}
		if job.ParentJobID == nil {
			return nil
		}
		current = *job.ParentJobID
	}
	return nil
}
