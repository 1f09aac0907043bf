package pipeline

import (
	"context"
	"os"

	"github.com/MimeLyc/pagescan-ocr/internal/jobs"
	"github.com/MimeLyc/pagescan-ocr/internal/pages"
	"github.com/MimeLyc/pagescan-ocr/internal/recognition"
	"github.com/MimeLyc/pagescan-ocr/internal/render"
	"github.com/MimeLyc/pagescan-ocr/pkg/log"
)

func (p *Pipeline) buildDocsStep() stepDef {
	return stepDef{
		done: func(ctx context.Context, job *jobs.Job) (bool, error) {
			return p.existsAll(ctx, job.Artifacts.TxtKey, job.Artifacts.DocxKey)
		},
		run:   p.buildDocs,
		after: p.cleanup,
	}
}

// buildDocs renders the committed paragraphs and stores both documents.
// Keys and sizes reach the job record only through the step commit, after
// both objects are written.
func (p *Pipeline) buildDocs(ctx context.Context, job *jobs.Job) (jobs.StepOutput, error) {
	records, err := p.store.LoadParagraphs(ctx, job.ID)
	if err != nil {
		return jobs.StepOutput{}, err
	}
	if len(records) == 0 {
		return jobs.StepOutput{}, jobs.NewErrorf(jobs.ErrNotFound, "job %s has no paragraphs", job.ID)
	}
	paragraphs := make([]pages.Paragraph, 0, len(records))
	for _, r := range records {
		paragraphs = append(paragraphs, pages.Paragraph{BaseKey: r.BaseKey, Text: r.Text})
	}

	txt := render.Text(paragraphs)
	docx, err := render.Docx(paragraphs)
	if err != nil {
		return jobs.StepOutput{}, jobs.WrapError(err, jobs.ErrIO, "render docx")
	}
	if err := p.objects.Put(ctx, txtKey(job.ID), txt); err != nil {
		return jobs.StepOutput{}, err
	}
	if err := p.objects.Put(ctx, docxKey(job.ID), docx); err != nil {
		return jobs.StepOutput{}, err
	}

	job.Artifacts.TxtKey = txtKey(job.ID)
	job.Artifacts.TxtSize = int64(len(txt))
	job.Artifacts.DocxKey = docxKey(job.ID)
	job.Artifacts.DocxSize = int64(len(docx))
	log.Info("Job %s: rendered %d paragraphs (txt %d bytes, docx %d bytes)",
		job.ID, len(paragraphs), len(txt), len(docx))
	return jobs.StepOutput{}, nil
}

// cleanup removes intermediate files once the documents are committed.
// Failures are logged only; a leftover file never affects correctness.
func (p *Pipeline) cleanup(ctx context.Context, job *jobs.Job) {
	if err := os.RemoveAll(p.workDir(job.ID)); err != nil {
		log.Warn("Job %s: remove work dir: %v", job.ID, err)
	}
	for _, key := range p.batchObjectKeys(ctx, job.ID) {
		if err := p.objects.Delete(ctx, key); err != nil {
			log.Warn("Job %s: delete %s: %v", job.ID, key, err)
		}
	}
	state, ok, err := p.store.LoadBatchState(ctx, job.ID)
	if err != nil {
		log.Warn("Job %s: load batch state for cleanup: %v", job.ID, err)
		return
	}
	if d, isDiscarder := p.provider.(recognition.Discarder); ok && isDiscarder {
		if err := d.Discard(ctx, state.BatchID); err != nil {
			log.Warn("Job %s: discard batch %s: %v", job.ID, state.BatchID, err)
		}
	}
}

// batchObjectKeys lists the staged frames and request manifests of a job.
func (p *Pipeline) batchObjectKeys(ctx context.Context, jobID string) []string {
	var keys []string
	frames, err := p.store.LoadFrames(ctx, jobID)
	if err != nil {
		log.Warn("Job %s: load frames for cleanup: %v", jobID, err)
	}
	for _, f := range frames {
		keys = append(keys, batchFrameKey(jobID, pages.FrameFileName(f.Index, f.OriginalName)))
	}
	state, ok, err := p.store.LoadBatchState(ctx, jobID)
	if err != nil {
		log.Warn("Job %s: load batch state for cleanup: %v", jobID, err)
	}
	if ok {
		for round := 0; round <= state.Round; round++ {
			keys = append(keys, requestKey(jobID, round))
		}
	}
	return keys
}

// outputsExist reports whether a job's final documents are recorded and present.
func (p *Pipeline) outputsExist(ctx context.Context, job *jobs.Job) (bool, error) {
	return p.existsAll(ctx, job.Artifacts.TxtKey, job.Artifacts.DocxKey)
}
