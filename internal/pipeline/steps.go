package pipeline

import (
	"bytes"
	"context"
	"os"
	"path/filepath"

	"github.com/MimeLyc/pagescan-ocr/internal/jobs"
	"github.com/MimeLyc/pagescan-ocr/internal/pages"
	"github.com/MimeLyc/pagescan-ocr/internal/render"
	"github.com/MimeLyc/pagescan-ocr/internal/storage"
	"github.com/MimeLyc/pagescan-ocr/pkg/log"
)

func (p *Pipeline) loadUpload(ctx context.Context, job *jobs.Job) ([]byte, error) {
	data, err := storage.ReadAll(ctx, p.objects, job.UploadKey)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (p *Pipeline) buildRawZipStep() stepDef {
	return stepDef{
		done: func(ctx context.Context, job *jobs.Job) (bool, error) {
			ok, err := p.existsAll(ctx, job.Artifacts.RawZipKey)
			if err != nil || !ok || job.Artifacts.ThumbnailKey == "" {
				return ok, err
			}
			return p.existsAll(ctx, job.Artifacts.ThumbnailKey)
		},
		run: p.buildRawZip,
	}
}

// buildRawZip writes the canonical archive: one image per page, named by
// page number, in page order. A thumbnail of the first page is rendered
// alongside; a page that cannot be decoded only costs the thumbnail.
func (p *Pipeline) buildRawZip(ctx context.Context, job *jobs.Job) (jobs.StepOutput, error) {
	upload, err := p.loadUpload(ctx, job)
	if err != nil {
		return jobs.StepOutput{}, err
	}
	zr, err := pages.OpenArchive(upload)
	if err != nil {
		return jobs.StepOutput{}, err
	}

	var buf bytes.Buffer
	entries, err := pages.BuildCanonicalArchive(zr, &buf)
	if err != nil {
		return jobs.StepOutput{}, err
	}
	if len(entries) == 0 {
		return jobs.StepOutput{}, jobs.NewError(jobs.ErrValidation, "archive contains no page images").
			WithContext("upload_key", job.UploadKey)
	}
	if err := p.objects.Put(ctx, rawZipKey(job.ID), buf.Bytes()); err != nil {
		return jobs.StepOutput{}, err
	}
	job.Artifacts.RawZipKey = rawZipKey(job.ID)
	job.Artifacts.ThumbnailKey = ""

	first, err := pages.ReadEntry(zr, entries[0].OriginalName)
	if err != nil {
		return jobs.StepOutput{}, jobs.WrapError(err, jobs.ErrIO, "read first page")
	}
	thumb, err := render.Thumbnail(first, p.opts.ThumbnailSize)
	if err != nil {
		log.Warn("Job %s: no thumbnail for %q: %v", job.ID, entries[0].OriginalName, err)
		return jobs.StepOutput{}, nil
	}
	if err := p.objects.Put(ctx, thumbnailKey(job.ID), thumb); err != nil {
		return jobs.StepOutput{}, err
	}
	job.Artifacts.ThumbnailKey = thumbnailKey(job.ID)
	log.Info("Job %s: canonical archive has %d pages", job.ID, len(entries))
	return jobs.StepOutput{}, nil
}

func (p *Pipeline) preprocessStep() stepDef {
	return stepDef{
		done: func(ctx context.Context, job *jobs.Job) (bool, error) {
			ok, err := p.existsAll(ctx, job.Artifacts.CropsZipKey)
			if err != nil || !ok {
				return false, err
			}
			frames, err := p.store.LoadFrames(ctx, job.ID)
			if err != nil {
				return false, err
			}
			return len(frames) > 0, nil
		},
		run: p.preprocess,
	}
}

// preprocess materializes every processable frame of the upload,
// continuations included, and records the frame manifest. Frames are read
// from the upload because the canonical archive keeps primary pages only.
func (p *Pipeline) preprocess(ctx context.Context, job *jobs.Job) (jobs.StepOutput, error) {
	upload, err := p.loadUpload(ctx, job)
	if err != nil {
		return jobs.StepOutput{}, err
	}
	zr, err := pages.OpenArchive(upload)
	if err != nil {
		return jobs.StepOutput{}, err
	}

	dir := p.workDir(job.ID)
	if err := os.RemoveAll(dir); err != nil {
		return jobs.StepOutput{}, jobs.WrapError(err, jobs.ErrIO, "clear work dir").WithContext("dir", dir)
	}
	extracted, err := pages.NewExtractor(filepath.Join(dir, "frames")).Extract(zr)
	if err != nil {
		return jobs.StepOutput{}, err
	}
	if len(extracted) == 0 {
		return jobs.StepOutput{}, jobs.NewError(jobs.ErrValidation, "archive contains no processable frames").
			WithContext("upload_key", job.UploadKey)
	}

	var buf bytes.Buffer
	if err := pages.BuildFramesArchive(extracted, &buf); err != nil {
		return jobs.StepOutput{}, err
	}
	if err := p.objects.Put(ctx, cropsZipKey(job.ID), buf.Bytes()); err != nil {
		return jobs.StepOutput{}, err
	}
	job.Artifacts.CropsZipKey = cropsZipKey(job.ID)

	frames := make([]jobs.FrameRecord, 0, len(extracted))
	for _, f := range extracted {
		frames = append(frames, jobs.FrameRecord{
			Index:         f.Index,
			OriginalName:  f.OriginalName,
			BaseKey:       f.BaseKey,
			SequenceIndex: f.SequenceIndex,
			IncludeInZip:  f.ShouldIncludeInZip,
		})
	}
	log.Info("Job %s: extracted %d frames", job.ID, len(frames))
	return jobs.StepOutput{Frames: frames}, nil
}

func (p *Pipeline) saveResultsStep() stepDef {
	return stepDef{
		done: func(ctx context.Context, job *jobs.Job) (bool, error) {
			paragraphs, err := p.store.LoadParagraphs(ctx, job.ID)
			if err != nil {
				return false, err
			}
			return len(paragraphs) > 0, nil
		},
		run: p.saveResults,
	}
}

func (p *Pipeline) saveResults(ctx context.Context, job *jobs.Job) (jobs.StepOutput, error) {
	records, err := p.store.LoadFrames(ctx, job.ID)
	if err != nil {
		return jobs.StepOutput{}, err
	}
	if len(records) == 0 {
		return jobs.StepOutput{}, jobs.NewErrorf(jobs.ErrNotFound, "job %s has no frames", job.ID)
	}
	recognized := make([]pages.RecognizedFrame, 0, len(records))
	for _, r := range records {
		if !r.Done {
			return jobs.StepOutput{}, jobs.NewErrorf(jobs.ErrNotFound, "frame %d of job %s has no recognized text", r.Index, job.ID)
		}
		recognized = append(recognized, pages.RecognizedFrame{
			Frame: pages.Frame{
				OriginalName:       r.OriginalName,
				BaseKey:            r.BaseKey,
				SequenceIndex:      r.SequenceIndex,
				ShouldIncludeInZip: r.IncludeInZip,
			},
			Index: r.Index,
			Text:  r.Text,
		})
	}

	paragraphs := pages.Assemble(recognized)
	out := make([]jobs.ParagraphRecord, 0, len(paragraphs))
	for i, para := range paragraphs {
		out = append(out, jobs.ParagraphRecord{Position: i, BaseKey: para.BaseKey, Text: para.Text})
	}
	log.Info("Job %s: assembled %d paragraphs from %d frames", job.ID, len(out), len(records))
	return jobs.StepOutput{Paragraphs: out}, nil
}
