package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"path"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MimeLyc/pagescan-ocr/internal/jobs"
	"github.com/MimeLyc/pagescan-ocr/internal/pages"
	"github.com/MimeLyc/pagescan-ocr/internal/recognition"
	"github.com/MimeLyc/pagescan-ocr/internal/storage"
	"github.com/MimeLyc/pagescan-ocr/pkg/log"
)

// batchRequest is the manifest written next to every submitted round.
type batchRequest struct {
	JobID     string             `json:"job_id"`
	Round     int                `json:"round"`
	Items     []recognition.Item `json:"items"`
	CreatedAt time.Time          `json:"created_at"`
}

func (p *Pipeline) batchStep() stepDef {
	return stepDef{
		done: func(ctx context.Context, job *jobs.Job) (bool, error) {
			frames, err := p.store.LoadFrames(ctx, job.ID)
			if err != nil {
				return false, err
			}
			return len(frames) > 0 && allDone(frames), nil
		},
		run: p.awaitBatch,
	}
}

func allDone(frames []jobs.FrameRecord) bool {
	for _, f := range frames {
		if !f.Done {
			return false
		}
	}
	return true
}

// awaitBatch is a re-entrant poll. Each call either collects the results of
// the in-flight round, submits a new round for the frames still missing
// text, or reports that the provider is still working. Progress lives in
// the batch state and frame rows, never in memory.
func (p *Pipeline) awaitBatch(ctx context.Context, job *jobs.Job) (jobs.StepOutput, error) {
	frames, err := p.store.LoadFrames(ctx, job.ID)
	if err != nil {
		return jobs.StepOutput{}, err
	}
	if len(frames) == 0 {
		return jobs.StepOutput{}, jobs.NewErrorf(jobs.ErrNotFound, "job %s has no frame manifest", job.ID)
	}

	state, ok, err := p.store.LoadBatchState(ctx, job.ID)
	if err != nil {
		return jobs.StepOutput{}, err
	}
	if ok && !recognition.BatchStatus(state.Status).Terminal() {
		finished, err := p.collect(ctx, job, state, frames)
		if err != nil || !finished {
			return jobs.StepOutput{}, err
		}
	}

	var pending, exhausted []jobs.FrameRecord
	for _, f := range frames {
		switch {
		case f.Done:
		case f.Attempts >= p.opts.MaxItemAttempts:
			exhausted = append(exhausted, f)
		default:
			pending = append(pending, f)
		}
	}
	if len(exhausted) > 0 {
		f := exhausted[0]
		return jobs.StepOutput{}, jobs.NewErrorf(jobs.ErrExternalService,
			"%d frames failed recognition after %d attempts, first %q: %s",
			len(exhausted), f.Attempts, f.OriginalName, f.Error)
	}
	if len(pending) == 0 {
		return jobs.StepOutput{}, nil
	}

	round := 0
	if ok {
		round = state.Round + 1
	}
	if err := p.submit(ctx, job, pending, round); err != nil {
		return jobs.StepOutput{}, err
	}
	return jobs.StepOutput{}, jobs.ErrStepPending
}

// collect polls the in-flight round and checkpoints per-item outcomes into
// frames. It reports whether the round is finished.
func (p *Pipeline) collect(ctx context.Context, job *jobs.Job, state *jobs.BatchState, frames []jobs.FrameRecord) (bool, error) {
	res, err := p.provider.Poll(ctx, state.BatchID)
	if err != nil {
		return false, err
	}
	if !res.Status.Terminal() {
		if string(res.Status) != state.Status {
			state.Status = string(res.Status)
			state.UpdatedAt = time.Time{}
			if err := p.store.SaveBatchState(ctx, *state); err != nil {
				return false, err
			}
		}
		return false, jobs.ErrStepPending
	}
	if res.Status == recognition.BatchFailed {
		state.Status = string(res.Status)
		state.UpdatedAt = time.Time{}
		if err := p.store.SaveBatchState(ctx, *state); err != nil {
			return false, err
		}
		msg := res.Error
		if msg == "" {
			msg = "no reason given"
		}
		return false, jobs.NewErrorf(jobs.ErrExternalService, "batch %s failed: %s", state.BatchID, msg).
			WithContext("round", state.Round)
	}

	submitted, err := p.loadRequest(ctx, state.RequestKey)
	if err != nil {
		return false, err
	}
	results := make(map[string]recognition.ItemResult, len(res.Items))
	for _, item := range res.Items {
		results[item.ID] = item
	}

	byIndex := make(map[int]int, len(frames))
	for i, f := range frames {
		byIndex[f.Index] = i
	}
	var changed []jobs.FrameRecord
	failed := 0
	for _, item := range submitted.Items {
		idx, err := strconv.Atoi(item.ID)
		if err != nil {
			continue
		}
		pos, ok := byIndex[idx]
		if !ok || frames[pos].Done {
			continue
		}
		f := &frames[pos]
		f.Attempts++
		r, ok := results[item.ID]
		switch {
		case !ok:
			f.Error = "no result from provider"
			failed++
		case r.Status == recognition.ItemSucceeded:
			f.Text = r.Text
			f.Error = ""
			f.Done = true
		default:
			f.Error = r.Error
			if f.Error == "" {
				f.Error = "item " + string(r.Status)
			}
			failed++
		}
		changed = append(changed, *f)
	}
	state.Status = string(res.Status)
	state.UpdatedAt = time.Time{}
	if err := p.store.CommitRound(ctx, job.ID, changed, *state); err != nil {
		return false, err
	}
	log.Info("Job %s: batch %s round %d finished, %d of %d items failed",
		job.ID, state.BatchID, state.Round, failed, len(submitted.Items))
	return true, nil
}

func (p *Pipeline) loadRequest(ctx context.Context, key string) (*batchRequest, error) {
	data, err := storage.ReadAll(ctx, p.objects, key)
	if err != nil {
		return nil, err
	}
	var req batchRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, jobs.WrapError(err, jobs.ErrIO, "decode batch request").WithContext("key", key)
	}
	return &req, nil
}

// submit uploads the frames of one round, writes its request manifest and
// hands it to the provider.
func (p *Pipeline) submit(ctx context.Context, job *jobs.Job, frames []jobs.FrameRecord, round int) error {
	items, err := p.stageFrames(ctx, job, frames)
	if err != nil {
		return err
	}

	req := batchRequest{JobID: job.ID, Round: round, Items: items, CreatedAt: time.Now().UTC()}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal batch request: %w", err)
	}
	key := requestKey(job.ID, round)
	if err := p.objects.Put(ctx, key, data); err != nil {
		return err
	}

	batchID, err := p.provider.Submit(ctx, items)
	if err != nil {
		return err
	}
	if err := p.store.SaveBatchState(ctx, jobs.BatchState{
		JobID:      job.ID,
		BatchID:    batchID,
		Status:     string(recognition.BatchSubmitted),
		Round:      round,
		RequestKey: key,
	}); err != nil {
		return err
	}
	log.Info("Job %s: submitted batch %s round %d with %d items", job.ID, batchID, round, len(items))
	return nil
}

// stageFrames copies frames out of the crops archive into the batch area of
// the object store and signs a download URL for each.
func (p *Pipeline) stageFrames(ctx context.Context, job *jobs.Job, frames []jobs.FrameRecord) ([]recognition.Item, error) {
	if job.Artifacts.CropsZipKey == "" {
		return nil, jobs.NewErrorf(jobs.ErrNotFound, "job %s has no crops archive", job.ID)
	}
	crops, err := storage.ReadAll(ctx, p.objects, job.Artifacts.CropsZipKey)
	if err != nil {
		return nil, err
	}
	zr, err := pages.OpenArchive(crops)
	if err != nil {
		return nil, err
	}

	items := make([]recognition.Item, len(frames))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.UploadConcurrency)
	for i, f := range frames {
		g.Go(func() error {
			name := pages.FrameFileName(f.Index, f.OriginalName)
			key := batchFrameKey(job.ID, name)
			exists, err := p.objects.Exists(gctx, key)
			if err != nil {
				return err
			}
			if !exists {
				data, err := pages.ReadEntry(zr, name)
				if err != nil {
					return jobs.WrapError(err, jobs.ErrIO, "read frame from crops archive").WithContext("frame", name)
				}
				if err := p.objects.Put(gctx, key, data); err != nil {
					return err
				}
			}
			contentType := mime.TypeByExtension(path.Ext(name))
			signed, err := p.objects.SignedDownloadURL(gctx, key, contentType, name, p.opts.SignedURLTTL)
			if err != nil {
				return err
			}
			items[i] = recognition.Item{
				ID:          strconv.Itoa(f.Index),
				Key:         key,
				URL:         signed.URL,
				ContentType: contentType,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return items, nil
}
