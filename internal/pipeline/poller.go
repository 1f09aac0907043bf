package pipeline

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/MimeLyc/pagescan-ocr/internal/jobs"
	"github.com/MimeLyc/pagescan-ocr/pkg/icron"
	"github.com/MimeLyc/pagescan-ocr/pkg/log"
)

// Poller is the external timer of the durable batch wait: on every tick it
// hands each unfinished job to the worker queue, which re-invokes the job's
// current step.
type Poller struct {
	store    jobs.Store
	enqueue  func(jobID string) bool
	cron     *cron.Cron
	cronExpr string
	flight   singleflight.Group
}

func NewPoller(store jobs.Store, enqueue func(jobID string) bool, c *cron.Cron, cronExpr string) *Poller {
	return &Poller{store: store, enqueue: enqueue, cron: c, cronExpr: cronExpr}
}

func (p *Poller) Schedule(ctx context.Context) error {
	log.Info("Scheduling job poller with %q", p.cronExpr)
	_, err := p.cron.AddFunc(p.cronExpr, func() {
		if _, err := p.Tick(ctx); err != nil {
			log.Error("Job poll failed: %v", err)
		}
	})
	return err
}

// Tick enqueues every unfinished job and returns how many were newly queued.
// Overlapping ticks collapse into one.
func (p *Poller) Tick(ctx context.Context) (int, error) {
	v, err, _ := p.flight.Do("tick", func() (any, error) {
		active, err := p.store.ListActiveJobs(ctx)
		if err != nil {
			return 0, err
		}
		queued := 0
		for _, job := range active {
			if p.enqueue(job.ID) {
				queued++
			}
		}
		if len(active) > 0 {
			log.Debug("Job poll: %d active, %d queued", len(active), queued)
		}
		return queued, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// NextPoll reports when the next tick fires after now.
func (p *Poller) NextPoll(now time.Time) (time.Time, error) {
	info, err := icron.GetTriggerInfo(p.cronExpr, now)
	if err != nil {
		return time.Time{}, err
	}
	return info.Next, nil
}
