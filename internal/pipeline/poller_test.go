package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/pagescan-ocr/internal/jobs"
)

func TestPoller_TickEnqueuesActiveJobs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.p.CreateJob(ctx, h.defaultUpload(t), nil)
	require.NoError(t, err)
	second, err := h.p.CreateJob(ctx, h.defaultUpload(t), nil)
	require.NoError(t, err)
	finished, err := h.p.CreateJob(ctx, h.defaultUpload(t), nil)
	require.NoError(t, err)
	h.runToEnd(t, finished.ID)

	var mu sync.Mutex
	queued := map[string]bool{}
	enqueue := func(id string) bool {
		mu.Lock()
		defer mu.Unlock()
		if queued[id] {
			return false
		}
		queued[id] = true
		return true
	}

	poller := NewPoller(h.store, enqueue, cron.New(), "@every 30s")
	n, err := poller.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, map[string]bool{first.ID: true, second.ID: true}, queued)

	n, err = poller.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestPoller_TickDrivesWaitingJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job, err := h.p.CreateJob(ctx, h.defaultUpload(t), nil)
	require.NoError(t, err)

	poller := NewPoller(h.store, func(id string) bool {
		_ = h.p.Run(ctx, id)
		return true
	}, cron.New(), "@every 30s")

	for i := 0; i < 5; i++ {
		_, err := poller.Tick(ctx)
		require.NoError(t, err)
	}
	got, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, got.Status)
}

func TestPoller_NextPoll(t *testing.T) {
	poller := NewPoller(nil, nil, cron.New(), "@every 30s")
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	next, err := poller.NextPoll(now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(30*time.Second), next)

	bad := NewPoller(nil, nil, cron.New(), "not a schedule")
	_, err = bad.NextPoll(now)
	assert.Error(t, err)
}

func TestPoller_ScheduleRejectsBadExpression(t *testing.T) {
	poller := NewPoller(nil, nil, cron.New(), "61 * * * *")
	assert.Error(t, poller.Schedule(context.Background()))
}
