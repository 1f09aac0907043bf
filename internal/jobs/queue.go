package jobs

import (
	"context"
	"sync"

	"github.com/MimeLyc/pagescan-ocr/pkg/log"
)

// Executor drives one job until it completes, fails or has to wait.
type Executor func(ctx context.Context, jobID string) error

// Queue runs job ids on a fixed worker pool. A job id is never executed by
// two workers at once; enqueueing a running id schedules one more run after
// the current one finishes.
type Queue struct {
	workerCount int
	store       Store

	mu         sync.Mutex
	queued     map[string]bool
	running    map[string]bool
	rerun      map[string]bool
	started    bool
	pendingIDs chan string

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewQueue(workerCount int, store Store) *Queue {
	if workerCount <= 0 {
		workerCount = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		workerCount: workerCount,
		store:       store,
		queued:      make(map[string]bool),
		running:     make(map[string]bool),
		rerun:       make(map[string]bool),
		pendingIDs:  make(chan string, 1024),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Enqueue schedules a run of jobID and reports whether a new run was scheduled.
func (q *Queue) Enqueue(jobID string) bool {
	if jobID == "" {
		return false
	}
	q.mu.Lock()
	if q.queued[jobID] {
		q.mu.Unlock()
		return false
	}
	if q.running[jobID] {
		q.rerun[jobID] = true
		q.mu.Unlock()
		return true
	}
	q.queued[jobID] = true
	started := q.started
	q.mu.Unlock()

	if started {
		q.enqueuePendingID(jobID)
	}
	return true
}

// Busy reports whether jobID is queued or running.
func (q *Queue) Busy(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queued[jobID] || q.running[jobID]
}

// Len returns the number of queued and running job ids.
func (q *Queue) Len() (queued int, running int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queued), len(q.running)
}

func (q *Queue) Start(exec Executor) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	q.hydrateFromStore(q.ctx)

	q.mu.Lock()
	pending := make([]string, 0, len(q.queued))
	for id := range q.queued {
		pending = append(pending, id)
	}
	q.mu.Unlock()

	for _, id := range pending {
		q.enqueuePendingID(id)
	}

	for range q.workerCount {
		q.wg.Add(1)
		go q.worker(exec)
	}
}

func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		q.cancel()
		q.wg.Wait()
	})
}

func (q *Queue) worker(exec Executor) {
	defer q.wg.Done()

	for {
		select {
		case <-q.ctx.Done():
			return
		case id := <-q.pendingIDs:
			if !q.markRunning(id) {
				continue
			}
			if err := exec(q.ctx, id); err != nil {
				log.Error("Job %s run failed: %v", id, err)
			}
			if q.markDone(id) {
				q.enqueuePendingID(id)
			}
		}
	}
}

func (q *Queue) enqueuePendingID(id string) {
	select {
	case q.pendingIDs <- id:
	default:
		go func() {
			select {
			case q.pendingIDs <- id:
			case <-q.ctx.Done():
			}
		}()
	}
}

func (q *Queue) markRunning(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.queued[id] || q.running[id] {
		return false
	}
	delete(q.queued, id)
	q.running[id] = true
	return true
}

// markDone releases id and reports whether it has to run again.
func (q *Queue) markDone(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.running, id)
	if !q.rerun[id] {
		return false
	}
	delete(q.rerun, id)
	q.queued[id] = true
	return true
}

func (q *Queue) hydrateFromStore(ctx context.Context) {
	if q.store == nil {
		return
	}
	active, err := q.store.ListActiveJobs(ctx)
	if err != nil {
		log.Error("Failed to load active jobs from store: %v", err)
		return
	}

	q.mu.Lock()
	for _, job := range active {
		if job == nil || job.ID == "" || job.Status.Terminal() {
			continue
		}
		if !q.running[job.ID] {
			q.queued[job.ID] = true
		}
	}
	q.mu.Unlock()
	log.Info("Recovered %d active jobs from store", len(active))
}
