package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"path"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/pagescan-ocr/internal/jobs"
	"github.com/MimeLyc/pagescan-ocr/internal/persistence"
	"github.com/MimeLyc/pagescan-ocr/internal/recognition"
	"github.com/MimeLyc/pagescan-ocr/internal/storage"
)

// countingStore counts every write reaching the job store.
type countingStore struct {
	jobs.Store
	writes atomic.Int64
	// failRounds makes the next CommitRound calls fail before writing.
	failRounds atomic.Int64
}

func (s *countingStore) CreateJob(ctx context.Context, job *jobs.Job) error {
	s.writes.Add(1)
	return s.Store.CreateJob(ctx, job)
}

func (s *countingStore) UpdateJob(ctx context.Context, job *jobs.Job) error {
	s.writes.Add(1)
	return s.Store.UpdateJob(ctx, job)
}

func (s *countingStore) CommitStep(ctx context.Context, job *jobs.Job, out jobs.StepOutput) error {
	s.writes.Add(1)
	return s.Store.CommitStep(ctx, job, out)
}

func (s *countingStore) ResetFrom(ctx context.Context, job *jobs.Job, step jobs.Step) error {
	s.writes.Add(1)
	return s.Store.ResetFrom(ctx, job, step)
}

func (s *countingStore) SaveFrameResults(ctx context.Context, jobID string, frames []jobs.FrameRecord) error {
	s.writes.Add(1)
	return s.Store.SaveFrameResults(ctx, jobID, frames)
}

func (s *countingStore) SaveBatchState(ctx context.Context, state jobs.BatchState) error {
	s.writes.Add(1)
	return s.Store.SaveBatchState(ctx, state)
}

func (s *countingStore) CommitRound(ctx context.Context, jobID string, frames []jobs.FrameRecord, state jobs.BatchState) error {
	if s.failRounds.Load() > 0 {
		s.failRounds.Add(-1)
		return jobs.NewErrorf(jobs.ErrIO, "database is locked")
	}
	s.writes.Add(1)
	return s.Store.CommitRound(ctx, jobID, frames, state)
}

// countingObjects counts every write reaching the object store.
type countingObjects struct {
	storage.Storage
	writes atomic.Int64
}

func (s *countingObjects) Put(ctx context.Context, key string, data []byte) error {
	s.writes.Add(1)
	return s.Storage.Put(ctx, key, data)
}

func (s *countingObjects) Delete(ctx context.Context, key string) error {
	s.writes.Add(1)
	return s.Storage.Delete(ctx, key)
}

// failingDeletes refuses every delete.
type failingDeletes struct {
	storage.Storage
}

func (failingDeletes) Delete(_ context.Context, key string) error {
	return jobs.NewErrorf(jobs.ErrIO, "delete %s: permission denied", key)
}

// discardFailingProvider cannot release finished batches.
type discardFailingProvider struct {
	*fakeProvider
}

func (discardFailingProvider) Discard(_ context.Context, batchID string) error {
	return jobs.NewErrorf(jobs.ErrExternalService, "batch %s already expired", batchID)
}

type fakeBatch struct {
	items  []recognition.Item
	polls  int
	result *recognition.BatchResult
}

// fakeProvider answers polls from texts keyed by the frame's file name.
type fakeProvider struct {
	mu           sync.Mutex
	texts        map[string]string
	failures     map[string]int
	runningPolls int
	failBatches  bool
	batches      map[string]*fakeBatch
	submits      [][]recognition.Item
}

func newFakeProvider(texts map[string]string) *fakeProvider {
	return &fakeProvider{texts: texts, failures: map[string]int{}, runningPolls: 1, batches: map[string]*fakeBatch{}}
}

func (f *fakeProvider) Submit(_ context.Context, items []recognition.Item) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, items)
	id := fmt.Sprintf("batch-%d", len(f.submits))
	f.batches[id] = &fakeBatch{items: items}
	return id, nil
}

// frameName strips the "00000_" working-name prefix from a staged key.
func frameName(key string) string {
	return path.Base(key)[6:]
}

func (f *fakeProvider) Poll(_ context.Context, batchID string) (*recognition.BatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batches[batchID]
	if !ok {
		return nil, jobs.NewErrorf(jobs.ErrExternalService, "unknown batch %s", batchID)
	}
	if b.polls < f.runningPolls {
		b.polls++
		return &recognition.BatchResult{BatchID: batchID, Status: recognition.BatchRunning}, nil
	}
	if f.failBatches {
		return &recognition.BatchResult{BatchID: batchID, Status: recognition.BatchFailed, Error: "quota exceeded"}, nil
	}
	// A finished batch keeps answering with the same result.
	if b.result != nil {
		return b.result, nil
	}
	res := &recognition.BatchResult{BatchID: batchID, Status: recognition.BatchCompleted}
	for _, item := range b.items {
		name := frameName(item.Key)
		if f.failures[name] > 0 {
			f.failures[name]--
			res.Items = append(res.Items, recognition.ItemResult{ID: item.ID, Status: recognition.ItemFailed, Error: "blurry"})
			continue
		}
		res.Items = append(res.Items, recognition.ItemResult{ID: item.ID, Status: recognition.ItemSucceeded, Text: f.texts[name]})
	}
	b.result = res
	return res, nil
}

func (f *fakeProvider) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

func (f *fakeProvider) setFailures(name string, n int) {
	f.mu.Lock()
	f.failures[name] = n
	f.mu.Unlock()
}

type harness struct {
	p        *Pipeline
	store    *countingStore
	objects  *countingObjects
	provider *fakeProvider
	workDir  string
}

var defaultTexts = map[string]string{
	"1.png":   "Hello",
	"1.1.png": "world",
	"2.png":   "Next",
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := persistence.NewSQLiteStore(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	fs, err := storage.NewFS(t.TempDir(), storage.NewSigner([]byte("k"), "http://files.test"))
	require.NoError(t, err)

	h := &harness{
		store:    &countingStore{Store: db},
		objects:  &countingObjects{Storage: fs},
		provider: newFakeProvider(defaultTexts),
		workDir:  t.TempDir(),
	}
	h.p = New(h.store, h.objects, h.provider, Options{WorkDir: h.workDir, MaxItemAttempts: 2, ThumbnailSize: 16})
	return h
}

func pngBytes(t *testing.T, shade uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 40, 20))
	for i := range img.Pix {
		img.Pix[i] = shade
	}
	img.Set(0, 0, color.Gray{Y: 255 - shade})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type entry struct {
	name string
	data []byte
}

func zipBytes(t *testing.T, entries ...entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		require.NoError(t, err)
		_, err = w.Write(e.data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// defaultUpload holds two pages, one continuation and entries that must be ignored.
func (h *harness) defaultUpload(t *testing.T) string {
	t.Helper()
	data := zipBytes(t,
		entry{"scan/2.png", pngBytes(t, 20)},
		entry{"scan/1.png", pngBytes(t, 10)},
		entry{"__MACOSX/scan/._1.png", []byte("resource fork")},
		entry{"scan/1.1.png", pngBytes(t, 30)},
		entry{"scan/notes.txt", []byte("not a page")},
		entry{"scan/cover.png", pngBytes(t, 40)},
	)
	key := "uploads/" + h.p.newID() + ".zip"
	require.NoError(t, h.objects.Put(context.Background(), key, data))
	return key
}

// runToEnd invokes Run the way the poller would until the job settles.
func (h *harness) runToEnd(t *testing.T, jobID string) *jobs.Job {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		_ = h.p.Run(ctx, jobID)
		job, err := h.store.GetJob(ctx, jobID)
		require.NoError(t, err)
		if job.Status.Terminal() {
			return job
		}
	}
	t.Fatalf("job %s did not settle", jobID)
	return nil
}

func (h *harness) read(t *testing.T, key string) []byte {
	t.Helper()
	require.NotEmpty(t, key)
	data, err := storage.ReadAll(context.Background(), h.objects, key)
	require.NoError(t, err)
	return data
}

func (h *harness) exists(t *testing.T, key string) bool {
	t.Helper()
	ok, err := h.objects.Exists(context.Background(), key)
	require.NoError(t, err)
	return ok
}

func (h *harness) writes() int64 {
	return h.store.writes.Load() + h.objects.writes.Load()
}

func zipNames(t *testing.T, data []byte) []string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	return names
}
