package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/pagescan-ocr/internal/config"
)

type fakeScheduler struct {
	called bool
	err    error
}

func (f *fakeScheduler) Schedule(context.Context) error {
	f.called = true
	return f.err
}

type fakeCron struct {
	started bool
	stopped bool
}

func (f *fakeCron) Start() {
	f.started = true
}

func (f *fakeCron) Stop() context.Context {
	f.stopped = true
	return context.Background()
}

type fakeHTTP struct {
	listenCalled chan struct{}
	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

func newFakeHTTP() *fakeHTTP {
	return &fakeHTTP{
		listenCalled: make(chan struct{}),
		shutdownCh:   make(chan struct{}),
	}
}

func (f *fakeHTTP) ListenAndServe(string) error {
	close(f.listenCalled)
	<-f.shutdownCh
	return http.ErrServerClosed
}

func (f *fakeHTTP) Shutdown(context.Context) error {
	f.shutdownOnce.Do(func() { close(f.shutdownCh) })
	return nil
}

func TestMain_StartsCronAndHTTP(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := &config.Config{
		HTTP: config.HTTPConfig{
			Addr: "127.0.0.1:0",
		},
	}
	scheduler := &fakeScheduler{}
	cronEngine := &fakeCron{}
	httpSrv := newFakeHTTP()

	doneCh := make(chan error, 1)
	go func() {
		doneCh <- runWithComponents(ctx, cfg, scheduler, cronEngine, httpSrv)
	}()

	select {
	case <-httpSrv.listenCalled:
	case <-time.After(2 * time.Second):
		t.Fatal("http server did not start")
	}

	cancel()

	select {
	case err := <-doneCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runWithComponents did not exit after cancellation")
	}

	assert.True(t, scheduler.called)
	assert.True(t, cronEngine.started)
	assert.True(t, cronEngine.stopped)
}

func TestRunWithComponents_ScheduleFailureStopsStartup(t *testing.T) {
	cfg := &config.Config{HTTP: config.HTTPConfig{Addr: "127.0.0.1:0"}}
	scheduler := &fakeScheduler{err: errors.New("bad cron")}
	cronEngine := &fakeCron{}
	httpSrv := newFakeHTTP()

	err := runWithComponents(context.Background(), cfg, scheduler, cronEngine, httpSrv)
	require.Error(t, err)
	assert.False(t, cronEngine.started)
}

func TestBuild_WiresSQLiteAndHTTP(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		System:  config.SystemConfig{WorkDir: filepath.Join(dir, "work")},
		HTTP:    config.HTTPConfig{Addr: "127.0.0.1:0", PublicBaseURL: "http://scan.test"},
		DB:      config.DBConfig{Driver: config.DriverSQLite, Path: filepath.Join(dir, "jobs.db")},
		Storage: config.StorageConfig{Dir: filepath.Join(dir, "objects"), SigningKey: "k", SignedURLTTL: time.Minute},
		OCR: config.OCRConfig{Provider: config.ProviderHTTP, APIURL: "http://ocr.test", Timeout: time.Second,
			Languages: []string{"eng"}, MaxItemAttempts: 2},
		Pipeline: config.PipelineConfig{PollCron: "@every 30s", WorkerCount: 1, UploadConcurrency: 1, ThumbnailSize: 32},
	}

	a, err := build(context.Background(), cfg, filepath.Join(dir, "settings.json"))
	require.NoError(t, err)
	defer a.close()

	rec := httptest.NewRecorder()
	a.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	a.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/settings", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	n, err := a.poller.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
