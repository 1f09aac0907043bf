// Package httpapi exposes job creation, lookup, retries and signed object
// transfer over HTTP.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/MimeLyc/pagescan-ocr/internal/config"
	"github.com/MimeLyc/pagescan-ocr/internal/jobs"
	"github.com/MimeLyc/pagescan-ocr/internal/storage"
)

// maxUploadBytes bounds a single signed PUT.
const maxUploadBytes = 1 << 30

type jobService interface {
	CreateJob(ctx context.Context, uploadKey string, parentID *string) (*jobs.Job, error)
	RetryJob(ctx context.Context, jobID string) (*jobs.Job, error)
	RetryFromStep(ctx context.Context, jobID string, step jobs.Step) (*jobs.Job, error)
	Busy(jobID string) bool
}

type jobReader interface {
	GetJob(ctx context.Context, id string) (*jobs.Job, error)
}

type pollSchedule interface {
	NextPoll(now time.Time) (time.Time, error)
}

type runtimeSettingsStore interface {
	GetRuntimeSettings() (config.RuntimeSettings, error)
	UpdateRuntimeSettings(next config.RuntimeSettings) (config.RuntimeSettings, error)
}

type Server struct {
	service  jobService
	jobs     jobReader
	objects  storage.Storage
	signer   *storage.Signer
	poller   pollSchedule
	settings runtimeSettingsStore
	urlTTL   time.Duration
	newID    func() string
	now      func() time.Time

	streamInterval time.Duration

	mux    *http.ServeMux
	server *http.Server
}

type Option func(*Server)

func WithPoller(p pollSchedule) Option {
	return func(s *Server) {
		s.poller = p
	}
}

func WithRuntimeSettingsStore(store runtimeSettingsStore) Option {
	return func(s *Server) {
		s.settings = store
	}
}

func WithSignedURLTTL(ttl time.Duration) Option {
	return func(s *Server) {
		if ttl > 0 {
			s.urlTTL = ttl
		}
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(s *Server) {
		s.newID = fn
	}
}

// NewServer serves signed object URLs verified by signer; a nil signer
// disables the /files routes.
func NewServer(service jobService, reader jobReader, objects storage.Storage, signer *storage.Signer, opts ...Option) *Server {
	s := &Server{
		service:        service,
		jobs:           reader,
		objects:        objects,
		signer:         signer,
		urlTTL:         time.Hour,
		newID:          newUploadID,
		now:            time.Now,
		streamInterval: time.Second,
		mux:            http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("POST /api/uploads", s.handleCreateUpload)
	s.mux.HandleFunc("POST /api/jobs", s.handleCreateJob)
	s.mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("GET /api/jobs/{id}/events", s.handleJobStream)
	s.mux.HandleFunc("POST /api/jobs/{id}/retry", s.handleRetryJob)
	s.mux.HandleFunc("POST /api/jobs/{id}/retry-from/{step}", s.handleRetryFromStep)
	s.mux.HandleFunc("/api/settings", s.handleSettings)
	s.mux.HandleFunc("GET /files/{key...}", s.handleDownload)
	s.mux.HandleFunc("PUT /files/{key...}", s.handleUpload)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
