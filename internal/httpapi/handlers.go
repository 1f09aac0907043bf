package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MimeLyc/pagescan-ocr/internal/config"
	"github.com/MimeLyc/pagescan-ocr/internal/jobs"
	"github.com/MimeLyc/pagescan-ocr/internal/render"
	"github.com/MimeLyc/pagescan-ocr/internal/storage"
	"github.com/MimeLyc/pagescan-ocr/pkg/log"
)

const zipContentType = "application/zip"

func newUploadID() string {
	return uuid.NewString()
}

type jobResponse struct {
	*jobs.Job
	Busy       bool                         `json:"busy"`
	NextPollAt *time.Time                   `json:"next_poll_at,omitempty"`
	Downloads  map[string]storage.SignedURL `json:"downloads,omitempty"`
}

type download struct {
	name        string
	key         string
	contentType string
	filename    string
}

func (s *Server) describe(r *http.Request, job *jobs.Job) jobResponse {
	resp := jobResponse{Job: job, Busy: s.service.Busy(job.ID)}
	if s.poller != nil && !job.Status.Terminal() {
		if next, err := s.poller.NextPoll(s.now()); err == nil {
			resp.NextPollAt = &next
		}
	}

	downloads := []download{
		{"txt", job.Artifacts.TxtKey, render.ContentTypeText, job.ID + ".txt"},
		{"docx", job.Artifacts.DocxKey, render.ContentTypeDocx, job.ID + ".docx"},
		{"thumbnail", job.Artifacts.ThumbnailKey, render.ContentTypePNG, ""},
		{"raw_zip", job.Artifacts.RawZipKey, zipContentType, job.ID + "-pages.zip"},
	}
	for _, d := range downloads {
		if d.key == "" {
			continue
		}
		signed, err := s.objects.SignedDownloadURL(r.Context(), d.key, d.contentType, d.filename, s.urlTTL)
		if err != nil {
			log.Warn("Job %s: sign %s: %v", job.ID, d.name, err)
			continue
		}
		if resp.Downloads == nil {
			resp.Downloads = make(map[string]storage.SignedURL)
		}
		resp.Downloads[d.name] = signed
	}
	return resp
}

type createUploadResponse struct {
	UploadKey string    `json:"upload_key"`
	UploadURL string    `json:"upload_url"`
	ExpiresAt time.Time `json:"expires_at"`
	// ContentType must be sent as the Content-Type of the PUT.
	ContentType string `json:"content_type"`
}

func (s *Server) handleCreateUpload(w http.ResponseWriter, r *http.Request) {
	key := "uploads/" + s.newID() + ".zip"
	signed, err := s.objects.SignedUploadURL(r.Context(), key, zipContentType, s.urlTTL)
	if err != nil {
		writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createUploadResponse{
		UploadKey:   key,
		UploadURL:   signed.URL,
		ExpiresAt:   signed.ExpiresAt,
		ContentType: zipContentType,
	})
}

type createJobRequest struct {
	UploadKey   string  `json:"upload_key"`
	ParentJobID *string `json:"parent_job_id"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if strings.TrimSpace(req.UploadKey) == "" {
		writeError(w, http.StatusBadRequest, "upload_key is required")
		return
	}
	job, err := s.service.CreateJob(r.Context(), req.UploadKey, req.ParentJobID)
	if err != nil {
		writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.describe(r, job))
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.describe(r, job))
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.service.RetryJob(r.Context(), r.PathValue("id"))
	if err != nil {
		writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.describe(r, job))
}

func (s *Server) handleRetryFromStep(w http.ResponseWriter, r *http.Request) {
	step, err := jobs.ParseStep(r.PathValue("step"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := s.service.RetryFromStep(r.Context(), r.PathValue("id"), step)
	if err != nil {
		writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.describe(r, job))
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		writeError(w, http.StatusNotImplemented, "settings store is not configured")
		return
	}

	switch r.Method {
	case http.MethodGet:
		settings, err := s.settings.GetRuntimeSettings()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, settings)
	case http.MethodPut:
		var req config.RuntimeSettings
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		if err := req.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		saved, err := s.settings.UpdateRuntimeSettings(req)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, saved)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// statusFor maps the pipeline error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch jobs.TypeOf(err) {
	case jobs.ErrNotFound:
		return http.StatusNotFound
	case jobs.ErrConflict:
		return http.StatusConflict
	case jobs.ErrValidation:
		return http.StatusBadRequest
	case jobs.ErrExternalService:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writePipelineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error("Request failed: %v", err)
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}
