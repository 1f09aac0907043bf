package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// handleJobStream pushes the job record whenever it changes and ends once
// the job is completed or failed.
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	id := r.PathValue("id")
	job, err := s.jobs.GetJob(r.Context(), id)
	if err != nil {
		writePipelineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var lastVersion int64 = -1
	send := func() bool {
		if job.Version == lastVersion {
			return true
		}
		payload, err := json.Marshal(s.describe(r, job))
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return false
		}
		flusher.Flush()
		lastVersion = job.Version
		return true
	}

	if !send() || job.Status.Terminal() {
		return
	}

	ticker := time.NewTicker(s.streamInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			job, err = s.jobs.GetJob(r.Context(), id)
			if err != nil {
				return
			}
			if !send() || job.Status.Terminal() {
				return
			}
		}
	}
}
