package httpapi

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/MimeLyc/pagescan-ocr/internal/storage"
	"github.com/MimeLyc/pagescan-ocr/pkg/log"
)

func (s *Server) verify(w http.ResponseWriter, r *http.Request, method string) (string, bool) {
	if s.signer == nil {
		writeError(w, http.StatusNotFound, "signed urls are not enabled")
		return "", false
	}
	key := r.PathValue("key")
	if err := s.signer.Verify(method, key, r.URL.Query()); err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return "", false
	}
	return key, true
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	key, ok := s.verify(w, r, storage.MethodDownload)
	if !ok {
		return
	}
	rc, err := s.objects.Get(r.Context(), key)
	if err != nil {
		writePipelineError(w, err)
		return
	}
	defer rc.Close()

	q := r.URL.Query()
	contentType := q.Get("ct")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	if fn := q.Get("fn"); fn != "" {
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": fn}))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		log.Warn("Download of %s interrupted: %v", key, err)
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	key, ok := s.verify(w, r, storage.MethodUpload)
	if !ok {
		return
	}
	if want := r.URL.Query().Get("ct"); want != "" && r.Header.Get("Content-Type") != want {
		writeError(w, http.StatusBadRequest, "content type must be "+want)
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds "+strconv.Itoa(maxUploadBytes)+" bytes")
			return
		}
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	if err := s.objects.Put(r.Context(), key, data); err != nil {
		writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"key":  key,
		"size": len(data),
	})
}
