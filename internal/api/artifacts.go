package api

import (
	"errors"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/comfyflow/internal/store"
)

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.GetExecution(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "execution not found")
			return
		}
		s.logger.Error("get execution for artifacts", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get execution")
		return
	}

	artifacts, err := s.store.ListArtifacts(r.Context(), id)
	if err != nil {
		s.logger.Error("list artifacts", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list artifacts")
		return
	}
	s.writeJSON(w, http.StatusOK, artifacts)
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	filename := chi.URLParam(r, "filename")

	a, err := s.store.GetArtifact(r.Context(), id, filename)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	if err != nil {
		s.logger.Error("get artifact", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get artifact")
		return
	}

	w.Header().Set("Content-Type", contentType(a.Filename, a.Data))
	w.Header().Set("Content-Length", strconv.Itoa(len(a.Data)))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": path.Base(a.Filename)}))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(a.Data); err != nil {
		s.logger.Debug("write artifact", "error", err)
	}
}

// contentType picks the media type by extension, sniffing unknown ones.
func contentType(filename string, data []byte) string {
	switch strings.ToLower(path.Ext(filename)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	}
	return http.DetectContentType(data)
}
