package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/docs2md/internal/crawler"
	"github.com/JakeFAU/docs2md/internal/jobs"
	"github.com/JakeFAU/docs2md/internal/retention"
)

const maxRequestBytes = 1 << 20

type convertResponse struct {
	JobID       string `json:"job_id"`
	StatusURL   string `json:"status_url"`
	EventsURL   string `json:"events_url"`
	DownloadURL string `json:"download_url"`
}

type artifactDTO struct {
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Checksum    string    `json:"checksum,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
	DownloadURL string    `json:"download_url"`
}

type jobDTO struct {
	JobID     string               `json:"job_id"`
	State     crawler.JobState     `json:"state"`
	SeedURL   string               `json:"seed_url"`
	Format    crawler.OutputFormat `json:"format"`
	MaxPages  int                  `json:"max_pages"`
	Counters  crawler.JobCounters  `json:"counters"`
	Reason    string               `json:"reason,omitempty"`
	Partial   bool                 `json:"partial,omitempty"`
	Artifact  *artifactDTO         `json:"artifact,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
	ExpiresAt *time.Time           `json:"expires_at,omitempty"`
}

func statusURL(id string) string   { return "/api/jobs/" + id }
func eventsURL(id string) string   { return "/api/jobs/" + id + "/events" }
func downloadURL(id string) string { return "/download/" + id }

func toJobDTO(job crawler.Job, now time.Time) jobDTO {
	dto := jobDTO{
		JobID:     job.ID,
		State:     job.State,
		SeedURL:   job.SeedURL,
		Format:    job.Format,
		MaxPages:  job.MaxPages,
		Counters:  job.Counters,
		Reason:    job.Reason,
		Partial:   job.Partial,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
		ExpiresAt: job.ExpiresAt,
	}
	if job.State == crawler.JobStateComplete && job.Artifact != nil && retention.Valid(*job.Artifact, now) {
		dto.Artifact = &artifactDTO{
			Filename:    job.Artifact.Filename,
			ContentType: job.Artifact.ContentType,
			Size:        job.Artifact.Size,
			Checksum:    job.Artifact.Checksum,
			ExpiresAt:   job.Artifact.ExpiresAt,
			DownloadURL: downloadURL(job.ID),
		}
	}
	return dto
}

func (s *Server) convert(w http.ResponseWriter, r *http.Request) {
	var req jobs.Request
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	job, err := s.jobs.Submit(r.Context(), req)
	if err != nil {
		if errors.Is(err, jobs.ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("submit job", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to submit job")
		return
	}
	w.Header().Set("Location", statusURL(job.ID))
	writeJSON(w, http.StatusAccepted, convertResponse{
		JobID:       job.ID,
		StatusURL:   statusURL(job.ID),
		EventsURL:   eventsURL(job.ID),
		DownloadURL: downloadURL(job.ID),
	})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		s.jobError(w, err, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, toJobDTO(job, s.clock.Now()))
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Delete(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		s.jobError(w, err, "failed to delete job")
		return
	}
	writeJSON(w, http.StatusOK, toJobDTO(job, s.clock.Now()))
}

func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		s.jobError(w, err, "failed to load job")
		return
	}
	switch {
	case job.State == crawler.JobStateExpired:
		writeError(w, http.StatusGone, "artifact expired")
		return
	case job.State != crawler.JobStateComplete || job.Artifact == nil:
		writeError(w, http.StatusNotFound, "artifact not ready")
		return
	}

	rc, info, err := s.downloads.Open(r.Context(), *job.Artifact)
	switch {
	case errors.Is(err, retention.ErrExpired), errors.Is(err, crawler.ErrObjectNotFound):
		writeError(w, http.StatusGone, "artifact expired")
		return
	case err != nil:
		s.logger.Error("open artifact", zap.String("job_id", job.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to open artifact")
		return
	}
	defer func() { _ = rc.Close() }()

	contentType := job.Artifact.ContentType
	if contentType == "" {
		contentType = info.ContentType
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", retention.ContentDisposition(job.Artifact.Filename))
	if size := max(info.Size, job.Artifact.Size); size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("stream artifact", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// jobError maps manager errors to HTTP responses without leaking internals.
func (s *Server) jobError(w http.ResponseWriter, err error, msg string) {
	switch {
	case jobs.IsNotFound(err):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, crawler.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "job already finished")
	default:
		s.logger.Error(msg, zap.Error(err))
		writeError(w, http.StatusInternalServerError, msg)
	}
}
