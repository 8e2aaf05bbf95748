package httptransport

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/briancasteel/youtube-transcriber-sub001/internal/entity"
	"github.com/briancasteel/youtube-transcriber-sub001/internal/pipeline"
	"github.com/briancasteel/youtube-transcriber-sub001/internal/service"
	"github.com/briancasteel/youtube-transcriber-sub001/internal/store"
)

type Handler struct {
	jobSvc *service.JobService
}

func NewHandler(jobSvc *service.JobService) *Handler {
	return &Handler{jobSvc: jobSvc}
}

type submitJobDTO struct {
	ID      string `json:"id,omitempty"` // optional idempotency key
	Source  string `json:"source"`
	Options struct {
		Language string `json:"language,omitempty"`
		Format   string `json:"format,omitempty"`
		Enhance  bool   `json:"enhance,omitempty"`
	} `json:"options"`
}

type submitJobResp struct {
	ID     string           `json:"id"`
	Status entity.JobStatus `json:"status"`
}

// SubmitJob godoc
// @Summary Submit a media-processing job
// @Description Accepts a remote media source and queues the fetch/extract/transcribe/enhance pipeline; poll status separately.
// @Tags jobs
// @Accept json
// @Produce json
// @Param request body submitJobDTO true "job payload"
// @Success 202 {object} submitJobResp
// @Failure 400 {object} apiError
// @Failure 409 {object} apiError
// @Failure 500 {object} apiError
// @Router /jobs [post]
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var dto submitJobDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	job, err := h.jobSvc.Submit(r.Context(), service.SubmitRequest{
		JobID:  dto.ID,
		Source: dto.Source,
		Options: entity.Options{
			Language: dto.Options.Language,
			Format:   dto.Options.Format,
			Enhance:  dto.Options.Enhance,
		},
	})
	if err != nil {
		switch {
		case errors.Is(err, entity.ErrInvalidInput):
			writeErr(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, pipeline.ErrAlreadyRunning), errors.Is(err, pipeline.ErrJobExists):
			writeErr(w, http.StatusConflict, err.Error())
		default:
			writeErr(w, http.StatusInternalServerError, "failed to submit job")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, submitJobResp{ID: job.ID, Status: job.Status})
}

// GetJobStatus godoc
// @Summary Get job status
// @Tags jobs
// @Produce json
// @Param id path string true "job id"
// @Success 200 {object} service.StatusSnapshot
// @Failure 404 {object} apiError
// @Router /jobs/{id} [get]
func (h *Handler) GetJobStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	snap, err := h.jobSvc.GetStatus(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "job not found")
			return
		}
		writeErr(w, http.StatusInternalServerError, "failed to read job")
		return
	}

	writeJSON(w, http.StatusOK, snap)
}

// GetJobResult godoc
// @Summary Get job result
// @Description Returns the merged stage results once the job completed; 409 while in flight or after failure/cancellation.
// @Tags jobs
// @Produce json
// @Param id path string true "job id"
// @Success 200 {object} service.Result
// @Failure 404 {object} apiError
// @Failure 409 {object} apiError
// @Router /jobs/{id}/result [get]
func (h *Handler) GetJobResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	res, err := h.jobSvc.GetResult(r.Context(), id)
	if err != nil {
		var fe *service.FailedError
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeErr(w, http.StatusNotFound, "job not found")
		case errors.As(err, &fe):
			writeJSON(w, http.StatusConflict, apiError{Message: fe.Message, Stage: fe.Stage})
		case errors.Is(err, service.ErrNotReady):
			writeErr(w, http.StatusConflict, "job result not ready")
		default:
			writeErr(w, http.StatusInternalServerError, "failed to read job")
		}
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// CancelJob godoc
// @Summary Cancel a job
// @Description Requests cooperative cancellation; a queued job cancels immediately, a running job at the next stage boundary.
// @Tags jobs
// @Produce json
// @Param id path string true "job id"
// @Success 200 {object} map[string]string
// @Failure 404 {object} apiError
// @Failure 409 {object} apiError
// @Router /jobs/{id}/cancel [post]
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.jobSvc.Cancel(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeErr(w, http.StatusNotFound, "job not found")
		case errors.Is(err, pipeline.ErrNotCancellable):
			writeErr(w, http.StatusConflict, "job is not cancellable")
		default:
			writeErr(w, http.StatusInternalServerError, "failed to cancel job")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "cancellation requested"})
}

// ListJobs godoc
// @Summary List jobs
// @Tags jobs
// @Produce json
// @Param status query string false "filter by status"
// @Param limit query int false "page size"
// @Param offset query int false "page offset"
// @Success 200 {object} service.ListResult
// @Failure 400 {object} apiError
// @Router /jobs [get]
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var f store.Filter
	if status := q.Get("status"); status != "" {
		switch s := entity.JobStatus(status); s {
		case entity.StatusQueued, entity.StatusRunning, entity.StatusCompleted,
			entity.StatusFailed, entity.StatusCancelled:
			f.Status = s
		default:
			writeErr(w, http.StatusBadRequest, "unknown status "+status)
			return
		}
	}

	p := store.Page{Limit: 50}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeErr(w, http.StatusBadRequest, "invalid limit")
			return
		}
		p.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeErr(w, http.StatusBadRequest, "invalid offset")
			return
		}
		p.Offset = n
	}

	res, err := h.jobSvc.List(r.Context(), f, p)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	writeJSON(w, http.StatusOK, res)
}
