// Package api exposes the coordinator's admin HTTP surface: job submission,
// job status, job cancellation, and worker listing. Worker traffic itself
// flows over the transport package's WebSocket hub, not through here.
package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/xeipuuv/gojsonschema"

	"github.com/videoswarm/upswarm/batch"
	uperrors "github.com/videoswarm/upswarm/errors"
	"github.com/videoswarm/upswarm/log"
	"github.com/videoswarm/upswarm/metrics"
	"github.com/videoswarm/upswarm/middleware"
)

// maxAdminBodyBytes bounds a submitted job request; well above any real
// source/output path pair.
const maxAdminBodyBytes = 1 << 20

// Orchestrator is the subset of ingest.Orchestrator the API needs: handing
// off a newly created job to have its frames extracted and sliced into
// batches, without the API importing frameio or the media tool directly.
// It is responsible for waking the scheduler once batches exist, so the
// handler itself never needs a scheduler reference.
type Orchestrator interface {
	Submit(jobID, sourcePath string)
}

// Handler bundles the dependencies every admin route needs.
type Handler struct {
	store        *batch.Store
	orchestrator Orchestrator
}

func NewHandler(store *batch.Store, orchestrator Orchestrator) *Handler {
	return &Handler{store: store, orchestrator: orchestrator}
}

// Router builds the httprouter mux with every admin route wired through the
// auth, CORS, and logging middleware chain.
func (h *Handler) Router(apiToken string) *httprouter.Router {
	r := httprouter.New()

	chain := func(handle httprouter.Handle) httprouter.Handle {
		return middleware.AllowCORS()(middleware.LogRequest()(middleware.IsAuthorized(apiToken, handle)))
	}

	r.POST("/jobs", chain(h.createJob))
	r.GET("/jobs/:id", chain(h.getJob))
	r.POST("/jobs/:id/cancel", chain(h.cancelJob))
	r.GET("/workers", chain(h.listWorkers))
	return r
}

var createJobSchema = gojsonschema.NewStringLoader(`{
	"type": "object",
	"required": ["source_path", "output_path"],
	"properties": {
		"source_path": {"type": "string", "minLength": 1},
		"output_path": {"type": "string", "minLength": 1},
		"priority": {"type": "integer"}
	}
}`)

type createJobRequest struct {
	SourcePath string `json:"source_path"`
	OutputPath string `json:"output_path"`
	Priority   int    `json:"priority"`
}

type jobResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (h *Handler) createJob(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	body, err := decodeJSON(r)
	if err != nil {
		uperrors.WriteHTTPBadRequest(w, "invalid request body", err)
		return
	}

	result, err := gojsonschema.Validate(createJobSchema, gojsonschema.NewBytesLoader(body))
	if err != nil || !result.Valid() {
		var resultErrors []gojsonschema.ResultError
		if result != nil {
			resultErrors = result.Errors()
		}
		uperrors.WriteHTTPBadBodySchema("POST /jobs", w, resultErrors)
		return
	}

	var req createJobRequest
	if err := json.Unmarshal(body, &req); err != nil {
		uperrors.WriteHTTPBadRequest(w, "invalid request body", err)
		return
	}

	id := h.store.CreateJob(req.SourcePath, req.OutputPath, req.Priority)
	metrics.Metrics.JobsInFlight.Inc()
	h.orchestrator.Submit(id, req.SourcePath)

	writeJSON(w, http.StatusAccepted, jobResponse{ID: id, Status: string(batch.JobCreated)})
}

type jobStatusResponse struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Total     int    `json:"total_batches"`
	Completed int    `json:"completed_batches"`
	Failed    int    `json:"failed_batches"`
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	jobID := ps.ByName("id")
	progress, err := h.store.JobProgress(jobID)
	if err != nil {
		uperrors.WriteHTTPNotFound(w, "unknown job", err)
		return
	}
	writeJSON(w, http.StatusOK, jobStatusResponse{
		ID:        progress.JobID,
		Status:    string(progress.Status),
		Total:     progress.Total,
		Completed: progress.Completed,
		Failed:    progress.Failed,
	})
}

func (h *Handler) cancelJob(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	jobID := ps.ByName("id")
	job, ok := h.store.Job(jobID)
	if !ok {
		uperrors.WriteHTTPNotFound(w, "unknown job", nil)
		return
	}
	if err := h.store.CancelJob(jobID); err != nil {
		uperrors.WriteHTTPConflict(w, "job cannot be cancelled", err)
		return
	}
	metrics.Metrics.JobsInFlight.Dec()
	log.Log(jobID, "job cancelled via admin API")
	writeJSON(w, http.StatusOK, jobResponse{ID: job.ID, Status: string(batch.JobCancelled)})
}

type workerResponse struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	AssignedBatch    string `json:"assigned_batch,omitempty"`
	BatchesCompleted int    `json:"batches_completed"`
	BatchesFailed    int    `json:"batches_failed"`
}

func (h *Handler) listWorkers(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	workers := h.store.ListWorkers()
	out := make([]workerResponse, len(workers))
	for i, wk := range workers {
		out[i] = workerResponse{
			ID:               wk.ID,
			Status:           string(wk.Status),
			AssignedBatch:    wk.AssignedBatch,
			BatchesCompleted: wk.BatchesCompleted,
			BatchesFailed:    wk.BatchesFailed,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func decodeJSON(r *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, maxAdminBodyBytes))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
