package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/videoswarm/upswarm/batch"
)

const testToken = "test-token"

type fakeOrchestrator struct {
	submittedJobIDs []string
	submittedPaths  []string
}

func (f *fakeOrchestrator) Submit(jobID, sourcePath string) {
	f.submittedJobIDs = append(f.submittedJobIDs, jobID)
	f.submittedPaths = append(f.submittedPaths, sourcePath)
}

func newTestHandler() (*Handler, *batch.Store, *fakeOrchestrator) {
	store := batch.NewStore()
	orch := &fakeOrchestrator{}
	return NewHandler(store, orch), store, orch
}

func authedRequest(method, path string, body []byte) *http.Request {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testToken)
	return req
}

func TestCreateJobReturnsAccepted(t *testing.T) {
	h, store, orch := newTestHandler()
	router := h.Router(testToken)

	body, err := json.Marshal(map[string]interface{}{
		"source_path": "/in/video.mp4",
		"output_path": "/out/video.mp4",
	})
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/jobs", body))

	require.Equal(t, http.StatusAccepted, rr.Code)
	require.Equal(t, []string{"/in/video.mp4"}, orch.submittedPaths)

	var resp jobResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ID)

	job, ok := store.Job(resp.ID)
	require.True(t, ok)
	require.Equal(t, "/in/video.mp4", job.SourcePath)
}

func TestCreateJobRejectsMissingFields(t *testing.T) {
	h, _, _ := newTestHandler()
	router := h.Router(testToken)

	body, err := json.Marshal(map[string]interface{}{"source_path": "/in/video.mp4"})
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/jobs", body))

	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCreateJobRejectsUnauthorized(t *testing.T) {
	h, _, _ := newTestHandler()
	router := h.Router(testToken)

	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader([]byte(`{}`)))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestGetJobReportsProgress(t *testing.T) {
	h, store, _ := newTestHandler()
	router := h.Router(testToken)

	jobID := store.CreateJob("in.mp4", "out.mp4", 0)
	require.NoError(t, store.SetJobFrames(jobID, "/tmp/frames", 50, 24.0, nil, nil))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/jobs/"+jobID, nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var resp jobStatusResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, jobID, resp.ID)
	require.Equal(t, "processing", resp.Status)
}

func TestGetJobUnknownReturnsNotFound(t *testing.T) {
	h, _, _ := newTestHandler()
	router := h.Router(testToken)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/jobs/does-not-exist", nil))

	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCancelJobTransitionsStatus(t *testing.T) {
	h, store, _ := newTestHandler()
	router := h.Router(testToken)

	jobID := store.CreateJob("in.mp4", "out.mp4", 0)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/jobs/"+jobID+"/cancel", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	job, ok := store.Job(jobID)
	require.True(t, ok)
	require.Equal(t, batch.JobCancelled, job.Status)
}

func TestCancelJobAlreadySettledReturnsConflict(t *testing.T) {
	h, store, _ := newTestHandler()
	router := h.Router(testToken)

	jobID := store.CreateJob("in.mp4", "out.mp4", 0)
	require.NoError(t, store.CancelJob(jobID))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/jobs/"+jobID+"/cancel", nil))

	require.Equal(t, http.StatusConflict, rr.Code)
}

func TestListWorkersReturnsRegisteredWorkers(t *testing.T) {
	h, store, _ := newTestHandler()
	router := h.Router(testToken)

	store.RegisterWorker("w-1", "10.0.0.1:9000", batch.WorkerCapabilities{GPUCount: 1})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/workers", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var resp []workerResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp, 1)
	require.Equal(t, "w-1", resp[0].ID)
}
