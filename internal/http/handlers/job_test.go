package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/taskfabric/internal/domain"
	"github.com/yungbote/taskfabric/internal/jobdefs"
	"github.com/yungbote/taskfabric/internal/observability"
	"github.com/yungbote/taskfabric/internal/pkg/logger"
	"github.com/yungbote/taskfabric/internal/queue"
	"github.com/yungbote/taskfabric/internal/registry"
	"github.com/yungbote/taskfabric/internal/state"
	"github.com/yungbote/taskfabric/internal/submit"
)

func testRouter(t *testing.T) (*gin.Engine, state.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := registry.New()
	if err := jobdefs.RegisterAll(reg); err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}
	st := state.NewMemoryStore()
	q := queue.NewMemoryQueue()
	log := logger.NewNop()
	svc := submit.NewService(st, q, reg, observability.NewEmitter(log, nil), log, "jobs")
	h := NewJobHandler(svc, st, reg)

	r := gin.New()
	r.POST("/api/jobs", h.SubmitJob)
	r.GET("/api/jobs/:id", h.GetJob)
	r.GET("/api/jobs/:id/tasks", h.ListTasks)
	r.POST("/api/jobs/:id/fail", h.FailJob)
	r.GET("/api/job-types", h.ListJobTypes)
	return r, st
}

func doJSON(t *testing.T, r *gin.Engine, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	out := map[string]any{}
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, out
}

func TestSubmitJobEndpoint(t *testing.T) {
	t.Parallel()
	r, _ := testRouter(t)

	rec, body := doJSON(t, r, http.MethodPost, "/api/jobs", `{"job_type":"greeting","parameters":{"count":2}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status: got=%d want=%d body=%s", rec.Code, http.StatusAccepted, rec.Body.String())
	}
	jobID, _ := body["job_id"].(string)
	if len(jobID) != 64 {
		t.Fatalf("unexpected job_id: %q", jobID)
	}
	if body["existed"] != false {
		t.Fatalf("fresh submission reported existing: %+v", body)
	}

	// Duplicate submission returns the existing job with 200.
	rec, body = doJSON(t, r, http.MethodPost, "/api/jobs", `{"job_type":"greeting","parameters":{"count":2}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("duplicate submit: got=%d want=%d", rec.Code, http.StatusOK)
	}
	if body["job_id"] != jobID || body["existed"] != true {
		t.Fatalf("unexpected duplicate response: %+v", body)
	}
}

func TestSubmitJobEndpointRejections(t *testing.T) {
	t.Parallel()
	r, _ := testRouter(t)

	cases := []struct {
		name string
		body string
	}{
		{"missing job_type", `{"parameters":{}}`},
		{"unknown job_type", `{"job_type":"bogus","parameters":{}}`},
		{"schema violation", `{"job_type":"greeting","parameters":{"count":0}}`},
		{"unknown parameter", `{"job_type":"greeting","parameters":{"count":1,"x":1}}`},
		{"malformed json", `{"job_type"`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec, _ := doJSON(t, r, http.MethodPost, "/api/jobs", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("got=%d want=%d body=%s", rec.Code, http.StatusBadRequest, rec.Body.String())
			}
		})
	}
}

func TestGetJobEndpoint(t *testing.T) {
	t.Parallel()
	r, _ := testRouter(t)

	_, body := doJSON(t, r, http.MethodPost, "/api/jobs", `{"job_type":"greeting","parameters":{"count":1}}`)
	jobID := body["job_id"].(string)

	rec, got := doJSON(t, r, http.MethodGet, "/api/jobs/"+jobID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("got=%d want=%d", rec.Code, http.StatusOK)
	}
	job, ok := got["job"].(map[string]any)
	if !ok || job["job_id"] != jobID || job["status"] != string(domain.JobQueued) {
		t.Fatalf("unexpected job payload: %+v", got)
	}

	rec, _ = doJSON(t, r, http.MethodGet, "/api/jobs/"+strings.Repeat("0", 64), "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing job: got=%d want=%d", rec.Code, http.StatusNotFound)
	}
	rec, _ = doJSON(t, r, http.MethodGet, "/api/jobs/short-id", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id: got=%d want=%d", rec.Code, http.StatusBadRequest)
	}
}

func TestListTasksEndpoint(t *testing.T) {
	t.Parallel()
	r, st := testRouter(t)
	ctx := httptest.NewRequest(http.MethodGet, "/", nil).Context()

	_, body := doJSON(t, r, http.MethodPost, "/api/jobs", `{"job_type":"greeting","parameters":{"count":2}}`)
	jobID := body["job_id"].(string)

	tasks := []*domain.Task{
		{ID: domain.TaskID(jobID, 1, 0), ParentJobID: jobID, JobType: "greeting", TaskType: "greeting.greet", Stage: 1, TaskIndex: 0, Status: domain.TaskCompleted},
		{ID: domain.TaskID(jobID, 1, 1), ParentJobID: jobID, JobType: "greeting", TaskType: "greeting.greet", Stage: 1, TaskIndex: 1, Status: domain.TaskQueued},
		{ID: domain.TaskID(jobID, 2, 0), ParentJobID: jobID, JobType: "greeting", TaskType: "greeting.reply", Stage: 2, TaskIndex: 0, Status: domain.TaskQueued},
	}
	if err := st.CreateTasks(ctx, tasks); err != nil {
		t.Fatalf("CreateTasks: %v", err)
	}

	rec, got := doJSON(t, r, http.MethodGet, "/api/jobs/"+jobID+"/tasks", "")
	if rec.Code != http.StatusOK || got["count"] != float64(3) {
		t.Fatalf("all tasks: code=%d body=%+v", rec.Code, got)
	}
	rec, got = doJSON(t, r, http.MethodGet, "/api/jobs/"+jobID+"/tasks?stage=1&status=queued", "")
	if rec.Code != http.StatusOK || got["count"] != float64(1) {
		t.Fatalf("filtered tasks: code=%d body=%+v", rec.Code, got)
	}
	rec, got = doJSON(t, r, http.MethodGet, "/api/jobs/"+jobID+"/tasks?limit=2", "")
	if rec.Code != http.StatusOK || got["count"] != float64(2) {
		t.Fatalf("limited tasks: code=%d body=%+v", rec.Code, got)
	}

	rec, _ = doJSON(t, r, http.MethodGet, "/api/jobs/"+jobID+"/tasks?status=sideways", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad status filter: got=%d want=%d", rec.Code, http.StatusBadRequest)
	}
	rec, _ = doJSON(t, r, http.MethodGet, "/api/jobs/"+strings.Repeat("a", 64)+"/tasks", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing job: got=%d want=%d", rec.Code, http.StatusNotFound)
	}
}

func TestFailJobEndpoint(t *testing.T) {
	t.Parallel()
	r, st := testRouter(t)

	_, body := doJSON(t, r, http.MethodPost, "/api/jobs", `{"job_type":"greeting","parameters":{"count":1}}`)
	jobID := body["job_id"].(string)

	rec, got := doJSON(t, r, http.MethodPost, "/api/jobs/"+jobID+"/fail", `{"reason":"stuck"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("fail: got=%d body=%s", rec.Code, rec.Body.String())
	}
	if got["status"] != string(domain.JobFailed) {
		t.Fatalf("unexpected payload: %+v", got)
	}

	job, _ := st.GetJob(httptest.NewRequest(http.MethodGet, "/", nil).Context(), jobID)
	jobErr := job.DecodeError()
	if jobErr == nil || jobErr.Kind != domain.KindOperatorFailed || jobErr.Message != "stuck" {
		t.Fatalf("unexpected job error: %+v", jobErr)
	}

	// Second fail hits a terminal job.
	rec, _ = doJSON(t, r, http.MethodPost, "/api/jobs/"+jobID+"/fail", `{"reason":"again"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("double fail: got=%d want=%d", rec.Code, http.StatusConflict)
	}
}

func TestListJobTypesEndpoint(t *testing.T) {
	t.Parallel()
	r, _ := testRouter(t)

	rec, got := doJSON(t, r, http.MethodGet, "/api/job-types", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("got=%d want=%d", rec.Code, http.StatusOK)
	}
	types, ok := got["job_types"].([]any)
	if !ok || len(types) != 1 {
		t.Fatalf("unexpected job types: %+v", got)
	}
	entry := types[0].(map[string]any)
	if entry["job_type"] != "greeting" || entry["total_stages"] != float64(2) {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}
