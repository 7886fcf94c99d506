package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/me/dwiprep/internal/logging"
	"github.com/me/dwiprep/internal/store"
	"github.com/me/dwiprep/pkg/model"
)

func testStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:", logging.Discard())
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return st
}

func testServer(t *testing.T, opts ...Option) (*Server, *store.SQLiteStore) {
	t.Helper()
	st := testStore(t)
	return New(st, logging.Discard(), opts...), st
}

// envelope is used to decode the standard response envelope.
type envelope struct {
	Status     string            `json:"status"`
	RequestID  string            `json:"request_id"`
	Timestamp  string            `json:"timestamp"`
	Data       json.RawMessage   `json:"data"`
	Pagination *model.Pagination `json:"pagination"`
	Error      *model.APIError   `json:"error"`
}

func doGet(t *testing.T, srv *Server, path string, wantStatus int) envelope {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != wantStatus {
		t.Fatalf("GET %s: status=%d, want %d, body=%s", path, w.Code, wantStatus, w.Body.String())
	}
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("GET %s: invalid JSON: %v", path, err)
	}
	return env
}

func seedRun(t *testing.T, st store.Store, id string, created time.Time, states ...model.SubjectState) {
	t.Helper()
	ctx := context.Background()
	run := &model.Run{
		ID:        id,
		Pipeline:  "dwi-preprocessing-using-t1",
		Variant:   "eddy-only",
		State:     model.RunStateRunning,
		CreatedAt: created,
	}
	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	var rows []*model.SubjectRun
	for i, s := range states {
		sub := "sub-0" + string(rune('1'+i))
		rows = append(rows, &model.SubjectRun{
			RunID:   id,
			Subject: sub,
			Session: "ses-M00",
			ImageID: sub + "_ses-M00",
			State:   s,
		})
	}
	if err := st.CreateSubjects(ctx, rows); err != nil {
		t.Fatalf("CreateSubjects: %v", err)
	}
}

func TestDiscovery(t *testing.T) {
	srv, _ := testServer(t)
	env := doGet(t, srv, "/api/v1/", http.StatusOK)
	if env.Status != "ok" {
		t.Errorf("status = %q, want ok", env.Status)
	}
	if !strings.HasPrefix(env.RequestID, "req_") {
		t.Errorf("request_id = %q, want req_ prefix", env.RequestID)
	}

	var data struct {
		Name      string `json:"name"`
		Endpoints []struct {
			Path string `json:"path"`
		} `json:"endpoints"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data.Name != "dwiprep API" {
		t.Errorf("name = %q, want dwiprep API", data.Name)
	}
	for _, ep := range data.Endpoints {
		if ep.Path == "/metrics" {
			t.Error("/metrics listed without a gatherer")
		}
	}
	if len(data.Endpoints) != 4 {
		t.Errorf("endpoints = %d, want 4", len(data.Endpoints))
	}
}

func TestHealth(t *testing.T) {
	srv, _ := testServer(t, WithGatherer(prometheus.NewRegistry()))
	env := doGet(t, srv, "/api/v1/health", http.StatusOK)

	var data healthResponse
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data.Status != "healthy" {
		t.Errorf("status = %q, want healthy", data.Status)
	}
	if data.Version != Version {
		t.Errorf("version = %q, want %q", data.Version, Version)
	}
	if data.Metrics != "available" {
		t.Errorf("metrics = %q, want available", data.Metrics)
	}
}

func TestListRuns(t *testing.T) {
	srv, st := testServer(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedRun(t, st, "run_a", base, model.SubjectStateCompleted)
	seedRun(t, st, "run_b", base.Add(time.Hour), model.SubjectStateFailed, model.SubjectStateCompleted)

	env := doGet(t, srv, "/api/v1/runs/?limit=1", http.StatusOK)
	var runs []model.Run
	if err := json.Unmarshal(env.Data, &runs); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "run_b" {
		t.Fatalf("runs = %+v, want newest run_b only", runs)
	}
	if runs[0].Summary.Total != 2 || runs[0].Summary.Failed != 1 {
		t.Errorf("summary = %+v, want total 2 failed 1", runs[0].Summary)
	}
	if env.Pagination == nil {
		t.Fatal("pagination missing")
	}
	if env.Pagination.Total != 2 || !env.Pagination.HasMore {
		t.Errorf("pagination = %+v, want total 2 with more", *env.Pagination)
	}
}

func TestListRuns_Empty(t *testing.T) {
	srv, _ := testServer(t)
	env := doGet(t, srv, "/api/v1/runs/", http.StatusOK)
	if string(env.Data) != "[]" {
		t.Errorf("data = %s, want []", env.Data)
	}
}

func TestListRuns_BadLimit(t *testing.T) {
	srv, _ := testServer(t)
	env := doGet(t, srv, "/api/v1/runs/?limit=ten", http.StatusBadRequest)
	if env.Status != "error" {
		t.Errorf("status = %q, want error", env.Status)
	}
	if env.Error == nil || env.Error.Code != model.ErrValidation {
		t.Fatalf("error = %+v, want %s", env.Error, model.ErrValidation)
	}
	if len(env.Error.Details) != 1 || env.Error.Details[0].Field != "limit" {
		t.Errorf("details = %+v, want field limit", env.Error.Details)
	}
}

func TestListRuns_StateFilter(t *testing.T) {
	srv, st := testServer(t)
	seedRun(t, st, "run_a", time.Now().UTC(), model.SubjectStateCompleted)

	env := doGet(t, srv, "/api/v1/runs/?state=RUNNING", http.StatusOK)
	var runs []model.Run
	if err := json.Unmarshal(env.Data, &runs); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("running runs = %d, want 1", len(runs))
	}

	env = doGet(t, srv, "/api/v1/runs/?state=SKIPPED", http.StatusBadRequest)
	if env.Error == nil || len(env.Error.Details) != 1 || env.Error.Details[0].Field != "state" {
		t.Errorf("error = %+v, want state field error", env.Error)
	}
}

func TestGetRun(t *testing.T) {
	srv, st := testServer(t)
	seedRun(t, st, "run_a", time.Now().UTC(), model.SubjectStatePending, model.SubjectStateSkipped)

	env := doGet(t, srv, "/api/v1/runs/run_a/", http.StatusOK)
	var run model.Run
	if err := json.Unmarshal(env.Data, &run); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if run.ID != "run_a" || run.Variant != "eddy-only" {
		t.Errorf("run = %+v", run)
	}
	if run.Summary.Pending != 1 || run.Summary.Skipped != 1 {
		t.Errorf("summary = %+v, want 1 pending 1 skipped", run.Summary)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	srv, _ := testServer(t)
	env := doGet(t, srv, "/api/v1/runs/run_missing/", http.StatusNotFound)
	if env.Error == nil || env.Error.Code != model.ErrNotFound {
		t.Errorf("error = %+v, want %s", env.Error, model.ErrNotFound)
	}
	doGet(t, srv, "/api/v1/runs/run_missing/subjects", http.StatusNotFound)
}

func TestListSubjects(t *testing.T) {
	srv, st := testServer(t)
	seedRun(t, st, "run_a", time.Now().UTC(),
		model.SubjectStateCompleted, model.SubjectStateFailed, model.SubjectStateCompleted)

	tests := []struct {
		query string
		want  int
	}{
		{"", 3},
		{"?state=COMPLETED", 2},
		{"?state=FAILED", 1},
		{"?state=RUNNING", 0},
	}
	for _, tt := range tests {
		t.Run("q"+tt.query, func(t *testing.T) {
			env := doGet(t, srv, "/api/v1/runs/run_a/subjects"+tt.query, http.StatusOK)
			var subjects []model.SubjectRun
			if err := json.Unmarshal(env.Data, &subjects); err != nil {
				t.Fatalf("unmarshal data: %v", err)
			}
			if len(subjects) != tt.want {
				t.Errorf("subjects = %d, want %d", len(subjects), tt.want)
			}
		})
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "dwiprep_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Add(3)

	srv, _ := testServer(t, WithGatherer(reg))
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "dwiprep_test_total 3") {
		t.Errorf("body missing counter:\n%s", w.Body.String())
	}
}

func TestMetrics_NotMounted(t *testing.T) {
	srv, _ := testServer(t)
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestRequestIDPropagated(t *testing.T) {
	srv, _ := testServer(t)
	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "req_custom")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "req_custom" {
		t.Errorf("X-Request-ID = %q, want req_custom", got)
	}
}
