package store

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/me/dwiprep/pkg/model"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func sampleRun(id string) *model.Run {
	return &model.Run{
		ID:        id,
		Pipeline:  "dwi_preprocessing_using_only_eddy",
		Variant:   "eddy-only",
		Params:    map[string]any{"low_bval": 5.0, "initrand": false},
		State:     model.RunStateRunning,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func sampleSubjects(runID string) []*model.SubjectRun {
	return []*model.SubjectRun{
		{RunID: runID, Subject: "sub-01", Session: "ses-M00", State: model.SubjectStatePending},
		{RunID: runID, Subject: "sub-02", Session: "ses-M00", State: model.SubjectStatePending},
		{RunID: runID, Subject: "sub-03", Session: "ses-M00", State: model.SubjectStateSkipped},
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	st := testStore(t)
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestRunCRUD(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	run := sampleRun("run_1")
	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	got, err := st.GetRun(ctx, "run_1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got == nil {
		t.Fatal("GetRun returned nil")
	}
	if got.Variant != "eddy-only" || got.State != model.RunStateRunning {
		t.Errorf("run = %+v", got)
	}
	if got.Params["low_bval"] != 5.0 {
		t.Errorf("params low_bval = %v, want 5", got.Params["low_bval"])
	}
	if !got.CreatedAt.Equal(run.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, run.CreatedAt)
	}
	if got.CompletedAt != nil {
		t.Errorf("CompletedAt = %v, want nil", got.CompletedAt)
	}

	now := time.Now().UTC()
	run.State = model.RunStateCompleted
	run.CompletedAt = &now
	if err := st.UpdateRun(ctx, run); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}
	got, _ = st.GetRun(ctx, "run_1")
	if got.State != model.RunStateCompleted || got.CompletedAt == nil {
		t.Errorf("after update: state %s completed_at %v", got.State, got.CompletedAt)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	st := testStore(t)
	got, err := st.GetRun(context.Background(), "missing")
	if err != nil || got != nil {
		t.Errorf("GetRun(missing) = %v, %v; want nil, nil", got, err)
	}
	if err := st.UpdateRun(context.Background(), sampleRun("missing")); err == nil {
		t.Error("UpdateRun(missing) succeeded")
	}
}

func TestListRuns(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	for i, id := range []string{"run_a", "run_b", "run_c"} {
		run := sampleRun(id)
		run.CreatedAt = run.CreatedAt.Add(time.Duration(i) * time.Second)
		if i == 0 {
			run.State = model.RunStateFailed
		}
		if err := st.CreateRun(ctx, run); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.CreateSubjects(ctx, sampleSubjects("run_b")); err != nil {
		t.Fatal(err)
	}

	runs, total, err := st.ListRuns(ctx, model.RunFilter{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 || len(runs) != 2 {
		t.Fatalf("total %d, page %d; want 3, 2", total, len(runs))
	}
	if runs[0].ID != "run_c" || runs[1].ID != "run_b" {
		t.Errorf("order = %s, %s; want newest first", runs[0].ID, runs[1].ID)
	}
	if runs[1].Summary.Total != 3 || runs[1].Summary.Skipped != 1 {
		t.Errorf("run_b summary = %+v", runs[1].Summary)
	}

	runs, total, err = st.ListRuns(ctx, model.RunFilter{State: model.RunStateFailed})
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || len(runs) != 1 || runs[0].ID != "run_a" {
		t.Errorf("failed runs = %d %v", total, runs)
	}
}

func TestSubjects(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	if err := st.CreateRun(ctx, sampleRun("run_1")); err != nil {
		t.Fatal(err)
	}
	subjects := sampleSubjects("run_1")
	if err := st.CreateSubjects(ctx, subjects); err != nil {
		t.Fatalf("CreateSubjects: %v", err)
	}

	started := time.Now().UTC()
	sr := subjects[1]
	sr.ImageID = "sub-02_ses-M00"
	sr.State = model.SubjectStateFailed
	sr.ErrorKind = model.KindDegenerateData
	sr.Error = "no b-value at or below 5"
	sr.FailedStage = "0-GenerateIndexFile"
	sr.StartedAt = &started
	sr.CompletedAt = &started
	if err := st.UpdateSubject(ctx, sr); err != nil {
		t.Fatalf("UpdateSubject: %v", err)
	}

	got, err := st.ListSubjects(ctx, "run_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	g := got[1]
	if g.Subject != "sub-02" || g.State != model.SubjectStateFailed || g.ErrorKind != model.KindDegenerateData {
		t.Errorf("subject = %+v", g)
	}
	if g.FailedStage != "0-GenerateIndexFile" || g.StartedAt == nil || !g.StartedAt.Equal(started) {
		t.Errorf("failed stage %q started %v", g.FailedStage, g.StartedAt)
	}

	run, _ := st.GetRun(ctx, "run_1")
	want := model.SubjectSummary{Total: 3, Pending: 1, Failed: 1, Skipped: 1}
	if run.Summary != want {
		t.Errorf("summary = %+v, want %+v", run.Summary, want)
	}
}

func TestCreateSubjects_UnknownRun(t *testing.T) {
	st := testStore(t)
	err := st.CreateSubjects(context.Background(), sampleSubjects("nope"))
	if err == nil {
		t.Error("CreateSubjects for an unknown run succeeded")
	}
}

func TestCompletedImages(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	if err := st.CreateRun(ctx, sampleRun("run_1")); err != nil {
		t.Fatal(err)
	}
	other := sampleRun("run_2")
	other.Pipeline = "dwi_preprocessing_using_phasediff_fmap"
	if err := st.CreateRun(ctx, other); err != nil {
		t.Fatal(err)
	}
	subjects := sampleSubjects("run_1")
	subjects[0].State = model.SubjectStateCompleted
	if err := st.CreateSubjects(ctx, subjects); err != nil {
		t.Fatal(err)
	}
	fmapSubjects := sampleSubjects("run_2")
	fmapSubjects[1].State = model.SubjectStateCompleted
	if err := st.CreateSubjects(ctx, fmapSubjects); err != nil {
		t.Fatal(err)
	}

	done, err := st.CompletedImages(ctx, "dwi_preprocessing_using_only_eddy")
	if err != nil {
		t.Fatal(err)
	}
	if len(done) != 1 || !done["sub-01_ses-M00"] {
		t.Errorf("CompletedImages = %v, want only sub-01_ses-M00", done)
	}
}

func TestUpdate_RejectsLeavingTerminalState(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	run := sampleRun("run_1")
	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	subjects := sampleSubjects("run_1")
	if err := st.CreateSubjects(ctx, subjects); err != nil {
		t.Fatal(err)
	}

	skipped := subjects[2]
	skipped.State = model.SubjectStateRunning
	err := st.UpdateSubject(ctx, skipped)
	var te *model.InvalidTransitionError
	if !errors.As(err, &te) {
		t.Fatalf("UpdateSubject(SKIPPED→RUNNING) = %v, want InvalidTransitionError", err)
	}
	if te.From != "SKIPPED" || te.To != "RUNNING" {
		t.Errorf("transition = %s→%s", te.From, te.To)
	}

	// Re-recording the same state is allowed.
	sr := subjects[0]
	sr.State = model.SubjectStateRunning
	for i := 0; i < 2; i++ {
		if err := st.UpdateSubject(ctx, sr); err != nil {
			t.Fatalf("UpdateSubject(RUNNING) #%d: %v", i, err)
		}
	}

	run.State = model.RunStateCancelled
	if err := st.UpdateRun(ctx, run); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}
	run.State = model.RunStateCompleted
	if err := st.UpdateRun(ctx, run); !errors.As(err, &te) {
		t.Errorf("UpdateRun(CANCELLED→COMPLETED) = %v, want InvalidTransitionError", err)
	}
}
