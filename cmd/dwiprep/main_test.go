package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/me/dwiprep/internal/config"
	"github.com/me/dwiprep/internal/logging"
	"github.com/me/dwiprep/internal/pipeline"
	"github.com/me/dwiprep/internal/store"
	"github.com/me/dwiprep/pkg/model"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, "--quiet"))
	err := root.Execute()
	return out.String(), err
}

func TestRunFlags_OnlyChangedOverride(t *testing.T) {
	var f runFlags
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	f.register(fs)
	if err := fs.Parse([]string{"--variant", "eddy-only", "--n-procs", "4", "--use-cuda-9-1"}); err != nil {
		t.Fatal(err)
	}

	cfg := config.DefaultRunConfig()
	cfg.LowBval = 10 // from a config file
	f.apply(fs, &cfg)

	if cfg.Variant != "eddy-only" {
		t.Errorf("Variant = %q, want eddy-only", cfg.Variant)
	}
	if cfg.NProcs != 4 {
		t.Errorf("NProcs = %d, want 4", cfg.NProcs)
	}
	if !cfg.UseCUDA91 {
		t.Error("UseCUDA91 = false, want true")
	}
	if cfg.LowBval != 10 {
		t.Errorf("LowBval = %v, want file value 10", cfg.LowBval)
	}
}

func TestDataMounts(t *testing.T) {
	cfg := config.RunConfig{BIDSDir: "/data/bids", CAPSDir: "/data/caps"}
	mounts := dataMounts(cfg)
	if len(mounts) != 3 {
		t.Fatalf("mounts = %+v, want 3", mounts)
	}
	if !mounts[0].ReadOnly || mounts[1].ReadOnly {
		t.Errorf("read-only = %v/%v, want bids only", mounts[0].ReadOnly, mounts[1].ReadOnly)
	}
	if mounts[2].Source != filepath.Join("/data/caps", "tmp") {
		t.Errorf("work mount = %q", mounts[2].Source)
	}
}

func TestDag_JSON(t *testing.T) {
	out, err := execute(t, "dag", "--variant", "eddy-only")
	if err != nil {
		t.Fatalf("dag: %v", err)
	}
	var desc struct {
		Name   string `json:"name"`
		Stages []struct {
			Name string `json:"name"`
		} `json:"stages"`
	}
	if err := json.Unmarshal([]byte(out), &desc); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, out)
	}
	if desc.Name != string(pipeline.VariantEddyOnly) {
		t.Errorf("name = %q, want %q", desc.Name, pipeline.VariantEddyOnly)
	}
	for _, s := range desc.Stages {
		if s.Name == pipeline.StageCalibrateFmap {
			t.Errorf("eddy-only graph has fieldmap stage %q", s.Name)
		}
	}
}

func TestDag_Formats(t *testing.T) {
	tests := []struct {
		format string
		want   string
	}{
		{"dot", "digraph"},
		{"yaml", "stages:"},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			out, err := execute(t, "dag", "--format", tt.format)
			if err != nil {
				t.Fatalf("dag: %v", err)
			}
			if !strings.Contains(out, tt.want) {
				t.Errorf("output missing %q:\n%s", tt.want, out)
			}
		})
	}

	if _, err := execute(t, "dag", "--format", "svg"); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestDag_InvalidParams(t *testing.T) {
	_, err := execute(t, "dag", "--use-cuda-8-0", "--use-cuda-9-1")
	if err == nil {
		t.Fatal("expected configuration error")
	}
	if model.KindOf(err) != model.KindConfiguration {
		t.Errorf("kind = %s, want %s", model.KindOf(err), model.KindConfiguration)
	}
}

func TestStatus(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "runs.db")
	ctx := context.Background()
	st, err := store.NewSQLiteStore(dbPath, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	created := time.Now().UTC().Add(-2 * time.Hour)
	run := &model.Run{ID: "run_1", Pipeline: pipeline.VariantEddyOnly.PipelineName(), Variant: "eddy-only", State: model.RunStateFailed, CreatedAt: created}
	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	rows := []*model.SubjectRun{
		{RunID: "run_1", Subject: "sub-01", Session: "ses-M00", ImageID: "sub-01_ses-M00", State: model.SubjectStateCompleted},
		{RunID: "run_1", Subject: "sub-02", Session: "ses-M00", ImageID: "sub-02_ses-M00", State: model.SubjectStatePending},
	}
	if err := st.CreateSubjects(ctx, rows); err != nil {
		t.Fatal(err)
	}
	rows[1].State = model.SubjectStateFailed
	rows[1].ErrorKind = model.KindDegenerateData
	rows[1].FailedStage = "0-GenerateIndexFile"
	rows[1].Error = "no b0 volume"
	if err := st.UpdateSubject(ctx, rows[1]); err != nil {
		t.Fatal(err)
	}
	st.Close()

	out, err := execute(t, "status", "--db", dbPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"run_1", "FAILED", "1/2 ok, 1 failed", "2 hours ago"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}

	out, err = execute(t, "status", "--db", dbPath, "run_1")
	if err != nil {
		t.Fatalf("status run_1: %v", err)
	}
	if !strings.Contains(out, "degenerate_data in 0-GenerateIndexFile: no b0 volume") {
		t.Errorf("run detail missing failure:\n%s", out)
	}

	if _, err := execute(t, "status", "--db", dbPath, "run_missing"); err == nil {
		t.Error("expected error for unknown run")
	}
}

func TestRun_RequiresDirs(t *testing.T) {
	if _, err := execute(t, "run", "--variant", "eddy-only"); err == nil {
		t.Error("expected error without bids_dir and caps_dir")
	}
}
