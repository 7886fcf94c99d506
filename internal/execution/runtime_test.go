package execution

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLocalRuntime_Run(t *testing.T) {
	rt := &LocalRuntime{}
	dir := t.TempDir()

	result, err := rt.Run(context.Background(), RunSpec{
		Command: []string{"sh", "-c", "echo hello; echo oops >&2"},
		WorkDir: filepath.Join(dir, "stage"),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", result.ExitCode)
	}
	if strings.TrimSpace(result.Stdout) != "hello" {
		t.Errorf("Stdout = %q, want hello", result.Stdout)
	}
	if strings.TrimSpace(result.Stderr) != "oops" {
		t.Errorf("Stderr = %q, want oops", result.Stderr)
	}
}

func TestLocalRuntime_NonZeroExit(t *testing.T) {
	rt := &LocalRuntime{}
	result, err := rt.Run(context.Background(), RunSpec{
		Command: []string{"sh", "-c", "exit 3"},
		WorkDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", result.ExitCode)
	}
}

func TestLocalRuntime_StdoutToFile(t *testing.T) {
	rt := &LocalRuntime{}
	dir := t.TempDir()
	_, err := rt.Run(context.Background(), RunSpec{
		Command: []string{"sh", "-c", "echo 12.5"},
		WorkDir: dir,
		Stdout:  "mean.txt",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "mean.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(data)) != "12.5" {
		t.Errorf("stdout file = %q, want 12.5", data)
	}
}

func TestLocalRuntime_MissingBinary(t *testing.T) {
	rt := &LocalRuntime{}
	_, err := rt.Run(context.Background(), RunSpec{
		Command: []string{"definitely-not-a-real-binary-xyz"},
		WorkDir: t.TempDir(),
	})
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("err = %v, want *ExecutionError", err)
	}
	if execErr.Phase != "execute" {
		t.Errorf("Phase = %q, want execute", execErr.Phase)
	}
}

func TestRuntime_EmptyCommand(t *testing.T) {
	for _, rt := range []Runtime{&LocalRuntime{}, &DockerRuntime{}, &ApptainerRuntime{}} {
		if _, err := rt.Run(context.Background(), RunSpec{WorkDir: t.TempDir()}); !errors.Is(err, ErrEmptyCommand) {
			t.Errorf("%T: err = %v, want ErrEmptyCommand", rt, err)
		}
	}
}

func TestContainerRuntime_NoImage(t *testing.T) {
	spec := RunSpec{Command: []string{"bet"}, WorkDir: t.TempDir()}
	if _, err := (&DockerRuntime{}).Run(context.Background(), spec); !errors.Is(err, ErrNoImage) {
		t.Errorf("docker: err = %v, want ErrNoImage", err)
	}
	if _, err := (&ApptainerRuntime{}).Run(context.Background(), spec); !errors.Is(err, ErrNoImage) {
		t.Errorf("apptainer: err = %v, want ErrNoImage", err)
	}
}

func TestDockerRuntime_BuildArgs(t *testing.T) {
	r := &DockerRuntime{}
	args := r.buildArgs(RunSpec{
		Command: []string{"eddy_cuda9.1", "--imain=/bids/dwi.nii.gz"},
		WorkDir: "/work/sub-01/3-Eddy",
		Image:   "fsl:6.0",
		Mounts:  []Mount{{Source: "/bids", ReadOnly: true}},
		GPU:     GPUConfig{Enabled: true, DeviceID: "1"},
		Env:     map[string]string{"FSLOUTPUTTYPE": "NIFTI_GZ"},
	})
	joined := strings.Join(args, " ")

	for _, want := range []string{
		`--gpus "device=1"`,
		"CUDA_VISIBLE_DEVICES=1",
		"target=/bids,readonly",
		"-w /work/sub-01/3-Eddy",
		"-e FSLOUTPUTTYPE=NIFTI_GZ",
		"fsl:6.0 eddy_cuda9.1 --imain=/bids/dwi.nii.gz",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("docker args missing %q:\n%s", want, joined)
		}
	}
}

func TestApptainerRuntime_BuildArgs(t *testing.T) {
	r := &ApptainerRuntime{}
	args := r.buildArgs(RunSpec{
		Command: []string{"bet", "in.nii.gz", "out"},
		WorkDir: "/work/stage",
		Image:   "fsl:6.0",
		Mounts:  []Mount{{Source: "/bids", ReadOnly: true}},
		GPU:     GPUConfig{Enabled: true},
	})
	joined := strings.Join(args, " ")

	for _, want := range []string{"exec --nv", ":/bids:ro", "--pwd /work/stage", "docker://fsl:6.0 bet in.nii.gz out"} {
		if !strings.Contains(joined, want) {
			t.Errorf("apptainer args missing %q:\n%s", want, joined)
		}
	}
}

func TestNewRuntime(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{"", "*execution.LocalRuntime", false},
		{"local", "*execution.LocalRuntime", false},
		{"docker", "*execution.DockerRuntime", false},
		{"apptainer", "*execution.ApptainerRuntime", false},
		{"podman", "", true},
	}
	for _, tt := range tests {
		rt, err := NewRuntime(tt.name)
		if tt.wantErr {
			if !errors.Is(err, ErrUnknownRuntime) {
				t.Errorf("NewRuntime(%q) err = %v, want ErrUnknownRuntime", tt.name, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("NewRuntime(%q): %v", tt.name, err)
		}
		if got := typeName(rt); got != tt.want {
			t.Errorf("NewRuntime(%q) = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func typeName(v any) string {
	switch v.(type) {
	case *LocalRuntime:
		return "*execution.LocalRuntime"
	case *DockerRuntime:
		return "*execution.DockerRuntime"
	case *ApptainerRuntime:
		return "*execution.ApptainerRuntime"
	}
	return "unknown"
}
