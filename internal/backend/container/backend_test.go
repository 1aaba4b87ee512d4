package container

import (
	"os"
	"testing"

	"github.com/rs/zerolog"

	"github.com/cuemby/crankshaft/internal/task"
)

func TestNormalizeImageAddsLatestTagWhenMissing(t *testing.T) {
	cases := map[string]string{
		"alpine":             "alpine:latest",
		"alpine:3.19":        "alpine:3.19",
		"docker.io/lib/x":    "docker.io/lib/x:latest",
		"docker.io/lib/x:v1": "docker.io/lib/x:v1",
		"":                   "",
	}
	for in, want := range cases {
		if got := normalizeImage(in); got != want {
			t.Errorf("normalizeImage(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMaterializeInputsWritesLiteralContentsToTempFileAndMounts(t *testing.T) {
	b := &Backend{}
	in := task.NewInput(task.Contents{Kind: task.ContentsLiteral, Literal: []byte("hello")}, "/work/in.txt", task.File)

	mounts, cleanup, err := b.materializeInputs([]task.Input{in})
	defer cleanup()
	if err != nil {
		t.Fatalf("materializeInputs: %v", err)
	}
	if len(mounts) != 1 {
		t.Fatalf("got %d mounts, want 1", len(mounts))
	}
	m := mounts[0]
	if m.Destination != "/work/in.txt" {
		t.Errorf("destination = %q, want /work/in.txt", m.Destination)
	}
	data, err := os.ReadFile(m.Source)
	if err != nil {
		t.Fatalf("read materialized file: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("materialized contents = %q, want %q", data, "hello")
	}

	cleanup()
	if _, err := os.Stat(m.Source); !os.IsNotExist(err) {
		t.Errorf("expected temp file to be removed after cleanup, stat err = %v", err)
	}
}

func TestMaterializeInputsUsesHostPathDirectlyForContentsPath(t *testing.T) {
	f, err := os.CreateTemp("", "crankshaft-test-input-*")
	if err != nil {
		t.Fatalf("create temp: %v", err)
	}
	defer os.Remove(f.Name())
	f.Close()

	b := &Backend{}
	in := task.NewInput(task.Contents{Kind: task.ContentsPath, Path: f.Name()}, "/work/in.txt", task.File)

	mounts, cleanup, err := b.materializeInputs([]task.Input{in})
	defer cleanup()
	if err != nil {
		t.Fatalf("materializeInputs: %v", err)
	}
	if mounts[0].Source != f.Name() {
		t.Errorf("source = %q, want the original host path %q (no copy)", mounts[0].Source, f.Name())
	}
}

func TestMaterializeInputsAppliesReadOnlyOption(t *testing.T) {
	b := &Backend{}
	ro := task.NewInput(task.Contents{Kind: task.ContentsLiteral, Literal: []byte("x")}, "/ro", task.File)
	rw := ro
	rw.Path = "/rw"
	rw.ReadOnly = false

	mounts, cleanup, err := b.materializeInputs([]task.Input{ro, rw})
	defer cleanup()
	if err != nil {
		t.Fatalf("materializeInputs: %v", err)
	}
	if !containsOpt(mounts[0].Options, "ro") {
		t.Errorf("read-only input missing ro option: %v", mounts[0].Options)
	}
	if !containsOpt(mounts[1].Options, "rw") {
		t.Errorf("writable input missing rw option: %v", mounts[1].Options)
	}
}

func TestVolumeMountsCreatesWritableDirPerVolume(t *testing.T) {
	b := &Backend{log: zerolog.Nop()}
	mounts := b.volumeMounts([]string{"/data", "/cache"})
	if len(mounts) != 2 {
		t.Fatalf("got %d mounts, want 2", len(mounts))
	}
	for i, v := range []string{"/data", "/cache"} {
		if mounts[i].Destination != v {
			t.Errorf("mount %d destination = %q, want %q", i, mounts[i].Destination, v)
		}
		if _, err := os.Stat(mounts[i].Source); err != nil {
			t.Errorf("mount %d source %q does not exist: %v", i, mounts[i].Source, err)
		}
		os.RemoveAll(mounts[i].Source)
	}
}

func containsOpt(opts []string, want string) bool {
	for _, o := range opts {
		if o == want {
			return true
		}
	}
	return false
}
