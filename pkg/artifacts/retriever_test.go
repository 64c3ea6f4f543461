package artifacts

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vyvo/compute/rental/pkg/comfy"
)

type nopLogger struct{}

func (nopLogger) Info(string, ...any) {}
func (nopLogger) Warn(string, ...any) {}

type fakeFetcher struct {
	failing map[string]bool
}

func (f *fakeFetcher) FetchArtifact(_ context.Context, d comfy.ArtifactDescriptor) (io.ReadCloser, error) {
	if f.failing[d.Filename] {
		return nil, fmt.Errorf("view endpoint returned 500")
	}
	return io.NopCloser(strings.NewReader("bytes of " + d.Filename)), nil
}

func succeededJob(filenames ...string) comfy.Job {
	job := comfy.Job{ID: "job-1", State: comfy.JobSucceeded}
	for _, name := range filenames {
		job.Artifacts = append(job.Artifacts, comfy.ArtifactDescriptor{Filename: name, Type: "output"})
	}
	return job
}

func TestRetrieveAll(t *testing.T) {
	dir := t.TempDir()
	r := NewRetriever(&fakeFetcher{}, dir, nopLogger{})

	res, err := r.Retrieve(context.Background(), succeededJob("a.png", "b.png"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(res.Failures) != 0 {
		t.Fatalf("expected no failures, got %+v", res.Failures)
	}
	if len(res.Paths) != 2 {
		t.Fatalf("expected 2 paths, got %d", len(res.Paths))
	}
	// Generation order is preserved.
	if filepath.Base(res.Paths[0]) != "a.png" || filepath.Base(res.Paths[1]) != "b.png" {
		t.Fatalf("unexpected order: %v", res.Paths)
	}

	data, err := os.ReadFile(res.Paths[0])
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "bytes of a.png" {
		t.Fatalf("unexpected content: %q", data)
	}
}

func TestRetrievePartialFailure(t *testing.T) {
	dir := t.TempDir()
	r := NewRetriever(&fakeFetcher{failing: map[string]bool{"b.png": true}}, dir, nopLogger{})

	res, err := r.Retrieve(context.Background(), succeededJob("a.png", "b.png", "c.png"))
	if err != nil {
		t.Fatalf("partial loss must not be an error, got %v", err)
	}
	if len(res.Paths) != 2 {
		t.Fatalf("expected 2 retrieved, got %d", len(res.Paths))
	}
	if len(res.Failures) != 1 || res.Failures[0].Filename != "b.png" {
		t.Fatalf("unexpected failures: %+v", res.Failures)
	}
}

func TestRetrieveRequiresSuccess(t *testing.T) {
	r := NewRetriever(&fakeFetcher{}, t.TempDir(), nopLogger{})

	job := comfy.Job{ID: "job-2", State: comfy.JobFailed}
	if _, err := r.Retrieve(context.Background(), job); err == nil {
		t.Fatal("expected error for non-succeeded job")
	}
}

func TestRetrieveSanitizesFilenames(t *testing.T) {
	dir := t.TempDir()
	r := NewRetriever(&fakeFetcher{}, dir, nopLogger{})

	res, err := r.Retrieve(context.Background(), succeededJob("../../escape.png"))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Paths) != 1 {
		t.Fatalf("expected 1 path, got %d", len(res.Paths))
	}
	if res.Paths[0] != filepath.Join(dir, "escape.png") {
		t.Fatalf("filename escaped the results directory: %s", res.Paths[0])
	}
}
