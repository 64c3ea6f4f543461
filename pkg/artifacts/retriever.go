package artifacts

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/vyvo/compute/rental/pkg/comfy"
)

// Fetcher streams one artifact's bytes from wherever the job ran.
type Fetcher interface {
	FetchArtifact(ctx context.Context, d comfy.ArtifactDescriptor) (io.ReadCloser, error)
}

// Logger is the logging surface the retriever needs.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Failure records one artifact that could not be downloaded.
type Failure struct {
	Filename string `json:"filename"`
	Err      error  `json:"-"`
	Reason   string `json:"reason"`
}

// Result lists local paths in the job's generation order plus any
// per-artifact failures, so callers can tell "job succeeded, some outputs
// missing" apart from total failure.
type Result struct {
	Paths    []string
	Failures []Failure
}

// Retriever downloads a finished job's artifacts to a local directory.
type Retriever struct {
	fetcher Fetcher
	destDir string
	logger  Logger
}

// NewRetriever creates a retriever writing into destDir; the directory is
// created on first use.
func NewRetriever(fetcher Fetcher, destDir string, logger Logger) *Retriever {
	return &Retriever{fetcher: fetcher, destDir: destDir, logger: logger}
}

// Retrieve downloads every artifact of a succeeded job, preserving the
// runtime's ordering. A failed download for one artifact does not abort the
// rest; failures are collected into the result.
func (r *Retriever) Retrieve(ctx context.Context, job comfy.Job) (Result, error) {
	if job.State != comfy.JobSucceeded {
		return Result{}, fmt.Errorf("retrieve called for job %s in state %s", job.ID, job.State)
	}
	if err := os.MkdirAll(r.destDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create results directory: %w", err)
	}

	var res Result
	for _, desc := range job.Artifacts {
		path, err := r.download(ctx, desc)
		if err != nil {
			r.logger.Warn("artifact download failed", "filename", desc.Filename, "error", err)
			res.Failures = append(res.Failures, Failure{
				Filename: desc.Filename,
				Err:      err,
				Reason:   err.Error(),
			})
			continue
		}
		r.logger.Info("artifact retrieved", "filename", desc.Filename, "path", path)
		res.Paths = append(res.Paths, path)
	}
	return res, nil
}

func (r *Retriever) download(ctx context.Context, desc comfy.ArtifactDescriptor) (string, error) {
	body, err := r.fetcher.FetchArtifact(ctx, desc)
	if err != nil {
		return "", err
	}
	defer body.Close()

	// Filenames come from the runtime; keep only the base name so a
	// malicious subfolder cannot escape the results directory.
	local := filepath.Join(r.destDir, filepath.Base(desc.Filename))
	f, err := os.Create(local)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", local, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, body); err != nil {
		os.Remove(local)
		return "", fmt.Errorf("write %s: %w", local, err)
	}
	return local, nil
}
