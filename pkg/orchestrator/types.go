package orchestrator

import (
	"errors"
	"time"

	"github.com/vyvo/compute/rental/pkg/artifacts"
	"github.com/vyvo/compute/rental/pkg/comfy"
	"github.com/vyvo/compute/rental/pkg/workflow"
)

// ErrJobFailed is returned when the runtime reports the job failed. The run
// is not retried automatically; that is a caller decision.
var ErrJobFailed = errors.New("workflow job failed")

// ErrJobCancelled is returned when the job was cancelled, either by the
// caller or because the wall-clock budget elapsed.
var ErrJobCancelled = errors.New("workflow job cancelled")

// ErrPartialArtifactLoss marks a run whose job succeeded but whose outputs
// could not all be downloaded. It is surfaced as a warning in the summary;
// the run itself is still considered successful.
var ErrPartialArtifactLoss = errors.New("one or more artifacts could not be retrieved")

// RunBudget is the caller's cost, time, and persistence constraints for one
// run. It is immutable for the run's duration; a destroyed instance is never
// recreated to push a run past its budget.
type RunBudget struct {
	MaxPricePerHour float64
	MaxWallClock    time.Duration
	KeepAlive       bool
}

// RunSummary is the user-visible outcome of one run. It always states
// whether the instance was destroyed, independent of job outcome.
type RunSummary struct {
	RunID        string         `json:"runId"`
	InstanceID   int64          `json:"instanceId,omitempty"`
	GPUName      string         `json:"gpuName,omitempty"`
	PricePerHour float64        `json:"pricePerHour,omitempty"`
	JobID        string         `json:"jobId,omitempty"`
	JobState     comfy.JobState `json:"jobState,omitempty"`

	Artifacts        []string                    `json:"artifacts,omitempty"`
	ArtifactFailures []artifacts.Failure         `json:"artifactFailures,omitempty"`
	UnresolvedAssets []workflow.AssetRequirement `json:"unresolvedAssets,omitempty"`

	Destroyed    bool   `json:"destroyed"`
	DestroyError string `json:"destroyError,omitempty"`
	KeptAlive    bool   `json:"keptAlive"`

	StartedAt     time.Time `json:"startedAt"`
	FinishedAt    time.Time `json:"finishedAt"`
	EstimatedCost float64   `json:"estimatedCost"`
}

// Succeeded reports whether the job completed and at least the run's primary
// outcome is success (partial artifact loss still counts as success).
func (s *RunSummary) Succeeded() bool {
	return s.JobState == comfy.JobSucceeded
}
