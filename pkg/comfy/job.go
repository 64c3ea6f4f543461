package comfy

// JobState is the lifecycle state of one submitted workflow job.
type JobState string

const (
	JobSubmitted JobState = "SUBMITTED"
	JobQueued    JobState = "QUEUED"
	JobRunning   JobState = "RUNNING"
	JobSucceeded JobState = "SUCCEEDED"
	JobFailed    JobState = "FAILED"
	JobCancelled JobState = "CANCELLED"
)

// Terminal reports whether the state can no longer change.
func (s JobState) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCancelled:
		return true
	}
	return false
}

// ArtifactDescriptor locates one generated output on the runtime.
type ArtifactDescriptor struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// Job tracks one submitted workflow. It is created by Submit and mutated only
// by polling the runtime; Artifacts preserves the runtime's generation order.
type Job struct {
	ID        string
	State     JobState
	Progress  float64 // advisory; the runtime may never report it
	Artifacts []ArtifactDescriptor
	Error     string // runtime-provided diagnostic for failed jobs
}
