// Package registry tracks which runs currently hold a rented instance. The
// record outlives the process that created it, so a later `stop` invocation
// can tear down instances started by a run that has since exited.
package registry

import (
	"context"
	"time"
)

// Record maps one orchestration run to the instance it rented.
type Record struct {
	RunID        string    `json:"runId"`
	InstanceID   int64     `json:"instanceId"`
	GPUName      string    `json:"gpuName"`
	PricePerHour float64   `json:"pricePerHour"`
	Workflow     string    `json:"workflow,omitempty"`
	KeepAlive    bool      `json:"keepAlive"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Store persists run records. Remove of an absent run is a no-op success so
// the guaranteed-teardown path tolerates double invocation.
type Store interface {
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, runID string) (Record, bool, error)
	List(ctx context.Context) ([]Record, error)
	Remove(ctx context.Context, runID string) error
}
