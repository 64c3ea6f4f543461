// Package instance owns the rented-instance state machine: create, poll to
// ready, destroy. Exactly one non-destroyed instance exists per run, and the
// orchestration controller holds sole mutation rights over the handle.
package instance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vyvo/compute/rental/pkg/vast"
)

// ErrProvisioningTimeout is returned when an instance never reaches Ready
// within the provisioning window. The partially-created instance is destroyed
// best-effort before the error is reported.
var ErrProvisioningTimeout = errors.New("instance never became ready")

// State is the lifecycle state of a rented instance.
type State string

const (
	StateRequested    State = "REQUESTED"
	StateProvisioning State = "PROVISIONING"
	StateReady        State = "READY"
	StateRunning      State = "RUNNING"
	StateDestroying   State = "DESTROYING"
	StateDestroyed    State = "DESTROYED"
	StateFailed       State = "FAILED"
)

// Handle is the single mutable record of a rented instance within a run.
// Once Destroyed, the id is never reused by the run.
type Handle struct {
	ID        int64
	State     State
	Info      vast.Instance
	CreatedAt time.Time
}

// RuntimeAddr exposes the mapped runtime address once the instance is ready.
func (h *Handle) RuntimeAddr(containerPort int) (string, bool) {
	return h.Info.RuntimeAddr(containerPort)
}

// Marketplace is the slice of the marketplace client the manager needs.
// Implementations must tolerate concurrent use.
type Marketplace interface {
	CreateInstance(ctx context.Context, req vast.CreateRequest) (int64, error)
	Instance(ctx context.Context, id int64) (vast.Instance, error)
	DestroyInstance(ctx context.Context, id int64) error
}

// ReadinessProbe verifies the runtime inside the instance answers. The
// marketplace reporting "running" means the container is up, not that the
// runtime finished its own boot sequence.
type ReadinessProbe func(ctx context.Context, inst vast.Instance) error

// Logger is the logging surface the manager needs.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Manager drives instance lifecycle against the marketplace.
type Manager struct {
	market Marketplace
	probe  ReadinessProbe
	logger Logger

	// RuntimePort is the container port whose published mapping signals
	// the workflow runtime is exposed. Defaults to 8188.
	RuntimePort int

	pollInterval     time.Duration
	provisionTimeout time.Duration

	mu        sync.Mutex
	destroyed map[int64]bool
}

// NewManager creates a lifecycle manager. probe may be nil, in which case a
// published port mapping alone counts as ready.
func NewManager(market Marketplace, probe ReadinessProbe, pollInterval, provisionTimeout time.Duration, logger Logger) *Manager {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	if provisionTimeout <= 0 {
		provisionTimeout = 15 * time.Minute
	}
	return &Manager{
		market:           market,
		probe:            probe,
		logger:           logger,
		RuntimePort:      8188,
		pollInterval:     pollInterval,
		provisionTimeout: provisionTimeout,
		destroyed:        make(map[int64]bool),
	}
}

// Create rents the offer and returns a handle in Requested state. The caller
// should register the handle for teardown before waiting on readiness.
func (m *Manager) Create(ctx context.Context, offer vast.Offer, image string, diskGB float64, onstart string) (*Handle, error) {
	if diskGB <= 0 {
		diskGB = offer.DiskGB
	}
	id, err := m.market.CreateInstance(ctx, vast.CreateRequest{
		OfferID:    offer.ID,
		Image:      image,
		DiskGB:     diskGB,
		OnstartCmd: onstart,
	})
	if err != nil {
		return nil, fmt.Errorf("rent offer %d: %w", offer.ID, err)
	}
	m.logger.Info("instance rented", "instance", id, "gpu", offer.GPUName, "price", offer.PricePerHour)
	return &Handle{
		ID:        id,
		State:     StateRequested,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// WaitReady polls the marketplace on a fixed interval until the instance
// reports running with a reachable runtime, or the provisioning timeout
// elapses. It is re-pollable: calling it again on a Ready handle returns
// immediately.
func (m *Manager) WaitReady(ctx context.Context, h *Handle) (*Handle, error) {
	if h.State == StateReady || h.State == StateRunning {
		return h, nil
	}

	deadline := time.NewTimer(m.provisionTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.State = StateFailed
			return h, ctx.Err()
		case <-deadline.C:
			h.State = StateFailed
			return h, fmt.Errorf("%w after %s (instance %d)", ErrProvisioningTimeout, m.provisionTimeout, h.ID)
		case <-ticker.C:
			info, err := m.market.Instance(ctx, h.ID)
			if err != nil {
				if errors.Is(err, vast.ErrNotFound) {
					h.State = StateFailed
					return h, fmt.Errorf("instance %d disappeared while provisioning: %w", h.ID, err)
				}
				m.logger.Warn("instance status poll failed", "instance", h.ID, "error", err)
				continue
			}
			h.Info = info

			switch info.ActualStatus {
			case "running":
				if m.isReachable(ctx, info) {
					h.State = StateReady
					m.logger.Info("instance ready", "instance", h.ID)
					return h, nil
				}
				h.State = StateProvisioning
			case "exited", "stopped":
				h.State = StateFailed
				return h, fmt.Errorf("instance %d stopped before becoming ready (status %q)", h.ID, info.ActualStatus)
			default:
				h.State = StateProvisioning
			}
		}
	}
}

// Provision is Create followed by WaitReady. A provisioning timeout triggers
// an automatic best-effort destroy of the partially-created instance; a
// destroy failure there is logged, not escalated, so it cannot mask the
// original timeout. The handle is returned even on error so callers keep a
// reference for their own teardown path.
func (m *Manager) Provision(ctx context.Context, offer vast.Offer, image string, diskGB float64, onstart string) (*Handle, error) {
	h, err := m.Create(ctx, offer, image, diskGB, onstart)
	if err != nil {
		return nil, err
	}

	h, err = m.WaitReady(ctx, h)
	if err != nil {
		destroyCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if destroyErr := m.Destroy(destroyCtx, h); destroyErr != nil {
			m.logger.Error("destroy after failed provision", "instance", h.ID, "error", destroyErr)
		}
		return h, err
	}
	return h, nil
}

// MarkRunning transitions a Ready instance to Running once a job has been
// submitted to it.
func (m *Manager) MarkRunning(h *Handle) {
	if h != nil && h.State == StateReady {
		h.State = StateRunning
	}
}

// Destroy releases the instance. It is idempotent: destroying an
// already-destroyed handle is a no-op success and produces no second network
// call, which protects the guaranteed-teardown path from double invocation.
func (m *Manager) Destroy(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}

	m.mu.Lock()
	if h.State == StateDestroyed || m.destroyed[h.ID] {
		m.mu.Unlock()
		return nil
	}
	// Claim the destroy before the network call so a concurrent caller
	// doesn't race into a second one.
	m.destroyed[h.ID] = true
	m.mu.Unlock()

	h.State = StateDestroying
	if err := m.market.DestroyInstance(ctx, h.ID); err != nil {
		m.mu.Lock()
		delete(m.destroyed, h.ID)
		m.mu.Unlock()
		h.State = StateFailed
		return fmt.Errorf("destroy instance %d: %w", h.ID, err)
	}
	h.State = StateDestroyed
	m.logger.Info("instance destroyed", "instance", h.ID)
	return nil
}

func (m *Manager) isReachable(ctx context.Context, info vast.Instance) bool {
	if _, ok := info.RuntimeAddr(m.RuntimePort); !ok {
		return false
	}
	if m.probe == nil {
		return true
	}
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := m.probe(probeCtx, info); err != nil {
		m.logger.Info("instance up, runtime still booting", "instance", info.ID, "error", err)
		return false
	}
	return true
}
