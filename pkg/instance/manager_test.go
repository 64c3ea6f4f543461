package instance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vyvo/compute/rental/pkg/vast"
)

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

type fakeMarketplace struct {
	mu sync.Mutex

	nextID    int64
	statuses  []string // consumed per Instance call; last one repeats
	statusIdx int

	createErr  error
	destroyErr error

	creates  int
	destroys int
}

func (f *fakeMarketplace) CreateInstance(_ context.Context, _ vast.CreateRequest) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.createErr != nil {
		return 0, f.createErr
	}
	f.nextID++
	return f.nextID, nil
}

func (f *fakeMarketplace) Instance(_ context.Context, id int64) (vast.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return vast.Instance{}, vast.ErrNotFound
	}
	status := f.statuses[f.statusIdx]
	if f.statusIdx < len(f.statuses)-1 {
		f.statusIdx++
	}
	return vast.Instance{
		ID:           id,
		ActualStatus: status,
		PublicIP:     "1.2.3.4",
		Ports: map[string][]vast.PortMapping{
			"8188/tcp": {{HostIP: "0.0.0.0", HostPort: "40000"}},
		},
	}, nil
}

func (f *fakeMarketplace) DestroyInstance(_ context.Context, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroys++
	return f.destroyErr
}

func TestProvisionReadyAfterPolls(t *testing.T) {
	market := &fakeMarketplace{statuses: []string{"created", "loading", "running"}}
	mgr := NewManager(market, nil, time.Millisecond, time.Second, nopLogger{})

	h, err := mgr.Provision(context.Background(), vast.Offer{ID: 1, DiskGB: 10}, "img", 0, "")
	if err != nil {
		t.Fatalf("expected ready instance, got %v", err)
	}
	if h.State != StateReady {
		t.Fatalf("expected READY, got %s", h.State)
	}
	if market.destroys != 0 {
		t.Fatalf("ready instance must not be destroyed, got %d destroys", market.destroys)
	}
}

func TestProvisionTimeoutDestroysInstance(t *testing.T) {
	market := &fakeMarketplace{statuses: []string{"loading"}}
	mgr := NewManager(market, nil, time.Millisecond, 20*time.Millisecond, nopLogger{})

	h, err := mgr.Provision(context.Background(), vast.Offer{ID: 1}, "img", 10, "")
	if !errors.Is(err, ErrProvisioningTimeout) {
		t.Fatalf("expected ErrProvisioningTimeout, got %v", err)
	}
	if h == nil {
		t.Fatal("handle must be returned even on failure")
	}
	if market.destroys != 1 {
		t.Fatalf("expected exactly one destroy, got %d", market.destroys)
	}
	if h.State != StateDestroyed {
		t.Fatalf("expected DESTROYED, got %s", h.State)
	}
}

func TestProvisionStoppedInstanceFails(t *testing.T) {
	market := &fakeMarketplace{statuses: []string{"created", "exited"}}
	mgr := NewManager(market, nil, time.Millisecond, time.Second, nopLogger{})

	_, err := mgr.Provision(context.Background(), vast.Offer{ID: 1}, "img", 10, "")
	if err == nil {
		t.Fatal("expected failure for an exited instance")
	}
	if market.destroys != 1 {
		t.Fatalf("expected one cleanup destroy, got %d", market.destroys)
	}
}

func TestWaitReadyUsesProbe(t *testing.T) {
	market := &fakeMarketplace{statuses: []string{"running"}}

	var probes int
	probe := func(context.Context, vast.Instance) error {
		probes++
		if probes < 3 {
			return fmt.Errorf("connection refused")
		}
		return nil
	}
	mgr := NewManager(market, probe, time.Millisecond, time.Second, nopLogger{})

	h, err := mgr.Create(context.Background(), vast.Offer{ID: 1}, "img", 10, "")
	if err != nil {
		t.Fatal(err)
	}
	h, err = mgr.WaitReady(context.Background(), h)
	if err != nil {
		t.Fatalf("expected ready after probe warms up, got %v", err)
	}
	if h.State != StateReady {
		t.Fatalf("expected READY, got %s", h.State)
	}
	if probes != 3 {
		t.Fatalf("expected 3 probes, got %d", probes)
	}
}

func TestWaitReadyIsRepollable(t *testing.T) {
	market := &fakeMarketplace{statuses: []string{"running"}}
	mgr := NewManager(market, nil, time.Millisecond, time.Second, nopLogger{})

	h, err := mgr.Provision(context.Background(), vast.Offer{ID: 1}, "img", 10, "")
	if err != nil {
		t.Fatal(err)
	}

	// A second wait on a ready handle returns immediately without polling.
	before := market.statusIdx
	if _, err := mgr.WaitReady(context.Background(), h); err != nil {
		t.Fatal(err)
	}
	if market.statusIdx != before {
		t.Fatal("ready handle must not be re-polled")
	}
}

func TestWaitReadyContextCancelled(t *testing.T) {
	market := &fakeMarketplace{statuses: []string{"loading"}}
	mgr := NewManager(market, nil, time.Millisecond, time.Minute, nopLogger{})

	h, err := mgr.Create(context.Background(), vast.Offer{ID: 1}, "img", 10, "")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	if _, err := mgr.WaitReady(ctx, h); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestDestroyIdempotent(t *testing.T) {
	market := &fakeMarketplace{statuses: []string{"running"}}
	mgr := NewManager(market, nil, time.Millisecond, time.Second, nopLogger{})

	h, err := mgr.Provision(context.Background(), vast.Offer{ID: 1}, "img", 10, "")
	if err != nil {
		t.Fatal(err)
	}

	if err := mgr.Destroy(context.Background(), h); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Destroy(context.Background(), h); err != nil {
		t.Fatal(err)
	}
	if market.destroys != 1 {
		t.Fatalf("expected exactly one destroy call, got %d", market.destroys)
	}
	if h.State != StateDestroyed {
		t.Fatalf("expected DESTROYED, got %s", h.State)
	}
}

func TestDestroyFailureAllowsRetry(t *testing.T) {
	market := &fakeMarketplace{statuses: []string{"running"}, destroyErr: fmt.Errorf("api down")}
	mgr := NewManager(market, nil, time.Millisecond, time.Second, nopLogger{})

	h, err := mgr.Provision(context.Background(), vast.Offer{ID: 1}, "img", 10, "")
	if err != nil {
		t.Fatal(err)
	}

	if err := mgr.Destroy(context.Background(), h); err == nil {
		t.Fatal("expected destroy error")
	}

	market.mu.Lock()
	market.destroyErr = nil
	market.mu.Unlock()

	if err := mgr.Destroy(context.Background(), h); err != nil {
		t.Fatalf("retry after failure should succeed, got %v", err)
	}
	if market.destroys != 2 {
		t.Fatalf("expected 2 destroy calls, got %d", market.destroys)
	}
}
