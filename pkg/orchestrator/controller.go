// Package orchestrator drives one end-to-end rental run: pick an offer, rent
// and provision an instance, sync models, submit the workflow, poll it to a
// terminal state, retrieve artifacts, and guarantee teardown on every exit
// path.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyvo/compute/rental/pkg/artifacts"
	"github.com/vyvo/compute/rental/pkg/comfy"
	"github.com/vyvo/compute/rental/pkg/instance"
	"github.com/vyvo/compute/rental/pkg/modelsync"
	"github.com/vyvo/compute/rental/pkg/registry"
	"github.com/vyvo/compute/rental/pkg/runlog"
	"github.com/vyvo/compute/rental/pkg/vast"
	"github.com/vyvo/compute/rental/pkg/workflow"
)

// OfferSelector picks the cheapest eligible offer for a preference.
type OfferSelector interface {
	Select(ctx context.Context, pref vast.Preference) (vast.Offer, error)
}

// Lifecycle is the slice of the instance manager the controller drives.
type Lifecycle interface {
	Create(ctx context.Context, offer vast.Offer, image string, diskGB float64, onstart string) (*instance.Handle, error)
	WaitReady(ctx context.Context, h *instance.Handle) (*instance.Handle, error)
	MarkRunning(h *instance.Handle)
	Destroy(ctx context.Context, h *instance.Handle) error
}

// Runtime is the job API of the workflow engine on a ready instance.
type Runtime interface {
	Submit(ctx context.Context, g workflow.Graph) (comfy.Job, error)
	AwaitTerminal(ctx context.Context, job comfy.Job, interval, maxWallClock time.Duration) (comfy.Job, error)
	FetchArtifact(ctx context.Context, d comfy.ArtifactDescriptor) (io.ReadCloser, error)
}

// ModelSyncer pushes a model manifest to the instance before submission.
type ModelSyncer interface {
	Push(ctx context.Context, host string, port int, m modelsync.Manifest) error
}

// RunRecorder appends finished runs to a durable history.
type RunRecorder interface {
	Record(e runlog.Entry) error
}

// Logger is the logging surface the controller needs.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Config carries the static knobs of a controller.
type Config struct {
	GPUName         string
	Image           string
	DiskGB          float64
	ResultsDir      string
	AppDir          string        // runtime install dir inside the image
	ModelsRoot      string        // models directory inside the image
	RuntimePort     int           // container port of the runtime job API
	JobPollInterval time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.AppDir == "" {
		out.AppDir = "/app"
	}
	if out.ModelsRoot == "" {
		out.ModelsRoot = "/app/models"
	}
	if out.RuntimePort == 0 {
		out.RuntimePort = comfy.DefaultPort
	}
	if out.JobPollInterval <= 0 {
		out.JobPollInterval = 3 * time.Second
	}
	if out.ResultsDir == "" {
		out.ResultsDir = "results"
	}
	return out
}

// Controller composes the pipeline stages into one run.
type Controller struct {
	selector   OfferSelector
	lifecycle  Lifecycle
	runtimeFor func(baseURL string) Runtime
	syncer     ModelSyncer // optional
	catalog    workflow.Catalog
	registry   registry.Store // optional
	recorder   RunRecorder    // optional
	logger     Logger
	cfg        Config
}

// New wires a controller. syncer, reg, and recorder may be nil; the
// corresponding side effects are then skipped.
func New(selector OfferSelector, lifecycle Lifecycle, runtimeFor func(baseURL string) Runtime, syncer ModelSyncer, catalog workflow.Catalog, reg registry.Store, recorder RunRecorder, logger Logger, cfg Config) *Controller {
	return &Controller{
		selector:   selector,
		lifecycle:  lifecycle,
		runtimeFor: runtimeFor,
		syncer:     syncer,
		catalog:    catalog,
		registry:   reg,
		recorder:   recorder,
		logger:     logger,
		cfg:        cfg.withDefaults(),
	}
}

// Run executes one rental run for the graph under the budget. The returned
// summary is non-nil even on error and always states whether the instance
// was destroyed. Teardown runs on every exit path -- completion, stage
// error, or cancellation -- unless the budget asks to keep the instance
// alive, in which case the live instance id is reported for manual teardown.
func (c *Controller) Run(ctx context.Context, g workflow.Graph, budget RunBudget) (*RunSummary, error) {
	tracer := otel.Tracer("rental/orchestrator")
	ctx, span := tracer.Start(ctx, "run")
	defer span.End()

	summary := &RunSummary{
		RunID:     uuid.NewString(),
		StartedAt: time.Now().UTC(),
	}
	defer func() {
		summary.FinishedAt = time.Now().UTC()
	}()

	maxWallClock := budget.MaxWallClock
	if maxWallClock <= 0 {
		maxWallClock = 45 * time.Minute
	}

	// Stage: offer selection.
	offer, err := c.selectOffer(ctx, tracer, budget)
	if err != nil {
		return summary, err
	}
	summary.GPUName = offer.GPUName
	summary.PricePerHour = offer.PricePerHour
	c.logger.Info("offer selected", "run", summary.RunID, "gpu", offer.GPUName, "price", offer.PricePerHour, "offer", offer.ID)

	// Stage: model requirement resolution (before renting anything, so a
	// broken graph costs nothing).
	resolution := workflow.Resolve(g, c.catalog)
	summary.UnresolvedAssets = resolution.Unresolved
	for _, req := range resolution.Unresolved {
		c.logger.Warn("no catalog source for model asset; assuming it is baked into the image",
			"run", summary.RunID, "category", req.Category, "filename", req.Filename)
	}

	// Stage: rent + provision. The teardown hook is registered as soon as
	// the instance exists, before readiness is known.
	handle, err := c.lifecycle.Create(ctx, offer, c.cfg.Image, c.cfg.DiskGB, comfy.StartupCommand(c.cfg.AppDir, c.cfg.RuntimePort))
	if err != nil {
		return summary, err
	}
	summary.InstanceID = handle.ID
	c.register(summary, budget)
	defer c.teardown(handle, summary, budget)

	if _, err := c.waitReady(ctx, tracer, handle); err != nil {
		return summary, err
	}

	// Stage: push the model manifest, if anything needs syncing.
	if err := c.syncModels(ctx, tracer, handle, resolution, summary); err != nil {
		return summary, err
	}

	// Stage: submit and poll.
	addr, ok := handle.RuntimeAddr(c.cfg.RuntimePort)
	if !ok {
		return summary, fmt.Errorf("instance %d is ready but exposes no runtime port", handle.ID)
	}
	rt := c.runtimeFor("http://" + addr)

	job, err := c.submit(ctx, tracer, rt, g, handle)
	if err != nil {
		return summary, err
	}
	summary.JobID = job.ID
	c.logger.Info("workflow submitted", "run", summary.RunID, "job", job.ID)

	job, err = c.await(ctx, tracer, rt, job, maxWallClock)
	summary.JobState = job.State
	if err != nil {
		return summary, err
	}

	switch job.State {
	case comfy.JobSucceeded:
		// Stage: artifact retrieval.
		return summary, c.retrieve(ctx, tracer, rt, job, summary)
	case comfy.JobCancelled:
		return summary, fmt.Errorf("%w after %s", ErrJobCancelled, maxWallClock)
	default:
		if job.Error != "" {
			return summary, fmt.Errorf("%w: %s", ErrJobFailed, job.Error)
		}
		return summary, ErrJobFailed
	}
}

func (c *Controller) selectOffer(ctx context.Context, tracer trace.Tracer, budget RunBudget) (vast.Offer, error) {
	ctx, span := tracer.Start(ctx, "select-offer")
	defer span.End()
	return c.selector.Select(ctx, vast.Preference{
		GPUName:  c.cfg.GPUName,
		MaxPrice: budget.MaxPricePerHour,
	})
}

func (c *Controller) waitReady(ctx context.Context, tracer trace.Tracer, handle *instance.Handle) (*instance.Handle, error) {
	ctx, span := tracer.Start(ctx, "wait-ready")
	defer span.End()
	return c.lifecycle.WaitReady(ctx, handle)
}

func (c *Controller) syncModels(ctx context.Context, tracer trace.Tracer, handle *instance.Handle, resolution workflow.Resolution, summary *RunSummary) error {
	manifest, skipped := modelsync.BuildManifest(resolution.Required, c.cfg.ModelsRoot)
	for _, req := range skipped {
		c.logger.Warn("unparseable model source reference", "run", summary.RunID, "filename", req.Filename, "ref", req.SourceRef)
		summary.UnresolvedAssets = append(summary.UnresolvedAssets, req)
	}
	if manifest.Empty() || c.syncer == nil {
		return nil
	}

	ctx, span := tracer.Start(ctx, "sync-models")
	defer span.End()
	if err := c.syncer.Push(ctx, handle.Info.SSHHost, handle.Info.SSHPort, manifest); err != nil {
		return fmt.Errorf("sync models to instance %d: %w", handle.ID, err)
	}
	return nil
}

func (c *Controller) submit(ctx context.Context, tracer trace.Tracer, rt Runtime, g workflow.Graph, handle *instance.Handle) (comfy.Job, error) {
	ctx, span := tracer.Start(ctx, "submit")
	defer span.End()
	job, err := rt.Submit(ctx, g)
	if err != nil {
		return comfy.Job{}, err
	}
	c.lifecycle.MarkRunning(handle)
	return job, nil
}

func (c *Controller) await(ctx context.Context, tracer trace.Tracer, rt Runtime, job comfy.Job, maxWallClock time.Duration) (comfy.Job, error) {
	ctx, span := tracer.Start(ctx, "await-terminal")
	defer span.End()
	return rt.AwaitTerminal(ctx, job, c.cfg.JobPollInterval, maxWallClock)
}

func (c *Controller) retrieve(ctx context.Context, tracer trace.Tracer, rt Runtime, job comfy.Job, summary *RunSummary) error {
	ctx, span := tracer.Start(ctx, "retrieve-artifacts")
	defer span.End()

	destDir := filepath.Join(c.cfg.ResultsDir, summary.RunID)
	retriever := artifacts.NewRetriever(rt, destDir, c.logger)
	result, err := retriever.Retrieve(ctx, job)
	if err != nil {
		return err
	}
	summary.Artifacts = result.Paths
	summary.ArtifactFailures = result.Failures
	if len(result.Failures) > 0 {
		c.logger.Warn("run succeeded with missing artifacts", "run", summary.RunID,
			"retrieved", len(result.Paths), "failed", len(result.Failures), "warning", ErrPartialArtifactLoss)
	}
	return nil
}

// register records the live instance in the run registry so a separate
// process can find and stop it.
func (c *Controller) register(summary *RunSummary, budget RunBudget) {
	if c.registry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := c.registry.Put(ctx, registry.Record{
		RunID:        summary.RunID,
		InstanceID:   summary.InstanceID,
		GPUName:      summary.GPUName,
		PricePerHour: summary.PricePerHour,
		KeepAlive:    budget.KeepAlive,
		CreatedAt:    summary.StartedAt,
	})
	if err != nil {
		c.logger.Warn("register run", "run", summary.RunID, "error", err)
	}
}

// teardown is the guaranteed release path. It uses a fresh context so a
// cancelled run still destroys its instance, and relies on the manager's
// idempotence so a destroy that already happened (e.g. inside a failed
// provision) does not produce a second network call.
func (c *Controller) teardown(handle *instance.Handle, summary *RunSummary, budget RunBudget) {
	elapsed := time.Since(summary.StartedAt)
	summary.EstimatedCost = summary.PricePerHour * elapsed.Hours()

	if budget.KeepAlive {
		summary.KeptAlive = true
		c.logger.Warn("instance kept alive on request; stop it manually",
			"run", summary.RunID, "instance", handle.ID, "price", summary.PricePerHour)
		c.record(summary)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := c.lifecycle.Destroy(ctx, handle); err != nil {
		summary.DestroyError = err.Error()
		c.logger.Error("TEARDOWN FAILED, instance may still be billing",
			"run", summary.RunID, "instance", handle.ID, "error", err)
	} else {
		summary.Destroyed = true
		if c.registry != nil {
			if err := c.registry.Remove(ctx, summary.RunID); err != nil {
				c.logger.Warn("deregister run", "run", summary.RunID, "error", err)
			}
		}
	}
	c.record(summary)
}

func (c *Controller) record(summary *RunSummary) {
	if c.recorder == nil {
		return
	}
	entry := runlog.Entry{
		RunID:         summary.RunID,
		InstanceID:    summary.InstanceID,
		GPUName:       summary.GPUName,
		PricePerHour:  summary.PricePerHour,
		JobID:         summary.JobID,
		JobState:      string(summary.JobState),
		Outcome:       outcome(summary),
		ArtifactCount: len(summary.Artifacts),
		Destroyed:     summary.Destroyed,
		DestroyError:  summary.DestroyError,
		EstimatedCost: summary.EstimatedCost,
		StartedAt:     summary.StartedAt,
		FinishedAt:    time.Now().UTC(),
	}
	if err := c.recorder.Record(entry); err != nil {
		c.logger.Warn("record run history", "run", summary.RunID, "error", err)
	}
}

func outcome(summary *RunSummary) string {
	switch {
	case summary.Succeeded() && len(summary.ArtifactFailures) > 0:
		return "succeeded-partial-artifacts"
	case summary.Succeeded():
		return "succeeded"
	case summary.JobState == comfy.JobCancelled:
		return "cancelled"
	case summary.JobState == comfy.JobFailed:
		return "job-failed"
	default:
		return "aborted"
	}
}

// Market is the marketplace surface the stop commands need.
type Market interface {
	ListInstances(ctx context.Context) ([]vast.Instance, error)
	DestroyInstance(ctx context.Context, id int64) error
}

// Stop destroys the instance recorded for runID and removes it from the
// registry. It backs the `stop` command, which may execute in a different
// process than the run that rented the instance.
func Stop(ctx context.Context, reg registry.Store, market Market, runID string, logger Logger) error {
	rec, ok, err := reg.Get(ctx, runID)
	if err != nil {
		return fmt.Errorf("look up run %s: %w", runID, err)
	}
	if !ok {
		return fmt.Errorf("run %s is not registered", runID)
	}
	if err := market.DestroyInstance(ctx, rec.InstanceID); err != nil {
		return fmt.Errorf("destroy instance %d: %w", rec.InstanceID, err)
	}
	logger.Info("instance destroyed", "run", runID, "instance", rec.InstanceID)
	return reg.Remove(ctx, runID)
}

// StopAll destroys every registered instance, then sweeps the marketplace
// for live instances the registry does not know about and destroys those
// too. The sweep is what catches instances orphaned by a crashed run or a
// lost registry file; the marketplace, not local state, is the authority on
// what is still billing.
func StopAll(ctx context.Context, reg registry.Store, market Market, logger Logger) error {
	recs, err := reg.List(ctx)
	if err != nil {
		return fmt.Errorf("list registered runs: %w", err)
	}

	registered := make(map[int64]bool, len(recs))
	var errs []error
	for _, rec := range recs {
		registered[rec.InstanceID] = true
		if err := Stop(ctx, reg, market, rec.RunID, logger); err != nil {
			logger.Error("stop run", "run", rec.RunID, "error", err)
			errs = append(errs, err)
		}
	}

	live, err := market.ListInstances(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("list marketplace instances: %w", err))
		return errors.Join(errs...)
	}
	for _, inst := range live {
		if registered[inst.ID] {
			continue
		}
		logger.Warn("destroying unregistered instance", "instance", inst.ID,
			"gpu", inst.GPUName, "price", inst.PricePerHour, "started", inst.StartedAt())
		if err := market.DestroyInstance(ctx, inst.ID); err != nil {
			logger.Error("destroy unregistered instance", "instance", inst.ID, "error", err)
			errs = append(errs, err)
		}
	}

	if len(recs) == 0 && len(live) == 0 {
		logger.Info("no instances to stop")
	}
	return errors.Join(errs...)
}
