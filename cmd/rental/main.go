package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vyvo/compute/rental/pkg/comfy"
	"github.com/vyvo/compute/rental/pkg/config"
	"github.com/vyvo/compute/rental/pkg/instance"
	"github.com/vyvo/compute/rental/pkg/modelsync"
	"github.com/vyvo/compute/rental/pkg/orchestrator"
	"github.com/vyvo/compute/rental/pkg/registry"
	"github.com/vyvo/compute/rental/pkg/runlog"
	"github.com/vyvo/compute/rental/pkg/telemetry"
	"github.com/vyvo/compute/rental/pkg/vast"
	"github.com/vyvo/compute/rental/pkg/workflow"
)

var (
	flagWorkflow  string
	flagGPU       string
	flagMaxPrice  float64
	flagWallClock time.Duration
	flagKeepAlive bool
	flagImage     string
	flagAll       bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rental",
	Short: "Rent a marketplace GPU, run a workflow on it, and tear it down",
	Long: `rental picks the cheapest eligible GPU offer on the marketplace, rents
it, waits for the workflow runtime to come up, submits a workflow graph,
polls it to completion, downloads the produced artifacts, and destroys
the instance so it stops billing.

Configuration is read from config.yaml (or ./configs/config.yaml) with
RENTAL_* environment variable overrides; the most common settings also
have CLI flags.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one workflow on a freshly rented instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runWorkflow(ctx)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop [run-id]",
	Short: "Destroy the instance behind a registered run (or all of them)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		if !flagAll && len(args) == 0 {
			return fmt.Errorf("specify a run id or --all")
		}

		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		reg, closeReg, err := openRegistry(cfg)
		if err != nil {
			return err
		}
		defer closeReg()

		market := vast.NewClient(cfg.MarketplaceURL, cfg.APIKey)
		if flagAll {
			return orchestrator.StopAll(ctx, reg, market, logger)
		}
		return orchestrator.Stop(ctx, reg, market, args[0], logger)
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List runs whose instances are still registered",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		reg, closeReg, err := openRegistry(cfg)
		if err != nil {
			return err
		}
		defer closeReg()

		recs, err := reg.List(ctx)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Println("no registered runs")
			return nil
		}
		for _, rec := range recs {
			live := ""
			if rec.KeepAlive {
				live = "  (keep-alive)"
			}
			fmt.Printf("%s  instance=%d  gpu=%s  $%.3f/hr  since=%s%s\n",
				rec.RunID, rec.InstanceID, rec.GPUName, rec.PricePerHour,
				rec.CreatedAt.Format(time.RFC3339), live)
		}
		return nil
	},
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&flagWorkflow, "workflow", "w", "", "Path to the workflow graph JSON file (required)")
	f.StringVar(&flagGPU, "gpu", "", "GPU model to rent (e.g. RTX_4090)")
	f.Float64Var(&flagMaxPrice, "price", 0, "Maximum hourly price in USD")
	f.DurationVar(&flagWallClock, "max-wall-clock", 0, "Abort the job after this much wall-clock time")
	f.BoolVar(&flagKeepAlive, "keep-alive", false, "Leave the instance running after the job finishes")
	f.StringVar(&flagImage, "image", "", "Docker image to boot on the instance")
	_ = runCmd.MarkFlagRequired("workflow")

	stopCmd.Flags().BoolVar(&flagAll, "all", false, "Stop every registered instance")

	rootCmd.AddCommand(runCmd, stopCmd, runsCmd)
}

func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// openRegistry chooses Redis when configured and falls back to the local
// JSON file store otherwise.
func openRegistry(cfg config.Config) (registry.Store, func(), error) {
	if cfg.RedisURL != "" {
		store, err := registry.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open redis registry: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	}
	store, err := registry.NewFileStore(cfg.RegistryPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open run registry: %w", err)
	}
	return store, func() {}, nil
}

func runWorkflow(ctx context.Context) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	applyRunFlags(&cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	graph, err := workflow.LoadGraph(flagWorkflow)
	if err != nil {
		return fmt.Errorf("load workflow %s: %w", flagWorkflow, err)
	}

	catalog, err := workflow.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		return fmt.Errorf("load model catalog %s: %w", cfg.CatalogPath, err)
	}

	shutdown := telemetry.InitTracer(ctx, "rental")
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(flushCtx)
	}()

	reg, closeReg, err := openRegistry(cfg)
	if err != nil {
		return err
	}
	defer closeReg()

	var recorder orchestrator.RunRecorder
	if cfg.PostgresDSN != "" {
		store, err := runlog.NewPostgresStore(cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("open run history store: %w", err)
		}
		defer store.Close()
		recorder = store
	}

	market := vast.NewClient(cfg.MarketplaceURL, cfg.APIKey)
	selector := vast.NewSelector(market)

	probe := func(ctx context.Context, inst vast.Instance) error {
		addr, ok := inst.RuntimeAddr(cfg.RuntimePort)
		if !ok {
			return fmt.Errorf("instance %d exposes no runtime port", inst.ID)
		}
		return comfy.NewClient("http://" + addr).Healthy(ctx)
	}
	manager := instance.NewManager(market, probe, cfg.InstancePollInterval, cfg.ProvisionTimeout, logger)
	if cfg.RuntimePort > 0 {
		manager.RuntimePort = cfg.RuntimePort
	}

	syncer := modelsync.NewPusher(cfg.SSHUser, cfg.SSHKeyPath, logger)

	ctrl := orchestrator.New(
		selector,
		manager,
		func(baseURL string) orchestrator.Runtime { return comfy.NewClient(baseURL) },
		syncer,
		catalog,
		reg,
		recorder,
		logger,
		orchestrator.Config{
			GPUName:         cfg.GPUName,
			Image:           cfg.Image,
			DiskGB:          cfg.DiskGB,
			ResultsDir:      cfg.ResultsDir,
			AppDir:          cfg.AppDir,
			ModelsRoot:      cfg.ModelsRoot,
			RuntimePort:     cfg.RuntimePort,
			JobPollInterval: cfg.JobPollInterval,
		},
	)

	summary, runErr := ctrl.Run(ctx, graph, orchestrator.RunBudget{
		MaxPricePerHour: cfg.MaxPricePerHour,
		MaxWallClock:    cfg.MaxWallClock,
		KeepAlive:       cfg.KeepAlive,
	})

	printSummary(summary)
	return runErr
}

func applyRunFlags(cfg *config.Config) {
	if flagGPU != "" {
		cfg.GPUName = flagGPU
	}
	if flagMaxPrice > 0 {
		cfg.MaxPricePerHour = flagMaxPrice
	}
	if flagWallClock > 0 {
		cfg.MaxWallClock = flagWallClock
	}
	if flagKeepAlive {
		cfg.KeepAlive = true
	}
	if flagImage != "" {
		cfg.Image = flagImage
	}
}

func printSummary(summary *orchestrator.RunSummary) {
	if summary == nil {
		return
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(summary)
}
