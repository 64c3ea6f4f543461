package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vyvo/compute/rental/pkg/auth"
	"github.com/vyvo/compute/rental/pkg/config"
	"github.com/vyvo/compute/rental/pkg/registry"
	"github.com/vyvo/compute/rental/pkg/runlog"
	"github.com/vyvo/compute/rental/pkg/vast"
)

type server struct {
	registry registry.Store
	market   *vast.Client
	history  *runlog.PostgresStore // nil when Postgres is not configured
}

type runResponse struct {
	RunID        string  `json:"run_id"`
	InstanceID   int64   `json:"instance_id"`
	GPUName      string  `json:"gpu_name"`
	PricePerHour float64 `json:"price_per_hour"`
	KeepAlive    bool    `json:"keep_alive"`
	CreatedAt    int64   `json:"created_at"`
}

type runsResponse struct {
	Runs  []runResponse `json:"runs"`
	Total int           `json:"total"`
}

type healthResponse struct {
	Status    string `json:"status"`
	Registry  string `json:"registry"`
	Timestamp int64  `json:"timestamp"`
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	reg, err := openRegistry(cfg)
	if err != nil {
		log.Fatalf("failed to open run registry: %v", err)
	}

	var history *runlog.PostgresStore
	if cfg.PostgresDSN != "" {
		history, err = runlog.NewPostgresStore(cfg.PostgresDSN)
		if err != nil {
			log.Printf("WARNING: run history unavailable: %v", err)
		}
	}

	srv := &server{
		registry: reg,
		market:   vast.NewClient(cfg.MarketplaceURL, cfg.APIKey),
		history:  history,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", srv.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(cfg.AdminAPIToken))
			r.Get("/runs", srv.handleListRuns)
			r.Delete("/runs/{runID}", srv.handleStopRun)
			r.Get("/history", srv.handleHistory)
		})
	})

	log.Printf("rental admin listening on %s", cfg.AdminAddr)
	if err := http.ListenAndServe(cfg.AdminAddr, r); err != nil {
		log.Fatalf("rental admin failed: %v", err)
	}
}

func openRegistry(cfg config.Config) (registry.Store, error) {
	if cfg.RedisURL != "" {
		return registry.NewRedisStore(cfg.RedisURL)
	}
	return registry.NewFileStore(cfg.RegistryPath)
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Registry:  "ok",
		Timestamp: time.Now().Unix(),
	}

	if _, err := s.registry.List(r.Context()); err != nil {
		resp.Registry = fmt.Sprintf("error: %v", err)
		resp.Status = "degraded"
	}

	status := http.StatusOK
	if resp.Status == "degraded" {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, resp, status)
}

func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	recs, err := s.registry.List(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list runs: %v", err))
		return
	}

	runs := make([]runResponse, 0, len(recs))
	for _, rec := range recs {
		runs = append(runs, runResponse{
			RunID:        rec.RunID,
			InstanceID:   rec.InstanceID,
			GPUName:      rec.GPUName,
			PricePerHour: rec.PricePerHour,
			KeepAlive:    rec.KeepAlive,
			CreatedAt:    rec.CreatedAt.Unix(),
		})
	}

	respondJSON(w, runsResponse{Runs: runs, Total: len(runs)}, http.StatusOK)
}

// handleStopRun destroys the instance behind a registered run and removes
// the registry entry. A marketplace 404 counts as destroyed.
func (s *server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	ctx := r.Context()

	rec, ok, err := s.registry.Get(ctx, runID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("failed to look up run: %v", err))
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, "run not found")
		return
	}

	if err := s.market.DestroyInstance(ctx, rec.InstanceID); err != nil {
		respondError(w, http.StatusBadGateway, fmt.Sprintf("failed to destroy instance %d: %v", rec.InstanceID, err))
		return
	}

	if err := s.registry.Remove(ctx, runID); err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("instance destroyed but deregistration failed: %v", err))
		return
	}

	respondJSON(w, map[string]any{
		"message":  fmt.Sprintf("destroyed instance %d for run %s", rec.InstanceID, runID),
		"instance": rec.InstanceID,
	}, http.StatusOK)
}

func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		respondError(w, http.StatusNotImplemented, "run history store is not configured")
		return
	}

	entries, err := s.history.List(100)
	if err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list history: %v", err))
		return
	}

	respondJSON(w, map[string]any{
		"entries": entries,
		"total":   len(entries),
	}, http.StatusOK)
}

func respondJSON(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, map[string]string{"error": message}, status)
}
