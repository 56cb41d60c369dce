package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/grantflow/harvest-cli/internal/model"
	"github.com/grantflow/harvest-cli/internal/monitoring"
	"github.com/grantflow/harvest-cli/internal/resilience"
	"github.com/grantflow/harvest-cli/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long:  "Serves harvest triggers, run inspection, and health metrics over HTTP. With a webhook configured, also runs the periodic health checker.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		collector := monitoring.NewCollector(env.Store)
		router := newRouter(ctx, env.Store, env.Pipeline, collector, cfg.Monitoring.LookbackWindowHours)

		// Periodic health checks need somewhere to send alerts.
		if cfg.Monitoring.WebhookURL != "" {
			checker := monitoring.NewChecker(collector, monitoring.NewAlerter(monitoring.Config{
				WebhookURL:           cfg.Monitoring.WebhookURL,
				FailureRateThreshold: cfg.Monitoring.FailureRateThreshold,
				DLQDepthThreshold:    cfg.Monitoring.DLQDepthThreshold,
				StaleSourceThreshold: cfg.Monitoring.StaleSourceThreshold,
			}), monitoring.Config{
				CheckIntervalSecs:   cfg.Monitoring.CheckIntervalSecs,
				LookbackWindowHours: cfg.Monitoring.LookbackWindowHours,
			})
			go checker.Run(ctx)
			zap.L().Info("health checker enabled",
				zap.Int("interval_secs", cfg.Monitoring.CheckIntervalSecs))
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: router,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			_ = srv.Shutdown(context.Background())
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// harvestRunner runs the pipeline for one source.
type harvestRunner interface {
	Run(ctx context.Context, sourceID, existingRunID string) (*model.RunResult, error)
}

// apiStore is the slice of the store the HTTP handlers read from.
type apiStore interface {
	GetSourceBySlug(ctx context.Context, slug string) (*model.Source, error)
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
	ListDeadLetters(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DeadLetter, error)
}

// newRouter builds the HTTP API. baseCtx outlives individual requests and
// carries the async harvests triggered over HTTP.
func newRouter(baseCtx context.Context, st apiStore, runner harvestRunner, collector *monitoring.Collector, lookbackHours int) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/sources/{slug}/harvest", func(w http.ResponseWriter, req *http.Request) {
		slug := chi.URLParam(req, "slug")

		src, err := st.GetSourceBySlug(req.Context(), slug)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "source lookup failed"})
			return
		}
		if src == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown source: " + slug})
			return
		}

		// The harvest outlives the request; progress lands on the run row.
		go func() {
			result, err := runner.Run(baseCtx, src.ID, "")
			if err != nil {
				zap.L().Error("http-triggered harvest failed",
					zap.String("source", slug),
					zap.Error(err),
				)
				return
			}
			zap.L().Info("http-triggered harvest complete",
				zap.String("source", slug),
				zap.String("run_id", result.RunID),
				zap.Int("new", result.OpportunitiesNew),
				zap.Int("updated", result.OpportunitiesUpd),
			)
		}()

		writeJSON(w, http.StatusAccepted, map[string]string{
			"status": "accepted",
			"source": slug,
		})
	})

	r.Get("/runs", func(w http.ResponseWriter, req *http.Request) {
		filter := store.RunFilter{
			SourceID: req.URL.Query().Get("source_id"),
			Status:   model.RunStatus(req.URL.Query().Get("status")),
			Limit:    50,
		}

		runs, err := st.ListRuns(req.Context(), filter)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "run listing failed"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
	})

	r.Get("/runs/{id}", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "id")

		run, err := st.GetRun(req.Context(), id)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "run lookup failed"})
			return
		}
		if run == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown run: " + id})
			return
		}

		letters, err := st.ListDeadLetters(req.Context(), resilience.DLQFilter{RunID: run.ID})
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "dead letter lookup failed"})
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"run":          run,
			"dead_letters": letters,
		})
	})

	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		snapshot, err := collector.Collect(req.Context(), lookbackHours)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "metrics collection failed"})
			return
		}
		writeJSON(w, http.StatusOK, snapshot)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
