package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/SirClappington/runengine/internal/engine"
	"github.com/SirClappington/runengine/internal/metrics"
	"github.com/SirClappington/runengine/internal/workerqueue"
)

type Options struct {
	Engine *engine.Engine
	// Overrides and Resolver back the worker queue override admin routes.
	Overrides *workerqueue.Store
	Resolver  *workerqueue.Resolver
	Metrics   *metrics.Metrics
	Gatherer  prometheus.Gatherer
	Logger    *zap.Logger

	JWTSigningKey []byte
	WorkerToken   string
	// Health reports readiness of the process's dependencies.
	Health func(ctx context.Context) error
}

type Server struct {
	engine    *engine.Engine
	overrides *workerqueue.Store
	resolver  *workerqueue.Resolver
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer
	logger    *zap.Logger
	jwtKey    []byte
	token     string
	health    func(ctx context.Context) error
}

func New(opts Options) *Server {
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.NewRegistry()
	}
	return &Server{
		engine:    opts.Engine,
		overrides: opts.Overrides,
		resolver:  opts.Resolver,
		metrics:   opts.Metrics,
		gatherer:  opts.Gatherer,
		logger:    opts.Logger.Named("api"),
		jwtKey:    opts.JWTSigningKey,
		token:     opts.WorkerToken,
		health:    opts.Health,
	}
}

func (s *Server) Routes() http.Handler {
	rtr := chi.NewRouter()
	rtr.Use(middleware.RequestID, s.accessLog, middleware.Recoverer)

	rtr.Get("/healthz", s.healthz)
	rtr.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	// the hash authenticates the caller
	rtr.Post("/waitpoints/tokens/{waitpointId}/callback/{hash}", s.httpCallback)

	rtr.Route("/api/v1", func(rtr chi.Router) {
		rtr.Use(s.envAuth)
		rtr.Post("/tasks/{taskId}/trigger", s.trigger)
		rtr.Post("/tasks/batch", s.triggerBatch)
		rtr.Get("/runs/{runId}", s.getRun)
		rtr.Post("/runs/{runId}/cancel", s.cancelRun)
		rtr.Post("/waitpoints/tokens", s.createToken)
		rtr.Post("/waitpoints/tokens/{waitpointId}/complete", s.completeToken)
	})

	rtr.Route("/engine/v1/worker-actions", func(rtr chi.Router) {
		rtr.Use(s.workerAuth)
		rtr.Post("/heartbeat", s.workerHeartbeat)
		rtr.Post("/dequeue", s.dequeue)
		rtr.Route("/runs/{runId}", func(rtr chi.Router) {
			rtr.Get("/snapshots/latest", s.latestSnapshot)
			rtr.Route("/snapshots/{snapshotId}", func(rtr chi.Router) {
				rtr.Post("/attempts/start", s.startAttempt)
				rtr.Post("/attempts/complete", s.completeAttempt)
				rtr.Post("/heartbeat", s.snapshotHeartbeat)
				rtr.Post("/wait-for-duration", s.waitForDuration)
				rtr.Post("/wait-for-token", s.waitForToken)
				rtr.Post("/suspend", s.suspend)
			})
		})
	})

	rtr.Route("/admin/v1", func(rtr chi.Router) {
		rtr.Use(s.adminAuth)
		rtr.Put("/environments", s.upsertEnvironment)
		rtr.Put("/environments/{envId}/concurrency", s.setEnvConcurrency)
		rtr.Put("/environments/{envId}/queue-concurrency", s.setQueueConcurrency)
		rtr.Put("/organizations/{orgId}/concurrency", s.setOrgConcurrency)
		rtr.Get("/organizations/{orgId}/plan", s.getPlan)
		rtr.Post("/organizations/{orgId}/plan/invalidate", s.invalidatePlan)
		rtr.Get("/worker-queue-overrides", s.getOverrides)
		rtr.Put("/worker-queue-overrides", s.putOverrides)
		rtr.Post("/background-workers", s.registerWorker)
		rtr.Post("/reconcile", s.reconcile)
	})
	return rtr
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			s.logger.Warn("health check failed", zap.Error(err))
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	_, _ = w.Write([]byte("ok"))
}

// accessLog logs every request through zap and records its latency.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		took := time.Since(start)
		s.metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Observe(took.Seconds())
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("took", took),
			zap.String("requestId", middleware.GetReqID(r.Context())),
		)
	})
}
