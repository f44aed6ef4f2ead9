// Package server provides the HTTP server for the orchestration engine.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/limiquantix/orchestrator/internal/config"
	"github.com/limiquantix/orchestrator/internal/domain"
	"github.com/limiquantix/orchestrator/internal/drain"
	"github.com/limiquantix/orchestrator/internal/hypervisor"
	"github.com/limiquantix/orchestrator/internal/metrics"
	"github.com/limiquantix/orchestrator/internal/migration"
	"github.com/limiquantix/orchestrator/internal/placement"
	"github.com/limiquantix/orchestrator/internal/provisioning"
	"github.com/limiquantix/orchestrator/internal/registry"
	"github.com/limiquantix/orchestrator/internal/repository/etcd"
	"github.com/limiquantix/orchestrator/internal/repository/memory"
	"github.com/limiquantix/orchestrator/internal/repository/postgres"
	"github.com/limiquantix/orchestrator/internal/repository/redis"
)

// Server represents the main HTTP server.
type Server struct {
	config     *config.Config
	logger     *zap.Logger
	httpServer *http.Server
	mux        *http.ServeMux

	// Infrastructure
	hypervisor hypervisor.Client
	db         *postgres.DB
	cache      *redis.Cache
	etcd       *etcd.Client

	// Metrics
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	// Repositories
	migrationRepo   migration.Repository
	maintenanceRepo drain.MaintenanceRepository

	// Operation registries
	drainOps   *registry.Registry[*domain.DrainOperation]
	clusterOps *registry.Registry[*domain.ClusterProvisioningState]

	// Engine
	selector     *placement.Selector
	migrations   *migration.Orchestrator
	drains       *drain.Orchestrator
	provisioning *provisioning.Pipeline

	watchInterval time.Duration
	// events is set when operation snapshots are mirrored to Redis; watchers
	// wake on updates published by any replica.
	events eventSource
}

type eventSource interface {
	Subscribe(ctx context.Context, channels ...string) <-chan redis.Event
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithHypervisor sets the hypervisor adapter.
func WithHypervisor(hv hypervisor.Client) ServerOption {
	return func(s *Server) {
		s.hypervisor = hv
	}
}

// WithPostgreSQL enables PostgreSQL as the record store.
func WithPostgreSQL(db *postgres.DB) ServerOption {
	return func(s *Server) {
		s.db = db
	}
}

// WithRedis enables Redis for operation snapshots and events.
func WithRedis(cache *redis.Cache) ServerOption {
	return func(s *Server) {
		s.cache = cache
	}
}

// WithEtcd enables etcd for cross-replica node locks.
func WithEtcd(client *etcd.Client) ServerOption {
	return func(s *Server) {
		s.etcd = client
	}
}

// WithWatchInterval sets how often operation watchers poll for changes.
func WithWatchInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		s.watchInterval = d
	}
}

// New creates a new server instance. A hypervisor adapter must be supplied
// with WithHypervisor.
func New(cfg *config.Config, logger *zap.Logger, opts ...ServerOption) *Server {
	mux := http.NewServeMux()

	s := &Server{
		config:        cfg,
		logger:        logger,
		mux:           mux,
		registry:      prometheus.NewRegistry(),
		watchInterval: 500 * time.Millisecond,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = metrics.New(s.registry)

	s.initRepositories()
	s.initServices()
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      s.setupMiddleware(mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s
}

// initRepositories initializes record repositories and operation registries.
func (s *Server) initRepositories() {
	if s.db != nil {
		s.logger.Info("Initializing PostgreSQL repositories")
		s.migrationRepo = postgres.NewMigrationRepository(s.db, s.logger)
		s.maintenanceRepo = postgres.NewMaintenanceRepository(s.db, s.logger)
	} else {
		s.logger.Info("Initializing in-memory repositories")
		s.migrationRepo = memory.NewMigrationRepository()
		s.maintenanceRepo = memory.NewMaintenanceRepository()
	}

	var (
		drainOpts   []registry.Option[*domain.DrainOperation]
		clusterOpts []registry.Option[*domain.ClusterProvisioningState]
	)
	if s.cache != nil && s.config.Registry.Backend == "redis" {
		ttl := s.config.Registry.TTL
		drainOpts = append(drainOpts, registry.WithMirror[*domain.DrainOperation](
			redis.NewMirror[*domain.DrainOperation](s.cache, "drain", ttl)))
		clusterOpts = append(clusterOpts, registry.WithMirror[*domain.ClusterProvisioningState](
			redis.NewMirror[*domain.ClusterProvisioningState](s.cache, "provisioning", ttl)))
		s.events = s.cache
	}
	s.drainOps = registry.New("drain", (*domain.DrainOperation).Clone, s.logger, drainOpts...)
	s.clusterOps = registry.New("provisioning", (*domain.ClusterProvisioningState).Clone, s.logger, clusterOpts...)

	s.logger.Info("Repositories initialized",
		zap.Bool("postgres", s.db != nil),
		zap.Bool("redis", s.cache != nil),
		zap.Bool("etcd", s.etcd != nil),
		zap.String("registry_backend", s.config.Registry.Backend),
	)
}

// initServices builds the orchestration engine.
func (s *Server) initServices() {
	s.logger.Info("Initializing services")
	cfg := s.config

	s.selector = placement.New(s.hypervisor, placement.Config{
		DefaultAntiAffinity: domain.AntiAffinityStrategy(cfg.Placement.DefaultAntiAffinity),
	}, s.metrics, s.logger)

	s.migrations = migration.New(s.hypervisor, s.hypervisor, s.migrationRepo, migrationConfig(cfg.Migration), s.metrics, s.logger)

	var locker drain.NodeLocker
	if s.etcd != nil {
		locker = etcd.NewNodeLocker(s.etcd, cfg.Etcd.LockTimeout)
	}
	s.drains = drain.New(
		s.hypervisor,
		s.migrations,
		s.selector,
		s.maintenanceRepo,
		locker,
		s.drainOps,
		drain.Config{Parallel: cfg.Drain.Parallel, MaxConcurrency: cfg.Drain.MaxConcurrency},
		s.metrics,
		s.logger,
	)

	s.provisioning = provisioning.New(s.hypervisor, s.selector, s.clusterOps, provisioning.Config{
		PollInterval:    cfg.Provisioning.PollInterval,
		MaxParallel:     cfg.Provisioning.MaxParallel,
		HostnamePattern: cfg.Provisioning.HostnamePattern,
		DefaultStorage:  cfg.Provisioning.DefaultStorage,
		DefaultBridge:   cfg.Provisioning.DefaultBridge,
	}, s.metrics, s.logger)

	s.logger.Info("Services initialized",
		zap.String("anti_affinity", cfg.Placement.DefaultAntiAffinity),
		zap.Bool("drain_parallel", cfg.Drain.Parallel),
		zap.Int("provisioning_max_parallel", cfg.Provisioning.MaxParallel),
	)
}

func migrationConfig(c config.MigrationConfig) migration.Config {
	mc := migration.DefaultConfig()
	mc.PollInterval = c.PollInterval
	mc.OfflineFallbackDelay = c.OfflineFallbackDelay
	if c.DefaultTransport != "" {
		mc.DefaultTransport = domain.TransportType(c.DefaultTransport)
	}
	mc.StorageCacheTTL = c.StorageCacheTTL
	mc.StorageMaxRetries = c.StorageMaxRetries
	mc.StorageRetryBackoff = c.StorageRetryBackoff
	mc.HeuristicEnabled = c.HeuristicEnabled
	if len(c.HeuristicPatterns) > 0 {
		mc.HeuristicPatterns = c.HeuristicPatterns
	}
	return mc
}

// registerRoutes registers all HTTP routes.
func (s *Server) registerRoutes() {
	// Health endpoints
	s.mux.HandleFunc("GET /health", s.healthHandler)
	s.mux.HandleFunc("GET /ready", s.readyHandler)

	if s.config.Metrics.Enabled {
		s.mux.Handle("GET "+s.config.Metrics.Path, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	// Migrations
	s.mux.HandleFunc("POST /api/v1/vms/{vmid}/migrate", s.migrateVM)
	s.mux.HandleFunc("GET /api/v1/vms/{vmid}/migrations", s.vmMigrations)
	s.mux.HandleFunc("GET /api/v1/vms/{vmid}/local-disks", s.vmLocalDisks)
	s.mux.HandleFunc("GET /api/v1/migrations", s.activeMigrations)
	s.mux.HandleFunc("GET /api/v1/migrations/{id}", s.getMigration)
	s.mux.HandleFunc("GET /api/v1/nodes/{node}/migrations", s.nodeMigrations)

	// Drain and maintenance
	s.mux.HandleFunc("POST /api/v1/nodes/{node}/drain", s.drainNode)
	s.mux.HandleFunc("POST /api/v1/nodes/{node}/undrain", s.undrainNode)
	s.mux.HandleFunc("GET /api/v1/drains/{id}", s.getDrain)
	s.mux.HandleFunc("GET /api/v1/nodes/{node}/maintenance", s.getMaintenance)
	s.mux.HandleFunc("POST /api/v1/nodes/{node}/maintenance", s.enableMaintenance)
	s.mux.HandleFunc("DELETE /api/v1/nodes/{node}/maintenance", s.disableMaintenance)

	// Placement
	s.mux.HandleFunc("GET /api/v1/placement/ranking", s.placementRanking)

	// Cluster provisioning
	s.mux.HandleFunc("POST /api/v1/clusters", s.createCluster)
	s.mux.HandleFunc("POST /api/v1/clusters/validate", s.validateCluster)
	s.mux.HandleFunc("GET /api/v1/clusters", s.listClusters)
	s.mux.HandleFunc("GET /api/v1/clusters/{id}", s.getCluster)
	s.mux.HandleFunc("DELETE /api/v1/clusters/{id}", s.cancelCluster)

	// Operation watch
	s.mux.HandleFunc("GET /api/v1/operations/{id}/watch", s.watchOperation)

	s.logger.Info("All routes registered")
}

// setupMiddleware configures middleware chain.
func (s *Server) setupMiddleware(handler http.Handler) http.Handler {
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   s.config.CORS.AllowedOrigins,
		AllowedMethods:   s.config.CORS.AllowedMethods,
		AllowedHeaders:   s.config.CORS.AllowedHeaders,
		AllowCredentials: s.config.CORS.AllowCredentials,
		MaxAge:           86400, // 24 hours
	})

	handler = corsHandler.Handler(handler)
	handler = s.loggingMiddleware(handler)
	handler = s.recoveryMiddleware(handler)

	return handler
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		// Skip logging for probes and scrapes
		if r.URL.Path == "/health" || r.URL.Path == "/ready" || r.URL.Path == s.config.Metrics.Path {
			return
		}

		s.logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

// recoveryMiddleware recovers from panics.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("Panic recovered",
					zap.Any("error", err),
					zap.String("path", r.URL.Path),
				)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack exposes the underlying connection for websocket upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(rw.ResponseWriter).Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// healthHandler returns health status.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "orchestrator",
	})
}

// readyHandler reports readiness of every configured backend.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	ready := true
	details := map[string]string{}
	check := func(name string, health func(context.Context) error) {
		if err := health(ctx); err != nil {
			ready = false
			details[name] = "unhealthy"
			return
		}
		details[name] = "healthy"
	}

	check("hypervisor", func(ctx context.Context) error {
		_, err := s.hypervisor.ListNodes(ctx)
		return err
	})
	if s.db != nil {
		check("postgres", s.db.Health)
	}
	if s.cache != nil {
		check("redis", s.cache.Health)
	}
	if s.etcd != nil {
		check("etcd", s.etcd.Health)
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"ready": ready, "components": details})
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run starts the HTTP server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Starting server",
		zap.String("address", s.config.Server.Address()),
	)

	if s.config.Registry.Retention > 0 {
		go s.pruneLoop(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	return s.Shutdown()
}

func (s *Server) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.Registry.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.pruneOperations(now)
		}
	}
}

// pruneOperations drops drain and provisioning snapshots that finished more
// than the retention period before now.
func (s *Server) pruneOperations(now time.Time) int {
	cutoff := now.Add(-s.config.Registry.Retention)
	expired := func(endedAt *time.Time) bool {
		return endedAt != nil && endedAt.Before(cutoff)
	}
	pruned := s.drainOps.Prune(func(op *domain.DrainOperation) bool {
		return op.Status.IsTerminal() && expired(op.EndedAt)
	})
	pruned += s.clusterOps.Prune(func(state *domain.ClusterProvisioningState) bool {
		return state.Status.IsTerminal() && expired(state.EndedAt)
	})
	return pruned
}

// Shutdown stops the HTTP server, cancels background operations and closes
// infrastructure connections.
func (s *Server) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Shutting down server...")

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP shutdown error: %w", err)
	}

	s.Close()

	if s.etcd != nil {
		if err := s.etcd.Close(); err != nil {
			s.logger.Warn("Failed to close etcd", zap.Error(err))
		}
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Warn("Failed to close Redis", zap.Error(err))
		}
	}
	if s.db != nil {
		s.db.Close()
	}

	s.logger.Info("Server stopped gracefully")
	return nil
}

// Close cancels background operations and waits for them to exit.
func (s *Server) Close() {
	s.provisioning.Close()
	s.drains.Close()
	s.migrations.Close()
}

// Address returns the server address.
func (s *Server) Address() string {
	return s.config.Server.Address()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
