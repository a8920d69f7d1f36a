// Package server wires every component into one *http.Server, the way
// the teacher's internal/server/server.go does dependency injection:
// repositories, then services, then handlers, then routes, in that
// order, returning a server the caller only needs to ListenAndServe
// and Shutdown.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"modelplane/internal/config"
	"modelplane/internal/database"
	"modelplane/internal/driver"
	"modelplane/internal/gpu"
	"modelplane/internal/handlers"
	"modelplane/internal/logging"
	"modelplane/internal/metrics"
	"modelplane/internal/models"
	"modelplane/internal/portalloc"
	"modelplane/internal/puller"
	"modelplane/internal/reconciler"
	"modelplane/internal/repositories"
	"modelplane/internal/routes"
	"modelplane/internal/services"
)

// Server owns the process's http.Server plus the handles startup needs
// for the initial reconciliation pass and graceful teardown.
type Server struct {
	httpServer  *http.Server
	db          *database.DB
	log         *logrus.Logger
	reconciler  *reconciler.Reconciler
	recomputer  *metrics.Recomputer
	stopMetrics chan struct{}
}

// New builds the full dependency graph from cfg and returns a Server
// ready to Start. Any setup failure here is fatal (§6 "Exit behavior":
// process exits non-zero if initial Store setup fails).
func New(cfg *config.Config) (*Server, error) {
	log := logging.New(cfg.LogLevel)

	db, err := database.Open(cfg.DBPath, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := database.RunMigrations(ctx, db, log); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	instanceRepo := repositories.NewInstanceRepository(db.DB)
	portRepo := repositories.NewPortRepository(db.DB)
	modelRepo := repositories.NewOllamaModelRepository(db.DB)
	settingsRepo := repositories.NewSettingsRepository(db.DB)

	portAlloc := portalloc.New(portRepo, cfg.MinPort, cfg.MaxPort)
	gpuInv := gpu.New(log)

	vllmDriver, err := driver.NewVLLMDriver(cfg.DockerSocketPath, cfg.VLLMImage, log)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to build vllm driver: %w", err)
	}
	ollamaDriver, err := driver.NewOllamaDriver(cfg.DockerSocketPath, ollamaImage(), log)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to build ollama driver: %w", err)
	}

	rc := reconciler.New(log, vllmDriver, ollamaDriver, instanceRepo, portRepo, portAlloc)

	defaults := loadDefaults(ctx, settingsRepo, cfg, log)
	recomputer := metrics.NewRecomputer(instanceRepo)
	manager := services.NewInstanceManager(log, instanceRepo, modelRepo, settingsRepo, portAlloc, gpuInv, rc, recomputer, vllmDriver, ollamaDriver, defaults)
	modelPuller := puller.New(log, modelRepo)

	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.FrontendURL != "" {
		corsCfg := cors.DefaultConfig()
		corsCfg.AllowOrigins = []string{cfg.FrontendURL}
		corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization")
		router.Use(cors.New(corsCfg))
	}

	vllmHandler := handlers.NewInstanceHandler(models.KindVLLM, manager, rc)
	ollamaHandler := handlers.NewInstanceHandler(models.KindOllama, manager, rc)
	modelHandler := handlers.NewModelHandler(manager, modelRepo, modelPuller)
	systemHandler := handlers.NewSystemHandler(gpuInv, instanceRepo)

	routes.RegisterRoutes(router, vllmHandler, ollamaHandler, modelHandler, systemHandler)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s := &Server{
		httpServer:  httpServer,
		db:          db,
		log:         log,
		reconciler:  rc,
		recomputer:  recomputer,
		stopMetrics: make(chan struct{}),
	}

	if err := s.runStartupReconciliation(); err != nil {
		log.WithError(err).Warn("server: startup reconciliation failed, continuing with possibly stale state")
	}
	if err := recomputer.Recompute(context.Background()); err != nil {
		log.WithError(err).Warn("server: initial metrics recompute failed")
	}
	s.runMetricsTicker()

	return s, nil
}

// runMetricsTicker starts the periodic recompute the Recomputer's doc
// comment describes, as a backstop for drift the mutation-path calls
// in services.InstanceManager might miss (e.g. a change made directly
// by the reconciler rather than through the manager).
func (s *Server) runMetricsTicker() {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopMetrics:
				return
			case <-ticker.C:
				if err := s.recomputer.Recompute(context.Background()); err != nil {
					s.log.WithError(err).Warn("server: periodic metrics recompute failed")
				}
			}
		}
	}()
}

// runStartupReconciliation performs the §4.5 "once at process start"
// reconciliation pass, bounded so a hung daemon never blocks startup
// indefinitely.
func (s *Server) runStartupReconciliation() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	report, err := s.reconciler.Run(ctx)
	if err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{
		"imported":          report.Imported,
		"reservationsFreed": report.ReservationsFreed,
		"instancesMarkedGone": report.InstancesMarkedGone,
	}).Info("server: startup reconciliation complete")
	return nil
}

// loadDefaults merges persisted Settings over cfg's env-derived
// fallbacks (SPEC_FULL §3: the Instance Manager's create path reads
// these at call time in principle, but since they change rarely, this
// repo snapshots them once at startup and re-reads on demand would be
// a straightforward future extension).
func loadDefaults(ctx context.Context, settingsRepo *repositories.SettingsRepository, cfg *config.Config, log *logrus.Logger) services.Defaults {
	all, err := settingsRepo.All(ctx)
	if err != nil {
		log.WithError(err).Warn("server: failed to load settings, using env defaults only")
		all = map[string]string{}
	}

	d := services.Defaults{
		Hostname:             cfg.DefaultHostname,
		GPUMemoryUtilization: models.DefaultGPUMemoryUtilization,
		MaxNumSeqs:           256,
		HuggingFaceToken:     cfg.HuggingFaceToken,
	}
	if v, ok := all["default_hostname"]; ok && v != "" {
		d.Hostname = v
	}
	if v, ok := all["default_gpu_memory_utilization"]; ok && v != "" {
		fmt.Sscanf(v, "%f", &d.GPUMemoryUtilization)
	}
	if v, ok := all["default_max_num_seqs"]; ok && v != "" {
		fmt.Sscanf(v, "%d", &d.MaxNumSeqs)
	}
	return d
}

func ollamaImage() string { return "ollama/ollama:latest" }

// Start begins serving and blocks until the listener stops.
func (s *Server) Start() error {
	s.log.WithField("addr", s.httpServer.Addr).Info("server: listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight handlers within ctx's deadline and closes
// the database (§6 "Exit behavior").
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.stopMetrics)
	err := s.httpServer.Shutdown(ctx)
	s.db.Close()
	return err
}
