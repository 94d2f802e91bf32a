// Package api assembles the HTTP application: router, middleware chain,
// endpoint handlers and the server-owned state (workflow document,
// limiter, metrics, startup warnings).
package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowrun/flowrun/internal/api/handlers"
	apimiddleware "github.com/flowrun/flowrun/internal/api/middleware"
	"github.com/flowrun/flowrun/internal/config"
	"github.com/flowrun/flowrun/internal/executor"
	blockhandlers "github.com/flowrun/flowrun/internal/executor/handlers"
	"github.com/flowrun/flowrun/internal/llm"
	"github.com/flowrun/flowrun/internal/llm/providers/anthropic"
	"github.com/flowrun/flowrun/internal/llm/providers/google"
	"github.com/flowrun/flowrun/internal/llm/providers/openai"
	"github.com/flowrun/flowrun/internal/metrics"
	"github.com/flowrun/flowrun/internal/ratelimit"
	"github.com/flowrun/flowrun/internal/tools"
	"github.com/flowrun/flowrun/internal/workflow"
)

var llmProvidersOnce sync.Once

// registerLLMProviders registers every provider factory with the global
// registry. Called once on application startup.
func registerLLMProviders() {
	llmProvidersOnce.Do(func() {
		_ = llm.RegisterProvider(llm.ProviderAnthropic, func(cfg *llm.ProviderConfig) (llm.Provider, error) {
			return anthropic.NewClient(cfg)
		})
		_ = llm.RegisterProvider(llm.ProviderGoogle, func(cfg *llm.ProviderConfig) (llm.Provider, error) {
			return google.NewClient(cfg)
		})
		_ = llm.RegisterProvider(llm.ProviderVertex, func(cfg *llm.ProviderConfig) (llm.Provider, error) {
			return google.NewClient(cfg)
		})

		openaiCompatible := []string{
			llm.ProviderOpenAI,
			llm.ProviderAzure,
			llm.ProviderOpenRouter,
			llm.ProviderCerebras,
			llm.ProviderGroq,
			llm.ProviderVLLM,
			llm.ProviderOllama,
			llm.ProviderDeepSeek,
			llm.ProviderXAI,
			llm.ProviderMistral,
		}
		for _, name := range openaiCompatible {
			_ = llm.RegisterProvider(name, func(cfg *llm.ProviderConfig) (llm.Provider, error) {
				return openai.NewCompatibleClient(name, cfg)
			})
		}
	})
}

// App holds application dependencies.
type App struct {
	config *config.Config
	logger *slog.Logger
	router *chi.Mux

	// Startup state
	startTime time.Time
	warnings  []string

	mu       sync.RWMutex
	document *workflow.Document

	// Services
	limiter      *ratelimit.SlidingWindowLimiter
	workspace    *tools.Workspace
	handlerChain []executor.Handler

	// Metrics
	metrics         *metrics.Metrics
	metricsRegistry *prometheus.Registry

	// Handlers
	healthHandler    *handlers.HealthHandler
	executionHandler *handlers.ExecutionHandler
}

// NewApp creates a new application instance. Missing or malformed
// workflow documents degrade health instead of failing startup.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	registerLLMProviders()

	app := &App{
		config:    cfg,
		logger:    logger,
		startTime: time.Now().UTC(),
	}

	app.warnings = config.ValidateEnvironment()
	for _, warning := range app.warnings {
		logger.Warn(warning)
	}

	app.loadWorkflow()

	workspace, err := tools.New(tools.Config{
		Dir:           cfg.Workspace.Dir,
		AllowCommands: cfg.Workspace.EnableCommandExecution,
		MaxFileSize:   cfg.Workspace.MaxFileSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to configure workspace: %w", err)
	}
	app.workspace = workspace

	limiter, err := ratelimit.NewSlidingWindowLimiter(
		cfg.Admission.RateLimitRequests,
		time.Duration(cfg.Admission.RateLimitWindowSeconds)*time.Second,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to configure rate limiter: %w", err)
	}
	app.limiter = limiter

	app.metrics = metrics.NewMetrics()
	app.metricsRegistry = prometheus.NewRegistry()
	if err := app.metrics.Register(app.metricsRegistry); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	chain, err := blockhandlers.Default(logger, workspace, llm.GlobalProviderRegistry)
	if err != nil {
		return nil, fmt.Errorf("failed to build handler chain: %w", err)
	}
	app.handlerChain = chain

	app.healthHandler = handlers.NewHealthHandler(app.startTime, app.warnings, workspace, app.Document)
	app.executionHandler = handlers.NewExecutionHandler(logger, app.Document, chain, app.metrics)

	app.setupRouter()
	return app, nil
}

// loadWorkflow reads and parses the configured workflow document,
// recording a warning instead of failing when it is absent or invalid.
func (a *App) loadWorkflow() {
	path := a.config.Workflow.Path
	data, err := os.ReadFile(path)
	if err != nil {
		a.logger.Warn("workflow file not found", "path", path)
		a.warnings = append(a.warnings, fmt.Sprintf("Workflow file not found: %s", path))
		return
	}

	doc, err := workflow.Parse(data)
	if err != nil {
		a.logger.Error("failed to parse workflow", "path", path, "error", err)
		a.warnings = append(a.warnings, fmt.Sprintf("Failed to parse workflow: %v", err))
		return
	}

	a.mu.Lock()
	a.document = doc
	a.mu.Unlock()
	a.logger.Info("loaded workflow", "path", path, "blocks", len(doc.Blocks))
}

// Document returns the loaded workflow document, nil when loading failed.
func (a *App) Document() *workflow.Document {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.document
}

func (a *App) setupRouter() {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(requestLogger(a.logger))
	r.Use(apimiddleware.Admission(a.limiter, a.config.Admission.MaxRequestSize, a.metrics, a.logger))

	r.Get("/health", a.healthHandler.Health)
	r.Get("/ready", a.healthHandler.Ready)
	r.Handle("/metrics", promhttp.HandlerFor(a.metricsRegistry, promhttp.HandlerOpts{}))
	r.Post("/execute", a.executionHandler.Execute)

	a.router = r
}

// Router returns the HTTP handler.
func (a *App) Router() http.Handler {
	return a.router
}

// requestLogger logs method, path, status and duration for each request.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}
