package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dagflow/api/pkg/clients/httpcall"
	"dagflow/api/pkg/clients/llm"
	"dagflow/api/pkg/clients/sqlexec"
	"dagflow/api/pkg/clients/vectorstore"
	"dagflow/api/pkg/config"
	"dagflow/api/pkg/db"
	"dagflow/api/pkg/metrics"
	"dagflow/api/services/collections"
	"dagflow/api/services/nodes"
	"dagflow/api/services/storage"
	"dagflow/api/services/workflow"
)

func main() {
	ctx := context.Background()
	logHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	slog.SetDefault(slog.New(logHandler))

	// Local development keeps its environment in a .env file; in
	// production the variables are set directly and the file is absent.
	if err := godotenv.Load(); err == nil {
		slog.Debug("loaded environment from .env")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return
	}

	pool, err := db.Connect(ctx, db.DefaultConfig(cfg.DatabaseURL))
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		return
	}
	defer pool.Close()

	pgStore, err := storage.NewInstance(pool)
	if err != nil {
		slog.Error("Failed to create store instance", "error", err)
		return
	}

	var embedder vectorstore.Embedder
	if cfg.OpenAIAPIKey != "" {
		embedder, err = vectorstore.NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimension)
		if err != nil {
			slog.Error("Failed to create embedder", "error", err)
			return
		}
	} else {
		slog.Warn("OPENAI_API_KEY not set, using offline hash embedder")
		embedder = vectorstore.NewHashEmbedder(cfg.EmbeddingDimension)
	}

	vectorStore, err := vectorstore.NewFlatStore(cfg.VectorIndexBasePath, embedder)
	if err != nil {
		slog.Error("Failed to create vector store", "error", err)
		return
	}

	collectionService, err := collections.NewService(vectorStore, pgStore, cfg.EmbeddingDimension)
	if err != nil {
		slog.Error("Failed to create collections service", "error", err)
		return
	}

	var llmClient llm.Client
	if cfg.OpenAIAPIKey != "" {
		llmClient, err = llm.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIModel)
		if err != nil {
			slog.Error("Failed to create LLM client", "error", err)
			return
		}
	} else {
		slog.Warn("OPENAI_API_KEY not set, using stub LLM client")
		llmClient = llm.NewStubClient()
	}

	sqlExecutor, err := sqlexec.NewPgxExecutor(pool)
	if err != nil {
		slog.Error("Failed to create SQL executor", "error", err)
		return
	}

	registry := nodes.NewRegistry(nodes.Deps{
		LLM:    llmClient,
		HTTP:   httpcall.NewNetClient(),
		Vector: collectionService,
		SQL:    sqlExecutor,
	}, nodes.Defaults{
		LLMTemperature:     cfg.LLMDefaultTemperature,
		LLMMaxTokens:       cfg.LLMDefaultMaxTokens,
		HTTPTimeoutSeconds: cfg.HTTPDefaultTimeoutSeconds,
	})

	registrar := prometheus.NewRegistry()
	registrar.MustRegister(collectors.NewGoCollector())
	registrar.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	runMetrics := metrics.New(registrar)

	engine, err := workflow.NewEngine(pgStore, registry, runMetrics, cfg.AllowDisconnectedGraphs)
	if err != nil {
		slog.Error("Failed to create engine", "error", err)
		return
	}

	workflowService, err := workflow.NewService(engine, pgStore)
	if err != nil {
		slog.Error("Failed to create workflow service", "error", err)
		return
	}

	mainRouter := mux.NewRouter()
	apiRouter := mainRouter.PathPrefix("/api/v1").Subrouter()

	workflowService.LoadRoutes(apiRouter)
	collectionService.LoadRoutes(apiRouter)

	mainRouter.Handle("/metrics", promhttp.HandlerFor(registrar, promhttp.HandlerOpts{})).Methods("GET")
	mainRouter.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}).Methods("GET")

	corsHandler := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization", "X-User-ID"}),
	)(mainRouter)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      corsHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute, // runs can be slow; nodes enforce their own timeouts
	}

	serverErrors := make(chan error, 1)

	go func() {
		slog.Info("Starting server", "addr", cfg.ListenAddr)
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		slog.Error("Server error", "error", err)

	case sig := <-shutdown:
		slog.Info("Shutdown signal received", "signal", sig)

		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("Could not stop server gracefully", "error", err)
			srv.Close()
		}
	}
}
